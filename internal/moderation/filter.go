// Package moderation screens message content before it is persisted and
// broadcast. It blocks configured keywords and phrases (with leetspeak
// normalization) and a small set of flood patterns. It is intentionally
// synchronous and in-process: the check runs on the send path, so a blocked
// message is rejected before it ever reaches the store.
package moderation

import (
	"strings"
	"unicode"
)

// FilterResult is the outcome of a content check. Blocked tells the caller
// to reject the message; Reason and Term say why, for logging and metrics.
type FilterResult struct {
	Blocked bool
	Reason  string // "blocked_keyword" or "spam_pattern"
	Term    string // the matched term or pattern name
}

// Filter holds the blocked term lists. Single words are matched per-token
// after normalization; multi-word phrases are matched as substrings of the
// normalized text.
type Filter struct {
	words   map[string]struct{}
	phrases []string
}

// defaultTerms is the built-in blocklist. Deployments extend it through
// NewFilterWithTerms.
var defaultTerms = []string{
	"kill yourself",
	"kys",
	"go die",
}

// NewFilter creates a Filter with the built-in term list.
func NewFilter() *Filter {
	return NewFilterWithTerms(defaultTerms)
}

// NewFilterWithTerms creates a Filter blocking exactly the given terms.
// Terms containing whitespace are treated as phrases.
func NewFilterWithTerms(terms []string) *Filter {
	f := &Filter{words: make(map[string]struct{})}
	for _, term := range terms {
		term = strings.ToLower(strings.TrimSpace(term))
		if term == "" {
			continue
		}
		if strings.ContainsFunc(term, unicode.IsSpace) {
			f.phrases = append(f.phrases, term)
		} else {
			f.words[term] = struct{}{}
		}
	}
	return f
}

// Check screens text and reports whether it must be blocked. A nil *Filter
// blocks nothing, so moderation can be disabled by simply not configuring
// a filter.
func (f *Filter) Check(text string) FilterResult {
	if f == nil {
		return FilterResult{}
	}

	normalized := normalize(text)

	for _, token := range strings.Fields(normalized) {
		if _, ok := f.words[token]; ok {
			return FilterResult{Blocked: true, Reason: "blocked_keyword", Term: token}
		}
	}

	for _, phrase := range f.phrases {
		if containsPhrase(normalized, phrase) {
			return FilterResult{Blocked: true, Reason: "blocked_keyword", Term: phrase}
		}
	}

	return f.checkSpamPatterns(text)
}

// leetMap undoes the common digit-and-symbol substitutions used to slip
// terms past keyword filters.
var leetMap = map[rune]rune{
	'0': 'o',
	'1': 'i',
	'3': 'e',
	'4': 'a',
	'5': 's',
	'7': 't',
	'@': 'a',
	'$': 's',
	'!': 'i',
}

// normalize lowercases text, applies the leetspeak mapping, and turns every
// remaining non-letter non-digit rune into a space so punctuation cannot
// break term matching.
func normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		if sub, ok := leetMap[r]; ok {
			b.WriteRune(sub)
			continue
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	return b.String()
}

// containsPhrase reports whether phrase occurs in text on word boundaries,
// so "kill yourselves" does not match the phrase "kill yourself".
func containsPhrase(text, phrase string) bool {
	idx := 0
	for {
		i := strings.Index(text[idx:], phrase)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(phrase)

		startOK := start == 0 || text[start-1] == ' '
		endOK := end == len(text) || text[end] == ' '
		if startOK && endOK {
			return true
		}
		idx = start + 1
	}
}
