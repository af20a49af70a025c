package moderation

import (
	"strings"
	"testing"
)

func TestCheckBlockedWord(t *testing.T) {
	f := NewFilterWithTerms([]string{"badword", "offensive"})

	tests := []struct {
		name    string
		input   string
		blocked bool
		term    string
	}{
		{"exact match", "badword", true, "badword"},
		{"in sentence", "this is badword here", true, "badword"},
		{"case insensitive", "BADWORD", true, "badword"},
		{"mixed case", "BaDwOrD", true, "badword"},
		{"with punctuation", "hello, badword!", true, "badword"},
		{"clean message", "hello world", false, ""},
		{"longer word not blocked", "badwording is fine", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := f.Check(tt.input)
			if result.Blocked != tt.blocked {
				t.Errorf("Check(%q).Blocked = %v, want %v", tt.input, result.Blocked, tt.blocked)
			}
			if tt.blocked && result.Term != tt.term {
				t.Errorf("Check(%q).Term = %q, want %q", tt.input, result.Term, tt.term)
			}
			if tt.blocked && result.Reason != "blocked_keyword" {
				t.Errorf("Check(%q).Reason = %q, want blocked_keyword", tt.input, result.Reason)
			}
		})
	}
}

func TestCheckBlockedPhrase(t *testing.T) {
	f := NewFilterWithTerms([]string{"kill yourself", "go die"})

	tests := []struct {
		name    string
		input   string
		blocked bool
		term    string
	}{
		{"exact phrase", "kill yourself", true, "kill yourself"},
		{"phrase in sentence", "you should kill yourself now", true, "kill yourself"},
		{"case insensitive phrase", "KILL YOURSELF", true, "kill yourself"},
		{"longer word no match", "kill yourselves", false, ""},
		{"words separated", "kill and yourself", false, ""},
		{"second phrase", "go die already", true, "go die"},
		{"clean message", "i love this channel", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := f.Check(tt.input)
			if result.Blocked != tt.blocked {
				t.Errorf("Check(%q).Blocked = %v, want %v", tt.input, result.Blocked, tt.blocked)
			}
			if tt.blocked && result.Term != tt.term {
				t.Errorf("Check(%q).Term = %q, want %q", tt.input, result.Term, tt.term)
			}
		})
	}
}

func TestCheckLeetspeak(t *testing.T) {
	f := NewFilterWithTerms([]string{"badword", "offensive"})

	inputs := []string{
		"b@dw0rd",
		"b@dword",
		"off3n$ive",
		"offens1ve",
		"offens!ve",
		"0ff3n$!v3",
	}
	for _, input := range inputs {
		if !f.Check(input).Blocked {
			t.Errorf("Check(%q) should be blocked", input)
		}
	}
}

func TestCheckSpamPatterns(t *testing.T) {
	f := NewFilterWithTerms(nil)

	tests := []struct {
		name    string
		input   string
		blocked bool
		term    string
	}{
		{"char flood", "aaaaaaaaaa", true, "char_flood"},
		{"char flood in text", "wow " + strings.Repeat("!", 8), true, "char_flood"},
		{"short repeat ok", "soooo cool", false, ""},
		{"word flood", "spam spam spam spam spam", true, "word_flood"},
		{"word flood mixed case", "Buy BUY buy BUY buy", true, "word_flood"},
		{"few repeats ok", "no no no", false, ""},
		{"normal message", "see you at the meeting tomorrow", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := f.Check(tt.input)
			if result.Blocked != tt.blocked {
				t.Errorf("Check(%q).Blocked = %v, want %v", tt.input, result.Blocked, tt.blocked)
			}
			if tt.blocked {
				if result.Reason != "spam_pattern" || result.Term != tt.term {
					t.Errorf("Check(%q) = %+v, want spam_pattern/%s", tt.input, result, tt.term)
				}
			}
		})
	}
}

func TestNilFilterBlocksNothing(t *testing.T) {
	var f *Filter
	if f.Check("kys aaaaaaaaaa").Blocked {
		t.Fatal("nil filter must not block")
	}
}

func TestDefaultFilter(t *testing.T) {
	f := NewFilter()
	if !f.Check("kys").Blocked {
		t.Fatal("default filter should block its built-in terms")
	}
	if f.Check("looking forward to the weekend").Blocked {
		t.Fatal("default filter should pass normal text")
	}
}
