package presence

import (
	"sort"
	"testing"
)

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry()

	if prev := r.Register(1, "conn-a"); prev != "" {
		t.Errorf("expected no previous connection, got %q", prev)
	}
	if !r.IsOnline(1) {
		t.Error("user 1 should be online")
	}
	if got := r.ConnFor(1); got != "conn-a" {
		t.Errorf("expected conn-a, got %q", got)
	}
	if r.IsOnline(2) {
		t.Error("user 2 should not be online")
	}
}

func TestRegisterReplacesStaleSession(t *testing.T) {
	r := NewRegistry()
	r.Register(1, "conn-a")

	prev := r.Register(1, "conn-b")
	if prev != "conn-a" {
		t.Fatalf("expected previous connection conn-a, got %q", prev)
	}

	// At most one entry per user: the new connection wins.
	if got := r.ConnFor(1); got != "conn-b" {
		t.Errorf("expected conn-b, got %q", got)
	}
	if n := r.Count(); n != 1 {
		t.Errorf("expected 1 entry, got %d", n)
	}
}

func TestUnregisterIsConditional(t *testing.T) {
	r := NewRegistry()
	r.Register(1, "conn-a")
	r.Register(1, "conn-b")

	// The replaced session's disconnect must not remove the live entry.
	if r.Unregister(1, "conn-a") {
		t.Error("unregistering a stale connection should be a no-op")
	}
	if !r.IsOnline(1) {
		t.Fatal("user 1 should still be online via conn-b")
	}

	if !r.Unregister(1, "conn-b") {
		t.Error("unregistering the current connection should succeed")
	}
	if r.IsOnline(1) {
		t.Error("user 1 should be offline")
	}

	// Unregistering an absent user is a no-op.
	if r.Unregister(9, "conn-x") {
		t.Error("expected no-op for unknown user")
	}
}

func TestListOnline(t *testing.T) {
	r := NewRegistry()
	r.Register(3, "c3")
	r.Register(1, "c1")
	r.Register(2, "c2")
	r.Unregister(2, "c2")

	got := r.ListOnline()
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	want := []int64{1, 3}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}
