package dispatch

import "testing"

func TestHistory(t *testing.T) {
	t.Run("append and get", func(t *testing.T) {
		h := NewHistory(10)
		h.Append("s1", "c1", "user", "question")
		h.Append("s1", "c1", "model", "answer")

		entries := h.Get("s1", "c1")
		if len(entries) != 2 {
			t.Fatalf("expected 2 entries, got %d", len(entries))
		}
		if entries[0].Text != "question" || entries[1].Text != "answer" {
			t.Errorf("order broken: %+v", entries)
		}
	})

	t.Run("bounded to max turns", func(t *testing.T) {
		h := NewHistory(3)
		for i := 0; i < 10; i++ {
			h.Append("s1", "c1", "user", "msg")
		}
		if got := len(h.Get("s1", "c1")); got != 3 {
			t.Errorf("expected 3 entries, got %d", got)
		}
	})

	t.Run("contacts are isolated", func(t *testing.T) {
		h := NewHistory(10)
		h.Append("s1", "c1", "user", "for c1")
		h.Append("s1", "c2", "user", "for c2")
		h.Append("s2", "c1", "user", "other session")

		if got := h.Get("s1", "c1"); len(got) != 1 || got[0].Text != "for c1" {
			t.Errorf("unexpected entries for s1/c1: %+v", got)
		}
	})

	t.Run("clear drops one contact", func(t *testing.T) {
		h := NewHistory(10)
		h.Append("s1", "c1", "user", "a")
		h.Append("s1", "c2", "user", "b")
		h.Clear("s1", "c1")

		if got := h.Get("s1", "c1"); len(got) != 0 {
			t.Errorf("c1 not cleared: %+v", got)
		}
		if got := h.Get("s1", "c2"); len(got) != 1 {
			t.Errorf("c2 should survive: %+v", got)
		}
	})

	t.Run("clear session drops all its contacts", func(t *testing.T) {
		h := NewHistory(10)
		h.Append("s1", "c1", "user", "a")
		h.Append("s1", "c2", "user", "b")
		h.Append("s2", "c1", "user", "c")
		h.ClearSession("s1")

		convs, entries := h.Stats()
		if convs != 1 || entries != 1 {
			t.Errorf("expected only s2/c1 left, got %d conversations %d entries", convs, entries)
		}
	})

	t.Run("get returns a copy", func(t *testing.T) {
		h := NewHistory(10)
		h.Append("s1", "c1", "user", "original")
		entries := h.Get("s1", "c1")
		entries[0].Text = "mutated"

		if got := h.Get("s1", "c1"); got[0].Text != "original" {
			t.Error("internal state mutated through returned slice")
		}
	})
}
