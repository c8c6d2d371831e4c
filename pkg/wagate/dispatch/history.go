package dispatch

import (
	"sync"
	"time"
)

// HistoryEntry is one exchange in a conversation.
type HistoryEntry struct {
	Role string // "user" or "model"
	Text string
	At   time.Time
}

// History keeps bounded per-contact conversation context in memory. It is
// a cache, not durable storage: restarts begin with empty context.
type History struct {
	maxTurns int

	mu    sync.Mutex
	chats map[string][]HistoryEntry
}

// NewHistory creates a history bounded to maxTurns entries per contact.
func NewHistory(maxTurns int) *History {
	if maxTurns <= 0 {
		maxTurns = 40
	}
	return &History{
		maxTurns: maxTurns,
		chats:    make(map[string][]HistoryEntry),
	}
}

func historyKey(sessionID, contactID string) string {
	return sessionID + "\x00" + contactID
}

// Append records an exchange, trimming the oldest entries past the bound.
func (h *History) Append(sessionID, contactID, role, text string) {
	key := historyKey(sessionID, contactID)
	h.mu.Lock()
	defer h.mu.Unlock()
	entries := append(h.chats[key], HistoryEntry{Role: role, Text: text, At: time.Now()})
	if len(entries) > h.maxTurns {
		entries = entries[len(entries)-h.maxTurns:]
	}
	h.chats[key] = entries
}

// Get returns a copy of the contact's conversation context.
func (h *History) Get(sessionID, contactID string) []HistoryEntry {
	key := historyKey(sessionID, contactID)
	h.mu.Lock()
	defer h.mu.Unlock()
	entries := h.chats[key]
	out := make([]HistoryEntry, len(entries))
	copy(out, entries)
	return out
}

// Clear drops the context of one contact.
func (h *History) Clear(sessionID, contactID string) {
	h.mu.Lock()
	delete(h.chats, historyKey(sessionID, contactID))
	h.mu.Unlock()
}

// ClearSession drops the context of every contact of a session.
func (h *History) ClearSession(sessionID string) {
	prefix := sessionID + "\x00"
	h.mu.Lock()
	defer h.mu.Unlock()
	for key := range h.chats {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(h.chats, key)
		}
	}
}

// Stats reports the number of tracked conversations and total entries.
func (h *History) Stats() (conversations, entries int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range h.chats {
		entries += len(e)
	}
	return len(h.chats), entries
}
