package gateway

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Batch is one flushed conversation turn: everything a contact sent within
// the debounce window, joined in arrival order.
type Batch struct {
	SessionID string
	ContactID string
	PushName  string
	Text      string
	Count     int
	FirstAt   time.Time
	LastAt    time.Time
}

// Aggregator buffers inbound messages per contact and flushes the batch
// once the contact has been quiet for the debounce window. Every new
// message resets the window, so a person typing a thought across several
// messages produces one dispatch turn, not five.
type Aggregator struct {
	debounce  time.Duration
	separator string
	clock     Clock
	logger    *slog.Logger
	flush     func(Batch)

	mu      sync.Mutex
	buffers map[string]*contactBuffer
}

type contactBuffer struct {
	sessionID string
	contactID string
	pushName  string
	parts     []string
	firstAt   time.Time
	lastAt    time.Time
	timer     Timer
}

// NewAggregator creates an aggregator. flush is called from a timer
// goroutine with the completed batch; it must not block for long.
func NewAggregator(debounce time.Duration, separator string, clock Clock, logger *slog.Logger, flush func(Batch)) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		debounce:  debounce,
		separator: separator,
		clock:     clock,
		logger:    logger.With("component", "aggregator"),
		flush:     flush,
		buffers:   make(map[string]*contactBuffer),
	}
}

func bufferKey(sessionID, contactID string) string {
	return sessionID + "\x00" + contactID
}

// Add appends text to the contact's buffer and restarts the debounce
// timer. Empty text still resets the window but adds nothing.
func (a *Aggregator) Add(sessionID, contactID, pushName, text string) {
	key := bufferKey(sessionID, contactID)
	now := a.clock.Now()

	a.mu.Lock()
	defer a.mu.Unlock()

	buf, ok := a.buffers[key]
	if !ok {
		buf = &contactBuffer{
			sessionID: sessionID,
			contactID: contactID,
			firstAt:   now,
		}
		a.buffers[key] = buf
	} else if buf.timer != nil {
		buf.timer.Stop()
	}

	if text != "" {
		buf.parts = append(buf.parts, text)
	}
	if pushName != "" {
		buf.pushName = pushName
	}
	buf.lastAt = now
	buf.timer = a.clock.AfterFunc(a.debounce, func() { a.fire(key) })
}

// fire flushes the buffer for key if it is still current.
func (a *Aggregator) fire(key string) {
	batch, ok := a.pop(key)
	if !ok {
		return
	}
	a.logger.Debug("aggregator: flushing batch",
		"session", batch.SessionID,
		"contact", batch.ContactID,
		"messages", batch.Count)
	a.flush(batch)
}

// Flush forces the contact's pending buffer out now, ahead of its
// debounce timer. No-op when nothing is buffered.
func (a *Aggregator) Flush(sessionID, contactID string) {
	if batch, ok := a.Take(sessionID, contactID); ok {
		a.flush(batch)
	}
}

// Take removes and returns the contact's pending buffer as a batch,
// bypassing the flush callback. The debounce timer is canceled.
func (a *Aggregator) Take(sessionID, contactID string) (Batch, bool) {
	return a.pop(bufferKey(sessionID, contactID))
}

// pop removes the buffer for key and builds its batch.
func (a *Aggregator) pop(key string) (Batch, bool) {
	a.mu.Lock()
	buf, ok := a.buffers[key]
	if ok {
		if buf.timer != nil {
			buf.timer.Stop()
		}
		delete(a.buffers, key)
	}
	a.mu.Unlock()

	if !ok || len(buf.parts) == 0 {
		return Batch{}, false
	}
	return Batch{
		SessionID: buf.sessionID,
		ContactID: buf.contactID,
		PushName:  buf.pushName,
		Text:      strings.Join(buf.parts, a.separator),
		Count:     len(buf.parts),
		FirstAt:   buf.firstAt,
		LastAt:    buf.lastAt,
	}, true
}

// Drop discards any pending buffer for a contact without flushing.
func (a *Aggregator) Drop(sessionID, contactID string) {
	key := bufferKey(sessionID, contactID)
	a.mu.Lock()
	defer a.mu.Unlock()
	if buf, ok := a.buffers[key]; ok {
		if buf.timer != nil {
			buf.timer.Stop()
		}
		delete(a.buffers, key)
	}
}

// DropSession discards all pending buffers of a session. Called on
// teardown so messages never flush into a dead session.
func (a *Aggregator) DropSession(sessionID string) {
	prefix := sessionID + "\x00"
	a.mu.Lock()
	defer a.mu.Unlock()
	for key, buf := range a.buffers {
		if strings.HasPrefix(key, prefix) {
			if buf.timer != nil {
				buf.timer.Stop()
			}
			delete(a.buffers, key)
		}
	}
}

// Pending reports how many contact buffers are currently waiting.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffers)
}
