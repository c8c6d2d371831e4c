package gateway

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/wagate/pkg/wagate/transport"
)

// ErrSendExpired is reported on the completion channel of a queued send
// that outlived its expiry window without a transport open.
var ErrSendExpired = errors.New("gateway: queued send expired")

// ErrQueueClosed is reported when the queue is torn down with sends still
// waiting.
var ErrQueueClosed = errors.New("gateway: send queue closed")

// PendingSend is one outbound payload waiting for the transport.
type PendingSend struct {
	ID        string
	ContactID string
	Payload   *transport.Payload
	QueuedAt  time.Time

	// Done receives exactly one result: nil on delivery, ErrSendExpired,
	// ErrQueueClosed, or the final transport error.
	Done chan error

	timer Timer
}

// SendQueue is a per-session FIFO of undeliverable sends. Messages are
// queued when the transport is closed and drained in order the moment it
// opens, so nothing a dispatch turn produced is lost to a reconnect.
type SendQueue struct {
	expiry time.Duration
	clock  Clock
	logger *slog.Logger

	mu      sync.Mutex
	pending []*PendingSend
	closed  bool
}

// NewSendQueue creates an empty queue.
func NewSendQueue(expiry time.Duration, clock Clock, logger *slog.Logger) *SendQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &SendQueue{
		expiry: expiry,
		clock:  clock,
		logger: logger.With("component", "sendqueue"),
	}
}

// Enqueue parks a payload until the next drain. The returned send's Done
// channel resolves when the payload is delivered, expires, or the queue
// closes.
func (q *SendQueue) Enqueue(contactID string, p *transport.Payload) *PendingSend {
	ps := &PendingSend{
		ID:        uuid.NewString(),
		ContactID: contactID,
		Payload:   p,
		QueuedAt:  q.clock.Now(),
		Done:      make(chan error, 1),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		ps.Done <- ErrQueueClosed
		return ps
	}
	q.pending = append(q.pending, ps)
	ps.timer = q.clock.AfterFunc(q.expiry, func() { q.expire(ps.ID) })
	q.mu.Unlock()

	q.logger.Debug("sendqueue: message queued", "id", ps.ID, "contact", contactID)
	return ps
}

// expire removes a send that waited too long and reports the failure.
func (q *SendQueue) expire(id string) {
	q.mu.Lock()
	ps := q.remove(id)
	q.mu.Unlock()
	if ps == nil {
		return
	}
	q.logger.Warn("sendqueue: queued message expired", "id", ps.ID, "contact", ps.ContactID)
	ps.Done <- ErrSendExpired
}

// remove unlinks a pending send by id. Caller holds q.mu.
func (q *SendQueue) remove(id string) *PendingSend {
	for i, ps := range q.pending {
		if ps.ID == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return ps
		}
	}
	return nil
}

// Drain delivers all pending sends in FIFO order through deliver. A send
// that fails is re-queued at the front and draining stops, preserving
// order for the next drain. Sends already past their expiry are rejected
// without a delivery attempt.
func (q *SendQueue) Drain(deliver func(contactID string, p *transport.Payload) error) {
	cutoff := q.clock.Now().Add(-q.expiry)
	for {
		q.mu.Lock()
		if q.closed || len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		ps := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		if ps.QueuedAt.Before(cutoff) {
			if ps.timer != nil {
				ps.timer.Stop()
			}
			q.logger.Warn("sendqueue: dropping expired message at drain",
				"id", ps.ID, "contact", ps.ContactID)
			ps.Done <- ErrSendExpired
			continue
		}

		if err := deliver(ps.ContactID, ps.Payload); err != nil {
			q.mu.Lock()
			if q.closed {
				q.mu.Unlock()
				if ps.timer != nil {
					ps.timer.Stop()
				}
				ps.Done <- ErrQueueClosed
				return
			}
			q.pending = append([]*PendingSend{ps}, q.pending...)
			q.mu.Unlock()
			q.logger.Warn("sendqueue: drain interrupted", "id", ps.ID, "error", err)
			return
		}

		if ps.timer != nil {
			ps.timer.Stop()
		}
		q.logger.Debug("sendqueue: queued message delivered", "id", ps.ID, "contact", ps.ContactID)
		ps.Done <- nil
	}
}

// SweepExpired drops sends older than the expiry window. The per-send
// timers normally handle this; the sweep is the backstop for timers lost
// to clock skew or a missed callback.
func (q *SendQueue) SweepExpired() int {
	cutoff := q.clock.Now().Add(-q.expiry)

	q.mu.Lock()
	var kept []*PendingSend
	var dropped []*PendingSend
	for _, ps := range q.pending {
		if ps.QueuedAt.Before(cutoff) {
			dropped = append(dropped, ps)
		} else {
			kept = append(kept, ps)
		}
	}
	q.pending = kept
	q.mu.Unlock()

	for _, ps := range dropped {
		if ps.timer != nil {
			ps.timer.Stop()
		}
		ps.Done <- ErrSendExpired
	}
	return len(dropped)
}

// Len reports how many sends are waiting.
func (q *SendQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close fails every pending send and rejects future enqueues.
func (q *SendQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, ps := range pending {
		if ps.timer != nil {
			ps.timer.Stop()
		}
		ps.Done <- ErrQueueClosed
	}
}
