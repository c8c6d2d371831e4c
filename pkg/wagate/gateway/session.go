package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jholhewres/wagate/pkg/wagate/authstore"
	"github.com/jholhewres/wagate/pkg/wagate/transport"
)

// State is the lifecycle state of a session.
type State string

const (
	StateIdle                State = "idle"
	StateConnecting          State = "connecting"
	StatePairingRequired     State = "pairing_required"
	StateOpen                State = "open"
	StateClosing             State = "closing"
	StateClosedRecoverable   State = "closed_recoverable"
	StateClosedUnrecoverable State = "closed_unrecoverable"
)

// Session is one live per-account connection: its credentials, transport,
// outbound queue, and pairing bookkeeping. All lifecycle transitions go
// through the Manager; Session only holds state.
type Session struct {
	ID string

	mu        sync.RWMutex
	state     State
	creds     *authstore.Credentials
	transport transport.Transport
	queue     *SendQueue

	// lastPairingCode is replayed to pairing requests that race the
	// transport's code delivery.
	lastPairingCode string
	pairingAt       time.Time

	// lastClose keeps the most recent close verdict for status output.
	lastClose *Verdict
	closedAt  time.Time

	// reconnecting guards against overlapping reconnect loops.
	reconnecting atomic.Bool

	// generation increments on every (re)connect; stale transport
	// callbacks from a replaced connection are discarded by comparing it.
	generation atomic.Int64
}

func newSession(id string) *Session {
	return &Session{ID: id, state: StateIdle}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Transport returns the current transport, which may be nil.
func (s *Session) Transport() transport.Transport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transport
}

func (s *Session) setTransport(t transport.Transport) {
	s.mu.Lock()
	s.transport = t
	s.mu.Unlock()
}

// Credentials returns the loaded credential set, which may be nil.
func (s *Session) Credentials() *authstore.Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds
}

func (s *Session) setCredentials(c *authstore.Credentials) {
	s.mu.Lock()
	s.creds = c
	s.mu.Unlock()
}

// Queue returns the session's outbound queue, which may be nil before the
// first connect.
func (s *Session) Queue() *SendQueue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queue
}

func (s *Session) setQueue(q *SendQueue) {
	s.mu.Lock()
	s.queue = q
	s.mu.Unlock()
}

// RecordPairingCode stores the latest pairing code and its timestamp.
func (s *Session) RecordPairingCode(code string, at time.Time) {
	s.mu.Lock()
	s.lastPairingCode = code
	s.pairingAt = at
	s.mu.Unlock()
}

// PairingCode returns the last delivered code and when it arrived.
func (s *Session) PairingCode() (string, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastPairingCode, s.pairingAt
}

// InPairingWindow reports whether now falls inside the suppression window
// that started at the last pairing attempt.
func (s *Session) InPairingWindow(now time.Time, window time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.pairingAt.IsZero() && now.Sub(s.pairingAt) < window
}

// RecordClose stores the verdict of the latest close.
func (s *Session) RecordClose(v Verdict, at time.Time) {
	s.mu.Lock()
	s.lastClose = &v
	s.closedAt = at
	s.mu.Unlock()
}

// LastClose returns the latest close verdict, or nil if never closed.
func (s *Session) LastClose() (*Verdict, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastClose, s.closedAt
}

// Status is a point-in-time snapshot for operators.
type Status struct {
	SessionID   string    `json:"session_id"`
	State       State     `json:"state"`
	JID         string    `json:"jid,omitempty"`
	PushName    string    `json:"push_name,omitempty"`
	QueuedSends int       `json:"queued_sends"`
	LastClose   string    `json:"last_close,omitempty"`
	ClosedAt    time.Time `json:"closed_at,omitempty"`
	PairingCode string    `json:"pairing_code,omitempty"`
}

// Snapshot builds a Status from the session's current state.
func (s *Session) Snapshot() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		SessionID: s.ID,
		State:     s.state,
	}
	if s.transport != nil {
		if id := s.transport.Identity(); id != nil {
			st.JID = id.JID
			st.PushName = id.Name
		}
	}
	if s.queue != nil {
		st.QueuedSends = s.queue.Len()
	}
	if s.lastClose != nil {
		st.LastClose = s.lastClose.Reason
		st.ClosedAt = s.closedAt
	}
	if s.state == StatePairingRequired {
		st.PairingCode = s.lastPairingCode
	}
	return st
}
