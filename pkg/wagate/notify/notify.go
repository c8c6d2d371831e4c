// Package notify defines the outbound notification port of the gateway.
// The core publishes fire-and-forget events (pairing codes, connection
// changes, processed turns) and an external layer — web dashboard, log
// sink, test harness — subscribes to them. Delivery to end clients is not
// this package's job.
package notify

import (
	"log/slog"
	"sync"
	"time"
)

// Type identifies the kind of notification event.
type Type string

const (
	PairingCodeReady Type = "pairing-code-ready"
	PairingCodeError Type = "pairing-code-error"
	Connecting       Type = "connecting"
	Connected        Type = "connected"
	Disconnected     Type = "disconnected"
	LoggedOut        Type = "logged-out"
	TurnProcessed    Type = "turn-processed"
	TurnError        Type = "turn-error"
	SessionsRestored Type = "sessions-restored"
)

// Event is a single notification published by the gateway core.
type Event struct {
	Type      Type           `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// Notifier is the port the gateway publishes through.
type Notifier interface {
	Publish(evt Event)
}

// Observer receives events from a Hub subscription.
type Observer interface {
	OnEvent(evt Event)
}

// Hub fans events out to registered observers. Observers run on their own
// goroutine per event and a panicking observer never takes the core down.
type Hub struct {
	mu        sync.Mutex
	observers []Observer
	logger    *slog.Logger
}

// NewHub creates an empty notification hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{logger: logger.With("component", "notify")}
}

// AddObserver registers an observer for all future events.
func (h *Hub) AddObserver(obs Observer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observers = append(h.observers, obs)
}

// Publish delivers evt to every observer. Never blocks the caller on a
// slow observer.
func (h *Hub) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	h.mu.Lock()
	observers := make([]Observer, len(h.observers))
	copy(observers, h.observers)
	h.mu.Unlock()

	for _, obs := range observers {
		go func(o Observer) {
			defer func() {
				if r := recover(); r != nil {
					h.logger.Warn("notify: observer panic", "type", evt.Type, "error", r)
				}
			}()
			o.OnEvent(evt)
		}(obs)
	}
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(evt Event)

// OnEvent calls f.
func (f ObserverFunc) OnEvent(evt Event) { f(evt) }

// LogObserver writes every event to a structured logger. Useful as the
// default sink when no dashboard is attached.
type LogObserver struct {
	logger *slog.Logger
}

// NewLogObserver creates an observer that logs events at info level.
func NewLogObserver(logger *slog.Logger) *LogObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogObserver{logger: logger.With("component", "events")}
}

// OnEvent logs the event.
func (o *LogObserver) OnEvent(evt Event) {
	o.logger.Info("event", "type", evt.Type, "session", evt.SessionID, "details", evt.Details)
}
