// Package dispatch turns an aggregated batch of contact messages into a
// reply. Dispatchers never return an error to the gateway: a failed model
// call degrades to a fallback string so the contact always hears back.
package dispatch

import (
	"context"
	"log/slog"
)

// Fallback replies used when the model call fails.
const (
	FallbackReply      = "Sorry, I couldn't process your message right now. Please try again in a moment."
	FallbackMediaReply = "Sorry, I couldn't process that file. Could you describe it in text?"
)

// Attachment is an inline media part of a turn.
type Attachment struct {
	MIME string
	Data []byte
	// Filename is set for documents.
	Filename string
}

// Turn is one dispatch request: the joined text batch plus any media the
// contact sent in the window.
type Turn struct {
	SessionID string
	ContactID string
	PushName  string
	Text      string

	Attachments []Attachment
}

// Options carries the per-session profile into a dispatch call.
type Options struct {
	Model        string
	SystemPrompt string
	Temperature  float64
}

// Dispatcher produces a reply for a conversation turn.
type Dispatcher interface {
	// Dispatch returns the reply text. Implementations degrade to a
	// fallback string instead of returning an error for model failures;
	// the error return covers only context cancellation.
	Dispatch(ctx context.Context, turn Turn, opts Options) (string, error)
}

// Logged wraps a dispatcher with request/response logging.
func Logged(d Dispatcher, logger *slog.Logger) Dispatcher {
	return &loggedDispatcher{inner: d, logger: logger.With("component", "dispatch")}
}

type loggedDispatcher struct {
	inner  Dispatcher
	logger *slog.Logger
}

func (l *loggedDispatcher) Dispatch(ctx context.Context, turn Turn, opts Options) (string, error) {
	l.logger.Debug("dispatch: turn started",
		"session", turn.SessionID,
		"contact", turn.ContactID,
		"chars", len(turn.Text),
		"attachments", len(turn.Attachments))
	reply, err := l.inner.Dispatch(ctx, turn, opts)
	if err != nil {
		l.logger.Warn("dispatch: turn canceled", "error", err)
		return reply, err
	}
	l.logger.Debug("dispatch: turn finished", "reply_chars", len(reply))
	return reply, nil
}
