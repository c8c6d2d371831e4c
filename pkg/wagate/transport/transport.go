// Package transport abstracts the real-time messaging connection one
// session holds. The gateway core consumes connection lifecycle events,
// pairing codes, credential updates and inbound messages through the
// Handlers callbacks, and drives the connection through the Transport
// interface. The concrete implementation is whatsmeow (whatsmeow.go);
// tests substitute a fake.
package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/jholhewres/wagate/pkg/wagate/authstore"
)

// ConnState is the coarse connection state reported by the transport.
type ConnState string

const (
	StateConnecting ConnState = "connecting"
	StateOpen       ConnState = "open"
	StateClose      ConnState = "close"
)

// Well-known close status codes, matching the wire-level status space the
// messaging service uses.
const (
	CodeLoggedOut           = 401
	CodeBanned              = 403
	CodeClientOutdated      = 405
	CodeTimedOut            = 408
	CodeMultideviceMismatch = 411
	CodeConnectionLost      = 428
	CodeStreamReplaced      = 440
	CodeBadSession          = 500
	CodeServiceUnavailable  = 503
	CodeRestartRequired     = 515
)

// CloseInfo describes why the transport closed.
type CloseInfo struct {
	Code    int
	Message string
}

func (c *CloseInfo) String() string {
	if c == nil {
		return "unknown"
	}
	return fmt.Sprintf("%d (%s)", c.Code, c.Message)
}

// Identity is the resolved remote identity of an authenticated session.
type Identity struct {
	JID         string
	Name        string
	PhoneNumber string
}

// MediaKind classifies inbound message content.
type MediaKind string

const (
	KindText     MediaKind = "text"
	KindImage    MediaKind = "image"
	KindAudio    MediaKind = "audio"
	KindDocument MediaKind = "document"
)

// Message is one inbound message from a remote contact.
type Message struct {
	ID        string
	ContactID string
	PushName  string
	Kind      MediaKind
	Text      string
	Caption   string
	Filename  string
	VoiceNote bool
	Timestamp time.Time

	// raw carries the underlying wire message for media download.
	raw any
}

// Payload is one outbound message to a remote contact. Exactly one of
// Text or Audio is set.
type Payload struct {
	Text string

	// Audio is an encoded voice note. Mime defaults to Ogg/Opus.
	Audio     []byte
	AudioMime string
}

// Handlers are the callbacks the gateway registers before Connect. All
// fields are optional; nil handlers are skipped.
type Handlers struct {
	// PairingCode fires when the transport needs a fresh pairing exchange.
	// The payload is the raw code material; normalization is the caller's job.
	PairingCode func(payload any)

	// State fires on every connection state change. closeInfo is non-nil
	// only for StateClose.
	State func(state ConnState, closeInfo *CloseInfo)

	// CredentialsChanged fires when authentication material was refreshed
	// and should be re-persisted.
	CredentialsChanged func(snap authstore.Snapshot)

	// Message fires for each inbound message that passes transport-level
	// filtering (own messages, broadcasts, groups).
	Message func(msg *Message)
}

// Transport is one session's connection to the messaging network.
type Transport interface {
	// SetHandlers registers event callbacks. Must be called before Connect.
	SetHandlers(h Handlers)

	// Connect opens the connection bound to the credentials the transport
	// was dialed with. For unregistered credentials the pairing flow starts
	// in the background and codes arrive via Handlers.PairingCode.
	Connect(ctx context.Context) error

	// Close tears the connection down locally. Idempotent.
	Close()

	// LogoutRemote invalidates the credentials on the remote service.
	LogoutRemote(ctx context.Context) error

	// Send delivers one payload to a contact over the open connection.
	Send(ctx context.Context, contactID string, p *Payload) error

	// DownloadMedia fetches the media bytes of an inbound message.
	DownloadMedia(ctx context.Context, msg *Message) ([]byte, error)

	// IsOpen reports whether the connection is open AND the remote
	// identity has been resolved — the readiness check send paths use.
	IsOpen() bool

	// Identity returns the resolved remote identity, nil until
	// authentication completes.
	Identity() *Identity
}

// Dialer opens transports bound to loaded credentials.
type Dialer interface {
	Dial(ctx context.Context, creds *authstore.Credentials) (Transport, error)
}

// Errors shared by transport implementations.
var (
	ErrNotOpen        = fmt.Errorf("transport: connection is not open")
	ErrConnectionClosed = fmt.Errorf("transport: connection closed")
	ErrNoMedia        = fmt.Errorf("transport: message has no media")
)
