// whatsmeow.go implements the Transport interface on top of whatsmeow,
// the native Go WhatsApp Web API library. One Whatsmeow instance owns one
// whatsmeow.Client bound to one credential container.
//
// Reconnection policy deliberately lives OUTSIDE this file: whatsmeow's
// built-in auto-reconnect is disabled and every disconnect surfaces as a
// close event so the gateway's state machine decides what happens next.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jholhewres/wagate/pkg/wagate/authstore"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

// DialerConfig configures the whatsmeow-backed dialer.
type DialerConfig struct {
	// DeviceName is shown in the linked-devices list on the phone.
	DeviceName string `yaml:"device_name"`

	// AllowGroups lets group messages through transport filtering.
	AllowGroups bool `yaml:"allow_groups"`
}

// WhatsmeowDialer opens whatsmeow transports bound to loaded credentials.
type WhatsmeowDialer struct {
	cfg    DialerConfig
	logger *slog.Logger

	osInfoOnce sync.Once
}

// NewWhatsmeowDialer creates a dialer.
func NewWhatsmeowDialer(cfg DialerConfig, logger *slog.Logger) *WhatsmeowDialer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = "WAGate"
	}
	return &WhatsmeowDialer{cfg: cfg, logger: logger.With("component", "transport")}
}

// Dial binds a new transport to creds. The transport is not connected yet;
// the caller registers handlers and calls Connect.
func (d *WhatsmeowDialer) Dial(_ context.Context, creds *authstore.Credentials) (Transport, error) {
	if creds == nil || creds.Device == nil {
		return nil, fmt.Errorf("transport: dial without credentials")
	}

	d.osInfoOnce.Do(func() {
		store.SetOSInfo(d.cfg.DeviceName, [3]uint32{1, 0, 0})
	})

	w := &Whatsmeow{
		cfg:    d.cfg,
		creds:  creds,
		logger: d.logger.With("session", creds.SessionID),
	}
	w.client = whatsmeow.NewClient(creds.Device, waLog.Noop)
	// The gateway owns reconnection; a dropped socket must surface as a
	// close event, not silently heal.
	w.client.EnableAutoReconnect = false
	w.client.AddEventHandler(w.handleEvent)
	return w, nil
}

// Whatsmeow is one live WhatsApp connection.
type Whatsmeow struct {
	cfg    DialerConfig
	creds  *authstore.Credentials
	client *whatsmeow.Client
	logger *slog.Logger

	handlers   Handlers
	handlersMu sync.RWMutex

	connected atomic.Bool
	closed    atomic.Bool

	identityMu sync.RWMutex
	identity   *Identity

	cancelQR context.CancelFunc
}

// SetHandlers registers the gateway callbacks.
func (w *Whatsmeow) SetHandlers(h Handlers) {
	w.handlersMu.Lock()
	w.handlers = h
	w.handlersMu.Unlock()
}

func (w *Whatsmeow) getHandlers() Handlers {
	w.handlersMu.RLock()
	defer w.handlersMu.RUnlock()
	return w.handlers
}

// Connect opens the socket. For unregistered credentials the pairing loop
// runs in the background and codes stream through Handlers.PairingCode.
func (w *Whatsmeow) Connect(ctx context.Context) error {
	if h := w.getHandlers(); h.State != nil {
		h.State(StateConnecting, nil)
	}

	if !w.creds.Registered() {
		w.logger.Info("transport: no registered device, starting pairing flow")
		qrCtx, cancel := context.WithCancel(ctx)
		w.cancelQR = cancel
		qrChan, err := w.client.GetQRChannel(qrCtx)
		if err != nil {
			cancel()
			return fmt.Errorf("transport: opening pairing channel: %w", err)
		}
		if err := w.client.Connect(); err != nil {
			cancel()
			return fmt.Errorf("transport: connecting for pairing: %w", err)
		}
		go w.pairingLoop(qrCtx, qrChan)
		return nil
	}

	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("transport: connecting: %w", err)
	}
	return nil
}

// pairingLoop forwards pairing codes until login succeeds or the flow dies.
func (w *Whatsmeow) pairingLoop(ctx context.Context, qrChan <-chan whatsmeow.QRChannelItem) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-qrChan:
			if !ok {
				return
			}
			switch evt.Event {
			case "code":
				if h := w.getHandlers(); h.PairingCode != nil {
					h.PairingCode(evt.Code)
				}
			case "success":
				w.logger.Info("transport: pairing successful")
				return
			case "timeout":
				w.logger.Warn("transport: pairing code expired")
				w.emitClose(&CloseInfo{Code: CodeTimedOut, Message: "pairing timeout"})
				return
			default:
				if evt.Error != nil {
					w.logger.Warn("transport: pairing failed", "error", evt.Error)
					w.emitClose(&CloseInfo{Code: CodeBadSession, Message: evt.Error.Error()})
					return
				}
			}
		}
	}
}

// Close tears the connection down locally.
func (w *Whatsmeow) Close() {
	if !w.closed.CompareAndSwap(false, true) {
		return
	}
	if w.cancelQR != nil {
		w.cancelQR()
	}
	w.connected.Store(false)
	w.client.Disconnect()
	if err := w.creds.Close(); err != nil {
		w.logger.Warn("transport: closing credential store", "error", err)
	}
}

// LogoutRemote invalidates the credentials on the WhatsApp servers.
func (w *Whatsmeow) LogoutRemote(ctx context.Context) error {
	if err := w.client.Logout(ctx); err != nil {
		return fmt.Errorf("transport: remote logout: %w", err)
	}
	return nil
}

// IsOpen reports socket-open AND identity-resolved.
func (w *Whatsmeow) IsOpen() bool {
	return w.connected.Load() && w.Identity() != nil
}

// Identity returns the resolved remote identity.
func (w *Whatsmeow) Identity() *Identity {
	w.identityMu.RLock()
	defer w.identityMu.RUnlock()
	return w.identity
}

// Send delivers a payload to contactID.
func (w *Whatsmeow) Send(ctx context.Context, contactID string, p *Payload) error {
	if !w.connected.Load() {
		return ErrNotOpen
	}
	jid, err := ParseJID(contactID)
	if err != nil {
		return fmt.Errorf("transport: invalid contact %q: %w", contactID, err)
	}

	var msg *waE2E.Message
	if len(p.Audio) > 0 {
		msg, err = w.buildVoiceNote(ctx, p)
		if err != nil {
			return err
		}
	} else {
		msg = &waE2E.Message{Conversation: proto.String(p.Text)}
	}

	if _, err := w.client.SendMessage(ctx, jid, msg); err != nil {
		if strings.Contains(err.Error(), "websocket") || strings.Contains(err.Error(), "not connected") {
			return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
		}
		return fmt.Errorf("transport: sending message: %w", err)
	}
	return nil
}

// buildVoiceNote uploads the audio and wraps it as a push-to-talk message.
func (w *Whatsmeow) buildVoiceNote(ctx context.Context, p *Payload) (*waE2E.Message, error) {
	up, err := w.client.Upload(ctx, p.Audio, whatsmeow.MediaAudio)
	if err != nil {
		return nil, fmt.Errorf("transport: uploading voice note: %w", err)
	}
	mime := p.AudioMime
	if mime == "" {
		mime = "audio/ogg; codecs=opus"
	}
	return &waE2E.Message{
		AudioMessage: &waE2E.AudioMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(mime),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			PTT:           proto.Bool(true),
		},
	}, nil
}

// DownloadMedia fetches the raw media bytes of an inbound message.
func (w *Whatsmeow) DownloadMedia(ctx context.Context, msg *Message) ([]byte, error) {
	raw, ok := msg.raw.(*waE2E.Message)
	if !ok || raw == nil {
		return nil, ErrNoMedia
	}
	data, err := w.client.DownloadAny(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("transport: downloading media: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("transport: empty media download")
	}
	return data, nil
}

// resolveIdentity captures the authenticated identity from the store.
func (w *Whatsmeow) resolveIdentity() *Identity {
	id := w.client.Store.ID
	if id == nil {
		return nil
	}
	ident := &Identity{
		JID:         id.String(),
		Name:        w.client.Store.PushName,
		PhoneNumber: id.User,
	}
	w.identityMu.Lock()
	w.identity = ident
	w.identityMu.Unlock()
	return ident
}

func (w *Whatsmeow) emitClose(info *CloseInfo) {
	w.connected.Store(false)
	if h := w.getHandlers(); h.State != nil {
		h.State(StateClose, info)
	}
}

// handleEvent is the whatsmeow event dispatcher.
func (w *Whatsmeow) handleEvent(rawEvt interface{}) {
	switch evt := rawEvt.(type) {
	case *events.Connected:
		w.connected.Store(true)
		ident := w.resolveIdentity()
		w.logger.Info("transport: connected", "jid", identJID(ident))
		if h := w.getHandlers(); h.CredentialsChanged != nil && ident != nil {
			h.CredentialsChanged(authstore.Snapshot{
				JID:      ident.JID,
				Platform: w.client.Store.Platform,
			})
		}
		if h := w.getHandlers(); h.State != nil {
			h.State(StateOpen, nil)
		}

	case *events.PairSuccess:
		w.logger.Info("transport: device paired", "jid", evt.ID, "platform", evt.Platform)
		if h := w.getHandlers(); h.CredentialsChanged != nil {
			h.CredentialsChanged(authstore.Snapshot{
				JID:      evt.ID.String(),
				Platform: evt.Platform,
				PairedAt: time.Now(),
			})
		}

	case *events.Disconnected:
		w.logger.Warn("transport: disconnected")
		w.emitClose(&CloseInfo{Code: CodeConnectionLost, Message: "connection lost"})

	case *events.StreamReplaced:
		w.logger.Error("transport: stream replaced by another device")
		w.emitClose(&CloseInfo{Code: CodeStreamReplaced, Message: "stream replaced"})

	case *events.LoggedOut:
		reason := "logged out"
		if evt.Reason != 0 {
			reason = evt.Reason.String()
		}
		w.logger.Error("transport: logged out", "reason", reason, "on_connect", evt.OnConnect)
		w.emitClose(&CloseInfo{Code: CodeLoggedOut, Message: reason})

	case *events.TemporaryBan:
		w.logger.Error("transport: temporary ban", "code", evt.Code, "expire", evt.Expire)
		w.emitClose(&CloseInfo{Code: CodeBanned, Message: evt.Code.String()})

	case *events.ConnectFailure:
		w.logger.Error("transport: connect failure", "reason", evt.Reason, "message", evt.Message)
		w.emitClose(&CloseInfo{Code: int(evt.Reason), Message: evt.Message})

	case *events.StreamError:
		code, _ := strconv.Atoi(evt.Code)
		w.logger.Error("transport: stream error", "code", evt.Code)
		w.emitClose(&CloseInfo{Code: code, Message: "stream error"})

	case *events.KeepAliveTimeout:
		w.logger.Warn("transport: keep-alive timeout", "errors", evt.ErrorCount)

	case *events.Message:
		w.handleMessageEvt(evt)
	}
}

func identJID(id *Identity) string {
	if id == nil {
		return ""
	}
	return id.JID
}

// handleMessageEvt converts an inbound wire message and forwards it.
func (w *Whatsmeow) handleMessageEvt(evt *events.Message) {
	if evt.Info.IsFromMe {
		return
	}
	if evt.Info.Chat.Server == "broadcast" {
		return
	}
	if evt.Info.IsGroup && !w.cfg.AllowGroups {
		return
	}

	msg := extractMessage(evt)
	if msg == nil {
		return
	}

	if h := w.getHandlers(); h.Message != nil {
		h.Message(msg)
	}
}

// extractMessage maps a wire message onto the transport Message type.
// Returns nil for content kinds the gateway does not process.
func extractMessage(evt *events.Message) *Message {
	waMsg := evt.Message
	if waMsg == nil {
		return nil
	}

	msg := &Message{
		ID:        string(evt.Info.ID),
		ContactID: evt.Info.Chat.String(),
		PushName:  evt.Info.PushName,
		Timestamp: evt.Info.Timestamp,
		raw:       waMsg,
	}

	switch {
	case waMsg.Conversation != nil:
		msg.Kind = KindText
		msg.Text = waMsg.GetConversation()
	case waMsg.ExtendedTextMessage != nil:
		msg.Kind = KindText
		msg.Text = waMsg.ExtendedTextMessage.GetText()
	case waMsg.ImageMessage != nil:
		msg.Kind = KindImage
		msg.Caption = waMsg.ImageMessage.GetCaption()
	case waMsg.AudioMessage != nil:
		msg.Kind = KindAudio
		msg.VoiceNote = waMsg.AudioMessage.GetPTT()
	case waMsg.DocumentMessage != nil:
		msg.Kind = KindDocument
		msg.Filename = waMsg.DocumentMessage.GetFileName()
		msg.Caption = waMsg.DocumentMessage.GetCaption()
	case waMsg.VideoMessage != nil:
		// Video is not dispatched; the caption still reaches the contact's
		// conversation as plain text.
		if caption := waMsg.VideoMessage.GetCaption(); caption != "" {
			msg.Kind = KindText
			msg.Text = caption
		} else {
			return nil
		}
	default:
		return nil
	}
	return msg
}

// NewInboundMessage builds a Message for tests and non-wire sources.
func NewInboundMessage(id, contactID string, kind MediaKind, text string) *Message {
	return &Message{
		ID:        id,
		ContactID: contactID,
		Kind:      kind,
		Text:      text,
		Timestamp: time.Now(),
	}
}

// ParseJID converts a contact id to a wire JID. Accepts bare phone numbers
// ("5511999999999") and full JIDs ("5511999999999@s.whatsapp.net").
func ParseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty contact id")
	}
	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if len(digits) < 10 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}
