package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/wagate/pkg/wagate/authstore"
	"github.com/jholhewres/wagate/pkg/wagate/dispatch"
	"github.com/jholhewres/wagate/pkg/wagate/notify"
	"github.com/jholhewres/wagate/pkg/wagate/transport"
)

// ---------- Fakes ----------

type sentMessage struct {
	ContactID string
	Payload   *transport.Payload
}

type fakeTransport struct {
	mu        sync.Mutex
	handlers  transport.Handlers
	open      bool
	identity  *transport.Identity
	sent      []sentMessage
	sendErr   error
	closed    bool
	mediaData []byte

	// pairOnConnect delivers a pairing code synchronously from Connect,
	// mimicking the pairing channel of an unregistered device.
	pairOnConnect string
}

func (f *fakeTransport) SetHandlers(h transport.Handlers) {
	f.mu.Lock()
	f.handlers = h
	f.mu.Unlock()
}

func (f *fakeTransport) getHandlers() transport.Handlers {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers
}

func (f *fakeTransport) Connect(context.Context) error {
	if f.pairOnConnect != "" {
		if h := f.getHandlers(); h.PairingCode != nil {
			h.PairingCode(f.pairOnConnect)
		}
	}
	return nil
}

func (f *fakeTransport) Close() {
	f.mu.Lock()
	f.closed = true
	f.open = false
	f.mu.Unlock()
}

func (f *fakeTransport) LogoutRemote(context.Context) error { return nil }

func (f *fakeTransport) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open && f.identity != nil
}

func (f *fakeTransport) Identity() *transport.Identity {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.identity
}

func (f *fakeTransport) Send(_ context.Context, contactID string, p *transport.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	if !f.open {
		return transport.ErrNotOpen
	}
	f.sent = append(f.sent, sentMessage{ContactID: contactID, Payload: p})
	return nil
}

func (f *fakeTransport) DownloadMedia(context.Context, *transport.Message) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mediaData == nil {
		return nil, transport.ErrNoMedia
	}
	return f.mediaData, nil
}

func (f *fakeTransport) sentMessages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

// markOpen flips the transport to open-with-identity and fires the state
// handler the way a real connection would.
func (f *fakeTransport) markOpen(jid string) {
	f.mu.Lock()
	f.open = true
	f.identity = &transport.Identity{JID: jid, Name: "Test Account"}
	f.mu.Unlock()
	if h := f.getHandlers(); h.State != nil {
		h.State(transport.StateOpen, nil)
	}
	if h := f.getHandlers(); h.CredentialsChanged != nil {
		h.CredentialsChanged(authstore.Snapshot{JID: jid})
	}
}

func (f *fakeTransport) fireClose(info *transport.CloseInfo) {
	f.mu.Lock()
	f.open = false
	f.mu.Unlock()
	if h := f.getHandlers(); h.State != nil {
		h.State(transport.StateClose, info)
	}
}

func (f *fakeTransport) fireMessage(msg *transport.Message) {
	if h := f.getHandlers(); h.Message != nil {
		h.Message(msg)
	}
}

type fakeDialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
	pairCode   string
	dialErr    error
}

func (d *fakeDialer) Dial(_ context.Context, creds *authstore.Credentials) (transport.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	tr := &fakeTransport{pairOnConnect: d.pairCode}
	d.transports = append(d.transports, tr)
	return tr, nil
}

func (d *fakeDialer) setDialErr(err error) {
	d.mu.Lock()
	d.dialErr = err
	d.mu.Unlock()
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transports)
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

type fakeDispatcher struct {
	mu    sync.Mutex
	turns []dispatch.Turn
	reply string
}

func (f *fakeDispatcher) Dispatch(_ context.Context, turn dispatch.Turn, _ dispatch.Options) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, turn)
	if f.reply == "" {
		return "ok", nil
	}
	return f.reply, nil
}

func (f *fakeDispatcher) received() []dispatch.Turn {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]dispatch.Turn, len(f.turns))
	copy(out, f.turns)
	return out
}

type eventRecorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *eventRecorder) Publish(evt notify.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *eventRecorder) byType(typ notify.Type) []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// ---------- Harness ----------

type harness struct {
	manager    *Manager
	store      *authstore.Store
	clock      *manualClock
	dialer     *fakeDialer
	dispatcher *fakeDispatcher
	events     *eventRecorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := authstore.New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}

	clock := newManualClock()
	dialer := &fakeDialer{pairCode: "ABCD-1234"}
	dispatcher := &fakeDispatcher{}
	events := &eventRecorder{}

	manager, err := NewManager(DefaultConfig(), ManagerDeps{
		Store:      store,
		Dialer:     dialer,
		Dispatcher: dispatcher,
		Notifier:   events,
		Clock:      clock,
	})
	if err != nil {
		t.Fatalf("creating manager: %v", err)
	}
	t.Cleanup(manager.Shutdown)

	return &harness{
		manager:    manager,
		store:      store,
		clock:      clock,
		dialer:     dialer,
		dispatcher: dispatcher,
		events:     events,
	}
}

// waitFor polls cond on real time; turn processing runs on goroutines.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// ---------- Tests ----------

func TestCreateSession(t *testing.T) {
	t.Run("fresh credentials enter pairing", func(t *testing.T) {
		h := newHarness(t)
		if err := h.manager.CreateSession(context.Background(), "main"); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}

		status, err := h.manager.SessionStatus("main")
		if err != nil {
			t.Fatalf("SessionStatus: %v", err)
		}
		if status.State != StatePairingRequired {
			t.Errorf("expected pairing_required, got %s", status.State)
		}
		if status.PairingCode != "ABCD-1234" {
			t.Errorf("expected pairing code surfaced, got %q", status.PairingCode)
		}
		if got := h.events.byType(notify.PairingCodeReady); len(got) != 1 {
			t.Errorf("expected 1 pairing-code-ready event, got %d", len(got))
		}
	})

	t.Run("create is idempotent while active", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		if err := h.manager.CreateSession(ctx, "main"); err != nil {
			t.Fatalf("first create: %v", err)
		}
		if err := h.manager.CreateSession(ctx, "main"); err != nil {
			t.Fatalf("second create: %v", err)
		}
		if h.dialer.dialCount() != 1 {
			t.Errorf("expected 1 dial, got %d", h.dialer.dialCount())
		}
	})

	t.Run("open transition resolves identity and notifies", func(t *testing.T) {
		h := newHarness(t)
		if err := h.manager.CreateSession(context.Background(), "main"); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		h.dialer.last().markOpen("5511999999999@s.whatsapp.net")

		status, _ := h.manager.SessionStatus("main")
		if status.State != StateOpen {
			t.Errorf("expected open, got %s", status.State)
		}
		if status.JID != "5511999999999@s.whatsapp.net" {
			t.Errorf("identity not surfaced: %q", status.JID)
		}
		if status.PairingCode != "" {
			t.Errorf("pairing code should clear on open, got %q", status.PairingCode)
		}
		if got := h.events.byType(notify.Connected); len(got) != 1 {
			t.Errorf("expected 1 connected event, got %d", len(got))
		}
	})
}

func TestCloseHandling(t *testing.T) {
	openSession := func(t *testing.T, h *harness) *fakeTransport {
		t.Helper()
		if err := h.manager.CreateSession(context.Background(), "main"); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		tr := h.dialer.last()
		tr.markOpen("5511999999999@s.whatsapp.net")
		return tr
	}

	t.Run("recoverable close schedules reconnect", func(t *testing.T) {
		h := newHarness(t)
		tr := openSession(t, h)

		tr.fireClose(&transport.CloseInfo{Code: 503, Message: "service unavailable"})
		status, _ := h.manager.SessionStatus("main")
		if status.State != StateClosedRecoverable {
			t.Fatalf("expected closed_recoverable, got %s", status.State)
		}
		if got := h.events.byType(notify.Disconnected); len(got) != 1 {
			t.Errorf("expected loud disconnect event, got %d", len(got))
		}

		h.clock.Advance(h.manager.cfg.ReconnectDelay)
		if h.dialer.dialCount() != 2 {
			t.Errorf("expected a second dial after the delay, got %d", h.dialer.dialCount())
		}
	})

	t.Run("quiet close suppresses notification but reconnects", func(t *testing.T) {
		h := newHarness(t)
		tr := openSession(t, h)

		tr.fireClose(&transport.CloseInfo{Code: 428, Message: "connection lost"})
		if got := h.events.byType(notify.Disconnected); len(got) != 0 {
			t.Errorf("quiet close published %d disconnect events", len(got))
		}

		h.clock.Advance(h.manager.cfg.ReconnectDelay)
		if h.dialer.dialCount() != 2 {
			t.Errorf("expected reconnect after quiet close, got %d dials", h.dialer.dialCount())
		}
	})

	t.Run("unrecoverable close unregisters but keeps credentials", func(t *testing.T) {
		h := newHarness(t)
		tr := openSession(t, h)

		tr.fireClose(&transport.CloseInfo{Code: 401, Message: "logged out"})
		if _, err := h.manager.SessionStatus("main"); !errors.Is(err, ErrSessionNotFound) {
			t.Fatalf("expected session removed from registry, got %v", err)
		}
		if got := h.events.byType(notify.LoggedOut); len(got) != 1 {
			t.Errorf("expected logged-out event, got %d", len(got))
		}
		if !h.store.Exists("main") {
			t.Error("credential store must survive an unrecoverable close")
		}

		h.clock.Advance(10 * h.manager.cfg.ReconnectDelay)
		if h.dialer.dialCount() != 1 {
			t.Errorf("unrecoverable close must not reconnect, got %d dials", h.dialer.dialCount())
		}
	})

	t.Run("failed reconnect attempt reschedules", func(t *testing.T) {
		h := newHarness(t)
		tr := openSession(t, h)

		h.dialer.setDialErr(errors.New("dial refused"))
		tr.fireClose(&transport.CloseInfo{Code: 503, Message: "service unavailable"})

		h.clock.Advance(h.manager.cfg.ReconnectDelay)
		if h.dialer.dialCount() != 1 {
			t.Fatalf("failed dial should not count a transport, got %d", h.dialer.dialCount())
		}
		// The failed attempt is surfaced, not swallowed.
		failures := 0
		for _, evt := range h.events.byType(notify.Disconnected) {
			if evt.Details["will_reconnect"] == true {
				failures++
			}
		}
		if failures != 1 {
			t.Errorf("expected 1 reconnect-failure notification, got %d", failures)
		}

		h.dialer.setDialErr(nil)
		h.clock.Advance(h.manager.cfg.ReconnectDelay)
		if h.dialer.dialCount() != 2 {
			t.Errorf("expected a retry dial after the transient failure, got %d", h.dialer.dialCount())
		}
		status, _ := h.manager.SessionStatus("main")
		if status.State == StateClosedRecoverable {
			t.Errorf("session stranded in closed_recoverable after retry")
		}
	})

	t.Run("close during pairing window skips automatic reconnect", func(t *testing.T) {
		h := newHarness(t)
		code, err := h.manager.GeneratePairing(context.Background(), "main")
		if err != nil {
			t.Fatalf("GeneratePairing: %v", err)
		}
		if code == "" {
			t.Fatal("expected a pairing code")
		}

		dials := h.dialer.dialCount()
		h.dialer.last().fireClose(&transport.CloseInfo{Code: 503, Message: "service unavailable"})
		h.clock.Advance(h.manager.cfg.ReconnectDelay)

		if h.dialer.dialCount() != dials {
			t.Errorf("pairing flow owns the retry: dials %d -> %d", dials, h.dialer.dialCount())
		}
		if got := h.events.byType(notify.Disconnected); len(got) != 0 {
			t.Errorf("pairing-window close published %d disconnect events", len(got))
		}
	})
}

func TestSendPath(t *testing.T) {
	t.Run("open transport sends directly", func(t *testing.T) {
		h := newHarness(t)
		if err := h.manager.CreateSession(context.Background(), "main"); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		tr := h.dialer.last()
		tr.markOpen("1@s.whatsapp.net")

		if err := h.manager.Send("main", "c1@s.whatsapp.net", "hi"); err != nil {
			t.Fatalf("Send: %v", err)
		}
		sent := tr.sentMessages()
		if len(sent) != 1 || sent[0].Payload.Text != "hi" {
			t.Fatalf("unexpected sent messages: %+v", sent)
		}
	})

	t.Run("closed transport queues and drains on open", func(t *testing.T) {
		h := newHarness(t)
		if err := h.manager.CreateSession(context.Background(), "main"); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}

		// The transport never opens; the payload goes straight into the
		// queue instead of blocking on the escalation ladder.
		if err := h.manager.Send("main", "c1@s.whatsapp.net", "queued"); err != nil {
			t.Fatalf("Send: %v", err)
		}
		status, _ := h.manager.SessionStatus("main")
		if status.QueuedSends != 1 {
			t.Fatalf("expected 1 queued send, got %d", status.QueuedSends)
		}

		tr := h.dialer.last()
		tr.markOpen("1@s.whatsapp.net")

		sent := tr.sentMessages()
		if len(sent) != 1 || sent[0].Payload.Text != "queued" {
			t.Fatalf("queued send not drained on open: %+v", sent)
		}
		status, _ = h.manager.SessionStatus("main")
		if status.QueuedSends != 0 {
			t.Errorf("queue not empty after drain: %d", status.QueuedSends)
		}
	})

	t.Run("exhausted ladder rejects instead of queueing", func(t *testing.T) {
		h := newHarness(t)
		if err := h.manager.CreateSession(context.Background(), "main"); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		tr := h.dialer.last()
		tr.markOpen("1@s.whatsapp.net")
		tr.mu.Lock()
		tr.sendErr = transport.ErrConnectionClosed
		tr.mu.Unlock()

		// Direct attempts fail, the forced reconnect dials a transport that
		// never opens, and the ladder gives up with a rejection.
		err := h.manager.Send("main", "c1@s.whatsapp.net", "doomed")
		if !errors.Is(err, ErrDeliveryFailed) {
			t.Fatalf("expected ErrDeliveryFailed, got %v", err)
		}
		status, _ := h.manager.SessionStatus("main")
		if status.QueuedSends != 0 {
			t.Errorf("rejected send must not be queued, got %d", status.QueuedSends)
		}
	})

	t.Run("queued send expiry surfaces as turn-error", func(t *testing.T) {
		h := newHarness(t)
		if err := h.manager.CreateSession(context.Background(), "main"); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}

		if err := h.manager.Send("main", "c1@s.whatsapp.net", "stale"); err != nil {
			t.Fatalf("Send: %v", err)
		}
		h.clock.Advance(h.manager.cfg.PendingExpiry)

		waitFor(t, func() bool { return len(h.events.byType(notify.TurnError)) == 1 })
		evt := h.events.byType(notify.TurnError)[0]
		if evt.Details["contact"] != "c1@s.whatsapp.net" {
			t.Errorf("unexpected turn-error details: %+v", evt.Details)
		}
		status, _ := h.manager.SessionStatus("main")
		if status.QueuedSends != 0 {
			t.Errorf("expired send still queued: %d", status.QueuedSends)
		}
	})
}

func TestTurnProcessing(t *testing.T) {
	t.Run("batched messages become one dispatch turn", func(t *testing.T) {
		h := newHarness(t)
		if err := h.manager.CreateSession(context.Background(), "main"); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		tr := h.dialer.last()
		tr.markOpen("1@s.whatsapp.net")

		tr.fireMessage(&transport.Message{
			ID: "m1", ContactID: "c1@s.whatsapp.net", PushName: "Alice",
			Kind: transport.KindText, Text: "first part",
		})
		tr.fireMessage(&transport.Message{
			ID: "m2", ContactID: "c1@s.whatsapp.net", PushName: "Alice",
			Kind: transport.KindText, Text: "second part",
		})
		h.clock.Advance(h.manager.cfg.Debounce)

		waitFor(t, func() bool { return len(h.dispatcher.received()) == 1 })
		turn := h.dispatcher.received()[0]
		if turn.Text != "first part\n\nsecond part" {
			t.Errorf("unexpected joined text: %q", turn.Text)
		}
		if turn.PushName != "Alice" {
			t.Errorf("push name lost: %q", turn.PushName)
		}

		waitFor(t, func() bool { return len(tr.sentMessages()) == 1 })
		if got := tr.sentMessages()[0]; got.ContactID != "c1@s.whatsapp.net" || got.Payload.Text != "ok" {
			t.Errorf("unexpected reply: %+v", got)
		}
		waitFor(t, func() bool { return len(h.events.byType(notify.TurnProcessed)) == 1 })
	})

	t.Run("media skips the debounce and flushes buffered text first", func(t *testing.T) {
		h := newHarness(t)
		if err := h.manager.CreateSession(context.Background(), "main"); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		tr := h.dialer.last()
		tr.markOpen("1@s.whatsapp.net")
		tr.mu.Lock()
		tr.mediaData = []byte("jpeg-bytes")
		tr.mu.Unlock()

		tr.fireMessage(&transport.Message{
			ID: "m1", ContactID: "c1@s.whatsapp.net",
			Kind: transport.KindText, Text: "look at this",
		})
		tr.fireMessage(&transport.Message{
			ID: "m2", ContactID: "c1@s.whatsapp.net",
			Kind: transport.KindImage,
		})

		// No debounce advance: the image forces both turns out, text first.
		waitFor(t, func() bool { return len(h.dispatcher.received()) == 2 })
		turns := h.dispatcher.received()
		if turns[0].Text != "look at this" || len(turns[0].Attachments) != 0 {
			t.Errorf("expected buffered text dispatched first, got %+v", turns[0])
		}
		if turns[1].Text != "[image]" || len(turns[1].Attachments) != 1 {
			t.Fatalf("expected media turn second, got %+v", turns[1])
		}
		if turns[1].Attachments[0].MIME != "image/jpeg" {
			t.Errorf("unexpected attachment mime: %q", turns[1].Attachments[0].MIME)
		}
	})

	t.Run("failed media download degrades to a placeholder turn", func(t *testing.T) {
		h := newHarness(t)
		if err := h.manager.CreateSession(context.Background(), "main"); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		tr := h.dialer.last()
		tr.markOpen("1@s.whatsapp.net")

		tr.fireMessage(&transport.Message{
			ID: "m1", ContactID: "c1@s.whatsapp.net",
			Kind: transport.KindAudio, VoiceNote: true,
		})

		waitFor(t, func() bool { return len(h.dispatcher.received()) == 1 })
		turn := h.dispatcher.received()[0]
		if turn.Text != "[voice message]" {
			t.Errorf("unexpected placeholder: %q", turn.Text)
		}
		if len(turn.Attachments) != 0 {
			t.Errorf("degraded turn should carry no attachments, got %d", len(turn.Attachments))
		}
	})

	t.Run("disabled session drops messages", func(t *testing.T) {
		h := newHarness(t)
		if err := h.manager.CreateSession(context.Background(), "main"); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		cfg := DefaultSessionConfig()
		cfg.Enabled = false
		h.manager.SetConfig("main", cfg)

		tr := h.dialer.last()
		tr.markOpen("1@s.whatsapp.net")
		tr.fireMessage(&transport.Message{
			ID: "m1", ContactID: "c1@s.whatsapp.net",
			Kind: transport.KindText, Text: "ignored",
		})
		h.clock.Advance(h.manager.cfg.Debounce * 2)

		time.Sleep(40 * time.Millisecond)
		if got := h.dispatcher.received(); len(got) != 0 {
			t.Errorf("disabled session dispatched %d turns", len(got))
		}
	})

	t.Run("contacts get separate turns", func(t *testing.T) {
		h := newHarness(t)
		if err := h.manager.CreateSession(context.Background(), "main"); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		tr := h.dialer.last()
		tr.markOpen("1@s.whatsapp.net")

		tr.fireMessage(&transport.Message{
			ID: "m1", ContactID: "c1@s.whatsapp.net",
			Kind: transport.KindText, Text: "from one",
		})
		tr.fireMessage(&transport.Message{
			ID: "m2", ContactID: "c2@s.whatsapp.net",
			Kind: transport.KindText, Text: "from two",
		})
		h.clock.Advance(h.manager.cfg.Debounce)

		waitFor(t, func() bool { return len(h.dispatcher.received()) == 2 })
		contacts := map[string]bool{}
		for _, turn := range h.dispatcher.received() {
			contacts[turn.ContactID] = true
		}
		if !contacts["c1@s.whatsapp.net"] || !contacts["c2@s.whatsapp.net"] {
			t.Errorf("expected one turn per contact, got %v", contacts)
		}
	})
}

func TestSessionOperations(t *testing.T) {
	t.Run("logout removes session and credentials", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		if err := h.manager.CreateSession(ctx, "main"); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		h.dialer.last().markOpen("1@s.whatsapp.net")

		if err := h.manager.Logout(ctx, "main"); err != nil {
			t.Fatalf("Logout: %v", err)
		}
		if _, err := h.manager.SessionStatus("main"); !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("expected session gone, got %v", err)
		}
		if got := h.events.byType(notify.LoggedOut); len(got) != 1 {
			t.Errorf("expected logged-out event, got %d", len(got))
		}
	})

	t.Run("unknown session errors", func(t *testing.T) {
		h := newHarness(t)
		if err := h.manager.Logout(context.Background(), "ghost"); !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("expected ErrSessionNotFound, got %v", err)
		}
		if _, err := h.manager.SessionStatus("ghost"); !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("expected ErrSessionNotFound, got %v", err)
		}
	})

	t.Run("config roundtrip", func(t *testing.T) {
		h := newHarness(t)
		cfg := DefaultSessionConfig()
		cfg.SystemPrompt = "be terse"
		h.manager.SetConfig("main", cfg)

		if got := h.manager.Config("main"); got.SystemPrompt != "be terse" {
			t.Errorf("config not stored: %+v", got)
		}
		h.manager.RemoveConfig("main")
		if got := h.manager.Config("main"); got.SystemPrompt != "" {
			t.Errorf("config not reverted to defaults: %+v", got)
		}
	})
}

func TestGeneratePairing(t *testing.T) {
	h := newHarness(t)
	code, err := h.manager.GeneratePairing(context.Background(), "main")
	if err != nil {
		t.Fatalf("GeneratePairing: %v", err)
	}
	if code != "ABCD-1234" {
		t.Errorf("expected pairing code, got %q", code)
	}

	// Within the window the same code replays without a new connection.
	dials := h.dialer.dialCount()
	again, err := h.manager.GeneratePairing(context.Background(), "main")
	if err != nil {
		t.Fatalf("second GeneratePairing: %v", err)
	}
	if again != code {
		t.Errorf("expected replayed code %q, got %q", code, again)
	}
	if h.dialer.dialCount() != dials {
		t.Errorf("replay should not redial: %d -> %d", dials, h.dialer.dialCount())
	}
}

func TestRestoreSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.manager.CreateSession(ctx, "main"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	h.dialer.last().markOpen("1@s.whatsapp.net")

	// Local remove keeps credentials on disk, so the session is restorable.
	if err := h.manager.Remove("main"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := h.manager.SessionStatus("main"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected session gone after remove, got %v", err)
	}

	restored, err := h.manager.RestoreSessions(ctx)
	if err != nil {
		t.Fatalf("RestoreSessions: %v", err)
	}
	if restored != 1 {
		t.Errorf("expected 1 restored session, got %d", restored)
	}
	if h.dialer.dialCount() != 2 {
		t.Errorf("expected a fresh dial for the restored session, got %d", h.dialer.dialCount())
	}
	if got := h.events.byType(notify.SessionsRestored); len(got) != 1 {
		t.Errorf("expected sessions-restored event, got %d", len(got))
	}
}
