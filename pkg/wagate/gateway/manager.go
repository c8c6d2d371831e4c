// Package gateway implements the session lifecycle core: credential
// loading, connection state handling with close classification, the
// per-contact message aggregator, and the reliable outbound send path.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jholhewres/wagate/pkg/wagate/authstore"
	"github.com/jholhewres/wagate/pkg/wagate/dispatch"
	"github.com/jholhewres/wagate/pkg/wagate/notify"
	"github.com/jholhewres/wagate/pkg/wagate/transport"
	"github.com/jholhewres/wagate/pkg/wagate/tts"
)

// restoreStagger spaces out session restores at startup.
const restoreStagger = 500 * time.Millisecond

// Package errors.
var (
	ErrSessionNotFound = errors.New("gateway: session not found")
	ErrSessionClosed   = errors.New("gateway: session is closed")
	ErrNotPairing      = errors.New("gateway: session is not pairing")
)

// Manager orchestrates sessions end to end. All lifecycle operations are
// safe for concurrent use; operations on the same session id serialize on
// a per-id lock so unrelated sessions never block each other.
type Manager struct {
	cfg      Config
	store    *authstore.Store
	dialer   transport.Dialer
	dispatch dispatch.Dispatcher
	speech   tts.Provider
	notifier notify.Notifier
	clock    Clock
	logger   *slog.Logger

	registry   *SessionRegistry
	aggregator *Aggregator

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ManagerDeps bundles the collaborators a Manager needs.
type ManagerDeps struct {
	Store      *authstore.Store
	Dialer     transport.Dialer
	Dispatcher dispatch.Dispatcher
	Speech     tts.Provider
	Notifier   notify.Notifier
	Clock      Clock
	Logger     *slog.Logger
}

// NewManager creates a manager. Speech and Notifier are optional.
func NewManager(cfg Config, deps ManagerDeps) (*Manager, error) {
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	if deps.Store == nil || deps.Dialer == nil || deps.Dispatcher == nil {
		return nil, fmt.Errorf("gateway: store, dialer and dispatcher are required")
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.NewHub(deps.Logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:      cfg,
		store:    deps.Store,
		dialer:   deps.Dialer,
		dispatch: deps.Dispatcher,
		speech:   deps.Speech,
		notifier: deps.Notifier,
		clock:    deps.Clock,
		logger:   deps.Logger.With("component", "gateway"),
		registry: NewSessionRegistry(),
		ctx:      ctx,
		cancel:   cancel,
	}
	m.aggregator = NewAggregator(cfg.Debounce, cfg.JoinSeparator, m.clock, deps.Logger, m.processBatch)
	return m, nil
}

// Registry exposes session config storage for the command surface.
func (m *Manager) Registry() *SessionRegistry { return m.registry }

// publish emits an operator notification.
func (m *Manager) publish(typ notify.Type, sessionID string, details map[string]any) {
	m.notifier.Publish(notify.Event{
		Type:      typ,
		SessionID: sessionID,
		Timestamp: m.clock.Now(),
		Details:   details,
	})
}

// ---------- Lifecycle ----------

// CreateSession loads credentials and opens a connection for id. If the
// session already exists and is not dead, this is a no-op. For fresh
// credentials the connection enters the pairing flow and the pairing code
// is delivered through the notifier.
func (m *Manager) CreateSession(ctx context.Context, id string) error {
	lock := m.registry.Lock(id)
	lock.Lock()
	defer lock.Unlock()

	sess, created := m.registry.GetOrCreate(id)
	if !created {
		switch sess.State() {
		case StateOpen, StateConnecting, StatePairingRequired:
			m.logger.Debug("gateway: session already active", "session", id, "state", sess.State())
			return nil
		}
		// Dead session: silence and drop the old transport before the
		// recreate so its callbacks cannot race the new connection.
		sess.generation.Add(1)
		if tr := sess.Transport(); tr != nil {
			tr.Close()
			sess.setTransport(nil)
		}
		if creds := sess.Credentials(); creds != nil {
			creds.Close()
			sess.setCredentials(nil)
		}
	}
	return m.connectLocked(ctx, sess)
}

// connectLocked performs credential load + dial + connect. Caller holds
// the session's creation lock.
func (m *Manager) connectLocked(ctx context.Context, sess *Session) error {
	sess.setState(StateConnecting)
	m.publish(notify.Connecting, sess.ID, nil)

	creds, err := m.loadCredentials(ctx, sess.ID)
	if err != nil {
		sess.setState(StateClosedRecoverable)
		return fmt.Errorf("gateway: loading credentials for %q: %w", sess.ID, err)
	}
	sess.setCredentials(creds)

	if sess.Queue() == nil {
		sess.setQueue(NewSendQueue(m.cfg.PendingExpiry, m.clock, m.logger))
	}

	tr, err := m.dialer.Dial(ctx, creds)
	if err != nil {
		sess.setState(StateClosedRecoverable)
		return fmt.Errorf("gateway: dialing transport for %q: %w", sess.ID, err)
	}

	gen := sess.generation.Add(1)
	tr.SetHandlers(transport.Handlers{
		PairingCode:        func(code any) { m.handlePairingCode(sess, gen, code) },
		State:              func(st transport.ConnState, info *transport.CloseInfo) { m.handleState(sess, gen, st, info) },
		CredentialsChanged: func(snap authstore.Snapshot) { m.handleCredentialsChanged(sess, gen, snap) },
		Message:            func(msg *transport.Message) { m.handleMessage(sess, gen, msg) },
	})
	sess.setTransport(tr)

	if !creds.Registered() {
		sess.setState(StatePairingRequired)
	}
	if err := tr.Connect(ctx); err != nil {
		sess.setState(StateClosedRecoverable)
		return fmt.Errorf("gateway: connecting %q: %w", sess.ID, err)
	}
	return nil
}

// loadCredentials loads the session's credential set, retrying transient
// missing-file races with linear backoff. A store that vanishes mid-load
// (the bot's own logout, an external cleanup) is retried; anything else
// fails immediately.
func (m *Manager) loadCredentials(ctx context.Context, id string) (*authstore.Credentials, error) {
	var lastErr error
	for attempt := 1; attempt <= m.cfg.CredentialAttempts; attempt++ {
		creds, err := m.store.Load(ctx, id)
		if err == nil {
			if missing, verr := creds.Validate(); verr != nil {
				creds.Close()
				return nil, verr
			} else if len(missing) > 0 {
				m.logger.Warn("gateway: credential snapshot incomplete",
					"session", id, "missing", missing)
			}
			return creds, nil
		}
		lastErr = err
		if !authstore.IsMissing(err) {
			return nil, err
		}
		m.logger.Warn("gateway: credential store not ready, retrying",
			"session", id, "attempt", attempt, "error", err)
		if attempt < m.cfg.CredentialAttempts {
			m.clock.Sleep(time.Duration(attempt) * m.cfg.CredentialBackoff)
		}
	}
	return nil, fmt.Errorf("gateway: credential store unavailable after %d attempts: %w",
		m.cfg.CredentialAttempts, lastErr)
}

// stale reports whether a callback belongs to a replaced connection.
func stale(sess *Session, gen int64) bool {
	return sess.generation.Load() != gen
}

// handlePairingCode records and publishes a pairing code.
func (m *Manager) handlePairingCode(sess *Session, gen int64, code any) {
	if stale(sess, gen) {
		return
	}
	text := normalizePairingPayload(code)
	if text == "" {
		m.logger.Warn("gateway: unusable pairing payload", "session", sess.ID)
		m.publish(notify.PairingCodeError, sess.ID, nil)
		return
	}
	sess.RecordPairingCode(text, m.clock.Now())
	sess.setState(StatePairingRequired)
	m.logger.Info("gateway: pairing code ready", "session", sess.ID)
	m.publish(notify.PairingCodeReady, sess.ID, map[string]any{"code": text})
}

// normalizePairingPayload extracts a code string from whatever shape the
// transport delivered.
func normalizePairingPayload(payload any) string {
	switch v := payload.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case fmt.Stringer:
		return v.String()
	case map[string]any:
		for _, key := range []string{"code", "qr", "pairing_code"} {
			if s, ok := v[key].(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// handleState reacts to transport connection transitions.
func (m *Manager) handleState(sess *Session, gen int64, st transport.ConnState, info *transport.CloseInfo) {
	if stale(sess, gen) {
		m.logger.Debug("gateway: dropping stale connection event", "session", sess.ID, "state", st)
		return
	}
	switch st {
	case transport.StateConnecting:
		// Already published by the lifecycle operation that started it.
	case transport.StateOpen:
		m.handleOpen(sess, gen)
	case transport.StateClose:
		m.handleClose(sess, gen, info)
	}
}

// handleOpen completes the transition to open: wait for the identity,
// persist the snapshot, drain queued sends, announce.
func (m *Manager) handleOpen(sess *Session, gen int64) {
	tr := sess.Transport()
	if tr == nil {
		return
	}

	ident := m.waitIdentity(tr)
	if ident == nil {
		m.logger.Warn("gateway: socket open but identity unresolved", "session", sess.ID)
	}

	if stale(sess, gen) {
		return
	}
	sess.setState(StateOpen)
	sess.RecordPairingCode("", time.Time{})

	details := map[string]any{}
	if ident != nil {
		details["jid"] = ident.JID
		details["name"] = ident.Name
	}
	m.logger.Info("gateway: session open", "session", sess.ID, "jid", details["jid"])
	m.publish(notify.Connected, sess.ID, details)

	if q := sess.Queue(); q != nil && q.Len() > 0 {
		m.logger.Info("gateway: draining queued sends", "session", sess.ID, "queued", q.Len())
		q.Drain(func(contactID string, p *transport.Payload) error {
			return tr.Send(m.ctx, contactID, p)
		})
	}
}

// waitIdentity polls until the transport resolves its identity or the
// wait budget runs out.
func (m *Manager) waitIdentity(tr transport.Transport) *transport.Identity {
	deadline := m.clock.Now().Add(m.cfg.IdentityWait)
	for {
		if id := tr.Identity(); id != nil {
			return id
		}
		if m.clock.Now().After(deadline) {
			return nil
		}
		m.clock.Sleep(m.cfg.IdentityPoll)
	}
}

// handleClose classifies the close and either schedules a reconnect or
// tears the session down for re-pairing.
func (m *Manager) handleClose(sess *Session, gen int64, info *transport.CloseInfo) {
	verdict := Classify(info)
	now := m.clock.Now()
	sess.RecordClose(verdict, now)

	m.logger.Warn("gateway: session closed",
		"session", sess.ID,
		"close", info.String(),
		"severity", verdict.Severity.String(),
		"quiet", verdict.Quiet)

	// Closes inside the pairing window are expected churn; the phone has
	// not linked yet and the transport cycles connections.
	inPairing := sess.InPairingWindow(now, m.cfg.PairingSuppression)
	suppress := verdict.Quiet || inPairing

	if verdict.Severity == SeverityUnrecoverable {
		// Credentials stay on disk until an explicit logout; the operator
		// may still want to inspect or re-pair the account. The registry
		// entry goes away so only live sessions are listed.
		sess.setState(StateClosedUnrecoverable)
		m.teardown(sess, false)
		m.registry.Remove(sess.ID)
		m.registry.RemoveConfig(sess.ID)
		m.publish(notify.LoggedOut, sess.ID, map[string]any{"reason": verdict.Reason})
		return
	}

	sess.setState(StateClosedRecoverable)
	if !suppress {
		m.publish(notify.Disconnected, sess.ID, map[string]any{"reason": verdict.Reason})
	}
	if inPairing {
		// The explicit pairing flow owns the retry; an automatic redial
		// here would tear down the transport mid-scan.
		m.logger.Debug("gateway: close inside pairing window, skipping reconnect", "session", sess.ID)
		return
	}
	m.scheduleReconnect(sess)
}

// scheduleReconnect arranges one delayed reconnect attempt. Overlapping
// schedules collapse into a single pending attempt.
func (m *Manager) scheduleReconnect(sess *Session) {
	if !sess.reconnecting.CompareAndSwap(false, true) {
		return
	}
	m.clock.AfterFunc(m.cfg.ReconnectDelay, func() {
		if m.ctx.Err() != nil || m.registry.Get(sess.ID) != sess {
			sess.reconnecting.Store(false)
			return
		}
		m.logger.Info("gateway: reconnecting", "session", sess.ID)
		err := m.Reconnect(m.ctx, sess.ID)
		// Clear the guard before rescheduling so the next attempt's
		// CompareAndSwap can win.
		sess.reconnecting.Store(false)
		if err != nil {
			m.logger.Warn("gateway: reconnect attempt failed", "session", sess.ID, "error", err)
			m.publish(notify.Disconnected, sess.ID, map[string]any{
				"reason":         fmt.Sprintf("reconnect failed: %v", err),
				"will_reconnect": true,
			})
			m.scheduleReconnect(sess)
		}
	})
}

// handleCredentialsChanged persists the refreshed snapshot through the
// retry-safe save path.
func (m *Manager) handleCredentialsChanged(sess *Session, gen int64, snap authstore.Snapshot) {
	if stale(sess, gen) {
		return
	}
	creds := sess.Credentials()
	if creds == nil {
		return
	}
	merged := snap
	if creds.Snapshot != nil {
		if merged.PairedAt.IsZero() {
			merged.PairedAt = creds.Snapshot.PairedAt
		}
		if merged.Platform == "" {
			merged.Platform = creds.Snapshot.Platform
		}
	}
	merged.UpdatedAt = m.clock.Now()
	creds.Snapshot = &merged

	if err := m.store.SaveSnapshot(sess.ID, merged); err != nil {
		m.logger.Error("gateway: persisting credential snapshot failed",
			"session", sess.ID, "error", err)
		return
	}
	m.logger.Debug("gateway: credential snapshot saved", "session", sess.ID, "jid", merged.JID)
}

// Reconnect tears down the current transport and dials a fresh one,
// keeping credentials, config, and the send queue.
func (m *Manager) Reconnect(ctx context.Context, id string) error {
	lock := m.registry.Lock(id)
	lock.Lock()
	defer lock.Unlock()

	sess := m.registry.Get(id)
	if sess == nil {
		return ErrSessionNotFound
	}
	if sess.State() == StateClosedUnrecoverable {
		return ErrSessionClosed
	}

	if tr := sess.Transport(); tr != nil {
		sess.generation.Add(1) // silence callbacks from the old transport
		tr.Close()
		sess.setTransport(nil)
		sess.setCredentials(nil)
	}
	return m.connectLocked(ctx, sess)
}

// GeneratePairing (re)starts the pairing flow for id and returns the
// pairing code. If a code from the current window is already known it is
// returned immediately; otherwise the connection is restarted into
// pairing mode and the code arrives via the notifier.
func (m *Manager) GeneratePairing(ctx context.Context, id string) (string, error) {
	if sess := m.registry.Get(id); sess != nil {
		if code, at := sess.PairingCode(); code != "" &&
			m.clock.Now().Sub(at) < m.cfg.PairingSuppression {
			return code, nil
		}
	}

	// Fresh pairing: close whatever is running, wipe the stored
	// credentials so the next connect cannot resume the old identity, and
	// mark the window so the churn that follows stays quiet.
	sess, _ := m.registry.GetOrCreate(id)
	lock := m.registry.Lock(id)
	lock.Lock()
	sess.generation.Add(1)
	if tr := sess.Transport(); tr != nil {
		tr.Close()
		sess.setTransport(nil)
	}
	if creds := sess.Credentials(); creds != nil {
		creds.Close()
		sess.setCredentials(nil)
	}
	if err := m.store.Delete(id); err != nil {
		m.logger.Warn("gateway: clearing credentials for pairing failed",
			"session", id, "error", err)
	}
	sess.setState(StateIdle)
	sess.RecordPairingCode("", m.clock.Now())
	lock.Unlock()

	m.clock.Sleep(m.cfg.PairingPreDelay)
	if err := m.CreateSession(ctx, id); err != nil {
		return "", err
	}

	// The code is delivered asynchronously; poll briefly for callers that
	// want it inline.
	deadline := m.clock.Now().Add(m.cfg.OpenWait)
	for m.clock.Now().Before(deadline) {
		if code, _ := sess.PairingCode(); code != "" {
			return code, nil
		}
		m.clock.Sleep(m.cfg.IdentityPoll)
	}
	return "", ErrNotPairing
}

// Logout invalidates the remote device, removes local credentials, and
// unregisters the session.
func (m *Manager) Logout(ctx context.Context, id string) error {
	lock := m.registry.Lock(id)
	lock.Lock()
	defer lock.Unlock()

	sess := m.registry.Get(id)
	if sess == nil {
		return ErrSessionNotFound
	}
	sess.setState(StateClosing)

	if tr := sess.Transport(); tr != nil {
		sess.generation.Add(1)
		if err := tr.LogoutRemote(ctx); err != nil {
			m.logger.Warn("gateway: remote logout failed, removing locally",
				"session", id, "error", err)
		}
		tr.Close()
	}

	m.teardown(sess, true)
	m.registry.Remove(id)
	sess.setState(StateClosedUnrecoverable)
	m.publish(notify.LoggedOut, id, map[string]any{"reason": "operator logout"})
	return nil
}

// Remove shuts a session down locally, keeping credentials on disk so it
// can be restored later.
func (m *Manager) Remove(id string) error {
	lock := m.registry.Lock(id)
	lock.Lock()
	defer lock.Unlock()

	sess := m.registry.Remove(id)
	if sess == nil {
		return ErrSessionNotFound
	}
	sess.setState(StateClosing)
	sess.generation.Add(1)
	if tr := sess.Transport(); tr != nil {
		tr.Close()
	}
	m.teardown(sess, false)
	sess.setState(StateIdle)
	return nil
}

// teardown releases a session's runtime resources. deleteCreds also wipes
// the on-disk credential store.
func (m *Manager) teardown(sess *Session, deleteCreds bool) {
	m.aggregator.DropSession(sess.ID)
	if q := sess.Queue(); q != nil {
		q.Close()
		sess.setQueue(nil)
	}
	if tr := sess.Transport(); tr != nil {
		tr.Close()
		sess.setTransport(nil)
	}
	if creds := sess.Credentials(); creds != nil {
		creds.Close()
		sess.setCredentials(nil)
	}
	if deleteCreds {
		if err := m.store.Delete(sess.ID); err != nil {
			m.logger.Warn("gateway: deleting credentials failed", "session", sess.ID, "error", err)
		}
	}
}

// RestoreSessions reconnects every session with restorable credentials on
// disk. Used at startup so a process restart brings all accounts back.
func (m *Manager) RestoreSessions(ctx context.Context) (int, error) {
	ids, err := m.store.Restorable()
	if err != nil {
		return 0, fmt.Errorf("gateway: listing restorable sessions: %w", err)
	}
	restored := 0
	for i, id := range ids {
		if i > 0 {
			// Stagger so concurrent handshakes don't thunder on startup.
			m.clock.Sleep(restoreStagger)
		}
		if err := m.CreateSession(ctx, id); err != nil {
			m.logger.Warn("gateway: restoring session failed", "session", id, "error", err)
			continue
		}
		restored++
	}
	m.logger.Info("gateway: sessions restored", "restored", restored, "found", len(ids))
	m.publish(notify.SessionsRestored, "", map[string]any{"restored": restored, "found": len(ids)})
	return restored, nil
}

// SessionStatus returns the status snapshot for one session.
func (m *Manager) SessionStatus(id string) (Status, error) {
	sess := m.registry.Get(id)
	if sess == nil {
		return Status{}, ErrSessionNotFound
	}
	return sess.Snapshot(), nil
}

// Sessions returns status snapshots for all registered sessions.
func (m *Manager) Sessions() []Status {
	all := m.registry.All()
	out := make([]Status, 0, len(all))
	for _, sess := range all {
		out = append(out, sess.Snapshot())
	}
	return out
}

// SetConfig stores the behavior profile for a session.
func (m *Manager) SetConfig(id string, cfg SessionConfig) { m.registry.SetConfig(id, cfg) }

// Config returns the effective behavior profile for a session.
func (m *Manager) Config(id string) SessionConfig { return m.registry.Config(id) }

// RemoveConfig reverts a session to the default profile.
func (m *Manager) RemoveConfig(id string) { m.registry.RemoveConfig(id) }

// Shutdown closes every session locally. Credentials stay on disk.
func (m *Manager) Shutdown() {
	m.cancel()
	for _, id := range m.registry.IDs() {
		if err := m.Remove(id); err != nil && !errors.Is(err, ErrSessionNotFound) {
			m.logger.Warn("gateway: shutdown remove failed", "session", id, "error", err)
		}
	}
	m.wg.Wait()
}
