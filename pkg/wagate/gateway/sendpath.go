// sendpath.go is the outbound half of the manager: the layered delivery
// path that tries direct send, retries, and forces a reconnect, plus the
// queue handoff for payloads that arrive while the transport is down.
package gateway

import (
	"errors"
	"fmt"

	"github.com/jholhewres/wagate/pkg/wagate/notify"
	"github.com/jholhewres/wagate/pkg/wagate/transport"
)

// ErrDeliveryFailed is returned when the direct-send ladder exhausts
// every attempt, including the forced reconnect, without delivering.
var ErrDeliveryFailed = errors.New("gateway: message delivery failed")

// sendSafe delivers a payload with the full escalation ladder:
//
//  1. direct send while the transport is open, retried SendAttempts times
//  2. forced reconnect + bounded wait for open, then one final send round
//
// A transport that is already down at call time skips the ladder and
// queues the payload for the next open instead, so callers never block
// on a dead connection; queued sends resolve asynchronously and expire
// loudly if the transport never opens. The exhausted ladder rejects with
// ErrDeliveryFailed rather than queueing: the connection was supposedly
// live, so the failure belongs to the caller.
func (m *Manager) sendSafe(sess *Session, contactID string, p *transport.Payload) error {
	if tr := sess.Transport(); tr == nil || !tr.IsOpen() {
		return m.enqueueSend(sess, contactID, p)
	}

	if err := m.trySend(sess, contactID, p); err == nil {
		return nil
	} else if !retryableSendErr(err) {
		return err
	}

	m.logger.Warn("gateway: direct send failed, forcing reconnect",
		"session", sess.ID, "contact", contactID)
	if err := m.Reconnect(m.ctx, sess.ID); err != nil {
		return fmt.Errorf("%w: forced reconnect: %v", ErrDeliveryFailed, err)
	}
	if !m.waitOpen(sess) {
		return fmt.Errorf("%w: transport did not reopen in time", ErrDeliveryFailed)
	}

	if err := m.trySend(sess, contactID, p); err != nil {
		if !retryableSendErr(err) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	return nil
}

// trySend attempts delivery up to SendAttempts times with a fixed delay.
func (m *Manager) trySend(sess *Session, contactID string, p *transport.Payload) error {
	var lastErr error
	for attempt := 1; attempt <= m.cfg.SendAttempts; attempt++ {
		tr := sess.Transport()
		if tr == nil || !tr.IsOpen() {
			lastErr = transport.ErrNotOpen
		} else if err := tr.Send(m.ctx, contactID, p); err != nil {
			lastErr = err
		} else {
			return nil
		}

		if !retryableSendErr(lastErr) {
			return lastErr
		}
		if attempt < m.cfg.SendAttempts {
			m.logger.Debug("gateway: send attempt failed, retrying",
				"session", sess.ID, "contact", contactID, "attempt", attempt, "error", lastErr)
			m.clock.Sleep(m.cfg.SendRetryDelay)
		}
	}
	return fmt.Errorf("gateway: send failed after %d attempts: %w", m.cfg.SendAttempts, lastErr)
}

// retryableSendErr reports whether the error is a connection-level
// failure worth retrying. Anything else (bad contact id, payload
// rejected) fails immediately.
func retryableSendErr(err error) bool {
	return errors.Is(err, transport.ErrNotOpen) || errors.Is(err, transport.ErrConnectionClosed)
}

// waitOpen blocks until the session's transport reports open, bounded by
// the open-wait budget.
func (m *Manager) waitOpen(sess *Session) bool {
	deadline := m.clock.Now().Add(m.cfg.OpenWait)
	for {
		if tr := sess.Transport(); tr != nil && tr.IsOpen() {
			return true
		}
		if sess.State() == StateClosedUnrecoverable {
			return false
		}
		if m.clock.Now().After(deadline) {
			return false
		}
		m.clock.Sleep(m.cfg.IdentityPoll)
	}
}

// enqueueSend parks the payload in the session queue and watches its
// completion handle, so an expiry or queue teardown still surfaces as a
// turn-error notification instead of vanishing.
func (m *Manager) enqueueSend(sess *Session, contactID string, p *transport.Payload) error {
	q := sess.Queue()
	if q == nil {
		return fmt.Errorf("gateway: session %q has no send queue", sess.ID)
	}
	ps := q.Enqueue(contactID, p)
	m.logger.Info("gateway: message queued for next connection",
		"session", sess.ID, "contact", contactID, "id", ps.ID)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := <-ps.Done; err != nil {
			m.logger.Warn("gateway: queued send failed",
				"session", sess.ID, "contact", contactID, "id", ps.ID, "error", err)
			m.publish(notify.TurnError, sess.ID, map[string]any{
				"contact": contactID,
				"error":   err.Error(),
			})
		}
	}()
	return nil
}

// Send delivers an operator-initiated message through the same safe path
// used for dispatch replies.
func (m *Manager) Send(id, contactID, text string) error {
	sess := m.registry.Get(id)
	if sess == nil {
		return ErrSessionNotFound
	}
	return m.sendSafe(sess, contactID, &transport.Payload{Text: text})
}
