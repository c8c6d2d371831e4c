// turns.go is the inbound half of the manager: message intake, the media
// pipeline, and the dispatch turn that runs when the aggregator flushes.
package gateway

import (
	"fmt"
	"runtime/debug"

	"github.com/jholhewres/wagate/pkg/wagate/dispatch"
	"github.com/jholhewres/wagate/pkg/wagate/notify"
	"github.com/jholhewres/wagate/pkg/wagate/transport"
	"github.com/jholhewres/wagate/pkg/wagate/tts"
)

// maxAttachmentBytes bounds a single downloaded media file.
const maxAttachmentBytes = 20 << 20

// handleMessage is the transport's inbound callback. It runs inside the
// transport's event goroutine, so everything heavy is pushed behind the
// aggregator; only media download happens inline, inside a recover
// boundary so one poisoned message never kills the connection.
func (m *Manager) handleMessage(sess *Session, gen int64, msg *transport.Message) {
	if stale(sess, gen) {
		return
	}
	if !m.registry.Config(sess.ID).Enabled {
		m.logger.Debug("gateway: session disabled, dropping message",
			"session", sess.ID, "contact", msg.ContactID)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("gateway: panic handling message",
				"session", sess.ID,
				"contact", msg.ContactID,
				"panic", r,
				"stack", string(debug.Stack()))
			m.publish(notify.TurnError, sess.ID, map[string]any{
				"contact": msg.ContactID,
				"error":   fmt.Sprint(r),
			})
		}
	}()

	switch msg.Kind {
	case transport.KindText:
		m.aggregator.Add(sess.ID, msg.ContactID, msg.PushName, msg.Text)
	case transport.KindImage, transport.KindAudio, transport.KindDocument:
		m.handleMediaMessage(sess, msg)
	}
}

// handleMediaMessage downloads the media and runs it through its own
// dispatch turn. Media skips the debounce: any pending text for the
// contact is flushed first so ordering matches what the contact sent,
// then the media turn starts right away. Download failures degrade to a
// text placeholder so the model still sees that something arrived.
func (m *Manager) handleMediaMessage(sess *Session, msg *transport.Message) {
	tr := sess.Transport()
	if tr == nil {
		return
	}

	var atts []dispatch.Attachment
	data, err := tr.DownloadMedia(m.ctx, msg)
	switch {
	case err != nil || len(data) == 0:
		m.logger.Warn("gateway: media download failed",
			"session", sess.ID, "contact", msg.ContactID, "kind", msg.Kind, "error", err)
	case len(data) > maxAttachmentBytes:
		m.logger.Warn("gateway: media too large, dropping",
			"session", sess.ID, "contact", msg.ContactID, "bytes", len(data))
	default:
		atts = append(atts, dispatch.Attachment{
			MIME:     mediaMIME(msg),
			Data:     data,
			Filename: msg.Filename,
		})
	}

	text := msg.Caption
	if text == "" {
		text = mediaPlaceholder(msg)
	}
	now := m.clock.Now()
	mediaBatch := Batch{
		SessionID: sess.ID,
		ContactID: msg.ContactID,
		PushName:  msg.PushName,
		Text:      text,
		Count:     1,
		FirstAt:   now,
		LastAt:    now,
	}

	// Buffered text goes out first, on the same worker, so the contact's
	// ordering is preserved end to end.
	pending, hasPending := m.aggregator.Take(sess.ID, msg.ContactID)
	if m.ctx.Err() != nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if hasPending {
			m.processTurn(pending, nil)
		}
		m.processTurn(mediaBatch, atts)
	}()
}

func mediaPlaceholder(msg *transport.Message) string {
	switch msg.Kind {
	case transport.KindImage:
		return "[image]"
	case transport.KindAudio:
		if msg.VoiceNote {
			return "[voice message]"
		}
		return "[audio]"
	case transport.KindDocument:
		if msg.Filename != "" {
			return fmt.Sprintf("[document: %s]", msg.Filename)
		}
		return "[document]"
	}
	return "[media]"
}

func mediaMIME(msg *transport.Message) string {
	switch msg.Kind {
	case transport.KindImage:
		return "image/jpeg"
	case transport.KindAudio:
		return "audio/ogg"
	default:
		return "application/octet-stream"
	}
}

// processBatch is the aggregator flush callback.
func (m *Manager) processBatch(batch Batch) {
	m.spawnTurn(batch, nil)
}

// spawnTurn runs the turn on a tracked worker goroutine so shutdown can
// wait for in-flight turns.
func (m *Manager) spawnTurn(batch Batch, atts []dispatch.Attachment) {
	if m.ctx.Err() != nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.processTurn(batch, atts)
	}()
}

// processTurn dispatches one turn and delivers the reply.
func (m *Manager) processTurn(batch Batch, atts []dispatch.Attachment) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("gateway: panic processing turn",
				"session", batch.SessionID,
				"contact", batch.ContactID,
				"panic", r,
				"stack", string(debug.Stack()))
			m.publish(notify.TurnError, batch.SessionID, map[string]any{
				"contact": batch.ContactID,
				"error":   fmt.Sprint(r),
			})
		}
	}()

	sess := m.registry.Get(batch.SessionID)
	if sess == nil {
		return
	}
	cfg := m.registry.Config(batch.SessionID)

	turn := dispatch.Turn{
		SessionID:   batch.SessionID,
		ContactID:   batch.ContactID,
		PushName:    batch.PushName,
		Text:        batch.Text,
		Attachments: atts,
	}
	opts := dispatch.Options{
		Model:        cfg.Model,
		SystemPrompt: cfg.SystemPrompt,
		Temperature:  cfg.Temperature,
	}

	reply, err := m.dispatch.Dispatch(m.ctx, turn, opts)
	if err != nil {
		// Only cancellation reaches here; model failures already degraded
		// to a fallback reply inside the dispatcher.
		m.logger.Warn("gateway: turn canceled", "session", batch.SessionID, "error", err)
		m.publish(notify.TurnError, batch.SessionID, map[string]any{
			"contact": batch.ContactID,
			"error":   err.Error(),
		})
		return
	}

	payload := m.buildReplyPayload(sess, cfg, reply)
	if err := m.sendSafe(sess, batch.ContactID, payload); err != nil {
		m.logger.Error("gateway: reply delivery failed",
			"session", batch.SessionID, "contact", batch.ContactID, "error", err)
		m.publish(notify.TurnError, batch.SessionID, map[string]any{
			"contact": batch.ContactID,
			"error":   err.Error(),
		})
		return
	}

	m.publish(notify.TurnProcessed, batch.SessionID, map[string]any{
		"contact":  batch.ContactID,
		"messages": batch.Count,
		"voice":    len(payload.Audio) > 0,
	})
}

// buildReplyPayload synthesizes a voice note when the session profile
// asks for one and the reply reads well aloud; otherwise plain text. A
// synthesis failure falls back to text, never to silence.
func (m *Manager) buildReplyPayload(sess *Session, cfg SessionConfig, reply string) *transport.Payload {
	payload := &transport.Payload{Text: reply}
	if !cfg.TTSEnabled || m.speech == nil {
		return payload
	}
	if !tts.SpeakableReply(reply) {
		return payload
	}

	audio, mime, err := m.speech.Synthesize(m.ctx, reply, cfg.TTSVoice)
	if err != nil {
		m.logger.Warn("gateway: voice synthesis failed, sending text",
			"session", sess.ID, "error", err)
		return payload
	}
	payload.Audio = audio
	payload.AudioMime = mime
	return payload
}
