package gateway

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Janitor runs periodic hygiene sweeps over the manager's sessions:
// expired queued sends that lost their timer and pairing codes that
// outlived their window. Timers are the primary mechanism; the janitor
// is the backstop that keeps state from accreting.
type Janitor struct {
	manager *Manager
	cron    *cron.Cron
}

// NewJanitor creates a janitor on the manager's configured schedule.
// Returns nil (and no error) when the schedule is empty.
func NewJanitor(m *Manager) (*Janitor, error) {
	if m.cfg.JanitorSchedule == "" {
		return nil, nil
	}
	c := cron.New()
	j := &Janitor{manager: m, cron: c}
	if _, err := c.AddFunc(m.cfg.JanitorSchedule, j.sweep); err != nil {
		return nil, fmt.Errorf("gateway: invalid janitor schedule %q: %w", m.cfg.JanitorSchedule, err)
	}
	return j, nil
}

// Start begins the scheduled sweeps.
func (j *Janitor) Start() { j.cron.Start() }

// Stop halts scheduling and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}

// sweep runs one pass over all sessions.
func (j *Janitor) sweep() {
	m := j.manager
	now := m.clock.Now()
	expired := 0
	for _, sess := range m.registry.All() {
		if q := sess.Queue(); q != nil {
			expired += q.SweepExpired()
		}
		// Pairing codes are single-use and short-lived; drop them once
		// the window has passed so status output never shows stale codes.
		if code, at := sess.PairingCode(); code != "" && now.Sub(at) > m.cfg.PairingSuppression {
			sess.RecordPairingCode("", time.Time{})
		}
	}
	if expired > 0 {
		m.logger.Info("gateway: janitor sweep expired queued sends", "expired", expired)
	}
}
