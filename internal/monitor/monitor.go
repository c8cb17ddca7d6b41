// Package monitor tracks mint throughput and raises operator alerts.
//
// The monitor is healthy until the backlog exceeds the pending threshold, or
// no mint has succeeded within the no-mint threshold while jobs are pending.
// Only a successful mint makes it healthy again. Alerts of one type are
// raised at most once per cooldown and kept in a bounded ring.
package monitor

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"ticketmint/internal/config"
	"ticketmint/internal/logging"
	"ticketmint/internal/metrics"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

type AlertType string

const (
	AlertHighPendingCount     AlertType = "high_pending_count"
	AlertNoRecentMints        AlertType = "no_recent_mints"
	AlertConsecutiveFailures  AlertType = "consecutive_failures"
	AlertLowTreasuryBalance   AlertType = "low_treasury_balance"
	AlertUnconfirmedBroadcast AlertType = "unconfirmed_broadcast"
)

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

type Alert struct {
	ID       string            `json:"id"`
	Type     AlertType         `json:"type"`
	Severity Severity          `json:"severity"`
	Message  string            `json:"message"`
	At       time.Time         `json:"at"`
	Details  map[string]string `json:"details,omitempty"`
}

type State struct {
	LastSuccessfulMintAt *time.Time `json:"lastSuccessfulMintAt,omitempty"`
	LastFailedMintAt     *time.Time `json:"lastFailedMintAt,omitempty"`
	PendingCount         int64      `json:"pendingCount"`
	TotalSuccessful      int64      `json:"totalSuccessful"`
	TotalFailed          int64      `json:"totalFailed"`
	ConsecutiveFailures  int        `json:"consecutiveFailures"`
	IsHealthy            bool       `json:"isHealthy"`
	Alerts               []Alert    `json:"alerts"`
}

type Monitor struct {
	mu          sync.Mutex
	cfg         config.MonitorConfig
	startedAt   time.Time
	lastSuccess *time.Time
	lastFailure *time.Time
	pending     int64
	successes   int64
	failures    int64
	streak      int
	healthy     bool
	lastAlert   map[AlertType]time.Time
	ring        []Alert
	head        int

	now     func() time.Time
	log     *zerolog.Logger
	metrics *metrics.Registry
}

func New(cfg config.MonitorConfig, log *zerolog.Logger, m *metrics.Registry) *Monitor {
	if cfg.MaxAlerts <= 0 {
		cfg.MaxAlerts = 100
	}
	mon := &Monitor{
		cfg:       cfg,
		healthy:   true,
		lastAlert: make(map[AlertType]time.Time),
		now:       time.Now,
		log:       logging.Component(log, "monitor"),
		metrics:   m,
	}
	mon.startedAt = mon.now()
	mon.metrics.SetSyncState(true, 0)
	return mon
}

// JobEnqueued counts a new pending mint.
func (m *Monitor) JobEnqueued() {
	m.mu.Lock()
	m.pending++
	m.publishLocked()
	m.mu.Unlock()
}

// JobRemoved drops a pending mint without counting an outcome.
func (m *Monitor) JobRemoved() {
	m.mu.Lock()
	m.decPendingLocked()
	m.publishLocked()
	m.mu.Unlock()
}

func (m *Monitor) RecordSuccess(at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := at
	m.lastSuccess = &t
	m.successes++
	m.streak = 0
	m.decPendingLocked()
	if !m.healthy {
		m.log.Info().Int64("pending", m.pending).Msg("sync healthy again after successful mint")
	}
	m.healthy = true
	m.publishLocked()
}

func (m *Monitor) RecordFailure(at time.Time, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := at
	m.lastFailure = &t
	m.failures++
	m.streak++
	m.decPendingLocked()
	if m.cfg.FailureStreak > 0 && m.streak >= m.cfg.FailureStreak {
		m.alertLocked(AlertConsecutiveFailures, SeverityCritical,
			fmt.Sprintf("%d consecutive mint failures", m.streak),
			map[string]string{"lastError": reason})
	}
	m.publishLocked()
}

func (m *Monitor) decPendingLocked() {
	if m.pending > 0 {
		m.pending--
	}
}

// Check evaluates the health conditions. It never restores health.
func (m *Monitor) Check() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()

	ref := m.startedAt
	if m.lastSuccess != nil {
		ref = *m.lastSuccess
	}
	sinceSuccess := now.Sub(ref)

	switch {
	case m.cfg.PendingThreshold > 0 && m.pending > m.cfg.PendingThreshold:
		m.unhealthyLocked("pending count above threshold")
		m.alertLocked(AlertHighPendingCount, SeverityCritical,
			fmt.Sprintf("%d mints pending, threshold %d", m.pending, m.cfg.PendingThreshold),
			map[string]string{"pending": fmt.Sprint(m.pending), "sinceLastSuccess": sinceSuccess.String()})
	case m.cfg.NoMintThreshold > 0 && m.pending > 0 && sinceSuccess > m.cfg.NoMintThreshold:
		m.unhealthyLocked("no recent successful mint")
		m.alertLocked(AlertNoRecentMints, SeverityWarning,
			fmt.Sprintf("no successful mint for %s with %d pending", sinceSuccess.Truncate(time.Second), m.pending),
			map[string]string{"pending": fmt.Sprint(m.pending)})
	}
	m.publishLocked()
	return m.healthy
}

func (m *Monitor) unhealthyLocked(reason string) {
	if m.healthy {
		m.log.Warn().Str("reason", reason).Int64("pending", m.pending).Msg("sync unhealthy")
	}
	m.healthy = false
}

// Alert records an alert unless one of the same type was raised within the cooldown.
func (m *Monitor) Alert(t AlertType, sev Severity, message string, details map[string]string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alertLocked(t, sev, message, details)
}

func (m *Monitor) alertLocked(t AlertType, sev Severity, message string, details map[string]string) bool {
	now := m.now()
	if last, ok := m.lastAlert[t]; ok && now.Sub(last) < m.cfg.AlertCooldown {
		return false
	}
	m.lastAlert[t] = now
	a := Alert{
		ID:       ulid.Make().String(),
		Type:     t,
		Severity: sev,
		Message:  message,
		At:       now,
		Details:  details,
	}
	if len(m.ring) < m.cfg.MaxAlerts {
		m.ring = append(m.ring, a)
	} else {
		m.ring[m.head] = a
		m.head = (m.head + 1) % m.cfg.MaxAlerts
	}
	m.metrics.IncAlert(string(t))
	ev := m.log.Warn()
	if sev == SeverityCritical {
		ev = m.log.Error()
	}
	ev.Str("alert", string(t)).Str("alert_id", a.ID).Msg(message)
	return true
}

// LowTreasuryBalance is called by the treasury custodian.
func (m *Monitor) LowTreasuryBalance(address string, balance, minimum *big.Int) {
	m.Alert(AlertLowTreasuryBalance, SeverityWarning, "treasury balance below operating minimum", map[string]string{
		"address": address,
		"balance": balance.String(),
		"minimum": minimum.String(),
	})
}

// UnconfirmedBroadcast flags a ticket held RESERVED for manual reconciliation.
func (m *Monitor) UnconfirmedBroadcast(ticketID, jobID, txHash string) {
	m.Alert(AlertUnconfirmedBroadcast, SeverityCritical, "broadcast accepted but never confirmed", map[string]string{
		"ticketId": ticketID,
		"jobId":    jobID,
		"txHash":   txHash,
	})
}

// Alerts returns retained alerts, oldest first.
func (m *Monitor) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alertsLocked()
}

func (m *Monitor) alertsLocked() []Alert {
	out := make([]Alert, 0, len(m.ring))
	out = append(out, m.ring[m.head:]...)
	out = append(out, m.ring[:m.head]...)
	return out
}

func (m *Monitor) ClearAlerts() {
	m.mu.Lock()
	m.ring = nil
	m.head = 0
	m.lastAlert = make(map[AlertType]time.Time)
	m.mu.Unlock()
}

// Reset zeroes all counters and alerts; an operator action.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startedAt = m.now()
	m.lastSuccess = nil
	m.lastFailure = nil
	m.pending = 0
	m.successes = 0
	m.failures = 0
	m.streak = 0
	m.healthy = true
	m.ring = nil
	m.head = 0
	m.lastAlert = make(map[AlertType]time.Time)
	m.publishLocked()
	m.log.Info().Msg("sync state reset")
}

func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{
		LastSuccessfulMintAt: copyTime(m.lastSuccess),
		LastFailedMintAt:     copyTime(m.lastFailure),
		PendingCount:         m.pending,
		TotalSuccessful:      m.successes,
		TotalFailed:          m.failures,
		ConsecutiveFailures:  m.streak,
		IsHealthy:            m.healthy,
		Alerts:               m.alertsLocked(),
	}
}

func (m *Monitor) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy
}

// Run calls Check every CheckInterval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	interval := m.cfg.CheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check()
		}
	}
}

func (m *Monitor) publishLocked() {
	m.metrics.SetSyncState(m.healthy, m.pending)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
