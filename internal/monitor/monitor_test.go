package monitor

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"ticketmint/internal/config"
	"ticketmint/internal/metrics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestMonitor(cfg config.MonitorConfig) (*Monitor, *clock) {
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := New(cfg, nil, metrics.New())
	m.now = c.now
	m.startedAt = c.t
	return m, c
}

func baseConfig() config.MonitorConfig {
	return config.MonitorConfig{
		PendingThreshold: 3,
		NoMintThreshold:  10 * time.Minute,
		FailureStreak:    3,
		AlertCooldown:    15 * time.Minute,
		MaxAlerts:        5,
	}
}

func TestBacklogStallRaisesOneAlertPerCooldown(t *testing.T) {
	m, c := newTestMonitor(baseConfig())
	for i := 0; i < 5; i++ {
		m.JobEnqueued()
	}
	c.t = c.t.Add(11 * time.Minute)

	// check every 30s for ten minutes, all inside one cooldown window
	for i := 0; i < 20; i++ {
		assert.False(t, m.Check())
		c.t = c.t.Add(30 * time.Second)
	}

	st := m.State()
	assert.False(t, st.IsHealthy)
	require.Len(t, st.Alerts, 1)
	assert.Equal(t, AlertHighPendingCount, st.Alerts[0].Type)

	c.t = c.t.Add(15 * time.Minute)
	m.Check()
	assert.Len(t, m.Alerts(), 2)
}

func TestNoRecentMintsOnlyWhilePending(t *testing.T) {
	m, c := newTestMonitor(baseConfig())
	c.t = c.t.Add(time.Hour)
	assert.True(t, m.Check(), "idle service with nothing pending stays healthy")

	m.JobEnqueued()
	assert.False(t, m.Check())
	alerts := m.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertNoRecentMints, alerts[0].Type)
}

func TestHealthyAgainOnlyAfterSuccess(t *testing.T) {
	m, c := newTestMonitor(baseConfig())
	m.JobEnqueued()
	m.JobEnqueued()
	c.t = c.t.Add(11 * time.Minute)
	require.False(t, m.Check())

	m.RecordFailure(c.t, "timeout")
	assert.False(t, m.Healthy())
	m.Check()
	assert.False(t, m.Healthy())

	m.RecordSuccess(c.t)
	assert.True(t, m.Healthy())
	st := m.State()
	assert.Equal(t, int64(0), st.PendingCount)
	assert.Equal(t, int64(1), st.TotalSuccessful)
	assert.Equal(t, int64(1), st.TotalFailed)
	require.NotNil(t, st.LastSuccessfulMintAt)
	require.NotNil(t, st.LastFailedMintAt)
}

func TestConsecutiveFailuresAlert(t *testing.T) {
	m, c := newTestMonitor(baseConfig())
	for i := 0; i < 3; i++ {
		m.RecordFailure(c.t, errors.New("boom").Error())
	}
	alerts := m.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertConsecutiveFailures, alerts[0].Type)
	assert.Equal(t, SeverityCritical, alerts[0].Severity)

	m.RecordSuccess(c.t)
	assert.Zero(t, m.State().ConsecutiveFailures)
}

func TestAlertRingIsBounded(t *testing.T) {
	cfg := baseConfig()
	cfg.AlertCooldown = 0
	m, c := newTestMonitor(cfg)
	for i := 0; i < 8; i++ {
		c.t = c.t.Add(time.Second)
		m.LowTreasuryBalance("0x1", big.NewInt(int64(i)), big.NewInt(100))
	}
	alerts := m.Alerts()
	require.Len(t, alerts, 5)
	assert.Equal(t, "3", alerts[0].Details["balance"])
	assert.Equal(t, "7", alerts[4].Details["balance"])
}

func TestClearAndReset(t *testing.T) {
	m, c := newTestMonitor(baseConfig())
	m.UnconfirmedBroadcast("T1", "job-1", "0xabc")
	require.Len(t, m.Alerts(), 1)

	m.ClearAlerts()
	assert.Empty(t, m.Alerts())
	assert.True(t, m.Alert(AlertUnconfirmedBroadcast, SeverityCritical, "again", nil), "clear also resets cooldowns")

	m.JobEnqueued()
	m.RecordSuccess(c.t)
	m.Reset()
	st := m.State()
	assert.Zero(t, st.TotalSuccessful)
	assert.Zero(t, st.PendingCount)
	assert.Nil(t, st.LastSuccessfulMintAt)
	assert.Empty(t, st.Alerts)
	assert.True(t, st.IsHealthy)
}

func TestPendingNeverNegative(t *testing.T) {
	m, c := newTestMonitor(baseConfig())
	m.RecordSuccess(c.t)
	m.JobRemoved()
	assert.Zero(t, m.State().PendingCount)
}
