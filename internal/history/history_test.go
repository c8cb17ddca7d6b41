package history

import (
	"fmt"
	"testing"
	"time"

	"ticketmint/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestStore(cfg config.HistoryConfig) (*Store, *clock) {
	c := &clock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	s := New(cfg, nil, nil)
	s.now = c.now
	return s, c
}

func TestRecordAndQueryByTicket(t *testing.T) {
	s, c := newTestStore(config.HistoryConfig{Retention: time.Hour, MaxEntries: 100})

	start := c.t
	c.t = c.t.Add(2 * time.Second)
	first := s.RecordCompletion("job-1", "T1", "tenant-a", OutcomeFailure, start, Details{Error: "timeout", ErrorCode: "TRANSIENT_NETWORK", RetryCount: 2})
	c.t = c.t.Add(time.Second)
	second := s.RecordCompletion("job-1", "T1", "tenant-a", OutcomeSuccess, start, Details{MintAddress: "0xabc"})
	s.RecordCompletion("job-2", "T2", "tenant-b", OutcomeSuccess, c.t, Details{})

	assert.Equal(t, int64(2000), first.DurationMs)

	hist := s.GetHistory("T1")
	require.Len(t, hist, 2)
	assert.Equal(t, second.ID, hist[0].ID)
	assert.Equal(t, first.ID, hist[1].ID)

	latest, ok := s.GetByJobID("job-1")
	require.True(t, ok)
	assert.Equal(t, OutcomeSuccess, latest.Outcome)

	_, ok = s.GetByJobID("missing")
	assert.False(t, ok)
}

func TestFiltersAndSuccessRate(t *testing.T) {
	s, c := newTestStore(config.HistoryConfig{Retention: time.Hour, MaxEntries: 100})
	for i := 0; i < 4; i++ {
		c.t = c.t.Add(time.Second)
		outcome := OutcomeSuccess
		if i%2 == 1 {
			outcome = OutcomeFailure
		}
		s.RecordCompletion(fmt.Sprintf("job-%d", i), fmt.Sprintf("T%d", i), "tenant-a", outcome, c.t, Details{JobType: "mint"})
	}
	s.RecordCompletion("job-x", "TX", "tenant-a", OutcomeCancelled, c.t, Details{JobType: "mint"})
	s.RecordCompletion("job-y", "TY", "tenant-b", OutcomeFailure, c.t, Details{JobType: "burn"})

	failed := s.GetFailedJobs(Filter{TenantID: "tenant-a"})
	require.Len(t, failed, 2)
	assert.Equal(t, "job-3", failed[0].JobID)

	assert.Len(t, s.GetRecentJobs(Filter{Limit: 3}), 3)
	assert.Len(t, s.GetRecentJobs(Filter{JobType: "burn"}), 1)

	rate := s.GetTenantSuccessRate("tenant-a")
	assert.Equal(t, 5, rate.Total)
	assert.Equal(t, 2, rate.Successful)
	assert.Equal(t, 2, rate.Failed)
	assert.Equal(t, 1, rate.Cancelled)
	assert.InDelta(t, 0.4, rate.Rate, 1e-9)

	empty := s.GetTenantSuccessRate("nobody")
	assert.Zero(t, empty.Rate)
}

func TestCleanupHonoursRetention(t *testing.T) {
	s, c := newTestStore(config.HistoryConfig{Retention: time.Hour, MaxEntries: 100})
	base := c.t
	for i := 0; i < 10; i++ {
		c.t = base.Add(time.Duration(i) * 15 * time.Minute)
		s.RecordCompletion(fmt.Sprintf("job-%d", i), "T1", "", OutcomeSuccess, c.t, Details{})
	}

	now := base.Add(3 * time.Hour)
	removed := s.Cleanup(now)
	assert.Equal(t, 8, removed)

	for _, e := range s.GetRecentJobs(Filter{}) {
		assert.False(t, e.CompletedAt.Before(now.Add(-time.Hour)), "entry %s outlived retention", e.JobID)
	}
	assert.Len(t, s.GetHistory("T1"), 2)
	_, ok := s.GetByJobID("job-0")
	assert.False(t, ok)
}

func TestForcedCleanupTrimsToEightyPercent(t *testing.T) {
	s, c := newTestStore(config.HistoryConfig{Retention: 24 * time.Hour, MaxEntries: 10})
	for i := 0; i < 11; i++ {
		c.t = c.t.Add(time.Second)
		s.RecordCompletion(fmt.Sprintf("job-%d", i), fmt.Sprintf("T%d", i), "", OutcomeSuccess, c.t, Details{})
	}

	st := s.Stats()
	assert.Equal(t, 8, st.Entries)
	_, ok := s.GetByJobID("job-2")
	assert.False(t, ok, "oldest entries are evicted first")
	_, ok = s.GetByJobID("job-10")
	assert.True(t, ok)
	assert.Equal(t, 8, st.ByOutcome[OutcomeSuccess])
}

func TestClear(t *testing.T) {
	s, c := newTestStore(config.HistoryConfig{})
	s.RecordCompletion("job-1", "T1", "", OutcomeSuccess, c.t, Details{})
	s.Clear()
	assert.Zero(t, s.Stats().Entries)
	assert.Empty(t, s.GetHistory("T1"))
}
