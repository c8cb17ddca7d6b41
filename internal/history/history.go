// Package history keeps a bounded, time-retained ledger of finished jobs.
package history

import (
	"context"
	"sort"
	"sync"
	"time"

	"ticketmint/internal/config"
	"ticketmint/internal/logging"
	"ticketmint/internal/metrics"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Outcome string

const (
	OutcomeSuccess   Outcome = "SUCCESS"
	OutcomeFailure   Outcome = "FAILURE"
	OutcomeCancelled Outcome = "CANCELLED"
)

// forceCleanupRatio is the fraction of MaxEntries kept after a forced sweep.
const forceCleanupRatio = 0.8

type Entry struct {
	ID          string            `json:"id"`
	JobID       string            `json:"jobId"`
	JobType     string            `json:"jobType,omitempty"`
	TicketID    string            `json:"ticketId"`
	TenantID    string            `json:"tenantId,omitempty"`
	Outcome     Outcome           `json:"outcome"`
	StartedAt   time.Time         `json:"startedAt"`
	CompletedAt time.Time         `json:"completedAt"`
	DurationMs  int64             `json:"durationMs"`
	MintAddress string            `json:"mintAddress,omitempty"`
	TxHash      string            `json:"txHash,omitempty"`
	Error       string            `json:"error,omitempty"`
	ErrorCode   string            `json:"errorCode,omitempty"`
	RetryCount  int               `json:"retryCount"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Details are the optional fields of a completion.
type Details struct {
	JobType     string
	CompletedAt time.Time
	MintAddress string
	TxHash      string
	Error       string
	ErrorCode   string
	RetryCount  int
	Metadata    map[string]string
}

type Filter struct {
	TenantID string
	JobType  string
	Outcome  Outcome
	Since    time.Time
	Limit    int
}

type SuccessRate struct {
	TenantID   string  `json:"tenantId"`
	Total      int     `json:"total"`
	Successful int     `json:"successful"`
	Failed     int     `json:"failed"`
	Cancelled  int     `json:"cancelled"`
	Rate       float64 `json:"rate"`
}

type Stats struct {
	Entries    int             `json:"entries"`
	MaxEntries int             `json:"maxEntries"`
	Retention  time.Duration   `json:"retention"`
	ByOutcome  map[Outcome]int `json:"byOutcome"`
	Oldest     *time.Time      `json:"oldest,omitempty"`
	Newest     *time.Time      `json:"newest,omitempty"`
}

// Store is safe for concurrent use. Create one per process and inject it.
type Store struct {
	mu       sync.RWMutex
	entries  []*Entry
	byJob    map[string][]*Entry
	byTicket map[string][]*Entry

	retention  time.Duration
	maxEntries int
	interval   time.Duration
	now        func() time.Time
	log        *zerolog.Logger
	metrics    *metrics.Registry
}

func New(cfg config.HistoryConfig, log *zerolog.Logger, m *metrics.Registry) *Store {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10000
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	return &Store{
		byJob:      make(map[string][]*Entry),
		byTicket:   make(map[string][]*Entry),
		retention:  cfg.Retention,
		maxEntries: cfg.MaxEntries,
		interval:   cfg.CleanupInterval,
		now:        time.Now,
		log:        logging.Component(log, "history"),
		metrics:    m,
	}
}

// RecordCompletion appends an entry. Exceeding MaxEntries triggers a forced sweep.
func (s *Store) RecordCompletion(jobID, ticketID, tenantID string, outcome Outcome, startedAt time.Time, d Details) Entry {
	completed := d.CompletedAt
	if completed.IsZero() {
		completed = s.now()
	}
	e := &Entry{
		ID:          uuid.NewString(),
		JobID:       jobID,
		JobType:     d.JobType,
		TicketID:    ticketID,
		TenantID:    tenantID,
		Outcome:     outcome,
		StartedAt:   startedAt,
		CompletedAt: completed,
		DurationMs:  completed.Sub(startedAt).Milliseconds(),
		MintAddress: d.MintAddress,
		TxHash:      d.TxHash,
		Error:       d.Error,
		ErrorCode:   d.ErrorCode,
		RetryCount:  d.RetryCount,
		Metadata:    copyMeta(d.Metadata),
	}
	if e.DurationMs < 0 {
		e.DurationMs = 0
	}

	s.mu.Lock()
	s.entries = append(s.entries, e)
	s.byJob[jobID] = append(s.byJob[jobID], e)
	s.byTicket[ticketID] = append(s.byTicket[ticketID], e)
	if len(s.entries) > s.maxEntries {
		removed := s.forceLocked()
		s.log.Warn().Int("removed", removed).Int("max_entries", s.maxEntries).Msg("history over capacity, forced cleanup")
	}
	n := len(s.entries)
	s.mu.Unlock()

	s.metrics.SetHistoryEntries(n)
	return *e
}

// GetHistory returns every entry of a ticket, newest first.
func (s *Store) GetHistory(ticketID string) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newestFirst(s.byTicket[ticketID], Filter{})
}

// GetByJobID returns the newest entry of a job.
func (s *Store) GetByJobID(jobID string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.byJob[jobID]
	if len(list) == 0 {
		return Entry{}, false
	}
	latest := list[0]
	for _, e := range list[1:] {
		if !e.CompletedAt.Before(latest.CompletedAt) {
			latest = e
		}
	}
	return *latest, true
}

func (s *Store) GetRecentJobs(f Filter) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newestFirst(s.entries, f)
}

func (s *Store) GetFailedJobs(f Filter) []Entry {
	f.Outcome = OutcomeFailure
	return s.GetRecentJobs(f)
}

func (s *Store) GetTenantSuccessRate(tenantID string) SuccessRate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := SuccessRate{TenantID: tenantID}
	for _, e := range s.entries {
		if e.TenantID != tenantID {
			continue
		}
		r.Total++
		switch e.Outcome {
		case OutcomeSuccess:
			r.Successful++
		case OutcomeFailure:
			r.Failed++
		case OutcomeCancelled:
			r.Cancelled++
		}
	}
	if r.Total > 0 {
		r.Rate = float64(r.Successful) / float64(r.Total)
	}
	return r
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{
		Entries:    len(s.entries),
		MaxEntries: s.maxEntries,
		Retention:  s.retention,
		ByOutcome:  make(map[Outcome]int),
	}
	for _, e := range s.entries {
		st.ByOutcome[e.Outcome]++
		if st.Oldest == nil || e.CompletedAt.Before(*st.Oldest) {
			t := e.CompletedAt
			st.Oldest = &t
		}
		if st.Newest == nil || e.CompletedAt.After(*st.Newest) {
			t := e.CompletedAt
			st.Newest = &t
		}
	}
	return st
}

func (s *Store) Clear() {
	s.mu.Lock()
	s.entries = nil
	s.byJob = make(map[string][]*Entry)
	s.byTicket = make(map[string][]*Entry)
	s.mu.Unlock()
	s.metrics.SetHistoryEntries(0)
}

// Cleanup removes entries completed before now minus the retention window,
// then applies the forced sweep if the store is still over capacity.
func (s *Store) Cleanup(now time.Time) int {
	cutoff := now.Add(-s.retention)

	s.mu.Lock()
	kept := s.entries[:0]
	removed := 0
	for _, e := range s.entries {
		if e.CompletedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	clearTail(s.entries, len(kept))
	s.entries = kept
	if removed > 0 {
		s.reindexLocked()
	}
	if len(s.entries) > s.maxEntries {
		removed += s.forceLocked()
	}
	n := len(s.entries)
	s.mu.Unlock()

	s.metrics.SetHistoryEntries(n)
	if removed > 0 {
		s.log.Debug().Int("removed", removed).Int("remaining", n).Msg("history cleanup")
	}
	return removed
}

// Run sweeps every cleanup interval until ctx is done.
func (s *Store) Run(ctx context.Context) error {
	if s.interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Cleanup(s.now())
		}
	}
}

// forceLocked drops the oldest entries until 80% of MaxEntries remain.
func (s *Store) forceLocked() int {
	target := int(float64(s.maxEntries) * forceCleanupRatio)
	if len(s.entries) <= target {
		return 0
	}
	sort.SliceStable(s.entries, func(i, j int) bool {
		return s.entries[i].CompletedAt.Before(s.entries[j].CompletedAt)
	})
	drop := len(s.entries) - target
	rest := make([]*Entry, target)
	copy(rest, s.entries[drop:])
	s.entries = rest
	s.reindexLocked()
	return drop
}

func (s *Store) reindexLocked() {
	s.byJob = make(map[string][]*Entry, len(s.entries))
	s.byTicket = make(map[string][]*Entry, len(s.entries))
	for _, e := range s.entries {
		s.byJob[e.JobID] = append(s.byJob[e.JobID], e)
		s.byTicket[e.TicketID] = append(s.byTicket[e.TicketID], e)
	}
}

func newestFirst(list []*Entry, f Filter) []Entry {
	out := make([]Entry, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		e := list[i]
		if f.TenantID != "" && e.TenantID != f.TenantID {
			continue
		}
		if f.JobType != "" && e.JobType != f.JobType {
			continue
		}
		if f.Outcome != "" && e.Outcome != f.Outcome {
			continue
		}
		if !f.Since.IsZero() && e.CompletedAt.Before(f.Since) {
			continue
		}
		out = append(out, *e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CompletedAt.After(out[j].CompletedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func clearTail(list []*Entry, from int) {
	for i := from; i < len(list); i++ {
		list[i] = nil
	}
}

func copyMeta(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
