package mint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ticketmint/internal/history"
	"ticketmint/internal/logging"
	"ticketmint/internal/monitor"
	"ticketmint/internal/queue"
	"ticketmint/internal/store"

	"github.com/rs/zerolog"
)

// MintRequest is what callers submit to have a purchased ticket minted.
type MintRequest struct {
	TicketID     string            `json:"ticketId"`
	OwnerID      string            `json:"ownerId"`
	OwnerAddress string            `json:"ownerAddress"`
	EventID      string            `json:"eventId"`
	TenantID     string            `json:"tenantId,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Service is the enqueue side of the pipeline. It keeps the sync monitor's
// pending count and the job history in step with queue operations.
type Service struct {
	queue         *queue.Queue
	ledger        Ledger
	history       *history.Store
	monitor       *monitor.Monitor
	defaultTenant string
	log           *zerolog.Logger
	now           func() time.Time
}

// NewService wires the enqueue side. ledger may be nil, in which case a
// cancelled job leaves its ticket and transaction records untouched.
func NewService(q *queue.Queue, ledger Ledger, h *history.Store, m *monitor.Monitor, defaultTenant string, log *zerolog.Logger) *Service {
	return &Service{
		queue:         q,
		ledger:        ledger,
		history:       h,
		monitor:       m,
		defaultTenant: defaultTenant,
		log:           logging.Component(log, "mint-service"),
		now:           time.Now,
	}
}

// EnqueueMint schedules a mint. A live job for the same ticket is returned
// instead of a new one, with Existing set.
func (s *Service) EnqueueMint(_ context.Context, req MintRequest, opts *queue.Options) (*queue.Handle, error) {
	p := queue.MintPayload(req)
	if p.TenantID == "" {
		p.TenantID = s.defaultTenant
	}
	return s.enqueue(p, opts)
}

func (s *Service) EnqueueTransfer(_ context.Context, p queue.TransferPayload, opts *queue.Options) (*queue.Handle, error) {
	if p.TenantID == "" {
		p.TenantID = s.defaultTenant
	}
	return s.enqueue(p, opts)
}

func (s *Service) EnqueueBurn(_ context.Context, p queue.BurnPayload, opts *queue.Options) (*queue.Handle, error) {
	if p.TenantID == "" {
		p.TenantID = s.defaultTenant
	}
	return s.enqueue(p, opts)
}

func (s *Service) enqueue(p queue.Payload, opts *queue.Options) (*queue.Handle, error) {
	h, err := s.queue.Enqueue(p, opts)
	if err != nil {
		return nil, err
	}
	if h.Existing {
		s.log.Info().Str("job_id", h.ID).Str("key", h.Key).Msg("live job already queued for key")
		return h, nil
	}
	if h.Type == queue.TypeMint {
		s.monitor.JobEnqueued()
	}
	s.log.Info().Str("job_id", h.ID).Str("key", h.Key).Str("type", string(h.Type)).Msg("job enqueued")
	return h, nil
}

// Remove deletes a job that is not running. A job removed before it finished
// is recorded as CANCELLED and gives back what its earlier attempts held.
func (s *Service) Remove(ctx context.Context, jobID string) error {
	rm, err := s.queue.Remove(jobID)
	if err != nil {
		return err
	}
	if rm.State.Terminal() {
		return nil
	}
	s.history.RecordCompletion(jobID, rm.Payload.Ticket(), rm.Payload.Tenant(), history.OutcomeCancelled, rm.EnqueuedAt, history.Details{
		JobType:     string(rm.Type),
		CompletedAt: s.now(),
		RetryCount:  rm.AttemptsMade,
	})
	if rm.Type == queue.TypeMint {
		s.monitor.JobRemoved()
	}
	if s.ledger != nil && rm.AttemptsMade > 0 {
		s.rollback(ctx, rm)
	}
	s.log.Info().Str("job_id", jobID).Msg("job cancelled")
	return nil
}

// rollback fails the never-accepted transaction of a cancelled job and frees
// its ticket reservation. A transaction the node already accepted may still
// be mined, so its ticket stays held and the monitor raises an alert instead.
func (s *Service) rollback(ctx context.Context, rm queue.Removed) {
	ctx = context.WithoutCancel(ctx)
	ticketID := rm.Payload.Ticket()
	l := s.log.With().Str("job_id", rm.ID).Str("ticket_id", ticketID).Logger()

	live, err := s.ledger.LiveTransaction(ctx, rm.Key)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		l.Error().Err(err).Msg("load live transaction of cancelled job")
		return
	case live.Status == store.TxPending:
		if err := s.ledger.FailTransaction(ctx, live.ID, "job cancelled"); err != nil {
			l.Error().Err(err).Str("tx_id", live.ID).Msg("fail transaction of cancelled job")
			return
		}
	default:
		s.monitor.UnconfirmedBroadcast(ticketID, rm.ID, live.TxHash)
		l.Warn().Str("tx_id", live.ID).Str("tx_hash", live.TxHash).Str("status", string(live.Status)).
			Msg("cancelled job has a broadcast transaction, ticket held for reconciliation")
		return
	}

	if rm.Type != queue.TypeMint {
		return
	}
	if err := s.ledger.ReleaseTicket(ctx, ticketID, rm.ID); err != nil && !errors.Is(err, store.ErrNotReserved) {
		l.Error().Err(err).Msg("release ticket of cancelled job")
		return
	}
	l.Info().Msg("ticket released")
}

// Retry gives a failed job a fresh attempt budget.
func (s *Service) Retry(_ context.Context, jobID string) error {
	st, err := s.queue.Status(jobID)
	if err != nil {
		return err
	}
	if err := s.queue.Retry(jobID); err != nil {
		if errors.Is(err, queue.ErrNotFailed) {
			return fmt.Errorf("job %s is %s: %w", jobID, st.State, err)
		}
		return err
	}
	if st.Type == queue.TypeMint {
		s.monitor.JobEnqueued()
	}
	s.log.Info().Str("job_id", jobID).Msg("job retried")
	return nil
}

func (s *Service) Status(jobID string) (queue.Status, error) { return s.queue.Status(jobID) }
