package queue

import (
	"context"
	"time"
)

type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether the job will not run again without an explicit Retry.
func (s State) Terminal() bool { return s == StateCompleted || s == StateFailed }

// Options are per-job settings. Zero fields inherit the job type's defaults.
type Options struct {
	JobID       string        `json:"jobId,omitempty"`
	MaxAttempts int           `json:"attempts,omitempty"`
	Backoff     time.Duration `json:"backoff,omitempty"`
	Delay       time.Duration `json:"delay,omitempty"`
}

func (o Options) merge(over *Options) Options {
	if over == nil {
		return o
	}
	if over.JobID != "" {
		o.JobID = over.JobID
	}
	if over.MaxAttempts > 0 {
		o.MaxAttempts = over.MaxAttempts
	}
	if over.Backoff > 0 {
		o.Backoff = over.Backoff
	}
	if over.Delay > 0 {
		o.Delay = over.Delay
	}
	return o
}

// backoff returns the wait after the given number of failed attempts:
// Backoff * 2^(attempts-1).
func (o Options) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 30 {
		attempts = 30
	}
	return o.Backoff * time.Duration(1<<(attempts-1))
}

type Progress struct {
	Step    string `json:"step"`
	Percent int    `json:"percent"`
}

// Job is the envelope handed to a Handler for one attempt.
type Job struct {
	ID         string
	Key        string
	Type       JobType
	Payload    Payload
	Opts       Options
	EnqueuedAt time.Time

	attempt int
	q       *Queue
}

// Attempt is the 1-based number of the running attempt.
func (j *Job) Attempt() int { return j.attempt }

// IsFinalAttempt reports whether a retryable failure now would fail the job.
func (j *Job) IsFinalAttempt() bool { return j.attempt >= j.Opts.MaxAttempts }

// ReportProgress records the step the handler has reached.
func (j *Job) ReportProgress(step string, percent int) {
	if j.q != nil {
		j.q.progress(j.ID, Progress{Step: step, Percent: percent})
	}
}

// Handler processes one attempt. The context is not cancelled by queue shutdown.
type Handler func(ctx context.Context, job *Job) (any, error)

type Status struct {
	ID           string     `json:"id"`
	Key          string     `json:"key"`
	Type         JobType    `json:"type"`
	State        State      `json:"state"`
	Progress     Progress   `json:"progress"`
	AttemptsMade int        `json:"attemptsMade"`
	MaxAttempts  int        `json:"maxAttempts"`
	FailedReason string     `json:"failedReason,omitempty"`
	Result       any        `json:"result,omitempty"`
	EnqueuedAt   time.Time  `json:"enqueuedAt"`
	ProcessedAt  *time.Time `json:"processedAt,omitempty"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
}

type EventKind string

const (
	EventWaiting   EventKind = "waiting"
	EventActive    EventKind = "active"
	EventProgress  EventKind = "progress"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventRetrying  EventKind = "retrying"
	EventStalled   EventKind = "stalled"
	EventRemoved   EventKind = "removed"
)

type Event struct {
	Kind     EventKind
	JobID    string
	Key      string
	Type     JobType
	Attempt  int
	Progress Progress
	Err      string
	Result   any
	At       time.Time
}

// Handle is returned by Enqueue. Existing is true when a live job with the
// same key was returned instead of a new one.
type Handle struct {
	ID       string
	Key      string
	Type     JobType
	Payload  Payload
	Opts     Options
	Existing bool

	q *Queue
}

// Done is closed when the job reaches a terminal state or is removed. A job
// moved back by Retry gets a new channel.
func (h *Handle) Done() <-chan struct{} {
	ch, _ := h.q.doneChan(h.ID)
	return ch
}

func (h *Handle) Status() (Status, error) { return h.q.Status(h.ID) }

// Wait blocks until the job completes or fails and returns its result.
func (h *Handle) Wait(ctx context.Context) (any, error) {
	for {
		ch, ok := h.q.doneChan(h.ID)
		if !ok {
			return nil, ErrJobNotFound
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
		}
		res, terminal, found, err := h.q.outcome(h.ID)
		if !found {
			return nil, ErrJobRemoved
		}
		if terminal {
			return res, err
		}
	}
}
