// Package queue is an in-process, at-least-once job dispatcher.
//
// Each job type has its own worker pool and default options. Failed attempts
// are retried with exponential backoff until the attempt budget is spent; an
// error reporting Unrecoverable() fails the job at once. Lifecycle events are
// delivered to subscribers over channels.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ticketmint/internal/errs"
	"ticketmint/internal/logging"
	"ticketmint/internal/metrics"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrJobNotFound    = errors.New("job not found")
	ErrJobRemoved     = errors.New("job removed")
	ErrJobActive      = errors.New("job is active and cannot be removed")
	ErrNotFailed      = errors.New("only failed jobs can be retried")
	ErrUnknownType    = errors.New("no handler registered for job type")
	ErrInvalidPayload = errors.New("invalid job payload")
	ErrClosed         = errors.New("queue closed")
)

type Config struct {
	// KeepCompleted and KeepFailed cap retained terminal jobs; <= 0 keeps all.
	KeepCompleted int
	KeepFailed    int
	StallTimeout  time.Duration
}

type record struct {
	job          Job
	state        State
	progress     Progress
	attemptsMade int
	failedReason string
	result       any
	err          error
	runAt        time.Time
	activeSince  time.Time
	stallEmitted bool
	processedAt  *time.Time
	finishedAt   *time.Time
	done         chan struct{}
}

type worker struct {
	typ         JobType
	handler     Handler
	concurrency int
	defaults    Options
	wake        chan struct{}
	order       []string
}

type Queue struct {
	mu        sync.Mutex
	cfg       Config
	jobs      map[string]*record
	keys      map[string]string
	types     map[JobType]*worker
	completed []string
	failed    []string
	paused    bool
	closed    bool
	subs      map[int]chan Event
	nextSub   int
	counters  map[string]int64

	wg      sync.WaitGroup
	log     *zerolog.Logger
	metrics *metrics.Registry
	now     func() time.Time
}

func New(cfg Config, log *zerolog.Logger, m *metrics.Registry) *Queue {
	return &Queue{
		cfg:      cfg,
		jobs:     make(map[string]*record),
		keys:     make(map[string]string),
		types:    make(map[JobType]*worker),
		subs:     make(map[int]chan Event),
		counters: make(map[string]int64),
		log:      logging.Component(log, "queue"),
		metrics:  m,
		now:      time.Now,
	}
}

// Register installs the handler for a job type. Call before Run.
func (q *Queue) Register(t JobType, concurrency int, defaults Options, h Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	if defaults.MaxAttempts <= 0 {
		defaults.MaxAttempts = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.types[t] = &worker{
		typ:         t,
		handler:     h,
		concurrency: concurrency,
		defaults:    defaults,
		wake:        make(chan struct{}, 1),
	}
}

// Run starts the worker pools and the stall watchdog, and blocks until ctx is
// done and every in-flight attempt has finished.
func (q *Queue) Run(ctx context.Context) error {
	q.mu.Lock()
	types := make([]*worker, 0, len(q.types))
	for _, w := range q.types {
		types = append(types, w)
	}
	q.mu.Unlock()

	for _, w := range types {
		for i := 0; i < w.concurrency; i++ {
			q.wg.Add(1)
			go q.workLoop(ctx, w, i)
		}
	}
	if q.cfg.StallTimeout > 0 {
		q.wg.Add(1)
		go q.watchStalls(ctx)
	}

	<-ctx.Done()
	q.wg.Wait()

	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.log.Info().Msg("queue stopped")
	return nil
}

// Enqueue validates the payload and adds a job, or returns the live job that
// already holds the payload's key.
func (q *Queue) Enqueue(p Payload, opts *Options) (*Handle, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrInvalidPayload)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	w, ok := q.types[p.JobType()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, p.JobType())
	}

	key := p.JobKey()
	if id, ok := q.keys[key]; ok {
		rec := q.jobs[id]
		return q.handleLocked(rec, true), nil
	}

	o := w.defaults.merge(opts)
	id := o.JobID
	if id == "" {
		id = uuid.NewString()
	}
	if _, taken := q.jobs[id]; taken {
		return nil, fmt.Errorf("job id %s already in use", id)
	}

	now := q.now()
	rec := &record{
		job: Job{
			ID:         id,
			Key:        key,
			Type:       p.JobType(),
			Payload:    p,
			Opts:       o,
			EnqueuedAt: now,
		},
		state: StateWaiting,
		runAt: now,
		done:  make(chan struct{}),
	}
	if o.Delay > 0 {
		rec.state = StateDelayed
		rec.runAt = now.Add(o.Delay)
	}
	q.jobs[id] = rec
	q.keys[key] = id
	w.order = append(w.order, id)

	q.emitLocked(rec, Event{Kind: EventWaiting})
	q.gaugesLocked(w.typ)
	signal(w.wake)
	return q.handleLocked(rec, false), nil
}

func (q *Queue) handleLocked(rec *record, existing bool) *Handle {
	return &Handle{
		ID:       rec.job.ID,
		Key:      rec.job.Key,
		Type:     rec.job.Type,
		Payload:  rec.job.Payload,
		Opts:     rec.job.Opts,
		Existing: existing,
		q:        q,
	}
}

func (q *Queue) Status(id string) (Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.jobs[id]
	if !ok {
		return Status{}, ErrJobNotFound
	}
	return rec.status(), nil
}

func (r *record) status() Status {
	return Status{
		ID:           r.job.ID,
		Key:          r.job.Key,
		Type:         r.job.Type,
		State:        r.state,
		Progress:     r.progress,
		AttemptsMade: r.attemptsMade,
		MaxAttempts:  r.job.Opts.MaxAttempts,
		FailedReason: r.failedReason,
		Result:       r.result,
		EnqueuedAt:   r.job.EnqueuedAt,
		ProcessedAt:  r.processedAt,
		FinishedAt:   r.finishedAt,
	}
}

// Payload returns the payload of a job still held by the queue.
func (q *Queue) Payload(id string) (Payload, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return rec.job.Payload, nil
}

// Retry moves a failed job back to waiting with a fresh attempt budget.
func (q *Queue) Retry(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if rec.state != StateFailed {
		return ErrNotFailed
	}
	if other, ok := q.keys[rec.job.Key]; ok && other != id {
		return fmt.Errorf("job %s already holds key %s", other, rec.job.Key)
	}
	w := q.types[rec.job.Type]

	q.failed = without(q.failed, id)
	rec.state = StateWaiting
	rec.attemptsMade = 0
	rec.failedReason = ""
	rec.err = nil
	rec.result = nil
	rec.finishedAt = nil
	rec.progress = Progress{}
	rec.runAt = q.now()
	rec.done = make(chan struct{})
	q.keys[rec.job.Key] = id
	w.order = append(w.order, id)

	q.emitLocked(rec, Event{Kind: EventWaiting})
	q.gaugesLocked(w.typ)
	signal(w.wake)
	return nil
}

// Removed is the last view of a job taken under the same lock that removed it.
type Removed struct {
	Status
	Payload Payload
}

// Remove deletes a job that is not currently running.
func (q *Queue) Remove(id string) (Removed, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.jobs[id]
	if !ok {
		return Removed{}, ErrJobNotFound
	}
	if rec.state == StateActive {
		return Removed{}, ErrJobActive
	}
	out := Removed{Status: rec.status(), Payload: rec.job.Payload}
	q.dropLocked(rec)
	q.emitLocked(rec, Event{Kind: EventRemoved})
	q.gaugesLocked(rec.job.Type)
	return out, nil
}

func (q *Queue) dropLocked(rec *record) {
	id := rec.job.ID
	delete(q.jobs, id)
	if q.keys[rec.job.Key] == id {
		delete(q.keys, rec.job.Key)
	}
	if w := q.types[rec.job.Type]; w != nil {
		w.order = without(w.order, id)
	}
	q.completed = without(q.completed, id)
	q.failed = without(q.failed, id)
	if !rec.state.Terminal() {
		close(rec.done)
	}
}

func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
	q.log.Info().Msg("queue paused")
}

func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	for _, w := range q.types {
		signal(w.wake)
	}
	q.mu.Unlock()
	q.log.Info().Msg("queue resumed")
}

type TypeStats struct {
	Waiting   int `json:"waiting"`
	Delayed   int `json:"delayed"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

type Stats struct {
	Paused bool                  `json:"paused"`
	Total  TypeStats             `json:"total"`
	ByType map[JobType]TypeStats `json:"byType"`
	// Cumulative counts since start, keyed by event kind.
	Cumulative map[string]int64 `json:"cumulative"`
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{
		Paused:     q.paused,
		ByType:     make(map[JobType]TypeStats, len(q.types)),
		Cumulative: make(map[string]int64, len(q.counters)),
	}
	for t := range q.types {
		s.ByType[t] = TypeStats{}
	}
	for _, rec := range q.jobs {
		ts := s.ByType[rec.job.Type]
		count(&ts, rec.state)
		s.ByType[rec.job.Type] = ts
		count(&s.Total, rec.state)
	}
	for k, v := range q.counters {
		s.Cumulative[k] = v
	}
	return s
}

func count(ts *TypeStats, st State) {
	switch st {
	case StateWaiting:
		ts.Waiting++
	case StateDelayed:
		ts.Delayed++
	case StateActive:
		ts.Active++
	case StateCompleted:
		ts.Completed++
	case StateFailed:
		ts.Failed++
	}
}

// Subscribe returns a stream of lifecycle events. Events are dropped for a
// subscriber whose buffer is full. cancel closes the channel.
func (q *Queue) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	q.mu.Lock()
	id := q.nextSub
	q.nextSub++
	q.subs[id] = ch
	q.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			q.mu.Lock()
			delete(q.subs, id)
			q.mu.Unlock()
			close(ch)
		})
	}
}

func (q *Queue) emitLocked(rec *record, ev Event) {
	ev.JobID = rec.job.ID
	ev.Key = rec.job.Key
	ev.Type = rec.job.Type
	if ev.Attempt == 0 {
		ev.Attempt = rec.attemptsMade
	}
	ev.At = q.now()
	q.counters[string(ev.Kind)]++
	q.metrics.IncQueueEvent(string(rec.job.Type), string(ev.Kind))
	for _, ch := range q.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (q *Queue) gaugesLocked(t JobType) {
	if q.metrics == nil {
		return
	}
	var ts TypeStats
	for _, rec := range q.jobs {
		if rec.job.Type == t {
			count(&ts, rec.state)
		}
	}
	q.metrics.SetQueueJobs(string(t), string(StateWaiting), ts.Waiting)
	q.metrics.SetQueueJobs(string(t), string(StateDelayed), ts.Delayed)
	q.metrics.SetQueueJobs(string(t), string(StateActive), ts.Active)
	q.metrics.SetQueueJobs(string(t), string(StateCompleted), ts.Completed)
	q.metrics.SetQueueJobs(string(t), string(StateFailed), ts.Failed)
}

func (q *Queue) doneChan(id string) (<-chan struct{}, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.jobs[id]
	if !ok {
		closed := make(chan struct{})
		close(closed)
		return closed, false
	}
	return rec.done, true
}

func (q *Queue) outcome(id string) (result any, terminal, found bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.jobs[id]
	if !ok {
		return nil, false, false, nil
	}
	return rec.result, rec.state.Terminal(), true, rec.err
}

func (q *Queue) progress(id string, p Progress) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.jobs[id]
	if !ok || rec.state != StateActive {
		return
	}
	rec.progress = p
	q.emitLocked(rec, Event{Kind: EventProgress, Progress: p})
}

// next claims the first runnable job of w, or reports how long until the
// earliest delayed job becomes runnable.
func (q *Queue) next(w *worker) (*record, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.paused {
		return nil, -1
	}
	now := q.now()
	wait := time.Duration(-1)
	for i, id := range w.order {
		rec := q.jobs[id]
		if !rec.runAt.After(now) {
			w.order = append(w.order[:i:i], w.order[i+1:]...)
			rec.state = StateActive
			rec.activeSince = now
			rec.stallEmitted = false
			if rec.processedAt == nil {
				t := now
				rec.processedAt = &t
			}
			q.emitLocked(rec, Event{Kind: EventActive, Attempt: rec.attemptsMade + 1})
			q.gaugesLocked(w.typ)
			if len(w.order) > 0 {
				signal(w.wake)
			}
			return rec, 0
		}
		if d := rec.runAt.Sub(now); wait < 0 || d < wait {
			wait = d
		}
	}
	return nil, wait
}

func (q *Queue) workLoop(ctx context.Context, w *worker, n int) {
	defer q.wg.Done()
	log := q.log.With().Str("type", string(w.typ)).Int("worker", n).Logger()
	for {
		if ctx.Err() != nil {
			return
		}
		rec, wait := q.next(w)
		if rec != nil {
			q.process(ctx, w, rec, &log)
			continue
		}

		var timer <-chan time.Time
		if wait >= 0 {
			t := time.NewTimer(wait)
			timer = t.C
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-w.wake:
				t.Stop()
			case <-timer:
			}
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		}
	}
}

func (q *Queue) process(ctx context.Context, w *worker, rec *record, log *zerolog.Logger) {
	q.mu.Lock()
	job := rec.job
	job.attempt = rec.attemptsMade + 1
	job.q = q
	q.mu.Unlock()

	// In-flight attempts run to completion even when the queue shuts down.
	result, err := invoke(context.WithoutCancel(ctx), w.handler, &job)

	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.jobs[job.ID]; !ok {
		return
	}
	now := q.now()
	rec.attemptsMade = job.attempt

	switch {
	case err == nil:
		rec.state = StateCompleted
		rec.result = result
		rec.finishedAt = &now
		q.releaseKeyLocked(rec)
		q.completed = append(q.completed, job.ID)
		q.emitLocked(rec, Event{Kind: EventCompleted, Result: result})
		close(rec.done)
		q.trimLocked(&q.completed, q.cfg.KeepCompleted)

	case errs.IsUnrecoverable(err) || rec.attemptsMade >= job.Opts.MaxAttempts:
		if !errs.IsUnrecoverable(err) {
			err = &errs.JobExhaustedError{JobID: job.ID, Attempts: rec.attemptsMade, Err: err}
		}
		rec.state = StateFailed
		rec.err = err
		rec.result = result
		rec.failedReason = err.Error()
		rec.finishedAt = &now
		q.releaseKeyLocked(rec)
		q.failed = append(q.failed, job.ID)
		q.emitLocked(rec, Event{Kind: EventFailed, Err: err.Error(), Result: result})
		close(rec.done)
		log.Warn().Err(err).Str("job_id", job.ID).Int("attempts", rec.attemptsMade).Msg("job failed")
		q.trimLocked(&q.failed, q.cfg.KeepFailed)

	default:
		delay := job.Opts.backoff(rec.attemptsMade)
		rec.state = StateDelayed
		rec.failedReason = err.Error()
		rec.runAt = now.Add(delay)
		w.order = append(w.order, job.ID)
		q.emitLocked(rec, Event{Kind: EventRetrying, Err: err.Error()})
		log.Info().Err(err).Str("job_id", job.ID).Int("attempt", rec.attemptsMade).Dur("backoff", delay).Msg("job attempt failed, retrying")
		signal(w.wake)
	}
	q.gaugesLocked(w.typ)
}

func invoke(ctx context.Context, h Handler, job *Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

func (q *Queue) releaseKeyLocked(rec *record) {
	if q.keys[rec.job.Key] == rec.job.ID {
		delete(q.keys, rec.job.Key)
	}
}

func (q *Queue) trimLocked(list *[]string, keep int) {
	if keep <= 0 {
		return
	}
	for len(*list) > keep {
		id := (*list)[0]
		*list = (*list)[1:]
		if rec, ok := q.jobs[id]; ok {
			delete(q.jobs, id)
			q.releaseKeyLocked(rec)
		}
	}
}

func (q *Queue) watchStalls(ctx context.Context) {
	defer q.wg.Done()
	interval := q.cfg.StallTimeout / 2
	if interval < 5*time.Millisecond {
		interval = 5 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.checkStalls()
		}
	}
}

// checkStalls emits one stalled event per attempt that outlives StallTimeout.
func (q *Queue) checkStalls() {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	for _, rec := range q.jobs {
		if rec.state != StateActive || rec.stallEmitted {
			continue
		}
		if now.Sub(rec.activeSince) > q.cfg.StallTimeout {
			rec.stallEmitted = true
			q.emitLocked(rec, Event{Kind: EventStalled, Attempt: rec.attemptsMade + 1, Progress: rec.progress})
			q.log.Warn().
				Str("job_id", rec.job.ID).
				Str("step", rec.progress.Step).
				Dur("active_for", now.Sub(rec.activeSince)).
				Msg("job stalled")
		}
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func without(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i:i], ids[i+1:]...)
		}
	}
	return ids
}
