package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"ticketmint/internal/config"
	"ticketmint/internal/hmacauth"
	"ticketmint/internal/history"
	"ticketmint/internal/idempotency"
	"ticketmint/internal/metrics"
	"ticketmint/internal/mint"
	"ticketmint/internal/monitor"
	"ticketmint/internal/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	secret = "test-secret"
	owner  = "0x00000000000000000000000000000000000000b0"
)

type fixture struct {
	t       *testing.T
	srv     *Server
	queue   *queue.Queue
	history *history.Store
	monitor *monitor.Monitor
	metrics *metrics.Registry
	dbErr   error
}

func newFixture(t *testing.T, handler queue.Handler) *fixture {
	t.Helper()
	cfg := &config.AppConfig{
		Service: config.ServiceConfig{
			HMACSecrets:       []string{secret},
			HMACClockSkew:     time.Minute,
			DefaultTenant:     "default",
			IdempotencyWindow: time.Hour,
		},
	}
	m := metrics.New()
	q := queue.New(queue.Config{}, nil, m)
	if handler == nil {
		handler = func(context.Context, *queue.Job) (any, error) { return mint.Result{Success: true}, nil }
	}
	opts := queue.Options{MaxAttempts: 1, Backoff: time.Millisecond}
	q.Register(queue.TypeMint, 1, opts, handler)
	q.Register(queue.TypeTransfer, 1, opts, handler)
	q.Register(queue.TypeBurn, 1, opts, handler)

	h := history.New(config.HistoryConfig{Retention: time.Hour, MaxEntries: 100}, nil, m)
	mon := monitor.New(config.MonitorConfig{PendingThreshold: 10, AlertCooldown: time.Minute, MaxAlerts: 10}, nil, m)
	f := &fixture{t: t, queue: q, history: h, monitor: mon, metrics: m}
	f.srv = NewServer(cfg, Deps{
		Service:     mint.NewService(q, nil, h, mon, "default", nil),
		Queue:       q,
		History:     h,
		Monitor:     mon,
		Idempotency: idempotency.NewMemoryStore(),
		DBPing:      func(context.Context) error { return f.dbErr },
		Metrics:     m,
	})
	return f
}

func (f *fixture) run() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = f.queue.Run(ctx)
		close(done)
	}()
	f.t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (f *fixture) do(method, path string, body []byte, signed bool, headers map[string]string) *httptest.ResponseRecorder {
	f.t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if signed {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		req.Header.Set(hmacauth.HeaderTimestamp, ts)
		req.Header.Set(hmacauth.HeaderSignature, hmacauth.Sign(secret, ts, body))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func mintBody(ticketID string) []byte {
	b, _ := json.Marshal(map[string]string{
		"ticketId":     ticketID,
		"ownerId":      "U1",
		"ownerAddress": owner,
		"eventId":      "E1",
	})
	return b
}

func TestEnqueueMintRequiresSignature(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodPost, "/api/v1/mints", mintBody("T1"), false, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, f.monitor.State().PendingCount)
}

func TestEnqueueMintDeduplicatesByTicket(t *testing.T) {
	f := newFixture(t, nil)

	first := f.do(http.MethodPost, "/api/v1/mints", mintBody("T1"), true, map[string]string{headerTenant: "acme"})
	require.Equal(t, http.StatusAccepted, first.Code, first.Body.String())
	created := decodeBody[enqueueResponse](t, first)
	assert.False(t, created.Existing)
	assert.Equal(t, "mint:T1", created.Key)

	second := f.do(http.MethodPost, "/api/v1/mints", mintBody("T1"), true, nil)
	require.Equal(t, http.StatusOK, second.Code)
	again := decodeBody[enqueueResponse](t, second)
	assert.True(t, again.Existing)
	assert.Equal(t, created.JobID, again.JobID)

	p, err := f.queue.Payload(created.JobID)
	require.NoError(t, err)
	assert.Equal(t, "acme", p.Tenant())
	assert.Equal(t, int64(1), f.monitor.State().PendingCount)
}

func TestEnqueueReplaysIdempotencyKey(t *testing.T) {
	f := newFixture(t, nil)
	key := map[string]string{idempotency.HeaderKey: "order-17"}

	first := f.do(http.MethodPost, "/api/v1/mints", mintBody("T1"), true, key)
	require.Equal(t, http.StatusAccepted, first.Code)

	replay := f.do(http.MethodPost, "/api/v1/mints", mintBody("T1"), true, key)
	assert.Equal(t, http.StatusAccepted, replay.Code)
	assert.Equal(t, "true", replay.Header().Get(idempotency.HeaderReplayed))
	assert.JSONEq(t, first.Body.String(), replay.Body.String())

	reused := f.do(http.MethodPost, "/api/v1/mints", mintBody("T2"), true, key)
	assert.Equal(t, http.StatusUnprocessableEntity, reused.Code)
}

func TestEnqueueRejectsInvalidPayload(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodPost, "/api/v1/transfers", []byte(`{"ticketId":"T1","fromAddress":"nope"}`), true, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/api/v1/burns", []byte(`{"ticketId":`), true, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/api/v1/burns", []byte(`{"ticketId":"T1","unknown":true}`), true, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	f.queue.Pause()

	created := decodeBody[enqueueResponse](t, f.do(http.MethodPost, "/api/v1/mints", mintBody("T1"), true, nil))

	rec := f.do(http.MethodGet, "/api/v1/jobs/"+created.JobID, nil, false, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decodeBody[queue.Status](t, rec)
	assert.Equal(t, queue.StateWaiting, st.State)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/v1/jobs/missing", nil, false, nil).Code)
	assert.Equal(t, http.StatusConflict, f.do(http.MethodPost, "/api/v1/jobs/"+created.JobID+"/retry", nil, true, nil).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodDelete, "/api/v1/jobs/"+created.JobID, nil, false, nil).Code)

	rec = f.do(http.MethodDelete, "/api/v1/jobs/"+created.JobID, nil, true, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, f.monitor.State().PendingCount)

	rec = f.do(http.MethodGet, "/api/v1/history/jobs/"+created.JobID, nil, false, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entry := decodeBody[history.Entry](t, rec)
	assert.Equal(t, history.OutcomeCancelled, entry.Outcome)
}

func TestRetryFailedJob(t *testing.T) {
	calls := make(chan struct{}, 4)
	var fail atomic.Bool
	fail.Store(true)
	f := newFixture(t, func(context.Context, *queue.Job) (any, error) {
		calls <- struct{}{}
		if fail.Load() {
			return nil, errors.New("node unavailable")
		}
		return mint.Result{Success: true}, nil
	})
	f.run()

	created := decodeBody[enqueueResponse](t, f.do(http.MethodPost, "/api/v1/burns", []byte(`{"ticketId":"T9"}`), true, nil))
	<-calls
	require.Eventually(t, func() bool {
		st, err := f.queue.Status(created.JobID)
		return err == nil && st.State == queue.StateFailed
	}, 2*time.Second, 5*time.Millisecond)

	fail.Store(false)
	rec := f.do(http.MethodPost, "/api/v1/jobs/"+created.JobID+"/retry", nil, true, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	<-calls
	require.Eventually(t, func() bool {
		st, err := f.queue.Status(created.JobID)
		return err == nil && st.State == queue.StateCompleted
	}, 2*time.Second, 5*time.Millisecond)
}

func TestQueuePauseResume(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodPost, "/api/v1/queue/pause", nil, true, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decodeBody[queue.Stats](t, f.do(http.MethodGet, "/api/v1/queue/stats", nil, false, nil))
	assert.True(t, stats.Paused)

	f.do(http.MethodPost, "/api/v1/queue/resume", nil, true, nil)
	stats = decodeBody[queue.Stats](t, f.do(http.MethodGet, "/api/v1/queue/stats", nil, false, nil))
	assert.False(t, stats.Paused)
}

func TestSyncAndAlertEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	f.monitor.Alert(monitor.AlertNoRecentMints, monitor.SeverityWarning, "stalled", nil)
	f.monitor.JobEnqueued()

	alerts := decodeBody[map[string][]monitor.Alert](t, f.do(http.MethodGet, "/api/v1/alerts", nil, false, nil))
	require.Len(t, alerts["alerts"], 1)
	assert.Equal(t, monitor.AlertNoRecentMints, alerts["alerts"][0].Type)

	state := decodeBody[monitor.State](t, f.do(http.MethodGet, "/api/v1/sync/status", nil, false, nil))
	assert.Equal(t, int64(1), state.PendingCount)

	assert.Equal(t, http.StatusNoContent, f.do(http.MethodDelete, "/api/v1/alerts", nil, true, nil).Code)
	assert.Empty(t, f.monitor.Alerts())

	rec := f.do(http.MethodPost, "/api/v1/sync/reset", nil, true, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, f.monitor.State().PendingCount)
}

func TestHistoryEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	start := time.Now().Add(-time.Second)
	f.history.RecordCompletion("j1", "T1", "acme", history.OutcomeSuccess, start, history.Details{JobType: "mint"})
	f.history.RecordCompletion("j2", "T2", "acme", history.OutcomeFailure, start, history.Details{JobType: "mint", ErrorCode: "JOB_EXHAUSTED"})
	f.history.RecordCompletion("j3", "T3", "other", history.OutcomeSuccess, start, history.Details{JobType: "burn"})

	recent := decodeBody[map[string][]history.Entry](t, f.do(http.MethodGet, "/api/v1/history?tenant=acme&limit=1", nil, false, nil))
	require.Len(t, recent["entries"], 1)
	assert.Equal(t, "acme", recent["entries"][0].TenantID)

	failed := decodeBody[map[string][]history.Entry](t, f.do(http.MethodGet, "/api/v1/history/failed?since=1h", nil, false, nil))
	require.Len(t, failed["entries"], 1)
	assert.Equal(t, "JOB_EXHAUSTED", failed["entries"][0].ErrorCode)

	rate := decodeBody[history.SuccessRate](t, f.do(http.MethodGet, "/api/v1/tenants/acme/success-rate", nil, false, nil))
	assert.Equal(t, 2, rate.Total)
	assert.InDelta(t, 0.5, rate.Rate, 1e-9)

	tickets := decodeBody[map[string]any](t, f.do(http.MethodGet, "/api/v1/history/tickets/T3", nil, false, nil))
	assert.Len(t, tickets["entries"], 1)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/v1/history?limit=-2", nil, false, nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/v1/history?since=yesterday", nil, false, nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/v1/history/jobs/nope", nil, false, nil).Code)
}

func TestHealthReportsDegradedDatabase(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodGet, "/api/v1/health", nil, false, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decodeBody[map[string]any](t, rec)["status"])

	f.dbErr = errors.New("connection refused")
	rec = f.do(http.MethodGet, "/api/v1/health", nil, false, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "degraded", body["status"])
}

func TestMetricsEndpointCountsRoutes(t *testing.T) {
	f := newFixture(t, nil)
	f.do(http.MethodGet, "/api/v1/jobs/missing", nil, false, nil)

	rec := f.do(http.MethodGet, "/api/v1/metrics", nil, false, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `ticketmint_http_requests_total{code="404",method="GET",route="/api/v1/jobs/{jobID}"} 1`)
}
