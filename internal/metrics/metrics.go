package metrics

import (
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns the process collectors. All helpers are safe on a nil receiver
// so tests and tools can run components without metrics.
type Registry struct {
	registry        *prometheus.Registry
	mintsTotal      *prometheus.CounterVec
	retryAttempts   *prometheus.CounterVec
	queueJobs       *prometheus.GaugeVec
	queueEvents     *prometheus.CounterVec
	mintDuration    prometheus.Histogram
	simulations     *prometheus.CounterVec
	priorityFee     prometheus.Gauge
	treasuryBalance prometheus.Gauge
	syncHealthy     prometheus.Gauge
	syncPending     prometheus.Gauge
	alertsTotal     *prometheus.CounterVec
	historyEntries  prometheus.Gauge
	httpRequests    *prometheus.CounterVec
	enqueueRequests *prometheus.CounterVec
}

func New() *Registry {
	mints := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ticketmint_mints_total",
		Help: "Mint job outcomes",
	}, []string{"type", "status"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ticketmint_retry_attempts_total",
		Help: "Retry executor attempts by operation and result",
	}, []string{"operation", "result"})

	queueJobs := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ticketmint_queue_jobs",
		Help: "Jobs currently held by the queue by type and state",
	}, []string{"type", "state"})

	queueEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ticketmint_queue_events_total",
		Help: "Queue lifecycle events",
	}, []string{"type", "event"})

	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ticketmint_mint_duration_seconds",
		Help:    "Wall time of a mint job attempt",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80},
	})

	simulations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ticketmint_simulations_total",
		Help: "Transaction simulations by result",
	}, []string{"result"})

	fee := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ticketmint_priority_fee_wei",
		Help: "Last computed optimal priority fee per gas",
	})

	balance := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ticketmint_treasury_balance_wei",
		Help: "Last observed treasury balance",
	})

	healthy := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ticketmint_sync_healthy",
		Help: "1 when the sync monitor reports healthy",
	})

	pending := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ticketmint_sync_pending",
		Help: "Mints enqueued but not yet resolved",
	})

	alerts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ticketmint_alerts_total",
		Help: "Alerts raised by the sync monitor",
	}, []string{"type"})

	historyEntries := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ticketmint_history_entries",
		Help: "Entries retained by the job history store",
	})

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ticketmint_http_requests_total",
		Help: "Operator API requests by route, method and status code",
	}, []string{"route", "method", "code"})

	enqueues := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ticketmint_enqueue_requests_total",
		Help: "Enqueue API calls by job type and outcome",
	}, []string{"type", "status"})

	r := prometheus.NewRegistry()
	r.MustRegister(mints, retries, queueJobs, queueEvents, duration, simulations,
		fee, balance, healthy, pending, alerts, historyEntries, httpRequests, enqueues)

	return &Registry{
		registry:        r,
		mintsTotal:      mints,
		retryAttempts:   retries,
		queueJobs:       queueJobs,
		queueEvents:     queueEvents,
		mintDuration:    duration,
		simulations:     simulations,
		priorityFee:     fee,
		treasuryBalance: balance,
		syncHealthy:     healthy,
		syncPending:     pending,
		alertsTotal:     alerts,
		historyEntries:  historyEntries,
		httpRequests:    httpRequests,
		enqueueRequests: enqueues,
	}
}

func (m *Registry) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Registry) IncMint(jobType, status string) {
	if m == nil {
		return
	}
	m.mintsTotal.WithLabelValues(jobType, status).Inc()
}

func (m *Registry) IncRetry(operation, result string) {
	if m == nil {
		return
	}
	m.retryAttempts.WithLabelValues(operation, result).Inc()
}

func (m *Registry) SetQueueJobs(jobType, state string, n int) {
	if m == nil {
		return
	}
	m.queueJobs.WithLabelValues(jobType, state).Set(float64(n))
}

func (m *Registry) IncQueueEvent(jobType, event string) {
	if m == nil {
		return
	}
	m.queueEvents.WithLabelValues(jobType, event).Inc()
}

func (m *Registry) ObserveMintDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.mintDuration.Observe(d.Seconds())
}

func (m *Registry) IncSimulation(result string) {
	if m == nil {
		return
	}
	m.simulations.WithLabelValues(result).Inc()
}

func (m *Registry) SetPriorityFee(wei *big.Int) {
	if m == nil || wei == nil {
		return
	}
	f, _ := new(big.Float).SetInt(wei).Float64()
	m.priorityFee.Set(f)
}

func (m *Registry) SetTreasuryBalance(wei *big.Int) {
	if m == nil || wei == nil {
		return
	}
	f, _ := new(big.Float).SetInt(wei).Float64()
	m.treasuryBalance.Set(f)
}

func (m *Registry) SetSyncState(healthy bool, pending int64) {
	if m == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1
	}
	m.syncHealthy.Set(v)
	m.syncPending.Set(float64(pending))
}

func (m *Registry) IncAlert(alertType string) {
	if m == nil {
		return
	}
	m.alertsTotal.WithLabelValues(alertType).Inc()
}

func (m *Registry) SetHistoryEntries(n int) {
	if m == nil {
		return
	}
	m.historyEntries.Set(float64(n))
}

func (m *Registry) IncHTTPRequest(route, method string, code int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
}

// IncEnqueue counts an enqueue call: created, existing, replayed or rejected.
func (m *Registry) IncEnqueue(jobType, status string) {
	if m == nil {
		return
	}
	m.enqueueRequests.WithLabelValues(jobType, status).Inc()
}
