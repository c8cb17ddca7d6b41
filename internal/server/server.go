package server

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"ticketmint/internal/config"
	"ticketmint/internal/fees"
	"ticketmint/internal/hmacauth"
	"ticketmint/internal/history"
	"ticketmint/internal/idempotency"
	"ticketmint/internal/logging"
	"ticketmint/internal/metrics"
	"ticketmint/internal/mint"
	"ticketmint/internal/monitor"
	"ticketmint/internal/queue"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Treasury is the read side of the custodian shown on the health endpoint.
type Treasury interface {
	Address() common.Address
	Balance(ctx context.Context) (*big.Int, error)
}

// Deps are the components the operator API exposes. Treasury, Idempotency
// and the ping functions may be nil.
type Deps struct {
	Service     *mint.Service
	Queue       *queue.Queue
	History     *history.Store
	Monitor     *monitor.Monitor
	Treasury    Treasury
	Idempotency idempotency.Store
	DBPing      func(context.Context) error
	RPCPing     func(context.Context) error
	RedisPing   func(context.Context) error
	Log         *zerolog.Logger
	Metrics     *metrics.Registry
}

type Server struct {
	cfg        *config.AppConfig
	svc        *mint.Service
	queue      *queue.Queue
	history    *history.Store
	monitor    *monitor.Monitor
	treasury   Treasury
	hmac       *hmacauth.Verifier
	replayer   *idempotency.Replayer
	dbPing     func(context.Context) error
	rpcPing    func(context.Context) error
	redisPing  func(context.Context) error
	log        *zerolog.Logger
	metrics    *metrics.Registry
	router     chi.Router
	httpServer *http.Server
}

func NewServer(cfg *config.AppConfig, d Deps) *Server {
	s := &Server{
		cfg:      cfg,
		svc:      d.Service,
		queue:    d.Queue,
		history:  d.History,
		monitor:  d.Monitor,
		treasury: d.Treasury,
		hmac: &hmacauth.Verifier{
			Secrets: cfg.Service.HMACSecrets,
			MaxSkew: cfg.Service.HMACClockSkew,
		},
		dbPing:    d.DBPing,
		rpcPing:   d.RPCPing,
		redisPing: d.RedisPing,
		log:       logging.Component(d.Log, "http"),
		metrics:   d.Metrics,
	}
	s.replayer = idempotency.NewReplayer(d.Idempotency, cfg.Service.IdempotencyWindow, d.Log, func(r *http.Request) {
		s.metrics.IncEnqueue(enqueueType(r), "replayed")
	})
	if !s.hmac.Enabled() {
		s.log.Warn().Msg("API_HMAC_SECRETS is empty, mutating endpoints are unauthenticated")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

		r.Get("/sync/status", s.handleSyncStatus)
		r.Get("/alerts", s.handleAlerts)
		r.Get("/history", s.handleRecentHistory)
		r.Get("/history/failed", s.handleFailedHistory)
		r.Get("/history/stats", s.handleHistoryStats)
		r.Get("/history/tickets/{ticketID}", s.handleTicketHistory)
		r.Get("/history/jobs/{jobID}", s.handleJobHistory)
		r.Get("/tenants/{tenantID}/success-rate", s.handleTenantSuccessRate)
		r.Get("/jobs/{jobID}", s.handleJobStatus)
		r.Get("/queue/stats", s.handleQueueStats)

		r.Group(func(r chi.Router) {
			r.Use(s.hmac.Middleware)

			r.Post("/sync/reset", s.handleSyncReset)
			r.Delete("/alerts", s.handleClearAlerts)
			r.Post("/jobs/{jobID}/retry", s.handleJobRetry)
			r.Delete("/jobs/{jobID}", s.handleJobRemove)
			r.Post("/queue/pause", s.handleQueuePause)
			r.Post("/queue/resume", s.handleQueueResume)

			r.Group(func(r chi.Router) {
				r.Use(s.replayer.Middleware)
				r.Post("/mints", s.handleEnqueueMint)
				r.Post("/transfers", s.handleEnqueueTransfer)
				r.Post("/burns", s.handleEnqueueBurn)
			})
		})
	})
	s.router = r

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Start blocks serving HTTP. It returns nil after Shutdown.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("API listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type component struct {
	Connected bool    `json:"connected"`
	LatencyMs float64 `json:"latency_ms,omitempty"`
	Error     string  `json:"error,omitempty"`
}

func probe(ctx context.Context, ping func(context.Context) error) (component, bool) {
	if ping == nil {
		return component{Connected: true}, true
	}
	start := time.Now()
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := ping(pctx); err != nil {
		return component{Connected: false, Error: err.Error()}, false
	}
	return component{Connected: true, LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0}, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rpcInfo, rpcOK := probe(ctx, s.rpcPing)
	dbInfo, dbOK := probe(ctx, s.dbPing)
	redisInfo, redisOK := probe(ctx, s.redisPing)
	overallHealthy := rpcOK && dbOK && redisOK

	treasuryInfo := struct {
		Address    string `json:"address,omitempty"`
		BalanceWei string `json:"balance_wei,omitempty"`
		BalanceEth string `json:"balance_eth,omitempty"`
		Error      string `json:"error,omitempty"`
	}{}
	if s.treasury != nil {
		treasuryInfo.Address = s.treasury.Address().Hex()
		tctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		bal, err := s.treasury.Balance(tctx)
		cancel()
		if err != nil {
			treasuryInfo.Error = err.Error()
		} else {
			treasuryInfo.BalanceWei = bal.String()
			treasuryInfo.BalanceEth = fees.ToEther(bal).String()
		}
	}

	stats := s.queue.Stats()
	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status      string      `json:"status"`
		RPC         component   `json:"rpc"`
		Database    component   `json:"database"`
		Redis       component   `json:"redis"`
		Treasury    interface{} `json:"treasury"`
		SyncHealthy bool        `json:"sync_healthy"`
		QueueDepth  int         `json:"queue_depth"`
		QueuePaused bool        `json:"queue_paused"`
	}{
		Status:      status,
		RPC:         rpcInfo,
		Database:    dbInfo,
		Redis:       redisInfo,
		Treasury:    treasuryInfo,
		SyncHealthy: s.monitor.Healthy(),
		QueueDepth:  stats.Total.Waiting + stats.Total.Delayed + stats.Total.Active,
		QueuePaused: stats.Paused,
	}

	code := http.StatusOK
	if !overallHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
