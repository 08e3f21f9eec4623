package core

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"pulseintel/internal/broadcaster"
	"pulseintel/internal/candle"
	"pulseintel/internal/config"
	"pulseintel/internal/errs"
	"pulseintel/internal/history"
	"pulseintel/internal/ingest"
	"pulseintel/internal/metrics"
	"pulseintel/internal/session"
	"pulseintel/internal/stats"
	redisutil "pulseintel/pkg/redis"

	"github.com/redis/go-redis/v9"
)

// ShutdownTimeout bounds graceful shutdown, per spec.md §5: it must
// complete within 5s or force-terminate.
const ShutdownTimeout = 5 * time.Second

// Service is the root object wiring every collaborator together: the
// single value a process entrypoint constructs and owns, replacing the
// teacher's process-wide singletons (spec.md §9 "Singletons → explicit
// services").
type Service struct {
	cfg    *config.Config
	logger *zap.Logger

	rdb         *redis.Client
	metrics     *metrics.Metrics
	aggregator  *candle.Aggregator
	broadcaster *broadcaster.Broadcaster
	historyStore *history.Store
	history     *history.Adapter
	sessions    *session.Manager
	ingest      *ingest.Adapter
	stats       *stats.Collector

	httpServer *http.Server

	ingestCtx    context.Context
	cancelIngest context.CancelFunc
	ingestDone   chan struct{}
}

// New builds a Service from cfg, wiring the candle aggregator, room
// broadcaster, session manager, and the ingest/history adapters around a
// single shared Redis client.
func New(cfg *config.Config, logger *zap.Logger) (*Service, error) {
	rdb, err := redisutil.Connect(redisutil.ClientConfig{
		Addr:     cfg.Redis.Addr(),
		DB:       cfg.Redis.DB,
		Password: cfg.Redis.Password,
		PoolSize: cfg.Redis.PoolSize,
	}, logger)
	if err != nil {
		return nil, errs.Fatal(fmt.Errorf("core: connect redis: %w", err))
	}

	m := metrics.New()
	agg := candle.NewAggregator(logger)
	bcast := broadcaster.New(logger, agg, m)

	store := history.NewStore(rdb, logger)
	hist := history.NewAdapter(store, agg, logger)

	sessions := session.NewManager(logger, bcast, hist, m, cfg.Symbols)

	ing := ingest.New(rdb, agg, bcast, store, m, logger, cfg.Symbols)

	statsCollector := stats.NewCollector(agg, bcast, sessions, cfg.Symbols)

	svc := &Service{
		cfg:          cfg,
		logger:       logger,
		rdb:          rdb,
		metrics:      m,
		aggregator:   agg,
		broadcaster:  bcast,
		historyStore: store,
		history:      hist,
		sessions:     sessions,
		ingest:       ing,
		stats:        statsCollector,
	}

	svc.httpServer = &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: svc.routes(),
	}

	return svc, nil
}

// routes builds the HTTP surface of spec.md §6: /ws for the WebSocket
// upgrade, /health and /health/ws-stats for operational visibility, and
// /metrics for Prometheus scraping.
func (s *Service) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.sessions.ServeHTTP)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/ws-stats", s.handleWSStats)
	mux.Handle("/metrics", s.metrics.Handler())
	return mux
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	services := map[string]string{"redis": "OK"}
	status := "OK"
	code := http.StatusOK

	if err := redisutil.HealthCheck(ctx, s.rdb); err != nil {
		services["redis"] = "DEGRADED"
		status = "DEGRADED"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   status,
		"services": services,
	})
}

func (s *Service) handleWSStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.stats.Snapshot())
}

// Start warms the Aggregator for every tracked symbol, then launches the
// Broadcaster dispatch tick, the Session Manager heartbeat, the Ingest
// Adapter's reconnect loop, and the HTTP listener.
func (s *Service) Start(ctx context.Context) error {
	for _, symbol := range s.cfg.Symbols {
		s.history.WarmUp(ctx, symbol)
	}

	s.broadcaster.Start()
	s.sessions.Start()

	s.ingestCtx, s.cancelIngest = context.WithCancel(context.Background())
	s.ingestDone = make(chan struct{})
	go func() {
		defer close(s.ingestDone)
		if err := s.ingest.Run(s.ingestCtx); err != nil {
			s.logger.Error("ingest adapter exited with error", zap.Error(err))
		}
	}()

	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.cfg.Server.ListenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server exited with error", zap.Error(err))
		}
	}()

	return nil
}

// Stop releases every resource Start acquired. It must complete within
// ShutdownTimeout or force-terminate, per spec.md §5.
func (s *Service) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	if s.cancelIngest != nil {
		s.cancelIngest()
	}

	s.sessions.CloseAll()
	s.sessions.Stop()
	s.broadcaster.Stop()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("http server did not shut down cleanly", zap.Error(err))
	}

	select {
	case <-s.ingestDone:
	case <-ctx.Done():
		s.logger.Warn("ingest adapter did not exit before shutdown deadline")
	}

	if err := s.rdb.Close(); err != nil {
		s.logger.Warn("error closing redis client", zap.Error(err))
	}

	return nil
}
