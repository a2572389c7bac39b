package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"clickstream/src/broker"
	"clickstream/src/lib"
	"clickstream/src/services"
	"clickstream/src/storage"
)

const healthServiceName = "clickstream.Consumer"

// Deps are the external resources a Server owns once constructed. Source is
// closed on shutdown when it implements io.Closer.
type Deps struct {
	Store   storage.Store
	Source  broker.Source
	Archive storage.ExceptionStore
	Logger  *slog.Logger
	Metrics *lib.Metrics
}

// Server runs the consumption loop next to its admin HTTP server and the
// optional gRPC health endpoint.
type Server struct {
	cfg        lib.Config
	logger     *slog.Logger
	metrics    *lib.Metrics
	store      storage.Store
	source     broker.Source
	consumer   *services.Consumer
	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server

	runCtx       context.Context
	cancel       context.CancelFunc
	startOnce    sync.Once
	consumerDone chan struct{}
}

func NewServer(ctx context.Context, cfg lib.Config) (*Server, error) {
	logger := lib.NewLogger(cfg.LogLevel)
	metrics := lib.NewMetrics()

	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := store.Provision(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}

	archive, err := OpenArchive(ctx, cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	source, err := broker.NewPubSubSource(ctx, broker.PubSubSourceConfig{
		ProjectID:      cfg.ProjectID,
		SubscriptionID: cfg.SubscriptionID,
		MaxOutstanding: cfg.MaxOutstandingMessages,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return newServer(cfg, Deps{
		Store:   store,
		Source:  source,
		Archive: archive,
		Logger:  logger,
		Metrics: metrics,
	}), nil
}

func newServer(cfg lib.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = lib.DiscardLogger()
	}

	handler := NewMessageHandler(cfg, deps.Store, deps.Archive, deps.Metrics, logger)
	consumer := services.NewConsumer(deps.Source, handler, cfg.Workers, deps.Metrics, logger)

	mux := http.NewServeMux()
	RegisterEventRoutes(mux, EventRoutes{
		QueryService: services.NewEventQueryService(deps.Store),
		Logger:       logger,
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(deps.Metrics.Snapshot())
	})

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		metrics:  deps.Metrics,
		store:    deps.Store,
		source:   deps.Source,
		consumer: consumer,
		httpServer: &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		runCtx:       runCtx,
		cancel:       cancel,
		consumerDone: make(chan struct{}),
	}

	if cfg.GRPCHealthAddr != "" {
		s.grpcServer = grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
		s.health = health.NewServer()
		grpc_health_v1.RegisterHealthServer(s.grpcServer, s.health)
		s.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
		s.health.SetServingStatus(healthServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	}
	return s
}

// Handler exposes the admin routes, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start runs the consumer and the listeners. It returns the first failure, or
// nil once Shutdown has been called.
func (s *Server) Start() error {
	errCh := make(chan error, 3)
	s.startOnce.Do(func() {
		go func() {
			defer close(s.consumerDone)
			if err := s.consumer.Run(s.runCtx); err != nil {
				errCh <- fmt.Errorf("consumer: %w", err)
			}
		}()
	})

	go func() {
		s.logger.Info("admin server starting", "addr", s.cfg.HTTPAddr)
		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("admin server: %w", err)
		}
	}()

	if s.grpcServer != nil {
		listener, err := net.Listen("tcp", s.cfg.GRPCHealthAddr)
		if err != nil {
			s.cancel()
			return fmt.Errorf("listen on %s: %w", s.cfg.GRPCHealthAddr, err)
		}
		go func() {
			s.logger.Info("grpc health server starting", "addr", listener.Addr().String())
			err := s.grpcServer.Serve(listener)
			if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("grpc health server: %w", err)
			}
		}()
	}

	select {
	case err := <-errCh:
		return err
	case <-s.runCtx.Done():
		return nil
	}
}

// Shutdown reports NOT_SERVING, stops pulling, waits for in-flight messages
// to settle and then releases the store and the subscription.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.health != nil {
		s.health.Shutdown()
	}
	s.cancel()

	var errs []error
	started := true
	s.startOnce.Do(func() { started = false })
	if started {
		select {
		case <-s.consumerDone:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("wait for consumer: %w", ctx.Err()))
		}
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown admin server: %w", err))
	}
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
	if closer, ok := s.source.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close source: %w", err))
		}
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}

	s.logger.Info("consumer server stopped", "metrics", s.metrics.Snapshot())
	return errors.Join(errs...)
}
