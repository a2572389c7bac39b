package ingest

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"clickstream/src/broker"
	"clickstream/src/lib"
	"clickstream/src/services"
)

const maxGenerateBodyBytes = 64 << 10

type generatorRunner interface {
	Run(ctx context.Context, minutes float64) (services.GenerateReport, error)
}

// GeneratorServer exposes the synthetic traffic producer over HTTP. A run
// holds its request open until the requested duration has elapsed.
type GeneratorServer struct {
	cfg        lib.Config
	logger     *slog.Logger
	metrics    *lib.Metrics
	publisher  broker.Publisher
	runner     generatorRunner
	limiter    *services.RequestLimiter
	httpServer *http.Server
	cancel     context.CancelFunc
	now        func() time.Time
}

func NewGeneratorServer(ctx context.Context, cfg lib.Config) (*GeneratorServer, error) {
	logger := lib.NewLogger(cfg.LogLevel)
	metrics := lib.NewMetrics()

	loc, err := time.LoadLocation(cfg.GeneratorTimezone)
	if err != nil {
		return nil, fmt.Errorf("load generator timezone: %w", err)
	}
	publisher, err := broker.NewPubSubPublisher(ctx, cfg.ProjectID, cfg.TopicID)
	if err != nil {
		return nil, err
	}

	generator := services.NewGenerator(publisher, loc, metrics, logger)
	return newGeneratorServer(cfg, publisher, generator, metrics, logger), nil
}

func newGeneratorServer(cfg lib.Config, publisher broker.Publisher, runner generatorRunner, metrics *lib.Metrics, logger *slog.Logger) *GeneratorServer {
	if logger == nil {
		logger = lib.DiscardLogger()
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	s := &GeneratorServer{
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		publisher: publisher,
		runner:    runner,
		limiter:   services.NewRequestLimiter(cfg.GeneratorRateBurst, cfg.GeneratorRatePerMin),
		cancel:    cancel,
		now:       time.Now,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/generate", s.handleGenerate)
	mux.HandleFunc("/", s.handleGenerate)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	s.httpServer = &http.Server{
		Addr:              cfg.GeneratorAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	return s
}

func (s *GeneratorServer) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *GeneratorServer) Start() error {
	s.logger.Info("generator server starting", "addr", s.cfg.GeneratorAddr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops runs in progress and then the listener.
func (s *GeneratorServer) Shutdown(ctx context.Context) error {
	s.cancel()
	err := s.httpServer.Shutdown(ctx)
	if closeErr := s.publisher.Close(); closeErr != nil {
		err = errors.Join(err, fmt.Errorf("close publisher: %w", closeErr))
	}
	return err
}

func (s *GeneratorServer) handleGenerate(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
		return
	}

	apiKey := req.Header.Get("Api-Key")
	if apiKey == "" || subtle.ConstantTimeCompare([]byte(apiKey), []byte(s.cfg.GeneratorAPIKey)) != 1 {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		return
	}

	if !s.limiter.Allow(clientKey(req), s.now()) {
		s.metrics.Inc(lib.MetricGeneratorRateLimited)
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, maxGenerateBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	genReq, err := services.ParseGenerateRequest(body, s.cfg.GeneratorMaxMinutes)
	switch {
	case errors.Is(err, services.ErrMissingAction):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing action"})
		return
	case errors.Is(err, services.ErrInvalidAction):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid action"})
		return
	case errors.Is(err, services.ErrInvalidDuration):
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("Missing or invalid duration or Exceeded maximum allowed %d minutes", s.cfg.GeneratorMaxMinutes),
		})
		return
	case err != nil:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	report, err := s.runner.Run(req.Context(), genReq.Duration)
	if err != nil {
		s.logger.Warn("generator run failed",
			"events_published", report.EventsPublished,
			"corrections_published", report.CorrectionsPublished,
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":                 "generation failed",
			"events_published":      report.EventsPublished,
			"corrections_published": report.CorrectionsPublished,
		})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func clientKey(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
