package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Maartz/idempotency-plug"
	"github.com/Maartz/idempotency-plug/internal/config"
	"github.com/Maartz/idempotency-plug/internal/telemetry"
)

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.NewLoader("IDEMPOTENCYD", configPath).Load(ctx)
	if err != nil {
		return fmt.Errorf("idempotencyd: load config: %w", err)
	}

	logger := newLogger(cfg.Logging.Level, cfg.Logging.Format)

	telemetryBundle, err := telemetry.Setup(ctx, "idempotencyd", nil)
	if err != nil {
		return fmt.Errorf("idempotencyd: telemetry setup: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := telemetryBundle.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Error("telemetry shutdown failed", "error", shutdownErr)
		}
	}()
	tracer := telemetryBundle.Tracer("github.com/Maartz/idempotency-plug/cmd/idempotencyd")

	store, err := buildStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("idempotencyd: build store: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	tracker := idempotency.NewTracker(store,
		idempotency.WithCachedTTL(cfg.Tracker.CachedTTL()),
		idempotency.WithProcessingTTL(cfg.Tracker.ProcessingTTL()),
		idempotency.WithMaxConcurrentWait(cfg.Tracker.MaxConcurrentWait()),
		idempotency.WithMetrics(registry, "idempotencyd"),
	)

	middleware := idempotency.NewMiddleware(tracker, idempotency.WithLogger(logger))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("/", middleware.Wrap(demoHandler(logger, tracer)))

	go runPruner(ctx, tracker, cfg.Tracker.PruneInterval(), logger)

	srv, err := newServer(cfg, logger, mux)
	if err != nil {
		return fmt.Errorf("idempotencyd: build server: %w", err)
	}
	return srv.Run(ctx)
}

func buildStore(ctx context.Context, cfg config.StoreConfig) (idempotency.Store, error) {
	switch cfg.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		store := idempotency.NewRedisStore(client, idempotency.WithRedisKeyPrefix(cfg.Redis.KeyPrefix))
		if err := store.Setup(ctx, idempotency.StoreConfig{TableName: cfg.TableName}); err != nil {
			return nil, err
		}
		return store, nil
	default:
		store := idempotency.NewMemoryStore()
		if err := store.Setup(ctx, idempotency.StoreConfig{TableName: cfg.TableName}); err != nil {
			return nil, err
		}
		return store, nil
	}
}

// runPruner invokes tracker.Prune on a fixed interval until ctx is
// cancelled, the external timer the Store's own eventual-consistency
// contract assumes exists.
func runPruner(ctx context.Context, tracker *idempotency.Tracker, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := tracker.Prune(ctx); err != nil {
				logger.Error("prune failed", "error", err)
			}
		}
	}
}

// demoHandler is the sample downstream endpoint the middleware guards:
// it stamps a correlation id, opens a trace span, and answers with a
// JSON object holding a fixed "ok" status and that correlation id. The
// request body is not read.
func demoHandler(logger *slog.Logger, tracer trace.Tracer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := uuid.NewString()
		ctx, span := tracer.Start(r.Context(), "demo.handle",
			trace.WithAttributes(attribute.String("correlation_id", correlationID)))
		defer span.End()
		r = r.WithContext(idempotency.NewCorrelationContext(ctx, correlationID))

		logger.InfoContext(r.Context(), "handling request", "correlation_id", correlationID, "path", r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Correlation-Id", correlationID)
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":         "ok",
			"correlation_id": correlationID,
		})
	})
}
