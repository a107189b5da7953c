package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Adithya-Monish-Kumar-K/hprof-index/internal/catalog"
	"github.com/Adithya-Monish-Kumar-K/hprof-index/internal/heapdump"
	"github.com/Adithya-Monish-Kumar-K/hprof-index/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/hprof-index/internal/indexer/consumer"
	"github.com/Adithya-Monish-Kumar-K/hprof-index/internal/viewer/cache"
	"github.com/Adithya-Monish-Kumar-K/hprof-index/internal/viewer/handler"
	"github.com/Adithya-Monish-Kumar-K/hprof-index/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/hprof-index/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/hprof-index/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/hprof-index/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/hprof-index/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/hprof-index/pkg/middleware"
	"github.com/Adithya-Monish-Kumar-K/hprof-index/pkg/postgres"
	pkgredis "github.com/Adithya-Monish-Kumar-K/hprof-index/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/hprof-index/pkg/resilience"
	"github.com/Adithya-Monish-Kumar-K/hprof-index/pkg/tracing"
)

const announceTopTypes = 20

var publishBackoff = resilience.Backoff{Attempts: 5, Initial: 200 * time.Millisecond, Max: 5 * time.Second}

// indexComplete is published on the index-complete topic after a dump has
// been finalized.
type indexComplete struct {
	Dump       string              `json:"dump"`
	Objects    int64               `json:"objects"`
	Types      int                 `json:"types"`
	SnapshotID int64               `json:"snapshot_id,omitempty"`
	TopTypes   []indexer.TypeEntry `json:"top_types"`
	FinishedAt time.Time           `json:"finished_at"`
}

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	eventsPath := flag.String("events", "", "read dump events from this JSON-lines file instead of Kafka")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting hprof indexer", "dump", cfg.Indexer.DumpName, "port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.DefaultRegisterer)
	if cfg.Metrics.Enabled {
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port, prometheus.DefaultGatherer)
		defer shutdownMetrics(context.Background())
	}

	engine, err := indexer.NewEngine(cfg.Indexer, indexer.WithMetrics(m))
	if err != nil {
		slog.Error("failed to create indexer engine", "error", err)
		os.Exit(1)
	}
	// Temporary index files are removed on every exit path, including
	// SIGINT/SIGTERM.
	defer engine.Close()

	checker := health.NewChecker(5 * time.Second)
	checker.Register("index_engine", health.Flag(engine.Finalized, "index not finalized"))

	var catalogStore *catalog.Store
	if cfg.Postgres.Enabled {
		db, err := postgres.New(ctx, cfg.Postgres)
		if err != nil {
			slog.Warn("postgres unavailable, catalog snapshots disabled", "error", err)
		} else {
			defer db.Close()
			catalogStore = catalog.NewStore(db)
			if err := catalogStore.EnsureSchema(ctx); err != nil {
				slog.Warn("catalog schema setup failed, snapshots disabled", "error", err)
				catalogStore = nil
			} else {
				checker.Register("postgres", health.Ping(db.Ping, true))
			}
		}
	}

	var backend cache.Backend
	if cfg.Redis.Enabled {
		redisClient, err := pkgredis.NewClient(ctx, cfg.Redis)
		if err != nil {
			slog.Warn("redis unavailable, detail caching disabled", "error", err)
		} else {
			defer redisClient.Close()
			backend = redisClient
			checker.Register("redis", health.Ping(redisClient.Ping, true))
			slog.Info("detail cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.CacheTTL)
		}
	}
	detailCache := cache.New(backend, cfg.Indexer.DumpName, cfg.Redis.CacheTTL, m)

	var announcer *kafka.Producer
	if cfg.Kafka.Enabled {
		announcer = kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.IndexComplete)
		defer announcer.Close()
	}

	h := handler.New(engine, detailCache, cfg.Viewer.DefaultLimit, cfg.Viewer.MaxLimit)
	mux := http.NewServeMux()
	h.Register(mux)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	var chain http.Handler = mux
	chain = middleware.Timeout(cfg.Viewer.RequestTimeout)(chain)
	chain = middleware.Metrics(m)(chain)
	chain = middleware.RequestID(chain)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	var indexFailed atomic.Bool
	go func() {
		traceCtx, root := tracing.StartTrace(ctx, "index", cfg.Indexer.DumpName)
		defer func() {
			root.End()
			root.Log(slog.Default())
		}()
		if err := index(traceCtx, cfg, engine, *eventsPath); err != nil {
			if !errors.Is(err, context.Canceled) {
				slog.Error("indexing failed", "error", err)
				indexFailed.Store(true)
			}
			stop()
			return
		}
		publish(traceCtx, cfg, engine, catalogStore, detailCache, announcer)
	}()

	slog.Info("query service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		engine.Close()
		os.Exit(1)
	}

	slog.Info("hprof indexer stopped")
	if indexFailed.Load() {
		engine.Close()
		os.Exit(1)
	}
}

// index runs one forward pass over the configured event source.
func index(ctx context.Context, cfg *config.Config, engine *indexer.Engine, eventsPath string) error {
	var source heapdump.Streamer
	switch {
	case eventsPath != "":
		f, err := os.Open(eventsPath)
		if err != nil {
			return fmt.Errorf("opening events file: %w", err)
		}
		defer f.Close()
		source = heapdump.JSONLines{R: f}
		slog.Info("indexing from events file", "path", eventsPath)
	case cfg.Kafka.Enabled:
		source = consumer.New(cfg.Kafka, cfg.Indexer.DumpName)
		slog.Info("indexing from kafka",
			"topic", cfg.Kafka.Topics.DumpEvents,
			"group", cfg.Kafka.ConsumerGroup,
		)
	default:
		return errors.New("no event source: pass -events or enable kafka")
	}
	return engine.Run(ctx, source)
}

// publish persists the catalog, drops stale cached views and announces the
// finished index. Failures here are logged; the index keeps serving.
func publish(ctx context.Context, cfg *config.Config, engine *indexer.Engine, store *catalog.Store, detailCache *cache.DetailCache, announcer *kafka.Producer) {
	ctx, span := tracing.Start(ctx, "publish")
	defer span.End()

	types, err := engine.Types()
	if err != nil {
		slog.Error("reading catalog", "error", err)
		return
	}

	var snapshotID int64
	if store != nil {
		err = resilience.Retry(ctx, "save catalog snapshot", publishBackoff, func(ctx context.Context) error {
			id, err := store.Save(ctx, cfg.Indexer.DumpName, engine.ObjectCount(), types)
			snapshotID = id
			return err
		})
		span.SetAttr("snapshot_id", snapshotID)
		if err != nil {
			slog.Error("saving catalog snapshot", "error", err)
		}
	}

	if err := detailCache.Invalidate(ctx); err != nil {
		slog.Warn("invalidating detail cache", "error", err)
	}

	if announcer != nil {
		msg := indexComplete{
			Dump:       cfg.Indexer.DumpName,
			Objects:    engine.ObjectCount(),
			Types:      len(types),
			SnapshotID: snapshotID,
			TopTypes:   types[:min(len(types), announceTopTypes)],
			FinishedAt: time.Now().UTC(),
		}
		err := resilience.Retry(ctx, "announce index", publishBackoff, func(ctx context.Context) error {
			return announcer.Publish(ctx, kafka.Message{Key: cfg.Indexer.DumpName, Value: msg})
		})
		if err != nil {
			slog.Error("announcing finished index", "error", err)
		}
	}

	slog.Info("index ready",
		"dump", cfg.Indexer.DumpName,
		"objects", engine.ObjectCount(),
		"types", len(types),
		"snapshot_id", snapshotID,
	)
}
