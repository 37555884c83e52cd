package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"councilsync/internal/ingest/events"
	"councilsync/internal/ingest/handler"
	"councilsync/internal/ingest/lease"
	"councilsync/internal/ingest/metrics"
	"councilsync/internal/ingest/orchestrator"
	"councilsync/internal/ingest/ports"
	"councilsync/internal/ingest/scheduler"
	"councilsync/internal/ingest/store"
	"councilsync/internal/platform/config"
	"councilsync/internal/platform/httpserver"
	"councilsync/internal/platform/logger"
	"councilsync/internal/platform/postgres"
	platformredis "councilsync/internal/platform/redis"
)

// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. Sync logic lives in the internal/ingest packages.
func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found (ok in production)")
	}

	cfg := config.FromEnv()
	lg := logger.New()

	sources, err := config.LoadSources(cfg.SourcesFile)
	if err != nil {
		log.Fatalf("load sources: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	db, err := postgres.Open(ctx, cfg.DatabaseURL)
	cancel()
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer db.Close()

	pg := store.NewPostgres(db)
	if err := pg.EnsureSchema(context.Background()); err != nil {
		log.Fatalf("ensure schema: %v", err)
	}

	// The lease falls back to in-process exclusivity when Redis is not
	// configured; that covers single-instance deployments.
	var sourceLease ports.Lease = lease.NewInMemory()
	redisClient, err := platformredis.New(cfg.Redis)
	if err != nil {
		log.Fatalf("connect redis: %v", err)
	}
	if redisClient != nil {
		defer redisClient.Close()
		sourceLease = lease.NewRedis(redisClient.Client, "")
	}

	ingestMetrics := metrics.New()

	orchOpts := []orchestrator.Option{
		orchestrator.WithMetrics(ingestMetrics),
		orchestrator.WithOrphanAfter(cfg.OrphanAfter),
	}
	if len(cfg.Kafka.Brokers) > 0 {
		publisher, err := events.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, lg)
		if err != nil {
			log.Fatalf("kafka publisher: %v", err)
		}
		defer publisher.Close()
		orchOpts = append(orchOpts, orchestrator.WithPublisher(publisher))
	}

	orch, err := orchestrator.New(pg, lg, orchOpts...)
	if err != nil {
		log.Fatalf("orchestrator: %v", err)
	}

	sched := scheduler.New(sources, orch, pg, sourceLease, cfg.Workers, lg,
		scheduler.WithLeaseTTL(cfg.LeaseTTL))
	defer sched.Close()

	router := chi.NewRouter()
	handler.New(sched, lg).Register(router)
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	srv := httpserver.New(cfg.Addr, router)

	lg.Info("starting councilsync", "addr", cfg.Addr, "sources", len(sources))

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("graceful shutdown failed: %v", err)
	}
}
