package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/shensi8312/design-institute-platform-sub001/internal/broadcast"
	"github.com/shensi8312/design-institute-platform-sub001/internal/config"
	"github.com/shensi8312/design-institute-platform-sub001/internal/httpapi"
	"github.com/shensi8312/design-institute-platform-sub001/internal/jobs"
	"github.com/shensi8312/design-institute-platform-sub001/internal/metrics"
	"github.com/shensi8312/design-institute-platform-sub001/internal/persistence"
	"github.com/shensi8312/design-institute-platform-sub001/internal/pipeline"
	"github.com/shensi8312/design-institute-platform-sub001/internal/remote"
	"github.com/shensi8312/design-institute-platform-sub001/internal/service"
	"github.com/shensi8312/design-institute-platform-sub001/internal/worker"
	"github.com/shensi8312/design-institute-platform-sub001/pkg/log"
)

const shutdownTimeout = 10 * time.Second

type scheduler interface {
	Schedule(ctx context.Context) error
}

type cronEngine interface {
	Start()
	Stop() context.Context
}

type httpServer interface {
	ListenAndServe(addr string) error
	Shutdown(ctx context.Context) error
}

func newServeCommand(ctx *commandContext) *cobra.Command {
	var (
		addr        string
		concurrency int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the queue workers, the HTTP API and the live progress channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := make([]config.Option, 0, 2)
			if addr != "" {
				opts = append(opts, config.WithHTTPAddr(addr))
			}
			if concurrency > 0 {
				opts = append(opts, config.WithConcurrency(concurrency))
			}
			cfg, err := ctx.ensureConfig(opts...)
			if err != nil {
				return err
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(runCtx, cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Number of queue workers")
	return cmd
}

// serve assembles the pipeline around one SQLite store and blocks until
// ctx is cancelled. Only one server may own a data directory.
func serve(ctx context.Context, cfg *config.Config) error {
	if err := os.MkdirAll(cfg.System.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	lock := flock.New(cfg.LockPath())
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another server already owns %s", cfg.System.DataDir)
	}
	defer func() { _ = lock.Unlock() }()

	store, err := persistence.NewSQLiteStore(cfg.DBPath())
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	svc := cfg.Services
	processor := pipeline.NewProcessor(pipeline.Dependencies{
		Recognizer: remote.NewRecognitionClient(remote.RecognitionConfig{
			PrimaryURL: svc.LangExtractURL,
			LegacyURL:  svc.RecognitionURL,
			UsePrimary: svc.UseLangExtract,
			Timeout:    svc.RecognitionTimeout,
		}),
		Vectorizer: remote.NewVectorClient(svc.VectorURL, svc.VectorTimeout),
		Graph:      remote.NewGraphClient(svc.GraphURL, svc.GraphTimeout),
		Rules:      remote.NewRuleClient(svc.RulesURL, svc.RulesTimeout),
		Documents:  store,
	}, pipeline.Config{
		ChunkSize:        cfg.Pipeline.ChunkSize,
		ChunkOverlap:     cfg.Pipeline.ChunkOverlap,
		GraphTextLimit:   cfg.Pipeline.GraphTextLimit,
		UseOllama:        svc.UseOllama,
		ExtractRelations: cfg.Pipeline.ExtractRelations,
		RulesTimeout:     svc.RulesTimeout,
	})

	collector := metrics.NewCollector(nil)
	queue := jobs.NewQueue(jobs.Config{
		Concurrency:   cfg.Queue.Concurrency,
		MaxAttempts:   cfg.Queue.MaxAttempts,
		BackoffBase:   cfg.Queue.BackoffBase,
		KeepCompleted: cfg.Queue.KeepCompleted,
	}, store, jobs.WithRecordStore(store), jobs.WithDocumentStatus(store))

	hub := broadcast.NewHub(processor, broadcast.WithHeartbeat(cfg.HTTP.Heartbeat))
	defer hub.Close()
	defer processor.Bus().Subscribe(hub.HandlePipelineEvent)()
	defer queue.Subscribe(hub.HandleJobEvent)()
	defer queue.Subscribe(collector.HandleJobEvent)()

	cronRunner := cron.New()
	sched := service.NewScheduler(*cfg, cronRunner, queue, processor,
		service.WithStatsSink(collector),
		service.WithDocumentRegistry(store),
	)

	endpoints := []remote.Endpoint{
		{Name: "langextract", URL: svc.LangExtractURL},
		{Name: "recognition", URL: svc.RecognitionURL},
		{Name: "vector", URL: svc.VectorURL},
		{Name: "graph", URL: svc.GraphURL},
		{Name: "rules", URL: svc.RulesURL},
	}
	srv := httpapi.NewServer(queue,
		httpapi.WithDocumentStore(store),
		httpapi.WithRecords(store),
		httpapi.WithRuns(processor),
		httpapi.WithSchedules(sched),
		httpapi.WithHealthCheck(func(ctx context.Context) map[string]remote.ServiceStatus {
			return remote.CheckServices(ctx, svc.HealthTimeout, endpoints...)
		}),
		httpapi.WithWebSocket(cfg.HTTP.WSPath, hub),
		httpapi.WithMetrics(collector.Handler()),
	)

	w := worker.New(processor, store, queue, worker.WithStageObserver(collector))
	queue.Start(w.Handle)
	defer func() {
		queue.Stop()
		processor.Wait()
	}()

	log.Info("Serving %d workers on %s (data in %s)", cfg.Queue.Concurrency, cfg.HTTP.Addr, cfg.System.DataDir)
	return runWithComponents(ctx, cfg, sched, cronRunner, srv)
}

// runWithComponents schedules the maintenance jobs, starts cron and the
// HTTP server, and shuts both down once ctx is cancelled.
func runWithComponents(ctx context.Context, cfg *config.Config, sched scheduler, c cronEngine, srv httpServer) error {
	if err := sched.Schedule(ctx); err != nil {
		return fmt.Errorf("schedule maintenance: %w", err)
	}
	c.Start()
	defer c.Stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening on %s", cfg.HTTP.Addr)
		errCh <- srv.ListenAndServe(cfg.HTTP.Addr)
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	}
}
