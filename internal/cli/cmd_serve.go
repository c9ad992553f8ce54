package cli

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/tweetkb/internal/backend"
	"github.com/randalmurphal/tweetkb/internal/events"
	"github.com/randalmurphal/tweetkb/internal/pipeline"
	"github.com/randalmurphal/tweetkb/internal/prompt"
	"github.com/randalmurphal/tweetkb/internal/task"
)

// newServeWorkerCmd creates the serve-worker command, the foreground
// daemon the other commands talk to through the shared database.
func newServeWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve-worker",
		Short: "Run the worker pool and stale-task reconciler in the foreground",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.close()
			return serveWorker(cmd, a)
		},
	}
}

func serveWorker(cmd *cobra.Command, a *app) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Event delivery: always the in-process publisher; redis on top
	// when configured, shielded by the health monitor.
	publisher := events.NewMemoryPublisher()
	defer publisher.Close()
	var sink events.Sink = events.NewMemorySink(publisher)
	var monitor *events.Monitor
	if a.cfg.Events.RedisProgressURL != "" {
		redisSink, err := events.NewRedisSink(a.cfg.Events.RedisProgressURL, a.cfg.Events.RedisLogsURL)
		if err != nil {
			return err
		}
		monitor = events.NewMonitor(redisSink, events.MonitorConfig{}, a.logger)
		monitor.Start()
		defer func() { _ = monitor.Close() }()
		sink = monitor
	}

	emitter := events.NewEmitter(sink, events.EmitterConfig{
		RatePerSecond: a.cfg.Events.RatePerSecond,
		RatePerMinute: a.cfg.Events.RatePerMinute,
		BatchSize:     a.cfg.Events.BatchSize,
		BatchMaxAge:   a.cfg.Events.BatchMaxAge,
	}, a.logger)
	defer func() { _ = emitter.Close() }()

	be := backend.New(a.cfg, a.logger)
	if h := be.Health(ctx); h.Status != backend.HealthHealthy {
		a.logger.Warn("inference backend unhealthy at startup",
			"backend", be.Name(), "url", h.ConfiguredURL, "error", h.LastError)
	}

	prompts := prompt.NewStore(a.cfg.KBPath("prompts"))
	pipe := pipeline.New(a.store, be, prompts, newArchiveFetcher(a.cfg),
		&storeCategoryManager{store: a.store}, emitter, a.cfg, a.logger)

	registry := task.NewRegistry(a.store)
	registerKnownKinds(registry, task.NewPipelineHandler(pipe, a.store, emitter, a.logger))

	pool := task.NewPool(a.store, registry, emitter, a.cfg.Workers, a.logger)
	pool.Start(ctx)
	defer pool.Stop()

	reconciler := task.NewReconciler(a.store, pool, emitter, a.cfg.Workers, a.logger)
	go reconciler.Run(ctx)

	a.logger.Info("worker pool started",
		"workers", a.cfg.Workers.Concurrency,
		"backend", be.Name(),
		"heartbeat", a.cfg.Workers.HeartbeatInterval,
		"stale_threshold", a.cfg.Workers.StaleThreshold)
	fmt.Fprintln(cmd.OutOrStdout(), "serving; press Ctrl-C to stop")

	<-ctx.Done()
	a.logger.Info("shutting down")
	return nil
}
