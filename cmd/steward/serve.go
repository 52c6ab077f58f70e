package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/stewardhq/steward/internal/artifacts"
	"github.com/stewardhq/steward/internal/bus"
	"github.com/stewardhq/steward/internal/config"
	"github.com/stewardhq/steward/internal/funnel"
	"github.com/stewardhq/steward/internal/gateway"
	"github.com/stewardhq/steward/internal/llm"
	"github.com/stewardhq/steward/internal/observability"
	"github.com/stewardhq/steward/internal/roundabout"
	"github.com/stewardhq/steward/internal/runctx"
	"github.com/stewardhq/steward/internal/scheduler"
	"github.com/stewardhq/steward/internal/store"
	"github.com/stewardhq/steward/internal/supervisor"
	"github.com/stewardhq/steward/internal/tools"
	"github.com/stewardhq/steward/internal/turn"
	"github.com/stewardhq/steward/internal/worker"
	"github.com/stewardhq/steward/internal/workflow"
	"github.com/stewardhq/steward/pkg/models"
)

// drainBudget bounds how long shutdown waits for in-flight workers and
// pending bus publishes.
const drainBudget = 10 * time.Second

// workerConcurrency caps parallel worker jobs per process.
const workerConcurrency = 4

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics, metricsHandler := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Metadata store: Postgres when a URL is configured, in-memory
	// otherwise. The in-memory store is single-process; advisory locks
	// still hold within it.
	var st store.Store
	if cfg.Database.URL != "" {
		pgCfg := store.DefaultPostgresConfig()
		if cfg.Database.MaxConnections > 0 {
			pgCfg.MaxOpenConns = cfg.Database.MaxConnections
		}
		if cfg.Database.ConnMaxLifetime > 0 {
			pgCfg.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
		}
		pg, err := store.NewPostgres(cfg.Database.URL, pgCfg)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer pg.Close()
		st = pg
	} else {
		logger.Warn("no database.url configured, using in-memory store")
		st = store.NewMemory()
	}

	artifactStore, err := artifacts.NewStore(cfg.Artifacts.Dir)
	if err != nil {
		return fmt.Errorf("open artifact store: %w", err)
	}

	taskProvider, err := llm.NewAnthropic(llm.AnthropicConfig{
		APIKey:       cfg.LLM.AnthropicAPIKey,
		DefaultModel: cfg.LLM.DefaultModel,
	})
	if err != nil {
		return fmt.Errorf("task provider: %w", err)
	}
	// The routing model is optional: without it workers fall back to
	// truncation summaries and the run monitor stays off.
	var routingProvider llm.Provider
	if cfg.LLM.OpenAIAPIKey != "" {
		rp, err := llm.NewOpenAI(llm.OpenAIConfig{
			APIKey:       cfg.LLM.OpenAIAPIKey,
			DefaultModel: cfg.LLM.RoutingModel,
		})
		if err != nil {
			return fmt.Errorf("routing provider: %w", err)
		}
		routingProvider = rp
	} else {
		logger.Warn("no openai_api_key configured, run monitor and summaries disabled")
	}

	events := bus.New(bus.WithLogger(logger))
	topics := gateway.NewTopicManager(logger)
	stopBridge := bridgeEvents(events, topics)
	defer stopBridge()

	registry := tools.NewRegistry()
	tools.RegisterBuiltins(registry)

	engine := turn.NewEngine(st, registry, taskProvider,
		turn.WithTopics(topics),
		turn.WithMetrics(metrics),
		turn.WithMaxIterations(cfg.Worker.MaxTurns),
		turn.WithLogger(logger.With("component", "turn")),
	)

	runnerOpts := []worker.RunnerOption{
		worker.WithDefaultModel(cfg.LLM.DefaultModel),
		worker.WithRunnerLogger(logger.With("component", "worker")),
	}
	if routingProvider != nil {
		runnerOpts = append(runnerOpts,
			worker.WithSummarizer(worker.NewSummarizer(routingProvider, cfg.LLM.RoutingModel)))
	}
	runner := worker.NewRunner(st, artifactStore, engine, runnerOpts...)
	queue := worker.NewQueue(runner, workerConcurrency)

	var spawnQueue tools.WorkerQueue = queue
	if routingProvider != nil {
		spawnQueue = &monitoredQueue{
			queue:    queue,
			provider: routingProvider,
			model:    cfg.LLM.RoutingModel,
			metrics:  metrics,
			logger:   logger.With("component", "roundabout"),
		}
	}
	tools.RegisterWorkerTools(registry, artifactStore, spawnQueue)

	supervisors := supervisor.NewService(st, engine, events,
		supervisor.WithModel(cfg.LLM.DefaultModel))

	workflows := workflow.NewEngine(st, registry, engine, events,
		workflow.WithMetrics(metrics),
		workflow.WithLogger(logger.With("component", "workflow")),
	)

	sched := scheduler.New(st, engine, workflows, events, cfg.Scheduler,
		scheduler.WithMetrics(metrics),
		scheduler.WithLogger(logger.With("component", "scheduler")),
	)
	if cfg.Scheduler.Enabled {
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer sched.Stop()
	}

	if cfg.Funnel.Path != "" {
		funnelStore, err := funnel.Open(cfg.Funnel.Path,
			funnel.WithMetrics(metrics),
			funnel.WithLogger(logger.With("component", "funnel")))
		if err != nil {
			return fmt.Errorf("open funnel store: %w", err)
		}
		defer funnelStore.Close()
	}

	wsServer := gateway.NewServer(topics,
		gateway.WithServerLogger(logger.With("component", "gateway")),
		gateway.WithMessageHandler(sendMessageHandler(st, engine, supervisors)),
	)

	mux := http.NewServeMux()
	mux.Handle("/ws", wsServer)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort),
		Handler: mux,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler: metricsMux,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		logger.Info("metrics listening", "addr", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainBudget)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics shutdown", "error", err)
	}
	queue.Drain(drainBudget)
	events.Drain(drainBudget)
	return nil
}

// sendMessageHandler handles inbound send_message frames. Messages to the
// supervisor thread dispatch a supervisor run; everything else appends the
// user message and runs a streaming turn on the thread's agent. The sender
// must own the thread.
func sendMessageHandler(st store.Store, engine *turn.Engine, supervisors *supervisor.Service) gateway.MessageHandler {
	return func(ctx context.Context, userID, threadID, content string) error {
		if threadID == "" || content == "" {
			return fmt.Errorf("send_message requires thread_id and content")
		}
		thread, err := st.GetThread(ctx, threadID)
		if err != nil {
			return fmt.Errorf("thread %s: %w", threadID, err)
		}
		if thread.OwnerID != userID {
			return fmt.Errorf("thread %s is not owned by the sender", threadID)
		}
		if thread.Type == models.ThreadSuper {
			_, err := supervisors.Run(ctx, userID, content, "", 0)
			return err
		}
		agent, err := st.GetAgent(ctx, thread.AgentID)
		if err != nil {
			return fmt.Errorf("agent %s: %w", thread.AgentID, err)
		}
		if err := st.AppendMessage(ctx, &models.Message{
			ThreadID: threadID,
			Role:     models.RoleUser,
			Content:  content,
			SentAt:   time.Now(),
		}); err != nil {
			return fmt.Errorf("append message: %w", err)
		}

		turnCtx := runctx.WithResolver(ctx, &runctx.StaticResolver{Owner: userID})
		turnCtx = runctx.WithStream(turnCtx, runctx.StreamContext{
			ThreadID: threadID,
			UserID:   userID,
		})
		_, err = engine.Run(turnCtx, agent, threadID, true)
		return err
	}
}

// monitoredQueue wraps the worker queue so every spawned job gets its own
// roundabout watch. The monitor carries per-job guardrail state, so one is
// built per enqueue.
type monitoredQueue struct {
	queue    *worker.Queue
	provider llm.Provider
	model    string
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// monitorPollInterval is how often the watch samples a running job.
const monitorPollInterval = 5 * time.Second

func (q *monitoredQueue) Enqueue(ctx context.Context, ownerID, task string, config map[string]any) (string, error) {
	jobID, err := q.queue.Enqueue(ctx, ownerID, task, config)
	if err != nil {
		return "", err
	}
	job, err := q.queue.Job(jobID)
	if err != nil {
		q.logger.Warn("job vanished before watch", "job_id", jobID, "error", err)
		return jobID, nil
	}

	monitor := roundabout.NewMonitor(q.provider, q.model,
		roundabout.WithMetrics(q.metrics),
		roundabout.WithLogger(q.logger),
	)
	go func() {
		outcome, err := monitor.Watch(context.Background(), job, monitorPollInterval)
		if err != nil {
			q.logger.Warn("watch ended with error", "job_id", jobID, "error", err)
			return
		}
		q.logger.Info("watch finished",
			"job_id", jobID,
			"decision", string(outcome.Decision),
			"rationale", outcome.Rationale,
			"summary", monitor.ActivitySummary())
	}()
	return jobID, nil
}
