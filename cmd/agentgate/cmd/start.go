package cmd

import (
	"context"
	"fmt"
	"log/slog"
	stdhttp "net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Agent-Gate/agentgate/internal/adapter/inbound/http"
	"github.com/Agent-Gate/agentgate/internal/adapter/inbound/stream"
	auditstore "github.com/Agent-Gate/agentgate/internal/adapter/outbound/audit"
	"github.com/Agent-Gate/agentgate/internal/adapter/outbound/cel"
	"github.com/Agent-Gate/agentgate/internal/adapter/outbound/cluster"
	"github.com/Agent-Gate/agentgate/internal/adapter/outbound/llm"
	"github.com/Agent-Gate/agentgate/internal/config"
	"github.com/Agent-Gate/agentgate/internal/domain/audit"
	"github.com/Agent-Gate/agentgate/internal/domain/capability"
	"github.com/Agent-Gate/agentgate/internal/domain/event"
	"github.com/Agent-Gate/agentgate/internal/domain/policy"
	"github.com/Agent-Gate/agentgate/internal/domain/ratelimit"
	"github.com/Agent-Gate/agentgate/internal/port/outbound"
	"github.com/Agent-Gate/agentgate/internal/sandbox"
	"github.com/Agent-Gate/agentgate/internal/scheduler"
	"github.com/Agent-Gate/agentgate/internal/service"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gate server",
	Long: `Start the agentgate server: the HTTP policy API on /evaluate,
the websocket dispatcher on /ws, and the agent runtime behind them.

In production (environment: production, or ENFORCE_PRODUCTION_HARDENING)
startup runs the hardening gate first and refuses to open any listener
when a check fails.

Examples:
  # Start with config file settings
  agentgate start

  # Start with a specific config file
  agentgate --config /path/to/agentgate.yaml start`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel),
	}))

	// stop() restores default signal handling so a second Ctrl+C does
	// a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop()
	}()

	pidPath := pidFilePath()
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}

	logger.Info("agentgate stopped")
	return nil
}

// run wires all components and serves until the context is cancelled.
// The hardening gate runs before any listener is opened; a failed
// check aborts with exit code 1.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// ===== Secrets =====
	resolver := config.NewResolver()

	signingSecret, err := resolver.Resolve(cfg.Permissions.SigningSecret)
	if err != nil {
		return fmt.Errorf("permission signing secret: %w", err)
	}
	secrets := [][]byte{[]byte(signingSecret)}
	for i, ref := range cfg.Permissions.PreviousSecrets {
		prev, err := resolver.Resolve(ref)
		if err != nil {
			return fmt.Errorf("previous signing secret %d: %w", i, err)
		}
		secrets = append(secrets, []byte(prev))
	}

	streamToken, err := resolver.ResolveOptional(cfg.Stream.AuthToken)
	if err != nil {
		return fmt.Errorf("stream auth token: %w", err)
	}
	adminToken, err := resolver.ResolveOptional(cfg.Server.AdminToken)
	if err != nil {
		return fmt.Errorf("admin token: %w", err)
	}
	llmKey, err := resolver.ResolveOptional(cfg.LLM.APIKey)
	if err != nil {
		return fmt.Errorf("llm api key: %w", err)
	}

	// ===== Policy engine =====
	compiler, err := cel.NewCompiler()
	if err != nil {
		return fmt.Errorf("create condition compiler: %w", err)
	}
	engine := policy.NewEngine(policy.WithConditionCompiler(compiler))

	var rules *policy.RuleSet
	if cfg.Policy.RulesFile != "" {
		rs, err := policy.LoadRuleSetFile(cfg.Policy.RulesFile)
		if err != nil {
			return fmt.Errorf("load policy rules: %w", err)
		}
		if err := engine.Load(rs); err != nil {
			return fmt.Errorf("compile policy rules: %w", err)
		}
		rules = &rs
		logger.Info("policy rules loaded", "file", cfg.Policy.RulesFile)
	} else {
		logger.Warn("no policy rules file configured, every operation will be blocked")
	}

	// ===== Hardening gate =====
	if cfg.HardeningEnabled() {
		report := cfg.CheckHardening(signingSecret, rules)
		for _, w := range report.Warnings {
			logger.Warn("hardening", "check", w)
		}
		if !report.OK() {
			for _, f := range report.Failures {
				logger.Error("hardening check failed", "check", f)
			}
			return fmt.Errorf("production hardening gate failed with %d check(s); refusing to start", len(report.Failures))
		}
		logger.Info("production hardening gate passed")
	}

	// ===== Audit pipeline =====
	var sinks []audit.Sink
	var querier audit.Querier
	if cfg.Audit.Console {
		sinks = append(sinks, auditstore.NewConsoleSink(logger))
	}
	if cfg.Audit.Dir != "" {
		fileStore, err := auditstore.NewFileStore(auditstore.FileConfig{
			Dir:           cfg.Audit.Dir,
			RetentionDays: cfg.Audit.RetentionDays,
			MaxFileSizeMB: cfg.Audit.MaxFileSizeMB,
			CacheSize:     cfg.Audit.CacheSize,
			QueueSize:     cfg.Audit.QueueSize,
		}, logger)
		if err != nil {
			return fmt.Errorf("open audit file store: %w", err)
		}
		defer func() { _ = fileStore.Close() }()
		sinks = append(sinks, fileStore)
		querier = fileStore
	}
	var sqliteStore *auditstore.SQLiteStore
	if cfg.Audit.SQLitePath != "" {
		sqliteStore, err = auditstore.NewSQLiteStore(cfg.Audit.SQLitePath)
		if err != nil {
			return fmt.Errorf("open audit database: %w", err)
		}
		defer func() { _ = sqliteStore.Close() }()
		sinks = append(sinks, sqliteStore)
		querier = sqliteStore
	}
	if len(sinks) == 0 {
		sinks = append(sinks, auditstore.NewConsoleSink(logger))
	}
	recorder := audit.NewRecorder(audit.NewMulti(sinks...), audit.NewRedactor(), logger)

	// ===== Core domain =====
	stats := service.NewStatsService()
	bus := event.NewBus(event.WithLogger(logger))

	caps, err := capability.NewManager(secrets)
	if err != nil {
		return fmt.Errorf("create capability manager: %w", err)
	}

	registry := sandbox.NewRegistry(sandbox.RegistryConfig{
		MaxRetries:     cfg.Agents.MaxRestarts,
		ErrorThreshold: cfg.Agents.MaxErrors,
		OnThreshold: func(agentID string, errorCount int) {
			logger.Error("agent crossed error threshold",
				"agent_id", agentID, "errors", errorCount)
		},
	}, logger)

	agents := service.NewAgentService(service.AgentServiceConfig{
		Capabilities:           caps,
		Policy:                 engine,
		Sandboxes:              registry,
		Bus:                    bus,
		Audit:                  recorder,
		Stats:                  stats,
		Logger:                 logger,
		NodeID:                 cfg.Cluster.NodeID,
		WorkerCommand:          cfg.Agents.Worker.Command,
		WorkerArgs:             cfg.Agents.Worker.Args,
		WorkdirRoot:            cfg.Agents.Worker.WorkdirRoot,
		Container:              cfg.Agents.Worker.ContainerConfig(),
		GrantTTL:               cfg.Permissions.TokenDuration,
		ErrorThreshold:         cfg.Agents.MaxErrors,
		RequireSignedManifests: cfg.HardeningEnabled(),
		ManifestSecrets:        secrets,
	})

	limiter := ratelimit.NewLimiter(cfg.RateLimit.BucketConfig())
	frames := ratelimit.NewGCRA()
	frames.StartCleanup()
	defer frames.Stop()

	// ===== Cluster =====
	self := outbound.NodeInfo{ID: cfg.Cluster.NodeID, URL: cfg.Cluster.AdvertiseURL}
	var directory outbound.NodeDirectory
	var locks outbound.LockProvider
	if cfg.Database.URL != "" {
		sqlDir, err := cluster.NewSQLiteDirectory(cfg.Database.URL, self)
		if err != nil {
			return fmt.Errorf("open cluster directory: %w", err)
		}
		defer func() { _ = sqlDir.Close() }()
		directory = sqlDir
		locks = sqlDir

		// Keep the shared directory in sync with local lifecycle.
		bus.Subscribe("agent.lifecycle", func(ev event.Event) error {
			switch ev.Type {
			case "agent.created":
				return sqlDir.PinAgent(context.Background(), ev.AgentID)
			case "agent.terminated":
				return sqlDir.UnpinAgent(context.Background(), ev.AgentID)
			}
			return nil
		}, event.SubscribeOptions{})
		logger.Info("cluster directory joined", "node_id", self.ID, "advertise_url", self.URL)
	} else {
		directory = cluster.NewStaticDirectory(self)
	}
	router := cluster.NewRouter(cluster.Config{AuthToken: streamToken}, directory, logger)

	// ===== LLM provider =====
	var provider outbound.ChatProvider
	if cfg.LLM.BaseURL != "" {
		provider = llm.WithRetry(llm.NewOpenAI(llm.OpenAIConfig{
			BaseURL: cfg.LLM.BaseURL,
			APIKey:  llmKey,
			Model:   cfg.LLM.Model,
			Timeout: cfg.LLM.Timeout,
		}), llm.RetryConfig{MaxAttempts: cfg.LLM.MaxRetries}, logger)
		logger.Info("chat provider configured", "base_url", cfg.LLM.BaseURL, "model", cfg.LLM.Model)
	} else {
		logger.Warn("no chat provider configured, chat requests will fail")
	}

	// ===== Health =====
	health := http.NewHealthChecker(Version)
	health.AddCheck("sandboxes", func() (string, bool) {
		return fmt.Sprintf("%d active", registry.Len()), true
	})
	health.AddCheck("agents", func() (string, bool) {
		return fmt.Sprintf("%d registered", len(agents.List())), true
	})

	// ===== Transport + dispatcher =====
	// The dispatcher records into the transport's metrics registry, so
	// the transport is built first and /ws delegates to a handler
	// installed just below. The delegate is set before Start, never
	// concurrently with serving.
	var dispatcher stdhttp.Handler
	wsHandler := stdhttp.HandlerFunc(func(w stdhttp.ResponseWriter, r *stdhttp.Request) {
		dispatcher.ServeHTTP(w, r)
	})

	opts := []http.Option{
		http.WithAddr(cfg.Server.HTTPAddr),
		http.WithLogger(logger),
		http.WithAdminToken(adminToken),
		http.WithRequestLimit(cfg.Server.APIRatePerSecond, cfg.Server.APIBurst),
		http.WithStreamHandler(wsHandler),
		http.WithHealthChecker(health),
	}
	if querier != nil {
		opts = append(opts, http.WithAuditQuerier(querier))
	}
	if cfg.Server.TLSCert != "" {
		opts = append(opts, http.WithTLS(cfg.Server.TLSCert, cfg.Server.TLSKey))
	}
	transport := http.NewTransport(engine, stats, recorder, opts...)

	dispatcher = stream.NewServer(stream.Config{
		AuthToken:      streamToken,
		Anonymous:      cfg.Stream.Anonymous,
		IdleTimeout:    cfg.Stream.IdleTimeout,
		RequestTimeout: cfg.Stream.RequestTimeout,
		FrameRate:      cfg.Stream.GCRAConfig(),
	}, stream.Deps{
		Agents:   agents,
		Provider: provider,
		Limiter:  limiter,
		Frames:   frames,
		Bus:      bus,
		Stats:    stats,
		Recorder: recorder,
		Forward:  router,
		Metrics:  transport.Metrics(),
		Logger:   logger,
	})

	// ===== Scheduler =====
	schedOpts := []scheduler.Option{scheduler.WithLogger(logger)}
	if locks != nil {
		schedOpts = append(schedOpts, scheduler.WithLockProvider(func(jobID string) (func(), bool) {
			release, ok, err := locks.TryAcquire(context.Background(), "job:"+jobID)
			if err != nil {
				logger.Warn("job lock acquire failed", "job_id", jobID, "error", err)
				return nil, false
			}
			return release, ok
		}))
	}
	sched := scheduler.New(schedOpts...)

	if sqliteStore != nil {
		retention := time.Duration(cfg.Audit.RetentionDays) * 24 * time.Hour
		// Nightly, off the peak hours.
		err := sched.RegisterCron("audit.retention", "0 3 * * *", func(ctx context.Context) error {
			n, err := sqliteStore.Prune(ctx, time.Now().Add(-retention))
			if err != nil {
				return err
			}
			if n > 0 {
				logger.Info("audit retention pruned entries", "count", n)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	err = sched.Register("agents.monitor", 30*time.Second, func(ctx context.Context) error {
		transport.Metrics().ActiveAgents.Set(float64(len(agents.List())))
		return nil
	})
	if err != nil {
		return err
	}
	sched.Start()
	defer func() { _ = sched.Shutdown(5 * time.Second) }()

	logger.Info("agentgate starting",
		"version", Version,
		"environment", cfg.Environment,
		"http_addr", cfg.Server.HTTPAddr,
		"node_id", cfg.Cluster.NodeID,
		"anonymous_stream", cfg.Stream.Anonymous,
		"worker_runtime", cfg.Agents.Worker.Runtime,
	)

	serveErr := transport.Start(ctx)

	// Tear down workers after the listeners are gone so no new spawn
	// can race the shutdown.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := registry.TerminateAll(shutdownCtx); err != nil {
		logger.Warn("sandbox shutdown incomplete", "error", err)
	}
	return serveErr
}

// parseLogLevel converts a string log level to slog.Level. Returns
// slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug", "trace":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
