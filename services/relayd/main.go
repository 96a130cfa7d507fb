package relayd

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"gasrelay/config"
	"gasrelay/core"
	"gasrelay/core/events"
	"gasrelay/core/types"
	"gasrelay/mempool"
	"gasrelay/native/ledger"
	"gasrelay/native/ratelimit"
	"gasrelay/native/requests"
	"gasrelay/observability"
	"gasrelay/observability/logging"
	telemetry "gasrelay/observability/otel"
	"gasrelay/storage"
	"gasrelay/storage/audit"
	"gasrelay/targets"
)

// Main initialises and runs the relay daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/relayd/config.yaml", "path to relayd configuration")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.SetupWithOptions("relayd", cfg.Environment, logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "relayd",
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	params, err := config.LoadParams(cfg.Params)
	if err != nil {
		return fmt.Errorf("load params: %w", err)
	}
	if err := os.MkdirAll(params.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := storage.Open(params.StorageBackend, filepath.Join(params.DataDir, "gasrelay.db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	broadcaster := events.NewBroadcaster()
	orch, limiter, err := buildOrchestrator(stopCtx, cfg, params, db, broadcaster, logger)
	if err != nil {
		return err
	}

	if dsn := strings.TrimSpace(cfg.Audit.DSN); dsn != "" {
		auditDB, err := audit.Open(dsn)
		if err != nil {
			return err
		}
		recorder := audit.NewRecorder(auditDB, logger.With("component", "audit"))
		ch, cancel := broadcaster.Subscribe(cfg.Events.Buffer)
		defer cancel()
		go recorder.Run(stopCtx, ch)
	}

	auth, err := NewAuthenticator(cfg.Auth, cfg.Admin, logger)
	if err != nil {
		return fmt.Errorf("init auth: %w", err)
	}
	server := NewServer(orch, auth, broadcaster,
		WithIngressLimiter(NewIngressLimiter(cfg.Ingress)),
		WithServerLogger(logger),
		WithEventBuffer(cfg.Events.Buffer),
	)

	if cfg.Executor.Enabled {
		executor, err := types.ParseAccount(cfg.Executor.Address)
		if err != nil {
			return fmt.Errorf("executor address: %w", err)
		}
		worker := NewWorker(orch, core.Caller{Address: executor}, limiter, params.MinExecutionInterval(), cfg.Executor.BatchSize, logger.With("component", "worker"))
		go worker.Run(stopCtx)
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("relayd listening", "address", cfg.ListenAddress)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func buildOrchestrator(ctx context.Context, cfg Config, params *config.Params, db storage.Database, broadcaster *events.Broadcaster, logger *slog.Logger) (*core.Orchestrator, *ratelimit.Limiter, error) {
	orchCfg, err := params.OrchestratorConfig()
	if err != nil {
		return nil, nil, err
	}
	ledgerCfg, err := params.LedgerConfig()
	if err != nil {
		return nil, nil, err
	}

	var fallback core.Target
	if cfg.Target.WebhookURL != "" {
		var opts []targets.ForwarderOption
		if cfg.Target.APIKey != "" {
			opts = append(opts, targets.WithHeader("X-Api-Key", cfg.Target.APIKey))
		}
		forwarder, err := targets.NewHTTPForwarder(cfg.Target.WebhookURL, cfg.Target.Timeout.Duration, opts...)
		if err != nil {
			return nil, nil, err
		}
		fallback = forwarder
	}

	limiter := ratelimit.New(params.RateLimits())
	orch, err := core.New(orchCfg, core.Components{
		Ledger:   ledger.New(ledgerCfg, ledger.WithDatabase(db)),
		Limiter:  limiter,
		Registry: requests.New(db),
		Queue:    mempool.NewQueue(),
		Target:   targets.NewRouter(fallback),
	},
		core.WithEmitter(events.Fanout{broadcaster, &metricsEmitter{broadcaster: broadcaster}}),
		core.WithLogger(logger.With("component", "orchestrator")),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("init orchestrator: %w", err)
	}
	report, err := orch.Restore(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("restore state: %w", err)
	}
	logger.Info("state restored",
		"accounts", report.Accounts,
		"requests", report.Requests,
		"requeued", report.Requeued,
		"interrupted", report.Interrupted)
	if cfg.PauseOnStart {
		if err := orch.Pause(ctx, core.Caller{Capabilities: core.CapAdmin}); err != nil {
			return nil, nil, err
		}
	}
	return orch, limiter, nil
}

// metricsEmitter counts emitted events and broadcaster drops.
type metricsEmitter struct {
	broadcaster *events.Broadcaster
	reported    atomic.Uint64
}

func (m *metricsEmitter) Emit(ev events.Event) {
	observability.Events().Record(ev.EventType())
	dropped := m.broadcaster.Dropped()
	if prev := m.reported.Swap(dropped); dropped > prev {
		observability.Events().RecordDropped(dropped - prev)
	}
}
