// dynod is the gateway daemon: it serves the dashboard websocket, runs
// per-user agents, and drives the heartbeat scheduler.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/seanchangg/dyno/internal/agent"
	"github.com/seanchangg/dyno/internal/bus"
	"github.com/seanchangg/dyno/internal/channels"
	"github.com/seanchangg/dyno/internal/config"
	"github.com/seanchangg/dyno/internal/gateway"
	"github.com/seanchangg/dyno/internal/heartbeat"
	"github.com/seanchangg/dyno/internal/llm"
	"github.com/seanchangg/dyno/internal/orchestrator"
	otelPkg "github.com/seanchangg/dyno/internal/otel"
	"github.com/seanchangg/dyno/internal/persistence"
	"github.com/seanchangg/dyno/internal/policy"
	"github.com/seanchangg/dyno/internal/pricing"
	"github.com/seanchangg/dyno/internal/telemetry"
	"github.com/seanchangg/dyno/internal/tools"
	"github.com/seanchangg/dyno/internal/workspace"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func main() {
	loadDotEnv(".env")

	dataFlag := flag.String("data", "", "data directory (default: $DYNO_HOME or ~/.dyno)")
	quiet := flag.Bool("quiet", false, "log to file only, keep stdout clean")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("dynod", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dataDir := *dataFlag
	if dataDir == "" {
		var err error
		dataDir, err = config.DataDir()
		if err != nil {
			fatalStartup(nil, "E_DATA_DIR", err)
		}
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		fatalStartup(nil, "E_DATA_DIR", err)
	}

	cfg, err := config.LoadFrom(dataDir)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.DataDir, cfg.LogLevel, *quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version, "data_dir", cfg.DataDir)

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.OTel.Enabled,
		Exporter:    cfg.OTel.Exporter,
		Endpoint:    cfg.OTel.Endpoint,
		ServiceName: cfg.OTel.ServiceName,
		SampleRate:  cfg.OTel.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	store, err := persistence.Open(filepath.Join(cfg.DataDir, "dyno.db"))
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	policyPath := filepath.Join(cfg.DataDir, "policy.yaml")
	pol, err := policy.Load(policyPath)
	if err != nil {
		fatalStartup(logger, "E_POLICY_LOAD", err)
	}
	logger.Info("startup phase", "phase", "policy_loaded")

	eventBus := bus.New()
	provisioner := workspace.NewProvisioner(cfg.DataDir)

	manager := agent.NewManager(agent.Config{
		Store:         store,
		Provisioner:   provisioner,
		Bus:           eventBus,
		Logger:        logger,
		Policy:        pol,
		Tracer:        otelProvider.Tracer,
		Metrics:       metrics,
		Model:         cfg.LLM.ActionModel,
		MaxTokens:     cfg.LLM.MaxTokens,
		MaxIterations: cfg.Agent.MaxIterations,
		IdleTimeout:   cfg.IdleTimeout(),
		SweepInterval: cfg.SweepInterval(),
		ClientFactory: func(key string) llm.Client { return llm.NewAnthropicClient(key, cfg.CallTimeout()) },
		Contribute: func(userID string, reg *tools.Registry, client llm.Client, _ *workspace.Workspace, pol policy.Policy) {
			orch := orchestrator.New(orchestrator.Config{
				UserID:        userID,
				Client:        client,
				ParentTools:   reg,
				Policy:        pol,
				Bus:           eventBus,
				Logger:        logger,
				Tracer:        otelProvider.Tracer,
				Metrics:       metrics,
				DefaultModel:  cfg.LLM.ActionModel,
				MaxTokens:     cfg.LLM.MaxTokens,
				MaxIterations: cfg.Agent.MaxIterations,
				Layout:        store,
			})
			orch.RegisterTools(reg)
		},
	})
	defer manager.Close()

	daemon := heartbeat.NewDaemon(heartbeat.Config{
		Manager:     manager,
		Store:       store,
		Provisioner: provisioner,
		Pricing: pricing.Table{
			Triage: pricing.Rates{InputPer1M: cfg.Pricing.Triage.InputPer1M, OutputPer1M: cfg.Pricing.Triage.OutputPer1M},
			Action: pricing.Rates{InputPer1M: cfg.Pricing.Action.InputPer1M, OutputPer1M: cfg.Pricing.Action.OutputPer1M},
		},
		Bus:            eventBus,
		Logger:         logger,
		Tracer:         otelProvider.Tracer,
		Metrics:        metrics,
		TriageModel:    cfg.LLM.TriageModel,
		ActionModel:    cfg.LLM.ActionModel,
		MaxTokens:      cfg.LLM.MaxTokens,
		MaxIterations:  cfg.Agent.MaxIterations,
		Interval:       time.Duration(cfg.Heartbeat.IntervalMinutes) * time.Minute,
		DailyBudgetUSD: cfg.Heartbeat.DailyBudgetUSD,
		BootstrapDelay: time.Duration(cfg.Heartbeat.BootstrapDelaySec) * time.Second,
	})
	defer daemon.Close()

	// Policy edits apply without a restart: cached agents are dropped and
	// rebuilt against the new rules on next access.
	confWatcher := config.NewWatcher(cfg.DataDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			switch filepath.Base(ev.Path) {
			case "policy.yaml":
				newPol, err := policy.Load(ev.Path)
				if err != nil {
					logger.Error("policy.yaml reload rejected; retaining previous policy", "error", err)
					continue
				}
				manager.SetPolicy(newPol)
				logger.Info("policy.yaml hot-reloaded")
			case "config.yaml":
				logger.Info("config.yaml changed; restart to apply daemon-level settings", "path", ev.Path)
			}
		}
	}()

	gw := gateway.New(gateway.Config{
		Manager:      manager,
		Daemon:       daemon,
		Bus:          eventBus,
		Logger:       logger,
		Tracer:       otelProvider.Tracer,
		AllowOrigins: cfg.Gateway.AllowOrigins,
	})

	server := &http.Server{
		Addr:    cfg.Gateway.ListenAddr,
		Handler: gw.Handler(),
	}
	ln, err := net.Listen("tcp", cfg.Gateway.ListenAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.Gateway.ListenAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	if cfg.Telegram.Enabled {
		if cfg.Telegram.Token == "" {
			logger.Warn("telegram channel enabled but token is missing")
		} else {
			tg := channels.NewTelegramChannel(cfg.Telegram.Token, cfg.Telegram.Users, manager, eventBus, logger)
			go func() {
				if err := tg.Start(ctx); err != nil {
					logger.Error("telegram channel failed", "error", err)
				}
			}()
		}
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first, then the schedulers, then flush the store via the
	// deferred Close calls.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	daemon.Close()
	manager.Close()
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"dynod","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
