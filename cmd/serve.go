package cmd

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/sentrywatch/internal/alertmonitor"
	"github.com/nextlevelbuilder/sentrywatch/internal/archive"
	"github.com/nextlevelbuilder/sentrywatch/internal/cag"
	"github.com/nextlevelbuilder/sentrywatch/internal/config"
	"github.com/nextlevelbuilder/sentrywatch/internal/dispatch"
	"github.com/nextlevelbuilder/sentrywatch/internal/httpapi"
	"github.com/nextlevelbuilder/sentrywatch/internal/ingest"
	"github.com/nextlevelbuilder/sentrywatch/internal/providers"
	"github.com/nextlevelbuilder/sentrywatch/internal/reports"
	"github.com/nextlevelbuilder/sentrywatch/internal/retrieval"
	"github.com/nextlevelbuilder/sentrywatch/internal/semantic"
	"github.com/nextlevelbuilder/sentrywatch/internal/sessionstore"
	"github.com/nextlevelbuilder/sentrywatch/internal/telegrambot"
	"github.com/nextlevelbuilder/sentrywatch/internal/telemetry"
	"github.com/nextlevelbuilder/sentrywatch/internal/tools"
	"github.com/nextlevelbuilder/sentrywatch/internal/toolserver"
)

var listenAddr string

func serveCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "serve",
		Short: "Run the full SentryWatch process: ingest, alert monitor, web API, and Telegram bot",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
	c.Flags().StringVar(&listenAddr, "listen", ":8080", "HTTP listen address")
	return c
}

// runServe is the composition root: it builds every component and runs
// the process-level workers (ingest, alert monitor, HTTP server, Telegram
// bot, report scheduler) under one errgroup, shutting all of them down
// within one tick of SIGINT/SIGTERM.
func runServe() {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		Protocol:    cfg.Telemetry.Protocol,
		Insecure:    cfg.Telemetry.Insecure,
		ServiceName: cfg.Telemetry.ServiceName,
	})
	if err != nil {
		slog.Warn("telemetry setup failed, continuing without tracing", "error", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(shutdownCtx)
	}()

	archivePath := config.ExpandHome(cfg.Database.ArchivePath)
	if err := os.MkdirAll(filepath.Dir(archivePath), 0755); err != nil {
		slog.Error("failed to create archive directory", "error", err)
		os.Exit(1)
	}
	store, err := archive.Open(archivePath)
	if err != nil {
		slog.Error("failed to open archive", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	sessionPath := config.ExpandHome(cfg.Database.SessionPath)
	if cfg.Database.SessionBackend == "" || cfg.Database.SessionBackend == "sqlite" {
		if err := os.MkdirAll(filepath.Dir(sessionPath), 0755); err != nil {
			slog.Error("failed to create session store directory", "error", err)
			os.Exit(1)
		}
	}
	sessions, err := sessionstore.Open(ctx, cfg.Database.SessionBackend, sessionPath, cfg.Database.PostgresDSN)
	if err != nil {
		slog.Error("failed to open session store", "error", err)
		os.Exit(1)
	}
	defer sessions.Close()

	if cfg.Model.BaseURL == "" {
		slog.Error("model.base_url is not configured", "error", "missing chat-completion endpoint")
		os.Exit(1)
	}
	chatClient := providers.NewOpenAIClient(cfg.Model.BaseURL, cfg.Model.APIKey, cfg.Model.Name, cfg.Model.MaxTokens, cfg.Model.Temperature)

	embedder := semantic.NewHTTPEmbedder(cfg.Model.BaseURL, cfg.Model.APIKey, cfg.Retrieval.EmbeddingModelID, cfg.Retrieval.VectorDimension)
	index := semantic.NewIndex(embedder)
	if err := index.Build(ctx, store, cfg.Retrieval.IndexWindowSize, 256); err != nil {
		// The only permitted fallback is keyword-only retrieval, logged
		// once here, at the transition.
		slog.Warn("semantic index unavailable, degrading to keyword-only retrieval", "error", err)
	}

	retriever := retrieval.NewRetriever(store, index)
	cagBuilder := cag.NewBuilder(store, cfg.Retrieval.CAGTokenBudget)
	registry := tools.NewRegistry(store, retriever, cagBuilder, cfg.Retrieval.DefaultDaysRange)

	// Optional external MCP tool servers join the same catalog the native
	// tools live in, before the registry is shared with the dispatch loop.
	for _, mcpCfg := range cfg.MCPServers {
		adapter, err := toolserver.DialMCPServer(ctx, toolserver.MCPServerConfig{
			Name:    mcpCfg.Name,
			Command: mcpCfg.Command,
			Args:    mcpCfg.Args,
			Env:     mcpCfg.Env,
		})
		if err != nil {
			slog.Warn("mcp server unavailable, its tools will be absent this run", "server", mcpCfg.Name, "error", err)
			continue
		}
		defer adapter.Close()
		remoteTools, err := adapter.Tools(ctx)
		if err != nil {
			slog.Warn("mcp tool listing failed", "server", mcpCfg.Name, "error", err)
			continue
		}
		for _, t := range remoteTools {
			registry.Register(t)
		}
		slog.Info("mcp server attached", "server", mcpCfg.Name, "tools", len(remoteTools))
	}

	loop := dispatch.New(dispatch.Config{
		Client:        chatClient,
		Registry:      registry,
		Sessions:      sessions,
		SystemPrompt:  systemPrompt,
		MaxIterations: cfg.Model.MaxToolIterations,
	})

	monitor := alertmonitor.New(alertmonitor.Config{
		Store: store,
		Thresholds: alertmonitor.Thresholds{
			MinRuleLevel:      cfg.Thresholds.MediumRuleLevel,
			HighRuleLevel:     cfg.Thresholds.HighRuleLevel,
			CriticalRuleLevel: cfg.Thresholds.CriticalRuleLevel,
		},
		PollInterval:           time.Duration(cfg.Alerts.PollIntervalSeconds) * time.Second,
		MaxPerHourPerRecipient: cfg.Alerts.MaxPerHourPerRecipient,
		Cooldown:               time.Duration(cfg.Alerts.CooldownSeconds) * time.Second,
		SubscriberCap:          cfg.Thresholds.SubscriberCap,
		// Not a swap: config names the size that triggers eviction
		// "evict cap" (1000) and the count retained afterward
		// "retention" (500); the monitor names them the other way round.
		DeliveredIDRetention: cfg.Thresholds.DeliveredIDEvictCap,
		DeliveredIDEvictKeep: cfg.Thresholds.DeliveredIDRetention,
	})

	var tgBot *telegrambot.Bot
	if cfg.Telegram.Enabled && cfg.Telegram.Token != "" {
		tgBot, err = telegrambot.New(cfg.Telegram.Token, sessions, loop, monitor)
		if err != nil {
			slog.Error("failed to construct telegram bot", "error", err)
			os.Exit(1)
		}
		monitor.SetTransport(tgBot)
	}

	httpServer := httpapi.New(cfg, cfgPath, store, sessions, registry, loop, monitor)

	reportCron := cfg.Reports.CronExpression
	if !cfg.Reports.Enabled {
		reportCron = "" // Scheduler.Run is a no-op on an empty cron expression
	}
	reportSched := reports.New(reports.Config{
		Store:             store,
		CronExpression:    reportCron,
		WindowHours:       cfg.Reports.WindowHours,
		CriticalRuleLevel: cfg.Thresholds.CriticalRuleLevel,
		HighRuleLevel:     cfg.Thresholds.HighRuleLevel,
		MediumRuleLevel:   cfg.Thresholds.MediumRuleLevel,
	})

	ingestPipeline := ingest.NewPipeline(
		ingest.DefaultConfig(cfg.Network.ContainerName, cfg.Network.ArchivesPath),
		ingest.NewDockerExec(time.Duration(cfg.Network.ExecTimeoutSec)*time.Second),
		store,
	)

	srv := &http.Server{Addr: listenAddr, Handler: httpServer.Handler()}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return ingestPipeline.Run(gctx) })

	if tgBot != nil {
		g.Go(func() error {
			if err := tgBot.Start(gctx); err != nil {
				return err
			}
			<-gctx.Done()
			return tgBot.Stop(context.Background())
		})
	}

	g.Go(func() error { return reportSched.Run(gctx) })

	g.Go(func() error {
		slog.Info("http server listening", "addr", listenAddr)
		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()
		select {
		case <-gctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		case err := <-errCh:
			if err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		}
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		slog.Error("sentrywatch exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("sentrywatch shut down cleanly")
}

const systemPrompt = `You are a security-operations assistant. Ground every answer in ` +
	`events retrieved from the Wazuh archive via the check_wazuh_log, ` +
	`get_recent_events, get_agent_statistics, get_rule_statistics, and ` +
	`search_logs tools. Never invent event data; if the archive has no ` +
	`relevant events, say so plainly.`
