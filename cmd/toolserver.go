package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/sentrywatch/internal/archive"
	"github.com/nextlevelbuilder/sentrywatch/internal/cag"
	"github.com/nextlevelbuilder/sentrywatch/internal/config"
	"github.com/nextlevelbuilder/sentrywatch/internal/retrieval"
	"github.com/nextlevelbuilder/sentrywatch/internal/semantic"
	"github.com/nextlevelbuilder/sentrywatch/internal/tools"
	"github.com/nextlevelbuilder/sentrywatch/internal/toolserver"
)

func toolServerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "toolserver",
		Short: "Serve the tool catalog over line-delimited JSON on stdio",
		Run: func(cmd *cobra.Command, args []string) {
			runToolServer()
		},
	}
}

// runToolServer is the standalone entry point a chat-completion host
// spawns and talks to over stdin/stdout. It never writes to the archive
// and builds the same retrieval engine `serve` builds, so a host that
// prefers process isolation over an in-process registry gets identical
// tool semantics.
func runToolServer() {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	store, err := archive.Open(config.ExpandHome(cfg.Database.ArchivePath))
	if err != nil {
		slog.Error("failed to open archive", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	embedder := semantic.NewHTTPEmbedder(cfg.Model.BaseURL, cfg.Model.APIKey, cfg.Retrieval.EmbeddingModelID, cfg.Retrieval.VectorDimension)
	index := semantic.NewIndex(embedder)
	if err := index.Build(ctx, store, cfg.Retrieval.IndexWindowSize, 256); err != nil {
		slog.Warn("semantic index unavailable, degrading to keyword-only retrieval", "error", err)
	}

	retriever := retrieval.NewRetriever(store, index)
	cagBuilder := cag.NewBuilder(store, cfg.Retrieval.CAGTokenBudget)
	registry := tools.NewRegistry(store, retriever, cagBuilder, cfg.Retrieval.DefaultDaysRange)

	server := toolserver.NewStdioServer(registry)
	if err := server.Serve(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
		slog.Error("tool server exited with error", "error", err)
		os.Exit(1)
	}
}
