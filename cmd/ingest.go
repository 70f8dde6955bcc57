package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/sentrywatch/internal/archive"
	"github.com/nextlevelbuilder/sentrywatch/internal/config"
	"github.com/nextlevelbuilder/sentrywatch/internal/ingest"
)

func ingestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest",
		Short: "Run only the ingest pipeline against a shared archive file",
		Run: func(cmd *cobra.Command, args []string) {
			runIngestOnly()
		},
	}
}

// runIngestOnly starts the ingest pipeline as a standalone process, for
// split deployments where ingest runs as a sidecar against the same
// archive file the `serve` process reads. Only one ingest process should
// ever run against one archive file at a time.
func runIngestOnly() {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

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

	pipeline := ingest.NewPipeline(
		ingest.DefaultConfig(cfg.Network.ContainerName, cfg.Network.ArchivesPath),
		ingest.NewDockerExec(time.Duration(cfg.Network.ExecTimeoutSec)*time.Second),
		store,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("ingest pipeline starting", "container", cfg.Network.ContainerName, "path", cfg.Network.ArchivesPath)
	if err := pipeline.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("ingest pipeline exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("ingest pipeline shut down cleanly")
}
