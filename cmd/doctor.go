package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/sentrywatch/internal/archive"
	"github.com/nextlevelbuilder/sentrywatch/internal/config"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and collaborator health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

// runDoctor prints a human-readable report of config/database/model
// health, used both interactively and as a startup-probe check (exit 1
// on any failed check).
func runDoctor() {
	fmt.Println("sentrywatch doctor")
	fmt.Printf("  Version: %s\n", Version)
	fmt.Printf("  OS:      %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:      %s\n", runtime.Version())
	fmt.Println()

	healthy := true

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:  %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (not found — defaults + env overrides will be used)")
	} else {
		fmt.Println(" (found)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %v\n", err)
		os.Exit(1)
	}

	archivePath := config.ExpandHome(cfg.Database.ArchivePath)
	fmt.Printf("  Archive: %s", archivePath)
	store, err := archive.Open(archivePath)
	if err != nil {
		fmt.Printf(" (FAILED: %v)\n", err)
		healthy = false
	} else {
		wm, wmErr := store.Watermark(context.Background())
		if wmErr != nil {
			fmt.Printf(" (opened, watermark read FAILED: %v)\n", wmErr)
			healthy = false
		} else {
			fmt.Printf(" (OK, watermark=%q, total=%d)\n", wm.LastTimestamp, wm.TotalAppended)
		}
		store.Close()
	}

	fmt.Printf("  Session backend: %s\n", orDefault(cfg.Database.SessionBackend, "sqlite"))
	if cfg.Database.SessionBackend == "postgres" && cfg.Database.PostgresDSN == "" {
		fmt.Println("    FAILED: postgres backend selected but SENTRYWATCH_POSTGRES_DSN is unset")
		healthy = false
	}

	fmt.Printf("  Model endpoint: %s", cfg.Model.BaseURL)
	if cfg.Model.BaseURL == "" {
		fmt.Println(" (NOT CONFIGURED)")
		healthy = false
	} else if probeErr := probeModelEndpoint(cfg.Model.BaseURL); probeErr != nil {
		fmt.Printf(" (unreachable: %v — dispatch loop will fail until this is reachable)\n", probeErr)
		healthy = false
	} else {
		fmt.Println(" (reachable)")
	}

	fmt.Printf("  Telegram bot: %s\n", boolLabel(cfg.Telegram.Enabled))
	fmt.Printf("  Scheduled reports: %s\n", boolLabel(cfg.Reports.Enabled))

	fmt.Println()
	if !healthy {
		fmt.Println("doctor: one or more checks FAILED")
		os.Exit(1)
	}
	fmt.Println("doctor: all checks passed")
}

// probeModelEndpoint issues a best-effort GET against the base URL's
// /models path. A non-2xx/3xx response still counts as reachable — many
// OpenAI-compatible servers 404 unknown paths but are otherwise healthy.
func probeModelEndpoint(baseURL string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/models", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func boolLabel(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}
