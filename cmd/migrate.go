package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/sentrywatch/internal/config"
	"github.com/nextlevelbuilder/sentrywatch/internal/sessionstore"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending session-store schema migrations (Postgres backend only)",
		Run: func(cmd *cobra.Command, args []string) {
			runMigrate()
		},
	}
}

// runMigrate applies golang-migrate's postgres migrations up front. The
// Postgres backend already applies them lazily on OpenPostgres, so this
// command exists for operators who want the migration step to run and
// fail independently of process startup.
func runMigrate() {
	setupLogging()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Database.SessionBackend != "postgres" {
		fmt.Println("session store backend is not postgres; nothing to migrate (sqlite schema is applied inline on open)")
		return
	}
	if cfg.Database.PostgresDSN == "" {
		fmt.Fprintln(os.Stderr, "database.session_backend is postgres but SENTRYWATCH_POSTGRES_DSN is not set")
		os.Exit(1)
	}

	store, err := sessionstore.OpenPostgres(context.Background(), cfg.Database.PostgresDSN)
	if err != nil {
		fmt.Fprintf(os.Stderr, "apply migrations: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	fmt.Println("session-store migrations applied")
}
