package sessionstore

import (
	"context"
	"fmt"
)

// Open selects and opens the configured backend — "sqlite" (default) or
// "postgres" — per database.session_backend.
func Open(ctx context.Context, backend, sqlitePath, postgresDSN string) (Store, error) {
	switch backend {
	case "", "sqlite":
		return OpenSQLite(sqlitePath)
	case "postgres":
		if postgresDSN == "" {
			return nil, fmt.Errorf("session store: postgres backend selected but no DSN configured (set SENTRYWATCH_POSTGRES_DSN)")
		}
		return OpenPostgres(ctx, postgresDSN)
	default:
		return nil, fmt.Errorf("session store: unknown backend %q", backend)
	}
}
