package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tathienbao/scalp-bot/internal/types"
)

// Backend identifies a storage engine.
type Backend string

const (
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
)

// sqliteSchemes are URL prefixes that select SQLite. The remainder after the
// prefix is "/path", so "sqlite:///./data/trades.db" is relative and
// "sqlite:////var/data/trades.db" is absolute.
var sqliteSchemes = []string{"sqlite+aiosqlite://", "sqlite://"}

// ParseURL resolves a connection string into a backend and its DSN.
func ParseURL(url string) (Backend, string, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return "", "", fmt.Errorf("%w: database url is empty", types.ErrInvalidConfig)
	}

	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		return BackendPostgres, url, nil
	}

	for _, scheme := range sqliteSchemes {
		if rest, ok := strings.CutPrefix(url, scheme); ok {
			path := strings.TrimPrefix(rest, "/")
			if path == "" {
				return "", "", fmt.Errorf("%w: database url %q has no path", types.ErrInvalidConfig, url)
			}
			return BackendSQLite, path, nil
		}
	}

	if strings.Contains(url, "://") {
		return "", "", fmt.Errorf("%w: unsupported database url %q", types.ErrInvalidConfig, url)
	}

	// file: URIs and bare paths go straight to the SQLite driver.
	return BackendSQLite, url, nil
}

// Open connects to the store named by url and runs migrations.
func Open(ctx context.Context, url string, logger *slog.Logger) (Store, error) {
	backend, dsn, err := ParseURL(url)
	if err != nil {
		return nil, err
	}

	switch backend {
	case BackendPostgres:
		return NewPostgresStore(ctx, dsn, logger)
	default:
		return NewSQLiteStore(ctx, dsn, logger)
	}
}
