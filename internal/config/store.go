package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ChuLiYu/queuectl/internal/storage"
	"github.com/ChuLiYu/queuectl/internal/storage/fsstore"
	"github.com/ChuLiYu/queuectl/internal/storage/mongostore"
	"github.com/ChuLiYu/queuectl/internal/storage/sqlstore"
	"github.com/ChuLiYu/queuectl/pkg/types"
)

// OpenStore opens the configured backend.
func (c *Config) OpenStore(ctx context.Context, clock types.Clock, logger *slog.Logger) (storage.Store, error) {
	switch c.Store.Backend {
	case BackendFile, "":
		opts := []fsstore.Option{fsstore.WithClaimGrace(c.ClaimGrace())}
		if clock != nil {
			opts = append(opts, fsstore.WithClock(clock))
		}
		if logger != nil {
			opts = append(opts, fsstore.WithLogger(logger))
		}
		return fsstore.Open(c.QueueRoot, opts...)
	case BackendMongo:
		return mongostore.Connect(ctx, c.Store.MongoURI, c.Store.MongoDB)
	case BackendSQLite:
		dsn := c.Store.SQLDSN
		if dsn == "" {
			if err := os.MkdirAll(c.QueueRoot, 0o755); err != nil {
				return nil, fmt.Errorf("create queue root: %w", err)
			}
			dsn = filepath.Join(c.QueueRoot, "queuectl.db") + "?_busy_timeout=5000"
		}
		return sqlstore.Open(sqlstore.DialectSQLite, dsn)
	case BackendPostgres:
		return sqlstore.Open(sqlstore.DialectPostgres, c.Store.SQLDSN)
	}
	return nil, fmt.Errorf("%w: unknown store backend %q", ErrInvalidConfig, c.Store.Backend)
}
