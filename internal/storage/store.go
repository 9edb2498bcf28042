package storage

import (
	"context"
	"errors"
	"strings"

	logx "secposter/pkg/logx"
)

// Store is the persistence API used by the detector, the delivery recorder
// and the auditor. Implementations are safe for concurrent use.
type Store interface {
	IsDelivered(ctx context.Context, key string) (bool, error)
	// MarkDelivered is an idempotent upsert.
	MarkDelivered(ctx context.Context, key string) error
	Lookup(ctx context.Context, key string) (Record, bool, error)
	ListDelivered(ctx context.Context) (map[string]struct{}, error)
	// Forget removes a delivery record. Manual intervention only.
	Forget(ctx context.Context, key string) (bool, error)

	GetRevision(ctx context.Context, source string) (token string, ok bool, err error)
	SetRevision(ctx context.Context, source, token string) error

	Close() error
}

// Open initializes the configured store. An empty driver means sqlite.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "file":
		return openFile(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
