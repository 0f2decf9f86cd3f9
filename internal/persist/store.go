package persist

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "groupcast/pkg/logx"
)

var ErrDisabled = errors.New("persistence disabled")

// Config configures the durable mirror.
//
// Driver values:
//   - "file": per-tenant JSON documents, atomic replace
//   - "sqlite": single SQLite database file
//
// If Driver is empty or "none", persistence is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API the mirror writes through. Both documents
// are replaced wholesale on every save; there are no partial updates.
type Store interface {
	SaveCategories(ctx context.Context, tenant string, cats map[string][]string) error
	LoadCategories(ctx context.Context, tenant string) (map[string][]string, error)
	SaveDirectory(ctx context.Context, tenant string, dir map[string]string) error
	LoadDirectory(ctx context.Context, tenant string) (map[string]string, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if persistence is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown persistence driver: " + driver)
	}
}
