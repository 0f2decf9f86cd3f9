package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "groupcast/pkg/logx"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tenant_docs (
	tenant     TEXT NOT NULL,
	kind       TEXT NOT NULL,
	body       TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (tenant, kind)
);
`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) SaveCategories(ctx context.Context, tenant string, cats map[string][]string) error {
	return s.save(ctx, tenant, "categories", cats)
}

func (s *sqliteStore) LoadCategories(ctx context.Context, tenant string) (map[string][]string, error) {
	out := map[string][]string{}
	if err := s.load(ctx, tenant, "categories", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *sqliteStore) SaveDirectory(ctx context.Context, tenant string, dir map[string]string) error {
	return s.save(ctx, tenant, "directory", dir)
}

func (s *sqliteStore) LoadDirectory(ctx context.Context, tenant string) (map[string]string, error) {
	out := map[string]string{}
	if err := s.load(ctx, tenant, "directory", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *sqliteStore) save(ctx context.Context, tenant, kind string, v any) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tenant_docs (tenant, kind, body, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (tenant, kind) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		tenant, kind, string(b), time.Now().UnixMilli())
	return err
}

func (s *sqliteStore) load(ctx context.Context, tenant, kind string, v any) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM tenant_docs WHERE tenant = ? AND kind = ?`, tenant, kind).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil // empty document
	}
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(body), v)
}
