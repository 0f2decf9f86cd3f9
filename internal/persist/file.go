package persist

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "groupcast/pkg/logx"
)

// fileStore keeps one JSON document per tenant and kind:
//
//	<dir>/<tenant>.categories.json
//	<dir>/<tenant>.directory.json
//
// Every save writes to a temp file in the same directory and renames it
// over the target, so readers never observe a partial document.
type fileStore struct {
	log logx.Logger
	dir string

	mu sync.Mutex
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("persist.path is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &fileStore{log: log, dir: dir}, nil
}

func (s *fileStore) Close() error { return nil }

func (s *fileStore) SaveCategories(ctx context.Context, tenant string, cats map[string][]string) error {
	return s.save(tenant, "categories", cats)
}

func (s *fileStore) LoadCategories(ctx context.Context, tenant string) (map[string][]string, error) {
	out := map[string][]string{}
	if err := s.load(tenant, "categories", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *fileStore) SaveDirectory(ctx context.Context, tenant string, dir map[string]string) error {
	return s.save(tenant, "directory", dir)
}

func (s *fileStore) LoadDirectory(ctx context.Context, tenant string) (map[string]string, error) {
	out := map[string]string{}
	if err := s.load(tenant, "directory", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *fileStore) save(tenant, kind string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	target := s.path(tenant, kind)
	tmp, err := os.CreateTemp(s.dir, "."+kind+"-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

func (s *fileStore) load(tenant, kind string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path(tenant, kind))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil // empty document
		}
		return err
	}
	return json.Unmarshal(b, v)
}

func (s *fileStore) path(tenant, kind string) string {
	return filepath.Join(s.dir, sanitize(tenant)+"."+kind+".json")
}

// sanitize keeps tenant ids filesystem-safe.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '.', r == '@':
			return r
		default:
			return '_'
		}
	}, s)
}
