package session

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"groupcast/internal/broadcast"
	"groupcast/internal/directory"
	"groupcast/internal/persist"
	"groupcast/internal/transport"
	logx "groupcast/pkg/logx"
)

var ErrUnknownTenant = errors.New("unknown tenant")

type Config struct {
	SelectionTimeout time.Duration // category prompt inactivity, 0 = 60s
	ImageDir         string        // temp storage for captured images, "" = os temp
	// OverrideMembership lets sends proceed to destinations the
	// membership preflight could not verify.
	OverrideMembership bool
}

// Manager owns the tenant registry and drives each tenant's dialog. It
// is the single entry point for inbound events and the administrative
// surface (scan, clean, broadcast).
type Manager struct {
	cfg    Config
	tr     transport.Transport
	caster *broadcast.Service
	cat    *directory.Categorizer // shared across tenants, swapped on config reload
	log    logx.Logger

	store  persist.Store // durable mirror, may be nil
	snap   persist.Store // local snapshot, may be nil
	writer *persist.Writer

	mu      sync.Mutex
	tenants map[string]*Tenant
}

func NewManager(cfg Config, tr transport.Transport, caster *broadcast.Service, cat *directory.Categorizer, store, snap persist.Store, log logx.Logger) *Manager {
	if cfg.SelectionTimeout <= 0 {
		cfg.SelectionTimeout = time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{
		cfg:     cfg,
		tr:      tr,
		caster:  caster,
		cat:     cat,
		store:   store,
		snap:    snap,
		log:     log,
		tenants: map[string]*Tenant{},
	}
	m.writer = persist.NewWriter(1500*time.Millisecond, m.flush)
	return m
}

// SetCategorizer swaps the shared keyword table. Future scans use the
// new rules; existing category assignments are untouched.
func (m *Manager) SetCategorizer(cat *directory.Categorizer) {
	if cat == nil {
		return
	}
	m.mu.Lock()
	m.cat = cat
	m.mu.Unlock()
}

func (m *Manager) categorizer() *directory.Categorizer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cat
}

// Tenant returns the tenant context for id, creating and hydrating it
// on first use.
func (m *Manager) Tenant(ctx context.Context, id string) *Tenant {
	m.mu.Lock()
	t, ok := m.tenants[id]
	if !ok {
		t = newTenant(id)
		m.tenants[id] = t
	}
	m.mu.Unlock()
	if !ok {
		m.hydrate(ctx, t)
	}
	return t
}

// Remove destroys a tenant context (logout/reset). A running broadcast
// is cancelled cooperatively.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	t := m.tenants[id]
	delete(m.tenants, id)
	m.mu.Unlock()
	if t == nil {
		return
	}
	t.Broadcast.RequestCancel()
	t.mu.Lock()
	t.resetLocked()
	t.mu.Unlock()
}

// hydrate loads the persisted documents into a fresh tenant. Failures
// are logged and leave the tenant empty; persistence never blocks
// runtime progress.
func (m *Manager) hydrate(ctx context.Context, t *Tenant) {
	st := m.store
	if st == nil {
		st = m.snap
	}
	if st == nil {
		return
	}
	if cats, err := st.LoadCategories(ctx, t.ID); err != nil {
		m.log.Warn("category hydrate failed", logx.String("tenant", t.ID), logx.Err(err))
	} else if len(cats) > 0 {
		t.Categories.Import(cats)
	}
	if dir, err := st.LoadDirectory(ctx, t.ID); err != nil {
		m.log.Warn("directory hydrate failed", logx.String("tenant", t.ID), logx.Err(err))
	} else if len(dir) > 0 {
		t.Directory.Import(dir)
	}
}

// markDirty schedules a debounced flush of the tenant's documents.
func (m *Manager) markDirty(t *Tenant) {
	m.writer.Mark(t.ID)
}

// flush writes both documents to the durable store and the snapshot.
func (m *Manager) flush(tenantID string) {
	m.mu.Lock()
	t := m.tenants[tenantID]
	m.mu.Unlock()
	if t == nil {
		return
	}
	cats := t.Categories.Export()
	dir := t.Directory.Export()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, st := range []persist.Store{m.store, m.snap} {
		if st == nil {
			continue
		}
		if err := st.SaveCategories(ctx, tenantID, cats); err != nil {
			m.log.Warn("category mirror write failed", logx.String("tenant", tenantID), logx.Err(err))
		}
		if err := st.SaveDirectory(ctx, tenantID, dir); err != nil {
			m.log.Warn("directory mirror write failed", logx.String("tenant", tenantID), logx.Err(err))
		}
	}
}

// Close flushes pending mirror writes.
func (m *Manager) Close() {
	m.writer.Close()
}

// Scan refreshes a tenant's directory from the transport and
// auto-categorizes new groups.
func (m *Manager) Scan(ctx context.Context, tenantID string) (int, error) {
	t := m.Tenant(ctx, tenantID)
	n, err := directory.Scan(ctx, m.tr, t.Directory, m.categorizer(), t.Categories)
	if err != nil {
		return 0, err
	}
	m.markDirty(t)
	return n, nil
}

// Clean re-resolves a tenant's category entries against the directory.
func (m *Manager) Clean(ctx context.Context, tenantID string) (directory.CleanReport, error) {
	m.mu.Lock()
	t := m.tenants[tenantID]
	m.mu.Unlock()
	if t == nil {
		return directory.CleanReport{}, ErrUnknownTenant
	}
	rep := directory.Clean(t.Categories, t.Directory)
	if rep.Fixed > 0 || rep.Dropped > 0 {
		m.markDirty(t)
	}
	return rep, nil
}

// Assign adds mixed entries (ids, names, {id} objects) to a category.
func (m *Manager) Assign(ctx context.Context, tenantID, category string, entries []any) int {
	t := m.Tenant(ctx, tenantID)
	ids := directory.Normalize(entries, t.Directory)
	for _, id := range ids {
		t.Categories.Add(category, id)
	}
	if len(ids) > 0 {
		m.markDirty(t)
	}
	return len(ids)
}

// Unassign removes mixed entries from a category.
func (m *Manager) Unassign(ctx context.Context, tenantID, category string, entries []any) int {
	t := m.Tenant(ctx, tenantID)
	ids := directory.Normalize(entries, t.Directory)
	for _, id := range ids {
		t.Categories.Remove(category, id)
	}
	if len(ids) > 0 {
		m.markDirty(t)
	}
	return len(ids)
}

// Broadcast runs a fan-out over an explicit destination list on behalf
// of the administrative API.
func (m *Manager) Broadcast(ctx context.Context, tenantID string, dests []string, p transport.Payload) (broadcast.Report, error) {
	t := m.Tenant(ctx, tenantID)
	return m.runBroadcast(ctx, t, dests, p)
}

func (m *Manager) runBroadcast(ctx context.Context, t *Tenant, dests []string, p transport.Payload) (broadcast.Report, error) {
	req := broadcast.Request{
		Owner:              t.Owner(),
		Destinations:       dests,
		Payload:            p,
		CachedMembers:      t.Directory.IDs(),
		OverrideMembership: m.cfg.OverrideMembership,
		NameOf:             t.Directory.Name,
		Notify: func(ctx context.Context, text string) {
			m.notifyOwner(ctx, t, text)
		},
	}
	return m.caster.Run(ctx, t.Broadcast, req)
}

// notifyOwner sends a system reply to the controlling conversation and
// records its receipt so the echoed copy is not reprocessed.
func (m *Manager) notifyOwner(ctx context.Context, t *Tenant, text string) {
	owner := t.Owner()
	if owner == "" {
		return
	}
	rec, err := m.tr.Send(ctx, owner, transport.TextPayload(text))
	if err != nil {
		m.log.Warn("owner notification failed", logx.String("tenant", t.ID), logx.Err(err))
		return
	}
	t.mu.Lock()
	t.echo.Add(rec.MessageID)
	t.mu.Unlock()
}

// storeImage persists captured image bytes to temporary storage and
// returns the file path.
func (m *Manager) storeImage(data []byte) (string, error) {
	dir := m.cfg.ImageDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(dir, "payload-*.img")
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}
