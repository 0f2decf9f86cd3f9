// Package directory maintains the id→name map of destination groups and
// the keyword-driven category assignment over it.
package directory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"groupcast/internal/transport"
)

// Entry is one known destination group.
type Entry struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Directory maps destination id to display name. It is owned by a single
// tenant; the tenant's event sequence is the only writer.
type Directory struct {
	mu   sync.RWMutex
	byID map[string]Entry
}

func New() *Directory {
	return &Directory{byID: map[string]Entry{}}
}

func (d *Directory) Put(e Entry) {
	if strings.TrimSpace(e.ID) == "" {
		return
	}
	d.mu.Lock()
	d.byID[e.ID] = e
	d.mu.Unlock()
}

func (d *Directory) Get(id string) (Entry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.byID[id]
	return e, ok
}

func (d *Directory) Has(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.byID[id]
	return ok
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byID)
}

// Name returns the display name for id, falling back to the id itself.
func (d *Directory) Name(id string) string {
	if e, ok := d.Get(id); ok && e.Name != "" {
		return e.Name
	}
	return id
}

// Snapshot returns all entries sorted by name for stable display.
func (d *Directory) Snapshot() []Entry {
	d.mu.RLock()
	out := make([]Entry, 0, len(d.byID))
	for _, e := range d.byID {
		out = append(out, e)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// IDs returns all known destination ids.
func (d *Directory) IDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.byID))
	for id := range d.byID {
		out = append(out, id)
	}
	return out
}

// Export returns the id→name map for persistence.
func (d *Directory) Export() map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]string, len(d.byID))
	for id, e := range d.byID {
		out[id] = e.Name
	}
	return out
}

// Import replaces the directory content from a persisted id→name map.
func (d *Directory) Import(m map[string]string) {
	d.mu.Lock()
	d.byID = make(map[string]Entry, len(m))
	for id, name := range m {
		if strings.TrimSpace(id) == "" {
			continue
		}
		d.byID[id] = Entry{ID: id, Name: name}
	}
	d.mu.Unlock()
}

// ResolveName maps a display name to an id: exact match first, then a
// case/diacritic-folded match. Returns false when nothing matches.
func (d *Directory) ResolveName(name string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for id, e := range d.byID {
		if e.Name == name {
			return id, true
		}
	}
	want := Fold(name)
	if want == "" {
		return "", false
	}
	for id, e := range d.byID {
		if Fold(e.Name) == want {
			return id, true
		}
	}
	return "", false
}

var foldTransformer = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Fold lower-cases and strips diacritics for fuzzy name comparison.
func Fold(s string) string {
	out, _, err := transform.String(foldTransformer, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(strings.TrimSpace(out))
}

// Scan refreshes the directory from the transport's current group
// memberships and auto-categorizes groups not yet present in any
// category. It returns how many new groups were classified.
func Scan(ctx context.Context, tr transport.Transport, d *Directory, c *Categorizer, cats *Categories) (int, error) {
	groups, err := tr.FetchMembership(ctx)
	if err != nil {
		return 0, err
	}
	classified := 0
	for _, g := range groups {
		d.Put(Entry{ID: g.ID, Name: g.Name})
		if cats.ContainsID(g.ID) {
			continue
		}
		cats.Add(c.Categorize(g.Name), g.ID)
		classified++
	}
	return classified, nil
}
