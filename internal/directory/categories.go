package directory

import (
	"sort"
	"strings"
	"sync"
)

// Categories holds the per-tenant categoryName → destination-id sets.
// Ids are unique within a category; order is irrelevant.
type Categories struct {
	mu   sync.RWMutex
	sets map[string]map[string]struct{}
}

func NewCategories() *Categories {
	return &Categories{sets: map[string]map[string]struct{}{}}
}

func (c *Categories) Add(category, id string) {
	category = strings.TrimSpace(category)
	id = strings.TrimSpace(id)
	if category == "" || id == "" {
		return
	}
	c.mu.Lock()
	set := c.sets[category]
	if set == nil {
		set = map[string]struct{}{}
		c.sets[category] = set
	}
	set[id] = struct{}{}
	c.mu.Unlock()
}

func (c *Categories) Remove(category, id string) {
	c.mu.Lock()
	if set := c.sets[category]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(c.sets, category)
		}
	}
	c.mu.Unlock()
}

// ContainsID reports whether id appears in any category.
func (c *Categories) ContainsID(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, set := range c.sets {
		if _, ok := set[id]; ok {
			return true
		}
	}
	return false
}

// IDs returns the members of one category.
func (c *Categories) IDs(category string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	set := c.sets[category]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// AllIDs returns the union of every category, de-duplicated.
func (c *Categories) AllIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen := map[string]struct{}{}
	var out []string
	for _, set := range c.sets {
		for id := range set {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// Names returns category names sorted for stable prompts.
func (c *Categories) Names() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.sets))
	for name := range c.sets {
		out = append(out, name)
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (c *Categories) Len(category string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sets[category])
}

// Export returns category → sorted id list for persistence.
func (c *Categories) Export() map[string][]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string][]string, len(c.sets))
	for name, set := range c.sets {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out[name] = ids
	}
	return out
}

// Import replaces all category content from a persisted map.
func (c *Categories) Import(m map[string][]string) {
	c.mu.Lock()
	c.sets = make(map[string]map[string]struct{}, len(m))
	for name, ids := range m {
		if strings.TrimSpace(name) == "" {
			continue
		}
		set := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			if strings.TrimSpace(id) != "" {
				set[id] = struct{}{}
			}
		}
		if len(set) > 0 {
			c.sets[name] = set
		}
	}
	c.mu.Unlock()
}
