package directory

import "strings"

// Uncategorized is the fallback bucket for group names no rule matches.
const Uncategorized = "uncategorized"

// Rule binds one category to its keyword set. Rules are evaluated in
// declaration order and the first match wins; when several categories'
// keywords would match a name the earlier rule takes it. That tie-break
// is deliberate product policy, not best-match scoring.
type Rule struct {
	Category string   `yaml:"category"`
	Keywords []string `yaml:"keywords"`
}

// Categorizer classifies group names against an ordered keyword table.
// The table is shared read-only across tenants.
type Categorizer struct {
	rules []Rule
}

func NewCategorizer(rules []Rule) *Categorizer {
	cp := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if strings.TrimSpace(r.Category) == "" || len(r.Keywords) == 0 {
			continue
		}
		kws := make([]string, 0, len(r.Keywords))
		for _, k := range r.Keywords {
			k = strings.ToLower(strings.TrimSpace(k))
			if k != "" {
				kws = append(kws, k)
			}
		}
		if len(kws) > 0 {
			cp = append(cp, Rule{Category: r.Category, Keywords: kws})
		}
	}
	return &Categorizer{rules: cp}
}

// Categorize returns the first category whose keyword set has a
// substring match against the lower-cased name, or Uncategorized.
// Pure: same name and table always yield the same answer.
func (c *Categorizer) Categorize(name string) string {
	lower := strings.ToLower(name)
	for _, r := range c.rules {
		for _, kw := range r.Keywords {
			if strings.Contains(lower, kw) {
				return r.Category
			}
		}
	}
	return Uncategorized
}

// Categories lists the table's category names in declaration order.
func (c *Categorizer) Categories() []string {
	out := make([]string, 0, len(c.rules))
	for _, r := range c.rules {
		out = append(out, r.Category)
	}
	return out
}
