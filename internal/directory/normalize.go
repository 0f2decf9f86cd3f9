package directory

import "strings"

// Normalize converts a list of mixed entries into a de-duplicated set of
// valid destination ids. Each entry may be a raw id, a display name, or
// an object carrying an "id" field (as administrative JSON delivers it).
// Names resolve exact-match first, then case/diacritic-folded.
// Unresolvable entries are silently dropped.
func Normalize(entries []any, d *Directory) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(entries))

	add := func(id string) {
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}

	for _, raw := range entries {
		var s string
		switch v := raw.(type) {
		case string:
			s = v
		case Entry:
			s = v.ID
		case map[string]any:
			if id, ok := v["id"].(string); ok {
				s = id
			}
		}
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if d.Has(s) {
			add(s)
			continue
		}
		if id, ok := d.ResolveName(s); ok {
			add(id)
		}
	}
	return out
}

// CleanReport summarizes one Clean pass for operator visibility.
type CleanReport struct {
	Kept    int
	Fixed   int
	Dropped int
}

// Clean re-resolves every category entry against the live directory.
// Valid ids are kept, resolvable names are rewritten to their id, and
// everything else is dropped.
func Clean(cats *Categories, d *Directory) CleanReport {
	var rep CleanReport

	exported := cats.Export()
	for name, ids := range exported {
		for _, entry := range ids {
			switch {
			case d.Has(entry):
				rep.Kept++
			default:
				cats.Remove(name, entry)
				if id, ok := d.ResolveName(entry); ok {
					cats.Add(name, id)
					rep.Fixed++
				} else {
					rep.Dropped++
				}
			}
		}
	}
	return rep
}
