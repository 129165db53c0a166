package association

import (
	"fmt"
	"strings"
)

// Registry couples an association table with the ordered list of canonical
// regions a caller wants. The position of a region in that list defines its
// mask label: the first wanted region is label 1.
//
// A Registry is read-only after New and may be shared between goroutines.
type Registry struct {
	table  *Table
	wanted []string
	labels map[string]int
}

// New builds a registry. Wanted names always resolve to themselves,
// case-insensitively, in addition to whatever table maps to them.
func New(wanted []string, table *Table) (*Registry, error) {
	if len(wanted) == 0 {
		return nil, ErrNoWantedRegions
	}
	merged := &Table{names: make(map[string]string)}
	if table != nil {
		for k, v := range table.names {
			merged.names[k] = v
		}
	}

	r := &Registry{table: merged, labels: make(map[string]int, len(wanted))}
	for _, name := range wanted {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("empty wanted region name")
		}
		key := normalize(name)
		if _, dup := r.labels[key]; dup {
			return nil, fmt.Errorf("wanted region %q listed twice", name)
		}
		if prev, ok := merged.names[key]; ok && normalize(prev) != key {
			return nil, fmt.Errorf("wanted region %q is itself a synonym of %q", name, prev)
		}
		merged.names[key] = name
		r.wanted = append(r.wanted, name)
		r.labels[key] = len(r.wanted)
	}
	return r, nil
}

// Resolve returns the canonical name for a raw region name.
func (r *Registry) Resolve(raw string) string {
	return r.table.Resolve(raw)
}

// WantedRegions returns the wanted canonical names in label order.
func (r *Registry) WantedRegions() []string {
	out := make([]string, len(r.wanted))
	copy(out, r.wanted)
	return out
}

// IsWanted reports whether canonical is one of the wanted regions.
func (r *Registry) IsWanted(canonical string) bool {
	_, ok := r.labels[normalize(canonical)]
	return ok
}

// Label returns the mask label of a canonical name, or 0 when it is not wanted.
func (r *Registry) Label(canonical string) int {
	return r.labels[normalize(canonical)]
}

// Lookup resolves raw and reports the canonical name and its label. ok is
// false when the raw name does not resolve to a wanted region.
func (r *Registry) Lookup(raw string) (canonical string, label int, ok bool) {
	canonical = r.Resolve(raw)
	label = r.Label(canonical)
	if label == 0 {
		return canonical, 0, false
	}
	return r.wanted[label-1], label, true
}
