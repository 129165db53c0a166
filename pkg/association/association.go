// Package association maps raw region names, as authored in structure sets,
// to the canonical names a caller asked for.
//
// Resolution is a single-hop, case-insensitive dictionary lookup. Names that
// are not in the table resolve to themselves. Several raw names may resolve to
// the same canonical name, in which case their contours are merged.
package association

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrNoWantedRegions is returned when a registry is built without any wanted
// region. It is a configuration error rather than a per-pair failure.
var ErrNoWantedRegions = errors.New("no wanted regions configured")

// Entry is one canonical name and the raw names that resolve to it.
type Entry struct {
	Canonical string   `yaml:"canonical"`
	Synonyms  []string `yaml:"synonyms"`
}

// Table is a many-to-one mapping from lower-cased raw names to canonical
// names. The zero value is an empty table ready for use.
type Table struct {
	names map[string]string
}

// NewTable returns a table populated with entries.
func NewTable(entries ...Entry) (*Table, error) {
	t := &Table{}
	for _, e := range entries {
		if err := t.Add(e.Canonical, e.Synonyms...); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Add maps each synonym, and canonical itself, to canonical. Mapping one raw
// name to two different canonical names is an error.
func (t *Table) Add(canonical string, synonyms ...string) error {
	canonical = strings.TrimSpace(canonical)
	if canonical == "" {
		return fmt.Errorf("empty canonical name")
	}
	if t.names == nil {
		t.names = make(map[string]string)
	}
	for _, raw := range append([]string{canonical}, synonyms...) {
		key := normalize(raw)
		if key == "" {
			continue
		}
		if prev, ok := t.names[key]; ok && prev != canonical {
			return fmt.Errorf("raw name %q already resolves to %q, cannot map it to %q", raw, prev, canonical)
		}
		t.names[key] = canonical
	}
	return nil
}

// Resolve returns the canonical name for raw, or raw unchanged when the table
// has no entry for it.
func (t *Table) Resolve(raw string) string {
	if t != nil {
		if c, ok := t.names[normalize(raw)]; ok {
			return c
		}
	}
	return raw
}

// Merge adds every mapping of other to t. A raw name mapped to different
// canonical names by the two tables is an error.
func (t *Table) Merge(other *Table) error {
	if other == nil {
		return nil
	}
	keys := make([]string, 0, len(other.names))
	for k := range other.names {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := t.Add(other.names[k], k); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of raw names in the table.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.names)
}

// ParseTable decodes a YAML list of entries:
//
//	- canonical: Tumor
//	  synonyms: [gtv, tumour]
func ParseTable(data []byte) (*Table, error) {
	var entries []Entry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("error parsing association table: %w", err)
	}
	return NewTable(entries...)
}

// LoadTable reads a YAML association table from path.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading association table: %w", err)
	}
	return ParseTable(data)
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
