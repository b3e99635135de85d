package fault

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed taxonomy.yaml
var defaultTaxonomyYAML []byte

// Entry describes how to repair one fault type.
type Entry struct {
	Description string   `yaml:"description"`
	Procedures  []string `yaml:"procedures"`
	Tools       []string `yaml:"tools"`
	Parts       []string `yaml:"parts"`
	// MinPriority raises the severity-derived priority to at least this level.
	MinPriority Priority `yaml:"min_priority"`
}

// Taxonomy maps fault types to repair knowledge. Keys are lower case.
type Taxonomy struct {
	Version string           `yaml:"version"`
	Faults  map[string]Entry `yaml:"faults"`
}

// Lookup finds the entry for a fault type, ignoring case.
func (t *Taxonomy) Lookup(faultType string) (Entry, bool) {
	if t == nil {
		return Entry{}, false
	}
	e, ok := t.Faults[strings.ToLower(strings.TrimSpace(faultType))]
	return e, ok
}

// Types returns the known fault types, sorted.
func (t *Taxonomy) Types() []string {
	if t == nil {
		return nil
	}
	types := make([]string, 0, len(t.Faults))
	for k := range t.Faults {
		types = append(types, k)
	}
	sort.Strings(types)
	return types
}

// Validate checks that every entry is usable.
func (t *Taxonomy) Validate() error {
	if len(t.Faults) == 0 {
		return errors.New("taxonomy has no fault types")
	}

	var errs []error
	for _, key := range t.Types() {
		e := t.Faults[key]
		if strings.TrimSpace(key) == "" {
			errs = append(errs, errors.New("blank fault type key"))
			continue
		}
		if len(e.Procedures) == 0 {
			errs = append(errs, fmt.Errorf("%s: at least one procedure is required", key))
		}
		for i, p := range e.Procedures {
			if strings.TrimSpace(p) == "" {
				errs = append(errs, fmt.Errorf("%s: procedure %d is blank", key, i))
			}
		}
		if e.MinPriority != "" && !e.MinPriority.Valid() {
			errs = append(errs, fmt.Errorf("%s: unknown min_priority %q", key, e.MinPriority))
		}
	}
	return errors.Join(errs...)
}

// ParseTaxonomy decodes and validates a YAML taxonomy.
func ParseTaxonomy(data []byte) (*Taxonomy, error) {
	var raw Taxonomy
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse taxonomy: %w", err)
	}

	t := &Taxonomy{Version: raw.Version, Faults: make(map[string]Entry, len(raw.Faults))}
	for key, e := range raw.Faults {
		norm := strings.ToLower(strings.TrimSpace(key))
		if _, dup := t.Faults[norm]; dup {
			return nil, fmt.Errorf("parse taxonomy: duplicate fault type %q", norm)
		}
		e.MinPriority = Priority(strings.ToLower(string(e.MinPriority)))
		t.Faults[norm] = e
	}

	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("invalid taxonomy: %w", err)
	}
	return t, nil
}

// LoadTaxonomyFile reads a taxonomy from path.
func LoadTaxonomyFile(path string) (*Taxonomy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read taxonomy: %w", err)
	}
	return ParseTaxonomy(data)
}

// DefaultTaxonomy returns the built-in tire plant taxonomy.
func DefaultTaxonomy() *Taxonomy {
	t, err := ParseTaxonomy(defaultTaxonomyYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded taxonomy: %v", err))
	}
	return t
}
