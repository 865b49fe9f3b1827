// Package schema describes submission forms: which columns a form carries,
// how each column is normalized, and which entity attribute it feeds.
//
// Forms are declarative data, not code. Built-in forms cover the hospice's
// Kobo exports (clinical intake and supply events); deployments can add or
// override forms from a YAML file without rebuilding.
package schema

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/tororo-hospice/datawash/internal/entity"
	"github.com/tororo-hospice/datawash/internal/normalize"
)

// Form kinds.
const (
	KindClinicalIntake = "clinical_intake"
	KindSupplyEvent    = "supply_event"
)

// Target names the entity attribute a column feeds. Either Attr (a scalar
// field) or Map/MapKey (an entry in one of the open attribute maps) is set.
type Target struct {
	Entity entity.Type `yaml:"entity"`
	Attr   string      `yaml:"attr,omitempty"`
	Map    string      `yaml:"map,omitempty"`
	MapKey string      `yaml:"map_key,omitempty"`
}

// ObservationSpec marks a column as producing observation data. Columns
// sharing a Group are combined into a single observation fragment (one
// vital-signs panel per row); ungrouped columns each yield their own
// fragment.
type ObservationSpec struct {
	Group    string `yaml:"group,omitempty"`
	Type     string `yaml:"type"`
	Category string `yaml:"category,omitempty"`
	Name     string `yaml:"name,omitempty"`
	ValueKey string `yaml:"value_key,omitempty"`
}

// Binding ties one source column (or column prefix) to a normalization rule
// and a target. A column may appear in several bindings when it feeds more
// than one entity.
type Binding struct {
	Column       string           `yaml:"column,omitempty"`
	ColumnPrefix string           `yaml:"column_prefix,omitempty"`
	Rule         normalize.Rule   `yaml:"rule"`
	Target       Target           `yaml:"target"`
	Observation  *ObservationSpec `yaml:"observation,omitempty"`
}

// Form is a named submission schema.
type Form struct {
	Name          string    `yaml:"name"`
	Kind          string    `yaml:"kind"`
	EncounterType string    `yaml:"encounter_type,omitempty"`
	RecordType    string    `yaml:"record_type,omitempty"`
	Bindings      []Binding `yaml:"bindings"`
}

// Validate checks the form for structural problems.
func (f *Form) Validate() error {
	if f.Name == "" {
		return fmt.Errorf("form has no name")
	}
	if f.Kind != KindClinicalIntake && f.Kind != KindSupplyEvent {
		return fmt.Errorf("form %q: unknown kind %q", f.Name, f.Kind)
	}
	for i, b := range f.Bindings {
		if b.Column == "" && b.ColumnPrefix == "" {
			return fmt.Errorf("form %q: binding %d has neither column nor column_prefix", f.Name, i)
		}
		if !b.Target.Entity.Valid() {
			return fmt.Errorf("form %q: binding for %q targets unknown entity %q",
				f.Name, b.Column+b.ColumnPrefix, b.Target.Entity)
		}
		if b.Observation != nil && b.Target.Entity != entity.TypeObservation {
			return fmt.Errorf("form %q: binding for %q has an observation spec but targets %s",
				f.Name, b.Column+b.ColumnPrefix, b.Target.Entity)
		}
	}
	return nil
}

var (
	registry   = make(map[string]*Form)
	registryMu sync.RWMutex
)

// Register adds a form to the registry, replacing any form with the same
// name. Later registrations win so YAML files can override built-ins.
func Register(f *Form) error {
	if err := f.Validate(); err != nil {
		return err
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(f.Name)] = f
	return nil
}

// Get returns a registered form by name.
func Get(name string) (*Form, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[strings.ToLower(name)]
	return f, ok
}

// Names returns the registered form names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// LoadFile reads form definitions from a YAML file and registers them.
func LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read schema file: %w", err)
	}
	return LoadYAML(data)
}

// LoadYAML parses and registers forms from YAML bytes. The document is a
// list of forms.
func LoadYAML(data []byte) error {
	var forms []*Form
	if err := yaml.Unmarshal(data, &forms); err != nil {
		return fmt.Errorf("parse schema yaml: %w", err)
	}
	for _, f := range forms {
		if err := Register(f); err != nil {
			return err
		}
	}
	return nil
}
