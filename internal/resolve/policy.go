package resolve

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tororo-hospice/datawash/internal/entity"
)

// StrategyKind names one of the three identity-resolution strategies.
type StrategyKind string

const (
	// StrategyExactKey matches on designated fields byte-for-byte after
	// normalization. Highest confidence; first match wins.
	StrategyExactKey StrategyKind = "exact_key"
	// StrategyCompositeFuzzy scores a weighted combination of field
	// similarities against the blocked candidate pool.
	StrategyCompositeFuzzy StrategyKind = "composite_fuzzy"
	// StrategyForeignKey resolves through a declared reference to an
	// already-resolved entity; fragments of these types are never matched
	// to an existing entity on their own fields.
	StrategyForeignKey StrategyKind = "foreign_key"

	// StrategyOrigin is not configurable: it reports that a fragment was
	// matched to the entity a previous run of the same source row produced,
	// which is what makes re-running a batch idempotent.
	StrategyOrigin StrategyKind = "origin"
)

// TypePolicy configures resolution for one entity type.
type TypePolicy struct {
	// Strategies are tried in order; the first that produces a decision
	// wins.
	Strategies []StrategyKind `yaml:"strategies"`
	// ExactKeys are the attribute paths checked by the exact_key strategy,
	// e.g. "role_data.registration_number" or "batch_number".
	ExactKeys []string `yaml:"exact_keys,omitempty"`
	// Weights are the per-field weights for composite_fuzzy scoring.
	Weights map[string]float64 `yaml:"weights,omitempty"`
	// Acceptance and Margin override the policy-wide thresholds when > 0.
	Acceptance float64 `yaml:"acceptance,omitempty"`
	Margin     float64 `yaml:"margin,omitempty"`
}

// Policy is the full matching configuration. The acceptance threshold and
// ambiguity margin are domain calibration decisions, so they are required
// configuration: Validate rejects a policy without them.
type Policy struct {
	Acceptance float64                    `yaml:"acceptance"`
	Margin     float64                    `yaml:"margin"`
	Types      map[entity.Type]TypePolicy `yaml:"types"`
}

// DefaultPolicy returns the built-in matching policy: persons match by
// registration number, then fuzzily on demographics; supplies match by batch
// number; everything else resolves through declared references only.
func DefaultPolicy() *Policy {
	return &Policy{
		Acceptance: 0.80,
		Margin:     0.05,
		Types: map[entity.Type]TypePolicy{
			entity.TypePerson: {
				Strategies: []StrategyKind{StrategyExactKey, StrategyCompositeFuzzy},
				ExactKeys:  []string{"role_data.registration_number"},
				Weights: map[string]float64{
					"name":       0.40,
					"birth_date": 0.25,
					"village":    0.15,
					"age":        0.10,
					"phone":      0.10,
				},
			},
			entity.TypeSupply: {
				Strategies: []StrategyKind{StrategyExactKey},
				ExactKeys:  []string{"batch_number"},
			},
			entity.TypeEncounter:     {Strategies: []StrategyKind{StrategyForeignKey}},
			entity.TypeMedicalRecord: {Strategies: []StrategyKind{StrategyForeignKey}},
			entity.TypeTreatment:     {Strategies: []StrategyKind{StrategyForeignKey}},
			entity.TypeDisease:       {Strategies: []StrategyKind{StrategyForeignKey}},
			entity.TypeObservation:   {Strategies: []StrategyKind{StrategyForeignKey}},
		},
	}
}

// Validate checks that the thresholds are usable.
func (p *Policy) Validate() error {
	if p.Acceptance <= 0 || p.Acceptance > 1 {
		return fmt.Errorf("match policy: acceptance threshold must be in (0,1], got %v", p.Acceptance)
	}
	if p.Margin < 0 || p.Margin >= p.Acceptance {
		return fmt.Errorf("match policy: ambiguity margin must be in [0, acceptance), got %v", p.Margin)
	}
	for t, tp := range p.Types {
		if !t.Valid() {
			return fmt.Errorf("match policy: unknown entity type %q", t)
		}
		for _, s := range tp.Strategies {
			switch s {
			case StrategyExactKey, StrategyCompositeFuzzy, StrategyForeignKey:
			default:
				return fmt.Errorf("match policy: unknown strategy %q for %s", s, t)
			}
		}
	}
	return nil
}

// forType returns the policy for one entity type, falling back to
// foreign-key-only when the type is not configured.
func (p *Policy) forType(t entity.Type) TypePolicy {
	if tp, ok := p.Types[t]; ok {
		return tp
	}
	return TypePolicy{Strategies: []StrategyKind{StrategyForeignKey}}
}

// acceptanceFor and marginFor apply per-type overrides.
func (p *Policy) acceptanceFor(tp TypePolicy) float64 {
	if tp.Acceptance > 0 {
		return tp.Acceptance
	}
	return p.Acceptance
}

func (p *Policy) marginFor(tp TypePolicy) float64 {
	if tp.Margin > 0 {
		return tp.Margin
	}
	return p.Margin
}

// LoadPolicy reads a YAML policy file over the defaults: top-level
// thresholds replace the defaults, per-type entries replace that type's
// default entirely.
func LoadPolicy(path string) (*Policy, error) {
	p := DefaultPolicy()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read match policy: %w", err)
	}
	var file Policy
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse match policy: %w", err)
	}
	if file.Acceptance > 0 {
		p.Acceptance = file.Acceptance
	}
	if file.Margin > 0 {
		p.Margin = file.Margin
	}
	for t, tp := range file.Types {
		p.Types[t] = tp
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
