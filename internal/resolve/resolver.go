// Package resolve decides, for each extracted fragment, whether it refers to
// an entity already in the candidate pool or to a new one.
//
// Three strategies exist: exact_key (byte-for-byte on designated keys after
// normalization), composite_fuzzy (weighted field similarity over a blocked
// candidate set), and foreign_key (resolution through declared references
// only). A fuzzy decision too close to its runner-up is never auto-merged;
// the fragment becomes a new entity flagged for review.
package resolve

import (
	"fmt"
	"sort"

	"github.com/tororo-hospice/datawash/internal/entity"
	"github.com/tororo-hospice/datawash/internal/extract"
)

// Decision says what the resolver concluded for one fragment.
type Decision string

const (
	DecisionMatch Decision = "match"
	DecisionNew   Decision = "new"
)

// Match is the resolver's verdict for one fragment.
type Match struct {
	Decision   Decision
	ID         string
	Existing   entity.Record
	Strategy   StrategyKind
	Confidence float64

	// ReviewRequired means the best fuzzy candidate was within the
	// ambiguity margin of the runner-up; the fragment becomes a new entity
	// and both candidate ids are reported for a human to reconcile.
	ReviewRequired bool
	Ambiguous      []string
}

// Resolver runs the matching policy against one pool.
type Resolver struct {
	pool   *Pool
	policy *Policy
}

func NewResolver(pool *Pool, policy *Policy) *Resolver {
	return &Resolver{pool: pool, policy: policy}
}

// Resolve decides match-or-new for a fragment. Foreign-key types always
// come back as new: their identity is their parent reference plus their own
// content, established at merge time, not matched here.
func (r *Resolver) Resolve(f *extract.Fragment) Match {
	// A row already applied in a previous run resolves straight to the
	// entity it produced, regardless of strategy.
	if id, ok := r.pool.lookupOrigin(f.Type, f.OriginKey()); ok {
		rec, _ := r.pool.Get(f.Type, id)
		return Match{
			Decision:   DecisionMatch,
			ID:         id,
			Existing:   rec,
			Strategy:   StrategyOrigin,
			Confidence: 1.0,
		}
	}

	tp := r.policy.forType(f.Type)
	for _, strat := range tp.Strategies {
		switch strat {
		case StrategyExactKey:
			if m, ok := r.exactKey(f, tp); ok {
				return m
			}
		case StrategyCompositeFuzzy:
			if m, ok := r.compositeFuzzy(f, tp); ok {
				return m
			}
		case StrategyForeignKey:
			return Match{Decision: DecisionNew, Strategy: StrategyForeignKey}
		}
	}
	return Match{Decision: DecisionNew}
}

// ResolveRef resolves a cross-row reference carrying an exact match key,
// such as a treatment pointing at a supply batch.
func (r *Resolver) ResolveRef(ref extract.Ref) (entity.Record, error) {
	key := normalizeKey(ref.MatchKey)
	if key == "" {
		return nil, fmt.Errorf("reference to %s has no match key", ref.Target)
	}
	id, ok := r.pool.lookupExact(ref.Target, key)
	if !ok {
		return nil, fmt.Errorf("no %s with key %q", ref.Target, key)
	}
	rec, ok := r.pool.Get(ref.Target, id)
	if !ok {
		return nil, fmt.Errorf("%s %s indexed but missing from pool", ref.Target, id)
	}
	return rec, nil
}

// exactKey checks each configured key field on the fragment. First match
// wins with full confidence; an absent key falls through to the next
// strategy rather than deciding anything.
func (r *Resolver) exactKey(f *extract.Fragment, tp TypePolicy) (Match, bool) {
	for _, keyPath := range tp.ExactKeys {
		val := normalizeKey(fragmentField(f.Attrs, f.Maps, keyPath))
		if val == "" {
			continue
		}
		id, ok := r.pool.lookupExact(f.Type, val)
		if !ok {
			continue
		}
		rec, _ := r.pool.Get(f.Type, id)
		return Match{
			Decision:   DecisionMatch,
			ID:         id,
			Existing:   rec,
			Strategy:   StrategyExactKey,
			Confidence: 1.0,
		}, true
	}
	return Match{}, false
}

type scored struct {
	id    string
	rec   entity.Record
	score float64
}

// compositeFuzzy scores the fragment against every candidate in its
// blocking bucket. The weighted score is normalized by the weights of
// fields present on both sides, so a sparse row can still clear the
// threshold on the fields it does carry.
func (r *Resolver) compositeFuzzy(f *extract.Fragment, tp TypePolicy) (Match, bool) {
	if f.Type != entity.TypePerson || len(tp.Weights) == 0 {
		return Match{}, false
	}
	name := fragmentField(f.Attrs, f.Maps, "name")
	candidates := r.pool.blockCandidates(BlockKey(name))
	if len(candidates) == 0 {
		return Match{Decision: DecisionNew, Strategy: StrategyCompositeFuzzy}, true
	}

	ranked := make([]scored, 0, len(candidates))
	for _, cand := range candidates {
		if cand.Meta().IsDeleted {
			continue
		}
		s, ok := r.scorePerson(f, cand, tp.Weights)
		if !ok {
			continue
		}
		ranked = append(ranked, scored{id: cand.Meta().ID, rec: cand, score: s})
	}
	if len(ranked) == 0 {
		return Match{Decision: DecisionNew, Strategy: StrategyCompositeFuzzy}, true
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].id < ranked[j].id
	})

	best := ranked[0]
	acceptance := r.policy.acceptanceFor(tp)
	margin := r.policy.marginFor(tp)

	if best.score < acceptance {
		return Match{Decision: DecisionNew, Strategy: StrategyCompositeFuzzy, Confidence: best.score}, true
	}
	if len(ranked) > 1 && best.score-ranked[1].score < margin {
		return Match{
			Decision:       DecisionNew,
			Strategy:       StrategyCompositeFuzzy,
			Confidence:     best.score,
			ReviewRequired: true,
			Ambiguous:      []string{best.id, ranked[1].id},
		}, true
	}
	return Match{
		Decision:   DecisionMatch,
		ID:         best.id,
		Existing:   best.rec,
		Strategy:   StrategyCompositeFuzzy,
		Confidence: best.score,
	}, true
}

// scorePerson returns the weighted similarity between a person fragment and
// a pool person. ok=false means no weighted field was present on both sides,
// so no score is defensible.
func (r *Resolver) scorePerson(f *extract.Fragment, rec entity.Record, weights map[string]float64) (float64, bool) {
	var sum, totalWeight float64
	for field, w := range weights {
		fv := fragmentField(f.Attrs, f.Maps, field)
		rv := recordField(rec, field)
		if fv == "" || rv == "" {
			continue
		}
		sum += w * fieldSimilarity(field, fv, rv)
		totalWeight += w
	}
	if totalWeight == 0 {
		return 0, false
	}
	return sum / totalWeight, true
}

// fieldSimilarity picks the comparison for one field. Dates and ages are
// equality checks, phones compare on the subscriber tail, free text uses
// Jaro-Winkler.
func fieldSimilarity(field, a, b string) float64 {
	switch field {
	case "birth_date", "age", "sex":
		if a == b {
			return 1.0
		}
		return 0.0
	case "phone":
		ta, tb := lastDigits(a, 4), lastDigits(b, 4)
		if ta == "" || tb == "" {
			return 0.0
		}
		if ta == tb {
			return 1.0
		}
		return 0.0
	default:
		return JaroWinkler(a, b)
	}
}
