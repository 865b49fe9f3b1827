package resolve

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tororo-hospice/datawash/internal/entity"
)

// KeyCollisionError reports two distinct pool entities claiming the same
// exact-key value. This indicates corrupted prior data and is fatal for the
// batch; it is never auto-resolved.
type KeyCollisionError struct {
	Type entity.Type
	Key  string
	IDs  [2]string
}

func (e *KeyCollisionError) Error() string {
	return fmt.Sprintf("exact key collision on %s %q: entities %s and %s",
		e.Type, e.Key, e.IDs[0], e.IDs[1])
}

// Pool is the candidate pool for one batch: the working entity graph plus
// the indexes resolution needs (id lookup, exact-key lookup, person blocking
// buckets).
//
// All mutating and reading methods take the pool lock, so independent
// partitions may resolve concurrently; correctness of concurrent resolution
// still depends on the orchestrator keeping each partition single-writer.
type Pool struct {
	mu      sync.RWMutex
	graph   *entity.Graph
	byID    map[entity.Type]map[string]entity.Record
	exact   map[entity.Type]map[string]string
	keyed   map[entity.Type]map[string][]string
	blocks  map[string][]string
	origins map[entity.Type]map[string]string
	policy  *Policy
}

// NewPool indexes a graph for resolution. Exact-key collisions already
// present in the prior pool are detected here and fail the batch before any
// row is processed.
func NewPool(g *entity.Graph, policy *Policy) (*Pool, error) {
	if g == nil {
		g = entity.NewGraph()
	}
	p := &Pool{
		graph:   g,
		byID:    make(map[entity.Type]map[string]entity.Record),
		exact:   make(map[entity.Type]map[string]string),
		keyed:   make(map[entity.Type]map[string][]string),
		blocks:  make(map[string][]string),
		origins: make(map[entity.Type]map[string]string),
		policy:  policy,
	}
	for _, rec := range g.All() {
		if err := p.index(rec); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Graph returns the working graph. Callers must not mutate it while
// resolution is running.
func (p *Pool) Graph() *entity.Graph {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.graph
}

// Get returns the entity with the given type and id.
func (p *Pool) Get(t entity.Type, id string) (entity.Record, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rec, ok := p.byID[t][id]
	return rec, ok
}

// Insert adds a newly created entity to the graph and all indexes.
func (p *Pool) Insert(rec entity.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.graph.Add(rec)
	return p.index(rec)
}

// Reindex refreshes an existing entity's key and block entries after a
// merge may have added or changed them.
func (p *Pool) Reindex(rec entity.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.index(rec)
}

// lookupExact returns the id holding the given exact-key value.
func (p *Pool) lookupExact(t entity.Type, key string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	id, ok := p.exact[t][key]
	return id, ok
}

// lookupOrigin returns the entity already produced from the given source
// row, if any. The origin index is what makes re-running a batch a no-op.
func (p *Pool) lookupOrigin(t entity.Type, origin string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	id, ok := p.origins[t][origin]
	return id, ok
}

// blockCandidates returns the persons in the given blocking bucket.
func (p *Pool) blockCandidates(key string) []entity.Record {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := p.blocks[key]
	out := make([]entity.Record, 0, len(ids))
	for _, id := range ids {
		if rec, ok := p.byID[entity.TypePerson][id]; ok {
			out = append(out, rec)
		}
	}
	return out
}

// index must be called with the lock held (or during construction).
func (p *Pool) index(rec entity.Record) error {
	t := rec.EntityType()
	id := rec.Meta().ID

	if p.byID[t] == nil {
		p.byID[t] = make(map[string]entity.Record)
	}
	p.byID[t][id] = rec

	tp := p.policy.forType(t)
	var keys []string
	for _, keyPath := range tp.ExactKeys {
		val := normalizeKey(recordField(rec, keyPath))
		if val == "" {
			continue
		}
		if p.exact[t] == nil {
			p.exact[t] = make(map[string]string)
		}
		if existing, ok := p.exact[t][val]; ok && existing != id {
			return &KeyCollisionError{Type: t, Key: val, IDs: [2]string{existing, id}}
		}
		p.exact[t][val] = id
		keys = append(keys, val)
	}

	// A merge can rewrite a key value; entries this entity held before but
	// no longer does must not keep matching it.
	for _, old := range p.keyed[t][id] {
		if p.exact[t][old] != id {
			continue
		}
		stale := true
		for _, k := range keys {
			if k == old {
				stale = false
				break
			}
		}
		if stale {
			delete(p.exact[t], old)
		}
	}
	if p.keyed[t] == nil {
		p.keyed[t] = make(map[string][]string)
	}
	p.keyed[t][id] = keys

	for _, origin := range recordOrigins(rec) {
		if p.origins[t] == nil {
			p.origins[t] = make(map[string]string)
		}
		p.origins[t][origin] = id
	}

	if person, ok := rec.(*entity.Person); ok {
		key := BlockKey(person.Name)
		found := false
		for _, existing := range p.blocks[key] {
			if existing == id {
				found = true
				break
			}
		}
		if !found {
			p.blocks[key] = append(p.blocks[key], id)
		}
	}
	return nil
}

// BlockKey returns the coarse blocking key for a person name: the first
// letter of the normalized name, or "?" when absent. Deliberately coarser
// than the usual letter+birth-year key so that records with missing or
// mistyped birth dates are never separated from candidates they could match;
// exact-key matching bypasses blocking entirely.
func BlockKey(name string) string {
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "" {
		return "?"
	}
	return name[:1]
}

// recordOrigins returns the source-row origin keys stored in an entity's
// metadata. Values arrive as []string in memory and []any after a JSON
// round trip through the store.
func recordOrigins(rec entity.Record) []string {
	raw, ok := rec.Meta().Metadata["origins"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, isStr := e.(string); isStr {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// normalizeKey canonicalizes an exact-key value for byte-for-byte
// comparison.
func normalizeKey(v string) string {
	return strings.ToUpper(strings.TrimSpace(v))
}

// recordField reads a scalar field off a typed entity by its attribute
// path. Only the fields resolution compares are mapped here.
func recordField(rec entity.Record, path string) string {
	switch r := rec.(type) {
	case *entity.Person:
		switch path {
		case "name":
			return r.Name
		case "sex":
			return r.Sex
		case "birth_date":
			return r.BirthDate
		case "age":
			if r.Age == 0 {
				return ""
			}
			return fmt.Sprintf("%d", r.Age)
		case "phone":
			return r.Phone
		case "village":
			return r.Village
		default:
			if rest, ok := strings.CutPrefix(path, "role_data."); ok {
				return stringValue(r.RoleData[rest])
			}
		}
	case *entity.Supply:
		switch path {
		case "batch_number":
			return r.BatchNumber
		case "item_name":
			return r.ItemName
		}
	}
	return ""
}

// fragmentField reads a scalar off a fragment by the same attribute paths
// used for records, formatting typed values for comparison.
func fragmentField(attrs map[string]any, maps map[string]entity.Attrs, path string) string {
	if dir, rest, ok := strings.Cut(path, "."); ok {
		if m, found := maps[dir]; found {
			return stringValue(m[rest])
		}
		return ""
	}
	return stringValue(attrs[path])
}

func stringValue(v any) string {
	switch vv := v.(type) {
	case nil:
		return ""
	case string:
		return vv
	case time.Time:
		return vv.Format("2006-01-02")
	case int64:
		return fmt.Sprintf("%d", vv)
	case int:
		return fmt.Sprintf("%d", vv)
	case float64:
		return fmt.Sprintf("%g", vv)
	default:
		return fmt.Sprintf("%v", vv)
	}
}
