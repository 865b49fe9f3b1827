// Package merge applies resolved fragments to typed entities: creating new
// entities, folding incoming fields into existing ones under a conflict
// policy, and recording provenance for every change.
//
// Merging never loses information. A losing value in a conflict is either
// kept in its field (when the incoming side loses) or preserved under the
// entity's metadata; invalid raw values captured at extraction land in
// metadata as well.
package merge

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tororo-hospice/datawash/internal/entity"
	"github.com/tororo-hospice/datawash/internal/extract"
)

// ConflictPolicy decides what happens when an incoming non-empty value
// disagrees with an existing non-empty value.
type ConflictPolicy string

const (
	PreferIncoming        ConflictPolicy = "prefer_incoming"
	PreferExisting        ConflictPolicy = "prefer_existing"
	PreferLatestTimestamp ConflictPolicy = "prefer_latest_timestamp"
	KeepBothInMetadata    ConflictPolicy = "keep_both_in_metadata"
)

// Valid reports whether p names a known policy.
func (p ConflictPolicy) Valid() bool {
	switch p {
	case PreferIncoming, PreferExisting, PreferLatestTimestamp, KeepBothInMetadata:
		return true
	}
	return false
}

// Conflict records one field disagreement and how it was settled.
type Conflict struct {
	Field    string `json:"field"`
	Existing string `json:"existing"`
	Incoming string `json:"incoming"`
	Kept     string `json:"kept"`
}

// Provenance is the audit record for one fragment application.
type Provenance struct {
	Entity    entity.Type    `json:"entity_type"`
	ID        string         `json:"entity_id"`
	Source    extract.RowRef `json:"source"`
	Created   bool           `json:"created"`
	Applied   bool           `json:"applied"`
	Fields    []string       `json:"fields,omitempty"`
	Conflicts []Conflict     `json:"conflicts,omitempty"`
}

// Engine merges fragments into entities under one conflict policy. Actor is
// stamped into created_by/updated_by.
type Engine struct {
	Policy ConflictPolicy
	Actor  string
}

func NewEngine(policy ConflictPolicy, actor string) (*Engine, error) {
	if !policy.Valid() {
		return nil, fmt.Errorf("merge: unknown conflict policy %q", policy)
	}
	return &Engine{Policy: policy, Actor: actor}, nil
}

// NewID allocates an entity id. Ids are generated exactly once and never
// reassigned.
func NewID() string { return uuid.NewString() }

// Create builds a new typed entity from a fragment. refs carries the
// resolved ids for the fragment's declared references, keyed by field name.
func (e *Engine) Create(f *extract.Fragment, id string, refs map[string]string) (entity.Record, *Provenance, error) {
	var rec entity.Record
	switch f.Type {
	case entity.TypePerson:
		rec = &entity.Person{}
	case entity.TypeEncounter:
		rec = &entity.Encounter{}
	case entity.TypeMedicalRecord:
		rec = &entity.MedicalRecord{}
	case entity.TypeTreatment:
		rec = &entity.Treatment{}
	case entity.TypeDisease:
		rec = &entity.Disease{}
	case entity.TypeObservation:
		rec = &entity.Observation{}
	case entity.TypeSupply:
		rec = &entity.Supply{}
	default:
		return nil, nil, fmt.Errorf("merge: unknown entity type %q", f.Type)
	}
	env := rec.Meta()
	env.ID = id
	env.CreatedAt = f.ObservedAt
	env.UpdatedAt = f.ObservedAt
	env.CreatedBy = e.Actor

	prov, err := e.apply(rec, f, refs, true)
	if err != nil {
		return nil, nil, err
	}
	return rec, prov, nil
}

// Apply folds a fragment into an existing entity. A fragment whose origin
// key is already recorded on the entity is a replay of an applied row and
// becomes a no-op.
func (e *Engine) Apply(rec entity.Record, f *extract.Fragment, refs map[string]string) (*Provenance, error) {
	if rec.EntityType() != f.Type {
		return nil, fmt.Errorf("merge: fragment type %s against entity type %s", f.Type, rec.EntityType())
	}
	if hasOrigin(rec.Meta(), f.OriginKey()) {
		return &Provenance{
			Entity: f.Type,
			ID:     rec.Meta().ID,
			Source: f.Source,
		}, nil
	}
	return e.apply(rec, f, refs, false)
}

func (e *Engine) apply(rec entity.Record, f *extract.Fragment, refs map[string]string, created bool) (*Provenance, error) {
	m := &mergeCtx{
		engine:  e,
		frag:    f,
		env:     rec.Meta(),
		created: created,
		prov: &Provenance{
			Entity:  f.Type,
			ID:      rec.Meta().ID,
			Source:  f.Source,
			Created: created,
			Applied: true,
		},
	}

	var err error
	switch r := rec.(type) {
	case *entity.Person:
		m.applyPerson(r)
	case *entity.Encounter:
		m.applyEncounter(r, refs)
	case *entity.MedicalRecord:
		m.applyMedicalRecord(r, refs)
	case *entity.Treatment:
		m.applyTreatment(r, refs)
	case *entity.Disease:
		m.applyDisease(r, refs)
	case *entity.Observation:
		m.applyObservation(r, refs)
	case *entity.Supply:
		err = m.applySupply(r)
	}
	if err != nil {
		return nil, err
	}

	// Invalid raw values captured at extraction survive in metadata.
	for column, raw := range f.Maps["invalid"] {
		m.env.SetMeta("invalid."+column, raw)
	}

	addOrigin(m.env, f.OriginKey())
	m.env.Touch(e.Actor, f.ObservedAt)
	return m.prov, nil
}

// hasOrigin / addOrigin maintain the entity's list of contributing source
// rows under metadata["origins"].
func hasOrigin(env *entity.Envelope, origin string) bool {
	for _, o := range originList(env) {
		if o == origin {
			return true
		}
	}
	return false
}

func addOrigin(env *entity.Envelope, origin string) {
	list := originList(env)
	for _, o := range list {
		if o == origin {
			return
		}
	}
	env.SetMeta("origins", append(list, origin))
}

func originList(env *entity.Envelope) []string {
	switch v := env.Metadata["origins"].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// mergeCtx carries the state of one fragment application.
type mergeCtx struct {
	engine  *Engine
	frag    *extract.Fragment
	env     *entity.Envelope
	created bool
	prov    *Provenance
}

func (m *mergeCtx) touched(field string) {
	m.prov.Fields = append(m.prov.Fields, field)
}

// str merges a string attribute into a string field.
func (m *mergeCtx) str(field string, dst *string) {
	incoming := asString(m.frag.Attrs[field])
	m.mergeString(field, dst, incoming)
}

// dateStr merges a date attribute (time.Time after coercion) into a
// YYYY-MM-DD string field.
func (m *mergeCtx) dateStr(field string, dst *string) {
	incoming := asString(m.frag.Attrs[field])
	m.mergeString(field, dst, incoming)
}

// integer merges an int attribute.
func (m *mergeCtx) integer(field string, dst *int) {
	v, ok := m.frag.Attrs[field]
	if !ok {
		return
	}
	incoming, ok := asInt(v)
	if !ok {
		return
	}
	if *dst == 0 {
		*dst = incoming
		m.touched(field)
		return
	}
	if *dst == incoming {
		return
	}
	m.settle(field, fmt.Sprintf("%d", *dst), fmt.Sprintf("%d", incoming), func() {
		*dst = incoming
	})
}

// timestamp merges a time attribute.
func (m *mergeCtx) timestamp(field string, dst *time.Time) {
	incoming, ok := m.frag.Attrs[field].(time.Time)
	if !ok {
		return
	}
	if dst.IsZero() {
		*dst = incoming
		m.touched(field)
		return
	}
	if dst.Equal(incoming) {
		return
	}
	m.settle(field, dst.Format(time.RFC3339), incoming.Format(time.RFC3339), func() {
		*dst = incoming
	})
}

func (m *mergeCtx) mergeString(field string, dst *string, incoming string) {
	if incoming == "" {
		return
	}
	if *dst == "" {
		*dst = incoming
		m.touched(field)
		return
	}
	if *dst == incoming {
		return
	}
	m.settle(field, *dst, incoming, func() { *dst = incoming })
}

// settle resolves a genuine disagreement under the engine's policy. takeIncoming
// installs the incoming value when the policy says so.
func (m *mergeCtx) settle(field, existing, incoming string, takeIncoming func()) {
	kept := existing
	switch m.engine.Policy {
	case PreferIncoming:
		takeIncoming()
		kept = incoming
	case PreferExisting:
		// Existing stands.
	case PreferLatestTimestamp:
		if m.frag.ObservedAt.After(m.env.UpdatedAt) {
			takeIncoming()
			kept = incoming
		}
	case KeepBothInMetadata:
		m.stashConflict(field, incoming)
	}
	if kept == incoming {
		m.touched(field)
	}
	m.prov.Conflicts = append(m.prov.Conflicts, Conflict{
		Field: field, Existing: existing, Incoming: incoming, Kept: kept,
	})
}

// stashConflict appends the losing incoming value under
// metadata["conflicts.<field>"], deduplicated.
func (m *mergeCtx) stashConflict(field, incoming string) {
	key := "conflicts." + field
	var list []string
	switch v := m.env.Metadata[key].(type) {
	case []string:
		list = v
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok {
				list = append(list, s)
			}
		}
	}
	for _, s := range list {
		if s == incoming {
			return
		}
	}
	m.env.SetMeta(key, append(list, incoming))
}

// mapMerge folds a fragment map into an entity Attrs map key by key, under
// the same conflict policy as scalar fields.
func (m *mergeCtx) mapMerge(name string, dst *entity.Attrs) {
	src := m.frag.Maps[name]
	if len(src) == 0 {
		return
	}
	if *dst == nil {
		*dst = entity.Attrs{}
	}
	for k, v := range src {
		existing, ok := (*dst)[k]
		if !ok || isEmptyValue(existing) {
			(*dst)[k] = v
			m.touched(name + "." + k)
			continue
		}
		if asString(existing) == asString(v) {
			continue
		}
		m.settle(name+"."+k, asString(existing), asString(v), func() {
			(*dst)[k] = v
		})
	}
}

// ref installs a resolved reference id. Reference fields are set once; a
// disagreement on an already-set reference is a conflict like any other.
func (m *mergeCtx) ref(field string, dst *string, refs map[string]string) {
	incoming, ok := refs[field]
	if !ok || incoming == "" {
		return
	}
	m.mergeString(field, dst, incoming)
}

func asString(v any) string {
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

func asInt(v any) (int, bool) {
	switch vv := v.(type) {
	case int64:
		return int(vv), true
	case int:
		return vv, true
	case float64:
		return int(vv), true
	}
	return 0, false
}

func isEmptyValue(v any) bool {
	return v == nil || asString(v) == ""
}
