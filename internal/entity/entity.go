// Package entity defines the seven domain record types produced by the
// pipeline (person, encounter, medical record, treatment, disease,
// observation, supply) along with the shared identifier envelope and the
// relationship invariants that must hold before a batch may commit.
//
// Entities are pure data: they are created and mutated only by the merge
// engine, never by extraction or resolution. Deletion is always the
// soft-delete flag plus a terminal metadata entry; nothing is ever removed
// from a committed graph.
package entity

import (
	"fmt"
	"time"
)

// Type identifies one of the seven entity kinds.
type Type string

const (
	TypePerson        Type = "person"
	TypeEncounter     Type = "encounter"
	TypeMedicalRecord Type = "medical_record"
	TypeTreatment     Type = "treatment"
	TypeDisease       Type = "disease"
	TypeObservation   Type = "observation"
	TypeSupply        Type = "supply"
)

// Types lists all entity kinds in dependency order: every kind only ever
// references kinds that appear before it.
var Types = []Type{
	TypePerson,
	TypeSupply,
	TypeEncounter,
	TypeMedicalRecord,
	TypeTreatment,
	TypeDisease,
	TypeObservation,
}

// Valid reports whether t names a known entity kind.
func (t Type) Valid() bool {
	switch t {
	case TypePerson, TypeEncounter, TypeMedicalRecord, TypeTreatment,
		TypeDisease, TypeObservation, TypeSupply:
		return true
	}
	return false
}

// Attrs is an open mapping of attribute name to scalar value. It backs the
// free-form portions of the data model (role_data, form_data, content,
// details, disease_details, observation values, metadata).
type Attrs map[string]any

// Clone returns a deep copy. Nested Attrs and []string values are copied;
// other values are scalars and copied by assignment.
func (a Attrs) Clone() Attrs {
	if a == nil {
		return nil
	}
	out := make(Attrs, len(a))
	for k, v := range a {
		switch vv := v.(type) {
		case Attrs:
			out[k] = vv.Clone()
		case map[string]any:
			out[k] = Attrs(vv).Clone()
		case []string:
			out[k] = append([]string(nil), vv...)
		case []any:
			out[k] = append([]any(nil), vv...)
		default:
			out[k] = v
		}
	}
	return out
}

// Envelope carries the fields shared by every entity.
//
// ID is generated once, at first resolution, and never reused or reassigned.
// UpdatedAt is monotonically non-decreasing; Touch enforces this even when
// source rows arrive with out-of-order timestamps.
type Envelope struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	CreatedBy string    `json:"created_by,omitempty"`
	UpdatedBy string    `json:"updated_by,omitempty"`
	IsDeleted bool      `json:"is_deleted"`
	Metadata  Attrs     `json:"metadata,omitempty"`
}

// Meta returns the envelope itself, satisfying Record for embedders.
func (e *Envelope) Meta() *Envelope { return e }

// Touch records an update by actor at the given time. UpdatedAt never moves
// backwards.
func (e *Envelope) Touch(actor string, at time.Time) {
	if at.After(e.UpdatedAt) {
		e.UpdatedAt = at
	}
	if actor != "" {
		e.UpdatedBy = actor
	}
}

// SetMeta stores a metadata entry, allocating the map on first use.
func (e *Envelope) SetMeta(key string, value any) {
	if e.Metadata == nil {
		e.Metadata = Attrs{}
	}
	e.Metadata[key] = value
}

// SoftDelete marks the entity deleted and records the reason as a terminal
// metadata entry. The entity remains in the graph.
func (e *Envelope) SoftDelete(actor, reason string, at time.Time) {
	e.IsDeleted = true
	e.SetMeta("deleted_reason", reason)
	e.SetMeta("deleted_at", at.UTC().Format(time.RFC3339))
	e.Touch(actor, at)
}

func (e *Envelope) cloneInto(dst *Envelope) {
	*dst = *e
	dst.Metadata = e.Metadata.Clone()
}

// Record is implemented by all seven entity types.
type Record interface {
	EntityType() Type
	Meta() *Envelope
	Clone() Record
}

// PersonRef is implemented by entities that reference a person. Every such
// reference must resolve to an existing person id before commit.
type PersonRef interface {
	PersonID() string
}

// SupplyTransaction is one append-only entry in a supply's transaction log.
type SupplyTransaction struct {
	Delta  int       `json:"delta"`
	Reason string    `json:"reason,omitempty"`
	Actor  string    `json:"actor,omitempty"`
	At     time.Time `json:"at"`
}

// ErrInvariant wraps a relationship- or lifecycle-invariant violation,
// naming the entity that caused it.
type ErrInvariant struct {
	Type   Type
	ID     string
	Detail string
}

func (e *ErrInvariant) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Type, e.ID, e.Detail)
}
