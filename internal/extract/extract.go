// Package extract maps one raw submission row into partial entity fragments,
// prior to identity resolution.
//
// Extraction is deterministic and total: a malformed or partially-empty row
// yields whatever fragments its well-formed fields support, never fewer.
// Fragments reference each other by local handles (the encounter's patient is
// "the person fragment from this row"), not by ids — ids do not exist until
// the resolver and merge engine have run.
package extract

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"time"

	"github.com/tororo-hospice/datawash/internal/entity"
	"github.com/tororo-hospice/datawash/internal/normalize"
	"github.com/tororo-hospice/datawash/internal/schema"
)

// RowRef identifies one source row for audit and provenance.
type RowRef struct {
	File string `json:"file"`
	Line int    `json:"line"`
}

func (r RowRef) String() string { return fmt.Sprintf("%s:%d", r.File, r.Line) }

// Ref is a declared reference to another entity that is not yet resolved.
// Local points at a fragment from the same row; MatchKey carries an exact
// key (e.g. a supply batch number) for cross-row references.
type Ref struct {
	Field    string
	Target   entity.Type
	Local    string
	MatchKey string
}

// Fragment is the partial data for one entity extracted from one row.
type Fragment struct {
	Type       entity.Type
	Local      string
	Source     RowRef
	ObservedAt time.Time
	Attrs      map[string]any
	Maps       map[string]entity.Attrs
	Refs       []Ref

	// ReviewRequired is set by the resolver when a fuzzy match was too
	// ambiguous to auto-merge and the fragment became a new entity.
	ReviewRequired bool
}

// OriginKey uniquely identifies the (source row, fragment) pair: the source
// position plus a digest of the extracted content. Entities record the origin
// keys of every row merged into them, which is what lets a re-run of the same
// batch find its own output instead of duplicating it. The digest keeps a
// later file that reuses a name and line number (recurring exports are all
// called export.csv) from masquerading as a replay: same position, different
// content hashes to a different key and processes normally.
func (f *Fragment) OriginKey() string {
	return fmt.Sprintf("%s#%s@%s", f.Source, f.Local, f.contentHash())
}

// contentHash digests the fragment's attrs and maps in sorted key order, so
// the same extracted content always hashes the same.
func (f *Fragment) contentHash() string {
	h := fnv.New64a()
	attrKeys := make([]string, 0, len(f.Attrs))
	for k := range f.Attrs {
		attrKeys = append(attrKeys, k)
	}
	sort.Strings(attrKeys)
	for _, k := range attrKeys {
		fmt.Fprintf(h, "%s=%s;", k, hashValue(f.Attrs[k]))
	}

	mapNames := make([]string, 0, len(f.Maps))
	for name := range f.Maps {
		mapNames = append(mapNames, name)
	}
	sort.Strings(mapNames)
	for _, name := range mapNames {
		m := f.Maps[name]
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(h, "%s.%s=%s;", name, k, hashValue(m[k]))
		}
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

func hashValue(v any) string {
	if t, ok := v.(time.Time); ok {
		return t.UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprintf("%v", v)
}

func (f *Fragment) setAttr(name string, v any) {
	if f.Attrs == nil {
		f.Attrs = map[string]any{}
	}
	f.Attrs[name] = v
}

func (f *Fragment) setMap(m, key string, v any) {
	if f.Maps == nil {
		f.Maps = map[string]entity.Attrs{}
	}
	if f.Maps[m] == nil {
		f.Maps[m] = entity.Attrs{}
	}
	f.Maps[m][key] = v
}

func (f *Fragment) empty() bool { return len(f.Attrs) == 0 && len(f.Maps) == 0 }

// Extract normalizes row fields under the form's rules and assembles entity
// fragments. It returns the fragments in dependency order, all normalization
// warnings, and rejected=true when a drop_row rule fired (in which case no
// fragments are returned).
func Extract(source RowRef, fields map[string]string, form *schema.Form, now time.Time) (frags []*Fragment, warnings []normalize.Warning, rejected bool) {
	frag := func(t entity.Type, local string) *Fragment {
		return &Fragment{Type: t, Local: local, Source: source, ObservedAt: now}
	}

	person := frag(entity.TypePerson, "person")
	encounter := frag(entity.TypeEncounter, "encounter")
	record := frag(entity.TypeMedicalRecord, "record")
	treatment := frag(entity.TypeTreatment, "treatment")
	disease := frag(entity.TypeDisease, "disease")
	supply := frag(entity.TypeSupply, "supply")
	builders := map[entity.Type]*Fragment{
		entity.TypePerson:        person,
		entity.TypeEncounter:     encounter,
		entity.TypeMedicalRecord: record,
		entity.TypeTreatment:     treatment,
		entity.TypeDisease:       disease,
		entity.TypeSupply:        supply,
	}

	grouped := map[string]*Fragment{}
	var observations []*Fragment

	place := func(b schema.Binding, column string, res normalize.Result) {
		if b.Observation != nil {
			placeObservation(b, column, res.Value, frag, grouped, &observations)
			return
		}
		target := builders[b.Target.Entity]
		if res.Invalid {
			// Preserved raw, flagged: lands in entity metadata, not in a
			// typed field it cannot fit.
			target.setMap("invalid", column, res.Raw)
			return
		}
		if b.Target.Map != "" {
			target.setMap(b.Target.Map, b.Target.MapKey, res.Value)
			return
		}
		target.setAttr(b.Target.Attr, res.Value)
	}

	for _, b := range form.Bindings {
		for _, column := range bindingColumns(b, fields) {
			raw, ok := fields[column]
			if !ok {
				continue
			}
			res, warns := normalize.Field(column, raw, b.Rule)
			warnings = append(warnings, warns...)
			if res.RejectRow {
				return nil, warnings, true
			}
			if !res.Present {
				continue
			}
			place(b, column, res)
		}
	}

	if form.Kind == schema.KindSupplyEvent {
		if supply.empty() {
			return nil, warnings, false
		}
		return []*Fragment{supply}, warnings, false
	}

	if person.empty() {
		// Nothing identifiable on the row; no fragments are derivable.
		return nil, warnings, false
	}
	person.setAttrDefault("person_type", "patient")

	// The encounter is the visit itself: it exists whenever the person does,
	// and it preserves the full submission payload for audit.
	formData := entity.Attrs{}
	for k, v := range fields {
		formData[k] = v
	}
	encounter.Maps = mergeFragMaps(encounter.Maps, "form_data", formData)
	encounter.setAttrDefault("encounter_type", form.EncounterType)
	if at, ok := encounter.Attrs["occurred_at"].(time.Time); ok {
		// The person rides along: under prefer_latest_timestamp two visits in
		// one batch must compare by clinical date, not by ingest time.
		reTimestamp(at, person, encounter, record, treatment, disease)
		for _, o := range grouped {
			o.ObservedAt = at
		}
		for _, o := range observations {
			o.ObservedAt = at
		}
	}
	encounter.Refs = append(encounter.Refs, Ref{Field: "patient_id", Target: entity.TypePerson, Local: person.Local})

	frags = []*Fragment{person, encounter}

	child := func(f *Fragment) {
		f.Refs = append(f.Refs,
			Ref{Field: "patient_id", Target: entity.TypePerson, Local: person.Local},
			Ref{Field: "encounter_id", Target: entity.TypeEncounter, Local: encounter.Local},
		)
		frags = append(frags, f)
	}

	if !record.empty() {
		record.setAttrDefault("record_type", form.RecordType)
		child(record)
	}
	if !treatment.empty() {
		treatment.setAttrDefault("treatment_type", "medication")
		if batch, ok := treatment.Attrs["supply_batch"].(string); ok && batch != "" {
			delete(treatment.Attrs, "supply_batch")
			treatment.Refs = append(treatment.Refs,
				Ref{Field: "supply_id", Target: entity.TypeSupply, MatchKey: batch})
		}
		child(treatment)
	}
	if !disease.empty() {
		disease.setAttrDefault("category", "unspecified")
		child(disease)
	}

	// Grouped observations in deterministic group order, then singles in
	// binding order.
	groups := make([]string, 0, len(grouped))
	for g := range grouped {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	for _, g := range groups {
		child(grouped[g])
	}
	for _, o := range observations {
		child(o)
	}

	return frags, warnings, false
}

// bindingColumns expands a binding to the concrete columns it covers on this
// row. Prefix bindings match every present column with that prefix, sorted
// so extraction order is stable.
func bindingColumns(b schema.Binding, fields map[string]string) []string {
	if b.Column != "" {
		return []string{strings.ToLower(b.Column)}
	}
	var cols []string
	prefix := strings.ToLower(b.ColumnPrefix)
	for k := range fields {
		if strings.HasPrefix(k, prefix) && len(k) > len(prefix) {
			cols = append(cols, k)
		}
	}
	sort.Strings(cols)
	return cols
}

func placeObservation(b schema.Binding, column string, value any, frag func(entity.Type, string) *Fragment, grouped map[string]*Fragment, singles *[]*Fragment) {
	spec := b.Observation
	valueKey := spec.ValueKey
	if valueKey == "" {
		valueKey = "value"
	}

	if spec.Group != "" {
		f, ok := grouped[spec.Group]
		if !ok {
			f = frag(entity.TypeObservation, "obs:"+spec.Group)
			f.setAttr("name", spec.Group)
			f.setAttr("observation_type", spec.Type)
			f.setAttr("category", spec.Category)
			grouped[spec.Group] = f
		}
		f.setMap("value", valueKey, value)
		return
	}

	name := spec.Name
	if name == "" {
		name = strings.TrimPrefix(column, strings.ToLower(b.ColumnPrefix))
	}
	f := frag(entity.TypeObservation, "obs:"+name)
	f.setAttr("name", name)
	f.setAttr("observation_type", spec.Type)
	f.setAttr("category", spec.Category)
	f.setMap("value", valueKey, value)
	*singles = append(*singles, f)
}

func (f *Fragment) setAttrDefault(name string, v any) {
	if f.Attrs == nil {
		f.Attrs = map[string]any{}
	}
	if _, ok := f.Attrs[name]; !ok {
		if s, isStr := v.(string); isStr && s == "" {
			return
		}
		f.Attrs[name] = v
	}
}

func mergeFragMaps(maps map[string]entity.Attrs, key string, v entity.Attrs) map[string]entity.Attrs {
	if maps == nil {
		maps = map[string]entity.Attrs{}
	}
	maps[key] = v
	return maps
}

func reTimestamp(at time.Time, frags ...*Fragment) {
	for _, f := range frags {
		f.ObservedAt = at
	}
}
