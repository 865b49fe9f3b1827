package entity

import "fmt"

// Graph holds the resolved entity set, one ordered collection per type.
// Order is insertion order, which the store and archive stages preserve.
type Graph struct {
	Persons        []*Person        `json:"persons"`
	Encounters     []*Encounter     `json:"encounters"`
	MedicalRecords []*MedicalRecord `json:"medical_records"`
	Treatments     []*Treatment     `json:"treatments"`
	Diseases       []*Disease       `json:"diseases"`
	Observations   []*Observation   `json:"observations"`
	Supplies       []*Supply        `json:"supplies"`
}

// NewGraph returns an empty graph.
func NewGraph() *Graph { return &Graph{} }

// Add appends a record to its type's collection.
func (g *Graph) Add(r Record) {
	switch v := r.(type) {
	case *Person:
		g.Persons = append(g.Persons, v)
	case *Encounter:
		g.Encounters = append(g.Encounters, v)
	case *MedicalRecord:
		g.MedicalRecords = append(g.MedicalRecords, v)
	case *Treatment:
		g.Treatments = append(g.Treatments, v)
	case *Disease:
		g.Diseases = append(g.Diseases, v)
	case *Observation:
		g.Observations = append(g.Observations, v)
	case *Supply:
		g.Supplies = append(g.Supplies, v)
	default:
		panic(fmt.Sprintf("entity: unknown record type %T", r))
	}
}

// Collection returns the ordered records of one type.
func (g *Graph) Collection(t Type) []Record {
	var out []Record
	switch t {
	case TypePerson:
		for _, r := range g.Persons {
			out = append(out, r)
		}
	case TypeEncounter:
		for _, r := range g.Encounters {
			out = append(out, r)
		}
	case TypeMedicalRecord:
		for _, r := range g.MedicalRecords {
			out = append(out, r)
		}
	case TypeTreatment:
		for _, r := range g.Treatments {
			out = append(out, r)
		}
	case TypeDisease:
		for _, r := range g.Diseases {
			out = append(out, r)
		}
	case TypeObservation:
		for _, r := range g.Observations {
			out = append(out, r)
		}
	case TypeSupply:
		for _, r := range g.Supplies {
			out = append(out, r)
		}
	}
	return out
}

// All returns every record in the graph, grouped by type in dependency
// order.
func (g *Graph) All() []Record {
	var out []Record
	for _, t := range Types {
		out = append(out, g.Collection(t)...)
	}
	return out
}

// Counts returns the number of records per type.
func (g *Graph) Counts() map[Type]int {
	return map[Type]int{
		TypePerson:        len(g.Persons),
		TypeEncounter:     len(g.Encounters),
		TypeMedicalRecord: len(g.MedicalRecords),
		TypeTreatment:     len(g.Treatments),
		TypeDisease:       len(g.Diseases),
		TypeObservation:   len(g.Observations),
		TypeSupply:        len(g.Supplies),
	}
}

// Clone deep-copies the graph. The pipeline works on a clone of the loaded
// pool so a failed batch can be discarded without touching prior state.
func (g *Graph) Clone() *Graph {
	c := NewGraph()
	for _, r := range g.All() {
		c.Add(r.Clone())
	}
	return c
}

// Validate checks the relationship invariants that must hold before commit:
//
//   - every person reference resolves to a person in the graph
//   - encounter children (records, treatments, observations) reference the
//     same person as their encounter
//   - treatment supply references resolve
//   - every supply's quantity equals the sum of its transaction deltas
//
// The first violation found is returned as an *ErrInvariant naming the
// offending entity.
func (g *Graph) Validate() error {
	persons := make(map[string]bool, len(g.Persons))
	for _, p := range g.Persons {
		persons[p.ID] = true
	}
	encounters := make(map[string]string, len(g.Encounters))
	for _, e := range g.Encounters {
		if !persons[e.Patient] {
			return &ErrInvariant{Type: TypeEncounter, ID: e.ID,
				Detail: fmt.Sprintf("patient %q not in graph", e.Patient)}
		}
		encounters[e.ID] = e.Patient
	}
	supplies := make(map[string]bool, len(g.Supplies))
	for _, s := range g.Supplies {
		if err := s.CheckQuantity(); err != nil {
			return err
		}
		supplies[s.ID] = true
	}

	checkChild := func(t Type, id, person, encID string) error {
		if !persons[person] {
			return &ErrInvariant{Type: t, ID: id,
				Detail: fmt.Sprintf("patient %q not in graph", person)}
		}
		if encID != "" {
			encPerson, ok := encounters[encID]
			if !ok {
				return &ErrInvariant{Type: t, ID: id,
					Detail: fmt.Sprintf("encounter %q not in graph", encID)}
			}
			if encPerson != person {
				return &ErrInvariant{Type: t, ID: id,
					Detail: "patient differs from encounter's patient"}
			}
		}
		return nil
	}

	for _, m := range g.MedicalRecords {
		if err := checkChild(TypeMedicalRecord, m.ID, m.Patient, m.EncounterID); err != nil {
			return err
		}
	}
	for _, t := range g.Treatments {
		if err := checkChild(TypeTreatment, t.ID, t.Patient, t.EncounterID); err != nil {
			return err
		}
		if t.SupplyID != "" && !supplies[t.SupplyID] {
			return &ErrInvariant{Type: TypeTreatment, ID: t.ID,
				Detail: fmt.Sprintf("supply %q not in graph", t.SupplyID)}
		}
	}
	for _, d := range g.Diseases {
		if err := checkChild(TypeDisease, d.ID, d.Patient, d.EncounterID); err != nil {
			return err
		}
	}
	for _, o := range g.Observations {
		if o.EncounterID == "" {
			return &ErrInvariant{Type: TypeObservation, ID: o.ID,
				Detail: "missing encounter reference"}
		}
		if err := checkChild(TypeObservation, o.ID, o.Patient, o.EncounterID); err != nil {
			return err
		}
	}
	return nil
}
