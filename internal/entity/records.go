package entity

import "time"

// Person is anyone known to the hospice: patients, staff, caregivers,
// volunteers, community health workers, donors, referral contacts. One person
// may accumulate several types over their lifetime; PersonTypes is an
// append-only set.
type Person struct {
	Envelope
	PersonTypes []string `json:"person_types"`
	Name        string   `json:"name,omitempty"`
	Sex         string   `json:"sex,omitempty"`
	BirthDate   string   `json:"birth_date,omitempty"` // YYYY-MM-DD
	Age         int      `json:"age,omitempty"`
	Phone       string   `json:"phone,omitempty"`
	Village     string   `json:"village,omitempty"`
	Subcounty   string   `json:"subcounty,omitempty"`
	District    string   `json:"district,omitempty"`
	Country     string   `json:"country,omitempty"`
	RoleData    Attrs    `json:"role_data,omitempty"`
}

func (p *Person) EntityType() Type { return TypePerson }

// HasType reports whether t is already in the person-type set.
func (p *Person) HasType(t string) bool {
	for _, pt := range p.PersonTypes {
		if pt == t {
			return true
		}
	}
	return false
}

// AddType appends t to the person-type set if absent. Types are never
// removed.
func (p *Person) AddType(t string) {
	if t != "" && !p.HasType(t) {
		p.PersonTypes = append(p.PersonTypes, t)
	}
}

func (p *Person) Clone() Record {
	c := *p
	p.Envelope.cloneInto(&c.Envelope)
	c.PersonTypes = append([]string(nil), p.PersonTypes...)
	c.RoleData = p.RoleData.Clone()
	return &c
}

// Encounter is one visit or assessment of exactly one patient. FormData
// preserves the original submission payload for audit.
type Encounter struct {
	Envelope
	Patient        string    `json:"patient_id"`
	EncounterType  string    `json:"encounter_type"`
	OccurredAt     time.Time `json:"occurred_at"`
	Location       string    `json:"location,omitempty"`
	ChiefComplaint string    `json:"chief_complaint,omitempty"`
	Summary        string    `json:"summary,omitempty"`
	NextVisit      string    `json:"next_visit,omitempty"`
	Status         string    `json:"status,omitempty"`
	FormData       Attrs     `json:"form_data,omitempty"`
}

func (e *Encounter) EntityType() Type { return TypeEncounter }
func (e *Encounter) PersonID() string { return e.Patient }

func (e *Encounter) Clone() Record {
	c := *e
	e.Envelope.cloneInto(&c.Envelope)
	c.FormData = e.FormData.Clone()
	return &c
}

// MedicalRecord is a clinical note or document tied to a person and
// optionally to the encounter it was written during.
type MedicalRecord struct {
	Envelope
	Patient     string   `json:"patient_id"`
	EncounterID string   `json:"encounter_id,omitempty"`
	RecordType  string   `json:"record_type"`
	Title       string   `json:"title,omitempty"`
	Content     Attrs    `json:"content,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
}

func (m *MedicalRecord) EntityType() Type { return TypeMedicalRecord }
func (m *MedicalRecord) PersonID() string { return m.Patient }

func (m *MedicalRecord) Clone() Record {
	c := *m
	m.Envelope.cloneInto(&c.Envelope)
	c.Content = m.Content.Clone()
	c.Attachments = append([]string(nil), m.Attachments...)
	return &c
}

// Treatment records a medication or other intervention, optionally linked to
// the encounter that prescribed it and the supply batch it was dispensed
// from.
type Treatment struct {
	Envelope
	Patient       string `json:"patient_id"`
	EncounterID   string `json:"encounter_id,omitempty"`
	SupplyID      string `json:"supply_id,omitempty"`
	TreatmentType string `json:"treatment_type"`
	Name          string `json:"name,omitempty"`
	StartDate     string `json:"start_date,omitempty"`
	EndDate       string `json:"end_date,omitempty"`
	Status        string `json:"status,omitempty"`
	Details       Attrs  `json:"details,omitempty"`
}

func (t *Treatment) EntityType() Type { return TypeTreatment }
func (t *Treatment) PersonID() string { return t.Patient }

func (t *Treatment) Clone() Record {
	c := *t
	t.Envelope.cloneInto(&c.Envelope)
	c.Details = t.Details.Clone()
	return &c
}

// Disease is a diagnosis attached to a person.
type Disease struct {
	Envelope
	Patient     string `json:"patient_id"`
	EncounterID string `json:"encounter_id,omitempty"`
	Category    string `json:"disease_category"`
	Name        string `json:"disease_name"`
	DiagnosedAt string `json:"diagnosed_at,omitempty"`
	Status      string `json:"status,omitempty"`
	Details     Attrs  `json:"disease_details,omitempty"`
}

func (d *Disease) EntityType() Type { return TypeDisease }
func (d *Disease) PersonID() string { return d.Patient }

func (d *Disease) Clone() Record {
	c := *d
	d.Envelope.cloneInto(&c.Envelope)
	c.Details = d.Details.Clone()
	return &c
}

// Observation is one point in the time series of (person, observation name):
// a vital-sign panel, a physical exam finding, an assessment score. It always
// belongs to an encounter.
type Observation struct {
	Envelope
	Patient     string    `json:"patient_id"`
	EncounterID string    `json:"encounter_id"`
	ObsType     string    `json:"observation_type"`
	Category    string    `json:"observation_category,omitempty"`
	Name        string    `json:"observation_name"`
	Value       Attrs     `json:"value"`
	RecordedAt  time.Time `json:"recorded_at"`
}

func (o *Observation) EntityType() Type { return TypeObservation }
func (o *Observation) PersonID() string { return o.Patient }

func (o *Observation) Clone() Record {
	c := *o
	o.Envelope.cloneInto(&c.Envelope)
	c.Value = o.Value.Clone()
	return &c
}

// Supply is an inventory batch with an append-only transaction log. Quantity
// must equal the sum of transaction deltas at all times; mutate it only
// through Apply.
type Supply struct {
	Envelope
	SupplyType   string              `json:"supply_type"`
	ItemName     string              `json:"item_name"`
	BatchNumber  string              `json:"batch_number,omitempty"`
	ExpiryDate   string              `json:"expiry_date,omitempty"`
	Quantity     int                 `json:"quantity"`
	Transactions []SupplyTransaction `json:"transactions,omitempty"`
}

func (s *Supply) EntityType() Type { return TypeSupply }

// Apply appends a transaction and adjusts the running quantity, keeping the
// quantity == sum(deltas) invariant by construction.
func (s *Supply) Apply(tx SupplyTransaction) {
	s.Transactions = append(s.Transactions, tx)
	s.Quantity += tx.Delta
}

// CheckQuantity verifies the running quantity against the transaction log.
func (s *Supply) CheckQuantity() error {
	sum := 0
	for _, tx := range s.Transactions {
		sum += tx.Delta
	}
	if sum != s.Quantity {
		return &ErrInvariant{Type: TypeSupply, ID: s.ID,
			Detail: "quantity does not equal sum of transaction deltas"}
	}
	return nil
}

func (s *Supply) Clone() Record {
	c := *s
	s.Envelope.cloneInto(&c.Envelope)
	c.Transactions = append([]SupplyTransaction(nil), s.Transactions...)
	return &c
}
