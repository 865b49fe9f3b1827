package merge

import (
	"time"

	"github.com/tororo-hospice/datawash/internal/entity"
)

func (m *mergeCtx) applyPerson(p *entity.Person) {
	m.str("name", &p.Name)
	m.str("sex", &p.Sex)
	m.dateStr("birth_date", &p.BirthDate)
	m.integer("age", &p.Age)
	m.str("phone", &p.Phone)
	m.str("village", &p.Village)
	m.str("subcounty", &p.Subcounty)
	m.str("district", &p.District)
	m.str("country", &p.Country)
	m.mapMerge("role_data", &p.RoleData)

	// Person types accumulate; adding a second type is never a conflict.
	if t := asString(m.frag.Attrs["person_type"]); t != "" && !p.HasType(t) {
		p.AddType(t)
		m.touched("person_types")
	}
}

func (m *mergeCtx) applyEncounter(e *entity.Encounter, refs map[string]string) {
	m.ref("patient_id", &e.Patient, refs)
	m.str("encounter_type", &e.EncounterType)
	m.timestamp("occurred_at", &e.OccurredAt)
	m.str("location", &e.Location)
	m.str("chief_complaint", &e.ChiefComplaint)
	m.str("summary", &e.Summary)
	m.str("next_visit", &e.NextVisit)
	m.str("status", &e.Status)
	m.mapMerge("form_data", &e.FormData)

	if e.OccurredAt.IsZero() {
		e.OccurredAt = m.frag.ObservedAt
		m.touched("occurred_at")
	}
}

func (m *mergeCtx) applyMedicalRecord(r *entity.MedicalRecord, refs map[string]string) {
	m.ref("patient_id", &r.Patient, refs)
	m.ref("encounter_id", &r.EncounterID, refs)
	m.str("record_type", &r.RecordType)
	m.str("title", &r.Title)
	m.mapMerge("content", &r.Content)
}

func (m *mergeCtx) applyTreatment(t *entity.Treatment, refs map[string]string) {
	m.ref("patient_id", &t.Patient, refs)
	m.ref("encounter_id", &t.EncounterID, refs)
	m.ref("supply_id", &t.SupplyID, refs)
	m.str("treatment_type", &t.TreatmentType)
	m.str("name", &t.Name)
	m.dateStr("start_date", &t.StartDate)
	m.dateStr("end_date", &t.EndDate)
	m.str("status", &t.Status)
	m.mapMerge("details", &t.Details)

	if t.StartDate == "" && !m.frag.ObservedAt.IsZero() {
		t.StartDate = m.frag.ObservedAt.Format("2006-01-02")
		m.touched("start_date")
	}
}

func (m *mergeCtx) applyDisease(d *entity.Disease, refs map[string]string) {
	m.ref("patient_id", &d.Patient, refs)
	m.ref("encounter_id", &d.EncounterID, refs)
	m.str("category", &d.Category)
	m.str("name", &d.Name)
	m.dateStr("diagnosed_at", &d.DiagnosedAt)
	m.str("status", &d.Status)
	m.mapMerge("details", &d.Details)

	if d.DiagnosedAt == "" && !m.frag.ObservedAt.IsZero() {
		d.DiagnosedAt = m.frag.ObservedAt.Format("2006-01-02")
		m.touched("diagnosed_at")
	}
}

func (m *mergeCtx) applyObservation(o *entity.Observation, refs map[string]string) {
	m.ref("patient_id", &o.Patient, refs)
	m.ref("encounter_id", &o.EncounterID, refs)
	m.str("observation_type", &o.ObsType)
	m.str("category", &o.Category)
	m.str("name", &o.Name)
	m.mapMerge("value", &o.Value)

	if o.RecordedAt.IsZero() {
		o.RecordedAt = m.frag.ObservedAt
		m.touched("recorded_at")
	}
}

// applySupply merges batch descriptors and, when the fragment carries a
// stock movement, appends it to the transaction log. The log is append-only;
// replays are already filtered out by the origin check in Apply.
func (m *mergeCtx) applySupply(s *entity.Supply) error {
	m.str("supply_type", &s.SupplyType)
	m.str("item_name", &s.ItemName)
	m.str("batch_number", &s.BatchNumber)
	m.dateStr("expiry_date", &s.ExpiryDate)

	if delta, ok := asInt(m.frag.Attrs["txn_delta"]); ok {
		at := m.frag.ObservedAt
		if d, isTime := m.frag.Attrs["txn_date"].(time.Time); isTime {
			at = d
		}
		s.Apply(entity.SupplyTransaction{
			Delta:  delta,
			Reason: asString(m.frag.Attrs["txn_reason"]),
			Actor:  asString(m.frag.Attrs["txn_actor"]),
			At:     at,
		})
		m.touched("transactions")
	}
	return s.CheckQuantity()
}
