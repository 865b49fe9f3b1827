package extract

import (
	"strings"
	"testing"
	"time"

	"github.com/tororo-hospice/datawash/internal/entity"
	"github.com/tororo-hospice/datawash/internal/schema"
)

var testNow = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

func mustForm(t *testing.T, name string) *schema.Form {
	t.Helper()
	form, ok := schema.Get(name)
	if !ok {
		t.Fatalf("form %q not registered", name)
	}
	return form
}

func fragByLocal(frags []*Fragment, local string) *Fragment {
	for _, f := range frags {
		if f.Local == local {
			return f
		}
	}
	return nil
}

// ---- Clinical Intake Extraction Tests ----

func TestExtract_ClinicalRow(t *testing.T) {
	source := RowRef{File: "intake.csv", Line: 3}
	fields := map[string]string{
		"patient_name":    "  Maria LOPEZ ",
		"sex":             "F",
		"age":             "72",
		"reg_number":      "rn-4417",
		"assessment_date": "2026-04-12",
		"seen_at":         "Clinic",
		"diagnosis":       "Cervical Cancer",
		"summary":         "stable, continue regimen",
		"seen_by":         "Nurse A",
		"pulse_rate":      "88",
		"bp_systol":       "130",
		"temperature":     "36.8",
		"symptom_pain":    "moderate",
		"symptom_nausea":  "Mild",
		"med_name":        "Morphine",
		"dose":            "5mg q4h",
		"batch_no":        "mor-2024-03",
	}

	frags, warnings, rejected := Extract(source, fields, mustForm(t, "clinical_intake"), testNow)
	if rejected {
		t.Fatal("row unexpectedly rejected")
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}

	person := fragByLocal(frags, "person")
	if person == nil {
		t.Fatal("no person fragment")
	}
	if person.Attrs["name"] != "maria lopez" {
		t.Errorf("name = %v", person.Attrs["name"])
	}
	if person.Attrs["sex"] != "female" {
		t.Errorf("sex = %v", person.Attrs["sex"])
	}
	if person.Attrs["age"] != int64(72) {
		t.Errorf("age = %v (%T)", person.Attrs["age"], person.Attrs["age"])
	}
	if person.Attrs["person_type"] != "patient" {
		t.Errorf("person_type default missing: %v", person.Attrs["person_type"])
	}
	if person.Maps["role_data"]["registration_number"] != "RN-4417" {
		t.Errorf("registration_number = %v", person.Maps["role_data"]["registration_number"])
	}

	encounter := fragByLocal(frags, "encounter")
	if encounter == nil {
		t.Fatal("no encounter fragment")
	}
	occurred, ok := encounter.Attrs["occurred_at"].(time.Time)
	if !ok || occurred.Format("2006-01-02") != "2026-04-12" {
		t.Errorf("occurred_at = %v", encounter.Attrs["occurred_at"])
	}
	if encounter.Attrs["encounter_type"] != "clinical_assessment" {
		t.Errorf("encounter_type = %v", encounter.Attrs["encounter_type"])
	}
	if encounter.Maps["form_data"]["batch_no"] != "mor-2024-03" {
		t.Error("form_data does not preserve the raw submission")
	}
	if len(encounter.Refs) != 1 || encounter.Refs[0].Local != "person" {
		t.Errorf("encounter refs = %v", encounter.Refs)
	}

	// Fragments are re-timestamped to the assessment date, the person
	// included, so conflict policies compare clinical dates.
	if !person.ObservedAt.Equal(occurred) {
		t.Errorf("person ObservedAt = %v, want %v", person.ObservedAt, occurred)
	}
	if !encounter.ObservedAt.Equal(occurred) {
		t.Errorf("encounter ObservedAt = %v, want %v", encounter.ObservedAt, occurred)
	}

	treatment := fragByLocal(frags, "treatment")
	if treatment == nil {
		t.Fatal("no treatment fragment")
	}
	if treatment.Attrs["name"] != "Morphine" {
		t.Errorf("treatment name = %v", treatment.Attrs["name"])
	}
	if _, present := treatment.Attrs["supply_batch"]; present {
		t.Error("supply_batch should be lifted into a ref")
	}
	var supplyRef *Ref
	for i := range treatment.Refs {
		if treatment.Refs[i].Field == "supply_id" {
			supplyRef = &treatment.Refs[i]
		}
	}
	if supplyRef == nil || supplyRef.MatchKey != "MOR-2024-03" || supplyRef.Target != entity.TypeSupply {
		t.Errorf("supply ref = %+v", supplyRef)
	}

	disease := fragByLocal(frags, "disease")
	if disease == nil {
		t.Fatal("no disease fragment")
	}
	if disease.Attrs["name"] != "cervical cancer" {
		t.Errorf("disease name = %v", disease.Attrs["name"])
	}
	if disease.Attrs["category"] != "unspecified" {
		t.Errorf("disease category = %v", disease.Attrs["category"])
	}

	record := fragByLocal(frags, "record")
	if record == nil {
		t.Fatal("no record fragment")
	}
	if record.Attrs["record_type"] != "clinical_note" {
		t.Errorf("record_type = %v", record.Attrs["record_type"])
	}
	if record.Maps["content"]["note"] != "stable, continue regimen" {
		t.Errorf("note = %v", record.Maps["content"]["note"])
	}
}

func TestExtract_GroupedVitals(t *testing.T) {
	fields := map[string]string{
		"patient_name": "Test Person",
		"pulse_rate":   "88",
		"bp_systol":    "130",
		"temperature":  "36.8",
	}
	frags, _, _ := Extract(RowRef{File: "f", Line: 1}, fields, mustForm(t, "clinical_intake"), testNow)

	vitals := fragByLocal(frags, "obs:vital_signs")
	if vitals == nil {
		t.Fatal("no vital_signs observation")
	}
	if vitals.Attrs["name"] != "vital_signs" || vitals.Attrs["observation_type"] != "vital_sign" {
		t.Errorf("attrs = %v", vitals.Attrs)
	}
	value := vitals.Maps["value"]
	if value["heart_rate"] != int64(88) {
		t.Errorf("heart_rate = %v", value["heart_rate"])
	}
	if value["blood_pressure_systolic"] != int64(130) {
		t.Errorf("systolic = %v", value["blood_pressure_systolic"])
	}
	if value["temperature"] != 36.8 {
		t.Errorf("temperature = %v", value["temperature"])
	}

	// One panel, not one observation per vital column.
	count := 0
	for _, f := range frags {
		if f.Type == entity.TypeObservation {
			count++
		}
	}
	if count != 1 {
		t.Errorf("observation fragments = %d, want 1", count)
	}
}

func TestExtract_SymptomPrefixExpansion(t *testing.T) {
	fields := map[string]string{
		"patient_name":   "Test Person",
		"symptom_pain":   "severe",
		"symptom_nausea": "1",
	}
	frags, _, _ := Extract(RowRef{File: "f", Line: 1}, fields, mustForm(t, "clinical_intake"), testNow)

	pain := fragByLocal(frags, "obs:pain")
	if pain == nil {
		t.Fatal("no pain observation")
	}
	if pain.Maps["value"]["severity"] != "severe" {
		t.Errorf("pain severity = %v", pain.Maps["value"]["severity"])
	}
	nausea := fragByLocal(frags, "obs:nausea")
	if nausea == nil {
		t.Fatal("no nausea observation")
	}
	// "1" canonicalizes on the severity scale.
	if nausea.Maps["value"]["severity"] != "mild" {
		t.Errorf("nausea severity = %v", nausea.Maps["value"]["severity"])
	}
}

func TestExtract_DropRowOnMissingName(t *testing.T) {
	fields := map[string]string{
		"patient_name": "   ",
		"age":          "50",
	}
	frags, warnings, rejected := Extract(RowRef{File: "f", Line: 2}, fields, mustForm(t, "clinical_intake"), testNow)
	if !rejected {
		t.Fatal("expected row rejection")
	}
	if frags != nil {
		t.Errorf("rejected row produced fragments: %v", frags)
	}
	if len(warnings) == 0 {
		t.Error("expected a row_rejected warning")
	}
}

func TestExtract_InvalidValuePreserved(t *testing.T) {
	fields := map[string]string{
		"patient_name": "Test Person",
		"age":          "seventy-two",
	}
	frags, warnings, rejected := Extract(RowRef{File: "f", Line: 1}, fields, mustForm(t, "clinical_intake"), testNow)
	if rejected {
		t.Fatal("row unexpectedly rejected")
	}

	person := fragByLocal(frags, "person")
	if _, present := person.Attrs["age"]; present {
		t.Error("invalid age must not reach the typed attribute")
	}
	if person.Maps["invalid"]["age"] != "seventy-two" {
		t.Errorf("invalid map = %v", person.Maps["invalid"])
	}
	if len(warnings) != 1 {
		t.Errorf("warnings = %v, want one coerce failure", warnings)
	}
}

func TestExtract_EmptyRowYieldsNothing(t *testing.T) {
	frags, _, rejected := Extract(RowRef{File: "f", Line: 9},
		map[string]string{"unrelated": "x"}, mustForm(t, "clinical_intake"), testNow)
	if rejected {
		t.Fatal("unexpected rejection")
	}
	if frags != nil {
		t.Errorf("got fragments %v from an unidentifiable row", frags)
	}
}

// ---- Supply Event Extraction Tests ----

func TestExtract_SupplyRow(t *testing.T) {
	fields := map[string]string{
		"item":        "morphine sulfate",
		"supply_type": "Medication",
		"batch_no":    "mor-2024-03",
		"quantity":    "(15)",
		"reason":      "issued",
		"recorded_by": "Pharmacist B",
		"date":        "2026-04-12",
	}
	frags, warnings, rejected := Extract(RowRef{File: "supply.csv", Line: 2}, fields, mustForm(t, "supply_event"), testNow)
	if rejected {
		t.Fatal("row unexpectedly rejected")
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if len(frags) != 1 {
		t.Fatalf("fragments = %d, want 1", len(frags))
	}

	supply := frags[0]
	if supply.Type != entity.TypeSupply {
		t.Fatalf("type = %s", supply.Type)
	}
	if supply.Attrs["item_name"] != "Morphine Sulfate" {
		t.Errorf("item_name = %v", supply.Attrs["item_name"])
	}
	if supply.Attrs["batch_number"] != "MOR-2024-03" {
		t.Errorf("batch_number = %v", supply.Attrs["batch_number"])
	}
	if supply.Attrs["txn_delta"] != int64(-15) {
		t.Errorf("txn_delta = %v", supply.Attrs["txn_delta"])
	}
	if supply.Attrs["txn_reason"] != "dispensed" {
		t.Errorf("txn_reason = %v", supply.Attrs["txn_reason"])
	}
}

func TestExtract_SupplyRowMissingQuantityRejected(t *testing.T) {
	fields := map[string]string{
		"item":     "Paracetamol",
		"batch_no": "PARA-01",
		"quantity": "",
	}
	_, _, rejected := Extract(RowRef{File: "supply.csv", Line: 3}, fields, mustForm(t, "supply_event"), testNow)
	if !rejected {
		t.Fatal("expected rejection for missing quantity")
	}
}

// ---- OriginKey Tests ----

func TestOriginKey(t *testing.T) {
	f := &Fragment{
		Source: RowRef{File: "intake.csv", Line: 7},
		Local:  "person",
		Attrs:  map[string]any{"name": "maria lopez"},
	}
	key := f.OriginKey()
	if !strings.HasPrefix(key, "intake.csv:7#person@") {
		t.Fatalf("OriginKey = %q", key)
	}

	same := &Fragment{
		Source: RowRef{File: "intake.csv", Line: 7},
		Local:  "person",
		Attrs:  map[string]any{"name": "maria lopez"},
	}
	if same.OriginKey() != key {
		t.Error("identical content produced different origin keys")
	}
}

func TestOriginKey_ContentChangesTheKey(t *testing.T) {
	// Recurring exports reuse file names and line numbers; only identical
	// content may count as the same row.
	base := &Fragment{
		Source: RowRef{File: "export.csv", Line: 2},
		Local:  "person",
		Attrs:  map[string]any{"name": "john okello"},
	}
	other := &Fragment{
		Source: RowRef{File: "export.csv", Line: 2},
		Local:  "person",
		Attrs:  map[string]any{"name": "grace adongo"},
	}
	if base.OriginKey() == other.OriginKey() {
		t.Error("different content at the same position shares an origin key")
	}

	inMap := &Fragment{
		Source: RowRef{File: "export.csv", Line: 2},
		Local:  "person",
		Attrs:  map[string]any{"name": "john okello"},
		Maps:   map[string]entity.Attrs{"role_data": {"ward": "north"}},
	}
	if base.OriginKey() == inMap.OriginKey() {
		t.Error("map content does not reach the origin key")
	}
}
