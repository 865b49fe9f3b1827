package schema

import (
	"github.com/tororo-hospice/datawash/internal/entity"
	"github.com/tororo-hospice/datawash/internal/normalize"
)

// Built-in forms mirroring the hospice's Kobo exports. Registered at init;
// a deployment's YAML schema file may override them by name.

func init() {
	for _, f := range []*Form{ClinicalIntake(), SupplyEvent()} {
		if err := Register(f); err != nil {
			panic(err)
		}
	}
}

func text(missing normalize.MissingStrategy, mode normalize.CaseMode) normalize.Rule {
	return normalize.Rule{Trim: true, Case: mode, Missing: missing, Type: normalize.TypeString}
}

func date(missing normalize.MissingStrategy) normalize.Rule {
	return normalize.Rule{Trim: true, Missing: missing, Type: normalize.TypeDate}
}

func integer() normalize.Rule {
	return normalize.Rule{Trim: true, Missing: normalize.MissingKeep, Type: normalize.TypeInt}
}

func enum(values map[string]string) normalize.Rule {
	return normalize.Rule{
		Trim: true, Case: normalize.CaseLower,
		Missing: normalize.MissingKeep,
		Type:    normalize.TypeEnum, EnumMap: values,
	}
}

// ClinicalIntake is the assessment form typed at the clinic: demographics,
// the visit itself, vitals, exam findings, symptom grades, diagnosis,
// medication and the clinical note.
func ClinicalIntake() *Form {
	person := func(attr string, rule normalize.Rule) Binding {
		return Binding{Column: attr, Rule: rule, Target: Target{Entity: entity.TypePerson, Attr: attr}}
	}
	vital := func(column, valueKey string, rule normalize.Rule) Binding {
		return Binding{
			Column: column, Rule: rule,
			Target: Target{Entity: entity.TypeObservation},
			Observation: &ObservationSpec{
				Group: "vital_signs", Type: "vital_sign",
				Category: "cardiovascular", ValueKey: valueKey,
			},
		}
	}
	finding := func(column string) Binding {
		return Binding{
			Column: column, Rule: enum(normalize.Severities),
			Target: Target{Entity: entity.TypeObservation},
			Observation: &ObservationSpec{
				Type: "physical_exam_finding", Category: "general",
				ValueKey: "finding",
			},
		}
	}

	return &Form{
		Name:          "clinical_intake",
		Kind:          KindClinicalIntake,
		EncounterType: "clinical_assessment",
		RecordType:    "clinical_note",
		Bindings: []Binding{
			// Demographics.
			{Column: "patient_name", Rule: text(normalize.MissingDropRow, normalize.CaseLower),
				Target: Target{Entity: entity.TypePerson, Attr: "name"}},
			person("sex", enum(normalize.Sexes)),
			person("age", integer()),
			{Column: "dob", Rule: date(normalize.MissingKeep),
				Target: Target{Entity: entity.TypePerson, Attr: "birth_date"}},
			person("phone", text(normalize.MissingKeep, normalize.CaseNone)),
			person("village", text(normalize.MissingKeep, normalize.CaseLower)),
			person("subcounty", text(normalize.MissingKeep, normalize.CaseLower)),
			{Column: "person_type", Rule: enum(normalize.PersonTypes),
				Target: Target{Entity: entity.TypePerson, Attr: "person_type"}},
			{Column: "reg_number", Rule: text(normalize.MissingKeep, normalize.CaseUpper),
				Target: Target{Entity: entity.TypePerson, Map: "role_data", MapKey: "registration_number"}},
			{Column: "enrollment_date", Rule: text(normalize.MissingKeep, normalize.CaseNone),
				Target: Target{Entity: entity.TypePerson, Map: "role_data", MapKey: "enrollment_date"}},

			// The visit.
			{Column: "assessment_date", Rule: date(normalize.MissingKeep),
				Target: Target{Entity: entity.TypeEncounter, Attr: "occurred_at"}},
			{Column: "seen_at", Rule: text(normalize.MissingKeep, normalize.CaseLower),
				Target: Target{Entity: entity.TypeEncounter, Attr: "location"}},
			{Column: "diagnosis", Rule: text(normalize.MissingKeep, normalize.CaseNone),
				Target: Target{Entity: entity.TypeEncounter, Attr: "chief_complaint"}},
			{Column: "summary", Rule: text(normalize.MissingKeep, normalize.CaseNone),
				Target: Target{Entity: entity.TypeEncounter, Attr: "summary"}},
			{Column: "next_review", Rule: text(normalize.MissingKeep, normalize.CaseNone),
				Target: Target{Entity: entity.TypeEncounter, Attr: "next_visit"}},

			// Vitals: one grouped observation per row.
			vital("pulse_rate", "heart_rate", integer()),
			vital("bp_systol", "blood_pressure_systolic", integer()),
			vital("bp_diastol", "blood_pressure_diastolic", integer()),
			vital("temperature", "temperature",
				normalize.Rule{Trim: true, Missing: normalize.MissingKeep, Type: normalize.TypeFloat}),
			vital("resp_rate", "respiratory_rate", integer()),

			// Physical exam findings: one observation each.
			finding("general_assessment"),
			finding("cachexia"),
			finding("jaundice"),
			finding("pallor"),
			finding("body_wasting"),

			// Neurological assessment scores.
			{Column: "loc", Rule: text(normalize.MissingKeep, normalize.CaseLower),
				Target: Target{Entity: entity.TypeObservation},
				Observation: &ObservationSpec{
					Type: "assessment_score", Category: "neurological",
					Name: "level_of_consciousness", ValueKey: "level",
				}},
			{Column: "orientation", Rule: text(normalize.MissingKeep, normalize.CaseLower),
				Target: Target{Entity: entity.TypeObservation},
				Observation: &ObservationSpec{
					Type: "assessment_score", Category: "neurological",
					Name: "orientation", ValueKey: "status",
				}},

			// Symptom grades: one observation per symptom_* column present.
			{ColumnPrefix: "symptom_", Rule: enum(normalize.Severities),
				Target: Target{Entity: entity.TypeObservation},
				Observation: &ObservationSpec{
					Type: "symptom", Category: "symptom", ValueKey: "severity",
				}},

			// Diagnosis as a disease entity.
			{Column: "diagnosis", Rule: text(normalize.MissingKeep, normalize.CaseLower),
				Target: Target{Entity: entity.TypeDisease, Attr: "name"}},
			{Column: "disease_category", Rule: text(normalize.MissingKeep, normalize.CaseLower),
				Target: Target{Entity: entity.TypeDisease, Attr: "category"}},

			// Medication.
			{Column: "med_name", Rule: text(normalize.MissingKeep, normalize.CaseNone),
				Target: Target{Entity: entity.TypeTreatment, Attr: "name"}},
			{Column: "med_name", Rule: text(normalize.MissingKeep, normalize.CaseNone),
				Target: Target{Entity: entity.TypeTreatment, Map: "details", MapKey: "generic_name"}},
			{Column: "dose", Rule: text(normalize.MissingKeep, normalize.CaseNone),
				Target: Target{Entity: entity.TypeTreatment, Map: "details", MapKey: "dosage"}},
			{Column: "indication", Rule: text(normalize.MissingKeep, normalize.CaseNone),
				Target: Target{Entity: entity.TypeTreatment, Map: "details", MapKey: "indication"}},
			{Column: "date_completed", Rule: text(normalize.MissingKeep, normalize.CaseNone),
				Target: Target{Entity: entity.TypeTreatment, Attr: "end_date"}},
			{Column: "batch_no", Rule: text(normalize.MissingKeep, normalize.CaseUpper),
				Target: Target{Entity: entity.TypeTreatment, Attr: "supply_batch"}},

			// Clinical note.
			{Column: "summary", Rule: text(normalize.MissingKeep, normalize.CaseNone),
				Target: Target{Entity: entity.TypeMedicalRecord, Map: "content", MapKey: "note"}},
			{Column: "seen_by", Rule: text(normalize.MissingKeep, normalize.CaseNone),
				Target: Target{Entity: entity.TypeMedicalRecord, Map: "content", MapKey: "seen_by"}},
		},
	}
}

// SupplyEvent is the inventory form: one row is one stock movement against a
// supply batch.
func SupplyEvent() *Form {
	supply := func(column, attr string, rule normalize.Rule) Binding {
		return Binding{Column: column, Rule: rule, Target: Target{Entity: entity.TypeSupply, Attr: attr}}
	}
	return &Form{
		Name: "supply_event",
		Kind: KindSupplyEvent,
		Bindings: []Binding{
			supply("item", "item_name", text(normalize.MissingDropRow, normalize.CaseTitle)),
			supply("supply_type", "supply_type", text(normalize.MissingKeep, normalize.CaseLower)),
			supply("batch_no", "batch_number", text(normalize.MissingDropRow, normalize.CaseUpper)),
			supply("expiry", "expiry_date", text(normalize.MissingKeep, normalize.CaseNone)),
			supply("quantity", "txn_delta",
				normalize.Rule{Trim: true, Missing: normalize.MissingDropRow, Type: normalize.TypeInt}),
			supply("reason", "txn_reason", enum(normalize.SupplyReasons)),
			supply("recorded_by", "txn_actor", text(normalize.MissingKeep, normalize.CaseNone)),
			supply("date", "txn_date", date(normalize.MissingKeep)),
		},
	}
}
