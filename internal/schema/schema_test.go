package schema

import (
	"testing"

	"github.com/tororo-hospice/datawash/internal/entity"
	"github.com/tororo-hospice/datawash/internal/normalize"
)

// ---- Registry Tests ----

func TestBuiltinsRegistered(t *testing.T) {
	for _, name := range []string{"clinical_intake", "supply_event"} {
		f, ok := Get(name)
		if !ok {
			t.Fatalf("builtin form %q not registered", name)
		}
		if err := f.Validate(); err != nil {
			t.Errorf("builtin %q invalid: %v", name, err)
		}
	}
}

func TestGet_CaseInsensitive(t *testing.T) {
	if _, ok := Get("Clinical_Intake"); !ok {
		t.Error("lookup should be case-insensitive")
	}
	if _, ok := Get("nope"); ok {
		t.Error("unknown form reported found")
	}
}

func TestNames_Sorted(t *testing.T) {
	names := Names()
	for i := 1; i < len(names); i++ {
		if names[i-1] > names[i] {
			t.Fatalf("names not sorted: %v", names)
		}
	}
}

// ---- Validate Tests ----

func TestFormValidate(t *testing.T) {
	valid := func() *Form {
		return &Form{
			Name: "test_form",
			Kind: KindClinicalIntake,
			Bindings: []Binding{
				{Column: "patient_name", Target: Target{Entity: entity.TypePerson, Attr: "name"}},
			},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Form)
		ok     bool
	}{
		{"valid form", func(f *Form) {}, true},
		{"missing name", func(f *Form) { f.Name = "" }, false},
		{"unknown kind", func(f *Form) { f.Kind = "questionnaire" }, false},
		{"binding without column", func(f *Form) { f.Bindings[0].Column = "" }, false},
		{"prefix binding is fine", func(f *Form) {
			f.Bindings[0].Column = ""
			f.Bindings[0].ColumnPrefix = "symptom_"
			f.Bindings[0].Target = Target{Entity: entity.TypeObservation}
			f.Bindings[0].Observation = &ObservationSpec{Type: "symptom"}
		}, true},
		{"unknown target entity", func(f *Form) { f.Bindings[0].Target.Entity = "widget" }, false},
		{"observation spec on non-observation target", func(f *Form) {
			f.Bindings[0].Observation = &ObservationSpec{Type: "symptom"}
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := valid()
			tt.mutate(f)
			err := f.Validate()
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

// ---- YAML Loading Tests ----

func TestLoadYAML(t *testing.T) {
	doc := []byte(`
- name: referral_intake
  kind: clinical_intake
  encounter_type: referral
  bindings:
    - column: patient_name
      rule:
        trim: true
        case: lower
        missing: drop_row
        type: string
      target:
        entity: person
        attr: name
    - column: referred_by
      rule:
        trim: true
      target:
        entity: person
        map: role_data
        map_key: referred_by
`)
	if err := LoadYAML(doc); err != nil {
		t.Fatalf("LoadYAML: %v", err)
	}

	f, ok := Get("referral_intake")
	if !ok {
		t.Fatal("loaded form not registered")
	}
	if f.EncounterType != "referral" {
		t.Errorf("encounter_type = %q", f.EncounterType)
	}
	if len(f.Bindings) != 2 {
		t.Fatalf("bindings = %d", len(f.Bindings))
	}
	b := f.Bindings[0]
	if b.Rule.Missing != normalize.MissingDropRow || !b.Rule.Trim {
		t.Errorf("rule = %+v", b.Rule)
	}
	if f.Bindings[1].Target.MapKey != "referred_by" {
		t.Errorf("target = %+v", f.Bindings[1].Target)
	}
}

func TestLoadYAML_InvalidFormRejected(t *testing.T) {
	doc := []byte(`
- name: broken
  kind: unheard_of
  bindings: []
`)
	if err := LoadYAML(doc); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestLoadYAML_ParseError(t *testing.T) {
	if err := LoadYAML([]byte("not: [valid")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestRegister_OverridesByName(t *testing.T) {
	f := &Form{
		Name: "override_me",
		Kind: KindSupplyEvent,
		Bindings: []Binding{
			{Column: "item", Target: Target{Entity: entity.TypeSupply, Attr: "item_name"}},
		},
	}
	if err := Register(f); err != nil {
		t.Fatalf("Register: %v", err)
	}

	replacement := &Form{
		Name: "Override_Me",
		Kind: KindSupplyEvent,
		Bindings: []Binding{
			{Column: "product", Target: Target{Entity: entity.TypeSupply, Attr: "item_name"}},
		},
	}
	if err := Register(replacement); err != nil {
		t.Fatalf("Register replacement: %v", err)
	}

	got, _ := Get("override_me")
	if got.Bindings[0].Column != "product" {
		t.Error("later registration did not win")
	}
}
