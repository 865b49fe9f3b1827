package normalize

import (
	"testing"
	"time"
)

// ---- Field Tests ----

func TestField_TrimAndCase(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		rule Rule
		want any
	}{
		// Whitespace handling
		{"trims surrounding whitespace", "  Maria Lopez  ", Rule{Trim: true}, "Maria Lopez"},
		{"keeps whitespace when trim off", " x ", Rule{}, " x "},

		// Case folding
		{"lower folds", "ACTIVE", Rule{Case: CaseLower}, "active"},
		{"upper folds", "rn-4417", Rule{Case: CaseUpper}, "RN-4417"},
		{"title folds mixed input", "mARIA lOPEZ", Rule{Trim: true, Case: CaseTitle}, "Maria Lopez"},
		{"none leaves value alone", "MiXeD", Rule{Case: CaseNone}, "MiXeD"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, warnings := Field("f", tt.raw, tt.rule)
			if len(warnings) != 0 {
				t.Fatalf("unexpected warnings: %v", warnings)
			}
			if !got.Present {
				t.Fatal("expected value to be present")
			}
			if got.Value != tt.want {
				t.Errorf("got %v, want %v", got.Value, tt.want)
			}
		})
	}
}

func TestField_MissingStrategies(t *testing.T) {
	t.Run("keep leaves field absent without warning", func(t *testing.T) {
		got, warnings := Field("notes", "   ", Rule{Trim: true, Missing: MissingKeep})
		if got.Present || got.RejectRow {
			t.Errorf("got %+v, want absent field", got)
		}
		if len(warnings) != 0 {
			t.Errorf("unexpected warnings: %v", warnings)
		}
	})

	t.Run("drop_row rejects the row", func(t *testing.T) {
		got, warnings := Field("full_name", "", Rule{Trim: true, Missing: MissingDropRow})
		if !got.RejectRow {
			t.Fatal("expected RejectRow")
		}
		if len(warnings) != 1 || warnings[0].Code != WarnRowRejected {
			t.Errorf("got warnings %v, want one %s", warnings, WarnRowRejected)
		}
	})

	t.Run("drop_field records a warning", func(t *testing.T) {
		got, warnings := Field("phone", "", Rule{Missing: MissingDropField})
		if got.Present {
			t.Error("expected field to be dropped")
		}
		if len(warnings) != 1 || warnings[0].Code != WarnFieldDropped {
			t.Errorf("got warnings %v, want one %s", warnings, WarnFieldDropped)
		}
	})

	t.Run("default substitutes the rule default", func(t *testing.T) {
		got, warnings := Field("status", "", Rule{Missing: MissingDefault, Default: "unknown"})
		if !got.Present || got.Value != "unknown" {
			t.Errorf("got %+v, want default value", got)
		}
		if len(warnings) != 0 {
			t.Errorf("unexpected warnings: %v", warnings)
		}
	})

	t.Run("default with empty default stays absent", func(t *testing.T) {
		got, _ := Field("status", "", Rule{Missing: MissingDefault})
		if got.Present {
			t.Errorf("got %+v, want absent field", got)
		}
	})

	t.Run("value that trims to empty triggers missing policy", func(t *testing.T) {
		got, _ := Field("status", "\t \n", Rule{Trim: true, Missing: MissingDefault, Default: "active"})
		if got.Value != "active" {
			t.Errorf("got %v, want active", got.Value)
		}
	})
}

func TestField_Coercion(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		rule Rule
		want any
	}{
		// Integers
		{"plain int", "42", Rule{Type: TypeInt}, int64(42)},
		{"int with thousand separator", "1,234", Rule{Type: TypeInt}, int64(1234)},
		{"negative int", "-7", Rule{Type: TypeInt}, int64(-7)},
		{"accounting parentheses", "(15)", Rule{Type: TypeInt}, int64(-15)},

		// Floats
		{"plain float", "36.8", Rule{Type: TypeFloat}, 36.8},
		{"float with separator", "1,250.5", Rule{Type: TypeFloat}, 1250.5},
		{"scientific notation", "1.5e2", Rule{Type: TypeFloat}, 150.0},

		// Strings pass through
		{"string type is identity", "hello", Rule{Type: TypeString}, "hello"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, warnings := Field("f", tt.raw, tt.rule)
			if len(warnings) != 0 {
				t.Fatalf("unexpected warnings: %v", warnings)
			}
			if got.Invalid {
				t.Fatalf("unexpected invalid result for %q", tt.raw)
			}
			if got.Value != tt.want {
				t.Errorf("got %v (%T), want %v (%T)", got.Value, got.Value, tt.want, tt.want)
			}
		})
	}
}

func TestField_CoercionFailureKeepsRaw(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		rule Rule
	}{
		{"non-numeric int", "abc", Rule{Type: TypeInt}},
		{"garbled float", "12..5", Rule{Type: TypeFloat}},
		{"unparseable date", "sometime last spring", Rule{Type: TypeDate}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, warnings := Field("f", tt.raw, tt.rule)
			if !got.Invalid || !got.Present {
				t.Fatalf("got %+v, want invalid present result", got)
			}
			if got.Value != tt.raw {
				t.Errorf("raw value not preserved: got %v, want %q", got.Value, tt.raw)
			}
			if len(warnings) != 1 || warnings[0].Code != WarnCoerceFailed {
				t.Errorf("got warnings %v, want one %s", warnings, WarnCoerceFailed)
			}
		})
	}
}

func TestField_EnumMapping(t *testing.T) {
	rule := Rule{
		Trim: true,
		Case: CaseLower,
		Type: TypeEnum,
		EnumMap: map[string]string{
			"m":    "male",
			"f":    "female",
			"masc": "male",
		},
	}

	t.Run("maps raw synonym", func(t *testing.T) {
		got, warnings := Field("sex", " M ", rule)
		if got.Value != "male" {
			t.Errorf("got %v, want male", got.Value)
		}
		if len(warnings) != 0 {
			t.Errorf("unexpected warnings: %v", warnings)
		}
	})

	t.Run("canonical value stays mapped", func(t *testing.T) {
		got, warnings := Field("sex", "female", rule)
		if got.Value != "female" {
			t.Errorf("got %v, want female", got.Value)
		}
		if len(warnings) != 0 {
			t.Errorf("unexpected warnings: %v", warnings)
		}
	})

	t.Run("unmapped value passes through with warning", func(t *testing.T) {
		got, warnings := Field("sex", "other", rule)
		if got.Value != "other" {
			t.Errorf("got %v, want passthrough", got.Value)
		}
		if len(warnings) != 1 || warnings[0].Code != WarnEnumUnmapped {
			t.Errorf("got warnings %v, want one %s", warnings, WarnEnumUnmapped)
		}
	})
}

// ---- ParseDate Tests ----

func TestParseDate(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		// ISO and slash forms
		{"iso", "1953-04-12", "1953-04-12"},
		{"us slashes", "4/12/1953", "1953-04-12"},
		{"padded us slashes", "04/12/1953", "1953-04-12"},
		{"dotted", "12.04.1953", "1953-12-04"},
		{"compact", "19530412", "1953-04-12"},
		{"month name", "Apr 12, 1953", "1953-04-12"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseDate(tt.raw, nil)
			if !ok {
				t.Fatalf("ParseDate(%q) failed", tt.raw)
			}
			if got.Format("2006-01-02") != tt.want {
				t.Errorf("got %s, want %s", got.Format("2006-01-02"), tt.want)
			}
		})
	}

	t.Run("custom layouts take priority", func(t *testing.T) {
		got, ok := ParseDate("12/04/1953", []string{"02/01/2006"})
		if !ok {
			t.Fatal("parse failed")
		}
		// Day-first layout wins over the default month-first one.
		if got.Month() != time.April || got.Day() != 12 {
			t.Errorf("got %v, want April 12", got)
		}
	})

	t.Run("two digit year in the past stays put", func(t *testing.T) {
		got, ok := ParseDate("4/12/98", nil)
		if !ok {
			t.Fatal("parse failed")
		}
		if got.Year() != 1998 {
			t.Errorf("got year %d, want 1998", got.Year())
		}
	})

	t.Run("empty string fails", func(t *testing.T) {
		if _, ok := ParseDate("  ", nil); ok {
			t.Error("expected failure for blank input")
		}
	})

	t.Run("garbage fails", func(t *testing.T) {
		if _, ok := ParseDate("not a date", nil); ok {
			t.Error("expected failure")
		}
	})
}

// ---- cleanNumeric Tests ----

func TestCleanNumeric(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"1,234", "1234"},
		{"(15)", "-15"},
		{"( 2,500 )", "-2500"},
		{"  42  ", "42"},
		{"-3.5", "-3.5"},
	}

	for _, tt := range tests {
		if got := cleanNumeric(tt.in); got != tt.want {
			t.Errorf("cleanNumeric(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
