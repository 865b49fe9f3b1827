// Package normalize implements per-field value normalization driven by
// declarative rules.
//
// Each field goes through a fixed sequence: trim, case folding, the missing
// value policy, type coercion, then enum canonicalization. The package never
// silently corrupts data: a value that cannot be confidently transformed is
// preserved in raw form and flagged with a warning, never dropped without a
// trace.
package normalize

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// CaseMode selects the case folding applied to a field.
type CaseMode string

const (
	CaseNone  CaseMode = "none"
	CaseLower CaseMode = "lower"
	CaseUpper CaseMode = "upper"
	CaseTitle CaseMode = "title"
)

// MissingStrategy decides what happens when a field is empty after trimming.
type MissingStrategy string

const (
	// MissingKeep leaves the field absent from the fragment.
	MissingKeep MissingStrategy = "keep"
	// MissingDropRow rejects the whole source row.
	MissingDropRow MissingStrategy = "drop_row"
	// MissingDropField omits the field and records a warning.
	MissingDropField MissingStrategy = "drop_field"
	// MissingDefault substitutes the rule's default value.
	MissingDefault MissingStrategy = "default"
)

// ValueType is the coercion target for a field.
type ValueType string

const (
	TypeString ValueType = "string"
	TypeInt    ValueType = "int"
	TypeFloat  ValueType = "float"
	TypeDate   ValueType = "date"
	TypeEnum   ValueType = "enum"
)

// Rule is the declarative normalization configuration for one field.
type Rule struct {
	Trim        bool              `yaml:"trim"`
	Case        CaseMode          `yaml:"case"`
	Missing     MissingStrategy   `yaml:"missing"`
	Default     string            `yaml:"default"`
	Type        ValueType         `yaml:"type"`
	EnumMap     map[string]string `yaml:"enum_map"`
	DateFormats []string          `yaml:"date_formats"`
}

// Warning codes emitted during normalization.
const (
	WarnCoerceFailed = "coerce_failed"
	WarnEnumUnmapped = "enum_unmapped"
	WarnFieldDropped = "field_dropped"
	WarnRowRejected  = "row_rejected"
)

// Warning is a structured, recoverable problem found while normalizing one
// field. Warnings surface on the run report; they never abort a batch.
type Warning struct {
	Field   string `json:"field"`
	Raw     string `json:"raw,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Result is the outcome of normalizing a single field value.
//
// When Invalid is true the coercion failed and Value holds the raw string so
// no information is lost. When Present is false the field is absent from the
// fragment (empty with keep/drop_field policy). RejectRow signals that the
// missing policy demands the entire row be rejected.
type Result struct {
	Value     any
	Raw       string
	Present   bool
	Invalid   bool
	RejectRow bool
}

// Field normalizes one raw value under the given rule.
func Field(field, raw string, rule Rule) (Result, []Warning) {
	var warnings []Warning
	val := raw

	if rule.Trim {
		val = strings.TrimSpace(val)
	}
	val = foldCase(val, rule.Case)

	if val == "" {
		switch rule.Missing {
		case MissingDropRow:
			warnings = append(warnings, Warning{
				Field: field, Code: WarnRowRejected,
				Message: "required field is empty",
			})
			return Result{Raw: raw, RejectRow: true}, warnings
		case MissingDropField:
			warnings = append(warnings, Warning{
				Field: field, Code: WarnFieldDropped,
				Message: "empty field dropped",
			})
			return Result{Raw: raw}, warnings
		case MissingDefault:
			val = rule.Default
			if val == "" {
				return Result{Raw: raw}, warnings
			}
		default: // MissingKeep
			return Result{Raw: raw}, warnings
		}
	}

	coerced, ok := coerce(val, rule)
	if !ok {
		warnings = append(warnings, Warning{
			Field: field, Raw: raw, Code: WarnCoerceFailed,
			Message: "cannot coerce value to " + string(rule.Type) + ", kept raw",
		})
		return Result{Value: val, Raw: raw, Present: true, Invalid: true}, warnings
	}

	if rule.Type == TypeEnum && len(rule.EnumMap) > 0 {
		s, _ := coerced.(string)
		if canonical, mapped := lookupEnum(s, rule.EnumMap); mapped {
			coerced = canonical
		} else {
			// Unmapped values pass through unchanged but are flagged.
			warnings = append(warnings, Warning{
				Field: field, Raw: raw, Code: WarnEnumUnmapped,
				Message: "value not in enum map, passed through",
			})
		}
	}

	return Result{Value: coerced, Raw: raw, Present: true}, warnings
}

func foldCase(s string, mode CaseMode) string {
	switch mode {
	case CaseLower:
		return strings.ToLower(s)
	case CaseUpper:
		return strings.ToUpper(s)
	case CaseTitle:
		return cases.Title(language.English).String(strings.ToLower(s))
	default:
		return s
	}
}

func coerce(s string, rule Rule) (any, bool) {
	switch rule.Type {
	case TypeInt:
		n, err := strconv.ParseInt(cleanNumeric(s), 10, 64)
		if err != nil {
			return nil, false
		}
		return n, true
	case TypeFloat:
		cleaned := cleanNumeric(s)
		if !numericRegex.MatchString(cleaned) {
			return nil, false
		}
		f, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			return nil, false
		}
		return f, true
	case TypeDate:
		t, ok := ParseDate(s, rule.DateFormats)
		if !ok {
			return nil, false
		}
		return t, true
	default: // string, enum
		return s, true
	}
}

func lookupEnum(s string, enumMap map[string]string) (string, bool) {
	if canonical, ok := enumMap[s]; ok {
		return canonical, true
	}
	// Enum maps are keyed on lowercase raw values; retry folded.
	if canonical, ok := enumMap[strings.ToLower(s)]; ok {
		return canonical, true
	}
	// Already-canonical values stay mapped.
	for _, canonical := range enumMap {
		if strings.EqualFold(canonical, s) {
			return canonical, true
		}
	}
	return s, false
}

// numericRegex validates a numeric string after cleanup: integers, decimals
// and scientific notation.
var numericRegex = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)

// cleanNumeric strips thousand separators and accounting parentheses so that
// values typed as "1,234" or "(15)" coerce cleanly.
func cleanNumeric(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		s = "-" + strings.TrimSpace(s[1:len(s)-1])
	}
	s = strings.ReplaceAll(s, ",", "")
	return strings.TrimSpace(s)
}

// TwoDigitYearPivot defines how 2-digit years are interpreted. Parsed years
// more than this many years in the future are pushed back a century.
var TwoDigitYearPivot = 20

// Default date layouts split by year width for proper 2-digit handling.
var (
	twoDigitYearLayouts = []string{
		"1/2/06", "01/02/06", "1-2-06", "1.2.06", "01.02.06",
	}
	fourDigitYearLayouts = []string{
		"2006-01-02", "2006/01/02", "2006.01.02",
		"1/2/2006", "01/02/2006", "1-2-2006", "01-02-2006", "1.2.2006", "01.02.2006",
		"Jan 2, 2006", "2 Jan 2006",
		"20060102",
	}
)

// ParseDate parses s against the rule's ordered layouts, falling back to the
// package defaults. Returns false if no layout matches.
func ParseDate(s string, layouts []string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}

	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}

	for _, layout := range fourDigitYearLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}

	pivotYear := time.Now().Year() + TwoDigitYearPivot
	for _, layout := range twoDigitYearLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			if t.Year() > pivotYear {
				t = t.AddDate(-100, 0, 0)
			}
			return t, true
		}
	}

	return time.Time{}, false
}
