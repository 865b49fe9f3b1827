package normalize

// Canonical enum maps for the clinical intake forms. Keys are lowercase raw
// values as staff actually type them; values are the canonical codes stored
// on entities.

// Sexes maps free-text sex entries to canonical codes.
var Sexes = map[string]string{
	"m":      "male",
	"male":   "male",
	"man":    "male",
	"f":      "female",
	"female": "female",
	"woman":  "female",
	"other":  "other",
}

// PersonTypes maps form role names to the canonical person-type set.
var PersonTypes = map[string]string{
	"patient":          "patient",
	"pt":               "patient",
	"staff":            "staff",
	"nurse":            "staff",
	"clinician":        "staff",
	"caregiver":        "caregiver",
	"carer":            "caregiver",
	"volunteer":        "volunteer",
	"chw":              "chw",
	"vht":              "chw",
	"donor":            "donor",
	"referral":         "referral_contact",
	"referral contact": "referral_contact",
}

// Severities maps graded finding values to a canonical scale.
var Severities = map[string]string{
	"none":     "none",
	"no":       "none",
	"0":        "none",
	"mild":     "mild",
	"1":        "mild",
	"moderate": "moderate",
	"mod":      "moderate",
	"2":        "moderate",
	"severe":   "severe",
	"3":        "severe",
}

// YesNo maps assorted boolean spellings to yes/no.
var YesNo = map[string]string{
	"y":     "yes",
	"yes":   "yes",
	"true":  "yes",
	"1":     "yes",
	"n":     "no",
	"no":    "no",
	"false": "no",
	"0":     "no",
}

// SupplyReasons maps inventory event descriptions to canonical reasons.
var SupplyReasons = map[string]string{
	"received":  "received",
	"delivery":  "received",
	"restock":   "received",
	"dispensed": "dispensed",
	"issued":    "dispensed",
	"expired":   "expired",
	"damaged":   "damaged",
	"adjust":    "adjustment",
	"count":     "adjustment",
}
