// Package r4 provides FHIR R4 data structures for the PIQI mapping engine.
package r4

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Meta contains metadata about a resource.
type Meta struct {
	VersionID   string   `json:"versionId,omitempty"`
	LastUpdated string   `json:"lastUpdated,omitempty"`
	Source      string   `json:"source,omitempty"`
	Profile     []string `json:"profile,omitempty"`
	Security    []Coding `json:"security,omitempty"`
	Tag         []Coding `json:"tag,omitempty"`
}

// Narrative is the human-readable summary of a resource.
type Narrative struct {
	Status string `json:"status,omitempty"` // generated | extensions | additional | empty
	Div    string `json:"div,omitempty"`
}

// Identifier represents a FHIR Identifier.
type Identifier struct {
	Use      string           `json:"use,omitempty"` // usual | official | temp | secondary | old
	Type     *CodeableConcept `json:"type,omitempty"`
	System   string           `json:"system,omitempty"`
	Value    string           `json:"value,omitempty"`
	Period   *Period          `json:"period,omitempty"`
	Assigner *Reference       `json:"assigner,omitempty"`
}

// CodeableConcept represents a concept with text and codings.
type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// HasCode reports whether any coding carries the given code.
func (c *CodeableConcept) HasCode(code string) bool {
	if c == nil {
		return false
	}
	for _, coding := range c.Coding {
		if coding.Code != "" && coding.Code == code {
			return true
		}
	}
	return false
}

// Coding represents a code from a terminology system.
type Coding struct {
	System       string `json:"system,omitempty"`
	Version      string `json:"version,omitempty"`
	Code         string `json:"code,omitempty"`
	Display      string `json:"display,omitempty"`
	UserSelected *bool  `json:"userSelected,omitempty"`
}

// Reference represents a reference to another resource. Resource holds the
// target once the owning bundle has been linked, or when set by a caller.
type Reference struct {
	Reference  string      `json:"reference,omitempty"`
	Type       string      `json:"type,omitempty"`
	Identifier *Identifier `json:"identifier,omitempty"`
	Display    string      `json:"display,omitempty"`

	Resource Resource `json:"-"`
}

// Period represents a time period. Bounds keep their lexical form.
type Period struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// Quantity represents a measured amount. Value keeps the scale it was written
// with, so 5.40 stays 5.40.
type Quantity struct {
	Value      *decimal.Decimal `json:"value,omitempty"`
	Comparator string           `json:"comparator,omitempty"`
	Unit       string           `json:"unit,omitempty"`
	System     string           `json:"system,omitempty"`
	Code       string           `json:"code,omitempty"`
}

// PlainValue renders the value without exponent notation. Empty when absent.
func (q *Quantity) PlainValue() string {
	if q == nil || q.Value == nil {
		return ""
	}
	return PlainDecimal(*q.Value)
}

// String renders "value unit", or just the value when there is no unit.
func (q *Quantity) String() string {
	v := q.PlainValue()
	if v == "" {
		return ""
	}
	if q.Unit != "" {
		return v + " " + q.Unit
	}
	return v
}

// PlainDecimal formats d in positional notation preserving its scale.
func PlainDecimal(d decimal.Decimal) string {
	if exp := d.Exponent(); exp < 0 {
		return d.StringFixed(-exp)
	}
	return d.String()
}

// Range represents a range of values.
type Range struct {
	Low  *Quantity `json:"low,omitempty"`
	High *Quantity `json:"high,omitempty"`
}

// Ratio represents a ratio between two quantities.
type Ratio struct {
	Numerator   *Quantity `json:"numerator,omitempty"`
	Denominator *Quantity `json:"denominator,omitempty"`
}

// HumanName represents a human name.
type HumanName struct {
	Use    string   `json:"use,omitempty"` // usual | official | temp | nickname | anonymous | old | maiden
	Text   string   `json:"text,omitempty"`
	Family string   `json:"family,omitempty"`
	Given  []string `json:"given,omitempty"`
	Prefix []string `json:"prefix,omitempty"`
	Suffix []string `json:"suffix,omitempty"`
	Period *Period  `json:"period,omitempty"`
}

// Address represents a postal address.
type Address struct {
	Use        string   `json:"use,omitempty"`  // home | work | temp | old | billing
	Type       string   `json:"type,omitempty"` // postal | physical | both
	Text       string   `json:"text,omitempty"`
	Line       []string `json:"line,omitempty"`
	City       string   `json:"city,omitempty"`
	District   string   `json:"district,omitempty"`
	State      string   `json:"state,omitempty"`
	PostalCode string   `json:"postalCode,omitempty"`
	Country    string   `json:"country,omitempty"`
	Period     *Period  `json:"period,omitempty"`
}

// ContactPoint represents a contact detail.
type ContactPoint struct {
	System string  `json:"system,omitempty"` // phone | fax | email | pager | url | sms | other
	Value  string  `json:"value,omitempty"`
	Use    string  `json:"use,omitempty"` // home | work | temp | old | mobile
	Rank   int     `json:"rank,omitempty"`
	Period *Period `json:"period,omitempty"`
}

// Code is a code primitive. In JSON it is a bare string; System and Display
// are only set when a caller binds them.
type Code struct {
	Value   string
	System  string
	Display string
}

// UnmarshalJSON reads a JSON string into Value.
func (c *Code) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &c.Value)
}

// MarshalJSON writes Value as a JSON string.
func (c Code) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Value)
}

// String returns the code value.
func (c *Code) String() string {
	if c == nil {
		return ""
	}
	return c.Value
}

// Extension represents a FHIR extension. Complex extensions carry their
// parts in the nested Extension list.
type Extension struct {
	URL                  string           `json:"url"`
	Extension            []Extension      `json:"extension,omitempty"`
	ValueString          *string          `json:"valueString,omitempty"`
	ValueBoolean         *bool            `json:"valueBoolean,omitempty"`
	ValueInteger         *int             `json:"valueInteger,omitempty"`
	ValueDecimal         *decimal.Decimal `json:"valueDecimal,omitempty"`
	ValueDateTime        string           `json:"valueDateTime,omitempty"`
	ValueCode            *Code            `json:"valueCode,omitempty"`
	ValueCoding          *Coding          `json:"valueCoding,omitempty"`
	ValueCodeableConcept *CodeableConcept `json:"valueCodeableConcept,omitempty"`
	ValueReference       *Reference       `json:"valueReference,omitempty"`
}

// ScalarString renders a primitive value[x] as text. Complex values render
// as an empty string.
func (e *Extension) ScalarString() string {
	switch {
	case e == nil:
		return ""
	case e.ValueString != nil:
		return *e.ValueString
	case e.ValueCode != nil:
		return e.ValueCode.Value
	case e.ValueDateTime != "":
		return e.ValueDateTime
	case e.ValueBoolean != nil:
		if *e.ValueBoolean {
			return "true"
		}
		return "false"
	case e.ValueInteger != nil:
		return decimal.NewFromInt(int64(*e.ValueInteger)).String()
	case e.ValueDecimal != nil:
		return PlainDecimal(*e.ValueDecimal)
	}
	return ""
}

// Common code systems and extension URLs
const (
	SystemLOINC          = "http://loinc.org"
	SystemSNOMED         = "http://snomed.info/sct"
	SystemUCUM           = "http://unitsofmeasure.org"
	SystemBCP47          = "urn:ietf:bcp:47"
	SystemCDCRace        = "urn:oid:2.16.840.1.113883.6.238"
	SystemMaritalStatus  = "http://terminology.hl7.org/CodeSystem/v3-MaritalStatus"
	SystemYesNo          = "http://terminology.hl7.org/CodeSystem/v2-0136"
	SystemGender         = "http://hl7.org/fhir/administrative-gender"
	SystemReportStatus   = "http://hl7.org/fhir/diagnostic-report-status"
	SystemV2DiagService  = "http://terminology.hl7.org/CodeSystem/v2-0074"
	SystemObsCategory    = "http://terminology.hl7.org/CodeSystem/observation-category"
	ExtensionBirthSex    = "http://hl7.org/fhir/us/core/StructureDefinition/us-core-birthsex"
	ExtensionEthnicity   = "http://hl7.org/fhir/us/core/StructureDefinition/us-core-ethnicity"
	ExtensionRace        = "http://hl7.org/fhir/us/core/StructureDefinition/us-core-race"
	SubExtensionText     = "text"
	SubExtensionCategory = "ombCategory"
)
