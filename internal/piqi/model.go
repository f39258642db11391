// Package piqi defines the normalized PIQI output schema: demographics and
// lab results built from simple attributes and coded concepts.
package piqi

import "time"

// SimpleAttribute wraps one optional scalar. A nil Value means the source
// had no data.
type SimpleAttribute struct {
	Value *string `json:"value"`
}

// Attr returns an attribute holding s, or an absent attribute when s is empty.
func Attr(s string) *SimpleAttribute {
	if s == "" {
		return &SimpleAttribute{}
	}
	return &SimpleAttribute{Value: &s}
}

// AttrPtr returns an attribute sharing no memory with s.
func AttrPtr(s *string) *SimpleAttribute {
	if s == nil {
		return &SimpleAttribute{}
	}
	v := *s
	return &SimpleAttribute{Value: &v}
}

// Absent returns an attribute with no value.
func Absent() *SimpleAttribute {
	return &SimpleAttribute{}
}

// String returns the value, or "" when absent.
func (a *SimpleAttribute) String() string {
	if a == nil || a.Value == nil {
		return ""
	}
	return *a.Value
}

// IsAbsent reports whether the attribute carries no value.
func (a *SimpleAttribute) IsAbsent() bool {
	return a == nil || a.Value == nil
}

// Coding is a normalized code/display/system triple.
type Coding struct {
	Code    *SimpleAttribute `json:"code"`
	Display *SimpleAttribute `json:"display"`
	System  *SimpleAttribute `json:"system"`
}

// NewCoding builds a Coding from plain strings; empty strings are absent.
func NewCoding(code, display, system string) Coding {
	return Coding{
		Code:    Attr(code),
		Display: Attr(display),
		System:  Attr(system),
	}
}

// CodeableConcept is a text plus an ordered list of codings.
type CodeableConcept struct {
	Text    *SimpleAttribute `json:"text"`
	Codings []Coding         `json:"codings"`
}

// AddCoding appends coding, keeping insertion order.
func (c *CodeableConcept) AddCoding(coding Coding) {
	c.Codings = append(c.Codings, coding)
}

// ObservationValue holds a numeric or textual result. Concept is the coded
// result variant and is never populated.
type ObservationValue struct {
	Number  *SimpleAttribute `json:"number,omitempty"`
	Text    *SimpleAttribute `json:"text,omitempty"`
	Concept *CodeableConcept `json:"concept,omitempty"`
}

// IsEmpty reports whether no variant is set.
func (v *ObservationValue) IsEmpty() bool {
	return v == nil || (v.Number == nil && v.Text == nil && v.Concept == nil)
}

// RangeValue is a normalized reference range.
type RangeValue struct {
	LowValue  *SimpleAttribute `json:"lowValue"`
	HighValue *SimpleAttribute `json:"highValue"`
	Text      *SimpleAttribute `json:"text"`
}

// Demographics is the normalized patient record.
type Demographics struct {
	BirthDate       *SimpleAttribute `json:"birthDate,omitempty"`
	BirthSex        *CodeableConcept `json:"birthSex,omitempty"`
	Deceased        *CodeableConcept `json:"deceased,omitempty"`
	DeathDate       *SimpleAttribute `json:"deathDate,omitempty"`
	Ethnicity       *CodeableConcept `json:"ethnicity,omitempty"`
	GenderIdentity  *CodeableConcept `json:"genderIdentity,omitempty"`
	PrimaryLanguage *CodeableConcept `json:"primaryLanguage,omitempty"`
	MaritalStatus   *CodeableConcept `json:"maritalStatus,omitempty"`
	Race            *CodeableConcept `json:"race,omitempty"`
}

// LabResult is one normalized laboratory result.
type LabResult struct {
	Test              *CodeableConcept  `json:"test,omitempty"`
	ResultValue       *ObservationValue `json:"resultValue,omitempty"`
	ResultUnit        *CodeableConcept  `json:"resultUnit,omitempty"`
	Interpretation    *CodeableConcept  `json:"interpretation,omitempty"`
	ReferenceRange    *RangeValue       `json:"referenceRange,omitempty"`
	SpecimenType      *CodeableConcept  `json:"specimenType,omitempty"`
	ResultStatus      *CodeableConcept  `json:"resultStatus,omitempty"`
	PerformedDateTime *SimpleAttribute  `json:"performedDateTime,omitempty"`
	PerformingSite    *CodeableConcept  `json:"performingSite,omitempty"`
	Order             *CodeableConcept  `json:"order,omitempty"`
	OrderDate         *SimpleAttribute  `json:"orderDate,omitempty"`
}

// Message is the envelope handed to downstream consumers.
type Message struct {
	ID           string        `json:"id"`
	BundleID     string        `json:"bundleId,omitempty"`
	FHIRVersion  string        `json:"fhirVersion"`
	Demographics *Demographics `json:"demographics,omitempty"`
	LabResults   []LabResult   `json:"labResults"`
	MappedAt     time.Time     `json:"mappedAt"`
}
