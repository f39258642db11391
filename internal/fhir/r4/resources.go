package r4

import (
	"bytes"
	"encoding/json"
)

// Resource is implemented by every resource a Bundle entry can hold.
type Resource interface {
	GetResourceType() string
	GetID() string
}

// referrer exposes the references a resource holds so a Bundle can link them.
type referrer interface {
	references() []*Reference
}

// Resource type names
const (
	TypePatient          = "Patient"
	TypeObservation      = "Observation"
	TypeDiagnosticReport = "DiagnosticReport"
	TypeServiceRequest   = "ServiceRequest"
	TypeEncounter        = "Encounter"
	TypeSpecimen         = "Specimen"
	TypeLocation         = "Location"
	TypeBundle           = "Bundle"
)

// Patient represents a FHIR R4 Patient resource.
type Patient struct {
	ResourceType         string                 `json:"resourceType"`
	ID                   string                 `json:"id,omitempty"`
	Meta                 *Meta                  `json:"meta,omitempty"`
	Text                 *Narrative             `json:"text,omitempty"`
	Extension            []Extension            `json:"extension,omitempty"`
	Identifier           []Identifier           `json:"identifier,omitempty"`
	Active               *bool                  `json:"active,omitempty"`
	Name                 []HumanName            `json:"name,omitempty"`
	Telecom              []ContactPoint         `json:"telecom,omitempty"`
	Gender               AdministrativeGender   `json:"gender,omitempty"`
	BirthDate            string                 `json:"birthDate,omitempty"`
	DeceasedBoolean      *bool                  `json:"deceasedBoolean,omitempty"`
	DeceasedDateTime     string                 `json:"deceasedDateTime,omitempty"`
	Address              []Address              `json:"address,omitempty"`
	MaritalStatus        *CodeableConcept       `json:"maritalStatus,omitempty"`
	MultipleBirthBoolean *bool                  `json:"multipleBirthBoolean,omitempty"`
	MultipleBirthInteger *int                   `json:"multipleBirthInteger,omitempty"`
	Communication        []PatientCommunication `json:"communication,omitempty"`
	GeneralPractitioner  []Reference            `json:"generalPractitioner,omitempty"`
	ManagingOrganization *Reference             `json:"managingOrganization,omitempty"`
}

// PatientCommunication represents a language the patient uses.
type PatientCommunication struct {
	Language  CodeableConcept `json:"language"`
	Preferred *bool           `json:"preferred,omitempty"`
}

// IsPreferred reports whether the entry is flagged as preferred.
func (c *PatientCommunication) IsPreferred() bool {
	return c.Preferred != nil && *c.Preferred
}

func (p *Patient) GetResourceType() string { return TypePatient }
func (p *Patient) GetID() string           { return p.ID }

// GetExtension returns the first top-level extension with the given URL.
func (p *Patient) GetExtension(url string) *Extension {
	for i := range p.Extension {
		if p.Extension[i].URL == url {
			return &p.Extension[i]
		}
	}
	return nil
}

// GetOfficialName returns the patient's official name, or first available.
func (p *Patient) GetOfficialName() *HumanName {
	for i := range p.Name {
		if p.Name[i].Use == "official" {
			return &p.Name[i]
		}
	}
	if len(p.Name) > 0 {
		return &p.Name[0]
	}
	return nil
}

func (p *Patient) references() []*Reference {
	refs := refSlice(p.GeneralPractitioner)
	return appendRef(refs, p.ManagingOrganization)
}

// Observation represents a FHIR R4 Observation resource.
type Observation struct {
	ResourceType         string                      `json:"resourceType"`
	ID                   string                      `json:"id,omitempty"`
	Meta                 *Meta                       `json:"meta,omitempty"`
	Identifier           []Identifier                `json:"identifier,omitempty"`
	BasedOn              []Reference                 `json:"basedOn,omitempty"`
	Status               string                      `json:"status,omitempty"`
	Category             []CodeableConcept           `json:"category,omitempty"`
	Code                 *CodeableConcept            `json:"code,omitempty"`
	Subject              *Reference                  `json:"subject,omitempty"`
	Encounter            *Reference                  `json:"encounter,omitempty"`
	EffectiveDateTime    string                      `json:"effectiveDateTime,omitempty"`
	Issued               string                      `json:"issued,omitempty"`
	Performer            []Reference                 `json:"performer,omitempty"`
	ValueQuantity        *Quantity                   `json:"valueQuantity,omitempty"`
	ValueCodeableConcept *CodeableConcept            `json:"valueCodeableConcept,omitempty"`
	ValueString          *string                     `json:"valueString,omitempty"`
	ValueBoolean         *bool                       `json:"valueBoolean,omitempty"`
	ValueInteger         *int                        `json:"valueInteger,omitempty"`
	ValueRange           *Range                      `json:"valueRange,omitempty"`
	ValueRatio           *Ratio                      `json:"valueRatio,omitempty"`
	ValueDateTime        string                      `json:"valueDateTime,omitempty"`
	ValuePeriod          *Period                     `json:"valuePeriod,omitempty"`
	DataAbsentReason     *CodeableConcept            `json:"dataAbsentReason,omitempty"`
	Interpretation       []CodeableConcept           `json:"interpretation,omitempty"`
	Specimen             *Reference                  `json:"specimen,omitempty"`
	ReferenceRange       []ObservationReferenceRange `json:"referenceRange,omitempty"`
	HasMember            []Reference                 `json:"hasMember,omitempty"`
}

// ObservationReferenceRange is a guide for interpreting an observation value.
type ObservationReferenceRange struct {
	Low       *Quantity         `json:"low,omitempty"`
	High      *Quantity         `json:"high,omitempty"`
	Type      *CodeableConcept  `json:"type,omitempty"`
	AppliesTo []CodeableConcept `json:"appliesTo,omitempty"`
	Age       *Range            `json:"age,omitempty"`
	Text      string            `json:"text,omitempty"`
}

// Observation value[x] type names
const (
	ValueTypeQuantity        = "Quantity"
	ValueTypeCodeableConcept = "CodeableConcept"
	ValueTypeString          = "string"
	ValueTypeBoolean         = "boolean"
	ValueTypeInteger         = "integer"
	ValueTypeRange           = "Range"
	ValueTypeRatio           = "Ratio"
	ValueTypeDateTime        = "dateTime"
	ValueTypePeriod          = "Period"
)

func (o *Observation) GetResourceType() string { return TypeObservation }
func (o *Observation) GetID() string           { return o.ID }

// ValueType returns the FHIR type name of the populated value[x], or "".
func (o *Observation) ValueType() string {
	switch {
	case o.ValueQuantity != nil:
		return ValueTypeQuantity
	case o.ValueCodeableConcept != nil:
		return ValueTypeCodeableConcept
	case o.ValueString != nil:
		return ValueTypeString
	case o.ValueBoolean != nil:
		return ValueTypeBoolean
	case o.ValueInteger != nil:
		return ValueTypeInteger
	case o.ValueRange != nil:
		return ValueTypeRange
	case o.ValueRatio != nil:
		return ValueTypeRatio
	case o.ValueDateTime != "":
		return ValueTypeDateTime
	case o.ValuePeriod != nil:
		return ValueTypePeriod
	}
	return ""
}

func (o *Observation) references() []*Reference {
	refs := refSlice(o.BasedOn)
	refs = append(refs, refSlice(o.Performer)...)
	refs = append(refs, refSlice(o.HasMember)...)
	return appendRef(refs, o.Subject, o.Encounter, o.Specimen)
}

// DiagnosticReport represents a FHIR R4 DiagnosticReport resource.
type DiagnosticReport struct {
	ResourceType      string                 `json:"resourceType"`
	ID                string                 `json:"id,omitempty"`
	Meta              *Meta                  `json:"meta,omitempty"`
	Text              *Narrative             `json:"text,omitempty"`
	Identifier        []Identifier           `json:"identifier,omitempty"`
	BasedOn           []Reference            `json:"basedOn,omitempty"`
	Status            DiagnosticReportStatus `json:"status,omitempty"`
	Category          []CodeableConcept      `json:"category,omitempty"`
	Code              *CodeableConcept       `json:"code,omitempty"`
	Subject           *Reference             `json:"subject,omitempty"`
	Encounter         *Reference             `json:"encounter,omitempty"`
	EffectiveDateTime string                 `json:"effectiveDateTime,omitempty"`
	Issued            string                 `json:"issued,omitempty"`
	Performer         []Reference            `json:"performer,omitempty"`
	Specimen          []Reference            `json:"specimen,omitempty"`
	Result            []Reference            `json:"result,omitempty"`
	Conclusion        string                 `json:"conclusion,omitempty"`
}

func (r *DiagnosticReport) GetResourceType() string { return TypeDiagnosticReport }
func (r *DiagnosticReport) GetID() string           { return r.ID }

func (r *DiagnosticReport) references() []*Reference {
	refs := refSlice(r.BasedOn)
	refs = append(refs, refSlice(r.Performer)...)
	refs = append(refs, refSlice(r.Specimen)...)
	refs = append(refs, refSlice(r.Result)...)
	return appendRef(refs, r.Subject, r.Encounter)
}

// ServiceRequest represents a FHIR R4 ServiceRequest resource.
type ServiceRequest struct {
	ResourceType string            `json:"resourceType"`
	ID           string            `json:"id,omitempty"`
	Meta         *Meta             `json:"meta,omitempty"`
	Identifier   []Identifier      `json:"identifier,omitempty"`
	Status       string            `json:"status,omitempty"`
	Intent       string            `json:"intent,omitempty"`
	Category     []CodeableConcept `json:"category,omitempty"`
	Code         *CodeableConcept  `json:"code,omitempty"`
	OrderDetail  []CodeableConcept `json:"orderDetail,omitempty"`
	Subject      *Reference        `json:"subject,omitempty"`
	Encounter    *Reference        `json:"encounter,omitempty"`
	AuthoredOn   string            `json:"authoredOn,omitempty"`
	Requester    *Reference        `json:"requester,omitempty"`
	Specimen     []Reference       `json:"specimen,omitempty"`
}

func (s *ServiceRequest) GetResourceType() string { return TypeServiceRequest }
func (s *ServiceRequest) GetID() string           { return s.ID }

func (s *ServiceRequest) references() []*Reference {
	return appendRef(refSlice(s.Specimen), s.Subject, s.Encounter, s.Requester)
}

// Encounter represents a FHIR R4 Encounter resource.
type Encounter struct {
	ResourceType    string              `json:"resourceType"`
	ID              string              `json:"id,omitempty"`
	Meta            *Meta               `json:"meta,omitempty"`
	Identifier      []Identifier        `json:"identifier,omitempty"`
	Status          string              `json:"status,omitempty"`
	Class           *Coding             `json:"class,omitempty"`
	Type            []CodeableConcept   `json:"type,omitempty"`
	Subject         *Reference          `json:"subject,omitempty"`
	Period          *Period             `json:"period,omitempty"`
	Location        []EncounterLocation `json:"location,omitempty"`
	ServiceProvider *Reference          `json:"serviceProvider,omitempty"`
}

// EncounterLocation is a location where the encounter took place.
type EncounterLocation struct {
	Location Reference `json:"location"`
	Status   string    `json:"status,omitempty"` // planned | active | reserved | completed
	Period   *Period   `json:"period,omitempty"`
}

func (e *Encounter) GetResourceType() string { return TypeEncounter }
func (e *Encounter) GetID() string           { return e.ID }

func (e *Encounter) references() []*Reference {
	var refs []*Reference
	for i := range e.Location {
		refs = append(refs, &e.Location[i].Location)
	}
	return appendRef(refs, e.Subject, e.ServiceProvider)
}

// Specimen represents a FHIR R4 Specimen resource.
type Specimen struct {
	ResourceType string           `json:"resourceType"`
	ID           string           `json:"id,omitempty"`
	Meta         *Meta            `json:"meta,omitempty"`
	Text         *Narrative       `json:"text,omitempty"`
	Identifier   []Identifier     `json:"identifier,omitempty"`
	Status       string           `json:"status,omitempty"`
	Type         *CodeableConcept `json:"type,omitempty"`
	Subject      *Reference       `json:"subject,omitempty"`
	ReceivedTime string           `json:"receivedTime,omitempty"`
}

func (s *Specimen) GetResourceType() string { return TypeSpecimen }
func (s *Specimen) GetID() string           { return s.ID }

func (s *Specimen) references() []*Reference {
	return appendRef(nil, s.Subject)
}

// Location represents a FHIR R4 Location resource.
type Location struct {
	ResourceType         string            `json:"resourceType"`
	ID                   string            `json:"id,omitempty"`
	Meta                 *Meta             `json:"meta,omitempty"`
	Identifier           []Identifier      `json:"identifier,omitempty"`
	Status               string            `json:"status,omitempty"`
	Name                 string            `json:"name,omitempty"`
	Type                 []CodeableConcept `json:"type,omitempty"`
	Telecom              []ContactPoint    `json:"telecom,omitempty"`
	Address              *Address          `json:"address,omitempty"`
	ManagingOrganization *Reference        `json:"managingOrganization,omitempty"`
}

func (l *Location) GetResourceType() string { return TypeLocation }
func (l *Location) GetID() string           { return l.ID }

func (l *Location) references() []*Reference {
	return appendRef(nil, l.ManagingOrganization)
}

// GenericResource holds any resource type the mapper does not model.
type GenericResource struct {
	ResourceType string
	ID           string
	Raw          json.RawMessage
}

func (g *GenericResource) GetResourceType() string { return g.ResourceType }
func (g *GenericResource) GetID() string           { return g.ID }

// MarshalJSON returns the resource exactly as it was read.
func (g *GenericResource) MarshalJSON() ([]byte, error) {
	if len(g.Raw) == 0 {
		return json.Marshal(map[string]string{"resourceType": g.ResourceType, "id": g.ID})
	}
	return g.Raw, nil
}

// DecodeResource decodes a single resource, choosing the Go type from its
// resourceType. Types without a model decode to *GenericResource.
func DecodeResource(data []byte) (Resource, error) {
	var head struct {
		ResourceType string `json:"resourceType"`
		ID           string `json:"id"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}

	var res Resource
	switch head.ResourceType {
	case TypePatient:
		res = &Patient{}
	case TypeObservation:
		res = &Observation{}
	case TypeDiagnosticReport:
		res = &DiagnosticReport{}
	case TypeServiceRequest:
		res = &ServiceRequest{}
	case TypeEncounter:
		res = &Encounter{}
	case TypeSpecimen:
		res = &Specimen{}
	case TypeLocation:
		res = &Location{}
	default:
		return &GenericResource{
			ResourceType: head.ResourceType,
			ID:           head.ID,
			Raw:          json.RawMessage(bytes.Clone(data)),
		}, nil
	}

	if err := json.Unmarshal(data, res); err != nil {
		return nil, err
	}
	return res, nil
}

func refSlice(refs []Reference) []*Reference {
	out := make([]*Reference, 0, len(refs))
	for i := range refs {
		out = append(out, &refs[i])
	}
	return out
}

func appendRef(refs []*Reference, more ...*Reference) []*Reference {
	for _, r := range more {
		if r != nil {
			refs = append(refs, r)
		}
	}
	return refs
}
