package mapper

import (
	"github.com/navapbc/go-piqi/internal/fhir/r4"
	"github.com/navapbc/go-piqi/internal/piqi"
	"go.uber.org/zap"
)

// DemographicsMapper projects a Patient onto piqi.Demographics.
type DemographicsMapper struct {
	logger *zap.Logger
}

// NewDemographicsMapper creates a mapper. A nil logger discards output.
func NewDemographicsMapper(logger *zap.Logger) *DemographicsMapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DemographicsMapper{logger: logger.Named("demographics")}
}

// MapDemographics maps the first Patient of the bundle. It returns nil when
// the bundle holds no Patient.
func (m *DemographicsMapper) MapDemographics(bundle *r4.Bundle) *piqi.Demographics {
	if bundle == nil {
		return nil
	}
	for _, entry := range bundle.Entry {
		if patient, ok := entry.Resource.(*r4.Patient); ok {
			return m.MapPatient(patient)
		}
	}
	m.logger.Debug("bundle has no patient", zap.String("bundle_id", bundle.ID))
	return nil
}

// MapPatient maps a single patient.
func (m *DemographicsMapper) MapPatient(patient *r4.Patient) *piqi.Demographics {
	if patient == nil {
		return nil
	}

	d := &piqi.Demographics{
		BirthDate: DateAttribute(parseTimestamp(m.logger, "Patient.birthDate", patient.BirthDate)),
		BirthSex:  mapBirthSex(patient),
	}
	m.mapDeath(d, patient)
	d.Ethnicity = MapExtension(patient.GetExtension(r4.ExtensionEthnicity))
	d.GenderIdentity = mapGender(patient.Gender)
	d.PrimaryLanguage = mapPrimaryLanguage(patient.Communication)
	d.MaritalStatus = MapCodeableConcept(patient.MaritalStatus)
	d.Race = MapExtension(patient.GetExtension(r4.ExtensionRace))
	return d
}

// mapBirthSex reads the birth sex code. The coding system falls back to the
// extension URL when the code carries none.
func mapBirthSex(patient *r4.Patient) *piqi.CodeableConcept {
	ext := patient.GetExtension(r4.ExtensionBirthSex)
	if ext == nil || ext.ValueCode == nil || ext.ValueCode.Value == "" {
		return nil
	}

	code := ext.ValueCode
	system := code.System
	if system == "" {
		system = r4.ExtensionBirthSex
	}
	concept := &piqi.CodeableConcept{Text: piqi.Attr(code.Display)}
	concept.AddCoding(piqi.NewCoding(code.Value, code.Display, system))
	return concept
}

// mapDeath fills deceased and deathDate. A missing deceased[x] reads as
// not deceased.
func (m *DemographicsMapper) mapDeath(d *piqi.Demographics, patient *r4.Patient) {
	switch {
	case patient.DeceasedBoolean != nil:
		d.Deceased = deceasedConcept(*patient.DeceasedBoolean)
	case patient.DeceasedDateTime != "":
		// only the date; the Yes/No concept is reserved for the boolean form
		d.DeathDate = DateTimeAttribute(parseTimestamp(m.logger, "Patient.deceasedDateTime", patient.DeceasedDateTime))
	default:
		d.Deceased = deceasedConcept(false)
	}
}

func deceasedConcept(deceased bool) *piqi.CodeableConcept {
	text, code := "No", "N"
	if deceased {
		text, code = "Yes", "Y"
	}
	concept := &piqi.CodeableConcept{Text: piqi.Attr(text)}
	concept.AddCoding(piqi.NewCoding(code, text, r4.SystemYesNo))
	return concept
}

// mapGender uses the value set definition ("Male.") as text.
func mapGender(gender r4.AdministrativeGender) *piqi.CodeableConcept {
	if gender == "" {
		return nil
	}
	concept := &piqi.CodeableConcept{Text: piqi.Attr(gender.Definition())}
	concept.AddCoding(piqi.NewCoding(gender.Code(), gender.Display(), gender.System()))
	return concept
}

// mapPrimaryLanguage keeps overwriting the candidate and stops at the first
// preferred entry. Without a preferred entry the last one wins.
func mapPrimaryLanguage(comms []r4.PatientCommunication) *piqi.CodeableConcept {
	var language *piqi.CodeableConcept
	for i := range comms {
		language = MapCodeableConcept(&comms[i].Language)
		if comms[i].IsPreferred() {
			break
		}
	}
	return language
}
