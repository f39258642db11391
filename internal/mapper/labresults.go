package mapper

import (
	"github.com/navapbc/go-piqi/internal/fhir/r4"
	"github.com/navapbc/go-piqi/internal/piqi"
	"go.uber.org/zap"
)

// Traversal selects how lab results are discovered in a bundle.
type Traversal string

const (
	// TraversalReport walks lab reports and their result references.
	TraversalReport Traversal = "report"
	// TraversalObservation walks lab observations and finds their owning
	// report. Observations without a report still produce a result.
	TraversalObservation Traversal = "observation"
)

// Valid reports whether t names a known traversal.
func (t Traversal) Valid() bool {
	return t == TraversalReport || t == TraversalObservation
}

// LabResultMapper projects lab observations and their reports onto
// piqi.LabResult.
type LabResultMapper struct {
	logger *zap.Logger
}

// NewLabResultMapper creates a mapper. A nil logger discards output.
func NewLabResultMapper(logger *zap.Logger) *LabResultMapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LabResultMapper{logger: logger.Named("labresults")}
}

// Map runs the given traversal over the bundle.
func (m *LabResultMapper) Map(bundle *r4.Bundle, traversal Traversal) []piqi.LabResult {
	if traversal == TraversalObservation {
		return m.MapObservations(bundle)
	}
	return m.MapLabResults(bundle)
}

// MapLabResults maps every lab report of the bundle in bundle order.
func (m *LabResultMapper) MapLabResults(bundle *r4.Bundle) []piqi.LabResult {
	idx := NewBundleIndex(bundle)
	results := make([]piqi.LabResult, 0, len(idx.Observations))
	for _, report := range idx.ReportList() {
		results = append(results, m.MapReport(report, idx.Observations)...)
	}
	return results
}

// MapReport maps one report. Each result reference is resolved inline first
// and through observations second; only lab observations produce a result.
// A report that is not lab yields nothing.
func (m *LabResultMapper) MapReport(report *r4.DiagnosticReport, observations map[string]*r4.Observation) []piqi.LabResult {
	if !IsLabReport(report) {
		return nil
	}

	var results []piqi.LabResult
	for i := range report.Result {
		obs, ok := Resolve(&report.Result[i], observations)
		if !ok {
			m.logger.Debug("unresolved report result",
				zap.String("report_id", report.ID),
				zap.String("reference", report.Result[i].Reference),
			)
			continue
		}
		if !IsLabObservation(obs) {
			continue
		}
		result := m.projectObservation(obs)
		m.projectReport(&result, report)
		results = append(results, result)
	}
	return results
}

// MapObservations maps every lab observation of the bundle in bundle order,
// joining each with the first report that lists it as a result.
func (m *LabResultMapper) MapObservations(bundle *r4.Bundle) []piqi.LabResult {
	idx := NewBundleIndex(bundle)
	results := make([]piqi.LabResult, 0, len(idx.Observations))
	for _, obs := range idx.ObservationList() {
		if !IsLabObservation(obs) {
			continue
		}
		results = append(results, m.MapObservation(obs, idx))
	}
	return results
}

// MapObservation maps a single observation. Report fields stay nil when idx
// is nil or no report owns the observation.
func (m *LabResultMapper) MapObservation(obs *r4.Observation, idx *BundleIndex) piqi.LabResult {
	result := m.projectObservation(obs)
	if idx == nil {
		return result
	}
	if report := idx.OwningReport(obs); report != nil {
		m.projectReport(&result, report)
	}
	return result
}

// projectObservation fills the observation-derived fields.
func (m *LabResultMapper) projectObservation(obs *r4.Observation) piqi.LabResult {
	result := piqi.LabResult{Test: MapCodeableConcept(obs.Code)}

	m.mapValue(&result, obs)

	if len(obs.Interpretation) > 0 {
		result.Interpretation = MapCodeableConcept(&obs.Interpretation[0])
	}
	if len(obs.ReferenceRange) > 0 {
		result.ReferenceRange = mapReferenceRange(&obs.ReferenceRange[0])
	}
	result.SpecimenType = mapSpecimen(obs.Specimen)

	m.visitEncounter(obs)
	return result
}

func (m *LabResultMapper) mapValue(result *piqi.LabResult, obs *r4.Observation) {
	switch vt := obs.ValueType(); vt {
	case r4.ValueTypeQuantity:
		q := obs.ValueQuantity
		number := q.PlainValue()
		result.ResultValue = &piqi.ObservationValue{Number: piqi.Attr(number)}
		unit := &piqi.CodeableConcept{Text: piqi.Attr(number)}
		unit.AddCoding(piqi.NewCoding(q.Code, q.Unit, q.System))
		result.ResultUnit = unit
	case r4.ValueTypeCodeableConcept:
		// coded results are not projected yet
		result.ResultValue = &piqi.ObservationValue{}
	case r4.ValueTypeString:
		result.ResultValue = &piqi.ObservationValue{Text: piqi.AttrPtr(obs.ValueString)}
	case "":
	default:
		m.logger.Debug("observation value type not mapped",
			zap.String("observation_id", obs.ID),
			zap.String("value_type", vt),
		)
	}
}

func mapReferenceRange(rr *r4.ObservationReferenceRange) *piqi.RangeValue {
	return &piqi.RangeValue{
		LowValue:  piqi.Attr(rr.Low.String()),
		HighValue: piqi.Attr(rr.High.String()),
		Text:      piqi.Attr(rr.Text),
	}
}

// mapSpecimen keeps the specimen narrative as text. The concept built from
// that text carries no codings, so its single coding has every field absent
// and the specimen type codings are not read.
func mapSpecimen(ref *r4.Reference) *piqi.CodeableConcept {
	specimen, ok := ResolveInline[*r4.Specimen](ref)
	if !ok || specimen == nil {
		return nil
	}

	text := ""
	if specimen.Text != nil {
		text = specimen.Text.Div
	}
	concept := &piqi.CodeableConcept{Text: piqi.Attr(text)}
	concept.AddCoding(piqi.NewCoding("", "", ""))
	return concept
}

// visitEncounter resolves the encounter and its locations. Nothing from them
// is projected into the result.
func (m *LabResultMapper) visitEncounter(obs *r4.Observation) {
	encounter, ok := ResolveInline[*r4.Encounter](obs.Encounter)
	if !ok || encounter == nil {
		return
	}
	resolved := 0
	for i := range encounter.Location {
		if _, ok := ResolveInline[*r4.Location](&encounter.Location[i].Location); ok {
			resolved++
		}
	}
	if ce := m.logger.Check(zap.DebugLevel, "visited encounter"); ce != nil {
		ce.Write(
			zap.String("encounter_id", encounter.ID),
			zap.Int("locations", len(encounter.Location)),
			zap.Int("resolved_locations", resolved),
		)
	}
}

// projectReport fills the report-derived fields.
func (m *LabResultMapper) projectReport(result *piqi.LabResult, report *r4.DiagnosticReport) {
	result.ResultStatus = mapStatus(report.Status)

	issued := parseTimestamp(m.logger, "DiagnosticReport.issued", report.Issued)
	if issued != nil {
		result.PerformedDateTime = DateTimeAttribute(issued)
	}

	if site := m.mapPerformingSite(report.Performer); site != nil {
		result.PerformingSite = site
	}

	// Only the first basedOn entry is considered.
	if len(report.BasedOn) == 0 {
		result.Order = MapCodeableConcept(report.Code)
		result.OrderDate = DateAttribute(issued)
		return
	}
	sr, ok := ResolveInline[*r4.ServiceRequest](&report.BasedOn[0])
	if !ok || sr == nil {
		m.logger.Debug("report basedOn is not a service request",
			zap.String("report_id", report.ID),
			zap.String("reference", report.BasedOn[0].Reference),
		)
		return
	}
	if len(sr.OrderDetail) > 0 {
		result.Order = MapCodeableConcept(&sr.OrderDetail[0])
	} else {
		result.Order = MapCodeableConcept(sr.Code)
	}
	if sr.AuthoredOn != "" {
		result.OrderDate = piqi.Attr(sr.AuthoredOn)
	}
}

func mapStatus(status r4.DiagnosticReportStatus) *piqi.CodeableConcept {
	concept := &piqi.CodeableConcept{Text: piqi.Absent()}
	if !status.Valid() {
		return concept
	}
	concept.Text = piqi.Attr(status.Name())
	concept.AddCoding(piqi.NewCoding(status.Code(), status.Display(), status.System()))
	return concept
}

// mapPerformingSite returns the display of the last performer with a
// reference string. Performers known only by an inline resource are skipped.
func (m *LabResultMapper) mapPerformingSite(performers []r4.Reference) *piqi.CodeableConcept {
	var site *piqi.CodeableConcept
	for i := range performers {
		p := &performers[i]
		switch {
		case p.Reference != "":
			site = &piqi.CodeableConcept{Text: piqi.Attr(p.Display)}
		case p.Resource != nil:
			m.logger.Debug("performer has only an inline resource",
				zap.String("resource_type", p.Resource.GetResourceType()),
			)
		}
	}
	return site
}
