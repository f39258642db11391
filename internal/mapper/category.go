package mapper

import "github.com/navapbc/go-piqi/internal/fhir/r4"

// Category codes that mark laboratory content. Reports and observations use
// different code systems, hence the different tokens.
const (
	LabReportCategory      = "LAB"
	LabObservationCategory = "laboratory"
)

// IsCategoryMatch reports whether any coding of any category carries code.
func IsCategoryMatch(categories []r4.CodeableConcept, code string) bool {
	for i := range categories {
		if categories[i].HasCode(code) {
			return true
		}
	}
	return false
}

// IsLabReport reports whether the report is categorized as laboratory.
func IsLabReport(report *r4.DiagnosticReport) bool {
	return report != nil && IsCategoryMatch(report.Category, LabReportCategory)
}

// IsLabObservation reports whether the observation is categorized as laboratory.
func IsLabObservation(obs *r4.Observation) bool {
	return obs != nil && IsCategoryMatch(obs.Category, LabObservationCategory)
}

// IsLab dispatches on the resource type. Other types are never lab.
func IsLab(res r4.Resource) bool {
	switch v := res.(type) {
	case *r4.DiagnosticReport:
		return IsLabReport(v)
	case *r4.Observation:
		return IsLabObservation(v)
	}
	return false
}
