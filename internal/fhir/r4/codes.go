package r4

import "strings"

// DiagnosticReportStatus is the status of a DiagnosticReport.
type DiagnosticReportStatus string

const (
	ReportStatusRegistered     DiagnosticReportStatus = "registered"
	ReportStatusPartial        DiagnosticReportStatus = "partial"
	ReportStatusPreliminary    DiagnosticReportStatus = "preliminary"
	ReportStatusFinal          DiagnosticReportStatus = "final"
	ReportStatusAmended        DiagnosticReportStatus = "amended"
	ReportStatusCorrected      DiagnosticReportStatus = "corrected"
	ReportStatusAppended       DiagnosticReportStatus = "appended"
	ReportStatusCancelled      DiagnosticReportStatus = "cancelled"
	ReportStatusEnteredInError DiagnosticReportStatus = "entered-in-error"
	ReportStatusUnknown        DiagnosticReportStatus = "unknown"
)

var reportStatusDisplay = map[DiagnosticReportStatus]string{
	ReportStatusRegistered:     "Registered",
	ReportStatusPartial:        "Partial",
	ReportStatusPreliminary:    "Preliminary",
	ReportStatusFinal:          "Final",
	ReportStatusAmended:        "Amended",
	ReportStatusCorrected:      "Corrected",
	ReportStatusAppended:       "Appended",
	ReportStatusCancelled:      "Cancelled",
	ReportStatusEnteredInError: "Entered in Error",
	ReportStatusUnknown:        "Unknown",
}

// Valid reports whether s is a member of the value set.
func (s DiagnosticReportStatus) Valid() bool {
	_, ok := reportStatusDisplay[s]
	return ok
}

// Code returns the code, or "" for values outside the value set.
func (s DiagnosticReportStatus) Code() string {
	if !s.Valid() {
		return ""
	}
	return string(s)
}

// Display returns the value set display, or "".
func (s DiagnosticReportStatus) Display() string {
	return reportStatusDisplay[s]
}

// System returns the code system, or "" for values outside the value set.
func (s DiagnosticReportStatus) System() string {
	if !s.Valid() {
		return ""
	}
	return SystemReportStatus
}

// Name returns the constant name used by the HL7 reference libraries,
// "FINAL" or "ENTERED_IN_ERROR". It is "" for values outside the value set.
func (s DiagnosticReportStatus) Name() string {
	if !s.Valid() {
		return ""
	}
	return strings.ToUpper(strings.ReplaceAll(string(s), "-", "_"))
}

func (s DiagnosticReportStatus) String() string {
	return string(s)
}

// AdministrativeGender is the administrative gender of a Patient.
type AdministrativeGender string

const (
	GenderMale    AdministrativeGender = "male"
	GenderFemale  AdministrativeGender = "female"
	GenderOther   AdministrativeGender = "other"
	GenderUnknown AdministrativeGender = "unknown"
)

var genderDisplay = map[AdministrativeGender][2]string{
	GenderMale:    {"Male", "Male."},
	GenderFemale:  {"Female", "Female."},
	GenderOther:   {"Other", "Other."},
	GenderUnknown: {"Unknown", "Unknown."},
}

// Valid reports whether g is a member of the value set.
func (g AdministrativeGender) Valid() bool {
	_, ok := genderDisplay[g]
	return ok
}

// Code returns the code, or "" for values outside the value set.
func (g AdministrativeGender) Code() string {
	if !g.Valid() {
		return ""
	}
	return string(g)
}

// Display returns the value set display, for example "Male".
func (g AdministrativeGender) Display() string {
	return genderDisplay[g][0]
}

// Definition returns the value set definition, for example "Male.".
func (g AdministrativeGender) Definition() string {
	return genderDisplay[g][1]
}

// System returns the code system, or "" for values outside the value set.
func (g AdministrativeGender) System() string {
	if !g.Valid() {
		return ""
	}
	return SystemGender
}

func (g AdministrativeGender) String() string {
	return string(g)
}
