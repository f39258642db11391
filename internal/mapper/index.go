package mapper

import "github.com/navapbc/go-piqi/internal/fhir/r4"

// BundleIndex maps bare ids to the observations and diagnostic reports of one
// bundle. Other resource types are reached only through references. An index
// is read-only once built and safe for concurrent use.
type BundleIndex struct {
	Observations map[string]*r4.Observation
	Reports      map[string]*r4.DiagnosticReport

	observations []*r4.Observation
	reports      []*r4.DiagnosticReport
	reportPos    map[*r4.DiagnosticReport]int
	obsKeys      map[*r4.Observation]string

	// inverse of DiagnosticReport.result, first report in bundle order wins
	ownerByID  map[string]*r4.DiagnosticReport
	ownerByObs map[*r4.Observation]*r4.DiagnosticReport
}

// NewBundleIndex scans the bundle once. The id of a resource is its logical
// id, or the id part of the entry fullUrl when the resource has none. When
// two entries share an id the first one is kept.
func NewBundleIndex(bundle *r4.Bundle) *BundleIndex {
	idx := &BundleIndex{
		Observations: make(map[string]*r4.Observation),
		Reports:      make(map[string]*r4.DiagnosticReport),
		reportPos:    make(map[*r4.DiagnosticReport]int),
		obsKeys:      make(map[*r4.Observation]string),
		ownerByID:    make(map[string]*r4.DiagnosticReport),
		ownerByObs:   make(map[*r4.Observation]*r4.DiagnosticReport),
	}
	if bundle == nil {
		return idx
	}

	for _, entry := range bundle.Entry {
		switch res := entry.Resource.(type) {
		case *r4.Observation:
			key := entryKey(res, entry.FullURL)
			idx.obsKeys[res] = key
			if key != "" {
				if _, dup := idx.Observations[key]; dup {
					continue
				}
				idx.Observations[key] = res
			}
			idx.observations = append(idx.observations, res)
		case *r4.DiagnosticReport:
			key := entryKey(res, entry.FullURL)
			if key != "" {
				if _, dup := idx.Reports[key]; dup {
					continue
				}
				idx.Reports[key] = res
			}
			idx.reportPos[res] = len(idx.reports)
			idx.reports = append(idx.reports, res)
		}
	}

	for _, report := range idx.reports {
		for i := range report.Result {
			ref := &report.Result[i]
			if obs, ok := ref.Resource.(*r4.Observation); ok {
				if _, seen := idx.ownerByObs[obs]; !seen {
					idx.ownerByObs[obs] = report
				}
			}
			if id := idx.referencedID(ref); id != "" {
				if _, seen := idx.ownerByID[id]; !seen {
					idx.ownerByID[id] = report
				}
			}
		}
	}
	return idx
}

func entryKey(res r4.Resource, fullURL string) string {
	if id := res.GetID(); id != "" {
		return id
	}
	return r4.IDPart(fullURL)
}

// referencedID is the observation id a result reference points at.
func (x *BundleIndex) referencedID(ref *r4.Reference) string {
	if obs, ok := ref.Resource.(*r4.Observation); ok {
		if key := x.obsKeys[obs]; key != "" {
			return key
		}
		if obs.ID != "" {
			return obs.ID
		}
	}
	return r4.IDPart(ref.Reference)
}

// ObservationList returns the indexed observations in bundle order.
func (x *BundleIndex) ObservationList() []*r4.Observation {
	return x.observations
}

// ReportList returns the indexed reports in bundle order.
func (x *BundleIndex) ReportList() []*r4.DiagnosticReport {
	return x.reports
}

// ObservationKey returns the id the observation is indexed under.
func (x *BundleIndex) ObservationKey(obs *r4.Observation) string {
	if key, ok := x.obsKeys[obs]; ok {
		return key
	}
	if obs == nil {
		return ""
	}
	return obs.ID
}

// OwningReport returns the first report in bundle order whose result list
// points at obs, or nil.
func (x *BundleIndex) OwningReport(obs *r4.Observation) *r4.DiagnosticReport {
	if obs == nil {
		return nil
	}
	byObs, okObs := x.ownerByObs[obs]
	var byID *r4.DiagnosticReport
	if key := x.ObservationKey(obs); key != "" {
		byID = x.ownerByID[key]
	}
	switch {
	case okObs && byID != nil:
		if x.reportPos[byID] < x.reportPos[byObs] {
			return byID
		}
		return byObs
	case okObs:
		return byObs
	}
	return byID
}

// ScanOwningReport answers the same question as OwningReport by walking
// every report's result list.
func (x *BundleIndex) ScanOwningReport(obs *r4.Observation) *r4.DiagnosticReport {
	if obs == nil {
		return nil
	}
	key := x.ObservationKey(obs)
	for _, report := range x.reports {
		for i := range report.Result {
			ref := &report.Result[i]
			if ref.Resource == r4.Resource(obs) {
				return report
			}
			if key != "" && x.referencedID(ref) == key {
				return report
			}
		}
	}
	return nil
}
