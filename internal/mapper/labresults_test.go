package mapper

import (
	"reflect"
	"testing"

	"github.com/navapbc/go-piqi/internal/fhir/r4"
	"github.com/navapbc/go-piqi/internal/piqi"
	"go.uber.org/zap/zaptest"
)

const labBundle = `{
  "resourceType": "Bundle",
  "id": "lab-bundle",
  "type": "collection",
  "entry": [
    {
      "fullUrl": "urn:uuid:loc-1",
      "resource": {"resourceType": "Location", "id": "loc-1", "name": "MAIN LAB"}
    },
    {
      "fullUrl": "urn:uuid:enc-1",
      "resource": {"resourceType": "Encounter", "id": "enc-1", "location": [{"location": {"reference": "urn:uuid:loc-1"}}]}
    },
    {
      "fullUrl": "urn:uuid:spec-1",
      "resource": {
        "resourceType": "Specimen",
        "id": "spec-1",
        "text": {"status": "generated", "div": "<div xmlns=\"http://www.w3.org/1999/xhtml\">Venous blood</div>"},
        "type": {"coding": [
          {"system": "http://snomed.info/sct", "code": "122555007", "display": "Venous blood specimen"},
          {"system": "http://example.org", "code": "VB"}
        ]}
      }
    },
    {
      "fullUrl": "urn:uuid:sr-1",
      "resource": {
        "resourceType": "ServiceRequest",
        "id": "sr-1",
        "code": {"coding": [{"system": "http://loinc.org", "code": "24323-8"}], "text": "Metabolic panel"},
        "orderDetail": [{"coding": [{"system": "http://example.org/orders", "code": "CMP"}], "text": "Comprehensive panel"}],
        "authoredOn": "2019-02-03T10:00:00-05:00"
      }
    },
    {
      "fullUrl": "urn:uuid:sr-2",
      "resource": {
        "resourceType": "ServiceRequest",
        "id": "sr-2",
        "code": {"coding": [{"system": "http://loinc.org", "code": "57021-8"}], "text": "CBC"}
      }
    },
    {
      "fullUrl": "urn:uuid:rep-a",
      "resource": {
        "resourceType": "DiagnosticReport",
        "id": "rep-a",
        "status": "final",
        "category": [{"coding": [{"system": "http://terminology.hl7.org/CodeSystem/v2-0074", "code": "LAB"}]}],
        "code": {"coding": [{"system": "http://loinc.org", "code": "51990-0", "display": "Basic metabolic panel"}], "text": "Basic metabolic panel"},
        "issued": "2019-02-03T10:15:30.123-05:00",
        "performer": [
          {"reference": "Organization?identifier=https://github.com/synthetichealth/synthea|1", "display": "FIRST LAB"},
          {"display": "NO REFERENCE"},
          {"reference": "Practitioner?identifier=http://hl7.org/fhir/sid/us-npi|2", "display": "Dr. Last"}
        ],
        "result": [
          {"reference": "urn:uuid:obs-qty"},
          {"reference": "urn:uuid:obs-coded"},
          {"reference": "urn:uuid:obs-vital"},
          {"reference": "urn:uuid:obs-missing"}
        ]
      }
    },
    {
      "fullUrl": "urn:uuid:rep-b",
      "resource": {
        "resourceType": "DiagnosticReport",
        "id": "rep-b",
        "status": "entered-in-error",
        "category": [{"coding": [{"code": "LAB"}]}],
        "code": {"text": "Panel B"},
        "issued": "2019-02-04T08:00:00Z",
        "basedOn": [{"reference": "urn:uuid:sr-1"}, {"reference": "urn:uuid:sr-2"}],
        "result": [{"reference": "urn:uuid:obs-str"}]
      }
    },
    {
      "fullUrl": "urn:uuid:rep-c",
      "resource": {
        "resourceType": "DiagnosticReport",
        "id": "rep-c",
        "status": "preliminary",
        "category": [{"coding": [{"code": "LAB"}]}],
        "basedOn": [{"reference": "urn:uuid:sr-2"}],
        "result": [{"reference": "urn:uuid:obs-range"}]
      }
    },
    {
      "fullUrl": "urn:uuid:rep-d",
      "resource": {
        "resourceType": "DiagnosticReport",
        "id": "rep-d",
        "status": "final",
        "category": [{"coding": [{"code": "LAB"}]}],
        "basedOn": [{"reference": "urn:uuid:enc-1"}, {"reference": "urn:uuid:sr-1"}],
        "result": [{"reference": "urn:uuid:obs-bool"}]
      }
    },
    {
      "fullUrl": "urn:uuid:rep-note",
      "resource": {
        "resourceType": "DiagnosticReport",
        "id": "rep-note",
        "status": "final",
        "category": [{"coding": [{"system": "http://loinc.org", "code": "34117-2"}]}],
        "result": [{"reference": "urn:uuid:obs-qty"}]
      }
    },
    {
      "fullUrl": "urn:uuid:obs-qty",
      "resource": {
        "resourceType": "Observation",
        "id": "obs-qty",
        "category": [{"coding": [{"code": "laboratory"}]}],
        "code": {"coding": [{"system": "http://loinc.org", "code": "2339-0", "display": "Glucose"}], "text": "Glucose"},
        "encounter": {"reference": "urn:uuid:enc-1"},
        "specimen": {"reference": "urn:uuid:spec-1"},
        "valueQuantity": {"value": 5.40, "unit": "mmol/L", "system": "http://unitsofmeasure.org", "code": "mmol/L"},
        "interpretation": [
          {"coding": [{"code": "H", "display": "High"}]},
          {"coding": [{"code": "HH"}]}
        ],
        "referenceRange": [
          {"low": {"value": 3.9, "unit": "mmol/L"}, "high": {"value": 5.5, "unit": "mmol/L"}, "text": "3.9-5.5"},
          {"low": {"value": 0}}
        ]
      }
    },
    {
      "fullUrl": "urn:uuid:obs-coded",
      "resource": {
        "resourceType": "Observation",
        "id": "obs-coded",
        "category": [{"coding": [{"code": "laboratory"}]}],
        "valueCodeableConcept": {"coding": [{"code": "260385009", "display": "Negative"}]}
      }
    },
    {
      "fullUrl": "urn:uuid:obs-vital",
      "resource": {
        "resourceType": "Observation",
        "id": "obs-vital",
        "category": [{"coding": [{"code": "vital-signs"}]}],
        "valueQuantity": {"value": 72, "unit": "/min"}
      }
    },
    {
      "fullUrl": "urn:uuid:obs-str",
      "resource": {
        "resourceType": "Observation",
        "id": "obs-str",
        "category": [{"coding": [{"code": "laboratory"}]}],
        "valueString": "Negative"
      }
    },
    {
      "fullUrl": "urn:uuid:obs-range",
      "resource": {
        "resourceType": "Observation",
        "id": "obs-range",
        "category": [{"coding": [{"code": "laboratory"}]}],
        "referenceRange": [{"high": {"value": 200}}]
      }
    },
    {
      "fullUrl": "urn:uuid:obs-bool",
      "resource": {
        "resourceType": "Observation",
        "id": "obs-bool",
        "category": [{"coding": [{"code": "laboratory"}]}],
        "valueBoolean": true
      }
    },
    {
      "fullUrl": "urn:uuid:obs-orphan",
      "resource": {
        "resourceType": "Observation",
        "id": "obs-orphan",
        "category": [{"coding": [{"code": "laboratory"}]}],
        "valueString": "standalone"
      }
    }
  ]
}`

func decodeLabBundle(t *testing.T) *r4.Bundle {
	t.Helper()
	b, err := r4.DecodeBundle([]byte(labBundle))
	if err != nil {
		t.Fatalf("DecodeBundle() error = %v", err)
	}
	return b
}

func reportByID(t *testing.T, b *r4.Bundle, id string) *r4.DiagnosticReport {
	t.Helper()
	for _, e := range b.Entry {
		if r, ok := e.Resource.(*r4.DiagnosticReport); ok && r.ID == id {
			return r
		}
	}
	t.Fatalf("report %s not in bundle", id)
	return nil
}

func TestMapReportProjection(t *testing.T) {
	b := decodeLabBundle(t)
	idx := NewBundleIndex(b)
	m := NewLabResultMapper(zaptest.NewLogger(t))

	results := m.MapReport(reportByID(t, b, "rep-a"), idx.Observations)
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2 (quantity and coded; vital sign and dangling skipped)", len(results))
	}
	r := results[0]

	t.Run("test", func(t *testing.T) {
		if r.Test.Text.String() != "Glucose" || r.Test.Codings[0].Code.String() != "2339-0" {
			t.Errorf("test = %+v", r.Test)
		}
	})

	t.Run("quantity keeps scale", func(t *testing.T) {
		if got := r.ResultValue.Number.String(); got != "5.40" {
			t.Errorf("number = %q, want 5.40", got)
		}
		if r.ResultValue.Text != nil {
			t.Errorf("text should be unset, got %q", r.ResultValue.Text.String())
		}
		if r.ResultUnit.Text.String() != "5.40" || len(r.ResultUnit.Codings) != 1 {
			t.Fatalf("resultUnit = %+v", r.ResultUnit)
		}
		c := r.ResultUnit.Codings[0]
		if c.Code.String() != "mmol/L" || c.Display.String() != "mmol/L" || c.System.String() != r4.SystemUCUM {
			t.Errorf("unit coding = %q %q %q", c.Code.String(), c.Display.String(), c.System.String())
		}
	})

	t.Run("first interpretation only", func(t *testing.T) {
		if r.Interpretation == nil || len(r.Interpretation.Codings) != 1 || r.Interpretation.Codings[0].Code.String() != "H" {
			t.Errorf("interpretation = %+v", r.Interpretation)
		}
	})

	t.Run("first reference range only", func(t *testing.T) {
		rr := r.ReferenceRange
		if rr.LowValue.String() != "3.9 mmol/L" || rr.HighValue.String() != "5.5 mmol/L" || rr.Text.String() != "3.9-5.5" {
			t.Errorf("range = %q %q %q", rr.LowValue.String(), rr.HighValue.String(), rr.Text.String())
		}
	})

	t.Run("specimen coding comes from text not type", func(t *testing.T) {
		s := r.SpecimenType
		if s == nil || len(s.Codings) != 1 {
			t.Fatalf("specimen = %+v", s)
		}
		if s.Text.String() != `<div xmlns="http://www.w3.org/1999/xhtml">Venous blood</div>` {
			t.Errorf("specimen text = %q", s.Text.String())
		}
		c := s.Codings[0]
		if c.Code.Value != nil || c.Display.Value != nil || c.System.Value != nil {
			t.Errorf("specimen coding = %q %q %q, want all absent", c.Code.String(), c.Display.String(), c.System.String())
		}
	})

	t.Run("status", func(t *testing.T) {
		c := r.ResultStatus.Codings[0]
		if r.ResultStatus.Text.String() != "FINAL" || c.Code.String() != "final" || c.Display.String() != "Final" || c.System.String() != r4.SystemReportStatus {
			t.Errorf("status = %q %q %q %q", r.ResultStatus.Text.String(), c.Code.String(), c.Display.String(), c.System.String())
		}
	})

	t.Run("performed date time", func(t *testing.T) {
		if got := r.PerformedDateTime.String(); got != "20190203101530" {
			t.Errorf("performedDateTime = %q", got)
		}
	})

	t.Run("last referenced performer wins", func(t *testing.T) {
		if r.PerformingSite == nil || r.PerformingSite.Text.String() != "Dr. Last" || len(r.PerformingSite.Codings) != 0 {
			t.Errorf("performingSite = %+v", r.PerformingSite)
		}
	})

	t.Run("order falls back to report code", func(t *testing.T) {
		if r.Order == nil || r.Order.Text.String() != "Basic metabolic panel" || r.Order.Codings[0].Code.String() != "51990-0" {
			t.Errorf("order = %+v", r.Order)
		}
		if got := r.OrderDate.String(); got != "2019-02-03" {
			t.Errorf("orderDate = %q, want date only", got)
		}
	})

	t.Run("coded value is present but empty", func(t *testing.T) {
		coded := results[1]
		if coded.ResultValue == nil || !coded.ResultValue.IsEmpty() {
			t.Errorf("resultValue = %+v, want present and empty", coded.ResultValue)
		}
		if coded.ResultUnit != nil {
			t.Errorf("resultUnit = %+v, want nil", coded.ResultUnit)
		}
	})
}

func TestMapReportOrderTiers(t *testing.T) {
	b := decodeLabBundle(t)
	idx := NewBundleIndex(b)
	m := NewLabResultMapper(nil)

	t.Run("order detail and authoredOn verbatim", func(t *testing.T) {
		results := m.MapReport(reportByID(t, b, "rep-b"), idx.Observations)
		if len(results) != 1 {
			t.Fatalf("results = %d, want 1", len(results))
		}
		r := results[0]
		if r.Order.Text.String() != "Comprehensive panel" || r.Order.Codings[0].Code.String() != "CMP" {
			t.Errorf("order = %+v", r.Order)
		}
		if got := r.OrderDate.String(); got != "2019-02-03T10:00:00-05:00" {
			t.Errorf("orderDate = %q", got)
		}
		if r.ResultValue.Text.String() != "Negative" || r.ResultValue.Number != nil {
			t.Errorf("resultValue = %+v", r.ResultValue)
		}
		if r.ResultStatus.Text.String() != "ENTERED_IN_ERROR" {
			t.Errorf("status text = %q", r.ResultStatus.Text.String())
		}
		if r.PerformingSite != nil {
			t.Errorf("performingSite = %+v, want nil", r.PerformingSite)
		}
	})

	t.Run("service request code without authoredOn", func(t *testing.T) {
		results := m.MapReport(reportByID(t, b, "rep-c"), idx.Observations)
		r := results[0]
		if r.Order.Text.String() != "CBC" {
			t.Errorf("order = %+v", r.Order)
		}
		if r.OrderDate != nil {
			t.Errorf("orderDate = %q, want nil", r.OrderDate.String())
		}
		if r.PerformedDateTime != nil {
			t.Errorf("performedDateTime = %q, want nil without issued", r.PerformedDateTime.String())
		}
		rr := r.ReferenceRange
		if !rr.LowValue.IsAbsent() || rr.HighValue.String() != "200" || !rr.Text.IsAbsent() {
			t.Errorf("range = %+v", rr)
		}
		if r.ResultValue != nil {
			t.Errorf("resultValue = %+v, want nil without a value", r.ResultValue)
		}
	})

	t.Run("first basedOn not a service request", func(t *testing.T) {
		results := m.MapReport(reportByID(t, b, "rep-d"), idx.Observations)
		r := results[0]
		if r.Order != nil || r.OrderDate != nil {
			t.Errorf("order = %+v / %+v, want nil", r.Order, r.OrderDate)
		}
		if r.ResultValue != nil {
			t.Errorf("boolean value should not be projected: %+v", r.ResultValue)
		}
	})

	t.Run("non lab report", func(t *testing.T) {
		if got := m.MapReport(reportByID(t, b, "rep-note"), idx.Observations); len(got) != 0 {
			t.Errorf("results = %d, want 0", len(got))
		}
	})
}

func TestMapReportResolvesThroughIndex(t *testing.T) {
	obs := &r4.Observation{
		ID:          "obs-1",
		Category:    []r4.CodeableConcept{concept("laboratory")},
		ValueString: ptr("ok"),
	}
	report := &r4.DiagnosticReport{
		ID:       "rep-1",
		Category: []r4.CodeableConcept{concept("LAB")},
		Result: []r4.Reference{
			{Reference: "Observation/obs-1/_history/4"},
			{Reference: "urn:uuid:obs-1"},
			{Reference: "Observation/unknown"},
			{},
		},
	}

	m := NewLabResultMapper(nil)
	got := m.MapReport(report, map[string]*r4.Observation{"obs-1": obs})
	if len(got) != 2 {
		t.Fatalf("results = %d, want 2", len(got))
	}
	if got := m.MapReport(report, nil); len(got) != 0 {
		t.Errorf("nil index results = %d, want 0", len(got))
	}

	inline := *report
	inline.Result = []r4.Reference{{Reference: "does-not-matter", Resource: obs}}
	if got := m.MapReport(&inline, nil); len(got) != 1 {
		t.Errorf("inline results = %d, want 1", len(got))
	}
}

func TestTraversalsAgree(t *testing.T) {
	b := decodeLabBundle(t)
	m := NewLabResultMapper(nil)

	byReport := m.MapLabResults(b)
	byObservation := m.MapObservations(b)

	// obs-qty, obs-coded, obs-str, obs-range, obs-bool through reports; obs-orphan has none.
	if len(byReport) != 5 {
		t.Fatalf("report-centric = %d, want 5", len(byReport))
	}
	if len(byObservation) != 6 {
		t.Fatalf("observation-centric = %d, want 6", len(byObservation))
	}

	for i := range byReport {
		if !reflect.DeepEqual(byReport[i], byObservation[i]) {
			t.Errorf("result %d differs:\nreport:      %+v\nobservation: %+v", i, byReport[i], byObservation[i])
		}
	}

	orphan := byObservation[5]
	if orphan.ResultValue.Text.String() != "standalone" {
		t.Errorf("orphan value = %+v", orphan.ResultValue)
	}
	if orphan.ResultStatus != nil || orphan.Order != nil || orphan.PerformedDateTime != nil {
		t.Errorf("orphan should carry no report fields: %+v", orphan)
	}
}

func TestInverseIndexMatchesScan(t *testing.T) {
	b := decodeLabBundle(t)
	idx := NewBundleIndex(b)
	if len(idx.ObservationList()) != 7 || len(idx.ReportList()) != 5 {
		t.Fatalf("indexed %d observations, %d reports", len(idx.ObservationList()), len(idx.ReportList()))
	}
	for _, obs := range idx.ObservationList() {
		if got, want := idx.OwningReport(obs), idx.ScanOwningReport(obs); got != want {
			t.Errorf("owner of %s: index %v, scan %v", obs.ID, got, want)
		}
	}
	if owner := idx.OwningReport(idx.Observations["obs-qty"]); owner == nil || owner.ID != "rep-a" {
		t.Errorf("obs-qty owner = %v, want rep-a (first in bundle order)", owner)
	}
	if owner := idx.OwningReport(idx.Observations["obs-orphan"]); owner != nil {
		t.Errorf("obs-orphan owner = %s", owner.ID)
	}
}

func TestLabMappingIsIdempotent(t *testing.T) {
	b := decodeLabBundle(t)
	m := NewLabResultMapper(nil)
	for _, traversal := range []Traversal{TraversalReport, TraversalObservation} {
		first := m.Map(b, traversal)
		second := m.Map(b, traversal)
		if !reflect.DeepEqual(first, second) {
			t.Errorf("%s traversal not idempotent", traversal)
		}
	}

	d := NewDemographicsMapper(nil)
	pb, err := r4.DecodeBundle([]byte(patientBundle))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(d.MapDemographics(pb), d.MapDemographics(pb)) {
		t.Error("demographics not idempotent")
	}
}

func TestMapObservationWithoutIndex(t *testing.T) {
	obs := &r4.Observation{ValueQuantity: &r4.Quantity{Unit: "mg"}}
	got := NewLabResultMapper(nil).MapObservation(obs, nil)
	if got.ResultValue == nil || !got.ResultValue.Number.IsAbsent() {
		t.Errorf("resultValue = %+v", got.ResultValue)
	}
	if got.ResultStatus != nil {
		t.Errorf("resultStatus = %+v, want nil", got.ResultStatus)
	}
}

func TestMapStatusUnknownValue(t *testing.T) {
	got := mapStatus(r4.DiagnosticReportStatus("bogus"))
	want := &piqi.CodeableConcept{Text: piqi.Absent()}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("mapStatus() = %+v, want %+v", got, want)
	}
}

func ptr[T any](v T) *T { return &v }
