package mapper

import (
	"errors"
	"testing"
	"time"

	"github.com/navapbc/go-piqi/internal/fhir/r4"
)

func TestParseFHIRVersion(t *testing.T) {
	tests := []struct {
		in      string
		want    FHIRVersion
		wantErr bool
	}{
		{"R4", FHIRVersionR4, false},
		{"r4", FHIRVersionR4, false},
		{"4.0.1", FHIRVersionR4, false},
		{"4.0", FHIRVersionR4, false},
		{"R5", FHIRVersionR5, false},
		{"5.0.0", FHIRVersionR5, false},
		{"DSTU2", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFHIRVersion(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseFHIRVersion(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseFHIRVersion(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseOutputType(t *testing.T) {
	for in, want := range map[string]OutputType{
		"demographics": OutputDemographics,
		"labResults":   OutputLabResults,
		"lab-results":  OutputLabResults,
	} {
		got, err := ParseOutputType(in)
		if err != nil || got != want {
			t.Errorf("ParseOutputType(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseOutputType("medications"); err == nil {
		t.Error("expected error for unknown output")
	}
}

func TestParseTraversal(t *testing.T) {
	tests := []struct {
		in      string
		want    Traversal
		wantErr bool
	}{
		{"", "", false},
		{"report", TraversalReport, false},
		{" Observation ", TraversalObservation, false},
		{"specimen", "", true},
	}
	for _, tt := range tests {
		got, err := ParseTraversal(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseTraversal(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestRegistrySupports(t *testing.T) {
	r := NewRegistry(nil)
	tests := []struct {
		key  Key
		want bool
	}{
		{Key{FHIRVersionR4, OutputDemographics}, true},
		{Key{FHIRVersionR4, OutputLabResults}, true},
		{Key{FHIRVersionR5, OutputDemographics}, false},
		{Key{FHIRVersionR5, OutputLabResults}, false},
		{Key{FHIRVersionR4, "medications"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.key.String(), func(t *testing.T) {
			if got := r.Supports(tt.key.Version, tt.key.Output); got != tt.want {
				t.Errorf("Supports() = %v, want %v", got, tt.want)
			}
		})
	}

	if got := r.Outputs(FHIRVersionR4); len(got) != 2 || got[0] != OutputDemographics || got[1] != OutputLabResults {
		t.Errorf("Outputs(R4) = %v", got)
	}
	if got := r.Outputs(FHIRVersionR5); len(got) != 0 {
		t.Errorf("Outputs(R5) = %v", got)
	}
}

func TestRegistryMap(t *testing.T) {
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	r := NewRegistry(nil, WithClock(func() time.Time { return fixed }))

	b := decodeLabBundle(t)
	pb, err := r4.DecodeBundle([]byte(patientBundle))
	if err != nil {
		t.Fatal(err)
	}
	b.Entry = append(b.Entry, pb.Entry...)

	msg, err := r.Map(FHIRVersionR4, b)
	if err != nil {
		t.Fatalf("Map() error = %v", err)
	}
	if msg.ID == "" || msg.BundleID != "lab-bundle" || msg.FHIRVersion != "R4" || !msg.MappedAt.Equal(fixed) {
		t.Errorf("envelope = %+v", msg)
	}
	if msg.Demographics == nil {
		t.Error("demographics missing")
	}
	if len(msg.LabResults) != 5 {
		t.Errorf("lab results = %d, want 5", len(msg.LabResults))
	}

	onlyLabs, err := r.MapRequest(Request{Version: FHIRVersionR4, Bundle: b, Outputs: []OutputType{OutputLabResults}, Traversal: TraversalObservation})
	if err != nil {
		t.Fatalf("MapRequest() error = %v", err)
	}
	if onlyLabs.Demographics != nil || len(onlyLabs.LabResults) != 6 {
		t.Errorf("demographics = %v, lab results = %d", onlyLabs.Demographics, len(onlyLabs.LabResults))
	}

	onlyDemo, err := r.Map(FHIRVersionR4, b, OutputDemographics)
	if err != nil {
		t.Fatal(err)
	}
	if onlyDemo.LabResults == nil || len(onlyDemo.LabResults) != 0 {
		t.Errorf("lab results = %v, want empty slice", onlyDemo.LabResults)
	}
}

func TestRegistryDefaultTraversal(t *testing.T) {
	r := NewRegistry(nil, WithLabTraversal(TraversalObservation))
	if r.Traversal() != TraversalObservation {
		t.Fatalf("Traversal() = %q", r.Traversal())
	}
	msg, err := r.Map(FHIRVersionR4, decodeLabBundle(t), OutputLabResults)
	if err != nil {
		t.Fatal(err)
	}
	if len(msg.LabResults) != 6 {
		t.Errorf("lab results = %d, want 6", len(msg.LabResults))
	}

	if NewRegistry(nil, WithLabTraversal("sideways")).Traversal() != TraversalReport {
		t.Error("invalid traversal should keep the default")
	}
}

func TestRegistryErrors(t *testing.T) {
	r := NewRegistry(nil)

	tests := []struct {
		name     string
		version  FHIRVersion
		bundle   *r4.Bundle
		outputs  []OutputType
		wantCode string
	}{
		{"nil bundle", FHIRVersionR4, nil, nil, CodeNilInput},
		{"unsupported version", FHIRVersionR5, &r4.Bundle{}, nil, CodeUnsupportedMapping},
		{"unsupported pair", FHIRVersionR5, &r4.Bundle{}, []OutputType{OutputLabResults}, CodeUnsupportedMapping},
		{"unknown output", FHIRVersionR4, &r4.Bundle{}, []OutputType{"medications"}, CodeUnsupportedMapping},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Map(tt.version, tt.bundle, tt.outputs...)
			var mapErr *MapError
			if !errors.As(err, &mapErr) {
				t.Fatalf("error = %v, want *MapError", err)
			}
			if mapErr.Code != tt.wantCode {
				t.Errorf("code = %s, want %s", mapErr.Code, tt.wantCode)
			}
			if !mapErr.Terminal() {
				t.Error("dispatch errors should be terminal")
			}
		})
	}
}
