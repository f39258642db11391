package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/navapbc/go-piqi/internal/domain/mapping"
	"github.com/navapbc/go-piqi/internal/infrastructure/redpanda"
	"github.com/navapbc/go-piqi/internal/piqi"
)

const cliBundle = `{
  "resourceType": "Bundle",
  "id": "%s",
  "type": "collection",
  "entry": [
    {"fullUrl": "urn:uuid:pat-1", "resource": {"resourceType": "Patient", "id": "pat-1", "gender": "male", "birthDate": "2018-12-01"}}
  ]
}`

func writeBundle(t *testing.T, dir, id string) string {
	t.Helper()
	path := filepath.Join(dir, id+".json")
	if err := os.WriteFile(path, []byte(strings.Replace(cliBundle, "%s", id, 1)), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func decodeMessages(t *testing.T, out *bytes.Buffer) []piqi.Message {
	t.Helper()
	var msgs []piqi.Message
	dec := json.NewDecoder(out)
	for dec.More() {
		var m piqi.Message
		if err := dec.Decode(&m); err != nil {
			t.Fatal(err)
		}
		msgs = append(msgs, m)
	}
	return msgs
}

func TestRunMapKeepsArgumentOrder(t *testing.T) {
	dir := t.TempDir()
	var files []string
	for _, id := range []string{"b1", "b2", "b3", "b4", "b5"} {
		files = append(files, writeBundle(t, dir, id))
	}

	var out, errOut bytes.Buffer
	opts := mapOptions{fhirVersion: "R4", traversal: "report", workers: 3}
	if err := runMap(context.Background(), nil, &out, &errOut, files, opts, nil); err != nil {
		t.Fatalf("runMap() error = %v, stderr %s", err, errOut.String())
	}

	msgs := decodeMessages(t, &out)
	if len(msgs) != 5 {
		t.Fatalf("messages = %d, want 5", len(msgs))
	}
	for i, m := range msgs {
		if want := "b" + string(rune('1'+i)); m.BundleID != want {
			t.Errorf("message %d bundle = %s, want %s", i, m.BundleID, want)
		}
		if m.Demographics == nil {
			t.Errorf("message %d has no demographics", i)
		}
	}
}

func TestRunMapReportsFailures(t *testing.T) {
	dir := t.TempDir()
	good := writeBundle(t, dir, "good")
	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte(`{"resourceType":"Patient"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	missing := filepath.Join(dir, "missing.json")

	var out, errOut bytes.Buffer
	err := runMap(context.Background(), nil, &out, &errOut, []string{good, bad, missing}, mapOptions{workers: 2}, nil)
	if err == nil || !strings.Contains(err.Error(), "2 of 3") {
		t.Fatalf("runMap() error = %v", err)
	}
	if msgs := decodeMessages(t, &out); len(msgs) != 1 || msgs[0].BundleID != "good" {
		t.Errorf("messages = %+v", msgs)
	}
	for _, name := range []string{"bad.json", "missing.json"} {
		if !strings.Contains(errOut.String(), name) {
			t.Errorf("stderr missing %s: %s", name, errOut.String())
		}
	}
}

func TestRunMapStdinWithOutputs(t *testing.T) {
	var out, errOut bytes.Buffer
	stdin := strings.NewReader(strings.Replace(cliBundle, "%s", "stdin", 1))
	opts := mapOptions{outputs: []string{"labResults"}, workers: 1, pretty: true}

	if err := runMap(context.Background(), stdin, &out, &errOut, nil, opts, nil); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "\n  \"") {
		t.Errorf("output not indented: %s", out.String())
	}
	msgs := decodeMessages(t, &out)
	if len(msgs) != 1 || msgs[0].Demographics != nil || msgs[0].LabResults == nil {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestVersionCommand(t *testing.T) {
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if out.String() != "piqimap dev\n" {
		t.Errorf("version output = %q", out.String())
	}
}

func TestBundleRecords(t *testing.T) {
	dir := t.TempDir()
	files := []string{writeBundle(t, dir, "b1"), writeBundle(t, dir, "b2")}

	records, err := bundleRecords("fhir.bundles", "R4", files, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	for i, want := range []string{"b1", "b2"} {
		rec := records[i]
		if rec.Topic != "fhir.bundles" || rec.Key != want {
			t.Errorf("record %d = %s/%s", i, rec.Topic, rec.Key)
		}
		if rec.Headers[redpanda.HeaderBundleID] != want || rec.Headers[redpanda.HeaderFHIRVersion] != "R4" {
			t.Errorf("record %d headers = %v", i, rec.Headers)
		}
	}
}

func TestBundleRecordsRejectsNonBundles(t *testing.T) {
	stdin := strings.NewReader(`{"resourceType":"Patient","id":"p1"}`)
	if _, err := bundleRecords("fhir.bundles", "", nil, stdin); err == nil || !strings.Contains(err.Error(), "-:") {
		t.Fatalf("bundleRecords() error = %v", err)
	}
}

func TestWriteFailures(t *testing.T) {
	failed, err := mapping.NewEvent("job-1", mapping.EventMappingFailed, mapping.MappingFailedData{
		JobID:  "job-1",
		Code:   "INVALID_BUNDLE",
		Reason: "not a bundle",
	})
	if err != nil {
		t.Fatal(err)
	}
	failed.Timestamp = time.Date(2024, 1, 6, 15, 25, 32, 0, time.UTC)
	failed.WithCorrelation("b1", "req-1")

	var out bytes.Buffer
	if err := writeFailures(&out, []*mapping.Event{failed}); err != nil {
		t.Fatal(err)
	}
	want := "2024-01-06T15:25:32Z\tjob-1\tb1\tINVALID_BUNDLE\tnot a bundle\n"
	if out.String() != want {
		t.Errorf("output = %q, want %q", out.String(), want)
	}

	mapped, _ := mapping.NewEvent("job-2", mapping.EventBundleMapped, mapping.BundleMappedData{JobID: "job-2"})
	if err := writeFailures(&out, []*mapping.Event{mapped}); err == nil {
		t.Error("writeFailures accepted a BundleMapped event")
	}
}
