package mapper

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/navapbc/go-piqi/internal/fhir/r4"
	"github.com/navapbc/go-piqi/internal/piqi"
	"go.uber.org/zap"
)

// FHIRVersion identifies the FHIR release of an input bundle.
type FHIRVersion string

const (
	FHIRVersionR4 FHIRVersion = "R4"
	FHIRVersionR5 FHIRVersion = "R5"
)

// ParseFHIRVersion accepts release names ("R4") and version numbers ("4.0.1").
func ParseFHIRVersion(s string) (FHIRVersion, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	switch {
	case v == "R4" || v == "4" || strings.HasPrefix(v, "4.0"):
		return FHIRVersionR4, nil
	case v == "R5" || v == "5" || strings.HasPrefix(v, "5.0"):
		return FHIRVersionR5, nil
	}
	return "", &MapError{Field: "fhirVersion", Code: CodeUnsupportedMapping, Message: fmt.Sprintf("unknown FHIR version %q", s)}
}

// OutputType names a PIQI output section.
type OutputType string

const (
	OutputDemographics OutputType = "demographics"
	OutputLabResults   OutputType = "labResults"
)

// ParseOutputType accepts the output names case-insensitively.
func ParseOutputType(s string) (OutputType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "demographics":
		return OutputDemographics, nil
	case "labresults", "lab-results", "lab_results":
		return OutputLabResults, nil
	}
	return "", &MapError{Field: "output", Code: CodeUnsupportedMapping, Message: fmt.Sprintf("unknown output type %q", s)}
}

// ParseTraversal accepts "report" or "observation". An empty string parses
// to the zero Traversal, which the registry replaces with its default.
func ParseTraversal(s string) (Traversal, error) {
	t := Traversal(strings.ToLower(strings.TrimSpace(s)))
	if t == "" || t.Valid() {
		return t, nil
	}
	return "", &MapError{Field: "traversal", Code: CodeUnsupportedMapping, Message: fmt.Sprintf("unknown traversal %q", s)}
}

// Key selects one mapper variant.
type Key struct {
	Version FHIRVersion
	Output  OutputType
}

func (k Key) String() string {
	return string(k.Version) + "/" + string(k.Output)
}

type mapFunc func(bundle *r4.Bundle, traversal Traversal, msg *piqi.Message)

// Request is a single mapping call.
type Request struct {
	Version   FHIRVersion
	Bundle    *r4.Bundle
	Outputs   []OutputType
	Traversal Traversal
}

// Registry dispatches a (version, output) pair to its mapper. It holds no
// per-call state and may be shared between goroutines.
type Registry struct {
	logger    *zap.Logger
	traversal Traversal
	table     map[Key]mapFunc
	order     []OutputType
	now       func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithLabTraversal sets the traversal used when a request does not pick one.
func WithLabTraversal(t Traversal) Option {
	return func(r *Registry) {
		if t.Valid() {
			r.traversal = t
		}
	}
}

// WithClock overrides the clock used to stamp messages.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry creates a registry holding the R4 demographics and lab result
// mappers.
func NewRegistry(logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		logger:    logger,
		traversal: TraversalReport,
		table:     make(map[Key]mapFunc),
		order:     []OutputType{OutputDemographics, OutputLabResults},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	demographics := NewDemographicsMapper(logger)
	labs := NewLabResultMapper(logger)

	r.table[Key{FHIRVersionR4, OutputDemographics}] = func(b *r4.Bundle, _ Traversal, msg *piqi.Message) {
		msg.Demographics = demographics.MapDemographics(b)
	}
	r.table[Key{FHIRVersionR4, OutputLabResults}] = func(b *r4.Bundle, t Traversal, msg *piqi.Message) {
		msg.LabResults = labs.Map(b, t)
	}
	return r
}

// Supports reports whether a mapper exists for the pair.
func (r *Registry) Supports(version FHIRVersion, output OutputType) bool {
	_, ok := r.table[Key{version, output}]
	return ok
}

// Outputs lists the outputs supported for version.
func (r *Registry) Outputs(version FHIRVersion) []OutputType {
	var out []OutputType
	for _, o := range r.order {
		if r.Supports(version, o) {
			out = append(out, o)
		}
	}
	return out
}

// Traversal returns the default lab traversal.
func (r *Registry) Traversal() Traversal {
	return r.traversal
}

// Map maps bundle into a message. With no outputs every output supported
// for version is produced.
func (r *Registry) Map(version FHIRVersion, bundle *r4.Bundle, outputs ...OutputType) (*piqi.Message, error) {
	return r.MapRequest(Request{Version: version, Bundle: bundle, Outputs: outputs})
}

// MapRequest is Map with a per-request traversal.
func (r *Registry) MapRequest(req Request) (*piqi.Message, error) {
	if req.Bundle == nil {
		return nil, &MapError{Field: "Bundle", Code: CodeNilInput, Message: "bundle is required"}
	}

	outputs := req.Outputs
	if len(outputs) == 0 {
		outputs = r.Outputs(req.Version)
	}
	if len(outputs) == 0 {
		return nil, &MapError{Field: "fhirVersion", Code: CodeUnsupportedMapping, Message: fmt.Sprintf("no mappers for FHIR version %q", req.Version)}
	}

	fns := make([]mapFunc, 0, len(outputs))
	for _, output := range outputs {
		key := Key{req.Version, output}
		fn, ok := r.table[key]
		if !ok {
			return nil, &MapError{Field: "output", Code: CodeUnsupportedMapping, Message: fmt.Sprintf("no mapper for %s", key)}
		}
		fns = append(fns, fn)
	}

	traversal := req.Traversal
	if !traversal.Valid() {
		traversal = r.traversal
	}

	msg := &piqi.Message{
		ID:          uuid.New().String(),
		BundleID:    req.Bundle.ID,
		FHIRVersion: string(req.Version),
		LabResults:  []piqi.LabResult{},
		MappedAt:    r.now().UTC(),
	}
	for _, fn := range fns {
		fn(req.Bundle, traversal, msg)
	}
	if msg.LabResults == nil {
		msg.LabResults = []piqi.LabResult{}
	}

	r.logger.Debug("mapped bundle",
		zap.String("bundle_id", req.Bundle.ID),
		zap.String("fhir_version", string(req.Version)),
		zap.String("traversal", string(traversal)),
		zap.Bool("has_demographics", msg.Demographics != nil),
		zap.Int("lab_results", len(msg.LabResults)),
	)
	return msg, nil
}
