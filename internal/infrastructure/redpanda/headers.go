package redpanda

import (
	"context"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Record header keys set by the producers.
const (
	HeaderBundleID    = "bundle-id"
	HeaderJobID       = "job-id"
	HeaderEventType   = "event-type"
	HeaderFHIRVersion = "fhir-version"
	HeaderError       = "error"
)

// RecordCarrier adapts kgo record headers to propagation.TextMapCarrier.
type RecordCarrier struct {
	Record *kgo.Record
}

var _ propagation.TextMapCarrier = RecordCarrier{}

// Get returns the last header value for key.
func (c RecordCarrier) Get(key string) string {
	for i := len(c.Record.Headers) - 1; i >= 0; i-- {
		if c.Record.Headers[i].Key == key {
			return string(c.Record.Headers[i].Value)
		}
	}
	return ""
}

// Set replaces any existing header with key.
func (c RecordCarrier) Set(key, value string) {
	for i, h := range c.Record.Headers {
		if h.Key == key {
			c.Record.Headers[i].Value = []byte(value)
			return
		}
	}
	c.Record.Headers = append(c.Record.Headers, kgo.RecordHeader{Key: key, Value: []byte(value)})
}

// Keys lists header keys.
func (c RecordCarrier) Keys() []string {
	keys := make([]string, 0, len(c.Record.Headers))
	for _, h := range c.Record.Headers {
		keys = append(keys, h.Key)
	}
	return keys
}

// InjectTrace writes the trace context of ctx into the record headers using
// the global propagator.
func InjectTrace(ctx context.Context, record *kgo.Record) {
	otel.GetTextMapPropagator().Inject(ctx, RecordCarrier{Record: record})
}

// ExtractTrace returns ctx carrying the remote span context found in the
// record headers, if any.
func ExtractTrace(ctx context.Context, record *kgo.Record) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, RecordCarrier{Record: record})
}

// HeaderMap flattens record headers. Later duplicates win.
func HeaderMap(record *kgo.Record) map[string]string {
	m := make(map[string]string, len(record.Headers))
	for _, h := range record.Headers {
		m[h.Key] = string(h.Value)
	}
	return m
}
