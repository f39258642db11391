package r4

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrNotBundle is returned when a payload decodes but is not a Bundle.
var ErrNotBundle = errors.New("resource is not a Bundle")

// Bundle represents a FHIR R4 Bundle.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Meta         *Meta         `json:"meta,omitempty"`
	Type         string        `json:"type,omitempty"` // document | message | transaction | collection | ...
	Timestamp    string        `json:"timestamp,omitempty"`
	Total        *int          `json:"total,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// BundleEntry is a single entry in a Bundle.
type BundleEntry struct {
	FullURL  string              `json:"fullUrl,omitempty"`
	Resource Resource            `json:"resource,omitempty"`
	Request  *BundleEntryRequest `json:"request,omitempty"`
}

// BundleEntryRequest carries the transaction details of an entry.
type BundleEntryRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// UnmarshalJSON decodes the entry resource into its concrete type.
func (e *BundleEntry) UnmarshalJSON(data []byte) error {
	var raw struct {
		FullURL  string              `json:"fullUrl"`
		Resource json.RawMessage     `json:"resource"`
		Request  *BundleEntryRequest `json:"request"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	e.FullURL = raw.FullURL
	e.Request = raw.Request
	e.Resource = nil
	if len(raw.Resource) == 0 || string(raw.Resource) == "null" {
		return nil
	}

	res, err := DecodeResource(raw.Resource)
	if err != nil {
		return fmt.Errorf("entry %q: %w", raw.FullURL, err)
	}
	e.Resource = res
	return nil
}

// GetResourceType returns "Bundle".
func (b *Bundle) GetResourceType() string { return TypeBundle }

// GetID returns the bundle id.
func (b *Bundle) GetID() string { return b.ID }

// Resources returns the non-nil entry resources in bundle order.
func (b *Bundle) Resources() []Resource {
	if b == nil {
		return nil
	}
	out := make([]Resource, 0, len(b.Entry))
	for _, e := range b.Entry {
		if e.Resource != nil {
			out = append(out, e.Resource)
		}
	}
	return out
}

// Link sets Reference.Resource on every reference held by an entry resource
// whose target is another entry of the bundle. Targets are matched by the
// entry fullUrl first and by relative Type/id second. Conditional and
// contained references are left unresolved. Link returns the number of
// references it resolved.
func (b *Bundle) Link() int {
	if b == nil {
		return 0
	}

	byURL := make(map[string]Resource, len(b.Entry))
	byTypeID := make(map[string]Resource, len(b.Entry))
	for _, e := range b.Entry {
		if e.Resource == nil {
			continue
		}
		if e.FullURL != "" {
			if _, exists := byURL[e.FullURL]; !exists {
				byURL[e.FullURL] = e.Resource
			}
		}
		id := e.Resource.GetID()
		if id == "" {
			id = IDPart(e.FullURL)
		}
		if id != "" {
			key := e.Resource.GetResourceType() + "/" + id
			if _, exists := byTypeID[key]; !exists {
				byTypeID[key] = e.Resource
			}
		}
	}

	linked := 0
	for _, e := range b.Entry {
		r, ok := e.Resource.(referrer)
		if !ok {
			continue
		}
		for _, ref := range r.references() {
			if ref.Resource != nil || ref.Reference == "" {
				continue
			}
			if target := lookupReference(ref.Reference, byURL, byTypeID); target != nil {
				ref.Resource = target
				linked++
			}
		}
	}
	return linked
}

func lookupReference(ref string, byURL, byTypeID map[string]Resource) Resource {
	if strings.HasPrefix(ref, "#") || strings.Contains(ref, "?") {
		return nil
	}
	if target, ok := byURL[ref]; ok {
		return target
	}
	if i := strings.Index(ref, "/_history/"); i >= 0 {
		ref = ref[:i]
	}
	parts := strings.Split(strings.TrimSuffix(ref, "/"), "/")
	if len(parts) < 2 {
		return nil
	}
	return byTypeID[parts[len(parts)-2]+"/"+parts[len(parts)-1]]
}

// DecodeBundle parses a JSON Bundle and links its internal references.
func DecodeBundle(data []byte) (*Bundle, error) {
	var head struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	if head.ResourceType != TypeBundle {
		return nil, fmt.Errorf("%w: got %q", ErrNotBundle, head.ResourceType)
	}

	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	b.Link()
	return &b, nil
}

// ReadBundle reads and decodes a Bundle from r.
func ReadBundle(r io.Reader) (*Bundle, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read bundle: %w", err)
	}
	return DecodeBundle(data)
}

// ToJSON serializes the bundle.
func (b *Bundle) ToJSON() ([]byte, error) {
	return json.Marshal(b)
}

// IDPart returns the bare logical id of a reference or fullUrl:
// "urn:uuid:abc" -> "abc", "Observation/abc/_history/2" -> "abc",
// "http://x/fhir/Observation/abc" -> "abc". Conditional references have no
// id and return "".
func IDPart(ref string) string {
	ref = strings.TrimSpace(ref)
	switch {
	case ref == "":
		return ""
	case strings.HasPrefix(ref, "urn:uuid:"):
		return strings.TrimPrefix(ref, "urn:uuid:")
	case strings.HasPrefix(ref, "urn:oid:"):
		return strings.TrimPrefix(ref, "urn:oid:")
	case strings.HasPrefix(ref, "#"):
		return strings.TrimPrefix(ref, "#")
	case strings.Contains(ref, "?"):
		return ""
	}

	if i := strings.Index(ref, "/_history/"); i >= 0 {
		ref = ref[:i]
	}
	ref = strings.TrimSuffix(ref, "/")
	if i := strings.LastIndex(ref, "/"); i >= 0 {
		return ref[i+1:]
	}
	return ref
}
