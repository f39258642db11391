package mapper

import "github.com/navapbc/go-piqi/internal/fhir/r4"

// Resolve returns the resource a reference points at. The inline target
// wins when it has type T; otherwise the bare id of the reference string is
// looked up in index. Dangling and external references resolve to nothing.
func Resolve[T r4.Resource](ref *r4.Reference, index map[string]T) (T, bool) {
	if v, ok := ResolveInline[T](ref); ok {
		return v, true
	}
	var zero T
	if ref == nil || ref.Reference == "" || index == nil {
		return zero, false
	}
	id := r4.IDPart(ref.Reference)
	if id == "" {
		return zero, false
	}
	v, ok := index[id]
	return v, ok
}

// ResolveInline returns the inline target of ref when it has type T.
func ResolveInline[T r4.Resource](ref *r4.Reference) (T, bool) {
	var zero T
	if ref == nil || ref.Resource == nil {
		return zero, false
	}
	v, ok := ref.Resource.(T)
	return v, ok
}
