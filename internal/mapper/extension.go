package mapper

import (
	"github.com/navapbc/go-piqi/internal/fhir/r4"
	"github.com/navapbc/go-piqi/internal/piqi"
)

// FindExtension returns the first extension with the given URL.
func FindExtension(exts []r4.Extension, url string) *r4.Extension {
	for i := range exts {
		if exts[i].URL == url {
			return &exts[i]
		}
	}
	return nil
}

// MapExtension builds a concept from the direct sub-extensions of a complex
// extension such as us-core-race. "text" sets the text and each
// "ombCategory" coding is appended in order. Nested levels below the direct
// children are not visited. An extension without sub-extensions maps to nil.
func MapExtension(ext *r4.Extension) *piqi.CodeableConcept {
	if ext == nil || len(ext.Extension) == 0 {
		return nil
	}

	concept := &piqi.CodeableConcept{Text: piqi.Absent()}
	for i := range ext.Extension {
		sub := &ext.Extension[i]
		switch sub.URL {
		case r4.SubExtensionText:
			concept.Text = piqi.Attr(sub.ScalarString())
		case r4.SubExtensionCategory:
			if sub.ValueCoding != nil {
				concept.AddCoding(MapCoding(*sub.ValueCoding))
			}
		}
	}
	return concept
}
