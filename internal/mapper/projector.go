package mapper

import (
	"time"

	"github.com/navapbc/go-piqi/internal/fhir/r4"
	"github.com/navapbc/go-piqi/internal/piqi"
	"go.uber.org/zap"
)

// Output layouts for dates and date-times. Neither carries a zone.
const (
	DateLayout     = "2006-01-02"
	DateTimeLayout = "20060102150405"
)

// MapCodeableConcept copies text and every coding in source order. A nil
// concept maps to nil.
func MapCodeableConcept(c *r4.CodeableConcept) *piqi.CodeableConcept {
	if c == nil {
		return nil
	}
	out := &piqi.CodeableConcept{Text: piqi.Attr(c.Text)}
	for _, coding := range c.Coding {
		out.AddCoding(MapCoding(coding))
	}
	return out
}

// MapCoding copies code, display and system independently.
func MapCoding(c r4.Coding) piqi.Coding {
	return piqi.NewCoding(c.Code, c.Display, c.System)
}

// DateAttribute renders t as yyyy-MM-dd in its own offset.
func DateAttribute(t *time.Time) *piqi.SimpleAttribute {
	if t == nil {
		return piqi.Absent()
	}
	return piqi.Attr(t.Format(DateLayout))
}

// DateTimeAttribute renders t as yyyyMMddHHmmss in its own offset.
func DateTimeAttribute(t *time.Time) *piqi.SimpleAttribute {
	if t == nil {
		return piqi.Absent()
	}
	return piqi.Attr(t.Format(DateTimeLayout))
}

// parseTimestamp reads a FHIR date or dateTime. Empty and unparsable values
// are treated as absent.
func parseTimestamp(logger *zap.Logger, field, value string) *time.Time {
	if value == "" {
		return nil
	}
	t, err := r4.ParseDateTime(value)
	if err != nil {
		logger.Debug("ignoring unparsable timestamp",
			zap.String("field", field),
			zap.String("value", value),
			zap.Error(err),
		)
		return nil
	}
	return &t
}
