package r4

import (
	"fmt"
	"strings"
	"time"
)

// Accepted lexical forms of date, dateTime and instant, most precise first.
var dateTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"2006-01",
	"2006",
}

// ParseDateTime parses a FHIR date, dateTime or instant. Values without an
// offset are read as UTC. Values with an offset keep it.
func ParseDateTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("parse datetime: empty value")
	}
	for _, layout := range dateTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("parse datetime: unsupported format %q", s)
}
