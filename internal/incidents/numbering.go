package incidents

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// NumberFormat selects the incident number layout.
type NumberFormat string

// Number formats.
const (
	// NumberFormatDaily yields BI-FAIL-YYYYMMDD-NNN.
	NumberFormatDaily NumberFormat = "daily"
	// NumberFormatFacility yields BI-<PREFIX>-<unix>-<seq>.
	NumberFormatFacility NumberFormat = "facility"
)

const facilityPrefixLen = 6

// FormatIncidentNumber renders an incident number from its inputs.
// seq is the 1-based sequence of the incident within facility and day.
func FormatIncidentNumber(format NumberFormat, facilityID string, seq int, now time.Time) string {
	if format == NumberFormatFacility {
		return fmt.Sprintf("BI-%s-%d-%d", facilityPrefix(facilityID), now.Unix(), seq)
	}
	return fmt.Sprintf("BI-FAIL-%s-%03d", now.UTC().Format("20060102"), seq)
}

// Numberer binds a format to a facility and creation time.
type Numberer struct {
	format NumberFormat
}

// NewNumberer creates a Numberer. Unknown formats fall back to daily.
func NewNumberer(format NumberFormat) *Numberer {
	if format != NumberFormatFacility {
		format = NumberFormatDaily
	}
	return &Numberer{format: format}
}

// For returns the NumberFunc used while creating an incident.
func (n *Numberer) For(facilityID string, now time.Time) NumberFunc {
	return func(seq int) string {
		return FormatIncidentNumber(n.format, facilityID, seq, now)
	}
}

func facilityPrefix(facilityID string) string {
	var b strings.Builder
	for _, r := range facilityID {
		if b.Len() == facilityPrefixLen {
			break
		}
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	if b.Len() == 0 {
		return "FAC"
	}
	return b.String()
}
