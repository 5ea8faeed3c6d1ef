package domain

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CodeSystem identifies one authoritative code list, e.g. "ISO3166-1" for
// country codes, "UNLOCODE" for ports, "IATA" for airports.
type CodeSystem string

// RecordPayload carries the domain fields of one reference record. Code is
// the natural key within the code system. Attributes holds source columns
// that have no dedicated field.
type RecordPayload struct {
	Code       string
	Name       string
	Region     string
	Attributes map[string]string
}

// Equal reports full-value equality. Updates in a reconciliation diff are
// detected by this, never by field-level deltas.
func (p RecordPayload) Equal(other RecordPayload) bool {
	if p.Code != other.Code || p.Name != other.Name || p.Region != other.Region {
		return false
	}
	if len(p.Attributes) != len(other.Attributes) {
		return false
	}
	for k, v := range p.Attributes {
		if ov, ok := other.Attributes[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Canonical renders the payload as a stable string for content hashing.
// Attribute keys are sorted so hashing is order-independent.
func (p RecordPayload) Canonical() string {
	var b strings.Builder
	b.WriteString(p.Code)
	b.WriteByte('\x1f')
	b.WriteString(p.Name)
	b.WriteByte('\x1f')
	b.WriteString(p.Region)
	keys := make([]string, 0, len(p.Attributes))
	for k := range p.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteByte('\x1f')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(p.Attributes[k])
	}
	return b.String()
}

// VersionedRecord is one bitemporal version of a reference record. ValidFrom
// and ValidTo bound the real-world validity window (ValidTo nil means open);
// RecordedAt and Version track the system-side history.
type VersionedRecord struct {
	ID              uuid.UUID
	NaturalKey      string
	CodeSystem      CodeSystem
	Payload         RecordPayload
	ValidFrom       time.Time
	ValidTo         *time.Time
	Version         int
	IsCorrection    bool
	RecordedAt      time.Time
	RecordedBy      string
	ChangeRequestID *uuid.UUID
	IsActive        bool
}

// IsCurrent reports whether this version is the open, active head.
func (r VersionedRecord) IsCurrent() bool {
	return r.ValidTo == nil && r.IsActive
}

// Covers reports whether the validity window contains d
// (ValidFrom <= d < ValidTo, open-ended when ValidTo is nil).
func (r VersionedRecord) Covers(d time.Time) bool {
	if d.Before(r.ValidFrom) {
		return false
	}
	return r.ValidTo == nil || d.Before(*r.ValidTo)
}
