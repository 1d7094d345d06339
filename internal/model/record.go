package model

import (
	"encoding/json"
	"fmt"
	"maps"
	"sort"
	"strings"
	"time"
)

// CanonicalDateLayout is the partition key format (DD-MM-YYYY)
const CanonicalDateLayout = "02-01-2006"

// inputDateLayouts are the date shapes accepted from datasets and operators
var inputDateLayouts = []string{
	CanonicalDateLayout,
	"20060102",
	"2006-01-02",
}

// Record is a single normalized weather observation.
// Date is the canonical partition key; Fields are opaque to the manager and
// storage nodes and are only stored and returned.
type Record struct {
	Date   string
	Fields map[string]string
}

// NewRecord creates a record with a canonical date
func NewRecord(date string, fields map[string]string) (Record, error) {
	canonical, err := CanonicalDate(date)
	if err != nil {
		return Record{}, err
	}
	if fields == nil {
		fields = make(map[string]string)
	}
	return Record{Date: canonical, Fields: fields}, nil
}

// CanonicalDate normalizes a date string to DD-MM-YYYY
func CanonicalDate(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("empty date")
	}
	for _, layout := range inputDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(CanonicalDateLayout), nil
		}
	}
	return "", fmt.Errorf("unrecognized date %q", raw)
}

// Equal reports value equality of two records
func (r Record) Equal(other Record) bool {
	if r.Date != other.Date || len(r.Fields) != len(other.Fields) {
		return false
	}
	return maps.Equal(r.Fields, other.Fields)
}

// FieldNames returns the sorted field names of the record
func (r Record) FieldNames() []string {
	names := make([]string, 0, len(r.Fields))
	for name := range r.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MarshalJSON encodes the record as a flat object with a "date" member
func (r Record) MarshalJSON() ([]byte, error) {
	flat := make(map[string]string, len(r.Fields)+1)
	for k, v := range r.Fields {
		flat[k] = v
	}
	flat["date"] = r.Date
	return json.Marshal(flat)
}

// UnmarshalJSON decodes a flat object. Non-string members keep their JSON
// text, null members are dropped.
func (r *Record) UnmarshalJSON(data []byte) error {
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(data, &flat); err != nil {
		return fmt.Errorf("failed to decode record: %w", err)
	}

	fields := make(map[string]string, len(flat))
	date := ""
	for k, raw := range flat {
		if string(raw) == "null" {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			s = string(raw)
		}
		if k == "date" {
			date = s
			continue
		}
		fields[k] = s
	}

	if date == "" {
		return fmt.Errorf("record has no date")
	}

	r.Date = date
	r.Fields = fields
	return nil
}
