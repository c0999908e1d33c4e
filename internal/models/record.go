package models

import (
	"time"
)

// OdooTimeLayout is the timestamp format Odoo uses in record payloads.
const OdooTimeLayout = "2006-01-02 15:04:05"

// Record is a generic domain record as seen by the sync core.
// Identity is the Odoo id, unique within an entity type. Locally created
// records that have not been confirmed by the server carry a negative
// placeholder id and Pending=true until the offline queue reconciles them.
type Record struct {
	ID        int64          `json:"id"`
	Fields    map[string]any `json:"fields"`
	WriteDate time.Time      `json:"writeDate,omitempty"`
	Pending   bool           `json:"pending,omitempty"`
}

// NewRecord builds a Record from a raw Odoo payload map, normalizing
// Odoo's dynamic typing and extracting id and write_date.
func NewRecord(raw map[string]any) Record {
	rec := Record{Fields: make(map[string]any, len(raw))}
	for k, v := range raw {
		switch k {
		case "id":
			rec.ID = ToInt64(v)
		case "write_date":
			if s, ok := v.(string); ok {
				if t, err := time.Parse(OdooTimeLayout, s); err == nil {
					rec.WriteDate = t
				}
			}
			rec.Fields[k] = NormalizeOdooValue(v)
		default:
			rec.Fields[k] = NormalizeOdooValue(v)
		}
	}
	return rec
}

// Merge overlays payload fields onto the record, used for optimistic
// local updates while the real write sits in the offline queue.
func (r *Record) Merge(payload map[string]any) {
	if r.Fields == nil {
		r.Fields = make(map[string]any, len(payload))
	}
	for k, v := range payload {
		r.Fields[k] = v
	}
}

// NormalizeOdooValue handles Odoo's dynamic typing: empty text and
// unset many2one fields come back as boolean false instead of null.
func NormalizeOdooValue(v any) any {
	if b, ok := v.(bool); ok && !b {
		return nil
	}
	return v
}

// ToInt64 converts the numeric types Odoo serializers produce.
func ToInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case float64:
		return int64(n)
	case float32:
		return int64(n)
	}
	return 0
}
