// Package models provides data model definitions for the pricewatch data layer.
package models

import (
	"encoding/json"
	"strconv"
	"time"
)

// Record is an opaque snapshot of a synced entity as a bag of fields.
// Only identity, modification time and the deletion marker are interpreted.
type Record map[string]any

var (
	updatedAtKeys = []string{"updatedAt", "updated_at"}
	deletedKeys   = []string{"deleted", "isDeleted", "is_deleted"}
	deletedAtKeys = []string{"deletedAt", "deleted_at"}
)

// ID returns the record identity, or "" when absent.
func (r Record) ID() string {
	switch v := r["id"].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

// UpdatedAt returns the last modification time when one is present and usable.
// Numbers are Unix milliseconds. Zero values count as absent.
func (r Record) UpdatedAt() (time.Time, bool) {
	if r == nil {
		return time.Time{}, false
	}
	for _, key := range updatedAtKeys {
		if v, ok := r[key]; ok && v != nil {
			return parseTimestamp(v)
		}
	}
	return time.Time{}, false
}

// IsDeleted reports whether the record carries a tombstone marker.
func (r Record) IsDeleted() bool {
	for _, key := range deletedKeys {
		if b, ok := r[key].(bool); ok && b {
			return true
		}
	}
	for _, key := range deletedAtKeys {
		switch v := r[key].(type) {
		case nil:
		case string:
			if v != "" {
				return true
			}
		default:
			return true
		}
	}
	return false
}

// Clone returns a shallow copy so later edits of the source do not leak into snapshots.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func parseTimestamp(v any) (time.Time, bool) {
	var t time.Time
	switch ts := v.(type) {
	case time.Time:
		t = ts
	case *time.Time:
		if ts == nil {
			return time.Time{}, false
		}
		t = *ts
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return time.Time{}, false
		}
		t = parsed
	case float64:
		t = time.UnixMilli(int64(ts))
	case int64:
		t = time.UnixMilli(ts)
	case int:
		t = time.UnixMilli(int64(ts))
	case json.Number:
		ms, err := ts.Int64()
		if err != nil {
			return time.Time{}, false
		}
		t = time.UnixMilli(ms)
	default:
		return time.Time{}, false
	}
	if t.IsZero() || t.UnixMilli() == 0 {
		return time.Time{}, false
	}
	return t, true
}
