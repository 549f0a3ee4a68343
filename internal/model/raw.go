package model

import (
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"
)

// RawRecord is one record as scraped by a source adapter, before
// normalization. Fields holds string, numeric or time.Time values.
type RawRecord struct {
	SourceID  string         `json:"source_id"`
	Fields    map[string]any `json:"fields"`
	FetchedAt time.Time      `json:"fetched_at"`
	Seq       int            `json:"seq"`
}

// NewRawRecord copies fields so the record cannot be mutated through the
// caller's map.
func NewRawRecord(sourceID string, seq int, fetchedAt time.Time, fields map[string]any) RawRecord {
	return RawRecord{
		SourceID:  sourceID,
		Fields:    maps.Clone(fields),
		FetchedAt: fetchedAt,
		Seq:       seq,
	}
}

// String returns the field value rendered as a trimmed string. Missing or
// nil values return "".
func (r RawRecord) String(key string) string {
	if key == "" {
		return ""
	}
	v, ok := r.Fields[key]
	if !ok || v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	default:
		return strings.TrimSpace(fmt.Sprint(val))
	}
}

// Has reports whether the key is present with a non-empty value.
func (r RawRecord) Has(key string) bool {
	return r.String(key) != ""
}
