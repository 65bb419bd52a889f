package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// RecordType is one of the three synced directory collections.
type RecordType string

const (
	Camp  RecordType = "camp"
	Art   RecordType = "art"
	Event RecordType = "event"
)

// RecordTypes lists every record type in sync priority order.
var RecordTypes = []RecordType{Camp, Art, Event}

// ParseRecordType accepts singular or plural names ("camp", "camps").
func ParseRecordType(s string) (RecordType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "camp", "camps":
		return Camp, nil
	case "art", "arts":
		return Art, nil
	case "event", "events":
		return Event, nil
	default:
		return "", fmt.Errorf("unknown record type %q", s)
	}
}

// FileName returns the base name of the static data file for the type.
func (t RecordType) FileName() string {
	switch t {
	case Camp:
		return "camps"
	case Event:
		return "events"
	default:
		return string(t)
	}
}

// Record is a single directory document. Fields beyond uid and year are
// opaque to the sync machinery.
type Record map[string]any

// UID returns the record identifier, or "" when absent.
func (r Record) UID() string {
	return r.String("uid")
}

// Year returns the record's year as an integer. The second return is false
// when the field is missing or not numeric.
func (r Record) Year() (int, bool) {
	return toInt(r["year"])
}

// String returns the named field when it is a string, else "".
func (r Record) String(key string) string {
	s, _ := r[key].(string)
	return s
}

// Clone returns a shallow copy so callers can add fields without mutating
// the input.
func (r Record) Clone() Record {
	out := make(Record, len(r)+3)
	for k, v := range r {
		out[k] = v
	}
	return out
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}
