package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ParseRecords decodes a source response body into records. It accepts a
// bare array, a {"data": [...]} envelope, or a {"<type>": [...]} envelope
// and fails with DATA_ERROR when none of those shapes match.
func ParseRecords(t RecordType, body []byte) ([]Record, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, NewError(KindData, "empty response body", "", nil)
	}

	switch trimmed[0] {
	case '[':
		return decodeArray(trimmed)
	case '{':
		var envelope map[string]json.RawMessage
		if err := decode(trimmed, &envelope); err != nil {
			return nil, NewError(KindData, "decode response object", "", err)
		}
		for _, key := range []string{"data", string(t), t.FileName()} {
			raw, ok := envelope[key]
			if !ok {
				continue
			}
			raw = bytes.TrimSpace(raw)
			if len(raw) == 0 || raw[0] != '[' {
				continue
			}
			return decodeArray(raw)
		}
		return nil, NewError(KindData, fmt.Sprintf("response object has no %q or %q array", "data", t), "", nil)
	default:
		return nil, NewError(KindData, "response is neither an array nor an object", "", nil)
	}
}

// DecodeRecord decodes a single stored record, keeping numbers exact.
func DecodeRecord(b []byte) (Record, error) {
	var r Record
	if err := decode(b, &r); err != nil {
		return nil, err
	}
	return r, nil
}

func decodeArray(b []byte) ([]Record, error) {
	var items []json.RawMessage
	if err := decode(b, &items); err != nil {
		return nil, NewError(KindData, "decode record array", "", err)
	}
	out := make([]Record, 0, len(items))
	for i, raw := range items {
		rec, err := DecodeRecord(raw)
		if err != nil || rec == nil {
			return nil, NewError(KindData, fmt.Sprintf("item %d is not an object", i), "", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func decode(b []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	return dec.Decode(v)
}
