package domain

import "strings"

// SearchEntry is one row of the precomputed text search index.
type SearchEntry struct {
	Type RecordType `json:"type"`
	UID  string     `json:"uid"`
	Name string     `json:"name"`
	Text string     `json:"search_text"`
}

var searchFields = map[RecordType][]string{
	Camp:  {"name", "description", "hometown"},
	Art:   {"name", "description", "artist"},
	Event: {"title", "description", "camp_name", "art_name"},
}

// BuildSearchIndex concatenates the searchable fields of each record into a
// lowercased search string. Records without a uid are skipped.
func BuildSearchIndex(t RecordType, records []Record) []SearchEntry {
	fields := searchFields[t]
	out := make([]SearchEntry, 0, len(records))
	for _, r := range records {
		uid := r.UID()
		if uid == "" {
			continue
		}
		parts := make([]string, 0, len(fields))
		for _, f := range fields {
			if v := strings.TrimSpace(r.String(f)); v != "" {
				parts = append(parts, v)
			}
		}
		out = append(out, SearchEntry{
			Type: t,
			UID:  uid,
			Name: hostName(r),
			Text: strings.ToLower(strings.Join(parts, " ")),
		})
	}
	return out
}
