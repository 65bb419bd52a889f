package domain

import "strings"

// EnrichEvents joins events to their hosting camp or art record and returns
// a new slice with enriched_location and the host name filled in. Events that
// already carry a location are returned unchanged, so applying EnrichEvents
// to its own output is a no-op. Inputs are never mutated.
func EnrichEvents(events, camps, art []Record) []Record {
	campsByUID := indexByUID(camps)
	artByUID := indexByUID(art)

	out := make([]Record, len(events))
	for i, ev := range events {
		out[i] = enrichEvent(ev, campsByUID, artByUID)
	}
	return out
}

// IsEnriched reports whether the event already has a resolved location.
func IsEnriched(ev Record) bool {
	return strings.TrimSpace(ev.String("location_string")) != "" ||
		strings.TrimSpace(ev.String("enriched_location")) != ""
}

func enrichEvent(ev Record, camps, art map[string]Record) Record {
	if IsEnriched(ev) {
		return ev
	}

	if host, ok := camps[ev.String("hosted_by_camp")]; ok {
		if loc := hostLocation(host); loc != "" {
			return withHost(ev, "camp_name", host, loc)
		}
	}
	for _, ref := range []string{"hosted_by_art", "located_at_art"} {
		if host, ok := art[ev.String(ref)]; ok {
			if loc := hostLocation(host); loc != "" {
				return withHost(ev, "art_name", host, loc)
			}
		}
	}

	if other := strings.TrimSpace(ev.String("other_location")); other != "" {
		out := ev.Clone()
		out["enriched_location"] = other
		return out
	}
	return ev
}

func withHost(ev Record, nameField string, host Record, loc string) Record {
	out := ev.Clone()
	out["enriched_location"] = loc
	if name := hostName(host); name != "" {
		out[nameField] = name
	}
	return out
}

// hostLocation prefers the display string and falls back to the structured
// street address.
func hostLocation(host Record) string {
	if s := strings.TrimSpace(host.String("location_string")); s != "" {
		return s
	}
	loc, ok := host["location"].(map[string]any)
	if !ok {
		return ""
	}
	frontage, _ := loc["frontage"].(string)
	intersection, _ := loc["intersection"].(string)
	frontage, intersection = strings.TrimSpace(frontage), strings.TrimSpace(intersection)
	if frontage == "" || intersection == "" {
		return ""
	}
	return frontage + " & " + intersection
}

func hostName(host Record) string {
	if n := host.String("name"); n != "" {
		return n
	}
	return host.String("title")
}

func indexByUID(records []Record) map[string]Record {
	m := make(map[string]Record, len(records))
	for _, r := range records {
		if uid := r.UID(); uid != "" {
			m[uid] = r
		}
	}
	return m
}
