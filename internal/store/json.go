package store

import "encoding/json"

// marshalJSON serializes v to a JSON string, defaulting to "null" on error
// (callers only ever pass values that are guaranteed to marshal).
func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

// parseJSONInto parses raw into dst, silently leaving dst at its zero value
// on empty/malformed input. This is the "parse defensively with fallbacks at
// the storage boundary" shape from design note §9 — a parse failure here
// must never fail the caller's read, since a corrupt JSON column is a
// single-row data problem, not a system failure.
func parseJSONInto(raw string, dst any) {
	if raw == "" {
		return
	}
	_ = json.Unmarshal([]byte(raw), dst)
}
