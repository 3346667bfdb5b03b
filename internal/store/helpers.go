package store

import (
	"database/sql"
	"strings"
)

// nullString turns "" into a SQL NULL, matching the teacher's convention of
// storing optional text fields as nullable columns rather than empty strings.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullInt turns 0 into a SQL NULL. Only used for fields where 0 is not a
// meaningful value (e.g. image width/height).
func nullInt(n int) sql.NullInt64 {
	if n == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(n), Valid: true}
}

// toTextArray renders a Go string slice as a Postgres text[] literal for use
// with = ANY($1).
func toTextArray(ss []string) string {
	var b strings.Builder
	b.WriteByte('{')
	for i, s := range ss {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('"')
		b.WriteString(strings.ReplaceAll(strings.ReplaceAll(s, `\`, `\\`), `"`, `\"`))
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String()
}
