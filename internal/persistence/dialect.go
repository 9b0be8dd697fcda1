package persistence

import (
	"strconv"
	"strings"
)

// Dialect captures the differences between the SQL backends the SQL stores
// support. Queries are written with ? placeholders and rebound per dialect.
type Dialect struct {
	Name string
	// SerialPK is the column definition of an auto-incrementing primary key.
	SerialPK string
	// SkipLocked enables FOR UPDATE SKIP LOCKED in claim subqueries.
	SkipLocked bool

	numbered bool
}

var (
	// SQLite targets modernc.org/sqlite.
	SQLite = Dialect{
		Name:     "sqlite",
		SerialPK: "INTEGER PRIMARY KEY AUTOINCREMENT",
	}

	// Postgres targets PostgreSQL through the pgx stdlib driver.
	Postgres = Dialect{
		Name:       "postgres",
		SerialPK:   "BIGSERIAL PRIMARY KEY",
		SkipLocked: true,
		numbered:   true,
	}
)

// Rebind rewrites ? placeholders into the dialect's placeholder syntax.
func (d Dialect) Rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Placeholders returns n comma-separated ? placeholders.
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// BoolInt stores booleans as integers so that both dialects share a schema.
func BoolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
