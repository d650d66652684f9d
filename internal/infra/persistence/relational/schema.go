// Package relational persists the library state in normalized SQL tables. It
// is shared by the sqlite and postgres drivers, which differ only in their
// Dialect.
package relational

import (
	"strconv"
	"strings"
)

// SchemaVersion is the layout this package reads and writes.
const SchemaVersion = 1

// Dialect captures the SQL differences between supported engines.
type Dialect struct {
	Name   string
	Schema []string
	// Rebind rewrites ? placeholders into the engine's native form.
	Rebind func(query string) string
}

// SQLite targets modernc.org/sqlite.
var SQLite = Dialect{
	Name: "sqlite",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS books (
			id INTEGER PRIMARY KEY,
			code TEXT NOT NULL UNIQUE,
			isbn TEXT UNIQUE,
			title TEXT NOT NULL,
			author TEXT NOT NULL,
			category TEXT NOT NULL,
			location TEXT NOT NULL,
			synopsis TEXT NOT NULL DEFAULT '',
			cover_url TEXT,
			status TEXT NOT NULL CHECK (status IN ('available', 'loaned')),
			loan_count INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS patrons (
			id INTEGER PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			phone TEXT NOT NULL DEFAULT '',
			standing TEXT NOT NULL CHECK (standing IN ('active', 'sanctioned')),
			sanction_count INTEGER NOT NULL DEFAULT 0,
			active_loan_count INTEGER NOT NULL DEFAULT 0 CHECK (active_loan_count >= 0),
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS loans (
			id INTEGER PRIMARY KEY,
			book_id INTEGER NOT NULL,
			book_title TEXT NOT NULL,
			patron_id INTEGER NOT NULL,
			patron_name TEXT NOT NULL,
			loan_date TEXT NOT NULL,
			due_date TEXT NOT NULL,
			return_date TEXT,
			status TEXT NOT NULL CHECK (status IN ('open', 'closed')),
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS loans_one_open_per_book ON loans (book_id) WHERE status = 'open'`,
		`CREATE INDEX IF NOT EXISTS loans_patron ON loans (patron_id)`,
		`CREATE TABLE IF NOT EXISTS terms (
			id INTEGER PRIMARY KEY,
			kind TEXT NOT NULL,
			name TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE (kind, name)
		)`,
	},
	Rebind: func(q string) string { return q },
}

// Postgres targets PostgreSQL through the pgx stdlib driver.
var Postgres = Dialect{
	Name: "postgres",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS books (
			id BIGINT PRIMARY KEY,
			code TEXT NOT NULL UNIQUE,
			isbn TEXT UNIQUE,
			title TEXT NOT NULL,
			author TEXT NOT NULL,
			category TEXT NOT NULL,
			location TEXT NOT NULL,
			synopsis TEXT NOT NULL DEFAULT '',
			cover_url TEXT,
			status TEXT NOT NULL CHECK (status IN ('available', 'loaned')),
			loan_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS patrons (
			id BIGINT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			phone TEXT NOT NULL DEFAULT '',
			standing TEXT NOT NULL CHECK (standing IN ('active', 'sanctioned')),
			sanction_count INTEGER NOT NULL DEFAULT 0,
			active_loan_count INTEGER NOT NULL DEFAULT 0 CHECK (active_loan_count >= 0),
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS loans (
			id BIGINT PRIMARY KEY,
			book_id BIGINT NOT NULL,
			book_title TEXT NOT NULL,
			patron_id BIGINT NOT NULL,
			patron_name TEXT NOT NULL,
			loan_date DATE NOT NULL,
			due_date DATE NOT NULL,
			return_date DATE,
			status TEXT NOT NULL CHECK (status IN ('open', 'closed')),
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS loans_one_open_per_book ON loans (book_id) WHERE status = 'open'`,
		`CREATE INDEX IF NOT EXISTS loans_patron ON loans (patron_id)`,
		`CREATE TABLE IF NOT EXISTS terms (
			id BIGINT PRIMARY KEY,
			kind TEXT NOT NULL,
			name TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			UNIQUE (kind, name)
		)`,
	},
	Rebind: rebindDollar,
}

// rebindDollar rewrites ? into $1, $2, ... Queries in this package never
// contain literal question marks.
func rebindDollar(q string) string {
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}
