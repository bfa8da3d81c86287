package registry

import (
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens a SQLite registry at path (modernc.org/sqlite, CGO-free).
// Use ":memory:" for an in-memory database.
func OpenSQLite(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("registry: empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// one connection keeps ":memory:" coherent and serializes writers
	d.SetMaxOpenConns(1)
	d.SetConnMaxLifetime(0)
	// busy timeout helps with short cross-process locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	_, _ = d.Exec("PRAGMA journal_mode=WAL;")
	_, _ = d.Exec("PRAGMA synchronous=FULL;")
	return &DB{db: d, d: sqliteDialect}, nil
}
