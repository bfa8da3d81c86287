package registry

import (
	"context"
	"errors"
	"strings"
)

// OpenDSN selects a registry implementation based on DSN.
// Supported:
//   - sqlite:  "sqlite://<path>" or bare filepath (treated as sqlite)
//   - postgres: DSN starting with "postgres://" or "postgresql://"
func OpenDSN(dsn string) (*DB, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	if ld == "" {
		return nil, errors.New("registry: empty DSN")
	}
	if strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://") {
		return OpenPostgres(d)
	}
	if strings.HasPrefix(ld, "sqlite://") {
		return OpenSQLite(d[len("sqlite://"):])
	}
	return OpenSQLite(d)
}

// Open opens dsn and ensures the schema exists.
func Open(ctx context.Context, dsn string) (*DB, error) {
	db, err := OpenDSN(dsn)
	if err != nil {
		return nil, err
	}
	if err := db.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Dialect reports "sqlite" or "postgres".
func (s *DB) Dialect() string { return s.d.name }
