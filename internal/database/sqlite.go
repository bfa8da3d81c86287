package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLite provisions one database file per application under Dir. Users and
// secrets have no meaning for SQLite and are ignored.
type SQLite struct {
	Dir string
}

func (s SQLite) Path(name string) string { return filepath.Join(s.Dir, name+".sqlite") }

func (s SQLite) Endpoint() Endpoint { return Endpoint{Driver: "sqlite"} }

func (s SQLite) CreateDatabase(ctx context.Context, name, _, _ string) error {
	if err := ValidIdentifier(name); err != nil {
		return err
	}
	if err := os.MkdirAll(s.Dir, 0o750); err != nil {
		return err
	}
	path := s.Path(name)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("database file %s already exists", path)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	// forces the file into existence
	if _, err := db.ExecContext(ctx, "PRAGMA user_version = 1;"); err != nil {
		return fmt.Errorf("create sqlite database %s: %w", name, err)
	}
	return nil
}

func (s SQLite) DropDatabase(_ context.Context, name, _ string) error {
	if err := ValidIdentifier(name); err != nil {
		return err
	}
	var errs []error
	for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
		if err := os.Remove(s.Path(name) + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
