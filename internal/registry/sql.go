package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// dialect captures the few places where SQLite and PostgreSQL differ.
type dialect struct {
	name       string
	numbered   bool   // $1 placeholders instead of ?
	lockSuffix string // row lock for read-modify-write
}

var (
	sqliteDialect   = dialect{name: "sqlite"}
	postgresDialect = dialect{name: "postgres", numbered: true, lockSuffix: " FOR UPDATE"}
)

// rebind rewrites ? placeholders for dialects with numbered parameters.
func (d dialect) rebind(q string) string {
	if !d.numbered {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// DB implements Store on database/sql for SQLite and PostgreSQL.
type DB struct {
	db *sql.DB
	d  dialect
	// serializes read-modify-write within this process; PostgreSQL also takes a row lock
	updateMu sync.Mutex
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS apps(
		id TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS reserved_ports(
		port INTEGER PRIMARY KEY,
		owner TEXT NOT NULL DEFAULT ''
	);`,
	`CREATE INDEX IF NOT EXISTS idx_reserved_ports_owner ON reserved_ports(owner);`,
	`CREATE TABLE IF NOT EXISTS install_journal(
		id TEXT PRIMARY KEY,
		app_id TEXT NOT NULL,
		data TEXT NOT NULL,
		started_at TEXT NOT NULL
	);`,
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	for _, q := range schema {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("registry: ensure schema: %w", err)
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.d.rebind(q), args...)
}

func (s *DB) Get(ctx context.Context, id string) (Record, error) {
	var data string
	err := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT data FROM apps WHERE id=?`), id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, NotFoundError{Entity: "app", Key: id}
	}
	if err != nil {
		return Record{}, fmt.Errorf("registry: get %s: %w", id, err)
	}
	return decodeRecord(data)
}

func (s *DB) Put(ctx context.Context, rec Record) error {
	if strings.TrimSpace(rec.ID) == "" {
		return errors.New("registry: record id required")
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `
		INSERT INTO apps(id, data, updated_at) VALUES(?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data=excluded.data, updated_at=excluded.updated_at;`,
		rec.ID, string(b), now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("registry: put %s: %w", rec.ID, err)
	}
	return nil
}

func (s *DB) Update(ctx context.Context, id string, fn func(*Record) error) (Record, error) {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("registry: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var data string
	err = tx.QueryRowContext(ctx, s.d.rebind(`SELECT data FROM apps WHERE id=?`+s.d.lockSuffix), id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, NotFoundError{Entity: "app", Key: id}
	}
	if err != nil {
		return Record{}, fmt.Errorf("registry: update %s: %w", id, err)
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return Record{}, err
	}
	if err := fn(&rec); err != nil {
		return Record{}, err
	}
	rec.ID = id
	rec.UpdatedAt = time.Now().UTC()
	b, err := json.Marshal(rec)
	if err != nil {
		return Record{}, err
	}
	if _, err := tx.ExecContext(ctx, s.d.rebind(`UPDATE apps SET data=?, updated_at=? WHERE id=?`),
		string(b), rec.UpdatedAt.Format(time.RFC3339Nano), id); err != nil {
		return Record{}, fmt.Errorf("registry: update %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("registry: commit: %w", err)
	}
	return rec, nil
}

func (s *DB) Delete(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM apps WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("registry: delete %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return NotFoundError{Entity: "app", Key: id}
	}
	return nil
}

func (s *DB) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM apps ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := make([]Record, 0)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		rec, err := decodeRecord(data)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *DB) ReservedPorts(ctx context.Context) (map[int]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT port, owner FROM reserved_ports`)
	if err != nil {
		return nil, fmt.Errorf("registry: reserved ports: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := make(map[int]string)
	for rows.Next() {
		var (
			port  int
			owner string
		)
		if err := rows.Scan(&port, &owner); err != nil {
			return nil, err
		}
		out[port] = owner
	}
	return out, rows.Err()
}

func (s *DB) AddReservedPort(ctx context.Context, port int, owner string) error {
	res, err := s.exec(ctx, `
		INSERT INTO reserved_ports(port, owner) VALUES(?, ?)
		ON CONFLICT(port) DO UPDATE SET owner=excluded.owner
		WHERE reserved_ports.owner = excluded.owner;`, port, owner)
	if err != nil {
		return fmt.Errorf("registry: reserve port %d: %w", port, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("registry: reserve port %d: %w", port, err)
	}
	if n == 0 {
		return fmt.Errorf("registry: reserve port %d for %q: %w", port, owner, ErrPortTaken)
	}
	return nil
}

func (s *DB) RemoveReservedPort(ctx context.Context, port int, owner string) error {
	var err error
	if owner == "" {
		_, err = s.exec(ctx, `DELETE FROM reserved_ports WHERE port=?`, port)
	} else {
		_, err = s.exec(ctx, `DELETE FROM reserved_ports WHERE port=? AND owner=?`, port, owner)
	}
	if err != nil {
		return fmt.Errorf("registry: release port %d: %w", port, err)
	}
	return nil
}

func (s *DB) BeginInstall(ctx context.Context, e JournalEntry) error {
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now().UTC()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `INSERT INTO install_journal(id, app_id, data, started_at) VALUES(?, ?, ?, ?)`,
		e.ID, e.AppID, string(b), e.StartedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("registry: journal begin %s: %w", e.ID, err)
	}
	return nil
}

func (s *DB) UpdateInstall(ctx context.Context, e JournalEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := s.exec(ctx, `UPDATE install_journal SET data=? WHERE id=?`, string(b), e.ID); err != nil {
		return fmt.Errorf("registry: journal update %s: %w", e.ID, err)
	}
	return nil
}

func (s *DB) FinishInstall(ctx context.Context, id string) error {
	if _, err := s.exec(ctx, `DELETE FROM install_journal WHERE id=?`, id); err != nil {
		return fmt.Errorf("registry: journal finish %s: %w", id, err)
	}
	return nil
}

func (s *DB) OpenInstalls(ctx context.Context) ([]JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM install_journal ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("registry: journal list: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := make([]JournalEntry, 0)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var e JournalEntry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return nil, fmt.Errorf("registry: decode journal entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func decodeRecord(data string) (Record, error) {
	var rec Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return Record{}, fmt.Errorf("registry: decode record: %w", err)
	}
	return rec, nil
}
