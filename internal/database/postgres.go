package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/loykin/appstack/internal/logger"
)

// Postgres provisions databases on a PostgreSQL server using an admin DSN.
type Postgres struct {
	adminDSN string
	endpoint Endpoint
	log      *slog.Logger
}

// NewPostgres parses adminDSN to learn the endpoint handed to applications.
// host overrides the DSN host in that endpoint when non-empty.
func NewPostgres(adminDSN, host string, l *slog.Logger) (*Postgres, error) {
	cfg, err := pgx.ParseConfig(adminDSN)
	if err != nil {
		return nil, fmt.Errorf("postgres admin dsn: %w", err)
	}
	ep := Endpoint{Driver: "pgsql", Host: cfg.Host, Port: int(cfg.Port)}
	if host != "" {
		ep.Host = host
	}
	return &Postgres{adminDSN: adminDSN, endpoint: ep, log: logger.OrDefault(l).With("component", "database")}, nil
}

func (p *Postgres) Endpoint() Endpoint { return p.endpoint }

func (p *Postgres) connect(ctx context.Context) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, p.adminDSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return conn, nil
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func (p *Postgres) CreateDatabase(ctx context.Context, name, user, secret string) error {
	if err := ValidIdentifier(name); err != nil {
		return err
	}
	if err := ValidIdentifier(user); err != nil {
		return err
	}
	conn, err := p.connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close(context.WithoutCancel(ctx)) }()

	role := pgx.Identifier{user}.Sanitize()
	db := pgx.Identifier{name}.Sanitize()
	// DDL takes no bind parameters
	if _, err := conn.Exec(ctx, "CREATE ROLE "+role+" LOGIN PASSWORD "+quoteLiteral(secret)); err != nil {
		return fmt.Errorf("create role %s: %w", user, err)
	}
	if _, err := conn.Exec(ctx, "CREATE DATABASE "+db+" OWNER "+role); err != nil {
		_, _ = conn.Exec(context.WithoutCancel(ctx), "DROP ROLE IF EXISTS "+role)
		return fmt.Errorf("create database %s: %w", name, err)
	}
	p.log.Info("database created", slog.String("database", name), slog.String("user", user))
	return nil
}

func (p *Postgres) DropDatabase(ctx context.Context, name, user string) error {
	if err := ValidIdentifier(name); err != nil {
		return err
	}
	conn, err := p.connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close(context.WithoutCancel(ctx)) }()

	var errs []error
	if _, err := conn.Exec(ctx, "DROP DATABASE IF EXISTS "+pgx.Identifier{name}.Sanitize()+" WITH (FORCE)"); err != nil {
		errs = append(errs, fmt.Errorf("drop database %s: %w", name, err))
	}
	if user != "" {
		if err := ValidIdentifier(user); err != nil {
			errs = append(errs, err)
		} else if _, err := conn.Exec(ctx, "DROP ROLE IF EXISTS "+pgx.Identifier{user}.Sanitize()); err != nil {
			errs = append(errs, fmt.Errorf("drop role %s: %w", user, err))
		}
	}
	if len(errs) == 0 {
		p.log.Info("database dropped", slog.String("database", name))
	}
	return errors.Join(errs...)
}

// Exists reports whether database name is present.
func (p *Postgres) Exists(ctx context.Context, name string) (bool, error) {
	conn, err := p.connect(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = conn.Close(context.WithoutCancel(ctx)) }()
	var n int
	if err := conn.QueryRow(ctx, "SELECT count(*) FROM pg_database WHERE datname = $1", name).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// AppDSN renders the connection URL an application uses for its database.
func AppDSN(ep Endpoint, name, user, secret string) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(user, secret),
		Host:   ep.Host + ":" + strconv.Itoa(ep.Port),
		Path:   "/" + name,
	}
	return u.String()
}
