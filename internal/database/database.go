// Package database provisions per-application databases, users and secrets.
package database

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"regexp"
	"strings"
)

// SecretCharset is the alphabet generated secrets are drawn from.
const SecretCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789!@#$%^&*()-_=+"

// SecretLength is the length of generated database secrets.
const SecretLength = 16

// Provisioner creates and drops application databases.
type Provisioner interface {
	CreateDatabase(ctx context.Context, name, user, secret string) error
	// DropDatabase removes the database and its user; missing objects are not an error.
	DropDatabase(ctx context.Context, name, user string) error
}

// Endpoint describes where applications reach a provisioned database.
type Endpoint struct {
	Driver string
	Host   string
	Port   int
}

// Endpointer is implemented by provisioners that know the server address
// applications should connect to.
type Endpointer interface {
	Endpoint() Endpoint
}

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// ValidIdentifier reports whether s is a safe lowercase database identifier.
func ValidIdentifier(s string) error {
	if !identRe.MatchString(s) {
		return fmt.Errorf("invalid database identifier %q", s)
	}
	return nil
}

// GenerateSecret returns n characters drawn uniformly from SecretCharset.
func GenerateSecret(n int) (string, error) {
	if n <= 0 {
		return "", errors.New("secret length must be positive")
	}
	max := big.NewInt(int64(len(SecretCharset)))
	out := make([]byte, n)
	for i := range out {
		v, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = SecretCharset[v.Int64()]
	}
	return string(out), nil
}

// Config selects the provisioner.
type Config struct {
	// Driver is "postgres", "sqlite" or "none".
	Driver   string `mapstructure:"driver"`
	AdminDSN string `mapstructure:"admin_dsn"`
	// Host is the address applications use; defaults to the admin DSN host.
	Host string `mapstructure:"host"`
	// Dir holds SQLite database files.
	Dir string `mapstructure:"dir"`
}

// New builds the provisioner described by cfg. A nil Provisioner with a nil
// error means database provisioning is disabled.
func New(cfg Config, l *slog.Logger) (Provisioner, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "none":
		return nil, nil
	case "postgres", "postgresql", "pgsql":
		if cfg.AdminDSN == "" {
			return nil, errors.New("database.admin_dsn required for postgres")
		}
		return NewPostgres(cfg.AdminDSN, cfg.Host, l)
	case "sqlite":
		if cfg.Dir == "" {
			return nil, errors.New("database.dir required for sqlite")
		}
		return SQLite{Dir: cfg.Dir}, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}
