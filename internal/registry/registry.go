// Package registry is the durable source of truth for installed application
// records, the tool's port reservations and the install journal.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loykin/appstack/internal/errdefs"
)

// DatabaseInfo holds the connection parameters assigned to an application.
type DatabaseInfo struct {
	Driver   string `json:"driver"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Name     string `json:"name"`
	User     string `json:"user"`
	Password string `json:"password"`
}

// InstallConfig is the package-declared set of flags that controls which
// optional provisioning steps run.
type InstallConfig struct {
	RequiresDatabase      bool     `json:"requires_database" yaml:"requires_database"`
	RequiresFrontendBuild bool     `json:"requires_frontend_build" yaml:"requires_frontend_build"`
	RunMigrations         bool     `json:"run_migrations" yaml:"run_migrations"`
	RunSeeders            bool     `json:"run_seeders" yaml:"run_seeders"`
	PostInstall           []string `json:"post_install,omitempty" yaml:"post_install"`
}

// Record is the durable configuration snapshot of one installed application.
type Record struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Version       string        `json:"version"`
	WebPort       int           `json:"web_port"`
	URL           string        `json:"url"`
	Database      *DatabaseInfo `json:"database,omitempty"`
	InstallPath   string        `json:"install_path"`
	RoutingConfig string        `json:"routing_config,omitempty"`
	Config        InstallConfig `json:"config"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// JournalEntry tracks the resources an in-flight install has acquired so
// that a crash mid-install can be rolled back on the next start.
type JournalEntry struct {
	ID            string        `json:"id"`
	AppID         string        `json:"app_id"`
	InstallPath   string        `json:"install_path"`
	Ports         []int         `json:"ports,omitempty"`
	Database      *DatabaseInfo `json:"database,omitempty"`
	RoutingConfig string        `json:"routing_config,omitempty"`
	Step          string        `json:"step"`
	StartedAt     time.Time     `json:"started_at"`
	// OwnerPID and OwnerStart identify the process running the install so
	// recovery in another process can leave a live install alone.
	OwnerPID   int   `json:"owner_pid,omitempty"`
	OwnerStart int64 `json:"owner_start,omitempty"`
}

// Registry persists application records and port reservations. Every call
// is durable before it returns.
type Registry interface {
	Get(ctx context.Context, id string) (Record, error)
	Put(ctx context.Context, rec Record) error
	// Update applies fn to the stored record under a serialized read-modify-write.
	Update(ctx context.Context, id string, fn func(*Record) error) (Record, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Record, error)

	// ReservedPorts maps every durable reservation to its owner ("" when unowned).
	ReservedPorts(ctx context.Context) (map[int]string, error)
	// AddReservedPort is idempotent for the same owner and fails with
	// ErrPortTaken when another owner already holds port.
	AddReservedPort(ctx context.Context, port int, owner string) error
	// RemoveReservedPort is a no-op when the port is not reserved, or when owner
	// is non-empty and differs from the stored owner.
	RemoveReservedPort(ctx context.Context, port int, owner string) error
}

// Journal records in-flight installs.
type Journal interface {
	BeginInstall(ctx context.Context, e JournalEntry) error
	UpdateInstall(ctx context.Context, e JournalEntry) error
	FinishInstall(ctx context.Context, id string) error
	OpenInstalls(ctx context.Context) ([]JournalEntry, error)
}

// Store is a Registry with a Journal backed by one database.
type Store interface {
	Registry
	Journal
	EnsureSchema(ctx context.Context) error
	Close() error
}

// ErrPortTaken reports a durable reservation held by a different owner,
// typically written by another appstack process sharing the registry.
var ErrPortTaken = fmt.Errorf("port reserved by another owner: %w", errdefs.ErrAlreadyExists)

// NotFoundError indicates a requested record does not exist.
type NotFoundError struct {
	Entity string
	Key    string
}

func (e NotFoundError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s not found", e.Entity)
	}
	return fmt.Sprintf("%s %s not found", e.Entity, e.Key)
}

func (e NotFoundError) Is(target error) bool { return target == errdefs.ErrNotFound }

// IsNotFound returns true when err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var target NotFoundError
	return errors.As(err, &target)
}
