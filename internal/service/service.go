// Package service supervises a catalog of named background services over a
// platform backend (systemd, Windows SCM or detached child processes).
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/appstack/internal/errdefs"
)

// Descriptor defines how to launch and identify one service.
type Descriptor struct {
	Name        string   `json:"name" mapstructure:"name"`
	Path        string   `json:"path" mapstructure:"path"`
	Args        []string `json:"args,omitempty" mapstructure:"args"`
	Dir         string   `json:"dir,omitempty" mapstructure:"dir"`
	Env         []string `json:"env,omitempty" mapstructure:"env"`
	ConfigFile  string   `json:"config_file,omitempty" mapstructure:"config_file"`
	Port        int      `json:"port,omitempty" mapstructure:"port"`
	Description string   `json:"description,omitempty" mapstructure:"description"`
	// Unit is the native service name when it differs from Name.
	Unit string `json:"unit,omitempty" mapstructure:"unit"`
}

// NativeName is the name used with the platform service manager.
func (d Descriptor) NativeName() string {
	if d.Unit != "" {
		return d.Unit
	}
	return d.Name
}

func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return errors.New("service name required")
	}
	if strings.ContainsAny(d.Name, `/\ `) {
		return fmt.Errorf("service %q: name must not contain path separators or spaces", d.Name)
	}
	if strings.TrimSpace(d.Path) == "" {
		return fmt.Errorf("service %q: path required", d.Name)
	}
	if d.Port < 0 || d.Port > 65535 {
		return fmt.Errorf("service %q: invalid port %d", d.Name, d.Port)
	}
	return nil
}

// executableExists reports whether the descriptor's program can be found.
func (d Descriptor) executableExists() bool {
	if filepath.IsAbs(d.Path) || strings.ContainsRune(d.Path, os.PathSeparator) {
		st, err := os.Stat(d.Path)
		return err == nil && !st.IsDir()
	}
	_, err := exec.LookPath(d.Path)
	return err == nil
}

// Status is a snapshot computed on demand; it is never cached.
type Status struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
	// Exists is true when the host knows the service: a native unit is
	// registered, or the executable is present.
	Exists    bool      `json:"exists"`
	PID       int       `json:"pid,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Backend   string    `json:"backend"`
	Port      int       `json:"port,omitempty"`
	PortBound bool      `json:"port_bound"`
	CheckedAt time.Time `json:"checked_at"`
}

// Result reports the outcome of a lifecycle action.
type Result struct {
	Name   string `json:"name"`
	Action string `json:"action"`
	PID    int    `json:"pid,omitempty"`
	Note   string `json:"note,omitempty"`
}

const (
	NoteAlreadyRunning = "already running"
	NoteAlreadyStopped = "already stopped"
)

// ErrServiceNotFound is returned for names outside the catalog and for
// services the host does not know about at all.
var ErrServiceNotFound = fmt.Errorf("service not found: %w", errdefs.ErrNotFound)

// ErrAlreadyRegistered is returned by Register for a duplicate name.
var ErrAlreadyRegistered = fmt.Errorf("service already registered: %w", errdefs.ErrAlreadyExists)

// PlatformError carries the service name and the failed platform operation.
type PlatformError struct {
	Service string
	Op      string
	Err     error
}

func (e *PlatformError) Error() string {
	return fmt.Sprintf("service %s: %s: %v", e.Service, e.Op, e.Err)
}

func (e *PlatformError) Unwrap() error { return e.Err }

func (e *PlatformError) Is(target error) bool { return target == errdefs.ErrPlatformOperation }

func platformErr(name, op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PlatformError
	if errors.As(err, &pe) {
		return err
	}
	return &PlatformError{Service: name, Op: op, Err: err}
}

// Backend is the platform capability the Supervisor drives. Start is only
// called when Status reported the service as not running; Stop reports
// whether it found anything to stop.
type Backend interface {
	Name() string
	Start(ctx context.Context, d Descriptor) (pid int, err error)
	Stop(ctx context.Context, d Descriptor, grace time.Duration) (stopped bool, err error)
	Status(ctx context.Context, d Descriptor) (Status, error)
	// Remove drops anything the backend created for d (units, PID files).
	Remove(ctx context.Context, d Descriptor) error
	// Close terminates children owned by this process.
	Close(ctx context.Context) error
}
