package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/loykin/appstack/internal/detector"
	"github.com/loykin/appstack/internal/process"
)

const (
	BackendAuto    = "auto"
	BackendSystemd = "systemd"
	BackendWindows = "windows"
	BackendDirect  = "direct"
)

// BackendOptions carries everything the concrete backends need.
type BackendOptions struct {
	Runner process.Runner
	Logger *slog.Logger
	Direct DirectOptions
	// UnitDir is where systemd unit files are written.
	UnitDir string
	// ScPath overrides the sc.exe location.
	ScPath string
}

// SelectBackend resolves kind ("auto", "systemd", "windows", "direct") for
// the host described by goos and lookPath.
func SelectBackend(kind, goos string, lookPath func(string) (string, error), opts BackendOptions) (Backend, error) {
	k := strings.ToLower(strings.TrimSpace(kind))
	if k == "" || k == BackendAuto {
		k = detectKind(goos, lookPath)
	}
	switch k {
	case BackendSystemd:
		return NewSystemd(opts.Runner, opts.UnitDir, opts.Logger), nil
	case BackendWindows:
		return NewWindows(opts.Runner, opts.ScPath, opts.Logger), nil
	case BackendDirect:
		d := opts.Direct
		if d.Runner == nil {
			d.Runner = opts.Runner
		}
		if d.Logger == nil {
			d.Logger = opts.Logger
		}
		return NewDirect(d), nil
	default:
		return nil, fmt.Errorf("unknown service backend %q", kind)
	}
}

// systemdRuntimeDir exists only when systemd is PID 1.
var systemdRuntimeDir = "/run/systemd/system"

func detectKind(goos string, lookPath func(string) (string, error)) string {
	switch goos {
	case "windows":
		return BackendWindows
	case "linux":
		if lookPath == nil {
			return BackendDirect
		}
		if _, err := lookPath("systemctl"); err != nil {
			return BackendDirect
		}
		if st, err := os.Stat(systemdRuntimeDir); err != nil || !st.IsDir() {
			return BackendDirect
		}
		return BackendSystemd
	default:
		return BackendDirect
	}
}

// locate finds running processes of d's executable in the process table.
func locate(ctx context.Context, d Descriptor) ([]int, error) {
	return detector.ExecutableDetector{Executable: d.Path}.Detect(ctx)
}

// terminatePIDs signals pids, waits up to grace, then force-kills survivors.
func terminatePIDs(pids []int, grace time.Duration) error {
	var errs []error
	for _, pid := range pids {
		if err := process.Signal(pid, false); err != nil {
			errs = append(errs, err)
		}
	}
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !anyAlive(pids) {
			return errors.Join(errs...)
		}
		time.Sleep(50 * time.Millisecond)
	}
	for _, pid := range pids {
		if process.Alive(pid) {
			if err := process.Signal(pid, true); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func anyAlive(pids []int) bool {
	for _, p := range pids {
		if process.Alive(p) {
			return true
		}
	}
	return false
}
