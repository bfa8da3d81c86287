package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/loykin/appstack/internal/errdefs"
	"github.com/loykin/appstack/internal/logger"
)

// maxCapture bounds how much stderr a failed step keeps for its error.
const maxCapture = 8 << 10

// Runner spawns external programs. Run blocks until exit; Start returns a
// Handle for a detached child that outlives the call.
type Runner interface {
	Run(ctx context.Context, c Command) (Result, error)
	Start(c Command) (*Handle, error)
}

// Result of a completed blocking run.
type Result struct {
	ExitCode int
	Stderr   string
	Duration time.Duration
}

// ProcessError reports a non-zero exit or a spawn failure (ExitCode -1).
type ProcessError struct {
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ProcessError) Error() string {
	msg := fmt.Sprintf("%s: exit code %d", e.Command, e.ExitCode)
	if e.ExitCode < 0 && e.Err != nil {
		msg = fmt.Sprintf("%s: %v", e.Command, e.Err)
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *ProcessError) Unwrap() error { return e.Err }

func (e *ProcessError) Is(target error) bool { return target == errdefs.ErrExternalProcess }

// ExecRunner is the os/exec backed Runner.
type ExecRunner struct {
	// Env is the base environment; nil means os.Environ().
	Env    []string
	Logger *slog.Logger
}

func NewExecRunner(env []string, l *slog.Logger) *ExecRunner {
	return &ExecRunner{Env: env, Logger: l}
}

// Run executes c and waits for it. Cancelling ctx kills the child.
func (r *ExecRunner) Run(ctx context.Context, c Command) (Result, error) {
	log := logger.OrDefault(r.Logger)
	// #nosec G204 -- commands come from operator config and package manifests
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	r.configure(cmd, c)
	capture := &tailBuffer{max: maxCapture}
	cmd.Stdout = c.Stdout
	// Grandchildren holding the stderr pipe must not stall the step forever.
	cmd.WaitDelay = 5 * time.Second
	if c.Stderr != nil {
		cmd.Stderr = io.MultiWriter(c.Stderr, capture)
	} else {
		cmd.Stderr = capture
	}
	start := time.Now()
	err := cmd.Run()
	res := Result{ExitCode: 0, Stderr: capture.String(), Duration: time.Since(start)}
	if err == nil {
		log.Debug("command finished", slog.String("cmd", c.String()), slog.Duration("took", res.Duration))
		return res, nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		res.ExitCode = ee.ExitCode()
	} else {
		res.ExitCode = -1
	}
	log.Warn("command failed", slog.String("cmd", c.String()), slog.Int("exit_code", res.ExitCode))
	return res, &ProcessError{Command: c.String(), ExitCode: res.ExitCode, Stderr: res.Stderr, Err: err}
}

// Start spawns c detached from the caller's session. The child keeps running
// if this process exits; the returned Handle can terminate and poll it.
func (r *ExecRunner) Start(c Command) (*Handle, error) {
	// #nosec G204 -- commands come from operator config
	cmd := exec.Command(c.Path, c.Args...)
	r.configure(cmd, c)
	cmd.Stdin = nil
	var closers []io.Closer
	cmd.Stdout, closers = sinkOrNull(c.Stdout, closers)
	cmd.Stderr, closers = sinkOrNull(c.Stderr, closers)
	cmd.SysProcAttr = detachedAttrs()
	if err := cmd.Start(); err != nil {
		for _, cl := range closers {
			_ = cl.Close()
		}
		return nil, &ProcessError{Command: c.String(), ExitCode: -1, Err: err}
	}
	h := newHandle(cmd, closers)
	logger.OrDefault(r.Logger).Debug("process started", slog.String("cmd", c.String()), slog.Int("pid", h.PID()))
	return h, nil
}

// sinkOrNull returns w, or an opened os.DevNull. Closable sinks are recorded
// in closers and released by the Handle once the child exits.
func sinkOrNull(w io.Writer, closers []io.Closer) (io.Writer, []io.Closer) {
	if w != nil {
		if c, ok := w.(io.Closer); ok {
			closers = append(closers, c)
		}
		return w, closers
	}
	null, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return nil, closers
	}
	return null, append(closers, null)
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(p)
	t.buf.Write(p)
	if over := t.buf.Len() - t.max; over > 0 {
		t.buf.Next(over)
	}
	return n, nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
