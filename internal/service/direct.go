package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loykin/appstack/internal/detector"
	"github.com/loykin/appstack/internal/env"
	"github.com/loykin/appstack/internal/logger"
	"github.com/loykin/appstack/internal/process"
)

// DirectOptions configures the direct (non-service-manager) backend.
type DirectOptions struct {
	Runner process.Runner
	Logger *slog.Logger
	// RunDir holds <name>.pid files so later invocations can find children.
	RunDir string
	// Output selects where child stdout/stderr go. With Output.Dir unset the
	// streams are discarded.
	Output logger.Config
	// RotateOutput pipes output through lumberjack. Only safe when this
	// process outlives its children (daemon mode); otherwise plain append
	// files are used.
	RotateOutput bool
	Env          *env.Env
}

// Direct starts services as detached child processes and owns their handles.
type Direct struct {
	opts    DirectOptions
	log     *slog.Logger
	mu      sync.Mutex
	handles map[string]*process.Handle
}

func NewDirect(opts DirectOptions) *Direct {
	if opts.Runner == nil {
		opts.Runner = process.NewExecRunner(nil, opts.Logger)
	}
	return &Direct{
		opts:    opts,
		log:     logger.OrDefault(opts.Logger).With("backend", BackendDirect),
		handles: make(map[string]*process.Handle),
	}
}

func (b *Direct) Name() string { return BackendDirect }

func (b *Direct) pidFile(d Descriptor) string {
	if b.opts.RunDir == "" {
		return ""
	}
	return filepath.Join(b.opts.RunDir, d.Name+".pid")
}

func (b *Direct) handle(name string) *process.Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handles[name]
}

func (b *Direct) outputs(d Descriptor) (io.Writer, io.Writer, error) {
	out := b.opts.Output.File
	if out.Dir == "" && out.StdoutPath == "" && out.StderrPath == "" {
		return nil, nil, nil
	}
	if b.opts.RotateOutput {
		w1, w2, err := b.opts.Output.ProcessWriters(d.Name)
		if err != nil {
			return nil, nil, err
		}
		return w1, w2, nil
	}
	stdout, stderr := out.StdoutPath, out.StderrPath
	if stdout == "" {
		stdout = filepath.Join(out.Dir, d.Name+".stdout.log")
	}
	if stderr == "" {
		stderr = filepath.Join(out.Dir, d.Name+".stderr.log")
	}
	w1, err := appendFile(stdout)
	if err != nil {
		return nil, nil, err
	}
	w2, err := appendFile(stderr)
	if err != nil {
		_ = w1.Close()
		return nil, nil, err
	}
	return w1, w2, nil
}

func appendFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	return os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
}

func (b *Direct) Start(_ context.Context, d Descriptor) (int, error) {
	cmd := process.Command{Path: d.Path, Args: d.Args, Dir: d.Dir, Env: d.Env}
	if b.opts.Env != nil {
		cmd.Env = b.opts.Env.Merge(d.Env)
	}
	stdout, stderr, err := b.outputs(d)
	if err != nil {
		return 0, fmt.Errorf("open output: %w", err)
	}
	cmd.Stdout, cmd.Stderr = stdout, stderr
	h, err := b.opts.Runner.Start(cmd)
	if err != nil {
		return 0, err
	}
	pid := h.PID()
	if pf := b.pidFile(d); pf != "" {
		meta := process.PIDMeta{StartUnix: process.ProcStart(pid), Command: cmd.String()}
		if err := process.WritePIDFile(pf, pid, meta); err != nil {
			b.log.Warn("write pid file", slog.String("service", d.Name), slog.Any("error", err))
		}
	}
	b.mu.Lock()
	b.handles[d.Name] = h
	b.mu.Unlock()
	b.log.Info("service process started", slog.String("service", d.Name), slog.Int("pid", pid))
	return pid, nil
}

func (b *Direct) Status(ctx context.Context, d Descriptor) (Status, error) {
	st := Status{Name: d.Name, Backend: BackendDirect, Port: d.Port}
	if h := b.handle(d.Name); h != nil && h.IsAlive() {
		st.Running, st.Exists, st.PID, st.Detail = true, true, h.PID(), "handle"
		return st, nil
	}
	var ds []detector.Detector
	if pf := b.pidFile(d); pf != "" {
		ds = append(ds, detector.PIDFileDetector{PIDFile: pf})
	}
	ds = append(ds, detector.ExecutableDetector{Executable: d.Path})
	pids, by, err := detector.First(ctx, ds...)
	if len(pids) > 0 {
		st.Running, st.Exists, st.PID, st.Detail = true, true, pids[0], by
		return st, nil
	}
	if err != nil {
		st.Detail = "process lookup: " + err.Error()
	}
	st.Exists = d.executableExists()
	if !st.Exists {
		st.Detail = "executable not found: " + d.Path
	}
	return st, nil
}

func (b *Direct) Stop(ctx context.Context, d Descriptor, grace time.Duration) (bool, error) {
	b.mu.Lock()
	h := b.handles[d.Name]
	delete(b.handles, d.Name)
	b.mu.Unlock()
	pf := b.pidFile(d)
	defer func() {
		if pf != "" {
			process.RemovePIDFile(pf)
		}
	}()

	if h != nil && h.IsAlive() {
		return true, h.Terminate(grace)
	}
	if pf != "" {
		if pids, _ := (detector.PIDFileDetector{PIDFile: pf}).Detect(ctx); len(pids) > 0 {
			return true, terminatePIDs(pids, grace)
		}
	}
	pids, err := locate(ctx, d)
	if err != nil {
		return false, err
	}
	if len(pids) == 0 {
		return false, nil
	}
	return true, terminatePIDs(pids, grace)
}

func (b *Direct) Remove(_ context.Context, d Descriptor) error {
	b.mu.Lock()
	delete(b.handles, d.Name)
	b.mu.Unlock()
	if pf := b.pidFile(d); pf != "" {
		process.RemovePIDFile(pf)
	}
	return nil
}

// Close terminates every child this backend started and still owns.
func (b *Direct) Close(ctx context.Context) error {
	b.mu.Lock()
	hs := b.handles
	b.handles = make(map[string]*process.Handle)
	b.mu.Unlock()
	var errs []error
	for name, h := range hs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := h.Terminate(3 * time.Second); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		if pf := b.pidFile(Descriptor{Name: name}); pf != "" {
			process.RemovePIDFile(pf)
		}
	}
	return errors.Join(errs...)
}
