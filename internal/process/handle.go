package process

import (
	"io"
	"os/exec"
	"sync"
	"time"
)

// Handle owns one detached child. A monitor goroutine reaps it so IsAlive
// never reports a zombie as running.
type Handle struct {
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time

	mu      sync.Mutex
	closers []io.Closer
	waitErr error
	done    chan struct{}
}

func newHandle(cmd *exec.Cmd, closers []io.Closer) *Handle {
	h := &Handle{
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		closers:   closers,
		done:      make(chan struct{}),
	}
	go h.monitor()
	return h
}

func (h *Handle) monitor() {
	err := h.cmd.Wait()
	h.mu.Lock()
	h.waitErr = err
	for _, c := range h.closers {
		_ = c.Close()
	}
	h.closers = nil
	h.mu.Unlock()
	close(h.done)
}

func (h *Handle) PID() int { return h.pid }

func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Done is closed once the child has exited and been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// IsAlive reports whether the child is still running.
func (h *Handle) IsAlive() bool {
	select {
	case <-h.done:
		return false
	default:
	}
	return Alive(h.pid)
}

// ExitErr returns the wait error once the child has exited.
func (h *Handle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.waitErr
}

// Wait blocks until the child exits or timeout elapses (timeout <= 0 waits forever).
// It reports whether the child exited.
func (h *Handle) Wait(timeout time.Duration) bool {
	if timeout <= 0 {
		<-h.done
		return true
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-h.done:
		return true
	case <-t.C:
		return false
	}
}

// Terminate asks the child's process group to exit, escalating to a forced
// kill after grace. Terminating an exited child is a no-op.
func (h *Handle) Terminate(grace time.Duration) error {
	if !h.IsAlive() {
		return nil
	}
	if err := signalGroup(h.pid, false); err != nil && h.IsAlive() {
		return err
	}
	if h.Wait(grace) {
		return nil
	}
	if err := signalGroup(h.pid, true); err != nil && h.IsAlive() {
		return err
	}
	h.Wait(time.Second)
	return nil
}
