package service

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/loykin/appstack/internal/process"
)

// scriptedRunner answers Run calls from a function keyed on the joined command line.
type scriptedRunner struct {
	mu    sync.Mutex
	calls []string
	reply func(line string) (stdout string, code int)
}

func (r *scriptedRunner) Run(_ context.Context, c process.Command) (process.Result, error) {
	line := c.String()
	r.mu.Lock()
	r.calls = append(r.calls, line)
	r.mu.Unlock()
	out, code := r.reply(line)
	if c.Stdout != nil {
		_, _ = c.Stdout.Write([]byte(out))
	}
	res := process.Result{ExitCode: code}
	if code != 0 {
		return res, &process.ProcessError{Command: line, ExitCode: code, Err: fmt.Errorf("exit status %d", code)}
	}
	return res, nil
}

func (r *scriptedRunner) Start(process.Command) (*process.Handle, error) {
	return nil, fmt.Errorf("not supported")
}

func (r *scriptedRunner) called(prefix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}
