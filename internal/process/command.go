package process

import (
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
)

// Command describes one external program invocation.
type Command struct {
	Path string   `json:"path"`
	Args []string `json:"args,omitempty"`
	Dir  string   `json:"dir,omitempty"`
	Env  []string `json:"env,omitempty"` // extra KEY=VALUE entries layered over the runner env

	// Optional output sinks. Stderr is also captured into Result/ProcessError.
	// For Runner.Start, sinks implementing io.Closer are owned by the Handle.
	Stdout io.Writer `json:"-"`
	Stderr io.Writer `json:"-"`
}

// Shell builds a Command from a free-form command line.
// It avoids invoking a shell when not necessary, and it also respects an
// explicit shell invocation already present in the string (e.g., "sh -c 'echo hi'"),
// avoiding double-wrapping with another shell.
func Shell(line string) Command {
	line = strings.TrimSpace(line)
	if line == "" {
		return trueCommand()
	}
	if after, ok := parseExplicitShell(line); ok {
		return shellCommand(after)
	}
	if strings.ContainsAny(line, "|&;<>*?`$\"'(){}[]~") {
		return shellCommand(line)
	}
	parts := strings.Fields(line)
	return Command{Path: parts[0], Args: parts[1:]}
}

// String renders the command for logs and error messages.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Path
	}
	return c.Path + " " + strings.Join(c.Args, " ")
}

// parseExplicitShell detects "sh -c <ARG>" style prefixes and returns the
// script after "-c ", with one pair of surrounding quotes stripped.
func parseExplicitShell(line string) (string, bool) {
	trim := strings.TrimLeft(line, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(trim, p) {
			continue
		}
		after := trim[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return after, true
	}
	return "", false
}

func shellCommand(script string) Command {
	if runtime.GOOS == "windows" {
		return Command{Path: "cmd", Args: []string{"/c", script}}
	}
	// Absolute shell path avoids PATH dependency when Env is overridden.
	return Command{Path: "/bin/sh", Args: []string{"-c", script}}
}

func trueCommand() Command {
	if runtime.GOOS == "windows" {
		return Command{Path: "cmd", Args: []string{"/c", "rem"}}
	}
	return Command{Path: "/bin/true"}
}

// mergeEnv layers extra over base; later keys win.
func mergeEnv(base, extra []string) []string {
	if len(extra) == 0 {
		return base
	}
	idx := make(map[string]int, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range append(append([]string(nil), base...), extra...) {
		k, _, _ := strings.Cut(kv, "=")
		if i, ok := idx[k]; ok {
			out[i] = kv
			continue
		}
		idx[k] = len(out)
		out = append(out, kv)
	}
	return out
}

func (r *ExecRunner) configure(cmd *exec.Cmd, c Command) {
	cmd.Dir = c.Dir
	base := r.Env
	if base == nil {
		base = os.Environ()
	}
	cmd.Env = mergeEnv(base, c.Env)
}
