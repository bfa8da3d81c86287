package detector

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// ExecutableDetector scans the process table for processes whose executable
// matches Executable, either by full path or by base name.
type ExecutableDetector struct {
	Executable string
}

func (d ExecutableDetector) Detect(ctx context.Context) ([]int, error) {
	want := strings.TrimSpace(d.Executable)
	if want == "" {
		return nil, nil
	}
	base := exeBase(want)
	procs, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	self := int32(os.Getpid())
	var out []int
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		if matches(ctx, p, want, base) {
			out = append(out, int(p.Pid))
		}
	}
	sort.Ints(out)
	return out, nil
}

func (d ExecutableDetector) Describe() string { return "exe:" + d.Executable }

func matches(ctx context.Context, p *gopsproc.Process, want, base string) bool {
	if exe, err := p.ExeWithContext(ctx); err == nil && exe != "" {
		if filepath.IsAbs(want) && exe == want {
			return true
		}
		if exeBase(exe) == base {
			return true
		}
	}
	// Name is truncated on some platforms (15 chars on Linux).
	name, err := p.NameWithContext(ctx)
	if err != nil || name == "" {
		return false
	}
	name = exeBase(name)
	return name == base || (len(name) >= 15 && strings.HasPrefix(base, name))
}

func exeBase(p string) string {
	b := filepath.Base(p)
	if runtime.GOOS == "windows" {
		b = strings.TrimSuffix(strings.ToLower(b), ".exe")
	}
	return b
}
