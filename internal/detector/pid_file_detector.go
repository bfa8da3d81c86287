package detector

import (
	"context"
	"os"

	"github.com/loykin/appstack/internal/process"
)

// PIDFileDetector detects a process via a PID file written by process.WritePIDFile.
type PIDFileDetector struct {
	PIDFile string
}

func (d PIDFileDetector) Detect(_ context.Context) ([]int, error) {
	pid, meta, err := process.ReadPIDFile(d.PIDFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if !process.Alive(pid) {
		return nil, nil
	}
	if meta.StartUnix > 0 {
		if cur := process.ProcStart(pid); cur > 0 && cur != meta.StartUnix {
			return nil, nil // PID reused; not our process
		}
	}
	return []int{pid}, nil
}

func (d PIDFileDetector) Describe() string { return "pidfile:" + d.PIDFile }
