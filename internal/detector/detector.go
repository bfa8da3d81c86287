// Package detector locates running processes that a supervisor may not hold
// a handle for: after a restart of appstack itself, or for services started
// outside of it.
package detector

import "context"

// Detector is a strategy that finds live processes for one service.
// It must be safe for concurrent use.
type Detector interface {
	// Detect returns the PIDs of matching live processes (empty when none).
	Detect(ctx context.Context) ([]int, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}

// First runs detectors in order and returns the first non-empty match with
// the describing detector.
func First(ctx context.Context, ds ...Detector) ([]int, string, error) {
	var firstErr error
	for _, d := range ds {
		if d == nil {
			continue
		}
		pids, err := d.Detect(ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if len(pids) > 0 {
			return pids, d.Describe(), nil
		}
	}
	return nil, "", firstErr
}
