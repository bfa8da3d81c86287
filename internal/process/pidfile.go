package process

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// PIDMeta is written on the second line of a PID file so a reused PID can
// be told apart from the process that wrote it.
type PIDMeta struct {
	StartUnix int64  `json:"start_unix,omitempty"`
	Command   string `json:"command,omitempty"`
}

// WritePIDFile writes "<pid>\n<meta json>\n" to path, creating parent dirs.
func WritePIDFile(path string, pid int, meta PIDMeta) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"+string(b)+"\n"), 0o600)
}

// ReadPIDFile reads a PID file written by WritePIDFile. Legacy files holding
// only a PID return a zero PIDMeta.
func ReadPIDFile(path string) (int, PIDMeta, error) {
	var meta PIDMeta
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return 0, meta, err
	}
	pidLine, rest, _ := strings.Cut(strings.ReplaceAll(string(b), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(pidLine))
	if err != nil {
		return 0, meta, fmt.Errorf("invalid pid in %s: %w", path, err)
	}
	if rest = strings.TrimSpace(rest); rest != "" {
		// Unparseable meta still yields the PID.
		_ = json.Unmarshal([]byte(rest), &meta)
	}
	return pid, meta, nil
}

// RemovePIDFile best-effort
func RemovePIDFile(path string) {
	if path != "" {
		_ = os.Remove(path)
	}
}
