package service

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/loykin/appstack/internal/logger"
	"github.com/loykin/appstack/internal/process"
)

const DefaultUnitDir = "/etc/systemd/system"

// unitMarker identifies unit files this tool wrote and may delete.
const unitMarker = "# managed by appstack"

var unitTemplate = template.Must(template.New("unit").Parse(unitMarker + `
[Unit]
Description={{ .Description }}
After=network.target

[Service]
Type=simple
ExecStart={{ .ExecStart }}
{{- if .Dir }}
WorkingDirectory={{ .Dir }}
{{- end }}
{{- range .Env }}
Environment={{ . }}
{{- end }}
Restart=on-failure

[Install]
WantedBy=multi-user.target
`))

// Systemd drives services through systemctl, creating unit files on demand.
type Systemd struct {
	runner  process.Runner
	unitDir string
	log     *slog.Logger
}

func NewSystemd(r process.Runner, unitDir string, l *slog.Logger) *Systemd {
	if r == nil {
		r = process.NewExecRunner(nil, l)
	}
	if unitDir == "" {
		unitDir = DefaultUnitDir
	}
	return &Systemd{runner: r, unitDir: unitDir, log: logger.OrDefault(l).With("backend", BackendSystemd)}
}

func (b *Systemd) Name() string { return BackendSystemd }

func unitName(d Descriptor) string {
	n := d.NativeName()
	if !strings.Contains(n, ".") {
		n += ".service"
	}
	return n
}

func (b *Systemd) systemctl(ctx context.Context, args ...string) (string, error) {
	var out bytes.Buffer
	_, err := b.runner.Run(ctx, process.Command{Path: "systemctl", Args: args, Stdout: &out})
	return out.String(), err
}

type unitState struct {
	loaded bool
	active string
	pid    int
}

func (b *Systemd) show(ctx context.Context, d Descriptor) (unitState, error) {
	out, err := b.systemctl(ctx, "show", "-p", "LoadState", "-p", "ActiveState", "-p", "MainPID", unitName(d))
	if err != nil {
		return unitState{}, err
	}
	var st unitState
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		k, v, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch k {
		case "LoadState":
			st.loaded = v != "" && v != "not-found"
		case "ActiveState":
			st.active = v
		case "MainPID":
			st.pid, _ = strconv.Atoi(v)
		}
	}
	return st, nil
}

func (b *Systemd) Status(ctx context.Context, d Descriptor) (Status, error) {
	st := Status{Name: d.Name, Backend: BackendSystemd, Port: d.Port}
	u, err := b.show(ctx, d)
	if err != nil {
		return st, platformErr(d.Name, "status", err)
	}
	if u.loaded {
		st.Exists = true
		st.Running = u.active == "active" || u.active == "activating" || u.active == "reloading"
		if st.Running && u.pid > 0 {
			st.PID = u.pid
		}
		st.Detail = "unit " + unitName(d) + " " + u.active
		return st, nil
	}
	// not registered with systemd: a copy may still run outside it
	if pids, err := locate(ctx, d); err == nil && len(pids) > 0 {
		st.Running, st.Exists, st.PID, st.Detail = true, true, pids[0], "process table (no unit)"
		return st, nil
	}
	st.Exists = d.executableExists()
	st.Detail = "unit " + unitName(d) + " not found"
	return st, nil
}

func (b *Systemd) unitPath(d Descriptor) string {
	return filepath.Join(b.unitDir, unitName(d))
}

// quoteUnitValue renders s as one double-quoted unit file word. systemd
// unescapes C-style sequences inside quotes and expands % specifiers.
func quoteUnitValue(s string) string {
	return strings.ReplaceAll(strconv.Quote(s), "%", "%%")
}

func (b *Systemd) writeUnit(d Descriptor) error {
	exec := append([]string{d.Path}, d.Args...)
	for i, a := range exec {
		if strings.ContainsAny(a, " \t\"\\") {
			exec[i] = quoteUnitValue(a)
		} else {
			exec[i] = strings.ReplaceAll(a, "%", "%%")
		}
	}
	env := make([]string, 0, len(d.Env))
	for _, kv := range d.Env {
		env = append(env, quoteUnitValue(kv))
	}
	desc := d.Description
	if desc == "" {
		desc = "appstack service " + d.Name
	}
	var buf bytes.Buffer
	err := unitTemplate.Execute(&buf, map[string]any{
		"Description": desc,
		"ExecStart":   strings.Join(exec, " "),
		"Dir":         d.Dir,
		"Env":         env,
	})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(b.unitDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(b.unitPath(d), buf.Bytes(), 0o644)
}

func (b *Systemd) Start(ctx context.Context, d Descriptor) (int, error) {
	u, err := b.show(ctx, d)
	if err != nil {
		return 0, platformErr(d.Name, "status", err)
	}
	if !u.loaded {
		if err := b.writeUnit(d); err != nil {
			return 0, platformErr(d.Name, "create unit", err)
		}
		if _, err := b.systemctl(ctx, "daemon-reload"); err != nil {
			return 0, platformErr(d.Name, "daemon-reload", err)
		}
		b.log.Info("unit created", slog.String("service", d.Name), slog.String("unit", b.unitPath(d)))
	}
	if _, err := b.systemctl(ctx, "start", unitName(d)); err != nil {
		return 0, platformErr(d.Name, "start", err)
	}
	u, err = b.show(ctx, d)
	if err != nil {
		b.log.Warn("unit started but its main pid is unknown", slog.String("service", d.Name), slog.Any("error", err))
		return 0, nil
	}
	return u.pid, nil
}

func (b *Systemd) Stop(ctx context.Context, d Descriptor, grace time.Duration) (bool, error) {
	u, err := b.show(ctx, d)
	if err != nil {
		return false, platformErr(d.Name, "status", err)
	}
	if u.loaded {
		if u.active == "inactive" || u.active == "failed" {
			return false, nil
		}
		if _, err := b.systemctl(ctx, "stop", unitName(d)); err != nil {
			return false, platformErr(d.Name, "stop", err)
		}
		return true, nil
	}
	pids, err := locate(ctx, d)
	if err != nil {
		return false, platformErr(d.Name, "process lookup", err)
	}
	if len(pids) == 0 {
		return false, nil
	}
	return true, platformErr(d.Name, "signal", terminatePIDs(pids, grace))
}

// Remove deletes the unit file only when this tool created it.
func (b *Systemd) Remove(ctx context.Context, d Descriptor) error {
	path := b.unitPath(d)
	data, err := os.ReadFile(filepath.Clean(path))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return platformErr(d.Name, "remove unit", err)
	}
	if !bytes.HasPrefix(data, []byte(unitMarker)) {
		return nil
	}
	_, _ = b.systemctl(ctx, "disable", unitName(d))
	if err := os.Remove(path); err != nil {
		return platformErr(d.Name, "remove unit", err)
	}
	if _, err := b.systemctl(ctx, "daemon-reload"); err != nil {
		return platformErr(d.Name, "daemon-reload", fmt.Errorf("after removing %s: %w", path, err))
	}
	return nil
}

// Close is a no-op: systemd owns the processes.
func (b *Systemd) Close(context.Context) error { return nil }
