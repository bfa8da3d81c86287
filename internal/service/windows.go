package service

import (
	"bufio"
	"bytes"
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/appstack/internal/logger"
	"github.com/loykin/appstack/internal/process"
)

// sc.exe exit codes
const (
	scServiceDoesNotExist = 1060
	scAlreadyRunning      = 1056
	scNotActive           = 1062
)

const displayPrefix = "appstack: "

// Windows drives services through the Service Control Manager via sc.exe.
type Windows struct {
	runner process.Runner
	sc     string
	log    *slog.Logger
}

func NewWindows(r process.Runner, scPath string, l *slog.Logger) *Windows {
	if r == nil {
		r = process.NewExecRunner(nil, l)
	}
	if scPath == "" {
		scPath = "sc.exe"
	}
	return &Windows{runner: r, sc: scPath, log: logger.OrDefault(l).With("backend", BackendWindows)}
}

func (b *Windows) Name() string { return BackendWindows }

func (b *Windows) run(ctx context.Context, args ...string) (string, int, error) {
	var out bytes.Buffer
	res, err := b.runner.Run(ctx, process.Command{Path: b.sc, Args: args, Stdout: &out})
	return out.String(), res.ExitCode, err
}

type scState struct {
	exists bool
	state  int
	pid    int
}

func (b *Windows) query(ctx context.Context, d Descriptor) (scState, error) {
	out, code, err := b.run(ctx, "queryex", d.NativeName())
	if code == scServiceDoesNotExist {
		return scState{}, nil
	}
	if err != nil {
		return scState{}, err
	}
	st := scState{exists: true}
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		k, v, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		fields := strings.Fields(v)
		if len(fields) == 0 {
			continue
		}
		switch strings.TrimSpace(k) {
		case "STATE":
			st.state, _ = strconv.Atoi(fields[0])
		case "PID":
			st.pid, _ = strconv.Atoi(fields[0])
		}
	}
	return st, nil
}

// SERVICE_START_PENDING, SERVICE_RUNNING, SERVICE_CONTINUE_PENDING
func (s scState) running() bool { return s.state == 2 || s.state == 4 || s.state == 5 }

func (b *Windows) Status(ctx context.Context, d Descriptor) (Status, error) {
	st := Status{Name: d.Name, Backend: BackendWindows, Port: d.Port}
	q, err := b.query(ctx, d)
	if err != nil {
		return st, platformErr(d.Name, "status", err)
	}
	if q.exists {
		st.Exists, st.Running = true, q.running()
		if st.Running && q.pid > 0 {
			st.PID = q.pid
		}
		st.Detail = "scm state " + strconv.Itoa(q.state)
		return st, nil
	}
	if pids, err := locate(ctx, d); err == nil && len(pids) > 0 {
		st.Running, st.Exists, st.PID, st.Detail = true, true, pids[0], "process table (no service)"
		return st, nil
	}
	st.Exists = d.executableExists()
	st.Detail = "service " + d.NativeName() + " not registered"
	return st, nil
}

func (b *Windows) Start(ctx context.Context, d Descriptor) (int, error) {
	q, err := b.query(ctx, d)
	if err != nil {
		return 0, platformErr(d.Name, "status", err)
	}
	if !q.exists {
		bin := strconv.Quote(d.Path)
		for _, a := range d.Args {
			bin += " " + a
		}
		desc := d.Description
		if desc == "" {
			desc = d.Name
		}
		if _, _, err := b.run(ctx, "create", d.NativeName(), "binPath=", bin, "start=", "demand", "DisplayName=", displayPrefix+desc); err != nil {
			return 0, platformErr(d.Name, "create service", err)
		}
		b.log.Info("service created", slog.String("service", d.Name))
	}
	if _, code, err := b.run(ctx, "start", d.NativeName()); err != nil && code != scAlreadyRunning {
		return 0, platformErr(d.Name, "start", err)
	}
	q, err = b.query(ctx, d)
	if err != nil {
		return 0, nil
	}
	return q.pid, nil
}

func (b *Windows) Stop(ctx context.Context, d Descriptor, grace time.Duration) (bool, error) {
	q, err := b.query(ctx, d)
	if err != nil {
		return false, platformErr(d.Name, "status", err)
	}
	if q.exists {
		if !q.running() {
			return false, nil
		}
		if _, code, err := b.run(ctx, "stop", d.NativeName()); err != nil {
			if code == scNotActive {
				return false, nil
			}
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
	return true, platformErr(d.Name, "terminate", terminatePIDs(pids, grace))
}

// Remove deletes the service only when this tool created it.
func (b *Windows) Remove(ctx context.Context, d Descriptor) error {
	out, code, err := b.run(ctx, "qc", d.NativeName())
	if code == scServiceDoesNotExist {
		return nil
	}
	if err != nil {
		return platformErr(d.Name, "query config", err)
	}
	if !strings.Contains(out, displayPrefix) {
		return nil
	}
	if _, _, err := b.run(ctx, "delete", d.NativeName()); err != nil {
		return platformErr(d.Name, "delete service", err)
	}
	return nil
}

// Close is a no-op: the SCM owns the processes.
func (b *Windows) Close(context.Context) error { return nil }

