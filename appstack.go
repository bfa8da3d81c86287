// Package appstack is the embeddable entry point to the local service and
// port orchestration core: a port allocator, a service supervisor, an
// application installer and the registry they share.
package appstack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/appstack/internal/archive"
	"github.com/loykin/appstack/internal/config"
	"github.com/loykin/appstack/internal/database"
	"github.com/loykin/appstack/internal/history"
	"github.com/loykin/appstack/internal/history/factory"
	"github.com/loykin/appstack/internal/installer"
	"github.com/loykin/appstack/internal/logger"
	"github.com/loykin/appstack/internal/metrics"
	"github.com/loykin/appstack/internal/ports"
	"github.com/loykin/appstack/internal/process"
	"github.com/loykin/appstack/internal/registry"
	"github.com/loykin/appstack/internal/server"
	"github.com/loykin/appstack/internal/service"
	tlsutil "github.com/loykin/appstack/internal/tls"
	"github.com/loykin/appstack/internal/webserver"
)

// Re-exported types so embedders need not import internal packages.

type Config = config.Config

type Record = registry.Record

type Status = service.Status

type Result = service.Result

type Descriptor = service.Descriptor

type Requirements = ports.Requirements

type Allocation = ports.Allocation

type PortStatus = ports.PortStatus

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Options tune how a Host is assembled.
type Options struct {
	// Daemon marks a long-running host: child output is rotated and Close
	// terminates the children the direct backend owns. Otherwise Close
	// leaves them running for a later invocation to find.
	Daemon bool
	Logger *slog.Logger
	// Runner replaces the os/exec runner for provisioning steps and the
	// direct backend.
	Runner process.Runner
	// BindCheck replaces the loopback listen check.
	BindCheck ports.BindChecker
	// LookPath resolves programs during backend detection.
	LookPath func(string) (string, error)
	// SkipRecover leaves interrupted installs in the journal.
	SkipRecover bool
}

// Host wires every component from one configuration.
type Host struct {
	Ports     *ports.Allocator
	Services  *service.Supervisor
	Installer *installer.Coordinator
	Registry  *registry.DB
	History   *history.Recorder

	cfg    *Config
	log    *slog.Logger
	sinks  []history.Sink
	daemon bool
}

// Open assembles a Host: registry, allocator, history sinks, database
// provisioner, web server routing, supervisor and installer. Interrupted
// installs found in the journal are rolled back before it returns.
func Open(ctx context.Context, cfg *Config, opts Options) (h *Host, err error) {
	if cfg == nil {
		return nil, errors.New("appstack: config required")
	}
	log := opts.Logger
	if log == nil {
		log = logger.New(cfg.Log)
	}
	for _, d := range []string{cfg.Paths.DataDir, cfg.Paths.AppsDir, cfg.Paths.RunDir, cfg.Paths.LogDir} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return nil, fmt.Errorf("appstack: %w", err)
		}
	}

	h = &Host{cfg: cfg, log: log, daemon: opts.Daemon}
	defer func() {
		if err != nil {
			_ = h.Close(context.WithoutCancel(ctx))
			h = nil
		}
	}()

	if h.Registry, err = registry.Open(ctx, cfg.Registry.DSN); err != nil {
		return h, fmt.Errorf("appstack: registry: %w", err)
	}
	for _, dsn := range cfg.History.Sinks {
		s, err := factory.NewSinkFromDSN(ctx, dsn)
		if err != nil {
			return h, fmt.Errorf("appstack: history sink: %w", err)
		}
		h.sinks = append(h.sinks, s)
	}
	h.History = history.NewRecorder(log, h.sinks...)
	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return h, fmt.Errorf("appstack: metrics: %w", err)
		}
	}

	pcfg := cfg.Ports.Allocator()
	if opts.BindCheck != nil {
		pcfg.BindCheck = opts.BindCheck
	}
	if h.Ports, err = ports.New(h.Registry, pcfg, log); err != nil {
		return h, err
	}
	if err = h.Ports.Reload(ctx); err != nil {
		return h, err
	}

	genv, err := cfg.GlobalEnv()
	if err != nil {
		return h, err
	}
	runner := opts.Runner
	if runner == nil {
		runner = process.NewExecRunner(genv.Merge(nil), log)
	}
	lookPath := opts.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	backend, err := service.SelectBackend(cfg.Supervisor.Backend, runtime.GOOS, lookPath, service.BackendOptions{
		Runner: runner,
		Logger: log,
		Direct: service.DirectOptions{
			Runner:       runner,
			Logger:       log,
			RunDir:       cfg.Paths.RunDir,
			Output:       cfg.ServiceOutput(),
			RotateOutput: opts.Daemon,
			Env:          genv,
		},
		UnitDir: cfg.Supervisor.UnitDir,
		ScPath:  cfg.Supervisor.ScPath,
	})
	if err != nil {
		return h, err
	}
	if h.Services, err = service.New(service.Options{
		Backend:      backend,
		RestartGrace: cfg.Supervisor.RestartGrace,
		StopGrace:    cfg.Supervisor.StopGrace,
		Ports:        h.Ports,
		BindCheck:    pcfg.BindCheck,
		History:      h.History,
		Logger:       log,
	}); err != nil {
		return h, err
	}
	for _, d := range cfg.Services {
		if err := h.Services.Register(d); err != nil {
			return h, err
		}
	}
	if _, err := h.Services.Reconcile(ctx); err != nil {
		log.Warn("service reconcile incomplete", slog.Any("error", err))
	}

	db, err := database.New(cfg.Database, log)
	if err != nil {
		return h, fmt.Errorf("appstack: database: %w", err)
	}
	web, err := webserver.New(cfg.Webserver)
	if err != nil {
		return h, fmt.Errorf("appstack: webserver: %w", err)
	}
	deps := installer.Deps{
		Registry: h.Registry,
		Journal:  h.Registry,
		Ports:    h.Ports,
		Database: db,
		Archive:  archive.Reader{},
		Runner:   runner,
		Services: h.Services,
		History:  h.History,
		Logger:   log,
	}
	if web != nil {
		deps.Router = web
	}
	if h.Installer, err = installer.New(deps, cfg.InstallerOptions()); err != nil {
		return h, err
	}
	if !opts.SkipRecover {
		ids, err := h.Installer.Recover(ctx)
		if err != nil {
			return h, err
		}
		if len(ids) > 0 {
			log.Info("interrupted installs resolved", slog.Any("apps", ids))
		}
	}
	log.Debug("host ready", slog.String("backend", h.Services.Backend()), slog.Int("services", len(cfg.Services)))
	return h, nil
}

func (h *Host) Config() *Config { return h.cfg }

func (h *Host) Logger() *slog.Logger { return h.log }

func (h *Host) router() *server.Router {
	return server.NewRouter(server.Deps{
		Installer: h.Installer,
		Records:   h.Registry,
		Services:  h.Services,
		Ports:     h.Ports,
		Metrics:   h.cfg.Metrics.Enabled,
		Logger:    h.log,
	}, h.cfg.Server.BasePath)
}

// Handler serves the HTTP API over this host.
func (h *Host) Handler() http.Handler { return h.router().Handler() }

// NewServer builds the API server. An empty addr uses [server].listen.
// TLSConfig is set when [server.tls] is enabled.
func (h *Host) NewServer(addr string) (*http.Server, error) {
	if addr == "" {
		addr = h.cfg.Server.Listen
	}
	tc, err := tlsutil.Setup(h.cfg.Server.TLS)
	if err != nil {
		return nil, err
	}
	srv := server.NewServer(addr, h.router())
	srv.TLSConfig = tc
	return srv, nil
}

// Close shuts the supervisor down and closes the history sinks and the
// registry.
func (h *Host) Close(ctx context.Context) error {
	var errs []error
	if h.Services != nil {
		if h.daemon {
			errs = append(errs, h.Services.Close(ctx))
		} else {
			h.Services.Release()
		}
	}
	errs = append(errs, factory.Close(h.sinks...))
	if h.Registry != nil {
		errs = append(errs, h.Registry.Close())
	}
	return errors.Join(errs...)
}
