// Package installer coordinates application package installation: unpack,
// allocate ports and a database, run provisioning steps, route and register.
// Any failing step rolls back every resource the install acquired.
package installer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/appstack/internal/archive"
	"github.com/loykin/appstack/internal/database"
	"github.com/loykin/appstack/internal/errdefs"
	"github.com/loykin/appstack/internal/history"
	"github.com/loykin/appstack/internal/logger"
	"github.com/loykin/appstack/internal/metrics"
	"github.com/loykin/appstack/internal/ports"
	"github.com/loykin/appstack/internal/process"
	"github.com/loykin/appstack/internal/registry"
	"github.com/loykin/appstack/internal/service"
	"github.com/loykin/appstack/internal/webserver"
)

var (
	ErrAlreadyInstalled  = fmt.Errorf("application already installed: %w", errdefs.ErrAlreadyExists)
	ErrInstallInProgress = fmt.Errorf("operation already in progress: %w", errdefs.ErrAlreadyExists)
	ErrAppNotFound       = fmt.Errorf("application not found: %w", errdefs.ErrNotFound)
)

// ArchiveReader reads and unpacks application packages.
type ArchiveReader interface {
	ReadManifest(path string) (*archive.Manifest, error)
	Extract(path, dest string) error
}

// PortAllocator is the part of ports.Allocator the coordinator needs.
type PortAllocator interface {
	AllocateForRequirements(ctx context.Context, owner string, req ports.Requirements) (ports.Allocation, error)
	Release(ctx context.Context, port int, owner string) error
	ReleaseAll(ctx context.Context, owner string) ([]int, error)
}

// Router installs web-server routing for an application.
type Router interface {
	Write(s webserver.Site) (string, error)
	Remove(path string) error
	// Service names the supervised web server to restart after a change ("" for none).
	Service() string
}

// Restarter restarts a supervised service by name.
type Restarter interface {
	Restart(ctx context.Context, name string) (service.Result, error)
}

// Deps are the collaborators a Coordinator drives. Journal, Database,
// Router, Services and History are optional.
type Deps struct {
	Registry registry.Registry
	Journal  registry.Journal
	Ports    PortAllocator
	Database database.Provisioner
	Archive  ArchiveReader
	Runner   process.Runner
	Router   Router
	Services Restarter
	History  *history.Recorder
	Logger   *slog.Logger
}

// Options tune where and how applications are installed.
type Options struct {
	// AppsDir is the parent of every install directory.
	AppsDir string `mapstructure:"apps_dir"`
	// Host and Scheme build the application URL.
	Host      string    `mapstructure:"host"`
	Scheme    string    `mapstructure:"scheme"`
	Toolchain Toolchain `mapstructure:"toolchain"`
}

// Coordinator runs installs and uninstalls. Installs of different
// applications run concurrently; each id admits one operation at a time.
type Coordinator struct {
	deps Deps
	opts Options
	log  *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
	// ownerAlive reports whether the process that opened a journal entry
	// is still running it.
	ownerAlive func(registry.JournalEntry) bool
}

func New(deps Deps, opts Options) (*Coordinator, error) {
	if deps.Registry == nil || deps.Ports == nil || deps.Archive == nil || deps.Runner == nil {
		return nil, errors.New("installer: registry, ports, archive and runner are required")
	}
	if opts.AppsDir == "" {
		return nil, errors.New("installer: apps dir required")
	}
	if opts.Host == "" {
		opts.Host = "localhost"
	}
	if opts.Scheme == "" {
		opts.Scheme = "http"
	}
	opts.Toolchain = opts.Toolchain.withDefaults()
	return &Coordinator{
		deps:       deps,
		opts:       opts,
		log:        logger.OrDefault(deps.Logger).With(slog.String("component", "installer")),
		inflight:   make(map[string]struct{}),
		ownerAlive: liveOwner,
	}, nil
}

// liveOwner is true when e was opened by another process that still runs.
// A PID reused by an unrelated process is told apart by its start time.
func liveOwner(e registry.JournalEntry) bool {
	if e.OwnerPID <= 0 || e.OwnerPID == os.Getpid() || !process.Alive(e.OwnerPID) {
		return false
	}
	if e.OwnerStart > 0 {
		if cur := process.ProcStart(e.OwnerPID); cur > 0 && cur != e.OwnerStart {
			return false
		}
	}
	return true
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

// Slug derives the application id from a display name: lowercase with every
// run of non-alphanumerics collapsed to a single underscore.
func Slug(name string) string {
	return strings.Trim(slugRe.ReplaceAllString(strings.ToLower(name), "_"), "_")
}

func (c *Coordinator) acquire(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[id]; busy {
		return fmt.Errorf("%s: %w", id, ErrInstallInProgress)
	}
	c.inflight[id] = struct{}{}
	return nil
}

func (c *Coordinator) release(id string) {
	c.mu.Lock()
	delete(c.inflight, id)
	c.mu.Unlock()
}

// InstallPath returns the install directory for an application id.
func (c *Coordinator) InstallPath(id string) string { return filepath.Join(c.opts.AppsDir, id) }

// operation tracks the resources one install acquired so far.
type operation struct {
	journal  registry.JournalEntry
	dir      string
	dirMade  bool
	ports    []int
	database *registry.DatabaseInfo
	routing  string
}

// Install installs the package at archivePath and returns its record.
func (c *Coordinator) Install(ctx context.Context, archivePath string) (rec registry.Record, err error) {
	started := time.Now()
	manifest, err := c.deps.Archive.ReadManifest(archivePath)
	if err != nil {
		return registry.Record{}, fmt.Errorf("install: %w", err)
	}
	id := Slug(manifest.Name)
	if id == "" {
		return registry.Record{}, fmt.Errorf("install: cannot derive application id from %q", manifest.Name)
	}
	if err := c.acquire(id); err != nil {
		return registry.Record{}, fmt.Errorf("install: %w", err)
	}
	defer c.release(id)

	log := c.log.With(slog.String("app", id))
	defer func() {
		metrics.ObserveInstall(time.Since(started).Seconds(), err)
		if err != nil {
			c.deps.History.Emit(ctx, history.EventInstallFailed, id, manifest.Version, err)
			log.Error("install failed", slog.Any("error", err))
			return
		}
		c.deps.History.Emit(ctx, history.EventInstall, id, manifest.Version, nil)
		log.Info("application installed", slog.Int("web_port", rec.WebPort), slog.String("path", rec.InstallPath))
	}()

	// 1. identity
	dir := c.InstallPath(id)
	if _, err := c.deps.Registry.Get(ctx, id); err == nil {
		return registry.Record{}, fmt.Errorf("install %s: %w", id, ErrAlreadyInstalled)
	} else if !registry.IsNotFound(err) {
		return registry.Record{}, fmt.Errorf("install %s: %w", id, err)
	}
	if _, err := os.Stat(dir); err == nil {
		return registry.Record{}, fmt.Errorf("install %s: directory %s exists: %w", id, dir, ErrAlreadyInstalled)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return registry.Record{}, fmt.Errorf("install %s: %w", id, err)
	}

	op := &operation{dir: dir, journal: registry.JournalEntry{
		ID:          uuid.NewString(),
		AppID:       id,
		InstallPath: dir,
		Step:        "extract",
		OwnerPID:    os.Getpid(),
		OwnerStart:  process.ProcStart(os.Getpid()),
	}}
	if c.deps.Journal != nil {
		if err := c.deps.Journal.BeginInstall(ctx, op.journal); err != nil {
			return registry.Record{}, fmt.Errorf("install %s: %w", id, err)
		}
	}

	rec, err = c.runSteps(ctx, log, id, archivePath, manifest, op)
	if err != nil {
		if cerr := c.rollback(ctx, log, id, op); cerr != nil {
			err = fmt.Errorf("install %s failed: %w; cleanup: %w", id, err, cerr)
		} else {
			err = fmt.Errorf("install %s: %w", id, err)
		}
		c.deps.History.Emit(ctx, history.EventRollback, id, op.journal.Step, err)
		return registry.Record{}, err
	}
	c.finishJournal(ctx, log, op)
	return rec, nil
}

func (c *Coordinator) runSteps(ctx context.Context, log *slog.Logger, id, archivePath string, manifest *archive.Manifest, op *operation) (registry.Record, error) {
	// 2. unpack
	if err := os.MkdirAll(c.opts.AppsDir, 0o755); err != nil {
		return registry.Record{}, err
	}
	if err := os.Mkdir(op.dir, 0o755); err != nil {
		return registry.Record{}, err
	}
	op.dirMade = true
	if err := c.deps.Archive.Extract(archivePath, op.dir); err != nil {
		return registry.Record{}, fmt.Errorf("extract: %w", err)
	}

	// 3. installation configuration
	c.step(ctx, log, op, "configure")
	cfg, err := archive.LoadInstallConfig(op.dir)
	if err != nil {
		return registry.Record{}, fmt.Errorf("read install config: %w", err)
	}

	// 4. ports
	c.step(ctx, log, op, "ports")
	req := ports.Requirements{Web: 1}
	if cfg.RequiresDatabase {
		req.Database = 1
	}
	alloc, err := c.deps.Ports.AllocateForRequirements(ctx, id, req)
	if err != nil {
		return registry.Record{}, fmt.Errorf("allocate ports: %w", err)
	}
	op.ports = alloc.All()
	op.journal.Ports = op.ports
	c.deps.History.Emit(ctx, history.EventPortsReserved, id, fmt.Sprint(op.ports), nil)
	webPort := alloc.Web[0]

	// 5. database
	c.step(ctx, log, op, "database")
	var dbInfo *registry.DatabaseInfo
	var ep database.Endpoint
	if cfg.RequiresDatabase {
		if c.deps.Database == nil {
			return registry.Record{}, errors.New("package requires a database but no database provisioner is configured")
		}
		dbInfo, ep, err = c.createDatabase(ctx, id, alloc.Database[0], op)
		if err != nil {
			return registry.Record{}, err
		}
	}

	// 6. environment file
	c.step(ctx, log, op, "environment")
	url := fmt.Sprintf("%s://%s:%d", c.opts.Scheme, c.opts.Host, webPort)
	if err := writeEnvFile(op.dir, envValues(manifest.Name, url, webPort, dbInfo, ep, c.dbPath(dbInfo))); err != nil {
		return registry.Record{}, fmt.Errorf("write environment: %w", err)
	}

	// 7. provisioning commands
	c.step(ctx, log, op, "provision")
	for _, s := range c.opts.Toolchain.plan(op.dir, cfg) {
		if err := c.run(ctx, log, op.dir, s); err != nil {
			return registry.Record{}, err
		}
	}

	// 8. routing
	c.step(ctx, log, op, "routing")
	if c.deps.Router != nil {
		path, err := c.deps.Router.Write(webserver.Site{AppID: id, Port: webPort, Root: op.dir})
		if err != nil {
			return registry.Record{}, fmt.Errorf("routing: %w", err)
		}
		op.routing = path
		op.journal.RoutingConfig = path
		c.updateJournal(ctx, log, op)
		c.reloadWebServer(ctx, log)
	}

	// 9. register
	c.step(ctx, log, op, "register")
	rec := registry.Record{
		ID:            id,
		Name:          manifest.Name,
		Version:       manifest.Version,
		WebPort:       webPort,
		URL:           url,
		Database:      dbInfo,
		InstallPath:   op.dir,
		RoutingConfig: op.routing,
		Config:        cfg,
	}
	now := time.Now().UTC()
	rec.CreatedAt, rec.UpdatedAt = now, now
	if err := c.deps.Registry.Put(ctx, rec); err != nil {
		return registry.Record{}, fmt.Errorf("register: %w", err)
	}
	return rec, nil
}

func (c *Coordinator) createDatabase(ctx context.Context, id string, port int, op *operation) (*registry.DatabaseInfo, database.Endpoint, error) {
	name := dbIdent(id)
	secret, err := database.GenerateSecret(database.SecretLength)
	if err != nil {
		return nil, database.Endpoint{}, fmt.Errorf("generate secret: %w", err)
	}
	var ep database.Endpoint
	if e, ok := c.deps.Database.(database.Endpointer); ok {
		ep = e.Endpoint()
	}
	info := &registry.DatabaseInfo{Driver: ep.Driver, Host: ep.Host, Port: port, Name: name, User: name, Password: secret}
	if info.Host == "" {
		info.Host = "127.0.0.1"
	}
	// journal first so a crash during creation still drops it on recovery
	op.journal.Database = info
	c.updateJournal(ctx, c.log, op)
	if err := c.deps.Database.CreateDatabase(ctx, name, name, secret); err != nil {
		return nil, database.Endpoint{}, fmt.Errorf("create database: %w", err)
	}
	op.database = info
	return info, ep, nil
}

// dbPath returns the database file for file-backed provisioners.
func (c *Coordinator) dbPath(info *registry.DatabaseInfo) string {
	if info == nil {
		return ""
	}
	if p, ok := c.deps.Database.(interface{ Path(string) string }); ok {
		return p.Path(info.Name)
	}
	return ""
}

func (c *Coordinator) run(ctx context.Context, log *slog.Logger, dir string, s step) error {
	cmd := s.cmd
	cmd.Dir = dir
	log.Info("running install step", slog.String("step", s.name), slog.String("cmd", cmd.String()))
	if _, err := c.deps.Runner.Run(ctx, cmd); err != nil {
		return fmt.Errorf("step %s: %w", s.name, err)
	}
	return nil
}

func (c *Coordinator) reloadWebServer(ctx context.Context, log *slog.Logger) {
	if c.deps.Router == nil || c.deps.Services == nil || c.deps.Router.Service() == "" {
		return
	}
	if _, err := c.deps.Services.Restart(ctx, c.deps.Router.Service()); err != nil {
		log.Warn("web server restart failed", slog.String("service", c.deps.Router.Service()), slog.Any("error", err))
	}
}

func (c *Coordinator) step(ctx context.Context, log *slog.Logger, op *operation, name string) {
	op.journal.Step = name
	c.updateJournal(ctx, log, op)
	log.Debug("install step", slog.String("step", name))
}

func (c *Coordinator) updateJournal(ctx context.Context, log *slog.Logger, op *operation) {
	if c.deps.Journal == nil {
		return
	}
	if err := c.deps.Journal.UpdateInstall(ctx, op.journal); err != nil {
		log.Warn("journal update failed", slog.Any("error", err))
	}
}

func (c *Coordinator) finishJournal(ctx context.Context, log *slog.Logger, op *operation) {
	if c.deps.Journal == nil {
		return
	}
	if err := c.deps.Journal.FinishInstall(context.WithoutCancel(ctx), op.journal.ID); err != nil {
		log.Warn("journal finish failed", slog.Any("error", err))
	}
}

// rollback releases everything op acquired, newest first.
func (c *Coordinator) rollback(ctx context.Context, log *slog.Logger, id string, op *operation) error {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	if op.routing != "" && c.deps.Router != nil {
		if err := c.deps.Router.Remove(op.routing); err != nil {
			errs = append(errs, fmt.Errorf("remove routing %s: %w", op.routing, err))
		} else {
			c.reloadWebServer(ctx, log)
		}
	}
	if op.database != nil {
		if err := c.deps.Database.DropDatabase(ctx, op.database.Name, op.database.User); err != nil {
			errs = append(errs, fmt.Errorf("drop database %s: %w", op.database.Name, err))
		}
	}
	released := op.ports
	for _, p := range op.ports {
		if err := c.deps.Ports.Release(ctx, p, id); err != nil {
			errs = append(errs, fmt.Errorf("release port %d: %w", p, err))
		}
	}
	// reservations made before the journal recorded them are still owned by id
	if rest, err := c.deps.Ports.ReleaseAll(ctx, id); err != nil {
		errs = append(errs, fmt.Errorf("release ports: %w", err))
	} else {
		released = append(released, rest...)
	}
	if len(released) > 0 {
		c.deps.History.Emit(ctx, history.EventPortsReleased, id, fmt.Sprint(released), nil)
	}
	if op.dirMade {
		if err := os.RemoveAll(op.dir); err != nil {
			errs = append(errs, fmt.Errorf("remove directory %s: %w", op.dir, err))
		}
	}
	err := errors.Join(errs...)
	if err == nil {
		// a failed cleanup keeps the entry so Recover retries it
		c.finishJournal(ctx, log, op)
		log.Warn("install rolled back", slog.String("step", op.journal.Step))
	} else {
		log.Error("install rollback incomplete", slog.String("step", op.journal.Step), slog.Any("error", err))
	}
	return err
}

// Uninstall removes an installed application and every resource it holds.
func (c *Coordinator) Uninstall(ctx context.Context, id string) (err error) {
	if err := c.acquire(id); err != nil {
		return fmt.Errorf("uninstall: %w", err)
	}
	defer c.release(id)
	log := c.log.With(slog.String("app", id))
	defer func() {
		metrics.ObserveUninstall(err)
		c.deps.History.Emit(ctx, history.EventUninstall, id, "", err)
		if err != nil {
			log.Error("uninstall failed", slog.Any("error", err))
		} else {
			log.Info("application uninstalled")
		}
	}()

	rec, err := c.deps.Registry.Get(ctx, id)
	if registry.IsNotFound(err) {
		return fmt.Errorf("uninstall %s: %w", id, ErrAppNotFound)
	}
	if err != nil {
		return fmt.Errorf("uninstall %s: %w", id, err)
	}

	var errs []error
	if rec.RoutingConfig != "" && c.deps.Router != nil {
		if err := c.deps.Router.Remove(rec.RoutingConfig); err != nil {
			errs = append(errs, fmt.Errorf("remove routing: %w", err))
		} else {
			c.reloadWebServer(ctx, log)
		}
	}
	if rec.Database != nil {
		if c.deps.Database == nil {
			errs = append(errs, fmt.Errorf("drop database %s: no database provisioner configured", rec.Database.Name))
		} else if err := c.deps.Database.DropDatabase(ctx, rec.Database.Name, rec.Database.User); err != nil {
			errs = append(errs, fmt.Errorf("drop database %s: %w", rec.Database.Name, err))
		}
	}
	if rec.InstallPath != "" {
		if err := os.RemoveAll(rec.InstallPath); err != nil {
			errs = append(errs, fmt.Errorf("remove directory: %w", err))
		}
	}
	released, err := c.deps.Ports.ReleaseAll(ctx, id)
	if err != nil {
		errs = append(errs, fmt.Errorf("release ports: %w", err))
	}
	if len(released) > 0 {
		c.deps.History.Emit(ctx, history.EventPortsReleased, id, fmt.Sprint(released), nil)
	}
	if err := c.deps.Registry.Delete(ctx, id); err != nil && !registry.IsNotFound(err) {
		errs = append(errs, fmt.Errorf("delete record: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("uninstall %s: %w", id, errors.Join(errs...))
	}
	return nil
}

// Recover rolls back installs the journal shows were interrupted by a crash.
// An entry whose record was already written is only closed, and an entry
// still owned by a running process is skipped. It returns the application
// ids it touched.
func (c *Coordinator) Recover(ctx context.Context) ([]string, error) {
	if c.deps.Journal == nil {
		return nil, nil
	}
	open, err := c.deps.Journal.OpenInstalls(ctx)
	if err != nil {
		return nil, fmt.Errorf("recover: %w", err)
	}
	var (
		ids  []string
		errs []error
	)
	for _, e := range open {
		if c.ownerAlive(e) {
			c.log.Warn("install still running in another process, not recovered",
				slog.String("app", e.AppID), slog.Int("pid", e.OwnerPID), slog.String("step", e.Step))
			continue
		}
		if err := c.acquire(e.AppID); err != nil {
			errs = append(errs, err)
			continue
		}
		log := c.log.With(slog.String("app", e.AppID), slog.String("journal", e.ID))
		op := &operation{
			journal:  e,
			dir:      e.InstallPath,
			ports:    e.Ports,
			database: e.Database,
			routing:  e.RoutingConfig,
		}
		_, gerr := c.deps.Registry.Get(ctx, e.AppID)
		switch {
		case gerr == nil:
			// crashed after the record was written
			c.finishJournal(ctx, log, op)
		case !registry.IsNotFound(gerr):
			errs = append(errs, fmt.Errorf("recover %s: %w", e.AppID, gerr))
		default:
			op.dirMade = e.InstallPath != ""
			if op.database != nil && c.deps.Database == nil {
				op.database = nil
			}
			if err := c.rollback(ctx, log, e.AppID, op); err != nil {
				errs = append(errs, fmt.Errorf("recover %s: %w", e.AppID, err))
			} else {
				c.deps.History.Emit(ctx, history.EventRollback, e.AppID, "recovered "+e.Step, nil)
			}
		}
		ids = append(ids, e.AppID)
		c.release(e.AppID)
	}
	return ids, errors.Join(errs...)
}

// dbIdent turns an application id into a database identifier.
func dbIdent(id string) string {
	if database.ValidIdentifier(id) == nil {
		return id
	}
	s := "app_" + id
	if len(s) > 63 {
		s = s[:63]
	}
	return s
}
