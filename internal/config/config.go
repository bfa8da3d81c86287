// Package config loads the appstack TOML configuration through viper.
// Every key can be overridden by an APPSTACK_ environment variable, with
// dots replaced by underscores (APPSTACK_PORTS_RANGE_START).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/appstack/internal/database"
	"github.com/loykin/appstack/internal/env"
	"github.com/loykin/appstack/internal/installer"
	"github.com/loykin/appstack/internal/logger"
	"github.com/loykin/appstack/internal/ports"
	"github.com/loykin/appstack/internal/service"
	tlsutil "github.com/loykin/appstack/internal/tls"
	"github.com/loykin/appstack/internal/webserver"
)

const EnvPrefix = "APPSTACK"

type PortsConfig struct {
	RangeStart int `mapstructure:"range_start"`
	RangeEnd   int `mapstructure:"range_end"`
	// DenyList replaces the built-in deny list when set.
	DenyList      []int  `mapstructure:"deny_list"`
	ExtraDeny     []int  `mapstructure:"extra_deny"`
	BindCheckHost string `mapstructure:"bind_check_host"`
}

// Allocator converts the section into allocator settings.
func (p PortsConfig) Allocator() ports.Config {
	return ports.Config{
		RangeStart: p.RangeStart,
		RangeEnd:   p.RangeEnd,
		DenyList:   p.DenyList,
		ExtraDeny:  p.ExtraDeny,
		BindCheck:  ports.ListenCheck(p.BindCheckHost),
	}
}

type RegistryConfig struct {
	// DSN is a sqlite path, sqlite://path or postgres:// URL.
	DSN string `mapstructure:"dsn"`
}

type PathsConfig struct {
	DataDir string `mapstructure:"data_dir"`
	AppsDir string `mapstructure:"apps_dir"`
	RunDir  string `mapstructure:"run_dir"`
	LogDir  string `mapstructure:"log_dir"`
}

type SupervisorConfig struct {
	Backend      string        `mapstructure:"backend"`
	RestartGrace time.Duration `mapstructure:"restart_grace"`
	StopGrace    time.Duration `mapstructure:"stop_grace"`
	UnitDir      string        `mapstructure:"unit_dir"`
	ScPath       string        `mapstructure:"sc_path"`
}

type InstallConfig struct {
	Host   string `mapstructure:"host"`
	Scheme string `mapstructure:"scheme"`
}

type HistoryConfig struct {
	// Sinks are DSNs (sqlite path, postgres://, clickhouse://).
	Sinks []string `mapstructure:"sinks"`
}

type ServerConfig struct {
	Listen   string         `mapstructure:"listen"`
	BasePath string         `mapstructure:"base_path"`
	TLS      tlsutil.Config `mapstructure:"tls"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Config is the top-level TOML document.
type Config struct {
	Env      []string `mapstructure:"env"`
	EnvFiles []string `mapstructure:"env_files"`
	UseOSEnv bool     `mapstructure:"use_os_env"`

	Ports      PortsConfig          `mapstructure:"ports"`
	Registry   RegistryConfig       `mapstructure:"registry"`
	Database   database.Config      `mapstructure:"database"`
	Paths      PathsConfig          `mapstructure:"paths"`
	Supervisor SupervisorConfig     `mapstructure:"supervisor"`
	Services   []service.Descriptor `mapstructure:"services"`
	// ServicesDir holds one *.toml descriptor per file, merged into Services.
	ServicesDir string              `mapstructure:"services_dir"`
	Install     InstallConfig       `mapstructure:"install"`
	Toolchain   installer.Toolchain `mapstructure:"toolchain"`
	Webserver   webserver.Config    `mapstructure:"webserver"`
	Log         logger.Config       `mapstructure:"log"`
	History     HistoryConfig       `mapstructure:"history"`
	Server      ServerConfig        `mapstructure:"server"`
	Metrics     MetricsConfig       `mapstructure:"metrics"`

	// File is the path the configuration was read from ("" for defaults only).
	File string `mapstructure:"-"`
}

func defaultDataDir() string {
	if d, err := os.UserHomeDir(); err == nil && d != "" {
		return filepath.Join(d, ".appstack")
	}
	return filepath.Join(os.TempDir(), "appstack")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("use_os_env", true)
	v.SetDefault("ports.range_start", ports.DefaultRangeStart)
	v.SetDefault("ports.range_end", ports.DefaultRangeEnd)
	v.SetDefault("ports.bind_check_host", "127.0.0.1")
	v.SetDefault("registry.dsn", "")
	v.SetDefault("database.driver", "none")
	v.SetDefault("database.admin_dsn", "")
	v.SetDefault("database.host", "")
	v.SetDefault("database.dir", "")
	v.SetDefault("paths.data_dir", defaultDataDir())
	v.SetDefault("paths.apps_dir", "")
	v.SetDefault("paths.run_dir", "")
	v.SetDefault("paths.log_dir", "")
	v.SetDefault("supervisor.backend", service.BackendAuto)
	v.SetDefault("supervisor.restart_grace", service.DefaultRestartGrace)
	v.SetDefault("supervisor.stop_grace", service.DefaultStopGrace)
	v.SetDefault("supervisor.unit_dir", service.DefaultUnitDir)
	v.SetDefault("supervisor.sc_path", "")
	v.SetDefault("services_dir", "")
	v.SetDefault("install.host", "localhost")
	v.SetDefault("install.scheme", "http")
	v.SetDefault("toolchain.composer", installer.DefaultToolchain.Composer)
	v.SetDefault("toolchain.npm", installer.DefaultToolchain.NPM)
	v.SetDefault("toolchain.key_generate", installer.DefaultToolchain.KeyGenerate)
	v.SetDefault("toolchain.migrate", installer.DefaultToolchain.Migrate)
	v.SetDefault("toolchain.seed", installer.DefaultToolchain.Seed)
	v.SetDefault("toolchain.frontend_build", installer.DefaultToolchain.FrontendBuild)
	v.SetDefault("webserver.kind", webserver.KindNone)
	v.SetDefault("webserver.sites_dir", "")
	v.SetDefault("webserver.server_name", "localhost")
	v.SetDefault("webserver.fastcgi", "127.0.0.1:9000")
	v.SetDefault("webserver.service", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", false)
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.file.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.file.compress", false)
	v.SetDefault("server.listen", "127.0.0.1:8799")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.auto_generate", true)
	v.SetDefault("metrics.enabled", true)
}

// Load reads path (optional) over the defaults, applies APPSTACK_*
// overrides, resolves derived paths and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	c.File = path
	base := ""
	if path != "" {
		base = filepath.Dir(path)
	}
	if c.ServicesDir != "" {
		c.ServicesDir = resolve(base, c.ServicesDir)
		extra, err := LoadServicesDir(c.ServicesDir)
		if err != nil {
			return nil, err
		}
		c.Services = append(c.Services, extra...)
	}
	c.resolvePaths(base)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadServicesDir reads every *.toml file in dir as one service descriptor,
// in file name order.
func LoadServicesDir(dir string) ([]service.Descriptor, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.toml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	out := make([]service.Descriptor, 0, len(matches))
	for _, p := range matches {
		v := viper.New()
		v.SetConfigFile(p)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: service file %s: %w", p, err)
		}
		var d service.Descriptor
		if err := v.Unmarshal(&d); err != nil {
			return nil, fmt.Errorf("config: service file %s: %w", p, err)
		}
		if d.Name == "" {
			d.Name = strings.TrimSuffix(filepath.Base(p), ".toml")
		}
		out = append(out, d)
	}
	return out, nil
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) || base == "" {
		return p
	}
	return filepath.Join(base, p)
}

func (c *Config) resolvePaths(base string) {
	c.Paths.DataDir = resolve(base, c.Paths.DataDir)
	def := func(p *string, name string) {
		if *p == "" {
			*p = filepath.Join(c.Paths.DataDir, name)
			return
		}
		*p = resolve(base, *p)
	}
	def(&c.Paths.AppsDir, "apps")
	def(&c.Paths.RunDir, "run")
	def(&c.Paths.LogDir, "logs")
	if c.Registry.DSN == "" {
		c.Registry.DSN = filepath.Join(c.Paths.DataDir, "appstack.db")
	}
	if strings.EqualFold(c.Database.Driver, "sqlite") && c.Database.Dir == "" {
		c.Database.Dir = filepath.Join(c.Paths.DataDir, "databases")
	}
	if c.Log.File.Dir == "" {
		c.Log.File.Dir = c.Paths.LogDir
	}
	for i, f := range c.EnvFiles {
		c.EnvFiles[i] = resolve(base, f)
	}
	t := &c.Server.TLS
	t.CertFile, t.KeyFile = resolve(base, t.CertFile), resolve(base, t.KeyFile)
	if t.Enabled && t.CertFile == "" && t.Dir == "" {
		t.Dir = filepath.Join(c.Paths.DataDir, "tls")
	}
	t.Dir = resolve(base, t.Dir)
}

// Validate reports every range, port and duplicate-name problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Ports.RangeStart < 1 || c.Ports.RangeEnd > 65535 || c.Ports.RangeStart > c.Ports.RangeEnd {
		errs = append(errs, fmt.Errorf("ports: invalid range %d-%d", c.Ports.RangeStart, c.Ports.RangeEnd))
	}
	for _, p := range append(append([]int(nil), c.Ports.DenyList...), c.Ports.ExtraDeny...) {
		if p < 1 || p > 65535 {
			errs = append(errs, fmt.Errorf("ports: invalid deny-list port %d", p))
		}
	}
	seen := make(map[string]bool, len(c.Services))
	portOwner := make(map[int]string)
	for _, d := range c.Services {
		if err := d.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[d.Name] {
			errs = append(errs, fmt.Errorf("services: duplicate name %q", d.Name))
		}
		seen[d.Name] = true
		if d.Port > 0 {
			if other, ok := portOwner[d.Port]; ok {
				errs = append(errs, fmt.Errorf("services: %q and %q both declare port %d", other, d.Name, d.Port))
			}
			portOwner[d.Port] = d.Name
		}
	}
	switch strings.ToLower(c.Supervisor.Backend) {
	case "", service.BackendAuto, service.BackendSystemd, service.BackendWindows, service.BackendDirect:
	default:
		errs = append(errs, fmt.Errorf("supervisor: unknown backend %q", c.Supervisor.Backend))
	}
	if c.Supervisor.RestartGrace < 0 || c.Supervisor.StopGrace < 0 {
		errs = append(errs, errors.New("supervisor: grace periods must not be negative"))
	}
	switch c.Webserver.Kind {
	case "", webserver.KindNone:
	case webserver.KindNginx, webserver.KindApache:
		if c.Webserver.SitesDir == "" {
			errs = append(errs, errors.New("webserver: sites_dir required"))
		}
		if c.Webserver.Service != "" && !seen[c.Webserver.Service] {
			errs = append(errs, fmt.Errorf("webserver: service %q is not in the catalog", c.Webserver.Service))
		}
	default:
		errs = append(errs, fmt.Errorf("webserver: unknown kind %q", c.Webserver.Kind))
	}
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		errs = append(errs, fmt.Errorf("server: base_path %q must start with /", c.Server.BasePath))
	}
	if err := c.Server.TLS.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// GlobalEnv composes the environment for services and provisioning
// commands: OS env (when use_os_env), env_files in order, then env entries.
func (c *Config) GlobalEnv() (*env.Env, error) {
	e := env.New()
	if c.UseOSEnv {
		e.FromOS()
	} else {
		e.Isolate()
	}
	if err := e.LoadFiles(c.EnvFiles...); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	e.SetPairs(c.Env)
	return e, nil
}

// InstallerOptions converts the install-related sections.
func (c *Config) InstallerOptions() installer.Options {
	return installer.Options{
		AppsDir:   c.Paths.AppsDir,
		Host:      c.Install.Host,
		Scheme:    c.Install.Scheme,
		Toolchain: c.Toolchain,
	}
}

// ServiceOutput is the logging config used for direct-backend child output.
func (c *Config) ServiceOutput() logger.Config {
	out := c.Log
	out.File.Path = ""
	out.File.Dir = c.Paths.LogDir
	return out
}
