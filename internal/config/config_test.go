package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/appstack/internal/ports"
	"github.com/loykin/appstack/internal/service"
	"github.com/loykin/appstack/internal/webserver"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	p := filepath.Join(dir, "appstack.toml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoad_Defaults(t *testing.T) {
	data := t.TempDir()
	t.Setenv("APPSTACK_PATHS_DATA_DIR", data)

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ports.DefaultRangeStart, c.Ports.RangeStart)
	assert.Equal(t, ports.DefaultRangeEnd, c.Ports.RangeEnd)
	assert.Equal(t, service.DefaultRestartGrace, c.Supervisor.RestartGrace)
	assert.Equal(t, service.BackendAuto, c.Supervisor.Backend)
	assert.Equal(t, data, c.Paths.DataDir)
	assert.Equal(t, filepath.Join(data, "apps"), c.Paths.AppsDir)
	assert.Equal(t, filepath.Join(data, "run"), c.Paths.RunDir)
	assert.Equal(t, filepath.Join(data, "appstack.db"), c.Registry.DSN)
	assert.Equal(t, "/api", c.Server.BasePath)
	assert.True(t, c.Metrics.Enabled)
	assert.True(t, c.UseOSEnv)
	assert.Equal(t, "php artisan migrate --force", c.Toolchain.Migrate)
	assert.Empty(t, c.Services)
}

func TestLoad_FullFile(t *testing.T) {
	dir := t.TempDir()
	p := writeConfig(t, dir, `
env = ["APP_ENV=production"]

[ports]
range_start = 8100
range_end = 8200
extra_deny = [8150]

[paths]
data_dir = "state"

[registry]
dsn = "postgres://appstack:pw@db:5432/appstack"

[database]
driver = "sqlite"

[supervisor]
backend = "direct"
restart_grace = "3s"

[install]
host = "apps.local"

[toolchain]
migrate = "./vendor/bin/migrate"

[webserver]
kind = "nginx"
sites_dir = "/etc/nginx/conf.d"
service = "nginx"

[[services]]
name = "nginx"
path = "/usr/sbin/nginx"
args = ["-g", "daemon off;"]
port = 80

[[services]]
name = "php-fpm"
path = "/usr/sbin/php-fpm"
port = 9000
`)
	c, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, p, c.File)
	assert.Equal(t, 8100, c.Ports.RangeStart)
	assert.Equal(t, []int{8150}, c.Ports.ExtraDeny)
	assert.Equal(t, filepath.Join(dir, "state"), c.Paths.DataDir)
	assert.Equal(t, filepath.Join(dir, "state", "databases"), c.Database.Dir)
	assert.Equal(t, "postgres://appstack:pw@db:5432/appstack", c.Registry.DSN)
	assert.Equal(t, 3*time.Second, c.Supervisor.RestartGrace)
	assert.Equal(t, service.DefaultStopGrace, c.Supervisor.StopGrace)
	assert.Equal(t, webserver.KindNginx, c.Webserver.Kind)
	require.Len(t, c.Services, 2)
	assert.Equal(t, []string{"-g", "daemon off;"}, c.Services[0].Args)
	assert.Equal(t, 9000, c.Services[1].Port)

	opts := c.InstallerOptions()
	assert.Equal(t, "apps.local", opts.Host)
	assert.Equal(t, "./vendor/bin/migrate", opts.Toolchain.Migrate)
	assert.Equal(t, filepath.Join(dir, "state", "apps"), opts.AppsDir)

	ac := c.Ports.Allocator()
	assert.Equal(t, 8200, ac.RangeEnd)
	assert.NotNil(t, ac.BindCheck)
}

func TestLoad_ServerTLS(t *testing.T) {
	dir := t.TempDir()
	p := writeConfig(t, dir, `
[paths]
data_dir = "state"

[server.tls]
enabled = true
min_version = "1.2"
`)
	c, err := Load(p)
	require.NoError(t, err)
	assert.True(t, c.Server.TLS.AutoGenerate)
	assert.Equal(t, filepath.Join(dir, "state", "tls"), c.Server.TLS.Dir)

	p = writeConfig(t, dir, "[server.tls]\nenabled = true\ncert_file = \"api.crt\"\n")
	_, err = Load(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "set together")
}

func TestLoad_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	p := writeConfig(t, dir, "[ports]\nrange_start = 8100\nrange_end = 8200\n")
	t.Setenv("APPSTACK_PORTS_RANGE_END", "8300")
	t.Setenv("APPSTACK_SUPERVISOR_BACKEND", "direct")
	c, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, 8300, c.Ports.RangeEnd)
	assert.Equal(t, "direct", c.Supervisor.Backend)
}

func TestLoad_ServicesDir(t *testing.T) {
	dir := t.TempDir()
	sdir := filepath.Join(dir, "services.d")
	require.NoError(t, os.MkdirAll(sdir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sdir, "20-redis.toml"),
		[]byte("name = \"redis\"\npath = \"/usr/bin/redis-server\"\nport = 6379\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(sdir, "10-mailpit.toml"),
		[]byte("path = \"/usr/local/bin/mailpit\"\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(sdir, "notes.txt"), []byte("ignored"), 0o644))

	p := writeConfig(t, dir, `
services_dir = "services.d"

[[services]]
name = "nginx"
path = "/usr/sbin/nginx"
`)
	c, err := Load(p)
	require.NoError(t, err)
	names := make([]string, 0, len(c.Services))
	for _, d := range c.Services {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"nginx", "10-mailpit", "redis"}, names)
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	dir := t.TempDir()
	p := writeConfig(t, dir, `
[ports]
range_start = 9000
range_end = 8000

[supervisor]
backend = "launchd"

[webserver]
kind = "nginx"
sites_dir = "/tmp/sites"
service = "nginx"

[[services]]
name = "a"
path = "/bin/a"
port = 7000

[[services]]
name = "a"
path = "/bin/a2"

[[services]]
name = "b"
path = "/bin/b"
port = 7000
`)
	_, err := Load(p)
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "invalid range 9000-8000")
	assert.Contains(t, msg, `duplicate name "a"`)
	assert.Contains(t, msg, "both declare port 7000")
	assert.Contains(t, msg, `unknown backend "launchd"`)
	assert.Contains(t, msg, `service "nginx" is not in the catalog`)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestGlobalEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "base.env"), []byte("A=file\nB=file\n"), 0o644))
	t.Setenv("APPSTACK_TEST_OS_ONLY", "x")
	p := writeConfig(t, dir, `
use_os_env = false
env_files = ["base.env"]
env = ["B=inline", "C=${A}-c"]
`)
	c, err := Load(p)
	require.NoError(t, err)
	e, err := c.GlobalEnv()
	require.NoError(t, err)
	assert.Equal(t, []string{"A=file", "B=inline", "C=file-c"}, e.Merge(nil))
}

func TestServiceOutput(t *testing.T) {
	t.Setenv("APPSTACK_PATHS_DATA_DIR", t.TempDir())
	c, err := Load("")
	require.NoError(t, err)
	c.Log.File.Path = "/var/log/appstack.log"
	out := c.ServiceOutput()
	assert.Empty(t, out.File.Path)
	assert.Equal(t, c.Paths.LogDir, out.File.Dir)
}
