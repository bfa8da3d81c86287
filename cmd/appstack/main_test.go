package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/appstack"
	"github.com/loykin/appstack/internal/logger"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "appstack.toml")
	body := `
[paths]
data_dir = "state"

[ports]
range_start = 8200
range_end = 8210

[supervisor]
backend = "direct"

[metrics]
enabled = false

[[services]]
name = "ghost"
path = "/nonexistent/ghostd"
port = 8203
`
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func run(t *testing.T, cfgPath string, args ...string) (string, error) {
	t.Helper()
	root := buildRoot(appstack.Options{
		Logger:    logger.NewWithWriter(logger.Config{}, io.Discard),
		BindCheck: func(int) bool { return true },
	})
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"--config", cfgPath}, args...))
	err := root.Execute()
	return out.String(), err
}

func decode[T any](t *testing.T, s string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(s), &v), s)
	return v
}

func TestHelp(t *testing.T) {
	root := buildRoot(appstack.Options{})
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--help"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "appstack")
	assert.Contains(t, out.String(), "ports")
}

func TestPortsCommands(t *testing.T) {
	cfg := writeConfig(t)

	out, err := run(t, cfg, "ports", "allocate", "--owner", "dev", "--web", "2", "--cache", "1")
	require.NoError(t, err)
	alloc := decode[appstack.Allocation](t, out)
	assert.Equal(t, []int{8200, 8201}, alloc.Web)
	// 8203 is pinned by the ghost service
	assert.Equal(t, []int{8202}, alloc.Cache)

	out, err = run(t, cfg, "ports", "list")
	require.NoError(t, err)
	assert.Len(t, decode[[]reservation](t, out), 3)

	out, err = run(t, cfg, "ports", "find", "--count", "2")
	require.NoError(t, err)
	assert.Equal(t, []int{8204, 8205}, decode[[]int](t, out))

	out, err = run(t, cfg, "ports", "inspect", "8203")
	require.NoError(t, err)
	st := decode[appstack.PortStatus](t, out)
	assert.True(t, st.Pinned)
	assert.Equal(t, "ghost", st.PinnedBy)

	out, err = run(t, cfg, "ports", "release", "8200", "--owner", "dev")
	require.NoError(t, err)
	assert.False(t, decode[appstack.PortStatus](t, out).Reserved)

	out, err = run(t, cfg, "ports", "release-all", "--owner", "dev")
	require.NoError(t, err)
	assert.Equal(t, []int{8201, 8202}, decode[releaseResult](t, out).Released)

	_, err = run(t, cfg, "ports", "inspect", "99999")
	assert.Error(t, err)
	_, err = run(t, cfg, "ports", "allocate", "--owner", "dev")
	assert.Error(t, err)
}

func TestAppsCommands(t *testing.T) {
	cfg := writeConfig(t)
	pkg := filepath.Join(t.TempDir(), "blog.zip")
	f, err := os.Create(pkg)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.Create("appstack.yaml")
	require.NoError(t, err)
	_, err = w.Write([]byte("name: Blog\nversion: 2.0.0\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	out, err := run(t, cfg, "install", pkg)
	require.NoError(t, err)
	rec := decode[appstack.Record](t, out)
	assert.Equal(t, "blog", rec.ID)
	assert.Equal(t, "2.0.0", rec.Version)

	_, err = run(t, cfg, "install", pkg)
	assert.Error(t, err)

	out, err = run(t, cfg, "apps", "list")
	require.NoError(t, err)
	assert.Len(t, decode[[]appstack.Record](t, out), 1)

	out, err = run(t, cfg, "apps", "show", "blog")
	require.NoError(t, err)
	assert.Equal(t, rec.WebPort, decode[appstack.Record](t, out).WebPort)

	out, err = run(t, cfg, "recover")
	require.NoError(t, err)
	assert.Empty(t, decode[recoverResult](t, out).Recovered)

	_, err = run(t, cfg, "uninstall", "blog")
	require.NoError(t, err)
	_, err = run(t, cfg, "apps", "show", "blog")
	assert.Error(t, err)
}

func TestServiceCommands(t *testing.T) {
	cfg := writeConfig(t)

	out, err := run(t, cfg, "service", "list")
	require.NoError(t, err)
	ds := decode[[]appstack.Descriptor](t, out)
	require.Len(t, ds, 1)
	assert.Equal(t, "ghost", ds[0].Name)

	out, err = run(t, cfg, "service", "status", "ghost")
	require.NoError(t, err)
	st := decode[appstack.Status](t, out)
	assert.False(t, st.Running)
	assert.False(t, st.Exists)

	_, err = run(t, cfg, "service", "status", "nope")
	assert.Error(t, err)
	_, err = run(t, cfg, "service", "start", "ghost")
	assert.Error(t, err)
}
