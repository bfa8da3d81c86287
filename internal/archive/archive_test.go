package archive

import (
	"archive/tar"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/appstack/internal/errdefs"
)

const testManifest = `name: My Test App
version: 1.2.0
description: demo
install:
  requires_database: true
  run_migrations: true
  run_seeders: false
  post_install:
    - echo done
`

type file struct {
	name string
	body string
	mode os.FileMode
}

func writeZip(t *testing.T, files []file) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "pkg.zip")
	f, err := os.Create(p)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for _, fl := range files {
		w, err := zw.Create(fl.name)
		require.NoError(t, err)
		_, err = w.Write([]byte(fl.body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return p
}

func writeTar(t *testing.T, name string, gz bool, files []file) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	f, err := os.Create(p)
	require.NoError(t, err)
	var tw *tar.Writer
	var zw *gzip.Writer
	if gz {
		zw = gzip.NewWriter(f)
		tw = tar.NewWriter(zw)
	} else {
		tw = tar.NewWriter(f)
	}
	for _, fl := range files {
		mode := int64(fl.mode)
		if mode == 0 {
			mode = 0o644
		}
		hdr := &tar.Header{Name: fl.name, Mode: mode, Size: int64(len(fl.body)), Typeflag: tar.TypeReg}
		require.NoError(t, tw.WriteHeader(hdr))
		_, err := tw.Write([]byte(fl.body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	if zw != nil {
		require.NoError(t, zw.Close())
	}
	require.NoError(t, f.Close())
	return p
}

func TestReadManifest_Zip(t *testing.T) {
	p := writeZip(t, []file{{name: "appstack.yaml", body: testManifest}, {name: "index.php", body: "<?php"}})
	m, err := ReadManifest(p)
	require.NoError(t, err)
	assert.Equal(t, "My Test App", m.Name)
	assert.Equal(t, "1.2.0", m.Version)
	assert.True(t, m.Install.RequiresDatabase)
	assert.True(t, m.Install.RunMigrations)
	assert.False(t, m.Install.RunSeeders)
	assert.Equal(t, []string{"echo done"}, m.Install.PostInstall)
}

func TestReadManifest_NestedRoot(t *testing.T) {
	p := writeTar(t, "pkg.tar.gz", true, []file{
		{name: "myapp/appstack.yaml", body: testManifest},
		{name: "myapp/public/index.php", body: "<?php"},
	})
	m, err := ReadManifest(p)
	require.NoError(t, err)
	assert.Equal(t, "My Test App", m.Name)
}

func TestReadManifest_Missing(t *testing.T) {
	p := writeZip(t, []file{{name: "index.php", body: "<?php"}})
	_, err := ReadManifest(p)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoManifest)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestReadManifest_RequiresName(t *testing.T) {
	p := writeZip(t, []file{{name: "appstack.yaml", body: "version: 1\n"}})
	_, err := ReadManifest(p)
	require.Error(t, err)
}

func TestReadManifest_UnsupportedFormat(t *testing.T) {
	p := filepath.Join(t.TempDir(), "pkg.rar")
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	_, err := ReadManifest(p)
	require.Error(t, err)
}

func TestExtract_StripsSingleRoot(t *testing.T) {
	for _, tc := range []struct {
		name string
		path func(t *testing.T, files []file) string
	}{
		{"zip", writeZip},
		{"tgz", func(t *testing.T, files []file) string { return writeTar(t, "pkg.tgz", true, files) }},
		{"tar", func(t *testing.T, files []file) string { return writeTar(t, "pkg.tar", false, files) }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p := tc.path(t, []file{
				{name: "myapp/appstack.yaml", body: testManifest},
				{name: "myapp/public/index.php", body: "<?php echo 1;"},
			})
			dest := t.TempDir()
			require.NoError(t, Extract(p, dest))
			b, err := os.ReadFile(filepath.Join(dest, "public", "index.php"))
			require.NoError(t, err)
			assert.Equal(t, "<?php echo 1;", string(b))
			_, err = os.Stat(filepath.Join(dest, "myapp"))
			assert.True(t, os.IsNotExist(err))

			cfg, err := LoadInstallConfig(dest)
			require.NoError(t, err)
			assert.True(t, cfg.RequiresDatabase)
		})
	}
}

func TestExtract_KeepsMultipleRoots(t *testing.T) {
	p := writeZip(t, []file{
		{name: "appstack.yaml", body: testManifest},
		{name: "src/main.php", body: "x"},
	})
	dest := t.TempDir()
	require.NoError(t, Extract(p, dest))
	assert.FileExists(t, filepath.Join(dest, "appstack.yaml"))
	assert.FileExists(t, filepath.Join(dest, "src", "main.php"))
}

func TestExtract_RejectsTraversal(t *testing.T) {
	p := writeTar(t, "evil.tar", false, []file{
		{name: "appstack.yaml", body: testManifest},
		{name: "../escape.txt", body: "x"},
	})
	parent := t.TempDir()
	dest := filepath.Join(parent, "dest")
	require.NoError(t, os.MkdirAll(dest, 0o755))
	err := Extract(p, dest)
	require.Error(t, err)
	_, statErr := os.Stat(filepath.Join(parent, "escape.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestExtract_RejectsEscapingSymlink(t *testing.T) {
	p := filepath.Join(t.TempDir(), "link.tar")
	f, err := os.Create(p)
	require.NoError(t, err)
	tw := tar.NewWriter(f)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "out", Typeflag: tar.TypeSymlink, Linkname: "../../etc"}))
	require.NoError(t, tw.Close())
	require.NoError(t, f.Close())

	err = Extract(p, t.TempDir())
	require.Error(t, err)
}

func TestExtract_RejectsChainedSymlinkEscape(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	p := filepath.Join(t.TempDir(), "chain.tar")
	f, err := os.Create(p)
	require.NoError(t, err)
	tw := tar.NewWriter(f)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "y", Typeflag: tar.TypeSymlink, Linkname: "."}))
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "x", Typeflag: tar.TypeSymlink, Linkname: "y/.."}))
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "x/evil.txt", Typeflag: tar.TypeReg, Mode: 0o644, Size: 4}))
	_, err = tw.Write([]byte("evil"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, f.Close())

	parent := t.TempDir()
	dest := filepath.Join(parent, "dest")
	require.NoError(t, os.MkdirAll(dest, 0o755))
	require.Error(t, Extract(p, dest))
	assert.NoFileExists(t, filepath.Join(parent, "evil.txt"))
	_, err = os.Lstat(filepath.Join(dest, "x"))
	assert.True(t, os.IsNotExist(err), "escaping link must not be left behind")
}

func TestExtract_KeepsInternalSymlinks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	p := filepath.Join(t.TempDir(), "links.tar")
	f, err := os.Create(p)
	require.NoError(t, err)
	tw := tar.NewWriter(f)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "storage/", Typeflag: tar.TypeDir, Mode: 0o755}))
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "public/storage", Typeflag: tar.TypeSymlink, Linkname: "../storage"}))
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "public/storage/app.log", Typeflag: tar.TypeReg, Mode: 0o644, Size: 2}))
	_, err = tw.Write([]byte("ok"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, f.Close())

	dest := t.TempDir()
	require.NoError(t, Extract(p, dest))
	b, err := os.ReadFile(filepath.Join(dest, "storage", "app.log"))
	require.NoError(t, err)
	assert.Equal(t, "ok", string(b))
}

func TestExtract_PreservesExecutableBit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no executable bit on windows")
	}
	p := writeTar(t, "pkg.tar", false, []file{
		{name: "appstack.yaml", body: testManifest},
		{name: "bin/run.sh", body: "#!/bin/sh\n", mode: 0o755},
	})
	dest := t.TempDir()
	require.NoError(t, Extract(p, dest))
	st, err := os.Stat(filepath.Join(dest, "bin", "run.sh"))
	require.NoError(t, err)
	assert.NotZero(t, st.Mode().Perm()&0o100)
}

func TestLoadInstallConfig_Missing(t *testing.T) {
	_, err := LoadInstallConfig(t.TempDir())
	assert.ErrorIs(t, err, ErrNoManifest)
}

func TestCommonRoot(t *testing.T) {
	assert.Equal(t, "a/", commonRoot([]string{"a/", "a/x", "a/b/y"}))
	assert.Equal(t, "", commonRoot([]string{"a/x", "b/y"}))
	assert.Equal(t, "", commonRoot([]string{"a/x", "top.txt"}))
	assert.Equal(t, "", commonRoot(nil))
}
