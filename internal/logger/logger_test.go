package logger

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

func writeAndClose(t *testing.T, w io.WriteCloser, line string) {
	t.Helper()
	_, err := w.Write([]byte(line))
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func TestProcessWriters_DerivesPathsFromDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "services")
	outW, errW, err := Config{File: FileConfig{Dir: dir}}.ProcessWriters("redis")
	require.NoError(t, err)
	require.NotNil(t, outW)
	require.NotNil(t, errW)
	writeAndClose(t, outW, "Ready to accept connections\n")
	writeAndClose(t, errW, "WARNING overcommit_memory\n")

	b, err := os.ReadFile(filepath.Join(dir, "redis.stdout.log"))
	require.NoError(t, err)
	assert.Equal(t, "Ready to accept connections\n", string(b))
	assert.FileExists(t, filepath.Join(dir, "redis.stderr.log"))
}

func TestProcessWriters_ExplicitPathsWin(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{File: FileConfig{
		Dir:        filepath.Join(dir, "unused"),
		StdoutPath: filepath.Join(dir, "nginx.out"),
	}}
	outW, errW, err := cfg.ProcessWriters("nginx")
	require.NoError(t, err)
	writeAndClose(t, outW, "x")
	writeAndClose(t, errW, "y")
	assert.FileExists(t, filepath.Join(dir, "nginx.out"))
	assert.FileExists(t, filepath.Join(dir, "unused", "nginx.stderr.log"))
	assert.NoFileExists(t, filepath.Join(dir, "unused", "nginx.stdout.log"))
}

func TestProcessWriters_Unconfigured(t *testing.T) {
	outW, errW, err := Config{}.ProcessWriters("php-fpm")
	require.NoError(t, err)
	assert.Nil(t, outW)
	assert.Nil(t, errW)

	outW, errW, err = Config{File: FileConfig{StderrPath: filepath.Join(t.TempDir(), "e.log")}}.ProcessWriters("php-fpm")
	require.NoError(t, err)
	assert.Nil(t, outW)
	require.NotNil(t, errW)
	require.NoError(t, errW.Close())
}

func TestProcessWriters_RotationSettings(t *testing.T) {
	dir := t.TempDir()
	outW, _, err := Config{File: FileConfig{Dir: dir}}.ProcessWriters("mysql")
	require.NoError(t, err)
	rot, ok := outW.(*lj.Logger)
	require.True(t, ok)
	assert.Equal(t, DefaultMaxSizeMB, rot.MaxSize)
	assert.Equal(t, DefaultMaxBackups, rot.MaxBackups)
	assert.Equal(t, DefaultMaxAgeDays, rot.MaxAge)
	assert.False(t, rot.Compress)

	cfg := Config{File: FileConfig{Dir: dir, MaxSizeMB: 50, MaxBackups: 1, MaxAgeDays: 30, Compress: true}}
	_, errW, err := cfg.ProcessWriters("mysql")
	require.NoError(t, err)
	rot = errW.(*lj.Logger)
	assert.Equal(t, 50, rot.MaxSize)
	assert.Equal(t, 1, rot.MaxBackups)
	assert.Equal(t, 30, rot.MaxAge)
	assert.True(t, rot.Compress)
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"":         slog.LevelInfo,
		" Debug ":  slog.LevelDebug,
		"warning":  slog.LevelWarn,
		"ERROR":    slog.LevelError,
		"verbose?": slog.LevelInfo,
	} {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNewWithWriter_JSONRecord(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(Config{Format: "JSON", Level: "debug"}, &buf)
	l.Debug("port reserved", slog.Int("port", 8001), slog.String("owner", "shop"))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "port reserved", rec["msg"])
	assert.Equal(t, "DEBUG", rec["level"])
	assert.EqualValues(t, 8001, rec["port"])
	assert.Equal(t, "shop", rec["owner"])
}

func TestNewWithWriter_DropsBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(Config{Level: "warn"}, &buf)
	l.Info("install started")
	l.Warn("rollback incomplete")
	assert.NotContains(t, buf.String(), "install started")
	assert.Contains(t, buf.String(), "rollback incomplete")
}

func TestNew_WritesDaemonLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log", "appstack.log")
	New(Config{File: FileConfig{Path: path}}).Info("daemon started")
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "daemon started")
}

func TestOrDefault(t *testing.T) {
	assert.Same(t, slog.Default(), OrDefault(nil))
	l := slog.New(slog.NewTextHandler(io.Discard, nil))
	assert.Same(t, l, OrDefault(l))
}

func TestColorTextHandler(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter(Config{Color: true}, &buf).With(slog.String("service", "nginx")).Warn("restarting")
	assert.Contains(t, buf.String(), "\033[33mWARN")
	assert.Contains(t, buf.String(), "service=nginx")

	buf.Reset()
	slog.New(NewColorTextHandler(&buf, nil, false)).Info("x")
	assert.NotContains(t, buf.String(), "time=")

	buf.Reset()
	NewWithWriter(Config{Color: true, File: FileConfig{Path: "set"}}, &buf).Warn("plain")
	assert.NotContains(t, buf.String(), "\033[")
}
