package service

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/appstack/internal/errdefs"
)

func TestDescriptor_Validate(t *testing.T) {
	ok := Descriptor{Name: "nginx", Path: "/usr/sbin/nginx", Port: 80}
	require.NoError(t, ok.Validate())
	for _, d := range []Descriptor{
		{Path: "/bin/x"},
		{Name: "a/b", Path: "/bin/x"},
		{Name: "a b", Path: "/bin/x"},
		{Name: "x"},
		{Name: "x", Path: "/bin/x", Port: 70000},
	} {
		assert.Error(t, d.Validate(), "%+v", d)
	}
}

func TestDescriptor_NativeName(t *testing.T) {
	assert.Equal(t, "nginx", Descriptor{Name: "nginx"}.NativeName())
	assert.Equal(t, "nginx.service", unitName(Descriptor{Name: "web", Unit: "nginx.service"}))
	assert.Equal(t, "web.service", unitName(Descriptor{Name: "web"}))
}

func TestErrorsClassify(t *testing.T) {
	assert.ErrorIs(t, ErrServiceNotFound, errdefs.ErrNotFound)
	assert.ErrorIs(t, ErrAlreadyRegistered, errdefs.ErrAlreadyExists)

	base := errors.New("sc failed")
	err := platformErr("php", "start", base)
	assert.ErrorIs(t, err, errdefs.ErrPlatformOperation)
	assert.ErrorIs(t, err, base)
	assert.Contains(t, err.Error(), "php")
	assert.Contains(t, err.Error(), "sc failed")
	// already typed errors are not wrapped twice
	assert.Same(t, err, platformErr("php", "status", err))
	assert.NoError(t, platformErr("php", "start", nil))
}

func TestSelectBackend(t *testing.T) {
	none := func(string) (string, error) { return "", errors.New("not found") }
	found := func(string) (string, error) { return "/usr/bin/systemctl", nil }

	b, err := SelectBackend("auto", "windows", none, BackendOptions{})
	require.NoError(t, err)
	assert.Equal(t, BackendWindows, b.Name())

	b, err = SelectBackend("", "darwin", found, BackendOptions{})
	require.NoError(t, err)
	assert.Equal(t, BackendDirect, b.Name())

	b, err = SelectBackend("auto", "linux", none, BackendOptions{})
	require.NoError(t, err)
	assert.Equal(t, BackendDirect, b.Name())

	old := systemdRuntimeDir
	systemdRuntimeDir = t.TempDir()
	t.Cleanup(func() { systemdRuntimeDir = old })
	b, err = SelectBackend("auto", "linux", found, BackendOptions{})
	require.NoError(t, err)
	assert.Equal(t, BackendSystemd, b.Name())

	b, err = SelectBackend("SYSTEMD", "darwin", none, BackendOptions{})
	require.NoError(t, err)
	assert.Equal(t, BackendSystemd, b.Name())

	_, err = SelectBackend("launchd", "darwin", none, BackendOptions{})
	assert.Error(t, err)
}
