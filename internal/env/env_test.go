package env

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookup(kvs []string, key string) (string, bool) {
	for _, kv := range kvs {
		if len(kv) > len(key) && kv[:len(key)+1] == key+"=" {
			return kv[len(key)+1:], true
		}
	}
	return "", false
}

func TestMerge_OrderAndExpansion(t *testing.T) {
	t.Setenv("APPSTACK_TEST_BASE", "os")
	e := New()
	e.Set("APP_ROOT", "/srv/apps")
	e.Set("APPSTACK_TEST_BASE", "global")
	out := e.Merge([]string{"APP_DIR=${APP_ROOT}/demo", "bad-entry", "=skip"})

	v, ok := lookup(out, "APPSTACK_TEST_BASE")
	require.True(t, ok)
	assert.Equal(t, "global", v)
	v, _ = lookup(out, "APP_DIR")
	assert.Equal(t, "/srv/apps/demo", v)
}

func TestExpand_UnknownLeftAlone(t *testing.T) {
	assert.Equal(t, "${NOPE}/x", expand("${NOPE}/x", Var{}))
	assert.Equal(t, "plain", expand("plain", Var{}))
}

func TestWithSet_DoesNotMutate(t *testing.T) {
	e := New()
	e.Set("A", "1")
	e2 := e.WithSet("A", "2")
	assert.Equal(t, "1", e.Var["A"])
	assert.Equal(t, "2", e2.Var["A"])
}

func TestLoadFiles(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.env")
	b := filepath.Join(dir, "b.env")
	require.NoError(t, os.WriteFile(a, []byte("DB_HOST=127.0.0.1\nexport DB_PORT=5432\n"), 0o600))
	require.NoError(t, os.WriteFile(b, []byte("DB_PORT=6543\n"), 0o600))

	e := New()
	require.NoError(t, e.LoadFiles(a, b))
	assert.Equal(t, "127.0.0.1", e.Var["DB_HOST"])
	assert.Equal(t, "6543", e.Var["DB_PORT"])

	assert.Error(t, e.LoadFiles(filepath.Join(dir, "missing.env")))
}

func TestSetPairs(t *testing.T) {
	e := New()
	e.SetPairs([]string{"A=1", "B", "=2", "C=x=y"})
	assert.Equal(t, Var{"A": "1", "C": "x=y"}, e.Var)
}

func TestIsolate_DropsOSBase(t *testing.T) {
	t.Setenv("APPSTACK_TEST_ISOLATE", "os")
	e := New()
	e.Isolate()
	e.Set("ONLY", "me")
	assert.Equal(t, []string{"ONLY=me"}, e.Merge(nil))
}
