// Package env composes the environment handed to supervised services and
// provisioning commands.
package env

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/subosito/gotenv"
)

type Var map[string]string

// Env layers global variables over a base taken from the OS environment.
type Env struct {
	Var Var // global variables (K->V)
	env Var // cached base from OS environment
}

func New() *Env {
	return &Env{Var: make(Var)}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	base := make(Var)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		base[k] = v
	}
	e.env = base
}

// Isolate drops the OS base so Merge only sees global and extra variables.
func (e *Env) Isolate() { e.env = make(Var) }

// Set sets a global variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// WithSet returns a copy of e with K=V applied.
func (e *Env) WithSet(k, v string) *Env {
	out := &Env{Var: make(Var, len(e.Var)+1), env: e.env}
	for kk, vv := range e.Var {
		out.Var[kk] = vv
	}
	out.Var[k] = v
	return out
}

// SetPairs applies "KEY=VALUE" entries; malformed entries are skipped.
func (e *Env) SetPairs(kvs []string) {
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if ok && k != "" {
			e.Set(k, v)
		}
	}
}

// LoadFiles reads dotenv files in order; later files win.
func (e *Env) LoadFiles(paths ...string) error {
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return fmt.Errorf("env file %s: %w", p, err)
		}
		vars, err := gotenv.StrictParse(f)
		_ = f.Close()
		if err != nil {
			return fmt.Errorf("env file %s: %w", p, err)
		}
		for k, v := range vars {
			e.Set(k, v)
		}
	}
	return nil
}

// Merge composes the final environment in this order: OS base, global
// overrides, then extra "K=V" entries. ${VAR} references are expanded once
// against the composed map. The result is sorted by key.
func (e *Env) Merge(extra []string) []string {
	if e.env == nil {
		e.FromOS()
	}
	m := make(Var, len(e.env)+len(e.Var)+len(extra))
	for k, v := range e.env {
		m[k] = v
	}
	for k, v := range e.Var {
		if k != "" {
			m[k] = v
		}
	}
	for _, kv := range extra {
		k, v, ok := strings.Cut(kv, "=")
		if ok && k != "" {
			m[k] = v
		}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

// expand replaces ${VAR} with values from m; unknown names are left as is.
func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(name string) string {
		if v, ok := m[name]; ok {
			return v
		}
		return "${" + name + "}"
	})
}
