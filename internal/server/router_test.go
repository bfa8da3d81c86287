package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/appstack/internal/errdefs"
	"github.com/loykin/appstack/internal/ports"
	"github.com/loykin/appstack/internal/registry"
	"github.com/loykin/appstack/internal/service"
)

type memPorts struct {
	mu sync.Mutex
	m  map[int]string
}

func (s *memPorts) ReservedPorts(context.Context) (map[int]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]string, len(s.m))
	for k, v := range s.m {
		out[k] = v
	}
	return out, nil
}

func (s *memPorts) AddReservedPort(_ context.Context, port int, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[port] = owner
	return nil
}

func (s *memPorts) RemoveReservedPort(_ context.Context, port int, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, port)
	return nil
}

type fakeApps struct {
	recs map[string]registry.Record
	err  error
}

func (f *fakeApps) Install(_ context.Context, archive string) (registry.Record, error) {
	if f.err != nil {
		return registry.Record{}, f.err
	}
	rec := registry.Record{ID: "demo", Name: "Demo", WebPort: 8001, InstallPath: "/srv/apps/demo"}
	f.recs[rec.ID] = rec
	return rec, nil
}

func (f *fakeApps) Uninstall(_ context.Context, id string) error {
	if _, ok := f.recs[id]; !ok {
		return registry.NotFoundError{Entity: "application", Key: id}
	}
	delete(f.recs, id)
	return nil
}

func (f *fakeApps) Get(_ context.Context, id string) (registry.Record, error) {
	rec, ok := f.recs[id]
	if !ok {
		return registry.Record{}, registry.NotFoundError{Entity: "application", Key: id}
	}
	return rec, nil
}

func (f *fakeApps) List(context.Context) ([]registry.Record, error) {
	var out []registry.Record
	for _, r := range f.recs {
		out = append(out, r)
	}
	return out, nil
}

type fakeServices struct {
	calls []string
}

func (f *fakeServices) act(action, name string) (service.Result, error) {
	if name != "nginx" {
		return service.Result{}, fmt.Errorf("service %s: %w", name, errdefs.ErrNotFound)
	}
	f.calls = append(f.calls, action+":"+name)
	return service.Result{Name: name, Action: action, PID: 42}, nil
}

func (f *fakeServices) Start(_ context.Context, name string) (service.Result, error) {
	return f.act("start", name)
}

func (f *fakeServices) Stop(_ context.Context, name string) (service.Result, error) {
	return f.act("stop", name)
}

func (f *fakeServices) Restart(_ context.Context, name string) (service.Result, error) {
	return f.act("restart", name)
}

func (f *fakeServices) Status(_ context.Context, name string) (service.Status, error) {
	if name != "nginx" {
		return service.Status{}, fmt.Errorf("service %s: %w", name, errdefs.ErrNotFound)
	}
	return service.Status{Name: name, Running: true, Exists: true, PID: 42, Backend: "direct"}, nil
}

func (f *fakeServices) StatusAll(ctx context.Context) ([]service.Status, error) {
	st, _ := f.Status(ctx, "nginx")
	return []service.Status{st}, nil
}

type fixture struct {
	h     http.Handler
	apps  *fakeApps
	svcs  *fakeServices
	alloc *ports.Allocator
}

func setup(t *testing.T, base string) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	alloc, err := ports.New(&memPorts{m: map[int]string{}}, ports.Config{
		RangeStart: 8000, RangeEnd: 8010, DenyList: []int{},
		BindCheck: func(int) bool { return true },
	}, nil)
	require.NoError(t, err)
	require.NoError(t, alloc.Reload(context.Background()))
	f := &fixture{apps: &fakeApps{recs: map[string]registry.Record{}}, svcs: &fakeServices{}, alloc: alloc}
	f.h = NewRouter(Deps{Installer: f.apps, Records: f.apps, Services: f.svcs, Ports: alloc, Metrics: true}, base).Handler()
	return f
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestAppsLifecycle(t *testing.T) {
	f := setup(t, "/api")

	rec := doReq(t, f.h, http.MethodPost, "/api/apps", installReq{Archive: "/tmp/demo.zip"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "demo", decode[registry.Record](t, rec).ID)

	rec = doReq(t, f.h, http.MethodGet, "/api/apps", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]registry.Record](t, rec), 1)

	rec = doReq(t, f.h, http.MethodGet, "/api/apps/demo", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 8001, decode[registry.Record](t, rec).WebPort)

	rec = doReq(t, f.h, http.MethodDelete, "/api/apps/demo", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doReq(t, f.h, http.MethodGet, "/api/apps/demo", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode[errorResp](t, rec).Kind)

	rec = doReq(t, f.h, http.MethodGet, "/api/apps", nil)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestInstallValidation(t *testing.T) {
	f := setup(t, "")
	for _, body := range []any{map[string]string{}, installReq{Archive: "relative.zip"}, installReq{Archive: "/tmp/../etc/x.zip"}} {
		rec := doReq(t, f.h, http.MethodPost, "/apps", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	}
	rec := doReq(t, f.h, http.MethodPost, "/apps", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInstallErrorClasses(t *testing.T) {
	cases := []struct {
		err  error
		code int
		kind string
	}{
		{fmt.Errorf("install demo: %w", errdefs.ErrAlreadyExists), http.StatusConflict, "already_exists"},
		{fmt.Errorf("install demo: %w", errdefs.ErrResourceExhausted), http.StatusServiceUnavailable, "resource_exhausted"},
		{fmt.Errorf("install demo: %w", errdefs.ErrExternalProcess), http.StatusBadGateway, "external_process"},
		{fmt.Errorf("install demo: %w", errdefs.ErrTimeout), http.StatusGatewayTimeout, "timeout"},
		{fmt.Errorf("install demo: %w", errdefs.ErrPlatformOperation), http.StatusInternalServerError, "platform_operation"},
		{fmt.Errorf("disk on fire"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		t.Run(tc.kind, func(t *testing.T) {
			f := setup(t, "")
			f.apps.err = tc.err
			rec := doReq(t, f.h, http.MethodPost, "/apps", installReq{Archive: "/tmp/demo.zip"})
			assert.Equal(t, tc.code, rec.Code)
			got := decode[errorResp](t, rec)
			assert.Equal(t, tc.kind, got.Kind)
			assert.Equal(t, tc.err.Error(), got.Error)
		})
	}
}

func TestUninstallUnknownApp(t *testing.T) {
	f := setup(t, "")
	rec := doReq(t, f.h, http.MethodDelete, "/apps/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = doReq(t, f.h, http.MethodDelete, "/apps/bad..id", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServiceRoutes(t *testing.T) {
	f := setup(t, "/api")

	rec := doReq(t, f.h, http.MethodGet, "/api/services", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]service.Status](t, rec), 1)

	rec = doReq(t, f.h, http.MethodGet, "/api/services/nginx", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[service.Status](t, rec).Running)

	for _, action := range []string{"start", "stop", "restart"} {
		rec = doReq(t, f.h, http.MethodPost, "/api/services/nginx/"+action, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, action, decode[service.Result](t, rec).Action)
	}
	assert.Equal(t, []string{"start:nginx", "stop:nginx", "restart:nginx"}, f.svcs.calls)

	rec = doReq(t, f.h, http.MethodPost, "/api/services/nginx/reload", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = doReq(t, f.h, http.MethodPost, "/api/services/redis/start", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = doReq(t, f.h, http.MethodGet, "/api/services/redis", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPortRoutes(t *testing.T) {
	f := setup(t, "")

	rec := doReq(t, f.h, http.MethodPost, "/ports/allocate", map[string]any{"owner": "cli", "web": 1, "database": 1})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	alloc := decode[ports.Allocation](t, rec)
	assert.Equal(t, []int{8000}, alloc.Web)
	assert.Equal(t, []int{8001}, alloc.Database)

	rec = doReq(t, f.h, http.MethodGet, "/ports", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []reservation{{Port: 8000, Owner: "cli"}, {Port: 8001, Owner: "cli"}}, decode[[]reservation](t, rec))

	rec = doReq(t, f.h, http.MethodGet, "/ports/8000", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[ports.PortStatus](t, rec)
	assert.True(t, st.Reserved)
	assert.Equal(t, "cli", st.Owner)

	rec = doReq(t, f.h, http.MethodPost, "/ports/release", releaseReq{Owner: "cli", Port: 8000})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int{8001}, f.alloc.Owned("cli"))

	rec = doReq(t, f.h, http.MethodPost, "/ports/release", releaseReq{Owner: "cli"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int{8001}, decode[releaseResp](t, rec).Released)
	assert.Empty(t, f.alloc.Reservations())
}

func TestPortRoutesValidation(t *testing.T) {
	f := setup(t, "")
	assert.Equal(t, http.StatusBadRequest, doReq(t, f.h, http.MethodGet, "/ports/abc", nil).Code)
	assert.Equal(t, http.StatusBadRequest, doReq(t, f.h, http.MethodGet, "/ports/70000", nil).Code)
	assert.Equal(t, http.StatusBadRequest, doReq(t, f.h, http.MethodPost, "/ports/allocate", map[string]any{"web": 1}).Code)
	assert.Equal(t, http.StatusBadRequest, doReq(t, f.h, http.MethodPost, "/ports/allocate", map[string]any{"owner": "x"}).Code)
	assert.Equal(t, http.StatusBadRequest, doReq(t, f.h, http.MethodPost, "/ports/release", releaseReq{}).Code)
}

func TestPortRangeExhausted(t *testing.T) {
	f := setup(t, "")
	rec := doReq(t, f.h, http.MethodPost, "/ports/allocate", map[string]any{"owner": "greedy", "custom": 20})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "resource_exhausted", decode[errorResp](t, rec).Kind)
	assert.Empty(t, f.alloc.Reservations())
}

func TestMetricsRoute(t *testing.T) {
	f := setup(t, "/api")
	rec := doReq(t, f.h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDisabledRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewRouter(Deps{}, "").Handler()
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/apps", nil).Code)
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/metrics", nil).Code)
}
