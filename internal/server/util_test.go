package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/loykin/appstack/internal/errdefs"
)

func TestSanitizeBase(t *testing.T) {
	for in, want := range map[string]string{
		"":        "",
		"/":       "",
		"api":     "/api",
		"/api/":   "/api",
		" /v1/ ":  "/v1",
		"/api/v1": "/api/v1",
	} {
		assert.Equal(t, want, sanitizeBase(in), "sanitizeBase(%q)", in)
	}
}

func TestIsSafeName(t *testing.T) {
	for _, s := range []string{"redis", "php-fpm", "my_test_app", "pg.16"} {
		assert.True(t, isSafeName(s), s)
	}
	for _, s := range []string{"", "..", "a..b", "../etc", `a\b`, "shop*", "블로그"} {
		assert.False(t, isSafeName(s), s)
	}
}

func TestIsSafeAbsPath(t *testing.T) {
	assert.True(t, isSafeAbsPath(""))
	pkg := filepath.Join(os.TempDir(), "uploads", "shop.tar.gz")
	assert.True(t, isSafeAbsPath(pkg))
	assert.False(t, isSafeAbsPath("uploads/shop.zip"))
	sep := string(filepath.Separator)
	assert.False(t, isSafeAbsPath(filepath.VolumeName(pkg)+sep+"srv"+sep+".."+sep+"etc"))
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("app shop: %w", errdefs.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("app shop: %w", errdefs.ErrAlreadyExists), http.StatusConflict},
		{fmt.Errorf("no free web port: %w", errdefs.ErrResourceExhausted), http.StatusServiceUnavailable},
		{fmt.Errorf("systemctl: %w", errdefs.ErrExternalProcess), http.StatusBadGateway},
		{fmt.Errorf("stop redis: %w", errdefs.ErrTimeout), http.StatusGatewayTimeout},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		assert.Equal(t, c.code, statusFor(c.err), c.err.Error())
	}
}

func TestErrorBodies(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/missing", func(c *gin.Context) {
		writeError(c, fmt.Errorf("app blog: %w", errdefs.ErrNotFound))
	})
	r.GET("/bad", func(c *gin.Context) { badRequest(c, "owner required") })
	r.GET("/ok", func(c *gin.Context) { writeJSON(c, http.StatusCreated, map[string]int{"web_port": 8001}) })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"app blog: not found","kind":"not_found"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/bad", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"owner required","kind":"invalid_argument"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ok", nil))
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"web_port":8001}`, rec.Body.String())
}
