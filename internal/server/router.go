package server

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/appstack/internal/logger"
	"github.com/loykin/appstack/internal/metrics"
	"github.com/loykin/appstack/internal/ports"
	"github.com/loykin/appstack/internal/registry"
	"github.com/loykin/appstack/internal/service"
)

// Installer installs and removes application packages.
type Installer interface {
	Install(ctx context.Context, archivePath string) (registry.Record, error)
	Uninstall(ctx context.Context, id string) error
}

// Records reads installed application records.
type Records interface {
	Get(ctx context.Context, id string) (registry.Record, error)
	List(ctx context.Context) ([]registry.Record, error)
}

// Services drives the service catalog.
type Services interface {
	Start(ctx context.Context, name string) (service.Result, error)
	Stop(ctx context.Context, name string) (service.Result, error)
	Restart(ctx context.Context, name string) (service.Result, error)
	Status(ctx context.Context, name string) (service.Status, error)
	StatusAll(ctx context.Context) ([]service.Status, error)
}

// Ports exposes the allocator.
type Ports interface {
	AllocateForRequirements(ctx context.Context, owner string, req ports.Requirements) (ports.Allocation, error)
	Release(ctx context.Context, port int, owner string) error
	ReleaseAll(ctx context.Context, owner string) ([]int, error)
	Reservations() map[int]string
	Inspect(port int) ports.PortStatus
}

// Deps are the components behind the API. A nil component disables its routes.
type Deps struct {
	Installer Installer
	Records   Records
	Services  Services
	Ports     Ports
	// Metrics mounts /metrics outside the base path.
	Metrics bool
	Logger  *slog.Logger
}

// Router provides embeddable HTTP handlers over the orchestration core.
// Endpoints, relative to basePath:
//
//	POST   /apps                   body: {"archive": "/abs/path.zip"}
//	GET    /apps
//	GET    /apps/:id
//	DELETE /apps/:id
//	GET    /services
//	GET    /services/:name
//	POST   /services/:name/:action (start, stop, restart)
//	GET    /ports
//	GET    /ports/:port
//	POST   /ports/allocate         body: {"owner": "x", "web": 1, ...}
//	POST   /ports/release          body: {"owner": "x", "port": 8001}; port 0 releases all of owner
type Router struct {
	deps     Deps
	basePath string
	log      *slog.Logger
}

func NewRouter(deps Deps, basePath string) *Router {
	return &Router{deps: deps, basePath: sanitizeBase(basePath), log: logger.OrDefault(deps.Logger).With("component", "api")}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), r.accessLog)
	if r.deps.Metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	group := g.Group(r.basePath)
	if r.deps.Installer != nil {
		group.POST("/apps", r.handleInstall)
		group.DELETE("/apps/:id", r.handleUninstall)
	}
	if r.deps.Records != nil {
		group.GET("/apps", r.handleListApps)
		group.GET("/apps/:id", r.handleGetApp)
	}
	if r.deps.Services != nil {
		group.GET("/services", r.handleServices)
		group.GET("/services/:name", r.handleServiceStatus)
		group.POST("/services/:name/:action", r.handleServiceAction)
	}
	if r.deps.Ports != nil {
		group.GET("/ports", r.handleReservations)
		group.GET("/ports/:port", r.handleInspectPort)
		group.POST("/ports/allocate", r.handleAllocate)
		group.POST("/ports/release", r.handleRelease)
	}
	return g
}

// NewServer builds an HTTP server for the router. Write timeouts are left
// unset because installs run inside the request.
func NewServer(addr string, r *Router) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func (r *Router) accessLog(c *gin.Context) {
	start := time.Now()
	c.Next()
	lvl := slog.LevelDebug
	if c.Writer.Status() >= http.StatusInternalServerError {
		lvl = slog.LevelWarn
	}
	r.log.Log(c.Request.Context(), lvl, "request",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.Int("status", c.Writer.Status()),
		slog.Duration("elapsed", time.Since(start)))
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type installReq struct {
	Archive string `json:"archive"`
}

func (r *Router) handleInstall(c *gin.Context) {
	var req installReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON: "+err.Error())
		return
	}
	if req.Archive == "" || !isSafeAbsPath(req.Archive) {
		badRequest(c, "archive must be an absolute path without traversal")
		return
	}
	rec, err := r.deps.Installer.Install(c.Request.Context(), req.Archive)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, rec)
}

func (r *Router) handleUninstall(c *gin.Context) {
	id := c.Param("id")
	if !isSafeName(id) {
		badRequest(c, "invalid application id")
		return
	}
	if err := r.deps.Installer.Uninstall(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleListApps(c *gin.Context) {
	recs, err := r.deps.Records.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if recs == nil {
		recs = []registry.Record{}
	}
	writeJSON(c, http.StatusOK, recs)
}

func (r *Router) handleGetApp(c *gin.Context) {
	id := c.Param("id")
	if !isSafeName(id) {
		badRequest(c, "invalid application id")
		return
	}
	rec, err := r.deps.Records.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, rec)
}

func (r *Router) handleServices(c *gin.Context) {
	sts, err := r.deps.Services.StatusAll(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, sts)
}

func (r *Router) handleServiceStatus(c *gin.Context) {
	name := c.Param("name")
	if !isSafeName(name) {
		badRequest(c, "invalid service name")
		return
	}
	st, err := r.deps.Services.Status(c.Request.Context(), name)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleServiceAction(c *gin.Context) {
	name := c.Param("name")
	if !isSafeName(name) {
		badRequest(c, "invalid service name")
		return
	}
	var act func(context.Context, string) (service.Result, error)
	switch c.Param("action") {
	case "start":
		act = r.deps.Services.Start
	case "stop":
		act = r.deps.Services.Stop
	case "restart":
		act = r.deps.Services.Restart
	default:
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown action " + c.Param("action"), Kind: "not_found"})
		return
	}
	res, err := act(c.Request.Context(), name)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

type reservation struct {
	Port  int    `json:"port"`
	Owner string `json:"owner,omitempty"`
}

func (r *Router) handleReservations(c *gin.Context) {
	m := r.deps.Ports.Reservations()
	out := make([]reservation, 0, len(m))
	for p, o := range m {
		out = append(out, reservation{Port: p, Owner: o})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleInspectPort(c *gin.Context) {
	p, err := strconv.Atoi(c.Param("port"))
	if err != nil || p < 1 || p > 65535 {
		badRequest(c, "port must be 1-65535")
		return
	}
	writeJSON(c, http.StatusOK, r.deps.Ports.Inspect(p))
}

type allocateReq struct {
	Owner string `json:"owner"`
	ports.Requirements
}

func (r *Router) handleAllocate(c *gin.Context) {
	var req allocateReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON: "+err.Error())
		return
	}
	if req.Owner == "" {
		badRequest(c, "owner required")
		return
	}
	if req.Web < 0 || req.Database < 0 || req.Cache < 0 || req.Custom < 0 || req.Total() == 0 {
		badRequest(c, "requirements must be non-negative and request at least one port")
		return
	}
	alloc, err := r.deps.Ports.AllocateForRequirements(c.Request.Context(), req.Owner, req.Requirements)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, alloc)
}

type releaseReq struct {
	Owner string `json:"owner"`
	Port  int    `json:"port"`
}

type releaseResp struct {
	Released []int `json:"released"`
}

func (r *Router) handleRelease(c *gin.Context) {
	var req releaseReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON: "+err.Error())
		return
	}
	if req.Port == 0 {
		if req.Owner == "" {
			badRequest(c, "owner required to release all ports")
			return
		}
		released, err := r.deps.Ports.ReleaseAll(c.Request.Context(), req.Owner)
		if err != nil {
			writeError(c, err)
			return
		}
		if released == nil {
			released = []int{}
		}
		writeJSON(c, http.StatusOK, releaseResp{Released: released})
		return
	}
	if req.Port < 0 || req.Port > 65535 {
		badRequest(c, "port must be 1-65535")
		return
	}
	if err := r.deps.Ports.Release(c.Request.Context(), req.Port, req.Owner); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, releaseResp{Released: []int{req.Port}})
}
