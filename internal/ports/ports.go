// Package ports hands out non-conflicting TCP ports and keeps the tool's
// reservation set in sync with the registry.
package ports

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"

	"github.com/loykin/appstack/internal/errdefs"
	"github.com/loykin/appstack/internal/logger"
	"github.com/loykin/appstack/internal/metrics"
)

const (
	DefaultRangeStart = 8000
	DefaultRangeEnd   = 9000

	// allocAttempts bounds rescans after losing a port to another process.
	allocAttempts = 5
)

// DefaultDenyList holds conventional infrastructure ports never handed out.
var DefaultDenyList = []int{
	25, 53, 80, 110, 143, 443, 465, 587, 993, 995,
	1433, 1521, 2049, 3000, 3306, 5000, 5432, 5672, 6379,
	8080, 8443, 8888, 9000, 9200, 11211, 27017,
}

// ErrNoPortsAvailable is returned when a range cannot satisfy a request.
var ErrNoPortsAvailable = fmt.Errorf("no ports available: %w", errdefs.ErrResourceExhausted)

// ErrPortUnavailable is returned when a specific port cannot be reserved.
var ErrPortUnavailable = fmt.Errorf("port unavailable: %w", errdefs.ErrAlreadyExists)

// Store is the durable side of the reservation set. Several processes may
// share one Store: AddReservedPort must fail with an error wrapping
// errdefs.ErrAlreadyExists when a different owner already holds port.
type Store interface {
	ReservedPorts(ctx context.Context) (map[int]string, error)
	AddReservedPort(ctx context.Context, port int, owner string) error
	RemoveReservedPort(ctx context.Context, port int, owner string) error
}

// BindChecker reports whether port can be bound right now.
type BindChecker func(port int) bool

// ListenCheck binds and immediately closes host:port.
func ListenCheck(host string) BindChecker {
	if host == "" {
		host = "127.0.0.1"
	}
	return func(port int) bool {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			return false
		}
		_ = ln.Close()
		return true
	}
}

type Config struct {
	RangeStart int
	RangeEnd   int
	// DenyList replaces DefaultDenyList when non-nil.
	DenyList []int
	// ExtraDeny is added on top of the deny list.
	ExtraDeny []int
	// BindCheck defaults to ListenCheck("127.0.0.1").
	BindCheck BindChecker
}

// Requirements is the per-category port count for AllocateForRequirements.
type Requirements struct {
	Web      int `json:"web"`
	Database int `json:"database"`
	Cache    int `json:"cache"`
	Custom   int `json:"custom"`
}

func (r Requirements) Total() int { return r.Web + r.Database + r.Cache + r.Custom }

// Allocation is the categorized result of AllocateForRequirements.
type Allocation struct {
	Owner    string `json:"owner"`
	Web      []int  `json:"web,omitempty"`
	Database []int  `json:"database,omitempty"`
	Cache    []int  `json:"cache,omitempty"`
	Custom   []int  `json:"custom,omitempty"`
}

// All returns every allocated port in request order.
func (a Allocation) All() []int {
	out := make([]int, 0, len(a.Web)+len(a.Database)+len(a.Cache)+len(a.Custom))
	out = append(out, a.Web...)
	out = append(out, a.Database...)
	out = append(out, a.Cache...)
	return append(out, a.Custom...)
}

// PortStatus reconciles the bookkeeping view of a port with the host.
type PortStatus struct {
	Port       int    `json:"port"`
	Reserved   bool   `json:"reserved"`
	Owner      string `json:"owner,omitempty"`
	Pinned     bool   `json:"pinned"`
	PinnedBy   string `json:"pinned_by,omitempty"`
	DenyListed bool   `json:"deny_listed"`
	// Bound is true when something on the host currently holds the port.
	Bound bool `json:"bound"`
}

// Allocator owns the in-memory reservation set. One mutex covers every
// scan and every reserve including the durable write.
type Allocator struct {
	mu        sync.Mutex
	store     Store
	start     int
	end       int
	deny      map[int]struct{}
	reserved  map[int]string
	pinned    map[int]string
	bindCheck BindChecker
	log       *slog.Logger
}

// New builds an Allocator. Call Reload to load durable reservations.
func New(store Store, cfg Config, l *slog.Logger) (*Allocator, error) {
	if store == nil {
		return nil, errors.New("ports: store required")
	}
	if cfg.RangeStart == 0 && cfg.RangeEnd == 0 {
		cfg.RangeStart, cfg.RangeEnd = DefaultRangeStart, DefaultRangeEnd
	}
	if err := validRange(cfg.RangeStart, cfg.RangeEnd); err != nil {
		return nil, err
	}
	denyList := cfg.DenyList
	if denyList == nil {
		denyList = DefaultDenyList
	}
	deny := make(map[int]struct{}, len(denyList)+len(cfg.ExtraDeny))
	for _, p := range denyList {
		deny[p] = struct{}{}
	}
	for _, p := range cfg.ExtraDeny {
		deny[p] = struct{}{}
	}
	bindCheck := cfg.BindCheck
	if bindCheck == nil {
		bindCheck = ListenCheck("127.0.0.1")
	}
	return &Allocator{
		store:     store,
		start:     cfg.RangeStart,
		end:       cfg.RangeEnd,
		deny:      deny,
		reserved:  make(map[int]string),
		pinned:    make(map[int]string),
		bindCheck: bindCheck,
		log:       logger.OrDefault(l).With("component", "ports"),
	}, nil
}

func validRange(start, end int) error {
	if start < 1 || end > 65535 || start > end {
		return fmt.Errorf("ports: invalid range %d-%d", start, end)
	}
	return nil
}

// Range returns the default allocation range.
func (a *Allocator) Range() (int, int) { return a.start, a.end }

// Reload replaces the in-memory reservation set with the durable one.
func (a *Allocator) Reload(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reloadLocked(ctx)
}

func (a *Allocator) reloadLocked(ctx context.Context) error {
	m, err := a.store.ReservedPorts(ctx)
	if err != nil {
		return fmt.Errorf("ports: reload: %w", err)
	}
	a.reserved = m
	metrics.SetPortsReserved(len(m))
	a.log.Debug("reservations loaded", slog.Int("count", len(m)))
	return nil
}

// available must be called with mu held.
func (a *Allocator) available(port int) bool {
	if _, ok := a.deny[port]; ok {
		return false
	}
	if _, ok := a.reserved[port]; ok {
		return false
	}
	if _, ok := a.pinned[port]; ok {
		return false
	}
	return a.bindCheck(port)
}

// scan must be called with mu held.
func (a *Allocator) scan(ctx context.Context, n, start, end int) ([]int, error) {
	if err := validRange(start, end); err != nil {
		return nil, err
	}
	if n < 1 {
		return nil, fmt.Errorf("ports: invalid count %d", n)
	}
	found := make([]int, 0, n)
	for p := start; p <= end && len(found) < n; p++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if a.available(p) {
			found = append(found, p)
		}
	}
	if len(found) < n {
		metrics.IncAllocationFailure()
		return nil, fmt.Errorf("%w: need %d in %d-%d, found %d", ErrNoPortsAvailable, n, start, end, len(found))
	}
	return found, nil
}

// FindAvailable returns the lowest free port in [start, end] without reserving it.
func (a *Allocator) FindAvailable(ctx context.Context, start, end int) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	found, err := a.scan(ctx, 1, start, end)
	if err != nil {
		return 0, err
	}
	return found[0], nil
}

// FindNAvailable returns the n lowest free ports in [start, end] without reserving them.
func (a *Allocator) FindNAvailable(ctx context.Context, n, start, end int) ([]int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scan(ctx, n, start, end)
}

// Reserve re-validates port and adds it to the reservation set.
func (a *Allocator) Reserve(ctx context.Context, port int, owner string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if port < 1 || port > 65535 || !a.available(port) {
		return fmt.Errorf("%w: %d", ErrPortUnavailable, port)
	}
	return a.reserveLocked(ctx, port, owner)
}

func (a *Allocator) reserveLocked(ctx context.Context, port int, owner string) error {
	if err := a.store.AddReservedPort(ctx, port, owner); err != nil {
		if !errors.Is(err, errdefs.ErrAlreadyExists) {
			return err
		}
		// another process holds it; pick up its reservations
		if rerr := a.reloadLocked(ctx); rerr != nil {
			a.log.Warn("reload after reservation conflict failed", slog.Any("error", rerr))
		}
		return fmt.Errorf("%w: %d is held by another owner", ErrPortUnavailable, port)
	}
	a.reserved[port] = owner
	metrics.SetPortsReserved(len(a.reserved))
	a.log.Info("port reserved", slog.Int("port", port), slog.String("owner", owner))
	return nil
}

// Release drops port from the reservation set. Releasing an unreserved port,
// or a port held by a different owner when owner is set, is a no-op.
func (a *Allocator) Release(ctx context.Context, port int, owner string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	cur, ok := a.reserved[port]
	if ok && owner != "" && cur != owner {
		return nil
	}
	if err := a.store.RemoveReservedPort(ctx, port, owner); err != nil {
		return err
	}
	if ok {
		delete(a.reserved, port)
		metrics.SetPortsReserved(len(a.reserved))
		a.log.Info("port released", slog.Int("port", port), slog.String("owner", cur))
	}
	return nil
}

// ReleaseAll releases every port held by owner and returns them.
func (a *Allocator) ReleaseAll(ctx context.Context, owner string) ([]int, error) {
	if owner == "" {
		return nil, errors.New("ports: owner required")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	var released []int
	var errs []error
	for _, p := range a.ownedLocked(owner) {
		if err := a.store.RemoveReservedPort(ctx, p, owner); err != nil {
			errs = append(errs, err)
			continue
		}
		delete(a.reserved, p)
		released = append(released, p)
	}
	metrics.SetPortsReserved(len(a.reserved))
	if len(released) > 0 {
		a.log.Info("ports released", slog.String("owner", owner), slog.Any("ports", released))
	}
	return released, errors.Join(errs...)
}

func (a *Allocator) ownedLocked(owner string) []int {
	var out []int
	for p, o := range a.reserved {
		if o == owner {
			out = append(out, p)
		}
	}
	sort.Ints(out)
	return out
}

// Owned lists the ports reserved by owner in ascending order.
func (a *Allocator) Owned(owner string) []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ownedLocked(owner)
}

// AllocateForRequirements finds and reserves req.Total() ports from the
// default range in one pass. Nothing stays reserved when it fails.
func (a *Allocator) AllocateForRequirements(ctx context.Context, owner string, req Requirements) (Allocation, error) {
	if owner == "" {
		return Allocation{}, errors.New("ports: owner required")
	}
	if req.Web < 0 || req.Database < 0 || req.Cache < 0 || req.Custom < 0 || req.Total() == 0 {
		return Allocation{}, fmt.Errorf("ports: invalid requirements %+v", req)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	var found []int
	for attempt := 1; ; attempt++ {
		var err error
		found, err = a.scan(ctx, req.Total(), a.start, a.end)
		if err != nil {
			return Allocation{}, err
		}
		err = a.reserveAllLocked(ctx, found, owner)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrPortUnavailable) || attempt == allocAttempts {
			return Allocation{}, err
		}
		a.log.Warn("lost a port to another process, rescanning",
			slog.String("owner", owner), slog.Int("attempt", attempt), slog.Any("error", err))
	}
	alloc := Allocation{Owner: owner}
	rest := found
	take := func(k int) []int {
		if k == 0 {
			return nil
		}
		out := rest[:k:k]
		rest = rest[k:]
		return out
	}
	alloc.Web = take(req.Web)
	alloc.Database = take(req.Database)
	alloc.Cache = take(req.Cache)
	alloc.Custom = take(req.Custom)
	return alloc, nil
}

// reserveAllLocked reserves every port in found or none of them.
func (a *Allocator) reserveAllLocked(ctx context.Context, found []int, owner string) error {
	for i, p := range found {
		err := a.reserveLocked(ctx, p, owner)
		if err == nil {
			continue
		}
		for _, done := range found[:i] {
			if rerr := a.store.RemoveReservedPort(context.WithoutCancel(ctx), done, owner); rerr != nil {
				err = errors.Join(err, rerr)
			}
			delete(a.reserved, done)
		}
		metrics.SetPortsReserved(len(a.reserved))
		return fmt.Errorf("ports: reserve %d for %s: %w", p, owner, err)
	}
	return nil
}

// Pin marks port as held by a managed service. Pins live in memory only and
// are re-derived from the service catalog at startup.
func (a *Allocator) Pin(port int, service string) {
	if port <= 0 {
		return
	}
	a.mu.Lock()
	a.pinned[port] = service
	a.mu.Unlock()
}

func (a *Allocator) Unpin(port int) {
	a.mu.Lock()
	delete(a.pinned, port)
	a.mu.Unlock()
}

// Reservations returns a snapshot of the durable reservation set.
func (a *Allocator) Reservations() map[int]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[int]string, len(a.reserved))
	for p, o := range a.reserved {
		out[p] = o
	}
	return out
}

// Inspect reports the bookkeeping state of port together with whether the
// host currently has it bound.
func (a *Allocator) Inspect(port int) PortStatus {
	a.mu.Lock()
	st := PortStatus{Port: port}
	st.Owner, st.Reserved = a.reserved[port]
	st.PinnedBy, st.Pinned = a.pinned[port]
	_, st.DenyListed = a.deny[port]
	a.mu.Unlock()
	st.Bound = !a.bindCheck(port)
	return st
}

// IsDenied reports whether port is on the deny list.
func (a *Allocator) IsDenied(port int) bool {
	_, ok := a.deny[port]
	return ok
}
