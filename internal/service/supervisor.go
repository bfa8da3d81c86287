package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/appstack/internal/history"
	"github.com/loykin/appstack/internal/logger"
	"github.com/loykin/appstack/internal/ports"
)

const (
	DefaultRestartGrace = 2 * time.Second
	DefaultStopGrace    = 5 * time.Second
)

// PortPinner keeps descriptor ports out of the allocator's hands.
type PortPinner interface {
	Pin(port int, service string)
	Unpin(port int)
}

type Options struct {
	Backend Backend
	// RestartGrace is the pause between stop and start so the OS can
	// release the listening socket.
	RestartGrace time.Duration
	// StopGrace bounds the wait before a forced kill on the direct backend.
	StopGrace time.Duration
	Ports     PortPinner
	// BindCheck reports whether a port is free; defaults to a loopback listen.
	BindCheck ports.BindChecker
	History   *history.Recorder
	Logger    *slog.Logger
}

// Supervisor serializes lifecycle actions per service name and runs
// different names in parallel.
type Supervisor struct {
	backend      Backend
	restartGrace time.Duration
	stopGrace    time.Duration
	pins         PortPinner
	bindCheck    ports.BindChecker
	hist         *history.Recorder
	log          *slog.Logger

	mu       sync.RWMutex
	handlers map[string]*handler
	closed   bool
}

func New(opts Options) (*Supervisor, error) {
	if opts.Backend == nil {
		return nil, errors.New("service: backend required")
	}
	if opts.RestartGrace <= 0 {
		opts.RestartGrace = DefaultRestartGrace
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = DefaultStopGrace
	}
	if opts.BindCheck == nil {
		opts.BindCheck = ports.ListenCheck("127.0.0.1")
	}
	return &Supervisor{
		backend:      opts.Backend,
		restartGrace: opts.RestartGrace,
		stopGrace:    opts.StopGrace,
		pins:         opts.Ports,
		bindCheck:    opts.BindCheck,
		hist:         opts.History,
		log:          logger.OrDefault(opts.Logger).With("component", "supervisor"),
		handlers:     make(map[string]*handler),
	}, nil
}

// Backend returns the backend name in use.
func (s *Supervisor) Backend() string { return s.backend.Name() }

// Register adds d to the catalog.
func (s *Supervisor) Register(d Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("service: supervisor closed")
	}
	if _, ok := s.handlers[d.Name]; ok {
		return fmt.Errorf("%s: %w", d.Name, ErrAlreadyRegistered)
	}
	h := newHandler(d, s)
	s.handlers[d.Name] = h
	go h.run()
	if s.pins != nil && d.Port > 0 {
		s.pins.Pin(d.Port, d.Name)
	}
	s.log.Debug("service registered", slog.String("service", d.Name))
	return nil
}

// Deregister stops the service, removes what the backend created for it,
// and drops it from the catalog.
func (s *Supervisor) Deregister(ctx context.Context, name string) error {
	h, err := s.get(name)
	if err != nil {
		return err
	}
	if _, err := h.send(ctx, ctrlStop); err != nil && !errors.Is(err, ErrServiceNotFound) {
		return err
	}
	s.mu.Lock()
	if s.handlers[name] == h {
		delete(s.handlers, name)
	}
	s.mu.Unlock()
	h.shutdown()
	if s.pins != nil && h.desc.Port > 0 {
		s.pins.Unpin(h.desc.Port)
	}
	return platformErr(name, "remove", s.backend.Remove(ctx, h.desc))
}

func (h *handler) shutdown() {
	select {
	case h.ctrl <- ctrlMsg{typ: ctrlShutdown}:
	case <-h.done:
	}
	<-h.done
}

func (s *Supervisor) get(name string) (*handler, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrServiceNotFound)
	}
	return h, nil
}

// Descriptor returns the registered descriptor for name.
func (s *Supervisor) Descriptor(name string) (Descriptor, bool) {
	h, err := s.get(name)
	if err != nil {
		return Descriptor{}, false
	}
	return h.desc, true
}

// List returns the catalog sorted by name.
func (s *Supervisor) List() []Descriptor {
	s.mu.RLock()
	out := make([]Descriptor, 0, len(s.handlers))
	for _, h := range s.handlers {
		out = append(out, h.desc)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start is idempotent: a running service reports NoteAlreadyRunning.
func (s *Supervisor) Start(ctx context.Context, name string) (Result, error) {
	h, err := s.get(name)
	if err != nil {
		return Result{}, err
	}
	return h.send(ctx, ctrlStart)
}

// Stop is idempotent: a stopped service reports NoteAlreadyStopped.
func (s *Supervisor) Stop(ctx context.Context, name string) (Result, error) {
	h, err := s.get(name)
	if err != nil {
		return Result{}, err
	}
	return h.send(ctx, ctrlStop)
}

func (s *Supervisor) Restart(ctx context.Context, name string) (Result, error) {
	h, err := s.get(name)
	if err != nil {
		return Result{}, err
	}
	return h.send(ctx, ctrlRestart)
}

// Status queries the backend fresh and checks whether the declared port is bound.
func (s *Supervisor) Status(ctx context.Context, name string) (Status, error) {
	h, err := s.get(name)
	if err != nil {
		return Status{}, err
	}
	return s.status(ctx, h.desc)
}

func (s *Supervisor) status(ctx context.Context, d Descriptor) (Status, error) {
	st, err := s.backend.Status(ctx, d)
	if err != nil {
		return Status{Name: d.Name, Backend: s.backend.Name(), Port: d.Port}, platformErr(d.Name, "status", err)
	}
	st.Name, st.Backend, st.Port = d.Name, s.backend.Name(), d.Port
	if d.Port > 0 {
		st.PortBound = !s.bindCheck(d.Port)
	}
	st.CheckedAt = time.Now().UTC()
	return st, nil
}

// StatusAll queries every registered service in parallel.
func (s *Supervisor) StatusAll(ctx context.Context) ([]Status, error) {
	descs := s.List()
	out := make([]Status, len(descs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, d := range descs {
		g.Go(func() error {
			st, err := s.status(gctx, d)
			out[i] = st
			return err
		})
	}
	return out, g.Wait()
}

// Reconcile re-derives runtime state at startup: ports are re-pinned and
// each service's live status is returned. Nothing is started or stopped.
func (s *Supervisor) Reconcile(ctx context.Context) ([]Status, error) {
	if s.pins != nil {
		for _, d := range s.List() {
			if d.Port > 0 {
				s.pins.Pin(d.Port, d.Name)
			}
		}
	}
	sts, err := s.StatusAll(ctx)
	for _, st := range sts {
		s.log.Debug("service state", slog.String("service", st.Name), slog.Bool("running", st.Running), slog.Int("pid", st.PID))
	}
	return sts, err
}

func (s *Supervisor) shutdownHandlers() {
	s.mu.Lock()
	s.closed = true
	hs := s.handlers
	s.handlers = make(map[string]*handler)
	s.mu.Unlock()
	var wg sync.WaitGroup
	for _, h := range hs {
		wg.Add(1)
		go func(h *handler) {
			defer wg.Done()
			h.shutdown()
		}(h)
	}
	wg.Wait()
}

// Release stops the handler goroutines but leaves detached children
// running; PID files let a later invocation find them.
func (s *Supervisor) Release() {
	s.shutdownHandlers()
}

// Close stops the handler goroutines and terminates every child the
// backend owns.
func (s *Supervisor) Close(ctx context.Context) error {
	s.shutdownHandlers()
	return s.backend.Close(ctx)
}
