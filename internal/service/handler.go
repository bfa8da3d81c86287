package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loykin/appstack/internal/errdefs"
	"github.com/loykin/appstack/internal/history"
	"github.com/loykin/appstack/internal/metrics"
)

type ctrlType int

const (
	ctrlStart ctrlType = iota
	ctrlStop
	ctrlRestart
	ctrlShutdown
)

func (t ctrlType) String() string {
	switch t {
	case ctrlStart:
		return "start"
	case ctrlStop:
		return "stop"
	case ctrlRestart:
		return "restart"
	default:
		return "shutdown"
	}
}

type ctrlReply struct {
	res Result
	err error
}

// ctrlMsg is a control-plane message sent to a handler to serialize lifecycle ops.
type ctrlMsg struct {
	typ   ctrlType
	ctx   context.Context
	reply chan ctrlReply
}

// handler owns the control path for a single service. All lifecycle
// actions for one name run on its goroutine, one at a time.
type handler struct {
	desc Descriptor
	sup  *Supervisor
	ctrl chan ctrlMsg
	done chan struct{}
}

func newHandler(d Descriptor, s *Supervisor) *handler {
	return &handler{desc: d, sup: s, ctrl: make(chan ctrlMsg, 16), done: make(chan struct{})}
}

func (h *handler) run() {
	defer close(h.done)
	for msg := range h.ctrl {
		if msg.typ == ctrlShutdown {
			if msg.reply != nil {
				msg.reply <- ctrlReply{}
			}
			return
		}
		res, err := h.handle(msg)
		if msg.reply != nil {
			msg.reply <- ctrlReply{res: res, err: err}
		}
	}
}

// send queues a message and waits for its reply.
func (h *handler) send(ctx context.Context, typ ctrlType) (Result, error) {
	reply := make(chan ctrlReply, 1)
	select {
	case h.ctrl <- ctrlMsg{typ: typ, ctx: ctx, reply: reply}:
	case <-h.done:
		return Result{}, fmt.Errorf("%s: %w", h.desc.Name, ErrServiceNotFound)
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.res, r.err
	case <-h.done:
		return Result{}, fmt.Errorf("%s: %w", h.desc.Name, ErrServiceNotFound)
	}
}

func (h *handler) handle(msg ctrlMsg) (Result, error) {
	ctx := msg.ctx
	var (
		res Result
		err error
	)
	switch msg.typ {
	case ctrlStart:
		res, err = h.start(ctx)
	case ctrlStop:
		res, err = h.stop(ctx)
	case ctrlRestart:
		res, err = h.restart(ctx)
	}
	res.Name, res.Action = h.desc.Name, msg.typ.String()
	metrics.ObserveServiceAction(h.desc.Name, res.Action, err)
	h.sup.hist.Emit(ctx, eventFor(msg.typ), h.desc.Name, res.Note, err)
	log := h.sup.log.With(slog.String("service", h.desc.Name), slog.String("action", res.Action))
	if err != nil {
		log.Error("service action failed", slog.Any("error", err))
	} else {
		log.Info("service action", slog.Int("pid", res.PID), slog.String("note", res.Note))
	}
	return res, err
}

func eventFor(t ctrlType) history.EventType {
	switch t {
	case ctrlStart:
		return history.EventServiceStart
	case ctrlStop:
		return history.EventServiceStop
	default:
		return history.EventServiceRestart
	}
}

func (h *handler) start(ctx context.Context) (Result, error) {
	b := h.sup.backend
	st, err := b.Status(ctx, h.desc)
	if err != nil {
		return Result{}, platformErr(h.desc.Name, "status", err)
	}
	if st.Running {
		return Result{PID: st.PID, Note: NoteAlreadyRunning}, nil
	}
	pid, err := b.Start(ctx, h.desc)
	if err != nil {
		return Result{}, platformErr(h.desc.Name, "start", err)
	}
	return Result{PID: pid}, nil
}

func (h *handler) stop(ctx context.Context) (Result, error) {
	b := h.sup.backend
	st, err := b.Status(ctx, h.desc)
	if err != nil {
		return Result{}, platformErr(h.desc.Name, "status", err)
	}
	if !st.Running {
		if !st.Exists {
			return Result{}, fmt.Errorf("%s: %w", h.desc.Name, ErrServiceNotFound)
		}
		return Result{Note: NoteAlreadyStopped}, nil
	}
	stopped, err := b.Stop(ctx, h.desc, h.sup.stopGrace)
	if err != nil {
		return Result{}, platformErr(h.desc.Name, "stop", err)
	}
	if !stopped {
		return Result{Note: NoteAlreadyStopped}, nil
	}
	return Result{PID: st.PID}, nil
}

// restart is stop, grace wait, start. It is not atomic: a failure after the
// stop leaves the service stopped.
func (h *handler) restart(ctx context.Context) (Result, error) {
	stopRes, err := h.stop(ctx)
	if err != nil && !errors.Is(err, ErrServiceNotFound) {
		return Result{}, err
	}
	if err == nil && stopRes.Note == "" {
		t := time.NewTimer(h.sup.restartGrace)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return Result{}, fmt.Errorf("restart %s: grace wait interrupted: %w", h.desc.Name,
				errors.Join(errdefs.ErrTimeout, ctx.Err()))
		}
	}
	return h.start(ctx)
}
