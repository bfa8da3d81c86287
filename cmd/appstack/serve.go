package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/appstack"
)

const shutdownTimeout = 10 * time.Second

// Serve runs the daemon until the command context ends or a signal arrives.
func (c *command) Serve(cmd *cobra.Command, f ServeFlags) error {
	base := cmd.Context()
	if base == nil {
		base = context.Background()
	}
	ctx, stop := signal.NotifyContext(base, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := appstack.LoadConfig(c.flags.ConfigPath)
	if err != nil {
		return err
	}
	opts := c.opts
	opts.Daemon = true
	h, err := appstack.Open(ctx, cfg, opts)
	if err != nil {
		return err
	}
	log := h.Logger()

	srv, err := h.NewServer(f.Listen)
	if err != nil {
		return errors.Join(err, h.Close(context.WithoutCancel(ctx)))
	}
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return errors.Join(err, h.Close(context.WithoutCancel(ctx)))
	}
	errCh := make(chan error, 1)
	go func() {
		if srv.TLSConfig != nil {
			// certificates come from TLSConfig.GetCertificate
			errCh <- srv.ServeTLS(ln, "", "")
			return
		}
		errCh <- srv.Serve(ln)
	}()
	log.Info("appstack serving",
		slog.String("addr", ln.Addr().String()),
		slog.String("base_path", cfg.Server.BasePath),
		slog.Bool("tls", srv.TLSConfig != nil))

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err = <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return errors.Join(err, srv.Shutdown(sctx), h.Close(sctx))
}
