package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/loykin/appstack"
)

type command struct {
	flags *GlobalFlags
	// opts is applied to every Host the CLI opens.
	opts appstack.Options
}

// open loads the configuration and assembles a one-shot Host. Installs
// interrupted by a crash are left to serve and recover.
func (c *command) open(ctx context.Context) (*appstack.Host, error) {
	cfg, err := appstack.LoadConfig(c.flags.ConfigPath)
	if err != nil {
		return nil, err
	}
	opts := c.opts
	opts.SkipRecover = true
	return appstack.Open(ctx, cfg, opts)
}

// with runs fn against a freshly opened Host and closes it afterwards.
func (c *command) with(cmd *cobra.Command, fn func(context.Context, *appstack.Host) (any, error)) (err error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	h, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := h.Close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
			err = cerr
		}
	}()
	out, err := fn(ctx, h)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), out)
}

func (c *command) Install(cmd *cobra.Command, archivePath string) error {
	abs, err := filepath.Abs(archivePath)
	if err != nil {
		return err
	}
	return c.with(cmd, func(ctx context.Context, h *appstack.Host) (any, error) {
		return h.Installer.Install(ctx, abs)
	})
}

func (c *command) Uninstall(cmd *cobra.Command, id string) error {
	return c.with(cmd, func(ctx context.Context, h *appstack.Host) (any, error) {
		if err := h.Installer.Uninstall(ctx, id); err != nil {
			return nil, err
		}
		return okResult{OK: true}, nil
	})
}

func (c *command) Recover(cmd *cobra.Command) error {
	return c.with(cmd, func(ctx context.Context, h *appstack.Host) (any, error) {
		ids, err := h.Installer.Recover(ctx)
		if ids == nil {
			ids = []string{}
		}
		return recoverResult{Recovered: ids}, err
	})
}

func (c *command) ListApps(cmd *cobra.Command) error {
	return c.with(cmd, func(ctx context.Context, h *appstack.Host) (any, error) {
		recs, err := h.Registry.List(ctx)
		if recs == nil {
			recs = []appstack.Record{}
		}
		return recs, err
	})
}

func (c *command) ShowApp(cmd *cobra.Command, id string) error {
	return c.with(cmd, func(ctx context.Context, h *appstack.Host) (any, error) {
		return h.Registry.Get(ctx, id)
	})
}

func (c *command) ListServices(cmd *cobra.Command) error {
	return c.with(cmd, func(ctx context.Context, h *appstack.Host) (any, error) {
		ds := h.Services.List()
		if ds == nil {
			ds = []appstack.Descriptor{}
		}
		return ds, nil
	})
}

func (c *command) ServiceStatus(cmd *cobra.Command, name string) error {
	return c.with(cmd, func(ctx context.Context, h *appstack.Host) (any, error) {
		if name != "" {
			return h.Services.Status(ctx, name)
		}
		sts, err := h.Services.StatusAll(ctx)
		if sts == nil {
			sts = []appstack.Status{}
		}
		return sts, err
	})
}

func (c *command) StartService(cmd *cobra.Command, name string) error {
	return c.with(cmd, func(ctx context.Context, h *appstack.Host) (any, error) {
		return h.Services.Start(ctx, name)
	})
}

func (c *command) StopService(cmd *cobra.Command, name string) error {
	return c.with(cmd, func(ctx context.Context, h *appstack.Host) (any, error) {
		return h.Services.Stop(ctx, name)
	})
}

func (c *command) RestartService(cmd *cobra.Command, name string) error {
	return c.with(cmd, func(ctx context.Context, h *appstack.Host) (any, error) {
		return h.Services.Restart(ctx, name)
	})
}

func (c *command) Allocate(cmd *cobra.Command, f AllocateFlags) error {
	req := appstack.Requirements{Web: f.Web, Database: f.Database, Cache: f.Cache, Custom: f.Custom}
	if req.Total() == 0 {
		return fmt.Errorf("request at least one port with --web, --database, --cache or --custom")
	}
	return c.with(cmd, func(ctx context.Context, h *appstack.Host) (any, error) {
		return h.Ports.AllocateForRequirements(ctx, f.Owner, req)
	})
}

func (c *command) Release(cmd *cobra.Command, portArg, owner string) error {
	port, err := parsePort(portArg)
	if err != nil {
		return err
	}
	return c.with(cmd, func(ctx context.Context, h *appstack.Host) (any, error) {
		if err := h.Ports.Release(ctx, port, owner); err != nil {
			return nil, err
		}
		return h.Ports.Inspect(port), nil
	})
}

func (c *command) ReleaseAll(cmd *cobra.Command, owner string) error {
	return c.with(cmd, func(ctx context.Context, h *appstack.Host) (any, error) {
		released, err := h.Ports.ReleaseAll(ctx, owner)
		if released == nil {
			released = []int{}
		}
		return releaseResult{Owner: owner, Released: released}, err
	})
}

func (c *command) Find(cmd *cobra.Command, f FindFlags) error {
	return c.with(cmd, func(ctx context.Context, h *appstack.Host) (any, error) {
		start, end := h.Ports.Range()
		if f.Start > 0 {
			start = f.Start
		}
		if f.End > 0 {
			end = f.End
		}
		return h.Ports.FindNAvailable(ctx, f.Count, start, end)
	})
}

func (c *command) Inspect(cmd *cobra.Command, portArg string) error {
	port, err := parsePort(portArg)
	if err != nil {
		return err
	}
	return c.with(cmd, func(ctx context.Context, h *appstack.Host) (any, error) {
		return h.Ports.Inspect(port), nil
	})
}

func (c *command) Reservations(cmd *cobra.Command) error {
	return c.with(cmd, func(ctx context.Context, h *appstack.Host) (any, error) {
		m := h.Ports.Reservations()
		out := make([]reservation, 0, len(m))
		for p, o := range m {
			out = append(out, reservation{Port: p, Owner: o})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
		return out, nil
	})
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(s)
	if err != nil || p < 1 || p > 65535 {
		return 0, fmt.Errorf("invalid port %q: must be 1-65535", s)
	}
	return p, nil
}
