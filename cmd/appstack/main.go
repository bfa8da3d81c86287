package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loykin/appstack"
)

func main() {
	if err := buildRoot(appstack.Options{}).Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every subcommand
type GlobalFlags struct {
	ConfigPath string
}

// AllocateFlags holds flags for ports allocate
type AllocateFlags struct {
	Owner    string
	Web      int
	Database int
	Cache    int
	Custom   int
}

// FindFlags holds flags for ports find
type FindFlags struct {
	Start int
	End   int
	Count int
}

// ServeFlags holds flags for serve
type ServeFlags struct {
	Listen string
}

func buildRoot(opts appstack.Options) *cobra.Command {
	globalFlags := &GlobalFlags{}
	c := &command{flags: globalFlags, opts: opts}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createInstallCommand(c),
		createUninstallCommand(c),
		createRecoverCommand(c),
		createAppsCommand(c),
		createServiceCommand(c),
		createPortsCommand(c),
		createServeCommand(c),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "appstack",
		Short: "Local service and port orchestration",
		Long: `appstack installs packaged web applications, supervises the local
services they depend on and hands out non-conflicting ports.

Examples:
  appstack install ./shop.zip
  appstack service restart nginx
  appstack ports allocate --owner=dev --web=2
  appstack serve --config=/etc/appstack/appstack.toml`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

func createInstallCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "install <archive>",
		Short: "Install an application package",
		Long: `Install an application from a .zip, .tar.gz or .tar package containing an
appstack.yaml manifest. On failure every acquired resource is released.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Install(cmd, args[0])
		},
	}
}

func createUninstallCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall <id>",
		Short: "Remove an installed application and everything it holds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Uninstall(cmd, args[0])
		},
	}
}

func createRecoverCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Roll back installs interrupted by a crash",
		Long: `Roll back installs the journal shows as unfinished. Installs still owned
by a running appstack process (a serve daemon or another CLI) are skipped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Recover(cmd)
		},
	}
}

func createAppsCommand(c *command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apps",
		Short: "Inspect installed applications",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List installed applications",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.ListApps(cmd)
			},
		},
		&cobra.Command{
			Use:   "show <id>",
			Short: "Show one application record",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.ShowApp(cmd, args[0])
			},
		},
	)
	return cmd
}

func createServiceCommand(c *command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Control catalog services",
		Long: `Start, stop, restart and inspect the services declared in the catalog.

Examples:
  appstack service list
  appstack service status
  appstack service restart php-fpm`,
	}
	action := func(use, short string, fn func(*cobra.Command, string) error) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <name>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return fn(cmd, args[0])
			},
		}
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List catalog services",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.ListServices(cmd)
			},
		},
		&cobra.Command{
			Use:   "status [name]",
			Short: "Show live status of one or every service",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				name := ""
				if len(args) == 1 {
					name = args[0]
				}
				return c.ServiceStatus(cmd, name)
			},
		},
		action("start", "Start a service", c.StartService),
		action("stop", "Stop a service", c.StopService),
		action("restart", "Restart a service", c.RestartService),
	)
	return cmd
}

func createPortsCommand(c *command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ports",
		Short: "Allocate, release and inspect ports",
	}
	allocFlags := &AllocateFlags{}
	alloc := &cobra.Command{
		Use:   "allocate",
		Short: "Reserve ports by category",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Allocate(cmd, *allocFlags)
		},
	}
	alloc.Flags().StringVar(&allocFlags.Owner, "owner", "", "owner recorded with the reservation (required)")
	alloc.Flags().IntVar(&allocFlags.Web, "web", 0, "web ports")
	alloc.Flags().IntVar(&allocFlags.Database, "database", 0, "database ports")
	alloc.Flags().IntVar(&allocFlags.Cache, "cache", 0, "cache ports")
	alloc.Flags().IntVar(&allocFlags.Custom, "custom", 0, "other ports")
	if err := alloc.MarkFlagRequired("owner"); err != nil {
		panic(err)
	}

	var releaseOwner string
	release := &cobra.Command{
		Use:   "release <port>",
		Short: "Release one reserved port",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Release(cmd, args[0], releaseOwner)
		},
	}
	release.Flags().StringVar(&releaseOwner, "owner", "", "only release when held by this owner")

	var releaseAllOwner string
	releaseAll := &cobra.Command{
		Use:   "release-all",
		Short: "Release every port held by an owner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.ReleaseAll(cmd, releaseAllOwner)
		},
	}
	releaseAll.Flags().StringVar(&releaseAllOwner, "owner", "", "owner (required)")
	if err := releaseAll.MarkFlagRequired("owner"); err != nil {
		panic(err)
	}

	findFlags := &FindFlags{}
	find := &cobra.Command{
		Use:   "find",
		Short: "Show free ports without reserving them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Find(cmd, *findFlags)
		},
	}
	find.Flags().IntVar(&findFlags.Start, "start", 0, "range start (default: configured range)")
	find.Flags().IntVar(&findFlags.End, "end", 0, "range end (default: configured range)")
	find.Flags().IntVar(&findFlags.Count, "count", 1, "number of ports")

	cmd.AddCommand(
		alloc,
		release,
		releaseAll,
		find,
		&cobra.Command{
			Use:   "inspect <port>",
			Short: "Show reservation, pin and bind state of a port",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.Inspect(cmd, args[0])
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List reserved ports",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.Reservations(cmd)
			},
		},
	)
	return cmd
}

func createServeCommand(c *command) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the appstack daemon with its HTTP API",
		Long: `Run as a daemon: interrupted installs are rolled back, the service catalog
is reconciled and the HTTP API is served until SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Serve(cmd, *serveFlags)
		},
	}
	cmd.Flags().StringVar(&serveFlags.Listen, "listen", "", "override [server].listen")
	return cmd
}
