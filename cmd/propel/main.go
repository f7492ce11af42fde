package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/containerd/errdefs"
	"github.com/spf13/cobra"

	"github.com/supreme-majesty/propel/pkg/config"
	"github.com/supreme-majesty/propel/pkg/deploy"
	"github.com/supreme-majesty/propel/pkg/git"
)

var Version = "dev"

const dashes = "--------------------------------------------------------------------------------"

var (
	configPath string
	logLevel   string
	workDir    string
	silent     bool
)

var rootCmd = &cobra.Command{
	Use:     "propel",
	Short:   "Deploy Python web apps, PHP/HTML sites, scripts and workers",
	Long:    `Propel converges nginx, supervisord and a virtualenv to the propel.yml of the current directory.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if silent {
			return
		}
		fmt.Println(strings.Repeat("*", 80))
		fmt.Printf("Propel %s\n\n", Version)
	},
	SilenceUsage: true,
}

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Deploy sites, run scripts and workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		req := deploy.Request{}
		req.Websites, _ = cmd.Flags().GetBool("websites")
		req.Scripts, _ = cmd.Flags().GetStringSlice("scripts")
		req.Workers, _ = cmd.Flags().GetBool("workers")
		req.WithMaintenance, _ = cmd.Flags().GetBool("with-maintenance")
		if req.Empty() {
			return cmd.Help()
		}

		h, err := newHost(cmd.Context())
		if err != nil {
			return err
		}
		app, err := h.app()
		if err != nil {
			return err
		}
		if err := app.Deploy(cmd.Context(), req); err != nil {
			return err
		}
		return h.finish(app, req.Websites)
	},
}

var undeployCmd = &cobra.Command{
	Use:   "undeploy",
	Short: "Remove sites and workers, run the undeploy scripts and delete the virtualenv",
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := newHost(cmd.Context())
		if err != nil {
			return err
		}
		app, err := h.app()
		if err != nil {
			return err
		}
		if err := app.Undeploy(cmd.Context()); err != nil {
			return err
		}
		return h.finish(app, false)
	},
}

var maintenanceCmd = &cobra.Command{
	Use:       "maintenance on|off",
	Short:     "Serve the maintenance page on every site, or put them back",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := newHost(cmd.Context())
		if err != nil {
			return err
		}
		app, err := h.app()
		if err != nil {
			return err
		}

		switch args[0] {
		case "on":
			h.printf(":: MAINTENANCE PAGE ON ::\n")
			err = app.MaintenanceOn(cmd.Context())
		case "off":
			h.printf(":: MAINTENANCE PAGE OFF ::\n")
			err = app.MaintenanceOff(cmd.Context())
		}
		if err != nil {
			return err
		}
		return h.finish(app, args[0] == "off")
	},
}

var reloadServerCmd = &cobra.Command{
	Use:   "reload-server",
	Short: "Reload nginx, php-fpm and supervisord",
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := newHost(cmd.Context())
		if err != nil {
			return err
		}
		h.printf("> Reloading server ...\n")
		return errors.Join(
			h.system.ReloadServices(cmd.Context()),
			h.supervisor.Reload(cmd.Context()),
		)
	},
}

var gitInitCmd = &cobra.Command{
	Use:   "git-init <repo>",
	Short: "Create a bare repo to push content to",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := newHost(cmd.Context())
		if err != nil {
			return err
		}
		g := git.New(h.dir, h.runner, h.logger)
		h.printf("> Creating Git Bare repo: %s ...\n", g.BareRepo(args[0]))
		created, err := g.InitBareRepo(cmd.Context(), args[0])
		if err != nil || !created {
			return err
		}
		return g.UpdatePostReceiveHook(args[0], "")
	},
}

var gitPushWebCmd = &cobra.Command{
	Use:   "git-push-web <repo>",
	Short: "Deploy the websites on every push to master",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := newHost(cmd.Context())
		if err != nil {
			return err
		}
		h.printf("> Setting WEB auto deploy on git push ...\n")
		return git.New(h.dir, h.runner, h.logger).UpdatePostReceiveHook(args[0], "propel deploy --websites")
	},
}

var gitPushCmdCmd = &cobra.Command{
	Use:   "git-push-cmd <repo> <command>...",
	Short: "Run custom commands on every push to master",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := newHost(cmd.Context())
		if err != nil {
			return err
		}
		h.printf("> Setting custom CMD on git push ...\n")
		return git.New(h.dir, h.runner, h.logger).UpdatePostReceiveHook(args[0], strings.Join(args[1:], "; "))
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs <program>",
	Short: "Show the log of a supervised program",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := newHost(cmd.Context())
		if err != nil {
			return err
		}
		follow, _ := cmd.Flags().GetBool("follow")
		return h.supervisor.Tail(cmd.Context(), args[0], follow, os.Stdout)
	},
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Install nginx, php-fpm, supervisord and virtualenvwrapper on this host",
	RunE: func(cmd *cobra.Command, args []string) error {
		if os.Geteuid() != 0 {
			return fmt.Errorf("setup requires root privileges: %w", errdefs.ErrPermissionDenied)
		}
		h, err := newHost(cmd.Context())
		if err != nil {
			return err
		}
		h.printf("> Setting up %s host ...\n", h.system.Name())
		if err := h.system.Setup(cmd.Context()); err != nil {
			return fmt.Errorf("setup failed: %w", err)
		}
		h.printf("Propel is set up. Run 'propel deploy -w' in a project directory.\n")
		return nil
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Propel ERROR:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "Host config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "WARNING", "Log level: ERROR, WARNING, INFO, DEBUG or TRACE")
	rootCmd.PersistentFlags().StringVar(&workDir, "dir", "", "Project directory (default: current directory)")
	rootCmd.PersistentFlags().BoolVar(&silent, "silent", false, "Disable verbosity")

	rootCmd.AddCommand(deployCmd)
	deployCmd.Flags().BoolP("websites", "w", false, "Deploy all sites")
	deployCmd.Flags().StringSliceP("scripts", "s", nil, "Run script groups by name, ie: -s pre_web,post_web")
	deployCmd.Flags().BoolP("workers", "k", false, "Run workers")
	deployCmd.Flags().Bool("with-maintenance", false, "Put the sites in maintenance while deploying")

	rootCmd.AddCommand(undeployCmd)
	rootCmd.AddCommand(maintenanceCmd)
	rootCmd.AddCommand(reloadServerCmd)

	// Push to deploy
	rootCmd.AddCommand(gitInitCmd)
	rootCmd.AddCommand(gitPushWebCmd)
	rootCmd.AddCommand(gitPushCmdCmd)

	rootCmd.AddCommand(logsCmd)
	logsCmd.Flags().BoolP("follow", "f", false, "Keep printing new lines")

	rootCmd.AddCommand(setupCmd)
}
