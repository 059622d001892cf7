package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/MrSnakeDoc/httpdsync/internal/app"
	"github.com/MrSnakeDoc/httpdsync/internal/version"
)

var (
	rootCmd = &cobra.Command{
		Use:           "httpdsync",
		Short:         "Converge this host's Apache instances to the desired state",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the agent: convergence passes, change feeds and the admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New()
			if err != nil {
				return err
			}
			return a.Run()
		},
	}

	// --- Admin API clients
	siteCmd = &cobra.Command{
		Use:   "site",
		Short: "Start or stop the daemons of one site",
	}
	siteStartCmd = &cobra.Command{
		Use:   "start <site>",
		Short: "Start a site's daemons through the running agent",
		Args:  cobra.ExactArgs(1),
		RunE:  runSiteOp("start"),
	}
	siteStopCmd = &cobra.Command{
		Use:   "stop <site>",
		Short: "Stop a site's daemons through the running agent",
		Args:  cobra.ExactArgs(1),
		RunE:  runSiteOp("stop"),
	}
	reconcileCmd = &cobra.Command{
		Use:   "reconcile",
		Short: "Ask the running agent for a convergence pass",
		Args:  cobra.NoArgs,
		RunE:  runReconcile,
	}

	// --- Local
	planCmd = &cobra.Command{
		Use:   "plan",
		Short: "Print the configuration files a pass would write, without applying them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.Plan(cmd.Context(), cmd.OutOrStdout())
		},
	}
	notifyCmd = &cobra.Command{
		Use:   "notify [table]",
		Short: "Publish a desired-state change to every agent",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			table := "state"
			if len(args) == 1 {
				table = args[0]
			}
			return app.Notify(cmd.Context(), table)
		},
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Banner())
		},
	}
)

func init() {
	siteCmd.AddCommand(siteStartCmd, siteStopCmd)
	rootCmd.AddCommand(serveCmd, siteCmd, reconcileCmd, planCmd, notifyCmd, versionCmd)
	rootCmd.SetErr(os.Stderr)
}
