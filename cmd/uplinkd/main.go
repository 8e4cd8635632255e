// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"grimm.is/uplink/cmd"
	"grimm.is/uplink/internal/brand"
	_ "grimm.is/uplink/internal/plugin/dhcp"
	_ "grimm.is/uplink/internal/plugin/static"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts cmd.RunOptions

	root := &cobra.Command{
		Use:   brand.BinaryName,
		Short: "Host connectivity daemon",
		Long: `uplinkd picks the best available connection, activates it and keeps
the local resolver, kernel routes and gateway firewall rules in step with
the facts reported by the connection and its traffic facilities.`,
		SilenceUsage: true,
		RunE: func(c *cobra.Command, args []string) error {
			return cmd.RunDaemon(opts)
		},
	}
	root.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", brand.DefaultConfigPath(), "configuration file")
	root.Flags().BoolVar(&opts.Debug, "debug", false, "enable debug logging")
	root.Flags().StringVar(&opts.MetricsListen, "metrics-listen", "", "serve Prometheus metrics on this address")
	root.Flags().BoolVar(&opts.NoPIDFile, "no-pidfile", false, "do not write a pid file")

	root.AddCommand(
		newValidateCmd(&opts),
		newRenderCmd(&opts),
		newReloadCmd(&opts),
		newStopCmd(),
		newVersionCmd(),
	)
	return root
}

func newValidateCmd(opts *cmd.RunOptions) *cobra.Command {
	var verbose bool
	c := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(c *cobra.Command, args []string) error {
			return cmd.RunConfigValidate(c.OutOrStdout(), opts.ConfigFile, cmd.ValidateOptions{Verbose: verbose})
		},
	}
	c.Flags().BoolVarP(&verbose, "verbose", "v", false, "print connections and facilities")
	return c
}

func newRenderCmd(opts *cmd.RunOptions) *cobra.Command {
	var timeout time.Duration
	c := &cobra.Command{
		Use:   "render CONNECTION",
		Short: "Print the resolver configuration and routes a connection would produce",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			return cmd.RunRender(ctx, c.OutOrStdout(), opts.ConfigFile, args[0])
		},
	}
	c.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "plugin activation timeout")
	return c
}

func newReloadCmd(opts *cmd.RunOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Validate the configuration and signal the daemon to reload it",
		RunE: func(c *cobra.Command, args []string) error {
			return cmd.RunReload(c.OutOrStdout(), opts.ConfigFile)
		},
	}
}

func newStopCmd() *cobra.Command {
	var timeout time.Duration
	c := &cobra.Command{
		Use:   "stop",
		Short: "Stop the running daemon",
		RunE: func(c *cobra.Command, args []string) error {
			return cmd.RunStop(c.OutOrStdout(), timeout)
		},
	}
	c.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "time to wait for shutdown")
	return c
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(c *cobra.Command, args []string) {
			fmt.Fprintf(c.OutOrStdout(), "%s %s\n", brand.BinaryName, brand.Version)
		},
	}
}
