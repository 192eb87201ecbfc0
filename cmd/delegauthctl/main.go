// Command delegauthctl drives a delegated session from the shell.
//
// State lives in a YAML file under ~/.delegauth by default, so a login in one invocation
// is visible to the next. The primary token comes from --primary-token or the
// DELEGAUTH_PRIMARY_TOKEN environment variable; a .env file in the working directory is
// loaded first.
//
// Run:
//
//	delegauthctl login --base-url https://auth.example.com --primary-token "$IDP_TOKEN"
//	delegauthctl orgs list
//	delegauthctl orgs switch o2
//	delegauthctl call /me
//	delegauthctl logout
//
// Or, against an in-process backend and Redis:
//
//	delegauthctl demo
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: .env not loaded: %v\n", err)
	}
	os.Exit(execute(newRootCmd()))
}

func execute(root *cobra.Command) int {
	if err := root.Execute(); err != nil {
		fmt.Fprintf(root.ErrOrStderr(), "Error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:           "delegauthctl",
		Short:         "Exchange, refresh and inspect delegated sessions",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.resolve(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "YAML config file")
	flags.StringVar(&opts.baseURL, "base-url", "", "delegated-auth backend URL (env DELEGAUTH_BASE_URL)")
	flags.StringVar(&opts.statePath, "state", "", "state file (default ~/.delegauth/state.yaml)")
	flags.StringVar(&opts.primaryToken, "primary-token", "", "primary session token (env DELEGAUTH_PRIMARY_TOKEN)")
	flags.StringVarP(&opts.output, "output", "o", "text", "output format (text, json)")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flags.StringVar(&opts.logFile, "log-file", "", "log file, rotated (default ~/.delegauth/delegauthctl.log)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "also log to stderr")
	flags.BoolVar(&opts.printMetrics, "print-metrics", false, "print Prometheus metrics for this run to stderr")

	root.AddCommand(newLoginCmd(opts))
	root.AddCommand(newStatusCmd(opts))
	root.AddCommand(newRefreshCmd(opts))
	root.AddCommand(newOrgsCmd(opts))
	root.AddCommand(newCallCmd(opts))
	root.AddCommand(newLogoutCmd(opts))
	root.AddCommand(newDemoCmd(opts))
	return root
}
