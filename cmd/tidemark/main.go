// tidemark is the telemetry platform daemon and its admin CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tidemark-io/tidemark/internal/errors"
)

// Exit codes for scripting: 2 config, 3 auth, 4 not found, 5 conflict.
const (
	exitConfig   = 2
	exitAuth     = 3
	exitNotFound = 4
	exitConflict = 5
)

var configFile string

func main() {
	root := &cobra.Command{
		Use:           "tidemark",
		Short:         "Multi-tenant telemetry ingestion and alerting platform",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to config file")

	root.AddCommand(startCommand())
	root.AddCommand(drainCommand())
	root.AddCommand(retentionCommand())
	root.AddCommand(alertsCommand())
	root.AddCommand(deviceCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch errors.KindOf(err) {
	case errors.KindValidationFailed:
		return exitConfig
	case errors.KindUnauthenticated, errors.KindForbidden:
		return exitAuth
	case errors.KindNotFound:
		return exitNotFound
	case errors.KindConflict:
		return exitConflict
	default:
		return 1
	}
}
