package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tidemark-io/tidemark/internal/conf"
	"github.com/tidemark-io/tidemark/internal/core"
	"github.com/tidemark-io/tidemark/internal/errors"
	"github.com/tidemark-io/tidemark/internal/logger"
)

func defaultPIDFile() string {
	return filepath.Join(os.TempDir(), "tidemark.pid")
}

func startCommand() *cobra.Command {
	var pidFile string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the platform daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := conf.Load(configFile)
			if err != nil {
				return err
			}
			log, err := logger.New(settings.Log.Level)
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}
			runtime, err := core.NewRuntime(settings, log)
			if err != nil {
				return err
			}
			if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
				return fmt.Errorf("failed to write pid file %s: %w", pidFile, err)
			}
			defer os.Remove(pidFile)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runtime.Start(ctx)
		},
	}
	cmd.Flags().StringVar(&pidFile, "pidfile", defaultPIDFile(), "path to pid file")
	return cmd
}

// drainCommand signals a running daemon. The daemon's signal handler stops
// intake, flushes the pipeline, checkpoints, and exits.
func drainCommand() *cobra.Command {
	var pidFile string
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Ask the running daemon to drain and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := os.ReadFile(pidFile)
			if err != nil {
				return errors.Newf(errors.KindNotFound, "pid file %s not found; is the daemon running?", pidFile)
			}
			pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
			if err != nil {
				return errors.Newf(errors.KindValidationFailed, "malformed pid file %s", pidFile)
			}
			proc, err := os.FindProcess(pid)
			if err != nil {
				return errors.Newf(errors.KindNotFound, "process %d not found", pid)
			}
			if err := proc.Signal(syscall.SIGTERM); err != nil {
				return errors.Newf(errors.KindNotFound, "process %d is not running", pid)
			}
			fmt.Printf("drain signalled to pid %d\n", pid)
			return nil
		},
	}
	cmd.Flags().StringVar(&pidFile, "pidfile", defaultPIDFile(), "path to pid file")
	return cmd
}
