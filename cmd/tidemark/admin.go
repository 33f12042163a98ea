package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/tidemark-io/tidemark/internal/conf"
	"github.com/tidemark-io/tidemark/internal/errors"
	"github.com/tidemark-io/tidemark/internal/logger"
	"github.com/tidemark-io/tidemark/internal/repository"
	"github.com/tidemark-io/tidemark/internal/retention"
	"github.com/tidemark-io/tidemark/internal/tsdb"
)

// openStore loads settings and connects to the configured store for the
// offline admin commands.
func openStore() (*conf.Settings, *gorm.DB, error) {
	settings, err := conf.Load(configFile)
	if err != nil {
		return nil, nil, err
	}
	db, err := repository.Open(settings.Store.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}
	return settings, db, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func retentionCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "retention", Short: "Retention administration"}

	var tenantID string
	run := &cobra.Command{
		Use:   "run <policy-id>",
		Short: "Execute a retention policy immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, db, err := openStore()
			if err != nil {
				return err
			}
			repo := repository.NewRetentionRepository(db)
			policy, err := repo.GetPolicy(cmd.Context(), tenantID, args[0])
			if err != nil {
				if errors.Is(err, repository.ErrPolicyNotFound) {
					return errors.New(errors.KindNotFound, "policy not found")
				}
				return err
			}
			runner := retention.NewRunner(settings.Retention, repo,
				tsdb.NewGormGateway(db), logger.NewNop())
			result, err := runner.Execute(cmd.Context(), policy)
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
	run.Flags().StringVar(&tenantID, "tenant", "", "tenant id (required)")
	_ = run.MarkFlagRequired("tenant")

	cmd.AddCommand(run)
	return cmd
}

func alertsCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "alerts", Short: "Alert administration"}

	var tenantID, state string
	list := &cobra.Command{
		Use:   "list",
		Short: "List a tenant's alerts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, db, err := openStore()
			if err != nil {
				return err
			}
			repo := repository.NewAlertRepository(db)
			alerts, _, err := repo.List(cmd.Context(), tenantID,
				repository.AlertFilter{State: state}, repository.Page{})
			if err != nil {
				return err
			}
			return printJSON(alerts)
		},
	}
	list.Flags().StringVar(&tenantID, "tenant", "", "tenant id (required)")
	list.Flags().StringVar(&state, "state", "", "filter by state")
	_ = list.MarkFlagRequired("tenant")

	cmd.AddCommand(list)
	return cmd
}

func deviceCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "device", Short: "Device administration"}

	var tenantID string
	rotate := &cobra.Command{
		Use:   "rotate-key <device-id>",
		Short: "Rotate a device's shared secret and print the new value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, err := openStore()
			if err != nil {
				return err
			}
			buf := make([]byte, 32)
			if _, err := rand.Read(buf); err != nil {
				return fmt.Errorf("failed to generate secret: %w", err)
			}
			secret := hex.EncodeToString(buf)
			repo := repository.NewDeviceRepository(db)
			if err := repo.RotateKey(cmd.Context(), tenantID, args[0], secret); err != nil {
				if errors.Is(err, repository.ErrDeviceNotFound) {
					return errors.New(errors.KindNotFound, "device not found")
				}
				return err
			}
			return printJSON(map[string]string{"device_id": args[0], "secret": secret})
		},
	}
	rotate.Flags().StringVar(&tenantID, "tenant", "", "tenant id (required)")
	_ = rotate.MarkFlagRequired("tenant")

	cmd.AddCommand(rotate)
	return cmd
}
