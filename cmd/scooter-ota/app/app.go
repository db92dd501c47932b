// Package app wires the scooter-ota command line.
package app

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/librescoot/scooter-ota/cmd/scooter-ota/app/options"
	"github.com/librescoot/scooter-ota/pkg/log"
)

const commandDesc = `scooter-ota talks to scooter motor controllers over BLE or a USOCK
serial bridge. It scans for controllers, mirrors their telemetry and pushes
firmware updates from a catalog of authorized scooters.

Every flag can also be set in the YAML file given with --config or through
an environment variable, e.g. --redis.addr as SCOOTER_OTA_REDIS_ADDR.`

// NewCommand returns the root command. ctx is cancelled on SIGINT/SIGTERM.
func NewCommand(ctx context.Context) *cobra.Command {
	opts := options.NewOptions()
	cmd := &cobra.Command{
		Use:           "scooter-ota",
		Short:         "Scan, monitor and update scooter controllers",
		Long:          commandDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.Load(cmd.Flags()); err != nil {
				return err
			}
			if err := opts.Validate(); err != nil {
				return fmt.Errorf("invalid options: %w", err)
			}
			return log.Init(opts.Log)
		},
	}
	cmd.SetContext(ctx)
	opts.AddFlags(cmd.PersistentFlags())

	cmd.AddCommand(
		newScanCommand(opts),
		newMonitorCommand(opts),
		newUpdateCommand(opts),
		newCatalogCommand(opts),
		newRecordsCommand(opts),
	)
	cmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		return fmt.Errorf("%w\nRun '%s --help' for usage", err, c.CommandPath())
	})
	return cmd
}
