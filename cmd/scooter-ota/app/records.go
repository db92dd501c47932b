package app

import (
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/librescoot/scooter-ota/cmd/scooter-ota/app/options"
	"github.com/librescoot/scooter-ota/pkg/log"
	"github.com/librescoot/scooter-ota/pkg/recorder"
	"github.com/librescoot/scooter-ota/pkg/redis"
)

var errNoRedis = errors.New("upload records need --redis.addr")

func newRecordsCommand(opts *options.Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "records",
		Short: "Inspect upload records kept in redis",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get <record-id>",
		Short: "Print one upload record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := openRedis(cmd, opts)
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			fields, err := recorder.Get(cmd.Context(), client, args[0])
			if err != nil {
				return err
			}
			keys := make([]string, 0, len(fields))
			for k := range fields {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(cmd.OutOrStdout(), "%-18s %s\n", k+":", fields[k])
			}
			return nil
		},
	}, &cobra.Command{
		Use:   "watch",
		Short: "Print upload status changes as they happen",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := openRedis(cmd, opts)
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			msgs, unsubscribe := client.Subscribe(cmd.Context(), recorder.Channel)
			defer unsubscribe()
			for {
				select {
				case <-cmd.Context().Done():
					return nil
				case msg, ok := <-msgs:
					if !ok {
						return nil
					}
					id, status, ok := recorder.ParseMessage(msg.Payload)
					if !ok {
						log.Warn("ignoring malformed record message", "payload", msg.Payload)
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", id, status)
				}
			}
		},
	})
	return cmd
}

func openRedis(cmd *cobra.Command, opts *options.Options) (*redis.Client, error) {
	if !opts.Redis.Enabled() {
		return nil, errNoRedis
	}
	return redis.New(cmd.Context(), opts.Redis, log.Std())
}
