package app

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/librescoot/scooter-ota/cmd/scooter-ota/app/options"
	"github.com/librescoot/scooter-ota/pkg/event"
	"github.com/librescoot/scooter-ota/pkg/transport"
)

func newScanCommand(opts *options.Options) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "List controllers in range",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := newRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			devices, err := rt.scan(cmd.Context())
			if err != nil {
				return err
			}
			printDevices(cmd.OutOrStdout(), devices)
			return nil
		},
	}
}

func (rt *runtime) scan(ctx context.Context) ([]transport.Device, error) {
	sub := rt.bus.Subscribe(event.TopicConnection)
	defer rt.bus.Unsubscribe(sub)

	timeout := rt.opts.Transport.ScanTimeout
	if err := rt.sess.StartScan(ctx, timeout); err != nil {
		return nil, err
	}

	// the transport reports once the scan window closes
	ctx, cancel := context.WithTimeout(ctx, timeout+5*time.Second)
	defer cancel()

	var devices []transport.Device
	err := await(ctx, sub, func(ev event.Event) (bool, error) {
		switch e := ev.(type) {
		case event.DevicesFound:
			devices = e.Devices
			return true, nil
		case event.ScanFailed:
			return true, fmt.Errorf("scan failed: %w", e.Err)
		}
		return false, nil
	})
	return devices, err
}

func printDevices(out io.Writer, devices []transport.Device) {
	if len(devices) == 0 {
		fmt.Fprintln(out, "no controllers found")
		return
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tRSSI")
	for _, d := range devices {
		fmt.Fprintf(w, "%s\t%s\t%d\n", d.ID, d.Name, d.RSSI)
	}
	_ = w.Flush()
}
