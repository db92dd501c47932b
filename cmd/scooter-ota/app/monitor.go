package app

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/librescoot/scooter-ota/cmd/scooter-ota/app/options"
	"github.com/librescoot/scooter-ota/pkg/event"
	"github.com/librescoot/scooter-ota/pkg/session"
)

func newMonitorCommand(opts *options.Options) *cobra.Command {
	return &cobra.Command{
		Use:   "monitor <device-id>",
		Short: "Connect to a controller and print its telemetry",
		Long: `Connect to a controller, wait until it has identified itself and print
telemetry until interrupted. With --redis.addr set the telemetry is mirrored
to redis hashes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			g, ctx := errgroup.WithContext(cmd.Context())
			if err := rt.startBackground(ctx, g); err != nil {
				return errors.Join(err, g.Wait())
			}

			sub := rt.bus.Subscribe(event.TopicConnection, event.TopicTelemetry, event.TopicWarning)
			g.Go(func() error {
				defer rt.bus.Unsubscribe(sub)

				st, err := rt.connect(ctx, args[0])
				if err != nil {
					return err
				}
				printIdentity(cmd.OutOrStdout(), st)

				err = await(ctx, sub, func(ev event.Event) (bool, error) {
					printEvent(cmd.OutOrStdout(), ev)
					if d, ok := ev.(event.Disconnected); ok && !d.Expected {
						return true, errDisconnected
					}
					return false, nil
				})
				rt.sess.Disconnect()
				if errors.Is(err, ctx.Err()) && cmd.Context().Err() != nil {
					return nil
				}
				return err
			})
			return g.Wait()
		},
	}
}

func printIdentity(out io.Writer, st session.State) {
	fmt.Fprintf(out, "connected to %s (%s)\n", st.DeviceName, st.DeviceID)
	if v := st.Version; v != nil {
		fmt.Fprintf(out, "  serial:   %s\n", st.Serial())
		fmt.Fprintf(out, "  hardware: %s\n", v.HardwareVersion)
		fmt.Fprintf(out, "  software: %s\n", v.SoftwareVersion)
	}
}

func printEvent(out io.Writer, ev event.Event) {
	switch e := ev.(type) {
	case event.RunningData:
		r := e.Info
		fmt.Fprintf(out, "running  speed=%.1fkm/h gear=%d rpm=%d motor=%dC controller=%dC fault=0x%04X\n",
			r.SpeedKmh, r.Gear, r.RPM, r.MotorTempC, r.ControllerTempC, r.FaultCode)
	case event.BMSData:
		b := e.Info
		fmt.Fprintf(out, "battery  %.2fV %.2fA soc=%d%% health=%d%% cycles=%d temp=%dC\n",
			b.VoltageV, b.CurrentA, b.SOC, b.Health, b.Cycles, b.TempC)
	case event.ConfigReceived:
		c := e.Config
		fmt.Fprintf(out, "config   speed-limit=%dkm/h gears=%d light=%d metric=%t auto-off=%dmin\n",
			c.SpeedLimitKmh, c.GearCount, c.LightMode, c.MetricUnits, c.AutoOffMinutes)
	case event.Disconnected:
		fmt.Fprintln(out, "disconnected")
	case event.Warning:
		fmt.Fprintf(out, "warning  %s\n", e)
	}
}
