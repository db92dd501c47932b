package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/librescoot/scooter-ota/cmd/scooter-ota/app/options"
	"github.com/librescoot/scooter-ota/pkg/event"
	"github.com/librescoot/scooter-ota/pkg/recorder"
	"github.com/librescoot/scooter-ota/pkg/updater"
)

type updateOptions struct {
	authorized []string
	firmwareID string
	dryRun     bool
}

func newUpdateCommand(opts *options.Options) *cobra.Command {
	uo := &updateOptions{}
	cmd := &cobra.Command{
		Use:   "update <device-id>",
		Short: "Push a firmware image to a controller",
		Long: `Connect to a controller, check its serial against --authorized and the
catalog, then upload the newest firmware for its hardware version or the
image chosen with --firmware-id.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(uo.authorized) == 0 {
				return errors.New("--authorized must list at least one serial number")
			}
			return runUpdate(cmd.Context(), cmd.OutOrStdout(), opts, uo, args[0])
		},
	}
	cmd.Flags().StringSliceVar(&uo.authorized, "authorized", nil, "Serial numbers allowed to receive firmware.")
	cmd.Flags().StringVar(&uo.firmwareID, "firmware-id", "", "Catalog id of the image to upload. Defaults to the newest one.")
	cmd.Flags().BoolVar(&uo.dryRun, "dry-run", false, "Verify the controller and download the image without uploading it.")
	return cmd
}

// syncWriter serializes the progress printer and the command's own output.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func runUpdate(ctx context.Context, out io.Writer, opts *options.Options, uo *updateOptions, deviceID string) error {
	out = &syncWriter{w: out}

	catalog, closeCatalog, err := openCatalog(ctx, opts)
	if err != nil {
		return err
	}
	defer closeCatalog()

	rt, err := newRuntime(ctx, opts)
	if err != nil {
		return err
	}
	defer rt.Close()

	var rec updater.Recorder
	if rt.redis != nil {
		rec = recorder.New(rt.redis, recorder.WithLogger(rt.logger))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	if err := rt.startBackground(gctx, g); err != nil {
		cancel()
		return errors.Join(err, g.Wait())
	}

	progress := rt.bus.Subscribe(event.TopicUpload, event.TopicWarning)
	g.Go(func() error {
		defer rt.bus.Unsubscribe(progress)
		return printProgress(gctx, out, progress)
	})

	orch := updater.New(rt.sess, catalog, rec, updater.Config{
		Publisher:     rt.bus,
		Logger:        rt.logger,
		UploadOptions: opts.Upload.EngineOptions(),
	})
	err = update(gctx, out, rt, orch, uo, deviceID)
	rt.sess.Disconnect()

	cancel()
	return errors.Join(err, g.Wait())
}

func update(ctx context.Context, out io.Writer, rt *runtime, orch *updater.Orchestrator, uo *updateOptions, deviceID string) error {
	st, err := rt.connect(ctx, deviceID)
	if err != nil {
		return err
	}
	printIdentity(out, st)

	sc, err := orch.VerifyDevice(ctx, uo.authorized)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "scooter %s (%s)\n", sc.ID, sc.Name)

	recommended, list, err := orch.LoadFirmware(ctx)
	if err != nil {
		return err
	}
	target := recommended
	if uo.firmwareID != "" {
		found := false
		for _, fw := range list {
			if fw.ID == uo.firmwareID {
				target, found = fw, true
				break
			}
		}
		if !found {
			return fmt.Errorf("firmware %s is not available for this controller", uo.firmwareID)
		}
	}

	if err := orch.SelectFirmware(ctx, target); err != nil {
		return err
	}
	fmt.Fprintf(out, "firmware %s %s (%d bytes)\n", target.ID, target.Version, target.Size)
	if uo.dryRun {
		return nil
	}

	res, err := orch.StartUpdate(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "update completed in %s, %d retries\n", res.Duration.Round(time.Millisecond), res.Retries)
	return nil
}

func printProgress(ctx context.Context, out io.Writer, sub <-chan any) error {
	last := -1
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub:
			if !ok {
				return nil
			}
			switch e := msg.(type) {
			case event.UploadProgress:
				if e.Percent != last {
					last = e.Percent
					fmt.Fprintf(out, "\rupload %3d%% %d/%d", e.Percent, e.BytesSent, e.TotalBytes)
				}
			case event.UploadLog:
				fmt.Fprintf(out, "\n%s", e.Message)
			case event.UploadCompleted, event.UploadFailed, event.UploadCancelled:
				fmt.Fprintln(out)
			case event.Warning:
				fmt.Fprintf(out, "\nwarning: %s", e)
			}
		}
	}
}
