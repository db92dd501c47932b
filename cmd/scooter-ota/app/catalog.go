package app

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/librescoot/scooter-ota/cmd/scooter-ota/app/options"
	"github.com/librescoot/scooter-ota/pkg/store"
	"github.com/librescoot/scooter-ota/pkg/updater"
)

// openCatalog opens the sqlite catalog with the configured blob source.
func openCatalog(ctx context.Context, opts *options.Options) (*store.Catalog, func(), error) {
	var blobs store.BlobSource = store.NewDirSource(opts.Store.BlobDir)
	if opts.S3.Enabled() {
		s3, err := store.NewS3Source(opts.S3)
		if err != nil {
			return nil, nil, err
		}
		if err := s3.CheckBucket(ctx); err != nil {
			return nil, nil, err
		}
		blobs = s3
	}

	db, err := store.Open(ctx, opts.Store.Path)
	if err != nil {
		return nil, nil, err
	}
	return store.NewCatalog(db, blobs), func() { _ = db.Close() }, nil
}

func newCatalogCommand(opts *options.Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage authorized scooters and firmware images",
	}
	cmd.AddCommand(
		newAddScooterCommand(opts),
		newAddFirmwareCommand(opts),
		newListFirmwareCommand(opts),
	)
	return cmd
}

func newAddScooterCommand(opts *options.Options) *cobra.Command {
	var sc updater.Scooter
	cmd := &cobra.Command{
		Use:   "add-scooter <serial>",
		Short: "Register a scooter by controller serial number",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, closeCatalog, err := openCatalog(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeCatalog()

			sc.Serial = args[0]
			if sc.ID == "" {
				sc.ID = uuid.NewString()
			}
			if err := catalog.UpsertScooter(cmd.Context(), sc); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scooter %s registered as %s\n", sc.Serial, sc.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&sc.ID, "id", "", "Catalog id. Generated when empty.")
	cmd.Flags().StringVar(&sc.Name, "name", "", "Display name.")
	cmd.Flags().StringVar(&sc.Model, "model", "", "Scooter model.")
	return cmd
}

func newAddFirmwareCommand(opts *options.Options) *cobra.Command {
	var fw updater.Firmware
	cmd := &cobra.Command{
		Use:   "add-firmware <hardware-version> <version> <path>",
		Short: "Register a firmware image stored in the blob source",
		Long: `Register a firmware image. <path> is resolved against --store.blob-dir or
the S3 bucket; the image is read once to record its size.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			catalog, closeCatalog, err := openCatalog(ctx, opts)
			if err != nil {
				return err
			}
			defer closeCatalog()

			fw.HardwareVersion, fw.Version, fw.Path = args[0], args[1], args[2]
			image, err := catalog.Download(ctx, fw.Path)
			if err != nil {
				return err
			}
			if len(image) == 0 {
				return fmt.Errorf("firmware %s is empty", fw.Path)
			}
			fw.Size = int64(len(image))
			if fw.ID == "" {
				fw.ID = uuid.NewString()
			}
			fw.CreatedAt = time.Now()
			if err := catalog.UpsertFirmware(ctx, fw); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "firmware %s %s registered as %s (%d bytes)\n", fw.HardwareVersion, fw.Version, fw.ID, fw.Size)
			return nil
		},
	}
	cmd.Flags().StringVar(&fw.ID, "id", "", "Catalog id. Generated when empty.")
	cmd.Flags().StringVar(&fw.Notes, "notes", "", "Release notes.")
	return cmd
}

func newListFirmwareCommand(opts *options.Options) *cobra.Command {
	return &cobra.Command{
		Use:   "list-firmware <hardware-version>",
		Short: "List firmware for a hardware version, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, closeCatalog, err := openCatalog(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeCatalog()

			list, err := catalog.ListFirmware(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printFirmware(cmd.OutOrStdout(), list)
			return nil
		},
	}
}

func printFirmware(out io.Writer, list []updater.Firmware) {
	if len(list) == 0 {
		fmt.Fprintln(out, "no firmware registered")
		return
	}
	recommended, _ := updater.Recommend(list)
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tVERSION\tSIZE\tCREATED\tPATH\t")
	for _, fw := range list {
		mark := ""
		if fw.ID == recommended.ID {
			mark = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n", fw.ID, fw.Version, fw.Size, fw.CreatedAt.Format(time.DateTime), fw.Path, mark)
	}
	_ = w.Flush()
}
