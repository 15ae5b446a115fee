package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/justapithecus/zanj/zanj"
)

func newPackCmd(a *app) *cobra.Command {
	var wf writeFlags

	cmd := &cobra.Command{
		Use:   "pack SOURCE ARCHIVE",
		Short: "Pack a directory container into a .zanj archive",
		Long: `Pack a directory container (a local directory or an s3:// location) into
a zip archive. The root document is the first entry. Blobs are copied as is;
--compression selects the zip method. Array placement and inline encoding
were fixed when the container was written and are not changed by packing.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			opts, err := a.writerOptions(cmd, &wf)
			if err != nil {
				return err
			}
			src, err := a.open(ctx, args[0])
			if err != nil {
				return err
			}
			defer func() { _ = src.Close() }()

			c, err := src.Container(ctx)
			if err != nil {
				return err
			}
			if err := zanj.PackFile(args[1], c, opts...); err != nil {
				return err
			}
			a.logger.Info("packed container", "source", args[0], "archive", args[1], "blobs", c.Blobs.Len())
			return nil
		},
	}
	wf.register(cmd)
	return cmd
}

func newUnpackCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "unpack ARCHIVE DIR",
		Short: "Extract a .zanj archive into a directory container",
		Long: `Extract a .zanj archive into DIR. Every entry name and reference is
checked before anything is written; an archive that would write outside DIR
is rejected. An existing container at DIR is replaced.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := zanj.UnpackToDirectory(cmd.Context(), args[0], args[1], a.readerOptions()...); err != nil {
				return err
			}
			a.logger.Info("unpacked container", "archive", args[0], "dir", args[1])
			return nil
		},
	}
}

func newPublishCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "publish SOURCE s3://BUCKET/PREFIX",
		Short: "Publish a container to S3 as a directory container",
		Long: `Publish a container (archive or directory) under an S3 prefix. Blobs are
written first and the root document last, so readers never see a partial
container. Existing objects are never overwritten.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			opts, err := a.writerOptions(cmd, nil)
			if err != nil {
				return err
			}
			src, err := a.open(ctx, args[0])
			if err != nil {
				return err
			}
			defer func() { _ = src.Close() }()

			c, err := src.Container(ctx)
			if err != nil {
				return err
			}
			store, err := a.s3Store(ctx, args[1])
			if err != nil {
				return err
			}
			if err := zanj.PublishToStore(ctx, store, c, opts...); err != nil {
				return fmt.Errorf("publish %s: %w", args[1], err)
			}
			a.logger.Info("published container", "source", args[0], "dest", args[1], "blobs", c.Blobs.Len())
			return nil
		},
	}
}
