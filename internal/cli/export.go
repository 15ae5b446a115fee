package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/justapithecus/zanj/internal/export"
	"github.com/justapithecus/zanj/zanj"
)

func newExportCmd(a *app) *cobra.Command {
	var compression string

	cmd := &cobra.Command{
		Use:   "export CONTAINER KEY OUTPUT.parquet",
		Short: "Export one array as a Parquet table",
		Long: `Export the rank 1 or rank 2 array at KEY (dot separated) as a Parquet
file with one row per leading index and columns c0, c1, ... Only the blobs
on the key path are read.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			comp, err := export.ParseCompression(compression)
			if err != nil {
				return err
			}
			src, err := a.open(ctx, args[0])
			if err != nil {
				return err
			}
			defer func() { _ = src.Close() }()

			root, err := src.Load(ctx)
			if err != nil {
				return err
			}
			v, err := zanj.Lookup(ctx, root, splitKeys(args[1])...)
			if err != nil {
				return err
			}
			arr, ok := v.(*zanj.Array)
			if !ok {
				return fmt.Errorf("%s is %T, not an array", args[1], v)
			}
			if err := writeOutput(args[2], func(w io.Writer) error {
				return export.WriteParquet(w, arr, comp)
			}); err != nil {
				return err
			}
			a.logger.Info("exported array", "key", args[1], "dtype", arr.DType.String(), "shape", arr.Shape, "output", args[2])
			return nil
		},
	}
	cmd.Flags().StringVar(&compression, "parquet-compression", string(export.CompressionSnappy), "Parquet page compression (none, snappy, zstd)")
	return cmd
}

// writeOutput creates path and fills it, removing it again on failure.
func writeOutput(path string, fill func(w io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := fill(f); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return err
	}
	return f.Close()
}
