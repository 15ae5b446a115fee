package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/justapithecus/zanj/zanj"
)

func newVerifyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify CONTAINER",
		Short: "Check references and blob checksums",
		Long: `Check that every reference in the root document resolves and, when the
container has a metadata sidecar, that every blob matches its recorded size
and checksum. All failures are reported.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			src, err := a.open(ctx, args[0])
			if err != nil {
				return err
			}
			defer func() { _ = src.Close() }()

			if err := src.Verify(ctx); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if meta := src.Meta(); meta != nil {
				_, _ = fmt.Fprintf(out, "ok: %d blobs match %s\n", len(meta.Blobs), zanj.MetaPath)
				return nil
			}
			_, _ = fmt.Fprintf(out, "ok: references resolve (no %s)\n", zanj.MetaPath)
			return nil
		},
	}
}
