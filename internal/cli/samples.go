package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/justapithecus/zanj/internal/fixture"
	"github.com/justapithecus/zanj/zanj"
)

func newDemoCmd(a *app) *cobra.Command {
	o := fixture.DefaultDemoOptions()

	cmd := &cobra.Command{
		Use:   "demo DIR",
		Short: "Write the unzipped demo container",
		Long: `Write a directory container holding an info.json document and a seeded
float32 array in big_array.npy, for trying out lazy loading.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := a.writerOptions(cmd, nil)
			if err != nil {
				return err
			}
			if err := fixture.WriteDemo(cmd.Context(), args[0], o, opts...); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Wrote demo to %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().IntVar(&o.Rows, "rows", o.Rows, "Rows in the demo array")
	cmd.Flags().IntVar(&o.Cols, "cols", o.Cols, "Columns in the demo array")
	cmd.Flags().Uint64Var(&o.Seed, "seed", o.Seed, "Random seed")
	return cmd
}

func newFixturesCmd(a *app) *cobra.Command {
	var (
		only        []string
		compression string
	)

	cmd := &cobra.Command{
		Use:   "fixtures DIR",
		Short: "Write the sample fixture containers",
		Long: `Write each fixture as DIR/<name>.zanj and unpack it into DIR/<name>/.
Fixtures: basic, all-formats, mixed, edge-cases, dtypes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			extra := []zanj.Option{zanj.WithLogger(a.logger)}
			if cmd.Flags().Changed("compression") {
				extra = append(extra, zanj.WithCompression(zanj.Compression(compression)))
			}

			set := fixture.All()
			if len(only) > 0 {
				set = set[:0:0]
				for _, name := range only {
					f, ok := fixture.Lookup(name)
					if !ok {
						return fmt.Errorf("unknown fixture %q", name)
					}
					set = append(set, f)
				}
			}
			for _, f := range set {
				if err := f.Write(cmd.Context(), args[0], extra...); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Generated %s\n", filepath.Join(args[0], f.Name+zanj.Extension))
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&only, "only", nil, "Write only these fixtures")
	cmd.Flags().StringVar(&compression, "compression", string(zanj.CompressionDeflate), "Archive entry compression (store, deflate, zstd)")
	return cmd
}
