// Package cli implements the zanj command line.
package cli

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/justapithecus/zanj/internal/version"
	"github.com/justapithecus/zanj/zanj"
	zanjs3 "github.com/justapithecus/zanj/zanj/s3"
)

// app carries state shared by every subcommand.
type app struct {
	logLevel   string
	configPath string
	logger     *slog.Logger

	s3 zanjs3.ClientConfig

	// newS3Client builds the client for s3:// locations.
	newS3Client func(ctx context.Context, cfg zanjs3.ClientConfig) (zanjs3.API, error)
}

func newApp() *app {
	return &app{
		logger: slog.New(slog.DiscardHandler),
		newS3Client: func(ctx context.Context, cfg zanjs3.ClientConfig) (zanjs3.API, error) {
			return zanjs3.NewClient(ctx, cfg)
		},
	}
}

// NewRootCmd creates the root command with every subcommand attached.
func NewRootCmd() *cobra.Command {
	return newRootCmd(newApp())
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "zanj",
		Short: "zanj - read and write ZANJ array containers",
		Long: `zanj reads and writes ZANJ containers: a JSON root document with small
arrays inlined and large arrays stored as separate .npy blobs, packed as a
zip archive (.zanj) or laid out as a plain directory.

Use subcommands to perform different operations:
  - pack / unpack / publish: move containers between archives, directories and S3
  - inspect / verify / export: read containers
  - demo / fixtures: write sample containers`,
		Version:       version.GetInfo(zanj.FormatVersion).Full(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(cmd.ErrOrStderr(), a.logLevel)
			if err != nil {
				return err
			}
			a.logger = logger
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flags.StringVar(&a.configPath, "config", "", "YAML file with writer settings")
	flags.StringVar((*string)(&a.s3.Backend), "s3-backend", "", "S3 preset for s3:// locations (aws, localstack, minio)")
	flags.StringVar(&a.s3.Region, "s3-region", "", "S3 region for s3:// locations")
	flags.StringVar(&a.s3.Endpoint, "s3-endpoint", "", "S3 endpoint URL for s3:// locations")
	flags.BoolVar(&a.s3.UsePathStyle, "s3-path-style", false, "Use path-style S3 addressing")

	groupContainers := "containers"
	groupSamples := "samples"
	rootCmd.AddGroup(&cobra.Group{ID: groupContainers, Title: "Container Operations"})
	rootCmd.AddGroup(&cobra.Group{ID: groupSamples, Title: "Sample Data"})

	for _, cmd := range []*cobra.Command{
		newPackCmd(a),
		newUnpackCmd(a),
		newPublishCmd(a),
		newInspectCmd(a),
		newVerifyCmd(a),
		newExportCmd(a),
	} {
		cmd.GroupID = groupContainers
		rootCmd.AddCommand(cmd)
	}
	for _, cmd := range []*cobra.Command{newDemoCmd(a), newFixturesCmd(a)} {
		cmd.GroupID = groupSamples
		rootCmd.AddCommand(cmd)
	}
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}
