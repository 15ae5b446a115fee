package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/justapithecus/zanj/zanj"
	zanjs3 "github.com/justapithecus/zanj/zanj/s3"
)

// writeFlags are the settings for commands that write archives from an
// existing container. Flags override the --config file, which overrides
// defaults. Threshold and inline encoding were fixed when the container was
// serialized, so they are not flags here.
type writeFlags struct {
	compression string
}

func (f *writeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.compression, "compression", string(zanj.CompressionDeflate), "Archive entry compression (store, deflate, zstd)")
}

func (a *app) writerOptions(cmd *cobra.Command, f *writeFlags) ([]zanj.Option, error) {
	opts := []zanj.Option{zanj.WithLogger(a.logger)}
	if a.configPath != "" {
		cfg, err := zanj.LoadConfig(a.configPath)
		if err != nil {
			return nil, err
		}
		opts = append(opts, zanj.WithConfig(cfg))
	}
	if f != nil && cmd.Flags().Changed("compression") {
		opts = append(opts, zanj.WithCompression(zanj.Compression(f.compression)))
	}
	return opts, nil
}

func (a *app) readerOptions(extra ...zanj.Option) []zanj.Option {
	return append([]zanj.Option{zanj.WithLogger(a.logger)}, extra...)
}

// s3Store opens the store behind an s3://bucket/prefix location.
func (a *app) s3Store(ctx context.Context, loc string) (*zanjs3.Store, error) {
	cfg, err := zanjs3.ParseURL(loc)
	if err != nil {
		return nil, err
	}
	client, err := a.newS3Client(ctx, a.s3)
	if err != nil {
		return nil, err
	}
	return zanjs3.New(client, cfg)
}

// open opens a container at a local path (archive or directory) or at an
// s3:// location.
func (a *app) open(ctx context.Context, loc string, extra ...zanj.Option) (zanj.Source, error) {
	opts := a.readerOptions(extra...)
	if zanjs3.IsURL(loc) {
		store, err := a.s3Store(ctx, loc)
		if err != nil {
			return nil, err
		}
		return zanj.OpenStore(ctx, store, opts...)
	}
	src, err := zanj.Open(ctx, loc, opts...)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", loc, err)
	}
	return src, nil
}
