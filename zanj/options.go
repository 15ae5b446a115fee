package zanj

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// DefaultThreshold is the default external_array_threshold, in elements.
const DefaultThreshold = 256

// Config holds the knobs that drive a write.
//
// Config values are passed to each call; there is no package-level default
// that callers can mutate.
type Config struct {
	// InternalArrayMode is the preferred inline encoding.
	InternalArrayMode InlineEncoding `yaml:"internal_array_mode" json:"internal_array_mode"`

	// ExternalArrayThreshold is the largest element count that is still
	// inlined. Arrays with more elements are written as separate blobs.
	ExternalArrayThreshold int `yaml:"external_array_threshold" json:"external_array_threshold"`

	// Compression selects the zip method for archive entries.
	Compression Compression `yaml:"compression" json:"compression,omitempty"`
}

// DefaultConfig returns list encoding, a threshold of 256 elements and
// deflate compression.
func DefaultConfig() Config {
	return Config{
		InternalArrayMode:      EncodingListMeta,
		ExternalArrayThreshold: DefaultThreshold,
		Compression:            CompressionDeflate,
	}
}

// Validate checks that every field holds a supported value.
func (c Config) Validate() error {
	if _, err := ParseInlineEncoding(string(c.InternalArrayMode)); err != nil {
		return err
	}
	if c.ExternalArrayThreshold < 0 {
		return fmt.Errorf("zanj: external_array_threshold must be >= 0, got %d", c.ExternalArrayThreshold)
	}
	if _, err := NewCompressor(c.Compression); err != nil {
		return err
	}
	return nil
}

// LoadConfig reads a YAML config file. Fields absent from the file keep
// their DefaultConfig values; unknown fields are an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	f, err := os.Open(path)
	if err != nil {
		return cfg, ioErr("open config", path, err)
	}
	defer closer(f)()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("zanj: parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("zanj: config %s: %w", path, err)
	}
	return cfg, nil
}

// -----------------------------------------------------------------------------
// Options
// -----------------------------------------------------------------------------

// writerConfig holds the resolved configuration for a write.
type writerConfig struct {
	Config
	logger *slog.Logger
}

// readerConfig holds the resolved configuration for a read.
type readerConfig struct {
	logger *slog.Logger
	eager  bool
	verify bool
}

// Option configures a write (Serialize, Pack, Save, SaveDir, ...) or a read
// (OpenArchive, OpenDirectory, ...). Using an option with a call it does not
// apply to returns an error.
type Option interface {
	applyWriter(*writerConfig) error
	applyReader(*readerConfig) error
}

// ErrOptionNotValidForReader indicates a write-only option passed to a read.
var ErrOptionNotValidForReader = errors.New("option not valid for reader")

// ErrOptionNotValidForWriter indicates a read-only option passed to a write.
var ErrOptionNotValidForWriter = errors.New("option not valid for writer")

func newWriterConfig(opts []Option) (*writerConfig, error) {
	cfg := &writerConfig{Config: DefaultConfig(), logger: discardLogger()}
	for _, opt := range opts {
		if err := opt.applyWriter(cfg); err != nil {
			return nil, fmt.Errorf("zanj: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newReaderConfig(opts []Option) (*readerConfig, error) {
	cfg := &readerConfig{logger: discardLogger()}
	for _, opt := range opts {
		if err := opt.applyReader(cfg); err != nil {
			return nil, fmt.Errorf("zanj: %w", err)
		}
	}
	return cfg, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// configOption implements Option for WithConfig (writer-only).
type configOption struct {
	cfg Config
}

// WithConfig replaces the whole write configuration.
func WithConfig(cfg Config) Option {
	return &configOption{cfg: cfg}
}

func (o *configOption) applyWriter(cfg *writerConfig) error {
	cfg.Config = o.cfg
	return nil
}

func (o *configOption) applyReader(*readerConfig) error {
	return fmt.Errorf("WithConfig: %w", ErrOptionNotValidForReader)
}

// arrayModeOption implements Option for WithArrayMode (writer-only).
type arrayModeOption struct {
	mode InlineEncoding
}

// WithArrayMode sets the preferred inline encoding.
// Default: EncodingListMeta.
func WithArrayMode(mode InlineEncoding) Option {
	return &arrayModeOption{mode: mode}
}

func (o *arrayModeOption) applyWriter(cfg *writerConfig) error {
	cfg.InternalArrayMode = o.mode
	return nil
}

func (o *arrayModeOption) applyReader(*readerConfig) error {
	return fmt.Errorf("WithArrayMode: %w", ErrOptionNotValidForReader)
}

// thresholdOption implements Option for WithThreshold (writer-only).
type thresholdOption struct {
	n int
}

// WithThreshold sets the largest element count that stays inline.
// Default: DefaultThreshold.
func WithThreshold(n int) Option {
	return &thresholdOption{n: n}
}

func (o *thresholdOption) applyWriter(cfg *writerConfig) error {
	cfg.ExternalArrayThreshold = o.n
	return nil
}

func (o *thresholdOption) applyReader(*readerConfig) error {
	return fmt.Errorf("WithThreshold: %w", ErrOptionNotValidForReader)
}

// compressionOption implements Option for WithCompression (writer-only).
type compressionOption struct {
	c Compression
}

// WithCompression sets the zip method for archive entries.
// Default: CompressionDeflate. Directory containers ignore it.
func WithCompression(c Compression) Option {
	return &compressionOption{c: c}
}

func (o *compressionOption) applyWriter(cfg *writerConfig) error {
	cfg.Compression = o.c
	return nil
}

func (o *compressionOption) applyReader(*readerConfig) error {
	return fmt.Errorf("WithCompression: %w", ErrOptionNotValidForReader)
}

// loggerOption implements Option for WithLogger.
type loggerOption struct {
	logger *slog.Logger
}

// WithLogger sets the logger for debug records about placement decisions
// and blob traffic. Default: discard.
func WithLogger(l *slog.Logger) Option {
	return &loggerOption{logger: l}
}

func (o *loggerOption) applyWriter(cfg *writerConfig) error {
	if o.logger != nil {
		cfg.logger = o.logger
	}
	return nil
}

func (o *loggerOption) applyReader(cfg *readerConfig) error {
	if o.logger != nil {
		cfg.logger = o.logger
	}
	return nil
}

// eagerOption implements Option for WithEager (reader-only).
type eagerOption struct{}

// WithEager resolves every reference while loading, so the returned tree
// contains no *Lazy nodes.
func WithEager() Option {
	return eagerOption{}
}

func (eagerOption) applyWriter(*writerConfig) error {
	return fmt.Errorf("WithEager: %w", ErrOptionNotValidForWriter)
}

func (eagerOption) applyReader(cfg *readerConfig) error {
	cfg.eager = true
	return nil
}

// verifyOption implements Option for WithVerify (reader-only).
type verifyOption struct{}

// WithVerify checks every blob against the metadata sidecar checksums when
// a container is opened.
func WithVerify() Option {
	return verifyOption{}
}

func (verifyOption) applyWriter(*writerConfig) error {
	return fmt.Errorf("WithVerify: %w", ErrOptionNotValidForWriter)
}

func (verifyOption) applyReader(cfg *readerConfig) error {
	cfg.verify = true
	return nil
}
