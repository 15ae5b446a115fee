package s3

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Backend names a preset for an S3-compatible service.
type Backend string

const (
	BackendAWS        Backend = "aws"
	BackendLocalStack Backend = "localstack"
	BackendMinIO      Backend = "minio"
)

// ClientConfig holds configuration for creating an S3 client.
type ClientConfig struct {
	// Backend applies endpoint, addressing and credential defaults.
	// Explicit fields below override the preset.
	Backend Backend `yaml:"backend"`

	// Region is the AWS region. Defaults to us-east-1.
	Region string `yaml:"region"`

	// Endpoint is a custom endpoint URL for S3-compatible services.
	Endpoint string `yaml:"endpoint"`

	// UsePathStyle enables path-style addressing.
	UsePathStyle bool `yaml:"use_path_style"`

	// AccessKeyID and SecretAccessKey select static credentials. When both
	// are empty the default credential chain is used.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// withDefaults fills unset fields from the backend preset.
func (c ClientConfig) withDefaults() (ClientConfig, error) {
	var endpoint, key, secret string
	switch c.Backend {
	case "", BackendAWS:
	case BackendLocalStack:
		endpoint, key, secret = "http://localhost:4566", "test", "test"
	case BackendMinIO:
		endpoint, key, secret = "http://localhost:9000", "minioadmin", "minioadmin"
	default:
		return c, fmt.Errorf("s3: unknown backend %q", c.Backend)
	}
	if c.Backend == BackendLocalStack || c.Backend == BackendMinIO {
		c.UsePathStyle = true
	}
	if c.Region == "" {
		c.Region = "us-east-1"
	}
	if c.Endpoint == "" {
		c.Endpoint = endpoint
	}
	if c.AccessKeyID == "" && c.SecretAccessKey == "" {
		c.AccessKeyID, c.SecretAccessKey = key, secret
	}
	if (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
		return c, errors.New("s3: access_key_id and secret_access_key must be set together")
	}
	return c, nil
}

// NewClient creates an S3 client.
//
// For LocalStack:
//
//	client, err := s3.NewClient(ctx, s3.ClientConfig{Backend: s3.BackendLocalStack})
//
// For AWS with the default credential chain:
//
//	client, err := s3.NewClient(ctx, s3.ClientConfig{Region: "eu-west-1"})
func NewClient(ctx context.Context, cfg ClientConfig) (*s3.Client, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

// ParseURL splits an s3://bucket/prefix URL into a store Config.
func ParseURL(raw string) (Config, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Config{}, fmt.Errorf("s3: parse url: %w", err)
	}
	if u.Scheme != "s3" {
		return Config{}, fmt.Errorf("s3: url %q: scheme must be s3", raw)
	}
	if u.Host == "" {
		return Config{}, fmt.Errorf("s3: url %q has no bucket", raw)
	}
	return Config{Bucket: u.Host, Prefix: strings.TrimPrefix(u.Path, "/")}, nil
}

// IsURL reports whether s looks like an s3:// location.
func IsURL(s string) bool {
	return strings.HasPrefix(s, "s3://")
}
