// Package s3 archives alerts as JSON objects in S3 or an S3-compatible store.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Config holds S3 connection and behavior configuration.
type Config struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Region is the AWS region.
	Region string `json:"region" yaml:"region"`

	// Bucket is the S3 bucket name.
	Bucket string `json:"bucket" yaml:"bucket"`

	// Prefix is the key prefix for all objects.
	Prefix string `json:"prefix" yaml:"prefix"`

	// Endpoint is an optional custom endpoint (MinIO, LocalStack).
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`

	// AccessKeyID for static credentials. The default chain is used when unset.
	AccessKeyID string `json:"access_key_id,omitempty" yaml:"access_key_id,omitempty"`

	SecretAccessKey string `json:"-" yaml:"secret_access_key,omitempty"`
	SessionToken    string `json:"-" yaml:"session_token,omitempty"`

	// StorageClass for uploaded objects (STANDARD, INTELLIGENT_TIERING, GLACIER, etc.).
	StorageClass string `json:"storage_class" yaml:"storage_class"`

	// ServerSideEncryption type (AES256 or aws:kms).
	ServerSideEncryption string `json:"server_side_encryption,omitempty" yaml:"server_side_encryption,omitempty"`

	KMSKeyID string `json:"kms_key_id,omitempty" yaml:"kms_key_id,omitempty"`

	// UsePathStyle forces path-style addressing.
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`

	RetryMaxAttempts int           `json:"retry_max_attempts" yaml:"retry_max_attempts"`
	Timeout          time.Duration `json:"timeout" yaml:"timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Region:           "us-east-1",
		Bucket:           "approval-sentinel-alerts",
		Prefix:           "alerts/",
		StorageClass:     "STANDARD",
		RetryMaxAttempts: 3,
		Timeout:          30 * time.Second,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Region == "" {
		return errors.New("s3: region is required")
	}
	if c.Bucket == "" {
		return errors.New("s3: bucket is required")
	}
	switch c.ServerSideEncryption {
	case "", "AES256", "aws:kms":
	default:
		return fmt.Errorf("s3: unsupported server side encryption %q", c.ServerSideEncryption)
	}
	return nil
}

// GetStorageClass returns the S3 storage class type.
func (c *Config) GetStorageClass() types.StorageClass {
	switch strings.ToUpper(c.StorageClass) {
	case "STANDARD":
		return types.StorageClassStandard
	case "STANDARD_IA":
		return types.StorageClassStandardIa
	case "ONEZONE_IA":
		return types.StorageClassOnezoneIa
	case "INTELLIGENT_TIERING":
		return types.StorageClassIntelligentTiering
	case "GLACIER":
		return types.StorageClassGlacier
	case "DEEP_ARCHIVE":
		return types.StorageClassDeepArchive
	case "GLACIER_IR":
		return types.StorageClassGlacierIr
	default:
		return types.StorageClassStandard
	}
}

// objectAPI is the subset of *s3.Client used here.
type objectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Client writes objects under the configured bucket and prefix.
type Client struct {
	api     objectAPI
	config  *Config
	logger  *slog.Logger
	metrics *clientMetrics
}

type clientMetrics struct {
	bytesUploaded   atomic.Int64
	objectsUploaded atomic.Int64
	errors          atomic.Int64
}

// NewClient creates a new S3 client.
func NewClient(ctx context.Context, cfg *Config, logger *slog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			cfg.SessionToken,
		)
		opts = append(opts, config.WithCredentialsProvider(creds))
	}

	if cfg.RetryMaxAttempts > 0 {
		opts = append(opts, config.WithRetryMaxAttempts(cfg.RetryMaxAttempts))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	logger.Info("s3 client initialized",
		"bucket", cfg.Bucket,
		"region", cfg.Region,
		"prefix", cfg.Prefix,
	)

	return newClient(s3Client, cfg, logger), nil
}

func newClient(api objectAPI, cfg *Config, logger *slog.Logger) *Client {
	return &Client{
		api:     api,
		config:  cfg,
		logger:  logger,
		metrics: &clientMetrics{},
	}
}

// PutObject writes data at prefix+key and returns the full key.
func (c *Client) PutObject(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) (string, error) {
	fullKey := c.config.Prefix + key

	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(c.config.Bucket),
		Key:           aws.String(fullKey),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		StorageClass:  c.config.GetStorageClass(),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if len(metadata) > 0 {
		input.Metadata = metadata
	}

	switch c.config.ServerSideEncryption {
	case "AES256":
		input.ServerSideEncryption = types.ServerSideEncryptionAes256
	case "aws:kms":
		input.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		if c.config.KMSKeyID != "" {
			input.SSEKMSKeyId = aws.String(c.config.KMSKeyID)
		}
	}

	if _, err := c.api.PutObject(ctx, input); err != nil {
		c.metrics.errors.Add(1)
		return "", fmt.Errorf("s3: failed to upload object %s: %w", fullKey, err)
	}

	c.metrics.bytesUploaded.Add(int64(len(data)))
	c.metrics.objectsUploaded.Add(1)

	c.logger.Debug("uploaded object", "key", fullKey, "size", len(data))

	return fullKey, nil
}

// Metrics contains S3 client metrics.
type Metrics struct {
	BytesUploaded   int64
	ObjectsUploaded int64
	Errors          int64
}

// GetMetrics returns current client metrics.
func (c *Client) GetMetrics() Metrics {
	return Metrics{
		BytesUploaded:   c.metrics.bytesUploaded.Load(),
		ObjectsUploaded: c.metrics.objectsUploaded.Load(),
		Errors:          c.metrics.errors.Load(),
	}
}

// HealthCheck verifies the bucket is reachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.api.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(c.config.Bucket),
	})
	if err != nil {
		return fmt.Errorf("s3: bucket %s unreachable: %w", c.config.Bucket, err)
	}
	return nil
}
