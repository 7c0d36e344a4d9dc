package storage

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/edgard/murailocrm/internal/config"
)

type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 stores objects in an S3-compatible bucket.
type S3 struct {
	client  putObjectAPI
	bucket  string
	baseURL string
	logger  *slog.Logger
}

// NewS3 loads AWS configuration (static keys when provided, otherwise the
// default chain) and targets a custom endpoint when one is configured.
func NewS3(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (*S3, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.S3Region)}
	if cfg.S3AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3UsePathStyle
	})
	return newS3WithClient(client, cfg.S3Bucket, cfg.PublicBaseURL, logger), nil
}

func newS3WithClient(client putObjectAPI, bucket, baseURL string, logger *slog.Logger) *S3 {
	if logger == nil {
		logger = slog.Default()
	}
	return &S3{
		client:  client,
		bucket:  bucket,
		baseURL: baseURL,
		logger:  logger.With("component", "storage", "backend", "s3", "bucket", bucket),
	}
}

// Write uploads data with the given content type.
func (s *S3) Write(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to upload object", "key", key, "error", err)
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}

	s.logger.DebugContext(ctx, "Uploaded object", "key", key, "bytes", len(data))
	return publicURL(s.baseURL, key), nil
}
