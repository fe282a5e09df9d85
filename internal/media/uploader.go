package media

import (
	"context"
	"fmt"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"ripple/internal/config"
	"ripple/internal/ripple"
)

// Uploader pushes a local file to attachment storage and returns its
// public URL.
type Uploader interface {
	Upload(ctx context.Context, localPath, key, contentType string) (string, error)
}

// S3Uploader stores attachments in an S3 bucket using multipart uploads
// for large files.
type S3Uploader struct {
	bucket   string
	prefix   string
	region   string
	uploader *manager.Uploader
}

var _ Uploader = (*S3Uploader)(nil)

// NewS3Uploader builds an uploader from the media config. Credentials
// fall back to the ambient AWS credential chain when not set explicitly.
func NewS3Uploader(ctx context.Context, cfg config.MediaConfig) (*S3Uploader, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("s3 media backend requires s3_bucket to be set")
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	return &S3Uploader{
		bucket:   cfg.S3Bucket,
		prefix:   cfg.S3Prefix,
		region:   cfg.S3Region,
		uploader: manager.NewUploader(client),
	}, nil
}

func (u *S3Uploader) Upload(ctx context.Context, localPath, key, contentType string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		// A missing source file cannot succeed on retry.
		return "", ripple.Terminal("invalid-request", fmt.Errorf("opening attachment: %w", err))
	}
	defer f.Close()

	fullKey := path.Join(u.prefix, key)
	input := &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(fullKey),
		Body:   f,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := u.uploader.Upload(ctx, input); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", ripple.Retriable(ripple.CodeUnavailable, fmt.Errorf("uploading %s: %w", fullKey, err))
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", u.bucket, u.region, fullKey), nil
}
