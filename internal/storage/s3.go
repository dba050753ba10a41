package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vocalglass/voice-gateway/internal/observability"
	"github.com/vocalglass/voice-gateway/internal/resilience"
)

// Uploader stores a blob and returns a URL clients can fetch it from
type Uploader interface {
	Upload(ctx context.Context, name string, data []byte, contentType string) (string, error)
}

// S3Config holds blob storage settings
type S3Config struct {
	Bucket        string
	Region        string
	Endpoint      string // S3-compatible endpoint, switches to path-style addressing
	PublicBaseURL string // overrides the URL derived from bucket and region
	Prefix        string

	Retry *resilience.RetryConfig
}

type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Uploader writes objects to S3 or an S3-compatible store
type S3Uploader struct {
	client putObjectAPI
	cfg    S3Config
	logger zerolog.Logger
}

// NewS3Uploader builds an uploader from the default AWS credential chain
func NewS3Uploader(ctx context.Context, cfg S3Config) (*S3Uploader, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	// retries are driven by resilience.Retry in Upload
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithRetryMaxAttempts(1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return newS3Uploader(client, cfg), nil
}

func newS3Uploader(client putObjectAPI, cfg S3Config) *S3Uploader {
	if cfg.Retry == nil {
		cfg.Retry = resilience.DefaultRetryConfig()
	}
	return &S3Uploader{
		client: client,
		cfg:    cfg,
		logger: observability.ComponentLogger("storage").With().Str("bucket", cfg.Bucket).Logger(),
	}
}

// NewObjectName returns a random object name with the given extension
func NewObjectName(ext string) string {
	return uuid.NewString() + ext
}

// Upload puts data under the configured prefix and returns its public URL.
// Transient failures are retried with backoff.
func (u *S3Uploader) Upload(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	key := u.Key(name)
	start := time.Now()

	attempts := 0
	err := resilience.Retry(ctx, func(ctx context.Context) error {
		attempts++
		_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(u.cfg.Bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
			ContentType:   aws.String(contentType),
		})
		return err
	}, u.cfg.Retry, isRetryableUpload)
	if err != nil {
		observability.RecordError("upload_failed", "storage")
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}

	u.logger.Info().
		Str("key", key).
		Int("bytes", len(data)).
		Int("attempts", attempts).
		Dur("latency", time.Since(start)).
		Msg("Object uploaded")
	return u.PublicURL(key), nil
}

// Key returns the object key for name
func (u *S3Uploader) Key(name string) string {
	if u.cfg.Prefix == "" {
		return name
	}
	return path.Join(u.cfg.Prefix, name)
}

// PublicURL returns the address an object is served from
func (u *S3Uploader) PublicURL(key string) string {
	switch {
	case u.cfg.PublicBaseURL != "":
		return strings.TrimRight(u.cfg.PublicBaseURL, "/") + "/" + key
	case u.cfg.Endpoint != "":
		return strings.TrimRight(u.cfg.Endpoint, "/") + "/" + u.cfg.Bucket + "/" + key
	default:
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", u.cfg.Bucket, u.cfg.Region, key)
	}
}

// isRetryableUpload retries network failures, throttling and 5xx responses
func isRetryableUpload(err error) bool {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		code := respErr.HTTPStatusCode()
		return code >= http.StatusInternalServerError || code == http.StatusTooManyRequests
	}
	return resilience.IsRetryableNetworkError(err)
}
