package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/rs/zerolog"
)

// S3Config configures an S3Gateway. Endpoint is the public host used in
// object URLs (e.g. "fra1.digitaloceanspaces.com"). APIURL overrides the
// address the SDK talks to and defaults to "https://" + Endpoint.
type S3Config struct {
	Endpoint        string
	APIURL          string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	Timeout         time.Duration
	MaxAttempts     int
}

func (c S3Config) validate() error {
	var missing []string
	if strings.TrimSpace(c.Endpoint) == "" {
		missing = append(missing, "endpoint")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		missing = append(missing, "bucket")
	}
	if strings.TrimSpace(c.AccessKeyID) == "" || strings.TrimSpace(c.SecretAccessKey) == "" {
		missing = append(missing, "credentials")
	}
	if len(missing) > 0 {
		return fmt.Errorf("storage: s3 config missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// S3Gateway stores blobs in an S3-compatible bucket (AWS S3, DigitalOcean
// Spaces, MinIO, R2) through aws-sdk-go-v2.
type S3Gateway struct {
	client   *s3.Client
	bucket   string
	endpoint string
	timeout  time.Duration
	log      zerolog.Logger
}

// NewS3Gateway builds a client from cfg alone; shared AWS config files only
// contribute settings cfg leaves empty.
func NewS3Gateway(ctx context.Context, cfg S3Config, log zerolog.Logger) (*S3Gateway, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	apiURL := strings.TrimSpace(cfg.APIURL)
	if apiURL == "" {
		apiURL = "https://" + hostOnly(cfg.Endpoint)
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")),
	}
	if cfg.MaxAttempts > 0 {
		opts = append(opts, awsconfig.WithRetryMaxAttempts(cfg.MaxAttempts))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(apiURL)
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3Gateway{
		client:   client,
		bucket:   cfg.Bucket,
		endpoint: hostOnly(cfg.Endpoint),
		timeout:  cfg.Timeout,
		log:      log.With().Str("component", "s3-gateway").Str("bucket", cfg.Bucket).Logger(),
	}, nil
}

// URLFor implements Gateway.
func (g *S3Gateway) URLFor(key string) string {
	return PublicURL(g.bucket, g.endpoint, key)
}

// Put implements Gateway.
func (g *S3Gateway) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	_, err := g.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(g.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
		ACL:           types.ObjectCannedACLPublicRead,
	})
	if err != nil {
		return "", &Error{Op: "put", Key: key, Err: err}
	}
	g.log.Debug().
		Str("key", key).
		Int("bytes", len(data)).
		Dur("took", time.Since(start)).
		Msg("object stored")
	return g.URLFor(key), nil
}

// Delete implements Gateway. A missing key is reported as ErrObjectNotFound.
func (g *S3Gateway) Delete(ctx context.Context, objectURL string) error {
	key, err := KeyFromURL(objectURL)
	if err != nil {
		return &Error{Op: "delete", Key: objectURL, Err: err}
	}

	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	_, err = g.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return &Error{Op: "delete", Key: key, Err: fmt.Errorf("%w: %v", ErrObjectNotFound, err)}
		}
		return &Error{Op: "delete", Key: key, Err: err}
	}
	g.log.Debug().Str("key", key).Msg("object deleted")
	return nil
}

func (g *S3Gateway) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, g.timeout)
}

func isS3NotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound
}
