// Package s3 wraps the AWS SDK v2 S3 client for presigned transfer handoffs.
// It is tuned for S3-compatible endpoints such as SeaweedFS and MinIO.
package s3

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// ErrNotFound is returned by Stat when the object does not exist.
var ErrNotFound = errors.New("object not found")

// Options configures a Client.
type Options struct {
	Endpoint       string
	AccessKey      string
	SecretKey      string
	Region         string
	DisableTLS     bool
	ForcePathStyle bool
}

// Client wraps the SDK client together with its presigner.
type Client struct {
	api     *s3.Client
	presign *s3.PresignClient
}

// ObjectInfo is the metadata subset the orchestration core cares about.
type ObjectInfo struct {
	Size int64
}

// NewClient builds a Client from explicit options.
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		return nil, errors.New("s3 endpoint is required")
	}
	if opts.AccessKey == "" || opts.SecretKey == "" {
		return nil, errors.New("s3 access key and secret key are required")
	}

	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}

	scheme := "https"
	if opts.DisableTLS {
		scheme = "http"
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = fmt.Sprintf("%s://%s", scheme, endpoint)
	}

	cfg, err := awsconfig.LoadDefaultConfig(
		ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")),
		awsconfig.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
	)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = opts.ForcePathStyle
		o.BaseEndpoint = aws.String(endpoint)
	})

	return &Client{
		api:     client,
		presign: s3.NewPresignClient(client),
	}, nil
}

// NewClientFromEnv initialises a Client from S3_* environment variables.
// S3_ENDPOINT, S3_ACCESS_KEY and S3_SECRET_KEY are required; S3_REGION,
// S3_DISABLE_TLS and S3_FORCE_PATH_STYLE (default true) are optional.
func NewClientFromEnv(ctx context.Context) (*Client, error) {
	disableTLS, _ := strconv.ParseBool(os.Getenv("S3_DISABLE_TLS"))

	forcePathStyle := true
	if v := strings.TrimSpace(os.Getenv("S3_FORCE_PATH_STYLE")); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			forcePathStyle = parsed
		}
	}

	return NewClient(ctx, Options{
		Endpoint:       os.Getenv("S3_ENDPOINT"),
		AccessKey:      os.Getenv("S3_ACCESS_KEY"),
		SecretKey:      os.Getenv("S3_SECRET_KEY"),
		Region:         os.Getenv("S3_REGION"),
		DisableTLS:     disableTLS,
		ForcePathStyle: forcePathStyle,
	})
}

// PresignPut generates a presigned PUT URL for uploading an object within the TTL.
func (c *Client) PresignPut(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	if c == nil {
		return "", errors.New("nil client")
	}

	req, err := c.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: &bucket,
		Key:    &key,
	}, func(opts *s3.PresignOptions) {
		opts.Expires = ttl
	})
	if err != nil {
		return "", err
	}
	return req.URL, nil
}

// PresignGet generates a presigned GET URL for the key. When disposition is
// non-empty the URL forces an attachment download under that filename.
func (c *Client) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration, disposition string) (string, error) {
	if c == nil {
		return "", errors.New("nil client")
	}

	input := &s3.GetObjectInput{
		Bucket: &bucket,
		Key:    &key,
	}
	if disposition != "" {
		input.ResponseContentDisposition = aws.String(fmt.Sprintf("attachment; filename=%q", disposition))
	}

	req, err := c.presign.PresignGetObject(ctx, input, func(opts *s3.PresignOptions) {
		opts.Expires = ttl
	})
	if err != nil {
		return "", err
	}
	return req.URL, nil
}

// Exists reports whether the object is present in the bucket.
func (c *Client) Exists(ctx context.Context, bucket, key string) (bool, error) {
	if c == nil {
		return false, errors.New("nil client")
	}

	_, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &bucket,
		Key:    &key,
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, err
}

// Stat returns object metadata, or ErrNotFound when the key is absent.
func (c *Client) Stat(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	if c == nil {
		return ObjectInfo{}, errors.New("nil client")
	}

	out, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &bucket,
		Key:    &key,
	})
	if err != nil {
		if isNotFound(err) {
			return ObjectInfo{}, ErrNotFound
		}
		return ObjectInfo{}, err
	}

	info := ObjectInfo{}
	if out.ContentLength != nil {
		info.Size = *out.ContentLength
	}
	return info, nil
}

// HeadObject surfaces missing keys as an untyped NotFound API error.
func isNotFound(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "NotFound"
}

// Bucket binds a Client to a single bucket so callers deal in keys only.
type Bucket struct {
	client *Client
	name   string
}

// Bucket returns a bucket-scoped view of the client.
func (c *Client) Bucket(name string) (*Bucket, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("bucket name is required")
	}
	return &Bucket{client: c, name: name}, nil
}

// Name returns the bound bucket name.
func (b *Bucket) Name() string { return b.name }

// PresignPut presigns an upload URL for the key in the bound bucket.
func (b *Bucket) PresignPut(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return b.client.PresignPut(ctx, b.name, key, ttl)
}

// PresignGet presigns a download URL for the key in the bound bucket.
func (b *Bucket) PresignGet(ctx context.Context, key string, ttl time.Duration, disposition string) (string, error) {
	return b.client.PresignGet(ctx, b.name, key, ttl, disposition)
}

// Exists reports whether the key is present in the bound bucket.
func (b *Bucket) Exists(ctx context.Context, key string) (bool, error) {
	return b.client.Exists(ctx, b.name, key)
}

// Stat returns metadata for the key in the bound bucket.
func (b *Bucket) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	return b.client.Stat(ctx, b.name, key)
}
