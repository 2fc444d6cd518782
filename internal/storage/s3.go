package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/kenneth/sharecrypt/internal/config"
)

// s3API is the subset of the S3 client used by S3Backend. Uploads go
// through manager.Uploader, which needs the multipart calls.
type s3API interface {
	manager.UploadAPIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
}

// S3Backend stores files as objects in a bucket.
type S3Backend struct {
	client   s3API
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

var _ Backend = (*S3Backend)(nil)

// NewS3Backend creates an S3 backend from cfg.
func NewS3Backend(ctx context.Context, cfg config.StorageConfig) (*S3Backend, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return newS3Backend(client, cfg.Bucket, cfg.Prefix), nil
}

func newS3Backend(client s3API, bucket, prefix string) *S3Backend {
	return &S3Backend{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		prefix:   strings.Trim(prefix, "/"),
	}
}

// Name implements Backend.
func (b *S3Backend) Name() string {
	return "s3"
}

func (b *S3Backend) key(p string) string {
	clean := strings.TrimPrefix(path.Clean("/"+p), "/")
	if b.prefix == "" {
		return clean
	}
	return b.prefix + "/" + clean
}

// isNotFound reports whether err is an S3 missing-object error.
func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

func (b *S3Backend) wrapErr(op, key string, err error) error {
	if isNotFound(err) {
		return fmt.Errorf("%w: %s/%s", ErrNotExist, b.bucket, key)
	}
	return fmt.Errorf("failed to %s object %s/%s: %w", op, b.bucket, key, err)
}

// Put implements Backend. Bodies larger than one part are sent as a
// multipart upload, so r is never buffered whole.
func (b *S3Backend) Put(ctx context.Context, p string, r io.Reader) error {
	key := b.key(p)
	_, err := b.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   r,
	})
	if err != nil {
		return b.wrapErr("put", key, err)
	}
	return nil
}

// Get implements Backend.
func (b *S3Backend) Get(ctx context.Context, p string) (io.ReadCloser, error) {
	key := b.key(p)
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, b.wrapErr("get", key, err)
	}
	return out.Body, nil
}

// Delete implements Backend.
func (b *S3Backend) Delete(ctx context.Context, p string) error {
	key := b.key(p)
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return b.wrapErr("delete", key, err)
	}
	return nil
}

// Rename implements Backend as a server-side copy followed by a delete.
func (b *S3Backend) Rename(ctx context.Context, from, to string) error {
	src, dst := b.key(from), b.key(to)
	_, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(b.bucket),
		Key:        aws.String(dst),
		CopySource: aws.String(copySource(b.bucket, src)),
	})
	if err != nil {
		return b.wrapErr("copy", src, err)
	}
	return b.Delete(ctx, from)
}

func copySource(bucket, key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return bucket + "/" + strings.Join(segments, "/")
}

// Exists implements Backend.
func (b *S3Backend) Exists(ctx context.Context, p string) (bool, error) {
	key := b.key(p)
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, b.wrapErr("head", key, err)
}
