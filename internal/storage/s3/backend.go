// Package s3 provides an S3/MinIO storage backend for the backing stores.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/fruitsalade/shardfs/internal/logging"
	"github.com/fruitsalade/shardfs/internal/metrics"
)

// BackendConfig holds S3 connection settings.
type BackendConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
}

// S3Backend stores files as objects keyed by their absolute path without
// the leading slash. Directories exist only as key prefixes.
type S3Backend struct {
	client *s3.Client
	bucket *string
}

// NewBackend connects to the bucket in cfg, creating it when missing.
// A failed bucket check is logged, not returned: the store still starts
// and individual commands report the failure.
func NewBackend(ctx context.Context, cfg BackendConfig) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("s3: aws config: %w", err)
	}

	b := &S3Backend{
		bucket: aws.String(cfg.Bucket),
		client: s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.UsePathStyle = true
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
			}
		}),
	}
	if err := b.ensureBucket(ctx); err != nil {
		logging.Error("s3 bucket unavailable", zap.String("bucket", cfg.Bucket), zap.Error(err))
	}
	return b, nil
}

func objectKey(p string) string {
	return strings.TrimPrefix(path.Clean("/"+p), "/")
}

// observe records the outcome of one S3 call started at start.
func observe(op string, start time.Time, err error) {
	metrics.RecordS3Operation(op, time.Since(start), err == nil)
}

func (b *S3Backend) ensureBucket(ctx context.Context) error {
	start := time.Now()
	if _, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: b.bucket}); err == nil {
		return nil
	}
	_, err := b.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: b.bucket})
	observe("create_bucket", start, err)
	if err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	logging.Info("s3 bucket created", zap.String("bucket", *b.bucket))
	return nil
}

func (b *S3Backend) GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	start := time.Now()
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: b.bucket,
		Key:    aws.String(objectKey(key)),
	})
	observe("get_object", start, err)

	switch {
	case isNotFound(err):
		return nil, 0, fmt.Errorf("get %s: %w", key, fs.ErrNotExist)
	case err != nil:
		return nil, 0, fmt.Errorf("get %s: %w", key, err)
	}
	return out.Body, aws.ToInt64(out.ContentLength), nil
}

// PutObject spools body to a temp file so the object length is known
// before the request is sent.
func (b *S3Backend) PutObject(ctx context.Context, key string, body io.Reader) (int64, error) {
	tmp, err := os.CreateTemp("", "shardfs-s3-*")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	n, err := io.Copy(tmp, body)
	if err != nil {
		return n, fmt.Errorf("spool %s: %w", key, err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return n, err
	}

	start := time.Now()
	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        b.bucket,
		Key:           aws.String(objectKey(key)),
		Body:          tmp,
		ContentLength: aws.Int64(n),
	})
	observe("put_object", start, err)
	if err != nil {
		return 0, fmt.Errorf("put %s: %w", key, err)
	}
	logging.Debug("s3 object stored", zap.String("key", key), zap.Int64("bytes", n))
	return n, nil
}

// DeleteObject reports fs.ErrNotExist for a missing key. S3 itself
// treats that delete as success.
func (b *S3Backend) DeleteObject(ctx context.Context, key string) error {
	ok, err := b.ObjectExists(ctx, key)
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	if !ok {
		return fmt.Errorf("delete %s: %w", key, fs.ErrNotExist)
	}

	start := time.Now()
	_, err = b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: b.bucket,
		Key:    aws.String(objectKey(key)),
	})
	observe("delete_object", start, err)
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (b *S3Backend) ObjectExists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: b.bucket,
		Key:    aws.String(objectKey(key)),
	})
	if isNotFound(err) {
		observe("head_object", start, nil)
		return false, nil
	}
	observe("head_object", start, err)
	if err != nil {
		return false, fmt.Errorf("head %s: %w", key, err)
	}
	return true, nil
}

// isNotFound reports whether err is S3's answer for a missing key. HEAD
// responses carry no body, so the SDK reports them as NotFound.
func isNotFound(err error) bool {
	var (
		nf  *types.NotFound
		nsk *types.NoSuchKey
	)
	return errors.As(err, &nf) || errors.As(err, &nsk)
}

// List returns the object names directly under dir ending in suffix. An
// empty prefix is reported as ENOTDIR when dir names an object and as
// fs.ErrNotExist otherwise.
func (b *S3Backend) List(ctx context.Context, dir, suffix string) ([]string, error) {
	prefix := objectKey(dir)
	if prefix != "" {
		prefix += "/"
	}

	start := time.Now()
	pages := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket:    b.bucket,
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	var names []string
	found := false
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			observe("list_objects", start, err)
			return nil, fmt.Errorf("list %s: %w", dir, err)
		}
		found = found || len(page.Contents) > 0 || len(page.CommonPrefixes) > 0
		for _, obj := range page.Contents {
			if name := strings.TrimPrefix(aws.ToString(obj.Key), prefix); name != "" && strings.HasSuffix(name, suffix) {
				names = append(names, name)
			}
		}
	}
	observe("list_objects", start, nil)

	if found {
		return names, nil
	}
	ok, err := b.ObjectExists(ctx, dir)
	switch {
	case err != nil:
		return nil, fmt.Errorf("list %s: %w", dir, err)
	case ok:
		return nil, fmt.Errorf("list %s: %w", dir, syscall.ENOTDIR)
	}
	return nil, fmt.Errorf("list %s: %w", dir, fs.ErrNotExist)
}

func (b *S3Backend) Type() string { return "s3" }

func (b *S3Backend) Close() error { return nil }
