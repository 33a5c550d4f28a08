package remote

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/pkg/errors"
)

// S3Scheme prefixes paths that address the object store directly instead of
// going through rclone, e.g. "s3:mybucket/vtl/3".
const S3Scheme = "s3:"

// S3 talks to the object store with the AWS SDK. Credentials come from the
// default chain; only the region is set explicitly.
type S3 struct {
	client        *s3.Client
	transferRetry Retry
	existsRetry   Retry
	logger        *slog.Logger
}

func NewS3(ctx context.Context, region string, transferRetry, existsRetry Retry, logger *slog.Logger) (*S3, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create s3 session")
	}
	client := s3.NewFromConfig(cfg, func(options *s3.Options) {
		options.Region = region
	})
	return &S3{
		client:        client,
		transferRetry: transferRetry,
		existsRetry:   existsRetry,
		logger:        logger,
	}, nil
}

// IsS3Path reports whether a path addresses the object store.
func IsS3Path(p string) bool { return strings.HasPrefix(p, S3Scheme) }

// splitS3 breaks "s3:bucket/key..." into bucket and key. The key may be
// empty when the path names the bucket root.
func splitS3(p string) (bucket, key string, ok bool) {
	if !IsS3Path(p) {
		return "", "", false
	}
	rest := strings.TrimPrefix(p, S3Scheme)
	rest = strings.TrimPrefix(rest, "/")
	bucket, key, _ = strings.Cut(rest, "/")
	return bucket, key, true
}

func (s *S3) Exists(ctx context.Context, p string) (bool, error) {
	bucket, key, remote := splitS3(p)
	if !remote {
		_, err := os.Stat(p)
		if err == nil {
			return true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	for attempt := 1; ; attempt++ {
		_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err == nil {
			return true, nil
		}
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		if attempt >= s.existsRetry.attempts() {
			s.logger.Warn("existence check exhausted retries, treating as absent",
				"path", p, "attempts", attempt, "error", err)
			return false, nil
		}
		s.logger.Warn("existence check failed, retrying",
			"path", p, "attempt", attempt, "error", err)
		time.Sleep(s.existsRetry.Delay)
	}
}

// Copy copies src into dst, where dst names a local directory or a remote
// prefix. The object key inside dst keeps the base name of src.
func (s *S3) Copy(ctx context.Context, src, dst string) error {
	var err error
	for attempt := 1; attempt <= s.transferRetry.attempts(); attempt++ {
		if err = s.copyOnce(ctx, src, dst); err == nil {
			return nil
		}
		if attempt < s.transferRetry.attempts() {
			s.logger.Warn("transfer failed, retrying",
				"src", src, "dst", dst, "attempt", attempt, "error", err)
			time.Sleep(s.transferRetry.Delay)
		}
	}
	return errors.Wrapf(err, "s3 copy %s %s", src, dst)
}

func (s *S3) copyOnce(ctx context.Context, src, dst string) error {
	srcBucket, srcKey, srcRemote := splitS3(src)
	dstBucket, dstPrefix, dstRemote := splitS3(dst)
	switch {
	case srcRemote && !dstRemote:
		return s.download(ctx, srcBucket, srcKey, filepath.Join(dst, path.Base(srcKey)))
	case !srcRemote && dstRemote:
		return s.upload(ctx, src, dstBucket, joinKey(dstPrefix, filepath.Base(src)))
	case srcRemote && dstRemote:
		_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(dstBucket),
			Key:        aws.String(joinKey(dstPrefix, path.Base(srcKey))),
			CopySource: aws.String(srcBucket + "/" + srcKey),
		})
		return err
	default:
		return errors.Errorf("neither %s nor %s is an s3 path", src, dst)
	}
}

// Move is Copy followed by removal of the source object or file.
func (s *S3) Move(ctx context.Context, src, dst string) error {
	if err := s.Copy(ctx, src, dst); err != nil {
		return err
	}
	if bucket, key, remote := splitS3(src); remote {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		return errors.Wrapf(err, "s3 delete %s", src)
	}
	return os.Remove(src)
}

func (s *S3) download(ctx context.Context, bucket, key, dst string) error {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return err
	}
	defer out.Body.Close()

	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, out.Body); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (s *S3) upload(ctx context.Context, src, bucket, key string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   io.ReadSeeker(bytes.NewReader(data)),
	})
	return err
}

func joinKey(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return strings.TrimSuffix(prefix, "/") + "/" + name
}
