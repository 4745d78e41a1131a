package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const (
	// MinPartSize is the smallest multipart part S3 accepts.
	MinPartSize = 5 << 20
	// DefaultPartSize bounds memory per upload.
	DefaultPartSize = 16 << 20
)

// S3Options configures an S3 compatible bucket.
type S3Options struct {
	Endpoint  string
	Region    string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	PartSize  int64
}

// S3 streams artifacts to an S3 compatible bucket with multipart uploads,
// holding at most one part in memory.
type S3 struct {
	client   *s3.Client
	bucket   string
	prefix   string
	partSize int64
}

// Ensure S3 satisfies Storage.
var _ Storage = (*S3)(nil)

// NewS3 builds a path-style client for opts.
func NewS3(_ context.Context, opts S3Options) (*S3, error) {
	if opts.Bucket == "" {
		return nil, errors.New("s3 storage: empty bucket")
	}
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}
	if opts.PartSize < MinPartSize {
		opts.PartSize = DefaultPartSize
	}

	cfg := aws.Config{
		Region:      opts.Region,
		Credentials: credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
	}
	var endpoint string
	if e := strings.TrimSpace(opts.Endpoint); e != "" {
		u, err := url.Parse(e)
		if err != nil {
			return nil, fmt.Errorf("s3 endpoint: %w", err)
		}
		if u.Scheme == "" {
			u, err = url.Parse("https://" + e)
			if err != nil {
				return nil, fmt.Errorf("s3 endpoint: %w", err)
			}
		}
		endpoint = u.String()
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	return &S3{
		client:   client,
		bucket:   opts.Bucket,
		prefix:   strings.Trim(opts.Prefix, "/"),
		partSize: opts.PartSize,
	}, nil
}

func (c *S3) key(relative string) string {
	relative = strings.Trim(relative, "/")
	if c.prefix == "" {
		return relative
	}
	return path.Join(c.prefix, relative)
}

// PutStream uploads r part by part. A failed upload is aborted so no
// object appears under the key.
func (c *S3) PutStream(ctx context.Context, name string, r io.Reader) (int64, error) {
	key := c.key(name)
	buf := make([]byte, c.partSize)

	n, readErr := io.ReadFull(r, buf)
	if readErr != nil && readErr != io.EOF && readErr != io.ErrUnexpectedEOF {
		return 0, fmt.Errorf("read part: %w", readErr)
	}
	if readErr != nil {
		// Fits in one part.
		_, err := c.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(c.bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(buf[:n]),
			ContentLength: aws.Int64(int64(n)),
		})
		if err != nil {
			return 0, fmt.Errorf("put object %s: %w", key, err)
		}
		return int64(n), nil
	}

	createOut, err := c.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, fmt.Errorf("create multipart upload: %w", err)
	}
	uploadID := createOut.UploadId
	defer func() {
		if uploadID != nil {
			_, _ = c.client.AbortMultipartUpload(context.WithoutCancel(ctx), &s3.AbortMultipartUploadInput{
				Bucket:   aws.String(c.bucket),
				Key:      aws.String(key),
				UploadId: uploadID,
			})
		}
	}()

	var (
		completed  []types.CompletedPart
		partNumber = int32(1)
		total      int64
	)
	for n > 0 {
		uploadOut, err := c.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(c.bucket),
			Key:           aws.String(key),
			UploadId:      uploadID,
			PartNumber:    aws.Int32(partNumber),
			Body:          bytes.NewReader(buf[:n]),
			ContentLength: aws.Int64(int64(n)),
		})
		if err != nil {
			return total, fmt.Errorf("upload part %d: %w", partNumber, err)
		}
		completed = append(completed, types.CompletedPart{
			ETag:       uploadOut.ETag,
			PartNumber: aws.Int32(partNumber),
		})
		total += int64(n)
		partNumber++

		if readErr != nil {
			break
		}
		n, readErr = io.ReadFull(r, buf)
		if readErr != nil && readErr != io.EOF && readErr != io.ErrUnexpectedEOF {
			return total, fmt.Errorf("read part: %w", readErr)
		}
	}

	_, err = c.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(c.bucket),
		Key:      aws.String(key),
		UploadId: uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	if err != nil {
		return total, fmt.Errorf("complete multipart upload: %w", err)
	}
	uploadID = nil
	return total, nil
}

// GetStream returns the object body.
func (c *S3) GetStream(ctx context.Context, name string) (io.ReadCloser, error) {
	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(name)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("get object %s: %w", name, err)
	}
	return out.Body, nil
}

// Delete removes the object. S3 reports success for missing keys.
func (c *S3) Delete(ctx context.Context, name string) error {
	_, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(name)),
	})
	if err != nil {
		return fmt.Errorf("delete object %s: %w", name, err)
	}
	return nil
}
