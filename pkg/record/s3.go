package record

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Client is the subset of *s3.Client the store uses.
type S3Client interface {
	s3.ListObjectsV2APIClient
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Store stores recordings in an S3 bucket under a key prefix.
//
// Example usage:
//
//	cfg, _ := config.LoadDefaultConfig(ctx)
//	store := record.NewS3Store(s3.NewFromConfig(cfg), "my-bucket", "recordings/")
type S3Store struct {
	client  S3Client
	bucket  string
	prefix  string
	maxSize int
}

// NewS3Store creates a store over an existing client.
func NewS3Store(client S3Client, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

// DialS3 loads the default AWS configuration (environment, shared config,
// instance role) and creates a store. An empty region keeps the configured
// default.
func DialS3(ctx context.Context, region, bucket, prefix string) (*S3Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("record: load aws config: %w", err)
	}
	return NewS3Store(s3.NewFromConfig(cfg), bucket, prefix), nil
}

// WithMaxSize limits a single recording (0 = no limit).
func (s *S3Store) WithMaxSize(n int) *S3Store {
	s.maxSize = n
	return s
}

func (s *S3Store) key(id string) string {
	return s.prefix + id + streamExt
}

// Put uploads a recording.
func (s *S3Store) Put(ctx context.Context, name string, data []byte) (Info, error) {
	if s.maxSize > 0 && len(data) > s.maxSize {
		return Info{}, ErrTooLarge
	}
	info := newInfo(name, len(data))
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(info.ID)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"recording-name": name,
			"recorded-at":    info.CreatedAt.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return Info{}, fmt.Errorf("record: s3 upload failed: %w", err)
	}
	return info, nil
}

// Get downloads a recording.
func (s *S3Store) Get(ctx context.Context, id string) ([]byte, Info, error) {
	created, err := CheckID(id)
	if err != nil {
		return nil, Info{}, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		var missing *types.NoSuchKey
		if errors.As(err, &missing) {
			return nil, Info{}, ErrNotFound
		}
		return nil, Info{}, fmt.Errorf("record: s3 get failed: %w", err)
	}
	defer out.Body.Close()

	var r io.Reader = out.Body
	if s.maxSize > 0 {
		r = io.LimitReader(out.Body, int64(s.maxSize)+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, Info{}, err
	}
	if s.maxSize > 0 && len(data) > s.maxSize {
		return nil, Info{}, ErrTooLarge
	}

	info := Info{ID: id, Name: id, Size: int64(len(data)), CreatedAt: created}
	if name, ok := out.Metadata["recording-name"]; ok {
		info.Name = name
	}
	return data, info, nil
}

// List pages through the prefix.
func (s *S3Store) List(ctx context.Context) ([]Info, error) {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})

	var out []Info
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("record: s3 list failed: %w", err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			id := strings.TrimSuffix(strings.TrimPrefix(*obj.Key, s.prefix), streamExt)
			created, err := CheckID(id)
			if err != nil {
				continue
			}
			info := Info{ID: id, Name: id, CreatedAt: created}
			if obj.Size != nil {
				info.Size = *obj.Size
			}
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Delete removes a recording.
func (s *S3Store) Delete(ctx context.Context, id string) error {
	if _, err := CheckID(id); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		return fmt.Errorf("record: s3 delete failed: %w", err)
	}
	return nil
}

// Close is a no-op; the client is owned by the caller.
func (s *S3Store) Close() error { return nil }
