// Package s3 stores persistence values as objects in an S3-compatible
// bucket (AWS, MinIO, Supabase Storage).
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/silvachamo/agrosync/internal/logging"
	"github.com/silvachamo/agrosync/internal/metrics"
	"github.com/silvachamo/agrosync/internal/persist"
)

// Config describes the bucket connection.
type Config struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Prefix    string `yaml:"prefix"`
	MaxBytes  int64  `yaml:"-"`
}

// ObjectAPI is the subset of the S3 client the store calls.
type ObjectAPI interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Store implements persist.Store on top of S3 objects.
type Store struct {
	api      ObjectAPI
	bucket   string
	prefix   string
	maxBytes int64

	mu    sync.Mutex
	sizes map[string]int64
	size  int64
}

// Open builds an S3 client from cfg and indexes existing objects.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return New(ctx, client, cfg)
}

// New wraps an existing object client.
func New(ctx context.Context, api ObjectAPI, cfg Config) (*Store, error) {
	s := &Store{
		api:      api,
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		maxBytes: cfg.MaxBytes,
		sizes:    make(map[string]int64),
	}
	if err := s.index(ctx); err != nil {
		return nil, err
	}
	logging.Info("s3 persistence ready",
		zap.String("bucket", s.bucket),
		zap.String("prefix", s.prefix),
		zap.Int("objects", len(s.sizes)))
	return s, nil
}

func (s *Store) index(ctx context.Context) error {
	start := time.Now()
	p := s3.NewListObjectsV2Paginator(s.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			metrics.RecordPersistOperation("s3", "list", time.Since(start), false)
			return fmt.Errorf("list bucket %s: %w", s.bucket, err)
		}
		for _, obj := range page.Contents {
			key := strings.TrimPrefix(aws.ToString(obj.Key), s.prefix)
			if key == "" {
				continue
			}
			size := aws.ToInt64(obj.Size)
			s.sizes[key] = size
			s.size += size
		}
	}
	metrics.RecordPersistOperation("s3", "list", time.Since(start), true)
	return nil
}

func (s *Store) objectKey(key string) string {
	return s.prefix + key
}

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

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	start := time.Now()

	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			metrics.RecordPersistOperation("s3", "get", time.Since(start), true)
			return nil, false, nil
		}
		metrics.RecordPersistOperation("s3", "get", time.Since(start), false)
		return nil, false, fmt.Errorf("get object %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		metrics.RecordPersistOperation("s3", "get", time.Since(start), false)
		return nil, false, fmt.Errorf("read object %s: %w", key, err)
	}
	metrics.RecordPersistOperation("s3", "get", time.Since(start), true)
	return data, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return persist.ErrInvalidKey
	}
	start := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	newSize := s.size - s.sizes[key] + int64(len(value))
	if s.maxBytes > 0 && newSize > s.maxBytes {
		metrics.RecordPersistOperation("s3", "set", time.Since(start), false)
		return persist.ErrQuotaExceeded
	}

	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.objectKey(key)),
		Body:          bytes.NewReader(value),
		ContentLength: aws.Int64(int64(len(value))),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		metrics.RecordPersistOperation("s3", "set", time.Since(start), false)
		return fmt.Errorf("put object %s: %w", key, err)
	}

	s.sizes[key] = int64(len(value))
	s.size = newSize
	metrics.RecordPersistOperation("s3", "set", time.Since(start), true)
	logging.Debug("s3 put object", zap.String("key", key), zap.Int("size", len(value)))
	return nil
}

func (s *Store) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.sizes))
	for k := range s.sizes {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Backend returns "s3".
func (s *Store) Backend() string { return "s3" }

// Close is a no-op for S3 stores.
func (s *Store) Close() error { return nil }
