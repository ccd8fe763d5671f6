package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	aws_config "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config selects the bucket artifacts are uploaded to. Endpoint is set for
// MinIO and other S3-compatible servers.
type S3Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

type bucketAPI interface {
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

// S3Store uploads artifacts with the S3 upload manager.
type S3Store struct {
	uploader uploader
	buckets  bucketAPI
	bucket   string
	prefix   string
	now      func() time.Time
}

// NewS3Store builds a client from cfg. Static credentials are used when
// given, otherwise the default AWS credential chain.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}

	opts := []func(*aws_config.LoadOptions) error{aws_config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, aws_config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := aws_config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3Store{
		uploader: manager.NewUploader(client),
		buckets:  client,
		bucket:   cfg.Bucket,
		prefix:   strings.Trim(cfg.Prefix, "/"),
		now:      time.Now,
	}, nil
}

// EnsureBucket creates the bucket unless it already exists.
func (s *S3Store) EnsureBucket(ctx context.Context) error {
	_, err := s.buckets.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		var existErr *s3types.BucketAlreadyExists
		var ownedErr *s3types.BucketAlreadyOwnedByYou
		if errors.As(err, &existErr) || errors.As(err, &ownedErr) {
			return nil
		}
		return fmt.Errorf("failed to create bucket %s: %w", s.bucket, err)
	}
	slog.Info("Bucket created", "bucket", s.bucket)
	return nil
}

// Save uploads one artifact. Object names carry the job id so two artifacts
// finished in the same second never overwrite each other.
func (s *S3Store) Save(ctx context.Context, a Artifact) (Saved, error) {
	dir := path.Join(s.prefix, strings.Trim(a.OutputDir, "/"))
	name := fmt.Sprintf("%s_%s%s", BaseName(s.now()), a.JobID, a.FileExt)
	key := path.Join(dir, name)

	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(a.Data),
		ContentType: aws.String(ContentType(a.FileExt)),
	})
	if err != nil {
		return Saved{}, fmt.Errorf("failed to upload s3://%s/%s: %w", s.bucket, key, err)
	}

	return Saved{
		Path: fmt.Sprintf("s3://%s/%s", s.bucket, key),
		Dir:  fmt.Sprintf("s3://%s/%s", s.bucket, dir),
	}, nil
}
