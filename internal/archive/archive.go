// Package archive stores raw ML payloads and extrato statement CSVs in S3
// so a disputed closing can be replayed without a second ML call
// (supplementing spec.md §4.6 with the audit-trail feature SPEC_FULL.md
// section C calls for). Adapted from the teacher's S3 image repository.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Config holds the S3/MinIO connection parameters.
type Config struct {
	Region          string
	Bucket          string
	Endpoint        string // set for MinIO/LocalStack; empty uses real AWS
	AccessKeyID     string
	SecretAccessKey string
}

// Store is the audit-trail archive backend.
type Store struct {
	client *s3.Client
	bucket string
}

// New connects to S3/MinIO and verifies (creating if absent) the archive
// bucket, mirroring the teacher's connectivity-check-before-ready pattern.
func New(ctx context.Context, cfg Config) (*Store, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var client *s3.Client
	if cfg.Endpoint != "" {
		client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	} else {
		client = s3.NewFromConfig(awsCfg)
	}

	store := &Store{client: client, bucket: cfg.Bucket}
	if err := store.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Store) ensureBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err == nil {
		return nil
	}

	var notFound *types.NotFound
	var noSuchBucket *types.NoSuchBucket
	if !errors.As(err, &notFound) && !errors.As(err, &noSuchBucket) {
		return fmt.Errorf("check archive bucket (may be permission denied): %w", err)
	}

	_, err = s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return fmt.Errorf("create archive bucket: %w", err)
	}
	return nil
}

// RawPayloadKey and StatementKey give the object-path conventions the
// archive uses, so keys are reconstructible from (seller, id) without a
// lookup table.
func RawPayloadKey(sellerID int32, mlPaymentID int64) string {
	return fmt.Sprintf("raw-payments/%d/%d.json", sellerID, mlPaymentID)
}

func StatementKey(sellerID int32, begin, end time.Time) string {
	return fmt.Sprintf("statements/%d/%s_%s.csv", sellerID, begin.Format("2006-01-02"), end.Format("2006-01-02"))
}

func CoverageReportKey(sellerID int32, begin, end time.Time) string {
	return fmt.Sprintf("coverage-reports/%d/%s_%s.json", sellerID, begin.Format("2006-01-02"), end.Format("2006-01-02"))
}

// Put uploads data under key, reading it fully into memory first when
// size is unknown (teacher's Upload pattern).
func (s *Store) Put(ctx context.Context, key string, data io.Reader, contentType string, size int64) error {
	var body io.Reader = data
	if size < 0 {
		buf, err := io.ReadAll(data)
		if err != nil {
			return fmt.Errorf("read archive payload: %w", err)
		}
		size = int64(len(buf))
		body = bytes.NewReader(buf)
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return fmt.Errorf("put archive object %s: %w", key, err)
	}
	return nil
}

// Get retrieves an archived object verbatim, used to replay a
// re-classification without a second ML call.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		return nil, fmt.Errorf("get archive object %s: %w", key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}
