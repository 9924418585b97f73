package cloudgateway

import (
	"context"
	"errors"
	"fmt"
	"io"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/cloudfs/cloudfs/internal/cerrors"
	"github.com/cloudfs/cloudfs/pkg/metrics"
)

// S3Gateway is the production Gateway, backed by an S3-compatible object
// store.
type S3Gateway struct {
	client  *s3.Client
	metrics metrics.CloudGatewayMetrics
}

// S3Config configures the S3-compatible endpoint CloudFS ships segments to.
type S3Config struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// NewS3Gateway builds a Gateway from cfg.
func NewS3Gateway(ctx context.Context, cfg S3Config) (*S3Gateway, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("cloudgateway: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = &cfg.Endpoint
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3Gateway{client: client, metrics: metrics.NewCloudGatewayMetrics()}, nil
}

func (g *S3Gateway) Get(ctx context.Context, bucket, key string, sink io.Writer) (err error) {
	var n int64
	defer func() { g.metrics.ObserveGet(int(n), err) }()

	out, err := g.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &bucket, Key: &key})
	if err != nil {
		if isNotFound(err) {
			return cerrors.NewCloudError("get", key, fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound))
		}
		return cerrors.NewCloudError("get", key, err)
	}
	defer out.Body.Close()

	n, err = io.Copy(sink, out.Body)
	if err != nil {
		return cerrors.NewCloudError("get", key, err)
	}
	return nil
}

func (g *S3Gateway) Put(ctx context.Context, bucket, key string, length int64, source io.Reader) (err error) {
	defer func() { g.metrics.ObservePut(int(length), err) }()

	body := io.LimitReader(source, length)
	_, err = g.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &bucket,
		Key:           &key,
		Body:          body,
		ContentLength: &length,
	})
	if err != nil {
		return cerrors.NewCloudError("put", key, err)
	}
	return nil
}

func (g *S3Gateway) Delete(ctx context.Context, bucket, key string) (err error) {
	defer func() { g.metrics.ObserveDelete(err) }()

	_, err = g.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &bucket, Key: &key})
	if err != nil {
		return cerrors.NewCloudError("delete", key, err)
	}
	return nil
}

func (g *S3Gateway) ListBuckets(ctx context.Context) ([]string, error) {
	out, err := g.client.ListBuckets(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return nil, cerrors.NewCloudError("list_buckets", "", err)
	}
	names := make([]string, 0, len(out.Buckets))
	for _, b := range out.Buckets {
		if b.Name != nil {
			names = append(names, *b.Name)
		}
	}
	return names, nil
}

func (g *S3Gateway) BucketExists(ctx context.Context, name string) (bool, error) {
	names, err := g.ListBuckets(ctx)
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if n == name {
			return true, nil
		}
	}
	return false, nil
}

func (g *S3Gateway) CreateBucket(ctx context.Context, name string) error {
	_, err := g.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: &name})
	if err != nil {
		var alreadyOwned *types.BucketAlreadyOwnedByYou
		var alreadyExists *types.BucketAlreadyExists
		if errors.As(err, &alreadyOwned) || errors.As(err, &alreadyExists) {
			return nil
		}
		return cerrors.NewCloudError("create_bucket", name, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if code == "NoSuchKey" || code == "NotFound" {
			return true
		}
	}
	return false
}
