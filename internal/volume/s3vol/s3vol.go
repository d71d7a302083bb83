// Package s3vol reads a bucket prefix through the AWS SDK. It also serves
// S3-compatible stores reachable through a custom endpoint.
package s3vol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/schaermu/vol2git/internal/fingerprint"
	"github.com/schaermu/vol2git/internal/volume"
)

// API is the subset of the S3 client used by Volume.
type API interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Options configures a client built by NewFromOptions.
type Options struct {
	Bucket string
	Prefix string
	Region string
	// Endpoint overrides the service endpoint (LocalStack, Ceph, ...).
	Endpoint       string
	ForcePathStyle bool
	MaxRetries     int
	// AccessKey and SecretKey replace the default credential chain when set.
	AccessKey string
	SecretKey string
}

// Volume is a bucket prefix.
type Volume struct {
	client API
	bucket string
	prefix string
}

// New returns a volume over an existing client.
func New(client API, bucket, prefix string) *Volume {
	prefix = strings.TrimLeft(prefix, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Volume{client: client, bucket: bucket, prefix: prefix}
}

// NewFromOptions loads the default AWS credential chain and builds a client.
func NewFromOptions(ctx context.Context, opts Options) (*Volume, error) {
	if opts.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}

	var loadOpts []func(*config.LoadOptions) error
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	if opts.Region != "" {
		cfg.Region = opts.Region
	} else if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if opts.MaxRetries > 0 {
		cfg.RetryMaxAttempts = opts.MaxRetries
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.ForcePathStyle
	})
	return New(client, opts.Bucket, opts.Prefix), nil
}

// Describe implements volume.Describer.
func (v *Volume) Describe() string {
	return "s3://" + v.bucket + "/" + v.prefix
}

// Walk pages through ListObjectsV2. Folder markers (keys ending in "/") are
// skipped. Keys that cannot be mirrored are reported as failed entries.
func (v *Volume) Walk(ctx context.Context, fn volume.WalkFunc) error {
	var token *string
	for {
		input := &s3.ListObjectsV2Input{
			Bucket: aws.String(v.bucket),
		}
		if v.prefix != "" {
			input.Prefix = aws.String(v.prefix)
		}
		if token != nil {
			input.ContinuationToken = token
		}

		out, err := v.client.ListObjectsV2(ctx, input)
		if err != nil {
			return fmt.Errorf("failed to list s3://%s/%s: %w", v.bucket, v.prefix, err)
		}

		for _, obj := range out.Contents {
			entry, ok := v.entry(obj)
			if !ok {
				continue
			}
			if err := fn(entry); err != nil {
				return err
			}
		}

		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			return nil
		}
		token = out.NextContinuationToken
	}
}

func (v *Volume) entry(obj types.Object) (volume.Entry, bool) {
	key := aws.ToString(obj.Key)
	if key == "" || strings.HasSuffix(key, "/") {
		return volume.Entry{}, false
	}
	rel := strings.TrimPrefix(key, v.prefix)
	id, err := volume.ParseIdentity(rel)
	if err != nil {
		return volume.InvalidEntry(rel, err), true
	}
	return volume.Entry{
		Identity: id,
		Size:     aws.ToInt64(obj.Size),
		ModTime:  aws.ToTime(obj.LastModified),
		Digest:   volume.ETagDigest(aws.ToString(obj.ETag)),
	}, true
}

// Open downloads the object.
func (v *Volume) Open(ctx context.Context, id fingerprint.Identity) (io.ReadCloser, error) {
	out, err := v.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(v.prefix + string(id)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: %s", volume.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get %q: %w", id, err)
	}
	return out.Body, nil
}
