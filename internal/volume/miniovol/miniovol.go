// Package miniovol reads a bucket prefix from MinIO or another S3-compatible
// server through minio-go.
package miniovol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/schaermu/vol2git/internal/fingerprint"
	"github.com/schaermu/vol2git/internal/volume"
)

// API is the subset of *minio.Client used by Volume.
type API interface {
	ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (*minio.Object, error)
}

// Options configures a client built by NewFromOptions.
type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	Secure    bool
	Bucket    string
	Prefix    string
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

// NewFromOptions builds a minio client with static credentials.
func NewFromOptions(opts Options) (*Volume, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("minio endpoint is required")
	}
	if opts.Bucket == "" {
		return nil, errors.New("minio bucket is required")
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.Secure,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return New(client, opts.Bucket, opts.Prefix), nil
}

// Describe implements volume.Describer.
func (v *Volume) Describe() string {
	return "minio://" + v.bucket + "/" + v.prefix
}

// Walk lists the prefix recursively.
func (v *Volume) Walk(ctx context.Context, fn volume.WalkFunc) error {
	// Cancelling stops the listing goroutine if fn bails out early.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	objects := v.client.ListObjects(ctx, v.bucket, minio.ListObjectsOptions{
		Prefix:    v.prefix,
		Recursive: true,
	})
	for obj := range objects {
		if obj.Err != nil {
			return fmt.Errorf("failed to list %s/%s: %w", v.bucket, v.prefix, obj.Err)
		}
		if obj.Key == "" || strings.HasSuffix(obj.Key, "/") {
			continue
		}
		rel := strings.TrimPrefix(obj.Key, v.prefix)
		entry := volume.Entry{
			Size:    obj.Size,
			ModTime: obj.LastModified,
			Digest:  volume.ETagDigest(obj.ETag),
		}
		id, err := volume.ParseIdentity(rel)
		if err != nil {
			entry = volume.InvalidEntry(rel, err)
		} else {
			entry.Identity = id
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// Open returns the object. GetObject is lazy, so the object is stat'ed first
// to surface a missing key here rather than on the first Read.
func (v *Volume) Open(ctx context.Context, id fingerprint.Identity) (io.ReadCloser, error) {
	obj, err := v.client.GetObject(ctx, v.bucket, v.prefix+string(id), minio.GetObjectOptions{})
	if err != nil {
		return nil, translateError(id, err)
	}
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, translateError(id, err)
	}
	return obj, nil
}

func translateError(id fingerprint.Identity, err error) error {
	if isNotFound(err) {
		return fmt.Errorf("%w: %s", volume.ErrNotFound, id)
	}
	return fmt.Errorf("failed to get %q: %w", id, err)
}

func isNotFound(err error) bool {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NotFound":
		return true
	}
	return false
}
