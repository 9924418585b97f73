// Package cloudgateway is a thin typed facade over the external object
// store CloudFS ships segments to. All operations are synchronous; any
// non-OK outcome is surfaced as a cerrors.CloudFailure.
package cloudgateway

import (
	"context"
	"io"
)

// Gateway is the object-store facade CloudFS's core depends on. A segment's
// bucket/key pair is derived by the caller from its hash per §6.5; the
// gateway itself is bucket/key agnostic.
type Gateway interface {
	// Get streams the object body at (bucket, key) into sink. Returns a
	// cerrors.CloudFailure wrapping ErrNotFound if the object is absent.
	Get(ctx context.Context, bucket, key string, sink io.Writer) error

	// Put uploads length bytes read from source as the object body at
	// (bucket, key). length is authoritative: exactly that many bytes
	// are read from source.
	Put(ctx context.Context, bucket, key string, length int64, source io.Reader) error

	// Delete removes the object at (bucket, key). Deleting an absent
	// object is not an error.
	Delete(ctx context.Context, bucket, key string) error

	// ListBuckets returns the names of all buckets visible to this
	// gateway's credentials.
	ListBuckets(ctx context.Context) ([]string, error)

	// BucketExists reports whether name is present, implemented atop
	// ListBuckets.
	BucketExists(ctx context.Context, name string) (bool, error)

	// CreateBucket creates bucket name. Creating an existing bucket is
	// not an error.
	CreateBucket(ctx context.Context, name string) error
}

// ErrNotFound is returned (wrapped) when Get targets a missing object.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "cloudgateway: object not found" }

// EnsureBucket creates bucket name if BucketExists reports it absent.
func EnsureBucket(ctx context.Context, g Gateway, name string) error {
	exists, err := g.BucketExists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return g.CreateBucket(ctx, name)
}
