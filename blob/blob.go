// Package blob defines the object store contract used to hold offloaded
// message payloads.
package blob

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound indicates the requested object or container is missing.
var ErrNotFound = errors.New("storage: not found")

// ContentTypeOctetStream is applied to payload objects when no content type is supplied.
const ContentTypeOctetStream = "application/octet-stream"

// Store is the minimal put/get/delete capability needed to offload payloads.
// Implementations address objects by container (bucket) and key.
type Store interface {
	PutObject(ctx context.Context, container, key string, body io.Reader, opts PutOptions) (*ObjectInfo, error)
	GetObject(ctx context.Context, container, key string) (GetResult, error)
	// DeleteObject removes the object. A missing object yields ErrNotFound where
	// the backend can tell; object stores with idempotent deletes return nil.
	DeleteObject(ctx context.Context, container, key string) error
	Close() error
}

// ObjectInfo captures metadata reported by a backend.
type ObjectInfo struct {
	Container    string
	Key          string
	ETag         string
	Size         int64
	LastModified time.Time
	ContentType  string
}

// PutOptions controls metadata for PutObject.
type PutOptions struct {
	ContentType string
	// Size is the body length when known up front, -1 or 0 otherwise.
	Size int64
}

// GetResult captures an object reader with its metadata. Callers must close Reader.
type GetResult struct {
	Reader io.ReadCloser
	Info   *ObjectInfo
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}

// ReadAll drains a GetResult and closes its reader.
func ReadAll(res GetResult) ([]byte, error) {
	if res.Reader == nil {
		return nil, nil
	}
	defer res.Reader.Close()
	return io.ReadAll(res.Reader)
}
