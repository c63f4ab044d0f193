package artifact

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/not-nullexception/image-reducer/internal/metrics"
)

// ErrNotFound is returned for references that were never stored or were released
var ErrNotFound = errors.New("artifact not found")

// Ref is a revocable reference to stored bytes
type Ref struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
}

// Store defines the interface for byte reference storage
type Store interface {
	Put(ctx context.Context, data []byte, contentType string) (Ref, error)
	Open(ctx context.Context, id string) (io.ReadCloser, error)
	Stat(ctx context.Context, id string) (Ref, error)
	Release(ctx context.Context, id string) error

	// Health check
	Ping(ctx context.Context) error

	// Close releases the store's own resources
	Close() error
}

// Lease owns one stored reference and releases it at most once.
type Lease struct {
	store Store
	ref   Ref
	once  sync.Once
	err   error
}

// Acquire stores data and returns a lease over the new reference
func Acquire(ctx context.Context, store Store, data []byte, contentType string) (*Lease, error) {
	ref, err := store.Put(ctx, data, contentType)
	if err != nil {
		return nil, err
	}

	metrics.LiveArtifacts.Inc()
	return &Lease{store: store, ref: ref}, nil
}

// Ref returns the leased reference
func (l *Lease) Ref() Ref {
	return l.ref
}

// Open reads the leased bytes
func (l *Lease) Open(ctx context.Context) (io.ReadCloser, error) {
	return l.store.Open(ctx, l.ref.ID)
}

// Release frees the reference. It is safe to call on a nil lease and more than once.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}

	l.once.Do(func() {
		metrics.LiveArtifacts.Dec()
		l.err = l.store.Release(ctx, l.ref.ID)
	})
	return l.err
}
