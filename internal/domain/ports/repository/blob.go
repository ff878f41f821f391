package repository

import "context"

// BlobStore is the external state store: a flat namespace of named blobs.
// Get returns domain.ErrNotFound for a missing name; Delete of a missing
// name is not an error.
type BlobStore interface {
	Get(ctx context.Context, name string) ([]byte, error)
	Put(ctx context.Context, name string, data []byte) error
	Delete(ctx context.Context, name string) error
}
