// Package storage archives predictions and recompressed receipt images.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by stores that support reads for unknown keys.
var ErrNotFound = errors.New("object not found")

// BlobStore writes opaque objects under string keys.
type BlobStore interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
}
