package object

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrInvalidKey is returned for keys that escape the store's namespace.
	ErrInvalidKey = errors.New("invalid storage key")
	// ErrNotFound is returned by Open when no object exists under the key.
	ErrNotFound = errors.New("object not found")
)

// ObjectStore keeps submission receipts and other binary artifacts.
// Objects are grouped under an owner, usually the session id.
type ObjectStore interface {
	Save(ctx context.Context, owner string, fileName string, r io.Reader) (storageKey string, sizeBytes int64, mimeType string, err error)
	Open(ctx context.Context, storageKey string) (io.ReadCloser, error)
	Delete(ctx context.Context, storageKey string) error
}
