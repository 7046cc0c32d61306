// Package blob stores document bytes and extracted images.
package blob

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/kalambet/docvec/internal/fault"
)

var (
	ErrNotFound    = fault.Permanent(fault.KindNotFound, fault.ReasonBlob, "blob not found")
	ErrUnavailable = fault.Transient(fault.KindStorage, fault.ReasonBlob, "blob storage unavailable")
	ErrInvalidKey  = fault.Permanent(fault.KindValidation, fault.ReasonBlob, "invalid blob key")
)

// Store is a flat key/value byte store. Refs returned by Put are the keys
// passed in and can be handed back to Get and Delete.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Delete(ctx context.Context, ref string) error
}

// DocumentKey is the key under which a document's bytes are stored.
func DocumentKey(hash, ext string) string {
	return "documents/" + hash + "." + strings.TrimPrefix(ext, ".")
}

// ImageKey is the key under which an extracted image is stored.
func ImageKey(documentID, hash, format string) string {
	return "images/" + documentID + "/" + hash + "." + format
}

// cleanKey rejects keys that would escape the store root.
func cleanKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("empty key: %w", ErrInvalidKey)
	}
	c := path.Clean("/" + key)[1:]
	if c == "" || c != strings.TrimPrefix(key, "/") {
		return "", fmt.Errorf("key %q: %w", key, ErrInvalidKey)
	}
	return c, nil
}
