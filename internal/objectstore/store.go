// Package objectstore reads uploaded PDFs by object key.
package objectstore

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
)

var (
	ErrObjectNotFound = errors.New("objectstore: object not found")
	ErrInvalidKey     = errors.New("objectstore: invalid object key")
)

type Store interface {
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// cleanKey rejects keys that would escape the store root.
func cleanKey(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") {
		return "", ErrInvalidKey
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", ErrInvalidKey
	}
	return cleaned, nil
}
