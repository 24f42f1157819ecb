// Package storage defines the raw payload archive used by the ingest pipelines.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"path"
	"strings"
)

// BlobStore persists opaque payloads and returns a URI for the stored object.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Noop discards every payload.
type Noop struct{}

// PutObject drains nothing and reports an empty URI.
func (Noop) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", nil
}

// Digest returns the hex encoded SHA-256 of body.
func Digest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// ObjectPath builds <prefix>/<stage>/<key>/<sha256>.json. Slashes and dots in key are flattened so
// every payload of one key lands in a single directory.
func ObjectPath(prefix, stage, key string, body []byte) string {
	key = strings.NewReplacer("/", "_", "\\", "_", "..", "_", "?", "_", "=", "_").Replace(key)
	if key == "" {
		key = "_"
	}
	return path.Join(strings.Trim(prefix, "/"), stage, key, Digest(body)+".json")
}
