// Package storage is the object store the feedback archive is written to.
package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"
)

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrInvalidKey     = errors.New("invalid object key")
)

// ObjectInfo describes a stored object. Metadata keys are lower case.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
	Metadata     map[string]string
}

// Meta looks up a metadata value regardless of how the backend cased the key.
func (o ObjectInfo) Meta(key string) (string, bool) {
	key = strings.ToLower(key)
	for k, v := range o.Metadata {
		if strings.ToLower(k) == key {
			return v, true
		}
	}
	return "", false
}

type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) (ObjectInfo, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
}
