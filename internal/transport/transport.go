// Package transport defines the remote operations the sync engine needs
// and the credentials used to establish a session.
package transport

import (
	"context"
	"errors"
	"os"
	"time"
)

// ErrExist is matched by errors returned from CreateDirectory when the
// directory is already present.
var ErrExist = errors.New("already exists")

// Entry is one item of a remote directory listing
type Entry struct {
	Name  string
	IsDir bool
}

// UploadOptions carries optional attributes of an uploaded file
type UploadOptions struct {
	Size    int64
	Mode    os.FileMode
	ModTime time.Time
}

// Transport is an established remote session. Paths are slash-separated
// and interpreted by the remote side.
type Transport interface {
	// CreateDirectory creates a single directory whose parent must exist
	CreateDirectory(ctx context.Context, path string) error
	// UploadFile writes data to path, replacing any existing file
	UploadFile(ctx context.Context, path string, data []byte, opts UploadOptions) error
	// DownloadFile returns the content of path and its size
	DownloadFile(ctx context.Context, path string) ([]byte, int64, error)
	// RemoveFile deletes a single file
	RemoveFile(ctx context.Context, path string) error
	// RemoveDirectory deletes an empty directory. It never recurses.
	RemoveDirectory(ctx context.Context, path string) error
	// ListDirectory returns the direct children of path
	ListDirectory(ctx context.Context, path string) ([]Entry, error)
	// Close releases the session
	Close() error
}
