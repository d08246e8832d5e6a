// Package fstransport implements transport.Transport on a go-billy
// filesystem. It backs local mirrors and the engine's tests.
package fstransport

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"

	"github.com/schaermu/xsync/internal/transport"
)

// Transport serves remote paths from a billy filesystem
type Transport struct {
	fs     billy.Filesystem
	closed bool
}

// New creates a transport rooted at fsys
func New(fsys billy.Filesystem) *Transport {
	return &Transport{fs: fsys}
}

func (t *Transport) check(ctx context.Context) error {
	if t.closed {
		return fmt.Errorf("transport closed")
	}
	return ctx.Err()
}

func local(p string) string {
	return filepath.FromSlash(p)
}

func (t *Transport) requireDir(p string) error {
	info, err := t.fs.Stat(local(p))
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", p)
	}
	return nil
}

// CreateDirectory implements transport.Transport.
func (t *Transport) CreateDirectory(ctx context.Context, p string) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	if info, err := t.fs.Stat(local(p)); err == nil {
		if info.IsDir() {
			return fmt.Errorf("mkdir %s: %w", p, transport.ErrExist)
		}
		return fmt.Errorf("mkdir %s: file exists", p)
	}
	if parent := filepath.Dir(local(p)); parent != "." && parent != string(filepath.Separator) {
		if err := t.requireDir(parent); err != nil {
			return fmt.Errorf("mkdir %s: parent: %w", p, err)
		}
	}
	return t.fs.MkdirAll(local(p), 0o755)
}

// UploadFile implements transport.Transport.
func (t *Transport) UploadFile(ctx context.Context, p string, data []byte, opts transport.UploadOptions) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	if parent := filepath.Dir(local(p)); parent != "." && parent != string(filepath.Separator) {
		if err := t.requireDir(parent); err != nil {
			return fmt.Errorf("upload %s: parent: %w", p, err)
		}
	}

	mode := opts.Mode
	if mode == 0 {
		mode = 0o644
	}
	if err := util.WriteFile(t.fs, local(p), data, mode); err != nil {
		return fmt.Errorf("upload %s: %w", p, err)
	}

	if !opts.ModTime.IsZero() {
		if ch, ok := t.fs.(billy.Change); ok {
			if err := ch.Chtimes(local(p), opts.ModTime, opts.ModTime); err != nil {
				return fmt.Errorf("upload %s: set times: %w", p, err)
			}
		}
	}
	return nil
}

// DownloadFile implements transport.Transport.
func (t *Transport) DownloadFile(ctx context.Context, p string) ([]byte, int64, error) {
	if err := t.check(ctx); err != nil {
		return nil, 0, err
	}
	data, err := util.ReadFile(t.fs, local(p))
	if err != nil {
		return nil, 0, fmt.Errorf("download %s: %w", p, err)
	}
	return data, int64(len(data)), nil
}

// RemoveFile implements transport.Transport.
func (t *Transport) RemoveFile(ctx context.Context, p string) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	info, err := t.fs.Stat(local(p))
	if err != nil {
		return fmt.Errorf("remove %s: %w", p, err)
	}
	if info.IsDir() {
		return fmt.Errorf("remove %s: is a directory", p)
	}
	return t.fs.Remove(local(p))
}

// RemoveDirectory implements transport.Transport.
func (t *Transport) RemoveDirectory(ctx context.Context, p string) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	if err := t.requireDir(p); err != nil {
		return fmt.Errorf("rmdir %s: %w", p, err)
	}
	entries, err := t.fs.ReadDir(local(p))
	if err != nil {
		return fmt.Errorf("rmdir %s: %w", p, err)
	}
	if len(entries) > 0 {
		return fmt.Errorf("rmdir %s: directory not empty", p)
	}
	return t.fs.Remove(local(p))
}

// ListDirectory implements transport.Transport.
func (t *Transport) ListDirectory(ctx context.Context, p string) ([]transport.Entry, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	infos, err := t.fs.ReadDir(local(p))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", p, err)
	}
	entries := make([]transport.Entry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, transport.Entry{Name: info.Name(), IsDir: info.IsDir()})
	}
	return entries, nil
}

// Close implements transport.Transport.
func (t *Transport) Close() error {
	t.closed = true
	return nil
}
