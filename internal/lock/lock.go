// Package lock serialises sync runs against the same root with an
// advisory file lock.
package lock

import (
	"path/filepath"

	"github.com/gofrs/flock"

	xerrors "github.com/schaermu/xsync/internal/errors"
)

// FileName is the lock file created in the sync root
const FileName = ".xsync.lock"

// Lock is a held run lock
type Lock struct {
	fl *flock.Flock
}

// Acquire takes the run lock for root without blocking. It fails with a
// KindLocked error when another process holds it.
func Acquire(root string) (*Lock, error) {
	path := filepath.Join(root, FileName)
	fl := flock.New(path)

	locked, err := fl.TryLock()
	if err != nil {
		return nil, xerrors.NewLocalIOError("lock", path, err)
	}
	if !locked {
		return nil, xerrors.NewLockedError(root)
	}
	return &Lock{fl: fl}, nil
}

// Path returns the lock file location
func (l *Lock) Path() string {
	return l.fl.Path()
}

// Release drops the lock. The lock file itself is left in place.
func (l *Lock) Release() error {
	return l.fl.Unlock()
}
