package lock

import (
	"errors"
	"testing"

	xerrors "github.com/schaermu/xsync/internal/errors"
)

func TestAcquire_Contended(t *testing.T) {
	root := t.TempDir()

	first, err := Acquire(root)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	_, err = Acquire(root)
	if err == nil {
		t.Fatal("expected second Acquire to fail while the lock is held")
	}
	if !errors.Is(err, xerrors.ErrLocked) {
		t.Errorf("expected locked error, got %v", err)
	}

	if err := first.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	again, err := Acquire(root)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	_ = again.Release()
}
