package manifest

import (
	"os"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"

	xerrors "github.com/schaermu/xsync/internal/errors"
)

// Store reads and writes the manifest at the root of a filesystem.
// Update is serialised by a mutex, so a Store may be shared by concurrent
// transfer workers while keeping a single writer.
type Store struct {
	fs billy.Filesystem
	mu sync.Mutex
}

// NewStore creates a store for the manifest at the root of fsys
func NewStore(fsys billy.Filesystem) *Store {
	return &Store{fs: fsys}
}

// Path returns the manifest location for diagnostics
func (s *Store) Path() string {
	return s.fs.Join(s.fs.Root(), FileName)
}

// EnsureExists writes an empty manifest when none is present. An existing
// manifest is never touched.
func (s *Store) EnsureExists() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.fs.Stat(FileName)
	if err == nil {
		return nil
	}
	if !os.IsNotExist(err) {
		return xerrors.NewLocalIOError("stat manifest", s.Path(), err)
	}
	return s.write(New())
}

// Read returns the raw manifest text
func (s *Store) Read() (string, error) {
	data, err := util.ReadFile(s.fs, FileName)
	if err != nil {
		return "", xerrors.NewLocalIOError("read manifest", s.Path(), err)
	}
	return string(data), nil
}

// Load reads and parses the manifest
func (s *Store) Load() (*Manifest, error) {
	text, err := s.Read()
	if err != nil {
		return nil, err
	}
	return Parse(text)
}

// Update applies action to namespace ns and persists the whole manifest
// before returning.
func (s *Store) Update(ns Namespace, action Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.Load()
	if err != nil {
		return err
	}
	m.Apply(ns, action)
	return s.write(m)
}

// write replaces the manifest through a temp file and rename so readers
// never observe a partial file.
func (s *Store) write(m *Manifest) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}

	tmp, err := util.TempFile(s.fs, ".", TempPrefix)
	if err != nil {
		return xerrors.NewLocalIOError("create manifest temp file", s.Path(), err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = s.fs.Remove(tmpName)
	}() // cleanup on error

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return xerrors.NewLocalIOError("write manifest", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return xerrors.NewLocalIOError("write manifest", tmpName, err)
	}

	if err := s.fs.Rename(tmpName, FileName); err != nil {
		return xerrors.NewLocalIOError("replace manifest", s.Path(), err)
	}
	return nil
}
