// Package manifest persists what the remote side is known to contain.
//
// A manifest holds two namespaces, folders and files, each mapping a
// root-relative path to a checksum string. It is stored as TOML in the
// sync root and rewritten as a whole after every single mutation.
package manifest

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/pelletier/go-toml/v2"

	xerrors "github.com/schaermu/xsync/internal/errors"
)

const (
	// FileName is the manifest file kept at the sync root
	FileName = ".xsync.toml"
	// TempPrefix prefixes the scratch files used for atomic replacement
	TempPrefix = ".xsync.toml.tmp-"
)

// Namespace selects one of the two manifest tables
type Namespace int

const (
	Folders Namespace = iota
	Files
)

func (n Namespace) String() string {
	switch n {
	case Folders:
		return "folders"
	case Files:
		return "files"
	}
	return fmt.Sprintf("namespace(%d)", int(n))
}

// ParseNamespace resolves a table name. Anything but "folders" or "files"
// is rejected.
func ParseNamespace(name string) (Namespace, error) {
	switch name {
	case "folders":
		return Folders, nil
	case "files":
		return Files, nil
	}
	return 0, xerrors.NewInvalidNamespaceError(name)
}

type actionKind int

const (
	actionAdd actionKind = iota
	actionRemove
)

// Action is a single namespace mutation
type Action struct {
	kind  actionKind
	Key   string
	Value string
}

// Add inserts or replaces key with value
func Add(key, value string) Action {
	return Action{kind: actionAdd, Key: key, Value: value}
}

// Remove deletes key; removing an absent key is a no-op
func Remove(key string) Action {
	return Action{kind: actionRemove, Key: key}
}

func (a Action) String() string {
	if a.kind == actionRemove {
		return fmt.Sprintf("remove(%s)", a.Key)
	}
	return fmt.Sprintf("add(%s=%s)", a.Key, a.Value)
}

// Manifest is the decoded manifest
type Manifest struct {
	Folders map[string]string `toml:"folders"`
	Files   map[string]string `toml:"files"`
}

// New returns an empty manifest
func New() *Manifest {
	return &Manifest{
		Folders: make(map[string]string),
		Files:   make(map[string]string),
	}
}

// Table returns the mapping backing ns
func (m *Manifest) Table(ns Namespace) map[string]string {
	if ns == Folders {
		return m.Folders
	}
	return m.Files
}

// Apply mutates the in-memory manifest
func (m *Manifest) Apply(ns Namespace, action Action) {
	table := m.Table(ns)
	switch action.kind {
	case actionAdd:
		table[action.Key] = action.Value
	case actionRemove:
		delete(table, action.Key)
	}
}

// Clone returns a deep copy
func (m *Manifest) Clone() *Manifest {
	c := New()
	for k, v := range m.Folders {
		c.Folders[k] = v
	}
	for k, v := range m.Files {
		c.Files[k] = v
	}
	return c
}

// Parse decodes manifest text. Malformed input yields a
// ManifestParseError; nothing is defaulted.
func Parse(text string) (*Manifest, error) {
	var m Manifest
	if err := toml.Unmarshal([]byte(text), &m); err != nil {
		return nil, xerrors.NewManifestParseError(FileName, err)
	}
	if m.Folders == nil {
		m.Folders = make(map[string]string)
	}
	if m.Files == nil {
		m.Files = make(map[string]string)
	}
	return &m, nil
}

// Encode renders m as TOML. Keys must be valid UTF-8, since TOML cannot
// carry anything else and the file would no longer parse.
func Encode(m *Manifest) ([]byte, error) {
	for _, table := range []map[string]string{m.Folders, m.Files} {
		for key := range table {
			if !utf8.ValidString(key) {
				return nil, xerrors.NewLocalIOError("encode manifest", key, errors.New("path is not valid UTF-8"))
			}
		}
	}
	data, err := toml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	return data, nil
}
