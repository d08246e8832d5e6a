// Package walk enumerates the directories and files under a sync root.
package walk

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"

	xerrors "github.com/schaermu/xsync/internal/errors"
	"github.com/schaermu/xsync/internal/ignore"
	"github.com/schaermu/xsync/internal/lock"
	"github.com/schaermu/xsync/internal/manifest"
)

// Root is the key under which the sync root itself is listed
const Root = "."

var errInvalidName = errors.New("file name is not valid UTF-8")

// Listing is the live state of a sync root. Paths are slash-separated and
// relative to the root.
type Listing struct {
	// Dirs starts with Root and lists every directory parent before child
	Dirs []string
	// Files lists every regular file
	Files []string
}

// IsMetadata reports whether name is one of xsync's own bookkeeping files
func IsMetadata(name string) bool {
	switch name {
	case manifest.FileName, ignore.FileName, lock.FileName:
		return true
	}
	return strings.HasPrefix(name, manifest.TempPrefix)
}

// Tree walks fsys from its root and returns every directory and file not
// excluded by patterns. Ignored directories are not descended into. A name
// that is not valid UTF-8 fails the walk, as the manifest cannot record it.
func Tree(fsys billy.Filesystem, patterns ignore.Patterns) (*Listing, error) {
	listing := &Listing{}

	err := util.Walk(fsys, Root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return xerrors.NewLocalIOError("walk", p, err)
		}

		rel := filepath.ToSlash(p)
		if rel == Root {
			listing.Dirs = append(listing.Dirs, Root)
			return nil
		}

		if patterns.Match(rel) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if !utf8.ValidString(rel) {
			return xerrors.NewLocalIOError("walk", rel, errInvalidName)
		}

		switch {
		case info.IsDir():
			listing.Dirs = append(listing.Dirs, rel)
		case info.Mode().IsRegular():
			if !IsMetadata(info.Name()) {
				listing.Files = append(listing.Files, rel)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return listing, nil
}

// Files is a convenience wrapper returning only the file sequence
func Files(fsys billy.Filesystem, patterns ignore.Patterns) ([]string, error) {
	listing, err := Tree(fsys, patterns)
	if err != nil {
		return nil, err
	}
	return listing.Files, nil
}

// Dirs is a convenience wrapper returning only the directory sequence
func Dirs(fsys billy.Filesystem, patterns ignore.Patterns) ([]string, error) {
	listing, err := Tree(fsys, patterns)
	if err != nil {
		return nil, err
	}
	return listing.Dirs, nil
}
