// Package ignore parses the per-root ignore file and decides whether a
// discovered path is excluded from sync.
package ignore

import (
	"bufio"
	"bytes"
	"os"
	"path"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"

	xerrors "github.com/schaermu/xsync/internal/errors"
)

// FileName is the ignore file looked up at the sync root
const FileName = ".xsyncignore"

// Patterns is a set of root-relative path prefixes. A path is excluded
// when it equals a pattern or lies beneath one. Order does not matter.
type Patterns []string

// Load reads the ignore file at the root of fsys. A missing file yields
// no patterns.
func Load(fsys billy.Filesystem) (Patterns, error) {
	data, err := util.ReadFile(fsys, FileName)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, xerrors.NewLocalIOError("read ignore file", FileName, err)
	}
	patterns, err := Parse(data)
	if err != nil {
		return nil, xerrors.NewLocalIOError("parse ignore file", FileName, err)
	}
	return patterns, nil
}

// Parse extracts patterns from ignore file content. Blank lines and lines
// starting with '#' are skipped. A line longer than bufio.MaxScanTokenSize
// is an error rather than a silent truncation of the pattern list.
func Parse(data []byte) (Patterns, error) {
	var patterns Patterns
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if p := normalize(line); p != "" {
			patterns = append(patterns, p)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return patterns, nil
}

// normalize resolves a pattern relative to the sync root. Patterns that
// resolve to the root itself or escape it are dropped.
func normalize(pattern string) string {
	pattern = strings.ReplaceAll(pattern, "\\", "/")
	pattern = strings.TrimPrefix(pattern, "/")
	p := path.Clean(pattern)
	if p == "." || p == ".." || strings.HasPrefix(p, "../") {
		return ""
	}
	return p
}

// Match reports whether the root-relative slash path p is excluded
func (ps Patterns) Match(p string) bool {
	p = path.Clean(strings.TrimPrefix(p, "./"))
	for _, pattern := range ps {
		if p == pattern || strings.HasPrefix(p, pattern+"/") {
			return true
		}
	}
	return false
}

// Filter returns the paths not matched by any pattern, preserving order
func (ps Patterns) Filter(paths []string) []string {
	if len(ps) == 0 {
		return paths
	}
	kept := make([]string, 0, len(paths))
	for _, p := range paths {
		if !ps.Match(p) {
			kept = append(kept, p)
		}
	}
	return kept
}
