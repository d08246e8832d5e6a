// Package diff compares a manifest against the live listing of a sync
// root. It performs no I/O.
package diff

import (
	"sort"

	"github.com/schaermu/xsync/internal/ignore"
	"github.com/schaermu/xsync/internal/manifest"
	"github.com/schaermu/xsync/internal/walk"
)

// Result is the outcome of one comparison. The add and remove sets of a
// namespace are always disjoint.
type Result struct {
	FoldersToAdd    []string
	FoldersToRemove []string
	FilesToAdd      []string
	FilesToRemove   []string
	// FilesToCheck are tracked and still present locally. Whether they
	// changed is decided during execution by comparing checksums.
	FilesToCheck []string
}

// Empty reports whether the result carries no structural change. Content
// changes in FilesToCheck are not considered.
func (r *Result) Empty() bool {
	return len(r.FoldersToAdd) == 0 && len(r.FoldersToRemove) == 0 &&
		len(r.FilesToAdd) == 0 && len(r.FilesToRemove) == 0
}

// Compute diffs both namespaces of snapshot against listing. Folder
// additions keep the listing's parent-before-child order. Tracked keys
// matched by patterns are left out of every set, so a path that becomes
// ignored keeps its remote copy and its manifest entry.
func Compute(snapshot *manifest.Manifest, listing *walk.Listing, patterns ignore.Patterns) *Result {
	folders := unignored(snapshot.Folders, patterns)
	files := unignored(snapshot.Files, patterns)
	return &Result{
		FoldersToAdd:    ToUpload(folders, listing.Dirs),
		FoldersToRemove: ToDelete(folders, listing.Dirs),
		FilesToAdd:      ToUpload(files, listing.Files),
		FilesToRemove:   ToDelete(files, listing.Files),
		FilesToCheck:    Tracked(files, listing.Files),
	}
}

func unignored(tracked map[string]string, patterns ignore.Patterns) map[string]string {
	if len(patterns) == 0 {
		return tracked
	}
	out := make(map[string]string, len(tracked))
	for key, value := range tracked {
		if !patterns.Match(key) {
			out[key] = value
		}
	}
	return out
}

// ToDelete returns keys of tracked that are no longer live, sorted
func ToDelete(tracked map[string]string, live []string) []string {
	present := make(map[string]struct{}, len(live))
	for _, p := range live {
		present[p] = struct{}{}
	}

	var out []string
	for key := range tracked {
		if _, ok := present[key]; !ok {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}

// ToUpload returns live paths never tracked, in live order
func ToUpload(tracked map[string]string, live []string) []string {
	var out []string
	seen := make(map[string]struct{}, len(live))
	for _, p := range live {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		if _, ok := tracked[p]; !ok {
			out = append(out, p)
		}
	}
	return out
}

// Tracked returns live paths that are also tracked, in live order
func Tracked(tracked map[string]string, live []string) []string {
	var out []string
	for _, p := range live {
		if _, ok := tracked[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

// NeedsUpdate reports whether the stored checksum differs from current
func NeedsUpdate(stored, current string) bool {
	return stored != current
}
