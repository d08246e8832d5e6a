package diff

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"

	"github.com/schaermu/xsync/internal/checksum"
	"github.com/schaermu/xsync/internal/ignore"
	"github.com/schaermu/xsync/internal/manifest"
	"github.com/schaermu/xsync/internal/walk"
)

func TestCompute_EmptyManifest(t *testing.T) {
	listing := &walk.Listing{Dirs: []string{"."}, Files: []string{"a.txt"}}

	res := Compute(manifest.New(), listing, nil)

	assert.Equal(t, []string{"."}, res.FoldersToAdd)
	assert.Equal(t, []string{"a.txt"}, res.FilesToAdd)
	assert.Empty(t, res.FilesToRemove)
	assert.Empty(t, res.FilesToCheck)
}

func TestCompute_DeletedFile(t *testing.T) {
	m := manifest.New()
	m.Apply(manifest.Folders, manifest.Add(".", ""))
	m.Apply(manifest.Files, manifest.Add("a.txt", checksum.Sum([]byte("hi"))))

	res := Compute(m, &walk.Listing{Dirs: []string{"."}}, nil)

	assert.Equal(t, []string{"a.txt"}, res.FilesToRemove)
	assert.Empty(t, res.FilesToAdd)
	assert.Empty(t, res.FoldersToAdd)
	assert.False(t, res.Empty())
}

func TestCompute_TrackedFileIsChecked(t *testing.T) {
	m := manifest.New()
	m.Apply(manifest.Folders, manifest.Add(".", ""))
	m.Apply(manifest.Files, manifest.Add("a.txt", "1"))

	res := Compute(m, &walk.Listing{Dirs: []string{"."}, Files: []string{"a.txt"}}, nil)

	assert.True(t, res.Empty())
	assert.Equal(t, []string{"a.txt"}, res.FilesToCheck)
}

func TestCompute_FolderOrderPreserved(t *testing.T) {
	listing := &walk.Listing{Dirs: []string{".", "b", "b/c", "a"}}
	res := Compute(manifest.New(), listing, nil)
	assert.Equal(t, []string{".", "b", "b/c", "a"}, res.FoldersToAdd)
}

func TestCompute_IgnoredTrackedPathsLeftAlone(t *testing.T) {
	m := manifest.New()
	m.Apply(manifest.Folders, manifest.Add(".", ""))
	m.Apply(manifest.Folders, manifest.Add("temp", ""))
	m.Apply(manifest.Files, manifest.Add("temp/x.txt", "1"))
	m.Apply(manifest.Files, manifest.Add("keep.txt", "2"))

	// The walker no longer lists temp once it is ignored
	listing := &walk.Listing{Dirs: []string{"."}, Files: []string{"keep.txt"}}
	res := Compute(m, listing, ignore.Patterns{"temp"})

	assert.Empty(t, res.FoldersToRemove)
	assert.Empty(t, res.FilesToRemove)
	assert.Equal(t, []string{"keep.txt"}, res.FilesToCheck)

	// Without the pattern the same snapshot plans deletions
	res = Compute(m, listing, nil)
	assert.Equal(t, []string{"temp"}, res.FoldersToRemove)
	assert.Equal(t, []string{"temp/x.txt"}, res.FilesToRemove)
}

func TestToDelete_Sorted(t *testing.T) {
	tracked := map[string]string{"z": "", "a": "", "m": "", "keep": ""}
	assert.Equal(t, []string{"a", "m", "z"}, ToDelete(tracked, []string{"keep"}))
}

func TestToUpload_Deduplicates(t *testing.T) {
	assert.Equal(t, []string{"a"}, ToUpload(nil, []string{"a", "a"}))
}

func TestNeedsUpdate(t *testing.T) {
	assert.False(t, NeedsUpdate("1", "1"))
	assert.True(t, NeedsUpdate("1", "2"))
}

func genPaths() gopter.Gen {
	return gen.SliceOf(gen.IntRange(0, 20)).Map(func(ids []int) []string {
		out := make([]string, len(ids))
		for i, id := range ids {
			out[i] = fmt.Sprintf("dir%d/file%d", id%4, id)
		}
		return out
	})
}

func TestProperty_UploadAndDeleteDisjoint(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("to_upload ∩ to_delete = ∅", prop.ForAll(
		func(trackedPaths, live []string) bool {
			tracked := make(map[string]string, len(trackedPaths))
			for _, p := range trackedPaths {
				tracked[p] = ""
			}
			del := make(map[string]bool)
			for _, p := range ToDelete(tracked, live) {
				del[p] = true
			}
			for _, p := range ToUpload(tracked, live) {
				if del[p] {
					return false
				}
			}
			return true
		},
		genPaths(),
		genPaths(),
	))

	properties.Property("applying the diff converges to an empty diff", prop.ForAll(
		func(trackedPaths, live []string) bool {
			tracked := make(map[string]string, len(trackedPaths))
			for _, p := range trackedPaths {
				tracked[p] = ""
			}
			for _, p := range ToDelete(tracked, live) {
				delete(tracked, p)
			}
			for _, p := range ToUpload(tracked, live) {
				tracked[p] = ""
			}
			return len(ToDelete(tracked, live)) == 0 && len(ToUpload(tracked, live)) == 0
		},
		genPaths(),
		genPaths(),
	))

	properties.TestingRun(t)
}

func TestProperty_IgnoredPathsNeverPlanned(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("ignored paths appear in no diff set", prop.ForAll(
		func(trackedPaths, live []string, ignored int) bool {
			patterns := ignore.Patterns{fmt.Sprintf("dir%d", ignored)}
			m := manifest.New()
			for _, p := range trackedPaths {
				m.Apply(manifest.Files, manifest.Add(p, ""))
			}
			res := Compute(m, &walk.Listing{Dirs: []string{"."}, Files: patterns.Filter(live)}, patterns)
			for _, set := range [][]string{res.FilesToAdd, res.FilesToRemove, res.FilesToCheck, res.FoldersToRemove} {
				for _, p := range set {
					if patterns.Match(p) {
						return false
					}
				}
			}
			return true
		},
		genPaths(),
		genPaths(),
		gen.IntRange(0, 3),
	))

	properties.TestingRun(t)
}
