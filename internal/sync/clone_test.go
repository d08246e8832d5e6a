package sync

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-git/go-billy/v5/osfs"

	"github.com/schaermu/xsync/internal/checksum"
	"github.com/schaermu/xsync/internal/config"
	xerrors "github.com/schaermu/xsync/internal/errors"
	"github.com/schaermu/xsync/internal/manifest"
	"github.com/schaermu/xsync/internal/testutil"
	"github.com/schaermu/xsync/internal/walk"
)

func seedRemote(t *testing.T, f *fixture) {
	t.Helper()
	testutil.WriteTree(t, f.remote, map[string]string{
		"src/keep.txt":              "keep",
		"src/test2/b.txt":           "b",
		"src/test2/test3/test_file": "this is a test sync file",
		"src/empty/":                "",
	})
}

func TestClone(t *testing.T) {
	f := newFixture(t, nil)
	seedRemote(t, f)

	target := filepath.Join(t.TempDir(), "clone")
	local, err := LocalDir(target)
	if err != nil {
		t.Fatal(err)
	}

	report, err := f.engine(config.SyncConfig{}).Clone(context.Background(), "src", local, true)
	if err != nil {
		t.Fatalf("Clone failed: %v", err)
	}

	got := testutil.ReadTree(t, target, walk.IsMetadata)
	want := map[string]string{
		"keep.txt":              "keep",
		"test2/b.txt":           "b",
		"test2/test3/test_file": "this is a test sync file",
	}
	if len(got) != len(want) {
		t.Errorf("cloned tree = %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("cloned %s = %q, want %q", k, got[k], v)
		}
	}
	if !testutil.Exists(t, target, "empty") {
		t.Error("empty remote folder should be created locally")
	}
	if report.FilesDownloaded != 3 || report.FoldersCreated != 3 {
		t.Errorf("unexpected report: %+v", report)
	}

	m, err := manifest.NewStore(local).Load()
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{walk.Root, "empty", "test2", "test2/test3"} {
		if _, ok := m.Folders[key]; !ok {
			t.Errorf("folder %s not recorded", key)
		}
	}
	if m.Files["test2/b.txt"] != checksum.Sum([]byte("b")) {
		t.Errorf("file checksum not recorded: %v", m.Files)
	}
}

func TestClone_ParentBeforeChild(t *testing.T) {
	f := newFixture(t, nil)
	seedRemote(t, f)

	local, err := LocalDir(filepath.Join(t.TempDir(), "clone"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine(config.SyncConfig{}).Clone(context.Background(), "src", local, false); err != nil {
		t.Fatalf("Clone failed: %v", err)
	}

	listed := make(map[string]int)
	for i, call := range f.tr.Calls() {
		if strings.HasPrefix(call, "list ") {
			listed[strings.TrimPrefix(call, "list ")] = i
		}
		if strings.HasPrefix(call, "download ") {
			p := strings.TrimPrefix(call, "download ")
			parent := filepath.ToSlash(filepath.Dir(p))
			idx, ok := listed[parent]
			if !ok || idx > i {
				t.Errorf("%s downloaded before its folder was listed", p)
			}
		}
	}

	if testutil.Exists(t, local.Root(), manifest.FileName) {
		t.Error("manifest must only be written when recording")
	}
}

func TestClone_RecordedTreeSyncsWithoutTransfers(t *testing.T) {
	f := newFixture(t, nil)
	seedRemote(t, f)

	target := filepath.Join(t.TempDir(), "clone")
	local, err := LocalDir(target)
	if err != nil {
		t.Fatal(err)
	}
	eng := f.engine(config.SyncConfig{})
	if _, err := eng.Clone(context.Background(), "src", local, true); err != nil {
		t.Fatalf("Clone failed: %v", err)
	}

	f.tr.Reset()
	report, err := eng.Sync(context.Background(), target, "src")
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if report.Changed() {
		t.Errorf("sync after recorded clone changed something: %+v", report)
	}
	if calls := f.tr.Calls(); len(calls) != 0 {
		t.Errorf("unexpected remote calls: %v", calls)
	}
}

func TestClone_DryRun(t *testing.T) {
	f := newFixture(t, nil)
	seedRemote(t, f)

	target := filepath.Join(t.TempDir(), "clone")
	local, err := LocalDir(target)
	if err != nil {
		t.Fatal(err)
	}
	report, err := f.engine(config.SyncConfig{DryRun: true}).Clone(context.Background(), "src", local, true)
	if err != nil {
		t.Fatalf("Clone failed: %v", err)
	}
	if report.FilesDownloaded != 3 {
		t.Errorf("unexpected report: %+v", report)
	}
	if got := testutil.ReadTree(t, target, nil); len(got) != 0 {
		t.Errorf("dry run wrote files: %v", got)
	}
}

func TestClone_MissingRemote(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.engine(config.SyncConfig{}).Clone(context.Background(), "nope", osfs.New(t.TempDir()), false)
	if !errors.Is(err, xerrors.ErrRemoteOperation) {
		t.Fatalf("expected remote operation error, got %v", err)
	}
}

func TestCloneFile(t *testing.T) {
	f := newFixture(t, nil)
	seedRemote(t, f)

	target := t.TempDir()
	local := osfs.New(target)
	report, err := f.engine(config.SyncConfig{}).CloneFile(context.Background(), "src/test2/test3/test_file", local, "dummy_file", true)
	if err != nil {
		t.Fatalf("CloneFile failed: %v", err)
	}
	if report.FilesDownloaded != 1 {
		t.Errorf("unexpected report: %+v", report)
	}

	got := testutil.ReadTree(t, target, walk.IsMetadata)
	if got["dummy_file"] != "this is a test sync file" {
		t.Errorf("cloned file = %q", got["dummy_file"])
	}

	m, err := manifest.NewStore(local).Load()
	if err != nil {
		t.Fatal(err)
	}
	if m.Files["dummy_file"] != checksum.Sum([]byte("this is a test sync file")) {
		t.Errorf("checksum not recorded: %v", m.Files)
	}
}

func TestCloneFile_DefaultName(t *testing.T) {
	f := newFixture(t, nil)
	seedRemote(t, f)

	target := t.TempDir()
	if _, err := f.engine(config.SyncConfig{}).CloneFile(context.Background(), "src/keep.txt", osfs.New(target), "", false); err != nil {
		t.Fatalf("CloneFile failed: %v", err)
	}
	if !testutil.Exists(t, target, "keep.txt") {
		t.Error("expected file under its remote base name")
	}
}
