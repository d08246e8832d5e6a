package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"golang.org/x/sync/errgroup"

	"github.com/schaermu/xsync/internal/checksum"
	"github.com/schaermu/xsync/internal/config"
	"github.com/schaermu/xsync/internal/diff"
	xerrors "github.com/schaermu/xsync/internal/errors"
	"github.com/schaermu/xsync/internal/ignore"
	"github.com/schaermu/xsync/internal/lock"
	"github.com/schaermu/xsync/internal/manifest"
	"github.com/schaermu/xsync/internal/transport"
	"github.com/schaermu/xsync/internal/walk"
)

// Engine reconciles local trees with a remote side reached through a
// transport. The transport is owned by the caller, who closes it.
type Engine struct {
	cfg       config.SyncConfig
	transport transport.Transport
	logger    *slog.Logger
}

// NewEngine creates a new sync engine
func NewEngine(cfg config.SyncConfig, tr transport.Transport, logger *slog.Logger) *Engine {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:       cfg,
		transport: tr,
		logger:    logger,
	}
}

// Run syncs source, which may be a directory or a single file, to dest
func (e *Engine) Run(ctx context.Context, source, dest string) (*Report, error) {
	info, err := os.Stat(source)
	if err != nil {
		return nil, xerrors.NewLocalIOError("stat source", source, err)
	}
	if info.IsDir() {
		return e.Sync(ctx, source, dest)
	}
	return e.SyncFile(ctx, source, dest)
}

// run is the per-invocation state of Sync
type run struct {
	root     string
	dest     string
	fs       billy.Filesystem
	store    *manifest.Store
	snapshot *manifest.Manifest
	plan     *diff.Result
	report   *Report
}

// Sync reconciles the directory root with dest. An empty dest selects the
// base name of root.
func (e *Engine) Sync(ctx context.Context, root, dest string) (*Report, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, xerrors.NewLocalIOError("resolve root", root, err)
	}
	if dest == "" {
		dest = e.cfg.Dest
	}
	if dest == "" {
		dest = filepath.Base(abs)
	}
	dest = path.Clean(filepath.ToSlash(dest))

	r := &run{
		root:   abs,
		dest:   dest,
		fs:     osfs.New(abs),
		report: newReport(ModeSync, abs, dest, e.cfg.DryRun),
	}
	r.store = manifest.NewStore(r.fs)

	e.logger.Info("starting sync",
		"root", abs,
		"remote", dest,
		"workers", e.cfg.Workers,
		"dry_run", e.cfg.DryRun)

	// Lock
	lk, err := lock.Acquire(abs)
	if err != nil {
		return nil, err
	}
	defer e.release(lk)

	// EnsureManifest
	if !e.cfg.DryRun {
		if err := r.store.EnsureExists(); err != nil {
			return nil, err
		}
	}

	// Walk & filter
	patterns, err := ignore.Load(r.fs)
	if err != nil {
		return nil, err
	}
	listing, err := walk.Tree(r.fs, patterns)
	if err != nil {
		return nil, err
	}
	e.logger.Info("discovered local items", "dirs", len(listing.Dirs), "files", len(listing.Files))

	// Diff
	r.snapshot, err = e.loadSnapshot(r.store)
	if err != nil {
		return nil, err
	}
	r.plan = diff.Compute(r.snapshot, listing, patterns)

	e.logger.Info("sync plan",
		"add_folders", len(r.plan.FoldersToAdd),
		"stale_folders", len(r.plan.FoldersToRemove),
		"add_files", len(r.plan.FilesToAdd),
		"delete_files", len(r.plan.FilesToRemove),
		"check_files", len(r.plan.FilesToCheck))

	// check for dry-run mode
	if e.cfg.DryRun {
		if err := e.logPlanDetails(r); err != nil {
			return nil, err
		}
		e.logger.Info("dry-run complete, no changes applied")
		return r.report.finish(), nil
	}

	if err := e.applyPlan(ctx, r); err != nil {
		return r.report.finish(), err
	}

	e.logger.Info("sync completed successfully",
		"uploaded", r.report.FilesUploaded,
		"updated", r.report.FilesUpdated,
		"removed", r.report.FilesRemoved)
	return r.report.finish(), nil
}

func (e *Engine) release(lk *lock.Lock) {
	if err := lk.Release(); err != nil {
		e.logger.Warn("failed to release lock", "path", lk.Path(), "error", err)
	}
}

// loadSnapshot reads the manifest. In dry-run mode a missing manifest is
// treated as empty since it is never created.
func (e *Engine) loadSnapshot(store *manifest.Store) (*manifest.Manifest, error) {
	m, err := store.Load()
	if err != nil && e.cfg.DryRun && errors.Is(err, xerrors.ErrLocalIO) {
		if _, statErr := os.Stat(store.Path()); os.IsNotExist(statErr) {
			return manifest.New(), nil
		}
	}
	return m, err
}

// applyPlan executes the stages in their fixed order. The first failure
// aborts the run; manifest entries committed so far are kept.
func (e *Engine) applyPlan(ctx context.Context, r *run) error {
	if err := e.ensureChain(ctx, path.Dir(r.dest)); err != nil {
		return err
	}
	if err := e.applyFolders(ctx, r); err != nil {
		return err
	}
	removed, err := e.applyFolderDeletes(ctx, r)
	if err != nil {
		return err
	}
	if err := e.applyFileDeletes(ctx, r, removed); err != nil {
		return err
	}
	if err := e.applyUploads(ctx, r); err != nil {
		return err
	}
	return e.applyUpdates(ctx, r)
}

// remotePath maps a root-relative key below dest
func remotePath(dest, key string) string {
	return path.Join(dest, key)
}

// chain returns p and its ancestors, outermost first
func chain(p string) []string {
	p = path.Clean(p)
	var out []string
	for p != "." && p != "/" {
		out = append(out, p)
		p = path.Dir(p)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// ensureChain creates every component of dir parent first. Existing
// directories are fine; none of them are tracked.
func (e *Engine) ensureChain(ctx context.Context, dir string) error {
	for _, p := range chain(dir) {
		if err := e.createDirectory(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// createDirectory creates p remotely, suppressing "already exists"
func (e *Engine) createDirectory(ctx context.Context, p string) error {
	err := e.withRetry(ctx, "create directory", p, func(ctx context.Context) error {
		return e.transport.CreateDirectory(ctx, p)
	})
	if errors.Is(err, transport.ErrExist) {
		e.logger.Debug("remote directory exists", "remote", p)
		return nil
	}
	return err
}

// applyFolders creates new folders one at a time, parent before child
func (e *Engine) applyFolders(ctx context.Context, r *run) error {
	for _, key := range r.plan.FoldersToAdd {
		if err := ctx.Err(); err != nil {
			return err
		}
		remote := remotePath(r.dest, key)
		e.logger.Info("creating folder", "path", key, "remote", remote)
		if err := e.createDirectory(ctx, remote); err != nil {
			return err
		}
		if err := r.store.Update(manifest.Folders, manifest.Add(key, "")); err != nil {
			return err
		}
		r.report.FoldersCreated++
	}
	return nil
}

// depth counts the components of a key; the root has depth zero
func depth(key string) int {
	if key == walk.Root {
		return 0
	}
	return strings.Count(key, "/") + 1
}

// applyFolderDeletes handles folders that vanished locally. Unless
// deletion is enabled they are only reported. Otherwise each folder is
// emptied of its tracked files and removed, deepest first. The returned
// set holds the file keys removed on the way.
func (e *Engine) applyFolderDeletes(ctx context.Context, r *run) (map[string]struct{}, error) {
	removed := make(map[string]struct{})
	stale := r.plan.FoldersToRemove
	if len(stale) == 0 {
		return removed, nil
	}

	if !e.cfg.DeleteFolders {
		for _, key := range stale {
			e.logger.Warn("folder no longer present locally, keeping remote copy",
				"path", key, "remote", remotePath(r.dest, key))
			r.report.FoldersStale++
		}
		return removed, nil
	}

	ordered := append([]string(nil), stale...)
	sort.Slice(ordered, func(i, j int) bool {
		if di, dj := depth(ordered[i]), depth(ordered[j]); di != dj {
			return di > dj
		}
		return ordered[i] > ordered[j]
	})

	pending := make(map[string]struct{}, len(r.plan.FilesToRemove))
	for _, key := range r.plan.FilesToRemove {
		pending[key] = struct{}{}
	}

	for _, folder := range ordered {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var children []string
		for key := range pending {
			if strings.HasPrefix(key, folder+"/") {
				children = append(children, key)
			}
		}
		sort.Strings(children)
		for _, key := range children {
			if err := e.removeFile(ctx, r, key); err != nil {
				return nil, err
			}
			delete(pending, key)
			removed[key] = struct{}{}
		}

		remote := remotePath(r.dest, folder)
		e.logger.Info("removing folder", "path", folder, "remote", remote)
		err := e.withRetry(ctx, "remove directory", remote, func(ctx context.Context) error {
			return e.transport.RemoveDirectory(ctx, remote)
		})
		if err != nil {
			return nil, err
		}
		if err := r.store.Update(manifest.Folders, manifest.Remove(folder)); err != nil {
			return nil, err
		}
		r.report.FoldersRemoved++
	}
	return removed, nil
}

func (e *Engine) removeFile(ctx context.Context, r *run, key string) error {
	remote := remotePath(r.dest, key)
	e.logger.Info("deleting file", "path", key, "remote", remote)
	err := e.withRetry(ctx, "remove file", remote, func(ctx context.Context) error {
		return e.transport.RemoveFile(ctx, remote)
	})
	if err != nil {
		return err
	}
	if err := r.store.Update(manifest.Files, manifest.Remove(key)); err != nil {
		return err
	}
	r.report.FilesRemoved++
	return nil
}

// applyFileDeletes removes tracked files that vanished locally, skipping
// those already removed with their folder.
func (e *Engine) applyFileDeletes(ctx context.Context, r *run, skip map[string]struct{}) error {
	for _, key := range r.plan.FilesToRemove {
		if _, done := skip[key]; done {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.removeFile(ctx, r, key); err != nil {
			return err
		}
	}
	return nil
}

// outcome is what a transfer worker did with one file
type outcome int

const (
	skipped outcome = iota
	transferred
)

// applyUploads transfers files that were never tracked
func (e *Engine) applyUploads(ctx context.Context, r *run) error {
	results := make([]outcome, len(r.plan.FilesToAdd))
	err := e.forEach(ctx, r.plan.FilesToAdd, func(ctx context.Context, i int, key string) error {
		e.logger.Info("creating file", "path", key)
		if err := e.transfer(ctx, r, key); err != nil {
			return err
		}
		results[i] = transferred
		return nil
	})
	r.report.FilesUploaded += count(results, transferred)
	return err
}

// applyUpdates re-uploads tracked files whose checksum changed
func (e *Engine) applyUpdates(ctx context.Context, r *run) error {
	results := make([]outcome, len(r.plan.FilesToCheck))
	err := e.forEach(ctx, r.plan.FilesToCheck, func(ctx context.Context, i int, key string) error {
		stored := r.snapshot.Files[key]
		applied, err := e.transferIfChanged(ctx, r, key, stored)
		if err != nil {
			return err
		}
		if applied {
			results[i] = transferred
		}
		return nil
	})
	updated := count(results, transferred)
	r.report.FilesUpdated += updated
	if err == nil {
		r.report.FilesUnchanged += len(results) - updated
	}
	return err
}

func count(results []outcome, want outcome) int {
	n := 0
	for _, o := range results {
		if o == want {
			n++
		}
	}
	return n
}

// transferIfChanged uploads key when its checksum differs from stored
func (e *Engine) transferIfChanged(ctx context.Context, r *run, key, stored string) (bool, error) {
	data, err := readLocal(r.fs, key)
	if err != nil {
		return false, err
	}
	sum := checksum.Sum(data)
	if !diff.NeedsUpdate(stored, sum) {
		e.logger.Debug("file unchanged", "path", key)
		return false, nil
	}
	e.logger.Info("updating file", "path", key)
	return true, e.upload(ctx, r, key, data, sum)
}

// transfer reads and uploads key unconditionally
func (e *Engine) transfer(ctx context.Context, r *run, key string) error {
	data, err := readLocal(r.fs, key)
	if err != nil {
		return err
	}
	return e.upload(ctx, r, key, data, checksum.Sum(data))
}

func (e *Engine) upload(ctx context.Context, r *run, key string, data []byte, sum string) error {
	opts := transport.UploadOptions{Size: int64(len(data))}
	if info, err := r.fs.Stat(filepath.FromSlash(key)); err == nil {
		opts.Mode = info.Mode().Perm()
		opts.ModTime = info.ModTime()
	}

	remote := remotePath(r.dest, key)
	err := e.withRetry(ctx, "upload file", remote, func(ctx context.Context) error {
		return e.transport.UploadFile(ctx, remote, data, opts)
	})
	if err != nil {
		return err
	}
	return r.store.Update(manifest.Files, manifest.Add(key, sum))
}

// readLocal reads key from fsys
func readLocal(fsys billy.Filesystem, key string) ([]byte, error) {
	data, err := util.ReadFile(fsys, filepath.FromSlash(key))
	if err != nil {
		return nil, xerrors.NewLocalIOError("read file", key, err)
	}
	return data, nil
}

// forEach runs fn over items on at most Workers goroutines. No new item
// starts after a failure or cancellation.
func (e *Engine) forEach(ctx context.Context, items []string, fn func(ctx context.Context, i int, key string) error) error {
	if len(items) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for i, key := range items {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return fn(gctx, i, key)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// withRetry runs one remote operation under the configured timeout,
// retrying failures up to Retries times. "Already exists" and
// cancellation are returned as is; other failures become remote
// operation errors.
func (e *Engine) withRetry(ctx context.Context, op, p string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt <= e.cfg.Retries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if attempt > 0 {
			e.logger.Warn("retrying remote operation", "op", op, "remote", p, "attempt", attempt, "error", err)
		}

		opCtx, cancel := ctx, context.CancelFunc(func() {})
		if e.cfg.OpTimeout > 0 {
			opCtx, cancel = context.WithTimeout(ctx, e.cfg.OpTimeout)
		}
		err = fn(opCtx)
		cancel()

		if err == nil || errors.Is(err, transport.ErrExist) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return xerrors.NewRemoteError(op, p, err)
}

// logPlanDetails logs what a run would do. Tracked files are read and
// checksummed so the update count is exact.
func (e *Engine) logPlanDetails(r *run) error {
	for _, key := range r.plan.FoldersToAdd {
		e.logger.Info("[dry-run] would create folder", "path", key, "remote", remotePath(r.dest, key))
		r.report.FoldersCreated++
	}
	for _, key := range r.plan.FoldersToRemove {
		if e.cfg.DeleteFolders {
			e.logger.Info("[dry-run] would remove folder", "path", key, "remote", remotePath(r.dest, key))
			r.report.FoldersRemoved++
		} else {
			e.logger.Info("[dry-run] would keep stale folder", "path", key)
			r.report.FoldersStale++
		}
	}
	for _, key := range r.plan.FilesToRemove {
		e.logger.Info("[dry-run] would delete", "path", key, "remote", remotePath(r.dest, key))
		r.report.FilesRemoved++
	}
	for _, key := range r.plan.FilesToAdd {
		e.logger.Info("[dry-run] would add", "path", key, "remote", remotePath(r.dest, key))
		r.report.FilesUploaded++
	}
	for _, key := range r.plan.FilesToCheck {
		data, err := readLocal(r.fs, key)
		if err != nil {
			return err
		}
		if diff.NeedsUpdate(r.snapshot.Files[key], checksum.Sum(data)) {
			e.logger.Info("[dry-run] would update", "path", key, "remote", remotePath(r.dest, key))
			r.report.FilesUpdated++
		} else {
			r.report.FilesUnchanged++
		}
	}
	return nil
}

// SyncFile syncs a single file. Its manifest lives in the file's parent
// directory and the file lands at dest/<name>; an empty dest selects the
// remote working directory.
func (e *Engine) SyncFile(ctx context.Context, file, dest string) (*Report, error) {
	abs, err := filepath.Abs(file)
	if err != nil {
		return nil, xerrors.NewLocalIOError("resolve file", file, err)
	}
	if dest == "" {
		dest = e.cfg.Dest
	}
	if dest == "" {
		dest = "."
	}
	dest = path.Clean(filepath.ToSlash(dest))

	parent, name := filepath.Dir(abs), filepath.Base(abs)
	if walk.IsMetadata(name) {
		return nil, fmt.Errorf("refusing to sync metadata file %s", abs)
	}

	r := &run{
		root:   parent,
		dest:   dest,
		fs:     osfs.New(parent),
		report: newReport(ModeSync, abs, dest, e.cfg.DryRun),
	}
	r.store = manifest.NewStore(r.fs)

	e.logger.Info("starting file sync", "file", abs, "remote", remotePath(dest, name), "dry_run", e.cfg.DryRun)

	lk, err := lock.Acquire(parent)
	if err != nil {
		return nil, err
	}
	defer e.release(lk)

	if !e.cfg.DryRun {
		if err := r.store.EnsureExists(); err != nil {
			return nil, err
		}
	}

	r.snapshot, err = e.loadSnapshot(r.store)
	if err != nil {
		return nil, err
	}

	stored, tracked := r.snapshot.Files[name]
	if e.cfg.DryRun {
		data, err := readLocal(r.fs, name)
		if err != nil {
			return nil, err
		}
		switch {
		case !tracked:
			e.logger.Info("[dry-run] would add", "path", name)
			r.report.FilesUploaded++
		case diff.NeedsUpdate(stored, checksum.Sum(data)):
			e.logger.Info("[dry-run] would update", "path", name)
			r.report.FilesUpdated++
		default:
			r.report.FilesUnchanged++
		}
		return r.report.finish(), nil
	}

	if err := e.ensureChain(ctx, dest); err != nil {
		return r.report.finish(), err
	}

	if !tracked {
		e.logger.Info("creating file", "path", name)
		if err := e.transfer(ctx, r, name); err != nil {
			return r.report.finish(), err
		}
		r.report.FilesUploaded++
		return r.report.finish(), nil
	}

	applied, err := e.transferIfChanged(ctx, r, name, stored)
	if err != nil {
		return r.report.finish(), err
	}
	if applied {
		r.report.FilesUpdated++
	} else {
		e.logger.Info("no update made to file, nothing new to upload", "path", name)
		r.report.FilesUnchanged++
	}
	return r.report.finish(), nil
}
