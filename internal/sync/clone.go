package sync

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"

	"github.com/schaermu/xsync/internal/checksum"
	xerrors "github.com/schaermu/xsync/internal/errors"
	"github.com/schaermu/xsync/internal/manifest"
	"github.com/schaermu/xsync/internal/transport"
	"github.com/schaermu/xsync/internal/walk"
)

// Clone downloads the remote tree below remoteRoot into local, depth
// first with every directory created before its contents. With record
// set, the manifest at the root of local tracks every folder and file so
// a later Sync of local only transfers what changed.
func (e *Engine) Clone(ctx context.Context, remoteRoot string, local billy.Filesystem, record bool) (*Report, error) {
	remoteRoot = path.Clean(filepath.ToSlash(remoteRoot))
	report := newReport(ModeClone, remoteRoot, local.Root(), e.cfg.DryRun)

	e.logger.Info("starting clone",
		"remote", remoteRoot,
		"dest", local.Root(),
		"record", record,
		"dry_run", e.cfg.DryRun)

	var store *manifest.Store
	if record && !e.cfg.DryRun {
		store = manifest.NewStore(local)
		if err := store.EnsureExists(); err != nil {
			return nil, err
		}
		if err := store.Update(manifest.Folders, manifest.Add(walk.Root, "")); err != nil {
			return nil, err
		}
	}

	c := &cloner{engine: e, local: local, store: store, report: report}
	if err := c.dir(ctx, remoteRoot, walk.Root); err != nil {
		return report.finish(), err
	}

	e.logger.Info("clone completed successfully",
		"folders", report.FoldersCreated,
		"files", report.FilesDownloaded)
	return report.finish(), nil
}

// CloneFile downloads the single remote file into local as name. With
// record set the file is tracked in the manifest at the root of local.
func (e *Engine) CloneFile(ctx context.Context, remote string, local billy.Filesystem, name string, record bool) (*Report, error) {
	remote = path.Clean(filepath.ToSlash(remote))
	if name == "" {
		name = path.Base(remote)
	}
	report := newReport(ModeClone, remote, local.Join(local.Root(), name), e.cfg.DryRun)

	var store *manifest.Store
	if record && !e.cfg.DryRun {
		store = manifest.NewStore(local)
		if err := store.EnsureExists(); err != nil {
			return nil, err
		}
	}

	c := &cloner{engine: e, local: local, store: store, report: report}
	if err := c.file(ctx, remote, filepath.ToSlash(name)); err != nil {
		return report.finish(), err
	}
	return report.finish(), nil
}

type cloner struct {
	engine *Engine
	local  billy.Filesystem
	store  *manifest.Store
	report *Report
}

// dir mirrors the remote directory into key, which already exists
// locally unless it is the root.
func (c *cloner) dir(ctx context.Context, remote, key string) error {
	e := c.engine

	var entries []transport.Entry
	err := e.withRetry(ctx, "list directory", remote, func(ctx context.Context) error {
		var err error
		entries, err = e.transport.ListDirectory(ctx, remote)
		return err
	})
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.Name == "." || entry.Name == ".." || walk.IsMetadata(entry.Name) {
			continue
		}

		childRemote := path.Join(remote, entry.Name)
		childKey := path.Join(key, entry.Name)

		if !entry.IsDir {
			if err := c.file(ctx, childRemote, childKey); err != nil {
				return err
			}
			continue
		}

		if e.cfg.DryRun {
			e.logger.Info("[dry-run] would create folder", "path", childKey, "remote", childRemote)
		} else {
			e.logger.Info("creating local folder", "path", childKey, "remote", childRemote)
			if err := c.local.MkdirAll(filepath.FromSlash(childKey), 0o755); err != nil {
				return xerrors.NewLocalIOError("create folder", childKey, err)
			}
			if c.store != nil {
				if err := c.store.Update(manifest.Folders, manifest.Add(childKey, "")); err != nil {
					return err
				}
			}
		}
		c.report.FoldersCreated++

		if err := c.dir(ctx, childRemote, childKey); err != nil {
			return err
		}
	}
	return nil
}

// file downloads remote into key
func (c *cloner) file(ctx context.Context, remote, key string) error {
	e := c.engine
	if e.cfg.DryRun {
		e.logger.Info("[dry-run] would download", "path", key, "remote", remote)
		c.report.FilesDownloaded++
		return nil
	}

	e.logger.Info("downloading file", "path", key, "remote", remote)
	var data []byte
	err := e.withRetry(ctx, "download file", remote, func(ctx context.Context) error {
		var err error
		data, _, err = e.transport.DownloadFile(ctx, remote)
		return err
	})
	if err != nil {
		return err
	}

	name := filepath.FromSlash(key)
	if dir := filepath.Dir(name); dir != "." {
		if err := c.local.MkdirAll(dir, 0o755); err != nil {
			return xerrors.NewLocalIOError("create folder", filepath.ToSlash(dir), err)
		}
	}
	if err := util.WriteFile(c.local, name, data, 0o644); err != nil {
		return xerrors.NewLocalIOError("write file", key, err)
	}

	if c.store != nil {
		if err := c.store.Update(manifest.Files, manifest.Add(key, checksum.Sum(data))); err != nil {
			return err
		}
	}
	c.report.FilesDownloaded++
	return nil
}

// LocalDir returns a filesystem rooted at dir, creating it if needed
func LocalDir(dir string) (billy.Filesystem, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, xerrors.NewLocalIOError("create folder", dir, err)
	}
	return osfs.New(dir), nil
}
