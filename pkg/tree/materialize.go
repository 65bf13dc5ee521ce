package tree

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/outpost-build/remotestore/pkg/digest"
	"github.com/outpost-build/remotestore/pkg/util"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Permissions selects the mode materialized files and directories are
// written with, per spec.md §4.4 "materialize_directory".
type Permissions int

const (
	// Writable lays files out at 0o755/0o644 (executable/non-executable).
	Writable Permissions = iota
	// ReadOnly lays files out at 0o555/0o444 and sets every parent
	// directory's mode to 0o555 on the way out.
	ReadOnly
)

// materializationLock is the process-global write lock spec.md §5
// requires: two concurrent MaterializeDirectory calls never race to
// write the same path. It is held only across the write phase.
var materializationLock sync.Mutex

// InvalidateWatcher lets the calling engine drop cached file metadata
// for paths this package just wrote or cleared, per spec.md §4.4 step
// 5. A nil Watcher is a valid no-op.
type InvalidateWatcher interface {
	Invalidate(path string)
}

// MaterializeOptions bounds the concurrency of a single
// MaterializeDirectory call, following store.rs's per-store
// concurrency limiter (spec.md §10's supplemented feature).
type MaterializeOptions struct {
	ConcurrencyLimit int64
	Watcher          InvalidateWatcher
}

// MaterializeDirectory lays out t under destination, following
// store.rs's materialize_directory/materialize_file verbatim in
// spirit: files are opened with the executable-aware mode, written,
// and fsynced before the call returns; symlinks and empty directories
// are recreated directly.
func MaterializeDirectory(ctx context.Context, destination string, t *DigestTrie, perms Permissions, load func(digest.Digest) ([]byte, error), opts MaterializeOptions) error {
	limit := opts.ConcurrencyLimit
	if limit <= 0 {
		limit = 32
	}
	sem := semaphore.NewWeighted(limit)

	materializationLock.Lock()
	defer materializationLock.Unlock()

	if err := os.MkdirAll(destination, 0o755); err != nil {
		return status.Errorf(codes.Internal, "failed to create directory %s: %s", destination, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if err := materializeNode(gctx, destination, t, perms, load, sem, g, opts.Watcher); err != nil {
		return err
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if perms == ReadOnly {
		return lockDownTree(destination, t)
	}
	return nil
}

func materializeNode(ctx context.Context, destination string, node *DigestTrie, perms Permissions, load func(digest.Digest) ([]byte, error), sem *semaphore.Weighted, g *errgroup.Group, watcher InvalidateWatcher) error {
	for _, f := range node.Files {
		f := f
		if err := util.AcquireSemaphore(ctx, sem, 1); err != nil {
			return status.Errorf(codes.Internal, "failed to acquire materialization slot: %s", err)
		}
		g.Go(func() error {
			defer sem.Release(1)
			return materializeFile(filepath.Join(destination, f.Name), f, perms, load, watcher)
		})
	}
	for _, s := range node.Symlinks {
		path := filepath.Join(destination, s.Name)
		os.Remove(path)
		if err := unix.Symlink(s.Target, path); err != nil {
			return status.Errorf(codes.Internal, "failed to create symlink %s -> %s: %s", path, s.Target, err)
		}
		if watcher != nil {
			watcher.Invalidate(path)
		}
	}
	for _, d := range node.Directories {
		path := filepath.Join(destination, d.Name)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return status.Errorf(codes.Internal, "failed to create directory %s: %s", path, err)
		}
		if err := materializeNode(ctx, path, d.Trie, perms, load, sem, g, watcher); err != nil {
			return err
		}
	}
	return nil
}

func materializeFile(path string, f FileEntry, perms Permissions, load func(digest.Digest) ([]byte, error), watcher InvalidateWatcher) error {
	data, err := load(f.Digest)
	if err != nil {
		return util.StatusWrapfWithCode(err, codes.Internal, "file with digest %s not found", f.Digest)
	}
	mode := os.FileMode(0o644)
	if f.IsExecutable {
		mode = 0o755
	}
	if perms == ReadOnly {
		if f.IsExecutable {
			mode = 0o555
		} else {
			mode = 0o444
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return status.Errorf(codes.Internal, "failed to open %s for writing: %s", path, err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return status.Errorf(codes.Internal, "failed to write %s: %s", path, err)
	}
	// Materialized files are visible to sibling processes, so the data
	// must reach disk before this call returns, not merely the page cache.
	if err := unix.Fsync(int(file.Fd())); err != nil {
		file.Close()
		return status.Errorf(codes.Internal, "failed to fsync %s: %s", path, err)
	}
	if err := file.Close(); err != nil {
		return status.Errorf(codes.Internal, "failed to close %s: %s", path, err)
	}
	if watcher != nil {
		watcher.Invalidate(path)
	}
	return nil
}

// lockDownTree sets every directory's mode to 0o555 on the way out of
// a ReadOnly materialization, post-order so a parent isn't locked
// before its children are written.
func lockDownTree(destination string, node *DigestTrie) error {
	for _, d := range node.Directories {
		if err := lockDownTree(filepath.Join(destination, d.Name), d.Trie); err != nil {
			return err
		}
	}
	return os.Chmod(destination, 0o555)
}
