package local

import (
	"path/filepath"

	"github.com/outpost-build/remotestore/pkg/clock"
	"github.com/outpost-build/remotestore/pkg/digest"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Options configures a ByteStore. It is the plain-struct equivalent
// of the protobuf configuration messages the teacher loads from
// Jsonnet; this module treats configuration loading as an external
// concern (spec.md §1) and only models the resulting values.
type Options struct {
	Root                     string
	ShardCount               int
	FilesMaxSizeBytes        int64
	DirectoriesMaxSizeBytes  int64
	LeaseTime                int64 // seconds; default lease extension on first write
	Clock                    clock.Clock
}

// DefaultOptions returns sensible defaults: 16 shards and a two hour
// lease, matching the original lease length spec.md §3 calls out.
func DefaultOptions(root string) Options {
	return Options{
		Root:                    root,
		ShardCount:              16,
		FilesMaxSizeBytes:       1 << 30,
		DirectoriesMaxSizeBytes: 1 << 30,
		LeaseTime:               2 * 60 * 60,
		Clock:                   clock.SystemClock,
	}
}

// ByteStore is the typed façade over the two sharded local stores
// (files, directories) described in spec.md §4.2. It routes File vs.
// Directory calls to the matching family of shards and offers the
// callback-style load that avoids a redundant copy.
type ByteStore struct {
	files       *ShardedStore
	directories *ShardedStore
	leaseTime   int64
	clock       clock.Clock
}

// NewByteStore opens (or creates) the on-disk layout described in
// spec.md §6: "<root>/files/<shard>/" and "<root>/directories/<shard>/".
func NewByteStore(opts Options) (*ByteStore, error) {
	files, err := OpenShardedStore(filepath.Join(opts.Root, "files"), opts.ShardCount, opts.FilesMaxSizeBytes)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to open files store: %s", err)
	}
	directories, err := OpenShardedStore(filepath.Join(opts.Root, "directories"), opts.ShardCount, opts.DirectoriesMaxSizeBytes)
	if err != nil {
		files.Close()
		return nil, status.Errorf(codes.Internal, "failed to open directories store: %s", err)
	}
	c := opts.Clock
	if c == nil {
		c = clock.SystemClock
	}
	return &ByteStore{files: files, directories: directories, leaseTime: opts.LeaseTime, clock: c}, nil
}

// Close releases both underlying sharded stores.
func (b *ByteStore) Close() error {
	err1 := b.files.Close()
	err2 := b.directories.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

func (b *ByteStore) storeFor(t digest.EntryType) *ShardedStore {
	if t == digest.Directory {
		return b.directories
	}
	return b.files
}

// Store persists data under its own digest, idempotently. If lease is
// true, a fresh default-length lease is set regardless of whether the
// content already existed.
func (b *ByteStore) Store(t digest.EntryType, data []byte, lease bool) (digest.Digest, error) {
	d := digest.NewFromBlob(data)
	if d.IsEmpty() {
		// The empty digest is universally present and is never
		// written to disk (spec.md §3).
		return d, nil
	}
	until := b.clock.Now().Unix() + b.leaseTime
	if err := b.storeFor(t).Put(d, data, lease, until); err != nil {
		return digest.BadDigest, status.Errorf(codes.Internal, "failed to store %s with digest %s: %s", t, d, err)
	}
	return d, nil
}

// LoadWith fetches the bytes stored under d and passes them through f,
// without copying them out for the caller to decode separately. The
// empty digest is served directly, without touching disk.
func (b *ByteStore) LoadWith(t digest.EntryType, d digest.Digest, f func([]byte) (interface{}, error)) (interface{}, bool, error) {
	if d.IsEmpty() {
		v, err := f(nil)
		return v, true, err
	}
	data, err := b.storeFor(t).Get(d)
	if err != nil {
		return nil, false, status.Errorf(codes.Internal, "failed to load %s with digest %s: %s", t, d, err)
	}
	if data == nil {
		return nil, false, nil
	}
	v, err := f(data)
	return v, true, err
}

// EntryType reports which category d belongs to, or that it is
// present in neither. The empty digest is always reported as
// Directory (it is the canonical empty directory encoding as well as
// the empty file).
func (b *ByteStore) EntryType(d digest.Digest) (digest.EntryType, bool, error) {
	if d.IsEmpty() {
		return digest.Directory, true, nil
	}
	if present, _, err := b.directories.Contains(d); err != nil {
		return 0, false, err
	} else if present {
		return digest.Directory, true, nil
	}
	if present, _, err := b.files.Contains(d); err != nil {
		return 0, false, err
	} else if present {
		return digest.File, true, nil
	}
	return 0, false, nil
}

// Lease extends the lease on d to the store's default duration from
// now.
func (b *ByteStore) Lease(t digest.EntryType, d digest.Digest) error {
	if d.IsEmpty() {
		return nil
	}
	until := b.clock.Now().Unix() + b.leaseTime
	return b.storeFor(t).Lease(d, until)
}

// AllDigests enumerates every stored key of a category, used by the
// engine for maintenance such as GC and lease extension sweeps.
func (b *ByteStore) AllDigests(t digest.EntryType) ([]digest.Digest, error) {
	return b.storeFor(t).AllDigests()
}

// GetMissingDigests returns the subset of digests not present
// locally, used by the coordinator before probing the remote.
func (b *ByteStore) GetMissingDigests(t digest.EntryType, digests digest.Set) (digest.Set, error) {
	missing := make(digest.Set, len(digests))
	for d := range digests {
		if d.IsEmpty() {
			continue
		}
		present, _, err := b.storeFor(t).Contains(d)
		if err != nil {
			return nil, err
		}
		if !present {
			missing.Add(d)
		}
	}
	return missing, nil
}
