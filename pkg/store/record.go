package store

import (
	"io"

	"github.com/outpost-build/remotestore/pkg/digest"
	"github.com/outpost-build/remotestore/pkg/tree"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

// StoreFileBytes records an opaque blob locally under its own digest,
// with a fresh lease, and returns the digest the caller should
// reference it by. This is the write-side counterpart to
// EnsureLocalHasFile: a caller that already holds the bytes (e.g. a
// freshly produced action output) never needs to round-trip through
// load_file_bytes_with.
func (s *Store) StoreFileBytes(data []byte) (digest.Digest, error) {
	return s.local.Store(digest.File, data, true)
}

// StreamFactory opens a fresh, rewound read of the same underlying
// content each time it is called, matching store.rs's
// OneOffStoreFileByDigest contract. StoreFile calls it once.
type StreamFactory func() (io.ReadCloser, error)

// StoreFile implements store_file(stream_factory, lease?): it opens
// the source once, hashes it while buffering the whole blob in memory
// (bbolt's Put needs the whole value in hand), and stores the buffered
// bytes. It takes no immutable option.
func (s *Store) StoreFile(open StreamFactory, lease bool) (digest.Digest, error) {
	r, err := open()
	if err != nil {
		return digest.BadDigest, status.Errorf(codes.Internal, "failed to open file source: %s", err)
	}
	defer r.Close()

	gen := digest.NewGenerator()
	buf := &bufferingWriter{}
	if _, err := io.Copy(io.MultiWriter(gen, buf), r); err != nil {
		return digest.BadDigest, status.Errorf(codes.Internal, "failed to read file source: %s", err)
	}
	d := gen.Sum()
	if d.IsEmpty() {
		return d, nil
	}
	stored, err := s.local.Store(digest.File, buf.data, lease)
	if err != nil {
		return digest.BadDigest, err
	}
	if stored != d {
		return digest.BadDigest, status.Errorf(codes.Internal, "file source hashed to %s during read but %s on store", d, stored)
	}
	return d, nil
}

// bufferingWriter collects written bytes so StoreFile can hash and
// buffer a rewindable source in a single pass instead of opening it
// twice.
type bufferingWriter struct {
	data []byte
}

func (w *bufferingWriter) Write(p []byte) (int, error) {
	w.data = append(w.data, p...)
	return len(p), nil
}

// RecordDirectory canonicalizes t's own (non-recursive) level,
// encodes it, and stores it locally, returning its digest. Every
// subdirectory referenced by t must already be recorded (callers
// build trees bottom-up, mirroring how DigestTrie itself nests).
func (s *Store) RecordDirectory(t *tree.DigestTrie) (digest.Digest, error) {
	dir := t.ToProto()
	if err := tree.CheckCanonical(dir); err != nil {
		return digest.BadDigest, status.Errorf(codes.Internal, "built a non-canonical directory: %s", err)
	}
	data, err := proto.Marshal(dir)
	if err != nil {
		return digest.BadDigest, status.Errorf(codes.Internal, "failed to marshal directory: %s", err)
	}
	return s.local.Store(digest.Directory, data, true)
}

// RecordDigestTrie recursively records every directory level of t,
// bottom-up, so that the root digest returned matches what a
// subsequent LoadDigestTrie would reconstruct.
func (s *Store) RecordDigestTrie(t *tree.DigestTrie) (digest.Digest, error) {
	for _, child := range t.Directories {
		d, err := s.RecordDigestTrie(child.Trie)
		if err != nil {
			return digest.BadDigest, err
		}
		child.Trie.RootDigest = d
	}
	return s.RecordDirectory(t)
}
