package store

import (
	"context"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/outpost-build/remotestore/pkg/digest"
	"github.com/outpost-build/remotestore/pkg/tree"
)

// loaderFor returns the byte-loading closure pkg/tree's walkers need,
// backed by EnsureLocalHasFile's back-fill path so a caller may
// materialize a tree that isn't fully local yet.
func (s *Store) loaderFor(ctx context.Context) func(digest.Digest) ([]byte, error) {
	return func(d digest.Digest) ([]byte, error) {
		v, err := s.LoadFileBytesWith(ctx, digest.File, d, func(data []byte) (interface{}, error) {
			buf := make([]byte, len(data))
			copy(buf, data)
			return buf, nil
		})
		if err != nil {
			return nil, err
		}
		data, _ := v.([]byte)
		return data, nil
	}
}

// MaterializeDirectory implements spec.md §4.4's materialize_directory:
// load the full trie, then hand it to pkg/tree's concurrent, fsync'd
// writer.
func (s *Store) MaterializeDirectory(ctx context.Context, destination string, dirDigest digest.Digest, perms tree.Permissions, opts tree.MaterializeOptions) error {
	trie, err := s.LoadDigestTrie(ctx, dirDigest)
	if err != nil {
		return err
	}
	return tree.MaterializeDirectory(ctx, destination, trie, perms, s.loaderFor(ctx), opts)
}

// ContentsForDirectory implements spec.md §4.4's contents_for_directory.
func (s *Store) ContentsForDirectory(ctx context.Context, dirDigest digest.Digest) ([]tree.FileContent, error) {
	trie, err := s.LoadDigestTrie(ctx, dirDigest)
	if err != nil {
		return nil, err
	}
	return tree.ContentsForDirectory(trie, s.loaderFor(ctx))
}

// EntriesForDirectory implements spec.md §4.4's entries_for_directory.
func (s *Store) EntriesForDirectory(ctx context.Context, dirDigest digest.Digest) ([]tree.Entry, error) {
	trie, err := s.LoadDigestTrie(ctx, dirDigest)
	if err != nil {
		return nil, err
	}
	return tree.EntriesForDirectory(trie), nil
}

// ExpandDigests implements the supplemented expand_digests operation
// (spec.md §10), offering all three MissingDigestBehavior policies
// directly against the coordinator instead of a bare loader.
func (s *Store) ExpandDigests(ctx context.Context, rootDigest digest.Digest, behavior tree.MissingDigestBehavior) (digest.Set, error) {
	return tree.ExpandDigestsFrom(rootDigest, func(d digest.Digest) (*remoteexecution.Directory, error) {
		return s.LoadDirectory(ctx, d)
	}, behavior)
}
