package store

import (
	"context"

	"github.com/outpost-build/remotestore/pkg/digest"
	"github.com/outpost-build/remotestore/pkg/local"
	"github.com/outpost-build/remotestore/pkg/tree"
)

// GarbageCollect implements spec.md §4.4's garbage_collect: delegates
// straight to the local store's own shrink algorithm.
func (s *Store) GarbageCollect(targetBytes int64, behavior local.GCBehavior) (int64, error) {
	return s.local.GarbageCollect(targetBytes, behavior)
}

// LeaseAllRecursively extends the lease on dirDigest and every digest
// transitively reachable from it, used by long-running callers (a
// build client pinning its working set) to keep a tree alive across
// several GC sweeps without re-uploading it.
func (s *Store) LeaseAllRecursively(ctx context.Context, dirDigest digest.Digest) error {
	trie, err := s.LoadDigestTrie(ctx, dirDigest)
	if err != nil {
		return err
	}
	var walk func(node *tree.DigestTrie) error
	walk = func(node *tree.DigestTrie) error {
		if err := s.local.Lease(digest.Directory, node.RootDigest); err != nil {
			return err
		}
		for _, f := range node.Files {
			if err := s.local.Lease(digest.File, f.Digest); err != nil {
				return err
			}
		}
		for _, d := range node.Directories {
			if err := walk(d.Trie); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(trie)
}
