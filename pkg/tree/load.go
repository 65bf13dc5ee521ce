package tree

import (
	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/outpost-build/remotestore/pkg/digest"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DirectoryLoader fetches and decodes the Directory manifest stored
// under d, verifying canonicality. It is implemented by
// pkg/store.Store in production and by a map-backed fake in tests.
type DirectoryLoader func(d digest.Digest) (*remoteexecution.Directory, error)

// LoadDigestTrie walks rootDigest recursively via load, building the
// full in-memory trie. Every directory encountered must already be
// canonical (the loader is expected to enforce that); this function's
// own job is just assembling the tree and catching dangling symlink-
// free structural errors, matching store.rs's recursive directory
// fetch behind load_digest_trie.
func LoadDigestTrie(rootDigest digest.Digest, load DirectoryLoader) (*DigestTrie, error) {
	if rootDigest.IsEmpty() {
		return &DigestTrie{RootDigest: rootDigest}, nil
	}
	dir, err := load(rootDigest)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to load directory %s: %s", rootDigest, err)
	}

	node := &DigestTrie{RootDigest: rootDigest}
	for _, f := range dir.Files {
		fd, err := digest.NewFromProto(f.Digest)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "directory %s has file %q with an invalid digest: %s", rootDigest, f.Name, err)
		}
		node.Files = append(node.Files, FileEntry{Name: f.Name, Digest: fd, IsExecutable: f.IsExecutable})
	}
	for _, s := range dir.Symlinks {
		node.Symlinks = append(node.Symlinks, SymlinkEntry{Name: s.Name, Target: s.Target})
	}
	for _, d := range dir.Directories {
		childDigest, err := digest.NewFromProto(d.Digest)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "directory %s has subdirectory %q with an invalid digest: %s", rootDigest, d.Name, err)
		}
		childTrie, err := LoadDigestTrie(childDigest, load)
		if err != nil {
			return nil, err
		}
		node.Directories = append(node.Directories, &DirectoryChild{Name: d.Name, Trie: childTrie})
	}
	return node, nil
}

// MissingDigestBehavior selects how ExpandDigestsFrom reacts to a
// digest it cannot load, per spec.md §10's supplemented feature.
type MissingDigestBehavior int

const (
	// Error fails the whole expansion (the default).
	Error MissingDigestBehavior = iota
	// Fetch forces a back-fill via load, surfacing any load error.
	// With a store-backed DirectoryLoader this behaves identically to
	// Error, since load always attempts a back-fill; Fetch exists so
	// callers can be explicit about intent (ensure_local_has_recursive_directory).
	Fetch
	// Ignore skips a digest that cannot be loaded, omitting it (and
	// everything beneath it) from the result instead of failing.
	Ignore
)

// ExpandDigestsFrom is the behavior-aware counterpart to ExpandDigests:
// it performs the recursive load itself rather than assuming a trie is
// already in hand, so Ignore can skip over a dangling reference instead
// of failing the whole walk.
func ExpandDigestsFrom(rootDigest digest.Digest, load DirectoryLoader, behavior MissingDigestBehavior) (digest.Set, error) {
	out := digest.NewSet()
	var walk func(d digest.Digest) error
	walk = func(d digest.Digest) error {
		if d.IsEmpty() {
			out.Add(d)
			return nil
		}
		dir, err := load(d)
		if err != nil {
			if behavior == Ignore {
				return nil
			}
			return status.Errorf(codes.Internal, "failed to expand directory %s: %s", d, err)
		}
		out.Add(d)
		for _, f := range dir.Files {
			fd, err := digest.NewFromProto(f.Digest)
			if err != nil {
				return err
			}
			out.Add(fd)
		}
		for _, sub := range dir.Directories {
			subDigest, err := digest.NewFromProto(sub.Digest)
			if err != nil {
				return err
			}
			if err := walk(subDigest); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(rootDigest); err != nil {
		return nil, err
	}
	return out, nil
}
