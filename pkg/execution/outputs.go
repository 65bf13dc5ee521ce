package execution

import (
	"context"
	"sort"
	"strings"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/outpost-build/remotestore/pkg/digest"
	"github.com/outpost-build/remotestore/pkg/store"
	"github.com/outpost-build/remotestore/pkg/tree"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

// dirBuilder incrementally assembles the synthetic output root
// spec.md §4.6 describes: "Merge output_files and output_directories
// into a single synthetic directory whose digest is the Process's
// declared output root." Files and grafted subtrees are addressed by
// slash-separated path, matching ActionResult's OutputFile.path /
// OutputDirectory.path conventions.
type dirBuilder struct {
	files  map[string]tree.FileEntry
	dirs   map[string]*dirBuilder
	grafts map[string]*tree.DigestTrie
}

func newDirBuilder() *dirBuilder {
	return &dirBuilder{
		files:  map[string]tree.FileEntry{},
		dirs:   map[string]*dirBuilder{},
		grafts: map[string]*tree.DigestTrie{},
	}
}

func (b *dirBuilder) ensureDir(segments []string) *dirBuilder {
	if len(segments) == 0 {
		return b
	}
	child, ok := b.dirs[segments[0]]
	if !ok {
		child = newDirBuilder()
		b.dirs[segments[0]] = child
	}
	return child.ensureDir(segments[1:])
}

func (b *dirBuilder) addFile(path string, d digest.Digest, isExecutable bool) {
	segs := strings.Split(path, "/")
	name := segs[len(segs)-1]
	parent := b.ensureDir(segs[:len(segs)-1])
	parent.files[name] = tree.FileEntry{Name: name, Digest: d, IsExecutable: isExecutable}
}

func (b *dirBuilder) graft(path string, trie *tree.DigestTrie) {
	segs := strings.Split(path, "/")
	name := segs[len(segs)-1]
	parent := b.ensureDir(segs[:len(segs)-1])
	parent.grafts[name] = trie
}

func (b *dirBuilder) toTrie() *tree.DigestTrie {
	t := &tree.DigestTrie{}
	for _, f := range b.files {
		t.Files = append(t.Files, f)
	}
	sort.Slice(t.Files, func(i, j int) bool { return t.Files[i].Name < t.Files[j].Name })

	names := make([]string, 0, len(b.dirs)+len(b.grafts))
	for name := range b.dirs {
		names = append(names, name)
	}
	for name := range b.grafts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if g, ok := b.grafts[name]; ok {
			t.Directories = append(t.Directories, &tree.DirectoryChild{Name: name, Trie: g})
			continue
		}
		t.Directories = append(t.Directories, &tree.DirectoryChild{Name: name, Trie: b.dirs[name].toTrie()})
	}
	return t
}

// recordTreeProto converts a Tree protobuf (the wire form of one
// OutputDirectory) into a DigestTrie, persisting every directory it
// encounters into the local store — canonicality is required for
// each, per spec.md §4.6: "Persist all encountered Directory protos
// into the local store (canonicality required)."
func recordTreeProto(s *store.Store, t *remoteexecution.Tree) (*tree.DigestTrie, error) {
	byDigest := make(map[digest.Digest]*remoteexecution.Directory, len(t.Children))
	for _, child := range t.Children {
		data, err := proto.Marshal(child)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "failed to marshal Tree child directory: %s", err)
		}
		byDigest[digest.NewFromBlob(data)] = child
	}

	var build func(dir *remoteexecution.Directory) (*tree.DigestTrie, error)
	build = func(dir *remoteexecution.Directory) (*tree.DigestTrie, error) {
		if err := tree.CheckCanonical(dir); err != nil {
			return nil, status.Errorf(codes.Internal, "output directory tree is not canonical: %s", err)
		}
		node := &tree.DigestTrie{}
		for _, f := range dir.Files {
			fd, err := digest.NewFromProto(f.Digest)
			if err != nil {
				return nil, err
			}
			node.Files = append(node.Files, tree.FileEntry{Name: f.Name, Digest: fd, IsExecutable: f.IsExecutable})
		}
		for _, sl := range dir.Symlinks {
			node.Symlinks = append(node.Symlinks, tree.SymlinkEntry{Name: sl.Name, Target: sl.Target})
		}
		for _, sub := range dir.Directories {
			subDigest, err := digest.NewFromProto(sub.Digest)
			if err != nil {
				return nil, err
			}
			childProto, ok := byDigest[subDigest]
			if !ok {
				return nil, status.Errorf(codes.Internal, "Tree is missing child directory %s referenced by %q", subDigest, sub.Name)
			}
			childTrie, err := build(childProto)
			if err != nil {
				return nil, err
			}
			node.Directories = append(node.Directories, &tree.DirectoryChild{Name: sub.Name, Trie: childTrie})
		}
		return node, nil
	}

	root, err := build(t.Root)
	if err != nil {
		return nil, err
	}
	rootDigest, err := s.RecordDigestTrie(root)
	if err != nil {
		return nil, err
	}
	root.RootDigest = rootDigest
	return root, nil
}

// mergeOutputRoot implements the rest of spec.md §4.6's "Result
// extraction": combine output_files and output_directories into one
// synthetic directory and record it, returning its digest.
func mergeOutputRoot(ctx context.Context, s *store.Store, ar *remoteexecution.ActionResult) (digest.Digest, error) {
	builder := newDirBuilder()
	for _, f := range ar.OutputFiles {
		fd, err := digest.NewFromProto(f.Digest)
		if err != nil {
			return digest.BadDigest, status.Errorf(codes.Internal, "output file %q has an invalid digest: %s", f.Path, err)
		}
		builder.addFile(f.Path, fd, f.IsExecutable)
	}
	for _, d := range ar.OutputDirectories {
		treeDigest, err := digest.NewFromProto(d.TreeDigest)
		if err != nil {
			return digest.BadDigest, status.Errorf(codes.Internal, "output directory %q has an invalid tree digest: %s", d.Path, err)
		}
		v, err := s.LoadFileBytesWith(ctx, digest.File, treeDigest, func(data []byte) (interface{}, error) {
			t := &remoteexecution.Tree{}
			if err := proto.Unmarshal(data, t); err != nil {
				return nil, status.Errorf(codes.Internal, "invalid Tree for output directory %q: %s", d.Path, err)
			}
			return t, nil
		})
		if err != nil {
			return digest.BadDigest, err
		}
		trie, err := recordTreeProto(s, v.(*remoteexecution.Tree))
		if err != nil {
			return digest.BadDigest, err
		}
		builder.graft(d.Path, trie)
	}
	return s.RecordDigestTrie(builder.toTrie())
}

// resolveStdioDigest returns the digest identifying raw or already-
// digested stdio bytes, storing raw bytes locally to obtain a digest
// when the server inlined them, per spec.md §4.6: "if raw, store
// locally to yield a digest."
func resolveStdioDigest(s *store.Store, raw []byte, d *remoteexecution.Digest) (digest.Digest, error) {
	if d != nil {
		return digest.NewFromProto(d)
	}
	return s.StoreFileBytes(raw)
}
