// Package tree implements the directory side of the data model:
// canonicality checking for the protobuf Directory manifest, the
// decoded DigestTrie form, and the operations that walk, expand, and
// materialize it. Grounded on original_source's store.rs (walk,
// expand_directory, materialize_directory) and bb-storage's
// pkg/cas/content_addressable_storage.go.
package tree

import (
	"sort"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/outpost-build/remotestore/pkg/digest"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FileEntry describes one file child of a directory.
type FileEntry struct {
	Name         string
	Digest       digest.Digest
	IsExecutable bool
}

// SymlinkEntry describes one symlink child of a directory.
type SymlinkEntry struct {
	Name   string
	Target string
}

// DigestTrie is the fully decoded, in-memory form of a directory
// manifest and every directory it transitively references: one node
// per directory, carrying its own digest and its children.
type DigestTrie struct {
	RootDigest  digest.Digest
	Files       []FileEntry
	Directories []*DirectoryChild
	Symlinks    []SymlinkEntry
}

// DirectoryChild names a subdirectory and holds its own decoded trie.
type DirectoryChild struct {
	Name string
	Trie *DigestTrie
}

// CheckCanonical verifies the invariants spec.md §3 requires of a
// directory manifest: files, directories, and symlinks are each
// sorted by name; no name is empty, contains '/', or is "." or "..";
// no two children (across all three lists) share a name.
func CheckCanonical(dir *remoteexecution.Directory) error {
	names := make(map[string]struct{}, len(dir.Files)+len(dir.Directories)+len(dir.Symlinks))
	checkName := func(kind, name string) error {
		if name == "" || name == "." || name == ".." {
			return status.Errorf(codes.InvalidArgument, "%s has invalid name %q", kind, name)
		}
		for i := 0; i < len(name); i++ {
			if name[i] == '/' {
				return status.Errorf(codes.InvalidArgument, "%s name %q contains a path separator", kind, name)
			}
		}
		if _, ok := names[name]; ok {
			return status.Errorf(codes.InvalidArgument, "duplicate entry name %q", name)
		}
		names[name] = struct{}{}
		return nil
	}

	lastFile := ""
	for _, f := range dir.Files {
		if err := checkName("file", f.Name); err != nil {
			return err
		}
		if f.Name < lastFile {
			return status.Errorf(codes.InvalidArgument, "files are not sorted: %q follows %q", f.Name, lastFile)
		}
		lastFile = f.Name
		if _, err := digest.NewFromProto(f.Digest); err != nil {
			return status.Errorf(codes.InvalidArgument, "file %q has an invalid digest: %s", f.Name, err)
		}
	}

	lastDir := ""
	for _, d := range dir.Directories {
		if err := checkName("directory", d.Name); err != nil {
			return err
		}
		if d.Name < lastDir {
			return status.Errorf(codes.InvalidArgument, "directories are not sorted: %q follows %q", d.Name, lastDir)
		}
		lastDir = d.Name
		if _, err := digest.NewFromProto(d.Digest); err != nil {
			return status.Errorf(codes.InvalidArgument, "directory %q has an invalid digest: %s", d.Name, err)
		}
	}

	lastSymlink := ""
	for _, s := range dir.Symlinks {
		if err := checkName("symlink", s.Name); err != nil {
			return err
		}
		if s.Name < lastSymlink {
			return status.Errorf(codes.InvalidArgument, "symlinks are not sorted: %q follows %q", s.Name, lastSymlink)
		}
		lastSymlink = s.Name
	}
	return nil
}

// ToProto re-encodes the trie's own (non-recursive) directory level,
// i.e. just this node, as a canonical Directory manifest.
func (t *DigestTrie) ToProto() *remoteexecution.Directory {
	dir := &remoteexecution.Directory{}
	for _, f := range t.Files {
		dir.Files = append(dir.Files, &remoteexecution.FileNode{
			Name:         f.Name,
			Digest:       f.Digest.ToProto(),
			IsExecutable: f.IsExecutable,
		})
	}
	for _, d := range t.Directories {
		dir.Directories = append(dir.Directories, &remoteexecution.DirectoryNode{
			Name:   d.Name,
			Digest: d.Trie.RootDigest.ToProto(),
		})
	}
	for _, s := range t.Symlinks {
		dir.Symlinks = append(dir.Symlinks, &remoteexecution.SymlinkNode{
			Name:   s.Name,
			Target: s.Target,
		})
	}
	sortDirectory(dir)
	return dir
}

func sortDirectory(dir *remoteexecution.Directory) {
	sort.Slice(dir.Files, func(i, j int) bool { return dir.Files[i].Name < dir.Files[j].Name })
	sort.Slice(dir.Directories, func(i, j int) bool { return dir.Directories[i].Name < dir.Directories[j].Name })
	sort.Slice(dir.Symlinks, func(i, j int) bool { return dir.Symlinks[i].Name < dir.Symlinks[j].Name })
}

// FileContent is one entry of contents_for_directory's sorted output.
type FileContent struct {
	Path         string
	Content      []byte
	IsExecutable bool
}

// Entry is one entry of entries_for_directory's sorted output: either
// a file (metadata only; its content is not loaded) or a
// directory/symlink marker.
type Entry struct {
	Path         string
	IsDirectory  bool
	IsSymlink    bool
	SymlinkTarget string
	Digest       digest.Digest
	IsExecutable bool
}

// ContentsForDirectory returns every file reachable from t, sorted by
// path, matching store.rs's contents_for_directory.
func ContentsForDirectory(t *DigestTrie, load func(digest.Digest) ([]byte, error)) ([]FileContent, error) {
	var out []FileContent
	var walk func(prefix string, node *DigestTrie) error
	walk = func(prefix string, node *DigestTrie) error {
		for _, f := range node.Files {
			data, err := load(f.Digest)
			if err != nil {
				return status.Errorf(codes.Internal, "couldn't find file contents for %s%s: %s", prefix, f.Name, err)
			}
			out = append(out, FileContent{Path: prefix + f.Name, Content: data, IsExecutable: f.IsExecutable})
		}
		for _, d := range node.Directories {
			if err := walk(prefix+d.Name+"/", d.Trie); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk("", t); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// EntriesForDirectory enumerates every file, directory, and symlink
// reachable from t, sorted by path.
func EntriesForDirectory(t *DigestTrie) []Entry {
	var out []Entry
	var walk func(prefix string, node *DigestTrie)
	walk = func(prefix string, node *DigestTrie) {
		for _, f := range node.Files {
			out = append(out, Entry{Path: prefix + f.Name, Digest: f.Digest, IsExecutable: f.IsExecutable})
		}
		for _, s := range node.Symlinks {
			out = append(out, Entry{Path: prefix + s.Name, IsSymlink: true, SymlinkTarget: s.Target})
		}
		for _, d := range node.Directories {
			out = append(out, Entry{Path: prefix + d.Name, IsDirectory: true, Digest: d.Trie.RootDigest})
			walk(prefix+d.Name+"/", d.Trie)
		}
	}
	walk("", t)
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// ExpandDigests returns the set of every digest reachable from t:
// itself plus every descendant directory and file, matching
// store.rs's expand_directory.
func ExpandDigests(t *DigestTrie) digest.Set {
	out := digest.NewSet()
	var walk func(node *DigestTrie)
	walk = func(node *DigestTrie) {
		out.Add(node.RootDigest)
		for _, f := range node.Files {
			out.Add(f.Digest)
		}
		for _, d := range node.Directories {
			walk(d.Trie)
		}
	}
	walk(t)
	return out
}
