package execution

import (
	"context"
	"testing"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/outpost-build/remotestore/pkg/local"
	"github.com/outpost-build/remotestore/pkg/store"
	"github.com/outpost-build/remotestore/pkg/tree"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
)

func newOutputsOnlyStore(t *testing.T) *store.Store {
	byteStore, err := local.NewByteStore(local.DefaultOptions(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { byteStore.Close() })
	return store.New(store.Options{Local: byteStore})
}

// TestBuildResultCombinesFilesAndTrees exercises buildResult's output
// merge against both a flat OutputFile and a nested OutputDirectory
// carrying its own Tree.
func TestBuildResultCombinesFilesAndTrees(t *testing.T) {
	s := newOutputsOnlyStore(t)

	rootFileDigest, err := s.StoreFileBytes([]byte("hello.txt contents"))
	require.NoError(t, err)

	nestedFileDigest, err := s.StoreFileBytes([]byte("nested contents"))
	require.NoError(t, err)
	nestedDir := &remoteexecution.Directory{
		Files: []*remoteexecution.FileNode{
			{Name: "nested.txt", Digest: nestedFileDigest.ToProto()},
		},
	}
	treeProto := &remoteexecution.Tree{Root: nestedDir}
	treeData, err := proto.Marshal(treeProto)
	require.NoError(t, err)
	treeDigest, err := s.StoreFileBytes(treeData)
	require.NoError(t, err)

	ar := &remoteexecution.ActionResult{
		OutputFiles: []*remoteexecution.OutputFile{
			{Path: "hello.txt", Digest: rootFileDigest.ToProto()},
		},
		OutputDirectories: []*remoteexecution.OutputDirectory{
			{Path: "sub", TreeDigest: treeDigest.ToProto()},
		},
	}

	result, err := buildResult(context.Background(), s, &remoteexecution.ExecuteResponse{Result: ar})
	require.NoError(t, err)

	outputRoot, err := s.LoadDigestTrie(context.Background(), result.OutputRootDigest)
	require.NoError(t, err)
	require.Len(t, outputRoot.Files, 1)
	require.Equal(t, "hello.txt", outputRoot.Files[0].Name)
	require.Len(t, outputRoot.Directories, 1)
	require.Equal(t, "sub", outputRoot.Directories[0].Name)
	require.Equal(t, []tree.FileEntry{{Name: "nested.txt", Digest: nestedFileDigest}}, outputRoot.Directories[0].Trie.Files)
}
