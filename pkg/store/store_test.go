package store_test

import (
	"bytes"
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/outpost-build/remotestore/pkg/digest"
	"github.com/outpost-build/remotestore/pkg/local"
	"github.com/outpost-build/remotestore/pkg/remotecas"
	"github.com/outpost-build/remotestore/pkg/store"
	"github.com/outpost-build/remotestore/pkg/storeerrors"
	"github.com/outpost-build/remotestore/pkg/tree"
	"github.com/stretchr/testify/require"
	"google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type fakeByteStreamServer struct {
	bytestream.UnimplementedByteStreamServer
	mu         sync.Mutex
	blobs      map[string][]byte
	writeCount int32
	readCount  int32
}

func (s *fakeByteStreamServer) Read(req *bytestream.ReadRequest, stream bytestream.ByteStream_ReadServer) error {
	atomic.AddInt32(&s.readCount, 1)
	key := keyFromResourceName(req.ResourceName)
	s.mu.Lock()
	data, ok := s.blobs[key]
	s.mu.Unlock()
	if !ok {
		return status.Error(codes.NotFound, "blob not found")
	}
	return stream.Send(&bytestream.ReadResponse{Data: data})
}

func (s *fakeByteStreamServer) Write(stream bytestream.ByteStream_WriteServer) error {
	atomic.AddInt32(&s.writeCount, 1)
	var resourceName string
	var data []byte
	for {
		req, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if req.ResourceName != "" {
			resourceName = req.ResourceName
		}
		data = append(data, req.Data...)
		if req.FinishWrite {
			break
		}
	}
	s.mu.Lock()
	s.blobs[keyFromResourceName(resourceName)] = data
	s.mu.Unlock()
	return stream.SendAndClose(&bytestream.WriteResponse{CommittedSize: int64(len(data))})
}

func keyFromResourceName(name string) string {
	const marker = "blobs/"
	for i := 0; i+len(marker) <= len(name); i++ {
		if name[i:i+len(marker)] == marker {
			return name[i+len(marker):]
		}
	}
	return name
}

type fakeCASServer struct {
	remoteexecution.UnimplementedContentAddressableStorageServer
	mu      sync.Mutex
	present map[string]bool
	bs      *fakeByteStreamServer
}

func (s *fakeCASServer) FindMissingBlobs(ctx context.Context, req *remoteexecution.FindMissingBlobsRequest) (*remoteexecution.FindMissingBlobsResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp := &remoteexecution.FindMissingBlobsResponse{}
	for _, d := range req.BlobDigests {
		written := false
		if s.bs != nil {
			s.bs.mu.Lock()
			_, written = s.bs.blobs[d.Hash+"/"+strconv.FormatInt(d.SizeBytes, 10)]
			s.bs.mu.Unlock()
		}
		if !s.present[d.Hash] && !written {
			resp.MissingBlobDigests = append(resp.MissingBlobDigests, d)
		}
	}
	return resp, nil
}

func startFakeRemote(t *testing.T, bs *fakeByteStreamServer, cas *fakeCASServer) *remotecas.Client {
	cas.bs = bs
	lis := bufconn.Listen(1024 * 1024)
	srv := grpc.NewServer()
	bytestream.RegisterByteStreamServer(srv, bs)
	remoteexecution.RegisterContentAddressableStorageServer(srv, cas)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return remotecas.NewFromConn(conn, remotecas.DefaultOptions(""))
}

func newLocalOnlyStore(t *testing.T) *store.Store {
	byteStore, err := local.NewByteStore(local.DefaultOptions(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { byteStore.Close() })
	return store.New(store.Options{Local: byteStore})
}

func TestLoadFileBytesWithLocalHit(t *testing.T) {
	s := newLocalOnlyStore(t)
	d, err := s.StoreFileBytes([]byte("local only"))
	require.NoError(t, err)

	v, err := s.LoadFileBytesWith(context.Background(), digest.File, d, func(data []byte) (interface{}, error) {
		return string(data), nil
	})
	require.NoError(t, err)
	require.Equal(t, "local only", v)
}

func TestStoreFileFromRewindableSource(t *testing.T) {
	s := newLocalOnlyStore(t)
	content := []byte("streamed from a rewindable source")

	open := func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(content)), nil
	}
	d, err := s.StoreFile(open, true)
	require.NoError(t, err)
	require.Equal(t, digest.NewFromBlob(content), d)

	v, err := s.LoadFileBytesWith(context.Background(), digest.File, d, func(data []byte) (interface{}, error) {
		return string(data), nil
	})
	require.NoError(t, err)
	require.Equal(t, string(content), v)
}

func TestLoadFileBytesWithMissingNoRemoteFails(t *testing.T) {
	s := newLocalOnlyStore(t)
	d := digest.NewFromBlob([]byte("never stored"))

	_, err := s.LoadFileBytesWith(context.Background(), digest.File, d, func(data []byte) (interface{}, error) {
		return nil, nil
	})
	require.True(t, storeerrors.IsMissingDigest(err))
}

func TestLoadFileBytesWithRemoteBackfill(t *testing.T) {
	data := []byte("fetched from far away")
	d := digest.NewFromBlob(data)

	bs := &fakeByteStreamServer{blobs: map[string][]byte{d.GetHashString() + "/" + itoa(len(data)): data}}
	cas := &fakeCASServer{present: map[string]bool{}}
	remote := startFakeRemote(t, bs, cas)

	byteStore, err := local.NewByteStore(local.DefaultOptions(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { byteStore.Close() })
	s := store.New(store.Options{Local: byteStore, Remote: remote})

	v, err := s.LoadFileBytesWith(context.Background(), digest.File, d, func(got []byte) (interface{}, error) {
		return string(got), nil
	})
	require.NoError(t, err)
	require.Equal(t, string(data), v)

	// A second load must be served locally, without another remote Read.
	_, err = s.LoadFileBytesWith(context.Background(), digest.File, d, func([]byte) (interface{}, error) { return nil, nil })
	require.NoError(t, err)
	require.Equal(t, int32(1), bs.readCount)
}

func TestEnsureRemoteHasRecursiveUploadsClosure(t *testing.T) {
	bs := &fakeByteStreamServer{blobs: map[string][]byte{}}
	cas := &fakeCASServer{present: map[string]bool{}}
	remote := startFakeRemote(t, bs, cas)

	byteStore, err := local.NewByteStore(local.DefaultOptions(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { byteStore.Close() })
	s := store.New(store.Options{Local: byteStore, Remote: remote})

	fileDigest, err := s.StoreFileBytes([]byte("roland"))
	require.NoError(t, err)
	dirDigest, err := s.RecordDirectory(&tree.DigestTrie{
		Files: []tree.FileEntry{{Name: "roland", Digest: fileDigest}},
	})
	require.NoError(t, err)

	summary, err := s.EnsureRemoteHasRecursive(context.Background(), digest.NewSet(dirDigest))
	require.NoError(t, err)
	require.Equal(t, 2, summary.UploadedCount) // dir + file
	require.Equal(t, 2, summary.IngestedCount)

	missing, err := remote.FindMissing(context.Background(), digest.NewSet(fileDigest, dirDigest))
	require.NoError(t, err)
	require.Empty(t, missing)
}

func TestEnsureRemoteHasRecursiveMissingLocallyFails(t *testing.T) {
	bs := &fakeByteStreamServer{blobs: map[string][]byte{}}
	cas := &fakeCASServer{present: map[string]bool{}}
	remote := startFakeRemote(t, bs, cas)
	s := store.New(store.Options{Local: mustByteStore(t), Remote: remote})

	d := digest.NewFromBlob([]byte("was never recorded"))
	_, err := s.EnsureRemoteHasRecursive(context.Background(), digest.NewSet(d))
	require.True(t, storeerrors.IsMissingDigest(err))
}

func mustByteStore(t *testing.T) *local.ByteStore {
	byteStore, err := local.NewByteStore(local.DefaultOptions(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { byteStore.Close() })
	return byteStore
}

func TestMaterializeDirectoryEndToEnd(t *testing.T) {
	s := newLocalOnlyStore(t)
	fileDigest, err := s.StoreFileBytes([]byte("contents"))
	require.NoError(t, err)
	dirDigest, err := s.RecordDirectory(&tree.DigestTrie{
		Files: []tree.FileEntry{{Name: "f", Digest: fileDigest}},
	})
	require.NoError(t, err)

	dest := t.TempDir()
	require.NoError(t, s.MaterializeDirectory(context.Background(), dest, dirDigest, tree.Writable, tree.MaterializeOptions{}))

	entries, err := s.EntriesForDirectory(context.Background(), dirDigest)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "f", entries[0].Path)
}

func TestGarbageCollectDelegatesToLocalStore(t *testing.T) {
	s := newLocalOnlyStore(t)
	_, err := s.StoreFileBytes([]byte("some bytes"))
	require.NoError(t, err)

	remaining, err := s.GarbageCollect(0, local.Fast)
	require.NoError(t, err)
	require.GreaterOrEqual(t, remaining, int64(0))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
