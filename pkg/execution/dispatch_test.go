package execution_test

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/outpost-build/remotestore/pkg/clock"
	"github.com/outpost-build/remotestore/pkg/digest"
	"github.com/outpost-build/remotestore/pkg/execution"
	"github.com/outpost-build/remotestore/pkg/local"
	"github.com/outpost-build/remotestore/pkg/remotecas"
	"github.com/outpost-build/remotestore/pkg/store"
	"github.com/stretchr/testify/require"
	"google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/genproto/googleapis/longrunning"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	rpcstatus "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/emptypb"
)

// fakeByteStreamServer and fakeCASServer mirror pkg/store's own test
// doubles: a minimal in-memory ByteStream/CAS pair good enough to let
// EnsureRemoteHasRecursive actually move bytes during these tests.
type fakeByteStreamServer struct {
	bytestream.UnimplementedByteStreamServer
	mu    sync.Mutex
	blobs map[string][]byte
}

func (s *fakeByteStreamServer) Read(req *bytestream.ReadRequest, stream bytestream.ByteStream_ReadServer) error {
	s.mu.Lock()
	data, ok := s.blobs[keyFromResourceName(req.ResourceName)]
	s.mu.Unlock()
	if !ok {
		return grpcstatus.Error(codes.NotFound, "blob not found")
	}
	return stream.Send(&bytestream.ReadResponse{Data: data})
}

func (s *fakeByteStreamServer) Write(stream bytestream.ByteStream_WriteServer) error {
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
}

func (s *fakeCASServer) FindMissingBlobs(ctx context.Context, req *remoteexecution.FindMissingBlobsRequest) (*remoteexecution.FindMissingBlobsResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp := &remoteexecution.FindMissingBlobsResponse{}
	for _, d := range req.BlobDigests {
		if !s.present[d.Hash] {
			resp.MissingBlobDigests = append(resp.MissingBlobDigests, d)
		}
	}
	return resp, nil
}

// fakeOperationsServer records every CancelOperation call it receives.
type fakeOperationsServer struct {
	longrunning.UnimplementedOperationsServer
	mu        sync.Mutex
	cancelled []string
}

func (s *fakeOperationsServer) CancelOperation(ctx context.Context, req *longrunning.CancelOperationRequest) (*emptypb.Empty, error) {
	s.mu.Lock()
	s.cancelled = append(s.cancelled, req.Name)
	s.mu.Unlock()
	return &emptypb.Empty{}, nil
}

// successExecutionServer finishes the Operation on the first Execute
// message, matching the oneshot_execute idiom this package drives.
type successExecutionServer struct {
	remoteexecution.UnimplementedExecutionServer
	resp *remoteexecution.ExecuteResponse
}

func (s *successExecutionServer) Execute(req *remoteexecution.ExecuteRequest, stream remoteexecution.Execution_ExecuteServer) error {
	return stream.Send(doneOperation("op-success", s.resp))
}

// missingInputExecutionServer fails its first Execute with a
// FailedPrecondition/MISSING for missingDigest, then succeeds once
// the client has uploaded it.
type missingInputExecutionServer struct {
	remoteexecution.UnimplementedExecutionServer
	mu            sync.Mutex
	calls         int
	missingDigest digest.Digest
	resp          *remoteexecution.ExecuteResponse
}

func (s *missingInputExecutionServer) Execute(req *remoteexecution.ExecuteRequest, stream remoteexecution.Execution_ExecuteServer) error {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()
	if call == 1 {
		return stream.Send(failedPreconditionOperation("op-retry", s.missingDigest))
	}
	return stream.Send(doneOperation("op-retry-2", s.resp))
}

// flakyExecutionServer fails its first Execute with a transient
// Unavailable status (no Operation at all), then succeeds, exercising
// the retryable/backoff path distinct from missingInputExecutionServer's
// MISSING-precondition restart.
type flakyExecutionServer struct {
	remoteexecution.UnimplementedExecutionServer
	mu    sync.Mutex
	calls int
	resp  *remoteexecution.ExecuteResponse
}

func (s *flakyExecutionServer) Execute(req *remoteexecution.ExecuteRequest, stream remoteexecution.Execution_ExecuteServer) error {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()
	if call == 1 {
		return grpcstatus.Error(codes.Unavailable, "transient hiccup")
	}
	return stream.Send(doneOperation("op-flaky", s.resp))
}

// hangExecutionServer reports an in-progress Operation and then blocks
// forever on WaitExecution, so a test can exercise cancellation.
type hangExecutionServer struct {
	remoteexecution.UnimplementedExecutionServer
}

func (s *hangExecutionServer) Execute(req *remoteexecution.ExecuteRequest, stream remoteexecution.Execution_ExecuteServer) error {
	return stream.Send(&longrunning.Operation{Name: "op-hang", Done: false})
}

func (s *hangExecutionServer) WaitExecution(req *remoteexecution.WaitExecutionRequest, stream remoteexecution.Execution_WaitExecutionServer) error {
	<-stream.Context().Done()
	return stream.Context().Err()
}

func doneOperation(name string, resp *remoteexecution.ExecuteResponse) *longrunning.Operation {
	a, err := anypb.New(resp)
	if err != nil {
		panic(err)
	}
	return &longrunning.Operation{Name: name, Done: true, Result: &longrunning.Operation_Response{Response: a}}
}

func failedPreconditionOperation(name string, missing digest.Digest) *longrunning.Operation {
	violation := &errdetails.PreconditionFailure_Violation{
		Type:    "MISSING",
		Subject: fmt.Sprintf("blobs/%s/%d", missing.GetHashString(), missing.GetSizeBytes()),
	}
	pf := &errdetails.PreconditionFailure{Violations: []*errdetails.PreconditionFailure_Violation{violation}}
	pfAny, err := anypb.New(pf)
	if err != nil {
		panic(err)
	}
	resp := &remoteexecution.ExecuteResponse{
		Status: &rpcstatus.Status{
			Code:    int32(codes.FailedPrecondition),
			Details: []*anypb.Any{pfAny},
		},
	}
	return doneOperation(name, resp)
}

// testHarness wires a Store (local + fake remote CAS) and an
// execution.Client against a single in-process bufconn server.
type testHarness struct {
	t          *testing.T
	store      *store.Store
	client     *execution.Client
	bs         *fakeByteStreamServer
	cas        *fakeCASServer
	operations *fakeOperationsServer
}

func newTestHarness(t *testing.T, execServer remoteexecution.ExecutionServer, optFns ...func(*execution.Options)) *testHarness {
	bs := &fakeByteStreamServer{blobs: map[string][]byte{}}
	cas := &fakeCASServer{present: map[string]bool{}}
	ops := &fakeOperationsServer{}

	lis := bufconn.Listen(1024 * 1024)
	srv := grpc.NewServer()
	bytestream.RegisterByteStreamServer(srv, bs)
	remoteexecution.RegisterContentAddressableStorageServer(srv, cas)
	remoteexecution.RegisterExecutionServer(srv, execServer)
	longrunning.RegisterOperationsServer(srv, ops)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	remote := remotecas.NewFromConn(conn, remotecas.DefaultOptions(""))
	byteStore, err := local.NewByteStore(local.DefaultOptions(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { byteStore.Close() })
	s := store.New(store.Options{Local: byteStore, Remote: remote})

	opts := execution.DefaultOptions("")
	for _, fn := range optFns {
		fn(&opts)
	}
	client := execution.NewFromConn(conn, opts)

	return &testHarness{t: t, store: s, client: client, bs: bs, cas: cas, operations: ops}
}

func simpleProcess(t *testing.T, s *store.Store) execution.Process {
	inputDigest, err := s.StoreFileBytes([]byte("irrelevant input root placeholder"))
	require.NoError(t, err)
	return execution.Process{
		Argv:            []string{"/bin/echo", "hi"},
		InputRootDigest: inputDigest,
		Description:     "echo hi",
	}
}

func TestExecuteSuccess(t *testing.T) {
	resp := &remoteexecution.ExecuteResponse{
		Result: &remoteexecution.ActionResult{
			ExitCode:  0,
			StdoutRaw: []byte("hi\n"),
		},
	}
	h := newTestHarness(t, &successExecutionServer{resp: resp})

	result, err := h.client.Execute(context.Background(), h.store, simpleProcess(t, h.store))
	require.NoError(t, err)
	require.Equal(t, int32(0), result.ExitCode)
	require.False(t, result.StdoutDigest.IsEmpty())
}

func TestExecuteMissingInputRestartsFresh(t *testing.T) {
	blob := []byte("a blob the worker doesn't have yet")
	missingDigest := digest.NewFromBlob(blob)

	resp := &remoteexecution.ExecuteResponse{Result: &remoteexecution.ActionResult{ExitCode: 0}}
	execServer := &missingInputExecutionServer{missingDigest: missingDigest, resp: resp}
	h := newTestHarness(t, execServer)

	stored, err := h.store.StoreFileBytes(blob)
	require.NoError(t, err)
	require.Equal(t, missingDigest, stored)

	result, err := h.client.Execute(context.Background(), h.store, simpleProcess(t, h.store))
	require.NoError(t, err)
	require.Equal(t, int32(0), result.ExitCode)
	require.Equal(t, 2, execServer.calls)
	require.True(t, h.bs.hasDigest(missingDigest))
}

// instantClock is clock.SystemClock with NewTimer short-circuited, so
// Execute's retry backoff fires immediately instead of actually
// sleeping, proving the wait is driven by the injected clock.
type instantClock struct {
	clock.Clock
}

func (instantClock) NewTimer(d time.Duration) (clock.Timer, <-chan time.Time) {
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return instantTimer{}, ch
}

type instantTimer struct{}

func (instantTimer) Stop() bool { return true }

func TestExecuteRetriesTransientRPCErrorViaInjectedClock(t *testing.T) {
	resp := &remoteexecution.ExecuteResponse{Result: &remoteexecution.ActionResult{ExitCode: 0}}
	execServer := &flakyExecutionServer{resp: resp}
	h := newTestHarness(t, execServer, func(opts *execution.Options) {
		opts.Clock = instantClock{Clock: clock.SystemClock}
	})

	start := time.Now()
	result, err := h.client.Execute(context.Background(), h.store, simpleProcess(t, h.store))
	require.NoError(t, err)
	require.Equal(t, int32(0), result.ExitCode)
	require.Equal(t, 2, execServer.calls)
	require.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestExecuteCancellationCallsCancelOperation(t *testing.T) {
	h := newTestHarness(t, &hangExecutionServer{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := h.client.Execute(ctx, h.store, simpleProcess(t, h.store))
	require.Error(t, err)

	h.operations.mu.Lock()
	defer h.operations.mu.Unlock()
	require.Contains(t, h.operations.cancelled, "op-hang")
}

// hasDigest reports whether an upload for d reached the ByteStream
// server.
func (s *fakeByteStreamServer) hasDigest(d digest.Digest) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blobs[fmt.Sprintf("%s/%d", d.GetHashString(), d.GetSizeBytes())]
	return ok
}
