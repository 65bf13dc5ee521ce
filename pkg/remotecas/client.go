package remotecas

import (
	"context"
	"time"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	grpc_retry "github.com/grpc-ecosystem/go-grpc-middleware/retry"
	"github.com/outpost-build/remotestore/pkg/util"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"
	"google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	logging "gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("remotecas")

func init() {
	prometheus.MustRegister(grpc_prometheus.DefaultClientMetrics)
}

// retryableCodes is the allow-list spec.md §4.3 calls for: transient
// statuses safe to retry internally. It is derived from
// util.IsInfrastructureError rather than hand-duplicated, so the retry
// interceptor's notion of "transient" can never drift from the rest of
// this module's.
var retryableCodes = infrastructureCodes()

func infrastructureCodes() []codes.Code {
	candidates := []codes.Code{
		codes.Canceled, codes.Unknown, codes.DeadlineExceeded, codes.ResourceExhausted,
		codes.Aborted, codes.Internal, codes.Unavailable,
	}
	var out []codes.Code
	for _, c := range candidates {
		if util.IsInfrastructureError(status.Error(c, "")) {
			out = append(out, c)
		}
	}
	return out
}

// Client is a gRPC client against a REv2 ByteStream/ContentAddressableStorage
// service pair, following pkg/blobstore/grpcclients/cas_blob_access.go and
// please's src/remote/remote.go dial/retry idiom.
type Client struct {
	opts       Options
	conn       *grpc.ClientConn
	byteStream bytestream.ByteStreamClient
	cas        remoteexecution.ContentAddressableStorageClient

	// sem bounds how many Read/Write/FindMissingBlobs RPCs may be in flight at once
	// (opts.ConcurrencyLimit); nil means unbounded.
	sem *semaphore.Weighted
}

func newSemaphore(limit int64) *semaphore.Weighted {
	if limit <= 0 {
		return nil
	}
	return semaphore.NewWeighted(limit)
}

// acquire bounds concurrent RPCs by opts.ConcurrencyLimit, releasing
// via the returned func. A nil semaphore (unbounded) is a no-op.
func (c *Client) acquire(ctx context.Context) (func(), error) {
	if c.sem == nil {
		return func() {}, nil
	}
	if err := util.AcquireSemaphore(ctx, c.sem, 1); err != nil {
		return nil, err
	}
	return func() { c.sem.Release(1) }, nil
}

// Dial establishes the connection, wiring the retry and Prometheus
// client interceptors onto both the unary and streaming paths.
func Dial(opts Options) (*Client, error) {
	var transportCreds grpc.DialOption
	if opts.TLSConfig != nil {
		transportCreds = grpc.WithTransportCredentials(credentials.NewTLS(opts.TLSConfig))
	} else {
		transportCreds = grpc.WithTransportCredentials(insecure.NewCredentials())
	}

	retryOpts := []grpc_retry.CallOption{
		grpc_retry.WithMax(uint(opts.Retries)),
		grpc_retry.WithCodes(retryableCodes...),
		grpc_retry.WithBackoff(grpc_retry.BackoffLinear(100 * time.Millisecond)),
	}

	conn, err := grpc.NewClient(
		opts.Address,
		transportCreds,
		grpc.WithChainUnaryInterceptor(
			grpc_retry.UnaryClientInterceptor(retryOpts...),
			grpc_prometheus.UnaryClientInterceptor,
		),
		grpc.WithChainStreamInterceptor(
			grpc_retry.StreamClientInterceptor(retryOpts...),
			grpc_prometheus.StreamClientInterceptor,
		),
	)
	if err != nil {
		return nil, err
	}
	return &Client{
		opts:       opts,
		conn:       conn,
		byteStream: bytestream.NewByteStreamClient(conn),
		cas:        remoteexecution.NewContentAddressableStorageClient(conn),
		sem:        newSemaphore(opts.ConcurrencyLimit),
	}, nil
}

// NewFromConn wraps an already-dialed connection, used by tests to
// point a Client at an in-process bufconn server.
func NewFromConn(conn grpc.ClientConnInterface, opts Options) *Client {
	return &Client{
		opts:       opts,
		byteStream: bytestream.NewByteStreamClient(conn),
		cas:        remoteexecution.NewContentAddressableStorageClient(conn),
		sem:        newSemaphore(opts.ConcurrencyLimit),
	}
}

// Close tears down the underlying connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// requestMetadataHeader is the REv2 header name carrying the
// tool/build-id RequestMetadata proto, base64-free since it travels as
// a raw binary metadata value (the "-bin" suffix convention).
const requestMetadataHeader = "build.bazel.remote.execution.v2.requestmetadata-bin"

// withHeaders attaches the caller-supplied headers, the bearer token
// (if configured) and a RequestMetadata proto to an outgoing context,
// matching spec.md §4.3 "Headers"/"Auth".
func (c *Client) withHeaders(ctx context.Context, toolInvocationID string) context.Context {
	md := metadata.MD{}
	for k, v := range c.opts.Headers {
		md.Append(k, v)
	}
	if c.opts.BearerToken != "" {
		md.Append("authorization", "Bearer "+c.opts.BearerToken)
	}
	requestMetadata, err := requestMetadataProto(toolInvocationID)
	if err == nil {
		md.Append(requestMetadataHeader, string(requestMetadata))
	}
	return metadata.NewOutgoingContext(ctx, md)
}

func requestMetadataProto(toolInvocationID string) ([]byte, error) {
	rm := &remoteexecution.RequestMetadata{
		ToolDetails: &remoteexecution.ToolDetails{
			ToolName: "outpost-remotestore",
		},
		ToolInvocationId: toolInvocationID,
	}
	return proto.Marshal(rm)
}
