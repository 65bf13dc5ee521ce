package execution

import (
	"context"
	"time"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/outpost-build/remotestore/pkg/clock"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/genproto/googleapis/longrunning"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	logging "gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("execution")

func init() {
	// pkg/remotecas registers the same collector in its own init.
	if err := prometheus.Register(grpc_prometheus.DefaultClientMetrics); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
			panic(err)
		}
	}
}

// Client is a gRPC client against a REv2 Execution/Operations service
// pair, following remotecas.Client's dial idiom and please's
// src/remote/remote.go Clients wiring (execution_client +
// operations_client).
type Client struct {
	opts        Options
	conn        *grpc.ClientConn
	executionC  remoteexecution.ExecutionClient
	operationsC longrunning.OperationsClient
	clock       clock.Clock
}

func clockOrDefault(c clock.Clock) clock.Clock {
	if c == nil {
		return clock.SystemClock
	}
	return c
}

// Dial establishes the connection, wiring the Prometheus client
// interceptors (retry is handled by this package's own poll/backoff
// loop rather than the generic retry interceptor, since spec.md §4.6
// draws a hard line between transient-RPC retry and missing-input
// restart).
func Dial(opts Options) (*Client, error) {
	var transportCreds grpc.DialOption
	if opts.TLSConfig != nil {
		transportCreds = grpc.WithTransportCredentials(credentials.NewTLS(opts.TLSConfig))
	} else {
		transportCreds = grpc.WithTransportCredentials(insecure.NewCredentials())
	}

	conn, err := grpc.NewClient(
		opts.Address,
		transportCreds,
		grpc.WithChainUnaryInterceptor(grpc_prometheus.UnaryClientInterceptor),
		grpc.WithChainStreamInterceptor(grpc_prometheus.StreamClientInterceptor),
	)
	if err != nil {
		return nil, err
	}
	return &Client{
		opts:        opts,
		conn:        conn,
		executionC:  remoteexecution.NewExecutionClient(conn),
		operationsC: longrunning.NewOperationsClient(conn),
		clock:       clockOrDefault(opts.Clock),
	}, nil
}

// NewFromConn wraps an already-dialed connection, used by tests to
// point a Client at an in-process bufconn server.
func NewFromConn(conn grpc.ClientConnInterface, opts Options) *Client {
	return &Client{
		opts:        opts,
		executionC:  remoteexecution.NewExecutionClient(conn),
		operationsC: longrunning.NewOperationsClient(conn),
		clock:       clockOrDefault(opts.Clock),
	}
}

// Close tears down the underlying connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) withHeaders(ctx context.Context) context.Context {
	md := metadata.MD{}
	for k, v := range c.opts.Headers {
		md.Append(k, v)
	}
	if c.opts.BearerToken != "" {
		md.Append("authorization", "Bearer "+c.opts.BearerToken)
	}
	return metadata.NewOutgoingContext(ctx, md)
}

func (c *Client) instanceName(process Process) string {
	if process.InstanceName != "" {
		return process.InstanceName
	}
	return c.opts.InstanceName
}

// cancelOperation issues the best-effort CancelOperation call spec.md
// §4.6/§5 describe, on a detached context so that the caller's own
// cancellation doesn't also cancel the cancellation request.
func (c *Client) cancelOperation(operationName string) {
	if operationName == "" {
		return
	}
	ctx, cancel := c.clock.NewContextWithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ctx = c.withHeaders(ctx)
	if _, err := c.operationsC.CancelOperation(ctx, &longrunning.CancelOperationRequest{Name: operationName}); err != nil {
		log.Debugf("best-effort CancelOperation(%s) failed: %s", operationName, err)
	}
}
