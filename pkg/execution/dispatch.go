package execution

import (
	"context"
	"errors"
	"fmt"
	"io"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/outpost-build/remotestore/pkg/digest"
	"github.com/outpost-build/remotestore/pkg/store"
	"github.com/outpost-build/remotestore/pkg/util"
	"google.golang.org/genproto/googleapis/longrunning"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Result is what Execute returns on success: the merged output root
// spec.md §4.6 "Result extraction" describes, plus the remaining
// ActionResult fields not folded into it.
type Result struct {
	OutputRootDigest digest.Digest
	ExitCode         int32
	StdoutDigest     digest.Digest
	StderrDigest     digest.Digest
	CachedResult     bool
}

// Execute implements spec.md §4.6's execute_remote: compose the
// Action, upload its input closure, dispatch it, and poll until a
// terminal ExecuteResponse is reached, recovering from transient RPC
// failures and server-reported missing inputs within a single bounded
// retry budget (spec.md §9 "Two-way retry"). Grounded on
// original_source's CommandRunner::run and please's Client.execute.
func (c *Client) Execute(ctx context.Context, s *store.Store, p Process) (*Result, error) {
	if c.opts.OverallDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = c.clock.NewContextWithTimeout(ctx, c.opts.OverallDeadline)
		defer cancel()
	}

	instanceName := c.instanceName(p)
	prepared, err := prepareAction(ctx, s, p, instanceName, c.opts.ExecutionProcessCacheNamespace, p.CacheScope == CacheScopePerRestart)
	if err != nil {
		return nil, err
	}

	initial := digest.NewSet(prepared.commandDigest, prepared.actionDigest)
	if !p.InputRootDigest.IsEmpty() {
		initial.Add(p.InputRootDigest)
	}
	if _, err := s.EnsureRemoteHasRecursive(ctx, initial); err != nil {
		return nil, util.StatusWrapfWithCode(err, codes.Unavailable, "failed to upload input closure for %s", describeProcess(p))
	}

	var operationName string
	for attempt := 0; ; attempt++ {
		var resp *remoteexecution.ExecuteResponse
		resp, operationName, err = c.dispatchAndPoll(ctx, prepared, operationName)
		if err == nil {
			if !resp.CachedResult {
				recordWorkunits(ctx, resp.GetResult().GetExecutionMetadata())
			}
			return buildResult(ctx, s, resp)
		}

		var mi *missingInputs
		if errors.As(err, &mi) {
			if attempt >= c.opts.MaxRetries {
				return nil, status.Errorf(codes.ResourceExhausted, "exceeded retry budget (%d) resolving missing inputs for %s", c.opts.MaxRetries, describeProcess(p))
			}
			missing := digest.NewSet(mi.digests...)
			if _, err := s.EnsureRemoteHasRecursive(ctx, missing); err != nil {
				return nil, util.StatusWrapfWithCode(err, codes.Unavailable, "failed to upload %d missing digests for %s", len(mi.digests), describeProcess(p))
			}
			// A missing-input restart must not resume the previous
			// Operation: the server has already discarded it, per
			// spec.md §9's note that the two retry kinds must not be
			// conflated.
			operationName = ""
			continue
		}

		var re *retryable
		if errors.As(err, &re) {
			if attempt >= c.opts.MaxRetries {
				return nil, status.Errorf(codes.Unavailable, "exceeded retry budget (%d) for %s: %s", c.opts.MaxRetries, describeProcess(p), re.cause)
			}
			timer, timerC := c.clock.NewTimer(backoffFor(attempt + 1))
			select {
			case <-timerC:
			case <-ctx.Done():
				timer.Stop()
				c.cancelOperation(operationName)
				return nil, status.FromContextError(ctx.Err()).Err()
			}
			continue
		}

		c.cancelOperation(operationName)
		if status.Code(err) == codes.DeadlineExceeded {
			return nil, util.StatusWrapf(err, "remote execution of %s timed out", describeProcess(p))
		}
		return nil, err
	}
}

// dispatchAndPoll runs exactly one dispatch-then-poll cycle: if
// resumeOperationName is empty it opens a fresh Execute stream
// ("oneshot_execute"), otherwise it rejoins an in-flight Operation via
// WaitExecution. It returns the finished ExecuteResponse, the
// Operation's name (so a subsequent transient-RPC retry can resume
// it), and a classified error on failure.
func (c *Client) dispatchAndPoll(ctx context.Context, prepared preparedAction, resumeOperationName string) (*remoteexecution.ExecuteResponse, string, error) {
	var op *longrunning.Operation
	var err error
	if resumeOperationName == "" {
		op, err = c.oneshotExecute(ctx, prepared.executeReq)
	} else {
		op, err = c.waitExecution(ctx, resumeOperationName)
	}
	if err != nil {
		return nil, resumeOperationName, err
	}

	operationName := op.Name
	for !op.Done {
		op, err = c.waitExecution(ctx, operationName)
		if err != nil {
			return nil, operationName, err
		}
		if op.Name != "" {
			operationName = op.Name
		}
	}

	resp, err := extractExecuteResponse(op)
	if err != nil {
		return nil, operationName, err
	}
	return resp, operationName, nil
}

// oneshotExecute opens the server-streaming Execute RPC and reads
// only its first message, per please's src/remote/remote.go execute:
// the rest of the stream is redundant with WaitExecution and is left
// unread, which is not an error for a ServerStreamingClient.
func (c *Client) oneshotExecute(ctx context.Context, req *remoteexecution.ExecuteRequest) (*longrunning.Operation, error) {
	ctx = c.withHeaders(ctx)
	stream, err := c.executionC.Execute(ctx, req)
	if err != nil {
		return nil, classifyRPCError(err)
	}
	op, err := stream.Recv()
	if err != nil {
		return nil, classifyRPCError(err)
	}
	return op, nil
}

// waitExecution rejoins an Operation's stream, reading the next
// update it reports.
func (c *Client) waitExecution(ctx context.Context, operationName string) (*longrunning.Operation, error) {
	ctx = c.withHeaders(ctx)
	stream, err := c.executionC.WaitExecution(ctx, &remoteexecution.WaitExecutionRequest{Name: operationName})
	if err != nil {
		return nil, classifyRPCError(err)
	}
	op, err := stream.Recv()
	if err != nil {
		if err == io.EOF {
			return nil, &retryable{cause: status.Error(codes.Unavailable, "WaitExecution stream closed with no terminal Operation")}
		}
		return nil, classifyRPCError(err)
	}
	return op, nil
}

// classifyRPCError maps a raw gRPC error from the Execute/WaitExecution
// streams onto the package's internal control-flow types: the fixed
// allow-list of transient codes becomes *retryable, everything else is
// fatal, matching original_source's rpcerror_recover_cancelled /
// status_is_retryable.
func classifyRPCError(err error) error {
	if err == nil {
		return nil
	}
	if util.IsInfrastructureError(err) {
		return &retryable{cause: err}
	}
	return err
}

// buildResult implements the remainder of spec.md §4.6's "Result
// extraction": merge the ActionResult's output listing into a single
// synthetic directory and resolve stdout/stderr to digests.
func buildResult(ctx context.Context, s *store.Store, resp *remoteexecution.ExecuteResponse) (*Result, error) {
	ar := resp.Result
	if ar == nil {
		return nil, status.Error(codes.Internal, "ExecuteResponse carried no ActionResult")
	}
	outputRoot, err := mergeOutputRoot(ctx, s, ar)
	if err != nil {
		return nil, err
	}
	stdoutDigest, err := resolveStdioDigest(s, ar.StdoutRaw, ar.StdoutDigest)
	if err != nil {
		return nil, err
	}
	stderrDigest, err := resolveStdioDigest(s, ar.StderrRaw, ar.StderrDigest)
	if err != nil {
		return nil, err
	}
	return &Result{
		OutputRootDigest: outputRoot,
		ExitCode:         ar.ExitCode,
		StdoutDigest:     stdoutDigest,
		StderrDigest:     stderrDigest,
		CachedResult:     resp.CachedResult,
	}, nil
}

func describeProcess(p Process) string {
	if p.Description != "" {
		return p.Description
	}
	if len(p.Argv) > 0 {
		return fmt.Sprintf("process %q", p.Argv[0])
	}
	return "process"
}
