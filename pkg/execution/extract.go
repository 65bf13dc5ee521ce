package execution

import (
	"strconv"
	"strings"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/outpost-build/remotestore/pkg/digest"
	"github.com/outpost-build/remotestore/pkg/util"
	"google.golang.org/genproto/googleapis/longrunning"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	rpcstatus "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

// preconditionFailureTypeURL is the type URL the server-side details
// field carries for a PreconditionFailure, matching
// original_source's string comparison in extract_execute_response.
const preconditionFailureTypeURL = "type.googleapis.com/google.rpc.PreconditionFailure"

// extractExecuteResponse implements spec.md §4.6's "Result
// extraction": given a finished (done=true) Operation, return its
// decoded ExecuteResponse, or a classified error — fatal,
// *missingInputs, or a DeadlineExceeded status the caller reports as
// a user-facing timeout. Grounded on original_source's
// extract_execute_response.
func extractExecuteResponse(op *longrunning.Operation) (*remoteexecution.ExecuteResponse, error) {
	switch result := op.Result.(type) {
	case *longrunning.Operation_Error:
		return nil, grpcstatus.Errorf(codes.Code(result.Error.Code), "remote execution failed: %s", result.Error.Message)
	case *longrunning.Operation_Response:
		resp := &remoteexecution.ExecuteResponse{}
		if err := result.Response.UnmarshalTo(resp); err != nil {
			return nil, grpcstatus.Errorf(codes.Internal, "invalid ExecuteResponse: %s", err)
		}
		return resp, classifyExecuteResponseStatus(resp.Status)
	default:
		return nil, grpcstatus.Error(codes.Internal, "operation finished but no response supplied")
	}
}

// classifyExecuteResponseStatus inspects an ExecuteResponse's own
// (nested) Status field. A nil or OK status means the ActionResult is
// usable as-is; a FailedPrecondition carrying only MISSING violations
// becomes a *missingInputs for the dispatch loop to recover from;
// everything else (including DeadlineExceeded) is returned as a plain
// gRPC status error for the caller to classify.
func classifyExecuteResponseStatus(s *rpcstatus.Status) error {
	if s == nil || s.Code == int32(codes.OK) {
		return nil
	}
	code := codes.Code(s.Code)
	if code != codes.FailedPrecondition {
		return grpcstatus.Error(code, s.Message)
	}

	if len(s.Details) != 1 {
		return grpcstatus.Errorf(code, "expected exactly one detail in FailedPrecondition status, got %d", len(s.Details))
	}
	missing, err := missingDigestsFromPreconditionFailure(s.Details[0])
	if err != nil {
		return err
	}
	if len(missing) == 0 {
		return grpcstatus.Error(code, "FailedPrecondition with no MISSING violations")
	}
	return &missingInputs{digests: missing}
}

func missingDigestsFromPreconditionFailure(detail *anypb.Any) ([]digest.Digest, error) {
	if detail.TypeUrl != preconditionFailureTypeURL {
		return nil, grpcstatus.Errorf(codes.Internal, "FailedPrecondition detail had unexpected type %s", detail.TypeUrl)
	}
	pf := &errdetails.PreconditionFailure{}
	if err := proto.Unmarshal(detail.Value, pf); err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "failed to unmarshal PreconditionFailure: %s", err)
	}

	digests := make([]digest.Digest, 0, len(pf.Violations))
	for _, v := range pf.Violations {
		if v.Type != "MISSING" {
			return nil, grpcstatus.Errorf(codes.Internal, "don't know how to process PreconditionFailure violation of type %q", v.Type)
		}
		d, err := digestFromBlobSubject(v.Subject)
		if err != nil {
			return nil, err
		}
		digests = append(digests, d)
	}
	return digests, nil
}

// digestFromBlobSubject parses a PreconditionFailure violation
// subject of the form "blobs/{hash}/{size}", per spec.md §4.6.
func digestFromBlobSubject(subject string) (digest.Digest, error) {
	parts := strings.Split(subject, "/")
	if len(parts) != 3 || parts[0] != "blobs" {
		return digest.BadDigest, grpcstatus.Errorf(codes.Internal, "MISSING violation had unrecognized subject %q", subject)
	}
	size, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return digest.BadDigest, grpcstatus.Errorf(codes.Internal, "MISSING violation had bad size in subject %q: %s", subject, err)
	}
	d, err := digest.NewFromHash(parts[1], size)
	if err != nil {
		return digest.BadDigest, util.StatusWrapf(err, "MISSING violation had bad digest in subject %q", subject)
	}
	return d, nil
}
