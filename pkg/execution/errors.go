package execution

import "github.com/outpost-build/remotestore/pkg/digest"

// retryable is the internal control-flow marker spec.md §7 calls
// "Retryable": raised on a transient RPC failure, caught by the
// dispatch loop's own bounded retry, and never surfaced to a caller.
type retryable struct {
	cause error
}

func (e *retryable) Error() string { return e.cause.Error() }
func (e *retryable) Unwrap() error { return e.cause }

// missingInputs is the internal control-flow marker spec.md §7 calls
// "MissingInputs": raised when the server's PreconditionFailure names
// blobs it doesn't have, caught by the dispatch loop, which uploads
// exactly these digests and resubmits.
type missingInputs struct {
	digests []digest.Digest
}

func (e *missingInputs) Error() string { return "server reported missing input blobs" }
