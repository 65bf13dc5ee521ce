package execution

import (
	"crypto/tls"
	"time"

	"github.com/outpost-build/remotestore/pkg/clock"
)

// Options configures a Client. As with pkg/remotecas, loading these
// values from a configuration file or flags is out of scope for this
// module (spec.md §1); spec.md §6's "Remote exec" option group is
// modeled directly as a struct.
type Options struct {
	Address      string
	InstanceName string
	BearerToken  string
	Headers      map[string]string // execution_headers
	TLSConfig    *tls.Config

	// OverallDeadline bounds a whole Execute call (input upload,
	// dispatch and polling), in addition to any per-Process timeout;
	// it is the client-side
	// backstop described in spec.md §5 "Timeouts".
	OverallDeadline time.Duration

	// RPCConcurrency is not read by Client: Execute, WaitExecution and
	// CancelOperation RPCs are not limited by it.
	RPCConcurrency int

	// ExecutionProcessCacheNamespace is prefixed onto CacheMount names
	// so that callers sharing a remote worker pool don't collide on
	// cache directories, matching spec.md §6's
	// execution_process_cache_namespace.
	ExecutionProcessCacheNamespace string

	// MaxRetries bounds the two-way retry budget (spec.md §9 "Two-way
	// retry"): transient-RPC retries and missing-input restarts both
	// count against it.
	MaxRetries int

	// Clock drives the retry backoff wait in Execute, so tests can
	// advance time deterministically instead of sleeping. Defaults to
	// clock.SystemClock.
	Clock clock.Clock
}

// DefaultOptions returns sensible defaults: an unbounded overall
// deadline (the per-Process timeout is expected to dominate) and a
// retry budget of five restarts.
func DefaultOptions(address string) Options {
	return Options{
		Address:        address,
		RPCConcurrency: 8,
		MaxRetries:     5,
		Clock:          clock.SystemClock,
	}
}

// backoffIncrement and backoffMax set the wait before each
// transient-RPC retry in Execute: iter * backoffIncrement, capped at
// backoffMax (500ms * iter, at most 5s), per original_source's
// CommandRunner::BACKOFF_INCR_WAIT_MILLIS / BACKOFF_MAX_WAIT_MILLIS.
// dispatchAndPoll's WaitExecution loop does not wait between calls.
const (
	backoffIncrement = 500 * time.Millisecond
	backoffMax       = 5 * time.Second
)

func backoffFor(iter int) time.Duration {
	d := time.Duration(iter) * backoffIncrement
	if d > backoffMax {
		return backoffMax
	}
	return d
}
