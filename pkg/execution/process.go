// Package execution implements the remote execution client of
// spec.md §4.6: builds an Action/Command from a Process description,
// dispatches it to a remote worker, drives the resulting long-running
// Operation to completion (including the missing-input recovery
// loop), and decodes the final ActionResult into a materializable
// output tree. Grounded on original_source's
// process_execution/src/remote.rs (the CommandRunner this package
// reimplements) and please's src/remote/remote.go for the Go-side
// gRPC plumbing and oneshot_execute idiom.
package execution

import (
	"time"

	"github.com/outpost-build/remotestore/pkg/digest"
)

// CacheScope controls how aggressively an action's result may be
// reused, mapped onto Command.Platform properties per spec.md §10's
// supplemented feature (the original spec.md §4.6 "Inputs" names the
// field but doesn't elaborate wire mapping).
type CacheScope int

const (
	// CacheScopeSuccessful permits reuse only of actions that exited
	// zero.
	CacheScopeSuccessful CacheScope = iota
	// CacheScopeAlways permits reuse of any completed action regardless
	// of exit code.
	CacheScopeAlways
	// CacheScopePerRestart never consults or populates any action
	// cache; every dispatch is a fresh execution (skip_cache_lookup).
	CacheScopePerRestart
)

// CacheMount is an append-only, host-local directory a process may
// read and write across repeated executions sharing a cache
// namespace (e.g. a package manager's download cache).
type CacheMount struct {
	Name string
	Path string
}

// Process describes a single hermetic command dispatched to a remote
// worker, per spec.md §4.6 "Inputs".
type Process struct {
	Argv             []string
	Env              map[string]string
	WorkingDirectory string
	Timeout          time.Duration
	InputRootDigest  digest.Digest
	OutputFiles      []string
	OutputDirectories []string
	PlatformProperties map[string]string

	// Description is used only for user-facing error messages (timeout,
	// retry-budget exceeded), matching remote.rs's "description" field.
	Description string

	// InstanceName selects the REv2 tenant this action targets,
	// overriding the client's own default when non-empty.
	InstanceName string

	// CacheScope controls result-cache interaction (see CacheScope).
	CacheScope CacheScope

	// CacheMounts are append-only directories exposed to the worker
	// outside of the declared input root.
	CacheMounts []CacheMount

	// JDKSymlink, if non-empty, requests a `.jdk` symlink be created
	// pointing at the worker's local JDK installation, matching the
	// original's "Request jdk_home be created if set" TODO.
	JDKSymlink string

	// CacheKeyGenVersion salts the Action so that a cache-format change
	// invalidates previously cached results without changing the
	// Process's own semantics.
	CacheKeyGenVersion string
}
