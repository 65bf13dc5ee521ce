// Package remotecas implements the gRPC client against a Bazel Remote
// Execution API v2 ContentAddressableStorage/ByteStream service pair:
// the "remote ByteStore" of spec.md §4.3.
package remotecas

import (
	"crypto/tls"
	"time"

	"github.com/outpost-build/remotestore/pkg/util"
	"github.com/google/uuid"
)

// Options configures a Client. Loading these values from a
// configuration file or flags is out of scope for this module.
type Options struct {
	Address        string
	InstanceName   string
	BearerToken    string
	Headers        map[string]string
	TLSConfig      *tls.Config
	ChunkSizeBytes int
	Timeout        time.Duration
	Retries        int
	UUIDGenerator  util.UUIDGenerator

	// ConcurrencyLimit bounds how many Read/Write/FindMissingBlobs RPCs this Client may
	// have in flight at once. Zero means unbounded, matching spec.md
	// §6's concurrency_limit option.
	ConcurrencyLimit int64

	// BatchAPISizeLimit caps how many digests a single FindMissingBlobs
	// call carries; larger requests are split into sequential batches,
	// matching spec.md §6's batch_api_size_limit option.
	BatchAPISizeLimit int
}

// DefaultOptions returns the defaults called out in spec.md §6: a 1
// MiB chunk size and three retries.
func DefaultOptions(address string) Options {
	return Options{
		Address:           address,
		ChunkSizeBytes:    1 << 20,
		Timeout:           2 * time.Minute,
		Retries:           3,
		UUIDGenerator:     uuid.NewRandom,
		ConcurrencyLimit:  256,
		BatchAPISizeLimit: 4000,
	}
}
