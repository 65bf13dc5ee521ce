package local

import (
	"math/bits"
	"path/filepath"

	"github.com/outpost-build/remotestore/pkg/digest"
	"github.com/outpost-build/remotestore/pkg/util"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	logging "gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("local")

// ShardedStore is sixteen (or however many shardCount specifies)
// independent embedded environments, selected by the high bits of a
// digest's fingerprint, implementing spec.md §4.1. It is used once
// per entry category: one ShardedStore for files, one for directory
// manifests, each rooted at its own subdirectory.
type ShardedStore struct {
	shards    []*shard
	shardBits int
}

// OpenShardedStore creates or opens the shard directories under root,
// one per nibble (or more generally, one per shardCount, which must
// be a power of two). maxSizeBytes bounds each shard independently.
func OpenShardedStore(root string, shardCount int, maxSizeBytes int64) (*ShardedStore, error) {
	if shardCount <= 0 || shardCount&(shardCount-1) != 0 {
		return nil, status.Errorf(codes.InvalidArgument, "shard count %d is not a power of two", shardCount)
	}
	shardBits := bits.TrailingZeros(uint(shardCount))
	if shardBits > 8 {
		return nil, status.Errorf(codes.InvalidArgument, "shard count %d is too large: at most 256 shards are supported", shardCount)
	}
	shards := make([]*shard, shardCount)
	for i := 0; i < shardCount; i++ {
		s, err := openShard(filepath.Join(root, shardDirName(i, shardBits)), maxSizeBytes)
		if err != nil {
			for _, opened := range shards[:i] {
				if opened != nil {
					opened.close()
				}
			}
			return nil, err
		}
		shards[i] = s
	}
	return &ShardedStore{shards: shards, shardBits: shardBits}, nil
}

// shardDirName renders the shard index as the hexadecimal nibble(s)
// spec.md §6 calls for ("<root>/files/<0..f>/" when shardBits == 4).
func shardDirName(index, shardBits int) string {
	digits := (shardBits + 3) / 4
	if digits == 0 {
		digits = 1
	}
	const hex = "0123456789abcdef"
	out := make([]byte, digits)
	for i := digits - 1; i >= 0; i-- {
		out[i] = hex[index&0xf]
		index >>= 4
	}
	return string(out)
}

func (s *ShardedStore) shardFor(d digest.Digest) *shard {
	fp := d.GetHashString()
	// The hash string is already validated hex; use its leading byte
	// worth of bits, shifted down to the configured shard width (the
	// default shardBits == 4 selects on the high nibble, as spec.md
	// §4.1 describes).
	high := hexNibble(fp[0])<<4 | hexNibble(fp[1])
	index := int(high) >> (8 - s.shardBits)
	return s.shards[index%len(s.shards)]
}

func hexNibble(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return 0
	}
}

func fingerprintBytes(d digest.Digest) [32]byte {
	var fp [32]byte
	hash := d.GetHashString()
	for i := 0; i < 32; i++ {
		fp[i] = hexNibble(hash[2*i])<<4 | hexNibble(hash[2*i+1])
	}
	return fp
}

// Put stores a blob under d, unless it is already present (idempotent
// no-op). When lease is true, the entry's lease is (re)set to
// leaseUntil.
func (s *ShardedStore) Put(d digest.Digest, data []byte, lease bool, leaseUntil int64) error {
	var deadline *int64
	if lease {
		deadline = &leaseUntil
	}
	_, err := s.shardFor(d).put(fingerprintBytes(d), data, deadline)
	return err
}

// Get returns the stored bytes for d, or nil if absent (including the
// case where the stored length doesn't match d's declared size, which
// is logged and treated as absent rather than returned as an error).
func (s *ShardedStore) Get(d digest.Digest) ([]byte, error) {
	data, sizeMismatch, err := s.shardFor(d).get(fingerprintBytes(d), d.GetSizeBytes())
	if err != nil {
		return nil, err
	}
	if sizeMismatch {
		log.Warningf("stored content for digest %s does not match its declared size; treating as absent", d)
		return nil, nil
	}
	return data, nil
}

// Contains reports whether any blob is stored under d's fingerprint
// and, if so, its actual stored size (which may differ from
// d.GetSizeBytes() if the caller only has the fingerprint).
func (s *ShardedStore) Contains(d digest.Digest) (bool, int64, error) {
	return s.shardFor(d).contains(fingerprintBytes(d))
}

// Lease extends d's lease to until (Unix seconds).
func (s *ShardedStore) Lease(d digest.Digest, until int64) error {
	return s.shardFor(d).lease(fingerprintBytes(d), until)
}

// AllDigests enumerates every stored digest of this category.
func (s *ShardedStore) AllDigests() ([]digest.Digest, error) {
	var out []digest.Digest
	for _, sh := range s.shards {
		if err := sh.forEach(func(fp [32]byte, sizeBytes int64, _ int64, _ bool) error {
			d, err := digest.NewFromHash(hexString(fp), sizeBytes)
			if err != nil {
				return err
			}
			out = append(out, d)
			return nil
		}); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func hexString(fp [32]byte) string {
	const hex = "0123456789abcdef"
	out := make([]byte, 64)
	for i, b := range fp {
		out[2*i] = hex[b>>4]
		out[2*i+1] = hex[b&0xf]
	}
	return string(out)
}

// Close releases every shard's database handle, reporting every shard
// that failed to close rather than only the first.
func (s *ShardedStore) Close() error {
	var errs []error
	for _, sh := range s.shards {
		if err := sh.close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return util.StatusFromMultiple(errs)
}
