// Package digest implements the identity type used throughout the
// store: a SHA-256 fingerprint paired with an object size, and the
// helpers needed to derive one from bytes or from the wire protocol's
// own Digest message.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Size is the length in bytes of a SHA-256 fingerprint.
const Size = sha256.Size

// Digest identifies a blob: a SHA-256 fingerprint plus the blob's
// size in bytes. Two blobs are equal iff their digests are equal.
//
// Digest is comparable and safe to use as a map key.
type Digest struct {
	fingerprint [Size]byte
	sizeBytes   int64
}

// BadDigest is the zero value, returned by constructors on failure.
var BadDigest Digest

// Empty is the digest of the empty byte string. It is universally
// present and is never written to the local store.
var Empty = mustNewFromHash(hex.EncodeToString(func() []byte {
	sum := sha256.Sum256(nil)
	return sum[:]
}()), 0)

func mustNewFromHash(hash string, sizeBytes int64) Digest {
	d, err := NewFromHash(hash, sizeBytes)
	if err != nil {
		panic(err)
	}
	return d
}

// NewFromHash constructs a Digest from a hexadecimal SHA-256 hash and
// a size. It validates that the hash decodes to exactly Size bytes
// and that the size is non-negative.
func NewFromHash(hash string, sizeBytes int64) (Digest, error) {
	if len(hash) != 2*Size {
		return BadDigest, status.Errorf(codes.InvalidArgument, "hash has length %d, while %d characters were expected", len(hash), 2*Size)
	}
	if sizeBytes < 0 {
		return BadDigest, status.Errorf(codes.InvalidArgument, "invalid digest size: %d bytes", sizeBytes)
	}
	raw, err := hex.DecodeString(hash)
	if err != nil {
		return BadDigest, status.Errorf(codes.InvalidArgument, "non-hexadecimal character in digest hash: %s", err)
	}
	var d Digest
	copy(d.fingerprint[:], raw)
	d.sizeBytes = sizeBytes
	return d, nil
}

// NewFromProto constructs a Digest from the wire protocol's Digest
// message.
func NewFromProto(pb *remoteexecution.Digest) (Digest, error) {
	if pb == nil {
		return BadDigest, status.Error(codes.InvalidArgument, "no digest provided")
	}
	return NewFromHash(pb.Hash, pb.SizeBytes)
}

// ToProto converts the Digest to the wire protocol's Digest message.
func (d Digest) ToProto() *remoteexecution.Digest {
	return &remoteexecution.Digest{
		Hash:      d.GetHashString(),
		SizeBytes: d.sizeBytes,
	}
}

// GetHashString returns the hexadecimal representation of the
// fingerprint.
func (d Digest) GetHashString() string {
	return hex.EncodeToString(d.fingerprint[:])
}

// GetSizeBytes returns the size of the blob in bytes.
func (d Digest) GetSizeBytes() int64 {
	return d.sizeBytes
}

// IsEmpty returns whether this digest is the distinguished empty
// digest.
func (d Digest) IsEmpty() bool {
	return d == Empty
}

// String returns a human-readable "hash:size" representation, used in
// error messages throughout the store.
func (d Digest) String() string {
	return fmt.Sprintf("%s:%d", d.GetHashString(), d.sizeBytes)
}

// Generator incrementally computes the digest of a blob while it is
// being written, so that callers never need to buffer the whole
// object purely to learn its digest.
type Generator struct {
	hasher    hash.Hash
	sizeBytes int64
}

// NewGenerator creates a Generator ready to consume bytes.
func NewGenerator() *Generator {
	return &Generator{hasher: sha256.New()}
}

// Write implements io.Writer.
func (g *Generator) Write(p []byte) (int, error) {
	n, err := g.hasher.Write(p)
	g.sizeBytes += int64(n)
	return n, err
}

// Sum finalizes the digest of all bytes written so far.
func (g *Generator) Sum() Digest {
	var d Digest
	g.hasher.Sum(d.fingerprint[:0])
	d.sizeBytes = g.sizeBytes
	return d
}

// NewFromBlob computes the digest of an in-memory blob directly. This
// is the common path for small blobs (Action, Command, Directory
// protos) where buffering the whole object is already unavoidable.
func NewFromBlob(b []byte) Digest {
	g := NewGenerator()
	_, _ = g.Write(b)
	return g.Sum()
}
