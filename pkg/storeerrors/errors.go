// Package storeerrors implements the error taxonomy shared by every
// package in this module on top of pkg/util's gRPC status helpers: the
// single typed variant ("MissingDigest") callers are expected to
// branch on.
package storeerrors

import (
	"fmt"

	"github.com/outpost-build/remotestore/pkg/digest"
	"github.com/outpost-build/remotestore/pkg/util"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// StatusWrap and StatusWrapf prepend context to an existing gRPC
// status error without discarding its code, the idiom bb-storage's
// pkg/util/status.go establishes and every RPC-facing package in this
// module uses to annotate a failure with what it was trying to do.
var (
	StatusWrap  = util.StatusWrap
	StatusWrapf = util.StatusWrapf
)

// MissingDigest reports that a specifically addressed digest could
// not be found locally and could not be back-filled from a remote.
// It is the one error variant callers of this module are expected to
// branch on (§7 of the design this package implements): a caller that
// can produce the bytes for d may retry after storing them.
type MissingDigest struct {
	Digest digest.Digest
	Type   digest.EntryType
}

func (e *MissingDigest) Error() string {
	return fmt.Sprintf("%s with digest %s could not be found", e.Type, e.Digest)
}

// NewMissingDigest wraps a MissingDigest as a gRPC NotFound status, so
// that it can travel across goroutine boundaries like every other
// error in this module while still being recoverable with
// IsMissingDigest.
func NewMissingDigest(t digest.EntryType, d digest.Digest) error {
	return status.Error(codes.NotFound, (&MissingDigest{Digest: d, Type: t}).Error())
}

// IsMissingDigest reports whether err was produced by NewMissingDigest
// (or wraps one via StatusWrap), i.e. whether its gRPC code is
// NotFound.
func IsMissingDigest(err error) bool {
	return status.Code(err) == codes.NotFound
}
