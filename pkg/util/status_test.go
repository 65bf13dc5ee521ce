package util_test

import (
	"context"
	"testing"
	"time"

	"github.com/outpost-build/remotestore/pkg/util"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestStatusWrap(t *testing.T) {
	err := util.StatusWrapf(status.Error(codes.NotFound, "no such blob"), "while loading %s", "abc")
	require.Equal(t, codes.NotFound, status.Code(err))
	require.Equal(t, "while loading abc: no such blob", status.Convert(err).Message())
}

func TestStatusWrapfWithCode(t *testing.T) {
	err := util.StatusWrapfWithCode(status.Error(codes.NotFound, "no such blob"), codes.Internal, "materializing %s", "abc")
	require.Equal(t, codes.Internal, status.Code(err))
	require.Equal(t, "materializing abc: no such blob", status.Convert(err).Message())
}

func TestIsInfrastructureError(t *testing.T) {
	for _, c := range []codes.Code{codes.Canceled, codes.Unknown, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted, codes.Internal, codes.Unavailable} {
		require.True(t, util.IsInfrastructureError(status.Error(c, "")), c.String())
	}
	for _, c := range []codes.Code{codes.InvalidArgument, codes.NotFound, codes.AlreadyExists, codes.PermissionDenied, codes.FailedPrecondition} {
		require.False(t, util.IsInfrastructureError(status.Error(c, "")), c.String())
	}
}

func TestStatusFromMultiple(t *testing.T) {
	errs := []error{
		status.Error(codes.Internal, "shard 0 failed to close"),
		status.Error(codes.Internal, "shard 1 failed to close"),
		status.Error(codes.Internal, "shard 0 failed to close"),
	}
	err := util.StatusFromMultiple(errs)
	require.Equal(t, codes.Internal, status.Code(err))
	require.Equal(t, "shard 0 failed to close, shard 1 failed to close", status.Convert(err).Message())
}

func TestAcquireSemaphore(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		sem := semaphore.NewWeighted(1)
		require.NoError(t, util.AcquireSemaphore(context.Background(), sem, 1))
		sem.Release(1)
	})

	t.Run("CancelledContext", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		sem := semaphore.NewWeighted(1)
		err := util.AcquireSemaphore(ctx, sem, 1)
		require.Equal(t, codes.Canceled, status.Code(err))
	})

	t.Run("DeadlineWhileBlocked", func(t *testing.T) {
		sem := semaphore.NewWeighted(1)
		require.NoError(t, sem.Acquire(context.Background(), 1))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		err := util.AcquireSemaphore(ctx, sem, 1)
		require.Equal(t, codes.DeadlineExceeded, status.Code(err))
	})
}
