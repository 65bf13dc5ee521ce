package digest_test

import (
	"testing"

	"github.com/outpost-build/remotestore/pkg/digest"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestNewFromHash(t *testing.T) {
	t.Run("InvalidLength", func(t *testing.T) {
		_, err := digest.NewFromHash("abc", 10)
		require.Equal(t, status.Error(codes.InvalidArgument, "hash has length 3, while 64 characters were expected"), err)
	})

	t.Run("NegativeSize", func(t *testing.T) {
		_, err := digest.NewFromHash("8b1a9953c4611296a827abf8c47804d7d7654ddbd27e5c9e7b8f3c8a6c5f3a12", -1)
		require.Error(t, err)
	})

	t.Run("NonHexadecimal", func(t *testing.T) {
		_, err := digest.NewFromHash("zz1a9953c4611296a827abf8c47804d7d7654ddbd27e5c9e7b8f3c8a6c5f3a12", 1)
		require.Error(t, err)
	})

	t.Run("Success", func(t *testing.T) {
		d, err := digest.NewFromHash("8b1a9953c4611296a827abf8c47804d7d7654ddbd27e5c9e7b8f3c8a6c5f3a12", 123)
		require.NoError(t, err)
		require.Equal(t, int64(123), d.GetSizeBytes())
		require.Equal(t, "8b1a9953c4611296a827abf8c47804d7d7654ddbd27e5c9e7b8f3c8a6c5f3a12", d.GetHashString())
	})
}

func TestEmpty(t *testing.T) {
	require.True(t, digest.Empty.IsEmpty())
	require.Equal(t, int64(0), digest.Empty.GetSizeBytes())
	require.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", digest.Empty.GetHashString())
}

func TestGenerator(t *testing.T) {
	g := digest.NewGenerator()
	_, err := g.Write([]byte("hello "))
	require.NoError(t, err)
	_, err = g.Write([]byte("world"))
	require.NoError(t, err)
	d := g.Sum()
	require.Equal(t, int64(11), d.GetSizeBytes())

	direct := digest.NewFromBlob([]byte("hello world"))
	require.Equal(t, direct, d)
}

func TestSet(t *testing.T) {
	d1 := digest.NewFromBlob([]byte("one"))
	d2 := digest.NewFromBlob([]byte("two"))
	s := digest.NewSet(d1, d2)
	require.True(t, s.Contains(d1))
	require.Len(t, s.ToSlice(), 2)
	require.Equal(t, d1.GetSizeBytes()+d2.GetSizeBytes(), s.TotalSizeBytes())

	diff := s.Difference(digest.NewSet(d1))
	require.Equal(t, digest.NewSet(d2), diff)
}
