package local_test

import (
	"testing"

	"github.com/outpost-build/remotestore/pkg/digest"
	"github.com/outpost-build/remotestore/pkg/local"
	"github.com/stretchr/testify/require"
)

func TestOpenShardedStoreRejectsNonPowerOfTwo(t *testing.T) {
	_, err := local.OpenShardedStore(t.TempDir(), 3, 1024)
	require.Error(t, err)
}

func TestOpenShardedStoreRejectsTooManyShards(t *testing.T) {
	_, err := local.OpenShardedStore(t.TempDir(), 512, 1024)
	require.Error(t, err)
}

func TestShardedStorePutGetContains(t *testing.T) {
	store, err := local.OpenShardedStore(t.TempDir(), 16, 1<<20)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	d := digest.NewFromBlob([]byte("shard content"))
	require.NoError(t, store.Put(d, []byte("shard content"), false, 0))

	present, sizeBytes, err := store.Contains(d)
	require.NoError(t, err)
	require.True(t, present)
	require.Equal(t, d.GetSizeBytes(), sizeBytes)

	data, err := store.Get(d)
	require.NoError(t, err)
	require.Equal(t, []byte("shard content"), data)
}

func TestShardedStoreAllDigestsDistributesAcrossShards(t *testing.T) {
	store, err := local.OpenShardedStore(t.TempDir(), 16, 1<<20)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	var stored []digest.Digest
	for i := 0; i < 32; i++ {
		d := digest.NewFromBlob([]byte{byte(i)})
		require.NoError(t, store.Put(d, []byte{byte(i)}, false, 0))
		stored = append(stored, d)
	}

	all, err := store.AllDigests()
	require.NoError(t, err)
	require.Len(t, all, len(stored))
}
