package local

import (
	"container/heap"
	"os"
	"path/filepath"

	"github.com/outpost-build/remotestore/pkg/digest"
)

// GCBehavior selects how garbage collection reclaims disk space, per
// spec.md §4.4.
type GCBehavior int

const (
	// Fast marks space for reuse without rewriting the shard file.
	Fast GCBehavior = iota
	// Compact rewrites each shard into a fresh environment and swaps
	// it in atomically, actually shrinking the file on disk.
	Compact
)

type gcEntry struct {
	expiredSecondsAgo int64
	fp                [32]byte
	sizeBytes         int64
	entryType         digest.EntryType
	shardIndex        int
}

// gcHeap is a max-heap on expiredSecondsAgo: the entry that has been
// expired longest is evicted first. Still-leased entries carry
// expiredSecondsAgo == 0 and sort to the bottom.
type gcHeap []gcEntry

func (h gcHeap) Len() int            { return len(h) }
func (h gcHeap) Less(i, j int) bool  { return h[i].expiredSecondsAgo > h[j].expiredSecondsAgo }
func (h gcHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *gcHeap) Push(x interface{}) { *h = append(*h, x.(gcEntry)) }
func (h *gcHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// GarbageCollect shrinks the local store to at most targetBytes total
// (summed across both categories), evicting the entries that have
// been expired longest first. No leased entry is ever removed; if
// every remaining entry is leased, GC stops early and reports the
// actual bytes remaining, per spec.md §4.4 and §8.
func (b *ByteStore) GarbageCollect(targetBytes int64, behavior GCBehavior) (int64, error) {
	h := &gcHeap{}
	heap.Init(h)
	now := b.clock.Now().Unix()
	var total int64

	scan := func(t digest.EntryType, store *ShardedStore) error {
		for shardIndex, sh := range store.shards {
			if err := sh.forEach(func(fp [32]byte, sizeBytes int64, leaseUntil int64, leased bool) error {
				total += sizeBytes
				expiredSecondsAgo := int64(0)
				if !leased || now > leaseUntil {
					if leased {
						expiredSecondsAgo = now - leaseUntil
					} else {
						// Never leased: treat as maximally
						// expired so it is reclaimed before
						// any leased entry.
						expiredSecondsAgo = now
					}
				}
				heap.Push(h, gcEntry{
					expiredSecondsAgo: expiredSecondsAgo,
					fp:                fp,
					sizeBytes:         sizeBytes,
					entryType:         t,
					shardIndex:        shardIndex,
				})
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	}
	if err := scan(digest.File, b.files); err != nil {
		return 0, err
	}
	if err := scan(digest.Directory, b.directories); err != nil {
		return 0, err
	}

	for total > targetBytes && h.Len() > 0 {
		top := (*h)[0]
		if top.expiredSecondsAgo == 0 {
			// Everything left is leased; GC cannot force-evict it.
			break
		}
		heap.Pop(h)
		store := b.files
		if top.entryType == digest.Directory {
			store = b.directories
		}
		if err := store.shards[top.shardIndex].delete(top.fp, top.sizeBytes); err != nil {
			return total, err
		}
		total -= top.sizeBytes
	}

	if behavior == Compact {
		if err := b.files.compact(); err != nil {
			return total, err
		}
		if err := b.directories.compact(); err != nil {
			return total, err
		}
	}

	return total, nil
}

// compact rewrites every shard into a fresh environment and swaps it
// in atomically, so that deleted entries actually shrink the file on
// disk (as opposed to Fast mode, which merely marks pages free for
// bbolt to reuse internally).
func (s *ShardedStore) compact() error {
	for i, sh := range s.shards {
		dir := filepath.Dir(sh.db.Path())
		tmpDir := dir + ".compact"
		if err := os.RemoveAll(tmpDir); err != nil {
			return err
		}
		fresh, err := openShard(tmpDir, sh.maxSizeBytes)
		if err != nil {
			return err
		}
		if err := sh.forEach(func(fp [32]byte, sizeBytes int64, leaseUntil int64, leased bool) error {
			data, _, getErr := sh.get(fp, sizeBytes)
			if getErr != nil || data == nil {
				return getErr
			}
			var deadline *int64
			if leased {
				deadline = &leaseUntil
			}
			_, putErr := fresh.put(fp, data, deadline)
			return putErr
		}); err != nil {
			fresh.close()
			return err
		}
		if err := sh.close(); err != nil {
			fresh.close()
			return err
		}
		if err := fresh.close(); err != nil {
			return err
		}
		if err := os.RemoveAll(dir); err != nil {
			return err
		}
		if err := os.Rename(tmpDir, dir); err != nil {
			return err
		}
		reopened, err := openShard(dir, sh.maxSizeBytes)
		if err != nil {
			return err
		}
		s.shards[i] = reopened
	}
	return nil
}
