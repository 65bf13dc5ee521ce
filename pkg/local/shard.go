package local

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	contentBucket = []byte("content")
	leaseBucket   = []byte("lease")
	metaBucket    = []byte("meta")
	sizeKey       = []byte("size")
)

// shard is a single embedded key-value environment: one bbolt
// database holding a content table (fingerprint -> bytes) and a lease
// table (fingerprint -> expiry, Unix seconds), plus a small meta
// bucket tracking the running total of content bytes so that writes
// exceeding the shard's configured capacity can be rejected without
// scanning the whole bucket.
//
// bbolt gives us the single-writer-per-file, unbounded-reader
// discipline spec.md §4.1 asks for: one writable transaction at a
// time, readers served from an MVCC snapshot that never blocks on it.
type shard struct {
	db           *bbolt.DB
	maxSizeBytes int64
}

func openShard(dir string, maxSizeBytes int64) (*shard, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to create shard directory %s: %s", dir, err)
	}
	db, err := bbolt.Open(filepath.Join(dir, "db"), 0o644, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to open shard database in %s: %s", dir, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{contentBucket, leaseBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, status.Errorf(codes.Internal, "failed to initialize shard buckets in %s: %s", dir, err)
	}
	return &shard{db: db, maxSizeBytes: maxSizeBytes}, nil
}

func (s *shard) close() error {
	return s.db.Close()
}

// put stores bytes under fp unless an entry already exists, in which
// case it is treated as a successful no-op (idempotent store). If
// leaseUntil is non-nil, the lease table is updated regardless of
// whether the content already existed.
func (s *shard) put(fp [32]byte, data []byte, leaseUntil *int64) (bool, error) {
	existed := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		content := tx.Bucket(contentBucket)
		if v := content.Get(fp[:]); v != nil {
			existed = true
		} else {
			meta := tx.Bucket(metaBucket)
			current := decodeUint64(meta.Get(sizeKey))
			if current+uint64(len(data)) > uint64(s.maxSizeBytes) {
				return status.Errorf(codes.ResourceExhausted, "shard is full: storing %d bytes would exceed its %d byte capacity", len(data), s.maxSizeBytes)
			}
			if err := content.Put(fp[:], data); err != nil {
				return err
			}
			if err := meta.Put(sizeKey, encodeUint64(current+uint64(len(data)))); err != nil {
				return err
			}
		}
		if leaseUntil != nil {
			return tx.Bucket(leaseBucket).Put(fp[:], encodeInt64(*leaseUntil))
		}
		return nil
	})
	return existed, err
}

// get returns the stored bytes for fp, or nil if absent. If present
// bytes don't match expectedSizeBytes, the entry is treated as absent;
// the caller logs the mismatch rather than treating it as a fatal error.
func (s *shard) get(fp [32]byte, expectedSizeBytes int64) (data []byte, sizeMismatch bool, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(contentBucket).Get(fp[:])
		if v == nil {
			return nil
		}
		if int64(len(v)) != expectedSizeBytes {
			sizeMismatch = true
			return nil
		}
		data = append([]byte(nil), v...)
		return nil
	})
	return data, sizeMismatch, err
}

// contains reports presence and the stored size, without requiring
// the caller to already know the expected size. Used by entry-type
// lookup.
func (s *shard) contains(fp [32]byte) (present bool, sizeBytes int64, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(contentBucket).Get(fp[:])
		if v != nil {
			present = true
			sizeBytes = int64(len(v))
		}
		return nil
	})
	return present, sizeBytes, err
}

func (s *shard) lease(fp [32]byte, until int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(leaseBucket).Put(fp[:], encodeInt64(until))
	})
}

// leaseExpiry returns the stored lease deadline, and whether one is
// set at all (absent means "not leased").
func (s *shard) leaseExpiry(fp [32]byte) (until int64, leased bool, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(leaseBucket).Get(fp[:])
		if v != nil {
			until = decodeInt64(v)
			leased = true
		}
		return nil
	})
	return until, leased, err
}

// delete removes a content entry (and its lease, if any), adjusting
// the running size counter. Used only by garbage collection.
func (s *shard) delete(fp [32]byte, sizeBytes int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		content := tx.Bucket(contentBucket)
		if err := content.Delete(fp[:]); err != nil {
			return err
		}
		if err := tx.Bucket(leaseBucket).Delete(fp[:]); err != nil {
			return err
		}
		meta := tx.Bucket(metaBucket)
		current := decodeUint64(meta.Get(sizeKey))
		if uint64(sizeBytes) > current {
			current = uint64(sizeBytes)
		}
		return meta.Put(sizeKey, encodeUint64(current-uint64(sizeBytes)))
	})
}

// totalSizeBytes returns the shard's tracked content size.
func (s *shard) totalSizeBytes() (int64, error) {
	var total int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		total = int64(decodeUint64(tx.Bucket(metaBucket).Get(sizeKey)))
		return nil
	})
	return total, err
}

// forEach invokes visit for every (fingerprint, sizeBytes, leaseUntil,
// leased) tuple currently stored in the shard. Used by digest
// enumeration and garbage collection scanning.
func (s *shard) forEach(visit func(fp [32]byte, sizeBytes int64, leaseUntil int64, leased bool) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		content := tx.Bucket(contentBucket)
		lease := tx.Bucket(leaseBucket)
		return content.ForEach(func(k, v []byte) error {
			var fp [32]byte
			copy(fp[:], k)
			until, leased := int64(0), false
			if lv := lease.Get(k); lv != nil {
				until = decodeInt64(lv)
				leased = true
			}
			return visit(fp, int64(len(v)), until, leased)
		})
	})
}

func encodeUint64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func decodeUint64(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func encodeInt64(v int64) []byte {
	return encodeUint64(uint64(v))
}

func decodeInt64(b []byte) int64 {
	return int64(decodeUint64(b))
}
