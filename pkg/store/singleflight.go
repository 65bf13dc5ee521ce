package store

import (
	"sync"
	"weak"

	"github.com/outpost-build/remotestore/pkg/digest"
)

// cell is a one-shot result slot: the first caller to acquire it runs
// the work and closes done; every other caller for the same digest
// just waits on done and reads the same result.
type cell struct {
	done   chan struct{}
	result interface{}
	err    error
}

func newCell() *cell {
	return &cell{done: make(chan struct{})}
}

func (c *cell) finish(result interface{}, err error) {
	c.result = result
	c.err = err
	close(c.done)
}

func (c *cell) wait() (interface{}, error) {
	<-c.done
	return c.result, c.err
}

// cellTable is the "Digest -> Weak<OneShotCell>" map spec.md §9
// describes: once every caller holding a strong reference to a cell
// has moved on, the weak pointer resolves to nil and the stale entry
// is pruned on next lookup, bounding memory without an explicit
// unregister call.
type cellTable struct {
	mu      sync.Mutex
	entries map[digest.Digest]weak.Pointer[cell]
}

func newCellTable() *cellTable {
	return &cellTable{entries: make(map[digest.Digest]weak.Pointer[cell])}
}

// acquire returns the cell for d, creating one if none is live. owner
// reports whether this call is responsible for doing the work (true)
// or should just wait on the returned cell (false).
func (t *cellTable) acquire(d digest.Digest) (c *cell, owner bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ptr, ok := t.entries[d]; ok {
		if existing := ptr.Value(); existing != nil {
			return existing, false
		}
		delete(t.entries, d)
	}
	c = newCell()
	t.entries[d] = weak.Make(c)
	return c, true
}

// do runs work at most once per digest across concurrent callers,
// returning the shared result to all of them.
func (t *cellTable) do(d digest.Digest, work func() (interface{}, error)) (interface{}, error) {
	c, owner := t.acquire(d)
	if owner {
		result, err := work()
		c.finish(result, err)
		return result, err
	}
	return c.wait()
}
