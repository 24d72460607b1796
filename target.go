package pmatomic

import (
	"sync/atomic"
	"unsafe"

	"github.com/zeebo/pmatomic/internal/machine"
	"github.com/zeebo/pmatomic/pmem"
)

// target is one row of a descriptor. Immutable once populated; the word it
// names is identified by its region offset so recovery can find it in a
// remapped pool.
type target struct {
	off   uint64
	old   uint64
	new   uint64
	fence uint64 // Order in the low byte
}

const targetSize = unsafe.Sizeof(target{})

type ( // targets are four words, as the persistent layout promises
	_ [targetSize - 4*machine.WordSize]byte
	_ [4*machine.WordSize - targetSize]byte
)

func (t *target) addr(r *pmem.Region) *uint64 {
	return (*uint64)(r.Direct(t.off))
}

// install swaps the target word from its expected old value to the
// descriptor reference. A stable word that no longer equals old fails the
// whole operation immediately; an intermediate word is retried a bounded
// number of times.
func (t *target) install(r *pmem.Region, self uint64) bool {
	p := t.addr(r)
	for i := 0; ; i++ {
		cur := atomic.LoadUint64(p)
		if cur == t.old && atomic.CompareAndSwapUint64(p, t.old, self) {
			return true
		}
		if cur != t.old && !word(cur).Intermediate() {
			return false
		}
		if i >= spinRetries {
			return false
		}
		spin()
	}
}

// flush schedules the installed descriptor reference for write-back so a
// post-decision crash can see it.
func (t *target) flush(r *pmem.Region) error {
	return r.Flush(unsafe.Pointer(t.addr(r)), machine.WordSize)
}

// redo moves the word from the descriptor reference to its new value. The
// swap is from self, so once any helper has completed it the call is a
// no-op; the flush is unconditional so the value is durable before the
// caller's drain regardless of who won.
func (t *target) redo(r *pmem.Region, self uint64) error {
	p := t.addr(r)
	if useDirtyFlag {
		dirty := uint64(word(t.new).WithDirty())
		if atomic.CompareAndSwapUint64(p, self, dirty) {
			if err := r.Persist(unsafe.Pointer(p), machine.WordSize); err != nil {
				return err
			}
			atomic.CompareAndSwapUint64(p, dirty, t.new)
		}
		return r.Flush(unsafe.Pointer(p), machine.WordSize)
	}
	atomic.CompareAndSwapUint64(p, self, t.new)
	return r.Flush(unsafe.Pointer(p), machine.WordSize)
}

// undo reverts the word from the descriptor reference to its old value.
// Idempotent for the same reason redo is.
func (t *target) undo(r *pmem.Region, self uint64) error {
	p := t.addr(r)
	if useDirtyFlag {
		dirty := uint64(word(t.old).WithDirty())
		if atomic.CompareAndSwapUint64(p, self, dirty) {
			if err := r.Persist(unsafe.Pointer(p), machine.WordSize); err != nil {
				return err
			}
			atomic.CompareAndSwapUint64(p, dirty, t.old)
		}
		return r.Flush(unsafe.Pointer(p), machine.WordSize)
	}
	atomic.CompareAndSwapUint64(p, self, t.old)
	return r.Flush(unsafe.Pointer(p), machine.WordSize)
}

// recover finishes whatever an interrupted operation left behind in the
// word: a still-embedded descriptor reference rolls forward or back per
// the persisted decision, and a lone dirty flag is cleared. Runs only
// during the single-threaded pool-open sweep.
func (t *target) recover(r *pmem.Region, succeeded bool, self uint64) error {
	p := t.addr(r)
	cur := atomic.LoadUint64(p)
	switch {
	case cur == self:
		val := t.old
		if succeeded {
			val = t.new
		}
		atomic.CompareAndSwapUint64(p, self, val)
	case word(cur).Dirty():
		atomic.CompareAndSwapUint64(p, cur, uint64(word(cur).Clean()))
	}
	return r.Flush(unsafe.Pointer(p), machine.WordSize)
}
