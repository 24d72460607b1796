package pmatomic

import (
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/zeebo/pmatomic/internal/debug"
	"github.com/zeebo/pmatomic/internal/machine"
)

// Value is the capability constraint for persistent CAS targets: one
// machine word, trivially copyable, with the top two bits reserved for the
// operation flags.
type Value interface {
	~uint64
}

// PLoad reads a target word, resolving any in-flight operation it finds
// first. The returned value is always stable: never a descriptor reference,
// never dirty.
func PLoad[T Value](addr *T, order Order) T {
	_ = order // Go atomics are seq_cst; see Order.
	p := (*uint64)(unsafe.Pointer(addr))

	w := word(atomic.LoadUint64(p))
	if w.Intermediate() {
		resolveIntermediate(p, &w)
	}
	return T(w)
}

// PCAS is a persistent compare-and-swap of a single word: if the word holds
// expected, replace it with desired and make the replacement durable before
// returning. On failure the stable value observed is written back through
// expected. desired must leave the top two bits clear.
func PCAS[T Value](addr *T, expected *T, desired T, success, failure Order) bool {
	debug.Assert("desired payload fits", func() bool { return uint64(desired)&flagMask == 0 })
	_, _ = success, failure // Go atomics are seq_cst; see Order.

	p := (*uint64)(unsafe.Pointer(addr))
	exp := uint64(*expected)

	install := uint64(desired)
	if useDirtyFlag {
		install = uint64(word(desired).WithDirty())
	}

	for {
		cur := atomic.LoadUint64(p)
		if cur == exp {
			if atomic.CompareAndSwapUint64(p, exp, install) {
				break
			}
			continue
		}

		w := word(cur)
		if w.Intermediate() {
			resolveIntermediate(p, &w)
		}
		if uint64(w) != exp {
			*expected = T(w)
			return false
		}
		// resolved back to the expected value; try again
	}

	persistWord(p)
	if useDirtyFlag {
		// a loss here means a reader already observed the persisted write
		// and cleared the flag cooperatively
		atomic.CompareAndSwapUint64(p, install, uint64(desired))
	}
	return true
}

// resolveIntermediate drives a word out of its intermediate state: an
// embedded descriptor is helped to completion, a dirty value is persisted
// and cleaned. On return *w holds a stable word.
func resolveIntermediate(p *uint64, w *word) {
	for w.Intermediate() {
		if w.Desc() {
			if d := descriptorAt(w.Payload()); d != nil {
				d.help()
			}
			prev := *w
			*w = word(atomic.LoadUint64(p))
			if *w == prev {
				// still embedded: the operation is undecided (or there is
				// no pool to resolve it through); wait for the owner
				time.Sleep(backoffTime)
				*w = word(atomic.LoadUint64(p))
			}
			continue
		}

		// dirty only: the writer typically clears the flag right after its
		// persist, so spin briefly before doing its work for it
		for i := 0; i < spinRetries; i++ {
			spin()
			*w = word(atomic.LoadUint64(p))
			if !w.Intermediate() {
				return
			}
		}

		orig := *w
		time.Sleep(backoffTime)
		*w = word(atomic.LoadUint64(p))
		if !w.Intermediate() {
			return
		}
		if w.Desc() || *w != orig {
			continue
		}

		persistWord(p)
		if atomic.CompareAndSwapUint64(p, uint64(*w), uint64(w.Clean())) {
			*w = w.Clean()
			return
		}
		*w = word(atomic.LoadUint64(p))
	}
}

// persistWord makes a single target word durable. Words outside the open
// pool have no durability to maintain and are skipped; I/O failures are
// recorded on the region and surfaced through Pool.Err.
func persistWord(p *uint64) {
	if pl := current(); pl != nil && pl.region.Contains(unsafe.Pointer(p)) {
		_ = pl.region.Persist(unsafe.Pointer(p), machine.WordSize)
	}
}

func spin() { runtime.Gosched() }
