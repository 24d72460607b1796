package pmatomic

import (
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/zeebo/pmatomic/internal/debug"
	"github.com/zeebo/pmatomic/internal/machine"
	"github.com/zeebo/pmatomic/pmem"
)

const (
	// Capacity is the maximum number of words one descriptor can swap.
	Capacity = 6

	// bound on pause-loops before backing off, and the backoff itself.
	spinRetries = 10
	backoffTime = 10 * time.Microsecond
)

// descriptor progress states. The zero value is Completed so a freshly
// zeroed pool is already recovered.
const (
	statusCompleted uint64 = iota
	statusFailed
	statusSucceeded
)

// descHeaderSize covers status and count, the fields a decision persist
// must cover together.
const descHeaderSize = 2 * machine.WordSize

// Descriptor drives one multi-word persistent compare-and-swap. It lives
// inside the pool file for the life of the pool and is reused by its owning
// thread for every operation; status and count survive crashes and are the
// input to recovery.
//
// The owning thread is the only writer of count and the only one to reset
// status; helping threads confine themselves to the idempotent redo of
// slots that still hold this descriptor's reference, and Run waits them
// out before handing the slot array back to the owner.
type Descriptor struct {
	status uint64
	count  uint64
	self   uint64 // region offset of this descriptor, DESC flag set
	slots  [Capacity]target
	_      [machine.PMEMLine - descHeaderSize - machine.WordSize - Capacity*targetSize]byte
}

const descSize = unsafe.Sizeof(Descriptor{})

type ( // descriptors are exactly one PMEM line
	_ [descSize - machine.PMEMLine]byte
	_ [machine.PMEMLine - descSize]byte
)

// Size returns the number of targets added so far.
func (d *Descriptor) Size() int { return int(atomic.LoadUint64(&d.count)) }

// Add registers one target word: swap old for new at addr. The word must
// live in the open pool and both values must leave the top two bits clear.
// Nothing is persisted here; Run persists the populated descriptor as its
// first step.
func (d *Descriptor) Add(addr *uint64, old, new uint64, fence Order) error {
	count := atomic.LoadUint64(&d.count)
	debug.Assert("descriptor has free slots", func() bool { return count < Capacity })

	if count >= Capacity {
		return ErrCapacity
	}
	if (old|new)&flagMask != 0 {
		return ErrInvalidPayload
	}
	pl := current()
	if pl == nil {
		return ErrPoolOpen
	}
	off, ok := pl.region.Offset(unsafe.Pointer(addr))
	if !ok {
		return ErrForeignWord
	}

	// Exclusive access to the slot array here is guaranteed by Run, which
	// does not return until every helper of the previous operation has
	// finished with the slots.
	d.slots[count] = target{off: off, old: old, new: new, fence: uint64(fence)}
	atomic.StoreUint64(&d.count, count+1)
	return nil
}

// Run executes the multi-word CAS over the registered targets and reports
// whether it took effect. A false return with nil error means some word no
// longer held its expected value; the targets then read as their old values
// (or a later writer's) and the caller may retry. A non-nil error is
// ErrPoolOpen when no pool is open, and otherwise an I/O failure; the
// descriptor is then left as-is so the next open completes the operation.
func (d *Descriptor) Run() (bool, error) {
	pl := current()
	if pl == nil {
		return false, ErrPoolOpen
	}
	r := pl.region
	count := atomic.LoadUint64(&d.count)

	// Pin the pre-decision state durably. Failed is chosen so that a crash
	// from here until the decision point is indistinguishable from a
	// decided failure and rolls back.
	atomic.StoreUint64(&d.status, statusFailed)
	size := descHeaderSize + machine.WordSize + uintptr(count)*targetSize
	if err := r.Persist(unsafe.Pointer(d), size); err != nil {
		return false, err
	}

	// Install the descriptor reference into every target in order. The
	// first conflict aborts.
	embedded := uint64(0)
	for embedded < count && d.slots[embedded].install(r, d.self) {
		embedded++
	}

	if embedded < count {
		for i := uint64(0); i < embedded; i++ {
			if err := d.slots[i].undo(r, d.self); err != nil {
				return false, err
			}
		}
		if err := r.Drain(); err != nil {
			return false, err
		}
		// The on-media status is still Failed, which is already the
		// correct terminal state for this outcome.
		atomic.StoreUint64(&d.status, statusCompleted)
		atomic.StoreUint64(&d.count, 0)
		d.drainHelpers(pl)
		return false, nil
	}

	// Make the installed references visible to recovery, then persist the
	// decision. The operation linearizes here.
	for i := uint64(0); i < count; i++ {
		if err := d.slots[i].flush(r); err != nil {
			return false, err
		}
	}
	atomic.StoreUint64(&d.status, statusSucceeded)
	if err := r.Flush(unsafe.Pointer(d), descHeaderSize); err != nil {
		return false, err
	}
	if err := r.Drain(); err != nil {
		return false, err
	}

	for i := uint64(0); i < count; i++ {
		if err := d.slots[i].redo(r, d.self); err != nil {
			return false, err
		}
	}
	if err := r.Drain(); err != nil {
		return false, err
	}

	// A crash after this point is harmless: recovery sees Succeeded and
	// replays the idempotent redo.
	atomic.StoreUint64(&d.status, statusCompleted)
	atomic.StoreUint64(&d.count, 0)
	d.drainHelpers(pl)
	return true, nil
}

// drainHelpers waits until no helper is inside help for this descriptor.
// Run calls it after the terminal status store and before returning, so by
// the time the owner can Add for its next operation, any helper still
// running observes Completed and never touches the slots again. That makes
// the slot array exclusively the owner's between operations.
func (d *Descriptor) drainHelpers(pl *Pool) {
	hc := pl.helperCount(d)
	for atomic.LoadUint32(hc) != 0 {
		spin()
	}
}

// help completes another thread's operation whose descriptor reference was
// found embedded in a target word.
//
// Only a Succeeded operation is replayed: its decision is durable, its
// slots are frozen until every embedded reference is gone, and redo swaps
// from the reference, so helpers are idempotent against the owner and
// against each other in any interleaving. A Failed status is ambiguous at
// runtime (the pre-decision persist pins Failed while the owner is still
// installing), so the embed is left for the owner's abort or the next
// open's sweep to clear; the caller backs off and reloads. The owner's
// status and count are never written.
func (d *Descriptor) help() {
	pl := current()
	if pl == nil {
		return
	}
	r := pl.region

	hc := pl.helperCount(d)
	atomic.AddUint32(hc, 1)
	defer atomic.AddUint32(hc, ^uint32(0))

	if atomic.LoadUint64(&d.status) != statusSucceeded {
		return
	}

	self := atomic.LoadUint64(&d.self)
	count := atomic.LoadUint64(&d.count)
	if count > Capacity {
		count = Capacity
	}
	for i := uint64(0); i < count; i++ {
		d.slots[i].redo(r, self)
	}
}

// initialize is the crash-recovery entry point, run for every descriptor
// during the pool-open sweep. The self reference is derived state: mapping
// addresses change across opens, so it is recomputed before any slot is
// touched.
func (d *Descriptor) initialize(r *pmem.Region) error {
	off, ok := r.Offset(unsafe.Pointer(d))
	if !ok {
		return ErrPoolOpen
	}
	d.self = uint64(word(off).WithDesc())

	status := atomic.LoadUint64(&d.status)
	if status != statusCompleted {
		succeeded := status == statusSucceeded
		count := atomic.LoadUint64(&d.count)
		if count > Capacity {
			count = Capacity
		}
		for i := uint64(0); i < count; i++ {
			if err := d.slots[i].recover(r, succeeded, d.self); err != nil {
				return err
			}
		}
	}

	atomic.StoreUint64(&d.status, statusCompleted)
	atomic.StoreUint64(&d.count, 0)
	return r.Flush(unsafe.Pointer(d), descHeaderSize+machine.WordSize)
}
