// Package thread assigns dense small integer ids to live threads of
// execution. Each id owns one slot in persistent structures sized by
// MaxThreads, so ids are reused as soon as they are released.
package thread

import (
	"sync/atomic"

	"github.com/zeebo/pmatomic/internal/machine"
)

// MaxThreads is the number of ids that can be live at once.
const MaxThreads = machine.MaxThreads

var handleData struct {
	next uint32
	used [MaxThreads]uint32
}

// Handle represents a thread id. It should not cross threads for maximum
// performance. Calls involving the same Handle must not happen concurrently.
type Handle struct {
	id uint32
}

// ID returns the dense id in [0, MaxThreads) owned by the handle.
func (h Handle) ID() uint32 { return h.id % MaxThreads }

// Acquire acquires a unique Handle for the thread.
func Acquire() Handle {
	start := atomic.AddUint32(&handleData.next, 1)
	end := start + MaxThreads*2

retry:
	if start == end {
		panic("too many thread handles")
	}
	id := start % MaxThreads

	if !atomic.CompareAndSwapUint32(&handleData.used[id], 0, 1) {
		start++
		goto retry
	}

	return Handle{id: id}
}

// Release releases the handle, letting its id be used by other threads.
func Release(h Handle) {
	atomic.StoreUint32(&handleData.used[h.id%MaxThreads], 0)
}
