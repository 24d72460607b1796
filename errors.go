package pmatomic

import (
	"errors"

	"github.com/zeebo/pmatomic/pmem"
)

var (
	// ErrPoolOpen means the pool file could not be created or opened, or
	// carries an incompatible layout.
	ErrPoolOpen = pmem.ErrOpen

	// ErrPoolAlignment means the descriptor array could not be placed on a
	// PMEM-line boundary inside the region.
	ErrPoolAlignment = pmem.ErrAlignment

	// ErrPmemIO means a flush or drain reported an I/O failure. The
	// affected operation is completed by recovery on the next open.
	ErrPmemIO = pmem.ErrIO

	// ErrCapacity means Add was called on a full descriptor.
	ErrCapacity = errors.New("pmatomic: descriptor capacity exceeded")

	// ErrInvalidPayload means an old or new value uses the two reserved
	// top bits.
	ErrInvalidPayload = errors.New("pmatomic: payload uses reserved flag bits")

	// ErrForeignWord means a target word does not reside in the open pool
	// and so cannot be recovered after a crash.
	ErrForeignWord = errors.New("pmatomic: target word is outside the pool")
)
