package pmatomic

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	logging "github.com/op/go-logging"

	"github.com/zeebo/pmatomic/internal/machine"
	"github.com/zeebo/pmatomic/pmem"
	"github.com/zeebo/pmatomic/thread"
)

var log = logging.MustGetLogger("pmatomic")

// DefaultLayout names the region layout when none is given.
const DefaultLayout = "pmwcas_desc_pool"

const (
	defaultArenaWords = 1 << 12
	descCount         = thread.MaxThreads + 1
	descBytes         = descCount * descSize
)

type options struct {
	layout     string
	arenaWords int
}

// Option configures Open.
type Option func(*options)

// WithLayout sets the layout name recorded in the region header. Opening a
// pool created under a different layout fails.
func WithLayout(name string) Option {
	return func(o *options) { o.layout = name }
}

// WithArenaWords sets the number of pool-resident words available through
// Word. Applies when the pool file is created; reopening keeps the size the
// file was created with.
func WithArenaWords(n int) Option {
	return func(o *options) { o.arenaWords = n }
}

// Pool is an open descriptor pool: a persistent array of one descriptor per
// thread id plus a word arena for application targets. One pool is live per
// process at a time; it is registered globally so that readers encountering
// an embedded descriptor reference can resolve and help it.
type Pool struct {
	region   *pmem.Region
	descs    unsafe.Pointer
	descOff  uint64
	arena    unsafe.Pointer
	arenaLen int

	// volatile count of helpers active per descriptor; an owner drains its
	// own before reusing the descriptor's slots
	helpers *[descCount]helperSlot
}

type helperSlot struct {
	n uint32
	_ [machine.CacheLine - 4]byte
}

// registered is the live pool, set by Open and cleared by Close.
var registered atomic.Pointer[Pool]

func current() *Pool { return registered.Load() }

// Open maps the pool file at path, creating it when absent. Reopening an
// existing file sweeps every descriptor, rolling interrupted operations
// forward or back, so all target words in the pool read stable afterwards.
func Open(path string, opts ...Option) (*Pool, error) {
	o := options{layout: DefaultLayout, arenaWords: defaultArenaWords}
	for _, opt := range opts {
		opt(&o)
	}
	if o.arenaWords < 0 {
		return nil, fmt.Errorf("%w: negative arena size", ErrPoolOpen)
	}

	rootSize := descBytes + uintptr(o.arenaWords)*machine.WordSize
	fileSize := int64(machine.PMEMLine) + int64(rootSize)

	r, err := pmem.Map(path, o.layout, fileSize)
	if err != nil {
		return nil, err
	}

	minSize := rootSize
	if !r.Created() {
		minSize = descBytes
	}
	root, gotSize, err := r.Root(minSize, machine.PMEMLine)
	if err != nil {
		r.Close()
		return nil, err
	}

	pl := &Pool{
		region:   r,
		descs:    root,
		arena:    unsafe.Add(root, descBytes),
		arenaLen: int((gotSize - descBytes) / machine.WordSize),
		helpers:  new([descCount]helperSlot),
	}
	pl.descOff, _ = r.Offset(root)

	if r.Created() {
		// a fresh mapping is zero, which already reads as Completed
		// descriptors and zero words; only the self references are missing
		for i := 0; i < descCount; i++ {
			d := pl.descriptor(i)
			off, _ := r.Offset(unsafe.Pointer(d))
			d.self = uint64(word(off).WithDesc())
		}
		if err := r.Flush(root, descBytes); err != nil {
			r.Close()
			return nil, err
		}
		log.Infof("initialized pool %q: %d descriptors, %d arena words",
			path, descCount, pl.arenaLen)
	} else {
		for i := 0; i < descCount; i++ {
			if err := pl.descriptor(i).initialize(r); err != nil {
				r.Close()
				return nil, err
			}
		}
		log.Infof("recovered pool %q: %d descriptors swept", path, descCount)
	}
	if err := r.Drain(); err != nil {
		r.Close()
		return nil, err
	}

	if !registered.CompareAndSwap(nil, pl) {
		r.Close()
		return nil, fmt.Errorf("%w: another pool is already open", ErrPoolOpen)
	}
	return pl, nil
}

func (p *Pool) descriptor(i int) *Descriptor {
	return (*Descriptor)(unsafe.Add(p.descs, uintptr(i)*descSize))
}

// helperCount returns the volatile active-helper counter for d.
func (p *Pool) helperCount(d *Descriptor) *uint32 {
	off, _ := p.region.Offset(unsafe.Pointer(d))
	return &p.helpers[(off-p.descOff)/uint64(descSize)].n
}

// Get returns the descriptor owned by the handle's thread id. The same
// handle always maps to the same descriptor; ownership is exclusive because
// ids are.
func (p *Pool) Get(h thread.Handle) *Descriptor {
	return p.descriptor(int(h.ID()))
}

// Word returns the i-th word of the pool arena. Arena words live at stable
// offsets, so they survive close and reopen, and they are valid targets for
// Add, PCAS and PLoad.
func (p *Pool) Word(i int) *uint64 {
	if i < 0 || i >= p.arenaLen {
		panic("pmatomic: arena index out of range")
	}
	return (*uint64)(unsafe.Add(p.arena, uintptr(i)*machine.WordSize))
}

// Words returns the number of arena words.
func (p *Pool) Words() int { return p.arenaLen }

// Err returns the first I/O failure recorded on the pool's region, if any.
func (p *Pool) Err() error { return p.region.Err() }

// Close unmaps the pool. Descriptors are deliberately not reset: their
// durable state is what the next Open recovers from.
func (p *Pool) Close() error {
	registered.CompareAndSwap(p, nil)
	return p.region.Close()
}

// descriptorAt resolves the payload of a DESC-flagged word to a descriptor
// in the live pool. Returns nil when no pool is open or the offset does not
// name a descriptor slot.
func descriptorAt(off uint64) *Descriptor {
	pl := current()
	if pl == nil {
		return nil
	}
	if off < pl.descOff || off >= pl.descOff+uint64(descBytes) {
		return nil
	}
	if (off-pl.descOff)%uint64(descSize) != 0 {
		return nil
	}
	return (*Descriptor)(pl.region.Direct(off))
}
