// Package pmem maps a file as a byte-addressable persistent region and
// exposes the flush/drain primitives that make stores to it durable.
//
// A store into the mapping is visible to other threads immediately but is
// not durable until the covering lines have been flushed and a drain has
// completed. On a regular filesystem this is realized with msync and fsync;
// the calling convention matches CPU-level persistence primitives so the
// protocol layered on top stays the same.
package pmem

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"github.com/cespare/xxhash"
	logging "github.com/op/go-logging"
	"golang.org/x/sys/unix"
)

var log = logging.MustGetLogger("pmem")

const (
	regionMagic   = 0x504d41544f4d4943 // "PMATOMIC"
	regionVersion = 1

	// HeaderSize is the number of bytes reserved at the start of every
	// region for its metadata.
	HeaderSize = 64
)

// Errors returned by region operations.
var (
	ErrOpen      = errors.New("pmem: region open failed")
	ErrAlignment = errors.New("pmem: region alignment failed")
	ErrIO        = errors.New("pmem: i/o failure")
)

// header is the on-media metadata at offset 0 of every region file.
type header struct {
	magic    uint64
	version  uint64
	layout   uint64 // xxhash of the layout name
	size     uint64 // file size, must match on open
	rootOff  uint64
	rootSize uint64
	_        [16]byte
}

type ( // the header must occupy exactly the reserved bytes
	_ [HeaderSize - unsafe.Sizeof(header{})]byte
	_ [unsafe.Sizeof(header{}) - HeaderSize]byte
)

// Region is a mapped persistent region. All methods except Flush, Drain,
// Persist and the address translations require external synchronization.
type Region struct {
	f       *os.File
	data    []byte
	size    uintptr
	page    uintptr
	created bool
	err     atomic.Pointer[error]
}

// Map opens the region file at path, creating it with the given size when it
// does not exist. The layout name distinguishes applications: opening a file
// created under a different layout fails.
func Map(path, layout string, size int64) (*Region, error) {
	_, statErr := os.Stat(path)
	creating := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpen, err)
	}

	if creating {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: truncate: %v", ErrOpen, err)
		}
	} else {
		fi, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: %v", ErrOpen, err)
		}
		size = fi.Size()
	}
	if size < HeaderSize {
		f.Close()
		return nil, fmt.Errorf("%w: region too small (%d bytes)", ErrOpen, size)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: mmap: %v", ErrOpen, err)
	}

	r := &Region{
		f:       f,
		data:    data,
		size:    uintptr(size),
		page:    uintptr(os.Getpagesize()),
		created: creating,
	}

	hdr := r.header()
	if creating {
		hdr.magic = regionMagic
		hdr.version = regionVersion
		hdr.layout = xxhash.Sum64String(layout)
		hdr.size = uint64(size)
		if err := r.Persist(unsafe.Pointer(hdr), HeaderSize); err != nil {
			r.Close()
			return nil, err
		}
		log.Debugf("created region %q (%d bytes, layout %q)", path, size, layout)
		return r, nil
	}

	switch {
	case hdr.magic != regionMagic:
		r.Close()
		return nil, fmt.Errorf("%w: %q is not a region file", ErrOpen, path)
	case hdr.version != regionVersion:
		r.Close()
		return nil, fmt.Errorf("%w: version %d, want %d", ErrOpen, hdr.version, regionVersion)
	case hdr.layout != xxhash.Sum64String(layout):
		r.Close()
		return nil, fmt.Errorf("%w: layout mismatch for %q", ErrOpen, path)
	case hdr.size != uint64(size):
		r.Close()
		return nil, fmt.Errorf("%w: size %d, header says %d", ErrOpen, size, hdr.size)
	}
	log.Debugf("opened region %q (%d bytes)", path, size)
	return r, nil
}

func (r *Region) header() *header {
	return (*header)(unsafe.Pointer(&r.data[0]))
}

// Created reports whether Map created the file rather than reopening it.
func (r *Region) Created() bool { return r.created }

// Size returns the total size of the region in bytes.
func (r *Region) Size() uintptr { return r.size }

// Root returns the region's root object. On a freshly created region it
// reserves size bytes aligned to align past the header and records them in
// the header; on reopen it returns the recorded object, whose size may
// exceed the requested minimum.
func (r *Region) Root(size, align uintptr) (unsafe.Pointer, uintptr, error) {
	hdr := r.header()

	if r.created && hdr.rootOff == 0 {
		off := (HeaderSize + align - 1) &^ (align - 1)
		if off+size > r.size {
			return nil, 0, fmt.Errorf("%w: root needs %d bytes, region has %d",
				ErrOpen, off+size, r.size)
		}
		hdr.rootOff = uint64(off)
		hdr.rootSize = uint64(size)
		if err := r.Persist(unsafe.Pointer(hdr), HeaderSize); err != nil {
			return nil, 0, err
		}
	}

	off, rsize := uintptr(hdr.rootOff), uintptr(hdr.rootSize)
	if off < HeaderSize || off+rsize > r.size || rsize < size {
		return nil, 0, fmt.Errorf("%w: root object does not fit its region", ErrOpen)
	}

	ptr := unsafe.Pointer(&r.data[off])
	if uintptr(ptr)&(align-1) != 0 {
		// mmap returns page-aligned bases, so file-offset alignment carries
		// over for any align up to the page size.
		return nil, 0, fmt.Errorf("%w: root at %p is not %d-byte aligned", ErrAlignment, ptr, align)
	}
	return ptr, rsize, nil
}

// Direct translates a region-relative offset to a pointer into the mapping.
func (r *Region) Direct(off uint64) unsafe.Pointer {
	return unsafe.Pointer(&r.data[off])
}

// Offset translates a pointer into the mapping to its region-relative
// offset. It reports false for addresses outside the region.
func (r *Region) Offset(p unsafe.Pointer) (uint64, bool) {
	base := uintptr(unsafe.Pointer(&r.data[0]))
	if uintptr(p) < base || uintptr(p) >= base+r.size {
		return 0, false
	}
	return uint64(uintptr(p) - base), true
}

// Contains reports whether p points into the mapping.
func (r *Region) Contains(p unsafe.Pointer) bool {
	_, ok := r.Offset(p)
	return ok
}

// Flush schedules the bytes covering [p, p+n) for write-back. The range is
// rounded out to OS pages because msync is page-granular; that is the
// mapping's analogue of a cache-line write-back. The bytes are durable only
// after a subsequent Drain.
func (r *Region) Flush(p unsafe.Pointer, n uintptr) error {
	off, ok := r.Offset(p)
	if !ok {
		return r.record(fmt.Errorf("%w: flush of %p outside region", ErrIO, p))
	}

	start := uintptr(off) &^ (r.page - 1)
	end := (uintptr(off) + n + r.page - 1) &^ (r.page - 1)
	if end > r.size {
		end = r.size
	}
	if err := unix.Msync(r.data[start:end], unix.MS_ASYNC); err != nil {
		return r.record(fmt.Errorf("%w: msync: %v", ErrIO, err))
	}
	return nil
}

// Drain waits for every outstanding flush to become durable.
func (r *Region) Drain() error {
	if err := unix.Fsync(int(r.f.Fd())); err != nil {
		return r.record(fmt.Errorf("%w: fsync: %v", ErrIO, err))
	}
	return nil
}

// Persist flushes [p, p+n) and drains.
func (r *Region) Persist(p unsafe.Pointer, n uintptr) error {
	if err := r.Flush(p, n); err != nil {
		return err
	}
	return r.Drain()
}

// Err returns the first I/O failure observed on the region, if any.
func (r *Region) Err() error {
	if p := r.err.Load(); p != nil {
		return *p
	}
	return nil
}

func (r *Region) record(err error) error {
	r.err.CompareAndSwap(nil, &err)
	log.Errorf("%v", err)
	return err
}

// Close unmaps the region and closes the file. Mapped contents written but
// not persisted may or may not survive.
func (r *Region) Close() error {
	var first error
	if r.data != nil {
		if err := unix.Munmap(r.data); err != nil && first == nil {
			first = fmt.Errorf("%w: munmap: %v", ErrIO, err)
		}
		r.data = nil
	}
	if r.f != nil {
		if err := r.f.Close(); err != nil && first == nil {
			first = fmt.Errorf("%w: close: %v", ErrIO, err)
		}
		r.f = nil
	}
	return first
}
