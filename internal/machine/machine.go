package machine

const (
	CacheLine = 64
	// PMEMLine is the read/write unit of persistent memory devices. All
	// persistent descriptors are sized and aligned to it.
	PMEMLine = 256
	WordSize = 8

	MaxThreadBits = 5
	MaxThreads    = 1 << MaxThreadBits
)

type (
	Pad64 [64]uint8
	Pad56 [56]uint8
	Pad48 [48]uint8
	Pad40 [40]uint8
	Pad32 [32]uint8
	Pad24 [24]uint8
	Pad16 [16]uint8
	Pad8  [8]uint8
)

type ( // ensure a PMEM line is a whole number of cache lines
	_ [-(PMEMLine % CacheLine)]byte
	_ [PMEMLine/CacheLine - 4]byte
	_ [4 - PMEMLine/CacheLine]byte
)
