package pmatomic

const (
	dirtyFlag uint64 = 1 << 63
	descFlag  uint64 = 1 << 62
	flagMask         = dirtyFlag | descFlag

	// PayloadBits is the number of usable bits in a target word. The top
	// two bits are reserved for the descriptor and dirty flags.
	PayloadBits = 62
)

// word is the 64-bit cell every persistent CAS operates on: a 62-bit
// payload plus the DESC and DIRTY flags. A word with DESC set holds the
// region offset of an in-flight descriptor and must never be decoded as a
// user value; Payload is the single gate.
type word uint64

func (w word) Payload() uint64 { return uint64(w) &^ flagMask }

func (w word) Desc() bool { return uint64(w)&descFlag != 0 }

func (w word) Dirty() bool {
	if !useDirtyFlag {
		return false
	}
	return uint64(w)&dirtyFlag != 0
}

// Intermediate reports whether the word is still being operated on. Stable
// words have both flags clear and decode directly to their payload.
func (w word) Intermediate() bool {
	if !useDirtyFlag {
		return uint64(w)&descFlag != 0
	}
	return uint64(w)&flagMask != 0
}

func (w word) WithDesc() word  { return w | word(descFlag) }
func (w word) WithDirty() word { return w | word(dirtyFlag) }
func (w word) Clean() word     { return w &^ word(flagMask) }
