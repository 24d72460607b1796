//go:build !pmemdirty

package pmatomic

// useDirtyFlag selects the two-phase DIRTY-store protocol. Built without
// it, words move straight from old to new and the extra flag bit is never
// set. Enable with the pmemdirty build tag.
const useDirtyFlag = false
