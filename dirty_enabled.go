//go:build pmemdirty

package pmatomic

const useDirtyFlag = true
