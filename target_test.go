package pmatomic

import (
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/zeebo/assert"
)

// newTarget builds a slot over arena word i of the pool.
func newTarget(t *testing.T, pl *Pool, i int, old, new uint64) *target {
	t.Helper()

	off, ok := pl.region.Offset(unsafe.Pointer(pl.Word(i)))
	assert.That(t, ok)
	return &target{off: off, old: old, new: new, fence: uint64(SeqCst)}
}

func TestTargetInstall(t *testing.T) {
	pl := newPool(t)
	self := uint64(word(pl.descOff).WithDesc())

	t.Run("Success", func(t *testing.T) {
		w := pl.Word(0)
		*w = 3

		tgt := newTarget(t, pl, 0, 3, 4)
		assert.That(t, tgt.install(pl.region, self))
		assert.Equal(t, atomic.LoadUint64(w), self)
	})

	t.Run("StaleOld", func(t *testing.T) {
		w := pl.Word(1)
		*w = 9

		tgt := newTarget(t, pl, 1, 3, 4)
		assert.That(t, !tgt.install(pl.region, self))
		assert.Equal(t, atomic.LoadUint64(w), uint64(9))
	})

	t.Run("OccupiedByDescriptor", func(t *testing.T) {
		// another operation's reference parks in the word and never
		// resolves; install gives up after its bounded retries
		w := pl.Word(2)
		atomic.StoreUint64(w, uint64(word(123).WithDesc()))

		tgt := newTarget(t, pl, 2, 0, 1)
		assert.That(t, !tgt.install(pl.region, self))
	})
}

func TestTargetRedoUndo(t *testing.T) {
	pl := newPool(t)
	self := uint64(word(pl.descOff).WithDesc())

	t.Run("RedoIdempotent", func(t *testing.T) {
		w := pl.Word(0)
		atomic.StoreUint64(w, self)

		tgt := newTarget(t, pl, 0, 0, 1)
		assert.NoError(t, tgt.redo(pl.region, self))
		assert.Equal(t, atomic.LoadUint64(w), uint64(1))

		assert.NoError(t, tgt.redo(pl.region, self))
		assert.Equal(t, atomic.LoadUint64(w), uint64(1))
	})

	t.Run("UndoIdempotent", func(t *testing.T) {
		w := pl.Word(1)
		atomic.StoreUint64(w, self)

		tgt := newTarget(t, pl, 1, 5, 6)
		assert.NoError(t, tgt.undo(pl.region, self))
		assert.Equal(t, atomic.LoadUint64(w), uint64(5))

		assert.NoError(t, tgt.undo(pl.region, self))
		assert.Equal(t, atomic.LoadUint64(w), uint64(5))
	})

	t.Run("RedoAfterLaterWrite", func(t *testing.T) {
		// once the word moved on, a straggling redo must not touch it
		w := pl.Word(2)
		atomic.StoreUint64(w, self)

		tgt := newTarget(t, pl, 2, 0, 1)
		assert.NoError(t, tgt.redo(pl.region, self))
		atomic.StoreUint64(w, 77)

		assert.NoError(t, tgt.redo(pl.region, self))
		assert.Equal(t, atomic.LoadUint64(w), uint64(77))
	})
}

func TestTargetRecover(t *testing.T) {
	pl := newPool(t)
	self := uint64(word(pl.descOff).WithDesc())

	t.Run("RollForward", func(t *testing.T) {
		w := pl.Word(0)
		atomic.StoreUint64(w, self)

		tgt := newTarget(t, pl, 0, 0, 1)
		assert.NoError(t, tgt.recover(pl.region, true, self))
		assert.Equal(t, atomic.LoadUint64(w), uint64(1))

		// identity on the second application
		assert.NoError(t, tgt.recover(pl.region, true, self))
		assert.Equal(t, atomic.LoadUint64(w), uint64(1))
	})

	t.Run("RollBack", func(t *testing.T) {
		w := pl.Word(1)
		atomic.StoreUint64(w, self)

		tgt := newTarget(t, pl, 1, 8, 9)
		assert.NoError(t, tgt.recover(pl.region, false, self))
		assert.Equal(t, atomic.LoadUint64(w), uint64(8))
	})

	t.Run("CleanDirty", func(t *testing.T) {
		if !useDirtyFlag {
			t.Skip("built without the dirty flag")
		}
		w := pl.Word(2)
		atomic.StoreUint64(w, uint64(word(4).WithDirty()))

		tgt := newTarget(t, pl, 2, 3, 4)
		assert.NoError(t, tgt.recover(pl.region, true, self))
		assert.Equal(t, atomic.LoadUint64(w), uint64(4))
	})

	t.Run("StableUntouched", func(t *testing.T) {
		w := pl.Word(3)
		atomic.StoreUint64(w, 55)

		tgt := newTarget(t, pl, 3, 3, 4)
		assert.NoError(t, tgt.recover(pl.region, true, self))
		assert.Equal(t, atomic.LoadUint64(w), uint64(55))
	})
}
