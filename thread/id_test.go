package thread

import (
	"sync"
	"testing"

	"github.com/zeebo/assert"
)

func TestHandle(t *testing.T) {
	t.Run("Dense", func(t *testing.T) {
		hs := make([]Handle, MaxThreads)
		seen := make(map[uint32]bool)
		for i := range hs {
			hs[i] = Acquire()
			assert.That(t, hs[i].ID() < MaxThreads)
			assert.That(t, !seen[hs[i].ID()])
			seen[hs[i].ID()] = true
		}
		for i := range hs {
			Release(hs[i])
		}
	})

	t.Run("Reuse", func(t *testing.T) {
		h := Acquire()
		id := h.ID()
		Release(h)

		// with every other id free, the released id comes back around
		// within MaxThreads acquisitions.
		found := false
		hs := make([]Handle, 0, MaxThreads)
		for i := 0; i < MaxThreads; i++ {
			n := Acquire()
			hs = append(hs, n)
			if n.ID() == id {
				found = true
			}
		}
		for _, n := range hs {
			Release(n)
		}
		assert.That(t, found)
	})

	t.Run("Concurrent", func(t *testing.T) {
		var mu sync.Mutex
		counts := make(map[uint32]int)

		var wg sync.WaitGroup
		for i := 0; i < MaxThreads; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				h := Acquire()
				mu.Lock()
				counts[h.ID()]++
				mu.Unlock()
				Release(h)
			}()
		}
		wg.Wait()

		total := 0
		for id, n := range counts {
			assert.That(t, id < MaxThreads)
			total += n
		}
		assert.Equal(t, total, MaxThreads)
	})
}

func BenchmarkHandle(b *testing.B) {
	b.ReportAllocs()

	b.Run("Acquire+Release", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			h := Acquire()
			Release(h)
		}
	})

	b.Run("Acquire+Release Parallel", func(b *testing.B) {
		b.RunParallel(func(pb *testing.PB) {
			for pb.Next() {
				h := Acquire()
				Release(h)
			}
		})
	})
}
