// Package pmatomic provides lock-free persistent atomics over 8-byte words
// in a mapped persistent region: a persistent compare-and-swap (PCAS) and a
// persistent multi-word compare-and-swap of up to Capacity words.
//
// Both are linearizable and crash consistent. Every target word reserves
// its top two bits: one marks a value written but not yet known durable,
// the other marks an embedded reference to an in-flight descriptor. Readers
// never observe either; PLoad and PCAS resolve intermediate words by
// helping the owning operation to completion. After a crash, reopening the
// pool sweeps all descriptors and leaves every target fully pre-image or
// fully post-image.
//
// Typical use:
//
//	pool, err := pmatomic.Open("pool.pm")
//	...
//	h := thread.Acquire()
//	defer thread.Release(h)
//
//	desc := pool.Get(h)
//	desc.Add(a, oldA, newA, pmatomic.SeqCst)
//	desc.Add(b, oldB, newB, pmatomic.SeqCst)
//	ok, err := desc.Run()
//
// A failed Run means some word no longer held its expected value; callers
// retry with freshly loaded values. Individual words are read with PLoad
// and swapped with PCAS.
package pmatomic
