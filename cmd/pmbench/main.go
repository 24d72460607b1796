package main

import (
	"flag"
	"os"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"

	"github.com/zeebo/pmatomic"
	"github.com/zeebo/pmatomic/internal/pcg"
	"github.com/zeebo/pmatomic/thread"
)

var (
	path    = flag.String("path", "pmbench.pm", "pool file")
	threads = flag.Int("threads", 8, "worker goroutines")
	iters   = flag.Int("iters", 100000, "multi-word CAS operations per worker")
	width   = flag.Int("width", pmatomic.Capacity, "words swapped per operation")
)

func main() {
	os.Exit(bench_main())
}

func bench_main() int {
	log.SetHandler(cli.New(os.Stderr))
	flag.Parse()

	logger := log.WithFields(log.Fields{
		"app": "pmbench",
	})

	if *threads < 1 || *threads > thread.MaxThreads {
		logger.Errorf("threads must be in [1, %d]", thread.MaxThreads)
		return 1
	}
	if *width < 1 || *width > pmatomic.Capacity {
		logger.Errorf("width must be in [1, %d]", pmatomic.Capacity)
		return 1
	}

	// start from a fresh pool so the final sum check is exact
	os.Remove(*path)

	pool, err := pmatomic.Open(*path)
	if err != nil {
		logger.WithError(err).Error("open pool")
		return 1
	}
	defer pool.Close()

	fields := *threads * *width
	start := time.Now()

	var wg sync.WaitGroup
	for t := 0; t < *threads; t++ {
		wg.Add(1)
		go func(seed uint64) {
			defer wg.Done()

			h := thread.Acquire()
			defer thread.Release(h)

			desc := pool.Get(h)
			rng := pcg.New(seed, uint64(time.Now().UnixNano()))
			picks := make([]int, *width)

			for i := 0; i < *iters; i++ {
				rng.Sample(picks, fields)
				for {
					for _, idx := range picks {
						w := pool.Word(idx)
						cur := pmatomic.PLoad(w, pmatomic.SeqCst)
						if err := desc.Add(w, cur, cur+1, pmatomic.SeqCst); err != nil {
							logger.WithError(err).Error("add target")
							return
						}
					}
					ok, err := desc.Run()
					if err != nil {
						logger.WithError(err).Error("run pmwcas")
						return
					}
					if ok {
						break
					}
				}
			}
		}(uint64(t))
	}
	wg.Wait()
	elapsed := time.Since(start)

	var sum, want uint64
	for i := 0; i < fields; i++ {
		sum += pmatomic.PLoad(pool.Word(i), pmatomic.SeqCst)
	}
	want = uint64(*threads) * uint64(*iters) * uint64(*width)

	ops := *threads * *iters
	logger.WithFields(log.Fields{
		"ops":     ops,
		"elapsed": elapsed.String(),
		"ops/s":   int(float64(ops) / elapsed.Seconds()),
	}).Info("done")

	if sum != want {
		logger.Errorf("sum mismatch: got %d, want %d", sum, want)
		return 1
	}
	return 0
}
