// Command bench runs a synthetic scan workload against the cache and exposes
// optional pprof/Prometheus endpoints.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof/* on DefaultServeMux
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/datacache/cache"
	"github.com/IvanBrykalov/datacache/fileid"
	"github.com/IvanBrykalov/datacache/future"
	"github.com/IvanBrykalov/datacache/memory"
	"github.com/IvanBrykalov/datacache/metrics/prom"
)

func main() {
	// ---- Flags ----
	var (
		memMB  = flag.Int("mem_mb", 512, "allocator capacity (MiB)")
		shards = flag.Int("shards", 16, "number of shards (rounded to power of two)")

		workers  = flag.Int("workers", 2*runtime.GOMAXPROCS(0), "number of worker goroutines")
		duration = flag.Duration("duration", 10*time.Second, "benchmark duration")

		entrySize = flag.Int("entry_size", 64*1024, "bytes per cache entry")
		keys      = flag.Int("keys", 100_000, "keyspace size (distinct offsets)")
		zipfS     = flag.Float64("zipf_s", 1.1, "Zipf s > 1 (skew)")
		zipfV     = flag.Float64("zipf_v", 1.0, "Zipf v")
		seed      = flag.Int64("seed", time.Now().UnixNano(), "random seed")

		pprofAddr   = flag.String("pprof", "", "serve pprof at addr (e.g. :6060); empty = disabled")
		metricsAddr = flag.String("http", ":8080", "serve Prometheus metrics at addr")
	)
	flag.Parse()

	// ---- pprof server (on DefaultServeMux) ----
	if *pprofAddr != "" {
		go func() {
			log.Printf("pprof: serving at %s", *pprofAddr)
			log.Println(http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	// ---- Build cache ----
	alloc := memory.NewMallocAllocator(uint64(*memMB) << 20)
	c := cache.New(cache.Options{Allocator: alloc, NumShards: *shards})

	// ---- Prometheus metrics (on DefaultServeMux) ----
	prom.NewCollector(nil, c, "datacache", "bench", nil)
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		log.Printf("metrics: serving at %s", *metricsAddr)
		log.Println(http.ListenAndServe(*metricsAddr, nil))
	}()

	lease := fileid.Default().Intern("bench-file")
	defer lease.Clear()

	// ---- Snapshot flags for goroutines ----
	size := uint64(*entrySize)
	sizePages := memory.NumPages(size)
	keysMax := uint64(*keys - 1)
	seedBase := *seed
	zipfSVal, zipfVVal := *zipfS, *zipfV

	var hits, loads, waits, failures uint64
	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	start := time.Now()
	var g errgroup.Group
	for w := 0; w < *workers; w++ {
		id := w
		g.Go(func() error {
			// Each worker gets its own RNG + Zipf (rand.Rand is NOT goroutine-safe).
			localR := rand.New(rand.NewSource(seedBase + int64(id)*9973))
			localZipf := rand.NewZipf(localR, zipfSVal, zipfVVal, keysMax)

			for ctx.Err() == nil {
				key := cache.RawFileCacheKey{
					FileNum: lease.ID(),
					Offset:  localZipf.Uint64() * size,
				}
				var wait future.Future
				pin, err := c.FindOrCreate(key, size, &wait)
				switch {
				case err != nil:
					// Out of memory: arbitrate headroom and retry.
					if !c.MakeSpace(sizePages, func(acquired *memory.Allocation) bool {
						alloc.FreeNonContiguous(acquired)
						return memory.NumPages(alloc.Capacity())-alloc.NumAllocated() >= sizePages
					}) {
						atomic.AddUint64(&failures, 1)
					}
				case wait.Valid():
					atomic.AddUint64(&waits, 1)
					if _, err := wait.Wait(ctx); err != nil {
						return nil
					}
				case pin.Entry().IsExclusive():
					fill(pin.Entry())
					pin.Entry().SetExclusiveToShared()
					pin.Release()
					atomic.AddUint64(&loads, 1)
				default:
					pin.Release()
					atomic.AddUint64(&hits, 1)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	elapsed := time.Since(start)

	// ---- Report ----
	total := atomic.LoadUint64(&hits) + atomic.LoadUint64(&loads) + atomic.LoadUint64(&waits)
	fmt.Printf("ops=%d (%.0f/s) hits=%d loads=%d waits=%d makeSpaceFailures=%d\n",
		total, float64(total)/elapsed.Seconds(),
		atomic.LoadUint64(&hits), atomic.LoadUint64(&loads),
		atomic.LoadUint64(&waits), atomic.LoadUint64(&failures))
	fmt.Println(c.Describe(true))
}

// fill writes a recognizable pattern into the entry's storage.
func fill(entry *cache.CacheEntry) {
	if tiny := entry.TinyData(); tiny != nil {
		for i := range tiny {
			tiny[i] = byte(i)
		}
		return
	}
	data := entry.Data()
	for r := 0; r < data.NumRuns(); r++ {
		buf := data.RunAt(r).Data()
		for i := range buf {
			buf[i] = byte(i)
		}
	}
}
