// Command webcom-bench load-tests a Webcom server: it opens one
// connection, issues a configurable number of concurrent Put requests
// against a scratch path, and reports throughput and latency
// percentiles once every request has completed or the timeout elapses.
//
// It plays the role legorange.c (a multi-client drawing-board demo)
// plays in the original C SDK's examples — a small standalone program
// exercising the connection under sustained real traffic — but
// repurposed as a benchmark: sustained interactive traffic, drawn as
// many-client board updates in the C SDK, is throughput-generating
// Put traffic here.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cedlm/webcom-go"
)

func main() {
	host := flag.String("host", "io.datasync.orange.com", "webcom server host")
	port := flag.Int("port", 443, "webcom server port")
	app := flag.String("app", "bench", "application namespace")
	path := flag.String("path", "/bench", "scratch path to write under")
	concurrency := flag.Int("c", 10, "number of concurrent writers")
	total := flag.Int("n", 1000, "total number of puts to issue")
	timeout := flag.Duration("timeout", 30*time.Second, "overall deadline")
	flag.Parse()

	ready := make(chan struct{})
	var once sync.Once
	onEvent := func(s webcom.ConnState) {
		if s == webcom.StateReady {
			once.Do(func() { close(ready) })
		}
	}

	wc, err := webcom.New(context.Background(), *host, *port, *app, onEvent)
	if err != nil {
		fmt.Fprintf(os.Stderr, "webcom-bench: %v\n", err)
		os.Exit(1)
	}
	defer wc.Close()

	runCtx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	select {
	case <-ready:
	case <-runCtx.Done():
		fmt.Fprintln(os.Stderr, "webcom-bench: timed out waiting for connection")
		os.Exit(1)
	}

	var (
		mu        sync.Mutex
		latencies []time.Duration
		failures  int64
		completed int64
	)

	var wg sync.WaitGroup
	work := make(chan int, *concurrency)
	go func() {
		defer close(work)
		for i := 0; i < *total; i++ {
			select {
			case work <- i:
			case <-runCtx.Done():
				return
			}
		}
	}()

	start := time.Now()
	for w := 0; w < *concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range work {
				t0 := time.Now()
				done := make(chan error, 1)
				childPath := fmt.Sprintf("%s/%d", *path, i)
				err := wc.Put(runCtx, childPath, i, func(err error) { done <- err })
				if err != nil {
					atomic.AddInt64(&failures, 1)
					continue
				}
				select {
				case err := <-done:
					if err != nil {
						atomic.AddInt64(&failures, 1)
					} else {
						mu.Lock()
						latencies = append(latencies, time.Since(t0))
						mu.Unlock()
						atomic.AddInt64(&completed, 1)
					}
				case <-runCtx.Done():
					return
				}
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	report(elapsed, int(completed), int(failures), latencies)
}

func report(elapsed time.Duration, completed, failures int, latencies []time.Duration) {
	fmt.Printf("completed %d, failed %d, in %s (%.1f req/s)\n",
		completed, failures, elapsed, float64(completed)/elapsed.Seconds())

	if len(latencies) == 0 {
		return
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	fmt.Printf("latency: p50=%s p90=%s p99=%s max=%s\n",
		percentile(latencies, 0.50),
		percentile(latencies, 0.90),
		percentile(latencies, 0.99),
		latencies[len(latencies)-1])
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
