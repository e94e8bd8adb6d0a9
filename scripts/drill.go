//go:build ignore

// Drill fires concurrent generate requests at a running dispatcher and
// reports which provider answered, the status code spread and latencies.
// Run it against mock upstreams with some keys exhausted to watch rotation
// and failover.
//
// Usage:
//
//	go run drill.go -url http://localhost:8080/v1/generate -concurrency 10 -requests 200
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type providerStats struct {
	Count     int32
	Latencies []time.Duration
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	return sorted[int(float64(len(sorted)-1)*p)]
}

func main() {
	var (
		url         = flag.String("url", "http://localhost:8080/v1/generate", "Generate endpoint")
		concurrency = flag.Int("concurrency", 10, "Number of concurrent workers")
		requests    = flag.Int("requests", 100, "Total number of requests to send")
		prompt      = flag.String("prompt", "Say hello in one word.", "Prompt to send")
		timeout     = flag.Duration("timeout", 30*time.Second, "Per-request timeout")
		verbose     = flag.Bool("v", false, "Verbose per-request logging")
	)
	flag.Parse()

	body, _ := json.Marshal(map[string]string{"prompt": *prompt})
	client := &http.Client{Timeout: *timeout}

	jobs := make(chan int)
	var wg sync.WaitGroup
	var success, failure atomic.Int32

	var mu sync.Mutex
	stats := make(map[string]*providerStats)
	statusCodes := make(map[int]int32)

	testStart := time.Now()

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for idx := range jobs {
				start := time.Now()
				resp, err := client.Post(*url, "application/json", bytes.NewReader(body))
				dur := time.Since(start)

				if err != nil {
					failure.Add(1)
					if *verbose {
						fmt.Printf("[%d] idx=%d error=%v\n", workerID, idx, err)
					}
					continue
				}

				var out struct {
					Provider string `json:"provider"`
				}
				raw, _ := io.ReadAll(resp.Body)
				resp.Body.Close()
				_ = json.Unmarshal(raw, &out)

				name := out.Provider
				if resp.StatusCode == http.StatusOK {
					success.Add(1)
				} else {
					failure.Add(1)
					name = "(none)"
				}

				mu.Lock()
				statusCodes[resp.StatusCode]++
				ps, ok := stats[name]
				if !ok {
					ps = &providerStats{}
					stats[name] = ps
				}
				ps.Count++
				ps.Latencies = append(ps.Latencies, dur)
				mu.Unlock()

				if *verbose {
					fmt.Printf("[%d] idx=%d provider=%s status=%d dur=%v\n", workerID, idx, name, resp.StatusCode, dur)
				}
			}
		}(i)
	}

	go func() {
		for i := 0; i < *requests; i++ {
			jobs <- i
		}
		close(jobs)
	}()

	wg.Wait()
	total := time.Since(testStart)

	fmt.Println("--- Failover Drill Summary ---")
	fmt.Printf("Target: %s\n", *url)
	fmt.Printf("Requests: %d  Concurrency: %d\n", *requests, *concurrency)
	fmt.Printf("Success: %d  Failure: %d\n", success.Load(), failure.Load())
	fmt.Printf("Duration: %v  Throughput: %.2f req/s\n", total, float64(*requests)/total.Seconds())

	fmt.Println("\nStatus codes:")
	var codes []int
	for k := range statusCodes {
		codes = append(codes, k)
	}
	sort.Ints(codes)
	for _, k := range codes {
		fmt.Printf("  %d -> %d\n", k, statusCodes[k])
	}

	fmt.Println("\nAnswered by:")
	var names []string
	for k := range stats {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		ps := stats[k]
		sort.Slice(ps.Latencies, func(i, j int) bool { return ps.Latencies[i] < ps.Latencies[j] })
		fmt.Printf("  %s -> %d  p50=%v p95=%v p99=%v\n", k, ps.Count,
			percentile(ps.Latencies, 0.50), percentile(ps.Latencies, 0.95), percentile(ps.Latencies, 0.99))
	}

	if failure.Load() > 0 {
		os.Exit(2)
	}
}
