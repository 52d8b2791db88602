// Package loadtest drives synthetic GetBaseCipherKeysByIds/
// GetLatestBaseCipherKeys traffic against a running ekpd, adapted from
// the teacher's worker-pool-plus-ticker load generator but issuing EKP
// JSON RPCs instead of S3 PUT/GET.
package loadtest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Config configures a run of RunLoadTest.
type Config struct {
	GatewayURL string
	NumWorkers int
	Duration   time.Duration
	QPS        int // per worker
	// DomainSpace bounds the random domain IDs generated per request,
	// controlling the cache hit rate: a small space converges to a high
	// hit rate once the caches warm up.
	DomainSpace int64
	KeysPerReq  int
}

// Results aggregates one run's outcome.
type Results struct {
	TotalRequests  int64
	SuccessfulReqs int64
	FailedReqs     int64
	TotalDuration  time.Duration
	MinLatency     time.Duration
	MaxLatency     time.Duration
	AvgLatency     time.Duration
	Throughput     float64
}

// getLatestReq mirrors ekp.GetLatestBaseCipherKeysRequest's field names
// exactly (that struct carries no json tags, so encoding/json uses the Go
// field names verbatim).
type getLatestReq struct {
	DebugID   string
	DomainIDs []int64
}

// RunLoadTest issues GetLatestBaseCipherKeys calls for Duration, NumWorkers
// at a time, each worker throttled to QPS requests/sec via a ticker.
func RunLoadTest(cfg Config, logger *logrus.Logger) (*Results, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.DomainSpace <= 0 {
		cfg.DomainSpace = 1000
	}
	if cfg.KeysPerReq <= 0 {
		cfg.KeysPerReq = 1
	}

	logger.WithFields(logrus.Fields{
		"workers": cfg.NumWorkers,
		"qps":     cfg.QPS,
		"duration": cfg.Duration,
	}).Info("starting ekp load test")

	results := &Results{MinLatency: time.Hour}
	var latencies []time.Duration
	var latenciesMu sync.Mutex

	interval := time.Second / time.Duration(max(cfg.QPS, 1))
	if interval <= 0 {
		interval = time.Millisecond
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	startTime := time.Now()

	for i := 0; i < cfg.NumWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			src := rand.NewPCG(uint64(workerID), uint64(time.Now().UnixNano()))
			rnd := rand.New(src)

			for {
				select {
				case <-stop:
					return
				case <-ticker.C:
					latency, err := issueRequest(client, cfg, rnd)
					atomic.AddInt64(&results.TotalRequests, 1)
					if err != nil {
						atomic.AddInt64(&results.FailedReqs, 1)
						continue
					}
					atomic.AddInt64(&results.SuccessfulReqs, 1)
					latenciesMu.Lock()
					latencies = append(latencies, latency)
					latenciesMu.Unlock()
				}
			}
		}(i)
	}

	time.AfterFunc(cfg.Duration, func() { close(stop) })
	wg.Wait()

	results.TotalDuration = time.Since(startTime)
	if results.TotalDuration > 0 {
		results.Throughput = float64(results.SuccessfulReqs) / results.TotalDuration.Seconds()
	}

	var total time.Duration
	for _, l := range latencies {
		total += l
		if l < results.MinLatency {
			results.MinLatency = l
		}
		if l > results.MaxLatency {
			results.MaxLatency = l
		}
	}
	if len(latencies) > 0 {
		results.AvgLatency = total / time.Duration(len(latencies))
	} else {
		results.MinLatency = 0
	}

	return results, nil
}

func issueRequest(client *http.Client, cfg Config, rnd *rand.Rand) (time.Duration, error) {
	domainIDs := make([]int64, cfg.KeysPerReq)
	for i := range domainIDs {
		domainIDs[i] = rnd.Int64N(cfg.DomainSpace)
	}

	body, err := json.Marshal(getLatestReq{DomainIDs: domainIDs})
	if err != nil {
		return 0, err
	}

	url := cfg.GatewayURL + "/v1/get_latest_base_cipher_keys"
	start := time.Now()
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	latency := time.Since(start)
	if err != nil {
		return latency, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return latency, fmt.Errorf("loadtest: unexpected status %d", resp.StatusCode)
	}
	return latency, nil
}

// PrintResults writes a human-readable summary, matching the teacher's
// PrintLoadTestResults convention.
func PrintResults(r *Results) {
	fmt.Printf("Total requests:   %d\n", r.TotalRequests)
	fmt.Printf("Successful:       %d\n", r.SuccessfulReqs)
	fmt.Printf("Failed:           %d\n", r.FailedReqs)
	fmt.Printf("Duration:         %v\n", r.TotalDuration)
	fmt.Printf("Throughput:       %.2f req/s\n", r.Throughput)
	fmt.Printf("Latency min/avg/max: %v / %v / %v\n", r.MinLatency, r.AvgLatency, r.MaxLatency)
}
