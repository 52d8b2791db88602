// Command ekploadtest drives synthetic traffic against a running ekpd,
// the EKP analogue of the teacher's cmd/loadtest runner.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/encrypt-key-proxy/internal/loadtest"
)

func main() {
	var (
		gatewayURL  = flag.String("gateway-url", "http://localhost:8443", "ekpd URL")
		duration    = flag.Duration("duration", 30*time.Second, "test duration")
		workers     = flag.Int("workers", 5, "number of worker goroutines")
		qps         = flag.Int("qps", 25, "queries per second per worker")
		domainSpace = flag.Int64("domain-space", 1000, "random domain id space (smaller = higher cache hit rate)")
		keysPerReq  = flag.Int("keys-per-request", 1, "domain ids per request")
		verbose     = flag.Bool("verbose", false, "enable verbose logging")
	)
	flag.Parse()

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	fmt.Println("=== Encryption Key Proxy Load Test Runner ===")
	fmt.Printf("Gateway URL: %s\n", *gatewayURL)
	fmt.Printf("Duration:    %v\n", *duration)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("QPS/worker:  %d\n", *qps)
	fmt.Println()

	results, err := loadtest.RunLoadTest(loadtest.Config{
		GatewayURL:  *gatewayURL,
		NumWorkers:  *workers,
		Duration:    *duration,
		QPS:         *qps,
		DomainSpace: *domainSpace,
		KeysPerReq:  *keysPerReq,
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("load test failed")
	}

	loadtest.PrintResults(results)

	if results.FailedReqs > 0 {
		os.Exit(1)
	}
}
