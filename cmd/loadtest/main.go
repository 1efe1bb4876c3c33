package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// loadTestConfig holds load test parameters.
type loadTestConfig struct {
	BaseURL        string
	Model          string
	NumRequests    int
	Concurrency    int
	ReportInterval time.Duration
}

// loadTestStats tracks test metrics.
type loadTestStats struct {
	TotalRequests       uint64
	Successful          uint64
	Failed              uint64
	TotalDuration       time.Duration
	AvgLatency          time.Duration
	MaxLatency          time.Duration
	MinLatency          time.Duration
	P95Latency          time.Duration
	P99Latency          time.Duration
	ThroughputPerSecond float64
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "broker gateway base URL")
	model := flag.String("model", "llama-3-8b", "model name to request")
	numReqs := flag.Int("requests", 1000, "number of completion requests to send")
	concurrency := flag.Int("concurrency", 50, "number of concurrent callers")
	reportInterval := flag.Duration("report", 5*time.Second, "stats reporting interval")
	flag.Parse()

	cfg := loadTestConfig{
		BaseURL:        *baseURL,
		Model:          *model,
		NumRequests:    *numReqs,
		Concurrency:    *concurrency,
		ReportInterval: *reportInterval,
	}

	slog.Info("starting gateway load test", "requests", cfg.NumRequests, "concurrency", cfg.Concurrency, "url", cfg.BaseURL)
	stats := runLoadTest(cfg)
	printResults(stats)
}

func runLoadTest(cfg loadTestConfig) *loadTestStats {
	stats := &loadTestStats{MinLatency: time.Hour}
	var latencies []time.Duration
	var latenciesMu sync.Mutex

	client := &http.Client{Timeout: 120 * time.Second}

	reqChan := make(chan int, cfg.NumRequests)
	var wg sync.WaitGroup

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reportStats(ctx, stats, cfg.ReportInterval)

	startTime := time.Now()
	for i := 0; i < cfg.Concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for reqID := range reqChan {
				sendCompletion(client, cfg, workerID, reqID, stats, &latencies, &latenciesMu)
			}
		}(i)
	}

	for i := 0; i < cfg.NumRequests; i++ {
		reqChan <- i
	}
	close(reqChan)
	wg.Wait()

	stats.TotalDuration = time.Since(startTime)
	stats.ThroughputPerSecond = float64(stats.TotalRequests) / stats.TotalDuration.Seconds()

	latenciesMu.Lock()
	if len(latencies) > 0 {
		stats.AvgLatency = averageLatency(latencies)
		stats.P95Latency = percentileLatency(latencies, 95)
		stats.P99Latency = percentileLatency(latencies, 99)
	}
	latenciesMu.Unlock()

	return stats
}

type completionRequest struct {
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	MaxTokens   uint32  `json:"max_tokens,omitempty"`
	Temperature float32 `json:"temperature,omitempty"`
}

func sendCompletion(
	client *http.Client,
	cfg loadTestConfig,
	workerID, reqID int,
	stats *loadTestStats,
	latencies *[]time.Duration,
	latenciesMu *sync.Mutex,
) {
	body, _ := json.Marshal(completionRequest{
		Model:       cfg.Model,
		Prompt:      fmt.Sprintf("load test request %d from caller %d", reqID, workerID),
		MaxTokens:   32,
		Temperature: 0.7,
	})

	start := time.Now()
	resp, err := client.Post(cfg.BaseURL+"/v1/completions", "application/json", bytes.NewReader(body))
	latency := time.Since(start)

	atomic.AddUint64(&stats.TotalRequests, 1)
	if err != nil || resp.StatusCode >= 400 {
		atomic.AddUint64(&stats.Failed, 1)
	} else {
		atomic.AddUint64(&stats.Successful, 1)
	}
	if resp != nil {
		resp.Body.Close()
	}

	latenciesMu.Lock()
	*latencies = append(*latencies, latency)
	if latency > stats.MaxLatency {
		stats.MaxLatency = latency
	}
	if latency < stats.MinLatency {
		stats.MinLatency = latency
	}
	latenciesMu.Unlock()
}

func reportStats(ctx context.Context, stats *loadTestStats, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			total := atomic.LoadUint64(&stats.TotalRequests)
			success := atomic.LoadUint64(&stats.Successful)
			failed := atomic.LoadUint64(&stats.Failed)
			slog.Info("progress", "total", total, "success", success, "failed", failed,
				"min_latency", stats.MinLatency, "max_latency", stats.MaxLatency)
		case <-ctx.Done():
			return
		}
	}
}

func printResults(stats *loadTestStats) {
	separator := "================================================================================"
	divider := "--------------------------------------------------------------------------------"

	fmt.Println("\n" + separator)
	fmt.Println("LOAD TEST RESULTS")
	fmt.Println(separator)
	fmt.Printf("Total Requests:         %d\n", stats.TotalRequests)
	if stats.TotalRequests > 0 {
		fmt.Printf("Successful:             %d (%.2f%%)\n", stats.Successful, float64(stats.Successful)/float64(stats.TotalRequests)*100)
		fmt.Printf("Failed:                 %d (%.2f%%)\n", stats.Failed, float64(stats.Failed)/float64(stats.TotalRequests)*100)
	}
	fmt.Println(divider)
	fmt.Printf("Total Duration:         %v\n", stats.TotalDuration)
	fmt.Printf("Throughput:             %.2f req/sec\n", stats.ThroughputPerSecond)
	fmt.Println(divider)
	fmt.Printf("Latency (min):          %v\n", stats.MinLatency)
	fmt.Printf("Latency (avg):          %v\n", stats.AvgLatency)
	fmt.Printf("Latency (p95):          %v\n", stats.P95Latency)
	fmt.Printf("Latency (p99):          %v\n", stats.P99Latency)
	fmt.Printf("Latency (max):          %v\n", stats.MaxLatency)
	fmt.Println(separator + "\n")
}

func averageLatency(latencies []time.Duration) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, l := range latencies {
		total += l
	}
	return total / time.Duration(len(latencies))
}

func percentileLatency(latencies []time.Duration, percentile int) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)) * float64(percentile) / 100.0)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
