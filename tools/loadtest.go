package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

var (
	requestCount  int64
	successCount  int64
	failCount     int64
	totalLatency  int64 // nanoseconds
	minLatency    int64 = 1 << 62
	maxLatency    int64
	latencies     []int64
	latenciesLock sync.Mutex
)

var deviceTypes = []string{"lighting", "ac", "audio", "display", "other"}

// reading mirrors the JSON accepted on /readings and energy/{id}/data.
type reading struct {
	DeviceID    string  `json:"deviceId"`
	DeviceName  string  `json:"deviceName"`
	DeviceType  string  `json:"deviceType"`
	Power       float64 `json:"power"`
	Voltage     float64 `json:"voltage"`
	Current     float64 `json:"current"`
	Energy      float64 `json:"energy"`
	PowerFactor float64 `json:"powerFactor"`
	Timestamp   int64   `json:"timestamp"`
}

// device keeps a monotonic energy counter so the engine never sees a
// regression. Each device belongs to exactly one sender goroutine.
type device struct {
	id     string
	typ    string
	base   float64
	energy float64
}

func (d *device) next(rng *rand.Rand) reading {
	power := d.base * (0.8 + rng.Float64()*0.4)
	if rng.Intn(200) == 0 {
		power *= 5 // occasional spike
	}
	d.energy += power / 1000 / 60
	return reading{
		DeviceID:    d.id,
		DeviceName:  "Load " + d.id,
		DeviceType:  d.typ,
		Power:       power,
		Voltage:     230,
		Current:     power / 230,
		Energy:      d.energy,
		PowerFactor: 0.75 + rng.Float64()*0.25,
		Timestamp:   time.Now().UnixMilli(),
	}
}

type sender func(r reading) error

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run tools/loadtest.go <target> [threads] [connections] [duration]")
		fmt.Println("Example: go run tools/loadtest.go http://localhost:8080/readings 4 100 30s")
		fmt.Println("         go run tools/loadtest.go tcp://localhost:1883 4 20 30s")
		os.Exit(1)
	}

	target := os.Args[1]
	threads := 4
	connections := 100
	duration := 30 * time.Second

	if len(os.Args) > 2 {
		fmt.Sscanf(os.Args[2], "%d", &threads)
	}
	if len(os.Args) > 3 {
		fmt.Sscanf(os.Args[3], "%d", &connections)
	}
	if len(os.Args) > 4 {
		d, err := time.ParseDuration(os.Args[4])
		if err == nil {
			duration = d
		}
	}

	fmt.Printf("Load Test Configuration:\n")
	fmt.Printf("  Target: %s\n", target)
	fmt.Printf("  Threads: %d\n", threads)
	fmt.Printf("  Connections: %d\n", connections)
	fmt.Printf("  Duration: %v\n\n", duration)

	send, closeFn, err := newSender(target)
	if err != nil {
		fmt.Printf("Failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer closeFn()

	latencies = make([]int64, 0, 10000)
	startTime := time.Now()
	endTime := startTime.Add(duration)

	var wg sync.WaitGroup
	workers := connections
	if workers < threads {
		workers = threads
	}

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			worker(w, send, endTime)
		}(w)
	}

	wg.Wait()
	printResults(time.Since(startTime))
}

func newSender(target string) (sender, func(), error) {
	if strings.HasPrefix(target, "tcp://") || strings.HasPrefix(target, "mqtt://") || strings.HasPrefix(target, "ssl://") {
		return newMQTTSender(strings.Replace(target, "mqtt://", "tcp://", 1))
	}
	return newHTTPSender(target), func() {}, nil
}

func newHTTPSender(url string) sender {
	client := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	return func(r reading) error {
		body, _ := json.Marshal(r)
		req, _ := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			return fmt.Errorf("status %d", resp.StatusCode)
		}
		return nil
	}
}

func newMQTTSender(broker string) (sender, func(), error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(fmt.Sprintf("energy-loadtest-%d", time.Now().UnixNano()))
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, nil, token.Error()
	}

	send := func(r reading) error {
		body, _ := json.Marshal(r)
		token := client.Publish("energy/"+r.DeviceID+"/data", 0, false, body)
		if !token.WaitTimeout(5 * time.Second) {
			return fmt.Errorf("publish timeout")
		}
		return token.Error()
	}
	return send, func() { client.Disconnect(250) }, nil
}

func worker(idx int, send sender, endTime time.Time) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(idx)))
	devices := make([]*device, 5)
	for i := range devices {
		devices[i] = &device{
			id:   fmt.Sprintf("dev-%d-%d", idx, i),
			typ:  deviceTypes[(idx+i)%len(deviceTypes)],
			base: 20 + rng.Float64()*2000,
		}
	}

	for n := 0; time.Now().Before(endTime); n++ {
		sendReading(send, devices[n%len(devices)].next(rng))
	}
}

func sendReading(send sender, r reading) {
	start := time.Now()
	err := send(r)
	latency := time.Since(start)

	atomic.AddInt64(&requestCount, 1)
	if err != nil {
		atomic.AddInt64(&failCount, 1)
		return
	}
	atomic.AddInt64(&successCount, 1)

	latencyNs := latency.Nanoseconds()
	atomic.AddInt64(&totalLatency, latencyNs)

	for {
		oldMin := atomic.LoadInt64(&minLatency)
		if latencyNs >= oldMin || atomic.CompareAndSwapInt64(&minLatency, oldMin, latencyNs) {
			break
		}
	}
	for {
		oldMax := atomic.LoadInt64(&maxLatency)
		if latencyNs <= oldMax || atomic.CompareAndSwapInt64(&maxLatency, oldMax, latencyNs) {
			break
		}
	}

	latenciesLock.Lock()
	latencies = append(latencies, latencyNs)
	latenciesLock.Unlock()
}

func percentile(sorted []int64, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return time.Duration(sorted[idx])
}

func printResults(duration time.Duration) {
	total := atomic.LoadInt64(&requestCount)
	success := atomic.LoadInt64(&successCount)
	failed := atomic.LoadInt64(&failCount)

	avgLatency := time.Duration(0)
	if success > 0 {
		avgLatency = time.Duration(atomic.LoadInt64(&totalLatency) / success)
	}

	latenciesLock.Lock()
	sorted := append([]int64(nil), latencies...)
	latenciesLock.Unlock()
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	successRate := 0.0
	if total > 0 {
		successRate = float64(success) / float64(total) * 100
	}

	fmt.Println("\n==========================================")
	fmt.Println("Load Test Results")
	fmt.Println("==========================================")
	fmt.Printf("Duration:        %v\n", duration)
	fmt.Printf("Readings sent:  %d\n", total)
	fmt.Printf("Successful:     %d\n", success)
	fmt.Printf("Failed:         %d\n", failed)
	fmt.Printf("Success Rate:   %.2f%%\n", successRate)
	fmt.Printf("Readings/sec:   %.2f\n", float64(total)/duration.Seconds())
	fmt.Println("\nLatency Statistics:")
	if success > 0 {
		fmt.Printf("  Min:          %v\n", time.Duration(atomic.LoadInt64(&minLatency)))
		fmt.Printf("  Max:          %v\n", time.Duration(atomic.LoadInt64(&maxLatency)))
	}
	fmt.Printf("  Average:      %v\n", avgLatency)
	fmt.Printf("  p50:          %v\n", percentile(sorted, 50))
	fmt.Printf("  p95:          %v\n", percentile(sorted, 95))
	fmt.Printf("  p99:          %v\n", percentile(sorted, 99))
	fmt.Println("==========================================")
}
