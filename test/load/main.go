// Package main provides incremental load testing for AJP connection
// reliability. It adds proxy connections at a steady rate and watches for
// dropped connections and error replies as the load grows.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/adietish/undertow/internal/ajp"
	"github.com/adietish/undertow/pkg/undertow"
)

const maxLatencySamples = 100000

// LoadTestConfig defines one incremental load test run.
type LoadTestConfig struct {
	// Target configuration
	ServerAddr string
	Embedded   bool
	Secret     string

	// Ramp configuration
	RampUpInterval time.Duration // Time between adding new clients
	ClientsPerStep int           // Number of clients to add each step
	TestDuration   time.Duration // Total test duration

	// Per-client configuration
	DialTimeout    time.Duration
	RequestTimeout time.Duration
	RequestDelay   time.Duration // Delay between requests per client
	RequestBytes   int           // Request body size per exchange
	ResponseBytes  int           // Response body size from the embedded server
}

// LoadTestResult contains the aggregated results of a load test run.
type LoadTestResult struct {
	TestDuration       time.Duration
	MaxClients         int
	TotalRequests      int64
	SuccessfulRequests int64
	FailedRequests     int64
	DroppedConnections int64
	Reconnects         int64
	StatusCodes        map[int]int64
	MaxRPS             float64
	MaxClientsAtMaxRPS int
	Windows            []Window
}

// Window is a one-second slice of the run, recorded while clients ramp up.
type Window struct {
	Elapsed time.Duration
	Clients int
	RPS     float64
}

// LoadTestRunner manages the incremental load test.
type LoadTestRunner struct {
	config LoadTestConfig
	server *undertow.Server
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	clientCount   int64
	windowSuccess int64

	mu        sync.Mutex
	result    *LoadTestResult
	latencies []time.Duration
	body      []byte
	startTime time.Time
}

// NewLoadTestRunner creates a runner for the given configuration.
func NewLoadTestRunner(config LoadTestConfig) *LoadTestRunner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &LoadTestRunner{
		config: config,
		ctx:    ctx,
		cancel: cancel,
		result: &LoadTestResult{
			StatusCodes: make(map[int]int64),
		},
	}
	if config.RequestBytes > 0 {
		r.body = bytes.Repeat([]byte("0123456789abcdef"), (config.RequestBytes+15)/16)[:config.RequestBytes]
	}
	return r
}

// StartServer starts an in-process server bound to the target port.
func (r *LoadTestRunner) StartServer() error {
	_, port, err := net.SplitHostPort(r.config.ServerAddr)
	if err != nil {
		return fmt.Errorf("bad server address %q: %w", r.config.ServerAddr, err)
	}

	payload := []byte("OK")
	if r.config.ResponseBytes > 0 {
		payload = bytes.Repeat([]byte("undertow"), (r.config.ResponseBytes+7)/8)[:r.config.ResponseBytes]
	}
	serve := func(ctx *undertow.Context) error {
		if _, err := io.Copy(io.Discard, ctx.Body()); err != nil {
			return err
		}
		return ctx.Data(200, "application/octet-stream", payload)
	}
	router := undertow.NewRouter()
	router.GET("/", serve)
	router.POST("/", serve)

	config := undertow.DefaultConfig()
	config.Addr = ":" + port
	config.Multicore = true
	config.Secret = r.config.Secret
	config.Logger = zap.NewNop() // keep server logging out of the measurement

	r.server = undertow.New(config)
	go func() { _ = r.server.ListenAndServe(router) }()
	return nil
}

// StopServer stops the in-process server.
func (r *LoadTestRunner) StopServer() error {
	if r.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return r.server.Stop(ctx)
	}
	return nil
}

// waitForCPong probes the target with CPING frames until it answers.
func waitForCPong(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	reply := make([]byte, len(ajp.CPongBytes))
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			_ = conn.SetDeadline(time.Now().Add(500 * time.Millisecond))
			_, werr := conn.Write(ajp.AppendCPing(nil))
			_, rerr := io.ReadFull(conn, reply)
			_ = conn.Close()
			if werr == nil && rerr == nil && bytes.Equal(reply, ajp.CPongBytes) {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("no CPONG from %s within %s", addr, timeout)
}

// RunLoadTest executes the incremental load test and returns the results.
func (r *LoadTestRunner) RunLoadTest() (*LoadTestResult, error) {
	r.startTime = time.Now()

	if r.config.Embedded {
		if err := r.StartServer(); err != nil {
			return nil, err
		}
		defer func() { _ = r.StopServer() }()
	}
	if err := waitForCPong(r.config.ServerAddr, 5*time.Second); err != nil {
		return nil, err
	}

	go r.measure()
	go r.rampUp()

	time.Sleep(r.config.TestDuration)
	r.cancel()
	r.wg.Wait()

	r.result.TestDuration = time.Since(r.startTime)
	r.result.MaxClients = int(atomic.LoadInt64(&r.clientCount))
	return r.result, nil
}

// rampUp adds clients on a fixed interval until the test duration elapses.
func (r *LoadTestRunner) rampUp() {
	ticker := time.NewTicker(r.config.RampUpInterval)
	defer ticker.Stop()

	id := 0
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if time.Since(r.startTime) >= r.config.TestDuration {
				return
			}
			for i := 0; i < r.config.ClientsPerStep; i++ {
				id++
				atomic.AddInt64(&r.clientCount, 1)
				r.wg.Add(1)
				go r.runClient(id)
			}
		}
	}
}

// measure records one throughput window per second and tracks the peak.
func (r *LoadTestRunner) measure() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-r.ctx.Done():
			return
		case now := <-ticker.C:
			n := atomic.SwapInt64(&r.windowSuccess, 0)
			elapsed := now.Sub(last).Seconds()
			last = now
			if elapsed <= 0 {
				continue
			}
			rps := float64(n) / elapsed
			clients := int(atomic.LoadInt64(&r.clientCount))

			r.mu.Lock()
			r.result.Windows = append(r.result.Windows, Window{
				Elapsed: time.Since(r.startTime),
				Clients: clients,
				RPS:     rps,
			})
			if rps > r.result.MaxRPS {
				r.result.MaxRPS = rps
				r.result.MaxClientsAtMaxRPS = clients
			}
			r.mu.Unlock()
		}
	}
}

// runClient drives one proxy connection for the remainder of the test,
// redialing after the server drops it or declines reuse.
func (r *LoadTestRunner) runClient(id int) {
	defer r.wg.Done()

	client, err := r.newClient(id)
	if err != nil {
		log.Printf("client %d: %v", id, err)
		return
	}
	defer client.close()

	for {
		select {
		case <-r.ctx.Done():
			return
		default:
		}

		if client.conn == nil {
			conn, err := net.DialTimeout("tcp", r.config.ServerAddr, r.config.DialTimeout)
			if err != nil {
				r.recordDrop()
				time.Sleep(100 * time.Millisecond)
				continue
			}
			client.conn = conn
		}

		start := time.Now()
		status, reuse, err := client.exchange()
		if err != nil {
			r.recordFailure()
			client.close()
			continue
		}
		r.recordReply(status, time.Since(start))
		if !reuse {
			client.close()
			r.noteReconnect()
		}

		if r.config.RequestDelay > 0 {
			time.Sleep(r.config.RequestDelay)
		}
	}
}

func (r *LoadTestRunner) recordReply(status int, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.result.TotalRequests++
	r.result.StatusCodes[status]++
	if status != 200 {
		r.result.FailedRequests++
		return
	}
	r.result.SuccessfulRequests++
	atomic.AddInt64(&r.windowSuccess, 1)

	r.latencies = append(r.latencies, latency)
	if len(r.latencies) > maxLatencySamples {
		copy(r.latencies, r.latencies[len(r.latencies)-maxLatencySamples:])
		r.latencies = r.latencies[:maxLatencySamples]
	}
}

// recordFailure counts an exchange that died mid-flight: the connection was
// dropped without a complete reply.
func (r *LoadTestRunner) recordFailure() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.result.TotalRequests++
	r.result.FailedRequests++
	r.result.DroppedConnections++
	r.result.StatusCodes[0]++
}

// recordDrop counts a refused dial. No exchange was attempted.
func (r *LoadTestRunner) recordDrop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.result.DroppedConnections++
	r.result.StatusCodes[0]++
}

func (r *LoadTestRunner) noteReconnect() {
	r.mu.Lock()
	r.result.Reconnects++
	r.mu.Unlock()
}

// loadClient holds one proxy connection and the precomputed frames for its
// fixed request, so the hot loop writes without re-encoding.
type loadClient struct {
	conn     net.Conn
	timeout  time.Duration
	preamble []byte // forward request plus the unsolicited first body chunk
	tail     []byte // body bytes still owed after the first chunk
	head     [4]byte
	payload  []byte
	chunk    []byte
}

func (r *LoadTestRunner) newClient(id int) (*loadClient, error) {
	spec := &ajp.RequestSpec{
		Method:     "GET",
		URI:        "/",
		Protocol:   "HTTP/1.1",
		RemoteAddr: fmt.Sprintf("198.51.100.%d", id%254+1),
		RemoteHost: "loadgen",
		ServerName: "localhost",
		ServerPort: 80,
		Secret:     r.config.Secret,
		Headers: [][2]string{
			{"host", "localhost"},
			{"user-agent", "ajp-loadgen"},
		},
	}
	if len(r.body) > 0 {
		spec.Method = "POST"
		spec.Headers = append(spec.Headers, [2]string{"content-length", fmt.Sprintf("%d", len(r.body))})
	}

	preamble, err := ajp.AppendForwardRequest(nil, spec)
	if err != nil {
		return nil, err
	}
	var tail []byte
	if len(r.body) > 0 {
		n := len(r.body)
		if n > ajp.MaxReadChunkSize {
			n = ajp.MaxReadChunkSize
		}
		preamble = ajp.AppendRequestBodyChunk(preamble, r.body[:n])
		tail = r.body[n:]
	}

	return &loadClient{
		timeout:  r.config.RequestTimeout,
		preamble: preamble,
		tail:     tail,
		payload:  make([]byte, ajp.MaxPacketSize),
		chunk:    make([]byte, 0, ajp.MaxPacketSize),
	}, nil
}

// exchange runs one request over the held connection and reports the reply
// status and whether the server kept the connection open for reuse.
func (c *loadClient) exchange() (int, bool, error) {
	if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, false, err
	}
	if _, err := c.conn.Write(c.preamble); err != nil {
		return 0, false, err
	}

	rest := c.tail
	status := 0
	for {
		if _, err := io.ReadFull(c.conn, c.head[:]); err != nil {
			return status, false, err
		}
		if c.head[0] != ajp.MagicReply1 || c.head[1] != ajp.MagicReply2 {
			return status, false, fmt.Errorf("bad reply magic % x", c.head[:2])
		}
		size := int(c.head[2])<<8 | int(c.head[3])
		if size > len(c.payload) {
			return status, false, fmt.Errorf("oversized reply payload of %d bytes", size)
		}
		payload := c.payload[:size]
		if _, err := io.ReadFull(c.conn, payload); err != nil {
			return status, false, err
		}
		if size == 0 {
			continue
		}

		switch payload[0] {
		case ajp.SendHeaders:
			s, _, _, err := ajp.DecodeSendHeaders(payload[1:])
			if err != nil {
				return status, false, err
			}
			status = s
		case ajp.SendBodyChunk:
			// Body bytes are discarded; only the frame walk matters here.
		case ajp.GetBodyChunk:
			want, err := ajp.DecodeGetBodyChunk(payload[1:])
			if err != nil {
				return status, false, err
			}
			n := len(rest)
			if n > want {
				n = want
			}
			if n > ajp.MaxReadChunkSize {
				n = ajp.MaxReadChunkSize
			}
			c.chunk = ajp.AppendRequestBodyChunk(c.chunk[:0], rest[:n])
			rest = rest[n:]
			if _, err := c.conn.Write(c.chunk); err != nil {
				return status, false, err
			}
		case ajp.EndResponse:
			reuse := len(payload) >= 2 && payload[1] != 0
			return status, reuse, nil
		case ajp.CPong:
			// Stray probe answer; keep reading.
		default:
			return status, false, fmt.Errorf("unexpected reply prefix %d", payload[0])
		}
	}
}

func (c *loadClient) close() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// percentile reads the p-quantile from an ascending latency sample.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

// PrintResults prints the summarized test results.
func (r *LoadTestRunner) PrintResults() {
	res := r.result

	fmt.Printf("\n=== AJP Load Test Results ===\n")
	fmt.Printf("Test Duration: %v\n", res.TestDuration)
	fmt.Printf("Max Clients: %d\n", res.MaxClients)
	fmt.Printf("Max RPS: %.0f (at %d clients)\n", res.MaxRPS, res.MaxClientsAtMaxRPS)
	fmt.Printf("Total Requests: %d\n", res.TotalRequests)
	fmt.Printf("Successful Requests: %d\n", res.SuccessfulRequests)
	fmt.Printf("Failed Requests: %d\n", res.FailedRequests)
	fmt.Printf("Dropped Connections: %d\n", res.DroppedConnections)
	fmt.Printf("Planned Reconnects: %d\n", res.Reconnects)

	r.mu.Lock()
	sample := make([]time.Duration, len(r.latencies))
	copy(sample, r.latencies)
	r.mu.Unlock()
	if len(sample) > 0 {
		sort.Slice(sample, func(i, j int) bool { return sample[i] < sample[j] })
		fmt.Printf("\n=== Latency (last %d samples) ===\n", len(sample))
		fmt.Printf("  p50: %v\n", percentile(sample, 0.50))
		fmt.Printf("  p95: %v\n", percentile(sample, 0.95))
		fmt.Printf("  p99: %v\n", percentile(sample, 0.99))
		fmt.Printf("  max: %v\n", sample[len(sample)-1])
	}

	fmt.Printf("\n=== Ramp Milestones ===\n")
	milestones := []int{10, 50, 100, 250, 500, 1000}
	for _, target := range milestones {
		if target > res.MaxClients {
			break
		}
		for _, w := range res.Windows {
			if w.Clients >= target {
				fmt.Printf("  %d clients: %.1f RPS at %v\n", w.Clients, w.RPS, w.Elapsed.Round(time.Second))
				break
			}
		}
	}

	fmt.Printf("\n=== Status Code Distribution ===\n")
	codes := make([]int, 0, len(res.StatusCodes))
	for code := range res.StatusCodes {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	for _, code := range codes {
		count := res.StatusCodes[code]
		percentage := float64(0)
		if res.TotalRequests > 0 {
			percentage = float64(count) / float64(res.TotalRequests) * 100
		}
		fmt.Printf("  %d: %d (%.2f%%)\n", code, count, percentage)
	}

	fmt.Printf("\n=== Test Validation ===\n")
	if res.DroppedConnections > 0 {
		fmt.Printf("❌ TEST FAILED: %d connections were dropped without a complete AJP reply\n", res.DroppedConnections)
		fmt.Printf("Expected behavior: the server answers every forward request with SEND_HEADERS and END_RESPONSE, or refuses cleanly at accept time.\n")
		return
	}
	fmt.Printf("✅ TEST PASSED: every forward request received a complete reply\n")

	if busy := res.StatusCodes[503]; busy > 0 {
		percentage := float64(busy) / float64(res.TotalRequests) * 100
		fmt.Printf("⚠️  WARNING: %d requests returned 503 Service Unavailable (%.2f%%)\n", busy, percentage)
		fmt.Printf("This may be expected behavior under high load (server at capacity).\n")
	}

	overall := float64(0)
	if res.TotalRequests > 0 {
		overall = float64(res.SuccessfulRequests) / float64(res.TotalRequests) * 100
	}
	fmt.Printf("Overall Success Rate: %.2f%%\n", overall)
}

func main() {
	var (
		serverAddr     = flag.String("addr", "127.0.0.1:8009", "Server address")
		external       = flag.Bool("external", false, "Target a running server instead of starting one in-process")
		secret         = flag.String("secret", "", "Shared secret forwarded with every request")
		rampUpInterval = flag.Duration("rampup", 25*time.Millisecond, "Time between adding new clients")
		clientsPerStep = flag.Int("clients", 1, "Number of clients to add each step")
		testDuration   = flag.Duration("duration", 30*time.Second, "Test duration")
		dialTimeout    = flag.Duration("dial-timeout", 2*time.Second, "Connection dial timeout")
		requestTimeout = flag.Duration("timeout", 3*time.Second, "Per-exchange timeout")
		requestDelay   = flag.Duration("delay", 2*time.Millisecond, "Delay between requests per client")
		requestBytes   = flag.Int("request-bytes", 0, "Request body size per exchange")
		responseBytes  = flag.Int("response-bytes", 0, "Response body size from the embedded server")
	)
	flag.Parse()

	config := LoadTestConfig{
		ServerAddr:     *serverAddr,
		Embedded:       !*external,
		Secret:         *secret,
		RampUpInterval: *rampUpInterval,
		ClientsPerStep: *clientsPerStep,
		TestDuration:   *testDuration,
		DialTimeout:    *dialTimeout,
		RequestTimeout: *requestTimeout,
		RequestDelay:   *requestDelay,
		RequestBytes:   *requestBytes,
		ResponseBytes:  *responseBytes,
	}

	runner := NewLoadTestRunner(config)
	result, err := runner.RunLoadTest()
	if err != nil {
		log.Fatalf("Load test failed: %v", err)
	}

	runner.PrintResults()

	if result.DroppedConnections > 0 {
		os.Exit(1)
	}
}
