package integration

import (
	"bytes"
	"compress/gzip"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/adietish/undertow/pkg/undertow"
)

func TestRequestIDGenerated(t *testing.T) {
	router := undertow.NewRouter()
	router.Use(undertow.RequestID())
	router.GET("/id", func(ctx *undertow.Context) error {
		return ctx.Plain(200, ctx.MustGet("request-id").(string))
	})

	addr := startServer(t, router, nil)

	resp, err := doRequest(addr, testSpec("GET", "/id", ""), nil)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	id := resp.header("x-request-id")
	if len(id) != 16 {
		t.Errorf("Generated request ID %q should be 16 characters", id)
	}
	if string(resp.body) != id {
		t.Errorf("Context carries %q, header carries %q", resp.body, id)
	}
}

func TestRequestIDPreserved(t *testing.T) {
	router := undertow.NewRouter()
	router.Use(undertow.RequestID())
	router.GET("/id", func(ctx *undertow.Context) error {
		return ctx.Plain(200, ctx.MustGet("request-id").(string))
	})

	addr := startServer(t, router, nil)

	spec := testSpec("GET", "/id", "")
	spec.Headers = append(spec.Headers, [2]string{"x-request-id", "trace-abc-123"})
	resp, err := doRequest(addr, spec, nil)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if got := resp.header("x-request-id"); got != "trace-abc-123" {
		t.Errorf("Inbound request ID replaced with %q", got)
	}
	if string(resp.body) != "trace-abc-123" {
		t.Errorf("Context saw %q instead of the inbound ID", resp.body)
	}
}

func TestCompressionOverWire(t *testing.T) {
	original := strings.Repeat("The quick brown fox jumps over the lazy dog. ", 60)

	router := undertow.NewRouter()
	router.Use(undertow.Compress())
	router.GET("/text", func(ctx *undertow.Context) error {
		return ctx.Plain(200, original)
	})

	addr := startServer(t, router, nil)

	spec := testSpec("GET", "/text", "")
	spec.Headers = append(spec.Headers, [2]string{"accept-encoding", "gzip"})
	resp, err := doRequest(addr, spec, nil)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	if enc := resp.header("content-encoding"); enc != "gzip" {
		t.Fatalf("Expected gzip encoding, got %q", enc)
	}
	if resp.header("vary") != "accept-encoding" {
		t.Error("Missing vary header on compressed response")
	}
	if len(resp.body) >= len(original) {
		t.Errorf("Compressed body of %d bytes is not smaller than %d", len(resp.body), len(original))
	}

	reader, err := gzip.NewReader(bytes.NewReader(resp.body))
	if err != nil {
		t.Fatalf("Body is not valid gzip: %v", err)
	}
	decompressed, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("Decompression failed: %v", err)
	}
	if string(decompressed) != original {
		t.Error("Decompressed body differs from the original")
	}
}

func TestCompressionSkippedWithoutAcceptEncoding(t *testing.T) {
	original := strings.Repeat("incompressible? hardly. ", 100)

	router := undertow.NewRouter()
	router.Use(undertow.Compress())
	router.GET("/text", func(ctx *undertow.Context) error {
		return ctx.Plain(200, original)
	})

	addr := startServer(t, router, nil)

	resp, err := doRequest(addr, testSpec("GET", "/text", ""), nil)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if enc := resp.header("content-encoding"); enc != "" {
		t.Errorf("Unexpected content-encoding %q without accept-encoding", enc)
	}
	if string(resp.body) != original {
		t.Error("Body was altered without client opt-in")
	}
}

func TestRecoveryRendersError(t *testing.T) {
	router := undertow.NewRouter()
	router.Use(undertow.Recovery())
	router.GET("/panic", func(ctx *undertow.Context) error {
		panic("deliberate test panic")
	})

	addr := startServer(t, router, nil)

	resp, err := doRequest(addr, testSpec("GET", "/panic", ""), nil)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp.status != 500 {
		t.Errorf("Expected status 500, got %d", resp.status)
	}
	if string(resp.body) != "Internal Server Error" {
		t.Errorf("Unexpected body %q", resp.body)
	}
	if !resp.reuse {
		t.Error("Recovered panic should leave the connection reusable")
	}
}

func TestRateLimiterOverWire(t *testing.T) {
	router := undertow.NewRouter()
	router.Use(undertow.RateLimiter(1)) // burst of 2
	router.GET("/limited", func(ctx *undertow.Context) error {
		return ctx.Plain(200, "ok")
	})

	addr := startServer(t, router, nil)

	// The limiter keys on the forwarded client address, which testSpec pins,
	// so fresh TCP connections still share one bucket.
	first, err := doRequest(addr, testSpec("GET", "/limited", ""), nil)
	if err != nil {
		t.Fatalf("First request failed: %v", err)
	}
	if first.status != 200 {
		t.Fatalf("First request got %d", first.status)
	}
	if first.header("x-ratelimit-limit") != "1" {
		t.Errorf("x-ratelimit-limit = %q", first.header("x-ratelimit-limit"))
	}

	second, err := doRequest(addr, testSpec("GET", "/limited", ""), nil)
	if err != nil {
		t.Fatalf("Second request failed: %v", err)
	}
	if second.status != 200 {
		t.Fatalf("Second request got %d", second.status)
	}

	third, err := doRequest(addr, testSpec("GET", "/limited", ""), nil)
	if err != nil {
		t.Fatalf("Third request failed: %v", err)
	}
	if third.status != 429 {
		t.Fatalf("Third request got %d, expected 429", third.status)
	}
	if string(third.body) != "Too Many Requests" {
		t.Errorf("Unexpected body %q", third.body)
	}
	if third.header("retry-after") != "1" {
		t.Errorf("retry-after = %q", third.header("retry-after"))
	}
	if third.header("x-ratelimit-remaining") != "0" {
		t.Errorf("x-ratelimit-remaining = %q", third.header("x-ratelimit-remaining"))
	}
}

func TestTimeoutOverWire(t *testing.T) {
	router := undertow.NewRouter()
	router.Use(undertow.Timeout(50 * time.Millisecond))
	router.GET("/slow", func(ctx *undertow.Context) error {
		time.Sleep(300 * time.Millisecond)
		return ctx.Plain(200, "too late")
	})

	addr := startServer(t, router, nil)

	resp, err := doRequest(addr, testSpec("GET", "/slow", ""), nil)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp.status != 504 {
		t.Errorf("Expected status 504, got %d", resp.status)
	}
	if string(resp.body) != "Gateway Timeout" {
		t.Errorf("Unexpected body %q", resp.body)
	}
	if resp.reuse {
		t.Error("Timed-out exchange must not offer the connection for reuse")
	}
}

func TestCORSPreflight(t *testing.T) {
	router := undertow.NewRouter()
	router.Use(undertow.CORS(undertow.DefaultCORSConfig()))
	router.GET("/data", func(ctx *undertow.Context) error {
		return ctx.JSON(200, map[string]string{"ok": "yes"})
	})

	addr := startServer(t, router, nil)

	// Preflight never reaches the route handler.
	pre, err := doRequest(addr, testSpec("OPTIONS", "/data", ""), nil)
	if err != nil {
		t.Fatalf("Preflight failed: %v", err)
	}
	if pre.status != 204 {
		t.Errorf("Preflight status %d, expected 204", pre.status)
	}
	if pre.header("access-control-allow-origin") != "*" {
		t.Errorf("allow-origin = %q", pre.header("access-control-allow-origin"))
	}
	if len(pre.body) != 0 {
		t.Errorf("Preflight carried a %d-byte body", len(pre.body))
	}

	// The actual request carries the CORS headers alongside the payload.
	resp, err := doRequest(addr, testSpec("GET", "/data", ""), nil)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp.status != 200 {
		t.Errorf("Status %d", resp.status)
	}
	if resp.header("access-control-allow-origin") != "*" {
		t.Error("Missing CORS headers on the non-preflight response")
	}
}
