package undertow

import (
	"bytes"
	"compress/gzip"
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/dchest/uniuri"
	"go.uber.org/zap"
)

// LoggerConfig defines the configuration options for the Logger middleware.
type LoggerConfig struct {
	// Logger receives one entry per request (default: the zap global logger)
	Logger *zap.Logger
	// SkipPaths lists paths to skip logging (e.g., health checks)
	SkipPaths []string
	// Fields allows adding custom fields to each log entry
	Fields func(ctx *Context) []zap.Field
}

// DefaultLoggerConfig returns a LoggerConfig with sensible defaults.
func DefaultLoggerConfig() LoggerConfig {
	return LoggerConfig{
		Logger: zap.L(),
	}
}

// Logger returns a middleware that logs requests through the zap global logger.
func Logger() Middleware {
	return LoggerWithConfig(DefaultLoggerConfig())
}

// LoggerWithConfig returns a middleware that logs requests with custom configuration.
func LoggerWithConfig(config LoggerConfig) Middleware {
	if config.Logger == nil {
		config.Logger = zap.L()
	}

	skipMap := make(map[string]bool, len(config.SkipPaths))
	for _, path := range config.SkipPaths {
		skipMap[path] = true
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			if skipMap[ctx.Path()] {
				return next.ServeAJP(ctx)
			}

			start := time.Now()

			err := next.ServeAJP(ctx)

			fields := make([]zap.Field, 0, 8)
			fields = append(fields,
				zap.String("method", ctx.Method()),
				zap.String("path", ctx.Path()),
				zap.Int("status", ctx.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.Int("bytes", ctx.responseSize()),
				zap.String("remote", ctx.RemoteAddr()),
			)
			if reqID, ok := ctx.Get("request-id"); ok {
				fields = append(fields, zap.Any("request_id", reqID))
			}
			if config.Fields != nil {
				fields = append(fields, config.Fields(ctx)...)
			}
			if err != nil {
				fields = append(fields, zap.Error(err))
				config.Logger.Warn("request", fields...)
			} else {
				config.Logger.Info("request", fields...)
			}

			return err
		})
	}
}

// Recovery returns a middleware that recovers from panics. It catches panics
// during request handling and renders a 500 Internal Server Error response.
func Recovery() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			defer func() {
				if r := recover(); r != nil {
					zap.L().Error("panic recovered",
						zap.Any("panic", r),
						zap.String("path", ctx.Path()),
						zap.Stack("stack"),
					)
					_ = ctx.Plain(500, "Internal Server Error")
				}
			}()

			return next.ServeAJP(ctx)
		})
	}
}

// CORSConfig holds CORS middleware configuration.
type CORSConfig struct {
	AllowOrigin      string
	AllowMethods     string
	AllowHeaders     string
	AllowCredentials bool
	MaxAge           int
}

// DefaultCORSConfig returns sensible CORS defaults.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigin:  "*",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS, PATCH",
		AllowHeaders: "Accept, Content-Type, Content-Length, Authorization",
		MaxAge:       3600,
	}
}

// CORS returns a middleware that handles Cross-Origin Resource Sharing.
// It sets the CORS headers and answers preflight OPTIONS requests.
func CORS(config CORSConfig) Middleware {
	if config.AllowOrigin == "" {
		config.AllowOrigin = "*"
	}
	if config.AllowMethods == "" {
		config.AllowMethods = "GET, POST, PUT, DELETE, OPTIONS, PATCH"
	}
	if config.AllowHeaders == "" {
		config.AllowHeaders = "Accept, Content-Type, Content-Length, Authorization"
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			ctx.SetHeader("access-control-allow-origin", config.AllowOrigin)
			ctx.SetHeader("access-control-allow-methods", config.AllowMethods)
			ctx.SetHeader("access-control-allow-headers", config.AllowHeaders)

			if config.AllowCredentials {
				ctx.SetHeader("access-control-allow-credentials", "true")
			}

			if config.MaxAge > 0 {
				ctx.SetHeader("access-control-max-age", strconv.Itoa(config.MaxAge))
			}

			if ctx.Method() == "OPTIONS" {
				return ctx.NoContent(204)
			}

			return next.ServeAJP(ctx)
		})
	}
}

// RequestID returns a middleware that adds a unique request ID to each
// request. An inbound x-request-id header is kept; otherwise one is
// generated. The ID is stored in the context and echoed as a response header.
func RequestID() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			requestID := ctx.Header().Get("x-request-id")
			if requestID == "" {
				requestID = uniuri.New()
			}

			ctx.Set("request-id", requestID)
			ctx.SetHeader("x-request-id", requestID)

			return next.ServeAJP(ctx)
		})
	}
}

// Timeout returns a middleware that limits request processing time. When the
// deadline passes before the handler responds, a 504 Gateway Timeout is sent
// and the connection is closed after the response; whatever the abandoned
// handler writes later is discarded.
func Timeout(duration time.Duration) Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			timeoutCtx, cancel := context.WithTimeout(ctx.Context(), duration)
			defer cancel()

			done := make(chan error, 1)
			go func() {
				done <- next.ServeAJP(ctx)
			}()

			select {
			case err := <-done:
				return err
			case <-timeoutCtx.Done():
				select {
				case err := <-done:
					// Handler finished just in time
					return err
				default:
				}
				ctx.seal(504, "Gateway Timeout")
				ctx.CloseAfterResponse()
				return nil
			}
		})
	}
}

// CompressConfig holds configuration for the Compress middleware.
type CompressConfig struct {
	// Level specifies the compression level (1-9 for gzip, 0-11 for brotli)
	Level int
	// MinSize specifies the minimum response size to compress (default: 1024 bytes)
	MinSize int
	// ExcludedTypes lists content type prefixes to skip compression
	ExcludedTypes []string
}

// DefaultCompressConfig returns a CompressConfig with sensible defaults.
func DefaultCompressConfig() CompressConfig {
	return CompressConfig{
		Level:   6, // balanced compression
		MinSize: 1024,
		ExcludedTypes: []string{
			"image/",
			"video/",
			"audio/",
			"application/zip",
			"application/gzip",
		},
	}
}

// Compress returns a middleware that compresses response bodies with gzip or
// brotli, preferring brotli when the client accepts both.
func Compress() Middleware {
	return CompressWithConfig(DefaultCompressConfig())
}

// CompressWithConfig returns a compression middleware with custom configuration.
// Streaming responses pass through uncompressed because their headers are
// already on the wire when the middleware unwinds.
func CompressWithConfig(config CompressConfig) Middleware {
	if config.MinSize == 0 {
		config.MinSize = 1024
	}
	if config.Level == 0 {
		config.Level = 6
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			acceptEncoding := ctx.Header().Get("accept-encoding")

			supportsBrotli := strings.Contains(acceptEncoding, "br")
			supportsGzip := strings.Contains(acceptEncoding, "gzip")

			if !supportsBrotli && !supportsGzip {
				return next.ServeAJP(ctx)
			}

			// Divert the buffered body so the compressed bytes can replace it
			ctx.writeMu.Lock()
			originalBuf := ctx.responseBody
			tempBuf := responseBufPool.Get().(*bytes.Buffer)
			tempBuf.Reset()
			ctx.responseBody = tempBuf
			ctx.writeMu.Unlock()

			err := next.ServeAJP(ctx)

			ctx.writeMu.Lock()
			if ctx.sealed {
				// The response was taken over mid-flight; leave it alone.
				ctx.writeMu.Unlock()
				return err
			}
			body := tempBuf.Bytes()
			ctx.responseBody = originalBuf
			headersOut := ctx.hasFlushed
			contentType := ctx.ex.ResponseHeaders.Get("content-type")
			ctx.writeMu.Unlock()

			shouldCompress := !headersOut && len(body) >= config.MinSize
			if shouldCompress {
				for _, excluded := range config.ExcludedTypes {
					if strings.HasPrefix(contentType, excluded) {
						shouldCompress = false
						break
					}
				}
			}

			if shouldCompress {
				if compressed, encoding, ok := compressBody(body, supportsBrotli, config.Level); ok {
					ctx.SetHeader("content-encoding", encoding)
					ctx.SetHeader("vary", "accept-encoding")
					if _, werr := ctx.Write(compressed); werr != nil && err == nil {
						err = werr
					}
					tempBuf.Reset()
					responseBufPool.Put(tempBuf)
					return err
				}
			}

			if _, werr := ctx.Write(body); werr != nil && err == nil {
				err = werr
			}
			tempBuf.Reset()
			responseBufPool.Put(tempBuf)
			return err
		})
	}
}

// compressBody encodes body with brotli or gzip. It reports false when
// encoding failed or did not shrink the body.
func compressBody(body []byte, preferBrotli bool, level int) ([]byte, string, bool) {
	var compressed bytes.Buffer
	var encoding string

	if preferBrotli {
		writer := brotli.NewWriterLevel(&compressed, level)
		if _, err := writer.Write(body); err != nil {
			_ = writer.Close()
			return nil, "", false
		}
		if err := writer.Close(); err != nil {
			return nil, "", false
		}
		encoding = "br"
	} else {
		writer, err := gzip.NewWriterLevel(&compressed, level)
		if err != nil {
			return nil, "", false
		}
		if _, err := writer.Write(body); err != nil {
			_ = writer.Close()
			return nil, "", false
		}
		if err := writer.Close(); err != nil {
			return nil, "", false
		}
		encoding = "gzip"
	}

	if compressed.Len() == 0 || compressed.Len() >= len(body) {
		return nil, "", false
	}
	return compressed.Bytes(), encoding, true
}

// RateLimiterConfig holds configuration for the RateLimiter middleware.
type RateLimiterConfig struct {
	// RequestsPerSecond is the maximum number of requests allowed per second
	RequestsPerSecond int
	// BurstSize is the maximum number of requests that can be burst at once
	BurstSize int
	// KeyFunc returns a unique key for rate limiting (default: the client
	// address forwarded by the proxy)
	KeyFunc func(ctx *Context) string
	// SkipPaths lists paths to skip rate limiting (e.g., health checks)
	SkipPaths []string
	// ErrorHandler is called when the rate limit is exceeded (default: 429)
	ErrorHandler func(ctx *Context) error
}

// DefaultRateLimiterConfig returns a RateLimiterConfig with sensible defaults.
func DefaultRateLimiterConfig(requestsPerSecond int) RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerSecond: requestsPerSecond,
		BurstSize:         requestsPerSecond * 2, // Allow 2x burst
		SkipPaths:         []string{"/health", "/metrics"},
	}
}

// RateLimiter returns a middleware that limits requests per second using a
// token bucket per client.
func RateLimiter(requestsPerSecond int) Middleware {
	return RateLimiterWithConfig(DefaultRateLimiterConfig(requestsPerSecond))
}

// RateLimiterWithConfig returns a rate limiting middleware with custom configuration.
func RateLimiterWithConfig(config RateLimiterConfig) Middleware {
	if config.RequestsPerSecond <= 0 {
		panic("requests per second must be positive")
	}
	if config.BurstSize <= 0 {
		config.BurstSize = config.RequestsPerSecond * 2
	}
	if config.KeyFunc == nil {
		config.KeyFunc = func(ctx *Context) string {
			if addr := ctx.RemoteAddr(); addr != "" {
				return addr
			}
			if addr := ctx.Header().Get("x-forwarded-for"); addr != "" {
				return addr
			}
			return "unknown"
		}
	}
	if config.ErrorHandler == nil {
		config.ErrorHandler = func(ctx *Context) error {
			return ctx.Plain(429, "Too Many Requests")
		}
	}

	skipMap := make(map[string]bool, len(config.SkipPaths))
	for _, path := range config.SkipPaths {
		skipMap[path] = true
	}

	limiters := make(map[string]*tokenBucket)
	mu := sync.Mutex{}

	// Drop buckets for clients that went quiet
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			mu.Lock()
			for key, limiter := range limiters {
				if time.Since(limiter.lastAccess) > 10*time.Minute {
					delete(limiters, key)
				}
			}
			mu.Unlock()
		}
	}()

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			if skipMap[ctx.Path()] {
				return next.ServeAJP(ctx)
			}

			key := config.KeyFunc(ctx)
			if key == "" {
				// Unidentifiable clients are not limited
				return next.ServeAJP(ctx)
			}

			mu.Lock()
			limiter, exists := limiters[key]
			if !exists {
				limiter = newTokenBucket(config.RequestsPerSecond, config.BurstSize)
				limiters[key] = limiter
			}
			limiter.lastAccess = time.Now()
			mu.Unlock()

			allowed, remaining := limiter.allow()

			ctx.SetHeader("x-ratelimit-limit", strconv.Itoa(config.RequestsPerSecond))
			ctx.SetHeader("x-ratelimit-remaining", strconv.Itoa(remaining))
			ctx.SetHeader("x-ratelimit-reset", strconv.FormatInt(time.Now().Add(time.Second).Unix(), 10))

			if !allowed {
				ctx.SetHeader("retry-after", "1")
				return config.ErrorHandler(ctx)
			}

			return next.ServeAJP(ctx)
		})
	}
}

// tokenBucket implements a token bucket rate limiter.
type tokenBucket struct {
	capacity   int
	tokens     int
	refillRate int
	lastRefill time.Time
	lastAccess time.Time
	mu         sync.Mutex
}

func newTokenBucket(rate, burst int) *tokenBucket {
	return &tokenBucket{
		capacity:   burst,
		tokens:     burst,
		refillRate: rate,
		lastRefill: time.Now(),
		lastAccess: time.Now(),
	}
}

// allow consumes a token if one is available and reports the remaining count.
func (tb *tokenBucket) allow() (bool, int) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()

	elapsed := now.Sub(tb.lastRefill)
	tokensToAdd := int(float64(elapsed.Nanoseconds()) / float64(time.Second) * float64(tb.refillRate))

	if tokensToAdd > 0 {
		tb.tokens += tokensToAdd
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}

	if tb.tokens > 0 {
		tb.tokens--
		return true, tb.tokens
	}

	return false, 0
}

// HealthConfig holds configuration for the Health middleware.
type HealthConfig struct {
	// Path is the endpoint path for health checks (default: "/health")
	Path string
	// Handler is a custom health check handler (optional)
	Handler func(ctx *Context) error
}

var startTime = time.Now()

func defaultHealthHandler(ctx *Context) error {
	return ctx.JSON(200, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(startTime).String(),
	})
}

// DefaultHealthConfig returns a HealthConfig with sensible defaults.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		Path:    "/health",
		Handler: defaultHealthHandler,
	}
}

// Health returns a middleware that answers health check probes directly.
func Health() Middleware {
	return HealthWithConfig(DefaultHealthConfig())
}

// HealthWithConfig returns a health check middleware with custom configuration.
func HealthWithConfig(config HealthConfig) Middleware {
	if config.Path == "" {
		config.Path = "/health"
	}
	if config.Handler == nil {
		config.Handler = defaultHealthHandler
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			if ctx.Path() == config.Path {
				return config.Handler(ctx)
			}
			return next.ServeAJP(ctx)
		})
	}
}
