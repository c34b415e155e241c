// Package undertow provides an AJP/1.3 server for Go, speaking the binary
// protocol that reverse proxies such as Apache httpd (mod_jk, mod_proxy_ajp)
// use to forward requests to a backend container.
package undertow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Config holds the server configuration options.
type Config struct {
	Addr         string        // Server address to bind to
	Multicore    bool          // Enable multicore mode for better performance
	NumEventLoop int           // Number of event loops (0 for auto-detect)
	ReusePort    bool          // Enable SO_REUSEPORT for load balancing
	TCPKeepAlive time.Duration // TCP keep-alive period for proxy connections

	BufferSize    int   // Read buffer size per connection (0 for default)
	MaxHeaderSize int   // Maximum size of a request frame in bytes
	MaxDrainSize  int64 // Maximum unread body bytes drained before connection reuse
	Workers       int   // Size of the handler worker pool

	// Secure marks requests as forwarded over TLS by the front proxy, so
	// handlers observe the https scheme.
	Secure bool
	// Secret, when set, must match the secret attribute of every forward
	// request. Mismatches close the connection, mirroring the
	// "requiredSecret" worker property of mod_jk.
	Secret string

	// URICharset names the charset used to percent-decode request targets
	// and query strings ("" means UTF-8).
	URICharset string
	// DecodeSlash allows %2F and %5C escapes to decode into literal path
	// separators. Off by default so encoded slashes cannot alias routes.
	DecodeSlash bool

	Logger   *zap.Logger           // Logger for server events
	Registry prometheus.Registerer // Registry for transport metrics (nil for unregistered)
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Addr:          ":8009", // Conventional AJP port
		Multicore:     true,
		NumEventLoop:  0, // Auto-detect
		ReusePort:     true,
		TCPKeepAlive:  60 * time.Second,
		MaxHeaderSize: 1 << 20, // 1 MB
		MaxDrainSize:  256 << 10,
		Workers:       1024,
		Logger:        zap.NewNop(),
	}
}

// Validate checks and normalizes the configuration values.
func (c *Config) Validate() error {
	if c.Addr == "" {
		c.Addr = ":8009"
	}
	if c.MaxHeaderSize <= 0 {
		c.MaxHeaderSize = 1 << 20
	}
	if c.MaxDrainSize <= 0 {
		c.MaxDrainSize = 256 << 10
	}
	if c.Workers <= 0 {
		c.Workers = 1024
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return nil
}
