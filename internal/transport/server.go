// Package transport runs the AJP listener: a gnet event loop that parses
// request frames, answers connection probes, and hands completed forward
// requests to a dispatcher on a worker pool. Handlers block only inside the
// per-exchange conduits; the event loop itself never blocks.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/panjf2000/gnet/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/adietish/undertow/internal/bufpool"
	"github.com/adietish/undertow/internal/date"
	"github.com/adietish/undertow/internal/exchange"
)

// Defaults applied by NewServer for zero config fields.
const (
	DefaultMaxHeaderSize = 1 << 20
	DefaultMaxDrainSize  = 256 << 10
	DefaultWorkers       = 1024
)

// Dispatcher receives fully parsed exchanges. Dispatch runs on a worker
// goroutine and may block on the exchange's body reader; returning an error
// closes the connection without an end-of-response marker.
type Dispatcher interface {
	Dispatch(ex *exchange.Exchange) error
}

// Config tunes the listener.
type Config struct {
	// Addr is the TCP listen address, e.g. ":8009".
	Addr string

	Multicore    bool
	NumEventLoop int
	ReusePort    bool
	TCPKeepAlive time.Duration

	// BufferSize is the pooled read buffer capacity. Zero means one maximum
	// protocol packet.
	BufferSize int

	// MaxHeaderSize caps the bytes a request frame may occupy before the
	// connection is dropped.
	MaxHeaderSize int

	// MaxDrainSize caps how much unread request body is consumed after a
	// handler returns before the connection is closed instead of reused.
	MaxDrainSize int64

	// Workers caps concurrently running exchanges. Submissions beyond the cap
	// close the connection rather than queue.
	Workers int

	// Secure marks requests https regardless of the peer's is_ssl flag.
	Secure bool

	// Secret, when set, must match the secret attribute of every forward
	// request.
	Secret string

	Logger   *zap.Logger
	Registry prometheus.Registerer
}

// Server is the AJP listener engine.
type Server struct {
	gnet.BuiltinEventEngine

	cfg        Config
	dispatcher Dispatcher
	logger     *zap.Logger
	pool       *bufpool.Pool
	workers    *ants.Pool
	metrics    *metrics

	engine     gnet.Engine
	started    atomic.Bool
	stopTicker func()
}

// NewServer builds a stopped server around the dispatcher.
func NewServer(d Dispatcher, cfg Config) (*Server, error) {
	if d == nil {
		return nil, errors.New("transport: nil dispatcher")
	}
	if cfg.Addr == "" {
		return nil, errors.New("transport: no listen address")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.MaxHeaderSize <= 0 {
		cfg.MaxHeaderSize = DefaultMaxHeaderSize
	}
	if cfg.MaxDrainSize <= 0 {
		cfg.MaxDrainSize = DefaultMaxDrainSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	workers, err := ants.NewPool(cfg.Workers, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("transport: worker pool: %w", err)
	}
	return &Server{
		cfg:        cfg,
		dispatcher: d,
		logger:     cfg.Logger,
		pool:       bufpool.NewPool(cfg.BufferSize),
		workers:    workers,
		metrics:    newMetrics(cfg.Registry),
	}, nil
}

// Start runs the event loop. It blocks until the engine shuts down.
func (s *Server) Start() error {
	opts := []gnet.Option{
		gnet.WithMulticore(s.cfg.Multicore),
		gnet.WithReusePort(s.cfg.ReusePort),
		gnet.WithTCPNoDelay(gnet.TCPNoDelay),
		gnet.WithLogger(gnetLogger{log: s.logger.Sugar()}),
	}
	if s.cfg.NumEventLoop > 0 {
		opts = append(opts, gnet.WithNumEventLoop(s.cfg.NumEventLoop))
	}
	if s.cfg.TCPKeepAlive > 0 {
		opts = append(opts, gnet.WithTCPKeepAlive(s.cfg.TCPKeepAlive))
	}
	if s.cfg.BufferSize > 0 {
		opts = append(opts,
			gnet.WithReadBufferCap(s.cfg.BufferSize),
			gnet.WithWriteBufferCap(s.cfg.BufferSize))
	}
	s.stopTicker = date.StartTicker()
	return gnet.Run(s, "tcp://"+s.cfg.Addr, opts...)
}

// Stop shuts the engine down, closing every open connection. The context
// bounds how long graceful shutdown may take.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	if s.started.Load() {
		err = s.engine.Stop(ctx)
	}
	if s.stopTicker != nil {
		s.stopTicker()
		s.stopTicker = nil
	}
	s.workers.Release()
	return err
}

func (s *Server) OnBoot(eng gnet.Engine) gnet.Action {
	s.engine = eng
	s.started.Store(true)
	s.logger.Info("ajp listener up",
		zap.String("addr", s.cfg.Addr),
		zap.Bool("secure", s.cfg.Secure),
		zap.Int("workers", s.cfg.Workers))
	return gnet.None
}

func (s *Server) OnShutdown(gnet.Engine) {
	s.started.Store(false)
	s.logger.Info("ajp listener down", zap.String("addr", s.cfg.Addr))
}

func (s *Server) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	c.SetContext(newConnection(s, c))
	s.metrics.connectionsTotal.Inc()
	s.metrics.connectionsActive.Inc()
	return nil, gnet.None
}

func (s *Server) OnClose(c gnet.Conn, err error) gnet.Action {
	if conn, ok := c.Context().(*Connection); ok {
		conn.teardown()
		c.SetContext(nil)
	}
	s.metrics.connectionsActive.Dec()
	if err != nil {
		s.logger.Debug("connection closed", zap.Error(err))
	}
	return gnet.None
}

func (s *Server) OnTraffic(c gnet.Conn) gnet.Action {
	conn, ok := c.Context().(*Connection)
	if !ok {
		return gnet.Close
	}
	return conn.handleEvent()
}

// gnetLogger narrows gnet's internal logging to warnings and errors; the
// engine's info chatter duplicates what the server logs itself.
type gnetLogger struct {
	log *zap.SugaredLogger
}

func (l gnetLogger) Debugf(string, ...interface{}) {}
func (l gnetLogger) Infof(string, ...interface{})  {}

func (l gnetLogger) Warnf(format string, args ...interface{}) {
	l.log.Warnf(format, args...)
}

func (l gnetLogger) Errorf(format string, args ...interface{}) {
	l.log.Errorf(format, args...)
}

func (l gnetLogger) Fatalf(format string, args ...interface{}) {
	l.log.Fatalf(format, args...)
}
