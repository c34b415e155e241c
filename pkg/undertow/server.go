package undertow

import (
	"context"
	"fmt"

	"github.com/adietish/undertow/internal/exchange"
	"github.com/adietish/undertow/internal/transport"
)

// Server accepts AJP connections from a front proxy and dispatches forwarded
// requests to a Handler.
type Server struct {
	config    Config
	handler   Handler
	transport *transport.Server
}

// New creates a new Server with the provided configuration.
func New(config Config) *Server {
	if err := config.Validate(); err != nil {
		panic(err)
	}

	return &Server{
		config: config,
	}
}

// NewWithDefaults creates a new Server with default configuration.
func NewWithDefaults() *Server {
	return New(DefaultConfig())
}

// Handler sets the request handler and returns the server for method chaining.
func (s *Server) Handler(handler Handler) *Server {
	s.handler = handler
	return s
}

// ListenAndServe sets the handler and starts the server.
func (s *Server) ListenAndServe(handler Handler) error {
	s.handler = handler
	return s.Start()
}

// Start begins accepting proxy connections. It blocks until the listener
// shuts down.
func (s *Server) Start() error {
	if s.handler == nil {
		return fmt.Errorf("handler not set")
	}

	dispatcher := &handlerDispatcher{
		handler:     s.handler,
		charset:     s.config.URICharset,
		decodeSlash: s.config.DecodeSlash,
	}

	srv, err := transport.NewServer(dispatcher, transport.Config{
		Addr:          s.config.Addr,
		Multicore:     s.config.Multicore,
		NumEventLoop:  s.config.NumEventLoop,
		ReusePort:     s.config.ReusePort,
		TCPKeepAlive:  s.config.TCPKeepAlive,
		BufferSize:    s.config.BufferSize,
		MaxHeaderSize: s.config.MaxHeaderSize,
		MaxDrainSize:  s.config.MaxDrainSize,
		Workers:       s.config.Workers,
		Secure:        s.config.Secure,
		Secret:        s.config.Secret,
		Logger:        s.config.Logger,
		Registry:      s.config.Registry,
	})
	if err != nil {
		return err
	}
	s.transport = srv

	return s.transport.Start()
}

// Stop gracefully shuts down the server without interrupting active connections.
func (s *Server) Stop(ctx context.Context) error {
	if s.transport != nil {
		return s.transport.Stop(ctx)
	}
	return nil
}

// handlerDispatcher adapts a Handler to the transport dispatch contract.
// Dispatch runs on a worker goroutine; returning an error makes the
// transport abort the connection instead of completing the response.
type handlerDispatcher struct {
	handler     Handler
	charset     string
	decodeSlash bool
}

func (d *handlerDispatcher) Dispatch(ex *exchange.Exchange) error {
	ctx := newContext(context.Background(), ex, d.charset, d.decodeSlash)
	defer ctx.release()

	if ctx.decodeErr != nil {
		// Malformed request target. The request is still answered so the
		// connection can be reused.
		if err := ctx.Plain(400, "Bad Request"); err != nil {
			return err
		}
		return ctx.finalize()
	}

	if err := d.handler.ServeAJP(ctx); err != nil {
		return err
	}
	return ctx.finalize()
}
