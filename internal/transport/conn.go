package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/panjf2000/gnet/v2"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/adietish/undertow/internal/ajp"
	"github.com/adietish/undertow/internal/bufpool"
	"github.com/adietish/undertow/internal/conduit"
	"github.com/adietish/undertow/internal/exchange"
)

// Connection modes. The event loop owns the mode: reading means inbound bytes
// feed the frame parser, dispatched means they feed the request body conduit
// of the running exchange, closed means the connection is going away.
const (
	modeReading = iota
	modeDispatched
	modeClosed
)

// netConn is the slice of gnet.Conn the connection state machine needs. gnet
// connections satisfy it; tests substitute a scripted fake.
type netConn interface {
	conduit.AsyncWriter
	Read(p []byte) (int, error)
	InboundBuffered() int
	AsyncWrite(buf []byte, callback gnet.AsyncCallback) error
	Wake(callback gnet.AsyncCallback) error
	Close() error
	RemoteAddr() net.Addr
}

// Connection carries the per-connection protocol state. All fields except the
// completed flag are owned by the event loop goroutine; workers reach the
// connection only through the conduits, the completed flag and the
// goroutine-safe methods of the underlying gnet.Conn.
type Connection struct {
	srv    *Server
	conn   netConn
	remote string

	mode       int
	state      *ajp.ParseState
	ex         *exchange.Exchange
	extra      *bufpool.Buffer
	frameBytes int

	req  *conduit.RequestConduit
	resp *conduit.ResponseConduit

	// completed is set by the worker when a persistent exchange finishes. The
	// wake that follows re-enters the event loop, which resets for the next
	// cycle before touching any buffered bytes.
	completed atomic.Bool

	start time.Time
}

func newConnection(s *Server, conn netConn) *Connection {
	c := &Connection{
		srv:   s,
		conn:  conn,
		state: ajp.NewParseState(),
		ex:    exchange.New(),
	}
	if addr := conn.RemoteAddr(); addr != nil {
		c.remote = addr.String()
	}
	return c
}

// handleEvent is the readiness entry point, called whenever the connection
// has buffered bytes or was woken.
func (c *Connection) handleEvent() gnet.Action {
	if c.completed.CompareAndSwap(true, false) {
		c.resetCycle()
	}
	switch c.mode {
	case modeClosed:
		return gnet.Close
	case modeDispatched:
		return c.feedBody()
	default:
		return c.readLoop()
	}
}

// readLoop pulls buffered bytes through the frame parser until the frame
// completes or input runs dry. Bytes left over past a complete frame are
// retained for the next cycle before the frame is acted on.
func (c *Connection) readLoop() gnet.Action {
	for {
		buf, ok := c.nextBuffer()
		if !ok {
			return gnet.None
		}
		if buf == nil {
			return c.closeOnReadError()
		}

		consumed, err := ajp.Parse(buf.Bytes(), c.state, c.ex)
		buf.Advance(consumed)
		c.frameBytes += consumed
		if err != nil {
			buf.Release()
			return c.protocolError("malformed request frame", err)
		}

		if !c.state.Complete() {
			buf.Release()
			if c.frameBytes > c.srv.cfg.MaxHeaderSize {
				return c.protocolError("request frame too large",
					fmt.Errorf("%d bytes read, limit %d", c.frameBytes, c.srv.cfg.MaxHeaderSize))
			}
			continue
		}

		if buf.Len() > 0 {
			c.extra = buf
		} else {
			buf.Release()
		}
		if c.frameBytes > c.srv.cfg.MaxHeaderSize {
			return c.protocolError("request frame too large",
				fmt.Errorf("%d bytes read, limit %d", c.frameBytes, c.srv.cfg.MaxHeaderSize))
		}

		switch c.state.Prefix {
		case ajp.CPing:
			return c.handleCPing()
		case ajp.ForwardRequest:
			return c.handleForwardRequest()
		default:
			return c.protocolError("unsupported frame",
				fmt.Errorf("prefix code %d", c.state.Prefix))
		}
	}
}

// nextBuffer hands back the retained remainder if there is one, otherwise a
// pooled buffer filled from the connection. A (nil, true) return signals a
// read failure.
func (c *Connection) nextBuffer() (*bufpool.Buffer, bool) {
	if c.extra != nil {
		buf := c.extra
		c.extra = nil
		return buf, true
	}
	if c.conn.InboundBuffered() == 0 {
		return nil, false
	}
	buf := c.srv.pool.Get()
	n, err := c.conn.Read(buf.All())
	if err != nil {
		buf.Release()
		c.srv.logger.Debug("connection read failed", zap.Error(err), zap.String("remote", c.remote))
		return nil, true
	}
	if n == 0 {
		buf.Release()
		return nil, false
	}
	buf.SetWindow(0, n)
	c.srv.metrics.readBytes.Add(float64(n))
	return buf, true
}

func (c *Connection) closeOnReadError() gnet.Action {
	c.mode = modeClosed
	return gnet.Close
}

// handleCPing answers a connection probe with the fixed CPONG packet. The
// parse state is renewed before the write is issued so that bytes arriving
// behind the probe decode against a fresh frame; the cycle byte counter keeps
// accumulating until the next forward request completes. A probe never
// reaches the dispatcher.
func (c *Connection) handleCPing() gnet.Action {
	c.srv.metrics.cpingsTotal.Inc()
	c.state = ajp.NewParseState()
	err := c.conn.AsyncWrite(ajp.CPongBytes, func(_ gnet.Conn, werr error) error {
		if werr != nil {
			c.srv.logger.Debug("cpong write failed", zap.Error(werr), zap.String("remote", c.remote))
			c.mode = modeClosed
			return c.conn.Close()
		}
		if c.handleEvent() == gnet.Close {
			return c.conn.Close()
		}
		return nil
	})
	if err != nil {
		c.srv.logger.Debug("cpong write failed", zap.Error(err), zap.String("remote", c.remote))
		c.mode = modeClosed
		return gnet.Close
	}
	return gnet.None
}

// handleForwardRequest turns the parsed frame into a running exchange: fixes
// the body policy, installs the conduit pair, feeds it any bytes already
// read past the frame, and hands the exchange to a worker.
func (c *Connection) handleForwardRequest() gnet.Action {
	ex := c.ex
	if secret := c.srv.cfg.Secret; secret != "" && ex.Attribute(ajp.AttrSecret) != secret {
		return c.protocolError("rejected forward request", errors.New("secret mismatch"))
	}
	policy, err := ex.DeriveBodyPolicy()
	if err != nil {
		return c.protocolError("invalid request body framing", err)
	}
	if c.srv.cfg.Secure {
		ex.Scheme = "https"
	} else {
		ex.Scheme = "http"
	}
	ex.Persistent = true
	c.state = nil

	c.resp = conduit.NewResponseConduit(c.conn, ex)
	c.req = conduit.NewRequestConduit(c.resp, policy, ex.ContentLength)
	ex.Body = c.req
	ex.Response = c.resp
	c.mode = modeDispatched
	c.start = time.Now()
	c.srv.metrics.exchangesTotal.Inc()

	if c.feedBody() == gnet.Close {
		return gnet.Close
	}

	req, resp := c.req, c.resp
	if err := c.srv.workers.Submit(func() { c.runHandler(ex, req, resp) }); err != nil {
		c.srv.logger.Error("worker pool saturated", zap.Error(err), zap.String("remote", c.remote))
		c.mode = modeClosed
		return gnet.Close
	}
	return gnet.None
}

// feedBody forwards buffered connection bytes into the request body conduit.
// The conduit stops consuming at the end of the body, so frames pipelined
// behind it stay retained until the exchange completes and the next cycle
// parses them.
func (c *Connection) feedBody() gnet.Action {
	for {
		if c.extra == nil && c.req.Done() {
			return gnet.None
		}
		buf, ok := c.nextBuffer()
		if !ok {
			return gnet.None
		}
		if buf == nil {
			return c.closeOnReadError()
		}

		consumed, err := c.req.Feed(buf.Bytes())
		buf.Advance(consumed)
		if err != nil {
			buf.Release()
			return c.protocolError("malformed body packet", err)
		}
		if buf.Len() > 0 {
			c.extra = buf
			return gnet.None
		}
		buf.Release()
	}
}

// runHandler executes the dispatcher for one exchange on a worker goroutine.
// The event loop keeps feeding body bytes while it runs; the only blocking
// point is the request conduit.
func (c *Connection) runHandler(ex *exchange.Exchange, req *conduit.RequestConduit, resp *conduit.ResponseConduit) {
	defer func() {
		if r := recover(); r != nil {
			c.srv.logger.Error("handler panic",
				zap.Any("panic", r),
				zap.String("method", ex.Method),
				zap.String("uri", ex.RequestURI),
				zap.String("remote", c.remote))
			c.abort(req, resp)
		}
	}()
	if err := c.srv.dispatcher.Dispatch(ex); err != nil {
		c.srv.logger.Error("dispatch failed",
			zap.Error(err),
			zap.String("method", ex.Method),
			zap.String("uri", ex.RequestURI),
			zap.String("remote", c.remote))
		c.abort(req, resp)
		return
	}
	c.finishExchange(ex, req, resp)
}

// abort tears an exchange down without an end-of-response marker: whatever
// was already framed is flushed, then the connection closes. The peer sees a
// truncated stream and fails the request on its side.
func (c *Connection) abort(req *conduit.RequestConduit, resp *conduit.ResponseConduit) {
	_ = req.Close()
	resp.CloseOnDrain(func() { _ = c.conn.Close() })
}

// finishExchange runs after the handler returns. The unread remainder of the
// request body is drained so the connection sits at a frame boundary, the
// response is terminated with the exchange's reuse flag, and the connection
// either rearms for the next cycle or flushes and closes.
func (c *Connection) finishExchange(ex *exchange.Exchange, req *conduit.RequestConduit, resp *conduit.ResponseConduit) {
	if !req.Done() {
		n, err := io.Copy(io.Discard, io.LimitReader(req, c.srv.cfg.MaxDrainSize))
		if err != nil {
			c.srv.logger.Debug("request body drain failed", zap.Error(err), zap.String("remote", c.remote))
			ex.Persistent = false
		} else if !req.Done() {
			c.srv.logger.Debug("request body exceeds drain limit",
				zap.Int64("drained", n), zap.String("remote", c.remote))
			ex.Persistent = false
		}
	}
	_ = req.Close()

	if err := resp.Terminate(); err != nil {
		ex.Persistent = false
	}

	c.srv.metrics.writtenBytes.Add(float64(resp.BytesWritten()))
	c.srv.metrics.exchangeSeconds.Observe(time.Since(c.start).Seconds())

	if ex.Persistent {
		c.completed.Store(true)
		if err := c.conn.Wake(nil); err != nil {
			_ = c.conn.Close()
		}
		return
	}
	resp.CloseOnDrain(func() { _ = c.conn.Close() })
}

// resetCycle rearms the connection for the next request after a persistent
// exchange finished. Retained bytes survive the reset; they are the start of
// the next frame.
func (c *Connection) resetCycle() {
	if c.req != nil {
		_ = c.req.Close()
	}
	c.req = nil
	c.resp = nil
	c.state = ajp.NewParseState()
	c.ex = exchange.New()
	c.frameBytes = 0
	c.mode = modeReading
}

func (c *Connection) protocolError(msg string, err error) gnet.Action {
	c.srv.metrics.protocolErrors.Inc()
	c.srv.logger.Warn(msg, zap.Error(err), zap.String("remote", c.remote))
	c.mode = modeClosed
	return gnet.Close
}

// teardown releases connection resources once the socket is gone. Poisoning
// the conduits unblocks any worker waiting on body bytes or write completion.
func (c *Connection) teardown() {
	c.mode = modeClosed
	if c.req != nil {
		_ = c.req.Close()
		c.req = nil
	}
	if c.resp != nil {
		c.resp.Fail(conduit.ErrClosed)
		c.resp = nil
	}
	if c.extra != nil {
		c.extra.Release()
		c.extra = nil
	}
	c.state = nil
}
