package undertow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"github.com/adietish/undertow/internal/exchange"
	"github.com/adietish/undertow/internal/urlenc"
)

// Headers is the ordered header multimap shared by the request and response
// sides of an exchange.
type Headers = exchange.Headers

// NewHeaders creates a new Headers instance.
func NewHeaders() Headers {
	return exchange.NewHeaders()
}

// QueryParam is one decoded query-string parameter. Wire order is preserved.
type QueryParam = urlenc.Param

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// errLateWrite is returned for writes arriving after the response was taken
// over, typically by the Timeout middleware.
var errLateWrite = errors.New("late write discarded: response already completed")

// Context represents one AJP request-response cycle.
type Context struct {
	ex  *exchange.Exchange
	ctx context.Context

	// path is the percent-decoded request target; decodeErr records a
	// malformed target or query string, answered with 400 before dispatch.
	path      string
	query     []urlenc.Param
	decodeErr error

	charset     string
	decodeSlash bool

	statusCode   int
	responseBody *bytes.Buffer
	bytesOut     int
	values       map[string]interface{}
	hasFlushed   bool
	streaming    bool
	sealed       bool

	// Mutex to protect concurrent writes in middleware like Timeout
	writeMu sync.Mutex
}

var responseBufPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}
var ctxValuesPool = sync.Pool{New: func() any { return make(map[string]interface{}, 8) }}

var noBody = strings.NewReader("")

func newContext(parent context.Context, ex *exchange.Exchange, charset string, decodeSlash bool) *Context {
	c := &Context{
		ex:           ex,
		ctx:          parent,
		charset:      charset,
		decodeSlash:  decodeSlash,
		statusCode:   200,
		responseBody: responseBufPool.Get().(*bytes.Buffer),
		// Lazily allocate values map to avoid cost on simple paths
		values: nil,
	}

	c.path, c.decodeErr = urlenc.Decode(ex.RequestURI, charset, decodeSlash)
	if c.decodeErr == nil && ex.QueryString != "" {
		c.query, c.decodeErr = urlenc.ParseQuery(ex.QueryString, charset, true)
	}

	return c
}

// release returns pooled state once the exchange is finished. A sealed
// context may still be touched by an abandoned handler goroutine, so its
// buffers are left to the garbage collector instead of the pools.
func (c *Context) release() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if !c.sealed {
		c.sealed = true
		c.responseBody.Reset()
		responseBufPool.Put(c.responseBody)
		if c.values != nil {
			for k := range c.values {
				delete(c.values, k)
			}
			ctxValuesPool.Put(c.values)
		}
	}
	c.values = nil
}

// Method returns the request method.
func (c *Context) Method() string {
	return c.ex.Method
}

// Path returns the percent-decoded request path, without the query string.
func (c *Context) Path() string {
	return c.path
}

// RequestURI returns the request target exactly as the proxy forwarded it.
func (c *Context) RequestURI() string {
	return c.ex.RequestURI
}

// Protocol returns the protocol of the original client request, e.g. "HTTP/1.1".
func (c *Context) Protocol() string {
	return c.ex.Protocol
}

// Scheme returns the request scheme (http or https). It reflects how the
// listener is configured, not what the proxy claims.
func (c *Context) Scheme() string {
	if c.ex.Scheme != "" {
		return c.ex.Scheme
	}
	return "http"
}

// Authority returns the host the client addressed, falling back to the
// server name and port forwarded by the proxy.
func (c *Context) Authority() string {
	if host := c.ex.RequestHeaders.Get("host"); host != "" {
		return host
	}
	port := c.ex.ServerPort
	if port == 0 || (port == 80 && c.Scheme() == "http") || (port == 443 && c.Scheme() == "https") {
		return c.ex.ServerName
	}
	return c.ex.ServerName + ":" + strconv.Itoa(port)
}

// RemoteAddr returns the client address reported by the proxy.
func (c *Context) RemoteAddr() string {
	return c.ex.RemoteAddr
}

// RemoteHost returns the resolved client host name, if the proxy sent one.
func (c *Context) RemoteHost() string {
	return c.ex.RemoteHost
}

// RemoteUser returns the user name authenticated by the front proxy, or "".
func (c *Context) RemoteUser() string {
	return c.ex.RemoteUser
}

// AuthType returns the authentication scheme the proxy applied, or "".
func (c *Context) AuthType() string {
	return c.ex.AuthType
}

// Attribute returns the named request attribute forwarded by the proxy
// (ssl_cipher, route, custom JkEnvVar entries), or "".
func (c *Context) Attribute(name string) string {
	return c.ex.Attribute(name)
}

// Header returns the request headers.
func (c *Context) Header() *Headers {
	return &c.ex.RequestHeaders
}

// ResponseHeader returns the response headers accumulated so far.
func (c *Context) ResponseHeader() *Headers {
	return &c.ex.ResponseHeaders
}

// ContentLength returns the declared request body length, or -1 when the
// body is chunked.
func (c *Context) ContentLength() int64 {
	return c.ex.ContentLength
}

// Body returns the request body reader. Reading may pull further body
// packets from the proxy.
func (c *Context) Body() io.Reader {
	if c.ex.Body == nil {
		return noBody
	}
	return c.ex.Body
}

// BodyBytes reads and returns the entire request body.
func (c *Context) BodyBytes() ([]byte, error) {
	return io.ReadAll(c.Body())
}

// BindJSON parses the request body as JSON into the provided value.
func (c *Context) BindJSON(v interface{}) error {
	data, err := c.BodyBytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// QueryParams returns all query parameters in wire order.
func (c *Context) QueryParams() []QueryParam {
	return c.query
}

// Query returns the query parameter value for the given key.
func (c *Context) Query(key string) string {
	for i := range c.query {
		if c.query[i].Key == key {
			return c.query[i].Value
		}
	}
	return ""
}

// QueryDefault returns the query parameter value or a default if not found.
func (c *Context) QueryDefault(key, defaultValue string) string {
	if value := c.Query(key); value != "" {
		return value
	}
	return defaultValue
}

// QueryInt returns the query parameter value as an integer.
func (c *Context) QueryInt(key string) (int, error) {
	value := c.Query(key)
	if value == "" {
		return 0, fmt.Errorf("query parameter %q not found", key)
	}
	return strconv.Atoi(value)
}

// QueryBool returns the query parameter value as a boolean.
func (c *Context) QueryBool(key string) bool {
	value := c.Query(key)
	b, _ := strconv.ParseBool(value)
	return b
}

// SetStatus sets the response status code.
func (c *Context) SetStatus(code int) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.sealed {
		return
	}
	c.statusCode = code
}

// Status returns the current response status code.
func (c *Context) Status() int {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.statusCode
}

// SetHeader sets a response header, replacing any existing value.
func (c *Context) SetHeader(key, value string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.sealed {
		return
	}
	c.ex.ResponseHeaders.Set(key, value)
}

// AddHeader appends a response header without replacing earlier values,
// for names that legitimately repeat such as set-cookie.
func (c *Context) AddHeader(key, value string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.sealed {
		return
	}
	c.ex.ResponseHeaders.Add(key, value)
}

// Write appends data to the response body.
func (c *Context) Write(data []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.sealed {
		return 0, errLateWrite
	}
	return c.responseBody.Write(data)
}

// WriteString appends a string to the response body.
func (c *Context) WriteString(s string) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.sealed {
		return 0, errLateWrite
	}
	return c.responseBody.WriteString(s)
}

// render replaces the buffered response with the given status, content type
// and body. Transmission happens when the dispatch pipeline flushes, so
// middleware such as Compress still sees the final body.
func (c *Context) render(status int, contentType string, body []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.sealed {
		return errLateWrite
	}
	c.statusCode = status
	if contentType != "" {
		c.ex.ResponseHeaders.Set("content-type", contentType)
	}
	c.responseBody.Reset()
	if len(body) > 0 {
		c.responseBody.Write(body)
	}
	return nil
}

// JSON sends a JSON response with the given status code.
func (c *Context) JSON(status int, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.render(status, "application/json", data)
}

// String sends a formatted text response with the given status code.
func (c *Context) String(status int, format string, values ...interface{}) error {
	return c.render(status, "text/plain; charset=utf-8", []byte(fmt.Sprintf(format, values...)))
}

// Plain sends a plain text response without fmt formatting overhead.
func (c *Context) Plain(status int, s string) error {
	return c.render(status, "text/plain; charset=utf-8", []byte(s))
}

// HTML sends an HTML response with the given status code.
func (c *Context) HTML(status int, html string) error {
	return c.render(status, "text/html; charset=utf-8", []byte(html))
}

// Data sends a response with custom content type and data.
func (c *Context) Data(status int, contentType string, data []byte) error {
	return c.render(status, contentType, data)
}

// NoContent sends a response with no body content.
func (c *Context) NoContent(status int) error {
	return c.render(status, "", nil)
}

// Redirect sends a redirect response.
func (c *Context) Redirect(status int, url string) error {
	if status < 300 || status > 308 {
		status = 302
	}
	if err := c.render(status, "", nil); err != nil {
		return err
	}
	c.SetHeader("location", url)
	return nil
}

// CloseAfterResponse asks the transport to drop the proxy connection once
// this response completes instead of keeping it for further requests.
func (c *Context) CloseAfterResponse() {
	c.ex.Persistent = false
}

// flush transmits the status, headers and buffered body through the
// exchange. The first flush fixes the status line; repeated flushes append
// body bytes only. Safe to call when nothing is pending.
func (c *Context) flush() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.flushLocked(false)
}

func (c *Context) flushLocked(stream bool) error {
	if c.ex.Response == nil {
		return fmt.Errorf("no response channel")
	}
	body := c.responseBody.Bytes()
	if !c.hasFlushed {
		c.ex.StatusCode = c.statusCode
		switch {
		case stream:
			// Length unknown once streaming starts.
			c.ex.ResponseHeaders.Del("content-length")
			c.streaming = true
		case c.statusCode == 204 || c.statusCode == 304 || c.statusCode < 200:
			// No body allowed for these statuses.
		case len(body) > 0 || !c.ex.ResponseHeaders.Has("content-length"):
			c.ex.ResponseHeaders.Set("content-length", strconv.Itoa(len(body)))
		}
	}
	// A HEAD response carries the headers of the full response but no body.
	if len(body) > 0 && c.ex.Method != "HEAD" {
		if _, err := c.ex.Response.Write(body); err != nil {
			c.responseBody.Reset()
			c.hasFlushed = true
			return err
		}
		c.bytesOut += len(body)
	}
	c.responseBody.Reset()
	c.hasFlushed = true
	if stream {
		return c.ex.Response.Flush()
	}
	return nil
}

// Flush sends the response headers and any buffered body immediately,
// switching the response into streaming mode. Later writes are sent as
// further body chunks with no content-length.
func (c *Context) Flush() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.sealed {
		return errLateWrite
	}
	return c.flushLocked(true)
}

// seal takes over the response for an out-of-band answer such as a timeout
// page. It reports false when headers already went out, in which case the
// caller cannot change the status anymore. Either way, later writes from
// the original handler are discarded.
func (c *Context) seal(status int, body string) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.sealed {
		return false
	}
	c.sealed = true
	if c.hasFlushed {
		return false
	}
	c.statusCode = status
	c.ex.ResponseHeaders.Set("content-type", "text/plain; charset=utf-8")
	c.responseBody.Reset()
	c.responseBody.WriteString(body)
	return true
}

// finalize transmits whatever the handler chain produced. Called once per
// dispatch after all middleware unwound; a sealed context still flushes so
// the takeover response reaches the peer.
func (c *Context) finalize() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.hasFlushed && c.responseBody.Len() == 0 {
		return nil
	}
	return c.flushLocked(false)
}

// Context returns the underlying context.Context.
func (c *Context) Context() context.Context {
	return c.ctx
}

// Set stores a key-value pair in the context.
func (c *Context) Set(key string, value interface{}) {
	if c.values == nil {
		if v := ctxValuesPool.Get(); v != nil {
			c.values = v.(map[string]interface{})
		} else {
			c.values = make(map[string]interface{}, 8)
		}
	}
	c.values[key] = value
}

// Get retrieves a value from the context by key.
func (c *Context) Get(key string) (interface{}, bool) {
	if c.values == nil {
		return nil, false
	}
	val, ok := c.values[key]
	return val, ok
}

// MustGet retrieves a value from the context by key, panicking if not found.
func (c *Context) MustGet(key string) interface{} {
	if val, ok := c.Get(key); ok {
		return val
	}
	panic(fmt.Sprintf("key %q not found in context", key))
}

// Param returns the value of the URL parameter extracted by the router.
func (c *Context) Param(name string) string {
	if val, ok := c.Get(name); ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

// Cookie returns the value of the cookie with the given name.
func (c *Context) Cookie(name string) string {
	cookieHeader := c.ex.RequestHeaders.Get("cookie")
	if cookieHeader == "" {
		return ""
	}

	cookies := strings.Split(cookieHeader, ";")
	for _, cookie := range cookies {
		cookie = strings.TrimSpace(cookie)
		parts := strings.SplitN(cookie, "=", 2)
		if len(parts) == 2 && parts[0] == name {
			value, err := urlenc.Decode(parts[1], c.charset, true)
			if err != nil {
				return parts[1]
			}
			return value
		}
	}
	return ""
}

// SetCookie adds a set-cookie header to the response.
func (c *Context) SetCookie(cookie *http.Cookie) {
	c.AddHeader("set-cookie", cookie.String())
}

// FormValue returns the value of the form field with the given key.
// This reads the request body, so it consumes an urlencoded POST body.
func (c *Context) FormValue(key string) (string, error) {
	contentType := c.ex.RequestHeaders.Get("content-type")
	if !strings.HasPrefix(contentType, "application/x-www-form-urlencoded") {
		return "", fmt.Errorf("content-type is not application/x-www-form-urlencoded")
	}

	body, err := c.BodyBytes()
	if err != nil {
		return "", err
	}

	params, err := urlenc.ParseQuery(string(body), c.charset, true)
	if err != nil {
		return "", err
	}
	for i := range params {
		if params[i].Key == key {
			return params[i].Value, nil
		}
	}
	return "", nil
}

// Stream allows building a response incrementally by writing to the
// buffered body. Combine with Flush to push chunks to the peer.
func (c *Context) Stream(fn func(w io.Writer) error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.sealed {
		return errLateWrite
	}
	return fn(c.responseBody)
}

// SSEEvent represents a Server-Sent Event.
type SSEEvent struct {
	ID    string
	Event string
	Data  string
	Retry int
}

// SSE appends a Server-Sent Event to the response body with proper
// formatting. Call Flush after each event to deliver it.
func (c *Context) SSE(event SSEEvent) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.sealed {
		return errLateWrite
	}

	if c.ex.ResponseHeaders.Get("content-type") == "" {
		c.ex.ResponseHeaders.Set("content-type", "text/event-stream")
		c.ex.ResponseHeaders.Set("cache-control", "no-cache")
	}

	if event.ID != "" {
		fmt.Fprintf(c.responseBody, "id: %s\n", event.ID)
	}
	if event.Event != "" {
		fmt.Fprintf(c.responseBody, "event: %s\n", event.Event)
	}
	if event.Retry > 0 {
		fmt.Fprintf(c.responseBody, "retry: %d\n", event.Retry)
	}

	// Write data (support multi-line)
	lines := strings.Split(event.Data, "\n")
	for _, line := range lines {
		fmt.Fprintf(c.responseBody, "data: %s\n", line)
	}

	// End event with double newline
	fmt.Fprint(c.responseBody, "\n")

	return nil
}

// Writer returns the buffered response writer for advanced use cases.
func (c *Context) Writer() io.Writer {
	return c.responseBody
}

// responseSize reports bytes already sent plus bytes still buffered. The
// logging and metrics middleware read it while unwinding, before the final
// flush happens.
func (c *Context) responseSize() int {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.bytesOut + c.responseBody.Len()
}

// File sends a file as response with content type and caching headers.
func (c *Context) File(filepath string) error {
	file, err := os.Open(filepath) // #nosec G304 - File path is validated by caller
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	if info.IsDir() {
		return fmt.Errorf("cannot serve directory")
	}

	ext := path.Ext(filepath)
	contentType := mime.TypeByExtension(ext)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.SetHeader("content-type", contentType)

	modTime := info.ModTime().UTC().Format(http.TimeFormat)
	c.SetHeader("last-modified", modTime)

	etag := fmt.Sprintf(`"%x-%x"`, info.ModTime().Unix(), info.Size())
	c.SetHeader("etag", etag)

	if c.ex.RequestHeaders.Get("if-none-match") == etag {
		return c.NoContent(304)
	}

	if ifModSince := c.ex.RequestHeaders.Get("if-modified-since"); ifModSince != "" {
		if t, err := http.ParseTime(ifModSince); err == nil {
			if !info.ModTime().After(t) {
				return c.NoContent(304)
			}
		}
	}

	content, err := io.ReadAll(file)
	if err != nil {
		return err
	}

	c.SetStatus(200)
	_, err = c.Write(content)
	return err
}

// Attachment sends a file as an attachment with the specified filename.
func (c *Context) Attachment(filename, filepath string) error {
	c.SetHeader("content-disposition", fmt.Sprintf("attachment; filename=%q", filename))
	return c.File(filepath)
}
