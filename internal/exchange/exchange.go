// Package exchange defines the per-request container shared between the AJP
// front-end and the application layer. An Exchange spans exactly one
// forward-request/response cycle; a connection hosts many of them sequentially,
// never concurrently, so nothing here is locked.
package exchange

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// BodyPolicy classifies how the request body is framed on the wire. It is
// derived once per exchange, before any body byte is consumed.
type BodyPolicy uint8

const (
	// BodyNone means no request body: content-length absent or zero.
	BodyNone BodyPolicy = iota
	// BodyFixed means exactly ContentLength body bytes follow.
	BodyFixed
	// BodyChunked means the body length is unknown; data is pulled from the
	// peer until an empty body packet arrives.
	BodyChunked
)

func (p BodyPolicy) String() string {
	switch p {
	case BodyNone:
		return "none"
	case BodyFixed:
		return "fixed"
	case BodyChunked:
		return "chunked"
	}
	return "unknown"
}

// ResponseChannel is the write side of the exchange's byte pipeline. Writes
// are framed into protocol packets; Terminate ends the response, emitting
// headers first if nothing was written.
type ResponseChannel interface {
	io.Writer
	// Flush pushes any buffered frames toward the peer.
	Flush() error
	// Terminate emits the end-of-response marker. The reuse flag sent to the
	// peer mirrors the exchange's Persistent field at call time.
	Terminate() error
}

// Exchange is the data container for one forward-request/response cycle. The
// parser populates the request half incrementally; handlers fill in the
// response half before (or while) writing body bytes.
type Exchange struct {
	Method      string
	Protocol    string
	RequestURI  string
	QueryString string
	RemoteAddr  string
	RemoteHost  string
	ServerName  string
	ServerPort  int

	// SSLRequest is the peer-reported encryption flag from the request frame.
	// Scheme is derived from the transport's own secure flag, not this.
	SSLRequest bool
	Scheme     string

	RequestHeaders Headers
	// Attributes holds the request attributes in wire order. Well-known
	// attributes (query_string, remote_user, auth_type, stored_method) are
	// additionally lifted into their dedicated fields.
	Attributes [][2]string

	RemoteUser string
	AuthType   string

	BodyPolicy    BodyPolicy
	ContentLength int64

	// Persistent reports whether the connection may host another exchange
	// after this one completes. Cleared by handlers or the transport to force
	// a close.
	Persistent bool

	StatusCode      int
	ResponseHeaders Headers

	// Body and Response are installed by the transport before dispatch.
	Body     io.ReadCloser
	Response ResponseChannel
}

// New returns an Exchange ready for the parser to populate.
func New() *Exchange {
	return &Exchange{
		ContentLength: -1,
		StatusCode:    200,
	}
}

// Attribute returns the value of the named request attribute, or "".
func (e *Exchange) Attribute(name string) string {
	for i := range e.Attributes {
		if e.Attributes[i][0] == name {
			return e.Attributes[i][1]
		}
	}
	return ""
}

// PutAttribute appends a request attribute, preserving wire order.
func (e *Exchange) PutAttribute(name, value string) {
	e.Attributes = append(e.Attributes, [2]string{name, value})
}

// DeriveBodyPolicy fixes the request body policy from the transfer-encoding
// and content-length headers. A non-identity transfer-encoding wins over any
// declared length; a missing or zero length means no body at all.
func (e *Exchange) DeriveBodyPolicy() (BodyPolicy, error) {
	if te := e.RequestHeaders.Get("transfer-encoding"); te != "" && !strings.EqualFold(te, "identity") {
		e.BodyPolicy = BodyChunked
		e.ContentLength = -1
		return e.BodyPolicy, nil
	}
	cl := e.RequestHeaders.Get("content-length")
	if cl == "" {
		e.BodyPolicy = BodyNone
		e.ContentLength = 0
		return e.BodyPolicy, nil
	}
	length, err := strconv.ParseInt(cl, 10, 64)
	if err != nil || length < 0 {
		return BodyNone, fmt.Errorf("invalid content-length %q", cl)
	}
	e.ContentLength = length
	if length == 0 {
		e.BodyPolicy = BodyNone
	} else {
		e.BodyPolicy = BodyFixed
	}
	return e.BodyPolicy, nil
}
