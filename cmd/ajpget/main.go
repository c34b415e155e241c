// Package main implements a small AJP request tool in the spirit of curl. It
// frames one forward request, answers GET_BODY_CHUNK solicitations, and
// streams SEND_BODY_CHUNK payloads to stdout. Useful for poking a backend
// without standing up a front proxy.
package main

import (
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adietish/undertow/internal/ajp"
)

// headerFlags collects repeated -header name:value flags in order.
type headerFlags [][2]string

func (h *headerFlags) String() string {
	parts := make([]string, len(*h))
	for i, pair := range *h {
		parts[i] = pair[0] + ":" + pair[1]
	}
	return strings.Join(parts, ", ")
}

func (h *headerFlags) Set(v string) error {
	idx := strings.IndexByte(v, ':')
	if idx <= 0 {
		return fmt.Errorf("header %q is not name:value", v)
	}
	*h = append(*h, [2]string{v[:idx], strings.TrimSpace(v[idx+1:])})
	return nil
}

func main() {
	addr := flag.String("addr", "127.0.0.1:8009", "backend address")
	method := flag.String("method", "GET", "request method")
	host := flag.String("host", "localhost", "server name forwarded to the backend")
	data := flag.String("d", "", "request body")
	secret := flag.String("secret", "", "worker secret attribute")
	include := flag.Bool("i", false, "print the status line and response headers")
	timeout := flag.Duration("timeout", 10*time.Second, "overall request timeout")
	var headers headerFlags
	flag.Var(&headers, "header", "request header as name:value, repeatable")
	flag.Parse()

	uri := "/"
	if flag.NArg() > 0 {
		uri = flag.Arg(0)
	}
	query := ""
	if idx := strings.IndexByte(uri, '?'); idx >= 0 {
		query = uri[idx+1:]
		uri = uri[:idx]
	}

	body := []byte(*data)
	if len(body) > 0 && !hasHeader(headers, "content-length") {
		headers = append(headers, [2]string{"content-length", strconv.Itoa(len(body))})
	}
	if !hasHeader(headers, "host") {
		headers = append(headers, [2]string{"host", *host})
	}

	port := 8009
	if _, p, err := net.SplitHostPort(*addr); err == nil {
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}

	spec := &ajp.RequestSpec{
		Method:      strings.ToUpper(*method),
		URI:         uri,
		Protocol:    "HTTP/1.1",
		RemoteAddr:  "127.0.0.1",
		RemoteHost:  "localhost",
		ServerName:  *host,
		ServerPort:  port,
		QueryString: query,
		Secret:      *secret,
		Headers:     headers,
	}

	if _, err := run(os.Stdout, *addr, spec, body, *include, *timeout); err != nil {
		fmt.Fprintln(os.Stderr, "ajpget:", err)
		os.Exit(1)
	}
}

func hasHeader(headers [][2]string, name string) bool {
	for _, h := range headers {
		if strings.EqualFold(h[0], name) {
			return true
		}
	}
	return false
}

// run performs one request/response cycle. The first body chunk rides along
// unsolicited after the forward request, the way mod_proxy_ajp sends it;
// further chunks wait for GET_BODY_CHUNK.
func run(w io.Writer, addr string, spec *ajp.RequestSpec, body []byte, include bool, timeout time.Duration) (int, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return 0, err
	}
	defer func() { _ = conn.Close() }()
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}

	frame, err := ajp.AppendForwardRequest(nil, spec)
	if err != nil {
		return 0, err
	}
	if len(body) > 0 {
		n := len(body)
		if n > ajp.MaxReadChunkSize {
			n = ajp.MaxReadChunkSize
		}
		frame = ajp.AppendRequestBodyChunk(frame, body[:n])
		body = body[n:]
	}
	if _, err := conn.Write(frame); err != nil {
		return 0, err
	}

	status := 0
	head := make([]byte, 4)
	for {
		if _, err := io.ReadFull(conn, head); err != nil {
			return status, err
		}
		if head[0] != ajp.MagicReply1 || head[1] != ajp.MagicReply2 {
			return status, fmt.Errorf("bad reply magic % x", head[:2])
		}
		payload := make([]byte, int(head[2])<<8|int(head[3]))
		if _, err := io.ReadFull(conn, payload); err != nil {
			return status, err
		}
		if len(payload) == 0 {
			continue
		}

		switch payload[0] {
		case ajp.SendHeaders:
			st, reason, hdrs, err := ajp.DecodeSendHeaders(payload[1:])
			if err != nil {
				return status, err
			}
			status = st
			if include {
				fmt.Fprintf(w, "%s %d %s\n", spec.Protocol, st, reason)
				for _, h := range hdrs {
					fmt.Fprintf(w, "%s: %s\n", h[0], h[1])
				}
				fmt.Fprintln(w)
			}
		case ajp.SendBodyChunk:
			if len(payload) < 3 {
				return status, fmt.Errorf("truncated body chunk")
			}
			size := int(payload[1])<<8 | int(payload[2])
			if 3+size > len(payload) {
				return status, fmt.Errorf("truncated body chunk")
			}
			if _, err := w.Write(payload[3 : 3+size]); err != nil {
				return status, err
			}
		case ajp.GetBodyChunk:
			want, err := ajp.DecodeGetBodyChunk(payload[1:])
			if err != nil {
				return status, err
			}
			n := len(body)
			if n > want {
				n = want
			}
			if n > ajp.MaxReadChunkSize {
				n = ajp.MaxReadChunkSize
			}
			chunk := ajp.AppendRequestBodyChunk(nil, body[:n])
			body = body[n:]
			if _, err := conn.Write(chunk); err != nil {
				return status, err
			}
		case ajp.EndResponse:
			return status, nil
		case ajp.CPong:
		default:
			return status, fmt.Errorf("unexpected reply prefix %d", payload[0])
		}
	}
}
