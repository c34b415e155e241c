// Package main implements a CPING health probe for AJP backends, the same
// liveness check mod_jk runs before reusing a pooled connection.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/adietish/undertow/internal/ajp"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8009", "backend address")
	timeout := flag.Duration("timeout", 2*time.Second, "per-probe timeout")
	count := flag.Int("count", 1, "number of probes")
	interval := flag.Duration("interval", time.Second, "delay between probes")
	flag.Parse()

	failures := 0
	for i := 0; i < *count; i++ {
		if i > 0 {
			time.Sleep(*interval)
		}
		rtt, err := probe(*addr, *timeout)
		if err != nil {
			failures++
			fmt.Fprintf(os.Stderr, "%s: %v\n", *addr, err)
			continue
		}
		fmt.Printf("CPONG from %s: time=%s\n", *addr, rtt)
	}
	if failures > 0 {
		os.Exit(1)
	}
}

func probe(addr string, timeout time.Duration) (time.Duration, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return 0, err
	}
	defer func() { _ = conn.Close() }()

	start := time.Now()
	if err := conn.SetDeadline(start.Add(timeout)); err != nil {
		return 0, err
	}

	if _, err := conn.Write(ajp.AppendCPing(nil)); err != nil {
		return 0, err
	}

	reply := make([]byte, len(ajp.CPongBytes))
	if _, err := io.ReadFull(conn, reply); err != nil {
		return 0, err
	}
	if !bytes.Equal(reply, ajp.CPongBytes) {
		return 0, fmt.Errorf("unexpected reply % x", reply)
	}
	return time.Since(start), nil
}
