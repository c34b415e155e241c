// Package date provides a cached HTTP-format date string for response
// headers, refreshed by a background ticker instead of formatting the clock
// on every exchange.
package date

import (
	"net/http"
	"sync/atomic"
	"time"
)

var current atomic.Pointer[string]

// StartTicker begins refreshing the cached date once per second and returns
// a stop function.
func StartTicker() func() {
	update()

	ticker := time.NewTicker(time.Second)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				update()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() {
		close(done)
	}
}

func update() {
	s := time.Now().UTC().Format(http.TimeFormat)
	current.Store(&s)
}

// Current returns the cached date string, formatting directly if the ticker
// was never started.
func Current() string {
	if p := current.Load(); p != nil {
		return *p
	}
	return time.Now().UTC().Format(http.TimeFormat)
}
