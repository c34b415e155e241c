package undertow

import (
	"context"

	"github.com/adietish/undertow/internal/exchange"
)

// NewTestContext creates a request context directly from an exchange. It is
// exported so test packages can build valid contexts without a running
// server. The request target is decoded as UTF-8, with encoded slashes kept
// escaped as the default server configuration does.
func NewTestContext(parent context.Context, ex *exchange.Exchange) *Context {
	return newContext(parent, ex, "", false)
}
