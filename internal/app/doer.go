package app

import (
	"context"
	"sync/atomic"

	"shoutbot/internal/httpx"
)

// swapDoer lets a config reload replace the tracker HTTP client under the
// nexus client plugins already hold.
type swapDoer struct {
	cur atomic.Pointer[httpx.Client]
}

func newSwapDoer(c *httpx.Client) *swapDoer {
	d := &swapDoer{}
	d.cur.Store(c)
	return d
}

func (d *swapDoer) Set(c *httpx.Client) { d.cur.Store(c) }

func (d *swapDoer) Do(ctx context.Context, req httpx.Request) (*httpx.Response, error) {
	return d.cur.Load().Do(ctx, req)
}
