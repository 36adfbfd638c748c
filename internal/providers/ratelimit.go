package providers

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimited wraps a provider with a client-side request limiter so a busy
// engine cannot stampede the backend. Send blocks until a token is available
// or the context is cancelled.
type RateLimited struct {
	inner   Provider
	limiter *rate.Limiter
}

// NewRateLimited allows rps requests per second with the given burst.
func NewRateLimited(inner Provider, rps float64, burst int) *RateLimited {
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (r *RateLimited) Send(ctx context.Context, req Request) (*Response, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.Send(ctx, req)
}

func (r *RateLimited) DefaultModel() string { return r.inner.DefaultModel() }
func (r *RateLimited) Name() string         { return r.inner.Name() }
