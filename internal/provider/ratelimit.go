package provider

import (
	"context"
	"math"

	"golang.org/x/time/rate"

	"github.com/felixgeelhaar/llmgate/internal/errors"
)

// Limited throttles calls to an adapter to a fixed request rate.
// Waiting for a token honours ctx so a disconnecting client is not held.
type Limited struct {
	Adapter
	limiter *rate.Limiter
}

// NewLimited wraps adapter with a limiter of rps requests per second.
func NewLimited(adapter Adapter, rps float64) *Limited {
	burst := int(math.Max(1, math.Ceil(rps)))
	return &Limited{
		Adapter: adapter,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Stream waits for a request token and delegates to the wrapped adapter.
func (l *Limited) Stream(ctx context.Context, req *Request) (<-chan StreamChunk, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Wait fails up front when the deadline is shorter than the delay
		return nil, errors.NewProviderRateLimitError(req.ProviderID, "").
			WithSuggestion("Raise requests_per_second for this provider")
	}
	return l.Adapter.Stream(ctx, req)
}
