package llm

import (
	"context"

	"golang.org/x/time/rate"
)

// Limited throttles calls to an underlying Generator.
type Limited struct {
	Generator Generator
	Limiter   *rate.Limiter
}

// NewLimited allows rps calls per second with the given burst. rps <= 0 disables throttling.
func NewLimited(g Generator, rps float64, burst int) *Limited {
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	return &Limited{Generator: g, Limiter: rate.NewLimiter(limit, burst)}
}

func (l *Limited) Generate(ctx context.Context, msgs []Message, opts Options) (string, error) {
	if err := l.Limiter.Wait(ctx); err != nil {
		return "", err
	}
	return l.Generator.Generate(ctx, msgs, opts)
}
