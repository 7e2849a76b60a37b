// Package clock supplies the single source of "now" for paste lifecycle
// decisions, in milliseconds since the Unix epoch.
package clock

import (
	"context"
	"time"
)

type overrideKey struct{}

// Provider returns wall-clock time unless test mode is enabled and the
// context carries a positive override.
type Provider struct {
	testMode bool
	wall     func() time.Time
}

func New(testMode bool) *Provider {
	return &Provider{testMode: testMode, wall: time.Now}
}

// Fixed returns a provider whose wall clock is frozen at ms. Intended for tests.
func Fixed(ms int64) *Provider {
	t := time.UnixMilli(ms)
	return &Provider{wall: func() time.Time { return t }}
}

func (p *Provider) TestMode() bool {
	return p.testMode
}

// Now reports the current time in ms. Callers take one snapshot per request
// and reuse it for every expiry computation in that request.
func (p *Provider) Now(ctx context.Context) int64 {
	if p.testMode && ctx != nil {
		if ms, ok := ctx.Value(overrideKey{}).(int64); ok && ms > 0 {
			return ms
		}
	}
	return p.wall().UnixMilli()
}

// WithOverride attaches an explicit timestamp to ctx. Non-positive values
// are ignored by Now.
func WithOverride(ctx context.Context, ms int64) context.Context {
	return context.WithValue(ctx, overrideKey{}, ms)
}

func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
