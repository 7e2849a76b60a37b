package db

import (
	"context"
	"sync/atomic"
	"time"

	"pastelite/pkg/domain"

	"github.com/pkg/errors"
)

var ErrCircuitOpen = errors.New("store circuit breaker open")

const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
	maxFailures     = 5
	cooldownSeconds = 30
)

type breaker struct {
	failures      int32
	circuitState  int32
	circuitOpened int64
	now           func() time.Time
}

func newBreaker() *breaker {
	return &breaker{now: time.Now}
}

func (b *breaker) check() error {
	switch atomic.LoadInt32(&b.circuitState) {
	case circuitOpen:
		opened := atomic.LoadInt64(&b.circuitOpened)
		if b.now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&b.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return errors.WithMessage(domain.ErrStoreUnavailable, ErrCircuitOpen.Error())
	default:
		return nil
	}
}

// record counts only infrastructure failures against the circuit. ctx is the
// caller's context: a deadline counts as a failure unless the caller itself
// gave up.
func (b *breaker) record(ctx context.Context, err error) {
	if err == nil || isOutcome(err) {
		atomic.StoreInt32(&b.failures, 0)
		atomic.StoreInt32(&b.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return
	}
	failures := atomic.AddInt32(&b.failures, 1)
	if atomic.LoadInt32(&b.circuitState) == circuitHalfOpen {
		b.trip()
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&b.circuitState) == circuitClosed {
		b.trip()
	}
}

func (b *breaker) trip() {
	atomic.StoreInt32(&b.circuitState, circuitOpen)
	atomic.StoreInt64(&b.circuitOpened, b.now().Unix())
	atomic.StoreInt32(&b.failures, 0)
}

func (b *breaker) open() bool {
	return atomic.LoadInt32(&b.circuitState) == circuitOpen
}

func isOutcome(err error) bool {
	return domain.IsUnavailable(err) || errors.Is(err, domain.ErrIDCollision)
}
