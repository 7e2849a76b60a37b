package db

import (
	"context"
	"time"

	"pastelite/metrics"
	"pastelite/pkg/domain"

	"github.com/pkg/errors"
)

// Store persists pastes. FetchAndIncrement is the only operation that
// mutates an existing record and must be atomic per id.
type Store interface {
	Create(ctx context.Context, p *domain.Paste) error
	FetchAndIncrement(ctx context.Context, id string, now int64) (*domain.Paste, error)
	Fetch(ctx context.Context, id string) (*domain.Paste, error)
	DeleteExpired(ctx context.Context, before int64) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

const (
	opCreate        = "create"
	opFetch         = "fetch"
	opIncrement     = "fetch_and_increment"
	opDeleteExpired = "delete_expired"
)

// classify maps infrastructure failures onto the transient domain errors.
// Domain errors pass through untouched.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var derr *domain.Err
	if errors.As(err, &derr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.WithMessage(domain.ErrStoreTimeout, err.Error())
	}
	return errors.WithMessage(domain.ErrStoreUnavailable, err.Error())
}

func observe(backend, op string, start time.Time) {
	metrics.StoreOpDuration.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
}

// rejection resolves why a conditional increment did not apply, given the
// current record. Expiry wins over the view quota.
func rejection(p *domain.Paste, now int64) error {
	if p == nil {
		return domain.ErrPasteNotFound
	}
	if p.IsExpiredAt(now) {
		return domain.ErrPasteExpired
	}
	return domain.ErrViewLimitExceeded
}
