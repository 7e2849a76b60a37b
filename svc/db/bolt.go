package db

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"sync/atomic"
	"time"

	"pastelite/pkg/domain"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

const backendBolt = "bolt"

const (
	txPending = iota
	txClaimed
	txAbandoned
)

var (
	pasteBucket  = []byte("pastes")
	expireBucket = []byte("expires")
)

// Bolt serializes writers, so every Update is atomic with respect to other
// FetchAndIncrement calls on the same file.
type Bolt struct {
	db      *bolt.DB
	cb      *breaker
	timeout time.Duration
}

func NewBolt(path string, timeout time.Duration) (*Bolt, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "open bolt db")
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(pasteBucket); err != nil {
			return errors.Wrap(err, "create paste bucket")
		}
		if _, err := tx.CreateBucketIfNotExists(expireBucket); err != nil {
			return errors.Wrap(err, "create expire bucket")
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Bolt{db: db, cb: newBreaker(), timeout: timeout}, nil
}

// run executes fn on its own goroutine so a caller queued behind the bolt
// writer lock returns at its deadline. fn must call claim before touching a
// bucket. A claimed transaction is waited for; an abandoned one rolls back.
func (b *Bolt) run(ctx context.Context, op string, fn func(claim func() error) error) error {
	defer observe(backendBolt, op, time.Now())
	if err := ctx.Err(); err != nil {
		return classify(err)
	}
	if err := b.cb.check(); err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	var state atomic.Int32
	claim := func() error {
		if err := opCtx.Err(); err != nil {
			return err
		}
		if !state.CompareAndSwap(txPending, txClaimed) {
			return context.DeadlineExceeded
		}
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- fn(claim) }()

	var err error
	select {
	case err = <-done:
	case <-opCtx.Done():
		if state.CompareAndSwap(txPending, txAbandoned) {
			err = opCtx.Err()
		} else {
			err = <-done
		}
	}
	b.cb.record(ctx, err)
	return classify(err)
}

func (b *Bolt) Create(ctx context.Context, p *domain.Paste) error {
	data, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "marshal paste")
	}
	return b.run(ctx, opCreate, func(claim func() error) error {
		return b.db.Update(func(tx *bolt.Tx) error {
			if err := claim(); err != nil {
				return err
			}
			pb, eb := tx.Bucket(pasteBucket), tx.Bucket(expireBucket)
			if pb.Get([]byte(p.ID)) != nil {
				return domain.ErrIDCollision
			}
			if err := pb.Put([]byte(p.ID), data); err != nil {
				return errors.Wrap(err, "save paste")
			}
			if p.ExpiresAt != nil {
				if err := eb.Put(expireKey(*p.ExpiresAt, p.ID), []byte(p.ID)); err != nil {
					return errors.Wrap(err, "index expiry")
				}
			}
			return nil
		})
	})
}

func (b *Bolt) FetchAndIncrement(ctx context.Context, id string, now int64) (*domain.Paste, error) {
	var out *domain.Paste
	err := b.run(ctx, opIncrement, func(claim func() error) error {
		return b.db.Update(func(tx *bolt.Tx) error {
			if err := claim(); err != nil {
				return err
			}
			pb := tx.Bucket(pasteBucket)
			p, err := decodePaste(pb.Get([]byte(id)))
			if err != nil {
				return err
			}
			if !p.IsAvailableAt(now) {
				return rejection(p, now)
			}
			p.ViewCount++
			data, err := json.Marshal(p)
			if err != nil {
				return errors.Wrap(err, "marshal paste")
			}
			if err := pb.Put([]byte(id), data); err != nil {
				return errors.Wrap(err, "save paste")
			}
			out = p
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Bolt) Fetch(ctx context.Context, id string) (*domain.Paste, error) {
	var out *domain.Paste
	err := b.run(ctx, opFetch, func(claim func() error) error {
		return b.db.View(func(tx *bolt.Tx) error {
			if err := claim(); err != nil {
				return err
			}
			p, err := decodePaste(tx.Bucket(pasteBucket).Get([]byte(id)))
			out = p
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteExpired walks the expiry index in timestamp order and stops at the
// first entry after before.
func (b *Bolt) DeleteExpired(ctx context.Context, before int64) (int, error) {
	removed := 0
	err := b.run(ctx, opDeleteExpired, func(claim func() error) error {
		return b.db.Update(func(tx *bolt.Tx) error {
			if err := claim(); err != nil {
				return err
			}
			pb, eb := tx.Bucket(pasteBucket), tx.Bucket(expireBucket)
			var keys, ids [][]byte
			cursor := eb.Cursor()
			for key, val := cursor.First(); key != nil; key, val = cursor.Next() {
				if int64(binary.BigEndian.Uint64(key[:8])) > before {
					break
				}
				keys = append(keys, append([]byte(nil), key...))
				ids = append(ids, append([]byte(nil), val...))
			}
			for i := range keys {
				if err := pb.Delete(ids[i]); err != nil {
					return errors.Wrapf(err, "delete expired paste %s", ids[i])
				}
				if err := eb.Delete(keys[i]); err != nil {
					return errors.Wrap(err, "delete expiry index")
				}
				removed++
			}
			return nil
		})
	})
	return removed, err
}

func (b *Bolt) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return classify(err)
	}
	return classify(b.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(pasteBucket) == nil {
			return errors.New("pastes bucket missing")
		}
		return nil
	}))
}

func (b *Bolt) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func decodePaste(raw []byte) (*domain.Paste, error) {
	if raw == nil {
		return nil, domain.ErrPasteNotFound
	}
	var p domain.Paste
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errors.Wrap(err, "unmarshal paste")
	}
	return &p, nil
}

func expireKey(expiresAt int64, id string) []byte {
	key := make([]byte, 8+len(id))
	binary.BigEndian.PutUint64(key[:8], uint64(expiresAt))
	copy(key[8:], id)
	return key
}
