package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pastelite/pkg/domain"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

const t0 = int64(1_700_000_000_000)

type storeFactory func(t *testing.T) Store

func backends(t *testing.T) map[string]storeFactory {
	b := map[string]storeFactory{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"sqlite3": func(t *testing.T) Store {
			s, err := NewSQLite(filepath.Join(t.TempDir(), "p.db"), SQLiteOpts{Driver: "sqlite3"})
			require.NoError(t, err)
			return s
		},
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLite(filepath.Join(t.TempDir(), "p.db"), SQLiteOpts{Driver: "sqlite"})
			require.NoError(t, err)
			return s
		},
		"bolt": func(t *testing.T) Store {
			s, err := NewBolt(filepath.Join(t.TempDir(), "p.bolt"), 2*time.Second)
			require.NoError(t, err)
			return s
		},
	}
	if url := os.Getenv("REDIS_TEST_URL"); url != "" {
		b["redis"] = func(t *testing.T) Store {
			s, err := NewRedis(RedisOpts{URL: url, Timeout: 2 * time.Second})
			require.NoError(t, err)
			require.NoError(t, s.client.FlushDB(context.Background()).Err())
			return s
		}
	}
	return b
}

func eachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			t.Cleanup(func() { s.Close() })
			fn(t, s)
		})
	}
}

func newPaste(id string, expiresAt, maxViews *int64) *domain.Paste {
	return &domain.Paste{
		ID:        id,
		Body:      []byte("body of " + id),
		CreatedAt: t0,
		ExpiresAt: expiresAt,
		MaxViews:  maxViews,
	}
}

func TestStore_CreateAndFetch(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		in := newPaste("abc", domain.Int64(t0+60_000), domain.Int64(3))
		in.SealedKey = []byte("wrapped")
		require.NoError(t, s.Create(ctx, in))

		got, err := s.Fetch(ctx, "abc")
		require.NoError(t, err)
		assert.Equal(t, "abc", got.ID)
		assert.Equal(t, []byte("body of abc"), got.Body)
		assert.Equal(t, []byte("wrapped"), got.SealedKey)
		assert.Equal(t, t0, got.CreatedAt)
		require.NotNil(t, got.ExpiresAt)
		assert.Equal(t, t0+60_000, *got.ExpiresAt)
		require.NotNil(t, got.MaxViews)
		assert.Equal(t, int64(3), *got.MaxViews)
		assert.Equal(t, int64(0), got.ViewCount)
	})
}

func TestStore_UnboundedFieldsStayNil(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, newPaste("free", nil, nil)))
		got, err := s.Fetch(ctx, "free")
		require.NoError(t, err)
		assert.Nil(t, got.ExpiresAt)
		assert.Nil(t, got.MaxViews)
		assert.Nil(t, got.SealedKey)
	})
}

func TestStore_CreateCollision(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, newPaste("dup", nil, nil)))
		second := newPaste("dup", nil, domain.Int64(1))
		second.Body = []byte("other")
		assert.ErrorIs(t, s.Create(ctx, second), domain.ErrIDCollision)

		got, err := s.Fetch(ctx, "dup")
		require.NoError(t, err)
		assert.Equal(t, []byte("body of dup"), got.Body)
		assert.Nil(t, got.MaxViews)
	})
}

func TestStore_FetchNotFound(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		_, err := s.Fetch(context.Background(), "missing")
		assert.ErrorIs(t, err, domain.ErrPasteNotFound)
		_, err = s.FetchAndIncrement(context.Background(), "missing", t0)
		assert.ErrorIs(t, err, domain.ErrPasteNotFound)
	})
}

func TestStore_FetchDoesNotCountViews(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, newPaste("peek", nil, domain.Int64(1))))
		for i := 0; i < 3; i++ {
			got, err := s.Fetch(ctx, "peek")
			require.NoError(t, err)
			assert.Equal(t, int64(0), got.ViewCount)
		}
	})
}

func TestStore_ViewLimit(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, newPaste("lim", nil, domain.Int64(2))))

		p, err := s.FetchAndIncrement(ctx, "lim", t0)
		require.NoError(t, err)
		assert.Equal(t, int64(1), p.ViewCount)
		p, err = s.FetchAndIncrement(ctx, "lim", t0)
		require.NoError(t, err)
		assert.Equal(t, int64(2), p.ViewCount)

		_, err = s.FetchAndIncrement(ctx, "lim", t0)
		assert.ErrorIs(t, err, domain.ErrViewLimitExceeded)

		got, err := s.Fetch(ctx, "lim")
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.ViewCount, "rejected reads must not count")
	})
}

func TestStore_ExpiryBoundaryIsInclusive(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		exp := t0 + 1000
		require.NoError(t, s.Create(ctx, newPaste("ttl", domain.Int64(exp), nil)))

		_, err := s.FetchAndIncrement(ctx, "ttl", exp-1)
		require.NoError(t, err)
		_, err = s.FetchAndIncrement(ctx, "ttl", exp)
		assert.ErrorIs(t, err, domain.ErrPasteExpired)

		got, err := s.Fetch(ctx, "ttl")
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.ViewCount)
	})
}

func TestStore_ExpiredWinsOverExhausted(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, newPaste("both", domain.Int64(t0+10), domain.Int64(1))))
		_, err := s.FetchAndIncrement(ctx, "both", t0)
		require.NoError(t, err)
		_, err = s.FetchAndIncrement(ctx, "both", t0+10)
		assert.ErrorIs(t, err, domain.ErrPasteExpired)
		_, err = s.FetchAndIncrement(ctx, "both", t0+5)
		assert.ErrorIs(t, err, domain.ErrViewLimitExceeded)
	})
}

func TestStore_DeleteExpired(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, newPaste("old", domain.Int64(t0+100), nil)))
		require.NoError(t, s.Create(ctx, newPaste("edge", domain.Int64(t0+200), nil)))
		require.NoError(t, s.Create(ctx, newPaste("new", domain.Int64(t0+300), nil)))
		require.NoError(t, s.Create(ctx, newPaste("forever", nil, nil)))

		n, err := s.DeleteExpired(ctx, t0+200)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		_, err = s.Fetch(ctx, "old")
		assert.ErrorIs(t, err, domain.ErrPasteNotFound)
		_, err = s.Fetch(ctx, "edge")
		assert.ErrorIs(t, err, domain.ErrPasteNotFound)
		_, err = s.Fetch(ctx, "new")
		assert.NoError(t, err)
		_, err = s.Fetch(ctx, "forever")
		assert.NoError(t, err)

		n, err = s.DeleteExpired(ctx, t0+200)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})
}

func TestStore_DeleteExpiredManyBatches(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := 0; i < 250; i++ {
			require.NoError(t, s.Create(ctx, newPaste(fmt.Sprintf("p%03d", i), domain.Int64(t0+int64(i)), nil)))
		}
		n, err := s.DeleteExpired(ctx, t0+1000)
		require.NoError(t, err)
		assert.Equal(t, 250, n)
	})
}

func TestStore_ConcurrentReadsRespectLimit(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		const limit = 3
		const readers = 24
		require.NoError(t, s.Create(ctx, newPaste("race", nil, domain.Int64(limit))))

		var ok, rejected int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < readers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, err := s.FetchAndIncrement(ctx, "race", t0)
				switch {
				case err == nil:
					atomic.AddInt32(&ok, 1)
				case errors.Is(err, domain.ErrViewLimitExceeded):
					atomic.AddInt32(&rejected, 1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		close(start)
		wg.Wait()

		assert.Equal(t, int32(limit), ok)
		assert.Equal(t, int32(readers-limit), rejected)
		got, err := s.Fetch(ctx, "race")
		require.NoError(t, err)
		assert.Equal(t, int64(limit), got.ViewCount)
	})
}

func TestStore_ConcurrentCreateSameID(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		var created, collided int32
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.Create(ctx, newPaste("once", nil, nil))
				if err == nil {
					atomic.AddInt32(&created, 1)
				} else if errors.Is(err, domain.ErrIDCollision) {
					atomic.AddInt32(&collided, 1)
				} else {
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), created)
		assert.Equal(t, int32(9), collided)
	})
}

func TestStore_CancelledContextIsTransient(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := s.Fetch(ctx, "x")
		require.Error(t, err)
		assert.True(t, domain.IsTransient(err), "got %v", err)
		assert.False(t, errors.Is(err, domain.ErrPasteNotFound))
	})
}

func TestStore_Ping(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		assert.NoError(t, s.Ping(context.Background()))
	})
}

func TestMemory_ClosedIsUnavailable(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Close())
	err := m.Create(context.Background(), newPaste("a", nil, nil))
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.Error(t, m.Ping(context.Background()))
}

func TestMemory_ReturnsCopies(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	p := newPaste("a", nil, domain.Int64(5))
	require.NoError(t, m.Create(ctx, p))
	p.ViewCount = 99

	got, err := m.Fetch(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.ViewCount)
	*got.MaxViews = 1

	again, _ := m.Fetch(ctx, "a")
	assert.Equal(t, int64(5), *again.MaxViews)
}

func TestClassify(t *testing.T) {
	assert.Nil(t, classify(nil))
	assert.ErrorIs(t, classify(context.DeadlineExceeded), domain.ErrStoreTimeout)
	assert.ErrorIs(t, classify(errors.Wrap(context.DeadlineExceeded, "query")), domain.ErrStoreTimeout)
	assert.ErrorIs(t, classify(errors.New("disk I/O error")), domain.ErrStoreUnavailable)
	assert.Equal(t, domain.ErrPasteExpired, classify(domain.ErrPasteExpired))
}

func TestBreaker_OpensAfterFailuresAndHalfOpens(t *testing.T) {
	now := time.Unix(1000, 0)
	b := &breaker{now: func() time.Time { return now }}
	boom := errors.New("connection refused")
	ctx := context.Background()

	for i := 0; i < maxFailures; i++ {
		require.NoError(t, b.check())
		b.record(ctx, boom)
	}
	err := b.check()
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.True(t, b.open())

	now = now.Add(cooldownSeconds * time.Second)
	assert.NoError(t, b.check(), "cooldown should half-open the circuit")
	b.record(ctx, boom)
	assert.True(t, b.open(), "failure while half-open re-opens")

	now = now.Add(cooldownSeconds * time.Second)
	require.NoError(t, b.check())
	b.record(ctx, nil)
	assert.False(t, b.open())
	assert.NoError(t, b.check())
}

func TestBreaker_IgnoresOutcomes(t *testing.T) {
	b := newBreaker()
	ctx := context.Background()
	for i := 0; i < maxFailures*2; i++ {
		b.record(ctx, domain.ErrPasteNotFound)
		b.record(ctx, domain.ErrIDCollision)
		b.record(ctx, context.Canceled)
	}
	assert.NoError(t, b.check())
}

func TestBreaker_DeadlineCountsOnlyWhenCallerIsLive(t *testing.T) {
	expired, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-expired.Done()

	b := newBreaker()
	for i := 0; i < maxFailures*4; i++ {
		b.record(expired, context.DeadlineExceeded)
	}
	assert.False(t, b.open(), "caller deadlines must not trip the circuit")

	for i := 0; i < maxFailures; i++ {
		b.record(context.Background(), errors.Wrap(context.DeadlineExceeded, "query"))
	}
	assert.True(t, b.open(), "store timeouts with a live caller trip the circuit")
}

func TestBolt_DeadlineWhileWriterLockHeld(t *testing.T) {
	s, err := NewBolt(filepath.Join(t.TempDir(), "lock.bolt"), 5*time.Second)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Create(context.Background(), newPaste("held", nil, domain.Int64(3))))

	locked := make(chan struct{})
	release := make(chan struct{})
	holder := make(chan error, 1)
	go func() {
		holder <- s.db.Update(func(tx *bolt.Tx) error {
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = s.FetchAndIncrement(ctx, "held", t0)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, domain.ErrStoreTimeout)
	assert.True(t, domain.IsTransient(err))
	assert.Less(t, elapsed, time.Second, "call should return at its deadline")

	close(release)
	require.NoError(t, <-holder)

	got, err := s.Fetch(context.Background(), "held")
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.ViewCount, "abandoned increment must not count a view")

	got, err = s.FetchAndIncrement(context.Background(), "held", t0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.ViewCount)
}

func TestSQLite_Checkpoint(t *testing.T) {
	s, err := NewSQLite(filepath.Join(t.TempDir(), "wal.db"), SQLiteOpts{Driver: "sqlite3"})
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Create(context.Background(), newPaste("w", nil, nil)))
	assert.NoError(t, s.Checkpoint(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.RunWALMaintenance(ctx, time.Hour)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("WAL maintenance did not stop")
	}
}

func TestSQLite_Params(t *testing.T) {
	assert.Equal(t, "a.db?_busy_timeout=5000", withLocalParams("sqlite3", "a.db"))
	assert.Equal(t, "file:x?mode=memory&_pragma=busy_timeout(5000)", withLocalParams("sqlite", "file:x?mode=memory"))
	assert.True(t, IsRemoteSQL("libsql://db.turso.io"))
	assert.False(t, IsRemoteSQL("pastelite.db"))
}
