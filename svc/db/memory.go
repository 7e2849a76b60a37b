package db

import (
	"context"
	"sync"
	"time"

	"pastelite/pkg/domain"

	"github.com/pkg/errors"
)

const backendMemory = "memory"

var errStoreClosed = errors.New("store closed")

type Memory struct {
	mu     sync.Mutex
	pastes map[string]*domain.Paste
	closed bool
}

func NewMemory() *Memory {
	return &Memory{pastes: make(map[string]*domain.Paste)}
}

func (m *Memory) begin(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return classify(err)
	}
	if m.closed {
		return classify(errStoreClosed)
	}
	return nil
}

func (m *Memory) Create(ctx context.Context, p *domain.Paste) error {
	defer observe(backendMemory, opCreate, time.Now())
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx); err != nil {
		return err
	}
	if _, ok := m.pastes[p.ID]; ok {
		return domain.ErrIDCollision
	}
	m.pastes[p.ID] = p.Clone()
	return nil
}

func (m *Memory) FetchAndIncrement(ctx context.Context, id string, now int64) (*domain.Paste, error) {
	defer observe(backendMemory, opIncrement, time.Now())
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx); err != nil {
		return nil, err
	}
	p, ok := m.pastes[id]
	if !ok {
		return nil, domain.ErrPasteNotFound
	}
	if !p.IsAvailableAt(now) {
		return nil, rejection(p, now)
	}
	p.ViewCount++
	return p.Clone(), nil
}

func (m *Memory) Fetch(ctx context.Context, id string) (*domain.Paste, error) {
	defer observe(backendMemory, opFetch, time.Now())
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx); err != nil {
		return nil, err
	}
	p, ok := m.pastes[id]
	if !ok {
		return nil, domain.ErrPasteNotFound
	}
	return p.Clone(), nil
}

func (m *Memory) DeleteExpired(ctx context.Context, before int64) (int, error) {
	defer observe(backendMemory, opDeleteExpired, time.Now())
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx); err != nil {
		return 0, err
	}
	removed := 0
	for id, p := range m.pastes {
		if p.ExpiresAt != nil && *p.ExpiresAt <= before {
			delete(m.pastes, id)
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.begin(ctx)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pastes)
}
