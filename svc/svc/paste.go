package svc

import (
	"context"
	"math"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"pastelite/metrics"
	"pastelite/pkg/clock"
	"pastelite/pkg/domain"
	"pastelite/pkg/seal"
	"pastelite/svc/db"
	"pastelite/svc/util"

	"github.com/pkg/errors"
)

const maxIDAttempts = 5

type Opts struct {
	BaseURL      string
	MaxPasteSize int64
}

type Paste struct {
	store    db.Store
	clock    *clock.Provider
	ids      util.IDGen
	codec    seal.Codec
	baseURL  string
	maxSize  int64
	shutdown atomic.Bool
	opWg     sync.WaitGroup
}

func NewPaste(store db.Store, clk *clock.Provider, ids util.IDGen, codec seal.Codec, o Opts) *Paste {
	if store == nil || clk == nil || ids == nil {
		panic("paste service: nil dependency (store, clock, or id generator)")
	}
	if codec == nil {
		codec = seal.Passthrough{}
	}
	return &Paste{
		store:   store,
		clock:   clk,
		ids:     ids,
		codec:   codec,
		baseURL: strings.TrimSuffix(o.BaseURL, "/"),
		maxSize: o.MaxPasteSize,
	}
}

func (p *Paste) begin() error {
	if p.shutdown.Load() {
		return domain.ErrShuttingDown
	}
	p.opWg.Add(1)
	return nil
}

// Shutdown rejects new operations and waits for in-flight ones.
func (p *Paste) Shutdown() {
	p.shutdown.Store(true)
	p.opWg.Wait()
	util.Debug().Msg("paste service shutdown complete")
}

func (p *Paste) Ping(ctx context.Context) error {
	return p.store.Ping(ctx)
}

func (p *Paste) validate(params domain.CreateParams, now int64) error {
	if strings.TrimSpace(params.Content) == "" {
		return domain.ErrContentRequired
	}
	if p.maxSize > 0 && int64(len(params.Content)) > p.maxSize {
		return domain.ErrPasteTooLarge
	}
	if params.TTLSeconds != nil {
		ttl := *params.TTLSeconds
		if ttl <= 0 || ttl > (math.MaxInt64-now)/1000 {
			return domain.ErrInvalidTTL
		}
	}
	if params.MaxViews != nil && *params.MaxViews <= 0 {
		return domain.ErrInvalidMaxViews
	}
	return nil
}

func (p *Paste) Create(ctx context.Context, params domain.CreateParams) (*domain.Created, error) {
	if err := p.begin(); err != nil {
		return nil, err
	}
	defer p.opWg.Done()
	now := p.clock.Now(ctx)
	if err := p.validate(params, now); err != nil {
		return nil, err
	}
	rec := &domain.Paste{
		CreatedAt: now,
		MaxViews:  params.MaxViews,
	}
	if params.TTLSeconds != nil {
		rec.ExpiresAt = domain.Int64(now + *params.TTLSeconds*1000)
	}
	for attempt := 1; attempt <= maxIDAttempts; attempt++ {
		id, err := p.ids.NewID()
		if err != nil {
			return nil, errors.Wrap(err, "gen id")
		}
		rec.ID = id
		rec.Body, rec.SealedKey, err = p.codec.Seal(ctx, id, []byte(params.Content))
		if err != nil {
			return nil, errors.Wrap(err, "seal paste")
		}
		err = p.store.Create(ctx, rec)
		if errors.Is(err, domain.ErrIDCollision) {
			metrics.IDCollisions.Inc()
			util.Warn().Int("attempt", attempt).Msg("paste id collision, regenerating")
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "create paste")
		}
		metrics.PasteCreated.Inc()
		return &domain.Created{
			ID:        id,
			URL:       p.ShareURL(params.Origin, id),
			CreatedAt: rec.CreatedAt,
			ExpiresAt: rec.ExpiresAt,
			MaxViews:  rec.MaxViews,
		}, nil
	}
	util.Error().Int("attempts", maxIDAttempts).Msg("paste id generation exhausted")
	return nil, domain.ErrIDGenerationFailed
}

// Read checks expiry with a plain fetch so an expired paste never spends a
// view, then counts the view with one atomic conditional increment.
func (p *Paste) Read(ctx context.Context, id string) (*domain.View, error) {
	if err := p.begin(); err != nil {
		return nil, err
	}
	defer p.opWg.Done()
	view, err := p.read(ctx, id)
	metrics.PasteReads.WithLabelValues(readOutcome(err)).Inc()
	return view, err
}

func (p *Paste) read(ctx context.Context, id string) (*domain.View, error) {
	if !util.ValidID(id) {
		return nil, domain.ErrPasteNotFound
	}
	now := p.clock.Now(ctx)
	cur, err := p.store.Fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.IsExpiredAt(now) {
		return nil, domain.ErrPasteExpired
	}
	rec, err := p.store.FetchAndIncrement(ctx, id, now)
	if err != nil {
		return nil, err
	}
	content, err := p.codec.Open(ctx, rec.ID, rec.Body, rec.SealedKey)
	if err != nil {
		return nil, errors.Wrap(err, "open paste")
	}
	rec.Content = string(content)
	return toView(rec), nil
}

// Inspect reports a paste's metadata and availability without counting a
// view. The returned View carries no content.
func (p *Paste) Inspect(ctx context.Context, id string) (*domain.View, error) {
	if err := p.begin(); err != nil {
		return nil, err
	}
	defer p.opWg.Done()
	if !util.ValidID(id) {
		return nil, domain.ErrPasteNotFound
	}
	now := p.clock.Now(ctx)
	rec, err := p.store.Fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	switch rec.StateAt(now) {
	case domain.StateExpired:
		return nil, domain.ErrPasteExpired
	case domain.StateViewExhausted:
		return nil, domain.ErrViewLimitExceeded
	}
	return toView(rec), nil
}

// ShareURL prefers the configured base URL. A base without a scheme borrows
// the scheme of origin.
func (p *Paste) ShareURL(origin, id string) string {
	base := p.baseURL
	if base == "" {
		base = strings.TrimSuffix(origin, "/")
	} else if !strings.Contains(base, "://") {
		scheme := "http"
		if u, err := url.Parse(origin); err == nil && u.Scheme != "" {
			scheme = u.Scheme
		}
		base = scheme + "://" + base
	}
	return base + "/p/" + url.PathEscape(id)
}

func toView(rec *domain.Paste) *domain.View {
	return &domain.View{
		ID:             rec.ID,
		Content:        rec.Content,
		CreatedAt:      rec.CreatedAt,
		ExpiresAt:      rec.ExpiresAt,
		MaxViews:       rec.MaxViews,
		ViewCount:      rec.ViewCount,
		RemainingViews: rec.RemainingViews(),
	}
}

func readOutcome(err error) string {
	switch {
	case err == nil:
		return metrics.ReadOK
	case errors.Is(err, domain.ErrPasteNotFound):
		return metrics.ReadNotFound
	case errors.Is(err, domain.ErrPasteExpired):
		return metrics.ReadExpired
	case errors.Is(err, domain.ErrViewLimitExceeded):
		return metrics.ReadLimitExceeded
	default:
		return metrics.ReadError
	}
}
