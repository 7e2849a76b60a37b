package domain

// Paste is the stored record. Body holds the persisted bytes (sealed when a
// seal provider is configured); Content is the plaintext and is only set by
// the lifecycle engine after opening Body.
type Paste struct {
	ID        string `json:"id"`
	Content   string `json:"-"`
	Body      []byte `json:"body"`
	SealedKey []byte `json:"sealed_key,omitempty"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt *int64 `json:"expires_at,omitempty"`
	MaxViews  *int64 `json:"max_views,omitempty"`
	ViewCount int64  `json:"view_count"`
}

type State int

const (
	StateActive State = iota
	StateExpired
	StateViewExhausted
)

func (s State) String() string {
	switch s {
	case StateExpired:
		return "expired"
	case StateViewExhausted:
		return "view_exhausted"
	default:
		return "active"
	}
}

// IsExpiredAt is inclusive: a paste is expired at exactly ExpiresAt.
func (p *Paste) IsExpiredAt(now int64) bool {
	if p.ExpiresAt == nil {
		return false
	}
	return now >= *p.ExpiresAt
}

func (p *Paste) HasExceededViewLimit() bool {
	if p.MaxViews == nil {
		return false
	}
	return p.ViewCount >= *p.MaxViews
}

func (p *Paste) IsAvailableAt(now int64) bool {
	return !p.IsExpiredAt(now) && !p.HasExceededViewLimit()
}

// StateAt checks expiry before the view quota, so a paste that is both
// expired and exhausted reports StateExpired.
func (p *Paste) StateAt(now int64) State {
	if p.IsExpiredAt(now) {
		return StateExpired
	}
	if p.HasExceededViewLimit() {
		return StateViewExhausted
	}
	return StateActive
}

// RemainingViews is nil for unlimited pastes and never negative.
func (p *Paste) RemainingViews() *int64 {
	if p.MaxViews == nil {
		return nil
	}
	left := *p.MaxViews - p.ViewCount
	if left < 0 {
		left = 0
	}
	return &left
}

func (p *Paste) Clone() *Paste {
	c := *p
	if p.Body != nil {
		c.Body = append([]byte(nil), p.Body...)
	}
	if p.SealedKey != nil {
		c.SealedKey = append([]byte(nil), p.SealedKey...)
	}
	if p.ExpiresAt != nil {
		v := *p.ExpiresAt
		c.ExpiresAt = &v
	}
	if p.MaxViews != nil {
		v := *p.MaxViews
		c.MaxViews = &v
	}
	return &c
}

type CreateParams struct {
	Content    string
	TTLSeconds *int64
	MaxViews   *int64
	// Origin is used to build the share URL when no BASE_URL is configured.
	Origin string
}

type Created struct {
	ID        string
	URL       string
	CreatedAt int64
	ExpiresAt *int64
	MaxViews  *int64
}

type View struct {
	ID             string
	Content        string
	CreatedAt      int64
	ExpiresAt      *int64
	MaxViews       *int64
	ViewCount      int64
	RemainingViews *int64
}

func Int64(v int64) *int64 {
	return &v
}
