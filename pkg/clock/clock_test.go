package clock

import (
	"context"
	"testing"
	"time"
)

func TestNowUsesWallClock(t *testing.T) {
	p := New(false)
	before := time.Now().UnixMilli()
	got := p.Now(context.Background())
	after := time.Now().UnixMilli()
	if got < before || got > after {
		t.Fatalf("Now() = %d, want within [%d, %d]", got, before, after)
	}
}

func TestOverrideIgnoredOutsideTestMode(t *testing.T) {
	p := Fixed(5000)
	ctx := WithOverride(context.Background(), 42)
	if got := p.Now(ctx); got != 5000 {
		t.Errorf("Now() = %d, want 5000", got)
	}
}

func TestOverrideInTestMode(t *testing.T) {
	p := Fixed(5000)
	p.testMode = true

	tests := []struct {
		name     string
		override int64
		want     int64
	}{
		{"positive override wins", 42, 42},
		{"zero falls back", 0, 5000},
		{"negative falls back", -7, 5000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := WithOverride(context.Background(), tt.override)
			if got := p.Now(ctx); got != tt.want {
				t.Errorf("Now() = %d, want %d", got, tt.want)
			}
		})
	}

	if got := p.Now(context.Background()); got != 5000 {
		t.Errorf("Now() without override = %d, want 5000", got)
	}
}

func TestFromMillis(t *testing.T) {
	got := FromMillis(61000)
	want := time.Date(1970, 1, 1, 0, 1, 1, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("FromMillis(61000) = %v, want %v", got, want)
	}
}
