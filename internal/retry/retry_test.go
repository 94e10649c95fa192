package retry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/kalambet/topicforge/internal/research"
)

func TestWithBackoff_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	var retried []int
	cfg := Config{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		OnRetry:    func(attempt int, _ error, _ time.Duration) { retried = append(retried, attempt) },
	}

	err := WithBackoff(context.Background(), cfg, func(context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("page 1: %w", research.ErrTransientIO)
		}
		return nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if !slices.Equal(retried, []int{1, 2}) {
		t.Errorf("retried = %v, want [1 2]", retried)
	}
}

func TestWithBackoff_Exhausted(t *testing.T) {
	calls := 0
	err := WithBackoff(context.Background(), Config{MaxRetries: 2, BaseDelay: time.Millisecond}, func(context.Context) error {
		calls++
		return research.ErrTransientIO
	})

	if !errors.Is(err, ErrExhausted) || !errors.Is(err, research.ErrTransientIO) {
		t.Errorf("error = %v, want ErrExhausted wrapping ErrTransientIO", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestWithBackoff_NonRetryableStopsImmediately(t *testing.T) {
	calls := 0
	bad := errors.New("400 bad request")
	err := WithBackoff(context.Background(), Config{MaxRetries: 5, BaseDelay: time.Millisecond}, func(context.Context) error {
		calls++
		return bad
	})

	if !errors.Is(err, bad) {
		t.Errorf("error = %v, want %v", err, bad)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestWithBackoff_ContextCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	err := WithBackoff(ctx, Config{MaxRetries: 3, BaseDelay: time.Hour}, func(context.Context) error {
		cancel()
		return research.ErrTransientIO
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestBackoff_Capped(t *testing.T) {
	if d := Backoff(Config{BaseDelay: time.Second, MaxDelay: 3 * time.Second}, 5); d != 3*time.Second {
		t.Errorf("Backoff = %v, want 3s cap", d)
	}
	if d := Backoff(Config{}, 2); d != 0 {
		t.Errorf("Backoff without base delay = %v, want 0", d)
	}
}

func TestHTTPStatusRetryable(t *testing.T) {
	tests := []struct {
		code int
		want bool
	}{
		{503, true},
		{429, true},
		{404, false},
	}
	for _, tt := range tests {
		if got := HTTPStatusRetryable(tt.code); got != tt.want {
			t.Errorf("HTTPStatusRetryable(%d) = %v, want %v", tt.code, got, tt.want)
		}
	}
}
