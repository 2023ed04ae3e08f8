package util

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"
)

func TestRetry(t *testing.T) {
	attempts := 0
	targetAttempts := 3

	err := Retry(context.Background(), 5, 0, func() error {
		attempts++
		if attempts < targetAttempts {
			return errors.New("transient error")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Retry returned unexpected error: %v", err)
	}
	if attempts != targetAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, targetAttempts)
	}
}

func TestRetryAllFail(t *testing.T) {
	attempts := 0
	maxAttempts := 3

	err := Retry(context.Background(), maxAttempts, 0, func() error {
		attempts++
		return errors.New("persistent error")
	})

	if err == nil {
		t.Fatal("Retry should return error when all attempts fail")
	}
	if attempts != maxAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, maxAttempts)
	}
}

func TestRetryStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := Retry(ctx, 5, time.Hour, func() error {
		attempts++
		return errors.New("transient error")
	})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Retry error = %v, want context.Canceled", err)
	}
	if attempts != 1 {
		t.Errorf("Retry called fn %d times, want 1", attempts)
	}
}

func TestRetryPermanentStopsEarly(t *testing.T) {
	sentinel := errors.New("order unknown")
	attempts := 0
	err := Retry(context.Background(), 5, 0, func() error {
		attempts++
		return Permanent(sentinel)
	})

	if err != sentinel {
		t.Errorf("Retry error = %v, want %v", err, sentinel)
	}
	if attempts != 1 {
		t.Errorf("Retry called fn %d times, want 1", attempts)
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}

func TestRateLimiterNew(t *testing.T) {
	rl := NewRateLimiter(60)
	if rl == nil {
		t.Fatal("NewRateLimiter returned nil")
	}
	if !rl.Allow() {
		t.Error("first token should be available immediately")
	}
	if rl.Allow() {
		t.Error("second token should not be available within the same second")
	}
}

func TestRateLimiterUnlimited(t *testing.T) {
	rl := NewRateLimiter(0)
	for i := 0; i < 100; i++ {
		if err := rl.Wait(context.Background()); err != nil {
			t.Fatalf("Wait returned %v", err)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestTradingCalendarSession(t *testing.T) {
	cal := NewUSEquityCalendar()
	et := cal.Location()

	// Wednesday 2024-06-12.
	open := time.Date(2024, 6, 12, 10, 0, 0, 0, et)
	if !cal.IsMarketOpen(open) {
		t.Errorf("IsMarketOpen(%v) = false, want true", open)
	}
	early := time.Date(2024, 6, 12, 9, 0, 0, 0, et)
	if cal.IsMarketOpen(early) {
		t.Errorf("IsMarketOpen(%v) = true, want false", early)
	}
	saturday := time.Date(2024, 6, 15, 11, 0, 0, 0, et)
	if cal.IsMarketOpen(saturday) {
		t.Errorf("IsMarketOpen(%v) = true, want false", saturday)
	}

	want := time.Date(2024, 6, 17, 9, 30, 0, 0, et)
	if got := cal.NextOpen(saturday); !got.Equal(want) {
		t.Errorf("NextOpen(%v) = %v, want %v", saturday, got, want)
	}
	wantClose := time.Date(2024, 6, 12, 16, 0, 0, 0, et)
	if got := cal.NextClose(open); !got.Equal(wantClose) {
		t.Errorf("NextClose(%v) = %v, want %v", open, got, wantClose)
	}
}

func TestTradingCalendarSessionDate(t *testing.T) {
	cal := NewUSEquityCalendar()
	// 02:00 UTC on the 13th is still the 12th in New York.
	ts := time.Date(2024, 6, 13, 2, 0, 0, 0, time.UTC)
	if got := cal.SessionDate(ts); got != "2024-06-12" {
		t.Errorf("SessionDate(%v) = %q, want %q", ts, got, "2024-06-12")
	}
}
