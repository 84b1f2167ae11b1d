package utils

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPostgresPoolConfig_Defaults(t *testing.T) {
	got := PostgresPoolConfig{}.withDefaults()
	if got.MaxOpenConns != 20 || got.MaxIdleConns != 20 {
		t.Fatalf("unexpected conn defaults: %+v", got)
	}
	if got.PingTimeout != 2*time.Second {
		t.Fatalf("expected 2s ping timeout, got %v", got.PingTimeout)
	}
}

func TestPostgresPoolConfig_KeepsExplicitValues(t *testing.T) {
	got := PostgresPoolConfig{MaxOpenConns: 5, ConnMaxLifetime: time.Minute}.withDefaults()
	if got.MaxOpenConns != 5 || got.MaxIdleConns != 5 {
		t.Fatalf("expected idle conns to follow open conns, got %+v", got)
	}
	if got.ConnMaxLifetime != time.Minute {
		t.Fatalf("expected explicit lifetime kept, got %v", got.ConnMaxLifetime)
	}
}

func TestSleep_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("sleep ignored cancellation")
	}
	if err := Sleep(context.Background(), 0); err != nil {
		t.Fatalf("zero sleep on live ctx should succeed, got %v", err)
	}
}
