package redislock

import (
	"context"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/quantbed/backtestd/internal/domain"
)

func newTestLocker(t *testing.T) (*Locker, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	locker := New(rdb, 10*time.Millisecond)

	cleanup := func() {
		_ = rdb.Close()
		mr.Close()
	}
	return locker, mr, cleanup
}

func TestBatchLockKey(t *testing.T) {
	got := domain.BatchLockKey("GAZP", domain.Timeframe1h, "sma_timeperiod_20")
	want := "batch_lock:GAZP:1h:sma_timeperiod_20"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestAcquireAndRelease(t *testing.T) {
	ctx := context.Background()
	locker, mr, cleanup := newTestLocker(t)
	defer cleanup()

	key := domain.BatchLockKey("GAZP", domain.Timeframe1h, "rsi_timeperiod_14")
	ok, err := locker.Acquire(ctx, key, time.Second, time.Minute)
	if err != nil {
		t.Fatalf("unexpected acquire error: %v", err)
	}
	if !ok {
		t.Fatalf("expected lock to be granted")
	}

	value, err := mr.Get(key)
	if err != nil {
		t.Fatalf("expected lock key in redis: %v", err)
	}
	if !strings.HasPrefix(value, locker.Owner()+":") {
		t.Fatalf("expected value to carry owner %q, got %q", locker.Owner(), value)
	}

	if err := locker.Release(ctx, key); err != nil {
		t.Fatalf("unexpected release error: %v", err)
	}
	if mr.Exists(key) {
		t.Fatalf("expected lock key to be deleted after release")
	}
}

func TestAcquireContentionTimesOut(t *testing.T) {
	ctx := context.Background()
	first, mr, cleanup := newTestLocker(t)
	defer cleanup()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()
	second := New(rdb, 5*time.Millisecond)

	key := domain.BatchLockKey("SBER", domain.Timeframe5m, "ema_timeperiod_9")
	if ok, err := first.Acquire(ctx, key, time.Second, time.Minute); err != nil || !ok {
		t.Fatalf("first acquire failed: ok=%v err=%v", ok, err)
	}

	ok, err := second.Acquire(ctx, key, 40*time.Millisecond, time.Minute)
	if err != nil {
		t.Fatalf("expected timeout without error, got %v", err)
	}
	if ok {
		t.Fatalf("expected second owner to time out while lock is held")
	}

	value, err := mr.Get(key)
	if err != nil {
		t.Fatalf("expected lock key to survive: %v", err)
	}
	if !strings.HasPrefix(value, first.Owner()+":") {
		t.Fatalf("expected first owner to keep the lock, got %q", value)
	}
}

func TestAcquireWaitsForRelease(t *testing.T) {
	ctx := context.Background()
	first, mr, cleanup := newTestLocker(t)
	defer cleanup()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()
	second := New(rdb, 5*time.Millisecond)

	key := domain.BatchLockKey("LKOH", domain.Timeframe1d, "macd_fast_12_signal_9_slow_26")
	if ok, err := first.Acquire(ctx, key, time.Second, time.Minute); err != nil || !ok {
		t.Fatalf("first acquire failed: ok=%v err=%v", ok, err)
	}

	done := make(chan error, 1)
	go func() {
		ok, err := second.Acquire(ctx, key, 2*time.Second, time.Minute)
		if err == nil && !ok {
			err = context.DeadlineExceeded
		}
		done <- err
	}()

	time.Sleep(30 * time.Millisecond)
	if err := first.Release(ctx, key); err != nil {
		t.Fatalf("unexpected release error: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("second owner failed to take over: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("second owner never acquired the lock")
	}
}

func TestAcquireAfterLeaseExpiry(t *testing.T) {
	ctx := context.Background()
	first, mr, cleanup := newTestLocker(t)
	defer cleanup()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()
	second := New(rdb, 5*time.Millisecond)

	key := domain.BatchLockKey("GAZP", domain.Timeframe10m, "atr_timeperiod_14")
	if ok, err := first.Acquire(ctx, key, time.Second, time.Second); err != nil || !ok {
		t.Fatalf("first acquire failed: ok=%v err=%v", ok, err)
	}

	mr.FastForward(2 * time.Second)

	ok, err := second.Acquire(ctx, key, 50*time.Millisecond, time.Minute)
	if err != nil {
		t.Fatalf("unexpected acquire error after expiry: %v", err)
	}
	if !ok {
		t.Fatalf("expected lock to be free after lease expiry")
	}
}

func TestReleaseDoesNotDeleteForeignLock(t *testing.T) {
	ctx := context.Background()
	locker, mr, cleanup := newTestLocker(t)
	defer cleanup()

	key := domain.BatchLockKey("SBER", domain.Timeframe1h, "bollinger_nbdev_2_timeperiod_20")
	if ok, err := locker.Acquire(ctx, key, time.Second, time.Second); err != nil || !ok {
		t.Fatalf("acquire failed: ok=%v err=%v", ok, err)
	}

	// Simulate the lease expiring and another worker taking over.
	foreign := "other-owner:1700000000"
	mr.Set(key, foreign)

	if err := locker.Release(ctx, key); err != nil {
		t.Fatalf("unexpected release error: %v", err)
	}
	value, err := mr.Get(key)
	if err != nil {
		t.Fatalf("expected foreign lock to survive: %v", err)
	}
	if value != foreign {
		t.Fatalf("expected foreign value %q to be untouched, got %q", foreign, value)
	}
}

func TestReleaseUnheldKeyIsNoop(t *testing.T) {
	ctx := context.Background()
	locker, _, cleanup := newTestLocker(t)
	defer cleanup()

	if err := locker.Release(ctx, "batch_lock:never:acquired:key"); err != nil {
		t.Fatalf("expected no error releasing an unheld key, got %v", err)
	}
}

func TestAcquireHonoursContextCancellation(t *testing.T) {
	first, mr, cleanup := newTestLocker(t)
	defer cleanup()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()
	second := New(rdb, 5*time.Millisecond)

	key := domain.BatchLockKey("GAZP", domain.Timeframe1m, "sma_timeperiod_50")
	if ok, err := first.Acquire(context.Background(), key, time.Second, time.Minute); err != nil || !ok {
		t.Fatalf("first acquire failed: ok=%v err=%v", ok, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := second.Acquire(ctx, key, 10*time.Second, time.Minute)
	if err == nil {
		t.Fatalf("expected context cancellation to surface as an error")
	}
}

func TestParseValueRoundTrip(t *testing.T) {
	owner, acquired, err := ParseValue("worker-abc:1724500000")
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if owner != "worker-abc" {
		t.Fatalf("expected owner worker-abc, got %q", owner)
	}
	if acquired.Unix() != 1724500000 {
		t.Fatalf("expected acquired 1724500000, got %d", acquired.Unix())
	}

	if _, _, err := ParseValue("malformed"); err == nil {
		t.Fatalf("expected error for malformed value")
	}
}
