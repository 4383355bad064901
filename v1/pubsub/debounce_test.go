package pubsub

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestDebouncerRunsLastCall(t *testing.T) {
	d := newDebouncer(30 * time.Millisecond)
	var last, calls atomic.Int64
	for i := int64(1); i <= 3; i++ {
		d.call(func() {
			last.Store(i)
			calls.Add(1)
		})
	}
	time.Sleep(100 * time.Millisecond)
	if calls.Load() != 1 || last.Load() != 3 {
		t.Fatalf("expected one call with the last value, got calls=%d last=%d", calls.Load(), last.Load())
	}
}

func TestDebouncerStop(t *testing.T) {
	d := newDebouncer(20 * time.Millisecond)
	var calls atomic.Int64
	d.call(func() { calls.Add(1) })
	d.stop()
	d.call(func() { calls.Add(1) })
	time.Sleep(60 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatalf("expected no calls after stop, got %d", calls.Load())
	}
}
