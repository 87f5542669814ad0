package ratelimit

import (
	"sync"
	"testing"
	"time"

	"syndro/internal/clock"
)

func TestAllowUpToLimitThenReject(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	limiter := New(60, time.Minute, clk)

	for i := 0; i < 60; i++ {
		if !limiter.Allow("10.0.0.1") {
			t.Fatalf("call %d should be admitted", i+1)
		}
		clk.Advance(100 * time.Millisecond)
	}
	if limiter.Allow("10.0.0.1") {
		t.Fatalf("61st call should be rejected")
	}
}

func TestWindowElapsesAndKeyIsAdmittedAgain(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	limiter := New(60, time.Minute, clk)

	for i := 0; i < 60; i++ {
		limiter.Allow("10.0.0.1")
	}
	if limiter.Allow("10.0.0.1") {
		t.Fatalf("expected rejection at the limit")
	}

	clk.Advance(61 * time.Second)
	if !limiter.Allow("10.0.0.1") {
		t.Fatalf("expected admission after the window elapsed")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	limiter := New(1, time.Minute, clk)

	if !limiter.Allow("a") {
		t.Fatalf("first call for a should pass")
	}
	if limiter.Allow("a") {
		t.Fatalf("second call for a should be rejected")
	}
	if !limiter.Allow("b") {
		t.Fatalf("b should have its own window")
	}
}

func TestForgetResetsKey(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	limiter := New(1, time.Minute, clk)

	limiter.Allow("a")
	if limiter.Allow("a") {
		t.Fatalf("expected rejection")
	}
	limiter.Forget("a")
	if !limiter.Allow("a") {
		t.Fatalf("expected admission after Forget")
	}
}

func TestConcurrentCallsDoNotRace(t *testing.T) {
	limiter := New(800, time.Minute, clock.RealClock{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				limiter.Allow("shared")
				limiter.Allow("other")
			}
		}()
	}
	wg.Wait()

	if limiter.Allow("shared") {
		t.Fatalf("the window already holds the full limit; 801st call must be rejected")
	}
}
