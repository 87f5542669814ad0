package gate

import (
	"testing"
	"time"

	"syndro/internal/clock"
	"syndro/internal/domain"
	"syndro/internal/ratelimit"
)

func newTestGate(clk clock.Clock, maxActive int) *Gate {
	return New(Options{
		RequireConfirmation: true,
		PendingTimeout:      60 * time.Second,
		SessionTTL:          time.Hour,
		MaxActive:           maxActive,
		Clock:               clk,
	})
}

func TestUnknownSourceIsDenied(t *testing.T) {
	g := newTestGate(clock.RealClock{}, 10)
	if g.IsAllowed("10.0.0.1") {
		t.Fatalf("unknown source must not be allowed")
	}
}

func TestConfirmationDisabledAllowsEveryone(t *testing.T) {
	g := New(Options{RequireConfirmation: false, Clock: clock.RealClock{}})
	if !g.IsAllowed("10.0.0.1") {
		t.Fatalf("gate disabled must allow all sources")
	}
}

func TestRequestThenApproveAllows(t *testing.T) {
	g := newTestGate(clock.RealClock{}, 10)

	g.RequestAccess("10.0.0.1", "phone")
	if g.IsAllowed("10.0.0.1") {
		t.Fatalf("pending source must not be allowed yet")
	}

	if !g.Resolve("10.0.0.1", true) {
		t.Fatalf("resolve should succeed for a pending entry")
	}
	if !g.IsAllowed("10.0.0.1") {
		t.Fatalf("confirmed source must be allowed")
	}
	if g.ActiveCount() != 1 {
		t.Fatalf("expected 1 active connection, got %d", g.ActiveCount())
	}
}

func TestDenyBlocksAndReArrivalReprompts(t *testing.T) {
	g := newTestGate(clock.RealClock{}, 10)

	g.RequestAccess("10.0.0.1", "phone")
	g.Resolve("10.0.0.1", false)
	if g.IsAllowed("10.0.0.1") {
		t.Fatalf("denied source must not be allowed")
	}

	// A denial is not permanent: the source shows up again and gets a
	// fresh pending entry.
	g.RequestAccess("10.0.0.1", "phone")
	prompts := 0
	for {
		select {
		case <-g.Prompts():
			prompts++
			continue
		default:
		}
		break
	}
	if prompts != 2 {
		t.Fatalf("expected 2 prompts (initial + re-arrival), got %d", prompts)
	}
	if !g.Resolve("10.0.0.1", true) {
		t.Fatalf("fresh pending entry should resolve")
	}
}

func TestRepeatedPendingRequestsCoalesce(t *testing.T) {
	g := newTestGate(clock.RealClock{}, 10)

	g.RequestAccess("10.0.0.1", "phone")
	g.RequestAccess("10.0.0.1", "phone")
	g.RequestAccess("10.0.0.1", "phone")

	prompts := 0
	for {
		select {
		case <-g.Prompts():
			prompts++
			continue
		default:
		}
		break
	}
	if prompts != 1 {
		t.Fatalf("expected a single coalesced prompt, got %d", prompts)
	}
}

func TestPendingEntryTimesOutToDenied(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	g := newTestGate(clk, 10)

	g.RequestAccess("10.0.0.1", "phone")
	clk.Advance(61 * time.Second)

	if g.Resolve("10.0.0.1", true) {
		t.Fatalf("timed-out entry must not resolve")
	}
	if g.IsAllowed("10.0.0.1") {
		t.Fatalf("timed-out entry must not be allowed")
	}

	var entry domain.PendingConnection
	for _, pending := range g.Pending() {
		if pending.Source == "10.0.0.1" {
			entry = pending
		}
	}
	if entry.Status != domain.ConnectionStatusDenied {
		t.Fatalf("expected denied after timeout, got %q", entry.Status)
	}
}

func TestActiveRegistryEvictsOldestAndClearsBookkeeping(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	limiter := ratelimit.New(1, time.Minute, clk)
	g := New(Options{
		RequireConfirmation: true,
		PendingTimeout:      60 * time.Second,
		SessionTTL:          time.Hour,
		MaxActive:           2,
		Clock:               clk,
		Limiter:             limiter,
	})

	for _, source := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		limiter.Allow(source)
		g.RequestAccess(source, "dev")
		if !g.Resolve(source, true) {
			t.Fatalf("resolve %s failed", source)
		}
		clk.Advance(time.Second)
	}

	if g.ActiveCount() != 2 {
		t.Fatalf("registry must stay capped at 2, got %d", g.ActiveCount())
	}
	if g.IsAllowed("10.0.0.1") {
		t.Fatalf("evicted oldest source must lose access")
	}
	if !g.IsAllowed("10.0.0.2") || !g.IsAllowed("10.0.0.3") {
		t.Fatalf("younger members must survive eviction")
	}
	// The evicted member's rate window went with it.
	if !limiter.Allow("10.0.0.1") {
		t.Fatalf("expected the evicted source's rate window to be forgotten")
	}
}

func TestSweepExpiresStaleActiveConnections(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	g := newTestGate(clk, 10)

	g.RequestAccess("10.0.0.1", "phone")
	g.Resolve("10.0.0.1", true)

	clk.Advance(59 * time.Minute)
	g.SweepOnce()
	if !g.IsAllowed("10.0.0.1") {
		t.Fatalf("connection under the session TTL must survive the sweep")
	}

	clk.Advance(2 * time.Minute)
	g.SweepOnce()
	if g.IsAllowed("10.0.0.1") {
		t.Fatalf("connection past the session TTL must be swept")
	}
	if g.ActiveCount() != 0 {
		t.Fatalf("expected empty registry after sweep")
	}
}

func TestEventsCarryActiveCount(t *testing.T) {
	g := newTestGate(clock.RealClock{}, 10)

	g.RequestAccess("10.0.0.1", "phone")
	g.Resolve("10.0.0.1", true)

	select {
	case event := <-g.Events():
		if event.Type != EventConnected {
			t.Fatalf("expected connected event, got %q", event.Type)
		}
		if event.ActiveCount != 1 {
			t.Fatalf("expected active count 1, got %d", event.ActiveCount)
		}
	default:
		t.Fatalf("expected a buffered event")
	}
}
