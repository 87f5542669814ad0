// Package gate implements the human-in-the-loop confirmation workflow for
// inbound peers. A source is pending until the operator confirms or denies
// it; confirmed sources live in a bounded, oldest-first-evicted registry.
package gate

import (
	"context"
	"log"
	"strconv"
	"sync"
	"time"

	"syndro/internal/clock"
	"syndro/internal/domain"
	"syndro/internal/logging"
	"syndro/internal/metrics"
	"syndro/internal/ratelimit"
)

type EventType string

const (
	EventConnected EventType = "connected"
	EventDenied    EventType = "denied"
	EventExpired   EventType = "expired"
	EventEvicted   EventType = "evicted"
)

// Event reports one change to the connection registry. ActiveCount is the
// registry size after the change, so subscribers get the count stream for
// free.
type Event struct {
	Type        EventType
	Source      string
	Identity    string
	ActiveCount int
	At          time.Time
}

type Options struct {
	RequireConfirmation bool
	PendingTimeout      time.Duration
	SessionTTL          time.Duration
	MaxActive           int
	SweepInterval       time.Duration
	Clock               clock.Clock
	Limiter             *ratelimit.Limiter
	Counters            *metrics.Counters
	Logger              *log.Logger
}

type Gate struct {
	mu             sync.Mutex
	require        bool
	pendingTimeout time.Duration
	sessionTTL     time.Duration
	maxActive      int
	sweepInterval  time.Duration
	clock          clock.Clock
	limiter        *ratelimit.Limiter
	counters       *metrics.Counters
	logger         *log.Logger

	pending map[string]domain.PendingConnection
	active  map[string]domain.ActiveConnection
	order   []string

	prompts chan domain.PendingConnection
	events  chan Event
	closed  bool
}

func New(opts Options) *Gate {
	if opts.PendingTimeout <= 0 {
		opts.PendingTimeout = 60 * time.Second
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = time.Hour
	}
	if opts.MaxActive <= 0 {
		opts.MaxActive = 500
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 5 * time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	return &Gate{
		require:        opts.RequireConfirmation,
		pendingTimeout: opts.PendingTimeout,
		sessionTTL:     opts.SessionTTL,
		maxActive:      opts.MaxActive,
		sweepInterval:  opts.SweepInterval,
		clock:          opts.Clock,
		limiter:        opts.Limiter,
		counters:       opts.Counters,
		logger:         opts.Logger,
		pending:        map[string]domain.PendingConnection{},
		active:         map[string]domain.ActiveConnection{},
		prompts:        make(chan domain.PendingConnection, 64),
		events:         make(chan Event, 64),
	}
}

// Prompts delivers each newly created pending entry exactly once. The
// operator surface subscribes; nobody listening is fine, the buffer just
// fills and further prompts are dropped on the floor.
func (g *Gate) Prompts() <-chan domain.PendingConnection {
	return g.prompts
}

// Events delivers registry changes (connects, denials, expiries, evictions).
func (g *Gate) Events() <-chan Event {
	return g.events
}

// RequestAccess records first contact from a source. With confirmation
// disabled it is a no-op. A source whose prior entry is resolved gets a
// fresh pending entry and a fresh prompt; a still-pending source is
// coalesced silently.
func (g *Gate) RequestAccess(source, identity string) {
	if !g.require {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	g.expirePendingLocked(now)

	if entry, ok := g.pending[source]; ok && entry.Status == domain.ConnectionStatusPending {
		return
	}

	entry := domain.PendingConnection{
		Source:    source,
		Identity:  identity,
		CreatedAt: now,
		Status:    domain.ConnectionStatusPending,
	}
	g.pending[source] = entry
	g.emitPromptLocked(entry)
}

// Resolve settles a pending entry. Approval promotes the source into the
// active registry, evicting the oldest member first when the registry is
// full. Returns false when there is nothing pending to resolve.
func (g *Gate) Resolve(source string, approve bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	g.expirePendingLocked(now)

	entry, ok := g.pending[source]
	if !ok || entry.Status != domain.ConnectionStatusPending {
		return false
	}

	if !approve {
		entry.Status = domain.ConnectionStatusDenied
		g.pending[source] = entry
		g.emitEventLocked(Event{Type: EventDenied, Source: source, Identity: entry.Identity, At: now})
		return true
	}

	entry.Status = domain.ConnectionStatusConfirmed
	g.pending[source] = entry

	for len(g.active) >= g.maxActive && g.evictOldestLocked(now) {
	}
	g.active[source] = domain.ActiveConnection{
		Source:      source,
		Identity:    entry.Identity,
		ConnectedAt: now,
	}
	g.order = append(g.order, source)
	g.emitEventLocked(Event{Type: EventConnected, Source: source, Identity: entry.Identity, At: now})
	logging.Allowlist(g.logger, map[string]string{
		"event":  "peer_confirmed",
		"source": source,
		"count":  strconv.Itoa(len(g.active)),
	})
	return true
}

// IsAllowed reports whether a source may fetch protected resources. With
// confirmation disabled everyone is allowed; otherwise only confirmed
// sources are, and an unknown source is denied even though it can still
// load the landing page that triggers its first prompt.
func (g *Gate) IsAllowed(source string) bool {
	if !g.require {
		return true
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.expirePendingLocked(g.clock.Now())
	entry, ok := g.pending[source]
	return ok && entry.Status == domain.ConnectionStatusConfirmed
}

func (g *Gate) ActiveCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}

func (g *Gate) Active() []domain.ActiveConnection {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]domain.ActiveConnection, 0, len(g.order))
	for _, source := range g.order {
		if conn, ok := g.active[source]; ok {
			out = append(out, conn)
		}
	}
	return out
}

func (g *Gate) Pending() []domain.PendingConnection {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.expirePendingLocked(g.clock.Now())
	out := make([]domain.PendingConnection, 0, len(g.pending))
	for _, entry := range g.pending {
		out = append(out, entry)
	}
	return out
}

// Start runs the staleness sweep until ctx is cancelled.
func (g *Gate) Start(ctx context.Context) {
	ticker := time.NewTicker(g.sweepInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.SweepOnce()
			}
		}
	}()
}

// SweepOnce flips timed-out pendings to denied and drops active entries
// older than the session TTL, together with their confirmed status.
func (g *Gate) SweepOnce() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	g.expirePendingLocked(now)

	kept := g.order[:0]
	for _, source := range g.order {
		conn, ok := g.active[source]
		if !ok {
			continue
		}
		if now.Sub(conn.ConnectedAt) >= g.sessionTTL {
			delete(g.active, source)
			delete(g.pending, source)
			if g.limiter != nil {
				g.limiter.Forget(source)
			}
			g.emitEventLocked(Event{Type: EventExpired, Source: source, Identity: conn.Identity, At: now})
			continue
		}
		kept = append(kept, source)
	}
	g.order = kept
}

// Close releases the event channels. Callers must stop the sweep (cancel
// the Start context) first.
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	close(g.prompts)
	close(g.events)
}

func (g *Gate) expirePendingLocked(now time.Time) {
	for source, entry := range g.pending {
		if entry.Status != domain.ConnectionStatusPending {
			continue
		}
		if now.Sub(entry.CreatedAt) >= g.pendingTimeout {
			entry.Status = domain.ConnectionStatusDenied
			g.pending[source] = entry
			g.emitEventLocked(Event{Type: EventExpired, Source: source, Identity: entry.Identity, At: now})
		}
	}
}

func (g *Gate) evictOldestLocked(now time.Time) bool {
	if len(g.order) == 0 {
		return false
	}
	oldest := g.order[0]
	g.order = g.order[1:]
	conn, ok := g.active[oldest]
	if !ok {
		return true
	}
	delete(g.active, oldest)
	delete(g.pending, oldest)
	if g.limiter != nil {
		g.limiter.Forget(oldest)
	}
	g.emitEventLocked(Event{Type: EventEvicted, Source: oldest, Identity: conn.Identity, At: now})
	return true
}

func (g *Gate) emitPromptLocked(entry domain.PendingConnection) {
	if g.counters != nil {
		g.counters.IncPromptsRaised()
	}
	if g.closed {
		return
	}
	select {
	case g.prompts <- entry:
	default:
	}
}

func (g *Gate) emitEventLocked(event Event) {
	if g.closed {
		return
	}
	event.ActiveCount = len(g.active)
	select {
	case g.events <- event:
	default:
	}
}
