// Package events is the process-wide health event bus: a bounded buffer of
// recent events, synchronous fan-out to subscribers, and rolling per-source
// error counters that drive escalation decisions.
package events

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"syscall"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/haloapp/sentinel/internal/metrics"
)

const (
	// RecentBufferSize bounds the in-memory event history; the oldest entry
	// is dropped when a new one would exceed it.
	RecentBufferSize = 50
	// DefaultDecayWindow resets a source's consecutive-error count when no
	// error arrived within it.
	DefaultDecayWindow = 60 * time.Second
	// AgentCriticalThreshold is the consecutive count at which agent errors
	// escalate from warning to critical.
	AgentCriticalThreshold = 3
)

// Type is the severity of an event.
type Type string

const (
	TypeInfo     Type = "info"
	TypeWarning  Type = "warning"
	TypeCritical Type = "critical"
)

// Category names the subsystem an event originates from.
type Category string

const (
	CategoryProcess  Category = "process"
	CategoryConfig   Category = "config"
	CategoryDisk     Category = "disk"
	CategoryPort     Category = "port"
	CategoryService  Category = "service"
	CategoryAgent    Category = "agent"
	CategoryNetwork  Category = "network"
	CategoryRecovery Category = "recovery"
	CategorySystem   Category = "system"
)

// Event is one health observation. Events are ephemeral; they live only in
// the recent-events buffer for diagnostics.
type Event struct {
	Type      Type           `json:"type"`
	Category  Category       `json:"category"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

// Handler receives every emitted event. Handlers run synchronously on the
// emitter's goroutine, in subscription order.
type Handler func(Event)

type subscriber struct {
	id int
	fn Handler
}

type errorCounter struct {
	count int
	last  time.Time
}

// Bus fans health events out to subscribers and keeps rolling error
// counters. The counters measure consecutive-within-window, not lifetime
// totals: a count that has gone quiet for longer than the decay window
// restarts at 1 on the next error.
type Bus struct {
	logger *slog.Logger
	decay  time.Duration

	mu     sync.Mutex
	recent []Event
	subs   []subscriber
	nextID int

	counters cmap.ConcurrentMap[string, errorCounter]
}

// New returns a bus with the given decay window; decay <= 0 selects
// DefaultDecayWindow.
func New(logger *slog.Logger, decay time.Duration) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	if decay <= 0 {
		decay = DefaultDecayWindow
	}
	return &Bus{
		logger:   logger,
		decay:    decay,
		recent:   make([]Event, 0, RecentBufferSize),
		counters: cmap.New[errorCounter](),
	}
}

// Subscribe registers a handler and returns its unsubscribe function.
func (b *Bus) Subscribe(fn Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Emit records the event in the recent buffer and invokes every subscriber
// in order. A panicking handler is recovered and logged; it never blocks
// the remaining handlers or the emitter.
func (b *Bus) Emit(typ Type, cat Category, source, message string, data map[string]any) {
	ev := Event{
		Type:      typ,
		Category:  cat,
		Timestamp: time.Now(),
		Source:    source,
		Message:   message,
		Data:      data,
	}

	b.mu.Lock()
	b.recent = append(b.recent, ev)
	if len(b.recent) > RecentBufferSize {
		b.recent = b.recent[1:]
	}
	subs := make([]subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	metrics.IncEvent(string(typ), string(cat))
	for _, s := range subs {
		b.dispatch(s, ev)
	}
}

func (b *Bus) dispatch(s subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "source", ev.Source, "panic", r)
		}
	}()
	s.fn(ev)
}

// Recent returns a copy of the buffered events, oldest first.
func (b *Bus) Recent() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.recent))
	copy(out, b.recent)
	return out
}

// TrackError bumps the consecutive-error count for source and returns the
// updated count. A gap longer than the decay window restarts the count at 1.
func (b *Bus) TrackError(source string) int {
	now := time.Now()
	res := b.counters.Upsert(source, errorCounter{count: 1, last: now},
		func(exist bool, cur errorCounter, nv errorCounter) errorCounter {
			if !exist || now.Sub(cur.last) > b.decay {
				return nv
			}
			return errorCounter{count: cur.count + 1, last: now}
		})
	return res.count
}

// ErrorCount returns the current consecutive count for source, honoring the
// decay window, without bumping it.
func (b *Bus) ErrorCount(source string) int {
	c, ok := b.counters.Get(source)
	if !ok || time.Since(c.last) > b.decay {
		return 0
	}
	return c.count
}

// ResetError clears the counter for source, typically after a successful
// recovery.
func (b *Bus) ResetError(source string) {
	b.counters.Remove(source)
}

// ResetMatching clears every counter whose source starts with prefix and
// returns how many were cleared. An engine reset uses it to forget all
// agent-scoped errors at once.
func (b *Bus) ResetMatching(prefix string) int {
	var keys []string
	b.counters.IterCb(func(key string, _ errorCounter) {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	})
	for _, k := range keys {
		b.counters.Remove(k)
	}
	return len(keys)
}

// ReportAgentError tracks an agent failure and emits it, escalating from
// warning to critical once the consecutive count reaches the threshold.
// Source convention: "agent:<conversation-id>".
func (b *Bus) ReportAgentError(source, message string, data map[string]any) int {
	count := b.TrackError(source)
	typ := TypeWarning
	if count >= AgentCriticalThreshold {
		typ = TypeCritical
	}
	merged := map[string]any{"consecutiveErrors": count}
	for k, v := range data {
		merged[k] = v
	}
	b.Emit(typ, CategoryAgent, source, message, merged)
	return count
}

// ReportNetworkError tracks a network failure and emits it: critical for
// server-side failures (status >= 500) and refused connections, warning
// otherwise. Source convention: "service:<name>".
func (b *Bus) ReportNetworkError(source, message string, status int, err error) int {
	count := b.TrackError(source)
	typ := TypeWarning
	if status >= 500 || errors.Is(err, syscall.ECONNREFUSED) {
		typ = TypeCritical
	}
	data := map[string]any{"consecutiveErrors": count}
	if status > 0 {
		data["status"] = status
	}
	if err != nil {
		data["error"] = err.Error()
	}
	b.Emit(typ, CategoryNetwork, source, message, data)
	return count
}
