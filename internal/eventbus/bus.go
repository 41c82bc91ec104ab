package eventbus

import (
	"context"
	"maps"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	logx "triggerd/pkg/logx"
)

// Wildcard matches every event name.
const Wildcard = "*"

// DefaultCapacity is the subscription buffer used when the caller passes <= 0.
const DefaultCapacity = 100

// Event is an immutable, in-memory signal used to decouple jobs.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers receive from bounded channels.
//   - Slow subscribers drop events (at-most-once, lossy under pressure).
//
// Each subscriber receives its own shallow copy of Payload.
type Event struct {
	Name    string
	Payload map[string]any
	Origin  string
	Time    time.Time
}

// Stats is a best-effort view of bus activity.
type Stats struct {
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Delivered   uint64 `json:"delivered"`
	Dropped     uint64 `json:"dropped"`
}

type Option func(*Bus)

func WithLogger(log logx.Logger) Option {
	return func(b *Bus) { b.log = log }
}

// WithDropLogRate limits how many "event dropped" warnings are written per second.
// Drops are always counted; only the log line is rate limited.
func WithDropLogRate(perSec int) Option {
	return func(b *Bus) {
		if perSec <= 0 {
			perSec = 1
		}
		b.dropLog = rate.NewLimiter(rate.Limit(perSec), perSec)
	}
}

// Bus is an in-process fanout router.
//
// It does not own any background goroutines.
type Bus struct {
	mu   sync.Mutex
	subs map[uint64]*Subscription
	seq  atomic.Uint64

	log     logx.Logger
	dropLog *rate.Limiter

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

func New(opts ...Option) *Bus {
	b := &Bus{
		subs:    map[uint64]*Subscription{},
		dropLog: rate.NewLimiter(rate.Limit(5), 5),
	}
	for _, o := range opts {
		o(b)
	}
	if b.log.IsZero() {
		b.log = logx.Nop()
	}
	return b
}

// Subscribe registers a subscription for the given event names (exact names
// or Wildcard). If origins is non-empty, only events whose Origin is in the
// set are delivered.
//
// The subscription only observes events published after Subscribe returns.
// Callers must Close it when done.
func (b *Bus) Subscribe(names []string, origins []string, capacity int) *Subscription {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	sub := &Subscription{
		bus:   b,
		id:    b.seq.Add(1),
		names: map[string]struct{}{},
		ch:    make(chan Event, capacity),
	}
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if n == Wildcard {
			sub.wildcard = true
			continue
		}
		sub.names[n] = struct{}{}
	}
	if len(origins) > 0 {
		sub.origins = make(map[string]struct{}, len(origins))
		for _, o := range origins {
			sub.origins[o] = struct{}{}
		}
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub
}

// Publish delivers a system event (no origin). It returns the number of
// subscriptions that accepted the event.
func (b *Bus) Publish(name string, payload map[string]any) int {
	return b.PublishFrom("", name, payload)
}

// PublishFrom delivers an event carrying origin to every matching subscription.
// It never blocks: a full subscription buffer drops that one delivery.
func (b *Bus) PublishFrom(origin, name string, payload map[string]any) int {
	e := Event{
		Name:    name,
		Payload: payload,
		Origin:  origin,
		Time:    time.Now().UTC(),
	}
	b.published.Add(1)

	// Snapshot matches so delivery doesn't hold the lock.
	b.mu.Lock()
	matched := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.matches(e) {
			matched = append(matched, sub)
		}
	}
	b.mu.Unlock()

	delivered := 0
	for _, sub := range matched {
		cp := e
		cp.Payload = maps.Clone(e.Payload)
		accepted, dropped := sub.deliver(cp)
		if accepted {
			delivered++
		}
		if !dropped {
			continue
		}
		b.dropped.Add(1)
		if b.dropLog.Allow() {
			b.log.Warn("event dropped (subscriber queue full)",
				logx.String("event", name),
				logx.Uint64("sub_id", sub.id),
				logx.Int("queue_cap", cap(sub.ch)),
				logx.Uint64("sub_dropped", sub.dropped.Load()),
			)
		}
	}
	b.delivered.Add(uint64(delivered))
	b.log.Trace("event published", logx.String("event", name), logx.String("origin", origin), logx.Int("delivered", delivered))
	return delivered
}

// WaitFor returns the first event matching names/origins published after the
// call, or false if ctx ends or timeout (when > 0) elapses first.
func (b *Bus) WaitFor(ctx context.Context, names []string, origins []string, timeout time.Duration) (Event, bool) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	sub := b.Subscribe(names, origins, 1)
	defer sub.Close()

	e, err := sub.Next(ctx)
	if err != nil {
		return Event{}, false
	}
	return e, true
}

// Emitter returns a publisher that fills in origin on every event.
func (b *Bus) Emitter(origin string) *Emitter {
	return &Emitter{bus: b, origin: origin}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Bus) Stats() Stats {
	return Stats{
		Subscribers: b.SubscriberCount(),
		Published:   b.published.Load(),
		Delivered:   b.delivered.Load(),
		Dropped:     b.dropped.Load(),
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Emitter is a thin publisher bound to one origin id.
type Emitter struct {
	bus    *Bus
	origin string
}

func (e *Emitter) Origin() string { return e.origin }

func (e *Emitter) Publish(name string, payload map[string]any) int {
	return e.bus.PublishFrom(e.origin, name, payload)
}
