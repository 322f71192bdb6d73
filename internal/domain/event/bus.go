package event

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// DefaultHistorySize bounds the retained event ring.
const DefaultHistorySize = 1000

// Forwarder pushes events to an external transport in addition to
// in-process delivery. Used by the cluster layer; nil means local
// only.
type Forwarder interface {
	Forward(ev Event) error
}

type subscription struct {
	id      string
	pattern string
	handler Handler
	opts    SubscribeOptions
	fired   atomic.Bool // set once a Once subscriber has delivered
}

// Bus is the in-process event bus. The subscriber set is copy-on-write
// so publish reads it without holding the registration lock; delivery
// itself is synchronous and ordered by descending priority.
type Bus struct {
	subs   atomic.Pointer[[]*subscription]
	logger *slog.Logger
	fwd    Forwarder
	clock  func() time.Time

	mu      sync.Mutex // guards registration and the history ring
	ring    []Event
	ringCap int
	head    int // next write position
	count   int
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used for handler failures.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// WithHistorySize overrides the history ring capacity.
func WithHistorySize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.ringCap = n
		}
	}
}

// WithForwarder attaches an external transport.
func WithForwarder(f Forwarder) Option {
	return func(b *Bus) { b.fwd = f }
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.clock = now }
}

// NewBus creates a bus with an empty subscriber set.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		logger:  slog.Default(),
		ringCap: DefaultHistorySize,
		clock:   time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	b.ring = make([]Event, b.ringCap)
	empty := make([]*subscription, 0)
	b.subs.Store(&empty)
	return b
}

// Subscribe registers a handler for channels matching pattern and
// returns the subscription id.
func (b *Bus) Subscribe(pattern string, handler Handler, opts SubscribeOptions) string {
	sub := &subscription{
		id:      uuid.NewString(),
		pattern: pattern,
		handler: handler,
		opts:    opts,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	cur := *b.subs.Load()
	next := make([]*subscription, 0, len(cur)+1)
	next = append(next, cur...)
	next = append(next, sub)
	sort.SliceStable(next, func(i, j int) bool {
		return next[i].opts.Priority > next[j].opts.Priority
	})
	b.subs.Store(&next)
	return sub.id
}

// Unsubscribe removes one subscription. Returns false if the id is
// unknown.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removeLocked(func(s *subscription) bool { return s.id == id }) > 0
}

// UnsubscribeAll removes every subscription registered with exactly
// the given pattern and returns how many were removed.
func (b *Bus) UnsubscribeAll(pattern string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removeLocked(func(s *subscription) bool { return s.pattern == pattern })
}

// removeLocked rebuilds the subscriber slice without entries matching
// drop. Caller holds b.mu.
func (b *Bus) removeLocked(drop func(*subscription) bool) int {
	cur := *b.subs.Load()
	next := make([]*subscription, 0, len(cur))
	removed := 0
	for _, s := range cur {
		if drop(s) {
			removed++
			continue
		}
		next = append(next, s)
	}
	if removed > 0 {
		b.subs.Store(&next)
	}
	return removed
}

// Publish fans the event out to matching subscribers synchronously, in
// descending priority order, then records it in history. A handler
// error or panic is logged and never affects other subscribers.
func (b *Bus) Publish(ev Event) PublishResult {
	if ev.ID == "" {
		ev.ID = ulid.Make().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.clock().UTC()
	}

	var res PublishResult
	var fired []string
	for _, sub := range *b.subs.Load() {
		if !b.accepts(sub, ev) {
			continue
		}
		if sub.opts.Once && !sub.fired.CompareAndSwap(false, true) {
			continue
		}
		res.Matched++
		if b.deliver(sub, ev) {
			res.Delivered++
		} else {
			res.Failed++
		}
		if sub.opts.Once {
			fired = append(fired, sub.id)
		}
	}

	b.mu.Lock()
	if len(fired) > 0 {
		spent := make(map[string]struct{}, len(fired))
		for _, id := range fired {
			spent[id] = struct{}{}
		}
		b.removeLocked(func(s *subscription) bool {
			_, ok := spent[s.id]
			return ok
		})
	}
	b.recordLocked(ev)
	b.mu.Unlock()

	if b.fwd != nil {
		if err := b.fwd.Forward(ev); err != nil {
			b.logger.Warn("event forward failed",
				"channel", ev.Channel,
				"event_type", ev.Type,
				"error", err)
		}
	}
	return res
}

func (b *Bus) accepts(sub *subscription, ev Event) bool {
	if !MatchChannel(sub.pattern, ev.Channel) {
		return false
	}
	if tp := sub.opts.TypePattern; tp != "" && !MatchChannel(tp, ev.Type) {
		return false
	}
	if sub.opts.Filter != nil && !sub.opts.Filter(ev) {
		return false
	}
	return true
}

func (b *Bus) deliver(sub *subscription, ev Event) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			b.logger.Error("event handler panicked",
				"subscription_id", sub.id,
				"channel", ev.Channel,
				"event_type", ev.Type,
				"panic", fmt.Sprintf("%v", r))
		}
	}()
	if err := sub.handler(ev); err != nil {
		b.logger.Warn("event handler failed",
			"subscription_id", sub.id,
			"channel", ev.Channel,
			"event_type", ev.Type,
			"error", err)
		return false
	}
	return true
}

// recordLocked appends ev to the ring, evicting the oldest entry when
// full. Caller holds b.mu.
func (b *Bus) recordLocked(ev Event) {
	b.ring[b.head] = ev
	b.head = (b.head + 1) % b.ringCap
	if b.count < b.ringCap {
		b.count++
	}
}

// snapshotLocked returns retained events oldest-first. Caller holds
// b.mu.
func (b *Bus) snapshotLocked() []Event {
	out := make([]Event, 0, b.count)
	start := b.head - b.count
	if start < 0 {
		start += b.ringCap
	}
	for i := 0; i < b.count; i++ {
		out = append(out, b.ring[(start+i)%b.ringCap])
	}
	return out
}

// History returns retained events matching the query, oldest-first.
func (b *Bus) History(q HistoryQuery) []Event {
	b.mu.Lock()
	all := b.snapshotLocked()
	b.mu.Unlock()

	out := make([]Event, 0, len(all))
	for _, ev := range all {
		if q.Channel != "" && !MatchChannel(q.Channel, ev.Channel) {
			continue
		}
		if q.Type != "" && ev.Type != q.Type {
			continue
		}
		if !q.Since.IsZero() && ev.Timestamp.Before(q.Since) {
			continue
		}
		out = append(out, ev)
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out
}

// Replay re-delivers retained events matching the subscription's
// pattern (and the replay options) to that subscription's handler, in
// original publish order. Returns the number of events delivered. A
// Once subscriber receives at most one replayed event and retires,
// exactly as it would on publish.
func (b *Bus) Replay(subscriptionID string, opts ReplayOptions) (int, error) {
	var sub *subscription
	for _, s := range *b.subs.Load() {
		if s.id == subscriptionID {
			sub = s
			break
		}
	}
	if sub == nil {
		return 0, fmt.Errorf("replay: unknown subscription %q", subscriptionID)
	}

	var types map[string]struct{}
	if len(opts.Types) > 0 {
		types = make(map[string]struct{}, len(opts.Types))
		for _, t := range opts.Types {
			types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	all := b.snapshotLocked()
	b.mu.Unlock()

	delivered := 0
	spent := false
	for _, ev := range all {
		if !opts.Since.IsZero() && ev.Timestamp.Before(opts.Since) {
			continue
		}
		if types != nil {
			if _, ok := types[ev.Type]; !ok {
				continue
			}
		}
		if !b.accepts(sub, ev) {
			continue
		}
		if sub.opts.Once {
			if !sub.fired.CompareAndSwap(false, true) {
				break
			}
			spent = true
		}
		if b.deliver(sub, ev) {
			delivered++
		}
		if spent {
			break
		}
	}
	if spent {
		b.Unsubscribe(sub.id)
	}
	return delivered, nil
}

// SubscriberCount returns the current subscriber set size.
func (b *Bus) SubscriberCount() int {
	return len(*b.subs.Load())
}
