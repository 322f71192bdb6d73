package event

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestPublish_PriorityOrder(t *testing.T) {
	b := NewBus()
	var order []string
	record := func(name string) Handler {
		return func(ev Event) error {
			order = append(order, name)
			return nil
		}
	}

	b.Subscribe("agent.*", record("low"), SubscribeOptions{Priority: 1})
	b.Subscribe("agent.*", record("high"), SubscribeOptions{Priority: 10})
	b.Subscribe("agent.*", record("mid"), SubscribeOptions{Priority: 5})

	res := b.Publish(NewEvent("agent.lifecycle", "agent.created", nil))
	if res.Delivered != 3 {
		t.Fatalf("Delivered = %d, want 3", res.Delivered)
	}
	want := []string{"high", "mid", "low"}
	for i, name := range want {
		if order[i] != name {
			t.Fatalf("delivery order = %v, want %v", order, want)
		}
	}
}

func TestPublish_OnceDeliversAtMostOne(t *testing.T) {
	b := NewBus()
	calls := 0
	id := b.Subscribe("agent.*", func(ev Event) error {
		calls++
		return nil
	}, SubscribeOptions{Once: true})

	b.Publish(NewEvent("agent.lifecycle", "agent.created", nil))
	b.Publish(NewEvent("agent.lifecycle", "agent.ready", nil))

	if calls != 1 {
		t.Errorf("handler called %d times, want 1", calls)
	}
	if b.Unsubscribe(id) {
		t.Error("Unsubscribe() = true for a spent once-subscriber, want already removed")
	}
}

func TestPublish_HandlerPanicIsolated(t *testing.T) {
	b := NewBus()
	b.Subscribe("x", func(ev Event) error { panic("boom") }, SubscribeOptions{Priority: 2})
	delivered := false
	b.Subscribe("x", func(ev Event) error {
		delivered = true
		return nil
	}, SubscribeOptions{Priority: 1})

	res := b.Publish(NewEvent("x", "t", nil))
	if !delivered {
		t.Error("second subscriber not reached after panic in first")
	}
	if res.Failed != 1 || res.Delivered != 1 {
		t.Errorf("result = %+v, want 1 failed and 1 delivered", res)
	}
}

func TestPublish_HandlerErrorCounted(t *testing.T) {
	b := NewBus()
	b.Subscribe("x", func(ev Event) error { return errors.New("nope") }, SubscribeOptions{})

	res := b.Publish(NewEvent("x", "t", nil))
	if res.Matched != 1 || res.Failed != 1 || res.Delivered != 0 {
		t.Errorf("result = %+v, want matched=1 failed=1 delivered=0", res)
	}
}

func TestPublish_FilterAndTypePattern(t *testing.T) {
	b := NewBus()
	got := 0
	b.Subscribe("agent.*", func(ev Event) error {
		got++
		return nil
	}, SubscribeOptions{
		TypePattern: "agent.error.*",
		Filter:      func(ev Event) bool { return ev.AgentID == "a1" },
	})

	evs := []Event{
		{Channel: "agent.lifecycle", Type: "agent.error.threshold", AgentID: "a1"},
		{Channel: "agent.lifecycle", Type: "agent.error.threshold", AgentID: "a2"},
		{Channel: "agent.lifecycle", Type: "agent.created", AgentID: "a1"},
	}
	for _, ev := range evs {
		b.Publish(ev)
	}
	if got != 1 {
		t.Errorf("handler called %d times, want 1", got)
	}
}

func TestUnsubscribeAll(t *testing.T) {
	b := NewBus()
	h := func(ev Event) error { return nil }
	b.Subscribe("agent.*", h, SubscribeOptions{})
	b.Subscribe("agent.*", h, SubscribeOptions{})
	b.Subscribe("session.*", h, SubscribeOptions{})

	if n := b.UnsubscribeAll("agent.*"); n != 2 {
		t.Errorf("UnsubscribeAll() = %d, want 2", n)
	}
	if n := b.SubscriberCount(); n != 1 {
		t.Errorf("SubscriberCount() = %d, want 1", n)
	}
}

func TestHistory_BoundedRing(t *testing.T) {
	b := NewBus(WithHistorySize(3))
	for i := 0; i < 5; i++ {
		b.Publish(Event{Channel: "c", Type: "t", Data: map[string]any{"n": i}})
	}
	got := b.History(HistoryQuery{Channel: "c"})
	if len(got) != 3 {
		t.Fatalf("History() returned %d events, want ring capacity 3", len(got))
	}
	if got[0].Data["n"] != 2 || got[2].Data["n"] != 4 {
		t.Errorf("ring kept %v..%v, want oldest=2 newest=4", got[0].Data["n"], got[2].Data["n"])
	}
}

func TestReplay_SinceAndOrder(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	now := base
	b := NewBus(WithClock(func() time.Time { return now }))

	b.Publish(Event{Channel: "agent.lifecycle", Type: "agent.created"})
	now = base.Add(time.Second)
	b.Publish(Event{Channel: "agent.lifecycle", Type: "agent.ready"})

	now = base.Add(2 * time.Second)
	var seen []string
	id := b.Subscribe("agent.lifecycle", func(ev Event) error {
		seen = append(seen, ev.Type)
		return nil
	}, SubscribeOptions{})

	n, err := b.Replay(id, ReplayOptions{Since: base.Add(-time.Second)})
	if err != nil {
		t.Fatalf("Replay error = %v", err)
	}
	if n != 2 {
		t.Errorf("Replay() = %d, want 2", n)
	}
	if len(seen) != 2 || seen[0] != "agent.created" || seen[1] != "agent.ready" {
		t.Errorf("replayed order = %v, want [agent.created agent.ready]", seen)
	}
}

func TestReplay_UnknownSubscription(t *testing.T) {
	b := NewBus()
	if _, err := b.Replay("missing", ReplayOptions{}); err == nil {
		t.Error("Replay() with unknown id succeeded, want error")
	}
}

func TestReplay_TypeFilter(t *testing.T) {
	b := NewBus()
	b.Publish(Event{Channel: "c", Type: "a"})
	b.Publish(Event{Channel: "c", Type: "b"})
	b.Publish(Event{Channel: "c", Type: "a"})

	count := 0
	id := b.Subscribe("c", func(ev Event) error {
		count++
		return nil
	}, SubscribeOptions{})

	n, err := b.Replay(id, ReplayOptions{Types: []string{"a"}})
	if err != nil {
		t.Fatalf("Replay error = %v", err)
	}
	if n != 2 || count != 2 {
		t.Errorf("Replay() = %d (handler ran %d), want 2", n, count)
	}
}

func TestReplay_OnceDeliversAtMostOne(t *testing.T) {
	b := NewBus()
	b.Publish(Event{Channel: "c", Type: "a"})
	b.Publish(Event{Channel: "c", Type: "a"})

	calls := 0
	id := b.Subscribe("c", func(ev Event) error {
		calls++
		return nil
	}, SubscribeOptions{Once: true})

	n, err := b.Replay(id, ReplayOptions{})
	if err != nil {
		t.Fatalf("Replay error = %v", err)
	}
	if n != 1 || calls != 1 {
		t.Errorf("Replay() = %d (handler ran %d), want 1 and 1", n, calls)
	}

	// Spent on replay: later publishes must not reach the handler and
	// the subscription is gone.
	b.Publish(Event{Channel: "c", Type: "a"})
	if calls != 1 {
		t.Errorf("handler ran %d times after retirement, want 1", calls)
	}
	if b.Unsubscribe(id) {
		t.Error("subscription still registered after a Once replay")
	}
}

func TestPublish_ConcurrentWithSubscribe(t *testing.T) {
	b := NewBus()
	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				id := b.Subscribe("c.*", func(ev Event) error { return nil }, SubscribeOptions{})
				b.Unsubscribe(id)
			}
		}
	}()

	for i := 0; i < 500; i++ {
		b.Publish(Event{Channel: "c.x", Type: "t"})
	}
	close(stop)
	wg.Wait()
}

func TestPublish_AssignsIDAndTimestamp(t *testing.T) {
	b := NewBus()
	var got Event
	b.Subscribe("c", func(ev Event) error {
		got = ev
		return nil
	}, SubscribeOptions{})

	b.Publish(Event{Channel: "c", Type: "t"})
	if got.ID == "" {
		t.Error("published event has empty id")
	}
	if got.Timestamp.IsZero() {
		t.Error("published event has zero timestamp")
	}
}

type captureForwarder struct {
	events []Event
}

func (f *captureForwarder) Forward(ev Event) error {
	f.events = append(f.events, ev)
	return nil
}

func TestPublish_Forwarder(t *testing.T) {
	fwd := &captureForwarder{}
	b := NewBus(WithForwarder(fwd))
	b.Publish(Event{Channel: "c", Type: "t"})
	if len(fwd.events) != 1 {
		t.Errorf("forwarder received %d events, want 1", len(fwd.events))
	}
}
