// Package event implements the in-process pub/sub bus: synchronous
// fan-out in subscriber priority order, dotted channel patterns with
// wildcards, and a bounded history ring that supports replay.
package event

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Event is one published occurrence on a dotted channel.
type Event struct {
	ID            string         `json:"id"`
	Channel       string         `json:"channel"`
	Type          string         `json:"type"`
	Timestamp     time.Time      `json:"timestamp"`
	AgentID       string         `json:"agent_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
}

// NewEvent builds an event with a fresh ULID and the current time.
// Callers that need deterministic ids or times set the fields
// directly.
func NewEvent(channel, eventType string, data map[string]any) Event {
	return Event{
		ID:        ulid.Make().String(),
		Channel:   channel,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Handler receives events synchronously during publish. A non-nil
// error is logged and does not affect other subscribers.
type Handler func(ev Event) error

// Filter decides per-event whether a subscriber receives it.
type Filter func(ev Event) bool

// SubscribeOptions tune one subscription.
type SubscribeOptions struct {
	// Priority orders delivery; higher values receive first.
	Priority int
	// Once removes the subscription after its first delivery.
	Once bool
	// Filter, when set, must return true for the event to be
	// delivered.
	Filter Filter
	// TypePattern, when set, restricts delivery to events whose Type
	// matches the pattern (same wildcard grammar as channels).
	TypePattern string
}

// PublishResult summarizes one fan-out.
type PublishResult struct {
	// Matched counts subscribers whose pattern and filter accepted
	// the event.
	Matched int
	// Delivered counts handlers that ran without error.
	Delivered int
	// Failed counts handlers that returned an error or panicked.
	Failed int
}

// HistoryQuery filters the bounded history ring.
type HistoryQuery struct {
	Channel string
	Type    string
	Since   time.Time
	Limit   int
}

// ReplayOptions select which retained events are re-delivered.
type ReplayOptions struct {
	Since time.Time
	Types []string
}
