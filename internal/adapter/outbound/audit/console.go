// Package audit provides the concrete audit sinks: a structured
// console sink, a rotating JSON Lines file store with an async write
// queue, and a durable SQLite store.
package audit

import (
	"context"
	"log/slog"

	"github.com/Agent-Gate/agentgate/internal/domain/audit"
)

// ConsoleSink emits one structured log line per entry.
type ConsoleSink struct {
	logger *slog.Logger
}

// NewConsoleSink wires a console sink onto the given logger.
func NewConsoleSink(logger *slog.Logger) *ConsoleSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConsoleSink{logger: logger}
}

func (s *ConsoleSink) Write(_ context.Context, entries ...audit.Entry) error {
	for _, e := range entries {
		s.logger.Info("audit",
			"actor", e.Actor,
			"action", e.Action,
			"resource_type", e.ResourceType,
			"resource_id", e.ResourceID,
			"outcome", e.Outcome,
			"details", e.Details)
	}
	return nil
}

func (s *ConsoleSink) Close() error { return nil }

var _ audit.Sink = (*ConsoleSink)(nil)
