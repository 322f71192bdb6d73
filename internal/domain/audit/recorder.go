package audit

import (
	"context"
	"log/slog"
	"time"
)

// Recorder is the write-side facade used across services: it stamps,
// redacts, and forwards entries to the configured sink, logging (but
// never propagating) sink failures.
type Recorder struct {
	sink     Sink
	redactor *Redactor
	logger   *slog.Logger
	clock    func() time.Time
}

// NewRecorder wires a recorder. A nil redactor uses the default
// keyword set.
func NewRecorder(sink Sink, redactor *Redactor, logger *slog.Logger) *Recorder {
	if redactor == nil {
		redactor = NewRedactor()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{sink: sink, redactor: redactor, logger: logger, clock: time.Now}
}

// Record redacts and persists one entry. Best-effort: a sink error is
// logged and swallowed.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	if r == nil || r.sink == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = r.clock().UTC()
	}
	e.Details = r.redactor.Redact(e.Details)
	if err := r.sink.Write(ctx, e); err != nil {
		r.logger.Warn("audit write failed",
			"action", e.Action,
			"resource_type", e.ResourceType,
			"error", err)
	}
}

// Success records a success-outcome entry.
func (r *Recorder) Success(ctx context.Context, actor, action, resourceType, resourceID string, details map[string]any) {
	r.Record(ctx, Entry{
		Actor:        actor,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Outcome:      OutcomeSuccess,
		Details:      details,
	})
}

// Failure records a failure-outcome entry.
func (r *Recorder) Failure(ctx context.Context, actor, action, resourceType, resourceID string, details map[string]any) {
	r.Record(ctx, Entry{
		Actor:        actor,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Outcome:      OutcomeFailure,
		Details:      details,
	})
}
