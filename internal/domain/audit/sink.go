package audit

import (
	"context"
	"errors"
	"time"
)

// Sink receives audit entries. Writes are best-effort; callers never
// fail an operation because its audit write failed.
type Sink interface {
	Write(ctx context.Context, entries ...Entry) error
	Close() error
}

// Query filters stored entries. Zero fields are ignored.
type Query struct {
	Actor  string
	Action string
	// Target matches either resource type or resource id.
	Target string
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}

// Querier is implemented by sinks that can read entries back,
// newest-first.
type Querier interface {
	Query(ctx context.Context, q Query) ([]Entry, error)
}

// Multi fans writes out to several sinks. A failing sink does not
// stop the others; the joined error is returned for logging.
type Multi struct {
	sinks []Sink
}

// NewMulti builds a fan-out sink. Nil members are skipped.
func NewMulti(sinks ...Sink) *Multi {
	out := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return &Multi{sinks: out}
}

func (m *Multi) Write(ctx context.Context, entries ...Entry) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Write(ctx, entries...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Query asks the first member that supports reads.
func (m *Multi) Query(ctx context.Context, q Query) ([]Entry, error) {
	for _, s := range m.sinks {
		if qr, ok := s.(Querier); ok {
			return qr.Query(ctx, q)
		}
	}
	return nil, errors.New("audit: no queryable sink configured")
}

// Matches reports whether an entry passes the query's filters, time
// bounds included. Used by in-memory and file-backed queriers.
func (q Query) Matches(e Entry) bool {
	if q.Actor != "" && e.Actor != q.Actor {
		return false
	}
	if q.Action != "" && e.Action != q.Action {
		return false
	}
	if q.Target != "" && e.ResourceType != q.Target && e.ResourceID != q.Target {
		return false
	}
	if !q.From.IsZero() && e.Timestamp.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && e.Timestamp.After(q.To) {
		return false
	}
	return true
}
