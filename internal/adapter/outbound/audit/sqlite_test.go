package audit

import (
	"context"
	"testing"
	"time"

	"github.com/Agent-Gate/agentgate/internal/domain/audit"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_WriteAndQuery(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	err := s.Write(ctx,
		audit.Entry{Timestamp: base, Actor: "agent-1", Action: "evaluate.operation",
			ResourceType: "file", ResourceID: "/tmp/x", Outcome: audit.OutcomeSuccess,
			Details: map[string]any{"decision": "allow"}},
		audit.Entry{Timestamp: base.Add(time.Second), Actor: "agent-2", Action: "spawn.agent",
			ResourceType: "agent", ResourceID: "a2", Outcome: audit.OutcomeFailure},
	)
	if err != nil {
		t.Fatalf("Write error = %v", err)
	}

	got, err := s.Query(ctx, audit.Query{})
	if err != nil {
		t.Fatalf("Query error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Query returned %d entries, want 2", len(got))
	}
	if got[0].Actor != "agent-2" {
		t.Errorf("first entry actor = %q, want newest-first order", got[0].Actor)
	}
	if got[1].Details["decision"] != "allow" {
		t.Errorf("details round trip = %v", got[1].Details)
	}
}

func TestSQLiteStore_Filters(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	for i, actor := range []string{"a", "b", "a"} {
		e := audit.Entry{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Actor:     actor, Action: "evaluate.operation",
			ResourceType: "file", ResourceID: "/tmp/x", Outcome: audit.OutcomeSuccess,
		}
		if err := s.Write(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	byActor, err := s.Query(ctx, audit.Query{Actor: "a"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byActor) != 2 {
		t.Errorf("actor filter returned %d, want 2", len(byActor))
	}

	byTarget, err := s.Query(ctx, audit.Query{Target: "/tmp/x"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byTarget) != 3 {
		t.Errorf("target filter returned %d, want 3", len(byTarget))
	}

	windowed, err := s.Query(ctx, audit.Query{From: base.Add(30 * time.Second), To: base.Add(90 * time.Second)})
	if err != nil {
		t.Fatal(err)
	}
	if len(windowed) != 1 {
		t.Errorf("time window returned %d, want 1", len(windowed))
	}

	paged, err := s.Query(ctx, audit.Query{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(paged) != 1 || paged[0].Actor != "b" {
		t.Errorf("limit/offset page = %+v", paged)
	}
}
