package audit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRedact_MasksSecretKeys(t *testing.T) {
	r := NewRedactor()
	got := r.Redact(map[string]any{
		"path":        "/tmp/x",
		"api_key":     "sk-123",
		"authToken":   "abc",
		"Password":    "hunter2",
		"permissions": []string{"filesystem.read"},
	})

	for _, k := range []string{"api_key", "authToken", "Password"} {
		if got[k] != "***REDACTED***" {
			t.Errorf("Redact() left %q = %v, want masked", k, got[k])
		}
	}
	if got["path"] != "/tmp/x" {
		t.Errorf("Redact() changed non-secret key: %v", got["path"])
	}
}

func TestRedact_Nested(t *testing.T) {
	r := NewRedactor()
	got := r.Redact(map[string]any{
		"request": map[string]any{"secret": "x", "host": "example.com"},
	})
	nested := got["request"].(map[string]any)
	if nested["secret"] != "***REDACTED***" {
		t.Error("nested secret not masked")
	}
	if nested["host"] != "example.com" {
		t.Error("nested non-secret changed")
	}
}

func TestRedact_ExtraKeywords(t *testing.T) {
	r := NewRedactor("session_cookie")
	got := r.Redact(map[string]any{"session_cookie": "c"})
	if got["session_cookie"] != "***REDACTED***" {
		t.Error("extra keyword not applied")
	}
}

func TestQuery_Matches(t *testing.T) {
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	e := Entry{
		Timestamp:    base,
		Actor:        "agent-1",
		Action:       ActionPolicyEvaluate,
		ResourceType: "file",
		ResourceID:   "/tmp/x",
	}

	tests := []struct {
		name string
		q    Query
		want bool
	}{
		{"empty matches", Query{}, true},
		{"actor match", Query{Actor: "agent-1"}, true},
		{"actor mismatch", Query{Actor: "agent-2"}, false},
		{"action match", Query{Action: ActionPolicyEvaluate}, true},
		{"target by type", Query{Target: "file"}, true},
		{"target by id", Query{Target: "/tmp/x"}, true},
		{"target mismatch", Query{Target: "network"}, false},
		{"from before", Query{From: base.Add(-time.Hour)}, true},
		{"from after", Query{From: base.Add(time.Hour)}, false},
		{"to before", Query{To: base.Add(-time.Hour)}, false},
	}
	for _, tt := range tests {
		if got := tt.q.Matches(e); got != tt.want {
			t.Errorf("%s: Matches() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

type memSink struct {
	entries []Entry
	err     error
}

func (s *memSink) Write(_ context.Context, entries ...Entry) error {
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, entries...)
	return nil
}

func (s *memSink) Close() error { return nil }

func TestRecorder_StampsAndRedacts(t *testing.T) {
	sink := &memSink{}
	r := NewRecorder(sink, nil, nil)

	r.Success(context.Background(), "system", ActionCapabilityGrant, "capability", "tok-1",
		map[string]any{"signature": "deadbeef", "category": "filesystem"})

	if len(sink.entries) != 1 {
		t.Fatalf("sink received %d entries, want 1", len(sink.entries))
	}
	e := sink.entries[0]
	if e.Timestamp.IsZero() {
		t.Error("entry timestamp not stamped")
	}
	if e.Outcome != OutcomeSuccess {
		t.Errorf("Outcome = %q, want success", e.Outcome)
	}
	if e.Details["signature"] != "***REDACTED***" {
		t.Error("signature detail not redacted")
	}
	if e.Details["category"] != "filesystem" {
		t.Error("non-secret detail changed")
	}
}

func TestRecorder_SinkErrorSwallowed(t *testing.T) {
	r := NewRecorder(&memSink{err: errors.New("disk full")}, nil, nil)
	// Must not panic or propagate.
	r.Failure(context.Background(), "system", ActionAgentSpawn, "agent", "a1", nil)
}

func TestMulti_FanOutAndQuery(t *testing.T) {
	a, b := &memSink{}, &memSink{}
	m := NewMulti(a, nil, b)

	if err := m.Write(context.Background(), Entry{Action: "x"}); err != nil {
		t.Fatalf("Write error = %v", err)
	}
	if len(a.entries) != 1 || len(b.entries) != 1 {
		t.Errorf("fan-out wrote %d/%d, want 1/1", len(a.entries), len(b.entries))
	}

	if _, err := m.Query(context.Background(), Query{}); err == nil {
		t.Error("Query() with no queryable sink succeeded, want error")
	}
}

func TestMulti_PartialFailure(t *testing.T) {
	ok, bad := &memSink{}, &memSink{err: errors.New("down")}
	m := NewMulti(bad, ok)

	err := m.Write(context.Background(), Entry{Action: "x"})
	if err == nil {
		t.Fatal("Write() = nil, want joined error")
	}
	if len(ok.entries) != 1 {
		t.Error("healthy sink skipped after failing sink")
	}
}
