package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/Agent-Gate/agentgate/internal/domain/agent"
	"github.com/Agent-Gate/agentgate/internal/domain/audit"
	"github.com/Agent-Gate/agentgate/internal/domain/capability"
	"github.com/Agent-Gate/agentgate/internal/domain/event"
	"github.com/Agent-Gate/agentgate/internal/domain/policy"
)

func newTestService(t *testing.T) (*AgentService, *event.Bus, *capability.Manager) {
	t.Helper()
	caps, err := capability.NewManager([][]byte{[]byte("test-secret-0123456789abcdef0123")})
	if err != nil {
		t.Fatalf("NewManager error = %v", err)
	}
	bus := event.NewBus()
	svc := NewAgentService(AgentServiceConfig{
		Capabilities: caps,
		Bus:          bus,
		Stats:        NewStatsService(),
		NodeID:       "node-1",
	})
	return svc, bus, caps
}

func TestSpawn_GrantsAndPublishes(t *testing.T) {
	svc, bus, caps := newTestService(t)

	var created []event.Event
	bus.Subscribe(agent.ChannelLifecycle, func(ev event.Event) error {
		if ev.Type == "agent.created" {
			created = append(created, ev)
		}
		return nil
	}, event.SubscribeOptions{})

	entry, err := svc.Spawn(context.Background(), agent.Manifest{
		ID:          "demo",
		Name:        "Demo",
		Permissions: []string{"filesystem.read:/tmp"},
	})
	if err != nil {
		t.Fatalf("Spawn error = %v", err)
	}
	if entry.ID == "" || entry.ExternalID != "demo" || entry.NodeID != "node-1" {
		t.Errorf("entry = %+v", entry)
	}
	if entry.State != agent.StateReady {
		t.Errorf("state = %s, want ready", entry.State)
	}
	if entry.PermissionTokenID == "" {
		t.Error("no permission token issued")
	}

	check := caps.Check(entry.ID, capability.CategoryFilesystem, "read", "/tmp/sub/file.txt")
	if !check.Allowed {
		t.Errorf("granted permission not usable: %+v", check)
	}
	if len(created) != 1 {
		t.Errorf("agent.created events = %d, want 1", len(created))
	}
}

func TestSpawn_InvalidManifest(t *testing.T) {
	svc, _, _ := newTestService(t)

	if _, err := svc.Spawn(context.Background(), agent.Manifest{Name: "no id"}); !errors.Is(err, ErrInvalidManifest) {
		t.Errorf("Spawn without id error = %v", err)
	}
	if _, err := svc.Spawn(context.Background(), agent.Manifest{
		ID: "x", Name: "X", Permissions: []string{"notaperm"},
	}); !errors.Is(err, ErrInvalidManifest) {
		t.Errorf("Spawn with malformed permission error = %v", err)
	}
	if _, err := svc.Spawn(context.Background(), agent.Manifest{
		ID: "x", Name: "X", Permissions: []string{"badcat.read"},
	}); !errors.Is(err, ErrInvalidManifest) {
		t.Errorf("Spawn with unknown category error = %v", err)
	}
}

func TestTerminate_FullTeardown(t *testing.T) {
	svc, bus, caps := newTestService(t)

	var terminated int
	bus.Subscribe(agent.ChannelLifecycle, func(ev event.Event) error {
		if ev.Type == "agent.terminated" {
			terminated++
		}
		return nil
	}, event.SubscribeOptions{})

	entry, err := svc.Spawn(context.Background(), agent.Manifest{
		ID: "demo", Name: "Demo", Permissions: []string{"filesystem.read:/tmp"},
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.Terminate(context.Background(), entry.ID); err != nil {
		t.Fatalf("Terminate error = %v", err)
	}
	if terminated != 1 {
		t.Errorf("agent.terminated events = %d, want 1", terminated)
	}
	if _, err := svc.Status(entry.ID); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("Status after terminate error = %v, want not found", err)
	}
	if got := caps.Check(entry.ID, capability.CategoryFilesystem, "read", "/tmp/x"); got.Allowed {
		t.Error("capability survives termination")
	}
}

func TestTerminate_UnknownAgent(t *testing.T) {
	svc, _, _ := newTestService(t)
	if err := svc.Terminate(context.Background(), "ghost"); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("Terminate unknown error = %v", err)
	}
}

func TestStatus_ByExternalID(t *testing.T) {
	svc, _, _ := newTestService(t)
	entry, err := svc.Spawn(context.Background(), agent.Manifest{ID: "ext-1", Name: "E"})
	if err != nil {
		t.Fatal(err)
	}
	got, err := svc.Status("ext-1")
	if err != nil {
		t.Fatalf("Status by external id error = %v", err)
	}
	if got.ID != entry.ID {
		t.Errorf("Status returned %q, want %q", got.ID, entry.ID)
	}
}

func TestTask_GatewayHandledSet(t *testing.T) {
	svc, bus, _ := newTestService(t)
	entry, err := svc.Spawn(context.Background(), agent.Manifest{ID: "g", Name: "G"})
	if err != nil {
		t.Fatal(err)
	}

	emitted := 0
	bus.Subscribe("custom.*", func(ev event.Event) error {
		emitted++
		return nil
	}, event.SubscribeOptions{})

	res, err := svc.Task(context.Background(), entry.ID, "event.emit",
		[]byte(`{"channel":"custom.metrics","type":"tick","data":{"n":1}}`))
	if err != nil {
		t.Fatalf("Task error = %v", err)
	}
	if !res.Success || res.Handled != "gateway" {
		t.Errorf("result = %+v", res)
	}
	if emitted != 1 {
		t.Errorf("event.emit published %d events, want 1", emitted)
	}

	dir, err := svc.Task(context.Background(), entry.ID, "directory.agents", nil)
	if err != nil {
		t.Fatal(err)
	}
	if agents, ok := dir.Result.([]agent.Entry); !ok || len(agents) != 1 {
		t.Errorf("directory result = %#v", dir.Result)
	}
}

func TestTask_ErrorThresholdTransitionsAgent(t *testing.T) {
	caps, _ := capability.NewManager([][]byte{[]byte("test-secret-0123456789abcdef0123")})
	bus := event.NewBus()
	svc := NewAgentService(AgentServiceConfig{
		Capabilities:   caps,
		Bus:            bus,
		ErrorThreshold: 2,
	})

	alerts := 0
	bus.Subscribe("alerts", func(ev event.Event) error {
		alerts++
		return nil
	}, event.SubscribeOptions{})

	entry, err := svc.Spawn(context.Background(), agent.Manifest{ID: "bad", Name: "Bad"})
	if err != nil {
		t.Fatal(err)
	}
	stored, _ := svc.store.Get(entry.ID)

	// Drive failures directly through the counter path.
	machine, _ := svc.machines.get(entry.ID)
	machine.Apply(agent.EventStart, "")
	svc.recordTaskFailure(stored, "boom")
	svc.recordTaskFailure(stored, "boom")

	if machine.State() != agent.StateError {
		t.Errorf("state = %s after threshold, want error", machine.State())
	}
	if alerts != 1 {
		t.Errorf("alerts events = %d, want 1", alerts)
	}
}

// trailSink collects audit entries for assertions.
type trailSink struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (s *trailSink) Write(_ context.Context, entries ...audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entries...)
	return nil
}

func (s *trailSink) Close() error { return nil }

func (s *trailSink) byAction(action string) []audit.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []audit.Entry
	for _, e := range s.entries {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

func mustLoadRules(t *testing.T, e *policy.Engine, rs policy.RuleSet) {
	t.Helper()
	if err := e.Load(rs); err != nil {
		t.Fatalf("Load error = %v", err)
	}
}

func newGuardedService(t *testing.T, rs policy.RuleSet) (*AgentService, *trailSink, *capability.Manager) {
	t.Helper()
	caps, err := capability.NewManager([][]byte{[]byte("test-secret-0123456789abcdef0123")})
	if err != nil {
		t.Fatalf("NewManager error = %v", err)
	}
	engine := policy.NewEngine()
	mustLoadRules(t, engine, rs)
	sink := &trailSink{}
	svc := NewAgentService(AgentServiceConfig{
		Capabilities: caps,
		Policy:       engine,
		Bus:          event.NewBus(),
		Audit:        audit.NewRecorder(sink, nil, nil),
		Stats:        NewStatsService(),
	})
	return svc, sink, caps
}

func TestTask_ToolCallBlockedByPolicy(t *testing.T) {
	svc, sink, _ := newGuardedService(t, policy.RuleSet{
		File: policy.FileRuleList{
			Default: policy.DecisionAllow,
			Rules:   []policy.FileRule{{ID: "ssh", Pattern: "**/.ssh/**", Decision: policy.DecisionBlock}},
		},
		Shell: policy.ShellRuleList{Default: policy.DecisionAllow},
	})

	entry, err := svc.Spawn(context.Background(), agent.Manifest{
		ID: "reader", Name: "Reader", Permissions: []string{"filesystem.read:/tmp"},
	})
	if err != nil {
		t.Fatal(err)
	}

	res, err := svc.Task(context.Background(), entry.ID, "tool_call",
		[]byte(`{"tool":"bash","command":"cat /home/user/.ssh/id_rsa"}`))
	if err != nil {
		t.Fatalf("Task error = %v", err)
	}
	if res.Success {
		t.Fatal("tool call against a blocked path succeeded")
	}
	if !strings.HasPrefix(res.Error, "Tool denied:") || !strings.Contains(res.Error, ".ssh") {
		t.Errorf("Error = %q, want denial naming the blocked pattern", res.Error)
	}
	denied := sink.byAction(audit.ActionToolDenied)
	if len(denied) != 1 {
		t.Fatalf("deny.tool entries = %d, want 1", len(denied))
	}
	if denied[0].Actor != entry.ID || denied[0].Outcome != audit.OutcomeFailure {
		t.Errorf("deny entry = %+v", denied[0])
	}
}

func TestTask_ToolCallDeniedByCapability(t *testing.T) {
	svc, sink, _ := newGuardedService(t, policy.RuleSet{
		File:  policy.FileRuleList{Default: policy.DecisionAllow},
		Shell: policy.ShellRuleList{Default: policy.DecisionAllow},
	})

	entry, err := svc.Spawn(context.Background(), agent.Manifest{
		ID: "reader", Name: "Reader", Permissions: []string{"filesystem.read:/tmp"},
	})
	if err != nil {
		t.Fatal(err)
	}

	res, err := svc.Task(context.Background(), entry.ID, "tool_call",
		[]byte(`{"tool":"file_read","path":"/etc/passwd"}`))
	if err != nil {
		t.Fatalf("Task error = %v", err)
	}
	if res.Success {
		t.Fatal("read outside the granted resource succeeded")
	}
	if !strings.HasPrefix(res.Error, "Tool denied:") {
		t.Errorf("Error = %q, want capability denial", res.Error)
	}
	if got := sink.byAction(audit.ActionToolDenied); len(got) != 1 {
		t.Errorf("deny.tool entries = %d, want 1", len(got))
	}
}

func TestTask_ToolCallAllowedIsAudited(t *testing.T) {
	svc, sink, _ := newGuardedService(t, policy.RuleSet{
		File:  policy.FileRuleList{Default: policy.DecisionAllow},
		Shell: policy.ShellRuleList{Default: policy.DecisionAllow},
	})

	entry, err := svc.Spawn(context.Background(), agent.Manifest{
		ID: "tmp", Name: "Tmp", Permissions: []string{"filesystem.read:/tmp"},
	})
	if err != nil {
		t.Fatal(err)
	}

	res, err := svc.Task(context.Background(), entry.ID, "tool_call",
		[]byte(`{"tool":"file_read","path":"/tmp/notes.txt"}`))
	if err != nil {
		t.Fatalf("Task error = %v", err)
	}
	// The guard passed; without a worker the execution itself still
	// fails, but never as a denial.
	if strings.HasPrefix(res.Error, "Tool denied:") {
		t.Errorf("Error = %q, allowed call reported as denied", res.Error)
	}
	if got := sink.byAction(audit.ActionToolAllowed); len(got) != 1 {
		t.Errorf("allow.tool entries = %d, want 1", len(got))
	}
	if got := sink.byAction(audit.ActionToolDenied); len(got) != 0 {
		t.Errorf("deny.tool entries = %d, want 0", len(got))
	}
}

func TestTask_UnsupportedTypeFails(t *testing.T) {
	svc, _, _ := newTestService(t)
	entry, err := svc.Spawn(context.Background(), agent.Manifest{ID: "u", Name: "U"})
	if err != nil {
		t.Fatal(err)
	}

	res, err := svc.Task(context.Background(), entry.ID, "make_coffee", nil)
	if err != nil {
		t.Fatalf("Task error = %v", err)
	}
	if res.Success {
		t.Error("unknown task type reported success")
	}
	if !strings.Contains(res.Error, "unsupported task type") {
		t.Errorf("Error = %q, want unsupported task type", res.Error)
	}
}

func TestSpawn_RequiresValidSignature(t *testing.T) {
	secret := []byte("manifest-secret-0123456789abcdef")
	caps, _ := capability.NewManager([][]byte{[]byte("test-secret-0123456789abcdef0123")})
	svc := NewAgentService(AgentServiceConfig{
		Capabilities:           caps,
		Bus:                    event.NewBus(),
		RequireSignedManifests: true,
		ManifestSecrets:        [][]byte{secret},
	})

	m := agent.Manifest{ID: "signed", Name: "Signed", TrustLevel: "trusted"}

	if _, err := svc.Spawn(context.Background(), m); !errors.Is(err, ErrInvalidManifest) {
		t.Errorf("unsigned manifest error = %v, want invalid manifest", err)
	}

	m.Signature = agent.SignManifest(m, secret)
	entry, err := svc.Spawn(context.Background(), m)
	if err != nil {
		t.Fatalf("signed Spawn error = %v", err)
	}
	if entry.TrustLevel != "trusted" {
		t.Errorf("trust level = %q", entry.TrustLevel)
	}

	tampered := m
	tampered.ID = "signed-2"
	tampered.TrustLevel = "system"
	if _, err := svc.Spawn(context.Background(), tampered); !errors.Is(err, ErrInvalidManifest) {
		t.Errorf("tampered manifest error = %v, want invalid manifest", err)
	}
}

func TestVerifyManifest_SecretRotation(t *testing.T) {
	oldSecret := []byte("old-secret-0123456789abcdef01234")
	newSecret := []byte("new-secret-0123456789abcdef01234")
	m := agent.Manifest{ID: "r", Name: "R"}
	m.Signature = agent.SignManifest(m, oldSecret)

	if !agent.VerifyManifest(m, [][]byte{newSecret, oldSecret}) {
		t.Error("signature under a previous secret rejected")
	}
	if agent.VerifyManifest(m, [][]byte{newSecret}) {
		t.Error("signature verified without its secret")
	}
	if agent.VerifyManifest(agent.Manifest{ID: "r", Name: "R"}, [][]byte{oldSecret}) {
		t.Error("empty signature verified")
	}
}

func TestSpawn_CarriesManifestInventory(t *testing.T) {
	svc, _, _ := newTestService(t)
	entry, err := svc.Spawn(context.Background(), agent.Manifest{
		ID:           "inv",
		Name:         "Inventory",
		Capabilities: []string{"code-review"},
		MCPServers:   []string{"github"},
		A2ASkills:    []string{"summarize"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(entry.Capabilities) != 1 || entry.Capabilities[0] != "code-review" {
		t.Errorf("capabilities = %v", entry.Capabilities)
	}
	if len(entry.MCPServers) != 1 || entry.MCPServers[0] != "github" {
		t.Errorf("mcp servers = %v", entry.MCPServers)
	}
	if len(entry.A2ASkills) != 1 || entry.A2ASkills[0] != "summarize" {
		t.Errorf("a2a skills = %v", entry.A2ASkills)
	}
}

func TestParsePermissions(t *testing.T) {
	perms, err := parsePermissions([]string{"filesystem.read:/workspace", "network.request"})
	if err != nil {
		t.Fatalf("parsePermissions error = %v", err)
	}
	if len(perms) != 2 {
		t.Fatalf("parsed %d permissions, want 2", len(perms))
	}
	if perms[0].Category != capability.CategoryFilesystem || perms[0].Resource != "/workspace" {
		t.Errorf("perms[0] = %+v", perms[0])
	}
	if perms[1].Resource != "" {
		t.Errorf("perms[1] resource = %q, want empty", perms[1].Resource)
	}
}

func TestStatsService(t *testing.T) {
	s := NewStatsService()
	s.RecordDecision("allow")
	s.RecordDecision("block")
	s.RecordDecision("approval_required")
	s.RecordChat()
	s.RecordFormat("jsonrpc")
	s.RecordFormat("jsonrpc")
	s.ConnectionOpened()

	got := s.GetStats()
	if got.Allowed != 1 || got.Blocked != 1 || got.ApprovalRequired != 1 {
		t.Errorf("decision counters = %+v", got)
	}
	if got.FormatCounts["jsonrpc"] != 2 {
		t.Errorf("format counts = %v", got.FormatCounts)
	}
	if got.Connections != 1 {
		t.Errorf("connections = %d", got.Connections)
	}

	s.Reset()
	if after := s.GetStats(); after.Allowed != 0 || len(after.FormatCounts) != 0 {
		t.Errorf("Reset left %+v", after)
	}
}
