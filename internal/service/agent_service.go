package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/Agent-Gate/agentgate/internal/domain/agent"
	"github.com/Agent-Gate/agentgate/internal/domain/audit"
	"github.com/Agent-Gate/agentgate/internal/domain/capability"
	"github.com/Agent-Gate/agentgate/internal/domain/event"
	"github.com/Agent-Gate/agentgate/internal/domain/policy"
	"github.com/Agent-Gate/agentgate/internal/sandbox"
)

var (
	// ErrAgentNotFound is returned for unknown agent ids.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrAgentState is returned when the agent's current state
	// forbids the requested operation.
	ErrAgentState = errors.New("operation not valid in agent state")
	// ErrInvalidManifest is returned for malformed spawn manifests.
	ErrInvalidManifest = errors.New("invalid agent manifest")
)

// gatewayHandledTasks are executed in-process rather than in the
// agent's worker, regardless of entry point.
var gatewayHandledTasks = map[string]struct{}{
	"memory.store":     {},
	"memory.retrieve":  {},
	"memory.search":    {},
	"memory.delete":    {},
	"tool.register":    {},
	"tool.unregister":  {},
	"tool.list":        {},
	"directory.agents": {},
	"directory.lookup": {},
	"a2a.delegate":     {},
	"event.emit":       {},
}

// AgentServiceConfig wires the service's collaborators.
type AgentServiceConfig struct {
	Capabilities *capability.Manager
	Policy       *policy.Engine
	Sandboxes    *sandbox.Registry
	Bus          *event.Bus
	Audit        *audit.Recorder
	Stats        *StatsService
	Logger       *slog.Logger

	// RequireSignedManifests rejects spawn manifests without a valid
	// signature over ManifestSecrets. Enabled by the production
	// hardening gate.
	RequireSignedManifests bool
	ManifestSecrets        [][]byte

	// NodeID is stamped on agents spawned by this dispatcher.
	NodeID string
	// WorkerCommand launches sandboxed workers; Args precede the
	// agent's entry point.
	WorkerCommand string
	WorkerArgs    []string
	WorkdirRoot   string
	Container     *sandbox.ContainerConfig
	// GrantTTL bounds spawned agents' permission tokens; zero means
	// no expiry.
	GrantTTL time.Duration
	// ErrorThreshold moves an agent to the error state after this
	// many consecutive task failures (default 5).
	ErrorThreshold int
}

// AgentService owns agent records, their lifecycle machines, and the
// binding to capability grants and sandboxes.
type AgentService struct {
	cfg      AgentServiceConfig
	logger   *slog.Logger
	validate *validator.Validate

	store    *agent.Store
	machines *machineSet
	memory   *memoryStore
}

// memoryStore holds the gateway-side key/value memory, scoped per
// agent and discarded on termination.
type memoryStore struct {
	mu sync.Mutex
	m  map[string]map[string]json.RawMessage
}

func newMemoryStore() *memoryStore {
	return &memoryStore{m: make(map[string]map[string]json.RawMessage)}
}

func (ms *memoryStore) put(agentID, key string, value json.RawMessage) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.m[agentID] == nil {
		ms.m[agentID] = make(map[string]json.RawMessage)
	}
	ms.m[agentID][key] = value
}

func (ms *memoryStore) get(agentID, key string) (json.RawMessage, bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	v, ok := ms.m[agentID][key]
	return v, ok
}

func (ms *memoryStore) delete(agentID, key string) bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if _, ok := ms.m[agentID][key]; !ok {
		return false
	}
	delete(ms.m[agentID], key)
	return true
}

func (ms *memoryStore) search(agentID, query string) []string {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	var keys []string
	for k := range ms.m[agentID] {
		if query == "" || strings.Contains(k, query) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (ms *memoryStore) drop(agentID string) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.m, agentID)
}

// machineSet keeps one state machine per live agent.
type machineSet struct {
	mu sync.Mutex
	m  map[string]*agent.Machine
}

// NewAgentService builds the service.
func NewAgentService(cfg AgentServiceConfig) *AgentService {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = 5
	}
	return &AgentService{
		cfg:      cfg,
		logger:   cfg.Logger,
		validate: validator.New(),
		store:    agent.NewStore(),
		machines: &machineSet{m: make(map[string]*agent.Machine)},
		memory:   newMemoryStore(),
	}
}

func (s *machineSet) get(id string) (*agent.Machine, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.m[id]
	return m, ok
}

func (s *machineSet) put(id string, m *agent.Machine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[id] = m
}

func (s *machineSet) delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, id)
}

// Spawn validates the manifest, grants its permissions, starts a
// sandbox when the agent owns an entry point, and registers the
// agent. Publishes agent.created on success.
func (s *AgentService) Spawn(ctx context.Context, m agent.Manifest) (agent.Entry, error) {
	if err := s.validate.Struct(m); err != nil {
		return agent.Entry{}, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if s.cfg.RequireSignedManifests && !agent.VerifyManifest(m, s.cfg.ManifestSecrets) {
		return agent.Entry{}, fmt.Errorf("%w: manifest signature missing or invalid", ErrInvalidManifest)
	}

	id := uuid.NewString()
	machine := agent.NewMachine(id, agent.WithBus(s.cfg.Bus))

	perms, err := parsePermissions(m.Permissions)
	if err != nil {
		return agent.Entry{}, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	var tokenID string
	if len(perms) > 0 {
		token, err := s.cfg.Capabilities.Grant(capability.GrantRequest{
			AgentID:     id,
			Permissions: perms,
			Duration:    s.cfg.GrantTTL,
			Purpose:     "agent spawn: " + m.Name,
		}, capability.SystemIdentity)
		if err != nil {
			return agent.Entry{}, fmt.Errorf("grant spawn permissions: %w", err)
		}
		tokenID = token.ID
	}

	entry := &agent.Entry{
		ID:                id,
		ExternalID:        m.ID,
		Name:              m.Name,
		NodeID:            s.cfg.NodeID,
		State:             agent.StateCreated,
		StartedAt:         time.Now().UTC(),
		Model:             m.Model,
		EntryPoint:        m.EntryPoint,
		Capabilities:      m.Capabilities,
		MCPServers:        m.MCPServers,
		A2ASkills:         m.A2ASkills,
		PermissionGrants:  m.Permissions,
		TrustLevel:        m.TrustLevel,
		PermissionTokenID: tokenID,
		Limits:            m.Limits,
		Tools:             m.Tools,
		WorkerTasks:       make(map[string]time.Time),
	}

	if _, err := machine.Apply(agent.EventInitialize, "spawn"); err != nil {
		s.rollbackGrant(id)
		return agent.Entry{}, err
	}

	if m.EntryPoint != "" {
		if err := s.startWorker(ctx, entry, m); err != nil {
			_, _ = machine.Apply(agent.EventFail, err.Error())
			s.rollbackGrant(id)
			s.auditSpawn(ctx, entry, audit.OutcomeFailure, err.Error())
			return agent.Entry{}, err
		}
		entry.WorkerReady = true
	}

	if _, err := machine.Apply(agent.EventReady, ""); err != nil {
		s.rollbackGrant(id)
		return agent.Entry{}, err
	}
	entry.State = machine.State()

	machine.OnTransition(func(agentID string, t agent.Transition) {
		if e, ok := s.store.Get(agentID); ok {
			e.State = t.To
		}
	})
	s.store.Put(entry)
	s.machines.put(id, machine)

	s.publish("agent.created", entry.ID, map[string]any{
		"external_id": entry.ExternalID,
		"name":        entry.Name,
		"node_id":     entry.NodeID,
	})
	s.auditSpawn(ctx, entry, audit.OutcomeSuccess, "")
	s.logger.Info("agent spawned",
		"agent_id", entry.ID,
		"external_id", entry.ExternalID,
		"worker", entry.WorkerReady)
	return entry.Snapshot(), nil
}

func (s *AgentService) startWorker(ctx context.Context, entry *agent.Entry, m agent.Manifest) error {
	if s.cfg.Sandboxes == nil {
		return errors.New("sandbox registry not configured")
	}
	args := append(append([]string{}, s.cfg.WorkerArgs...), m.EntryPoint)
	_, err := s.cfg.Sandboxes.Create(ctx, sandbox.Config{
		AgentID:      entry.ID,
		Command:      s.cfg.WorkerCommand,
		Args:         args,
		WorkdirRoot:  s.cfg.WorkdirRoot,
		Capabilities: strings.Join(m.Permissions, ","),
		MemoryMB:     m.Limits.MaxMemoryMB,
		Container:    s.cfg.Container,
	})
	return err
}

func (s *AgentService) rollbackGrant(agentID string) {
	if s.cfg.Capabilities != nil {
		s.cfg.Capabilities.RevokeAll(agentID)
	}
}

// Terminate tears one agent down: lifecycle transition, capability
// revocation, sandbox shutdown, record removal, agent.terminated
// event. Agents already terminal, paused, or in error reject the
// request.
func (s *AgentService) Terminate(ctx context.Context, agentID string) error {
	entry, ok := s.store.Get(agentID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	machine, ok := s.machines.get(entry.ID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}

	switch machine.State() {
	case agent.StateTerminated, agent.StatePaused, agent.StateError:
		return fmt.Errorf("%w: %s is %s", ErrAgentState, agentID, machine.State())
	}

	entry.ShutdownRequested = true
	if _, err := machine.Apply(agent.EventTerminate, "terminate requested"); err != nil {
		return err
	}

	revoked := 0
	if s.cfg.Capabilities != nil {
		revoked = s.cfg.Capabilities.RevokeAll(entry.ID)
	}
	if s.cfg.Sandboxes != nil {
		if err := s.cfg.Sandboxes.Terminate(ctx, entry.ID); err != nil && !errors.Is(err, sandbox.ErrUnknownAgent) {
			s.logger.Warn("sandbox terminate failed", "agent_id", entry.ID, "error", err)
		}
	}

	s.store.Delete(entry.ID)
	s.machines.delete(entry.ID)
	s.memory.drop(entry.ID)

	s.publish("agent.terminated", entry.ID, map[string]any{
		"external_id":    entry.ExternalID,
		"revoked_tokens": revoked,
	})
	if s.cfg.Audit != nil {
		s.cfg.Audit.Success(ctx, audit.ActorSystem, audit.ActionAgentTerminate, "agent", entry.ID,
			map[string]any{"revoked_tokens": revoked})
	}
	s.logger.Info("agent terminated", "agent_id", entry.ID, "revoked_tokens", revoked)
	return nil
}

// Status returns the agent snapshot.
func (s *AgentService) Status(agentID string) (agent.Entry, error) {
	entry, ok := s.store.Get(agentID)
	if !ok {
		return agent.Entry{}, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return entry.Snapshot(), nil
}

// List snapshots all local agents.
func (s *AgentService) List() []agent.Entry {
	return s.store.List()
}

// TaskResult is the outcome of one dispatched task.
type TaskResult struct {
	Success    bool   `json:"success"`
	Result     any    `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	Handled    string `json:"handled"` // gateway or worker
}

// Task routes one task: tool calls pass the policy and capability
// guard first, gateway-handled tasks run in-process, the rest go to
// the agent's worker. Failures feed the error counter; at the
// threshold the agent moves to error and alerts fire.
func (s *AgentService) Task(ctx context.Context, agentID, task string, payload []byte) (TaskResult, error) {
	entry, ok := s.store.Get(agentID)
	if !ok {
		return TaskResult{}, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	machine, _ := s.machines.get(entry.ID)
	if machine != nil && machine.Terminal() {
		return TaskResult{}, fmt.Errorf("%w: %s is terminated", ErrAgentState, agentID)
	}
	if s.cfg.Stats != nil {
		s.cfg.Stats.RecordTask()
	}

	if task == "tool_call" {
		if denied := s.guardToolCall(ctx, entry, payload); denied != nil {
			return *denied, nil
		}
	}

	if _, inProcess := gatewayHandledTasks[task]; inProcess || entry.EntryPoint == "" {
		return s.runGatewayTask(ctx, entry, task, payload), nil
	}

	start := time.Now()
	res, err := s.cfg.Sandboxes.Execute(ctx, entry.ID, sandbox.ExecuteRequest{
		Task:    task,
		Payload: payload,
	})
	if attempts, backoff := s.cfg.Sandboxes.RestartInfo(entry.ID); attempts > 0 {
		entry.RestartAttempts = attempts
		entry.RestartBackoffMS = int(backoff.Milliseconds())
	}
	if err != nil {
		s.recordTaskFailure(entry, err.Error())
		return TaskResult{}, err
	}
	out := TaskResult{
		Success:    res.Success,
		Error:      res.Error,
		DurationMS: res.DurationMS,
		Handled:    "worker",
	}
	if len(res.Result) > 0 {
		out.Result = json.RawMessage(res.Result)
	}
	if out.DurationMS == 0 {
		out.DurationMS = time.Since(start).Milliseconds()
	}
	if !res.Success {
		s.recordTaskFailure(entry, res.Error)
	} else {
		entry.ErrorCount = 0
	}
	return out, nil
}

// runGatewayTask serves the gateway-handled set in-process. Task types
// outside the set fail rather than silently succeed.
func (s *AgentService) runGatewayTask(ctx context.Context, entry *agent.Entry, task string, payload []byte) TaskResult {
	start := time.Now()
	done := func(success bool, result any, errMsg string) TaskResult {
		return TaskResult{
			Success:    success,
			Result:     result,
			Error:      errMsg,
			DurationMS: time.Since(start).Milliseconds(),
			Handled:    "gateway",
		}
	}

	switch task {
	case "event.emit":
		var ev struct {
			Channel string         `json:"channel"`
			Type    string         `json:"type"`
			Data    map[string]any `json:"data"`
		}
		if err := json.Unmarshal(payload, &ev); err != nil || ev.Channel == "" {
			return done(false, nil, "invalid event payload")
		}
		s.cfg.Bus.Publish(event.Event{
			Channel: ev.Channel,
			Type:    ev.Type,
			AgentID: entry.ID,
			Data:    ev.Data,
		})
		return done(true, nil, "")

	case "directory.agents", "directory.lookup":
		return done(true, s.List(), "")

	case "tool.list":
		return done(true, entry.Tools, "")

	case "tool.register":
		var p struct {
			Tool string `json:"tool"`
		}
		if err := json.Unmarshal(payload, &p); err != nil || p.Tool == "" {
			return done(false, nil, "tool.register requires a tool name")
		}
		for _, t := range entry.Tools {
			if t == p.Tool {
				return done(true, entry.Tools, "")
			}
		}
		entry.Tools = append(entry.Tools, p.Tool)
		return done(true, entry.Tools, "")

	case "tool.unregister":
		var p struct {
			Tool string `json:"tool"`
		}
		if err := json.Unmarshal(payload, &p); err != nil || p.Tool == "" {
			return done(false, nil, "tool.unregister requires a tool name")
		}
		kept := entry.Tools[:0]
		for _, t := range entry.Tools {
			if t != p.Tool {
				kept = append(kept, t)
			}
		}
		entry.Tools = kept
		return done(true, entry.Tools, "")

	case "memory.store":
		var p struct {
			Key   string          `json:"key"`
			Value json.RawMessage `json:"value"`
		}
		if err := json.Unmarshal(payload, &p); err != nil || p.Key == "" {
			return done(false, nil, "memory.store requires a key")
		}
		s.memory.put(entry.ID, p.Key, p.Value)
		return done(true, nil, "")

	case "memory.retrieve":
		var p struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal(payload, &p); err != nil || p.Key == "" {
			return done(false, nil, "memory.retrieve requires a key")
		}
		value, ok := s.memory.get(entry.ID, p.Key)
		if !ok {
			return done(false, nil, "memory key not found: "+p.Key)
		}
		return done(true, value, "")

	case "memory.search":
		var p struct {
			Query string `json:"query"`
		}
		_ = json.Unmarshal(payload, &p)
		return done(true, s.memory.search(entry.ID, p.Query), "")

	case "memory.delete":
		var p struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal(payload, &p); err != nil || p.Key == "" {
			return done(false, nil, "memory.delete requires a key")
		}
		if !s.memory.delete(entry.ID, p.Key) {
			return done(false, nil, "memory key not found: "+p.Key)
		}
		return done(true, nil, "")

	case "a2a.delegate":
		var p struct {
			TargetID string          `json:"targetId"`
			Task     json.RawMessage `json:"task"`
		}
		if err := json.Unmarshal(payload, &p); err != nil || p.TargetID == "" {
			return done(false, nil, "a2a.delegate requires a target agent")
		}
		var inner struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(p.Task, &inner); err != nil || inner.Type == "" {
			return done(false, nil, "a2a.delegate requires a task with a type")
		}
		// Single hop: a delegated task may not delegate again.
		if inner.Type == "a2a.delegate" {
			return done(false, nil, "delegation is single hop")
		}
		res, err := s.Task(ctx, p.TargetID, inner.Type, p.Task)
		if err != nil {
			return done(false, nil, err.Error())
		}
		return done(res.Success, res.Result, res.Error)

	case "tool_call":
		// Guard passed but there is no worker to run the tool in.
		return done(false, nil, "agent has no worker to execute tools")
	}
	return done(false, nil, "unsupported task type: "+task)
}

func (s *AgentService) recordTaskFailure(entry *agent.Entry, reason string) {
	entry.ErrorCount++
	if entry.ErrorCount < s.cfg.ErrorThreshold {
		return
	}
	machine, ok := s.machines.get(entry.ID)
	if ok && machine.Can(agent.EventFail) {
		_, _ = machine.Apply(agent.EventFail, fmt.Sprintf("error threshold reached: %s", reason))
	}
	s.publish("agent.error.threshold", entry.ID, map[string]any{
		"error_count": entry.ErrorCount,
		"reason":      reason,
	})
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(event.Event{
			Channel: "alerts",
			Type:    "agent.error.threshold",
			AgentID: entry.ID,
			Data:    map[string]any{"error_count": entry.ErrorCount},
		})
	}
}

func (s *AgentService) publish(eventType, agentID string, data map[string]any) {
	if s.cfg.Bus == nil {
		return
	}
	s.cfg.Bus.Publish(event.Event{
		Channel: agent.ChannelLifecycle,
		Type:    eventType,
		AgentID: agentID,
		Data:    data,
	})
}

func (s *AgentService) auditSpawn(ctx context.Context, entry *agent.Entry, outcome, detail string) {
	if s.cfg.Audit == nil {
		return
	}
	details := map[string]any{
		"external_id": entry.ExternalID,
		"permissions": entry.PermissionGrants,
	}
	if detail != "" {
		details["error"] = detail
	}
	if outcome == audit.OutcomeSuccess {
		s.cfg.Audit.Success(ctx, audit.ActorSystem, audit.ActionAgentSpawn, "agent", entry.ID, details)
	} else {
		s.cfg.Audit.Failure(ctx, audit.ActorSystem, audit.ActionAgentSpawn, "agent", entry.ID, details)
	}
}

// parsePermissions converts manifest strings like
// "filesystem.read:/tmp" into permission lines. The resource part is
// optional.
func parsePermissions(specs []string) ([]capability.Permission, error) {
	out := make([]capability.Permission, 0, len(specs))
	for _, spec := range specs {
		scope, resource, _ := strings.Cut(spec, ":")
		cat, action, ok := strings.Cut(scope, ".")
		if !ok || cat == "" || action == "" {
			return nil, fmt.Errorf("malformed permission %q", spec)
		}
		category := capability.Category(cat)
		if !category.Valid() {
			return nil, fmt.Errorf("unknown permission category %q", cat)
		}
		out = append(out, capability.Permission{
			Category: category,
			Actions:  []string{action},
			Resource: resource,
		})
	}
	return out, nil
}
