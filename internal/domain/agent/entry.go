package agent

import (
	"sync"
	"time"
)

// Limits caps one agent's resource usage.
type Limits struct {
	MaxMemoryMB       int     `json:"max_memory_mb" yaml:"max_memory_mb"`
	MaxExecutionMS    int     `json:"max_execution_ms" yaml:"max_execution_ms"`
	MaxCostUSD        float64 `json:"max_cost_usd" yaml:"max_cost_usd"`
	RequestsPerMinute int     `json:"requests_per_minute" yaml:"requests_per_minute"`
	TokensPerMinute   int     `json:"tokens_per_minute" yaml:"tokens_per_minute"`
}

// TokenUsage accumulates LLM token consumption.
type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
}

// Entry is the full record for one registered agent.
type Entry struct {
	ID                string               `json:"id"`
	ExternalID        string               `json:"external_id,omitempty"`
	Name              string               `json:"name"`
	NodeID            string               `json:"node_id,omitempty"`
	State             State                `json:"state"`
	StartedAt         time.Time            `json:"started_at"`
	Model             string               `json:"model,omitempty"`
	EntryPoint        string               `json:"entry_point,omitempty"`
	Capabilities      []string             `json:"capabilities,omitempty"`
	MCPServers        []string             `json:"mcp_servers,omitempty"`
	A2ASkills         []string             `json:"a2a_skills,omitempty"`
	PermissionGrants  []string             `json:"permission_grants,omitempty"`
	TrustLevel        string               `json:"trust_level,omitempty"`
	PermissionTokenID string               `json:"permission_token_id,omitempty"`
	Limits            Limits               `json:"limits"`
	UsageWindow       time.Time            `json:"usage_window,omitempty"`
	CostUsageUSD      float64              `json:"cost_usage_usd"`
	ErrorCount        int                  `json:"error_count"`
	WorkerReady       bool                 `json:"worker_ready"`
	WorkerTasks       map[string]time.Time `json:"worker_tasks,omitempty"`
	RestartAttempts   int                  `json:"restart_attempts"`
	RestartBackoffMS  int                  `json:"restart_backoff_ms"`
	ShutdownRequested bool                 `json:"shutdown_requested"`
	Tools             []string             `json:"tools,omitempty"`
	TokenUsage        TokenUsage           `json:"token_usage"`
}

// Snapshot returns a shallow copy safe to hand to callers; the
// WorkerTasks map is cloned.
func (e *Entry) Snapshot() Entry {
	out := *e
	if e.WorkerTasks != nil {
		out.WorkerTasks = make(map[string]time.Time, len(e.WorkerTasks))
		for k, v := range e.WorkerTasks {
			out.WorkerTasks[k] = v
		}
	}
	return out
}

// Manifest is the spawn request shape accepted from clients.
type Manifest struct {
	ID           string   `json:"id" validate:"required"`
	Name         string   `json:"name" validate:"required"`
	Model        string   `json:"model,omitempty"`
	EntryPoint   string   `json:"entryPoint,omitempty"`
	Permissions  []string `json:"permissions,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	MCPServers   []string `json:"mcpServers,omitempty"`
	A2ASkills    []string `json:"a2aSkills,omitempty"`
	Tools        []string `json:"tools,omitempty"`
	TrustLevel   string   `json:"trustLevel,omitempty"`
	Limits       Limits   `json:"limits,omitempty"`
	Signature    string   `json:"signature,omitempty"`
}

// Store is an in-memory agent record index keyed by internal id, with
// a secondary index on external id.
type Store struct {
	mu         sync.RWMutex
	byID       map[string]*Entry
	byExternal map[string]string
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		byID:       make(map[string]*Entry),
		byExternal: make(map[string]string),
	}
}

// Put inserts or replaces an entry.
func (s *Store) Put(e *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[e.ID] = e
	if e.ExternalID != "" {
		s.byExternal[e.ExternalID] = e.ID
	}
}

// Get looks an entry up by internal id, falling back to external id.
func (s *Store) Get(id string) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.byID[id]; ok {
		return e, true
	}
	if internal, ok := s.byExternal[id]; ok {
		e, ok := s.byID[internal]
		return e, ok
	}
	return nil, false
}

// Delete removes an entry and its external index.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.byID[id]; ok {
		if e.ExternalID != "" {
			delete(s.byExternal, e.ExternalID)
		}
		delete(s.byID, id)
	}
}

// List snapshots all entries.
func (s *Store) List() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.byID))
	for _, e := range s.byID {
		out = append(out, e.Snapshot())
	}
	return out
}

// Len returns the number of registered agents.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
