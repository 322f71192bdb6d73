package capability

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Errors returned by the manager.
var (
	// ErrNoSecret is returned when a manager is constructed without a
	// signing secret.
	ErrNoSecret = errors.New("capability: no signing secret")
	// ErrNotFound is returned when a token id is unknown.
	ErrNotFound = errors.New("capability: token not found")
	// ErrGranterNotAuthorized is returned when a granter holds no
	// covering delegatable grant and is not the system identity.
	ErrGranterNotAuthorized = errors.New("capability: granter not authorized")
	// ErrInvalidRequest is returned for malformed grant requests.
	ErrInvalidRequest = errors.New("capability: invalid grant request")
)

// Manager issues, verifies, and revokes capability tokens. Tokens are
// signed with the first secret and verified against all of them, so
// rotation keeps old grants valid until expiry. All methods are safe
// for concurrent use; the hot Check path keeps its critical section
// to the map scan and verifies signatures on copies outside any
// writes.
type Manager struct {
	secrets [][]byte
	clock   func() time.Time

	mu      sync.Mutex
	tokens  map[string]*Token
	byAgent map[string]map[string]bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerClock overrides the time source, for expiry tests.
func WithManagerClock(clock func() time.Time) ManagerOption {
	return func(m *Manager) { m.clock = clock }
}

// NewManager creates a manager with the given secret set. The first
// secret signs new tokens; every secret verifies.
func NewManager(secrets [][]byte, opts ...ManagerOption) (*Manager, error) {
	if len(secrets) == 0 || len(secrets[0]) == 0 {
		return nil, ErrNoSecret
	}
	m := &Manager{
		secrets: secrets,
		clock:   time.Now,
		tokens:  make(map[string]*Token),
		byAgent: make(map[string]map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Grant issues a signed token for the request. The granter must be
// the system identity or an agent holding a delegatable,
// system-issued grant covering every requested permission.
func (m *Manager) Grant(req GrantRequest, grantedBy string) (*Token, error) {
	if req.AgentID == "" || len(req.Permissions) == 0 {
		return nil, ErrInvalidRequest
	}
	for _, p := range req.Permissions {
		if !p.Category.Valid() {
			return nil, fmt.Errorf("%w: unknown category %q", ErrInvalidRequest, p.Category)
		}
		if len(p.Actions) == 0 {
			return nil, fmt.Errorf("%w: permission without actions", ErrInvalidRequest)
		}
	}

	if grantedBy != SystemIdentity {
		if !m.granterCovers(grantedBy, req.Permissions) {
			return nil, ErrGranterNotAuthorized
		}
	}

	now := m.clock().UTC()
	token := &Token{
		ID:          uuid.NewString(),
		AgentID:     req.AgentID,
		Permissions: expandPermissions(req.Permissions),
		GrantedBy:   grantedBy,
		GrantedAt:   now,
		Purpose:     req.Purpose,
		Delegatable: req.Delegatable,
	}
	if req.Duration > 0 {
		expires := now.Add(req.Duration)
		token.ExpiresAt = &expires
	}
	token.Signature = Sign(token, m.secrets[0])

	m.mu.Lock()
	m.tokens[token.ID] = token
	if m.byAgent[token.AgentID] == nil {
		m.byAgent[token.AgentID] = make(map[string]bool)
	}
	m.byAgent[token.AgentID][token.ID] = true
	m.mu.Unlock()

	copied := *token
	return &copied, nil
}

// expandPermissions applies the filesystem resource expansion: a
// literal path also covers everything beneath it.
func expandPermissions(perms []Permission) []Permission {
	out := make([]Permission, 0, len(perms))
	for _, p := range perms {
		p.Actions = append([]string(nil), p.Actions...)
		if p.Category == CategoryFilesystem && p.Resource != "" && !hasGlob(p.Resource) {
			// Keep one permission line; the twin pattern lives in the
			// resource match, preserving a single signed resource.
			out = append(out, p)
			continue
		}
		out = append(out, p)
	}
	return out
}

// Check reports whether the agent holds an active, non-expired,
// validly signed token whose permissions satisfy category, action,
// and resource. The reason on denial is the most specific cause
// observed while scanning.
func (m *Manager) Check(agentID string, category Category, action, resource string) CheckResult {
	now := m.clock().UTC()

	m.mu.Lock()
	candidates := make([]*Token, 0, len(m.byAgent[agentID]))
	for id := range m.byAgent[agentID] {
		if t := m.tokens[id]; t != nil {
			candidates = append(candidates, t)
		}
	}
	m.mu.Unlock()

	reason := "no matching grant"
	for _, t := range candidates {
		if t.Expired(now) {
			reason = "expired"
			m.pruneExpired(t.ID, now)
			continue
		}
		if !Verify(t, m.secrets) {
			reason = "invalid signature"
			continue
		}
		for _, p := range t.Permissions {
			if p.Category != category {
				continue
			}
			if !actionMatches(p.Actions, action) {
				reason = "action not granted"
				continue
			}
			if !permissionResourceMatches(p, resource) {
				reason = "resource not covered"
				continue
			}
			return CheckResult{Allowed: true, TokenID: t.ID}
		}
	}
	return CheckResult{Allowed: false, Reason: reason}
}

// permissionResourceMatches applies the resource rules, including the
// filesystem "/**" twin for literal paths.
func permissionResourceMatches(p Permission, requested string) bool {
	if p.Resource == "" || requested == "" {
		return true
	}
	for _, expanded := range expandResourceFor(p) {
		if resourceMatches(expanded, requested) {
			return true
		}
	}
	return false
}

func expandResourceFor(p Permission) []string {
	if p.Category == CategoryFilesystem {
		return ExpandFilesystemResource(p.Resource)
	}
	return []string{p.Resource}
}

func actionMatches(granted []string, requested string) bool {
	for _, a := range granted {
		if a == "*" || a == requested {
			return true
		}
	}
	return false
}

// Revoke removes a token by id.
func (m *Manager) Revoke(tokenID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[tokenID]
	if !ok {
		return ErrNotFound
	}
	delete(m.tokens, tokenID)
	delete(m.byAgent[t.AgentID], tokenID)
	return nil
}

// RevokeAll removes every token held by an agent, returning the
// count. Called on agent termination.
func (m *Manager) RevokeAll(agentID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.byAgent[agentID]
	for id := range ids {
		delete(m.tokens, id)
	}
	count := len(ids)
	delete(m.byAgent, agentID)
	return count
}

// Get returns a copy of a token by id.
func (m *Manager) Get(tokenID string) (*Token, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[tokenID]
	if !ok {
		return nil, false
	}
	copied := *t
	return &copied, true
}

// List returns copies of the agent's active tokens.
func (m *Manager) List(agentID string) []Token {
	now := m.clock().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Token
	for id := range m.byAgent[agentID] {
		if t := m.tokens[id]; t != nil && !t.Expired(now) {
			out = append(out, *t)
		}
	}
	return out
}

// pruneExpired lazily drops an expired token.
func (m *Manager) pruneExpired(tokenID string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[tokenID]
	if !ok || !t.Expired(now) {
		return
	}
	delete(m.tokens, tokenID)
	delete(m.byAgent[t.AgentID], tokenID)
}

// granterCovers reports whether the granter holds delegatable,
// system-issued, active grants covering every requested permission.
// One hop only: a token that was itself delegated never authorizes a
// further grant.
func (m *Manager) granterCovers(granter string, requested []Permission) bool {
	now := m.clock().UTC()

	m.mu.Lock()
	var basis []*Token
	for id := range m.byAgent[granter] {
		t := m.tokens[id]
		if t == nil || t.Expired(now) || !t.Delegatable || t.GrantedBy != SystemIdentity {
			continue
		}
		basis = append(basis, t)
	}
	m.mu.Unlock()

	for _, want := range requested {
		covered := false
		for _, t := range basis {
			if !Verify(t, m.secrets) {
				continue
			}
			for _, have := range t.Permissions {
				if have.Category != want.Category && have.Category != CategoryAdmin {
					continue
				}
				if !actionsCover(have.Actions, want.Actions) {
					continue
				}
				if want.Resource != "" && !permissionResourceMatches(have, want.Resource) {
					continue
				}
				covered = true
				break
			}
			if covered {
				break
			}
		}
		if !covered {
			return false
		}
	}
	return true
}

func actionsCover(granted, wanted []string) bool {
	for _, w := range wanted {
		if !actionMatches(granted, w) {
			return false
		}
	}
	return true
}
