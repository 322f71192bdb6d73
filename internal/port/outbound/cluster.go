package outbound

import "context"

// NodeInfo locates one dispatcher node in the cluster.
type NodeInfo struct {
	ID  string `json:"id"`
	URL string `json:"url"` // websocket endpoint, e.g. ws://host:port/ws
}

// NodeDirectory resolves which node owns an agent. Backed by the
// shared database in clustered deployments.
type NodeDirectory interface {
	// NodeFor returns the node pinned to the agent, or ok=false when
	// the agent is unknown cluster-wide.
	NodeFor(ctx context.Context, agentID string) (NodeInfo, bool, error)

	// Self returns this node's identity.
	Self() NodeInfo
}

// LockProvider acquires short-lived distributed locks, used by the
// scheduler so cluster-wide jobs run on one node per tick.
type LockProvider interface {
	// TryAcquire returns a release func, or ok=false when another
	// holder owns the lock.
	TryAcquire(ctx context.Context, key string) (release func(), ok bool, err error)
}
