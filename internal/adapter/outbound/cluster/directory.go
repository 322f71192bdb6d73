package cluster

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/Agent-Gate/agentgate/internal/port/outbound"
)

const directorySchema = `
CREATE TABLE IF NOT EXISTS cluster_nodes (
	id         TEXT PRIMARY KEY,
	url        TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS cluster_agents (
	agent_id TEXT PRIMARY KEY,
	node_id  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS cluster_locks (
	key        TEXT PRIMARY KEY,
	holder     TEXT NOT NULL,
	expires_at TEXT NOT NULL
);
`

// lockTTL bounds how long a crashed node can hold a scheduler lock.
const lockTTL = 2 * time.Minute

// SQLiteDirectory is the shared-database node directory. Every
// dispatcher registers itself and pins its agents; peers resolve
// ownership through the same file.
type SQLiteDirectory struct {
	db   *sql.DB
	self outbound.NodeInfo
	now  func() time.Time
}

// NewSQLiteDirectory opens the shared database and registers this
// node under its advertise URL.
func NewSQLiteDirectory(path string, self outbound.NodeInfo) (*SQLiteDirectory, error) {
	if self.ID == "" {
		return nil, errors.New("cluster directory: node id required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cluster database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(directorySchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply cluster schema: %w", err)
	}
	d := &SQLiteDirectory{db: db, self: self, now: time.Now}
	if err := d.registerSelf(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

func (d *SQLiteDirectory) registerSelf() error {
	_, err := d.db.Exec(`INSERT INTO cluster_nodes (id, url, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET url = excluded.url, updated_at = excluded.updated_at`,
		d.self.ID, d.self.URL, d.now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("register node: %w", err)
	}
	return nil
}

// Self returns this node's identity.
func (d *SQLiteDirectory) Self() outbound.NodeInfo { return d.self }

// NodeFor resolves the node pinned to an agent.
func (d *SQLiteDirectory) NodeFor(ctx context.Context, agentID string) (outbound.NodeInfo, bool, error) {
	row := d.db.QueryRowContext(ctx, `SELECT n.id, n.url
		FROM cluster_agents a JOIN cluster_nodes n ON n.id = a.node_id
		WHERE a.agent_id = ?`, agentID)
	var node outbound.NodeInfo
	switch err := row.Scan(&node.ID, &node.URL); {
	case err == nil:
		return node, true, nil
	case errors.Is(err, sql.ErrNoRows):
		return outbound.NodeInfo{}, false, nil
	default:
		return outbound.NodeInfo{}, false, fmt.Errorf("resolve agent node: %w", err)
	}
}

// PinAgent records this node as the agent's owner.
func (d *SQLiteDirectory) PinAgent(ctx context.Context, agentID string) error {
	_, err := d.db.ExecContext(ctx, `INSERT INTO cluster_agents (agent_id, node_id) VALUES (?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET node_id = excluded.node_id`,
		agentID, d.self.ID)
	if err != nil {
		return fmt.Errorf("pin agent: %w", err)
	}
	return nil
}

// UnpinAgent drops the agent's ownership record.
func (d *SQLiteDirectory) UnpinAgent(ctx context.Context, agentID string) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM cluster_agents WHERE agent_id = ?`, agentID); err != nil {
		return fmt.Errorf("unpin agent: %w", err)
	}
	return nil
}

// TryAcquire implements the scheduler's distributed lock on the
// shared database. Expired locks are stolen, so a crashed holder
// stalls a job for at most the TTL.
func (d *SQLiteDirectory) TryAcquire(ctx context.Context, key string) (func(), bool, error) {
	holder := d.self.ID + "/" + uuid.NewString()
	now := d.now().UTC()
	res, err := d.db.ExecContext(ctx, `INSERT INTO cluster_locks (key, holder, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		WHERE cluster_locks.expires_at < ?`,
		key, holder, now.Add(lockTTL).Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if n == 0 {
		return nil, false, nil
	}
	release := func() {
		_, _ = d.db.Exec(`DELETE FROM cluster_locks WHERE key = ? AND holder = ?`, key, holder)
	}
	return release, true, nil
}

// Close releases the database handle.
func (d *SQLiteDirectory) Close() error { return d.db.Close() }

// StaticDirectory is the single-node directory: it knows only this
// node and no remote agents, so every miss is a genuine NOT_FOUND.
type StaticDirectory struct {
	self outbound.NodeInfo
}

// NewStaticDirectory builds the single-node directory.
func NewStaticDirectory(self outbound.NodeInfo) *StaticDirectory {
	return &StaticDirectory{self: self}
}

func (d *StaticDirectory) Self() outbound.NodeInfo { return d.self }

func (d *StaticDirectory) NodeFor(context.Context, string) (outbound.NodeInfo, bool, error) {
	return outbound.NodeInfo{}, false, nil
}

var (
	_ outbound.NodeDirectory = (*SQLiteDirectory)(nil)
	_ outbound.NodeDirectory = (*StaticDirectory)(nil)
	_ outbound.LockProvider  = (*SQLiteDirectory)(nil)
)
