// Package cluster forwards operations on non-local agents to the
// dispatcher node that owns them, over a short-lived peer stream.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Agent-Gate/agentgate/internal/port/outbound"
	"github.com/Agent-Gate/agentgate/pkg/stream"
)

// HopHeader carries the forward count so circular routes are cut off.
const HopHeader = "X-Agentgate-Hops"

// DefaultMaxHops bounds forward chains.
const DefaultMaxHops = 3

var (
	// ErrForwardFailed wraps every peer failure; the dispatcher maps
	// it to CLUSTER_FORWARD_FAILED.
	ErrForwardFailed = errors.New("cluster forward failed")
	// ErrHopLimit marks a circular or too-deep forward chain.
	ErrHopLimit = fmt.Errorf("%w: hop limit exceeded", ErrForwardFailed)
	// ErrAgentUnknown means no node owns the agent.
	ErrAgentUnknown = errors.New("agent unknown cluster-wide")
)

// Config tunes the router.
type Config struct {
	// AuthToken authenticates against peer dispatchers.
	AuthToken string
	// DialTimeout bounds the peer handshake (default 5s).
	DialTimeout time.Duration
	// ResponseTimeout bounds the wait for the peer's answer
	// (default 30s).
	ResponseTimeout time.Duration
	// MaxHops bounds forward chains (default 3).
	MaxHops int
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = 30 * time.Second
	}
	if c.MaxHops <= 0 {
		c.MaxHops = DefaultMaxHops
	}
	return c
}

// Router locates an agent's owning node and relays the original
// message verbatim.
type Router struct {
	cfg       Config
	directory outbound.NodeDirectory
	logger    *slog.Logger
	dial      func(ctx context.Context, url string, header http.Header) (peerConn, error)
}

// peerConn is the slice of *websocket.Conn the router needs; tests
// substitute a fake.
type peerConn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (int, []byte, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// NewRouter builds a router on the given node directory.
func NewRouter(cfg Config, directory outbound.NodeDirectory, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		cfg:       cfg.withDefaults(),
		directory: directory,
		logger:    logger,
		dial:      dialWebsocket,
	}
}

func dialWebsocket(ctx context.Context, url string, header http.Header) (peerConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Owner resolves the node that owns an agent; local=true when it is
// this node.
func (r *Router) Owner(ctx context.Context, agentID string) (outbound.NodeInfo, bool, error) {
	node, ok, err := r.directory.NodeFor(ctx, agentID)
	if err != nil {
		return outbound.NodeInfo{}, false, fmt.Errorf("%w: %v", ErrForwardFailed, err)
	}
	if !ok {
		return outbound.NodeInfo{}, false, ErrAgentUnknown
	}
	return node, node.ID == r.directory.Self().ID, nil
}

// Forward relays raw (the client's original frame) to the agent's
// owning node and returns the peer's response frame. hops is the
// count already accumulated on the inbound connection.
func (r *Router) Forward(ctx context.Context, agentID string, raw []byte, hops int) ([]byte, error) {
	if hops >= r.cfg.MaxHops {
		return nil, ErrHopLimit
	}

	node, local, err := r.Owner(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if local {
		return nil, fmt.Errorf("%w: agent %s is local", ErrForwardFailed, agentID)
	}

	reqID, err := frameID(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrForwardFailed, err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, r.cfg.DialTimeout)
	defer cancel()

	header := http.Header{}
	header.Set(HopHeader, strconv.Itoa(hops+1))
	conn, err := r.dial(dialCtx, node.URL, header)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrForwardFailed, node.URL, err)
	}
	defer func() { _ = conn.Close() }()

	if err := r.authenticate(conn); err != nil {
		return nil, err
	}

	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return nil, fmt.Errorf("%w: write: %v", ErrForwardFailed, err)
	}

	deadline := time.Now().Add(r.cfg.ResponseTimeout)
	_ = conn.SetReadDeadline(deadline)
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("%w: read: %v", ErrForwardFailed, err)
		}
		id, err := frameID(frame)
		if err != nil {
			continue
		}
		if id == reqID {
			r.logger.Debug("forwarded request answered",
				"agent_id", agentID,
				"node_id", node.ID)
			return frame, nil
		}
		// Unrelated frames (events, keepalives) are skipped.
	}
}

// authenticate performs the auth exchange on a fresh peer stream.
func (r *Router) authenticate(conn peerConn) error {
	authMsg, err := stream.NewMessage(stream.TypeAuth, "cluster-auth", map[string]string{
		"token": r.cfg.AuthToken,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrForwardFailed, err)
	}
	data, err := json.Marshal(authMsg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrForwardFailed, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: auth write: %v", ErrForwardFailed, err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(r.cfg.DialTimeout))
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: auth read: %v", ErrForwardFailed, err)
		}
		var msg stream.Message
		if err := json.Unmarshal(frame, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case stream.TypeAuthRequired:
			continue
		case stream.TypeAuthSuccess:
			return nil
		case stream.TypeAuthFailed:
			return fmt.Errorf("%w: peer rejected auth", ErrForwardFailed)
		}
	}
}

// frameID extracts the correlation id from a raw frame.
func frameID(raw []byte) (string, error) {
	var probe struct {
		ID any `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return "", err
	}
	switch v := probe.ID.(type) {
	case string:
		if v != "" {
			return v, nil
		}
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	}
	return "", errors.New("frame has no id")
}
