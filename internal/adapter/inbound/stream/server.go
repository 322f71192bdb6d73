// Package stream terminates the persistent full-duplex message stream:
// one websocket per client, three accepted wire formats, FIFO request
// processing per client, and event push for subscribed channels.
package stream

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	httpadapter "github.com/Agent-Gate/agentgate/internal/adapter/inbound/http"
	"github.com/Agent-Gate/agentgate/internal/domain/audit"
	"github.com/Agent-Gate/agentgate/internal/domain/event"
	"github.com/Agent-Gate/agentgate/internal/domain/ratelimit"
	"github.com/Agent-Gate/agentgate/internal/port/outbound"
	"github.com/Agent-Gate/agentgate/internal/service"
)

// HopHeader carries the cluster forward count on peer connections.
const HopHeader = "X-Agentgate-Hops"

// Forwarder relays frames for agents owned by another node. The
// cluster router implements this.
type Forwarder interface {
	Owner(ctx context.Context, agentID string) (outbound.NodeInfo, bool, error)
	Forward(ctx context.Context, agentID string, raw []byte, hops int) ([]byte, error)
}

// Config tunes the dispatcher.
type Config struct {
	// AuthToken is the bearer token clients present. Empty with
	// Anonymous unset rejects every connection.
	AuthToken string
	// Anonymous skips the auth handshake entirely.
	Anonymous bool

	// IdleTimeout closes connections with no inbound frames
	// (default 5m).
	IdleTimeout time.Duration
	// RequestTimeout is the ceiling for one request's processing
	// (default 2m).
	RequestTimeout time.Duration
	// MaxMessageSize bounds one inbound frame (default 1 MB).
	MaxMessageSize int64

	// FrameRate admits inbound frames per connection; zero Rate
	// disables the check.
	FrameRate ratelimit.GCRAConfig
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 2 * time.Minute
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 1 << 20
	}
	return c
}

// Server upgrades inbound connections and owns every live client.
type Server struct {
	cfg      Config
	agents   *service.AgentService
	provider outbound.ChatProvider
	limiter  *ratelimit.Limiter
	frames   *ratelimit.GCRA
	bus      *event.Bus
	stats    *service.StatsService
	recorder *audit.Recorder
	fwd      Forwarder
	metrics  *httpadapter.Metrics
	logger   *slog.Logger

	upgrader websocket.Upgrader
}

// Deps wires the dispatcher's collaborators. Provider, Limiter,
// Forwarder, Recorder, and Metrics are optional; the matching request
// types degrade gracefully when absent.
type Deps struct {
	Agents   *service.AgentService
	Provider outbound.ChatProvider
	Limiter  *ratelimit.Limiter
	Frames   *ratelimit.GCRA
	Bus      *event.Bus
	Stats    *service.StatsService
	Recorder *audit.Recorder
	Forward  Forwarder
	Metrics  *httpadapter.Metrics
	Logger   *slog.Logger
}

// NewServer builds the dispatcher.
func NewServer(cfg Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Stats == nil {
		deps.Stats = service.NewStatsService()
	}
	return &Server{
		cfg:      cfg.withDefaults(),
		agents:   deps.Agents,
		provider: deps.Provider,
		limiter:  deps.Limiter,
		frames:   deps.Frames,
		bus:      deps.Bus,
		stats:    deps.Stats,
		recorder: deps.Recorder,
		fwd:      deps.Forward,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin is not checked here: browser clients are not a
			// supported surface and peer nodes send no Origin header.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and runs the client until it
// disconnects or idles out.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	hops := 0
	if h := r.Header.Get(HopHeader); h != "" {
		if n, err := strconv.Atoi(h); err == nil {
			hops = n
		}
	}

	c := newClient(s, conn, r.RemoteAddr, hops)
	s.stats.ConnectionOpened()
	if s.metrics != nil {
		s.metrics.ActiveConnections.Inc()
	}
	if s.recorder != nil {
		s.recorder.Success(r.Context(), audit.ActorSystem, audit.ActionStreamConnect,
			"connection", c.id, map[string]any{"remote": r.RemoteAddr, "hops": hops})
	}

	c.run()

	s.stats.ConnectionClosed()
	if s.metrics != nil {
		s.metrics.ActiveConnections.Dec()
	}
}
