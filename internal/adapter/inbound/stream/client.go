package stream

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Agent-Gate/agentgate/internal/domain/audit"
	"github.com/Agent-Gate/agentgate/internal/domain/event"
	"github.com/Agent-Gate/agentgate/internal/domain/ratelimit"
	"github.com/Agent-Gate/agentgate/pkg/stream"
)

// sendQueueSize bounds the outbound frame queue per client. Event
// pushes to a slow consumer are dropped once full; direct responses
// block the read loop instead, which is the FIFO backpressure we want.
const sendQueueSize = 64

// writeTimeout bounds one frame write.
const writeTimeout = 10 * time.Second

type client struct {
	s      *Server
	id     string
	conn   *websocket.Conn
	remote string
	hops   int

	ctx    context.Context
	cancel context.CancelFunc

	send      chan []byte
	writeDone chan struct{}

	// authed and format are touched only by the read loop.
	authed bool
	format stream.Format

	// subs maps channel pattern to bus subscription id. Guarded by
	// subsMu because close runs concurrently with subscribe.
	subsMu sync.Mutex
	subs   map[string]string
}

func newClient(s *Server, conn *websocket.Conn, remote string, hops int) *client {
	ctx, cancel := context.WithCancel(context.Background())
	return &client{
		s:         s,
		id:        uuid.NewString(),
		conn:      conn,
		remote:    remote,
		hops:      hops,
		ctx:       ctx,
		cancel:    cancel,
		send:      make(chan []byte, sendQueueSize),
		writeDone: make(chan struct{}),
		subs:      make(map[string]string),
	}
}

// run drives the connection to completion. It returns when the client
// disconnects, idles out, or fails authentication.
func (c *client) run() {
	defer c.close()

	go c.writePump()

	c.conn.SetReadLimit(c.s.cfg.MaxMessageSize)
	if !c.s.cfg.Anonymous {
		c.push(stream.Message{Type: stream.TypeAuthRequired})
	} else {
		c.authed = true
	}

	pongWait := c.s.cfg.IdleTimeout
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.s.logger.Debug("stream read ended", "client_id", c.id, "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if !c.admit() {
			continue
		}
		// Requests from one client are processed in arrival order;
		// handling inline in the read loop is what serializes them.
		if !c.dispatch(raw) {
			return
		}
	}
}

// admit applies per-connection frame admission. Rejected frames are
// answered with RATE_LIMITED rather than closing the stream.
func (c *client) admit() bool {
	if c.s.frames == nil || c.s.cfg.FrameRate.Rate <= 0 {
		return true
	}
	key := ratelimit.FormatKey(ratelimit.KeyTypeConnection, c.id)
	res := c.s.frames.Allow(key, c.s.cfg.FrameRate)
	if res.Allowed {
		return true
	}
	c.s.stats.RecordRateLimited()
	if c.s.metrics != nil {
		c.s.metrics.RateLimitedTotal.Inc()
	}
	c.push(stream.NewError("", stream.CodeRateLimited, "frame rate exceeded"))
	return false
}

// handleAuth processes the auth message. A failed attempt answers
// auth_failed and ends the connection; there is no retry path.
func (c *client) handleAuth(in stream.Inbound) bool {
	var payload struct {
		Token string `json:"token"`
	}
	_ = json.Unmarshal(in.Msg.Payload, &payload)

	ok := c.s.cfg.AuthToken != "" &&
		subtle.ConstantTimeCompare([]byte(payload.Token), []byte(c.s.cfg.AuthToken)) == 1

	if c.s.recorder != nil {
		outcome := audit.OutcomeSuccess
		if !ok {
			outcome = audit.OutcomeFailure
		}
		c.s.recorder.Record(c.ctx, audit.Entry{
			Actor:        audit.ActorSystem,
			Action:       audit.ActionStreamAuth,
			ResourceType: "connection",
			ResourceID:   c.id,
			Outcome:      outcome,
			IP:           c.remote,
		})
	}

	if !ok {
		c.push(stream.Message{Type: stream.TypeAuthFailed, ID: in.Msg.ID})
		return false
	}
	c.authed = true
	c.push(stream.Message{Type: stream.TypeAuthSuccess, ID: in.Msg.ID})
	return true
}

// push queues a frame for delivery, blocking until the write pump
// takes it or the connection is gone. Used for responses, where
// blocking the read loop is the intended backpressure.
func (c *client) push(msg stream.Message) {
	data, err := c.encode(msg)
	if err != nil {
		c.s.logger.Error("encode frame failed", "type", msg.Type, "error", err)
		return
	}
	select {
	case c.send <- data:
	case <-c.ctx.Done():
	}
}

// pushRaw queues an already-encoded frame (cluster peer responses).
func (c *client) pushRaw(data []byte) {
	select {
	case c.send <- data:
	case <-c.ctx.Done():
	}
}

// pushEvent queues an event frame without blocking; a full queue
// drops the event so one slow consumer cannot stall the bus.
func (c *client) pushEvent(msg stream.Message) {
	data, err := c.encode(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		c.s.logger.Warn("event dropped, client send queue full",
			"client_id", c.id, "type", msg.Type)
	}
}

// encode serializes a frame in the client's negotiated format.
// JSON-RPC clients get JSON-RPC responses; everyone else the native
// envelope.
func (c *client) encode(msg stream.Message) ([]byte, error) {
	if c.format == stream.FormatJSONRPC {
		return stream.EncodeJSONRPC(msg)
	}
	return stream.Encode(msg)
}

// writePump serializes all connection writes and keeps the peer alive
// with pings.
func (c *client) writePump() {
	defer close(c.writeDone)
	ping := time.NewTicker(c.s.cfg.IdleTimeout / 3)
	defer ping.Stop()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.ctx.Done():
			// Flush frames queued before shutdown (auth_failed, final
			// responses) so the peer sees them.
			for {
				select {
				case data := <-c.send:
					_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// subscribe registers one channel pattern, idempotently.
func (c *client) subscribe(pattern string) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	if _, ok := c.subs[pattern]; ok {
		return
	}
	subID := c.s.bus.Subscribe(pattern, func(ev event.Event) error {
		payload := stream.EventPayload{
			Channel:   ev.Channel,
			Type:      ev.Type,
			Timestamp: ev.Timestamp,
			AgentID:   ev.AgentID,
			Data:      ev.Data,
		}
		msg, err := stream.NewMessage(stream.TypeEvent, uuid.NewString(), payload)
		if err != nil {
			return err
		}
		c.pushEvent(msg)
		return nil
	}, event.SubscribeOptions{})
	c.subs[pattern] = subID
}

// subscriptions lists the client's current channel patterns.
func (c *client) subscriptions() []string {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	out := make([]string, 0, len(c.subs))
	for pattern := range c.subs {
		out = append(out, pattern)
	}
	return out
}

// close tears the client down: cancels in-flight requests, detaches
// bus subscriptions, and closes the socket.
func (c *client) close() {
	c.cancel()

	c.subsMu.Lock()
	for _, subID := range c.subs {
		c.s.bus.Unsubscribe(subID)
	}
	c.subs = make(map[string]string)
	c.subsMu.Unlock()

	_ = c.conn.Close()
	<-c.writeDone
}
