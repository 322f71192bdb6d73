package stream

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/goleak"

	"github.com/Agent-Gate/agentgate/internal/adapter/outbound/llm"
	"github.com/Agent-Gate/agentgate/internal/domain/capability"
	"github.com/Agent-Gate/agentgate/internal/domain/event"
	"github.com/Agent-Gate/agentgate/internal/domain/ratelimit"
	"github.com/Agent-Gate/agentgate/internal/service"
	"github.com/Agent-Gate/agentgate/pkg/stream"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testGate struct {
	srv    *httptest.Server
	server *Server
	bus    *event.Bus
}

func newTestGate(t *testing.T, cfg Config, mutate func(*Deps)) *testGate {
	t.Helper()
	caps, err := capability.NewManager([][]byte{[]byte("stream-test-secret-0123456789abcd")})
	if err != nil {
		t.Fatal(err)
	}
	bus := event.NewBus()
	agents := service.NewAgentService(service.AgentServiceConfig{
		Capabilities: caps,
		Bus:          bus,
		NodeID:       "node-test",
	})
	deps := Deps{
		Agents:   agents,
		Provider: llm.NewScripted("scripted", "hello from the model"),
		Bus:      bus,
		Stats:    service.NewStatsService(),
	}
	if mutate != nil {
		mutate(&deps)
	}
	server := NewServer(cfg, deps)
	srv := httptest.NewServer(server)
	t.Cleanup(srv.Close)
	return &testGate{srv: srv, server: server, bus: bus}
}

func (g *testGate) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(g.srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func readMsg(t *testing.T, conn *websocket.Conn) stream.Message {
	t.Helper()
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg stream.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return msg
}

func sendJSON(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// authedConn dials and completes the handshake.
func (g *testGate) authedConn(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	conn := g.dial(t)
	if got := readMsg(t, conn); got.Type != stream.TypeAuthRequired {
		t.Fatalf("first frame = %s, want auth_required", got.Type)
	}
	sendJSON(t, conn, `{"type":"auth","id":"a1","payload":{"token":"`+token+`"}}`)
	if got := readMsg(t, conn); got.Type != stream.TypeAuthSuccess {
		t.Fatalf("auth reply = %s, want auth_success", got.Type)
	}
	return conn
}

func errPayload(t *testing.T, msg stream.Message) stream.ErrorPayload {
	t.Helper()
	if msg.Type != stream.TypeError {
		t.Fatalf("frame type = %s, want error", msg.Type)
	}
	var ep stream.ErrorPayload
	if err := json.Unmarshal(msg.Payload, &ep); err != nil {
		t.Fatal(err)
	}
	return ep
}

func TestAuth_Handshake(t *testing.T) {
	g := newTestGate(t, Config{AuthToken: "tok"}, nil)
	g.authedConn(t, "tok")
}

func TestAuth_WrongTokenClosesConnection(t *testing.T) {
	g := newTestGate(t, Config{AuthToken: "tok"}, nil)
	conn := g.dial(t)
	readMsg(t, conn) // auth_required

	sendJSON(t, conn, `{"type":"auth","id":"a1","payload":{"token":"wrong"}}`)
	if got := readMsg(t, conn); got.Type != stream.TypeAuthFailed {
		t.Fatalf("reply = %s, want auth_failed", got.Type)
	}
	// No retry path: the server closes after auth_failed.
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("connection stayed open after auth_failed")
	}
}

func TestAuth_RequiredBeforeOperations(t *testing.T) {
	g := newTestGate(t, Config{AuthToken: "tok"}, nil)
	conn := g.dial(t)
	readMsg(t, conn)

	sendJSON(t, conn, `{"type":"agent_status","id":"s1","payload":{}}`)
	got := errPayload(t, readMsg(t, conn))
	if got.Code != stream.CodeAuthError {
		t.Errorf("code = %s, want AUTH_ERROR", got.Code)
	}
}

func TestAnonymousMode_SkipsHandshake(t *testing.T) {
	g := newTestGate(t, Config{Anonymous: true}, nil)
	conn := g.dial(t)

	sendJSON(t, conn, `{"type":"agent_status","id":"s1","payload":{}}`)
	if got := readMsg(t, conn); got.Type != stream.TypeAgentList {
		t.Errorf("reply = %s, want agent_list without auth", got.Type)
	}
}

func TestChat_Response(t *testing.T) {
	g := newTestGate(t, Config{Anonymous: true}, nil)
	conn := g.dial(t)

	sendJSON(t, conn, `{"type":"chat","id":"c1","payload":{"messages":[{"role":"user","content":"hi"}]}}`)
	got := readMsg(t, conn)
	if got.Type != stream.TypeChatResponse || got.ID != "c1" {
		t.Fatalf("reply = %s id %s", got.Type, got.ID)
	}
	var resp struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(got.Payload, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Content != "hello from the model" {
		t.Errorf("content = %q", resp.Content)
	}
}

func TestChat_StreamPair(t *testing.T) {
	g := newTestGate(t, Config{Anonymous: true}, nil)
	conn := g.dial(t)

	sendJSON(t, conn, `{"type":"chat","id":"c2","payload":{"messages":[{"role":"user","content":"hi"}],"stream":true}}`)

	var content strings.Builder
	for {
		got := readMsg(t, conn)
		if got.ID != "c2" {
			t.Fatalf("unexpected id %s", got.ID)
		}
		if got.Type == stream.TypeChatStreamEnd {
			break
		}
		if got.Type != stream.TypeChatStream {
			t.Fatalf("frame type = %s", got.Type)
		}
		var delta struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal(got.Payload, &delta); err != nil {
			t.Fatal(err)
		}
		content.WriteString(delta.Content)
	}
	if got := strings.TrimSpace(content.String()); got != "hello from the model" {
		t.Errorf("streamed content = %q", got)
	}
}

func TestChat_ValidationError(t *testing.T) {
	g := newTestGate(t, Config{Anonymous: true}, nil)
	conn := g.dial(t)

	sendJSON(t, conn, `{"type":"chat","id":"c3","payload":{"messages":[]}}`)
	got := errPayload(t, readMsg(t, conn))
	if got.Code != stream.CodeValidationError {
		t.Errorf("code = %s, want VALIDATION_ERROR", got.Code)
	}
}

func TestChat_ProviderBudgetSharedAcrossConnections(t *testing.T) {
	limiter := ratelimit.NewLimiter(ratelimit.DefaultBucketConfig)
	limiter.SetConfig(ratelimit.FormatKey(ratelimit.KeyTypeProvider, "scripted"), ratelimit.BucketConfig{
		RequestsPerMinute: 1,
		TokensPerMinute:   600_000,
		MaxBurstRequests:  1,
		MaxBurstTokens:    100_000,
	})
	g := newTestGate(t, Config{Anonymous: true, RequestTimeout: 200 * time.Millisecond}, func(d *Deps) {
		d.Limiter = limiter
	})

	first := g.dial(t)
	sendJSON(t, first, `{"type":"chat","id":"c1","payload":{"messages":[{"role":"user","content":"hi"}]}}`)
	if got := readMsg(t, first); got.Type != stream.TypeChatResponse {
		t.Fatalf("first chat reply = %s: %s", got.Type, got.Payload)
	}

	// A different connection has a fresh connection bucket, but the
	// provider bucket is spent.
	second := g.dial(t)
	sendJSON(t, second, `{"type":"chat","id":"c2","payload":{"messages":[{"role":"user","content":"hi"}]}}`)
	got := errPayload(t, readMsg(t, second))
	if got.Code != stream.CodeRateLimited {
		t.Errorf("second chat code = %s, want RATE_LIMITED", got.Code)
	}
}

func TestChat_AgentIDChargesAgentBucket(t *testing.T) {
	limiter := ratelimit.NewLimiter(ratelimit.DefaultBucketConfig)
	g := newTestGate(t, Config{Anonymous: true}, func(d *Deps) {
		d.Limiter = limiter
	})
	conn := g.dial(t)

	sendJSON(t, conn, `{"type":"chat","id":"c1","payload":{"agentId":"a-7","messages":[{"role":"user","content":"hi"}]}}`)
	if got := readMsg(t, conn); got.Type != stream.TypeChatResponse {
		t.Fatalf("chat reply = %s: %s", got.Type, got.Payload)
	}

	agentKey := ratelimit.FormatKey(ratelimit.KeyTypeAgent, "a-7")
	if st := limiter.State(agentKey); st.RequestTokens >= float64(ratelimit.DefaultBucketConfig.MaxBurstRequests) {
		t.Errorf("agent bucket untouched: %v request credits", st.RequestTokens)
	}
	providerKey := ratelimit.FormatKey(ratelimit.KeyTypeProvider, "scripted")
	if st := limiter.State(providerKey); st.RequestTokens >= float64(ratelimit.DefaultBucketConfig.MaxBurstRequests) {
		t.Errorf("provider bucket untouched: %v request credits", st.RequestTokens)
	}
}

func TestAgentLifecycleOverStream(t *testing.T) {
	g := newTestGate(t, Config{Anonymous: true}, nil)
	conn := g.dial(t)

	sendJSON(t, conn, `{"type":"agent_spawn","id":"r1","payload":{"manifest":{"id":"demo","name":"Demo","permissions":["filesystem.read:/tmp"]}}}`)
	got := readMsg(t, conn)
	if got.Type != stream.TypeAgentSpawnResult {
		t.Fatalf("spawn reply = %s: %s", got.Type, got.Payload)
	}
	var spawned struct {
		AgentID    string `json:"agentId"`
		ExternalID string `json:"externalId"`
		Status     string `json:"status"`
	}
	if err := json.Unmarshal(got.Payload, &spawned); err != nil {
		t.Fatal(err)
	}
	if spawned.ExternalID != "demo" || spawned.Status != "ready" {
		t.Errorf("spawn result = %+v", spawned)
	}

	sendJSON(t, conn, `{"type":"agent_status","id":"r2","payload":{"agentId":"`+spawned.AgentID+`"}}`)
	got = readMsg(t, conn)
	if got.Type != stream.TypeAgentStatus {
		t.Fatalf("status reply = %s", got.Type)
	}

	sendJSON(t, conn, `{"type":"agent_terminate","id":"r3","payload":{"agentId":"`+spawned.AgentID+`"}}`)
	got = readMsg(t, conn)
	if got.Type != stream.TypeAgentTerminateResult {
		t.Fatalf("terminate reply = %s: %s", got.Type, got.Payload)
	}

	sendJSON(t, conn, `{"type":"agent_status","id":"r4","payload":{"agentId":"`+spawned.AgentID+`"}}`)
	ep := errPayload(t, readMsg(t, conn))
	if ep.Code != stream.CodeNotFound {
		t.Errorf("status after terminate code = %s, want NOT_FOUND", ep.Code)
	}
}

func TestAgentTask_GatewayHandled(t *testing.T) {
	g := newTestGate(t, Config{Anonymous: true}, nil)
	conn := g.dial(t)

	sendJSON(t, conn, `{"type":"agent_spawn","id":"r1","payload":{"manifest":{"id":"t","name":"T"}}}`)
	var spawned struct {
		AgentID string `json:"agentId"`
	}
	if err := json.Unmarshal(readMsg(t, conn).Payload, &spawned); err != nil {
		t.Fatal(err)
	}

	sendJSON(t, conn, `{"type":"agent_task","id":"r2","payload":{"agentId":"`+spawned.AgentID+`","task":{"type":"directory.agents"}}}`)
	got := readMsg(t, conn)
	if got.Type != stream.TypeAgentTaskResult {
		t.Fatalf("task reply = %s: %s", got.Type, got.Payload)
	}
	var result struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(got.Payload, &result); err != nil {
		t.Fatal(err)
	}
	if result.Status != "ok" {
		t.Errorf("task status = %q", result.Status)
	}
}

func TestSubscribe_DeliversEvents(t *testing.T) {
	g := newTestGate(t, Config{Anonymous: true}, nil)
	conn := g.dial(t)

	sendJSON(t, conn, `{"type":"subscribe","id":"s1","payload":{"channels":["jobs.*"]}}`)
	if got := readMsg(t, conn); got.Type != stream.TypeSubscribeResult {
		t.Fatalf("subscribe reply = %s", got.Type)
	}

	g.bus.Publish(event.Event{Channel: "jobs.build", Type: "job.done", Data: map[string]any{"n": 1}})

	got := readMsg(t, conn)
	if got.Type != stream.TypeEvent {
		t.Fatalf("pushed frame = %s", got.Type)
	}
	var payload stream.EventPayload
	if err := json.Unmarshal(got.Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Channel != "jobs.build" || payload.Type != "job.done" {
		t.Errorf("event payload = %+v", payload)
	}
	if got.ID == "" {
		t.Error("event frame missing server-generated id")
	}

	// Subscribing again to the same pattern is idempotent.
	sendJSON(t, conn, `{"type":"subscribe","id":"s2","payload":{"channels":["jobs.*"]}}`)
	var subResult struct {
		Channels []string `json:"channels"`
	}
	if err := json.Unmarshal(readMsg(t, conn).Payload, &subResult); err != nil {
		t.Fatal(err)
	}
	if len(subResult.Channels) != 1 {
		t.Errorf("channels = %v, want one entry", subResult.Channels)
	}
}

func TestJSONRPC_RequestGetsJSONRPCResponse(t *testing.T) {
	g := newTestGate(t, Config{Anonymous: true}, nil)
	conn := g.dial(t)

	sendJSON(t, conn, `{"jsonrpc":"2.0","id":7,"method":"agent_status","params":{}}`)
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var resp struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      int             `json:"id"`
		Result  json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	if resp.JSONRPC != "2.0" || resp.ID != 7 || len(resp.Result) == 0 {
		t.Errorf("jsonrpc response = %s", raw)
	}
}

func TestUnknownType_ValidationError(t *testing.T) {
	g := newTestGate(t, Config{Anonymous: true}, nil)
	conn := g.dial(t)

	sendJSON(t, conn, `{"type":"frobnicate","id":"x1","payload":{}}`)
	got := errPayload(t, readMsg(t, conn))
	if got.Code != stream.CodeValidationError {
		t.Errorf("code = %s, want VALIDATION_ERROR", got.Code)
	}
}

func TestMalformedFrame_ValidationError(t *testing.T) {
	g := newTestGate(t, Config{Anonymous: true}, nil)
	conn := g.dial(t)

	sendJSON(t, conn, `{"no":"type"}`)
	got := errPayload(t, readMsg(t, conn))
	if got.Code != stream.CodeValidationError {
		t.Errorf("code = %s, want VALIDATION_ERROR", got.Code)
	}
}
