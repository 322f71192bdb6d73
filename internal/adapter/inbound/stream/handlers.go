package stream

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Agent-Gate/agentgate/internal/adapter/outbound/cluster"
	"github.com/Agent-Gate/agentgate/internal/domain/agent"
	"github.com/Agent-Gate/agentgate/internal/domain/ratelimit"
	"github.com/Agent-Gate/agentgate/internal/port/outbound"
	"github.com/Agent-Gate/agentgate/internal/service"
	"github.com/Agent-Gate/agentgate/pkg/stream"
)

// dispatch decodes and handles one inbound frame. The return value is
// false when the connection must end (failed auth).
func (c *client) dispatch(raw []byte) bool {
	in, err := stream.Decode(raw)
	if err != nil {
		c.push(stream.NewError("", stream.CodeValidationError, "malformed frame: "+err.Error()))
		return true
	}
	c.format = in.Format
	c.s.stats.RecordFormat(in.Format.String())
	if c.s.metrics != nil {
		c.s.metrics.StreamMessagesTotal.WithLabelValues(in.Msg.Type).Inc()
	}

	if !c.authed {
		if in.Msg.Type != stream.TypeAuth {
			c.push(stream.NewError(in.Msg.ID, stream.CodeAuthError, "authentication required"))
			return true
		}
		return c.handleAuth(in)
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.s.cfg.RequestTimeout)
	defer cancel()

	switch in.Msg.Type {
	case stream.TypeAuth:
		// Already authenticated; acknowledge idempotently.
		c.push(stream.Message{Type: stream.TypeAuthSuccess, ID: in.Msg.ID})
	case stream.TypeChat:
		c.handleChat(ctx, in)
	case stream.TypeAgentSpawn:
		c.handleAgentSpawn(ctx, in)
	case stream.TypeAgentTerminate:
		c.handleAgentTerminate(ctx, in, raw)
	case stream.TypeAgentStatus, stream.TypeAgentList:
		c.handleAgentStatus(ctx, in, raw)
	case stream.TypeAgentTask:
		c.handleAgentTask(ctx, in, raw)
	case stream.TypeSubscribe:
		c.handleSubscribe(in)
	default:
		c.push(stream.NewError(in.Msg.ID, stream.CodeValidationError, "unknown message type: "+in.Msg.Type))
	}
	return true
}

// fail maps a service error to the dispatcher error taxonomy and
// answers the request.
func (c *client) fail(id string, err error) {
	c.s.stats.RecordError()
	c.push(stream.NewError(id, errorCode(err), err.Error()))
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, service.ErrInvalidManifest):
		return stream.CodeValidationError
	case errors.Is(err, service.ErrAgentNotFound), errors.Is(err, cluster.ErrAgentUnknown):
		return stream.CodeNotFound
	case errors.Is(err, service.ErrAgentState):
		return stream.CodeAgentError
	case errors.Is(err, cluster.ErrForwardFailed):
		return stream.CodeClusterForwardFailed
	case errors.Is(err, outbound.ErrProviderUnavailable):
		return stream.CodeProviderError
	default:
		return stream.CodeInternal
	}
}

// respond answers the request with a typed payload, or INTERNAL if the
// payload cannot be marshaled.
func (c *client) respond(msgType, id string, payload any) {
	msg, err := stream.NewMessage(msgType, id, payload)
	if err != nil {
		c.push(stream.NewError(id, stream.CodeInternal, "encode response failed"))
		return
	}
	c.push(msg)
}

func (c *client) handleChat(ctx context.Context, in stream.Inbound) {
	var req outbound.ChatRequest
	if err := json.Unmarshal(in.Msg.Payload, &req); err != nil {
		c.push(stream.NewError(in.Msg.ID, stream.CodeValidationError, "invalid chat payload"))
		return
	}
	if len(req.Messages) == 0 {
		c.push(stream.NewError(in.Msg.ID, stream.CodeValidationError, "chat requires at least one message"))
		return
	}
	c.s.stats.RecordChat()

	if c.s.provider == nil {
		c.push(stream.NewError(in.Msg.ID, stream.CodeProviderError, "no chat provider configured"))
		return
	}

	// Admission charges the caller's bucket and the provider's bucket:
	// an agent that names itself is limited per agent, everything else
	// per connection, and the shared provider budget always applies.
	caller := ratelimit.FormatKey(ratelimit.KeyTypeConnection, c.id)
	if req.AgentID != "" {
		caller = ratelimit.FormatKey(ratelimit.KeyTypeAgent, req.AgentID)
	}
	keys := []string{caller, ratelimit.FormatKey(ratelimit.KeyTypeProvider, c.s.provider.Name())}
	estimated := outbound.EstimateTokens(req)
	if c.s.limiter != nil {
		for _, key := range keys {
			if err := c.s.limiter.Acquire(ctx, key, estimated); err != nil {
				c.s.stats.RecordRateLimited()
				if c.s.metrics != nil {
					c.s.metrics.RateLimitedTotal.Inc()
				}
				c.push(stream.NewError(in.Msg.ID, stream.CodeRateLimited, "rate limit wait exceeded deadline"))
				return
			}
		}
	}

	if req.Stream {
		c.streamChat(ctx, in, req, keys, estimated)
		return
	}

	resp, err := c.s.provider.Chat(ctx, req)
	if err != nil {
		c.fail(in.Msg.ID, err)
		return
	}
	c.reportUsage(keys, estimated, resp.Usage)
	c.respond(stream.TypeChatResponse, in.Msg.ID, resp)
}

// streamChat delivers chat deltas as chat_stream frames closed by one
// chat_stream_end. A deadline mid-stream ends the stream with reason
// "timeout"; content already delivered stands.
func (c *client) streamChat(ctx context.Context, in stream.Inbound, req outbound.ChatRequest, keys []string, estimated int) {
	type streamEnd struct {
		StopReason string         `json:"stop_reason"`
		Usage      outbound.Usage `json:"usage"`
	}
	var final outbound.ChatDelta

	err := c.s.provider.ChatStream(ctx, req, func(delta outbound.ChatDelta) error {
		if delta.Done {
			final = delta
			return nil
		}
		c.respond(stream.TypeChatStream, in.Msg.ID, map[string]string{"content": delta.Content})
		return nil
	})
	switch {
	case err == nil:
		c.reportUsage(keys, estimated, final.Usage)
		c.respond(stream.TypeChatStreamEnd, in.Msg.ID, streamEnd{
			StopReason: final.StopReason,
			Usage:      final.Usage,
		})
	case errors.Is(err, context.DeadlineExceeded):
		c.respond(stream.TypeChatStreamEnd, in.Msg.ID, streamEnd{StopReason: "timeout"})
	default:
		c.fail(in.Msg.ID, err)
	}
}

// reportUsage reconciles the pre-admission estimate against the
// provider's actual count on every charged bucket.
func (c *client) reportUsage(keys []string, estimated int, usage outbound.Usage) {
	if c.s.limiter == nil {
		return
	}
	actual := usage.PromptTokens + usage.CompletionTokens
	if actual > 0 {
		for _, key := range keys {
			c.s.limiter.ReportUsage(key, estimated, actual)
		}
	}
}

func (c *client) handleAgentSpawn(ctx context.Context, in stream.Inbound) {
	var payload struct {
		Manifest agent.Manifest `json:"manifest"`
	}
	if err := json.Unmarshal(in.Msg.Payload, &payload); err != nil {
		c.push(stream.NewError(in.Msg.ID, stream.CodeValidationError, "invalid spawn payload"))
		return
	}
	if c.s.agents == nil {
		c.push(stream.NewError(in.Msg.ID, stream.CodeInternal, "agent service not configured"))
		return
	}
	entry, err := c.s.agents.Spawn(ctx, payload.Manifest)
	if err != nil {
		c.fail(in.Msg.ID, err)
		return
	}
	c.respond(stream.TypeAgentSpawnResult, in.Msg.ID, map[string]any{
		"agentId":    entry.ID,
		"externalId": entry.ExternalID,
		"status":     string(entry.State),
	})
}

func (c *client) handleAgentTerminate(ctx context.Context, in stream.Inbound, raw []byte) {
	agentID, ok := c.agentIDFrom(in)
	if !ok {
		return
	}
	if c.s.agents == nil {
		c.push(stream.NewError(in.Msg.ID, stream.CodeInternal, "agent service not configured"))
		return
	}
	err := c.s.agents.Terminate(ctx, agentID)
	if errors.Is(err, service.ErrAgentNotFound) && c.forwarded(ctx, in, agentID, raw) {
		return
	}
	if err != nil {
		c.fail(in.Msg.ID, err)
		return
	}
	c.respond(stream.TypeAgentTerminateResult, in.Msg.ID, map[string]any{
		"agentId": agentID,
		"success": true,
	})
}

func (c *client) handleAgentStatus(ctx context.Context, in stream.Inbound, raw []byte) {
	var payload struct {
		AgentID string `json:"agentId"`
	}
	_ = json.Unmarshal(in.Msg.Payload, &payload)

	if c.s.agents == nil {
		c.push(stream.NewError(in.Msg.ID, stream.CodeInternal, "agent service not configured"))
		return
	}
	if payload.AgentID == "" {
		c.respond(stream.TypeAgentList, in.Msg.ID, map[string]any{
			"agents": c.s.agents.List(),
		})
		return
	}

	entry, err := c.s.agents.Status(payload.AgentID)
	if errors.Is(err, service.ErrAgentNotFound) && c.forwarded(ctx, in, payload.AgentID, raw) {
		return
	}
	if err != nil {
		c.fail(in.Msg.ID, err)
		return
	}
	c.respond(stream.TypeAgentStatus, in.Msg.ID, entry)
}

func (c *client) handleAgentTask(ctx context.Context, in stream.Inbound, raw []byte) {
	var payload struct {
		AgentID string          `json:"agentId"`
		Task    json.RawMessage `json:"task"`
	}
	if err := json.Unmarshal(in.Msg.Payload, &payload); err != nil || payload.AgentID == "" {
		c.push(stream.NewError(in.Msg.ID, stream.CodeValidationError, "invalid task payload"))
		return
	}
	var task struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload.Task, &task); err != nil || task.Type == "" {
		c.push(stream.NewError(in.Msg.ID, stream.CodeValidationError, "task requires a type"))
		return
	}
	if c.s.agents == nil {
		c.push(stream.NewError(in.Msg.ID, stream.CodeInternal, "agent service not configured"))
		return
	}

	res, err := c.s.agents.Task(ctx, payload.AgentID, task.Type, payload.Task)
	if errors.Is(err, service.ErrAgentNotFound) && c.forwarded(ctx, in, payload.AgentID, raw) {
		return
	}
	if err != nil {
		c.fail(in.Msg.ID, err)
		return
	}

	status := "ok"
	if !res.Success {
		status = "error"
	}
	c.respond(stream.TypeAgentTaskResult, in.Msg.ID, map[string]any{
		"agentId": payload.AgentID,
		"status":  status,
		"result":  res.Result,
		"error":   res.Error,
	})
}

func (c *client) handleSubscribe(in stream.Inbound) {
	var payload struct {
		Channels []string `json:"channels"`
	}
	if err := json.Unmarshal(in.Msg.Payload, &payload); err != nil || len(payload.Channels) == 0 {
		c.push(stream.NewError(in.Msg.ID, stream.CodeValidationError, "subscribe requires channels"))
		return
	}
	if c.s.bus == nil {
		c.push(stream.NewError(in.Msg.ID, stream.CodeInternal, "event bus not configured"))
		return
	}
	for _, pattern := range payload.Channels {
		c.subscribe(pattern)
	}
	c.respond(stream.TypeSubscribeResult, in.Msg.ID, map[string]any{
		"channels": c.subscriptions(),
	})
}

// agentIDFrom extracts the required agentId payload field, answering
// VALIDATION_ERROR when missing.
func (c *client) agentIDFrom(in stream.Inbound) (string, bool) {
	var payload struct {
		AgentID string `json:"agentId"`
	}
	if err := json.Unmarshal(in.Msg.Payload, &payload); err != nil || payload.AgentID == "" {
		c.push(stream.NewError(in.Msg.ID, stream.CodeValidationError, "agentId is required"))
		return "", false
	}
	return payload.AgentID, true
}

// forwarded relays the original frame to the agent's owning node when
// the agent is not local. It reports whether the request was answered
// here, either with the peer response or a forward error.
func (c *client) forwarded(ctx context.Context, in stream.Inbound, agentID string, raw []byte) bool {
	if c.s.fwd == nil {
		return false
	}
	_, local, err := c.s.fwd.Owner(ctx, agentID)
	if err != nil || local {
		return false
	}

	fwdCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	resp, err := c.s.fwd.Forward(fwdCtx, agentID, raw, c.hops)
	if err != nil {
		c.fail(in.Msg.ID, err)
		return true
	}
	c.pushRaw(resp)
	return true
}
