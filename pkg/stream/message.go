// Package stream provides the wire envelope and codec for the
// agentgate persistent message stream.
package stream

import (
	"encoding/json"
	"time"
)

// Message type constants for the native wire format.
const (
	// Session handshake.
	TypeAuth         = "auth"
	TypeAuthRequired = "auth_required"
	TypeAuthSuccess  = "auth_success"
	TypeAuthFailed   = "auth_failed"

	// Chat.
	TypeChat          = "chat"
	TypeChatResponse  = "chat_response"
	TypeChatStream    = "chat_stream"
	TypeChatStreamEnd = "chat_stream_end"

	// Agent lifecycle and work.
	TypeAgentSpawn           = "agent_spawn"
	TypeAgentSpawnResult     = "agent_spawn_result"
	TypeAgentTerminate       = "agent_terminate"
	TypeAgentTerminateResult = "agent_terminate_result"
	TypeAgentStatus          = "agent_status"
	TypeAgentList            = "agent_list"
	TypeAgentTask            = "agent_task"
	TypeAgentTaskResult      = "agent_task_result"

	// Event subscriptions.
	TypeSubscribe       = "subscribe"
	TypeSubscribeResult = "subscribe_result"
	TypeEvent           = "event"

	// Errors.
	TypeError = "error"
)

// Error codes carried in error payloads.
const (
	CodeValidationError      = "VALIDATION_ERROR"
	CodeAuthError            = "AUTH_ERROR"
	CodeNotFound             = "NOT_FOUND"
	CodeAgentError           = "AGENT_ERROR"
	CodeProviderError        = "PROVIDER_ERROR"
	CodeClusterForwardFailed = "CLUSTER_FORWARD_FAILED"
	CodeRateLimited          = "RATE_LIMITED"
	CodeInternal             = "INTERNAL"
)

// Format identifies which inbound wire format a message arrived in.
type Format int

const (
	// FormatNative is the agentgate {type, id, payload} envelope.
	FormatNative Format = iota
	// FormatJSONRPC is a JSON-RPC 2.0 request.
	FormatJSONRPC
	// FormatOpenClaw is the OpenClaw-style flat envelope where request
	// fields sit beside type and id at the top level.
	FormatOpenClaw
)

// String returns the string representation of the Format.
func (f Format) String() string {
	switch f {
	case FormatNative:
		return "native"
	case FormatJSONRPC:
		return "jsonrpc"
	case FormatOpenClaw:
		return "openclaw"
	default:
		return "unknown"
	}
}

// Message is the native envelope every inbound frame is normalized to
// before dispatch, and the shape of every outbound frame.
type Message struct {
	// Type is the request or response kind (see Type* constants).
	Type string `json:"type"`

	// ID correlates a response with its request. Server-generated for
	// pushed events.
	ID string `json:"id,omitempty"`

	// Payload is the request- or response-specific body, decoded
	// per-handler.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Inbound wraps a normalized message with receive-side metadata.
type Inbound struct {
	// Msg is the normalized native-form message.
	Msg Message

	// Format records which wire format the frame arrived in, so
	// responses can note compatibility translation in logs.
	Format Format

	// ReceivedAt is when the frame was read from the connection.
	ReceivedAt time.Time
}

// ErrorPayload is the body of a TypeError message.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewError builds an error message correlated to the given request id.
func NewError(id, code, message string) Message {
	payload, _ := json.Marshal(ErrorPayload{Code: code, Message: message})
	return Message{Type: TypeError, ID: id, Payload: payload}
}

// NewMessage builds a message with the payload marshaled to JSON.
// Marshal failures are reported so handlers never emit a half-built
// frame.
func NewMessage(msgType, id string, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: msgType, ID: id, Payload: raw}, nil
}

// EventPayload is the body of a pushed TypeEvent message.
type EventPayload struct {
	Channel   string         `json:"channel"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	AgentID   string         `json:"agentId,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}
