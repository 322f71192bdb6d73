package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrEmptyFrame is returned when a frame contains no JSON object.
var ErrEmptyFrame = errors.New("empty frame")

// ErrUnknownFormat is returned when a frame matches none of the
// accepted wire formats.
var ErrUnknownFormat = errors.New("unknown message format")

// envelope fields recognized during format detection. Kept small on
// purpose: detection must not fully decode arbitrary payloads.
type probe struct {
	Type    string          `json:"type"`
	ID      json.RawMessage `json:"id"`
	Payload json.RawMessage `json:"payload"`
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// Decode normalizes a raw frame into the native envelope. It accepts
// the native format, JSON-RPC 2.0 requests, and OpenClaw-style flat
// envelopes, in that detection order.
func Decode(raw []byte) (Inbound, error) {
	if len(raw) == 0 {
		return Inbound{}, ErrEmptyFrame
	}

	var p probe
	if err := json.Unmarshal(raw, &p); err != nil {
		return Inbound{}, fmt.Errorf("decode frame: %w", err)
	}

	now := time.Now()

	switch {
	case p.JSONRPC == "2.0" && p.Method != "":
		return Inbound{
			Msg: Message{
				Type:    p.Method,
				ID:      decodeID(p.ID),
				Payload: p.Params,
			},
			Format:     FormatJSONRPC,
			ReceivedAt: now,
		}, nil

	case p.Type != "" && len(p.Payload) > 0:
		return Inbound{
			Msg: Message{
				Type:    p.Type,
				ID:      decodeID(p.ID),
				Payload: p.Payload,
			},
			Format:     FormatNative,
			ReceivedAt: now,
		}, nil

	case p.Type != "":
		// OpenClaw-style: request fields live beside type and id.
		// Re-decode the whole object and lift the extras into payload.
		flat := map[string]json.RawMessage{}
		if err := json.Unmarshal(raw, &flat); err != nil {
			return Inbound{}, fmt.Errorf("decode flat frame: %w", err)
		}
		delete(flat, "type")
		delete(flat, "id")
		payload, err := json.Marshal(flat)
		if err != nil {
			return Inbound{}, fmt.Errorf("normalize flat frame: %w", err)
		}
		if len(flat) == 0 {
			payload = nil
		}
		return Inbound{
			Msg: Message{
				Type:    p.Type,
				ID:      decodeID(p.ID),
				Payload: payload,
			},
			Format:     FormatOpenClaw,
			ReceivedAt: now,
		}, nil
	}

	return Inbound{}, ErrUnknownFormat
}

// decodeID accepts string or numeric ids; JSON-RPC clients commonly
// send numbers.
func decodeID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return string(raw)
}

// Encode serializes a native message to its wire form.
func Encode(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

// EncodeJSONRPC serializes a response for a client that spoke
// JSON-RPC 2.0 on the way in. Error messages map to the JSON-RPC
// error member; everything else becomes a result.
func EncodeJSONRPC(msg Message) ([]byte, error) {
	type rpcError struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	out := map[string]any{"jsonrpc": "2.0"}
	if msg.ID != "" {
		if n, err := strconv.ParseInt(msg.ID, 10, 64); err == nil {
			out["id"] = n
		} else {
			out["id"] = msg.ID
		}
	}
	if msg.Type == TypeError {
		var ep ErrorPayload
		if err := json.Unmarshal(msg.Payload, &ep); err != nil {
			return nil, fmt.Errorf("encode rpc error: %w", err)
		}
		out["error"] = rpcError{Code: -32000, Message: ep.Code + ": " + ep.Message}
	} else {
		out["result"] = map[string]any{
			"type":    msg.Type,
			"payload": msg.Payload,
		}
	}
	return json.Marshal(out)
}
