// Package sandbox isolates agent code in separate OS processes:
// spawn/execute/terminate lifecycle, JSON Lines IPC with heartbeats,
// environment sanitization, resource limits, and an optional
// container runtime with hardened flags.
package sandbox

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// IPC message types exchanged with the worker over stdin/stdout.
const (
	MsgReady         = "ready"
	MsgHeartbeat     = "heartbeat"
	MsgHeartbeatAck  = "heartbeat_ack"
	MsgExecute       = "execute"
	MsgExecuteResult = "execute_result"
	MsgTerminate     = "terminate"
	MsgError         = "error"
)

// ipcMessage is one typed frame on the worker pipe. Unknown types are
// ignored by the receive loop so workers can be newer than the host.
type ipcMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	TS      int64           `json:"ts"`
}

// ipcConn frames JSON Lines messages over the worker's pipes. Writes
// are serialized; reads happen from a single receive loop.
type ipcConn struct {
	mu  sync.Mutex
	w   io.Writer
	enc *json.Encoder
	sc  *bufio.Scanner
}

func newIPCConn(w io.Writer, r io.Reader) *ipcConn {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &ipcConn{w: w, enc: json.NewEncoder(w), sc: sc}
}

func (c *ipcConn) send(msgType, id string, payload any) error {
	msg := ipcMessage{Type: msgType, ID: id, TS: time.Now().UnixMilli()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal ipc payload: %w", err)
		}
		msg.Payload = data
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enc.Encode(msg)
}

// recv blocks for the next well-formed frame. Malformed lines are
// skipped; io errors (worker exit) surface as the scanner error or
// io.EOF.
func (c *ipcConn) recv() (ipcMessage, error) {
	for c.sc.Scan() {
		line := c.sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg ipcMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		if msg.Type == "" {
			continue
		}
		return msg, nil
	}
	if err := c.sc.Err(); err != nil {
		return ipcMessage{}, err
	}
	return ipcMessage{}, io.EOF
}
