package service

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/Agent-Gate/agentgate/internal/domain/agent"
	"github.com/Agent-Gate/agentgate/internal/domain/audit"
	"github.com/Agent-Gate/agentgate/internal/domain/capability"
	"github.com/Agent-Gate/agentgate/internal/domain/policy"
)

// toolCall is the parsed shape of a tool_call task. Argument fields
// are accepted both at the top level and nested under "args", since
// clients send either.
type toolCall struct {
	Tool    string       `json:"tool"`
	Command string       `json:"command,omitempty"`
	Path    string       `json:"path,omitempty"`
	URL     string       `json:"url,omitempty"`
	Args    toolCallArgs `json:"args,omitempty"`
}

type toolCallArgs struct {
	Command string `json:"command,omitempty"`
	Path    string `json:"path,omitempty"`
	URL     string `json:"url,omitempty"`
}

func (tc toolCall) command() string {
	if tc.Command != "" {
		return tc.Command
	}
	return tc.Args.Command
}

func (tc toolCall) path() string {
	if tc.Path != "" {
		return tc.Path
	}
	return tc.Args.Path
}

func (tc toolCall) url() string {
	if tc.URL != "" {
		return tc.URL
	}
	return tc.Args.URL
}

// Tool name classes mapped onto policy operation types.
var (
	shellTools = map[string]bool{
		"shell": true, "bash": true, "sh": true, "exec": true,
	}
	fileTools = map[string]policy.FileOp{
		"file_read":   policy.FileRead,
		"read_file":   policy.FileRead,
		"file_write":  policy.FileWrite,
		"write_file":  policy.FileWrite,
		"file_list":   policy.FileList,
		"file_delete": policy.FileDelete,
		"file_create": policy.FileCreate,
	}
	networkTools = map[string]bool{
		"http_request": true, "fetch": true, "web_fetch": true,
	}
)

// grantQuery is the capability check a classified tool call must pass
// in addition to the policy decision.
type grantQuery struct {
	Category capability.Category
	Action   string
	Resource string
}

// classifyTool maps a tool call onto a policy operation and the
// capability it exercises. Tools outside the built-in classes report
// ok=false and are governed by the tools category alone.
func classifyTool(agentID string, call toolCall) (policy.Operation, grantQuery, bool) {
	tool := strings.ToLower(call.Tool)
	if shellTools[tool] {
		cmd := call.command()
		argv := policy.Tokenize(cmd)
		return policy.Operation{Type: policy.OpShell, AgentID: agentID, Command: cmd},
			grantQuery{capability.CategoryShell, "execute", policy.CommandBasename(argv)}, true
	}
	if op, ok := fileTools[tool]; ok {
		p := call.path()
		return policy.Operation{Type: policy.OpFile, AgentID: agentID, Path: p, FileOp: op},
			grantQuery{capability.CategoryFilesystem, string(op), p}, true
	}
	if networkTools[tool] {
		u := call.url()
		return policy.Operation{Type: policy.OpNetwork, AgentID: agentID, URL: u},
			grantQuery{capability.CategoryNetwork, "request", hostOf(u)}, true
	}
	return policy.Operation{}, grantQuery{}, false
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return rawURL
	}
	return u.Hostname()
}

// guardToolCall enforces the policy rules and the agent's capability
// grants on one tool_call before dispatch. A nil return means the call
// may proceed; otherwise the returned result is the denial to hand
// back. Every decision lands in the audit trail.
func (s *AgentService) guardToolCall(ctx context.Context, entry *agent.Entry, payload []byte) *TaskResult {
	var call toolCall
	if err := json.Unmarshal(payload, &call); err != nil || call.Tool == "" {
		return &TaskResult{Success: false, Error: "tool_call requires a tool", Handled: "gateway"}
	}

	op, query, classified := classifyTool(entry.ID, call)
	if !classified {
		query = grantQuery{capability.CategoryTools, "call", call.Tool}
	}

	if classified && s.cfg.Policy != nil {
		ev := s.cfg.Policy.Evaluate(op)
		if s.cfg.Stats != nil {
			s.cfg.Stats.RecordDecision(string(ev.Decision))
		}
		switch ev.Decision {
		case policy.DecisionBlock:
			return s.denyTool(ctx, entry, call, "Tool denied: "+ev.Reason, ev.MatchedRuleID)
		case policy.DecisionApprovalRequired:
			return s.denyTool(ctx, entry, call, "Tool requires approval: "+ev.Reason, ev.MatchedRuleID)
		}
	}

	if s.cfg.Capabilities != nil {
		check := s.cfg.Capabilities.Check(entry.ID, query.Category, query.Action, query.Resource)
		if !check.Allowed {
			return s.denyTool(ctx, entry, call, "Tool denied: "+check.Reason, "")
		}
	}

	if s.cfg.Audit != nil {
		s.cfg.Audit.Success(ctx, entry.ID, audit.ActionToolAllowed, "tool", call.Tool,
			toolDetails(call, "", ""))
	}
	return nil
}

func (s *AgentService) denyTool(ctx context.Context, entry *agent.Entry, call toolCall, reason, ruleID string) *TaskResult {
	if s.cfg.Audit != nil {
		s.cfg.Audit.Failure(ctx, entry.ID, audit.ActionToolDenied, "tool", call.Tool,
			toolDetails(call, reason, ruleID))
	}
	s.logger.Warn("tool call denied",
		"agent_id", entry.ID,
		"tool", call.Tool,
		"reason", reason)
	return &TaskResult{Success: false, Error: reason, Handled: "gateway"}
}

func toolDetails(call toolCall, reason, ruleID string) map[string]any {
	details := map[string]any{"tool": call.Tool}
	if cmd := call.command(); cmd != "" {
		details["command"] = cmd
	}
	if p := call.path(); p != "" {
		details["path"] = p
	}
	if u := call.url(); u != "" {
		details["url"] = u
	}
	if reason != "" {
		details["reason"] = reason
	}
	if ruleID != "" {
		details["rule_id"] = ruleID
	}
	return details
}
