// Package http serves the gate's REST control surface: policy
// evaluation, stats, audit queries, health, and Prometheus metrics.
package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/Agent-Gate/agentgate/internal/domain/audit"
	"github.com/Agent-Gate/agentgate/internal/domain/policy"
	"github.com/Agent-Gate/agentgate/internal/service"
)

// maxRequestBodySize is the maximum allowed request body size (1 MB).
const maxRequestBodySize = 1 << 20

// EvaluateRequest is the body of POST /evaluate. Callers either name a
// tool with free-form args, or spell out the operation directly with
// Type and the matching fields.
type EvaluateRequest struct {
	// Tool form. Args fields depend on the tool.
	Tool    string         `json:"tool,omitempty"`
	Args    map[string]any `json:"args,omitempty"`
	AgentID string         `json:"agentId,omitempty"`

	// Direct operation form.
	Type      string   `json:"type,omitempty"`
	Path      string   `json:"path,omitempty"`
	Operation string   `json:"operation,omitempty"`
	Host      string   `json:"host,omitempty"`
	Port      int      `json:"port,omitempty"`
	Scheme    string   `json:"scheme,omitempty"`
	URL       string   `json:"url,omitempty"`
	Command   string   `json:"command,omitempty"`
	Argv      []string `json:"argv,omitempty"`
	Cwd       string   `json:"cwd,omitempty"`
}

// EvaluateResponse is the body returned by POST /evaluate.
type EvaluateResponse struct {
	Decision    string `json:"decision"`
	Reason      string `json:"reason,omitempty"`
	MatchedRule string `json:"matchedRule,omitempty"`
}

// toolOps maps hook-style tool names to operation builders.
var toolOps = map[string]func(req EvaluateRequest) policy.Operation{
	"read_file":   fileToolOp(policy.FileRead),
	"write_file":  fileToolOp(policy.FileWrite),
	"list_dir":    fileToolOp(policy.FileList),
	"delete_file": fileToolOp(policy.FileDelete),
	"create_file": fileToolOp(policy.FileCreate),
	"bash":        shellToolOp,
	"shell":       shellToolOp,
	"web_fetch":   networkToolOp,
	"http":        networkToolOp,
}

func fileToolOp(op policy.FileOp) func(req EvaluateRequest) policy.Operation {
	return func(req EvaluateRequest) policy.Operation {
		return policy.Operation{
			Type:    policy.OpFile,
			AgentID: req.AgentID,
			Path:    stringArg(req.Args, "path"),
			FileOp:  op,
		}
	}
}

func shellToolOp(req EvaluateRequest) policy.Operation {
	return policy.Operation{
		Type:    policy.OpShell,
		AgentID: req.AgentID,
		Command: stringArg(req.Args, "command"),
		Cwd:     stringArg(req.Args, "cwd"),
	}
}

func networkToolOp(req EvaluateRequest) policy.Operation {
	return policy.Operation{
		Type:    policy.OpNetwork,
		AgentID: req.AgentID,
		URL:     stringArg(req.Args, "url"),
		Host:    stringArg(req.Args, "host"),
	}
}

func stringArg(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	s, _ := args[key].(string)
	return s
}

// operation converts the request to the engine's form. Unknown tools
// and missing types yield a zero-typed operation, which the engine
// blocks as invalid.
func (req EvaluateRequest) operation() policy.Operation {
	if req.Tool != "" {
		if build, ok := toolOps[req.Tool]; ok {
			return build(req)
		}
		return policy.Operation{AgentID: req.AgentID}
	}
	return policy.Operation{
		Type:    policy.OperationType(req.Type),
		AgentID: req.AgentID,
		Path:    req.Path,
		FileOp:  policy.FileOp(req.Operation),
		Host:    req.Host,
		Port:    req.Port,
		Scheme:  req.Scheme,
		URL:     req.URL,
		Command: req.Command,
		Argv:    req.Argv,
		Cwd:     req.Cwd,
	}
}

// evaluateHandler serves POST /evaluate against the policy engine.
// Every call produces one audit entry and one decision counter tick.
func evaluateHandler(engine *policy.Engine, stats *service.StatsService, recorder *audit.Recorder, metrics *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer func() { _ = r.Body.Close() }()

		body, err := io.ReadAll(r.Body)
		if err != nil {
			var maxBytesErr *http.MaxBytesError
			if errors.As(err, &maxBytesErr) {
				http.Error(w, "request body too large (max 1MB)", http.StatusRequestEntityTooLarge)
				return
			}
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}

		var req EvaluateRequest
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, "invalid JSON", http.StatusBadRequest)
			return
		}

		op := req.operation()
		eval := engine.Evaluate(op)

		if stats != nil {
			stats.RecordDecision(string(eval.Decision))
		}
		if metrics != nil {
			metrics.DecisionsTotal.WithLabelValues(string(eval.Decision)).Inc()
		}
		if recorder != nil {
			actor := op.AgentID
			if actor == "" {
				actor = audit.ActorSystem
			}
			outcome := audit.OutcomeSuccess
			if eval.Decision == policy.DecisionBlock {
				outcome = audit.OutcomeFailure
			}
			ip, _ := r.Context().Value(IPAddressKey).(string)
			recorder.Record(r.Context(), audit.Entry{
				Actor:        actor,
				Action:       audit.ActionPolicyEvaluate,
				ResourceType: string(op.Type),
				ResourceID:   op.Path + op.Host + op.Command,
				Outcome:      outcome,
				IP:           ip,
				Details: map[string]any{
					"decision":     string(eval.Decision),
					"reason":       eval.Reason,
					"matched_rule": eval.MatchedRuleID,
				},
			})
		}

		writeJSON(w, http.StatusOK, EvaluateResponse{
			Decision:    string(eval.Decision),
			Reason:      eval.Reason,
			MatchedRule: eval.MatchedRuleID,
		})
	})
}

// statsHandler serves GET /stats from the stats service snapshot.
func statsHandler(stats *service.StatsService) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, stats.GetStats())
	})
}

// auditHandler serves GET /audit from the queryable audit sink.
// Supported query parameters: actor, action, target, since (RFC 3339),
// limit, offset.
func auditHandler(querier audit.Querier) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		if querier == nil {
			http.Error(w, "audit store not queryable", http.StatusNotImplemented)
			return
		}

		q := audit.Query{
			Actor:  r.URL.Query().Get("actor"),
			Action: r.URL.Query().Get("action"),
			Target: r.URL.Query().Get("target"),
		}
		if since := r.URL.Query().Get("since"); since != "" {
			from, err := time.Parse(time.RFC3339, since)
			if err != nil {
				http.Error(w, "invalid since timestamp", http.StatusBadRequest)
				return
			}
			q.From = from
		}
		if limit := r.URL.Query().Get("limit"); limit != "" {
			n, err := strconv.Atoi(limit)
			if err != nil || n < 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			q.Limit = n
		}
		if offset := r.URL.Query().Get("offset"); offset != "" {
			n, err := strconv.Atoi(offset)
			if err != nil || n < 0 {
				http.Error(w, "invalid offset", http.StatusBadRequest)
				return
			}
			q.Offset = n
		}

		entries, err := querier.Query(r.Context(), q)
		if err != nil {
			http.Error(w, "audit query failed", http.StatusInternalServerError)
			return
		}
		if entries == nil {
			entries = []audit.Entry{}
		}
		writeJSON(w, http.StatusOK, entries)
	})
}

// writeJSON encodes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
