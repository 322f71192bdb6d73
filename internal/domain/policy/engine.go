package policy

import (
	"fmt"
	"net/url"
	"sort"
	"sync/atomic"
	"time"
)

// ReasonInvalidOperation is the fail-closed reason for malformed
// input.
const ReasonInvalidOperation = "invalid operation"

// Engine evaluates operations against a compiled rule set. The active
// set is swapped atomically on reload, so readers never observe a
// partial set. Evaluate performs no I/O: same rule set and same
// operation always yield the same decision (the optional symlink
// resolver is injected by the caller and bypassed in tests).
type Engine struct {
	compiler ConditionCompiler
	resolver PathResolver
	home     string
	clock    func() time.Time

	current atomic.Pointer[compiledRuleSet]
}

// Option configures an Engine.
type Option func(*Engine)

// WithConditionCompiler installs a compiler for rule conditions.
// Rules with conditions fail closed when no compiler is configured.
func WithConditionCompiler(c ConditionCompiler) Option {
	return func(e *Engine) { e.compiler = c }
}

// WithPathResolver installs a symlink resolver used during path
// normalization.
func WithPathResolver(r PathResolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithHome sets the directory "~" expands to.
func WithHome(home string) Option {
	return func(e *Engine) { e.home = home }
}

// WithClock overrides the time source used for condition variables.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// NewEngine creates an engine with an empty (fully blocking) rule
// set.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{clock: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	e.current.Store(&compiledRuleSet{
		fileDefault:    DecisionBlock,
		networkDefault: DecisionBlock,
		shellDefault:   DecisionBlock,
	})
	return e
}

type compiledFileRule struct {
	FileRule
	ops       map[FileOp]bool
	condition ConditionProgram
}

type compiledNetworkRule struct {
	NetworkRule
	condition ConditionProgram
}

type compiledShellRule struct {
	ShellRule
	condition ConditionProgram
}

type compiledRuleSet struct {
	file    []compiledFileRule
	network []compiledNetworkRule
	shell   []compiledShellRule

	fileDefault    Decision
	networkDefault Decision
	shellDefault   Decision
}

// Load compiles a rule set and atomically installs it. Rules are
// stably sorted by priority, so equal priorities keep declared order.
// A condition that fails to compile rejects the whole load: a rule
// set must never be half-installed.
func (e *Engine) Load(rs RuleSet) error {
	compiled := &compiledRuleSet{
		fileDefault:    effectiveDefault(rs.File.Default),
		networkDefault: effectiveDefault(rs.Network.Default),
		shellDefault:   effectiveDefault(rs.Shell.Default),
	}

	for i, r := range rs.File.Rules {
		prog, err := e.compileCondition(r.Condition)
		if err != nil {
			return fmt.Errorf("file rule %q: %w", ruleName(r.ID, i), err)
		}
		cr := compiledFileRule{FileRule: r, condition: prog}
		if len(r.Operations) > 0 {
			cr.ops = make(map[FileOp]bool, len(r.Operations))
			for _, op := range r.Operations {
				cr.ops[op] = true
			}
		}
		compiled.file = append(compiled.file, cr)
	}
	for i, r := range rs.Network.Rules {
		prog, err := e.compileCondition(r.Condition)
		if err != nil {
			return fmt.Errorf("network rule %q: %w", ruleName(r.ID, i), err)
		}
		compiled.network = append(compiled.network, compiledNetworkRule{NetworkRule: r, condition: prog})
	}
	for i, r := range rs.Shell.Rules {
		prog, err := e.compileCondition(r.Condition)
		if err != nil {
			return fmt.Errorf("shell rule %q: %w", ruleName(r.ID, i), err)
		}
		compiled.shell = append(compiled.shell, compiledShellRule{ShellRule: r, condition: prog})
	}

	sort.SliceStable(compiled.file, func(i, j int) bool {
		return compiled.file[i].Priority < compiled.file[j].Priority
	})
	sort.SliceStable(compiled.network, func(i, j int) bool {
		return compiled.network[i].Priority < compiled.network[j].Priority
	})
	sort.SliceStable(compiled.shell, func(i, j int) bool {
		return compiled.shell[i].Priority < compiled.shell[j].Priority
	})

	e.current.Store(compiled)
	return nil
}

func ruleName(id string, index int) string {
	if id != "" {
		return id
	}
	return fmt.Sprintf("#%d", index)
}

func (e *Engine) compileCondition(expr string) (ConditionProgram, error) {
	if expr == "" {
		return nil, nil
	}
	if e.compiler == nil {
		return nil, fmt.Errorf("condition present but no compiler configured")
	}
	prog, err := e.compiler.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("compile condition: %w", err)
	}
	return prog, nil
}

// Evaluate walks the matching rule list in order and returns the
// first match, or the list default. Malformed operations block.
func (e *Engine) Evaluate(op Operation) Evaluation {
	rs := e.current.Load()
	switch op.Type {
	case OpFile:
		return e.evaluateFile(rs, op)
	case OpNetwork:
		return e.evaluateNetwork(rs, op)
	case OpShell:
		return e.evaluateShell(rs, op)
	default:
		return Evaluation{Decision: DecisionBlock, Reason: ReasonInvalidOperation}
	}
}

var validFileOps = map[FileOp]bool{
	FileRead: true, FileWrite: true, FileList: true, FileDelete: true, FileCreate: true,
}

func (e *Engine) evaluateFile(rs *compiledRuleSet, op Operation) Evaluation {
	if op.Path == "" || !validFileOps[op.FileOp] {
		return Evaluation{Decision: DecisionBlock, Reason: ReasonInvalidOperation}
	}
	normalized := NormalizePath(op.Path, e.home, op.Cwd, e.resolver)

	for _, r := range rs.file {
		if r.ops != nil && !r.ops[op.FileOp] {
			continue
		}
		if !pathGlobMatch(r.Pattern, normalized) {
			continue
		}
		if ev, matched := e.applyCondition(r.condition, r.Decision, r.ID, r.Reason, r.Pattern, op); matched {
			return ev
		}
	}
	return Evaluation{Decision: rs.fileDefault, Reason: "file default"}
}

func (e *Engine) evaluateNetwork(rs *compiledRuleSet, op Operation) Evaluation {
	host, port, scheme := op.Host, op.Port, op.Scheme
	if host == "" && op.URL != "" {
		u, err := url.Parse(op.URL)
		if err != nil {
			return Evaluation{Decision: DecisionBlock, Reason: ReasonInvalidOperation}
		}
		host = u.Hostname()
		if scheme == "" {
			scheme = u.Scheme
		}
		if port == 0 && u.Port() != "" {
			fmt.Sscanf(u.Port(), "%d", &port)
		}
	}
	host = NormalizeHost(host)
	if host == "" {
		return Evaluation{Decision: DecisionBlock, Reason: ReasonInvalidOperation}
	}

	for _, r := range rs.network {
		if !hostGlobMatch(r.HostPattern, host) {
			continue
		}
		if r.PortMin > 0 && (port < r.PortMin || (r.PortMax > 0 && port > r.PortMax)) {
			continue
		}
		if r.PortMin == 0 && r.PortMax > 0 && port > r.PortMax {
			continue
		}
		if r.Scheme != "" && r.Scheme != scheme {
			continue
		}
		if ev, matched := e.applyCondition(r.condition, r.Decision, r.ID, r.Reason, r.HostPattern, op); matched {
			return ev
		}
	}
	return Evaluation{Decision: rs.networkDefault, Reason: "network default"}
}

func (e *Engine) evaluateShell(rs *compiledRuleSet, op Operation) Evaluation {
	argv := op.Argv
	if len(argv) == 0 {
		argv = Tokenize(op.Command)
	}
	if len(argv) == 0 {
		return Evaluation{Decision: DecisionBlock, Reason: ReasonInvalidOperation}
	}
	basename := CommandBasename(argv)
	commandLine := op.Command
	if commandLine == "" {
		commandLine = joinArgv(argv)
	}

	// Cross-domain check first: file block rules win over any shell
	// allow rule for commands that touch files.
	if ops, touches := impliedFileOps(basename); touches {
		for _, pathArg := range extractPathArgs(argv) {
			for _, fileOp := range ops {
				ev := e.evaluateFile(rs, Operation{
					Type:    OpFile,
					AgentID: op.AgentID,
					Path:    pathArg,
					FileOp:  fileOp,
					Cwd:     op.Cwd,
				})
				if ev.Decision == DecisionBlock && ev.Reason != "file default" {
					return Evaluation{
						Decision:      DecisionBlock,
						Reason:        fmt.Sprintf("file block — %s", ev.Reason),
						MatchedRuleID: ev.MatchedRuleID,
					}
				}
			}
		}
	}

	for _, r := range rs.shell {
		if !matchSegment(r.CommandPattern, basename) && !matchSegment(r.CommandPattern, commandLine) {
			continue
		}
		if ev, matched := e.applyCondition(r.condition, r.Decision, r.ID, r.Reason, r.CommandPattern, op); matched {
			return ev
		}
	}
	return Evaluation{Decision: rs.shellDefault, Reason: "shell default"}
}

// applyCondition finishes a pattern match by checking the optional
// rule condition. Returns the evaluation and whether the rule
// actually matched. Condition errors fail closed: an allow rule that
// cannot be evaluated is skipped, a block rule still blocks.
func (e *Engine) applyCondition(prog ConditionProgram, decision Decision, id, reason, pattern string, op Operation) (Evaluation, bool) {
	if reason == "" {
		reason = pattern
	}
	if prog == nil {
		return Evaluation{Decision: decision, Reason: reason, MatchedRuleID: id}, true
	}
	ok, err := prog.Eval(e.conditionVars(op))
	if err != nil {
		if decision == DecisionAllow {
			return Evaluation{}, false
		}
		return Evaluation{Decision: DecisionBlock, Reason: reason + " (condition error)", MatchedRuleID: id}, true
	}
	if !ok {
		return Evaluation{}, false
	}
	return Evaluation{Decision: decision, Reason: reason, MatchedRuleID: id}, true
}

// conditionVars builds the variable set rule conditions can inspect.
func (e *Engine) conditionVars(op Operation) map[string]any {
	return map[string]any{
		"agent_id":  op.AgentID,
		"type":      string(op.Type),
		"path":      op.Path,
		"operation": string(op.FileOp),
		"host":      op.Host,
		"port":      op.Port,
		"scheme":    op.Scheme,
		"command":   op.Command,
		"hour":      e.clock().UTC().Hour(),
	}
}

func joinArgv(argv []string) string {
	out := ""
	for i, a := range argv {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}
