// Package policy contains the rule model and decision engine for
// file, network, and shell operations.
package policy

// Decision is the outcome of evaluating an operation.
type Decision string

const (
	// DecisionAllow permits the operation.
	DecisionAllow Decision = "allow"
	// DecisionBlock denies the operation.
	DecisionBlock Decision = "block"
	// DecisionApprovalRequired defers the operation to a human.
	DecisionApprovalRequired Decision = "approval_required"
)

// FileOp enumerates the file operations rules can govern.
type FileOp string

const (
	FileRead   FileOp = "read"
	FileWrite  FileOp = "write"
	FileList   FileOp = "list"
	FileDelete FileOp = "delete"
	FileCreate FileOp = "create"
)

// OperationType discriminates Operation variants.
type OperationType string

const (
	OpFile    OperationType = "file"
	OpNetwork OperationType = "network"
	OpShell   OperationType = "shell"
)

// Operation is a normalized request for a policy decision. Exactly one
// variant's fields are populated, selected by Type.
type Operation struct {
	Type    OperationType
	AgentID string

	// File variant.
	Path   string
	FileOp FileOp

	// Network variant.
	Host   string
	Port   int
	Scheme string
	URL    string

	// Shell variant.
	Command string
	Argv    []string
	Cwd     string
}

// Evaluation is the engine's answer for one operation.
type Evaluation struct {
	// Decision is allow, block, or approval_required.
	Decision Decision
	// Reason explains the decision, either the matched rule's reason
	// or the list default.
	Reason string
	// MatchedRuleID identifies the rule that decided, empty when the
	// list default applied.
	MatchedRuleID string
}

// FileRule matches file operations by glob pattern.
type FileRule struct {
	// ID identifies the rule in decisions and audit records.
	ID string `yaml:"id" json:"id"`
	// Pattern is a glob over normalized absolute paths. Supports
	// "**" (crosses separators), "*" (within a segment), and "?".
	Pattern string `yaml:"pattern" json:"pattern"`
	// Operations limits the rule to a subset of file operations.
	// Empty means all operations.
	Operations []FileOp `yaml:"operations" json:"operations,omitempty"`
	// Decision applied when the rule matches.
	Decision Decision `yaml:"decision" json:"decision"`
	// Reason is surfaced with the decision.
	Reason string `yaml:"reason" json:"reason,omitempty"`
	// Priority reorders rules before evaluation; lower runs first.
	// The sort is stable, so equal priorities keep declared order.
	Priority int `yaml:"priority" json:"priority,omitempty"`
	// Condition is an optional CEL expression that must evaluate to
	// true for the rule to apply.
	Condition string `yaml:"condition" json:"condition,omitempty"`
}

// NetworkRule matches network operations by host glob, port range,
// and scheme.
type NetworkRule struct {
	ID string `yaml:"id" json:"id"`
	// HostPattern is a glob over lowercase DNS labels, "*" matching a
	// single label and "**" any number of labels.
	HostPattern string `yaml:"host_pattern" json:"host_pattern"`
	// PortMin and PortMax bound the destination port. Zero values
	// mean unbounded.
	PortMin int `yaml:"port_min" json:"port_min,omitempty"`
	PortMax int `yaml:"port_max" json:"port_max,omitempty"`
	// Scheme restricts the rule to one URL scheme when set.
	Scheme    string   `yaml:"scheme" json:"scheme,omitempty"`
	Decision  Decision `yaml:"decision" json:"decision"`
	Reason    string   `yaml:"reason" json:"reason,omitempty"`
	Priority  int      `yaml:"priority" json:"priority,omitempty"`
	Condition string   `yaml:"condition" json:"condition,omitempty"`
}

// ShellRule matches shell commands by glob over argv[0]'s basename or
// the whole command line.
type ShellRule struct {
	ID             string   `yaml:"id" json:"id"`
	CommandPattern string   `yaml:"command_pattern" json:"command_pattern"`
	Decision       Decision `yaml:"decision" json:"decision"`
	Reason         string   `yaml:"reason" json:"reason,omitempty"`
	Priority       int      `yaml:"priority" json:"priority,omitempty"`
	Condition      string   `yaml:"condition" json:"condition,omitempty"`
}

// RuleSet is the full three-domain rule document.
type RuleSet struct {
	File    FileRuleList    `yaml:"file" json:"file"`
	Network NetworkRuleList `yaml:"network" json:"network"`
	Shell   ShellRuleList   `yaml:"shell" json:"shell"`
}

// FileRuleList is the ordered file rules plus the list default.
type FileRuleList struct {
	// Default applies when no rule matches. Empty means block
	// (fail closed).
	Default Decision   `yaml:"default" json:"default"`
	Rules   []FileRule `yaml:"rules" json:"rules"`
}

// NetworkRuleList is the ordered network rules plus the list default.
type NetworkRuleList struct {
	Default Decision      `yaml:"default" json:"default"`
	Rules   []NetworkRule `yaml:"rules" json:"rules"`
}

// ShellRuleList is the ordered shell rules plus the list default.
type ShellRuleList struct {
	Default Decision    `yaml:"default" json:"default"`
	Rules   []ShellRule `yaml:"rules" json:"rules"`
}

// effectiveDefault applies the fail-closed rule: an unset or unknown
// default is block.
func effectiveDefault(d Decision) Decision {
	if d == DecisionAllow || d == DecisionApprovalRequired {
		return d
	}
	return DecisionBlock
}

// ConditionProgram is a compiled rule condition.
type ConditionProgram interface {
	// Eval returns whether the condition holds for the given
	// variables.
	Eval(vars map[string]any) (bool, error)
}

// ConditionCompiler compiles rule condition expressions. The CEL
// adapter implements this; the engine itself stays free of CEL.
type ConditionCompiler interface {
	Compile(expr string) (ConditionProgram, error)
}
