package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ParseRuleSet decodes a rule-set document. YAML and JSON are both
// accepted (JSON is a YAML subset). Unknown decisions are rejected
// here so a typo cannot silently widen access.
func ParseRuleSet(data []byte) (RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return RuleSet{}, fmt.Errorf("parse rule set: %w", err)
	}
	if err := validateRuleSet(rs); err != nil {
		return RuleSet{}, err
	}
	return rs, nil
}

// LoadRuleSetFile reads and parses a rule-set file.
func LoadRuleSetFile(path string) (RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RuleSet{}, fmt.Errorf("read rule set: %w", err)
	}
	return ParseRuleSet(data)
}

func validDecision(d Decision) bool {
	switch d {
	case "", DecisionAllow, DecisionBlock, DecisionApprovalRequired:
		return true
	}
	return false
}

func validateRuleSet(rs RuleSet) error {
	if !validDecision(rs.File.Default) || !validDecision(rs.Network.Default) || !validDecision(rs.Shell.Default) {
		return fmt.Errorf("invalid default decision")
	}
	for i, r := range rs.File.Rules {
		if r.Pattern == "" {
			return fmt.Errorf("file rule %s: empty pattern", ruleName(r.ID, i))
		}
		if !validDecision(r.Decision) || r.Decision == "" {
			return fmt.Errorf("file rule %s: invalid decision %q", ruleName(r.ID, i), r.Decision)
		}
		for _, op := range r.Operations {
			if !validFileOps[op] {
				return fmt.Errorf("file rule %s: unknown operation %q", ruleName(r.ID, i), op)
			}
		}
	}
	for i, r := range rs.Network.Rules {
		if r.HostPattern == "" {
			return fmt.Errorf("network rule %s: empty host_pattern", ruleName(r.ID, i))
		}
		if !validDecision(r.Decision) || r.Decision == "" {
			return fmt.Errorf("network rule %s: invalid decision %q", ruleName(r.ID, i), r.Decision)
		}
		if r.PortMin < 0 || r.PortMax < 0 || (r.PortMax > 0 && r.PortMin > r.PortMax) {
			return fmt.Errorf("network rule %s: invalid port range", ruleName(r.ID, i))
		}
	}
	for i, r := range rs.Shell.Rules {
		if r.CommandPattern == "" {
			return fmt.Errorf("shell rule %s: empty command_pattern", ruleName(r.ID, i))
		}
		if !validDecision(r.Decision) || r.Decision == "" {
			return fmt.Errorf("shell rule %s: invalid decision %q", ruleName(r.ID, i), r.Decision)
		}
	}
	return nil
}
