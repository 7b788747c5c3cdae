package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Policy is the optional approval and action table consulted by the engine.
type Policy struct {
	// AutoApproveRisks lists risk tiers that execute without waiting for
	// approval, provided the proposal neither requires approval nor is
	// interactive.
	AutoApproveRisks []Risk `yaml:"auto_approve_risks"`
	// Actions maps a response action to a canned command, used when the
	// model names an action but proposes no command.
	Actions map[string]CannedAction `yaml:"actions"`
	// InteractivePrograms are command heads that always run interactively.
	InteractivePrograms []string `yaml:"interactive_programs"`
}

// CannedAction is one entry of the action table.
type CannedAction struct {
	Command   string `yaml:"command"`
	Rationale string `yaml:"rationale"`
	Risk      Risk   `yaml:"risk"`
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() Policy {
	return Policy{
		Actions: map[string]CannedAction{
			"list_files":  {Command: "ls -la", Rationale: "List files in the working directory", Risk: RiskLow},
			"disk_usage":  {Command: "df -h", Rationale: "Show disk usage", Risk: RiskLow},
			"show_cwd":    {Command: "pwd", Rationale: "Show the working directory", Risk: RiskLow},
			"system_info": {Command: "uname -a", Rationale: "Show kernel and host details", Risk: RiskLow},
			"processes":   {Command: "ps aux", Rationale: "List running processes", Risk: RiskLow},
		},
		InteractivePrograms: []string{
			"vim", "vi", "nvim", "nano", "emacs", "less", "more", "man",
			"top", "htop", "watch", "ssh", "tmux", "screen", "python", "python3", "node",
		},
	}
}

// LoadPolicy reads a YAML policy file. An empty path yields DefaultPolicy.
// Sections missing from the file keep their defaults.
func LoadPolicy(path string) (Policy, error) {
	p := DefaultPolicy()
	if strings.TrimSpace(path) == "" {
		return p, nil
	}

	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}

	var file Policy
	if err := yaml.Unmarshal(content, &file); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if file.AutoApproveRisks != nil {
		p.AutoApproveRisks = file.AutoApproveRisks
	}
	if file.Actions != nil {
		p.Actions = file.Actions
	}
	if file.InteractivePrograms != nil {
		p.InteractivePrograms = file.InteractivePrograms
	}
	for _, r := range p.AutoApproveRisks {
		if ParseRisk(string(r)) == "" {
			return Policy{}, fmt.Errorf("parse policy: unknown risk %q", r)
		}
	}
	return p, nil
}

// AutoApproves reports whether prop may run without waiting for approval.
func (p Policy) AutoApproves(prop Proposal) bool {
	if prop.RequiresApproval || prop.Interactive || prop.Risk == "" {
		return false
	}
	for _, r := range p.AutoApproveRisks {
		if r == prop.Risk {
			return true
		}
	}
	return false
}

// IsInteractive reports whether command starts with a program that needs a
// live terminal.
func (p Policy) IsInteractive(command string) bool {
	fields := strings.Fields(command)
	for len(fields) > 0 && (fields[0] == "sudo" || strings.Contains(fields[0], "=")) {
		fields = fields[1:]
	}
	if len(fields) == 0 {
		return false
	}
	head := filepath.Base(fields[0])
	for _, prog := range p.InteractivePrograms {
		if head == prog {
			return true
		}
	}
	return false
}

// Canned returns the proposal for a named action, if the table maps it.
func (p Policy) Canned(action string) (Proposal, bool) {
	a, ok := p.Actions[strings.TrimSpace(action)]
	if !ok || strings.TrimSpace(a.Command) == "" {
		return Proposal{}, false
	}
	return Proposal{Command: a.Command, Rationale: a.Rationale, Risk: ParseRisk(string(a.Risk))}, true
}

// apply fills proposals from the action table and marks interactive programs.
func (p Policy) apply(resp Response) Response {
	if len(resp.Commands) == 0 && resp.Action != "" && !resp.Done {
		if prop, ok := p.Canned(resp.Action); ok {
			resp.Commands = []Proposal{prop}
		}
	}
	for i := range resp.Commands {
		if p.IsInteractive(resp.Commands[i].Command) {
			resp.Commands[i].Interactive = true
		}
	}
	return resp
}
