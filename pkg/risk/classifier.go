package risk

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/google/cel-go/cel"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

// SupportedPolicyVersions is the semver constraint a risk policy file must meet.
const SupportedPolicyVersions = ">= 1.0.0, < 2.0.0"

// Action is the part of an upchain request the classifier looks at.
type Action struct {
	Type          string
	Details       string
	Justification string
	Context       map[string]any
	Declared      Level
}

// Rule raises the level of an action when its CEL condition holds.
type Rule struct {
	Name    string `yaml:"name"`
	When    string `yaml:"when"`
	RaiseTo Level  `yaml:"raise_to"`
}

// Policy is the YAML risk policy document.
type Policy struct {
	Version string `yaml:"version"`
	// UnknownFloor applies to action types missing from Actions.
	UnknownFloor Level            `yaml:"unknown_floor"`
	Actions      map[string]Level `yaml:"actions"`
	Rules        []Rule           `yaml:"rules"`
}

// DefaultPolicy is used when no policy file is configured.
func DefaultPolicy() Policy {
	return Policy{
		Version:      "1.0.0",
		UnknownFloor: High,
		Actions: map[string]Level{
			"read_data":        Minimal,
			"send_message":     Low,
			"generate_content": Low,
			"api_call":         Medium,
			"write_data":       Medium,
			"external_api":     Medium,
			"financial":        High,
			"delete_data":      High,
			"modify_config":    High,
			"execute_code":     High,
			"credential_use":   Critical,
			"system_admin":     Critical,
		},
		Rules: []Rule{
			{Name: "bulk_operation", When: `details.contains("bulk") || details.contains("all records")`, RaiseTo: High},
			{Name: "production_target", When: `details.contains("production")`, RaiseTo: High},
			{Name: "irreversible", When: `details.contains("irreversible") || details.contains("drop table")`, RaiseTo: Critical},
		},
	}
}

// ParsePolicy decodes and validates a YAML policy.
func ParsePolicy(data []byte) (Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse risk policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// LoadPolicy reads a YAML policy file.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("load risk policy %q: %w", path, err)
	}
	return ParsePolicy(data)
}

// Validate checks the version constraint and level ranges.
func (p Policy) Validate() error {
	v, err := semver.NewVersion(p.Version)
	if err != nil {
		return fmt.Errorf("risk policy version %q: %w", p.Version, err)
	}
	c, err := semver.NewConstraint(SupportedPolicyVersions)
	if err != nil {
		return err
	}
	if !c.Check(v) {
		return fmt.Errorf("risk policy version %s not supported (want %s)", v, SupportedPolicyVersions)
	}
	if !p.UnknownFloor.Valid() {
		return fmt.Errorf("risk policy unknown_floor %d out of range", p.UnknownFloor)
	}
	for name, lvl := range p.Actions {
		if !lvl.Valid() {
			return fmt.Errorf("risk policy action %q: level %d out of range", name, lvl)
		}
	}
	for _, r := range p.Rules {
		if !r.RaiseTo.Valid() {
			return fmt.Errorf("risk policy rule %q: raise_to %d out of range", r.Name, r.RaiseTo)
		}
	}
	return nil
}

// NormalizeActionType canonicalises an action type for lookup.
func NormalizeActionType(s string) string {
	s = norm.NFC.String(strings.TrimSpace(s))
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, " ", "_")
}

type compiledRule struct {
	rule Rule
	prg  cel.Program
}

// Classifier assigns risk levels. Safe for concurrent use.
type Classifier struct {
	mu      sync.RWMutex
	actions map[string]Level
	floor   Level
	rules   []compiledRule
	logger  *slog.Logger
}

// NewClassifier compiles the policy's rules. A rule that does not compile
// fails construction.
func NewClassifier(p Policy, logger *slog.Logger) (*Classifier, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	env, err := cel.NewEnv(
		cel.Variable("action_type", cel.StringType),
		cel.Variable("details", cel.StringType),
		cel.Variable("justification", cel.StringType),
		cel.Variable("declared", cel.IntType),
		cel.Variable("context", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	rules := make([]compiledRule, 0, len(p.Rules))
	for _, r := range p.Rules {
		ast, issues := env.Compile(r.When)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("rule %q compile: %w", r.Name, issues.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("rule %q must evaluate to bool", r.Name)
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, fmt.Errorf("rule %q program: %w", r.Name, err)
		}
		rules = append(rules, compiledRule{rule: r, prg: prg})
	}

	actions := make(map[string]Level, len(p.Actions))
	for name, lvl := range p.Actions {
		actions[NormalizeActionType(name)] = lvl
	}

	return &Classifier{
		actions: actions,
		floor:   p.UnknownFloor,
		rules:   rules,
		logger:  logger.With("component", "risk"),
	}, nil
}

// Known reports whether the action type has an explicit level.
func (c *Classifier) Known(actionType string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.actions[NormalizeActionType(actionType)]
	return ok
}

// Classify returns the risk level for an action. Deterministic for
// identical input; the declared level can only raise the result.
// Unknown action types never classify below the policy floor, and a rule
// that fails to evaluate forces Critical.
func (c *Classifier) Classify(ctx context.Context, a Action) Level {
	declared := a.Declared
	if declared < Minimal {
		declared = Minimal
	}
	if declared > Critical {
		return Critical
	}

	actionType := NormalizeActionType(a.Type)

	c.mu.RLock()
	base, known := c.actions[actionType]
	floor := c.floor
	rules := c.rules
	c.mu.RUnlock()

	level := Max(base, declared)
	if !known {
		level = Max(declared, floor)
	}

	if len(rules) == 0 {
		return level
	}

	input := map[string]any{
		"action_type":   actionType,
		"details":       strings.ToLower(a.Details),
		"justification": strings.ToLower(a.Justification),
		"declared":      int64(declared),
		"context":       contextOrEmpty(a.Context),
	}
	for _, cr := range rules {
		if level == Critical {
			break
		}
		out, _, err := cr.prg.ContextEval(ctx, input)
		if err != nil {
			c.logger.Warn("risk rule failed, classifying as critical", "rule", cr.rule.Name, "error", err)
			return Critical
		}
		if hit, ok := out.Value().(bool); ok && hit {
			level = Max(level, cr.rule.RaiseTo)
		}
	}
	return level
}

func contextOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// Reload swaps in a new policy. In-flight Classify calls finish on the old one.
func (c *Classifier) Reload(p Policy) error {
	next, err := NewClassifier(p, c.logger)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.actions = next.actions
	c.floor = next.floor
	c.rules = next.rules
	c.mu.Unlock()
	c.logger.Info("risk policy reloaded", "version", p.Version, "actions", len(p.Actions), "rules", len(p.Rules))
	return nil
}
