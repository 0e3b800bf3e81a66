package numina

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ToolRuleType enumerates the rule variants the engine enforces.
type ToolRuleType string

const (
	// RuleContinueLoop keeps the outer loop running after this tool, with
	// no heartbeat required.
	RuleContinueLoop ToolRuleType = "continue_loop"
	// RuleExitLoop moves the conversation to the cleanup phase after this
	// tool runs.
	RuleExitLoop ToolRuleType = "exit_loop"
	// RuleStartConstraint requires this tool before any non-start tool.
	RuleStartConstraint ToolRuleType = "start_constraint"
	// RuleRequiresPrecedingTools gates this tool on prior successful
	// executions of every condition tool.
	RuleRequiresPrecedingTools ToolRuleType = "requires_preceding_tools"
	// RuleRequiresFollowingTools blocks this tool once any condition tool
	// has already run.
	RuleRequiresFollowingTools ToolRuleType = "requires_following_tools"
	// RuleExclusiveGroups allows at most one tool per group per
	// conversation.
	RuleExclusiveGroups ToolRuleType = "exclusive_groups"
	// RuleRequiredBeforeExit lists tools that must run before the loop may
	// finalize.
	RuleRequiredBeforeExit ToolRuleType = "required_before_exit"
	// RuleRequiredBeforeExitIf is RuleRequiredBeforeExit gated on the
	// condition tools having run.
	RuleRequiredBeforeExitIf ToolRuleType = "required_before_exit_if"
	// RuleMaxCalls caps per-conversation executions.
	RuleMaxCalls ToolRuleType = "max_calls"
	// RuleCooldown enforces a minimum delay between executions.
	RuleCooldown ToolRuleType = "cooldown"
	// RulePeriodic is descriptive: the prompt reminds the model to call
	// the tool on the given cadence.
	RulePeriodic ToolRuleType = "periodic"
	// RuleRequiresConsent holds the tool pending until an external consent
	// signal resolves.
	RuleRequiresConsent ToolRuleType = "requires_consent"
)

// ToolRule is one declarative constraint on tool execution. ToolName may be
// "*" to apply to every tool (conditions then name the tools the rule
// covers, where the variant uses them that way).
type ToolRule struct {
	ToolName   string          `json:"tool_name"`
	Type       ToolRuleType    `json:"rule_type"`
	Conditions []string        `json:"conditions,omitempty"`
	Priority   uint8           `json:"priority,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`

	// Variant payloads. Only the field for Type is meaningful.
	MaxCalls     int           `json:"max_calls,omitempty"`
	Cooldown     time.Duration `json:"cooldown,omitempty"`
	Groups       [][]string    `json:"groups,omitempty"`
	Period       time.Duration `json:"period,omitempty"`
	ConsentScope string        `json:"consent_scope,omitempty"`
}

// Rule constructors, in the shape the configuration layer uses.

func ContinueLoopRule(tool string) ToolRule {
	return ToolRule{ToolName: tool, Type: RuleContinueLoop}
}

func ExitLoopRule(tool string) ToolRule {
	return ToolRule{ToolName: tool, Type: RuleExitLoop}
}

func StartConstraintRule(tool string) ToolRule {
	return ToolRule{ToolName: tool, Type: RuleStartConstraint}
}

func RequiresPrecedingRule(tool string, preceding ...string) ToolRule {
	return ToolRule{ToolName: tool, Type: RuleRequiresPrecedingTools, Conditions: preceding}
}

func RequiresFollowingRule(tool string, following ...string) ToolRule {
	return ToolRule{ToolName: tool, Type: RuleRequiresFollowingTools, Conditions: following}
}

func ExclusiveGroupsRule(tool string, groups ...[]string) ToolRule {
	return ToolRule{ToolName: tool, Type: RuleExclusiveGroups, Groups: groups}
}

func RequiredBeforeExitRule(tool string) ToolRule {
	return ToolRule{ToolName: tool, Type: RuleRequiredBeforeExit}
}

func RequiredBeforeExitIfRule(tool string, conditions ...string) ToolRule {
	return ToolRule{ToolName: tool, Type: RuleRequiredBeforeExitIf, Conditions: conditions}
}

func MaxCallsRule(tool string, max int) ToolRule {
	return ToolRule{ToolName: tool, Type: RuleMaxCalls, MaxCalls: max}
}

func CooldownRule(tool string, d time.Duration) ToolRule {
	return ToolRule{ToolName: tool, Type: RuleCooldown, Cooldown: d}
}

func PeriodicRule(tool string, d time.Duration) ToolRule {
	return ToolRule{ToolName: tool, Type: RulePeriodic, Period: d}
}

func RequiresConsentRule(tool, scope string) ToolRule {
	return ToolRule{ToolName: tool, Type: RuleRequiresConsent, ConsentScope: scope}
}

// UsageDescription renders the rule as a short directive for the system
// prompt, so the model observes the same contract the engine enforces.
func (r ToolRule) UsageDescription() string {
	switch r.Type {
	case RuleContinueLoop:
		return fmt.Sprintf("The conversation will be continued after calling `%s`", r.ToolName)
	case RuleExitLoop:
		return fmt.Sprintf("The conversation will end after calling `%s`", r.ToolName)
	case RuleStartConstraint:
		return fmt.Sprintf("Call `%s` first before any other tools", r.ToolName)
	case RuleRequiresPrecedingTools:
		if len(r.Conditions) == 0 {
			return fmt.Sprintf("Call other tools before calling `%s`", r.ToolName)
		}
		return fmt.Sprintf("Call `%s` only after calling: %s", r.ToolName, strings.Join(r.Conditions, ", "))
	case RuleRequiresFollowingTools:
		if len(r.Conditions) == 0 {
			return fmt.Sprintf("Call other tools after calling `%s`", r.ToolName)
		}
		return fmt.Sprintf("Call these tools after calling `%s`: %s", r.ToolName, strings.Join(r.Conditions, ", "))
	case RuleExclusiveGroups:
		groups := make([]string, len(r.Groups))
		for i, g := range r.Groups {
			groups[i] = "[" + strings.Join(g, ", ") + "]"
		}
		return fmt.Sprintf("Call only one tool from each group per conversation: %s", strings.Join(groups, ", "))
	case RuleRequiredBeforeExit:
		return fmt.Sprintf("Call `%s` before ending the conversation", r.ToolName)
	case RuleRequiredBeforeExitIf:
		if len(r.Conditions) == 0 {
			return fmt.Sprintf("Call `%s` before ending if certain conditions are met", r.ToolName)
		}
		return fmt.Sprintf("Call `%s` before ending if: %s", r.ToolName, strings.Join(r.Conditions, ", "))
	case RuleMaxCalls:
		return fmt.Sprintf("Call `%s` at most %d times per conversation", r.ToolName, r.MaxCalls)
	case RuleCooldown:
		return fmt.Sprintf("Wait at least %v between calls to `%s`", r.Cooldown, r.ToolName)
	case RulePeriodic:
		return fmt.Sprintf("Call `%s` every %v during long conversations", r.ToolName, r.Period)
	case RuleRequiresConsent:
		if r.ConsentScope != "" {
			return fmt.Sprintf("User approval is required before calling `%s` (scope: %s)", r.ToolName, r.ConsentScope)
		}
		return fmt.Sprintf("User approval is required before calling `%s`", r.ToolName)
	default:
		return ""
	}
}

// --- Violations ---

// RuleViolation is implemented by every structured violation the engine
// reports from CanExecute.
type RuleViolation interface {
	error
	ruleViolation()
}

// StartConstraintsNotMet reports a tool blocked because start-constraint
// tools have not run yet.
type StartConstraintsNotMet struct {
	Tool     string
	Required []string
}

func (v *StartConstraintsNotMet) Error() string {
	return fmt.Sprintf("tool %q blocked: call start tools first: %s", v.Tool, strings.Join(v.Required, ", "))
}
func (*StartConstraintsNotMet) ruleViolation() {}

// PrerequisitesNotMet reports unmet RequiresPrecedingTools conditions.
// Executed carries the successful history so far, for diagnostics.
type PrerequisitesNotMet struct {
	Tool     string
	Required []string
	Executed []string
}

func (v *PrerequisitesNotMet) Error() string {
	return fmt.Sprintf("tool %q requires prior calls to: %s (executed so far: %s)",
		v.Tool, strings.Join(v.Required, ", "), strings.Join(v.Executed, ", "))
}
func (*PrerequisitesNotMet) ruleViolation() {}

// MaxCallsExceeded reports a per-conversation cap hit.
type MaxCallsExceeded struct {
	Tool    string
	Max     int
	Current int
}

func (v *MaxCallsExceeded) Error() string {
	return fmt.Sprintf("tool %q called %d of %d allowed times", v.Tool, v.Current, v.Max)
}
func (*MaxCallsExceeded) ruleViolation() {}

// CooldownActive reports a call arriving before the cooldown elapsed.
type CooldownActive struct {
	Tool      string
	Remaining time.Duration
}

func (v *CooldownActive) Error() string {
	return fmt.Sprintf("tool %q cooling down: %v remaining", v.Tool, v.Remaining)
}
func (*CooldownActive) ruleViolation() {}

// ExclusiveGroupViolation reports a second tool from an exclusive group.
type ExclusiveGroupViolation struct {
	Tool          string
	Group         []string
	AlreadyCalled []string
}

func (v *ExclusiveGroupViolation) Error() string {
	return fmt.Sprintf("tool %q excluded: %s already called from group [%s]",
		v.Tool, strings.Join(v.AlreadyCalled, ", "), strings.Join(v.Group, ", "))
}
func (*ExclusiveGroupViolation) ruleViolation() {}

// OrderingViolation reports a RequiresFollowingTools breach: a tool that
// must precede others arriving after one of them already ran.
type OrderingViolation struct {
	Tool            string
	MustPrecede     []string
	AlreadyExecuted []string
}

func (v *OrderingViolation) Error() string {
	return fmt.Sprintf("tool %q must run before: %s (already executed: %s)",
		v.Tool, strings.Join(v.MustPrecede, ", "), strings.Join(v.AlreadyExecuted, ", "))
}
func (*OrderingViolation) ruleViolation() {}

// ConsentRequired reports a tool held pending an external consent signal.
type ConsentRequired struct {
	Tool  string
	Scope string
}

func (v *ConsentRequired) Error() string {
	if v.Scope != "" {
		return fmt.Sprintf("tool %q requires user consent (scope: %s)", v.Tool, v.Scope)
	}
	return fmt.Sprintf("tool %q requires user consent", v.Tool)
}
func (*ConsentRequired) ruleViolation() {}

// --- Engine ---

// ExecutionPhase tracks where the conversation is in its lifecycle.
type ExecutionPhase int

const (
	PhaseInit ExecutionPhase = iota
	PhaseProcessing
	PhaseCleanup
	PhaseComplete
)

func (p ExecutionPhase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseProcessing:
		return "processing"
	case PhaseCleanup:
		return "cleanup"
	case PhaseComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// ToolExecution is one appended history record.
type ToolExecution struct {
	ToolName  string          `json:"tool_name"`
	CallID    string          `json:"call_id"`
	Timestamp time.Time       `json:"timestamp"`
	Success   bool            `json:"success"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

type executionState struct {
	history       []ToolExecution
	phase         ExecutionPhase
	callCounts    map[string]int
	lastExecution map[string]time.Time
	consentGrants map[string]bool
}

func newExecutionState() executionState {
	return executionState{
		callCounts:    make(map[string]int),
		lastExecution: make(map[string]time.Time),
		consentGrants: make(map[string]bool),
	}
}

// ToolRuleEngine evaluates tool eligibility and loop control against a
// rule catalog and the conversation's execution history. Owned by exactly
// one agent runtime; not safe for concurrent use.
type ToolRuleEngine struct {
	rules []ToolRule
	state executionState
	now   func() time.Time
}

// NewToolRuleEngine builds an engine over the given rules, ordered by
// descending priority.
func NewToolRuleEngine(rules []ToolRule) *ToolRuleEngine {
	sorted := append([]ToolRule(nil), rules...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority > sorted[j].Priority })
	return &ToolRuleEngine{
		rules: sorted,
		state: newExecutionState(),
		now:   time.Now,
	}
}

// Rules returns the catalog in evaluation order.
func (e *ToolRuleEngine) Rules() []ToolRule { return e.rules }

// UsageDescriptions renders every rule for the system prompt.
func (e *ToolRuleEngine) UsageDescriptions() []string {
	out := make([]string, 0, len(e.rules))
	for _, r := range e.rules {
		if d := r.UsageDescription(); d != "" {
			out = append(out, d)
		}
	}
	return out
}

// CanExecute decides whether tool may run now. A nil return means
// eligible; otherwise the error is one of the RuleViolation types.
func (e *ToolRuleEngine) CanExecute(tool string) error {
	if !e.startConstraintsSatisfied() && !e.isStartConstraintTool(tool) {
		return &StartConstraintsNotMet{Tool: tool, Required: e.unsatisfiedStartTools()}
	}

	for _, rule := range e.applicableRules(tool) {
		switch rule.Type {
		case RuleRequiresPrecedingTools:
			if !e.allCalled(rule.Conditions) {
				return &PrerequisitesNotMet{Tool: tool, Required: rule.Conditions, Executed: e.executedTools()}
			}
		case RuleMaxCalls:
			if count := e.state.callCounts[tool]; count >= rule.MaxCalls {
				return &MaxCallsExceeded{Tool: tool, Max: rule.MaxCalls, Current: count}
			}
		case RuleCooldown:
			if last, ok := e.state.lastExecution[tool]; ok {
				if elapsed := e.now().Sub(last); elapsed < rule.Cooldown {
					return &CooldownActive{Tool: tool, Remaining: rule.Cooldown - elapsed}
				}
			}
		case RuleExclusiveGroups:
			for _, group := range rule.Groups {
				if !contains(group, tool) {
					continue
				}
				var called []string
				for _, other := range group {
					if other != tool && e.wasCalled(other) {
						called = append(called, other)
					}
				}
				if len(called) > 0 {
					return &ExclusiveGroupViolation{Tool: tool, Group: group, AlreadyCalled: called}
				}
			}
		case RuleRequiresFollowingTools:
			if e.anyCalled(rule.Conditions) {
				return &OrderingViolation{Tool: tool, MustPrecede: rule.Conditions, AlreadyExecuted: e.executedTools()}
			}
		case RuleRequiresConsent:
			if !e.state.consentGrants[tool] {
				return &ConsentRequired{Tool: tool, Scope: rule.ConsentScope}
			}
		}
	}
	return nil
}

// RecordExecution appends one execution and updates counters, cooldown
// stamps, and the phase. Exit-loop tools advance to cleanup.
func (e *ToolRuleEngine) RecordExecution(exec ToolExecution) {
	if exec.Timestamp.IsZero() {
		exec.Timestamp = e.now()
	}
	e.state.history = append(e.state.history, exec)
	e.state.callCounts[exec.ToolName]++
	e.state.lastExecution[exec.ToolName] = exec.Timestamp
	if e.state.phase == PhaseInit {
		e.state.phase = PhaseProcessing
	}
	if e.exitsAfter(exec.ToolName) {
		e.state.phase = PhaseCleanup
	}
}

// ShouldExitLoop reports whether the loop must end: an exit-loop tool has
// run, or the cleanup phase has no outstanding exit requirements.
func (e *ToolRuleEngine) ShouldExitLoop() bool {
	for _, rule := range e.rules {
		if rule.Type == RuleExitLoop && e.wasCalled(rule.ToolName) {
			return true
		}
	}
	if e.state.phase == PhaseCleanup {
		return len(e.RequiredBeforeExit()) == 0
	}
	return false
}

// ShouldContinueLoop reports whether the loop runs another iteration: any
// continue-loop tool has fired, otherwise the inverse of ShouldExitLoop.
func (e *ToolRuleEngine) ShouldContinueLoop() bool {
	for _, rule := range e.rules {
		if rule.Type == RuleContinueLoop && e.wasCalled(rule.ToolName) {
			return true
		}
	}
	return !e.ShouldExitLoop()
}

// RequiresHeartbeat reports whether tool needs an explicit heartbeat to
// chain another turn. Continue-loop rules waive it, either named directly
// or via a wildcard rule whose conditions list the tool.
func (e *ToolRuleEngine) RequiresHeartbeat(tool string) bool {
	for _, rule := range e.rules {
		if rule.Type != RuleContinueLoop {
			continue
		}
		if rule.ToolName == tool || (rule.ToolName == "*" && contains(rule.Conditions, tool)) {
			return false
		}
	}
	return true
}

// RequiredBeforeExit returns the outstanding exit obligations given the
// current history.
func (e *ToolRuleEngine) RequiredBeforeExit() []string {
	var required []string
	for _, rule := range e.rules {
		switch rule.Type {
		case RuleRequiredBeforeExit:
			if !e.wasCalled(rule.ToolName) {
				required = append(required, rule.ToolName)
			}
		case RuleRequiredBeforeExitIf:
			if e.allCalled(rule.Conditions) && !e.wasCalled(rule.ToolName) {
				required = append(required, rule.ToolName)
			}
		}
	}
	return required
}

// StartConstraintTools lists the tools declared as start constraints.
func (e *ToolRuleEngine) StartConstraintTools() []string {
	var tools []string
	for _, rule := range e.rules {
		if rule.Type == RuleStartConstraint {
			tools = append(tools, rule.ToolName)
		}
	}
	return tools
}

// Phase returns the current execution phase.
func (e *ToolRuleEngine) Phase() ExecutionPhase { return e.state.phase }

// History returns the execution records so far.
func (e *ToolRuleEngine) History() []ToolExecution { return e.state.history }

// GrantConsent records an external consent signal for tool. The grant
// covers the rest of the conversation; Reset clears it.
func (e *ToolRuleEngine) GrantConsent(tool string) {
	e.state.consentGrants[tool] = true
}

// Reset clears all state for a new conversation.
func (e *ToolRuleEngine) Reset() {
	e.state = newExecutionState()
}

// --- helpers ---

func (e *ToolRuleEngine) applicableRules(tool string) []ToolRule {
	var out []ToolRule
	for _, rule := range e.rules {
		if rule.ToolName == tool || rule.ToolName == "*" {
			out = append(out, rule)
		}
	}
	return out
}

func (e *ToolRuleEngine) wasCalled(tool string) bool {
	for _, exec := range e.state.history {
		if exec.ToolName == tool && exec.Success {
			return true
		}
	}
	return false
}

func (e *ToolRuleEngine) allCalled(tools []string) bool {
	for _, t := range tools {
		if !e.wasCalled(t) {
			return false
		}
	}
	return true
}

func (e *ToolRuleEngine) anyCalled(tools []string) bool {
	for _, t := range tools {
		if e.wasCalled(t) {
			return true
		}
	}
	return false
}

func (e *ToolRuleEngine) executedTools() []string {
	var out []string
	for _, exec := range e.state.history {
		if exec.Success {
			out = append(out, exec.ToolName)
		}
	}
	return out
}

func (e *ToolRuleEngine) startConstraintsSatisfied() bool {
	tools := e.StartConstraintTools()
	if len(tools) == 0 {
		return true
	}
	return e.allCalled(tools)
}

func (e *ToolRuleEngine) isStartConstraintTool(tool string) bool {
	for _, rule := range e.rules {
		if rule.ToolName == tool && rule.Type == RuleStartConstraint {
			return true
		}
	}
	return false
}

func (e *ToolRuleEngine) unsatisfiedStartTools() []string {
	var out []string
	for _, t := range e.StartConstraintTools() {
		if !e.wasCalled(t) {
			out = append(out, t)
		}
	}
	return out
}

func (e *ToolRuleEngine) exitsAfter(tool string) bool {
	for _, rule := range e.rules {
		if rule.Type == RuleExitLoop && rule.ToolName == tool {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
