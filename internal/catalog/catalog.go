// Package catalog holds the phase graph and transition rule catalog.
// A Catalog is validated once at load and never mutated afterwards.
package catalog

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Phase is one node of the pipeline.
type Phase struct {
	ID               string   `toml:"id" json:"id" validate:"required"`
	RequiredRoles    []string `toml:"required_roles" json:"required_roles" validate:"required,min=1,dive,required"`
	Dependencies     []string `toml:"dependencies" json:"dependencies,omitempty"`
	RollbackTargets  []string `toml:"rollback_targets" json:"rollback_targets,omitempty"`
	ApprovalRequired bool     `toml:"approval_required" json:"approval_required"`
	SuccessCriteria  []string `toml:"success_criteria" json:"success_criteria,omitempty"`
	// Weight is the overall progress (0-100) reached once this phase is current.
	// Zero means "spread evenly".
	Weight int `toml:"weight" json:"weight" validate:"gte=0,lte=100"`
}

// Requires reports whether role is one of the phase's required roles.
func (p Phase) Requires(role string) bool {
	for _, r := range p.RequiredRoles {
		if r == role {
			return true
		}
	}
	return false
}

// Role carries per-role permissions.
type Role struct {
	ID                 string `toml:"id" json:"id" validate:"required"`
	Description        string `toml:"description" json:"description,omitempty"`
	CanTriggerRollback bool   `toml:"can_trigger_rollback" json:"can_trigger_rollback"`
}

// Conditions is the predicate set a rule checks before it fires.
type Conditions struct {
	RequiredDeliverables []string       `toml:"required_deliverables" json:"required_deliverables,omitempty"`
	CompletionThreshold  float64        `toml:"completion_threshold" json:"completion_threshold" validate:"gte=0,lte=100"`
	ApprovalStatus       string         `toml:"approval_status" json:"approval_status,omitempty" validate:"omitempty,oneof=approved_or_auto approved"`
	Flags                map[string]any `toml:"flags" json:"flags,omitempty"`
}

// Approval status values accepted in Conditions.ApprovalStatus.
const (
	ApprovedOrAuto = "approved_or_auto"
	Approved       = "approved"
)

// Source names where a handoff field takes its value from.
type Source string

const (
	SourceGlobal         Source = "global"
	SourceDeliverables   Source = "deliverables"
	SourceCommunications Source = "communications"
	SourceAuto           Source = "auto"
)

var sourceAliases = map[string]Source{
	"global":              SourceGlobal,
	"global_context":      SourceGlobal,
	"deliverables":        SourceDeliverables,
	"from_deliverables":   SourceDeliverables,
	"role_deliverables":   SourceDeliverables,
	"communications":      SourceCommunications,
	"from_communications": SourceCommunications,
	"role_communications": SourceCommunications,
	"auto":                SourceAuto,
	"auto_generated":      SourceAuto,
	"auto_derived":        SourceAuto,
}

// ParseSource normalises a handoff source name.
func ParseSource(s string) (Source, error) {
	src, ok := sourceAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("unknown handoff source %q", s)
	}
	return src, nil
}

// Rule is a declarative transition rule.
type Rule struct {
	ID             string            `toml:"id" json:"id" validate:"required"`
	FromRole       string            `toml:"from_role" json:"from_role" validate:"required"`
	ToRoles        []string          `toml:"to_roles" json:"to_roles,omitempty"`
	TriggerName    string            `toml:"trigger" json:"trigger" validate:"required"`
	Priority       int               `toml:"priority" json:"priority"`
	AutoExecute    bool              `toml:"auto_execute" json:"auto_execute"`
	TimeoutSeconds int               `toml:"timeout_seconds" json:"timeout_seconds,omitempty" validate:"gte=0"`
	TargetPhase    string            `toml:"target_phase" json:"target_phase,omitempty"`
	Conditions     Conditions        `toml:"conditions" json:"conditions"`
	Handoff        map[string]string `toml:"handoff" json:"handoff,omitempty"`

	Trigger Trigger `toml:"-" json:"-"`
}

// IsRollback reports whether firing the rule moves the pipeline backwards.
func (r Rule) IsRollback() bool { return r.TargetPhase != "" }

// Catalog is the validated, read-only phase graph and rule set.
type Catalog struct {
	phases []Phase
	index  map[string]int
	rules  []Rule
	byID   map[string]Rule
	byFrom map[string][]Rule
	roles  map[string]Role
	known  map[string]bool
}

// ValidationError aggregates every problem found while loading a catalog.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid catalog (%d problem(s)): %s", len(e.Problems), strings.Join(e.Problems, "; "))
}

var validate = validator.New()

// New validates phases, rules and roles and builds a Catalog. Any problem is
// fatal; nothing is partially loaded.
func New(phases []Phase, rules []Rule, roles []Role) (*Catalog, error) {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if len(phases) == 0 {
		add("at least one phase is required")
	}

	c := &Catalog{
		index:  make(map[string]int, len(phases)),
		byID:   make(map[string]Rule, len(rules)),
		byFrom: make(map[string][]Rule),
		roles:  make(map[string]Role, len(roles)),
		known:  make(map[string]bool),
	}

	for i, p := range phases {
		if err := validate.Struct(p); err != nil {
			add("phases[%d]: %v", i, err)
			continue
		}
		if _, dup := c.index[p.ID]; dup {
			add("phase %q defined twice", p.ID)
			continue
		}
		for _, dep := range p.Dependencies {
			if _, ok := c.index[dep]; !ok {
				add("phase %q: dependency %q is not a previously defined phase", p.ID, dep)
			}
		}
		c.index[p.ID] = len(c.phases)
		c.phases = append(c.phases, clonePhase(p))
		for _, r := range p.RequiredRoles {
			c.known[r] = true
		}
	}

	for _, p := range c.phases {
		ancestors := c.ancestors(p.ID)
		for _, target := range p.RollbackTargets {
			if !ancestors[target] {
				add("phase %q: rollback target %q is not a dependency or ancestor", p.ID, target)
			}
		}
	}

	for i, r := range roles {
		if err := validate.Struct(r); err != nil {
			add("roles[%d]: %v", i, err)
			continue
		}
		if !c.known[r.ID] {
			add("role %q is not required by any phase", r.ID)
		}
		c.roles[r.ID] = r
	}

	for i, r := range rules {
		if err := validate.Struct(r); err != nil {
			add("rules[%d]: %v", i, err)
			continue
		}
		if _, dup := c.byID[r.ID]; dup {
			add("rule %q defined twice", r.ID)
			continue
		}
		trig, err := ParseTrigger(r.TriggerName)
		if err != nil {
			add("rule %q: %v", r.ID, err)
			continue
		}
		r.Trigger = trig
		if !c.known[r.FromRole] {
			add("rule %q: from_role %q is not required by any phase", r.ID, r.FromRole)
		}
		for _, to := range r.ToRoles {
			if !c.known[to] {
				add("rule %q: to_role %q is not required by any phase", r.ID, to)
			}
		}
		if r.TargetPhase != "" {
			if _, ok := c.index[r.TargetPhase]; !ok {
				add("rule %q: target_phase %q is unknown", r.ID, r.TargetPhase)
			}
			if !CanRollback(trig) {
				add("rule %q: target_phase requires trigger manual_request or error_escalation, got %s", r.ID, trig.Name())
			}
		} else if len(r.ToRoles) == 0 {
			add("rule %q: to_roles is required", r.ID)
		}
		for field, src := range r.Handoff {
			if _, err := ParseSource(src); err != nil {
				add("rule %q: handoff field %q: %v", r.ID, field, err)
			}
		}
		r = cloneRule(r)
		c.byID[r.ID] = r
		c.rules = append(c.rules, r)
	}

	// Equal-priority auto rules from one role whose triggers can wake on
	// the same event would both be eligible for the same session.
	type key struct {
		from, group string
		priority    int
	}
	seen := make(map[key]string)
	for _, r := range c.rules {
		if !r.AutoExecute {
			continue
		}
		k := key{r.FromRole, triggerGroup(r.Trigger), r.Priority}
		if other, ok := seen[k]; ok {
			add("rules %q and %q: same from_role %q, overlapping trigger %s and priority %d", other, r.ID, r.FromRole, r.Trigger.Name(), r.Priority)
			continue
		}
		seen[k] = r.ID
	}

	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}

	for _, r := range c.rules {
		c.byFrom[r.FromRole] = append(c.byFrom[r.FromRole], r)
	}
	for role := range c.byFrom {
		SortRules(c.byFrom[role])
	}
	return c, nil
}

// triggerGroup names the set of triggers that become eligible together.
// Completion, deliverable and dependency triggers all wake on progress.
func triggerGroup(t Trigger) string {
	switch t.(type) {
	case TaskCompleted, DeliverableReady, DependencySatisfied:
		return "progress"
	}
	return t.Name()
}

// SortRules orders rules by priority, lowest first, then by id.
func SortRules(rs []Rule) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].Priority != rs[j].Priority {
			return rs[i].Priority < rs[j].Priority
		}
		return rs[i].ID < rs[j].ID
	})
}

// ancestors returns the transitive dependency closure of a phase.
func (c *Catalog) ancestors(id string) map[string]bool {
	out := make(map[string]bool)
	var walk func(string)
	walk = func(pid string) {
		idx, ok := c.index[pid]
		if !ok {
			return
		}
		for _, dep := range c.phases[idx].Dependencies {
			if !out[dep] {
				out[dep] = true
				walk(dep)
			}
		}
	}
	walk(id)
	return out
}

// Phases returns a copy of the phases in declaration order.
func (c *Catalog) Phases() []Phase {
	out := make([]Phase, len(c.phases))
	for i, p := range c.phases {
		out[i] = clonePhase(p)
	}
	return out
}

// PhaseCount returns the number of phases.
func (c *Catalog) PhaseCount() int { return len(c.phases) }

// PhaseAt returns the phase at index i.
func (c *Catalog) PhaseAt(i int) (Phase, bool) {
	if i < 0 || i >= len(c.phases) {
		return Phase{}, false
	}
	return clonePhase(c.phases[i]), true
}

// Phase looks up a phase by id.
func (c *Catalog) Phase(id string) (Phase, bool) {
	idx, ok := c.index[id]
	if !ok {
		return Phase{}, false
	}
	return clonePhase(c.phases[idx]), true
}

// PhaseIndex returns the position of a phase, or -1.
func (c *Catalog) PhaseIndex(id string) int {
	if idx, ok := c.index[id]; ok {
		return idx
	}
	return -1
}

// PhaseOf returns the first phase at or after index from that requires role.
func (c *Catalog) PhaseOf(role string, from int) (Phase, int, bool) {
	if from < 0 {
		from = 0
	}
	for i := from; i < len(c.phases); i++ {
		if c.phases[i].Requires(role) {
			return clonePhase(c.phases[i]), i, true
		}
	}
	return Phase{}, -1, false
}

// DependenciesMet reports whether every dependency of phase id is in done.
func (c *Catalog) DependenciesMet(id string, done map[string]bool) bool {
	p, ok := c.Phase(id)
	if !ok {
		return false
	}
	for _, dep := range p.Dependencies {
		if !done[dep] {
			return false
		}
	}
	return true
}

// CanRollbackTo reports whether from lists target among its rollback targets.
func (c *Catalog) CanRollbackTo(from, target string) bool {
	p, ok := c.Phase(from)
	if !ok {
		return false
	}
	for _, t := range p.RollbackTargets {
		if t == target {
			return true
		}
	}
	return false
}

// Rules returns every rule in declaration order.
func (c *Catalog) Rules() []Rule {
	out := make([]Rule, len(c.rules))
	for i, r := range c.rules {
		out[i] = cloneRule(r)
	}
	return out
}

// Rule looks up a rule by id.
func (c *Catalog) Rule(id string) (Rule, bool) {
	r, ok := c.byID[id]
	if !ok {
		return Rule{}, false
	}
	return cloneRule(r), true
}

// RulesFrom returns the rules for a from_role sorted by priority.
func (c *Catalog) RulesFrom(role string) []Rule {
	src := c.byFrom[role]
	out := make([]Rule, len(src))
	for i, r := range src {
		out[i] = cloneRule(r)
	}
	return out
}

// HasRole reports whether some phase requires role.
func (c *Catalog) HasRole(role string) bool { return c.known[role] }

// Role returns the role permissions; unlisted roles get the zero permissions.
func (c *Catalog) Role(id string) Role {
	if r, ok := c.roles[id]; ok {
		return r
	}
	return Role{ID: id}
}

// Weight returns the progress weight of phase index i.
func (c *Catalog) Weight(i int) int {
	if i < 0 || i >= len(c.phases) {
		return 0
	}
	if w := c.phases[i].Weight; w > 0 {
		return w
	}
	return (i + 1) * 100 / len(c.phases)
}

func clonePhase(p Phase) Phase {
	p.RequiredRoles = append([]string(nil), p.RequiredRoles...)
	p.Dependencies = append([]string(nil), p.Dependencies...)
	p.RollbackTargets = append([]string(nil), p.RollbackTargets...)
	p.SuccessCriteria = append([]string(nil), p.SuccessCriteria...)
	return p
}

func cloneRule(r Rule) Rule {
	r.ToRoles = append([]string(nil), r.ToRoles...)
	r.Conditions.RequiredDeliverables = append([]string(nil), r.Conditions.RequiredDeliverables...)
	if r.Conditions.Flags != nil {
		flags := make(map[string]any, len(r.Conditions.Flags))
		for k, v := range r.Conditions.Flags {
			flags[k] = v
		}
		r.Conditions.Flags = flags
	}
	if r.Handoff != nil {
		h := make(map[string]string, len(r.Handoff))
		for k, v := range r.Handoff {
			h[k] = v
		}
		r.Handoff = h
	}
	return r
}
