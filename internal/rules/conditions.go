package rules

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/ytnobody/rolerelay/internal/catalog"
	"github.com/ytnobody/rolerelay/internal/session"
)

// Deliverables is the global, append-only set of completed deliverables,
// keyed by path with the reporting role as value.
type Deliverables struct {
	byPath map[string]string
	order  []string
}

func NewDeliverables() *Deliverables {
	return &Deliverables{byPath: make(map[string]string)}
}

// Add records path as completed by role. It reports whether path was new.
func (d *Deliverables) Add(path, role string) bool {
	if path == "" {
		return false
	}
	if _, ok := d.byPath[path]; ok {
		return false
	}
	d.byPath[path] = role
	d.order = append(d.order, path)
	return true
}

// Has reports whether a completed deliverable matches name, which is either
// an exact path or a doublestar glob such as "docs/**/*.md".
func (d *Deliverables) Has(name string) bool {
	if _, ok := d.byPath[name]; ok {
		return true
	}
	if !strings.ContainsAny(name, "*?[{") {
		return false
	}
	for _, p := range d.order {
		if ok, err := doublestar.Match(name, p); err == nil && ok {
			return true
		}
	}
	return false
}

// List returns the paths in completion order.
func (d *Deliverables) List() []string {
	return append([]string(nil), d.order...)
}

// Len returns the number of completed deliverables.
func (d *Deliverables) Len() int { return len(d.order) }

// Env is everything condition evaluation reads besides the rule and session.
type Env struct {
	Deliverables *Deliverables
	// Approved reports whether a human approved a transition decision
	// opened for the rule.
	Approved func(ruleID string) bool
	Now      time.Time
}

// Check evaluates the rule's conditions against a session. It is pure: the
// same inputs always give the same answer. The reason names the first
// condition that does not hold; approval is checked last.
func Check(r catalog.Rule, s session.Session, env Env) (bool, string) {
	c := r.Conditions
	if c.CompletionThreshold > 0 && s.Progress < c.CompletionThreshold {
		return false, fmt.Sprintf("progress %.0f%% below %.0f%%", s.Progress, c.CompletionThreshold)
	}
	for _, name := range c.RequiredDeliverables {
		if env.Deliverables == nil || !env.Deliverables.Has(name) {
			return false, fmt.Sprintf("deliverable %s not completed", name)
		}
	}
	keys := make([]string, 0, len(c.Flags))
	for k := range c.Flags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		got, ok := s.Context[k]
		if !ok || fmt.Sprint(got) != fmt.Sprint(c.Flags[k]) {
			return false, fmt.Sprintf("flag %s is not %v", k, c.Flags[k])
		}
	}
	if _, ok := r.Trigger.(catalog.TimeBased); ok {
		if r.TimeoutSeconds <= 0 {
			return false, "time based rule without timeout_seconds"
		}
		if env.Now.Sub(s.StartedAt) < time.Duration(r.TimeoutSeconds)*time.Second {
			return false, "timeout not reached"
		}
	}
	switch c.ApprovalStatus {
	case "", catalog.ApprovedOrAuto:
	case catalog.Approved:
		if env.Approved == nil || !env.Approved(r.ID) {
			return false, reasonAwaitingApproval
		}
	default:
		return false, fmt.Sprintf("unknown approval status %q", c.ApprovalStatus)
	}
	return true, ""
}

// reasonAwaitingApproval is returned by Check when approval_status is the
// only condition left. The engine answers it by opening an approval decision.
const reasonAwaitingApproval = "approval not granted"

// needsDecision reports whether r may only fire after a human resolves a
// transition decision for it.
func needsDecision(r catalog.Rule) bool {
	return !r.AutoExecute || r.Conditions.ApprovalStatus == catalog.Approved
}

// cause is what woke the engine; it decides which triggers are eligible.
type cause int

const (
	causeProgress cause = iota
	causeApproval
	causeTick
	causeManual
	causeError
	causeCollaboration
)

func (c cause) String() string {
	switch c {
	case causeProgress:
		return "progress"
	case causeApproval:
		return "approval"
	case causeTick:
		return "tick"
	case causeManual:
		return "manual"
	case causeError:
		return "error"
	case causeCollaboration:
		return "collaboration"
	}
	return "unknown"
}

// eligible reports whether a rule with trigger t may fire for cause c.
func eligible(t catalog.Trigger, c cause, s session.Session) bool {
	if c == causeManual {
		return true
	}
	switch t.(type) {
	case catalog.TaskCompleted:
		return c == causeProgress && s.State == session.Completed
	case catalog.DeliverableReady:
		return c == causeProgress
	case catalog.DependencySatisfied:
		return c == causeProgress
	case catalog.ApprovalReceived:
		return c == causeApproval
	case catalog.TimeBased:
		return c == causeTick
	case catalog.ManualRequest:
		return false
	case catalog.ErrorEscalation:
		return c == causeError
	case catalog.CollaborationNeeded:
		return c == causeCollaboration
	}
	return false
}

// sessionEligible reports whether a session can be the source of a
// transition for cause c.
func sessionEligible(s session.Session, c cause) bool {
	if s.Consumed {
		return false
	}
	switch s.State {
	case session.Suspended:
		return false
	case session.Error:
		return c == causeError || c == causeManual
	}
	return c != causeError
}
