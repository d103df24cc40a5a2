package catalog

import (
	"fmt"
	"strings"
)

// Trigger is the closed set of events that can wake a transition rule.
// Only the types in this file implement it; consumers switch over them
// exhaustively.
type Trigger interface {
	Name() string
	sealed()
}

type (
	TaskCompleted       struct{}
	DeliverableReady    struct{}
	DependencySatisfied struct{}
	ApprovalReceived    struct{}
	TimeBased           struct{}
	ManualRequest       struct{}
	ErrorEscalation     struct{}
	CollaborationNeeded struct{}
)

func (TaskCompleted) Name() string       { return "task_completed" }
func (DeliverableReady) Name() string    { return "deliverable_ready" }
func (DependencySatisfied) Name() string { return "dependency_satisfied" }
func (ApprovalReceived) Name() string    { return "approval_received" }
func (TimeBased) Name() string           { return "time_based" }
func (ManualRequest) Name() string       { return "manual_request" }
func (ErrorEscalation) Name() string     { return "error_escalation" }
func (CollaborationNeeded) Name() string { return "collaboration_needed" }

func (TaskCompleted) sealed()       {}
func (DeliverableReady) sealed()    {}
func (DependencySatisfied) sealed() {}
func (ApprovalReceived) sealed()    {}
func (TimeBased) sealed()           {}
func (ManualRequest) sealed()       {}
func (ErrorEscalation) sealed()     {}
func (CollaborationNeeded) sealed() {}

var allTriggers = []Trigger{
	TaskCompleted{},
	DeliverableReady{},
	DependencySatisfied{},
	ApprovalReceived{},
	TimeBased{},
	ManualRequest{},
	ErrorEscalation{},
	CollaborationNeeded{},
}

// Triggers returns every trigger type in declaration order.
func Triggers() []Trigger {
	out := make([]Trigger, len(allTriggers))
	copy(out, allTriggers)
	return out
}

// ParseTrigger resolves a snake_case trigger name (case-insensitive).
func ParseTrigger(name string) (Trigger, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for _, t := range allTriggers {
		if t.Name() == n {
			return t, nil
		}
	}
	return nil, fmt.Errorf("unknown trigger %q", name)
}

// CanRollback reports whether rules with this trigger may carry a rollback target.
func CanRollback(t Trigger) bool {
	switch t.(type) {
	case ManualRequest, ErrorEscalation:
		return true
	default:
		return false
	}
}
