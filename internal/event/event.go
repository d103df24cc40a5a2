// Package event defines the internal events exchanged between the engine's
// loops and the queue that carries them.
package event

import (
	"time"

	"github.com/ytnobody/rolerelay/internal/session"
)

// Event is the closed set of internal events.
type Event interface {
	// Kind is the wire name used by the event stream.
	Kind() string
	sealed()
}

// DeliverableCompleted is published once per newly reported deliverable.
type DeliverableCompleted struct {
	Role      string `json:"role"`
	SessionID string `json:"session_id"`
	Path      string `json:"path"`
}

// StateChanged is published whenever a session changes state.
type StateChanged struct {
	Role      string        `json:"role"`
	SessionID string        `json:"session_id"`
	From      session.State `json:"from"`
	To        session.State `json:"to"`
}

// DecisionResolved is published when a decision is answered or times out.
type DecisionResolved struct {
	DecisionID string `json:"decision_id"`
	Role       string `json:"role,omitempty"`
	RuleID     string `json:"rule_id,omitempty"`
	OptionID   string `json:"option_id"`
	Approved   bool   `json:"approved"`
	TimedOut   bool   `json:"timed_out"`
}

// TerminalError is published when a role exhausts its restarts.
type TerminalError struct {
	Role      string `json:"role"`
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// TransitionRequested asks the engine to evaluate one rule explicitly.
type TransitionRequested struct {
	RuleID    string `json:"rule_id"`
	Requester string `json:"requester"`
}

// CollaborationRequested is raised by a role asking for another role's help.
type CollaborationRequested struct {
	Role   string `json:"role"`
	Target string `json:"target,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Tick drives time based rules.
type Tick struct {
	At time.Time `json:"at"`
}

// Transitioned is published after a rule fired.
type Transitioned struct {
	RuleID   string   `json:"rule_id"`
	FromRole string   `json:"from_role"`
	ToRoles  []string `json:"to_roles"`
	Phase    string   `json:"phase"`
}

// RolledBack is published after a rollback completed.
type RolledBack struct {
	FromPhase string `json:"from_phase"`
	ToPhase   string `json:"to_phase"`
	Reason    string `json:"reason,omitempty"`
}

func (DeliverableCompleted) Kind() string   { return "deliverable_completed" }
func (StateChanged) Kind() string           { return "state_changed" }
func (DecisionResolved) Kind() string       { return "decision_resolved" }
func (TerminalError) Kind() string          { return "terminal_error" }
func (TransitionRequested) Kind() string    { return "transition_requested" }
func (CollaborationRequested) Kind() string { return "collaboration_requested" }
func (Tick) Kind() string                   { return "tick" }
func (Transitioned) Kind() string           { return "transitioned" }
func (RolledBack) Kind() string             { return "rolled_back" }

func (DeliverableCompleted) sealed()   {}
func (StateChanged) sealed()           {}
func (DecisionResolved) sealed()       {}
func (TerminalError) sealed()          {}
func (TransitionRequested) sealed()    {}
func (CollaborationRequested) sealed() {}
func (Tick) sealed()                   {}
func (Transitioned) sealed()           {}
func (RolledBack) sealed()             {}

// Envelope is the JSON shape of an event on the stream.
type Envelope struct {
	Kind string    `json:"kind"`
	At   time.Time `json:"at"`
	Data Event     `json:"data"`
}
