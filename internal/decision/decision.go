// Package decision implements the Decision Mediator: pending requests for
// human sign-off, their deadlines and their one-time resolution.
package decision

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Level string

const (
	Auto     Level = "auto"
	Notify   Level = "notify"
	Approval Level = "approval"
	Critical Level = "critical"
)

// gates reports whether a resolution at this level can grant approval.
// Auto and Notify decisions are informational only.
func (l Level) gates() bool { return l == Approval || l == Critical }

// ParseLevel resolves a level name; empty means Approval.
func ParseLevel(s string) (Level, error) {
	switch l := Level(strings.ToLower(strings.TrimSpace(s))); l {
	case "":
		return Approval, nil
	case Auto, Notify, Approval, Critical:
		return l, nil
	}
	return "", fmt.Errorf("unknown decision level %q", s)
}

// Kind tells the engine what a resolved decision unblocks.
type Kind string

const (
	// KindTransition gates a transition rule.
	KindTransition Kind = "transition"
	// KindRollback gates a rollback to TargetPhase.
	KindRollback Kind = "rollback"
	// KindWorker was asked for by a worker; its session waits on it.
	KindWorker Kind = "worker"
)

var (
	ErrNotFound      = errors.New("decision not found")
	ErrConflict      = errors.New("decision already resolved")
	ErrUnknownOption = errors.New("unknown decision option")
)

// Synthetic option ids used when no configured option fits.
const (
	OptionApprove     = "approve"
	OptionReject      = "reject"
	OptionAlternative = "alternative"
	OptionEscalate    = "escalate"
	OptionAcknowledge = "acknowledge"
)

type Option struct {
	ID       string `toml:"id" json:"id"`
	Label    string `toml:"label" json:"label"`
	Approves bool   `toml:"approves" json:"approves"`
}

// Response records how a decision was resolved.
type Response struct {
	OptionID   string    `toml:"option_id" json:"option_id"`
	Approved   bool      `toml:"approved" json:"approved"`
	TimedOut   bool      `toml:"timed_out" json:"timed_out"`
	ResolvedAt time.Time `toml:"resolved_at" json:"resolved_at"`
}

// Decision is one pending (or resolved) request for external resolution.
type Decision struct {
	ID             string         `toml:"id" json:"decision_id"`
	Level          Level          `toml:"level" json:"level"`
	Kind           Kind           `toml:"kind" json:"kind"`
	Title          string         `toml:"title" json:"title"`
	Description    string         `toml:"description,omitempty" json:"description,omitempty"`
	Options        []Option       `toml:"options" json:"options"`
	RequestingRole string         `toml:"requesting_role,omitempty" json:"requesting_role,omitempty"`
	SessionID      string         `toml:"session_id,omitempty" json:"session_id,omitempty"`
	RuleID         string         `toml:"rule_id,omitempty" json:"rule_id,omitempty"`
	FromPhase      string         `toml:"from_phase,omitempty" json:"from_phase,omitempty"`
	TargetPhase    string         `toml:"target_phase,omitempty" json:"target_phase,omitempty"`
	Context        map[string]any `toml:"context,omitempty" json:"context,omitempty"`
	CreatedAt      time.Time      `toml:"created_at" json:"created_at"`
	Deadline       time.Time      `toml:"deadline,omitempty" json:"deadline,omitempty"`
	Resolved       bool           `toml:"resolved" json:"resolved"`
	Response       *Response      `toml:"response,omitempty" json:"response,omitempty"`
}

// Open reports whether the decision still awaits resolution.
func (d Decision) Open() bool { return !d.Resolved }

// Approved reports whether the decision was resolved with an approving option.
func (d Decision) Approved() bool {
	return d.Resolved && d.Response != nil && d.Response.Approved
}

// Option looks up an option by id.
func (d Decision) Option(id string) (Option, bool) {
	for _, o := range d.Options {
		if o.ID == id {
			return o, true
		}
	}
	return Option{}, false
}

// TimeoutOption picks the option a deadline timeout resolves to. It never
// returns an approving option for Approval or Critical decisions.
func (d Decision) TimeoutOption() Option {
	switch d.Level {
	case Auto, Notify:
		if len(d.Options) > 0 {
			return d.Options[0]
		}
		return Option{ID: OptionAcknowledge, Label: "Acknowledge"}
	case Critical:
		if o, ok := d.Option(OptionEscalate); ok && !o.Approves {
			return o
		}
	}
	for _, o := range d.Options {
		if !o.Approves {
			return o
		}
	}
	return Option{ID: OptionReject, Label: "Reject (timed out)"}
}

func (d Decision) clone() Decision {
	d.Options = append([]Option(nil), d.Options...)
	if d.Context != nil {
		ctx := make(map[string]any, len(d.Context))
		for k, v := range d.Context {
			ctx[k] = v
		}
		d.Context = ctx
	}
	if d.Response != nil {
		r := *d.Response
		d.Response = &r
	}
	return d
}

// Request describes a decision to open.
type Request struct {
	Level          Level
	Kind           Kind
	Title          string
	Description    string
	Options        []Option
	RequestingRole string
	SessionID      string
	RuleID         string
	FromPhase      string
	TargetPhase    string
	Context        map[string]any
	// Deadline is relative to creation; zero uses the mediator default.
	Deadline time.Duration
}

// ApprovalOptions is the default option set for Approval decisions.
func ApprovalOptions() []Option {
	return []Option{
		{ID: OptionApprove, Label: "Approve", Approves: true},
		{ID: OptionReject, Label: "Reject"},
	}
}

// RollbackOptions is the option set for rollback decisions.
func RollbackOptions() []Option {
	return []Option{
		{ID: OptionApprove, Label: "Approve rollback", Approves: true},
		{ID: OptionReject, Label: "Reject rollback"},
		{ID: OptionAlternative, Label: "Look for an alternative"},
		{ID: OptionEscalate, Label: "Escalate further"},
	}
}

func defaultOptions(l Level) []Option {
	switch l {
	case Auto, Notify:
		return []Option{{ID: OptionAcknowledge, Label: "Acknowledge"}}
	case Critical:
		return []Option{
			{ID: OptionApprove, Label: "Approve", Approves: true},
			{ID: OptionReject, Label: "Reject"},
			{ID: OptionEscalate, Label: "Escalate further"},
		}
	}
	return ApprovalOptions()
}
