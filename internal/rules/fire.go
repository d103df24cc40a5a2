package rules

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ytnobody/rolerelay/internal/catalog"
	"github.com/ytnobody/rolerelay/internal/decision"
	"github.com/ytnobody/rolerelay/internal/event"
	"github.com/ytnobody/rolerelay/internal/handoff"
	"github.com/ytnobody/rolerelay/internal/journal"
	"github.com/ytnobody/rolerelay/internal/session"
	"github.com/ytnobody/rolerelay/internal/supervisor"
)

type outcome int

const (
	outcomeFired outcome = iota
	outcomeWaiting
	outcomeDeclined
	outcomeGated
	outcomeFailed
)

// target is one to-role and the phase it will work in.
type target struct {
	role  string
	phase catalog.Phase
	index int
}

// apply fires a rule whose conditions hold, or defers it behind the phase
// gate or a decision.
func (e *Engine) apply(ctx context.Context, r catalog.Rule, sess session.Session) outcome {
	if r.IsRollback() {
		if _, ok := e.opts.Decisions.Latest(r.ID, sess.ID); ok {
			return outcomeWaiting
		}
		if _, err := e.openRollback(ctx, sess.Role, r.TargetPhase, fmt.Sprintf("rule %s fired by %s", r.ID, sess.Role), r.ID, sess.ID); err != nil {
			e.log.Warn().Err(err).Str("rule", r.ID).Msg("rollback rule refused")
			return outcomeFailed
		}
		return outcomeWaiting
	}

	targets := e.plan(r)
	cur, curIdx := e.opts.Cursor.Current()
	if !e.gateOpen(targets, sess) {
		e.log.Debug().Str("rule", r.ID).Str("phase", cur.ID).Msg("waiting for phase to complete")
		return outcomeGated
	}

	entering := ""
	approvalPhase := false
	for _, t := range targets {
		if t.index > curIdx {
			entering = t.phase.ID
			approvalPhase = approvalPhase || t.phase.ApprovalRequired
		}
	}
	if needsDecision(r) || approvalPhase {
		d, ok := e.opts.Decisions.Latest(r.ID, sess.ID)
		switch {
		case !ok:
			e.requestApproval(ctx, r, sess, cur.ID, entering)
			return outcomeWaiting
		case d.Open():
			return outcomeWaiting
		case !d.Approved():
			return outcomeDeclined
		}
	}
	return e.fire(ctx, r, sess, targets)
}

func (e *Engine) requestApproval(ctx context.Context, r catalog.Rule, sess session.Session, from, entering string) {
	level := decision.Approval
	if _, ok := r.Trigger.(catalog.ErrorEscalation); ok {
		level = decision.Critical
	}
	title := fmt.Sprintf("Approve %s: %s -> %s", r.ID, r.FromRole, strings.Join(r.ToRoles, ", "))
	desc := fmt.Sprintf("%s finished %q in phase %s.", sess.Role, sess.CurrentTask, from)
	if entering != "" {
		desc += fmt.Sprintf(" Firing enters phase %s.", entering)
	}
	d, err := e.opts.Decisions.Open(decision.Request{
		Level:          level,
		Kind:           decision.KindTransition,
		Title:          title,
		Description:    desc,
		RequestingRole: sess.Role,
		SessionID:      sess.ID,
		RuleID:         r.ID,
		FromPhase:      from,
		TargetPhase:    entering,
		Context:        map[string]any{"progress": sess.Progress, "deliverables": sess.Deliverables},
	})
	if err != nil {
		e.log.Error().Err(err).Str("rule", r.ID).Msg("open approval")
		return
	}
	e.record(ctx, journal.Entry{Kind: journal.KindDecisionOpened, Phase: from, Role: sess.Role, RuleID: r.ID, DecisionID: d.ID, Detail: title})
	e.log.Info().Str("rule", r.ID).Str("decision", d.ID).Msg("transition awaits approval")
}

// plan resolves the phase each to-role works in: the first phase at or
// after the current one that requires it, else the earliest phase that
// does, else the current phase.
func (e *Engine) plan(r catalog.Rule) []target {
	cur, curIdx := e.opts.Cursor.Current()
	out := make([]target, 0, len(r.ToRoles))
	for _, role := range r.ToRoles {
		p, idx, ok := e.cat.PhaseOf(role, curIdx)
		if !ok {
			p, idx, ok = e.cat.PhaseOf(role, 0)
		}
		if !ok {
			p, idx = cur, curIdx
		}
		out = append(out, target{role: role, phase: p, index: idx})
	}
	return out
}

// gateOpen reports whether targets in later phases may start: every
// required role of the current phase completed (the from-role completes by
// firing) and every dependency of the entered phase is complete.
func (e *Engine) gateOpen(targets []target, from session.Session) bool {
	cur, curIdx := e.opts.Cursor.Current()
	completed := e.opts.Cursor.CompletedSet()
	for _, t := range targets {
		if t.index <= curIdx {
			continue
		}
		for _, role := range cur.RequiredRoles {
			if !e.roleDone(role, cur.ID, from) {
				return false
			}
		}
		for _, dep := range t.phase.Dependencies {
			if dep != cur.ID && !completed[dep] {
				return false
			}
		}
	}
	return true
}

func (e *Engine) roleDone(role, phase string, from session.Session) bool {
	if role == from.Role {
		return from.State != session.Error && from.State != session.Suspended
	}
	s, ok := e.opts.Sessions.Latest(role)
	return ok && s.Phase == phase && s.State == session.Completed
}

// fire completes the from-role, hands off to the to-roles and moves the
// cursor.
func (e *Engine) fire(ctx context.Context, r catalog.Rule, sess session.Session, targets []target) outcome {
	bundle := e.assemble(ctx, r, sess)
	e.forgetSummary(sess.ID)

	if !sess.Done() && sess.State != session.Error {
		if err := e.opts.Workers.StopRole(ctx, sess.Role, supervisor.Completion); err != nil && !errors.Is(err, session.ErrNotFound) {
			e.log.Warn().Err(err).Str("role", sess.Role).Msg("complete from-role")
		}
	}
	if len(sess.Context) > 0 {
		if err := e.opts.Cursor.MergeGlobal(map[string]any{sess.Role: sess.Context}); err != nil {
			e.log.Warn().Err(err).Msg("merge role context")
		}
	}
	if _, err := e.opts.Sessions.Update(sess.ID, func(s *session.Session) error {
		s.FiredRules = append(s.FiredRules, r.ID)
		s.Consumed = true
		return nil
	}); err != nil {
		e.log.Error().Err(err).Str("rule", r.ID).Msg("mark rule fired")
		return outcomeFailed
	}

	_, curIdx := e.opts.Cursor.Current()
	advance := -1
	var phase string
	for _, t := range targets {
		b := bundle.Clone()
		if err := e.opts.Cursor.RecordSnapshot(t.phase.ID, b); err != nil {
			e.log.Warn().Err(err).Str("phase", t.phase.ID).Msg("record snapshot")
		}
		if err := e.startRole(ctx, t.role, t.phase.ID, b); err != nil {
			e.log.Error().Err(err).Str("rule", r.ID).Str("role", t.role).Msg("start to-role")
			continue
		}
		phase = t.phase.ID
		if t.index > curIdx && t.index > advance {
			advance = t.index
		}
	}

	e.record(ctx, journal.Entry{Kind: journal.KindTransition, Phase: sess.Phase, Role: sess.Role, RuleID: r.ID,
		Detail: sess.Role + " -> " + strings.Join(r.ToRoles, ", ")})
	if e.opts.Metrics != nil {
		e.opts.Metrics.RulesFired.WithLabelValues(r.ID).Inc()
	}
	if advance >= 0 {
		e.fillPhase(ctx, advance, bundle)
		e.tryAdvance(ctx, advance)
		p, _ := e.cat.PhaseAt(advance)
		phase = p.ID
	}
	e.updateGauges()
	e.opts.Events.Publish(event.Transitioned{RuleID: r.ID, FromRole: sess.Role, ToRoles: append([]string(nil), r.ToRoles...), Phase: phase})
	e.log.Info().Str("rule", r.ID).Str("from", sess.Role).Strs("to", r.ToRoles).Str("phase", phase).Msg("rule fired")
	return outcomeFired
}

// fillPhase starts required roles of the entered phase that no pending rule
// from the current phase would start.
func (e *Engine) fillPhase(ctx context.Context, idx int, b handoff.Bundle) {
	p, _ := e.cat.PhaseAt(idx)
	cur, _ := e.opts.Cursor.Current()
	started := e.opts.Cursor.Started(p.ID)
	pending := map[string]bool{}
	for _, role := range cur.RequiredRoles {
		s, ok := e.opts.Sessions.Latest(role)
		if ok && s.Consumed {
			continue
		}
		for _, r := range e.cat.RulesFrom(role) {
			if r.IsRollback() {
				continue
			}
			for _, to := range r.ToRoles {
				pending[to] = true
			}
		}
	}
	for _, role := range p.RequiredRoles {
		if containsStr(started, role) || pending[role] {
			continue
		}
		b := b.Clone()
		b.Notes = "started with phase " + p.ID
		if err := e.startRole(ctx, role, p.ID, b); err != nil {
			e.log.Error().Err(err).Str("role", role).Str("phase", p.ID).Msg("start phase role")
		}
	}
}

// tryAdvance moves the cursor to phase idx once all its required roles were
// started, archiving finished sessions of earlier phases.
func (e *Engine) tryAdvance(ctx context.Context, idx int) {
	p, _ := e.cat.PhaseAt(idx)
	started := e.opts.Cursor.Started(p.ID)
	for _, role := range p.RequiredRoles {
		if !containsStr(started, role) {
			return
		}
	}
	from, _ := e.opts.Cursor.Current()
	if err := e.opts.Cursor.AdvanceTo(p.ID); err != nil {
		e.log.Warn().Err(err).Str("phase", p.ID).Msg("advance phase")
		return
	}
	for _, s := range e.opts.Sessions.List() {
		if s.Done() && e.cat.PhaseIndex(s.Phase) < idx {
			if err := e.opts.Sessions.Archive(s.ID); err != nil {
				e.log.Warn().Err(err).Str("session", s.ID).Msg("archive session")
			}
		}
	}
	e.record(ctx, journal.Entry{Kind: journal.KindPhaseAdvanced, Phase: p.ID, Detail: from.ID + " -> " + p.ID})
	e.log.Info().Str("from", from.ID).Str("to", p.ID).Msg("phase advanced")
}

// startRole starts role in phase and records it with the cursor. A live
// session for the role counts as started.
func (e *Engine) startRole(ctx context.Context, role, phase string, b handoff.Bundle) error {
	id, err := e.opts.Workers.StartRole(ctx, role, phase, b)
	switch {
	case errors.Is(err, session.ErrDuplicateSession):
		e.log.Debug().Str("role", role).Msg("role already running")
	case err != nil:
		return err
	default:
		e.record(ctx, journal.Entry{Kind: journal.KindRoleStarted, Phase: phase, Role: role, Detail: id})
	}
	if _, err := e.opts.Cursor.MarkStarted(phase, role); err != nil {
		return err
	}
	return nil
}

// assemble builds the handoff bundle for a firing rule.
func (e *Engine) assemble(ctx context.Context, r catalog.Rule, sess session.Session) handoff.Bundle {
	b := handoff.Bundle{
		RuleID:       r.ID,
		FromRole:     sess.Role,
		CreatedAt:    e.now(),
		Global:       e.opts.Cursor.Global(),
		Deliverables: e.delivered.List(),
	}
	if e.opts.Communications != nil {
		comms, err := e.opts.Communications.Involving(sess.Role)
		if err != nil {
			e.log.Warn().Err(err).Str("role", sess.Role).Msg("read communications")
		}
		b.Communications = comms
	}
	if sess.State == session.Error {
		b.Notes = "escalated after terminal error: " + sess.LastError
	}
	if len(r.Handoff) == 0 {
		return b
	}

	names := make([]string, 0, len(r.Handoff))
	for name := range r.Handoff {
		names = append(names, name)
	}
	sort.Strings(names)
	b.Fields = make(map[string]any, len(names))
	for _, name := range names {
		src, err := catalog.ParseSource(r.Handoff[name])
		if err != nil {
			continue
		}
		switch src {
		case catalog.SourceGlobal:
			if v, ok := b.Global[name]; ok {
				b.Fields[name] = v
			} else {
				b.Fields[name] = b.Global
			}
		case catalog.SourceDeliverables:
			b.Fields[name] = append([]string(nil), sess.Deliverables...)
		case catalog.SourceCommunications:
			b.Fields[name] = append([]string(nil), b.Communications...)
		case catalog.SourceAuto:
			b.Fields[name] = e.summarize(ctx, sess)
		}
	}
	return b
}
