package rules

import (
	"context"
	"errors"
	"fmt"

	"github.com/ytnobody/rolerelay/internal/decision"
	"github.com/ytnobody/rolerelay/internal/event"
	"github.com/ytnobody/rolerelay/internal/handoff"
	"github.com/ytnobody/rolerelay/internal/journal"
	"github.com/ytnobody/rolerelay/internal/session"
	"github.com/ytnobody/rolerelay/internal/supervisor"
)

// RequestRollback opens a Critical decision to move the pipeline back to
// target. Roles may only request it when their role allows rollbacks;
// requesters that are not catalog roles (the operator) always may. At most
// one rollback decision is pending at a time; a second request returns the
// pending one.
func (e *Engine) RequestRollback(ctx context.Context, requester, target, reason string) (decision.Decision, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cat.HasRole(requester) && !e.cat.Role(requester).CanTriggerRollback {
		return decision.Decision{}, fmt.Errorf("%w: role %s may not trigger rollbacks", ErrRollbackNotPermitted, requester)
	}
	sessionID := ""
	if s, ok := e.opts.Sessions.Latest(requester); ok {
		sessionID = s.ID
	}
	return e.openRollback(ctx, requester, target, reason, "", sessionID)
}

func (e *Engine) openRollback(ctx context.Context, requester, target, reason, ruleID, sessionID string) (decision.Decision, error) {
	if _, ok := e.cat.Phase(target); !ok {
		return decision.Decision{}, fmt.Errorf("%w: %s", ErrUnknownPhase, target)
	}
	cur, _ := e.opts.Cursor.Current()
	if !e.cat.CanRollbackTo(cur.ID, target) {
		return decision.Decision{}, fmt.Errorf("%w: %s -> %s", ErrRollbackNotPermitted, cur.ID, target)
	}
	if d, ok := e.opts.Decisions.OpenRollback(); ok {
		return d, nil
	}
	d, err := e.opts.Decisions.Open(decision.Request{
		Level:          decision.Critical,
		Kind:           decision.KindRollback,
		Title:          fmt.Sprintf("Roll back from %s to %s", cur.ID, target),
		Description:    reason,
		Options:        decision.RollbackOptions(),
		RequestingRole: requester,
		SessionID:      sessionID,
		RuleID:         ruleID,
		FromPhase:      cur.ID,
		TargetPhase:    target,
	})
	if err != nil {
		return decision.Decision{}, fmt.Errorf("open rollback decision: %w", err)
	}
	e.record(ctx, journal.Entry{Kind: journal.KindDecisionOpened, Phase: cur.ID, Role: requester, RuleID: ruleID, DecisionID: d.ID, Detail: d.Title})
	e.log.Warn().Str("from", cur.ID).Str("to", target).Str("requester", requester).Str("decision", d.ID).Msg("rollback requested")
	return d, nil
}

// applyRollback executes an approved rollback: stops every live role of the
// target and later phases, archives their sessions, resets the cursor and
// restarts the target phase's roles from the snapshot it was entered with.
// Deliverables are not undone.
func (e *Engine) applyRollback(ctx context.Context, d decision.Decision) error {
	cur, _ := e.opts.Cursor.Current()
	if !e.cat.CanRollbackTo(cur.ID, d.TargetPhase) {
		return fmt.Errorf("%w: %s -> %s", ErrRollbackNotPermitted, cur.ID, d.TargetPhase)
	}
	targetIdx := e.cat.PhaseIndex(d.TargetPhase)

	for _, s := range e.opts.Sessions.List() {
		if s.Done() || e.cat.PhaseIndex(s.Phase) < targetIdx {
			continue
		}
		if err := e.opts.Workers.StopRole(ctx, s.Role, supervisor.Forced); err != nil && !errors.Is(err, session.ErrNotFound) {
			e.log.Warn().Err(err).Str("role", s.Role).Msg("stop for rollback")
		}
		e.record(ctx, journal.Entry{Kind: journal.KindRoleStopped, Phase: s.Phase, Role: s.Role, DecisionID: d.ID, Detail: "rollback"})
	}

	reset, err := e.opts.Cursor.RollbackTo(d.TargetPhase)
	if err != nil {
		return err
	}
	for _, s := range e.opts.Sessions.List() {
		if s.Done() && e.cat.PhaseIndex(s.Phase) >= targetIdx {
			if err := e.opts.Sessions.Archive(s.ID); err != nil {
				e.log.Warn().Err(err).Str("session", s.ID).Msg("archive for rollback")
			}
		}
	}

	snap, ok := e.opts.Cursor.Snapshot(d.TargetPhase)
	if !ok {
		snap = handoff.Bundle{Global: e.opts.Cursor.Global()}
	}
	snap.CreatedAt = e.now()
	snap.Deliverables = e.delivered.List()
	snap.Notes = fmt.Sprintf("rolled back from %s: %s", cur.ID, d.Description)
	p, _ := e.cat.Phase(d.TargetPhase)
	for _, role := range p.RequiredRoles {
		if err := e.startRole(ctx, role, p.ID, snap); err != nil {
			e.log.Error().Err(err).Str("role", role).Msg("restart after rollback")
		}
	}

	if e.opts.Metrics != nil {
		e.opts.Metrics.Rollbacks.Inc()
	}
	e.updateGauges()
	e.record(ctx, journal.Entry{Kind: journal.KindRollback, Phase: d.TargetPhase, Role: d.RequestingRole, RuleID: d.RuleID, DecisionID: d.ID,
		Detail: fmt.Sprintf("%s -> %s, reset %v", cur.ID, d.TargetPhase, reset)})
	e.opts.Events.Publish(event.RolledBack{FromPhase: cur.ID, ToPhase: d.TargetPhase, Reason: d.Description})
	e.log.Warn().Str("from", cur.ID).Str("to", d.TargetPhase).Strs("reset", reset).Msg("rolled back")
	return nil
}
