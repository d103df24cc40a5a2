// Package rules is the transition rule engine. It consumes the internal
// event queue, evaluates the rule catalog against session state and fires
// transitions: completing the from-role, assembling the handoff, starting
// the to-roles and advancing or rolling back the phase cursor.
package rules

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ytnobody/rolerelay/internal/catalog"
	"github.com/ytnobody/rolerelay/internal/decision"
	"github.com/ytnobody/rolerelay/internal/event"
	"github.com/ytnobody/rolerelay/internal/handoff"
	"github.com/ytnobody/rolerelay/internal/journal"
	"github.com/ytnobody/rolerelay/internal/logger"
	"github.com/ytnobody/rolerelay/internal/mailbox"
	"github.com/ytnobody/rolerelay/internal/metrics"
	"github.com/ytnobody/rolerelay/internal/pipeline"
	"github.com/ytnobody/rolerelay/internal/session"
	"github.com/ytnobody/rolerelay/internal/summary"
	"github.com/ytnobody/rolerelay/internal/supervisor"
)

var (
	ErrRollbackNotPermitted = errors.New("rollback not permitted")
	ErrUnknownRule          = errors.New("unknown rule")
	ErrUnknownPhase         = errors.New("unknown phase")
	ErrUnknownRole          = errors.New("unknown role")
	ErrConditionsNotMet     = errors.New("rule conditions not met")
	ErrAlreadyFired         = errors.New("rule already fired for session")
	ErrPhaseGate            = errors.New("current phase not complete")
)

// Workers starts and stops role sessions.
type Workers interface {
	StartRole(ctx context.Context, role, phase string, b handoff.Bundle) (string, error)
	StopRole(ctx context.Context, role string, mode supervisor.StopMode) error
	Unblock(sessionID string) error
}

// Communications returns the transcript lines involving a role.
type Communications interface {
	Involving(role string) ([]string, error)
}

// Poster sends a message on behalf of the engine.
type Poster interface {
	Send(m mailbox.Message) error
}

// Recorder appends to the workflow journal.
type Recorder interface {
	Record(ctx context.Context, e journal.Entry) error
}

type Options struct {
	Catalog        *catalog.Catalog
	Sessions       *session.Table
	Cursor         *pipeline.Cursor
	Workers        Workers
	Decisions      *decision.Mediator
	Events         *event.Queue
	Communications Communications
	Summarizer     summary.Summarizer
	Poster         Poster
	Journal        Recorder
	Metrics        *metrics.Metrics
	// EscalationRole receives terminal errors no rule handles.
	EscalationRole string
	// Tick is the interval of time based rule evaluation.
	Tick time.Duration
}

// Engine evaluates and fires transition rules. Handle and the control
// methods are serialized by one mutex, so a rule fires at most once per
// session.
type Engine struct {
	opts Options
	cat  *catalog.Catalog

	mu        sync.Mutex
	delivered *Deliverables
	now       func() time.Time
	log       zerolog.Logger

	sumMu     sync.Mutex
	summaries map[string]cachedSummary
}

func New(opts Options) *Engine {
	if opts.Summarizer == nil {
		opts.Summarizer = summary.Plain{}
	}
	if opts.Tick <= 0 {
		opts.Tick = 30 * time.Second
	}
	return &Engine{
		opts:      opts,
		cat:       opts.Catalog,
		delivered: NewDeliverables(),
		summaries: make(map[string]cachedSummary),
		now:       time.Now,
		log:       logger.For("rules"),
	}
}

func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

// Restore rebuilds the deliverable set from live and archived sessions.
func (e *Engine) Restore() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	archived, err := e.opts.Sessions.Archived()
	if err != nil {
		return fmt.Errorf("restore deliverables: %w", err)
	}
	all := append(archived, e.opts.Sessions.List()...)
	sort.SliceStable(all, func(i, j int) bool { return all[i].StartedAt.Before(all[j].StartedAt) })
	for _, s := range all {
		for _, p := range s.Deliverables {
			e.delivered.Add(p, s.Role)
		}
	}
	return nil
}

// Deliverables lists every completed deliverable in completion order.
func (e *Engine) Deliverables() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.delivered.List()
}

// Start launches the first phase's roles when the pipeline has not started.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.opts.Cursor.Fresh() {
		return nil
	}
	p, _ := e.opts.Cursor.Current()
	b := handoff.Bundle{
		Phase:     p.ID,
		CreatedAt: e.now(),
		Global:    e.opts.Cursor.Global(),
		Notes:     "pipeline start",
	}
	if err := e.opts.Cursor.RecordSnapshot(p.ID, b); err != nil {
		return err
	}
	for _, role := range p.RequiredRoles {
		if err := e.startRole(ctx, role, p.ID, b); err != nil {
			return err
		}
	}
	e.record(ctx, journal.Entry{Kind: journal.KindPhaseStarted, Phase: p.ID})
	e.updateGauges()
	e.log.Info().Str("phase", p.ID).Strs("roles", p.RequiredRoles).Msg("pipeline started")
	return nil
}

// Run consumes the event queue until ctx is done and publishes a Tick every
// tick interval.
func (e *Engine) Run(ctx context.Context) {
	go func() {
		t := time.NewTicker(e.opts.Tick)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case at := <-t.C:
				e.opts.Events.Publish(event.Tick{At: at})
			}
		}
	}()
	for {
		ev, err := e.opts.Events.Next(ctx)
		if err != nil {
			return
		}
		e.Handle(ctx, ev)
	}
}

// Handle processes one event.
func (e *Engine) Handle(ctx context.Context, ev event.Event) {
	e.prepareSummary(ctx, e.wakeRole(ev))

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.opts.Metrics != nil {
		e.opts.Metrics.LoopCycles.WithLabelValues("rules").Inc()
	}

	switch ev := ev.(type) {
	case event.DeliverableCompleted:
		e.delivered.Add(ev.Path, ev.Role)
		e.evaluateProgress(ctx, ev.Role)
	case event.StateChanged:
		if ev.To == session.Completed {
			e.evaluateProgress(ctx, ev.Role)
		}
	case event.DecisionResolved:
		e.onDecision(ctx, ev)
	case event.TerminalError:
		e.onTerminalError(ctx, ev)
	case event.TransitionRequested:
		if err := e.requestTransition(ctx, ev.RuleID, ev.Requester); err != nil {
			e.log.Warn().Err(err).Str("rule", ev.RuleID).Str("requester", ev.Requester).Msg("transition request refused")
		}
	case event.CollaborationRequested:
		e.onCollaboration(ctx, ev)
	case event.Tick:
		e.onTick(ctx)
	case event.Transitioned, event.RolledBack:
		// published by the engine itself for observers
	}
}

// RequestTransition evaluates one rule on explicit request, regardless of
// its trigger. Conditions and approval gating still apply.
func (e *Engine) RequestTransition(ctx context.Context, ruleID, requester string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.requestTransition(ctx, ruleID, requester)
}

func (e *Engine) requestTransition(ctx context.Context, ruleID, requester string) error {
	r, ok := e.cat.Rule(ruleID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRule, ruleID)
	}
	sess, ok := e.opts.Sessions.Latest(r.FromRole)
	if !ok {
		return fmt.Errorf("rule %s: no session for %s: %w", ruleID, r.FromRole, session.ErrNotFound)
	}
	if r.IsRollback() {
		_, err := e.openRollback(ctx, requester, r.TargetPhase, fmt.Sprintf("rule %s requested by %s", r.ID, requester), r.ID, sess.ID)
		return err
	}
	if sess.HasFired(r.ID) || !sessionEligible(sess, causeManual) {
		return fmt.Errorf("%w: %s on %s", ErrAlreadyFired, r.ID, sess.ID)
	}
	if ok, why := Check(r, sess, e.env()); !ok && why != reasonAwaitingApproval {
		return fmt.Errorf("%w: %s", ErrConditionsNotMet, why)
	}
	switch e.apply(ctx, r, sess) {
	case outcomeGated:
		return fmt.Errorf("%w: %s", ErrPhaseGate, r.ID)
	case outcomeFailed:
		return fmt.Errorf("rule %s failed to fire", r.ID)
	}
	return nil
}

// Activate starts role lazily when a message arrives for it and it has no
// live session. Only roles required by the current or a later phase are
// activated; a role that already completed its phase is left alone.
func (e *Engine) Activate(ctx context.Context, role string) error {
	if _, ok := e.opts.Sessions.Active(role); ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.opts.Sessions.Active(role); ok {
		return nil
	}
	if e.opts.Cursor.Finished() {
		return nil
	}
	_, cur := e.opts.Cursor.Current()
	p, _, ok := e.cat.PhaseOf(role, cur)
	if !ok {
		return nil
	}
	if last, ok := e.opts.Sessions.Latest(role); ok && last.Phase == p.ID {
		if last.State == session.Completed || (last.State == session.Error && last.Terminal) {
			return nil
		}
	}
	b := handoff.Bundle{
		CreatedAt:    e.now(),
		Global:       e.opts.Cursor.Global(),
		Deliverables: e.delivered.List(),
		Notes:        "activated by an incoming message",
	}
	if err := e.startRole(ctx, role, p.ID, b); err != nil {
		return err
	}
	if e.opts.Metrics != nil {
		e.opts.Metrics.LazyActivations.WithLabelValues(role).Inc()
	}
	e.log.Info().Str("role", role).Str("phase", p.ID).Msg("role activated by message")
	return nil
}

// StartRole starts role on operator request, in the first phase at or
// after the current one that requires it, or else the earliest phase that
// does.
func (e *Engine) StartRole(ctx context.Context, role, note string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.cat.HasRole(role) {
		return "", fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}
	_, cur := e.opts.Cursor.Current()
	p, _, ok := e.cat.PhaseOf(role, cur)
	if !ok {
		p, _, _ = e.cat.PhaseOf(role, 0)
	}
	b := handoff.Bundle{
		CreatedAt:    e.now(),
		Global:       e.opts.Cursor.Global(),
		Deliverables: e.delivered.List(),
		Notes:        note,
	}
	id, err := e.opts.Workers.StartRole(ctx, role, p.ID, b)
	if err != nil {
		return id, err
	}
	if _, err := e.opts.Cursor.MarkStarted(p.ID, role); err != nil {
		return id, err
	}
	e.record(ctx, journal.Entry{Kind: journal.KindRoleStarted, Phase: p.ID, Role: role, Detail: note})
	return id, nil
}

func (e *Engine) env() Env {
	return Env{
		Deliverables: e.delivered,
		Approved:     e.opts.Decisions.Approved,
		Now:          e.now(),
	}
}

// evaluateProgress evaluates progress triggered rules for role first, then
// for every other role whose latest session has not been consumed, and
// checks whether the pipeline finished. Rules waiting on the phase gate are
// picked up this way once the last peer completes.
func (e *Engine) evaluateProgress(ctx context.Context, role string) {
	e.evaluateRole(ctx, role, causeProgress)
	for _, r := range e.pendingRoles(role) {
		e.evaluateRole(ctx, r, causeProgress)
	}
	e.checkFinished(ctx)
}

// pendingRoles lists, sorted, the roles other than skip with an
// unconsumed live session.
func (e *Engine) pendingRoles(skip string) []string {
	var roles []string
	for _, s := range e.opts.Sessions.List() {
		if !s.Consumed && s.Role != skip && !containsStr(roles, s.Role) {
			roles = append(roles, s.Role)
		}
	}
	sort.Strings(roles)
	return roles
}

func (e *Engine) onTick(ctx context.Context) {
	for _, r := range e.pendingRoles("") {
		e.evaluateRole(ctx, r, causeTick)
	}
}

// evaluateRole finds the highest priority rule from role whose trigger fits
// c and whose conditions hold, and applies it. It reports whether a rule
// was applied or is waiting on approval or the phase gate.
func (e *Engine) evaluateRole(ctx context.Context, role string, c cause) bool {
	sess, ok := e.opts.Sessions.Latest(role)
	if !ok || !sessionEligible(sess, c) {
		return false
	}
	env := e.env()
	for _, r := range e.cat.RulesFrom(role) {
		if !eligible(r.Trigger, c, sess) || sess.HasFired(r.ID) {
			continue
		}
		ok, why := Check(r, sess, env)
		if !ok && why != reasonAwaitingApproval {
			e.log.Debug().Str("rule", r.ID).Str("cause", c.String()).Str("reason", why).Msg("rule not satisfied")
			continue
		}
		return e.apply(ctx, r, sess) != outcomeFailed
	}
	return false
}

func (e *Engine) onTerminalError(ctx context.Context, ev event.TerminalError) {
	sess, _ := e.opts.Sessions.Get(ev.SessionID)
	e.record(ctx, journal.Entry{Kind: journal.KindTerminalError, Phase: sess.Phase, Role: ev.Role, Detail: ev.Reason})
	if e.evaluateRole(ctx, ev.Role, causeError) {
		return
	}
	esc := e.opts.EscalationRole
	if esc == "" || esc == ev.Role || e.opts.Poster == nil {
		e.log.Error().Str("role", ev.Role).Str("reason", ev.Reason).Msg("terminal error with nobody to escalate to")
		return
	}
	m := mailbox.New(mailbox.EngineRole, esc, mailbox.Escalation,
		fmt.Sprintf("Role %s failed permanently and was not restarted: %s", ev.Role, ev.Reason))
	m.Priority = mailbox.Critical
	m.Subject = "terminal role error: " + ev.Role
	m.Payload = map[string]any{"role": ev.Role, "session_id": ev.SessionID, "phase": sess.Phase}
	if err := e.opts.Poster.Send(m); err != nil {
		e.log.Error().Err(err).Str("role", ev.Role).Msg("escalate terminal error")
		return
	}
	e.record(ctx, journal.Entry{Kind: journal.KindEscalation, Phase: sess.Phase, Role: ev.Role, Detail: "escalated to " + esc})
	e.log.Warn().Str("role", ev.Role).Str("to", esc).Msg("terminal error escalated")
}

func (e *Engine) onCollaboration(ctx context.Context, ev event.CollaborationRequested) {
	if e.evaluateRole(ctx, ev.Role, causeCollaboration) {
		return
	}
	if ev.Target == "" || e.opts.Poster == nil {
		return
	}
	m := mailbox.New(mailbox.EngineRole, ev.Target, mailbox.CollaborationRequest,
		fmt.Sprintf("%s asks for your help: %s", ev.Role, ev.Reason))
	m.Priority = mailbox.High
	m.Payload = map[string]any{"requester": ev.Role}
	if err := e.opts.Poster.Send(m); err != nil {
		e.log.Warn().Err(err).Str("role", ev.Role).Str("target", ev.Target).Msg("forward collaboration request")
	}
}

func (e *Engine) onDecision(ctx context.Context, ev event.DecisionResolved) {
	d, err := e.opts.Decisions.Get(ev.DecisionID)
	if err != nil {
		e.log.Warn().Err(err).Str("decision", ev.DecisionID).Msg("resolved decision vanished")
		return
	}
	kind := journal.KindDecisionResolved
	if ev.TimedOut {
		kind = journal.KindDecisionTimeout
	}
	e.record(ctx, journal.Entry{Kind: kind, Phase: d.FromPhase, Role: d.RequestingRole, RuleID: d.RuleID, DecisionID: d.ID, Detail: ev.OptionID})

	switch d.Kind {
	case decision.KindWorker:
		e.answerWorker(d, ev)
	case decision.KindRollback:
		if d.Approved() {
			if err := e.applyRollback(ctx, d); err != nil {
				e.log.Error().Err(err).Str("decision", d.ID).Msg("rollback failed")
			}
		} else {
			e.log.Info().Str("decision", d.ID).Str("option", ev.OptionID).Msg("rollback declined")
		}
	case decision.KindTransition:
		e.retryTransition(ctx, d)
	}
	if d.Response != nil && d.Response.OptionID == decision.OptionEscalate {
		e.escalateDecision(ctx, d)
	}
	if d.RequestingRole != "" && d.Approved() {
		e.evaluateRole(ctx, d.RequestingRole, causeApproval)
	}
}

func (e *Engine) answerWorker(d decision.Decision, ev event.DecisionResolved) {
	if err := e.opts.Workers.Unblock(d.SessionID); err != nil {
		e.log.Debug().Err(err).Str("session", d.SessionID).Msg("unblock after decision")
	}
	if e.opts.Poster == nil || d.RequestingRole == "" {
		return
	}
	m := mailbox.New(mailbox.EngineRole, d.RequestingRole, mailbox.Response,
		fmt.Sprintf("Decision %q resolved: %s", d.Title, ev.OptionID))
	m.Priority = mailbox.High
	m.InReplyTo = d.ID
	m.Payload = map[string]any{
		"decision_id": d.ID,
		"option_id":   ev.OptionID,
		"approved":    ev.Approved,
		"timed_out":   ev.TimedOut,
	}
	if err := e.opts.Poster.Send(m); err != nil {
		e.log.Warn().Err(err).Str("decision", d.ID).Msg("send decision response")
	}
}

func (e *Engine) retryTransition(ctx context.Context, d decision.Decision) {
	if !d.Approved() {
		e.log.Info().Str("decision", d.ID).Str("rule", d.RuleID).Msg("transition declined")
		return
	}
	r, ok := e.cat.Rule(d.RuleID)
	if !ok {
		return
	}
	sess, err := e.opts.Sessions.Get(d.SessionID)
	if err != nil || sess.HasFired(r.ID) || !sessionEligible(sess, causeManual) {
		return
	}
	if ok, why := Check(r, sess, e.env()); !ok {
		e.log.Info().Str("rule", r.ID).Str("reason", why).Msg("approved transition no longer satisfied")
		return
	}
	e.apply(ctx, r, sess)
}

func (e *Engine) escalateDecision(ctx context.Context, d decision.Decision) {
	esc := e.opts.EscalationRole
	if esc == "" || e.opts.Poster == nil {
		return
	}
	m := mailbox.New(mailbox.EngineRole, esc, mailbox.Escalation, fmt.Sprintf("Decision %q was escalated: %s", d.Title, d.Description))
	m.Priority = mailbox.Critical
	m.Payload = map[string]any{"decision_id": d.ID, "kind": string(d.Kind)}
	if err := e.opts.Poster.Send(m); err != nil {
		e.log.Warn().Err(err).Str("decision", d.ID).Msg("escalate decision")
		return
	}
	e.record(ctx, journal.Entry{Kind: journal.KindEscalation, DecisionID: d.ID, Role: d.RequestingRole, Detail: "escalated to " + esc})
}

// checkFinished completes the pipeline once every required role of the
// last phase completed in that phase.
func (e *Engine) checkFinished(ctx context.Context) {
	cur, idx := e.opts.Cursor.Current()
	if idx != e.cat.PhaseCount()-1 || e.opts.Cursor.Finished() {
		return
	}
	for _, role := range cur.RequiredRoles {
		s, ok := e.opts.Sessions.Latest(role)
		if !ok || s.Phase != cur.ID || s.State != session.Completed {
			return
		}
	}
	if err := e.opts.Cursor.Finish(); err != nil {
		e.log.Error().Err(err).Msg("finish pipeline")
		return
	}
	e.record(ctx, journal.Entry{Kind: journal.KindPipelineCompleted, Phase: cur.ID})
	e.updateGauges()
	e.log.Info().Str("phase", cur.ID).Msg("pipeline completed")
}

func (e *Engine) record(ctx context.Context, en journal.Entry) {
	if e.opts.Journal == nil {
		return
	}
	if err := e.opts.Journal.Record(ctx, en); err != nil {
		e.log.Warn().Err(err).Str("kind", string(en.Kind)).Msg("journal")
	}
}

func (e *Engine) updateGauges() {
	if e.opts.Metrics == nil {
		return
	}
	_, idx := e.opts.Cursor.Current()
	e.opts.Metrics.PhaseIndex.Set(float64(idx))
	e.opts.Metrics.Progress.Set(float64(e.opts.Cursor.Progress()))
}

func containsStr(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
