package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/ytnobody/rolerelay/internal/catalog"
	"github.com/ytnobody/rolerelay/internal/event"
	"github.com/ytnobody/rolerelay/internal/session"
	"github.com/ytnobody/rolerelay/internal/summary"
)

const summaryTimeout = 30 * time.Second

// cachedSummary is a summary computed before the engine lock was taken,
// valid while the session still summarizes to the same input.
type cachedSummary struct {
	key  string
	text string
}

func summaryInput(sess session.Session) summary.Input {
	return summary.Input{
		Role:         sess.Role,
		Phase:        sess.Phase,
		CurrentTask:  sess.CurrentTask,
		Progress:     sess.Progress,
		Knowledge:    sess.Knowledge,
		Deliverables: sess.Deliverables,
		Context:      sess.Context,
	}
}

// wakeRole names the role whose rules ev may fire, if any.
func (e *Engine) wakeRole(ev event.Event) string {
	switch ev := ev.(type) {
	case event.DeliverableCompleted:
		return ev.Role
	case event.StateChanged:
		if ev.To == session.Completed {
			return ev.Role
		}
	case event.DecisionResolved:
		return ev.Role
	case event.TerminalError:
		return ev.Role
	case event.CollaborationRequested:
		return ev.Role
	case event.TransitionRequested:
		if r, ok := e.cat.Rule(ev.RuleID); ok {
			return r.FromRole
		}
	}
	return ""
}

// summarizes reports whether some rule from role hands off an auto-derived
// summary.
func (e *Engine) summarizes(role string) bool {
	for _, r := range e.cat.RulesFrom(role) {
		for _, raw := range r.Handoff {
			if src, err := catalog.ParseSource(raw); err == nil && src == catalog.SourceAuto {
				return true
			}
		}
	}
	return false
}

// prepareSummary runs the summarizer for role's session without holding
// the engine lock. A slow summarizer then delays only the event being
// handled, not message routing or control calls waiting on the lock.
func (e *Engine) prepareSummary(ctx context.Context, role string) {
	if role == "" || !e.summarizes(role) {
		return
	}
	sess, ok := e.opts.Sessions.Latest(role)
	if !ok || sess.Consumed {
		return
	}
	in := summaryInput(sess)
	key := fmt.Sprint(in)

	e.sumMu.Lock()
	for id := range e.summaries {
		if s, err := e.opts.Sessions.Get(id); err != nil || s.Consumed {
			delete(e.summaries, id)
		}
	}
	c, ok := e.summaries[sess.ID]
	e.sumMu.Unlock()
	if ok && c.key == key {
		return
	}

	text := e.runSummarizer(ctx, in)
	e.sumMu.Lock()
	e.summaries[sess.ID] = cachedSummary{key: key, text: text}
	e.sumMu.Unlock()
}

// summarize returns the prepared summary for sess, or computes it when the
// session changed since.
func (e *Engine) summarize(ctx context.Context, sess session.Session) string {
	in := summaryInput(sess)
	e.sumMu.Lock()
	c, ok := e.summaries[sess.ID]
	e.sumMu.Unlock()
	if ok && c.key == fmt.Sprint(in) {
		return c.text
	}
	return e.runSummarizer(ctx, in)
}

func (e *Engine) forgetSummary(id string) {
	e.sumMu.Lock()
	delete(e.summaries, id)
	e.sumMu.Unlock()
}

func (e *Engine) runSummarizer(ctx context.Context, in summary.Input) string {
	ctx, cancel := context.WithTimeout(ctx, summaryTimeout)
	defer cancel()
	out, err := e.opts.Summarizer.Summarize(ctx, in)
	if err != nil {
		e.log.Warn().Err(err).Str("role", in.Role).Msg("summarize, using plain summary")
		out, _ = summary.Plain{}.Summarize(ctx, in)
	}
	return out
}
