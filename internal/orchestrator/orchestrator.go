// Package orchestrator wires the engine together: it owns the supervisor,
// rule engine, decision mediator and mailbox router loops, answers
// engine-addressed mailbox commands and exposes the control operations.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ytnobody/rolerelay/internal/catalog"
	"github.com/ytnobody/rolerelay/internal/config"
	"github.com/ytnobody/rolerelay/internal/decision"
	"github.com/ytnobody/rolerelay/internal/event"
	"github.com/ytnobody/rolerelay/internal/journal"
	"github.com/ytnobody/rolerelay/internal/logger"
	"github.com/ytnobody/rolerelay/internal/mailbox"
	"github.com/ytnobody/rolerelay/internal/metrics"
	"github.com/ytnobody/rolerelay/internal/pipeline"
	"github.com/ytnobody/rolerelay/internal/project"
	"github.com/ytnobody/rolerelay/internal/rules"
	"github.com/ytnobody/rolerelay/internal/session"
	"github.com/ytnobody/rolerelay/internal/summary"
	"github.com/ytnobody/rolerelay/internal/supervisor"
	"github.com/ytnobody/rolerelay/prompts"
)

// OperatorRole names requests made through the control surface.
const OperatorRole = "operator"

const (
	transcriptMaxLines     = 5000
	transcriptCleanupEvery = time.Hour
)

// Orchestrator manages the lifecycle of all loops and subsystems.
type Orchestrator struct {
	cfg        *config.Config
	cfgMu      sync.RWMutex // protects cfg for hot-reload
	configPath string
	layout     project.Layout

	cat        *catalog.Catalog
	sessions   *session.Table
	events     *event.Queue
	metrics    *metrics.Metrics
	sup        *supervisor.Supervisor
	decisions  *decision.Mediator
	cursor     *pipeline.Cursor
	queue      mailbox.Queue
	transcript *mailbox.Transcript
	router     *mailbox.Router
	journal    *journal.Journal
	engine     *rules.Engine

	loops        []func(context.Context) error
	bootstrapped bool
	mu           sync.Mutex
	log          zerolog.Logger
}

type settings struct {
	launcher   supervisor.Launcher
	summarizer summary.Summarizer
	configPath string
}

// Option customises New.
type Option func(*settings)

// WithLauncher replaces the OS process launcher.
func WithLauncher(l supervisor.Launcher) Option {
	return func(s *settings) { s.launcher = l }
}

// WithSummarizer replaces the summarizer chosen by [summary] provider.
func WithSummarizer(sm summary.Summarizer) Option {
	return func(s *settings) { s.summarizer = sm }
}

// WithConfigPath enables hot-reload of the config file during Run and
// resolves a relative worker command against the config's directory.
func WithConfigPath(path string) Option {
	return func(s *settings) { s.configPath = path }
}

// New creates an Orchestrator and every subsystem it owns. Nothing is
// started until Bootstrap or Run.
func New(cfg *config.Config, layout project.Layout, opts ...Option) (*Orchestrator, error) {
	var st settings
	for _, opt := range opts {
		opt(&st)
	}
	if err := layout.Ensure(); err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:        cfg,
		configPath: st.configPath,
		layout:     layout,
		cat:        cfg.Catalog(),
		sessions:   session.NewTable(layout.Sessions()),
		events:     event.NewQueue(),
		metrics:    metrics.New(),
		transcript: mailbox.NewTranscript(layout.Transcript()),
		log:        logger.For("orchestrator"),
	}

	var err error
	switch cfg.Mailbox.Backend {
	case "bolt":
		o.queue, err = mailbox.NewBoltQueue(layout.Path(cfg.Mailbox.BoltPath))
	default:
		o.queue, err = mailbox.NewFileQueue(layout.Communication())
	}
	if err != nil {
		return nil, err
	}

	if o.journal, err = journal.Open(layout.Journal()); err != nil {
		o.queue.Close()
		return nil, err
	}
	if o.cursor, err = pipeline.Open(layout.Pipeline(), o.cat, cfg.Context); err != nil {
		o.close()
		return nil, err
	}

	renderer, err := prompts.NewRenderer(layout.Prompts())
	if err != nil {
		o.close()
		return nil, err
	}

	o.decisions = decision.NewMediator(layout.Decisions(), o.events, o.metrics,
		cfg.Decisions.DefaultDeadline(), cfg.Decisions.ScanInterval())

	sc := cfg.Supervisor
	o.sup = supervisor.New(supervisor.Options{
		Project:         cfg.Project.Name,
		WorkRoot:        layout.Work(),
		Command:         resolveCommand(sc.Command, st.configPath),
		Args:            sc.Args,
		Env:             sc.Env,
		ReadyTimeout:    sc.ReadyTimeout(),
		Grace:           sc.Grace(),
		MonitorInterval: sc.MonitorInterval(),
		MaxRestarts:     sc.MaxRestarts,
		Backoff:         sc.RestartBackoff,
		StaleWarn:       sc.StaleWarn(),
		StaleKill:       sc.StaleKill(),
		StatusFile:      sc.StatusFile,
		HandoffFile:     sc.HandoffFile,
		ReadyFile:       sc.ReadyFile,
		Mailbox:         o.mailboxPaths,
		Renderer:        renderer,
		Catalog:         o.cat,
	}, o.sessions, o.events, st.launcher, o.metrics)

	o.router = mailbox.NewRouter(o.queue, o.transcript, cfg.Mailbox.ScanInterval(), o.metrics)

	sm := st.summarizer
	if sm == nil {
		sm = o.newSummarizer(cfg.Summary)
	}

	o.engine = rules.New(rules.Options{
		Catalog:        o.cat,
		Sessions:       o.sessions,
		Cursor:         o.cursor,
		Workers:        o.sup,
		Decisions:      o.decisions,
		Events:         o.events,
		Communications: o.transcript,
		Summarizer:     sm,
		Poster:         o.router,
		Journal:        o.journal,
		Metrics:        o.metrics,
		EscalationRole: cfg.Rules.EscalationRole,
		Tick:           cfg.Rules.Tick(),
	})

	o.router.SetEngineHandler(o)
	o.router.SetActivator(o)
	o.sup.SetDecisionSink(o)
	return o, nil
}

// resolveCommand makes a relative command path with a directory component
// relative to the config file; bare names are left for PATH lookup.
func resolveCommand(command, configPath string) string {
	if configPath == "" || filepath.IsAbs(command) || !strings.ContainsRune(command, filepath.Separator) {
		return command
	}
	abs, err := filepath.Abs(filepath.Join(filepath.Dir(configPath), command))
	if err != nil {
		return command
	}
	return abs
}

func (o *Orchestrator) newSummarizer(sc config.SummaryConfig) summary.Summarizer {
	if sc.Provider != "gemini" {
		return summary.Plain{}
	}
	key := os.Getenv("GEMINI_API_KEY")
	if key == "" {
		o.log.Warn().Msg("summary provider is gemini but GEMINI_API_KEY is not set, using plain summaries")
		return summary.Plain{}
	}
	g, err := summary.NewGemini(context.Background(), key, sc.Model, sc.RPM)
	if err != nil {
		o.log.Warn().Err(err).Msg("gemini client, using plain summaries")
		return summary.Plain{}
	}
	return summary.Fallback{Primary: g, Secondary: summary.Plain{}}
}

// mailboxPaths tells a worker where to read and write messages. The bolt
// backend is only reachable through the control surface.
func (o *Orchestrator) mailboxPaths(role string) (string, string) {
	if fq, ok := o.queue.(*mailbox.FileQueue); ok {
		return fq.InboxDir(role), fq.OutboxDir(role)
	}
	base := "http://" + o.Config().Control.Listen + "/api/v1"
	return base + "/roles/" + role + "/inbox", base + "/messages"
}

// Config returns the current active configuration.
// Safe to call from multiple goroutines.
func (o *Orchestrator) Config() *config.Config {
	o.cfgMu.RLock()
	defer o.cfgMu.RUnlock()
	return o.cfg
}

// AddLoop registers fn to run alongside the engine loops during Run. It is
// how the control surface is started with the engine.
func (o *Orchestrator) AddLoop(fn func(ctx context.Context) error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.loops = append(o.loops, fn)
}

// Bootstrap restores persisted state, relaunches live sessions and starts
// the first phase if the pipeline is fresh. Run calls it; tests call it to
// drive single cycles without the loops.
func (o *Orchestrator) Bootstrap(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.bootstrapped {
		return nil
	}
	n, err := o.sessions.Restore()
	if err != nil {
		return fmt.Errorf("restore sessions: %w", err)
	}
	d, err := o.decisions.Restore()
	if err != nil {
		return fmt.Errorf("restore decisions: %w", err)
	}
	if err := o.engine.Restore(); err != nil {
		return err
	}
	resumed := o.sup.Resume(ctx)
	if err := o.engine.Start(ctx); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}
	o.bootstrapped = true
	cur, _ := o.cursor.Current()
	o.log.Info().Int("sessions", n).Int("decisions", d).Int("resumed", resumed).Str("phase", cur.ID).Msg("bootstrapped")
	return nil
}

// Run starts all subsystems and blocks until ctx is cancelled. Workers are
// stopped and stores closed before it returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.Bootstrap(ctx); err != nil {
		o.close()
		return err
	}

	var wg sync.WaitGroup
	start := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	start(func() { o.sup.Run(ctx) })
	start(func() { o.engine.Run(ctx) })
	start(func() { o.decisions.Run(ctx) })
	start(func() { o.router.Run(ctx) })
	start(func() { o.runTranscriptCleanup(ctx) })
	if o.configPath != "" {
		start(func() { o.runConfigWatcher(ctx) })
	}

	o.mu.Lock()
	loops := append([]func(context.Context) error(nil), o.loops...)
	o.mu.Unlock()
	for _, fn := range loops {
		start(func() {
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				o.log.Error().Err(err).Msg("loop stopped")
			}
		})
	}

	o.log.Info().Msg("all subsystems started")

	<-ctx.Done()
	o.log.Info().Msg("shutting down")
	wg.Wait()
	o.sup.Wait()
	o.close()
	o.log.Info().Msg("stopped")
	return nil
}

func (o *Orchestrator) close() {
	if o.journal != nil {
		if err := o.journal.Close(); err != nil {
			o.log.Warn().Err(err).Msg("close journal")
		}
	}
	if err := o.queue.Close(); err != nil {
		o.log.Warn().Err(err).Msg("close mailbox")
	}
}

// runTranscriptCleanup keeps the delivery transcript bounded.
func (o *Orchestrator) runTranscriptCleanup(ctx context.Context) {
	ticker := time.NewTicker(transcriptCleanupEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.transcript.Truncate(transcriptMaxLines); err != nil {
				o.log.Warn().Err(err).Msg("truncate transcript")
			}
		}
	}
}

// runConfigWatcher applies reloaded configs. The phase graph and rule
// catalog are fixed for the life of the process; a reload that changes
// them is reported and otherwise ignored until restart.
func (o *Orchestrator) runConfigWatcher(ctx context.Context) {
	ch, err := config.NewWatcher(o.configPath).Watch(ctx)
	if err != nil {
		o.log.Error().Err(err).Msg("config watcher")
		return
	}
	o.log.Info().Str("path", o.configPath).Msg("watching config for changes")
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-ch:
			if !ok {
				return
			}
			o.applyConfig(next)
		}
	}
}

func (o *Orchestrator) applyConfig(next *config.Config) {
	if o.Config().CatalogChanged(next) {
		o.log.Warn().Msg("phase graph or rule catalog changed; restart to apply")
	}
	logger.SetLevel(next.Log.Level)
	o.decisions.SetDefaultDeadline(next.Decisions.DefaultDeadline())
	o.cfgMu.Lock()
	o.cfg = next
	o.cfgMu.Unlock()
	o.log.Info().Str("level", next.Log.Level).Int("deadline_hours", next.Decisions.DefaultDeadlineHours).Msg("active config updated")
}

// EnsureActive starts role when a message arrives for it and the pipeline
// still needs it.
func (o *Orchestrator) EnsureActive(ctx context.Context, role string) error {
	return o.engine.Activate(ctx, role)
}

// RequestDecision opens a decision asked for in a worker's status record.
// It runs under the supervisor's lock, so it only touches the mediator and
// the journal.
func (o *Orchestrator) RequestDecision(role, sessionID string, req supervisor.DecisionRequest) (string, error) {
	level, err := decision.ParseLevel(req.Level)
	if err != nil {
		return "", err
	}
	opts := make([]decision.Option, 0, len(req.Options))
	for _, opt := range req.Options {
		opts = append(opts, decision.Option{ID: opt.ID, Label: opt.Label, Approves: opt.Approves})
	}
	return o.openWorkerDecision(context.Background(), decision.Request{
		Level:          level,
		Kind:           decision.KindWorker,
		Title:          req.Title,
		Description:    req.Description,
		Options:        opts,
		RequestingRole: role,
		SessionID:      sessionID,
		Deadline:       time.Duration(req.DeadlineMin) * time.Minute,
	})
}

func (o *Orchestrator) openWorkerDecision(ctx context.Context, req decision.Request) (string, error) {
	if s, err := o.sessions.Get(req.SessionID); err == nil {
		req.FromPhase = s.Phase
	}
	d, err := o.decisions.Open(req)
	if err != nil {
		return "", err
	}
	if err := o.journal.Record(ctx, journal.Entry{
		Kind: journal.KindDecisionOpened, Phase: req.FromPhase, Role: req.RequestingRole, DecisionID: d.ID, Detail: d.Title,
	}); err != nil {
		o.log.Warn().Err(err).Msg("journal")
	}
	return d.ID, nil
}

// HandleEngineMessage applies a command addressed to the engine mailbox.
// A returned error is sent back to the sender by the router.
func (o *Orchestrator) HandleEngineMessage(ctx context.Context, m mailbox.Message) error {
	switch m.Type {
	case mailbox.DecisionRequestType:
		return o.handleDecisionMessage(ctx, m)
	case mailbox.RollbackRequest:
		target := payloadString(m.Payload, "target_phase")
		if target == "" {
			return fmt.Errorf("rollback request needs payload.target_phase")
		}
		reason := m.Content
		if reason == "" {
			reason = m.Subject
		}
		_, err := o.engine.RequestRollback(ctx, m.From, target, reason)
		return err
	case mailbox.TransitionRequest:
		ruleID := payloadString(m.Payload, "rule_id")
		if ruleID == "" {
			return fmt.Errorf("transition request needs payload.rule_id")
		}
		return o.engine.RequestTransition(ctx, ruleID, m.From)
	case mailbox.CollaborationRequest:
		o.events.Publish(event.CollaborationRequested{Role: m.From, Target: payloadString(m.Payload, "target"), Reason: m.Content})
		return nil
	case mailbox.KnowledgeShare:
		return o.shareKnowledge(m)
	case mailbox.ProgressUpdate:
		o.log.Info().Str("role", m.From).Str("subject", m.Subject).Msg(m.Content)
		return nil
	case mailbox.Escalation:
		to := o.Config().Rules.EscalationRole
		if to == m.From {
			return fmt.Errorf("escalation from %s has nowhere to go", m.From)
		}
		fwd := mailbox.New(m.From, to, mailbox.Escalation, m.Content)
		fwd.Subject = m.Subject
		fwd.Priority = m.Priority
		fwd.Payload = m.Payload
		fwd.InReplyTo = m.ID
		if err := o.router.Send(fwd); err != nil {
			return err
		}
		o.record(ctx, journal.Entry{Kind: journal.KindEscalation, Role: m.From, Detail: m.Subject})
		return nil
	}
	return fmt.Errorf("message type %q is not handled by the engine", m.Type)
}

func (o *Orchestrator) handleDecisionMessage(ctx context.Context, m mailbox.Message) error {
	level, err := decision.ParseLevel(payloadString(m.Payload, "level"))
	if err != nil {
		return err
	}
	title := m.Subject
	if title == "" {
		title = "Decision requested by " + m.From
	}
	req := decision.Request{
		Level:          level,
		Kind:           decision.KindWorker,
		Title:          title,
		Description:    m.Content,
		RequestingRole: m.From,
	}
	s, live := o.sessions.Active(m.From)
	if live {
		req.SessionID = s.ID
	}
	id, err := o.openWorkerDecision(ctx, req)
	if err != nil {
		return err
	}
	if !live || level == decision.Auto {
		return nil
	}
	if err := o.sup.Await(s.ID); err != nil {
		o.log.Warn().Err(err).Str("session", s.ID).Str("decision", id).Msg("session keeps running while decision is open")
	}
	return nil
}

func (o *Orchestrator) shareKnowledge(m mailbox.Message) error {
	s, ok := o.sessions.Active(m.From)
	if !ok {
		return fmt.Errorf("%s has no live session: %w", m.From, session.ErrNotFound)
	}
	item := m.Content
	if item == "" {
		item = m.Subject
	}
	_, err := o.sessions.Update(s.ID, func(x *session.Session) error {
		for _, k := range x.Knowledge {
			if k == item {
				return nil
			}
		}
		x.Knowledge = append(x.Knowledge, item)
		return nil
	})
	return err
}

func payloadString(p map[string]any, key string) string {
	if v, ok := p[key]; ok {
		return strings.TrimSpace(fmt.Sprint(v))
	}
	return ""
}

func (o *Orchestrator) record(ctx context.Context, e journal.Entry) {
	if err := o.journal.Record(ctx, e); err != nil {
		o.log.Warn().Err(err).Str("kind", string(e.Kind)).Msg("journal")
	}
}

// Status is the control surface's view of the pipeline.
type Status struct {
	Project       string                  `json:"project"`
	Phase         string                  `json:"phase"`
	PhaseIndex    int                     `json:"phase_index"`
	PhaseCount    int                     `json:"phase_count"`
	Progress      int                     `json:"progress_percent"`
	Finished      bool                    `json:"finished"`
	Completed     []string                `json:"completed_phases"`
	Global        map[string]any          `json:"global_context"`
	Sessions      []session.Session       `json:"sessions"`
	OpenDecisions []decision.Decision     `json:"open_decisions"`
	Workers       []supervisor.WorkerInfo `json:"workers"`
	Deliverables  []string                `json:"deliverables"`
}

func (o *Orchestrator) Status() Status {
	st := o.cursor.State()
	cur, idx := o.cursor.Current()
	return Status{
		Project:       o.Config().Project.Name,
		Phase:         cur.ID,
		PhaseIndex:    idx,
		PhaseCount:    o.cat.PhaseCount(),
		Progress:      o.cursor.Progress(),
		Finished:      st.Finished,
		Completed:     st.Completed,
		Global:        st.Global,
		Sessions:      o.sessions.List(),
		OpenDecisions: o.decisions.List(true),
		Workers:       o.sup.Workers(),
		Deliverables:  o.engine.Deliverables(),
	}
}

func (o *Orchestrator) Sessions() []session.Session { return o.sessions.List() }

func (o *Orchestrator) Session(id string) (session.Session, error) { return o.sessions.Get(id) }

// StartRole starts role on operator request.
func (o *Orchestrator) StartRole(ctx context.Context, role string) (string, error) {
	return o.engine.StartRole(ctx, role, "started by operator")
}

// StopRole stops role's live session. A forced stop suspends the session;
// otherwise it completes, which may fire rules.
func (o *Orchestrator) StopRole(ctx context.Context, role string, forced bool) error {
	mode := supervisor.Completion
	if forced {
		mode = supervisor.Forced
	}
	s, ok := o.sessions.Active(role)
	if !ok {
		return fmt.Errorf("%s has no live session: %w", role, session.ErrNotFound)
	}
	if err := o.sup.StopRole(ctx, role, mode); err != nil {
		return err
	}
	detail := "operator stop"
	if forced {
		detail = "operator forced stop"
	}
	o.record(ctx, journal.Entry{Kind: journal.KindRoleStopped, Phase: s.Phase, Role: role, Detail: detail})
	return nil
}

func (o *Orchestrator) ResolveDecision(id, optionID string) (decision.Decision, error) {
	return o.decisions.Resolve(id, optionID)
}

func (o *Orchestrator) Decisions(openOnly bool) []decision.Decision {
	return o.decisions.List(openOnly)
}

func (o *Orchestrator) Decision(id string) (decision.Decision, error) {
	return o.decisions.Get(id)
}

// RequestRollback opens a rollback decision on behalf of the operator.
func (o *Orchestrator) RequestRollback(ctx context.Context, target, reason string) (decision.Decision, error) {
	return o.engine.RequestRollback(ctx, OperatorRole, target, reason)
}

// RequestTransition evaluates one rule on behalf of the operator.
func (o *Orchestrator) RequestTransition(ctx context.Context, ruleID string) error {
	return o.engine.RequestTransition(ctx, ruleID, OperatorRole)
}

// Journal returns the newest workflow log entries, optionally of one kind.
func (o *Orchestrator) Journal(ctx context.Context, limit int, kind string) ([]journal.Entry, error) {
	return o.journal.Recent(ctx, limit, journal.Kind(kind))
}

// PostMessage queues m from its sender's outbox, for workers that cannot
// reach the mailbox store directly.
func (o *Orchestrator) PostMessage(m mailbox.Message) error {
	if m.ID == "" {
		fresh := mailbox.New(m.From, m.To, m.Type, m.Content)
		fresh.Subject, fresh.Payload, fresh.InReplyTo = m.Subject, m.Payload, m.InReplyTo
		if m.Priority != "" {
			fresh.Priority = m.Priority
		}
		m = fresh
	}
	if m.From == mailbox.EngineRole {
		return errors.New("messages from the engine cannot be posted")
	}
	return o.queue.Post(m)
}

// Inbox lists the messages delivered to role.
func (o *Orchestrator) Inbox(role string) ([]mailbox.Message, error) {
	return o.queue.Inbox(role)
}

func (o *Orchestrator) Subscribe() (<-chan event.Envelope, func()) {
	return o.events.Subscribe()
}

func (o *Orchestrator) Metrics() *metrics.Metrics { return o.metrics }

// Catalog returns the phase graph and rules the engine was started with.
func (o *Orchestrator) Catalog() *catalog.Catalog { return o.cat }

// Engine exposes the rule engine so tests can drive it one event at a time.
func (o *Orchestrator) Engine() *rules.Engine { return o.engine }

func (o *Orchestrator) Supervisor() *supervisor.Supervisor { return o.sup }

func (o *Orchestrator) Router() *mailbox.Router { return o.router }

func (o *Orchestrator) Mediator() *decision.Mediator { return o.decisions }

func (o *Orchestrator) EventQueue() *event.Queue { return o.events }
