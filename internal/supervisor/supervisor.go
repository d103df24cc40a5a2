// Package supervisor owns the lifecycle of worker processes: launch,
// readiness, progress ingestion, crash detection and bounded restart.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/ytnobody/rolerelay/internal/catalog"
	"github.com/ytnobody/rolerelay/internal/event"
	"github.com/ytnobody/rolerelay/internal/handoff"
	"github.com/ytnobody/rolerelay/internal/logger"
	"github.com/ytnobody/rolerelay/internal/metrics"
	"github.com/ytnobody/rolerelay/internal/session"
	"github.com/ytnobody/rolerelay/prompts"
)

// StopMode selects the terminal state StopRole leaves a session in.
type StopMode int

const (
	// Completion is a normal end of work; the session becomes Completed.
	Completion StopMode = iota
	// Forced is an operator or rollback stop; the session becomes Suspended.
	Forced
)

var (
	errNotReady = errors.New("worker did not confirm readiness")
	errStopped  = errors.New("worker stopped while starting")
)

// DecisionSink receives decision requests embedded in status records.
type DecisionSink interface {
	RequestDecision(role, sessionID string, req DecisionRequest) (string, error)
}

// Options configures a Supervisor.
type Options struct {
	Project  string
	WorkRoot string
	Command  string
	Args     []string
	Env      []string

	ReadyTimeout    time.Duration
	Grace           time.Duration
	MonitorInterval time.Duration
	MaxRestarts     int
	// Backoff returns the delay before restart attempt n (1-based).
	Backoff   func(n int) time.Duration
	StaleWarn time.Duration
	StaleKill time.Duration

	StatusFile  string
	HandoffFile string
	ReadyFile   string

	// Mailbox returns the inbox and outbox a role reads and writes; it is
	// only used to fill in the briefing.
	Mailbox  func(role string) (inbox, outbox string)
	Renderer *prompts.Renderer
	Catalog  *catalog.Catalog
}

type worker struct {
	sessionID   string
	role        string
	phase       string
	workDir     string
	proc        Process
	bundle      handoff.Bundle
	stopping    bool
	staleWarned bool
	// restartAt is set while a failed session waits for its next attempt.
	restartAt time.Time
	// launching is set while ops is released for the readiness wait.
	launching bool
}

// WorkerInfo is a read-only view of a supervised worker.
type WorkerInfo struct {
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	PID       int       `json:"pid,omitempty"`
	Running   bool      `json:"running"`
	RestartAt time.Time `json:"restart_at,omitempty"`
}

// Supervisor starts, monitors and stops workers.
type Supervisor struct {
	opts     Options
	sessions *session.Table
	events   *event.Queue
	launcher Launcher
	metrics  *metrics.Metrics
	sink     DecisionSink
	log      zerolog.Logger

	// ops serializes lifecycle operations; mu guards the workers map.
	ops     sync.Mutex
	mu      sync.Mutex
	workers map[string]*worker
	fsw     *fsnotify.Watcher
	nudge   chan struct{}
	bg      sync.WaitGroup
	now     func() time.Time
}

// New creates a Supervisor.
func New(opts Options, sessions *session.Table, events *event.Queue, launcher Launcher, m *metrics.Metrics) *Supervisor {
	if opts.StatusFile == "" {
		opts.StatusFile = "status.yaml"
	}
	if opts.HandoffFile == "" {
		opts.HandoffFile = "handoff.yaml"
	}
	if opts.ReadyFile == "" {
		opts.ReadyFile = ".ready"
	}
	if opts.Backoff == nil {
		opts.Backoff = func(int) time.Duration { return 0 }
	}
	if launcher == nil {
		launcher = ExecLauncher{}
	}
	if m == nil {
		m = metrics.New()
	}
	return &Supervisor{
		opts:     opts,
		sessions: sessions,
		events:   events,
		launcher: launcher,
		metrics:  m,
		log:      logger.For("supervisor"),
		workers:  make(map[string]*worker),
		nudge:    make(chan struct{}, 1),
		now:      time.Now,
	}
}

// SetDecisionSink wires worker decision requests to the mediator.
func (s *Supervisor) SetDecisionSink(d DecisionSink) { s.sink = d }

// SetClock replaces the time source used for staleness and backoff.
func (s *Supervisor) SetClock(now func() time.Time) { s.now = now }

// StartRole creates a session for role, prepares its work directory and
// launches the worker. A duplicate live session is rejected. A worker that
// fails to become ready leaves the session in Error with a restart scheduled;
// the session id is still returned.
func (s *Supervisor) StartRole(ctx context.Context, role, phase string, b handoff.Bundle) (string, error) {
	s.ops.Lock()
	defer s.ops.Unlock()

	sess, err := s.sessions.Create(role, phase)
	if err != nil {
		return "", fmt.Errorf("start %s: %w", role, err)
	}
	s.publishState(sess.Role, sess.ID, "", session.Initializing)

	b = b.Clone()
	b.Role, b.Phase = role, phase
	if b.CreatedAt.IsZero() {
		b.CreatedAt = s.now()
	}
	w := &worker{
		sessionID: sess.ID,
		role:      role,
		phase:     phase,
		workDir:   filepath.Join(s.opts.WorkRoot, role, sess.ID),
		bundle:    b,
	}
	if err := s.prepare(w, 0); err != nil {
		s.abandon(w, err)
		return sess.ID, fmt.Errorf("start %s: %w", role, err)
	}
	s.setWorker(w)

	if err := s.launch(ctx, w); err != nil && !errors.Is(err, errStopped) {
		s.fail(w, "startup", err)
	}
	return sess.ID, nil
}

// StopRole stops the role's live session: graceful signal, grace period,
// then kill. Completion leaves the session Completed, Forced leaves it
// Suspended. A session that never became active is always Suspended.
func (s *Supervisor) StopRole(ctx context.Context, role string, mode StopMode) error {
	s.ops.Lock()
	defer s.ops.Unlock()

	sess, ok := s.sessions.Active(role)
	if !ok {
		return fmt.Errorf("stop %s: %w", role, session.ErrNotFound)
	}
	if w := s.getWorker(sess.ID); w != nil {
		w.stopping = true
		if w.proc != nil {
			if err := w.proc.Terminate(s.opts.Grace); err != nil {
				s.log.Warn().Err(err).Str("role", role).Msg("terminate worker")
			}
		}
		s.removeWorker(sess.ID)
	}

	target := session.Suspended
	if mode == Completion {
		switch sess.State {
		case session.Active, session.Waiting, session.Blocked:
			target = session.Completed
		}
	}
	if _, err := s.sessions.Transition(sess.ID, target); err != nil {
		return fmt.Errorf("stop %s: %w", role, err)
	}
	s.publishState(role, sess.ID, sess.State, target)
	s.log.Info().Str("role", role).Str("session", sess.ID).Str("state", string(target)).Msg("worker stopped")
	return nil
}

// Report applies a status record for the role's live session. It is the
// programmatic equivalent of the worker writing its status file.
func (s *Supervisor) Report(role string, st Status) error {
	s.ops.Lock()
	defer s.ops.Unlock()

	sess, ok := s.sessions.Active(role)
	if !ok {
		return fmt.Errorf("report %s: %w", role, session.ErrNotFound)
	}
	w := s.getWorker(sess.ID)
	if w == nil {
		w = &worker{sessionID: sess.ID, role: role, phase: sess.Phase, workDir: sess.WorkDir}
	}
	if sess.State == session.Initializing {
		if _, err := s.sessions.Transition(sess.ID, session.Active); err != nil {
			return fmt.Errorf("report %s: %w", role, err)
		}
		s.publishState(role, sess.ID, session.Initializing, session.Active)
	}
	return s.applyStatus(w, st)
}

// Unblock returns a Waiting or Blocked session to Active, typically after
// the decision it asked for was resolved. Other states are left alone.
func (s *Supervisor) Unblock(sessionID string) error {
	s.ops.Lock()
	defer s.ops.Unlock()

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return fmt.Errorf("unblock: %w", err)
	}
	if sess.State != session.Waiting && sess.State != session.Blocked {
		return nil
	}
	if _, err := s.sessions.Update(sessionID, func(x *session.Session) error {
		x.State = session.Active
		x.LastActivity = s.now()
		return nil
	}); err != nil {
		return fmt.Errorf("unblock %s: %w", sess.Role, err)
	}
	s.publishState(sess.Role, sessionID, sess.State, session.Active)
	return nil
}

// Await parks a running session in Waiting while a decision it asked for
// through the mailbox is open. Unblock reverses it.
func (s *Supervisor) Await(sessionID string) error {
	s.ops.Lock()
	defer s.ops.Unlock()

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return fmt.Errorf("await: %w", err)
	}
	if sess.State != session.Active && sess.State != session.Blocked {
		return nil
	}
	if _, err := s.sessions.Update(sessionID, func(x *session.Session) error {
		x.State = session.Waiting
		x.LastActivity = s.now()
		return nil
	}); err != nil {
		return fmt.Errorf("await %s: %w", sess.Role, err)
	}
	s.publishState(sess.Role, sessionID, sess.State, session.Waiting)
	return nil
}

// Resume reattaches to sessions restored from disk. Their processes did not
// survive the engine restart, so each live session is relaunched with its
// last handoff bundle. Resuming does not count against the restart budget.
func (s *Supervisor) Resume(ctx context.Context) int {
	s.ops.Lock()
	defer s.ops.Unlock()

	n := 0
	for _, sess := range s.sessions.List() {
		if sess.Done() || s.getWorker(sess.ID) != nil {
			continue
		}
		w := &worker{
			sessionID: sess.ID,
			role:      sess.Role,
			phase:     sess.Phase,
			workDir:   sess.WorkDir,
		}
		if w.workDir == "" {
			w.workDir = filepath.Join(s.opts.WorkRoot, sess.Role, sess.ID)
		}
		if sess.Handoff != "" {
			if b, err := handoff.Read(sess.Handoff); err == nil {
				w.bundle = b
			} else {
				s.log.Warn().Err(err).Str("session", sess.ID).Msg("handoff unreadable, resuming with empty bundle")
			}
		}
		if w.bundle.Role == "" {
			w.bundle = handoff.Bundle{Role: sess.Role, Phase: sess.Phase, CreatedAt: s.now()}
		}
		s.setWorker(w)

		if sess.State != session.Error {
			if _, err := s.sessions.Update(sess.ID, func(x *session.Session) error {
				x.State = session.Error
				x.LastError = "engine restarted"
				return nil
			}); err != nil {
				s.log.Error().Err(err).Str("session", sess.ID).Msg("resume")
				continue
			}
		}
		s.restart(ctx, w, false)
		n++
	}
	return n
}

// CheckOnce runs one monitor cycle: pending restarts, status ingestion,
// liveness and staleness.
func (s *Supervisor) CheckOnce(ctx context.Context) {
	s.ops.Lock()
	defer s.ops.Unlock()
	defer s.metrics.LoopCycles.WithLabelValues("supervisor").Inc()

	now := s.now()
	for _, w := range s.snapshotWorkers() {
		if w.launching {
			continue
		}
		sess, err := s.sessions.Get(w.sessionID)
		if err != nil {
			s.removeWorker(w.sessionID)
			continue
		}
		if sess.Done() {
			s.removeWorker(w.sessionID)
			continue
		}

		if sess.State == session.Error {
			if !w.restartAt.IsZero() && !now.Before(w.restartAt) {
				s.restart(ctx, w, true)
			}
			continue
		}

		if sess.State != session.Initializing {
			if st, ok, err := readStatus(filepath.Join(w.workDir, s.opts.StatusFile)); err != nil {
				s.log.Warn().Err(err).Str("role", w.role).Msg("status record unreadable")
			} else if ok && st.Seq > sess.Seq {
				if err := s.applyStatus(w, st); err != nil {
					s.log.Warn().Err(err).Str("role", w.role).Msg("apply status")
				}
			}
			if sess, err = s.sessions.Get(w.sessionID); err != nil || sess.Done() {
				continue
			}
		}

		if exited(w.proc) {
			if !w.stopping {
				s.fail(w, "exit", exitReason(w.proc))
			}
			continue
		}

		if sess.State == session.Waiting {
			continue
		}
		idle := now.Sub(sess.LastActivity)
		switch {
		case s.opts.StaleKill > 0 && idle >= s.opts.StaleKill:
			s.metrics.StaleWorkers.WithLabelValues(w.role, "kill").Inc()
			if w.proc != nil {
				w.stopping = true
				if err := w.proc.Terminate(s.opts.Grace); err != nil {
					s.log.Warn().Err(err).Str("role", w.role).Msg("terminate stale worker")
				}
				w.stopping = false
			}
			s.fail(w, "stale", fmt.Errorf("no status update for %s", idle.Round(time.Second)))
		case s.opts.StaleWarn > 0 && idle >= s.opts.StaleWarn && !w.staleWarned:
			w.staleWarned = true
			s.metrics.StaleWorkers.WithLabelValues(w.role, "warn").Inc()
			s.log.Warn().Str("role", w.role).Str("session", w.sessionID).Dur("idle", idle).Msg("worker has not reported status")
		}
	}
	s.updateGauges()
}

// Run drives CheckOnce on the monitor interval, on worker exit and on status
// file writes, until ctx is done. Worker processes are then terminated and
// their sessions left as they are for Resume.
func (s *Supervisor) Run(ctx context.Context) {
	interval := s.opts.MonitorInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var fsEvents <-chan fsnotify.Event
	if fsw, err := fsnotify.NewWatcher(); err != nil {
		s.log.Warn().Err(err).Msg("status watcher unavailable, polling only")
	} else {
		s.mu.Lock()
		s.fsw = fsw
		for _, w := range s.workers {
			_ = fsw.Add(w.workDir)
		}
		s.mu.Unlock()
		fsEvents = fsw.Events
		defer func() {
			s.mu.Lock()
			s.fsw = nil
			s.mu.Unlock()
			fsw.Close()
		}()
	}

	s.log.Info().Dur("interval", interval).Msg("monitor started")
	for {
		select {
		case <-ctx.Done():
			s.Shutdown()
			return
		case <-ticker.C:
			s.CheckOnce(ctx)
		case <-s.nudge:
			s.CheckOnce(ctx)
		case ev, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			base := filepath.Base(ev.Name)
			if base == s.opts.StatusFile || base == s.opts.ReadyFile {
				s.CheckOnce(ctx)
			}
		}
	}
}

// Shutdown terminates every worker process without changing session state.
func (s *Supervisor) Shutdown() {
	s.ops.Lock()
	defer s.ops.Unlock()
	for _, w := range s.snapshotWorkers() {
		if w.proc == nil || exited(w.proc) {
			continue
		}
		w.stopping = true
		if err := w.proc.Terminate(s.opts.Grace); err != nil {
			s.log.Warn().Err(err).Str("role", w.role).Msg("terminate on shutdown")
		}
	}
	s.bg.Wait()
}

// Wait blocks until background terminations started by completions finish.
func (s *Supervisor) Wait() { s.bg.Wait() }

// Workers lists supervised workers ordered by role.
func (s *Supervisor) Workers() []WorkerInfo {
	s.ops.Lock()
	defer s.ops.Unlock()
	ws := s.snapshotWorkers()
	out := make([]WorkerInfo, 0, len(ws))
	for _, w := range ws {
		info := WorkerInfo{SessionID: w.sessionID, Role: w.role, RestartAt: w.restartAt}
		if w.proc != nil {
			info.PID = w.proc.PID()
			info.Running = !exited(w.proc)
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Role < out[j].Role })
	return out
}

// prepare writes the handoff bundle and briefing for an attempt.
func (s *Supervisor) prepare(w *worker, restart int) error {
	if err := os.MkdirAll(w.workDir, 0755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	handoffPath := filepath.Join(w.workDir, s.opts.HandoffFile)
	if err := handoff.Write(handoffPath, w.bundle); err != nil {
		return err
	}
	if s.opts.Renderer != nil {
		brief := prompts.Briefing{
			Project:      s.opts.Project,
			Role:         w.role,
			Phase:        w.phase,
			SessionID:    w.sessionID,
			Restart:      restart,
			HandoffFile:  s.opts.HandoffFile,
			StatusFile:   s.opts.StatusFile,
			ReadyFile:    s.opts.ReadyFile,
			Deliverables: w.bundle.Deliverables,
		}
		if s.opts.Mailbox != nil {
			brief.Inbox, brief.Outbox = s.opts.Mailbox(w.role)
		}
		if s.opts.Catalog != nil {
			if p, ok := s.opts.Catalog.Phase(w.phase); ok {
				brief.SuccessCriteria = p.SuccessCriteria
			}
		}
		text, err := s.opts.Renderer.Render(brief)
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(w.workDir, "BRIEFING.md"), text, 0644); err != nil {
			return fmt.Errorf("write briefing: %w", err)
		}
	}
	_, err := s.sessions.Update(w.sessionID, func(x *session.Session) error {
		x.WorkDir = w.workDir
		x.Handoff = handoffPath
		return nil
	})
	return err
}

// launch starts one attempt and waits for readiness. The caller holds ops;
// it is released during the wait so status reports, stops and monitor
// cycles for other workers are not held up by a slow starter.
func (s *Supervisor) launch(ctx context.Context, w *worker) error {
	_ = os.Remove(filepath.Join(w.workDir, s.opts.ReadyFile))
	_ = os.Remove(filepath.Join(w.workDir, s.opts.StatusFile))

	proc, err := s.launcher.Launch(ctx, Spec{
		Role:      w.role,
		SessionID: w.sessionID,
		Phase:     w.phase,
		WorkDir:   w.workDir,
		Command:   s.opts.Command,
		Args:      s.opts.Args,
		Env:       s.opts.Env,
	})
	if err != nil {
		return err
	}
	w.proc = proc
	w.stopping = false
	w.staleWarned = false
	s.metrics.WorkerStarts.WithLabelValues(w.role).Inc()
	s.watchDir(w.workDir)

	go func() {
		<-proc.Done()
		select {
		case s.nudge <- struct{}{}:
		default:
		}
	}()

	if _, err := s.sessions.Update(w.sessionID, func(x *session.Session) error {
		x.PID = proc.PID()
		x.Seq = 0
		x.LastActivity = s.now()
		return nil
	}); err != nil {
		return err
	}

	w.launching = true
	s.ops.Unlock()
	ready := s.waitReady(ctx, w)
	s.ops.Lock()
	w.launching = false

	if w.stopping || s.getWorker(w.sessionID) != w {
		return errStopped
	}
	if !ready {
		if !exited(proc) {
			w.stopping = true
			_ = proc.Terminate(0)
			w.stopping = false
		}
		return errNotReady
	}

	sess, err := s.sessions.Get(w.sessionID)
	if err != nil {
		return err
	}
	if sess.State != session.Initializing {
		// A status report activated it during the wait.
		return nil
	}
	if _, err := s.sessions.Transition(w.sessionID, session.Active); err != nil {
		return err
	}
	s.publishState(w.role, w.sessionID, session.Initializing, session.Active)
	s.log.Info().Str("role", w.role).Str("session", w.sessionID).Int("pid", proc.PID()).Msg("worker ready")
	return nil
}

func (s *Supervisor) waitReady(ctx context.Context, w *worker) bool {
	timeout := s.opts.ReadyTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(25 * time.Millisecond)
	defer poll.Stop()

	for {
		if s.isReady(w) {
			return true
		}
		if exited(w.proc) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return s.isReady(w)
		case <-w.proc.Done():
			return s.isReady(w)
		case <-poll.C:
		}
	}
}

func (s *Supervisor) isReady(w *worker) bool {
	if _, err := os.Stat(filepath.Join(w.workDir, s.opts.ReadyFile)); err == nil {
		return true
	}
	st, ok, err := readStatus(filepath.Join(w.workDir, s.opts.StatusFile))
	return err == nil && ok && (st.Ready || st.Seq > 0)
}

// restart relaunches a failed session with its last handoff bundle.
func (s *Supervisor) restart(ctx context.Context, w *worker, count bool) {
	sess, err := s.sessions.Update(w.sessionID, func(x *session.Session) error {
		x.State = session.Initializing
		if count {
			x.Restarts++
		}
		return nil
	})
	if err != nil {
		s.log.Error().Err(err).Str("role", w.role).Msg("restart")
		return
	}
	w.restartAt = time.Time{}
	s.publishState(w.role, w.sessionID, session.Error, session.Initializing)
	if count {
		s.metrics.WorkerRestarts.WithLabelValues(w.role).Inc()
	}
	s.log.Info().Str("role", w.role).Str("session", w.sessionID).Int("restarts", sess.Restarts).Msg("restarting worker")

	if err := s.prepare(w, sess.Restarts); err != nil {
		s.fail(w, "restart", err)
		return
	}
	if err := s.launch(ctx, w); err != nil && !errors.Is(err, errStopped) {
		s.fail(w, "restart", err)
	}
}

// fail moves the session to Error and schedules a restart, or marks it
// terminal once the restart budget is spent.
func (s *Supervisor) fail(w *worker, cause string, reason error) {
	msg := "unknown failure"
	if reason != nil {
		msg = reason.Error()
	}
	prev, err := s.sessions.Get(w.sessionID)
	if err != nil || prev.Done() {
		return
	}
	sess, err := s.sessions.Update(w.sessionID, func(x *session.Session) error {
		x.State = session.Error
		x.LastError = fmt.Sprintf("%s: %s", cause, msg)
		x.PID = 0
		if x.Restarts >= s.opts.MaxRestarts {
			x.Terminal = true
		}
		return nil
	})
	if err != nil {
		s.log.Error().Err(err).Str("role", w.role).Msg("mark session failed")
		return
	}
	s.metrics.WorkerCrashes.WithLabelValues(w.role, cause).Inc()
	if prev.State != session.Error {
		s.publishState(w.role, w.sessionID, prev.State, session.Error)
	}

	if sess.Terminal {
		s.removeWorker(w.sessionID)
		s.metrics.TerminalErrors.WithLabelValues(w.role).Inc()
		s.log.Error().Str("role", w.role).Str("session", w.sessionID).Int("restarts", sess.Restarts).Str("reason", sess.LastError).Msg("worker failed permanently")
		s.events.Publish(event.TerminalError{Role: w.role, SessionID: w.sessionID, Reason: sess.LastError})
		return
	}
	w.restartAt = s.now().Add(s.opts.Backoff(sess.Restarts + 1))
	s.log.Warn().Str("role", w.role).Str("session", w.sessionID).Str("reason", sess.LastError).Time("restart_at", w.restartAt).Msg("worker failed")
}

// abandon marks a session that could not even be prepared as terminal.
func (s *Supervisor) abandon(w *worker, reason error) {
	_, err := s.sessions.Update(w.sessionID, func(x *session.Session) error {
		x.State = session.Error
		x.Terminal = true
		x.LastError = reason.Error()
		return nil
	})
	if err != nil {
		s.log.Error().Err(err).Str("role", w.role).Msg("abandon session")
		return
	}
	s.publishState(w.role, w.sessionID, session.Initializing, session.Error)
	s.events.Publish(event.TerminalError{Role: w.role, SessionID: w.sessionID, Reason: reason.Error()})
}

var errStaleRecord = errors.New("stale status record")

// applyStatus ingests one status record. Records whose seq is not newer than
// the last applied one are ignored.
func (s *Supervisor) applyStatus(w *worker, st Status) error {
	var (
		added    []string
		from, to session.State
	)
	now := s.now()
	_, err := s.sessions.Update(w.sessionID, func(x *session.Session) error {
		if st.Seq <= x.Seq {
			return errStaleRecord
		}
		from = x.State
		x.Seq = st.Seq
		x.Progress = clampProgress(st.Progress)
		if st.CurrentTask != "" {
			x.CurrentTask = st.CurrentTask
		}
		for k, v := range st.Context {
			x.Context[k] = v
		}
		for _, k := range st.Knowledge {
			if !contains(x.Knowledge, k) {
				x.Knowledge = append(x.Knowledge, k)
			}
		}
		for _, d := range st.Deliverables {
			if d == "" || x.HasDeliverable(d) {
				continue
			}
			x.Deliverables = append(x.Deliverables, d)
			added = append(added, d)
		}
		x.LastActivity = now

		switch st.State {
		case "waiting":
			x.State = session.Waiting
		case "blocked":
			x.State = session.Blocked
		case "active":
			x.State = session.Active
		}
		if st.DecisionRequest != nil {
			x.State = session.Waiting
		}
		if st.Done || x.Progress >= 100 {
			x.State = session.Completed
		}
		to = x.State
		return nil
	})
	if errors.Is(err, errStaleRecord) {
		return nil
	}
	if err != nil {
		return err
	}
	w.staleWarned = false

	for _, d := range added {
		s.metrics.Deliverables.WithLabelValues(w.role).Inc()
		s.events.Publish(event.DeliverableCompleted{Role: w.role, SessionID: w.sessionID, Path: d})
	}
	if st.DecisionRequest != nil {
		if s.sink == nil {
			s.log.Warn().Str("role", w.role).Msg("decision request ignored: no mediator")
		} else if id, err := s.sink.RequestDecision(w.role, w.sessionID, *st.DecisionRequest); err != nil {
			s.log.Warn().Err(err).Str("role", w.role).Msg("decision request rejected")
		} else {
			s.log.Info().Str("role", w.role).Str("decision", id).Msg("worker requested decision")
		}
	}
	if to != from {
		s.publishState(w.role, w.sessionID, from, to)
	}
	if to == session.Completed {
		s.finish(w)
	}
	return nil
}

// finish stops the process of a session that reported completion. The
// session is already Completed; the process gets its grace period in the
// background so the monitor loop is not held up.
func (s *Supervisor) finish(w *worker) {
	w.stopping = true
	s.removeWorker(w.sessionID)
	s.log.Info().Str("role", w.role).Str("session", w.sessionID).Msg("worker completed")
	if w.proc == nil || exited(w.proc) {
		return
	}
	proc := w.proc
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		if err := proc.Terminate(s.opts.Grace); err != nil {
			s.log.Warn().Err(err).Str("role", w.role).Msg("terminate completed worker")
		}
	}()
}

func (s *Supervisor) publishState(role, id string, from, to session.State) {
	s.events.Publish(event.StateChanged{Role: role, SessionID: id, From: from, To: to})
}

func (s *Supervisor) updateGauges() {
	counts := map[session.State]int{}
	for _, sess := range s.sessions.List() {
		counts[sess.State]++
	}
	for _, st := range []session.State{session.Initializing, session.Active, session.Waiting, session.Blocked, session.Completed, session.Suspended, session.Error} {
		s.metrics.Sessions.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

func (s *Supervisor) watchDir(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fsw != nil {
		if err := s.fsw.Add(dir); err != nil {
			s.log.Debug().Err(err).Str("dir", dir).Msg("watch work dir")
		}
	}
}

func (s *Supervisor) setWorker(w *worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[w.sessionID] = w
}

func (s *Supervisor) getWorker(id string) *worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workers[id]
}

func (s *Supervisor) removeWorker(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.workers[id]; ok {
		if s.fsw != nil {
			_ = s.fsw.Remove(w.workDir)
		}
		delete(s.workers, id)
	}
}

func (s *Supervisor) snapshotWorkers() []*worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].sessionID < out[j].sessionID })
	return out
}

func exited(p Process) bool {
	if p == nil {
		return false
	}
	select {
	case <-p.Done():
		return true
	default:
		return false
	}
}

func exitReason(p Process) error {
	if err := p.Err(); err != nil {
		return err
	}
	return errors.New("worker exited before completing")
}

func clampProgress(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
