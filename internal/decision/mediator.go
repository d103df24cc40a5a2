package decision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ytnobody/rolerelay/internal/event"
	"github.com/ytnobody/rolerelay/internal/fsutil"
	"github.com/ytnobody/rolerelay/internal/logger"
	"github.com/ytnobody/rolerelay/internal/metrics"
)

// Mediator owns the decision table. Each decision is stored as
// <dir>/<id>.toml; an empty dir keeps decisions in memory.
type Mediator struct {
	mu       sync.Mutex
	dir      string
	byID     map[string]*Decision
	events   *event.Queue
	metrics  *metrics.Metrics
	log      zerolog.Logger
	deadline time.Duration
	interval time.Duration
	now      func() time.Time
}

// NewMediator creates a mediator. defaultDeadline applies to decisions
// opened without an explicit deadline; interval is the timeout scan period.
func NewMediator(dir string, events *event.Queue, m *metrics.Metrics, defaultDeadline, interval time.Duration) *Mediator {
	if m == nil {
		m = metrics.New()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Mediator{
		dir:      dir,
		byID:     make(map[string]*Decision),
		events:   events,
		metrics:  m,
		log:      logger.For("mediator"),
		deadline: defaultDeadline,
		interval: interval,
		now:      time.Now,
	}
}

func (m *Mediator) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// SetDefaultDeadline changes the deadline for decisions opened from now on.
func (m *Mediator) SetDefaultDeadline(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadline = d
}

// Open records a new decision. Auto-level decisions are resolved at once
// with their first option.
func (m *Mediator) Open(req Request) (Decision, error) {
	if req.Title == "" {
		return Decision{}, fmt.Errorf("open decision: title is required")
	}
	if req.Level == "" {
		req.Level = Approval
	}
	if _, err := ParseLevel(string(req.Level)); err != nil {
		return Decision{}, fmt.Errorf("open decision: %w", err)
	}
	if req.Kind == "" {
		req.Kind = KindTransition
	}
	opts := req.Options
	if len(opts) == 0 {
		opts = defaultOptions(req.Level)
	}
	seen := make(map[string]bool, len(opts))
	for _, o := range opts {
		if o.ID == "" || seen[o.ID] {
			return Decision{}, fmt.Errorf("open decision: option ids must be unique and non-empty")
		}
		seen[o.ID] = true
	}

	m.mu.Lock()
	now := m.now()
	d := Decision{
		ID:             uuid.NewString(),
		Level:          req.Level,
		Kind:           req.Kind,
		Title:          req.Title,
		Description:    req.Description,
		Options:        append([]Option(nil), opts...),
		RequestingRole: req.RequestingRole,
		SessionID:      req.SessionID,
		RuleID:         req.RuleID,
		FromPhase:      req.FromPhase,
		TargetPhase:    req.TargetPhase,
		Context:        req.Context,
		CreatedAt:      now,
	}
	deadline := req.Deadline
	if deadline <= 0 {
		deadline = m.deadline
	}
	if deadline > 0 {
		d.Deadline = now.Add(deadline)
	}
	if err := m.persist(d); err != nil {
		m.mu.Unlock()
		return Decision{}, err
	}
	m.byID[d.ID] = &d
	m.metrics.DecisionsOpened.WithLabelValues(string(d.Level)).Inc()
	m.updateGaugeLocked()
	m.mu.Unlock()

	m.log.Info().Str("decision", d.ID).Str("level", string(d.Level)).Str("kind", string(d.Kind)).Str("title", d.Title).Msg("decision opened")

	if d.Level == Auto {
		return m.resolve(d.ID, d.Options[0].ID, false)
	}
	return d.clone(), nil
}

// Resolve answers a decision with one of its options. It succeeds exactly
// once; later attempts fail with ErrConflict.
func (m *Mediator) Resolve(id, optionID string) (Decision, error) {
	return m.resolve(id, optionID, false)
}

func (m *Mediator) resolve(id, optionID string, timedOut bool) (Decision, error) {
	m.mu.Lock()
	cur, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return Decision{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if cur.Resolved {
		m.mu.Unlock()
		return Decision{}, fmt.Errorf("%w: %s", ErrConflict, id)
	}
	opt, ok := cur.Option(optionID)
	if !ok {
		if !timedOut {
			m.mu.Unlock()
			return Decision{}, fmt.Errorf("%w: %q for %s", ErrUnknownOption, optionID, id)
		}
		opt = Option{ID: optionID}
	}
	next := cur.clone()
	next.Resolved = true
	next.Response = &Response{
		OptionID:   opt.ID,
		Approved:   opt.Approves && !timedOut && cur.Level.gates(),
		TimedOut:   timedOut,
		ResolvedAt: m.now(),
	}
	if err := m.persist(next); err != nil {
		m.mu.Unlock()
		return Decision{}, err
	}
	*cur = next
	resolution := "explicit"
	if timedOut {
		resolution = "timeout"
	}
	m.metrics.DecisionsResolved.WithLabelValues(string(next.Level), resolution).Inc()
	m.updateGaugeLocked()
	m.mu.Unlock()

	if timedOut {
		m.log.Warn().Str("decision", id).Str("level", string(next.Level)).Str("option", opt.ID).Str("resolution", resolution).Msg("decision timed out")
	} else {
		m.log.Info().Str("decision", id).Str("level", string(next.Level)).Str("option", opt.ID).Str("resolution", resolution).Msg("decision resolved")
	}
	if m.events != nil {
		m.events.Publish(event.DecisionResolved{
			DecisionID: id,
			Role:       next.RequestingRole,
			RuleID:     next.RuleID,
			OptionID:   opt.ID,
			Approved:   next.Response.Approved,
			TimedOut:   timedOut,
		})
	}
	return next.clone(), nil
}

// Get returns a copy of a decision.
func (m *Mediator) Get(id string) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.byID[id]
	if !ok {
		return Decision{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return d.clone(), nil
}

// List returns decisions oldest first, optionally only the open ones.
func (m *Mediator) List(openOnly bool) []Decision {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Decision, 0, len(m.byID))
	for _, d := range m.byID {
		if openOnly && d.Resolved {
			continue
		}
		out = append(out, d.clone())
	}
	sortDecisions(out)
	return out
}

// Latest returns the most recent decision gating rule for the given
// session, open or resolved.
func (m *Mediator) Latest(ruleID, sessionID string) (Decision, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *Decision
	for _, d := range m.byID {
		if d.RuleID != ruleID || d.SessionID != sessionID {
			continue
		}
		if latest == nil || d.CreatedAt.After(latest.CreatedAt) || (d.CreatedAt.Equal(latest.CreatedAt) && d.ID > latest.ID) {
			latest = d
		}
	}
	if latest == nil {
		return Decision{}, false
	}
	return latest.clone(), true
}

// Approved reports whether a transition decision opened for ruleID was
// answered positively by a human. Worker and rollback decisions never count.
func (m *Mediator) Approved(ruleID string) bool {
	if ruleID == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.byID {
		if d.Kind == KindTransition && d.RuleID == ruleID && d.Approved() {
			return true
		}
	}
	return false
}

// OpenRollback returns an unresolved rollback decision, if one exists.
func (m *Mediator) OpenRollback() (Decision, bool) {
	for _, d := range m.List(true) {
		if d.Kind == KindRollback {
			return d, true
		}
	}
	return Decision{}, false
}

// CheckOnce resolves every open decision whose deadline has passed and
// returns how many it resolved.
func (m *Mediator) CheckOnce(now time.Time) int {
	defer m.metrics.LoopCycles.WithLabelValues("mediator").Inc()

	var due []Decision
	m.mu.Lock()
	for _, d := range m.byID {
		if !d.Resolved && !d.Deadline.IsZero() && !now.Before(d.Deadline) {
			due = append(due, d.clone())
		}
	}
	m.mu.Unlock()
	sortDecisions(due)

	n := 0
	for _, d := range due {
		opt := d.TimeoutOption()
		if _, err := m.resolve(d.ID, opt.ID, true); err != nil {
			if !errors.Is(err, ErrConflict) {
				m.log.Error().Err(err).Str("decision", d.ID).Msg("timeout resolution")
			}
			continue
		}
		n++
	}
	return n
}

// Run scans for expired decisions until ctx is done.
func (m *Mediator) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.log.Info().Dur("interval", m.interval).Msg("mediator started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			now := m.now()
			m.mu.Unlock()
			m.CheckOnce(now)
		}
	}
}

// Restore loads decisions from disk. Unreadable files are skipped.
func (m *Mediator) Restore() (int, error) {
	if m.dir == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("restore decisions: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".toml") {
			continue
		}
		var d Decision
		if err := fsutil.ReadTOML(filepath.Join(m.dir, e.Name()), &d); err != nil {
			m.log.Warn().Err(err).Str("file", e.Name()).Msg("skipping unreadable decision")
			continue
		}
		if d.ID == "" {
			continue
		}
		m.byID[d.ID] = &d
		n++
	}
	m.updateGaugeLocked()
	return n, nil
}

func (m *Mediator) persist(d Decision) error {
	if m.dir == "" {
		return nil
	}
	if err := fsutil.WriteTOML(filepath.Join(m.dir, d.ID+".toml"), d); err != nil {
		return fmt.Errorf("save decision %s: %w", d.ID, err)
	}
	return nil
}

func (m *Mediator) updateGaugeLocked() {
	open := 0
	for _, d := range m.byID {
		if !d.Resolved {
			open++
		}
	}
	m.metrics.DecisionsOpen.Set(float64(open))
}

func sortDecisions(ds []Decision) {
	sort.Slice(ds, func(i, j int) bool {
		if !ds[i].CreatedAt.Equal(ds[j].CreatedAt) {
			return ds[i].CreatedAt.Before(ds[j].CreatedAt)
		}
		return ds[i].ID < ds[j].ID
	})
}
