// Package session owns the role session table: the single mutable record of
// every worker instantiation and its reported progress.
package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ytnobody/rolerelay/internal/fsutil"
	"github.com/ytnobody/rolerelay/internal/logger"
)

// Session is one instantiation of a worker for a role.
type Session struct {
	ID           string         `toml:"id" json:"session_id"`
	Role         string         `toml:"role" json:"role_id"`
	Phase        string         `toml:"phase" json:"phase"`
	State        State          `toml:"state" json:"state"`
	Terminal     bool           `toml:"terminal" json:"terminal"`
	StartedAt    time.Time      `toml:"started_at" json:"started_at"`
	LastActivity time.Time      `toml:"last_activity" json:"last_activity"`
	CompletedAt  time.Time      `toml:"completed_at,omitempty" json:"completed_at,omitempty"`
	Progress     float64        `toml:"progress_percent" json:"progress_percent"`
	CurrentTask  string         `toml:"current_task,omitempty" json:"current_task,omitempty"`
	Context      map[string]any `toml:"context,omitempty" json:"context,omitempty"`
	Knowledge    []string       `toml:"knowledge,omitempty" json:"accumulated_knowledge,omitempty"`
	Deliverables []string       `toml:"deliverables,omitempty" json:"deliverables,omitempty"`
	// Seq is the sequence number of the last applied status record.
	Seq        int64    `toml:"seq" json:"seq"`
	Restarts   int      `toml:"restarts" json:"restarts"`
	LastError  string   `toml:"last_error,omitempty" json:"last_error,omitempty"`
	WorkDir    string   `toml:"work_dir,omitempty" json:"work_dir,omitempty"`
	Handoff    string   `toml:"handoff,omitempty" json:"handoff,omitempty"`
	PID        int      `toml:"pid,omitempty" json:"pid,omitempty"`
	FiredRules []string `toml:"fired_rules,omitempty" json:"fired_rules,omitempty"`
	// Consumed is set once a transition has used this completed session.
	Consumed bool `toml:"consumed" json:"consumed"`
}

// Done reports whether the session has reached a terminal state.
func (s Session) Done() bool {
	switch s.State {
	case Completed, Suspended:
		return true
	case Error:
		return s.Terminal
	}
	return false
}

// HasFired reports whether rule id was already applied to this session.
func (s Session) HasFired(ruleID string) bool {
	for _, r := range s.FiredRules {
		if r == ruleID {
			return true
		}
	}
	return false
}

// HasDeliverable reports whether path was reported complete by this session.
func (s Session) HasDeliverable(path string) bool {
	for _, d := range s.Deliverables {
		if d == path {
			return true
		}
	}
	return false
}

func (s Session) clone() Session {
	if s.Context != nil {
		ctx := make(map[string]any, len(s.Context))
		for k, v := range s.Context {
			ctx[k] = v
		}
		s.Context = ctx
	}
	s.Knowledge = append([]string(nil), s.Knowledge...)
	s.Deliverables = append([]string(nil), s.Deliverables...)
	s.FiredRules = append([]string(nil), s.FiredRules...)
	return s
}

// Table is the session table. Writers serialize on one lock; readers get copies.
// When dir is set, every change is persisted to dir/<id>.toml before it is
// committed in memory.
type Table struct {
	mu   sync.Mutex
	dir  string
	byID map[string]*Session
	now  func() time.Time
}

// NewTable creates a table persisted under dir. An empty dir keeps the table
// in memory only.
func NewTable(dir string) *Table {
	return &Table{
		dir:  dir,
		byID: make(map[string]*Session),
		now:  time.Now,
	}
}

// SetClock replaces the time source.
func (t *Table) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// Create registers a new Initializing session for role. It is rejected with
// ErrDuplicateSession if the role already has a non-terminal session.
func (t *Table) Create(role, phase string) (Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur := t.activeLocked(role); cur != nil {
		return Session{}, fmt.Errorf("%w: %s (%s)", ErrDuplicateSession, role, cur.ID)
	}
	now := t.now()
	s := Session{
		ID:           uuid.NewString(),
		Role:         role,
		Phase:        phase,
		State:        Initializing,
		StartedAt:    now,
		LastActivity: now,
		Context:      map[string]any{},
	}
	if err := t.persist(s); err != nil {
		return Session{}, err
	}
	t.byID[s.ID] = &s
	return s.clone(), nil
}

// Get returns a copy of the session.
func (t *Table) Get(id string) (Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byID[id]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.clone(), nil
}

// Active returns the non-terminal session of role, if any.
func (t *Table) Active(role string) (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s := t.activeLocked(role); s != nil {
		return s.clone(), true
	}
	return Session{}, false
}

// Latest returns the most recently started live session of role.
func (t *Table) Latest(role string) (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var latest *Session
	for _, s := range t.byID {
		if s.Role != role {
			continue
		}
		if latest == nil || s.StartedAt.After(latest.StartedAt) {
			latest = s
		}
	}
	if latest == nil {
		return Session{}, false
	}
	return latest.clone(), true
}

// List returns copies of every live session ordered by start time.
func (t *Table) List() []Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Session, 0, len(t.byID))
	for _, s := range t.byID {
		out = append(out, s.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Update applies fn to a copy of the session and commits it if fn succeeds.
// A state change made by fn is checked against the transition table, and the
// single non-terminal session per role rule is enforced.
func (t *Table) Update(id string, fn func(*Session) error) (Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.byID[id]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next := cur.clone()
	if err := fn(&next); err != nil {
		return Session{}, err
	}
	next.ID, next.Role = cur.ID, cur.Role
	if next.State != cur.State {
		if err := ValidateTransition(cur.State, next.State); err != nil {
			return Session{}, err
		}
		if next.State == Completed && next.CompletedAt.IsZero() {
			next.CompletedAt = t.now()
		}
	}
	if !next.Done() {
		if other := t.activeLocked(cur.Role); other != nil && other.ID != cur.ID {
			return Session{}, fmt.Errorf("%w: %s (%s)", ErrDuplicateSession, cur.Role, other.ID)
		}
	}
	if err := t.persist(next); err != nil {
		return Session{}, err
	}
	*cur = next
	return next.clone(), nil
}

// Transition moves the session to state to.
func (t *Table) Transition(id string, to State) (Session, error) {
	return t.Update(id, func(s *Session) error {
		s.State = to
		return nil
	})
}

// Archive removes a session from the live table and moves its file under
// archive/. Archived sessions are kept for inspection, never deleted.
func (t *Table) Archive(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.byID[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if t.dir != "" {
		archiveDir := filepath.Join(t.dir, "archive")
		if err := os.MkdirAll(archiveDir, 0755); err != nil {
			return fmt.Errorf("archive session: %w", err)
		}
		if err := os.Rename(t.path(id), filepath.Join(archiveDir, id+".toml")); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("archive session: %w", err)
		}
	}
	delete(t.byID, id)
	return nil
}

// Archived lists the sessions under archive/, newest first.
func (t *Table) Archived() ([]Session, error) {
	if t.dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(filepath.Join(t.dir, "archive"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list archived sessions: %w", err)
	}
	var out []Session
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".toml") {
			continue
		}
		var s Session
		if err := fsutil.ReadTOML(filepath.Join(t.dir, "archive", e.Name()), &s); err != nil {
			return nil, fmt.Errorf("read archived session %s: %w", e.Name(), err)
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

// Restore loads live sessions from disk. Unreadable files are skipped with a
// warning so one corrupt record does not block startup.
func (t *Table) Restore() (int, error) {
	if t.dir == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("restore sessions: %w", err)
	}

	log := logger.For("session")
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".toml") {
			continue
		}
		var s Session
		if err := fsutil.ReadTOML(filepath.Join(t.dir, e.Name()), &s); err != nil {
			log.Warn().Err(err).Str("file", e.Name()).Msg("skipping unreadable session")
			continue
		}
		if s.ID == "" {
			continue
		}
		if s.Context == nil {
			s.Context = map[string]any{}
		}
		t.byID[s.ID] = &s
		n++
	}
	return n, nil
}

func (t *Table) activeLocked(role string) *Session {
	for _, s := range t.byID {
		if s.Role == role && !s.Done() {
			return s
		}
	}
	return nil
}

func (t *Table) path(id string) string {
	return filepath.Join(t.dir, id+".toml")
}

func (t *Table) persist(s Session) error {
	if t.dir == "" {
		return nil
	}
	if err := fsutil.WriteTOML(t.path(s.ID), s); err != nil {
		return fmt.Errorf("save session %s: %w", s.ID, err)
	}
	return nil
}
