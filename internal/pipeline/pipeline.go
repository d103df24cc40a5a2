// Package pipeline keeps the runtime position of the project in the phase
// graph: the current phase, the phases completed so far, which roles were
// started in each phase and the handoff snapshot each phase was entered with.
package pipeline

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/ytnobody/rolerelay/internal/catalog"
	"github.com/ytnobody/rolerelay/internal/fsutil"
	"github.com/ytnobody/rolerelay/internal/handoff"
)

var (
	ErrNotForward   = errors.New("phase cursor only moves forward")
	ErrNotPermitted = errors.New("rollback target not permitted from current phase")
	ErrUnknown      = errors.New("unknown phase")
)

// State is the persisted cursor.
type State struct {
	Current   int                       `toml:"current" json:"current"`
	Completed []string                  `toml:"completed" json:"completed"`
	Started   map[string][]string       `toml:"started" json:"started"`
	Snapshots map[string]handoff.Bundle `toml:"snapshots" json:"-"`
	Global    map[string]any            `toml:"global" json:"global"`
	Finished  bool                      `toml:"finished" json:"finished"`
	Rollbacks int                       `toml:"rollbacks" json:"rollbacks"`
	UpdatedAt time.Time                 `toml:"updated_at" json:"updated_at"`
}

func (s State) clone() State {
	s.Completed = append([]string(nil), s.Completed...)
	started := make(map[string][]string, len(s.Started))
	for k, v := range s.Started {
		started[k] = append([]string(nil), v...)
	}
	s.Started = started
	snaps := make(map[string]handoff.Bundle, len(s.Snapshots))
	for k, v := range s.Snapshots {
		snaps[k] = v.Clone()
	}
	s.Snapshots = snaps
	s.Global = cloneMap(s.Global)
	return s
}

// Cursor is the pipeline position. All methods are safe for concurrent use.
type Cursor struct {
	mu   sync.Mutex
	path string
	cat  *catalog.Catalog
	st   State
	now  func() time.Time
}

// Open loads the cursor from path, or starts at the first phase with global
// seeded from seed. An empty path keeps the cursor in memory.
func Open(path string, cat *catalog.Catalog, seed map[string]any) (*Cursor, error) {
	c := &Cursor{
		path: path,
		cat:  cat,
		now:  time.Now,
		st: State{
			Started:   map[string][]string{},
			Snapshots: map[string]handoff.Bundle{},
			Global:    cloneMap(seed),
		},
	}
	if c.st.Global == nil {
		c.st.Global = map[string]any{}
	}
	if path == "" {
		return c, nil
	}
	var st State
	err := fsutil.ReadTOML(path, &st)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return c, nil
	case err != nil:
		return nil, fmt.Errorf("load pipeline: %w", err)
	}
	if st.Current < 0 || st.Current >= cat.PhaseCount() {
		return nil, fmt.Errorf("load pipeline: current phase index %d out of range", st.Current)
	}
	if st.Started == nil {
		st.Started = map[string][]string{}
	}
	if st.Snapshots == nil {
		st.Snapshots = map[string]handoff.Bundle{}
	}
	if st.Global == nil {
		st.Global = map[string]any{}
	}
	// Keys added to [context] since the last run are picked up; values the
	// pipeline already holds win.
	for k, v := range seed {
		if _, ok := st.Global[k]; !ok {
			st.Global[k] = v
		}
	}
	c.st = st
	return c, nil
}

func (c *Cursor) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// State returns a copy of the cursor.
func (c *Cursor) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.clone()
}

// Current returns the current phase and its index.
func (c *Cursor) Current() (catalog.Phase, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, _ := c.cat.PhaseAt(c.st.Current)
	return p, c.st.Current
}

// Fresh reports whether no role has been started yet.
func (c *Cursor) Fresh() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.st.Started) == 0 && len(c.st.Completed) == 0
}

// Finished reports whether the last phase has completed.
func (c *Cursor) Finished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.Finished
}

// IsCompleted reports whether phase id was completed.
func (c *Cursor) IsCompleted(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return containsStr(c.st.Completed, id)
}

// CompletedSet returns the completed phases as a set.
func (c *Cursor) CompletedSet() map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]bool, len(c.st.Completed))
	for _, id := range c.st.Completed {
		out[id] = true
	}
	return out
}

// Started lists the roles started in phase id.
func (c *Cursor) Started(id string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.st.Started[id]...)
}

// MarkStarted records that role was started in phase id. It returns true
// when every required role of the phase has now been started.
func (c *Cursor) MarkStarted(id, role string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.cat.Phase(id)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknown, id)
	}
	next := c.st.clone()
	if !containsStr(next.Started[id], role) {
		next.Started[id] = append(next.Started[id], role)
		sort.Strings(next.Started[id])
	}
	if err := c.commit(next); err != nil {
		return false, err
	}
	for _, r := range p.RequiredRoles {
		if !containsStr(next.Started[id], r) {
			return false, nil
		}
	}
	return true, nil
}

// AdvanceTo moves the cursor forward to phase id, marking every phase
// before it complete. Moving to the current or an earlier phase fails with
// ErrNotForward.
func (c *Cursor) AdvanceTo(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.cat.PhaseIndex(id)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrUnknown, id)
	}
	if idx <= c.st.Current {
		return fmt.Errorf("%w: %s is not after the current phase", ErrNotForward, id)
	}
	next := c.st.clone()
	for i := next.Current; i < idx; i++ {
		p, _ := c.cat.PhaseAt(i)
		if !containsStr(next.Completed, p.ID) {
			next.Completed = append(next.Completed, p.ID)
		}
	}
	next.Current = idx
	return c.commit(next)
}

// Finish marks the current (last) phase complete.
func (c *Cursor) Finish() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st.Finished {
		return nil
	}
	next := c.st.clone()
	p, _ := c.cat.PhaseAt(next.Current)
	if !containsStr(next.Completed, p.ID) {
		next.Completed = append(next.Completed, p.ID)
	}
	next.Finished = true
	return c.commit(next)
}

// RollbackTo moves the cursor back to target, which must be one of the
// current phase's rollback targets. Completion and start records of target
// and every later phase are cleared. It returns the ids of the phases that
// were reset, in order.
func (c *Cursor) RollbackTo(target string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, _ := c.cat.PhaseAt(c.st.Current)
	if !c.cat.CanRollbackTo(cur.ID, target) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrNotPermitted, cur.ID, target)
	}
	idx := c.cat.PhaseIndex(target)
	next := c.st.clone()
	var reset []string
	for i := idx; i < c.cat.PhaseCount(); i++ {
		p, _ := c.cat.PhaseAt(i)
		if containsStr(next.Completed, p.ID) || len(next.Started[p.ID]) > 0 || i <= c.st.Current {
			reset = append(reset, p.ID)
		}
		next.Completed = removeStr(next.Completed, p.ID)
		delete(next.Started, p.ID)
		if i > idx {
			delete(next.Snapshots, p.ID)
		}
	}
	next.Current = idx
	next.Finished = false
	next.Rollbacks++
	if err := c.commit(next); err != nil {
		return nil, err
	}
	return reset, nil
}

// RecordSnapshot stores the bundle a phase was entered with. Only the first
// snapshot per phase entry is kept. A rollback keeps the target's snapshot,
// so the target is re-entered with what it originally received, and drops
// those of later phases.
func (c *Cursor) RecordSnapshot(id string, b handoff.Bundle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.st.Snapshots[id]; ok {
		return nil
	}
	next := c.st.clone()
	next.Snapshots[id] = b.Clone()
	return c.commit(next)
}

// Snapshot returns the bundle phase id was last entered with.
func (c *Cursor) Snapshot(id string) (handoff.Bundle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.st.Snapshots[id]
	if !ok {
		return handoff.Bundle{}, false
	}
	return b.Clone(), true
}

// Global returns a copy of the global context.
func (c *Cursor) Global() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneMap(c.st.Global)
}

// MergeGlobal sets keys of the global context.
func (c *Cursor) MergeGlobal(kv map[string]any) error {
	if len(kv) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.st.clone()
	for k, v := range kv {
		next.Global[k] = v
	}
	return c.commit(next)
}

// Progress is the overall completion percentage: the weight of the current
// phase, or 100 once the pipeline finished.
func (c *Cursor) Progress() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st.Finished {
		return 100
	}
	if len(c.st.Started) == 0 && len(c.st.Completed) == 0 {
		return 0
	}
	return c.cat.Weight(c.st.Current)
}

func (c *Cursor) commit(next State) error {
	next.UpdatedAt = c.now()
	if c.path != "" {
		if err := fsutil.WriteTOML(c.path, next); err != nil {
			return fmt.Errorf("save pipeline: %w", err)
		}
	}
	c.st = next
	return nil
}

func containsStr(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func removeStr(list []string, v string) []string {
	out := list[:0]
	for _, x := range list {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
