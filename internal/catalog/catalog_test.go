package catalog

import (
	"errors"
	"strings"
	"testing"
)

func samplePhases() []Phase {
	return []Phase{
		{ID: "planning", RequiredRoles: []string{"project_manager"}},
		{ID: "design", RequiredRoles: []string{"architect", "db_designer"}, Dependencies: []string{"planning"}, RollbackTargets: []string{"planning"}},
		{ID: "development", RequiredRoles: []string{"backend", "frontend"}, Dependencies: []string{"design"}, RollbackTargets: []string{"design", "planning"}},
	}
}

func sampleRules() []Rule {
	return []Rule{
		{ID: "pm_to_design", FromRole: "project_manager", ToRoles: []string{"architect", "db_designer"}, TriggerName: "deliverable_ready", Priority: 1, AutoExecute: true,
			Conditions: Conditions{RequiredDeliverables: []string{"project_plan.md"}}},
		{ID: "design_to_dev", FromRole: "architect", ToRoles: []string{"backend", "frontend"}, TriggerName: "deliverable_ready", Priority: 1, AutoExecute: true,
			Conditions: Conditions{RequiredDeliverables: []string{"arch.md", "schema.sql"}}},
		{ID: "dev_rollback", FromRole: "backend", TriggerName: "error_escalation", TargetPhase: "design", Priority: 1},
	}
}

func TestNewValidCatalog(t *testing.T) {
	c, err := New(samplePhases(), sampleRules(), []Role{{ID: "architect", CanTriggerRollback: true}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.PhaseCount() != 3 {
		t.Errorf("expected 3 phases, got %d", c.PhaseCount())
	}
	if got := c.PhaseIndex("design"); got != 1 {
		t.Errorf("expected design at 1, got %d", got)
	}
	r, ok := c.Rule("design_to_dev")
	if !ok {
		t.Fatal("rule design_to_dev not found")
	}
	if _, isDeliverable := r.Trigger.(DeliverableReady); !isDeliverable {
		t.Errorf("expected DeliverableReady trigger, got %T", r.Trigger)
	}
	if !c.Role("architect").CanTriggerRollback {
		t.Error("architect should be allowed to trigger rollback")
	}
	if c.Role("frontend").CanTriggerRollback {
		t.Error("unlisted role must not trigger rollback")
	}
	if !c.CanRollbackTo("development", "planning") {
		t.Error("development should roll back to planning")
	}
	if c.CanRollbackTo("design", "development") {
		t.Error("design must not roll back to development")
	}
}

func TestNewRejectsForwardDependency(t *testing.T) {
	phases := []Phase{
		{ID: "a", RequiredRoles: []string{"x"}, Dependencies: []string{"b"}},
		{ID: "b", RequiredRoles: []string{"y"}},
	}
	_, err := New(phases, nil, nil)
	assertProblem(t, err, `dependency "b" is not a previously defined phase`)
}

func TestNewRejectsRollbackToNonAncestor(t *testing.T) {
	phases := []Phase{
		{ID: "a", RequiredRoles: []string{"x"}},
		{ID: "b", RequiredRoles: []string{"y"}},
		{ID: "c", RequiredRoles: []string{"z"}, Dependencies: []string{"b"}, RollbackTargets: []string{"a"}},
	}
	_, err := New(phases, nil, nil)
	assertProblem(t, err, `rollback target "a" is not a dependency or ancestor`)
}

func TestNewAcceptsRollbackToTransitiveAncestor(t *testing.T) {
	phases := []Phase{
		{ID: "a", RequiredRoles: []string{"x"}},
		{ID: "b", RequiredRoles: []string{"y"}, Dependencies: []string{"a"}},
		{ID: "c", RequiredRoles: []string{"z"}, Dependencies: []string{"b"}, RollbackTargets: []string{"a"}},
	}
	if _, err := New(phases, nil, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNewRejectsDanglingRoles(t *testing.T) {
	rules := []Rule{
		{ID: "r1", FromRole: "ghost", ToRoles: []string{"architect"}, TriggerName: "task_completed"},
		{ID: "r2", FromRole: "architect", ToRoles: []string{"phantom"}, TriggerName: "task_completed"},
	}
	_, err := New(samplePhases(), rules, nil)
	assertProblem(t, err, `from_role "ghost"`)
	assertProblem(t, err, `to_role "phantom"`)
}

func TestNewRejectsEqualPriorityAutoRules(t *testing.T) {
	rules := []Rule{
		{ID: "a", FromRole: "architect", ToRoles: []string{"backend"}, TriggerName: "deliverable_ready", Priority: 2, AutoExecute: true},
		{ID: "b", FromRole: "architect", ToRoles: []string{"frontend"}, TriggerName: "deliverable_ready", Priority: 2, AutoExecute: true},
	}
	_, err := New(samplePhases(), rules, nil)
	assertProblem(t, err, "same from_role")
}

func TestNewEqualPriorityAcrossTriggers(t *testing.T) {
	tests := []struct {
		name     string
		triggers [2]string
		reject   bool
	}{
		{"completion and deliverable", [2]string{"task_completed", "deliverable_ready"}, true},
		{"deliverable and dependency", [2]string{"deliverable_ready", "dependency_satisfied"}, true},
		{"completion and dependency", [2]string{"task_completed", "dependency_satisfied"}, true},
		{"completion and timeout", [2]string{"task_completed", "time_based"}, false},
		{"approval and collaboration", [2]string{"approval_received", "collaboration_needed"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rules := []Rule{
				{ID: "r1", FromRole: "architect", ToRoles: []string{"backend"}, TriggerName: tt.triggers[0], Priority: 1, AutoExecute: true, TimeoutSeconds: 60},
				{ID: "r2", FromRole: "architect", ToRoles: []string{"frontend"}, TriggerName: tt.triggers[1], Priority: 1, AutoExecute: true, TimeoutSeconds: 60},
			}
			_, err := New(samplePhases(), rules, nil)
			if tt.reject {
				assertProblem(t, err, "overlapping trigger")
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}

	// Different roles or priorities never collide.
	rules := []Rule{
		{ID: "r1", FromRole: "architect", ToRoles: []string{"backend"}, TriggerName: "task_completed", Priority: 1, AutoExecute: true},
		{ID: "r2", FromRole: "architect", ToRoles: []string{"frontend"}, TriggerName: "deliverable_ready", Priority: 2, AutoExecute: true},
		{ID: "r3", FromRole: "db_designer", ToRoles: []string{"frontend"}, TriggerName: "deliverable_ready", Priority: 1, AutoExecute: true},
	}
	if _, err := New(samplePhases(), rules, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNewAllowsEqualPriorityWhenOneIsManual(t *testing.T) {
	rules := []Rule{
		{ID: "a", FromRole: "architect", ToRoles: []string{"backend"}, TriggerName: "deliverable_ready", Priority: 2, AutoExecute: true},
		{ID: "b", FromRole: "architect", ToRoles: []string{"frontend"}, TriggerName: "deliverable_ready", Priority: 2},
	}
	if _, err := New(samplePhases(), rules, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNewRejectsBadTriggerAndSource(t *testing.T) {
	rules := []Rule{
		{ID: "r1", FromRole: "architect", ToRoles: []string{"backend"}, TriggerName: "whenever"},
		{ID: "r2", FromRole: "architect", ToRoles: []string{"backend"}, TriggerName: "task_completed",
			Handoff: map[string]string{"notes": "somewhere"}},
		{ID: "r3", FromRole: "architect", TriggerName: "deliverable_ready", TargetPhase: "planning"},
	}
	_, err := New(samplePhases(), rules, nil)
	assertProblem(t, err, `unknown trigger "whenever"`)
	assertProblem(t, err, `unknown handoff source "somewhere"`)
	assertProblem(t, err, "target_phase requires trigger")
}

func TestRulesFromSortedByPriority(t *testing.T) {
	rules := []Rule{
		{ID: "late", FromRole: "architect", ToRoles: []string{"backend"}, TriggerName: "task_completed", Priority: 5},
		{ID: "early", FromRole: "architect", ToRoles: []string{"frontend"}, TriggerName: "deliverable_ready", Priority: 1},
		{ID: "mid", FromRole: "architect", ToRoles: []string{"frontend"}, TriggerName: "collaboration_needed", Priority: 3},
	}
	c, err := New(samplePhases(), rules, nil)
	if err != nil {
		t.Fatal(err)
	}
	got := c.RulesFrom("architect")
	want := []string{"early", "mid", "late"}
	for i, r := range got {
		if r.ID != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], r.ID)
		}
	}
}

func TestPhaseOfAndWeight(t *testing.T) {
	c, err := New(samplePhases(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	p, idx, ok := c.PhaseOf("frontend", 0)
	if !ok || p.ID != "development" || idx != 2 {
		t.Errorf("PhaseOf(frontend) = %s,%d,%v", p.ID, idx, ok)
	}
	if _, _, ok := c.PhaseOf("project_manager", 1); ok {
		t.Error("project_manager should not be found after planning")
	}
	if w := c.Weight(2); w != 100 {
		t.Errorf("expected last phase weight 100, got %d", w)
	}
}

func TestParseTriggerCoversAll(t *testing.T) {
	for _, trig := range Triggers() {
		got, err := ParseTrigger(strings.ToUpper(trig.Name()))
		if err != nil {
			t.Fatalf("ParseTrigger(%s): %v", trig.Name(), err)
		}
		if got != trig {
			t.Errorf("round trip mismatch for %s", trig.Name())
		}
	}
}

func assertProblem(t *testing.T, err error, substr string) {
	t.Helper()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	for _, p := range verr.Problems {
		if strings.Contains(p, substr) {
			return
		}
	}
	t.Errorf("no problem containing %q in %v", substr, verr.Problems)
}
