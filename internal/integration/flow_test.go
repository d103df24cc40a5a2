package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ytnobody/rolerelay/internal/config"
	"github.com/ytnobody/rolerelay/internal/decision"
	"github.com/ytnobody/rolerelay/internal/handoff"
	"github.com/ytnobody/rolerelay/internal/httpapi"
	"github.com/ytnobody/rolerelay/internal/journal"
	"github.com/ytnobody/rolerelay/internal/logger"
	"github.com/ytnobody/rolerelay/internal/mailbox"
	"github.com/ytnobody/rolerelay/internal/orchestrator"
	"github.com/ytnobody/rolerelay/internal/project"
	"github.com/ytnobody/rolerelay/internal/session"
	"github.com/ytnobody/rolerelay/internal/summary"
	"github.com/ytnobody/rolerelay/internal/supervisor"
)

func init() { logger.Discard() }

const pipelineConfig = `
[project]
name = "shop"

[supervisor]
command = "worker"
max_restarts = 1
monitor_interval_seconds = 1

[mailbox]
scan_interval_seconds = 1

[rules]
escalation_role = "architect"

[[roles]]
id = "developer"
can_trigger_rollback = true

[[phases]]
id = "planning"
required_roles = ["project_manager"]

[[phases]]
id = "design"
required_roles = ["architect"]
dependencies = ["planning"]
rollback_targets = ["planning"]

[[phases]]
id = "development"
required_roles = ["developer"]
dependencies = ["design"]
rollback_targets = ["design"]
approval_required = true

[[rules.catalog]]
id = "planning_done"
from_role = "project_manager"
to_roles = ["architect"]
trigger = "task_completed"
auto_execute = true

[[rules.catalog]]
id = "design_done"
from_role = "architect"
to_roles = ["developer"]
trigger = "deliverable_ready"
auto_execute = true
[rules.catalog.conditions]
required_deliverables = ["docs/design/*.md"]
[rules.catalog.handoff]
summary = "auto"
design_docs = "deliverables"

[context]
customer = "acme"
`

func newPipeline(t *testing.T) (*orchestrator.Orchestrator, *MockLauncher) {
	t.Helper()
	cfg, err := config.Parse([]byte(pipelineConfig))
	require.NoError(t, err)
	launcher := NewMockLauncher()
	o, err := orchestrator.New(cfg, project.Layout{Root: t.TempDir()},
		orchestrator.WithLauncher(launcher), orchestrator.WithSummarizer(summary.Plain{}))
	require.NoError(t, err)
	return o, launcher
}

func settle(t *testing.T, o *orchestrator.Orchestrator) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		evs := o.EventQueue().Drain()
		if len(evs) == 0 {
			return
		}
		for _, ev := range evs {
			o.Engine().Handle(ctx, ev)
		}
	}
	t.Fatal("events did not settle")
}

func report(t *testing.T, o *orchestrator.Orchestrator, l *MockLauncher, role string, st supervisor.Status) {
	t.Helper()
	require.NoError(t, l.Report(role, st))
	o.Supervisor().CheckOnce(context.Background())
	settle(t, o)
}

func bundleOf(t *testing.T, l *MockLauncher, role string) handoff.Bundle {
	t.Helper()
	p, ok := l.Process(role)
	require.True(t, ok, role)
	b, err := handoff.Read(filepath.Join(p.Spec.WorkDir, "handoff.yaml"))
	require.NoError(t, err)
	return b
}

// TestFullPipeline walks planning, design and development, with the
// approval gate on development, to completion.
func TestFullPipeline(t *testing.T) {
	o, l := newPipeline(t)
	ctx := context.Background()
	require.NoError(t, o.Bootstrap(ctx))
	settle(t, o)

	assert.Equal(t, []string{"project_manager"}, l.Roles())
	assert.Equal(t, "acme", bundleOf(t, l, "project_manager").Global["customer"])

	report(t, o, l, "project_manager", supervisor.Status{Seq: 1, Progress: 100, Context: map[string]any{"scope": "checkout"}})
	assert.Equal(t, "design", o.Status().Phase)
	b := bundleOf(t, l, "architect")
	assert.Equal(t, "planning_done", b.RuleID)
	assert.Equal(t, "project_manager", b.FromRole)

	report(t, o, l, "architect", supervisor.Status{Seq: 1, Progress: 60, Deliverables: []string{"docs/design/api.md"}})
	assert.Equal(t, "design", o.Status().Phase, "development needs approval first")
	open := o.Decisions(true)
	require.Len(t, open, 1)
	assert.Equal(t, decision.Approval, open[0].Level)
	assert.Equal(t, "design_done", open[0].RuleID)

	_, err := o.ResolveDecision(open[0].ID, decision.OptionApprove)
	require.NoError(t, err)
	settle(t, o)

	st := o.Status()
	assert.Equal(t, "development", st.Phase)
	assert.Equal(t, []string{"docs/design/api.md"}, st.Deliverables)
	b = bundleOf(t, l, "developer")
	assert.Equal(t, "design_done", b.RuleID)
	assert.Contains(t, fmt.Sprint(b.Fields["design_docs"]), "docs/design/api.md")
	assert.NotEmpty(t, b.Fields["summary"])

	report(t, o, l, "developer", supervisor.Status{Seq: 1, Done: true})
	st = o.Status()
	assert.True(t, st.Finished)
	assert.Equal(t, 100, st.Progress)

	entries, err := o.Journal(ctx, 100, string(journal.KindPipelineCompleted))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func sessionOf(t *testing.T, o *orchestrator.Orchestrator, role string) string {
	t.Helper()
	for _, s := range o.Sessions() {
		if s.Role == role {
			return s.ID
		}
	}
	t.Fatalf("no session for %s", role)
	return ""
}

// TestTerminalErrorEscalates exhausts the restart budget and checks that
// the escalation role is woken with a critical message.
func TestTerminalErrorEscalates(t *testing.T) {
	o, l := newPipeline(t)
	ctx := context.Background()
	l.Crash = true
	require.NoError(t, o.Bootstrap(ctx))

	o.Supervisor().SetClock(func() time.Time { return time.Now().Add(time.Hour) })
	o.Supervisor().CheckOnce(ctx)

	pm, err := o.Session(sessionOf(t, o, "project_manager"))
	require.NoError(t, err)
	assert.Equal(t, session.Error, pm.State)
	assert.True(t, pm.Terminal)
	assert.Equal(t, 1, pm.Restarts)

	settle(t, o)
	entries, err := o.Journal(ctx, 10, string(journal.KindTerminalError))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "project_manager", entries[0].Role)

	l.Crash = false
	_, err = o.Router().Scan(ctx)
	require.NoError(t, err)
	inbox, err := o.Inbox("architect")
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, mailbox.Escalation, inbox[0].Type)
	assert.Equal(t, mailbox.Critical, inbox[0].Priority)
	assert.Contains(t, l.Roles(), "architect", "the escalation role is started to read it")
}

func getJSON(t *testing.T, url string, v any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func postJSON(t *testing.T, url, body string, v any) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

// TestLiveLoopsWithControlSurface runs the real loops and drives a
// transition and a rollback through the HTTP control surface.
func TestLiveLoopsWithControlSurface(t *testing.T) {
	o, l := newPipeline(t)
	srv := httptest.NewServer(httpapi.New(o, o.Metrics().Handler()).Handler())
	defer srv.Close()
	api := srv.URL + "/api/v1"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	phase := func() string {
		var st orchestrator.Status
		getJSON(t, api+"/status", &st)
		return st.Phase
	}
	require.Eventually(t, func() bool {
		_, ok := l.Process("project_manager")
		return ok
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, l.Report("project_manager", supervisor.Status{Seq: 1, Done: true}))
	require.Eventually(t, func() bool { return phase() == "design" }, 10*time.Second, 50*time.Millisecond)

	var d decision.Decision
	require.Equal(t, http.StatusAccepted, postJSON(t, api+"/rollback", `{"target_phase":"planning","reason":"scope changed"}`, &d))
	require.Equal(t, http.StatusOK, postJSON(t, api+"/decisions/"+d.ID+"/resolve", `{"option_id":"approve"}`, nil))
	require.Eventually(t, func() bool { return phase() == "planning" }, 10*time.Second, 50*time.Millisecond)

	var entries []journal.Entry
	getJSON(t, api+"/journal?kind=rollback", &entries)
	assert.NotEmpty(t, entries)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("Run did not return")
	}
	p, _ := l.Process("project_manager")
	assert.True(t, p.Terminated(), "workers are stopped on shutdown")
}
