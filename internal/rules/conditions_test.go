package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ytnobody/rolerelay/internal/catalog"
	"github.com/ytnobody/rolerelay/internal/session"
)

func TestCheck(t *testing.T) {
	delivered := NewDeliverables()
	delivered.Add("docs/design/arch.md", "architect")
	delivered.Add("schema.sql", "db_designer")

	approvedRules := map[string]bool{"gated": true}
	approved := func(ruleID string) bool { return approvedRules[ruleID] }

	sess := session.Session{
		ID:        "s1",
		Role:      "architect",
		Progress:  80,
		StartedAt: t0,
		Context:   map[string]any{"reviewed": true, "tier": 2},
	}
	env := Env{Deliverables: delivered, Approved: approved, Now: t0.Add(10 * time.Minute)}

	tests := []struct {
		name   string
		rule   catalog.Rule
		env    Env
		want   bool
		reason string
	}{
		{"no conditions", catalog.Rule{ID: "r"}, env, true, ""},
		{"threshold met", catalog.Rule{ID: "r", Conditions: catalog.Conditions{CompletionThreshold: 80}}, env, true, ""},
		{"threshold missed", catalog.Rule{ID: "r", Conditions: catalog.Conditions{CompletionThreshold: 90}}, env, false, "progress 80% below 90%"},
		{"exact deliverable", catalog.Rule{ID: "r", Conditions: catalog.Conditions{RequiredDeliverables: []string{"schema.sql"}}}, env, true, ""},
		{"glob deliverable", catalog.Rule{ID: "r", Conditions: catalog.Conditions{RequiredDeliverables: []string{"docs/**/*.md"}}}, env, true, ""},
		{"missing deliverable", catalog.Rule{ID: "r", Conditions: catalog.Conditions{RequiredDeliverables: []string{"schema.sql", "api.yaml"}}}, env, false, "deliverable api.yaml not completed"},
		{"no deliverable set", catalog.Rule{ID: "r", Conditions: catalog.Conditions{RequiredDeliverables: []string{"schema.sql"}}}, Env{}, false, "deliverable schema.sql not completed"},
		{"flags match", catalog.Rule{ID: "r", Conditions: catalog.Conditions{Flags: map[string]any{"reviewed": true, "tier": 2}}}, env, true, ""},
		{"flag compared as text", catalog.Rule{ID: "r", Conditions: catalog.Conditions{Flags: map[string]any{"tier": "2"}}}, env, true, ""},
		{"flag differs", catalog.Rule{ID: "r", Conditions: catalog.Conditions{Flags: map[string]any{"reviewed": false}}}, env, false, "flag reviewed is not false"},
		{"flag absent", catalog.Rule{ID: "r", Conditions: catalog.Conditions{Flags: map[string]any{"signed": true}}}, env, false, "flag signed is not true"},
		{"approved_or_auto", catalog.Rule{ID: "r", Conditions: catalog.Conditions{ApprovalStatus: catalog.ApprovedOrAuto}}, env, true, ""},
		{"approved for rule", catalog.Rule{ID: "gated", Conditions: catalog.Conditions{ApprovalStatus: catalog.Approved}}, env, true, ""},
		{"approval for another rule", catalog.Rule{ID: "r", Conditions: catalog.Conditions{ApprovalStatus: catalog.Approved}}, env, false, reasonAwaitingApproval},
		{"no approval source", catalog.Rule{ID: "gated", Conditions: catalog.Conditions{ApprovalStatus: catalog.Approved}}, Env{Deliverables: delivered}, false, reasonAwaitingApproval},
		{"approval checked last", catalog.Rule{ID: "r", Conditions: catalog.Conditions{ApprovalStatus: catalog.Approved, CompletionThreshold: 90}}, env, false, "progress 80% below 90%"},
		{"unknown approval status", catalog.Rule{ID: "r", Conditions: catalog.Conditions{ApprovalStatus: "maybe"}}, env, false, `unknown approval status "maybe"`},
		{"timeout reached", catalog.Rule{ID: "r", Trigger: catalog.TimeBased{}, TimeoutSeconds: 600}, env, true, ""},
		{"timeout pending", catalog.Rule{ID: "r", Trigger: catalog.TimeBased{}, TimeoutSeconds: 601}, env, false, "timeout not reached"},
		{"time based without timeout", catalog.Rule{ID: "r", Trigger: catalog.TimeBased{}}, env, false, "time based rule without timeout_seconds"},
		{"timeout ignored for other triggers", catalog.Rule{ID: "r", Trigger: catalog.TaskCompleted{}, TimeoutSeconds: 3600}, env, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := Check(tt.rule, sess, tt.env)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.reason, reason)

			again, _ := Check(tt.rule, sess, tt.env)
			assert.Equal(t, got, again, "evaluation is pure")
		})
	}
}

func TestNeedsDecision(t *testing.T) {
	assert.False(t, needsDecision(catalog.Rule{AutoExecute: true}))
	assert.True(t, needsDecision(catalog.Rule{}))
	assert.True(t, needsDecision(catalog.Rule{AutoExecute: true, Conditions: catalog.Conditions{ApprovalStatus: catalog.Approved}}))
	assert.False(t, needsDecision(catalog.Rule{AutoExecute: true, Conditions: catalog.Conditions{ApprovalStatus: catalog.ApprovedOrAuto}}))
}

func TestDeliverablesGlob(t *testing.T) {
	d := NewDeliverables()
	assert.True(t, d.Add("docs/design/arch.md", "architect"))
	assert.False(t, d.Add("docs/design/arch.md", "developer"), "first reporter wins")
	assert.False(t, d.Add("", "architect"))

	assert.True(t, d.Has("docs/design/arch.md"))
	assert.True(t, d.Has("docs/*/arch.md"))
	assert.False(t, d.Has("docs/*.md"))
	assert.False(t, d.Has("docs/design/api.md"))
	assert.Equal(t, 1, d.Len())
}
