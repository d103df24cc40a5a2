package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ytnobody/rolerelay/internal/decision"
	"github.com/ytnobody/rolerelay/internal/event"
	"github.com/ytnobody/rolerelay/internal/journal"
	"github.com/ytnobody/rolerelay/internal/logger"
	"github.com/ytnobody/rolerelay/internal/mailbox"
	"github.com/ytnobody/rolerelay/internal/metrics"
	"github.com/ytnobody/rolerelay/internal/orchestrator"
	"github.com/ytnobody/rolerelay/internal/rules"
	"github.com/ytnobody/rolerelay/internal/session"
)

func init() { logger.Discard() }

type stubController struct {
	mu        sync.Mutex
	decisions map[string]decision.Decision
	stopped   map[string]bool
	posted    []mailbox.Message
	rollbacks []string
	events    *event.Queue
}

func newStub() *stubController {
	return &stubController{
		decisions: map[string]decision.Decision{
			"d1": {ID: "d1", Title: "Ship it?", Level: decision.Approval, Options: decision.ApprovalOptions()},
		},
		stopped: map[string]bool{},
		events:  event.NewQueue(),
	}
}

func (s *stubController) Status() orchestrator.Status {
	return orchestrator.Status{Project: "shop", Phase: "design", PhaseIndex: 1, PhaseCount: 3, Progress: 66}
}

func (s *stubController) Sessions() []session.Session {
	return []session.Session{{ID: "s1", Role: "architect", Phase: "design", State: session.Active}}
}

func (s *stubController) Decisions(openOnly bool) []decision.Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []decision.Decision
	for _, d := range s.decisions {
		if !openOnly || d.Open() {
			out = append(out, d)
		}
	}
	return out
}

func (s *stubController) Decision(id string) (decision.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.decisions[id]
	if !ok {
		return decision.Decision{}, fmt.Errorf("get %s: %w", id, decision.ErrNotFound)
	}
	return d, nil
}

func (s *stubController) ResolveDecision(id, optionID string) (decision.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.decisions[id]
	if !ok {
		return decision.Decision{}, decision.ErrNotFound
	}
	if d.Resolved {
		return decision.Decision{}, decision.ErrConflict
	}
	o, ok := d.Option(optionID)
	if !ok {
		return decision.Decision{}, decision.ErrUnknownOption
	}
	d.Resolved = true
	d.Response = &decision.Response{OptionID: o.ID, Approved: o.Approves}
	s.decisions[id] = d
	return d, nil
}

func (s *stubController) StartRole(_ context.Context, role string) (string, error) {
	if role == "ghost" {
		return "", fmt.Errorf("%w: ghost", rules.ErrUnknownRole)
	}
	if role == "architect" {
		return "", fmt.Errorf("start architect: %w", session.ErrDuplicateSession)
	}
	return "s-" + role, nil
}

func (s *stubController) StopRole(_ context.Context, role string, forced bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if role != "architect" {
		return fmt.Errorf("stop %s: %w", role, session.ErrNotFound)
	}
	s.stopped[role] = forced
	return nil
}

func (s *stubController) RequestRollback(_ context.Context, target, reason string) (decision.Decision, error) {
	if target != "planning" {
		return decision.Decision{}, fmt.Errorf("%w: design -> %s", rules.ErrRollbackNotPermitted, target)
	}
	s.mu.Lock()
	s.rollbacks = append(s.rollbacks, reason)
	s.mu.Unlock()
	return decision.Decision{ID: "rb", Level: decision.Critical, Kind: decision.KindRollback, TargetPhase: target}, nil
}

func (s *stubController) RequestTransition(_ context.Context, ruleID string) error {
	switch ruleID {
	case "design_done":
		return nil
	case "early":
		return fmt.Errorf("%w: docs/design/*.md missing", rules.ErrConditionsNotMet)
	}
	return fmt.Errorf("%w: %s", rules.ErrUnknownRule, ruleID)
}

func (s *stubController) Journal(_ context.Context, limit int, kind string) ([]journal.Entry, error) {
	out := []journal.Entry{{ID: 2, Kind: journal.KindTransition, RuleID: "planning_done"}, {ID: 1, Kind: journal.KindPhaseStarted}}
	if kind != "" {
		var filtered []journal.Entry
		for _, e := range out {
			if string(e.Kind) == kind {
				filtered = append(filtered, e)
			}
		}
		out = filtered
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *stubController) PostMessage(m mailbox.Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posted = append(s.posted, m)
	return nil
}

func (s *stubController) Inbox(role string) ([]mailbox.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []mailbox.Message
	for _, m := range s.posted {
		if m.To == role {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *stubController) Subscribe() (<-chan event.Envelope, func()) { return s.events.Subscribe() }

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestReadEndpoints(t *testing.T) {
	h := New(newStub(), metrics.New().Handler()).Handler()

	w := do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[orchestrator.Status](t, w)
	assert.Equal(t, "design", st.Phase)
	assert.Equal(t, 66, st.Progress)

	w = do(t, h, http.MethodGet, "/api/v1/sessions", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]session.Session](t, w), 1)

	w = do(t, h, http.MethodGet, "/api/v1/decisions/d1", "")
	require.Equal(t, http.StatusOK, w.Code)
	d := decode[map[string]any](t, w)
	assert.Equal(t, "d1", d["decision_id"])
	assert.Len(t, d["options"], 2)

	w = do(t, h, http.MethodGet, "/api/v1/decisions/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, http.StatusNotFound, decode[ErrorResponse](t, w).Code)

	w = do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "rolerelay_decisions_open")
}

func TestResolveDecision(t *testing.T) {
	stub := newStub()
	h := New(stub, nil).Handler()

	w := do(t, h, http.MethodPost, "/api/v1/decisions/d1/resolve", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodPost, "/api/v1/decisions/d1/resolve", `{"option_id":"maybe"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = do(t, h, http.MethodPost, "/api/v1/decisions/d1/resolve", `{"option_id":"approve"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[decision.Decision](t, w).Approved())

	w = do(t, h, http.MethodPost, "/api/v1/decisions/d1/resolve", `{"option_id":"reject"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, h, http.MethodGet, "/api/v1/decisions?open=true", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[[]decision.Decision](t, w))
}

func TestRoleControl(t *testing.T) {
	stub := newStub()
	h := New(stub, nil).Handler()

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"start", http.MethodPost, "/api/v1/roles/developer/start", "", http.StatusCreated},
		{"start unknown role", http.MethodPost, "/api/v1/roles/ghost/start", "", http.StatusNotFound},
		{"start live role", http.MethodPost, "/api/v1/roles/architect/start", "", http.StatusConflict},
		{"stop forced", http.MethodPost, "/api/v1/roles/architect/stop", `{"forced":true}`, http.StatusOK},
		{"stop without session", http.MethodPost, "/api/v1/roles/developer/stop", "", http.StatusNotFound},
		{"stop bad body", http.MethodPost, "/api/v1/roles/architect/stop", `{"forced":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
	assert.True(t, stub.stopped["architect"])
}

func TestRollbackAndTrigger(t *testing.T) {
	stub := newStub()
	h := New(stub, nil).Handler()

	w := do(t, h, http.MethodPost, "/api/v1/rollback", `{"reason":"no target"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodPost, "/api/v1/rollback", `{"target_phase":"development"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = do(t, h, http.MethodPost, "/api/v1/rollback", `{"target_phase":"planning","reason":"scope changed"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, decision.KindRollback, decode[decision.Decision](t, w).Kind)
	assert.Equal(t, []string{"scope changed"}, stub.rollbacks)

	assert.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, "/api/v1/rules/design_done/trigger", "").Code)
	assert.Equal(t, http.StatusUnprocessableEntity, do(t, h, http.MethodPost, "/api/v1/rules/early/trigger", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/api/v1/rules/nope/trigger", "").Code)
}

func TestJournal(t *testing.T) {
	h := New(newStub(), nil).Handler()

	w := do(t, h, http.MethodGet, "/api/v1/journal?kind=transition", "")
	require.Equal(t, http.StatusOK, w.Code)
	entries := decode[[]journal.Entry](t, w)
	require.Len(t, entries, 1)
	assert.Equal(t, "planning_done", entries[0].RuleID)

	w = do(t, h, http.MethodGet, "/api/v1/journal?limit=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]journal.Entry](t, w), 1)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/v1/journal?limit=x", "").Code)
}

func TestMessages(t *testing.T) {
	h := New(newStub(), nil).Handler()

	w := do(t, h, http.MethodPost, "/api/v1/messages", `{"from_role":"architect","to_role":"architect","type":"question"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodPost, "/api/v1/messages", `{"from_role":"architect","to_role":"developer","type":"question","priority":"urgent"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodPost, "/api/v1/messages", `{"from_role":"architect","to_role":"developer","type":"question","content":"REST or gRPC?"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.NotEmpty(t, decode[map[string]string](t, w)["message_id"])

	w = do(t, h, http.MethodGet, "/api/v1/roles/developer/inbox", "")
	require.Equal(t, http.StatusOK, w.Code)
	inbox := decode[[]mailbox.Message](t, w)
	require.Len(t, inbox, 1)
	assert.Equal(t, "REST or gRPC?", inbox[0].Content)
	assert.True(t, inbox[0].RequiresResponse)

	w = do(t, h, http.MethodGet, "/api/v1/roles/tester/inbox", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]", strings.TrimSpace(w.Body.String()))
}

func TestEventStream(t *testing.T) {
	stub := newStub()
	srv := httptest.NewServer(New(stub, nil).Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events?kinds=transitioned"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The subscription is registered by the handler after the upgrade, so
	// keep publishing until the first envelope arrives.
	got := make(chan map[string]any, 1)
	go func() {
		var env map[string]any
		if err := conn.ReadJSON(&env); err == nil {
			got <- env
		}
	}()
	deadline := time.After(5 * time.Second)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case env := <-got:
			assert.Equal(t, "transitioned", env["kind"])
			data := env["data"].(map[string]any)
			assert.Equal(t, "design_done", data["rule_id"])
			return
		case <-ticker.C:
			stub.events.Publish(event.Tick{At: time.Now()})
			stub.events.Publish(event.Transitioned{RuleID: "design_done", FromRole: "architect", ToRoles: []string{"developer"}, Phase: "development"})
		case <-deadline:
			t.Fatal("no event received")
		}
	}
}
