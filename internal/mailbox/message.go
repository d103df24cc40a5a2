// Package mailbox implements durable per-role message queues and the router
// that moves messages from outboxes to inboxes.
package mailbox

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EngineRole is the recipient name for messages addressed to the engine.
const EngineRole = "engine"

type Type string

const (
	Question             Type = "question"
	ClarificationRequest Type = "clarification_request"
	FeedbackRequest      Type = "feedback_request"
	ReviewRequest        Type = "review_request"
	CollaborationRequest Type = "collaboration_request"
	ConcernReport        Type = "concern_report"
	KnowledgeShare       Type = "knowledge_share"
	ProgressUpdate       Type = "progress_update"
	DependencyAlert      Type = "dependency_alert"
	Escalation           Type = "escalation"
	Response             Type = "response"
	DecisionRequestType  Type = "decision_request"
	RollbackRequest      Type = "rollback_request"
	TransitionRequest    Type = "transition_request"
)

type Priority string

const (
	Critical Priority = "critical"
	High     Priority = "high"
	Medium   Priority = "medium"
	Low      Priority = "low"
)

var responseWindows = map[Type]time.Duration{
	Question:             2 * time.Hour,
	ClarificationRequest: 2 * time.Hour,
	FeedbackRequest:      4 * time.Hour,
	ReviewRequest:        6 * time.Hour,
}

// ResponseWindow is the default time a recipient has to answer a message of
// type t. Zero means no response is expected.
func ResponseWindow(t Type) time.Duration { return responseWindows[t] }

// Message is one structured record exchanged between roles.
type Message struct {
	ID               string         `yaml:"message_id" json:"message_id"`
	From             string         `yaml:"from_role" json:"from_role"`
	To               string         `yaml:"to_role" json:"to_role"`
	Type             Type           `yaml:"type" json:"type"`
	Priority         Priority       `yaml:"priority" json:"priority"`
	Subject          string         `yaml:"subject,omitempty" json:"subject,omitempty"`
	Content          string         `yaml:"content,omitempty" json:"content,omitempty"`
	Payload          map[string]any `yaml:"payload,omitempty" json:"payload,omitempty"`
	RequiresResponse bool           `yaml:"requires_response" json:"requires_response"`
	ResponseDeadline time.Time      `yaml:"expected_response_deadline,omitempty" json:"expected_response_deadline,omitempty"`
	InReplyTo        string         `yaml:"in_reply_to,omitempty" json:"in_reply_to,omitempty"`
	CreatedAt        time.Time      `yaml:"created_at" json:"created_at"`

	// file is the outbox file the message was read from (file backend only).
	file string
}

// New builds a message with an id, timestamp and the default response
// deadline for its type.
func New(from, to string, typ Type, content string) Message {
	now := time.Now().UTC()
	m := Message{
		ID:        uuid.NewString(),
		From:      from,
		To:        to,
		Type:      typ,
		Priority:  Medium,
		Content:   content,
		CreatedAt: now,
	}
	if w := ResponseWindow(typ); w > 0 {
		m.RequiresResponse = true
		m.ResponseDeadline = now.Add(w)
	}
	return m
}

// Validate checks the fields the router depends on.
func (m Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("message id is required")
	}
	if m.From == "" {
		return fmt.Errorf("message %s: from_role is required", m.ID)
	}
	if m.To == "" {
		return fmt.Errorf("message %s: to_role is required", m.ID)
	}
	if m.From == m.To {
		return fmt.Errorf("message %s: sender and recipient are both %q", m.ID, m.To)
	}
	switch m.Priority {
	case Critical, High, Medium, Low, "":
	default:
		return fmt.Errorf("message %s: unknown priority %q", m.ID, m.Priority)
	}
	return nil
}

// normalize fills defaults for fields workers commonly omit.
func (m *Message) normalize(fallbackID, fallbackFrom string, fallbackTime time.Time) {
	if m.ID == "" {
		m.ID = fallbackID
	}
	if m.From == "" {
		m.From = fallbackFrom
	}
	if m.Priority == "" {
		m.Priority = Medium
	}
	if m.Type == "" {
		m.Type = Question
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = fallbackTime
	}
	if m.RequiresResponse && m.ResponseDeadline.IsZero() {
		if w := ResponseWindow(m.Type); w > 0 {
			m.ResponseDeadline = m.CreatedAt.Add(w)
		}
	}
}

// archiveName is the archived record name: a timestamp prefix then the id.
func (m Message) archiveName() string {
	return m.CreatedAt.UTC().Format("20060102T150405.000000000Z") + "_" + m.ID
}
