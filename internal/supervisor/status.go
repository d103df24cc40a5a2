package supervisor

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Status is the record a worker writes into its status file.
type Status struct {
	Seq          int64    `yaml:"seq" json:"seq"`
	Progress     float64  `yaml:"progress_percent" json:"progress_percent"`
	CurrentTask  string   `yaml:"current_task" json:"current_task"`
	Deliverables []string `yaml:"deliverables_completed" json:"deliverables_completed"`
	Done         bool     `yaml:"done" json:"done"`
	Ready        bool     `yaml:"ready" json:"ready"`
	// State optionally reports waiting or blocked; anything else means active.
	State     string         `yaml:"state,omitempty" json:"state,omitempty"`
	Context   map[string]any `yaml:"context,omitempty" json:"context,omitempty"`
	Knowledge []string       `yaml:"knowledge,omitempty" json:"knowledge,omitempty"`
	// DecisionRequest asks for human sign-off; the session waits until it is resolved.
	DecisionRequest *DecisionRequest `yaml:"decision_request,omitempty" json:"decision_request,omitempty"`
}

// DecisionRequest is a worker-initiated request for a decision.
type DecisionRequest struct {
	Level       string           `yaml:"level" json:"level"`
	Title       string           `yaml:"title" json:"title"`
	Description string           `yaml:"description" json:"description"`
	Options     []DecisionOption `yaml:"options" json:"options"`
	DeadlineMin int              `yaml:"deadline_minutes,omitempty" json:"deadline_minutes,omitempty"`
}

type DecisionOption struct {
	ID       string `yaml:"id" json:"id"`
	Label    string `yaml:"label" json:"label"`
	Approves bool   `yaml:"approves" json:"approves"`
}

// readStatus loads the status record. A missing file yields ok=false and no error.
func readStatus(path string) (Status, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Status{}, false, nil
		}
		return Status{}, false, fmt.Errorf("read status: %w", err)
	}
	if len(data) == 0 {
		return Status{}, false, nil
	}
	var st Status
	if err := yaml.Unmarshal(data, &st); err != nil {
		return Status{}, false, fmt.Errorf("parse status: %w", err)
	}
	return st, true, nil
}
