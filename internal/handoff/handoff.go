// Package handoff defines the context bundle passed to a newly started role.
package handoff

import (
	"fmt"
	"time"

	"github.com/ytnobody/rolerelay/internal/fsutil"
)

// Bundle is written as YAML into the worker's directory before launch.
type Bundle struct {
	Role      string    `yaml:"role" json:"role" toml:"role"`
	Phase     string    `yaml:"phase" json:"phase" toml:"phase"`
	RuleID    string    `yaml:"rule_id,omitempty" json:"rule_id,omitempty" toml:"rule_id,omitempty"`
	FromRole  string    `yaml:"from_role,omitempty" json:"from_role,omitempty" toml:"from_role,omitempty"`
	CreatedAt time.Time `yaml:"created_at" json:"created_at" toml:"created_at"`
	// Global is the global context snapshot.
	Global map[string]any `yaml:"global,omitempty" json:"global,omitempty" toml:"global,omitempty"`
	// Deliverables lists every deliverable completed so far.
	Deliverables []string `yaml:"deliverables,omitempty" json:"deliverables,omitempty" toml:"deliverables,omitempty"`
	// Communications are transcript lines involving the from-role.
	Communications []string `yaml:"communications,omitempty" json:"communications,omitempty" toml:"communications,omitempty"`
	// Fields holds the rule's named handoff fields resolved from their sources.
	Fields map[string]any `yaml:"fields,omitempty" json:"fields,omitempty" toml:"fields,omitempty"`
	Notes  string         `yaml:"notes,omitempty" json:"notes,omitempty" toml:"notes,omitempty"`
}

// Clone returns a copy that shares no maps or slices with b.
func (b Bundle) Clone() Bundle {
	b.Global = cloneMap(b.Global)
	b.Fields = cloneMap(b.Fields)
	b.Deliverables = append([]string(nil), b.Deliverables...)
	b.Communications = append([]string(nil), b.Communications...)
	return b
}

// Write stores the bundle at path.
func Write(path string, b Bundle) error {
	if err := fsutil.WriteYAML(path, b); err != nil {
		return fmt.Errorf("write handoff: %w", err)
	}
	return nil
}

// Read loads a bundle from path.
func Read(path string) (Bundle, error) {
	var b Bundle
	if err := fsutil.ReadYAML(path, &b); err != nil {
		return Bundle{}, fmt.Errorf("read handoff: %w", err)
	}
	return b, nil
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
