// Package summary derives the "auto" handoff field: a short summary of what
// a role accumulated during its session.
package summary

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Input is what a summary is derived from.
type Input struct {
	Role         string
	Phase        string
	CurrentTask  string
	Progress     float64
	Knowledge    []string
	Deliverables []string
	Context      map[string]any
}

// Summarizer turns a session's accumulated knowledge into handoff text.
type Summarizer interface {
	Summarize(ctx context.Context, in Input) (string, error)
}

// Plain builds a deterministic markdown summary without any model call.
type Plain struct{}

func (Plain) Summarize(_ context.Context, in Input) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s (%s)\n", in.Role, in.Phase)
	if in.CurrentTask != "" {
		fmt.Fprintf(&b, "Last task: %s (%.0f%%)\n", in.CurrentTask, in.Progress)
	}
	if len(in.Deliverables) > 0 {
		b.WriteString("\nDeliverables:\n")
		for _, d := range in.Deliverables {
			fmt.Fprintf(&b, "- %s\n", d)
		}
	}
	if len(in.Knowledge) > 0 {
		b.WriteString("\nKnowledge:\n")
		for _, k := range in.Knowledge {
			fmt.Fprintf(&b, "- %s\n", strings.Join(strings.Fields(k), " "))
		}
	}
	if len(in.Context) > 0 {
		keys := make([]string, 0, len(in.Context))
		for k := range in.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\nContext:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %v\n", k, in.Context[k])
		}
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// Fallback uses Primary and falls back to Secondary when it fails.
type Fallback struct {
	Primary   Summarizer
	Secondary Summarizer
}

func (f Fallback) Summarize(ctx context.Context, in Input) (string, error) {
	out, err := f.Primary.Summarize(ctx, in)
	if err == nil && out != "" {
		return out, nil
	}
	alt, altErr := f.Secondary.Summarize(ctx, in)
	if altErr != nil {
		if err != nil {
			return "", fmt.Errorf("summarize: %w (fallback: %v)", err, altErr)
		}
		return "", altErr
	}
	return alt, nil
}
