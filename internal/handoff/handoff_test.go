package handoff

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "handoff.yaml")
	in := Bundle{
		Role:           "backend",
		Phase:          "development",
		RuleID:         "design_to_dev",
		FromRole:       "architect",
		CreatedAt:      time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
		Global:         map[string]any{"customer": "acme"},
		Deliverables:   []string{"arch.md", "schema.sql"},
		Communications: []string{"[t] [@architect] db_designer: done"},
		Fields:         map[string]any{"design": []any{"arch.md"}},
	}
	require.NoError(t, Write(path, in))

	out, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, in.Role, out.Role)
	assert.Equal(t, in.Deliverables, out.Deliverables)
	assert.Equal(t, "acme", out.Global["customer"])
	assert.True(t, in.CreatedAt.Equal(out.CreatedAt))
}

func TestCloneIsDeep(t *testing.T) {
	b := Bundle{Global: map[string]any{"a": 1}, Deliverables: []string{"x"}}
	c := b.Clone()
	c.Global["a"] = 2
	c.Deliverables[0] = "y"
	assert.Equal(t, 1, b.Global["a"])
	assert.Equal(t, "x", b.Deliverables[0])
}
