package pipeline

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ytnobody/rolerelay/internal/catalog"
	"github.com/ytnobody/rolerelay/internal/handoff"
)

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.New([]catalog.Phase{
		{ID: "planning", RequiredRoles: []string{"project_manager"}},
		{ID: "design", RequiredRoles: []string{"architect", "db_designer"}, Dependencies: []string{"planning"}, RollbackTargets: []string{"planning"}},
		{ID: "development", RequiredRoles: []string{"developer"}, Dependencies: []string{"design"}, RollbackTargets: []string{"design", "planning"}},
	}, nil, nil)
	require.NoError(t, err)
	return cat
}

func TestAdvanceIsMonotonic(t *testing.T) {
	c, err := Open("", testCatalog(t), nil)
	require.NoError(t, err)
	assert.True(t, c.Fresh())
	assert.Equal(t, 0, c.Progress())

	all, err := c.MarkStarted("design", "architect")
	require.NoError(t, err)
	assert.False(t, all)
	all, err = c.MarkStarted("design", "db_designer")
	require.NoError(t, err)
	assert.True(t, all)

	require.NoError(t, c.AdvanceTo("design"))
	p, idx := c.Current()
	assert.Equal(t, "design", p.ID)
	assert.Equal(t, 1, idx)
	assert.True(t, c.IsCompleted("planning"))
	assert.Equal(t, 66, c.Progress())

	assert.ErrorIs(t, c.AdvanceTo("planning"), ErrNotForward)
	assert.ErrorIs(t, c.AdvanceTo("design"), ErrNotForward)
	assert.ErrorIs(t, c.AdvanceTo("deploy"), ErrUnknown)

	require.NoError(t, c.AdvanceTo("development"))
	require.NoError(t, c.Finish())
	assert.True(t, c.Finished())
	assert.Equal(t, 100, c.Progress())
	assert.Equal(t, []string{"planning", "design", "development"}, c.State().Completed)
}

func TestRollback(t *testing.T) {
	c, err := Open("", testCatalog(t), nil)
	require.NoError(t, err)
	require.NoError(t, c.RecordSnapshot("design", handoff.Bundle{Notes: "first"}))
	require.NoError(t, c.RecordSnapshot("design", handoff.Bundle{Notes: "second"}))
	_, _ = c.MarkStarted("design", "architect")
	require.NoError(t, c.AdvanceTo("design"))

	_, err = c.RollbackTo("development")
	assert.ErrorIs(t, err, ErrNotPermitted, "not a rollback target of design")

	require.NoError(t, c.RecordSnapshot("development", handoff.Bundle{Notes: "dev"}))
	_, _ = c.MarkStarted("development", "developer")
	require.NoError(t, c.AdvanceTo("development"))

	reset, err := c.RollbackTo("design")
	require.NoError(t, err)
	assert.Equal(t, []string{"design", "development"}, reset)

	p, _ := c.Current()
	assert.Equal(t, "design", p.ID)
	assert.False(t, c.IsCompleted("design"))
	assert.True(t, c.IsCompleted("planning"))
	assert.Empty(t, c.Started("design"))
	assert.Equal(t, 1, c.State().Rollbacks)

	snap, ok := c.Snapshot("design")
	require.True(t, ok)
	assert.Equal(t, "first", snap.Notes, "the target keeps its original snapshot")
	_, ok = c.Snapshot("development")
	assert.False(t, ok)

	// After the rollback the cursor may move forward again.
	require.NoError(t, c.AdvanceTo("development"))
}

func TestPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.toml")
	cat := testCatalog(t)
	c, err := Open(path, cat, map[string]any{"customer": "acme"})
	require.NoError(t, err)
	_, _ = c.MarkStarted("planning", "project_manager")
	require.NoError(t, c.RecordSnapshot("planning", handoff.Bundle{Phase: "planning", Deliverables: []string{"brief.md"}}))
	require.NoError(t, c.AdvanceTo("design"))
	require.NoError(t, c.MergeGlobal(map[string]any{"customer": "globex"}))

	again, err := Open(path, cat, map[string]any{"customer": "ignored", "region": "eu"})
	require.NoError(t, err)
	p, _ := again.Current()
	assert.Equal(t, "design", p.ID)
	assert.False(t, again.Fresh())
	g := again.Global()
	assert.Equal(t, "globex", g["customer"])
	assert.Equal(t, "eu", g["region"])

	snap, ok := again.Snapshot("planning")
	require.True(t, ok)
	assert.Equal(t, []string{"brief.md"}, snap.Deliverables)
}
