package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAndRecent(t *testing.T) {
	j, err := Open(":memory:")
	require.NoError(t, err)
	defer j.Close()
	at := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	j.SetClock(func() time.Time { return at })

	ctx := context.Background()
	require.NoError(t, j.Record(ctx, Entry{Kind: KindTransition, Phase: "design", Role: "architect", RuleID: "design_to_dev"}))
	require.NoError(t, j.Record(ctx, Entry{Kind: KindRollback, Phase: "planning", Detail: "scope changed"}))
	require.NoError(t, j.Record(ctx, Entry{Kind: KindTransition, RuleID: "dev_to_qa"}))
	assert.Error(t, j.Record(ctx, Entry{}))

	all, err := j.Recent(ctx, 10, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "dev_to_qa", all[0].RuleID, "newest first")
	assert.True(t, all[2].At.Equal(at))

	rb, err := j.Recent(ctx, 10, KindRollback)
	require.NoError(t, err)
	require.Len(t, rb, 1)
	assert.Equal(t, "scope changed", rb[0].Detail)

	limited, err := j.Recent(ctx, 1, KindTransition)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "dev_to_qa", limited[0].RuleID)
}

func TestJournalSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, j.Record(context.Background(), Entry{Kind: KindTerminalError, Role: "developer"}))
	require.NoError(t, j.Close())

	j, err = Open(path)
	require.NoError(t, err)
	defer j.Close()
	got, err := j.Recent(context.Background(), 0, "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, KindTerminalError, got[0].Kind)
}
