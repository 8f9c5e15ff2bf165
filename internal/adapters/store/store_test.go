package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/deepinsight/internal/config"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/core"
)

func backends(t *testing.T) map[string]core.RequestStore {
	t.Helper()
	sq, err := NewSQLite(filepath.Join(t.TempDir(), "requests.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]core.RequestStore{
		"memory": NewMemory(),
		"sqlite": sq,
	}
}

func TestStore_Contract(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := st.Load(ctx, "missing")
			assert.True(t, core.IsCategory(err, core.ErrCatNotFound), "got %v", err)

			req := core.NewWorkflowRequest("req-1", "how did revenue change?",
				[]core.Message{{Role: core.RoleUser, Text: "earlier question"}})
			require.NoError(t, st.SaveRequest(ctx, req))

			rec, err := st.Load(ctx, req.ID)
			require.NoError(t, err)
			assert.Equal(t, req.Input, rec.Request.Input)
			assert.Equal(t, core.RequestStatusPending, rec.Request.Status)
			require.Len(t, rec.Request.PriorContext, 1)
			assert.Nil(t, rec.State)

			state := core.NewSharedState(req)
			state.Plan = "1. load"
			state.SetArtifact("plan", "1. load")
			require.NoError(t, st.SaveCheckpoint(ctx, state))

			require.NoError(t, req.Transition(core.RequestStatusFailed, "coder: worker unreachable"))
			require.NoError(t, st.SaveRequest(ctx, req))

			rec, err = st.Load(ctx, req.ID)
			require.NoError(t, err)
			assert.Equal(t, core.RequestStatusFailed, rec.Request.Status)
			assert.Equal(t, "coder: worker unreachable", rec.Request.Reason)
			require.NotNil(t, rec.Request.CompletedAt)
			require.NotNil(t, rec.State, "a failed request keeps its artifacts")
			plan, ok := rec.State.Artifact("plan")
			assert.True(t, ok)
			assert.Equal(t, "1. load", plan)
		})
	}
}

func TestStore_ListNewestFirst(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().Add(-time.Hour)
			for i, id := range []core.RequestID{"a", "b", "c"} {
				req := core.NewWorkflowRequest(id, "q", nil)
				req.CreatedAt = base.Add(time.Duration(i) * time.Minute)
				require.NoError(t, st.SaveRequest(ctx, req))
			}

			all, err := st.List(ctx, 0)
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, core.RequestID("c"), all[0].ID)

			two, err := st.List(ctx, 2)
			require.NoError(t, err)
			assert.Len(t, two, 2)
		})
	}
}

func TestStore_ListUnfinished(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().Add(-time.Hour)
			statuses := map[core.RequestID]core.RequestStatus{
				"done":    core.RequestStatusCompleted,
				"broken":  core.RequestStatusFailed,
				"waiting": core.RequestStatusAwaitingApproval,
				"running": core.RequestStatusRunning,
			}
			i := 0
			for _, id := range []core.RequestID{"done", "running", "broken", "waiting"} {
				req := core.NewWorkflowRequest(id, "q", nil)
				req.CreatedAt = base.Add(time.Duration(i) * time.Minute)
				i++
				require.NoError(t, req.Transition(statuses[id], ""))
				require.NoError(t, st.SaveRequest(ctx, req))
			}

			open, err := st.ListUnfinished(ctx)
			require.NoError(t, err)
			require.Len(t, open, 2)
			assert.Equal(t, core.RequestID("running"), open[0].ID)
			assert.Equal(t, core.RequestID("waiting"), open[1].ID)
		})
	}
}

func TestSQLite_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "requests.db")
	ctx := context.Background()

	st, err := NewSQLite(path)
	require.NoError(t, err)
	req := core.NewWorkflowRequest("req-1", "q", nil)
	require.NoError(t, st.SaveRequest(ctx, req))
	require.NoError(t, st.SaveCheckpoint(ctx, core.NewSharedState(req)))
	require.NoError(t, st.Close())

	st, err = NewSQLite(path)
	require.NoError(t, err)
	defer st.Close()
	rec, err := st.Load(ctx, "req-1")
	require.NoError(t, err)
	assert.NotNil(t, rec.State)
}

func TestSQLite_DetectsCorruptCheckpoint(t *testing.T) {
	st, err := NewSQLite(filepath.Join(t.TempDir(), "requests.db"))
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	req := core.NewWorkflowRequest("req-1", "q", nil)
	require.NoError(t, st.SaveRequest(ctx, req))
	require.NoError(t, st.SaveCheckpoint(ctx, core.NewSharedState(req)))

	_, err = st.db.ExecContext(ctx, `UPDATE checkpoints SET state = '{"request_id":"req-1","plan":"tampered"}'`)
	require.NoError(t, err)

	_, err = st.Load(ctx, "req-1")
	assert.True(t, core.HasCode(err, core.CodeInvalidState), "got %v", err)
}

func TestMemory_CheckpointRequiresRequest(t *testing.T) {
	err := NewMemory().SaveCheckpoint(context.Background(), &core.SharedState{RequestID: "ghost"})
	assert.True(t, core.IsCategory(err, core.ErrCatNotFound))
}

func TestNew(t *testing.T) {
	st, err := New(config.StoreConfig{})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, st)

	st, err = New(config.StoreConfig{Backend: "sqlite", Path: filepath.Join(t.TempDir(), "state.json")})
	require.NoError(t, err)
	defer st.Close()
	sq, ok := st.(*SQLite)
	require.True(t, ok)
	assert.Equal(t, ".db", filepath.Ext(sq.Path()))

	_, err = New(config.StoreConfig{Backend: "postgres"})
	assert.Error(t, err)
}
