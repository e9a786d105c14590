package labstor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/labstor/labstor/pkg/types"
)

func TestCanonicalJSON(t *testing.T) {
	a, err := CanonicalJSON([]byte(`{"b": 1, "a": {"y": 2, "x": [1, 2]}}`))
	require.NoError(t, err)
	b, err := CanonicalJSON([]byte(`{"a": {"x": [1,2], "y": 2}, "b": 1}`))
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Equal(t, `{"a":{"x":[1,2],"y":2},"b":1}`, string(a))

	// Array order is significant and preserved.
	c, err := CanonicalJSON([]byte(`{"a": {"x": [2,1], "y": 2}, "b": 1}`))
	require.NoError(t, err)
	require.NotEqual(t, string(a), string(c))

	_, err = CanonicalJSON([]byte(`{"a": 1} trailing`))
	require.Error(t, err)
	_, err = CanonicalJSON([]byte(`{broken`))
	require.Error(t, err)
}

func TestDatasetConfigDedup(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	first, err := engine.CreateDataset(ctx, CreateDatasetRequest{
		Name:   "ramsey-1",
		Config: json.RawMessage(`{"detuning": 1e6, "shots": 1024}`),
	})
	require.NoError(t, err)

	// Key order differs; canonicalization makes them the same config.
	second, err := engine.CreateDataset(ctx, CreateDatasetRequest{
		Name:   "ramsey-2",
		Config: json.RawMessage(`{"shots": 1024, "detuning": 1e6}`),
	})
	require.NoError(t, err)
	require.Equal(t, first.ConfigID, second.ConfigID)

	third, err := engine.CreateDataset(ctx, CreateDatasetRequest{
		Name:   "ramsey-3",
		Config: json.RawMessage(`{"shots": 2048, "detuning": 1e6}`),
	})
	require.NoError(t, err)
	require.NotEqual(t, first.ConfigID, third.ConfigID)

	raw, err := first.Config(ctx)
	require.NoError(t, err)
	require.JSONEq(t, `{"detuning": 1e6, "shots": 1024}`, string(raw))
}

func TestDatasetByConfigID(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	first, err := engine.CreateDataset(ctx, CreateDatasetRequest{
		Name:   "origin",
		Config: json.RawMessage(`{"power": -30}`),
	})
	require.NoError(t, err)

	// Attaching an existing config by id skips re-uploading its bytes.
	second, err := engine.CreateDataset(ctx, CreateDatasetRequest{
		Name:     "reuse",
		ConfigID: first.ConfigID,
	})
	require.NoError(t, err)
	require.Equal(t, first.ConfigID, second.ConfigID)

	_, err = engine.CreateDataset(ctx, CreateDatasetRequest{Name: "bad", ConfigID: 9999})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDatasetScript(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	ds, err := engine.CreateDataset(ctx, CreateDatasetRequest{
		Name:   "scripted",
		Script: &ScriptSpec{Text: "run_sweep()", Language: "julia"},
	})
	require.NoError(t, err)

	script, err := ds.Script(ctx)
	require.NoError(t, err)
	require.Equal(t, "run_sweep()", script.Text)
	require.Equal(t, "julia", script.Language)

	// Same text in another language is a distinct script.
	other, err := engine.CreateDataset(ctx, CreateDatasetRequest{
		Name:   "scripted-py",
		Script: &ScriptSpec{Text: "run_sweep()"},
	})
	require.NoError(t, err)
	require.NotEqual(t, ds.ScriptID, other.ScriptID)
}

func TestGetLatestDataset(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.CreateDataset(ctx, CreateDatasetRequest{Name: "sweep"})
	require.NoError(t, err)
	newest, err := engine.CreateDataset(ctx, CreateDatasetRequest{Name: "sweep"})
	require.NoError(t, err)

	latest, err := engine.GetLatestDataset(ctx, "sweep")
	require.NoError(t, err)
	require.Equal(t, newest.ID, latest.ID)

	_, err = engine.GetLatestDataset(ctx, "never")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDatasetKeys(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	ds, err := engine.CreateDataset(ctx, CreateDatasetRequest{Name: "keyed"})
	require.NoError(t, err)

	keys, err := ds.Keys(ctx)
	require.NoError(t, err)
	require.Empty(t, keys)

	err = ds.Append(ctx, types.Position{0}, map[string]types.Value{
		"voltage": types.Float(1.0),
		"current": types.Float(0.2),
	})
	require.NoError(t, err)

	keys, err = ds.Keys(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"voltage", "current"}, keys)
}

func TestDeleteDataset(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	ds, err := engine.CreateDataset(ctx, CreateDatasetRequest{
		Name:   "doomed",
		Config: json.RawMessage(`{"n": 1}`),
	})
	require.NoError(t, err)
	require.NoError(t, ds.Append(ctx, types.Position{0}, map[string]types.Value{"v": types.Float(1)}))
	require.NoError(t, ds.Flush(ctx))

	require.NoError(t, engine.DeleteDataset(ctx, ds.ID))

	_, err = engine.GetDataset(ctx, ds.ID)
	require.ErrorIs(t, err, ErrNotFound)
	err = engine.DeleteDataset(ctx, ds.ID)
	require.ErrorIs(t, err, ErrConflict)

	// Appends to the deleted dataset are refused.
	err = engine.AppendDataset(ctx, ds.ID, types.Position{1}, map[string]types.Value{"v": types.Float(2)})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDatasetTags(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	ds, err := engine.CreateDataset(ctx, CreateDatasetRequest{Name: "tagged", Tags: []string{"raw"}})
	require.NoError(t, err)
	require.Equal(t, []string{"raw"}, ds.Tags)

	require.NoError(t, engine.AddDatasetTags(ctx, ds.ID, []string{"qubit-2"}))
	require.NoError(t, engine.SetDatasetTags(ctx, ds.ID, []string{"archived"}))
	ds, err = engine.GetDataset(ctx, ds.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"archived"}, ds.Tags)
}

func TestQueryDatasets(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	a, err := engine.CreateDataset(ctx, CreateDatasetRequest{Name: "scan-a", Tags: []string{"keep"}})
	require.NoError(t, err)
	_, err = engine.CreateDataset(ctx, CreateDatasetRequest{Name: "scan-b"})
	require.NoError(t, err)

	cursor, err := engine.QueryDatasets(ctx, types.Filter{Tags: []string{"keep"}})
	require.NoError(t, err)
	defer cursor.Close()
	id, ok := cursor.Next()
	require.True(t, ok)
	require.Equal(t, a.ID, id)
	_, ok = cursor.Next()
	require.False(t, ok)

	n, err := engine.CountDatasets(ctx, types.Filter{NamePattern: "scan-*"})
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}
