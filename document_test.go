package labstor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/labstor/labstor/pkg/types"
)

func TestCreateDocument(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	doc, err := engine.CreateDocument(ctx, CreateDocumentRequest{
		Name:  "t1-measurement",
		Data:  []byte(`{"t1_us": 85.2}`),
		State: StateOK,
		Tags:  []string{"qubit-0", "calibration"},
		Meta:  map[string]interface{}{"operator": "np"},
	})
	require.NoError(t, err)
	require.NotZero(t, doc.ID)
	require.Equal(t, "t1-measurement", doc.Name)
	require.Equal(t, StateOK, doc.State)
	require.Equal(t, int64(1), doc.Version)
	require.Zero(t, doc.ParentID)
	require.Equal(t, []string{"calibration", "qubit-0"}, doc.Tags)
	require.Equal(t, "np", doc.Meta["operator"])

	data, err := doc.Data(ctx)
	require.NoError(t, err)
	require.JSONEq(t, `{"t1_us": 85.2}`, string(data))
}

func TestCreateDocumentDefaultsAndValidation(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	doc, err := engine.CreateDocument(ctx, CreateDocumentRequest{Name: "bare"})
	require.NoError(t, err)
	require.Equal(t, StateUnknown, doc.State)

	// No payload at all: Data reports absence rather than empty bytes.
	_, err = doc.Data(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = engine.CreateDocument(ctx, CreateDocumentRequest{Name: "bad", State: "running"})
	require.Error(t, err)

	_, err = engine.CreateDocument(ctx, CreateDocumentRequest{})
	require.Error(t, err)
}

func TestDocumentScript(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	doc, err := engine.CreateDocument(ctx, CreateDocumentRequest{
		Name:   "fit",
		Script: &ScriptSpec{Text: "print('fit')"},
	})
	require.NoError(t, err)

	script, err := doc.Script(ctx)
	require.NoError(t, err)
	require.Equal(t, "print('fit')", script.Text)
	// The default script language.
	require.Equal(t, "python", script.Language)

	// Same text dedups to the same stored script.
	other, err := engine.CreateDocument(ctx, CreateDocumentRequest{
		Name:   "refit",
		Script: &ScriptSpec{Text: "print('fit')"},
	})
	require.NoError(t, err)
	require.Equal(t, doc.ScriptID, other.ScriptID)
}

func TestPayloadDedup(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()
	payload := []byte(`{"shared": true}`)

	first, err := engine.CreateDocument(ctx, CreateDocumentRequest{Name: "a", Data: payload})
	require.NoError(t, err)
	second, err := engine.CreateDocument(ctx, CreateDocumentRequest{Name: "b", Data: payload})
	require.NoError(t, err)
	require.Equal(t, first.PayloadHash, second.PayloadHash)

	counts, err := engine.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), counts.Chunks)

	// Deleting one owner must not take the shared bytes with it.
	require.NoError(t, engine.DeleteDocument(ctx, first.ID))
	_, err = engine.CollectGarbage(ctx)
	require.NoError(t, err)

	data, err := engine.GetDocumentData(ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, payload, data)
}

func TestSaveAsNewVersion(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	v1, err := engine.CreateDocument(ctx, CreateDocumentRequest{
		Name: "pulse-calibration",
		Data: []byte(`{"amp": 0.51}`),
	})
	require.NoError(t, err)

	// Nothing staged: payload is carried forward by reference.
	v2, err := v1.SaveAsNewVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), v2.Version)
	require.Equal(t, v1.ID, v2.ParentID)
	require.Equal(t, v1.PayloadHash, v2.PayloadHash)

	v2.SetData([]byte(`{"amp": 0.53}`))
	staged, err := v2.Data(ctx)
	require.NoError(t, err)
	require.JSONEq(t, `{"amp": 0.53}`, string(staged))

	v3, err := v2.SaveAsNewVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), v3.Version)
	require.NotEqual(t, v2.PayloadHash, v3.PayloadHash)

	// Stored versions are immutable; v2 still reads its own payload.
	data, err := engine.GetDocumentData(ctx, v2.ID)
	require.NoError(t, err)
	require.JSONEq(t, `{"amp": 0.51}`, string(data))

	chain, err := VersionChain(ctx, engine, v3.ID)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	require.Equal(t, v3.ID, chain[0].ID)
	require.Equal(t, v2.ID, chain[1].ID)
	require.Equal(t, v1.ID, chain[2].ID)
}

func TestDeletedParentRerootsChildren(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	v1, err := engine.CreateDocument(ctx, CreateDocumentRequest{Name: "orphaned"})
	require.NoError(t, err)
	v2, err := v1.SaveAsNewVersion(ctx)
	require.NoError(t, err)

	// Deleting a parent clears the child's parent edge instead of leaving
	// it dangling; the child keeps its version number.
	require.NoError(t, engine.DeleteDocument(ctx, v1.ID))

	chain, err := VersionChain(ctx, engine, v2.ID)
	require.NoError(t, err)
	require.Len(t, chain, 1)
	require.Equal(t, v2.ID, chain[0].ID)
	require.Zero(t, chain[0].ParentID)
	require.Equal(t, int64(2), chain[0].Version)
}

func TestGetLatestDocument(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.CreateDocument(ctx, CreateDocumentRequest{Name: "scan", State: StateOK})
	require.NoError(t, err)
	failed, err := engine.CreateDocument(ctx, CreateDocumentRequest{Name: "scan", State: StateError})
	require.NoError(t, err)
	newest, err := engine.CreateDocument(ctx, CreateDocumentRequest{Name: "scan", State: StateOK})
	require.NoError(t, err)

	latest, err := engine.GetLatestDocument(ctx, "scan", "")
	require.NoError(t, err)
	require.Equal(t, newest.ID, latest.ID)

	latest, err = engine.GetLatestDocument(ctx, "scan", StateError)
	require.NoError(t, err)
	require.Equal(t, failed.ID, latest.ID)

	_, err = engine.GetLatestDocument(ctx, "never", "")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteDocument(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	doc, err := engine.CreateDocument(ctx, CreateDocumentRequest{Name: "gone", Data: []byte("x")})
	require.NoError(t, err)
	require.NoError(t, engine.DeleteDocument(ctx, doc.ID))

	_, err = engine.GetDocument(ctx, doc.ID)
	require.ErrorIs(t, err, ErrNotFound)

	// The second delete races a mutation that already happened.
	err = engine.DeleteDocument(ctx, doc.ID)
	require.ErrorIs(t, err, ErrConflict)
}

func TestDocumentTags(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	doc, err := engine.CreateDocument(ctx, CreateDocumentRequest{Name: "tagged", Tags: []string{"raw"}})
	require.NoError(t, err)

	require.NoError(t, engine.AddDocumentTags(ctx, doc.ID, []string{"qubit-1", "raw"}))
	doc, err = engine.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"qubit-1", "raw"}, doc.Tags)

	require.NoError(t, engine.RemoveDocumentTags(ctx, doc.ID, []string{"raw"}))
	require.NoError(t, engine.SetDocumentTags(ctx, doc.ID, []string{"final"}))
	doc, err = engine.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"final"}, doc.Tags)

	err = engine.AddDocumentTags(ctx, 9999, []string{"x"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestQueryDocuments(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	var want []int64
	for i := 0; i < 5; i++ {
		doc, err := engine.CreateDocument(ctx, CreateDocumentRequest{Name: "batch", State: StateOK})
		require.NoError(t, err)
		want = append([]int64{doc.ID}, want...) // newest first
	}

	cursor, err := engine.QueryDocuments(ctx, types.Filter{Name: "batch"})
	require.NoError(t, err)
	defer cursor.Close()

	var got []int64
	for {
		id, ok := cursor.Next()
		if !ok {
			break
		}
		got = append(got, id)
	}
	require.NoError(t, cursor.Err())
	require.Equal(t, want, got)

	n, err := engine.CountDocuments(ctx, types.Filter{Name: "batch"})
	require.NoError(t, err)
	require.Equal(t, int64(5), n)
}

func TestDocumentDatasetLinks(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	ds, err := engine.CreateDataset(ctx, CreateDatasetRequest{Name: "linked"})
	require.NoError(t, err)

	doc, err := engine.CreateDocument(ctx, CreateDocumentRequest{
		Name:       "derived",
		DatasetIDs: []int64{ds.ID},
	})
	require.NoError(t, err)
	require.Equal(t, []int64{ds.ID}, doc.DatasetIDs)

	ds, err = engine.GetDataset(ctx, ds.ID)
	require.NoError(t, err)
	require.Equal(t, []int64{doc.ID}, ds.DocumentIDs)

	// Linking to a dataset that does not exist fails the whole create.
	_, err = engine.CreateDocument(ctx, CreateDocumentRequest{
		Name:       "broken",
		DatasetIDs: []int64{9999},
	})
	require.ErrorIs(t, err, ErrNotFound)
}
