package labstor

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/labstor/labstor/internal/chunkStore"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := Open(Config{Path: t.TempDir(), Logger: testLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	return engine
}

func TestOpenLocksBaseDirectory(t *testing.T) {
	dir := t.TempDir()
	first, err := Open(Config{Path: dir, Logger: testLogger()})
	require.NoError(t, err)
	defer first.Close()

	_, err = Open(Config{Path: dir, Logger: testLogger()})
	require.ErrorIs(t, err, ErrConflict)
}

func TestReopenAfterClose(t *testing.T) {
	dir := t.TempDir()
	engine, err := Open(Config{Path: dir, Logger: testLogger()})
	require.NoError(t, err)
	require.NoError(t, engine.Close())

	engine, err = Open(Config{Path: dir, Logger: testLogger()})
	require.NoError(t, err)
	require.NoError(t, engine.Close())
}

func TestGarbageCollectionReclaimsOnlyUnreferenced(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()
	config := json.RawMessage(`{"freq": 5e9}`)

	first, err := engine.CreateDataset(ctx, CreateDatasetRequest{Name: "run-1", Config: config})
	require.NoError(t, err)
	second, err := engine.CreateDataset(ctx, CreateDatasetRequest{Name: "run-2", Config: config})
	require.NoError(t, err)
	// Identical configs dedup to one stored blob.
	require.Equal(t, first.ConfigID, second.ConfigID)

	// Nothing is unreferenced yet.
	stats, err := engine.CollectGarbage(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.Configs)
	require.Zero(t, stats.Chunks)

	// One owner left: the config must survive.
	require.NoError(t, engine.DeleteDataset(ctx, first.ID))
	stats, err = engine.CollectGarbage(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.Configs)

	raw, err := engine.LoadConfig(ctx, second.ConfigID)
	require.NoError(t, err)
	require.JSONEq(t, `{"freq": 5e9}`, string(raw))

	// Last owner gone: the config row and its chunk go together.
	require.NoError(t, engine.DeleteDataset(ctx, second.ID))
	stats, err = engine.CollectGarbage(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Configs)
	require.Equal(t, int64(1), stats.Chunks)
	require.Greater(t, stats.BytesReclaimed, int64(0))

	_, err = engine.LoadConfig(ctx, second.ConfigID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteNeverReclaimsImplicitly(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	doc, err := engine.CreateDocument(ctx, CreateDocumentRequest{
		Name: "analysis",
		Data: []byte(`{"result": 42}`),
	})
	require.NoError(t, err)
	hash := doc.PayloadHash
	require.NotEmpty(t, hash)

	require.NoError(t, engine.DeleteDocument(ctx, doc.ID))

	// The chunk row is at zero references but its bytes are still on disk
	// until an explicit collection pass.
	stats, err := engine.CollectGarbage(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Chunks)
}

func TestConcurrentCreateDuringGC(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()
	payload := []byte(`{"fringe": [1, 2, 3]}`)

	for i := 0; i < 25; i++ {
		doc, err := engine.CreateDocument(ctx, CreateDocumentRequest{Name: "transient", Data: payload})
		require.NoError(t, err)
		require.NoError(t, engine.DeleteDocument(ctx, doc.ID))

		// The chunk sits at reference count zero with its file on disk. A
		// create of identical content racing the collector must either dedup
		// against a file that survives or write a fresh one; its bytes must
		// never be unlinked out from under it.
		var wg sync.WaitGroup
		var gcErr, createErr error
		var revived *Document
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, gcErr = engine.CollectGarbage(ctx)
		}()
		go func() {
			defer wg.Done()
			revived, createErr = engine.CreateDocument(ctx, CreateDocumentRequest{Name: "revived", Data: payload})
		}()
		wg.Wait()
		require.NoError(t, gcErr)
		require.NoError(t, createErr)

		data, err := engine.GetDocumentData(ctx, revived.ID)
		require.NoError(t, err)
		require.Equal(t, payload, data)
		require.NoError(t, engine.DeleteDocument(ctx, revived.ID))
	}
}

func TestGCSweepsOrphanFiles(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()
	payload := []byte(`{"rolled": "back"}`)

	// A bad dataset link rolls the whole create back after the payload chunk
	// file was already written: a file on disk with no row owning it.
	_, err := engine.CreateDocument(ctx, CreateDocumentRequest{
		Name:       "broken",
		Data:       payload,
		DatasetIDs: []int64{9999},
	})
	require.ErrorIs(t, err, ErrNotFound)

	compressed, err := chunkStore.Compress(payload)
	require.NoError(t, err)
	hash := chunkStore.HashOf(compressed)
	require.True(t, engine.chunks.Has(hash))

	stats, err := engine.CollectGarbage(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Chunks)
	require.Greater(t, stats.BytesReclaimed, int64(0))
	require.False(t, engine.chunks.Has(hash))
}

func TestCounts(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.CreateDocument(ctx, CreateDocumentRequest{Name: "doc", Data: []byte("x")})
	require.NoError(t, err)
	_, err = engine.CreateDataset(ctx, CreateDatasetRequest{Name: "ds", Config: json.RawMessage(`{}`)})
	require.NoError(t, err)

	counts, err := engine.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), counts.Documents)
	require.Equal(t, int64(1), counts.Datasets)
	require.Equal(t, int64(1), counts.Configs)
	require.Equal(t, int64(2), counts.Chunks)
}

func TestEngineIsLocal(t *testing.T) {
	engine := newTestEngine(t)
	require.False(t, engine.IsRemote())
}
