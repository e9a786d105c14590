package metaIndex

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/labstor/labstor/pkg/types"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := Open(filepath.Join(t.TempDir(), "index.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func mustTx(t *testing.T, idx *Index, fn func(tx *sqlx.Tx) error) {
	t.Helper()
	require.NoError(t, idx.Tx(context.Background(), fn))
}

func TestChunkRefCounting(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()
	hash := "00112233445566778899aabbccddeeff00112233"

	mustTx(t, idx, func(tx *sqlx.Tx) error {
		if err := idx.UpsertChunkTx(tx, hash, 10, 40); err != nil {
			return err
		}
		// Upserting the same hash again must not reset anything.
		if err := idx.UpsertChunkTx(tx, hash, 10, 40); err != nil {
			return err
		}
		if err := idx.IncChunkRefTx(tx, hash); err != nil {
			return err
		}
		return idx.IncChunkRefTx(tx, hash)
	})

	row, err := idx.GetChunk(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, int64(2), row.RefCount)

	mustTx(t, idx, func(tx *sqlx.Tx) error {
		if err := idx.DecChunkRefTx(tx, hash); err != nil {
			return err
		}
		return idx.DecChunkRefTx(tx, hash)
	})

	// Underflow is refused and leaves the count at zero.
	err = idx.Tx(ctx, func(tx *sqlx.Tx) error {
		return idx.DecChunkRefTx(tx, hash)
	})
	require.True(t, errors.Is(err, ErrRefUnderflow))

	row, err = idx.GetChunk(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, int64(0), row.RefCount)
}

func TestDecRefMissingChunk(t *testing.T) {
	idx := newTestIndex(t)
	err := idx.Tx(context.Background(), func(tx *sqlx.Tx) error {
		return idx.DecChunkRefTx(tx, "ffffffffffffffffffffffffffffffffffffffff")
	})
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestConfigDedup(t *testing.T) {
	idx := newTestIndex(t)
	hash := "aa112233445566778899aabbccddeeff00112233"

	var first, second int64
	var createdFirst, createdSecond bool
	mustTx(t, idx, func(tx *sqlx.Tx) error {
		if err := idx.UpsertChunkTx(tx, hash, 20, 64); err != nil {
			return err
		}
		var err error
		first, createdFirst, err = idx.GetOrCreateConfigTx(tx, hash, 20)
		if err != nil {
			return err
		}
		second, createdSecond, err = idx.GetOrCreateConfigTx(tx, hash, 20)
		return err
	})

	require.True(t, createdFirst)
	require.False(t, createdSecond)
	require.Equal(t, first, second)
}

func TestScriptLanguageDiscriminates(t *testing.T) {
	idx := newTestIndex(t)
	hash := "bb112233445566778899aabbccddeeff00112233"

	var python, julia int64
	mustTx(t, idx, func(tx *sqlx.Tx) error {
		if err := idx.UpsertChunkTx(tx, hash, 30, 90); err != nil {
			return err
		}
		var err error
		python, _, err = idx.GetOrCreateScriptTx(tx, hash, 30, "")
		if err != nil {
			return err
		}
		julia, _, err = idx.GetOrCreateScriptTx(tx, hash, 30, "julia")
		return err
	})
	require.NotEqual(t, python, julia)

	row, err := idx.GetScript(context.Background(), python)
	require.NoError(t, err)
	require.Equal(t, "python", row.Language)
}

func insertDoc(t *testing.T, idx *Index, name, state string) int64 {
	t.Helper()
	var id int64
	mustTx(t, idx, func(tx *sqlx.Tx) error {
		var err error
		id, err = idx.InsertDocumentTx(tx, &DocumentRow{Name: name, State: state, Version: 1})
		return err
	})
	// ctime has nanosecond resolution; spread the rows out anyway so the
	// latest-by-name ordering is unambiguous.
	time.Sleep(2 * time.Millisecond)
	return id
}

func TestLatestDocument(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	insertDoc(t, idx, "calibration", "ok")
	insertDoc(t, idx, "other", "ok")
	second := insertDoc(t, idx, "calibration", "error")
	third := insertDoc(t, idx, "calibration", "ok")

	row, err := idx.LatestDocument(ctx, "calibration", "")
	require.NoError(t, err)
	require.Equal(t, third, row.ID)

	row, err = idx.LatestDocument(ctx, "calibration", "error")
	require.NoError(t, err)
	require.Equal(t, second, row.ID)

	_, err = idx.LatestDocument(ctx, "missing", "")
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestQueryFilters(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	a := insertDoc(t, idx, "sweep-01", "ok")
	b := insertDoc(t, idx, "sweep-02", "ok")
	c := insertDoc(t, idx, "fit-01", "error")

	mustTx(t, idx, func(tx *sqlx.Tx) error {
		if err := idx.AddTagsTx(tx, "document", a, []string{"qubit-1", "raw"}); err != nil {
			return err
		}
		return idx.AddTagsTx(tx, "document", b, []string{"qubit-1"})
	})

	collect := func(f types.Filter) []int64 {
		cursor, err := idx.Query(ctx, KindDocument, f)
		require.NoError(t, err)
		defer cursor.Close()
		var ids []int64
		for {
			id, ok := cursor.Next()
			if !ok {
				break
			}
			ids = append(ids, id)
		}
		require.NoError(t, cursor.Err())
		return ids
	}

	// Default order is creation time descending.
	require.Equal(t, []int64{c, b, a}, collect(types.Filter{}))
	require.Equal(t, []int64{b, a}, collect(types.Filter{NamePattern: "sweep-*"}))
	require.Equal(t, []int64{c}, collect(types.Filter{State: "error"}))
	require.Equal(t, []int64{b, a}, collect(types.Filter{Tags: []string{"qubit-1"}}))
	// All requested tags must be present.
	require.Equal(t, []int64{a}, collect(types.Filter{Tags: []string{"qubit-1", "raw"}}))
	require.Equal(t, []int64{b}, collect(types.Filter{Offset: 1, Limit: 1}))

	n, err := idx.Count(ctx, KindDocument, types.Filter{NamePattern: "sweep-*"})
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	// Count ignores pagination.
	n, err = idx.Count(ctx, KindDocument, types.Filter{Limit: 1})
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
}

func TestQueryTimeRange(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	a := insertDoc(t, idx, "early", "ok")
	rowA, err := idx.GetDocument(ctx, a)
	require.NoError(t, err)

	b := insertDoc(t, idx, "late", "ok")

	cursor, err := idx.Query(ctx, KindDocument, types.Filter{After: rowA.CTime + 1})
	require.NoError(t, err)
	defer cursor.Close()
	id, ok := cursor.Next()
	require.True(t, ok)
	require.Equal(t, b, id)
	_, ok = cursor.Next()
	require.False(t, ok)
	require.NoError(t, cursor.Err())
}

func TestTagRoundTrip(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()
	id := insertDoc(t, idx, "tagged", "ok")

	mustTx(t, idx, func(tx *sqlx.Tx) error {
		return idx.AddTagsTx(tx, "document", id, []string{"b", "a", "b"})
	})
	tags, err := idx.EntityTags(ctx, "document", id)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, tags)

	mustTx(t, idx, func(tx *sqlx.Tx) error {
		return idx.RemoveTagsTx(tx, "document", id, []string{"a", "unknown"})
	})
	tags, err = idx.EntityTags(ctx, "document", id)
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, tags)
}

func TestTransactionRollsBack(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	sentinel := errors.New("boom")
	err := idx.Tx(ctx, func(tx *sqlx.Tx) error {
		if _, err := idx.InsertDocumentTx(tx, &DocumentRow{Name: "ghost", State: "ok", Version: 1}); err != nil {
			return err
		}
		return sentinel
	})
	require.True(t, errors.Is(err, sentinel))

	n, err := idx.Count(ctx, KindDocument, types.Filter{Name: "ghost"})
	require.NoError(t, err)
	require.Zero(t, n)
}
