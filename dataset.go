package labstor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/labstor/labstor/internal/metaIndex"
	"github.com/labstor/labstor/pkg/types"
)

// Dataset is a lightweight projection of a dataset row. Config content and
// script text are fetched lazily through the owning Storage handle; arrays
// are addressed by key through Array references.
type Dataset struct {
	types.DatasetInfo

	st Storage

	mu     sync.Mutex
	config json.RawMessage
	script *types.Script
}

// BindDataset attaches a Storage handle to a dataset projection.
func BindDataset(st Storage, info types.DatasetInfo) *Dataset {
	return &Dataset{DatasetInfo: info, st: st}
}

// Config returns the dataset's canonical config JSON, fetched on first call.
// A dataset without a config reports ErrNotFound.
func (ds *Dataset) Config(ctx context.Context) (json.RawMessage, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.config != nil {
		return ds.config, nil
	}
	if ds.ConfigID == 0 {
		return nil, fmt.Errorf("%w: dataset %d has no config", ErrNotFound, ds.ID)
	}
	config, err := ds.st.LoadConfig(ctx, ds.ConfigID)
	if err != nil {
		return nil, err
	}
	ds.config = config
	return config, nil
}

// Script returns the dataset's script, fetched on first call.
func (ds *Dataset) Script(ctx context.Context) (*types.Script, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.script != nil {
		return ds.script, nil
	}
	if ds.ScriptID == 0 {
		return nil, fmt.Errorf("%w: dataset %d has no script", ErrNotFound, ds.ID)
	}
	script, err := ds.st.LoadScript(ctx, ds.ScriptID)
	if err != nil {
		return nil, err
	}
	ds.script = script
	return script, nil
}

// Append routes one coordinate's values to the dataset's arrays, creating
// arrays on first sight of an unseen key.
func (ds *Dataset) Append(ctx context.Context, pos types.Position, data map[string]types.Value) error {
	return ds.st.AppendDataset(ctx, ds.ID, pos, data)
}

// Flush flushes every array's buffer to the backing store.
func (ds *Dataset) Flush(ctx context.Context) error {
	return ds.st.FlushDataset(ctx, ds.ID)
}

// Keys lists the dataset's array names.
func (ds *Dataset) Keys(ctx context.Context) ([]string, error) {
	return ds.st.DatasetKeys(ctx, ds.ID)
}

// Array returns a reference to one named array of the dataset.
func (ds *Dataset) Array(key string) *Array {
	return &Array{st: ds.st, DatasetID: ds.ID, Key: key}
}

// Array is a non-owning reference to one array: dataset id plus key plus the
// Storage handle that resolves them.
type Array struct {
	st        Storage
	DatasetID int64
	Key       string
}

// GetItem materializes the selected region as a dense array, NaN for unset
// cells. A nil selection materializes the whole bounding box.
func (a *Array) GetItem(ctx context.Context, sel []types.Slice) (*types.Dense, error) {
	return a.st.ArrayGetItem(ctx, a.DatasetID, a.Key, sel)
}

// ToArray materializes the whole bounding box.
func (a *Array) ToArray(ctx context.Context) (*types.Dense, error) {
	return a.st.ArrayGetItem(ctx, a.DatasetID, a.Key, nil)
}

// Iter reads up to count flushed entries in write order starting at start.
// count <= 0 reads to the end. Each call re-reads from storage.
func (a *Array) Iter(ctx context.Context, start, count int64) ([]types.Entry, error) {
	return a.st.ArrayIter(ctx, a.DatasetID, a.Key, start, count)
}

// CreateDataset stores a dataset row with its deduplicated config and script
// attachments in a single transaction.
func (e *Engine) CreateDataset(ctx context.Context, req CreateDatasetRequest) (*Dataset, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("dataset has no name")
	}
	if len(req.Config) > 0 && req.ConfigID != 0 {
		return nil, fmt.Errorf("dataset names both config content and a config id")
	}
	if req.Script != nil && req.ScriptID != 0 {
		return nil, fmt.Errorf("dataset names both script content and a script id")
	}

	var id int64
	// Chunk attachment may not interleave with the collector's unlink phase.
	e.gcMu.RLock()
	err := e.index.Tx(ctx, func(tx *sqlx.Tx) error {
		row := metaIndex.DatasetRow{Name: req.Name}

		switch {
		case len(req.Config) > 0:
			configID, err := e.attachConfigTx(tx, req.Config)
			if err != nil {
				return err
			}
			row.ConfigID = sql.NullInt64{Int64: configID, Valid: true}
		case req.ConfigID != 0:
			if err := e.index.IncConfigRefTx(tx, req.ConfigID); err != nil {
				return err
			}
			row.ConfigID = sql.NullInt64{Int64: req.ConfigID, Valid: true}
		}

		switch {
		case req.Script != nil:
			scriptID, err := e.attachScriptTx(tx, req.Script)
			if err != nil {
				return err
			}
			row.ScriptID = sql.NullInt64{Int64: scriptID, Valid: true}
		case req.ScriptID != 0:
			if err := e.index.IncScriptRefTx(tx, req.ScriptID); err != nil {
				return err
			}
			row.ScriptID = sql.NullInt64{Int64: req.ScriptID, Valid: true}
		}

		if req.Description != nil {
			description, err := json.Marshal(req.Description)
			if err != nil {
				return fmt.Errorf("encode dataset description: %w", err)
			}
			row.Description = sql.NullString{String: string(description), Valid: true}
		}

		datasetID, err := e.index.InsertDatasetTx(tx, &row)
		if err != nil {
			return err
		}
		if len(req.Tags) > 0 {
			if err := e.index.AddTagsTx(tx, "dataset", datasetID, req.Tags); err != nil {
				return err
			}
		}
		id = datasetID
		return nil
	})
	e.gcMu.RUnlock()
	if err != nil {
		return nil, e.mapErr(err)
	}
	e.log.WithFields(logrus.Fields{
		"dataset": id,
		"name":    req.Name,
	}).Debug("dataset created")
	return e.GetDataset(ctx, id)
}

func (e *Engine) GetDataset(ctx context.Context, id int64) (*Dataset, error) {
	row, err := e.index.GetDataset(ctx, id)
	if err != nil {
		return nil, e.mapErr(err)
	}
	info := types.DatasetInfo{
		ID:       row.ID,
		Name:     row.Name,
		ConfigID: row.ConfigID.Int64,
		ScriptID: row.ScriptID.Int64,
		CTime:    row.CTime,
		MTime:    row.MTime,
		ATime:    row.ATime,
	}
	if row.Description.Valid {
		if err := json.Unmarshal([]byte(row.Description.String), &info.Description); err != nil {
			return nil, fmt.Errorf("decode description of dataset %d: %w", id, err)
		}
	}
	tags, err := e.index.EntityTags(ctx, "dataset", id)
	if err != nil {
		return nil, e.mapErr(err)
	}
	info.Tags = tags
	documentIDs, err := e.index.DatasetDocumentIDs(ctx, id)
	if err != nil {
		return nil, e.mapErr(err)
	}
	info.DocumentIDs = documentIDs
	arrays, err := e.index.DatasetArrays(ctx, id)
	if err != nil {
		return nil, e.mapErr(err)
	}
	for _, arr := range arrays {
		info.ArrayKeys = append(info.ArrayKeys, arr.Name)
	}
	e.index.TouchDataset(ctx, id)
	return BindDataset(e, info), nil
}

func (e *Engine) GetLatestDataset(ctx context.Context, name string) (*Dataset, error) {
	row, err := e.index.LatestDataset(ctx, name)
	if err != nil {
		return nil, e.mapErr(err)
	}
	return e.GetDataset(ctx, row.ID)
}

func (e *Engine) QueryDatasets(ctx context.Context, f types.Filter) (Cursor, error) {
	cursor, err := e.index.Query(ctx, metaIndex.KindDataset, f)
	if err != nil {
		return nil, e.mapErr(err)
	}
	return cursor, nil
}

func (e *Engine) CountDatasets(ctx context.Context, f types.Filter) (int64, error) {
	n, err := e.index.Count(ctx, metaIndex.KindDataset, f)
	return n, e.mapErr(err)
}

// DatasetKeys lists the dataset's array names.
func (e *Engine) DatasetKeys(ctx context.Context, id int64) ([]string, error) {
	if _, err := e.index.GetDataset(ctx, id); err != nil {
		return nil, e.mapErr(err)
	}
	arrays, err := e.index.DatasetArrays(ctx, id)
	if err != nil {
		return nil, e.mapErr(err)
	}
	keys := make([]string, 0, len(arrays))
	for _, arr := range arrays {
		keys = append(keys, arr.Name)
	}
	return keys, nil
}

// DeleteDataset removes the dataset, its arrays with their backing entries,
// its associations, and releases its config and script references. Unflushed
// buffer contents are discarded with the arrays.
func (e *Engine) DeleteDataset(ctx context.Context, id int64) error {
	var arrays []metaIndex.ArrayRow
	err := e.index.Tx(ctx, func(tx *sqlx.Tx) error {
		row, err := e.index.GetDatasetTx(tx, id)
		if err != nil {
			if errors.Is(err, metaIndex.ErrNotFound) {
				return fmt.Errorf("%w: dataset %d is already deleted", ErrConflict, id)
			}
			return err
		}
		arrays, err = e.index.DatasetArraysTx(tx, id)
		if err != nil {
			return err
		}
		if row.ConfigID.Valid {
			if err := e.index.DecConfigRefTx(tx, row.ConfigID.Int64); err != nil {
				return err
			}
		}
		if row.ScriptID.Valid {
			if err := e.index.DecScriptRefTx(tx, row.ScriptID.Int64); err != nil {
				return err
			}
		}
		if err := e.index.DeleteDatasetArraysTx(tx, id); err != nil {
			return err
		}
		if err := e.index.ClearTagsTx(tx, "dataset", id); err != nil {
			return err
		}
		if err := e.index.UnlinkDatasetDocumentsTx(tx, id); err != nil {
			return err
		}
		return e.index.DeleteDatasetTx(tx, id)
	})
	if err != nil {
		return e.mapErr(err)
	}

	e.mu.Lock()
	doomed := make([]*arrayHandle, 0, len(arrays))
	for _, arr := range arrays {
		if h, ok := e.handles[arr.ID]; ok {
			doomed = append(doomed, h)
			delete(e.handles, arr.ID)
		}
	}
	e.mu.Unlock()
	// In-flight calls may still hold evicted handles; a dropped handle must
	// never write under the deleted prefix.
	for _, h := range doomed {
		h.mu.Lock()
		h.dropped = true
		h.buf = nil
		h.mu.Unlock()
	}
	for _, arr := range arrays {
		if err := e.arrays.DropPrefix(arr.BackingLocation); err != nil {
			e.log.WithFields(logrus.Fields{
				"array": arr.ID,
				"error": err,
			}).Warn("dropping array backing entries failed")
		}
	}
	return nil
}

func (e *Engine) AddDatasetTags(ctx context.Context, id int64, tags []string) error {
	return e.mapErr(e.index.Tx(ctx, func(tx *sqlx.Tx) error {
		if _, err := e.index.GetDatasetTx(tx, id); err != nil {
			return err
		}
		return e.index.AddTagsTx(tx, "dataset", id, tags)
	}))
}

func (e *Engine) RemoveDatasetTags(ctx context.Context, id int64, tags []string) error {
	return e.mapErr(e.index.Tx(ctx, func(tx *sqlx.Tx) error {
		if _, err := e.index.GetDatasetTx(tx, id); err != nil {
			return err
		}
		return e.index.RemoveTagsTx(tx, "dataset", id, tags)
	}))
}

func (e *Engine) SetDatasetTags(ctx context.Context, id int64, tags []string) error {
	return e.mapErr(e.index.Tx(ctx, func(tx *sqlx.Tx) error {
		if _, err := e.index.GetDatasetTx(tx, id); err != nil {
			return err
		}
		if err := e.index.ClearTagsTx(tx, "dataset", id); err != nil {
			return err
		}
		return e.index.AddTagsTx(tx, "dataset", id, tags)
	}))
}
