package client

import (
	"context"
	"encoding/json"

	"github.com/labstor/labstor"
	"github.com/labstor/labstor/pkg/types"
)

func (r *Remote) CreateDocument(ctx context.Context, req labstor.CreateDocumentRequest) (*labstor.Document, error) {
	var info types.DocumentInfo
	if err := r.call(ctx, "document.create", req, &info); err != nil {
		return nil, err
	}
	return labstor.BindDocument(r, info), nil
}

func (r *Remote) GetDocument(ctx context.Context, id int64) (*labstor.Document, error) {
	var info types.DocumentInfo
	if err := r.call(ctx, "document.get", types.IDArgs{ID: id}, &info); err != nil {
		return nil, err
	}
	return labstor.BindDocument(r, info), nil
}

func (r *Remote) GetDocumentData(ctx context.Context, id int64) ([]byte, error) {
	var data []byte
	if err := r.call(ctx, "document.get_data", types.IDArgs{ID: id}, &data); err != nil {
		return nil, err
	}
	return data, nil
}

func (r *Remote) GetLatestDocument(ctx context.Context, name, state string) (*labstor.Document, error) {
	var info types.DocumentInfo
	if err := r.call(ctx, "document.get_latest", types.LatestArgs{Name: name, State: state}, &info); err != nil {
		return nil, err
	}
	return labstor.BindDocument(r, info), nil
}

func (r *Remote) QueryDocuments(ctx context.Context, f types.Filter) (labstor.Cursor, error) {
	return r.newCursor(ctx, "document.query", f), nil
}

func (r *Remote) CountDocuments(ctx context.Context, f types.Filter) (int64, error) {
	var n int64
	if err := r.call(ctx, "document.count", f, &n); err != nil {
		return 0, err
	}
	return n, nil
}

func (r *Remote) DeleteDocument(ctx context.Context, id int64) error {
	return r.call(ctx, "document.delete", types.IDArgs{ID: id}, nil)
}

func (r *Remote) AddDocumentTags(ctx context.Context, id int64, tags []string) error {
	return r.call(ctx, "document.add_tags", types.TagArgs{ID: id, Tags: tags}, nil)
}

func (r *Remote) RemoveDocumentTags(ctx context.Context, id int64, tags []string) error {
	return r.call(ctx, "document.remove_tags", types.TagArgs{ID: id, Tags: tags}, nil)
}

func (r *Remote) SetDocumentTags(ctx context.Context, id int64, tags []string) error {
	return r.call(ctx, "document.set_tags", types.TagArgs{ID: id, Tags: tags}, nil)
}

func (r *Remote) CreateDataset(ctx context.Context, req labstor.CreateDatasetRequest) (*labstor.Dataset, error) {
	var info types.DatasetInfo
	if err := r.call(ctx, "dataset.create", req, &info); err != nil {
		return nil, err
	}
	return labstor.BindDataset(r, info), nil
}

func (r *Remote) GetDataset(ctx context.Context, id int64) (*labstor.Dataset, error) {
	var info types.DatasetInfo
	if err := r.call(ctx, "dataset.get", types.IDArgs{ID: id}, &info); err != nil {
		return nil, err
	}
	return labstor.BindDataset(r, info), nil
}

func (r *Remote) GetLatestDataset(ctx context.Context, name string) (*labstor.Dataset, error) {
	var info types.DatasetInfo
	if err := r.call(ctx, "dataset.get_latest", types.LatestArgs{Name: name}, &info); err != nil {
		return nil, err
	}
	return labstor.BindDataset(r, info), nil
}

func (r *Remote) QueryDatasets(ctx context.Context, f types.Filter) (labstor.Cursor, error) {
	return r.newCursor(ctx, "dataset.query", f), nil
}

func (r *Remote) CountDatasets(ctx context.Context, f types.Filter) (int64, error) {
	var n int64
	if err := r.call(ctx, "dataset.count", f, &n); err != nil {
		return 0, err
	}
	return n, nil
}

func (r *Remote) AppendDataset(ctx context.Context, id int64, pos types.Position, data map[string]types.Value) error {
	return r.call(ctx, "dataset.append", types.AppendArgs{DatasetID: id, Pos: pos, Data: data}, nil)
}

func (r *Remote) FlushDataset(ctx context.Context, id int64) error {
	return r.call(ctx, "dataset.flush", types.IDArgs{ID: id}, nil)
}

func (r *Remote) DeleteDataset(ctx context.Context, id int64) error {
	return r.call(ctx, "dataset.delete", types.IDArgs{ID: id}, nil)
}

func (r *Remote) DatasetKeys(ctx context.Context, id int64) ([]string, error) {
	var keys []string
	if err := r.call(ctx, "dataset.keys", types.IDArgs{ID: id}, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

func (r *Remote) AddDatasetTags(ctx context.Context, id int64, tags []string) error {
	return r.call(ctx, "dataset.add_tags", types.TagArgs{ID: id, Tags: tags}, nil)
}

func (r *Remote) RemoveDatasetTags(ctx context.Context, id int64, tags []string) error {
	return r.call(ctx, "dataset.remove_tags", types.TagArgs{ID: id, Tags: tags}, nil)
}

func (r *Remote) SetDatasetTags(ctx context.Context, id int64, tags []string) error {
	return r.call(ctx, "dataset.set_tags", types.TagArgs{ID: id, Tags: tags}, nil)
}

func (r *Remote) ArrayGetItem(ctx context.Context, datasetID int64, key string, sel []types.Slice) (*types.Dense, error) {
	var dense types.Dense
	args := types.GetItemArgs{DatasetID: datasetID, Key: key, Selection: sel}
	if err := r.call(ctx, "array.getitem", args, &dense); err != nil {
		return nil, err
	}
	return &dense, nil
}

func (r *Remote) ArrayIter(ctx context.Context, datasetID int64, key string, start, count int64) ([]types.Entry, error) {
	var entries []types.Entry
	args := types.IterArgs{DatasetID: datasetID, Key: key, Start: start, Count: count}
	if err := r.call(ctx, "array.iter", args, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *Remote) LoadConfig(ctx context.Context, id int64) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := r.call(ctx, "config.load", types.IDArgs{ID: id}, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (r *Remote) LoadScript(ctx context.Context, id int64) (*types.Script, error) {
	var script types.Script
	if err := r.call(ctx, "script.load", types.IDArgs{ID: id}, &script); err != nil {
		return nil, err
	}
	return &script, nil
}

func (r *Remote) CollectGarbage(ctx context.Context) (types.GCStats, error) {
	var stats types.GCStats
	if err := r.call(ctx, "storage.gc", nil, &stats); err != nil {
		return types.GCStats{}, err
	}
	return stats, nil
}
