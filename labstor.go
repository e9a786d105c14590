// Package labstor is a content-addressed storage engine for scientific
// experiment artifacts: immutable versioned documents and append-only
// multi-dimensional datasets, with deduplicated config and script blobs.
//
// The Storage interface is the capability set. Open gives the local engine;
// pkg/client gives a remote one with identical behavior over the RPC server
// in apiServer.
package labstor

import (
	"context"
	"encoding/json"

	"github.com/labstor/labstor/pkg/types"
)

// Document lifecycle states.
const (
	StateOK      = "ok"
	StateError   = "error"
	StateWarning = "warning"
	StateUnknown = "unknown"
)

func validState(s string) bool {
	switch s {
	case StateOK, StateError, StateWarning, StateUnknown:
		return true
	}
	return false
}

// Cursor is a lazy, forward-only sequence of entity ids produced by a
// query. It is not restartable after exhaustion.
type Cursor interface {
	Next() (int64, bool)
	Err() error
	Close() error
}

// ScriptSpec is new script content to attach: identical text in the same
// language always dedups to the same stored script.
type ScriptSpec struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

// CreateDocumentRequest creates one document version. Exactly one of Data
// and PayloadHash supplies the payload (both empty means no payload); at
// most one of Script and ScriptID attaches a script. A non-zero ParentID
// makes this a new version of an existing document.
type CreateDocumentRequest struct {
	Name        string                 `json:"name"`
	Data        []byte                 `json:"data,omitempty"`
	PayloadHash string                 `json:"payload_hash,omitempty"`
	State       string                 `json:"state,omitempty"`
	Tags        []string               `json:"tags,omitempty"`
	Meta        map[string]interface{} `json:"meta,omitempty"`
	Script      *ScriptSpec            `json:"script,omitempty"`
	ScriptID    int64                  `json:"script_id,omitempty"`
	DatasetIDs  []int64                `json:"dataset_ids,omitempty"`
	ParentID    int64                  `json:"parent_id,omitempty"`
}

// CreateDatasetRequest creates a dataset. Config is arbitrary JSON; it is
// canonicalized (keys sorted) before hashing so semantically identical
// configs dedup.
type CreateDatasetRequest struct {
	Name        string                 `json:"name"`
	Description map[string]interface{} `json:"description,omitempty"`
	Config      json.RawMessage        `json:"config,omitempty"`
	ConfigID    int64                  `json:"config_id,omitempty"`
	Script      *ScriptSpec            `json:"script,omitempty"`
	ScriptID    int64                  `json:"script_id,omitempty"`
	Tags        []string               `json:"tags,omitempty"`
}

// Storage is the capability interface implemented by the local Engine and
// the remote client. Callers depend only on it.
type Storage interface {
	IsRemote() bool
	Close() error

	CreateDocument(ctx context.Context, req CreateDocumentRequest) (*Document, error)
	GetDocument(ctx context.Context, id int64) (*Document, error)
	GetDocumentData(ctx context.Context, id int64) ([]byte, error)
	GetLatestDocument(ctx context.Context, name, state string) (*Document, error)
	QueryDocuments(ctx context.Context, f types.Filter) (Cursor, error)
	CountDocuments(ctx context.Context, f types.Filter) (int64, error)
	DeleteDocument(ctx context.Context, id int64) error
	AddDocumentTags(ctx context.Context, id int64, tags []string) error
	RemoveDocumentTags(ctx context.Context, id int64, tags []string) error
	SetDocumentTags(ctx context.Context, id int64, tags []string) error

	CreateDataset(ctx context.Context, req CreateDatasetRequest) (*Dataset, error)
	GetDataset(ctx context.Context, id int64) (*Dataset, error)
	GetLatestDataset(ctx context.Context, name string) (*Dataset, error)
	QueryDatasets(ctx context.Context, f types.Filter) (Cursor, error)
	CountDatasets(ctx context.Context, f types.Filter) (int64, error)
	AppendDataset(ctx context.Context, id int64, pos types.Position, data map[string]types.Value) error
	FlushDataset(ctx context.Context, id int64) error
	DeleteDataset(ctx context.Context, id int64) error
	DatasetKeys(ctx context.Context, id int64) ([]string, error)
	AddDatasetTags(ctx context.Context, id int64, tags []string) error
	RemoveDatasetTags(ctx context.Context, id int64, tags []string) error
	SetDatasetTags(ctx context.Context, id int64, tags []string) error

	ArrayGetItem(ctx context.Context, datasetID int64, key string, sel []types.Slice) (*types.Dense, error)
	ArrayIter(ctx context.Context, datasetID int64, key string, start, count int64) ([]types.Entry, error)

	LoadConfig(ctx context.Context, id int64) (json.RawMessage, error)
	LoadScript(ctx context.Context, id int64) (*types.Script, error)

	CollectGarbage(ctx context.Context) (types.GCStats, error)
}
