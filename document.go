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

// Document is a lightweight projection of one document version. Metadata is
// loaded eagerly; payload bytes and script text are fetched lazily through
// the owning Storage handle on first access and cached for the object's
// lifetime.
type Document struct {
	types.DocumentInfo

	st Storage

	mu         sync.Mutex
	data       []byte
	dataLoaded bool
	script     *types.Script

	newData    []byte
	newDataSet bool
	newScript  *ScriptSpec
}

// BindDocument attaches a Storage handle to a document projection so its
// lazy accessors work. Used by Storage implementations; callers get bound
// documents from the API.
func BindDocument(st Storage, info types.DocumentInfo) *Document {
	return &Document{DocumentInfo: info, st: st}
}

// Data returns the payload bytes, fetching them from the chunk store on
// first call. A document without a payload reports ErrNotFound.
func (d *Document) Data(ctx context.Context) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.newDataSet {
		return d.newData, nil
	}
	if d.dataLoaded {
		return d.data, nil
	}
	data, err := d.st.GetDocumentData(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	d.data = data
	d.dataLoaded = true
	return data, nil
}

// Script returns the attached script, fetching it on first call. A document
// without a script reports ErrNotFound.
func (d *Document) Script(ctx context.Context) (*types.Script, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.script != nil {
		return d.script, nil
	}
	if d.ScriptID == 0 {
		return nil, fmt.Errorf("%w: document %d has no script", ErrNotFound, d.ID)
	}
	script, err := d.st.LoadScript(ctx, d.ScriptID)
	if err != nil {
		return nil, err
	}
	d.script = script
	return script, nil
}

// SetData stages replacement payload bytes for the next SaveAsNewVersion.
// The stored version this object projects is immutable.
func (d *Document) SetData(data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.newData = data
	d.newDataSet = true
}

// SetScript stages a replacement script for the next SaveAsNewVersion.
func (d *Document) SetScript(text, language string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.newScript = &ScriptSpec{Text: text, Language: language}
}

// SaveAsNewVersion writes the object's current in-memory state as a new
// document version with this document as its parent. The stored row this
// object projects is untouched. Unstaged payload and script are carried
// forward by reference, without re-uploading bytes.
func (d *Document) SaveAsNewVersion(ctx context.Context) (*Document, error) {
	d.mu.Lock()
	req := CreateDocumentRequest{
		Name:       d.Name,
		State:      d.State,
		Tags:       d.Tags,
		Meta:       d.Meta,
		DatasetIDs: d.DatasetIDs,
		ParentID:   d.ID,
	}
	if d.newDataSet {
		req.Data = d.newData
	} else {
		req.PayloadHash = d.PayloadHash
	}
	if d.newScript != nil {
		req.Script = d.newScript
	} else {
		req.ScriptID = d.ScriptID
	}
	d.mu.Unlock()
	return d.st.CreateDocument(ctx, req)
}

// VersionChain walks a document's parent edges from id back to the root,
// newest first. A cycle or a dangling parent reports ErrIntegrity.
func VersionChain(ctx context.Context, st Storage, id int64) ([]*Document, error) {
	var chain []*Document
	visited := make(map[int64]bool)
	for id != 0 {
		if visited[id] {
			return nil, fmt.Errorf("%w: version chain cycle at document %d", ErrIntegrity, id)
		}
		visited[id] = true
		doc, err := st.GetDocument(ctx, id)
		if err != nil {
			if len(chain) > 0 && errors.Is(err, ErrNotFound) {
				return nil, fmt.Errorf("%w: document %d has dangling parent %d",
					ErrIntegrity, chain[len(chain)-1].ID, id)
			}
			return nil, err
		}
		chain = append(chain, doc)
		id = doc.ParentID
	}
	return chain, nil
}

// CreateDocument stores one document version with its payload, script, tags
// and dataset associations in a single transaction.
func (e *Engine) CreateDocument(ctx context.Context, req CreateDocumentRequest) (*Document, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("document has no name")
	}
	if req.State == "" {
		req.State = StateUnknown
	}
	if !validState(req.State) {
		return nil, fmt.Errorf("invalid document state %q", req.State)
	}
	if req.Script != nil && req.ScriptID != 0 {
		return nil, fmt.Errorf("document names both script content and a script id")
	}

	var id int64
	// Chunk attachment may not interleave with the collector's unlink phase.
	e.gcMu.RLock()
	err := e.index.Tx(ctx, func(tx *sqlx.Tx) error {
		row := metaIndex.DocumentRow{
			Name:    req.Name,
			State:   req.State,
			Version: 1,
		}
		if req.ParentID != 0 {
			parent, err := e.index.GetDocumentTx(tx, req.ParentID)
			if err != nil {
				return err
			}
			row.ParentID = sql.NullInt64{Int64: parent.ID, Valid: true}
			row.Version = parent.Version + 1
		}

		switch {
		case len(req.Data) > 0:
			hash, size, err := e.putChunkTx(tx, req.Data)
			if err != nil {
				return err
			}
			if err := e.index.IncChunkRefTx(tx, hash); err != nil {
				return err
			}
			row.PayloadHash = sql.NullString{String: hash, Valid: true}
			row.PayloadSize = size
		case req.PayloadHash != "":
			chunk, err := e.index.GetChunkTx(tx, req.PayloadHash)
			if err != nil {
				return err
			}
			if err := e.index.IncChunkRefTx(tx, chunk.Hash); err != nil {
				return err
			}
			row.PayloadHash = sql.NullString{String: chunk.Hash, Valid: true}
			row.PayloadSize = chunk.Size
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

		if req.Meta != nil {
			meta, err := json.Marshal(req.Meta)
			if err != nil {
				return fmt.Errorf("encode document meta: %w", err)
			}
			row.Meta = sql.NullString{String: string(meta), Valid: true}
		}

		docID, err := e.index.InsertDocumentTx(tx, &row)
		if err != nil {
			return err
		}
		if len(req.Tags) > 0 {
			if err := e.index.AddTagsTx(tx, "document", docID, req.Tags); err != nil {
				return err
			}
		}
		for _, datasetID := range req.DatasetIDs {
			if _, err := e.index.GetDatasetTx(tx, datasetID); err != nil {
				return err
			}
			if err := e.index.LinkDocumentDatasetTx(tx, docID, datasetID); err != nil {
				return err
			}
		}
		id = docID
		return nil
	})
	e.gcMu.RUnlock()
	if err != nil {
		return nil, e.mapErr(err)
	}
	e.log.WithFields(logrus.Fields{
		"document": id,
		"name":     req.Name,
	}).Debug("document created")
	return e.GetDocument(ctx, id)
}

// GetDocument loads a document's metadata. Payload and script stay lazy.
func (e *Engine) GetDocument(ctx context.Context, id int64) (*Document, error) {
	row, err := e.index.GetDocument(ctx, id)
	if err != nil {
		return nil, e.mapErr(err)
	}
	info, err := e.documentInfo(ctx, row)
	if err != nil {
		return nil, err
	}
	e.index.TouchDocument(ctx, id)
	return BindDocument(e, info), nil
}

func (e *Engine) documentInfo(ctx context.Context, row *metaIndex.DocumentRow) (types.DocumentInfo, error) {
	info := types.DocumentInfo{
		ID:          row.ID,
		Name:        row.Name,
		State:       row.State,
		Version:     row.Version,
		ParentID:    row.ParentID.Int64,
		PayloadHash: row.PayloadHash.String,
		PayloadSize: row.PayloadSize,
		ScriptID:    row.ScriptID.Int64,
		CTime:       row.CTime,
		MTime:       row.MTime,
		ATime:       row.ATime,
	}
	if row.Meta.Valid {
		if err := json.Unmarshal([]byte(row.Meta.String), &info.Meta); err != nil {
			return info, fmt.Errorf("decode meta of document %d: %w", row.ID, err)
		}
	}
	tags, err := e.index.EntityTags(ctx, "document", row.ID)
	if err != nil {
		return info, e.mapErr(err)
	}
	info.Tags = tags
	datasetIDs, err := e.index.DocumentDatasetIDs(ctx, row.ID)
	if err != nil {
		return info, e.mapErr(err)
	}
	info.DatasetIDs = datasetIDs
	return info, nil
}

// GetDocumentData fetches a document's payload bytes by its stored hash.
func (e *Engine) GetDocumentData(ctx context.Context, id int64) ([]byte, error) {
	row, err := e.index.GetDocument(ctx, id)
	if err != nil {
		return nil, e.mapErr(err)
	}
	if !row.PayloadHash.Valid {
		return nil, fmt.Errorf("%w: document %d has no payload", ErrNotFound, id)
	}
	return e.getChunk(ctx, row.PayloadHash.String)
}

// GetLatestDocument returns the newest document with the given name,
// optionally restricted to a state. Ties on creation time go to the highest
// id.
func (e *Engine) GetLatestDocument(ctx context.Context, name, state string) (*Document, error) {
	row, err := e.index.LatestDocument(ctx, name, state)
	if err != nil {
		return nil, e.mapErr(err)
	}
	return e.GetDocument(ctx, row.ID)
}

func (e *Engine) QueryDocuments(ctx context.Context, f types.Filter) (Cursor, error) {
	cursor, err := e.index.Query(ctx, metaIndex.KindDocument, f)
	if err != nil {
		return nil, e.mapErr(err)
	}
	return cursor, nil
}

func (e *Engine) CountDocuments(ctx context.Context, f types.Filter) (int64, error) {
	n, err := e.index.Count(ctx, metaIndex.KindDocument, f)
	return n, e.mapErr(err)
}

// DeleteDocument releases the document's payload and script references and
// removes its row and associations. Chunk bytes stay on disk until
// CollectGarbage. Deleting an already deleted document is a conflict.
func (e *Engine) DeleteDocument(ctx context.Context, id int64) error {
	err := e.index.Tx(ctx, func(tx *sqlx.Tx) error {
		row, err := e.index.GetDocumentTx(tx, id)
		if err != nil {
			if errors.Is(err, metaIndex.ErrNotFound) {
				return fmt.Errorf("%w: document %d is already deleted", ErrConflict, id)
			}
			return err
		}
		if row.PayloadHash.Valid {
			if err := e.index.DecChunkRefTx(tx, row.PayloadHash.String); err != nil {
				return err
			}
		}
		if row.ScriptID.Valid {
			if err := e.index.DecScriptRefTx(tx, row.ScriptID.Int64); err != nil {
				return err
			}
		}
		if err := e.index.ClearTagsTx(tx, "document", id); err != nil {
			return err
		}
		if err := e.index.UnlinkDocumentDatasetsTx(tx, id); err != nil {
			return err
		}
		return e.index.DeleteDocumentTx(tx, id)
	})
	return e.mapErr(err)
}

func (e *Engine) AddDocumentTags(ctx context.Context, id int64, tags []string) error {
	return e.mapErr(e.index.Tx(ctx, func(tx *sqlx.Tx) error {
		if _, err := e.index.GetDocumentTx(tx, id); err != nil {
			return err
		}
		return e.index.AddTagsTx(tx, "document", id, tags)
	}))
}

func (e *Engine) RemoveDocumentTags(ctx context.Context, id int64, tags []string) error {
	return e.mapErr(e.index.Tx(ctx, func(tx *sqlx.Tx) error {
		if _, err := e.index.GetDocumentTx(tx, id); err != nil {
			return err
		}
		return e.index.RemoveTagsTx(tx, "document", id, tags)
	}))
}

func (e *Engine) SetDocumentTags(ctx context.Context, id int64, tags []string) error {
	return e.mapErr(e.index.Tx(ctx, func(tx *sqlx.Tx) error {
		if _, err := e.index.GetDocumentTx(tx, id); err != nil {
			return err
		}
		if err := e.index.ClearTagsTx(tx, "document", id); err != nil {
			return err
		}
		return e.index.AddTagsTx(tx, "document", id, tags)
	}))
}
