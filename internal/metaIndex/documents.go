package metaIndex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

type DocumentRow struct {
	ID          int64          `db:"id"`
	Name        string         `db:"name"`
	State       string         `db:"state"`
	Version     int64          `db:"version"`
	ParentID    sql.NullInt64  `db:"parent_id"`
	PayloadHash sql.NullString `db:"payload_hash"`
	PayloadSize int64          `db:"payload_size"`
	ScriptID    sql.NullInt64  `db:"script_id"`
	Meta        sql.NullString `db:"meta"`
	CTime       int64          `db:"ctime"`
	MTime       int64          `db:"mtime"`
	ATime       int64          `db:"atime"`
}

// InsertDocumentTx inserts a document row, stamping all three timestamps,
// and returns its id. Version and parent are the caller's business; the
// index does not derive them.
func (idx *Index) InsertDocumentTx(tx *sqlx.Tx, row *DocumentRow) (int64, error) {
	ts := now()
	res, err := tx.Exec(`
		INSERT INTO documents
			(name, state, version, parent_id, payload_hash, payload_size, script_id, meta, ctime, mtime, atime)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.Name, row.State, row.Version, row.ParentID, row.PayloadHash,
		row.PayloadSize, row.ScriptID, row.Meta, ts, ts, ts)
	if err != nil {
		return 0, fmt.Errorf("insert document %q: %w", row.Name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("document id: %w", err)
	}
	row.ID = id
	row.CTime, row.MTime, row.ATime = ts, ts, ts
	return id, nil
}

func (idx *Index) GetDocument(ctx context.Context, id int64) (*DocumentRow, error) {
	var row DocumentRow
	err := idx.db.GetContext(ctx, &row, `SELECT * FROM documents WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: document %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get document %d: %w", id, err)
	}
	return &row, nil
}

// GetDocumentTx is GetDocument inside a caller's transaction.
func (idx *Index) GetDocumentTx(tx *sqlx.Tx, id int64) (*DocumentRow, error) {
	var row DocumentRow
	err := tx.Get(&row, `SELECT * FROM documents WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: document %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get document %d: %w", id, err)
	}
	return &row, nil
}

// LatestDocument returns the newest document with the given name, optionally
// restricted to a lifecycle state. Creation-time ties go to the highest id.
// The (name, ctime) index makes this a bounded scan.
func (idx *Index) LatestDocument(ctx context.Context, name, state string) (*DocumentRow, error) {
	var row DocumentRow
	var err error
	if state == "" {
		err = idx.db.GetContext(ctx, &row, `
			SELECT * FROM documents WHERE name = ?
			ORDER BY ctime DESC, id DESC LIMIT 1`, name)
	} else {
		err = idx.db.GetContext(ctx, &row, `
			SELECT * FROM documents WHERE name = ? AND state = ?
			ORDER BY ctime DESC, id DESC LIMIT 1`, name, state)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: document %q", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("latest document %q: %w", name, err)
	}
	return &row, nil
}

// DeleteDocumentTx removes the row itself. Association rows and reference
// counts are separate calls inside the same transaction.
func (idx *Index) DeleteDocumentTx(tx *sqlx.Tx, id int64) error {
	res, err := tx.Exec(`DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete document %d: %w", id, err)
	}
	return mustAffect(res, func() error {
		return fmt.Errorf("%w: document %d", ErrNotFound, id)
	})
}

// TouchDocument refreshes a document's access time. Best effort, never part
// of a caller's transaction so reads do not serialize on writers.
func (idx *Index) TouchDocument(ctx context.Context, id int64) {
	if _, err := idx.db.ExecContext(ctx, `UPDATE documents SET atime = ? WHERE id = ?`, now(), id); err != nil {
		idx.log.WithField("document", id).WithField("error", err).Debug("document atime update failed")
	}
}

// LinkDocumentDatasetTx associates a document with a dataset. Re-linking an
// existing pair is a no-op.
func (idx *Index) LinkDocumentDatasetTx(tx *sqlx.Tx, documentID, datasetID int64) error {
	_, err := tx.Exec(`
		INSERT INTO document_datasets (document_id, dataset_id) VALUES (?, ?)
		ON CONFLICT DO NOTHING`, documentID, datasetID)
	if err != nil {
		return fmt.Errorf("link document %d to dataset %d: %w", documentID, datasetID, err)
	}
	return nil
}

func (idx *Index) DocumentDatasetIDs(ctx context.Context, documentID int64) ([]int64, error) {
	var ids []int64
	err := idx.db.SelectContext(ctx, &ids, `
		SELECT dataset_id FROM document_datasets WHERE document_id = ? ORDER BY dataset_id`, documentID)
	if err != nil {
		return nil, fmt.Errorf("dataset ids for document %d: %w", documentID, err)
	}
	return ids, nil
}

func (idx *Index) DatasetDocumentIDs(ctx context.Context, datasetID int64) ([]int64, error) {
	var ids []int64
	err := idx.db.SelectContext(ctx, &ids, `
		SELECT document_id FROM document_datasets WHERE dataset_id = ? ORDER BY document_id`, datasetID)
	if err != nil {
		return nil, fmt.Errorf("document ids for dataset %d: %w", datasetID, err)
	}
	return ids, nil
}

// UnlinkDocumentDatasetsTx drops every dataset association of a document.
// The datasets themselves are untouched.
func (idx *Index) UnlinkDocumentDatasetsTx(tx *sqlx.Tx, documentID int64) error {
	if _, err := tx.Exec(`DELETE FROM document_datasets WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("unlink datasets of document %d: %w", documentID, err)
	}
	return nil
}

// UnlinkDatasetDocumentsTx drops every document association of a dataset.
func (idx *Index) UnlinkDatasetDocumentsTx(tx *sqlx.Tx, datasetID int64) error {
	if _, err := tx.Exec(`DELETE FROM document_datasets WHERE dataset_id = ?`, datasetID); err != nil {
		return fmt.Errorf("unlink documents of dataset %d: %w", datasetID, err)
	}
	return nil
}
