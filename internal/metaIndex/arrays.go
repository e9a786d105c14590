package metaIndex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// ArrayRow describes one array of a dataset. Shape and bounds columns are
// JSON-encoded int64 slices; the backing location is the key prefix of the
// array's entries in the array store.
type ArrayRow struct {
	ID              int64  `db:"id"`
	DatasetID       int64  `db:"dataset_id"`
	Name            string `db:"name"`
	BackingLocation string `db:"backing_location"`
	InnerShape      string `db:"inner_shape"`
	LowerBound      string `db:"lower_bound"`
	UpperBound      string `db:"upper_bound"`
	Kind            string `db:"kind"`
}

func (idx *Index) InsertArrayTx(tx *sqlx.Tx, row *ArrayRow) (int64, error) {
	res, err := tx.Exec(`
		INSERT INTO arrays (dataset_id, name, backing_location, inner_shape, lower_bound, upper_bound, kind)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		row.DatasetID, row.Name, row.BackingLocation, row.InnerShape,
		row.LowerBound, row.UpperBound, row.Kind)
	if err != nil {
		return 0, fmt.Errorf("insert array %q for dataset %d: %w", row.Name, row.DatasetID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("array id: %w", err)
	}
	row.ID = id
	return id, nil
}

func (idx *Index) GetArrayByName(ctx context.Context, datasetID int64, name string) (*ArrayRow, error) {
	var row ArrayRow
	err := idx.db.GetContext(ctx, &row, `
		SELECT * FROM arrays WHERE dataset_id = ? AND name = ?`, datasetID, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: array %q in dataset %d", ErrNotFound, name, datasetID)
	}
	if err != nil {
		return nil, fmt.Errorf("get array %q: %w", name, err)
	}
	return &row, nil
}

func (idx *Index) GetArrayByNameTx(tx *sqlx.Tx, datasetID int64, name string) (*ArrayRow, error) {
	var row ArrayRow
	err := tx.Get(&row, `
		SELECT * FROM arrays WHERE dataset_id = ? AND name = ?`, datasetID, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: array %q in dataset %d", ErrNotFound, name, datasetID)
	}
	if err != nil {
		return nil, fmt.Errorf("get array %q: %w", name, err)
	}
	return &row, nil
}

// DatasetArrays lists a dataset's arrays in name order.
func (idx *Index) DatasetArrays(ctx context.Context, datasetID int64) ([]ArrayRow, error) {
	var rows []ArrayRow
	err := idx.db.SelectContext(ctx, &rows, `
		SELECT * FROM arrays WHERE dataset_id = ? ORDER BY name`, datasetID)
	if err != nil {
		return nil, fmt.Errorf("arrays of dataset %d: %w", datasetID, err)
	}
	return rows, nil
}

func (idx *Index) DatasetArraysTx(tx *sqlx.Tx, datasetID int64) ([]ArrayRow, error) {
	var rows []ArrayRow
	if err := tx.Select(&rows, `
		SELECT * FROM arrays WHERE dataset_id = ? ORDER BY name`, datasetID); err != nil {
		return nil, fmt.Errorf("arrays of dataset %d: %w", datasetID, err)
	}
	return rows, nil
}

// UpdateArrayBoundsTx persists a flush's bounding box. Bounds only ever
// grow, so this is written unconditionally with the caller's merged box.
func (idx *Index) UpdateArrayBoundsTx(tx *sqlx.Tx, id int64, lower, upper string) error {
	res, err := tx.Exec(`UPDATE arrays SET lower_bound = ?, upper_bound = ? WHERE id = ?`, lower, upper, id)
	if err != nil {
		return fmt.Errorf("update array %d bounds: %w", id, err)
	}
	return mustAffect(res, func() error {
		return fmt.Errorf("%w: array %d", ErrNotFound, id)
	})
}

func (idx *Index) DeleteDatasetArraysTx(tx *sqlx.Tx, datasetID int64) error {
	if _, err := tx.Exec(`DELETE FROM arrays WHERE dataset_id = ?`, datasetID); err != nil {
		return fmt.Errorf("delete arrays of dataset %d: %w", datasetID, err)
	}
	return nil
}
