package metaIndex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

type DatasetRow struct {
	ID          int64          `db:"id"`
	Name        string         `db:"name"`
	Description sql.NullString `db:"description"`
	ConfigID    sql.NullInt64  `db:"config_id"`
	ScriptID    sql.NullInt64  `db:"script_id"`
	CTime       int64          `db:"ctime"`
	MTime       int64          `db:"mtime"`
	ATime       int64          `db:"atime"`
}

func (idx *Index) InsertDatasetTx(tx *sqlx.Tx, row *DatasetRow) (int64, error) {
	ts := now()
	res, err := tx.Exec(`
		INSERT INTO datasets (name, description, config_id, script_id, ctime, mtime, atime)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		row.Name, row.Description, row.ConfigID, row.ScriptID, ts, ts, ts)
	if err != nil {
		return 0, fmt.Errorf("insert dataset %q: %w", row.Name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("dataset id: %w", err)
	}
	row.ID = id
	row.CTime, row.MTime, row.ATime = ts, ts, ts
	return id, nil
}

func (idx *Index) GetDataset(ctx context.Context, id int64) (*DatasetRow, error) {
	var row DatasetRow
	err := idx.db.GetContext(ctx, &row, `SELECT * FROM datasets WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: dataset %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get dataset %d: %w", id, err)
	}
	return &row, nil
}

func (idx *Index) GetDatasetTx(tx *sqlx.Tx, id int64) (*DatasetRow, error) {
	var row DatasetRow
	err := tx.Get(&row, `SELECT * FROM datasets WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: dataset %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get dataset %d: %w", id, err)
	}
	return &row, nil
}

// LatestDataset is the dataset counterpart of LatestDocument.
func (idx *Index) LatestDataset(ctx context.Context, name string) (*DatasetRow, error) {
	var row DatasetRow
	err := idx.db.GetContext(ctx, &row, `
		SELECT * FROM datasets WHERE name = ?
		ORDER BY ctime DESC, id DESC LIMIT 1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: dataset %q", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("latest dataset %q: %w", name, err)
	}
	return &row, nil
}

func (idx *Index) DeleteDatasetTx(tx *sqlx.Tx, id int64) error {
	res, err := tx.Exec(`DELETE FROM datasets WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete dataset %d: %w", id, err)
	}
	return mustAffect(res, func() error {
		return fmt.Errorf("%w: dataset %d", ErrNotFound, id)
	})
}

// MarkDatasetModifiedTx bumps mtime after an append or flush.
func (idx *Index) MarkDatasetModifiedTx(tx *sqlx.Tx, id int64) error {
	if _, err := tx.Exec(`UPDATE datasets SET mtime = ? WHERE id = ?`, now(), id); err != nil {
		return fmt.Errorf("mark dataset %d modified: %w", id, err)
	}
	return nil
}

func (idx *Index) TouchDataset(ctx context.Context, id int64) {
	if _, err := idx.db.ExecContext(ctx, `UPDATE datasets SET atime = ? WHERE id = ?`, now(), id); err != nil {
		idx.log.WithField("dataset", id).WithField("error", err).Debug("dataset atime update failed")
	}
}
