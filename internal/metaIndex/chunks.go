package metaIndex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

type ChunkRow struct {
	Hash     string `db:"hash"`
	Size     int64  `db:"size"`
	RawSize  int64  `db:"raw_size"`
	RefCount int64  `db:"ref_count"`
	CTime    int64  `db:"ctime"`
	ATime    int64  `db:"atime"`
}

type ConfigRow struct {
	ID       int64  `db:"id"`
	Hash     string `db:"hash"`
	Size     int64  `db:"size"`
	RefCount int64  `db:"ref_count"`
	CTime    int64  `db:"ctime"`
	ATime    int64  `db:"atime"`
}

type ScriptRow struct {
	ID       int64  `db:"id"`
	Hash     string `db:"hash"`
	Size     int64  `db:"size"`
	Language string `db:"language"`
	RefCount int64  `db:"ref_count"`
	CTime    int64  `db:"ctime"`
	ATime    int64  `db:"atime"`
}

// UpsertChunkTx records a chunk row if the hash is new. The reference count
// starts at zero; attaching an owner is a separate increment.
func (idx *Index) UpsertChunkTx(tx *sqlx.Tx, hash string, size, rawSize int64) error {
	ts := now()
	_, err := tx.Exec(`
		INSERT INTO chunks (hash, size, raw_size, ref_count, ctime, atime)
		VALUES (?, ?, ?, 0, ?, ?)
		ON CONFLICT(hash) DO NOTHING`,
		hash, size, rawSize, ts, ts)
	if err != nil {
		return fmt.Errorf("upsert chunk %s: %w", hash, err)
	}
	return nil
}

func (idx *Index) GetChunk(ctx context.Context, hash string) (*ChunkRow, error) {
	var row ChunkRow
	err := idx.db.GetContext(ctx, &row, `SELECT * FROM chunks WHERE hash = ?`, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: chunk %s", ErrNotFound, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("get chunk %s: %w", hash, err)
	}
	return &row, nil
}

// IncChunkRefTx adds one owner to a chunk.
func (idx *Index) IncChunkRefTx(tx *sqlx.Tx, hash string) error {
	res, err := tx.Exec(`UPDATE chunks SET ref_count = ref_count + 1 WHERE hash = ?`, hash)
	if err != nil {
		return fmt.Errorf("increment chunk ref %s: %w", hash, err)
	}
	return mustAffect(res, func() error {
		return fmt.Errorf("%w: chunk %s", ErrNotFound, hash)
	})
}

// DecChunkRefTx removes one owner. Driving the count below zero is refused
// and reported as an underflow; the stored count is left untouched.
func (idx *Index) DecChunkRefTx(tx *sqlx.Tx, hash string) error {
	res, err := tx.Exec(`UPDATE chunks SET ref_count = ref_count - 1 WHERE hash = ? AND ref_count > 0`, hash)
	if err != nil {
		return fmt.Errorf("decrement chunk ref %s: %w", hash, err)
	}
	return mustAffect(res, func() error {
		var n int
		if err := tx.Get(&n, `SELECT COUNT(*) FROM chunks WHERE hash = ?`, hash); err != nil {
			return fmt.Errorf("decrement chunk ref %s: %w", hash, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: chunk %s", ErrNotFound, hash)
		}
		return fmt.Errorf("%w: chunk %s", ErrRefUnderflow, hash)
	})
}

// GetChunkTx is GetChunk inside a caller's transaction.
func (idx *Index) GetChunkTx(tx *sqlx.Tx, hash string) (*ChunkRow, error) {
	var row ChunkRow
	err := tx.Get(&row, `SELECT * FROM chunks WHERE hash = ?`, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: chunk %s", ErrNotFound, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("get chunk %s: %w", hash, err)
	}
	return &row, nil
}

// ZeroRefChunksTx lists chunks no owner references anymore.
func (idx *Index) ZeroRefChunksTx(tx *sqlx.Tx) ([]ChunkRow, error) {
	var rows []ChunkRow
	if err := tx.Select(&rows, `SELECT * FROM chunks WHERE ref_count = 0`); err != nil {
		return nil, fmt.Errorf("list dead chunks: %w", err)
	}
	return rows, nil
}

// ChunkHashes lists every chunk hash the index has a row for.
func (idx *Index) ChunkHashes(ctx context.Context) ([]string, error) {
	var hashes []string
	if err := idx.db.SelectContext(ctx, &hashes, `SELECT hash FROM chunks`); err != nil {
		return nil, fmt.Errorf("list chunk hashes: %w", err)
	}
	return hashes, nil
}

func (idx *Index) DeleteChunkTx(tx *sqlx.Tx, hash string) error {
	if _, err := tx.Exec(`DELETE FROM chunks WHERE hash = ?`, hash); err != nil {
		return fmt.Errorf("delete chunk row %s: %w", hash, err)
	}
	return nil
}

// TouchChunk refreshes a chunk's access time. Best effort, outside any
// caller transaction.
func (idx *Index) TouchChunk(ctx context.Context, hash string) {
	if _, err := idx.db.ExecContext(ctx, `UPDATE chunks SET atime = ? WHERE hash = ?`, now(), hash); err != nil {
		idx.log.WithField("hash", hash).WithField("error", err).Debug("chunk atime update failed")
	}
}

// GetOrCreateConfigTx resolves canonical config content to its dedup row,
// creating the row on first sight. The caller still owns the reference
// count increment for the attachment.
func (idx *Index) GetOrCreateConfigTx(tx *sqlx.Tx, hash string, size int64) (int64, bool, error) {
	var id int64
	err := tx.Get(&id, `SELECT id FROM configs WHERE hash = ?`, hash)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, fmt.Errorf("lookup config %s: %w", hash, err)
	}
	ts := now()
	res, err := tx.Exec(`
		INSERT INTO configs (hash, size, ref_count, ctime, atime)
		VALUES (?, ?, 0, ?, ?)`,
		hash, size, ts, ts)
	if err != nil {
		return 0, false, fmt.Errorf("insert config %s: %w", hash, err)
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("config id: %w", err)
	}
	return id, true, nil
}

func (idx *Index) GetConfig(ctx context.Context, id int64) (*ConfigRow, error) {
	var row ConfigRow
	err := idx.db.GetContext(ctx, &row, `SELECT * FROM configs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: config %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get config %d: %w", id, err)
	}
	return &row, nil
}

func (idx *Index) IncConfigRefTx(tx *sqlx.Tx, id int64) error {
	res, err := tx.Exec(`UPDATE configs SET ref_count = ref_count + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("increment config ref %d: %w", id, err)
	}
	return mustAffect(res, func() error {
		return fmt.Errorf("%w: config %d", ErrNotFound, id)
	})
}

func (idx *Index) DecConfigRefTx(tx *sqlx.Tx, id int64) error {
	res, err := tx.Exec(`UPDATE configs SET ref_count = ref_count - 1 WHERE id = ? AND ref_count > 0`, id)
	if err != nil {
		return fmt.Errorf("decrement config ref %d: %w", id, err)
	}
	return mustAffect(res, func() error {
		var n int
		if err := tx.Get(&n, `SELECT COUNT(*) FROM configs WHERE id = ?`, id); err != nil {
			return fmt.Errorf("decrement config ref %d: %w", id, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: config %d", ErrNotFound, id)
		}
		return fmt.Errorf("%w: config %d", ErrRefUnderflow, id)
	})
}

// ZeroRefConfigsTx lists config rows with no attachments left.
func (idx *Index) ZeroRefConfigsTx(tx *sqlx.Tx) ([]ConfigRow, error) {
	var rows []ConfigRow
	if err := tx.Select(&rows, `SELECT * FROM configs WHERE ref_count = 0`); err != nil {
		return nil, fmt.Errorf("list dead configs: %w", err)
	}
	return rows, nil
}

func (idx *Index) DeleteConfigTx(tx *sqlx.Tx, id int64) error {
	if _, err := tx.Exec(`DELETE FROM configs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete config row %d: %w", id, err)
	}
	return nil
}

// GetOrCreateScriptTx is the script counterpart of GetOrCreateConfigTx.
// Identical text in a different language is a different row.
func (idx *Index) GetOrCreateScriptTx(tx *sqlx.Tx, hash string, size int64, language string) (int64, bool, error) {
	if language == "" {
		language = "python"
	}
	var id int64
	err := tx.Get(&id, `SELECT id FROM scripts WHERE hash = ? AND language = ?`, hash, language)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, fmt.Errorf("lookup script %s: %w", hash, err)
	}
	ts := now()
	res, err := tx.Exec(`
		INSERT INTO scripts (hash, size, language, ref_count, ctime, atime)
		VALUES (?, ?, ?, 0, ?, ?)`,
		hash, size, language, ts, ts)
	if err != nil {
		return 0, false, fmt.Errorf("insert script %s: %w", hash, err)
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("script id: %w", err)
	}
	return id, true, nil
}

func (idx *Index) GetScript(ctx context.Context, id int64) (*ScriptRow, error) {
	var row ScriptRow
	err := idx.db.GetContext(ctx, &row, `SELECT * FROM scripts WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: script %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get script %d: %w", id, err)
	}
	return &row, nil
}

func (idx *Index) IncScriptRefTx(tx *sqlx.Tx, id int64) error {
	res, err := tx.Exec(`UPDATE scripts SET ref_count = ref_count + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("increment script ref %d: %w", id, err)
	}
	return mustAffect(res, func() error {
		return fmt.Errorf("%w: script %d", ErrNotFound, id)
	})
}

func (idx *Index) DecScriptRefTx(tx *sqlx.Tx, id int64) error {
	res, err := tx.Exec(`UPDATE scripts SET ref_count = ref_count - 1 WHERE id = ? AND ref_count > 0`, id)
	if err != nil {
		return fmt.Errorf("decrement script ref %d: %w", id, err)
	}
	return mustAffect(res, func() error {
		var n int
		if err := tx.Get(&n, `SELECT COUNT(*) FROM scripts WHERE id = ?`, id); err != nil {
			return fmt.Errorf("decrement script ref %d: %w", id, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: script %d", ErrNotFound, id)
		}
		return fmt.Errorf("%w: script %d", ErrRefUnderflow, id)
	})
}

func (idx *Index) ZeroRefScriptsTx(tx *sqlx.Tx) ([]ScriptRow, error) {
	var rows []ScriptRow
	if err := tx.Select(&rows, `SELECT * FROM scripts WHERE ref_count = 0`); err != nil {
		return nil, fmt.Errorf("list dead scripts: %w", err)
	}
	return rows, nil
}

func (idx *Index) DeleteScriptTx(tx *sqlx.Tx, id int64) error {
	if _, err := tx.Exec(`DELETE FROM scripts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete script row %d: %w", id, err)
	}
	return nil
}

// mustAffect turns a zero-row UPDATE into the error built by miss.
func mustAffect(res sql.Result, miss func() error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return miss()
	}
	return nil
}
