// Package metaIndex owns every relational row of the engine: documents,
// datasets, arrays, configs, scripts, tags, their associations and the
// chunk reference counts. All multi-step mutations run inside transactions
// handed out by Tx.
package metaIndex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotFound means no row matched the id or name.
	ErrNotFound = errors.New("metaindex: not found")
	// ErrRefUnderflow means a reference count would have dropped below zero.
	ErrRefUnderflow = errors.New("metaindex: reference count underflow")
)

type Index struct {
	db  *sqlx.DB
	log *logrus.Logger
}

// Open connects to the SQLite index at path and applies the schema. WAL
// keeps readers off the writer's lock; the busy timeout covers short writer
// contention between concurrent callers.
func Open(path string, log *logrus.Logger) (*Index, error) {
	if log == nil {
		log = logrus.New()
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=1", path)
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open metadata index: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	idx := &Index{db: db, log: log}
	if err := idx.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *Index) Close() error {
	return idx.db.Close()
}

func (idx *Index) migrate(ctx context.Context) error {
	tx, err := idx.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	for _, stmt := range schemaStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	return nil
}

// Tx runs fn inside a transaction, rolling back on error or panic.
func (idx *Index) Tx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := idx.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			idx.log.WithField("error", rbErr).Warn("rollback failed")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// now returns the timestamp stored in every ctime/mtime/atime column:
// integer unix nanoseconds.
func now() int64 {
	return time.Now().UnixNano()
}

// Counts is a coarse row census used by the info command and tests.
type Counts struct {
	Documents  int64 `db:"documents"`
	Datasets   int64 `db:"datasets"`
	Arrays     int64 `db:"arrays"`
	Configs    int64 `db:"configs"`
	Scripts    int64 `db:"scripts"`
	Chunks     int64 `db:"chunks"`
	ChunkBytes int64 `db:"chunk_bytes"`
}

func (idx *Index) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := idx.db.GetContext(ctx, &c, `
		SELECT
			(SELECT COUNT(*) FROM documents) AS documents,
			(SELECT COUNT(*) FROM datasets) AS datasets,
			(SELECT COUNT(*) FROM arrays) AS arrays,
			(SELECT COUNT(*) FROM configs) AS configs,
			(SELECT COUNT(*) FROM scripts) AS scripts,
			(SELECT COUNT(*) FROM chunks) AS chunks,
			(SELECT COALESCE(SUM(size), 0) FROM chunks) AS chunk_bytes`)
	if err != nil {
		return Counts{}, fmt.Errorf("count rows: %w", err)
	}
	return c, nil
}
