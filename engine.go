package labstor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"github.com/jmoiron/sqlx"
	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"

	"github.com/labstor/labstor/pkg/types"

	"github.com/labstor/labstor/internal/arrayStore"
	"github.com/labstor/labstor/internal/chunkStore"
	"github.com/labstor/labstor/internal/metaIndex"
	"github.com/labstor/labstor/internal/workerPool"
)

// Engine is the local Storage implementation: chunk files, the metadata
// index and the array store under one base directory.
type Engine struct {
	cfg    Config
	log    *logrus.Logger
	chunks *chunkStore.Store
	index  *metaIndex.Index
	arrays *arrayStore.Store
	lock   *flock.Flock
	pool   *workerPool.Pool

	// gcMu excludes chunk attachment from the collector's row-sweep and
	// file-unlink phase, so a swept file can never satisfy dedup for a
	// concurrent create. Attach paths hold the read side.
	gcMu sync.RWMutex

	mu      sync.Mutex
	handles map[int64]*arrayHandle
	closed  bool
}

var _ Storage = (*Engine)(nil)

// Open opens (or initializes) the engine at cfg.Path. The base directory is
// single-writer-process: an advisory lock makes a second Open fail fast
// instead of corrupting state.
func Open(cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()
	if cfg.Path == "" {
		return nil, fmt.Errorf("labstor: config has no base path")
	}
	log := cfg.Logger

	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}

	lock := flock.New(filepath.Join(cfg.Path, "LOCK"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire base directory lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: base directory %s is locked by another process", ErrConflict, cfg.Path)
	}

	if err := checkFreeSpace(cfg.Path, cfg.MinimumFreeGB, log); err != nil {
		lock.Unlock()
		return nil, err
	}

	chunks, err := chunkStore.New(cfg.Path, log)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	index, err := metaIndex.Open(filepath.Join(cfg.Path, "index.db"), log)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	arrays, err := arrayStore.Open(filepath.Join(cfg.Path, "arrays.db"), log)
	if err != nil {
		index.Close()
		lock.Unlock()
		return nil, err
	}

	e := &Engine{
		cfg:     cfg,
		log:     log,
		chunks:  chunks,
		index:   index,
		arrays:  arrays,
		lock:    lock,
		pool:    workerPool.New(0),
		handles: make(map[int64]*arrayHandle),
	}
	log.WithField("path", cfg.Path).Info("storage engine opened")
	return e, nil
}

func checkFreeSpace(path string, minimumGB uint, log *logrus.Logger) error {
	if minimumGB == 0 {
		return nil
	}
	usage, err := disk.Usage(path)
	if err != nil {
		return fmt.Errorf("check free space: %w", err)
	}
	freeGB := float64(usage.Free) / 1e9
	log.WithFields(logrus.Fields{
		"path":      path,
		"free_gb":   fmt.Sprintf("%.2f", freeGB),
		"total_gb":  fmt.Sprintf("%.2f", float64(usage.Total)/1e9),
		"used_perc": fmt.Sprintf("%.1f", usage.UsedPercent),
	}).Info("disk usage")
	if freeGB < float64(minimumGB) {
		return fmt.Errorf("not enough free space on %s: %.2f GB free, %d GB required", path, freeGB, minimumGB)
	}
	return nil
}

func (e *Engine) IsRemote() bool { return false }

// Close flushes every open array buffer and releases the base directory.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	handles := make([]*arrayHandle, 0, len(e.handles))
	for _, h := range e.handles {
		handles = append(handles, h)
	}
	e.mu.Unlock()

	var errs []error
	for _, h := range handles {
		if err := h.flush(context.Background()); err != nil {
			errs = append(errs, err)
		}
	}
	e.pool.Close()
	if err := e.arrays.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.index.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.lock.Unlock(); err != nil {
		errs = append(errs, err)
	}
	e.log.WithField("path", e.cfg.Path).Info("storage engine closed")
	return errors.Join(errs...)
}

// CollectGarbage reclaims dedup records nobody references anymore: first
// config and script rows at reference count zero (releasing their chunks),
// then chunk rows at zero (removing the backing files). Reclamation is never
// implicit; this is the only path that deletes chunk bytes.
func (e *Engine) CollectGarbage(ctx context.Context) (types.GCStats, error) {
	var stats types.GCStats

	err := e.index.Tx(ctx, func(tx *sqlx.Tx) error {
		configs, err := e.index.ZeroRefConfigsTx(tx)
		if err != nil {
			return err
		}
		for _, row := range configs {
			if err := e.index.DecChunkRefTx(tx, row.Hash); err != nil {
				return err
			}
			if err := e.index.DeleteConfigTx(tx, row.ID); err != nil {
				return err
			}
			stats.Configs++
		}
		scripts, err := e.index.ZeroRefScriptsTx(tx)
		if err != nil {
			return err
		}
		for _, row := range scripts {
			if err := e.index.DecChunkRefTx(tx, row.Hash); err != nil {
				return err
			}
			if err := e.index.DeleteScriptTx(tx, row.ID); err != nil {
				return err
			}
			stats.Scripts++
		}
		return nil
	})
	if err != nil {
		return stats, e.mapErr(err)
	}

	// No chunk may be attached between the row sweep and the file unlinks:
	// a create deduping against a file whose row is already gone would lose
	// its bytes to the pending removal.
	e.gcMu.Lock()
	var dead []metaIndex.ChunkRow
	err = e.index.Tx(ctx, func(tx *sqlx.Tx) error {
		rows, err := e.index.ZeroRefChunksTx(tx)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if err := e.index.DeleteChunkTx(tx, row.Hash); err != nil {
				return err
			}
		}
		dead = rows
		return nil
	})
	if err != nil {
		e.gcMu.Unlock()
		return stats, e.mapErr(err)
	}

	group := e.pool.NewGroup()
	for _, row := range dead {
		row := row
		group.Go(func() error {
			return e.chunks.Remove(row.Hash)
		})
	}
	if err := group.Wait(); err != nil {
		e.gcMu.Unlock()
		return stats, fmt.Errorf("remove dead chunks: %w", err)
	}
	for _, row := range dead {
		stats.Chunks++
		stats.BytesReclaimed += row.Size
	}

	// Files without a row are leftovers of rolled-back attachments. No
	// attachment is in flight while gcMu is held, so they are safe to
	// unlink.
	hashes, err := e.index.ChunkHashes(ctx)
	if err != nil {
		e.gcMu.Unlock()
		return stats, e.mapErr(err)
	}
	known := make(map[string]bool, len(hashes))
	for _, hash := range hashes {
		known[hash] = true
	}
	err = e.chunks.Walk(func(hash string, size int64) error {
		if known[hash] {
			return nil
		}
		if err := e.chunks.Remove(hash); err != nil {
			return err
		}
		stats.Chunks++
		stats.BytesReclaimed += size
		return nil
	})
	e.gcMu.Unlock()
	if err != nil {
		return stats, fmt.Errorf("sweep orphan chunks: %w", err)
	}

	if err := e.arrays.RunGC(); err != nil {
		e.log.WithField("error", err).Warn("array store gc failed")
	}

	e.log.WithFields(logrus.Fields{
		"chunks":  stats.Chunks,
		"configs": stats.Configs,
		"scripts": stats.Scripts,
		"bytes":   stats.BytesReclaimed,
	}).Info("garbage collection done")
	return stats, nil
}

// Counts reports a coarse row census, used by the info command.
func (e *Engine) Counts(ctx context.Context) (metaIndex.Counts, error) {
	return e.index.Counts(ctx)
}

// mapErr translates subsystem sentinels into the public taxonomy. Errors
// already in the taxonomy pass through untouched.
func (e *Engine) mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrIntegrity),
		errors.Is(err, ErrDataCorruption), errors.Is(err, ErrConflict):
		return err
	case errors.Is(err, metaIndex.ErrNotFound), errors.Is(err, chunkStore.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, metaIndex.ErrRefUnderflow):
		return fmt.Errorf("%w: %v", ErrIntegrity, err)
	case errors.Is(err, chunkStore.ErrCorrupt):
		return fmt.Errorf("%w: %v", ErrDataCorruption, err)
	default:
		return err
	}
}
