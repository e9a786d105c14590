package labstor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/labstor/labstor/internal/metaIndex"
	"github.com/labstor/labstor/pkg/types"
)

// arrayHandle is the engine's live state for one array: the in-memory append
// buffer, the next backing sequence number and the running bounding box. The
// mutex is held for the duration of one append or flush; the flush's own
// write happens under it so flushed segments keep append order.
type arrayHandle struct {
	engine     *Engine
	id         int64
	datasetID  int64
	name       string
	prefix     string
	innerShape []int64
	kind       types.ValueKind
	capacity   int

	mu      sync.Mutex
	buf     []types.Entry
	nextSeq int64
	lower   []int64
	upper   []int64 // exclusive; box is [lower, upper)
	dropped bool    // dataset deleted; the handle is dead
}

// handleFor returns the live handle of an array row, creating it on first
// touch. Creation recovers the next sequence number and the persisted
// bounding box.
func (e *Engine) handleFor(row *metaIndex.ArrayRow) (*arrayHandle, error) {
	e.mu.Lock()
	if h, ok := e.handles[row.ID]; ok {
		e.mu.Unlock()
		return h, nil
	}
	e.mu.Unlock()

	innerShape, err := decodeInts(row.InnerShape)
	if err != nil {
		return nil, fmt.Errorf("decode inner shape of array %d: %w", row.ID, err)
	}
	lower, err := decodeInts(row.LowerBound)
	if err != nil {
		return nil, fmt.Errorf("decode lower bound of array %d: %w", row.ID, err)
	}
	upper, err := decodeInts(row.UpperBound)
	if err != nil {
		return nil, fmt.Errorf("decode upper bound of array %d: %w", row.ID, err)
	}
	lastSeq, found, err := e.arrays.LastSeq(row.BackingLocation)
	if err != nil {
		return nil, err
	}
	h := &arrayHandle{
		engine:     e,
		id:         row.ID,
		datasetID:  row.DatasetID,
		name:       row.Name,
		prefix:     row.BackingLocation,
		innerShape: innerShape,
		kind:       types.ValueKind(row.Kind),
		capacity:   e.cfg.ArrayBufferSize,
		lower:      lower,
		upper:      upper,
	}
	if found {
		h.nextSeq = lastSeq + 1
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.handles[row.ID]; ok {
		return existing, nil
	}
	e.handles[row.ID] = h
	return h, nil
}

// handleForAppend resolves key inside the dataset to a handle, creating the
// array row on first append to an unseen key. The new array records the
// first value's inner shape and kind; every later value must match.
func (e *Engine) handleForAppend(ctx context.Context, datasetID int64, key string, value types.Value) (*arrayHandle, error) {
	row, err := e.index.GetArrayByName(ctx, datasetID, key)
	if errors.Is(err, metaIndex.ErrNotFound) {
		row = &metaIndex.ArrayRow{
			DatasetID:       datasetID,
			Name:            key,
			BackingLocation: uuid.New().String(),
			InnerShape:      encodeInts(value.Shape),
			LowerBound:      "[]",
			UpperBound:      "[]",
			Kind:            string(value.Kind()),
		}
		err = e.index.Tx(ctx, func(tx *sqlx.Tx) error {
			if _, insErr := e.index.InsertArrayTx(tx, row); insErr != nil {
				// Lost a create race; use the winner's row.
				existing, getErr := e.index.GetArrayByNameTx(tx, datasetID, key)
				if getErr != nil {
					return insErr
				}
				row = existing
			}
			return nil
		})
	}
	if err != nil {
		return nil, e.mapErr(err)
	}
	return e.handleFor(row)
}

// append buffers one (position, value) pair. When the buffer reaches
// capacity it is flushed before returning, so the buffer never exceeds the
// bound.
func (h *arrayHandle) append(ctx context.Context, pos types.Position, value types.Value) error {
	if err := value.Validate(); err != nil {
		return fmt.Errorf("array %q: %w", h.name, err)
	}
	if !types.SameShape(value.Shape, h.innerShape) {
		return fmt.Errorf("%w: array %q expects inner shape %v, got %v",
			ErrIntegrity, h.name, h.innerShape, value.Shape)
	}
	switch {
	case value.IsComplex() && h.kind != types.KindComplex128:
		return fmt.Errorf("%w: array %q is real, got a complex value", ErrIntegrity, h.name)
	case !value.IsComplex() && h.kind == types.KindComplex128:
		// Real values widen into a complex array.
		value.Im = make([]float64, len(value.Re))
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.dropped {
		return fmt.Errorf("%w: dataset %d is deleted", ErrConflict, h.datasetID)
	}
	if rank := h.rankLocked(); rank > 0 && len(pos) != rank {
		return fmt.Errorf("%w: array %q expects positions of rank %d, got %d",
			ErrIntegrity, h.name, rank, len(pos))
	}
	h.buf = append(h.buf, types.Entry{Pos: pos.Clone(), Value: value})
	if len(h.buf) >= h.capacity {
		return h.flushLocked(ctx)
	}
	return nil
}

func (h *arrayHandle) rankLocked() int {
	if len(h.lower) > 0 {
		return len(h.lower)
	}
	if len(h.buf) > 0 {
		return len(h.buf[0].Pos)
	}
	return 0
}

func (h *arrayHandle) flush(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.flushLocked(ctx)
}

// flushLocked writes the buffered entries to the backing store in append
// order, then grows the persisted bounding box to cover them. Flushing an
// empty buffer, or a handle whose dataset was deleted, is a no-op. On a
// failed write the buffer is kept, so the entries are not lost to a retry.
func (h *arrayHandle) flushLocked(ctx context.Context) error {
	if h.dropped || len(h.buf) == 0 {
		return nil
	}
	entries := h.buf
	if err := h.engine.arrays.Append(h.prefix, h.nextSeq, entries); err != nil {
		return err
	}
	h.buf = nil
	h.nextSeq += int64(len(entries))

	for _, entry := range entries {
		h.growBox(entry.Pos)
	}

	lower, upper := encodeInts(h.lower), encodeInts(h.upper)
	err := h.engine.index.Tx(ctx, func(tx *sqlx.Tx) error {
		if err := h.engine.index.UpdateArrayBoundsTx(tx, h.id, lower, upper); err != nil {
			return err
		}
		return h.engine.index.MarkDatasetModifiedTx(tx, h.datasetID)
	})
	if err != nil {
		// The entries are durable; the box catches up on the next flush.
		return fmt.Errorf("persist bounds of array %q: %w", h.name, err)
	}

	h.engine.log.WithFields(logrus.Fields{
		"array":   h.name,
		"dataset": h.datasetID,
		"entries": len(entries),
	}).Debug("array flushed")
	return nil
}

// growBox extends the bounding box to cover pos. The box is metadata about
// the occupied region; growing it never moves flushed data.
func (h *arrayHandle) growBox(pos types.Position) {
	if len(h.lower) == 0 {
		h.lower = make([]int64, len(pos))
		h.upper = make([]int64, len(pos))
		for d, x := range pos {
			h.lower[d] = x
			h.upper[d] = x + 1
		}
		return
	}
	for d, x := range pos {
		if x < h.lower[d] {
			h.lower[d] = x
		}
		if x+1 > h.upper[d] {
			h.upper[d] = x + 1
		}
	}
}

// AppendDataset routes one coordinate's values to the named arrays of the
// dataset, buffering them in memory. Keys are processed in sorted order so
// implicit flush timing is deterministic.
func (e *Engine) AppendDataset(ctx context.Context, id int64, pos types.Position, data map[string]types.Value) error {
	if len(data) == 0 {
		return nil
	}
	if _, err := e.index.GetDataset(ctx, id); err != nil {
		return e.mapErr(err)
	}
	keys := make([]string, 0, len(data))
	for key := range data {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		h, err := e.handleForAppend(ctx, id, key, data[key])
		if err != nil {
			return err
		}
		if err := h.append(ctx, pos, data[key]); err != nil {
			return err
		}
	}
	return nil
}

// FlushDataset flushes every array buffer of the dataset, concurrently
// across arrays.
func (e *Engine) FlushDataset(ctx context.Context, id int64) error {
	if _, err := e.index.GetDataset(ctx, id); err != nil {
		return e.mapErr(err)
	}
	e.mu.Lock()
	handles := make([]*arrayHandle, 0)
	for _, h := range e.handles {
		if h.datasetID == id {
			handles = append(handles, h)
		}
	}
	e.mu.Unlock()

	group := e.pool.NewGroup()
	for _, h := range handles {
		h := h
		group.Go(func() error {
			return h.flush(ctx)
		})
	}
	return group.Wait()
}

// ArrayGetItem materializes the selected region of an array as a dense
// array over the bounding box, unset cells holding NaN. Only flushed entries
// are visible. An integer index contracts its axis; negative coordinates
// count back from the upper bound; ranges clamp to the box.
func (e *Engine) ArrayGetItem(ctx context.Context, datasetID int64, key string, sel []types.Slice) (*types.Dense, error) {
	row, err := e.index.GetArrayByName(ctx, datasetID, key)
	if err != nil {
		return nil, e.mapErr(err)
	}
	lower, err := decodeInts(row.LowerBound)
	if err != nil {
		return nil, fmt.Errorf("decode lower bound of array %d: %w", row.ID, err)
	}
	upper, err := decodeInts(row.UpperBound)
	if err != nil {
		return nil, fmt.Errorf("decode upper bound of array %d: %w", row.ID, err)
	}
	innerShape, err := decodeInts(row.InnerShape)
	if err != nil {
		return nil, fmt.Errorf("decode inner shape of array %d: %w", row.ID, err)
	}
	if len(lower) == 0 {
		// Nothing flushed yet; the occupied region is empty.
		return &types.Dense{}, nil
	}

	axes, err := types.NormalizeSelection(sel, lower, upper)
	if err != nil {
		return nil, err
	}

	outerShape := make([]int64, 0, len(axes))
	for _, ax := range axes {
		if !ax.Contract {
			outerShape = append(outerShape, ax.Span.Count())
		}
	}
	fullShape := append(append([]int64(nil), outerShape...), innerShape...)
	complexKind := types.ValueKind(row.Kind) == types.KindComplex128
	dense := types.NewDense(fullShape, complexKind)
	innerN := types.NumElems(innerShape)

	entries, err := e.arrays.Scan(row.BackingLocation, 0, 0)
	if err != nil {
		return nil, err
	}
	// Entries come back in write order, so on duplicate positions the last
	// write wins.
	for _, entry := range entries {
		if len(entry.Pos) != len(axes) {
			return nil, fmt.Errorf("%w: array %q entry has rank %d, box has rank %d",
				ErrIntegrity, key, len(entry.Pos), len(axes))
		}
		offset := int64(0)
		selected := true
		for d, ax := range axes {
			k, ok := ax.Span.Offset(entry.Pos[d])
			if !ok {
				selected = false
				break
			}
			if !ax.Contract {
				offset = offset*ax.Span.Count() + k
			}
		}
		if !selected {
			continue
		}
		base := offset * innerN
		copy(dense.Re[base:base+innerN], entry.Value.Re)
		if complexKind {
			if entry.Value.Im != nil {
				copy(dense.Im[base:base+innerN], entry.Value.Im)
			} else {
				for i := base; i < base+innerN; i++ {
					dense.Im[i] = 0
				}
			}
		}
	}
	return dense, nil
}

// ArrayIter reads up to count flushed entries in write order starting at
// sequence start. count <= 0 reads to the end. Every call re-reads from the
// backing store, so iteration is restartable.
func (e *Engine) ArrayIter(ctx context.Context, datasetID int64, key string, start, count int64) ([]types.Entry, error) {
	row, err := e.index.GetArrayByName(ctx, datasetID, key)
	if err != nil {
		return nil, e.mapErr(err)
	}
	return e.arrays.Scan(row.BackingLocation, start, count)
}

func encodeInts(xs []int64) string {
	if len(xs) == 0 {
		return "[]"
	}
	raw, _ := json.Marshal(xs)
	return string(raw)
}

func decodeInts(s string) ([]int64, error) {
	if s == "" || s == "[]" {
		return nil, nil
	}
	var xs []int64
	if err := json.Unmarshal([]byte(s), &xs); err != nil {
		return nil, err
	}
	return xs, nil
}
