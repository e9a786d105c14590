package labstor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/labstor/labstor/internal/chunkStore"
	"github.com/labstor/labstor/pkg/types"
)

// CanonicalJSON re-encodes raw JSON deterministically: object keys sorted
// lexicographically at every nesting level, no insignificant whitespace,
// numeric literals preserved. Semantically identical configs therefore
// always compress and hash to the same chunk.
func CanonicalJSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonicalize json: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("canonicalize json: trailing data after value")
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize json: %w", err)
	}
	return out, nil
}

// putChunkTx stores payload bytes content-addressed and makes sure the chunk
// row exists. The reference count is untouched; attaching an owner is the
// caller's separate increment. Callers hold the read side of gcMu, so the
// file cannot be unlinked between the dedup check and the row upsert. The
// file outlives a rolled-back tx; CollectGarbage sweeps rowless files.
func (e *Engine) putChunkTx(tx *sqlx.Tx, raw []byte) (hash string, size int64, err error) {
	res, err := e.chunks.Write(raw)
	if err != nil {
		return "", 0, err
	}
	if err := e.index.UpsertChunkTx(tx, res.Hash, res.Size, res.RawSize); err != nil {
		return "", 0, err
	}
	return res.Hash, res.Size, nil
}

// getChunk reads and verifies a chunk, requiring its metadata row to exist.
func (e *Engine) getChunk(ctx context.Context, hash string) ([]byte, error) {
	if _, err := e.index.GetChunk(ctx, hash); err != nil {
		return nil, e.mapErr(err)
	}
	raw, err := e.chunks.Read(hash)
	if err != nil {
		if errors.Is(err, chunkStore.ErrNotFound) {
			// A live row without backing bytes is corruption, not absence.
			return nil, fmt.Errorf("%w: chunk %s has a row but no bytes", ErrDataCorruption, hash)
		}
		return nil, e.mapErr(err)
	}
	e.index.TouchChunk(ctx, hash)
	return raw, nil
}

// attachConfigTx canonicalizes and stores config JSON, resolves it to its
// dedup row and counts one attachment.
func (e *Engine) attachConfigTx(tx *sqlx.Tx, raw json.RawMessage) (int64, error) {
	canonical, err := CanonicalJSON(raw)
	if err != nil {
		return 0, err
	}
	hash, size, err := e.putChunkTx(tx, canonical)
	if err != nil {
		return 0, err
	}
	id, created, err := e.index.GetOrCreateConfigTx(tx, hash, size)
	if err != nil {
		return 0, err
	}
	if created {
		// The config row itself owns the chunk.
		if err := e.index.IncChunkRefTx(tx, hash); err != nil {
			return 0, err
		}
	}
	if err := e.index.IncConfigRefTx(tx, id); err != nil {
		return 0, err
	}
	return id, nil
}

// attachScriptTx is the script counterpart of attachConfigTx. Script text is
// stored raw; the language tag discriminates otherwise identical rows.
func (e *Engine) attachScriptTx(tx *sqlx.Tx, spec *ScriptSpec) (int64, error) {
	hash, size, err := e.putChunkTx(tx, []byte(spec.Text))
	if err != nil {
		return 0, err
	}
	id, created, err := e.index.GetOrCreateScriptTx(tx, hash, size, spec.Language)
	if err != nil {
		return 0, err
	}
	if created {
		if err := e.index.IncChunkRefTx(tx, hash); err != nil {
			return 0, err
		}
	}
	if err := e.index.IncScriptRefTx(tx, id); err != nil {
		return 0, err
	}
	return id, nil
}

// LoadConfig returns a config's canonical JSON content.
func (e *Engine) LoadConfig(ctx context.Context, id int64) (json.RawMessage, error) {
	row, err := e.index.GetConfig(ctx, id)
	if err != nil {
		return nil, e.mapErr(err)
	}
	raw, err := e.getChunk(ctx, row.Hash)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}

// LoadScript returns a script's text and language.
func (e *Engine) LoadScript(ctx context.Context, id int64) (*types.Script, error) {
	row, err := e.index.GetScript(ctx, id)
	if err != nil {
		return nil, e.mapErr(err)
	}
	raw, err := e.getChunk(ctx, row.Hash)
	if err != nil {
		return nil, err
	}
	return &types.Script{ID: row.ID, Text: string(raw), Language: row.Language}, nil
}
