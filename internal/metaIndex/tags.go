package metaIndex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// EnsureTagsTx resolves tag texts to ids, creating missing rows. Tag rows
// are pure dedup records and are never garbage collected.
func (idx *Index) EnsureTagsTx(tx *sqlx.Tx, texts []string) ([]int64, error) {
	ids := make([]int64, 0, len(texts))
	for _, text := range texts {
		var id int64
		err := tx.Get(&id, `SELECT id FROM tags WHERE text = ?`, text)
		if errors.Is(err, sql.ErrNoRows) {
			res, insErr := tx.Exec(`INSERT INTO tags (text) VALUES (?)`, text)
			if insErr != nil {
				return nil, fmt.Errorf("insert tag %q: %w", text, insErr)
			}
			id, err = res.LastInsertId()
			if err != nil {
				return nil, fmt.Errorf("tag id: %w", err)
			}
		} else if err != nil {
			return nil, fmt.Errorf("lookup tag %q: %w", text, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// tagTable maps an entity kind to its association table and column.
func tagTable(kind string) (table, column string) {
	if kind == "dataset" {
		return "dataset_tags", "dataset_id"
	}
	return "document_tags", "document_id"
}

// AddTagsTx attaches tags to a document or dataset. Existing associations
// are left alone.
func (idx *Index) AddTagsTx(tx *sqlx.Tx, kind string, entityID int64, texts []string) error {
	tagIDs, err := idx.EnsureTagsTx(tx, texts)
	if err != nil {
		return err
	}
	table, column := tagTable(kind)
	for _, tagID := range tagIDs {
		_, err := tx.Exec(fmt.Sprintf(`
			INSERT INTO %s (%s, tag_id) VALUES (?, ?)
			ON CONFLICT DO NOTHING`, table, column), entityID, tagID)
		if err != nil {
			return fmt.Errorf("tag %s %d: %w", kind, entityID, err)
		}
	}
	return nil
}

// RemoveTagsTx detaches the named tags. Unknown tags are ignored.
func (idx *Index) RemoveTagsTx(tx *sqlx.Tx, kind string, entityID int64, texts []string) error {
	table, column := tagTable(kind)
	for _, text := range texts {
		_, err := tx.Exec(fmt.Sprintf(`
			DELETE FROM %s WHERE %s = ? AND tag_id IN (SELECT id FROM tags WHERE text = ?)`,
			table, column), entityID, text)
		if err != nil {
			return fmt.Errorf("untag %s %d: %w", kind, entityID, err)
		}
	}
	return nil
}

// ClearTagsTx detaches every tag of an entity.
func (idx *Index) ClearTagsTx(tx *sqlx.Tx, kind string, entityID int64) error {
	table, column := tagTable(kind)
	if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %s WHERE %s = ?`, table, column), entityID); err != nil {
		return fmt.Errorf("clear tags of %s %d: %w", kind, entityID, err)
	}
	return nil
}

// EntityTags lists an entity's tags in text order.
func (idx *Index) EntityTags(ctx context.Context, kind string, entityID int64) ([]string, error) {
	table, column := tagTable(kind)
	var texts []string
	err := idx.db.SelectContext(ctx, &texts, fmt.Sprintf(`
		SELECT t.text FROM tags t
		JOIN %s a ON a.tag_id = t.id
		WHERE a.%s = ?
		ORDER BY t.text`, table, column), entityID)
	if err != nil {
		return nil, fmt.Errorf("tags of %s %d: %w", kind, entityID, err)
	}
	return texts, nil
}
