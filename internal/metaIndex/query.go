package metaIndex

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/labstor/labstor/pkg/types"
)

// Entity kinds accepted by Query and Count.
const (
	KindDocument = "document"
	KindDataset  = "dataset"
)

// IDCursor is a lazy, forward-only sequence of entity ids. It holds a live
// statement; it is not restartable after exhaustion and must be closed.
type IDCursor struct {
	rows *sqlx.Rows
	err  error
}

// Next yields the next id. A false return means exhaustion or error; check
// Err after the loop.
func (c *IDCursor) Next() (int64, bool) {
	if c.err != nil || c.rows == nil {
		return 0, false
	}
	if !c.rows.Next() {
		c.err = c.rows.Err()
		c.rows.Close()
		c.rows = nil
		return 0, false
	}
	var id int64
	if err := c.rows.Scan(&id); err != nil {
		c.err = err
		c.rows.Close()
		c.rows = nil
		return 0, false
	}
	return id, true
}

func (c *IDCursor) Err() error { return c.err }

func (c *IDCursor) Close() error {
	if c.rows == nil {
		return nil
	}
	rows := c.rows
	c.rows = nil
	return rows.Close()
}

// Query runs the filter against the kind's table and returns a lazy id
// sequence ordered by creation time descending, ties to the highest id.
func (idx *Index) Query(ctx context.Context, kind string, f types.Filter) (*IDCursor, error) {
	query, args, err := buildQuery(kind, f, false)
	if err != nil {
		return nil, err
	}
	rows, err := idx.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %ss: %w", kind, err)
	}
	return &IDCursor{rows: rows}, nil
}

// Count returns the filter's cardinality without materializing rows.
// Pagination fields are ignored; a count is over the whole match set.
func (idx *Index) Count(ctx context.Context, kind string, f types.Filter) (int64, error) {
	f.Offset, f.Limit = 0, 0
	query, args, err := buildQuery(kind, f, true)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := idx.db.GetContext(ctx, &n, query, args...); err != nil {
		return 0, fmt.Errorf("count %ss: %w", kind, err)
	}
	return n, nil
}

// buildQuery assembles the WHERE clause from the filter. Conditions are
// appended with their args side by side, the same way Katral-style dynamic
// filters are built.
func buildQuery(kind string, f types.Filter, count bool) (string, []interface{}, error) {
	var table, tagTable, tagColumn string
	switch kind {
	case KindDocument:
		table, tagTable, tagColumn = "documents", "document_tags", "document_id"
	case KindDataset:
		table, tagTable, tagColumn = "datasets", "dataset_tags", "dataset_id"
	default:
		return "", nil, fmt.Errorf("unknown query kind %q", kind)
	}

	conds := make([]string, 0, 6)
	args := make([]interface{}, 0, 8)

	if f.Name != "" {
		conds = append(conds, "name = ?")
		args = append(args, f.Name)
	}
	if f.NamePattern != "" {
		conds = append(conds, `name LIKE ? ESCAPE '\'`)
		args = append(args, globToLike(f.NamePattern))
	}
	if f.State != "" {
		if kind != KindDocument {
			return "", nil, fmt.Errorf("state filter applies to documents only")
		}
		conds = append(conds, "state = ?")
		args = append(args, f.State)
	}
	if f.After != 0 {
		conds = append(conds, "ctime >= ?")
		args = append(args, f.After)
	}
	if f.Before != 0 {
		conds = append(conds, "ctime <= ?")
		args = append(args, f.Before)
	}
	if len(f.Tags) > 0 {
		placeholders := strings.Repeat("?,", len(f.Tags))
		placeholders = placeholders[:len(placeholders)-1]
		conds = append(conds, fmt.Sprintf(`id IN (
			SELECT a.%s FROM %s a
			JOIN tags t ON t.id = a.tag_id
			WHERE t.text IN (%s)
			GROUP BY a.%s
			HAVING COUNT(DISTINCT t.id) = ?)`,
			tagColumn, tagTable, placeholders, tagColumn))
		for _, tag := range f.Tags {
			args = append(args, tag)
		}
		args = append(args, len(f.Tags))
	}

	var b strings.Builder
	if count {
		fmt.Fprintf(&b, "SELECT COUNT(*) FROM %s", table)
	} else {
		fmt.Fprintf(&b, "SELECT id FROM %s", table)
	}
	if len(conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conds, " AND "))
	}
	if !count {
		b.WriteString(" ORDER BY ctime DESC, id DESC")
		if f.Limit > 0 || f.Offset > 0 {
			limit := f.Limit
			if limit <= 0 {
				limit = -1 // SQLite: no limit
			}
			b.WriteString(" LIMIT ? OFFSET ?")
			args = append(args, limit, f.Offset)
		}
	}
	return b.String(), args, nil
}

// globToLike translates a glob pattern (* matches any run, ? one character)
// into a LIKE pattern, escaping LIKE's own metacharacters.
func globToLike(pattern string) string {
	var b strings.Builder
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteByte('%')
		case '?':
			b.WriteByte('_')
		case '%', '_', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
