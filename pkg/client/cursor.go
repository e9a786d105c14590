package client

import (
	"context"

	"github.com/labstor/labstor/pkg/types"
)

// pagedCursor satisfies labstor.Cursor over the wire by pulling fixed-size
// pages. Forward-only, not restartable, like its local counterpart.
type pagedCursor struct {
	ctx    context.Context
	remote *Remote
	method string
	filter types.Filter

	offset    int64
	remaining int64 // -1 means unlimited
	page      []int64
	i         int
	done      bool
	err       error
}

func (r *Remote) newCursor(ctx context.Context, method string, f types.Filter) *pagedCursor {
	c := &pagedCursor{
		ctx:       ctx,
		remote:    r,
		method:    method,
		filter:    f,
		offset:    f.Offset,
		remaining: -1,
	}
	if f.Limit > 0 {
		c.remaining = f.Limit
	}
	return c
}

func (c *pagedCursor) Next() (int64, bool) {
	if c.err != nil {
		return 0, false
	}
	if c.i >= len(c.page) {
		if c.done || !c.fetch() {
			return 0, false
		}
	}
	id := c.page[c.i]
	c.i++
	if c.remaining > 0 {
		c.remaining--
		if c.remaining == 0 {
			c.done = true
		}
	}
	return id, true
}

func (c *pagedCursor) fetch() bool {
	size := c.remote.pageSize
	if c.remaining >= 0 && c.remaining < size {
		size = c.remaining
	}
	if size == 0 {
		c.done = true
		return false
	}
	f := c.filter
	f.Offset = c.offset
	f.Limit = size

	var result types.QueryResult
	if err := c.remote.call(c.ctx, c.method, f, &result); err != nil {
		c.err = err
		c.done = true
		return false
	}
	c.page = result.IDs
	c.i = 0
	c.offset += int64(len(result.IDs))
	if int64(len(result.IDs)) < size {
		c.done = true
	}
	return len(result.IDs) > 0
}

func (c *pagedCursor) Err() error { return c.err }

func (c *pagedCursor) Close() error {
	c.done = true
	c.page = nil
	return nil
}
