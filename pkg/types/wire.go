package types

import "encoding/json"

// Filter is the query vocabulary shared by documents and datasets, both
// locally and on the wire. Zero values mean "not filtered". Times are unix
// nanoseconds and the After/Before bounds are inclusive.
type Filter struct {
	Name        string   `json:"name,omitempty"`
	NamePattern string   `json:"name_pattern,omitempty"` // glob, * matches any run
	Tags        []string `json:"tags,omitempty"`          // all must be present
	State       string   `json:"state,omitempty"`
	After       int64    `json:"after,omitempty"`
	Before      int64    `json:"before,omitempty"`
	Offset      int64    `json:"offset,omitempty"`
	Limit       int64    `json:"limit,omitempty"`
}

// DocumentInfo is the metadata projection of a document row. Payload bytes
// and script text are never part of it; they are fetched lazily by hash/id.
type DocumentInfo struct {
	ID          int64                  `json:"id"`
	Name        string                 `json:"name"`
	State       string                 `json:"state"`
	Version     int64                  `json:"version"`
	ParentID    int64                  `json:"parent_id,omitempty"`
	PayloadHash string                 `json:"payload_hash,omitempty"`
	PayloadSize int64                  `json:"payload_size,omitempty"`
	ScriptID    int64                  `json:"script_id,omitempty"`
	Meta        map[string]interface{} `json:"meta,omitempty"`
	Tags        []string               `json:"tags,omitempty"`
	DatasetIDs  []int64                `json:"dataset_ids,omitempty"`
	CTime       int64                  `json:"ctime"`
	MTime       int64                  `json:"mtime"`
	ATime       int64                  `json:"atime"`
}

// DatasetInfo is the metadata projection of a dataset row plus its array
// keys and associations.
type DatasetInfo struct {
	ID          int64                  `json:"id"`
	Name        string                 `json:"name"`
	Description map[string]interface{} `json:"description,omitempty"`
	ConfigID    int64                  `json:"config_id,omitempty"`
	ScriptID    int64                  `json:"script_id,omitempty"`
	Tags        []string               `json:"tags,omitempty"`
	DocumentIDs []int64                `json:"document_ids,omitempty"`
	ArrayKeys   []string               `json:"array_keys,omitempty"`
	CTime       int64                  `json:"ctime"`
	MTime       int64                  `json:"mtime"`
	ATime       int64                  `json:"atime"`
}

// ArrayInfo describes one array's occupied region. Lower/Upper bound the
// written positions as a half-open box [Lower, Upper).
type ArrayInfo struct {
	ID         int64     `json:"id"`
	DatasetID  int64     `json:"dataset_id"`
	Name       string    `json:"name"`
	InnerShape []int64   `json:"inner_shape,omitempty"`
	Lower      []int64   `json:"lower,omitempty"`
	Upper      []int64   `json:"upper,omitempty"`
	Kind       ValueKind `json:"kind"`
}

// GCStats reports what one garbage collection pass reclaimed.
type GCStats struct {
	Configs        int64 `json:"configs"`
	Scripts        int64 `json:"scripts"`
	Chunks         int64 `json:"chunks"`
	BytesReclaimed int64 `json:"bytes_reclaimed"`
}

// Request is the RPC envelope: a method name and its named arguments.
type Request struct {
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// ErrorBody is the structured error half of a response. Kind is one of the
// wire error kinds understood by both ends.
type ErrorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Response carries either a result or an error, never both.
type Response struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorBody      `json:"error,omitempty"`
}

// Argument shapes for methods whose arguments are not already a request
// struct of the root package.

type IDArgs struct {
	ID int64 `json:"id"`
}

type LatestArgs struct {
	Name  string `json:"name"`
	State string `json:"state,omitempty"`
}

type TagArgs struct {
	ID   int64    `json:"id"`
	Tags []string `json:"tags"`
}

type AppendArgs struct {
	DatasetID int64            `json:"dataset_id"`
	Pos       Position         `json:"pos"`
	Data      map[string]Value `json:"data"`
}

type GetItemArgs struct {
	DatasetID int64   `json:"dataset_id"`
	Key       string  `json:"key"`
	Selection []Slice `json:"selection,omitempty"`
}

type IterArgs struct {
	DatasetID int64  `json:"dataset_id"`
	Key       string `json:"key"`
	Start     int64  `json:"start,omitempty"`
	Count     int64  `json:"count,omitempty"`
}

// QueryResult is one page of ids from a query method.
type QueryResult struct {
	IDs []int64 `json:"ids"`
}
