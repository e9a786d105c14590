package apiServer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/labstor/labstor"
	"github.com/labstor/labstor/pkg/types"
)

type methodFunc func(ctx context.Context, args json.RawMessage) (interface{}, error)

// handleRPC decodes one request envelope, dispatches it and answers with a
// result or a structured error. Core errors never close the connection;
// unknown methods answer method_not_found.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	var req types.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "", started, fmt.Errorf("%w: malformed request envelope: %v", labstor.ErrMethodNotFound, err))
		return
	}
	method, ok := s.methods[req.Method]
	if !ok {
		s.writeError(w, req.Method, started, fmt.Errorf("%w: %q", labstor.ErrMethodNotFound, req.Method))
		return
	}

	result, err := method(r.Context(), req.Args)
	if err != nil {
		s.writeError(w, req.Method, started, err)
		return
	}
	raw, err := json.Marshal(result)
	if err != nil {
		s.writeError(w, req.Method, started, fmt.Errorf("encode result of %s: %w", req.Method, err))
		return
	}
	s.respond(w, types.Response{Result: raw})
	s.observe(req.Method, "ok", started)
}

func (s *Server) writeError(w http.ResponseWriter, method string, started time.Time, err error) {
	kind := labstor.KindOf(err)
	s.respond(w, types.Response{Error: &types.ErrorBody{Kind: kind, Message: err.Error()}})
	s.observe(method, kind, started)
}

func (s *Server) respond(w http.ResponseWriter, resp types.Response) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.WithField("error", err).Warn("writing rpc response failed")
	}
}

func (s *Server) observe(method, status string, started time.Time) {
	elapsed := time.Since(started)
	s.metrics.observe(method, status, elapsed)
	s.log.WithFields(logrus.Fields{
		"method":   method,
		"status":   status,
		"duration": elapsed.String(),
	}).Info("rpc")
}

// decodeInto is a small helper so every method decodes its argument struct
// the same way. Absent args decode a zero value.
func decodeInto(args json.RawMessage, v interface{}) error {
	if len(args) == 0 {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	return nil
}

func (s *Server) methodTable() map[string]methodFunc {
	return map[string]methodFunc{
		"document.create": func(ctx context.Context, args json.RawMessage) (interface{}, error) {
			var req labstor.CreateDocumentRequest
			if err := decodeInto(args, &req); err != nil {
				return nil, err
			}
			doc, err := s.st.CreateDocument(ctx, req)
			if err != nil {
				return nil, err
			}
			return doc.DocumentInfo, nil
		},
		"document.get": func(ctx context.Context, args json.RawMessage) (interface{}, error) {
			var a types.IDArgs
			if err := decodeInto(args, &a); err != nil {
				return nil, err
			}
			doc, err := s.st.GetDocument(ctx, a.ID)
			if err != nil {
				return nil, err
			}
			return doc.DocumentInfo, nil
		},
		"document.get_data": func(ctx context.Context, args json.RawMessage) (interface{}, error) {
			var a types.IDArgs
			if err := decodeInto(args, &a); err != nil {
				return nil, err
			}
			// Payload bytes ride the envelope opaque, base64 under json.
			return s.st.GetDocumentData(ctx, a.ID)
		},
		"document.get_latest": func(ctx context.Context, args json.RawMessage) (interface{}, error) {
			var a types.LatestArgs
			if err := decodeInto(args, &a); err != nil {
				return nil, err
			}
			doc, err := s.st.GetLatestDocument(ctx, a.Name, a.State)
			if err != nil {
				return nil, err
			}
			return doc.DocumentInfo, nil
		},
		"document.query": func(ctx context.Context, args json.RawMessage) (interface{}, error) {
			var f types.Filter
			if err := decodeInto(args, &f); err != nil {
				return nil, err
			}
			return s.drain(ctx, f, s.st.QueryDocuments)
		},
		"document.count": func(ctx context.Context, args json.RawMessage) (interface{}, error) {
			var f types.Filter
			if err := decodeInto(args, &f); err != nil {
				return nil, err
			}
			return s.st.CountDocuments(ctx, f)
		},
		"document.delete": func(ctx context.Context, args json.RawMessage) (interface{}, error) {
			var a types.IDArgs
			if err := decodeInto(args, &a); err != nil {
				return nil, err
			}
			return true, s.st.DeleteDocument(ctx, a.ID)
		},
		"document.add_tags": func(ctx context.Context, args json.RawMessage) (interface{}, error) {
			var a types.TagArgs
			if err := decodeInto(args, &a); err != nil {
				return nil, err
			}
			return true, s.st.AddDocumentTags(ctx, a.ID, a.Tags)
		},
		"document.remove_tags": func(ctx context.Context, args json.RawMessage) (interface{}, error) {
			var a types.TagArgs
			if err := decodeInto(args, &a); err != nil {
				return nil, err
			}
			return true, s.st.RemoveDocumentTags(ctx, a.ID, a.Tags)
		},
		"document.set_tags": func(ctx context.Context, args json.RawMessage) (interface{}, error) {
			var a types.TagArgs
			if err := decodeInto(args, &a); err != nil {
				return nil, err
			}
			return true, s.st.SetDocumentTags(ctx, a.ID, a.Tags)
		},

		"dataset.create": func(ctx context.Context, args json.RawMessage) (interface{}, error) {
			var req labstor.CreateDatasetRequest
			if err := decodeInto(args, &req); err != nil {
				return nil, err
			}
			ds, err := s.st.CreateDataset(ctx, req)
			if err != nil {
				return nil, err
			}
			return ds.DatasetInfo, nil
		},
		"dataset.get": func(ctx context.Context, args json.RawMessage) (interface{}, error) {
			var a types.IDArgs
			if err := decodeInto(args, &a); err != nil {
				return nil, err
			}
			ds, err := s.st.GetDataset(ctx, a.ID)
			if err != nil {
				return nil, err
			}
			return ds.DatasetInfo, nil
		},
		"dataset.get_latest": func(ctx context.Context, args json.RawMessage) (interface{}, error) {
			var a types.LatestArgs
			if err := decodeInto(args, &a); err != nil {
				return nil, err
			}
			ds, err := s.st.GetLatestDataset(ctx, a.Name)
			if err != nil {
				return nil, err
			}
			return ds.DatasetInfo, nil
		},
		"dataset.query": func(ctx context.Context, args json.RawMessage) (interface{}, error) {
			var f types.Filter
			if err := decodeInto(args, &f); err != nil {
				return nil, err
			}
			return s.drain(ctx, f, s.st.QueryDatasets)
		},
		"dataset.count": func(ctx context.Context, args json.RawMessage) (interface{}, error) {
			var f types.Filter
			if err := decodeInto(args, &f); err != nil {
				return nil, err
			}
			return s.st.CountDatasets(ctx, f)
		},
		"dataset.append": func(ctx context.Context, args json.RawMessage) (interface{}, error) {
			var a types.AppendArgs
			if err := decodeInto(args, &a); err != nil {
				return nil, err
			}
			return true, s.st.AppendDataset(ctx, a.DatasetID, a.Pos, a.Data)
		},
		"dataset.flush": func(ctx context.Context, args json.RawMessage) (interface{}, error) {
			var a types.IDArgs
			if err := decodeInto(args, &a); err != nil {
				return nil, err
			}
			return true, s.st.FlushDataset(ctx, a.ID)
		},
		"dataset.delete": func(ctx context.Context, args json.RawMessage) (interface{}, error) {
			var a types.IDArgs
			if err := decodeInto(args, &a); err != nil {
				return nil, err
			}
			return true, s.st.DeleteDataset(ctx, a.ID)
		},
		"dataset.keys": func(ctx context.Context, args json.RawMessage) (interface{}, error) {
			var a types.IDArgs
			if err := decodeInto(args, &a); err != nil {
				return nil, err
			}
			return s.st.DatasetKeys(ctx, a.ID)
		},
		"dataset.add_tags": func(ctx context.Context, args json.RawMessage) (interface{}, error) {
			var a types.TagArgs
			if err := decodeInto(args, &a); err != nil {
				return nil, err
			}
			return true, s.st.AddDatasetTags(ctx, a.ID, a.Tags)
		},
		"dataset.remove_tags": func(ctx context.Context, args json.RawMessage) (interface{}, error) {
			var a types.TagArgs
			if err := decodeInto(args, &a); err != nil {
				return nil, err
			}
			return true, s.st.RemoveDatasetTags(ctx, a.ID, a.Tags)
		},
		"dataset.set_tags": func(ctx context.Context, args json.RawMessage) (interface{}, error) {
			var a types.TagArgs
			if err := decodeInto(args, &a); err != nil {
				return nil, err
			}
			return true, s.st.SetDatasetTags(ctx, a.ID, a.Tags)
		},

		"array.getitem": func(ctx context.Context, args json.RawMessage) (interface{}, error) {
			var a types.GetItemArgs
			if err := decodeInto(args, &a); err != nil {
				return nil, err
			}
			return s.st.ArrayGetItem(ctx, a.DatasetID, a.Key, a.Selection)
		},
		"array.iter": func(ctx context.Context, args json.RawMessage) (interface{}, error) {
			var a types.IterArgs
			if err := decodeInto(args, &a); err != nil {
				return nil, err
			}
			entries, err := s.st.ArrayIter(ctx, a.DatasetID, a.Key, a.Start, a.Count)
			if err != nil {
				return nil, err
			}
			if entries == nil {
				entries = []types.Entry{}
			}
			return entries, nil
		},

		"config.load": func(ctx context.Context, args json.RawMessage) (interface{}, error) {
			var a types.IDArgs
			if err := decodeInto(args, &a); err != nil {
				return nil, err
			}
			return s.st.LoadConfig(ctx, a.ID)
		},
		"script.load": func(ctx context.Context, args json.RawMessage) (interface{}, error) {
			var a types.IDArgs
			if err := decodeInto(args, &a); err != nil {
				return nil, err
			}
			return s.st.LoadScript(ctx, a.ID)
		},

		"storage.gc": func(ctx context.Context, args json.RawMessage) (interface{}, error) {
			return s.st.CollectGarbage(ctx)
		},
	}
}

// drain materializes one query page. The client controls page size through
// the filter's offset/limit; the cursor stays lazy engine-side.
func (s *Server) drain(ctx context.Context, f types.Filter, query func(context.Context, types.Filter) (labstor.Cursor, error)) (types.QueryResult, error) {
	cursor, err := query(ctx, f)
	if err != nil {
		return types.QueryResult{}, err
	}
	defer cursor.Close()
	result := types.QueryResult{IDs: []int64{}}
	for {
		id, ok := cursor.Next()
		if !ok {
			break
		}
		result.IDs = append(result.IDs, id)
	}
	return result, cursor.Err()
}
