package apiServer

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/labstor/labstor"
	"github.com/labstor/labstor/pkg/client"
	"github.com/labstor/labstor/pkg/types"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// newTestRemote spins up an engine behind an httptest server and returns a
// remote Storage talking to it, plus the engine for direct comparison.
func newTestRemote(t *testing.T) (*labstor.Engine, labstor.Storage, *httptest.Server) {
	t.Helper()
	engine, err := labstor.Open(labstor.Config{Path: t.TempDir(), Logger: quietLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	server := New(engine, WithLogger(quietLogger()))
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	remote := client.New(ts.URL, client.WithLogger(quietLogger()))
	t.Cleanup(func() { remote.Close() })
	return engine, remote, ts
}

func TestRemoteIsRemote(t *testing.T) {
	engine, remote, _ := newTestRemote(t)
	require.False(t, engine.IsRemote())
	require.True(t, remote.IsRemote())
}

func TestRemoteDocumentRoundTrip(t *testing.T) {
	_, remote, _ := newTestRemote(t)
	ctx := context.Background()

	doc, err := remote.CreateDocument(ctx, labstor.CreateDocumentRequest{
		Name:  "remote-fit",
		Data:  []byte(`{"chi2": 1.02}`),
		State: labstor.StateOK,
		Tags:  []string{"remote"},
		Meta:  map[string]interface{}{"run": float64(7)},
	})
	require.NoError(t, err)
	require.NotZero(t, doc.ID)
	require.Equal(t, int64(1), doc.Version)
	require.Equal(t, []string{"remote"}, doc.Tags)
	require.Equal(t, float64(7), doc.Meta["run"])

	// Payload bytes survive the envelope exactly.
	data, err := doc.Data(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte(`{"chi2": 1.02}`), data)

	latest, err := remote.GetLatestDocument(ctx, "remote-fit", "")
	require.NoError(t, err)
	require.Equal(t, doc.ID, latest.ID)

	// Versioning works through the same entity API as locally.
	v2, err := doc.SaveAsNewVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), v2.Version)
	require.Equal(t, doc.ID, v2.ParentID)
	require.Equal(t, doc.PayloadHash, v2.PayloadHash)
}

func TestRemoteLocalParity(t *testing.T) {
	engine, remote, _ := newTestRemote(t)
	ctx := context.Background()

	ds, err := remote.CreateDataset(ctx, labstor.CreateDatasetRequest{
		Name:   "parity",
		Config: json.RawMessage(`{"span": 4}`),
	})
	require.NoError(t, err)

	for i := int64(0); i < 4; i++ {
		require.NoError(t, ds.Append(ctx, types.Position{i}, map[string]types.Value{
			"signal": types.Float(float64(i) * 1.5),
		}))
	}
	// Leave a hole at position 5 so a NaN crosses the wire.
	require.NoError(t, ds.Append(ctx, types.Position{6}, map[string]types.Value{
		"signal": types.Float(9),
	}))
	require.NoError(t, ds.Flush(ctx))

	viaRemote, err := ds.Array("signal").ToArray(ctx)
	require.NoError(t, err)
	viaLocal, err := engine.ArrayGetItem(ctx, ds.ID, "signal", nil)
	require.NoError(t, err)

	require.Equal(t, viaLocal.Shape, viaRemote.Shape)
	require.Len(t, viaRemote.Re, len(viaLocal.Re))
	for i := range viaLocal.Re {
		if math.IsNaN(viaLocal.Re[i]) {
			require.True(t, math.IsNaN(viaRemote.Re[i]), "cell %d", i)
		} else {
			require.Equal(t, viaLocal.Re[i], viaRemote.Re[i], "cell %d", i)
		}
	}

	// Slicing goes through the same normalization on both paths.
	viaRemote, err = ds.Array("signal").GetItem(ctx, []types.Slice{types.Range(1, 3)})
	require.NoError(t, err)
	viaLocal, err = engine.ArrayGetItem(ctx, ds.ID, "signal", []types.Slice{types.Range(1, 3)})
	require.NoError(t, err)
	require.Equal(t, viaLocal.Re, viaRemote.Re)

	entries, err := ds.Array("signal").Iter(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 5)

	config, err := ds.Config(ctx)
	require.NoError(t, err)
	require.JSONEq(t, `{"span": 4}`, string(config))
}

func TestRemoteErrorTaxonomy(t *testing.T) {
	_, remote, _ := newTestRemote(t)
	ctx := context.Background()

	_, err := remote.GetDocument(ctx, 9999)
	require.ErrorIs(t, err, labstor.ErrNotFound)

	err = remote.DeleteDataset(ctx, 9999)
	require.ErrorIs(t, err, labstor.ErrConflict)

	ds, err := remote.CreateDataset(ctx, labstor.CreateDatasetRequest{Name: "strict"})
	require.NoError(t, err)
	require.NoError(t, remote.AppendDataset(ctx, ds.ID, types.Position{0, 0}, map[string]types.Value{
		"v": types.Float(1),
	}))
	err = remote.AppendDataset(ctx, ds.ID, types.Position{0}, map[string]types.Value{
		"v": types.Float(2),
	})
	require.ErrorIs(t, err, labstor.ErrIntegrity)
}

func TestRemoteQueryCursor(t *testing.T) {
	_, remote, _ := newTestRemote(t)
	ctx := context.Background()

	var want []int64
	for i := 0; i < 8; i++ {
		doc, err := remote.CreateDocument(ctx, labstor.CreateDocumentRequest{Name: "paged"})
		require.NoError(t, err)
		want = append([]int64{doc.ID}, want...)
	}

	cursor, err := remote.QueryDocuments(ctx, types.Filter{Name: "paged"})
	require.NoError(t, err)
	defer cursor.Close()
	var got []int64
	for {
		id, ok := cursor.Next()
		if !ok {
			break
		}
		got = append(got, id)
	}
	require.NoError(t, cursor.Err())
	require.Equal(t, want, got)

	// Offset and limit are honored across the wire.
	cursor, err = remote.QueryDocuments(ctx, types.Filter{Name: "paged", Offset: 2, Limit: 3})
	require.NoError(t, err)
	defer cursor.Close()
	got = nil
	for {
		id, ok := cursor.Next()
		if !ok {
			break
		}
		got = append(got, id)
	}
	require.NoError(t, cursor.Err())
	require.Equal(t, want[2:5], got)

	n, err := remote.CountDocuments(ctx, types.Filter{Name: "paged"})
	require.NoError(t, err)
	require.Equal(t, int64(8), n)
}

func TestRemoteGC(t *testing.T) {
	_, remote, _ := newTestRemote(t)
	ctx := context.Background()

	doc, err := remote.CreateDocument(ctx, labstor.CreateDocumentRequest{Name: "tmp", Data: []byte("bytes")})
	require.NoError(t, err)
	require.NoError(t, remote.DeleteDocument(ctx, doc.ID))

	stats, err := remote.CollectGarbage(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Chunks)
	require.Greater(t, stats.BytesReclaimed, int64(0))
}

func TestUnknownMethod(t *testing.T) {
	_, _, ts := newTestRemote(t)

	body, err := json.Marshal(types.Request{Method: "document.explode"})
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+"/rpc", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var response types.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&response))
	require.NotNil(t, response.Error)
	require.Equal(t, "method_not_found", response.Error.Kind)
}

func TestMalformedEnvelope(t *testing.T) {
	_, _, ts := newTestRemote(t)

	resp, err := http.Post(ts.URL+"/rpc", "application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	defer resp.Body.Close()

	var response types.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&response))
	require.NotNil(t, response.Error)
	require.Equal(t, "method_not_found", response.Error.Kind)
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	_, _, ts := newTestRemote(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
