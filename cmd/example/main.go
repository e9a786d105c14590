// A minimal tour of the local engine API: a dataset with buffered array
// appends, a deduplicated config, and a versioned document.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/labstor/labstor"
	"github.com/labstor/labstor/pkg/types"
)

func main() {
	dir, err := os.MkdirTemp("", "labstor-example-*")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	engine, err := labstor.Open(labstor.Config{Path: dir})
	if err != nil {
		log.Fatal(err)
	}
	defer engine.Close()

	ctx := context.Background()

	ds, err := engine.CreateDataset(ctx, labstor.CreateDatasetRequest{
		Name:   "rabi-sweep",
		Config: json.RawMessage(`{"freq": 5e9, "power": -20}`),
		Tags:   []string{"qubit-3"},
	})
	if err != nil {
		log.Fatal(err)
	}

	for i := int64(0); i < 100; i++ {
		err := ds.Append(ctx, types.Position{i}, map[string]types.Value{
			"amplitude": types.Float(float64(i) * 0.01),
		})
		if err != nil {
			log.Fatal(err)
		}
	}
	if err := ds.Flush(ctx); err != nil {
		log.Fatal(err)
	}

	dense, err := ds.Array("amplitude").ToArray(ctx)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("amplitude: shape %v, %d cells\n", dense.Shape, dense.NumElems())

	doc, err := engine.CreateDocument(ctx, labstor.CreateDocumentRequest{
		Name:       "rabi-fit",
		Data:       []byte(`{"pi_pulse_ns": 24.5}`),
		State:      labstor.StateOK,
		Tags:       []string{"qubit-3"},
		DatasetIDs: []int64{ds.ID},
	})
	if err != nil {
		log.Fatal(err)
	}

	doc.SetData([]byte(`{"pi_pulse_ns": 24.1}`))
	v2, err := doc.SaveAsNewVersion(ctx)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("document %q now at version %d\n", v2.Name, v2.Version)

	latest, err := engine.GetLatestDocument(ctx, "rabi-fit", "")
	if err != nil {
		log.Fatal(err)
	}
	data, err := latest.Data(ctx)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("latest fit: %s\n", data)
}
