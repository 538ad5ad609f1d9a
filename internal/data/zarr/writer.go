package zarr

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/klauspost/compress/zstd"
)

// StoreData is the full content of a dataset store to be written.
type StoreData struct {
	DatasetName string
	Platform    string
	Genes       []string
	Coordinates [][]float64 // N x D
	Expression  [][]float64 // N x G
	SmoothedRep [][]float64 // N x K
	Loadings    [][]float64 // K x G
}

// WriteStore writes a complete Zarr v3 store under basePath. Arrays are
// stored as float32 with zstd-compressed row chunks of at most chunkRows
// rows. Intended for preprocessing tools and test fixtures; production
// stores normally come from the upstream pipeline.
func WriteStore(basePath string, data StoreData, chunkRows int) error {
	if chunkRows <= 0 {
		chunkRows = 1024
	}
	n := len(data.Coordinates)
	if n == 0 {
		return fmt.Errorf("no cells")
	}
	if len(data.Expression) != n || len(data.SmoothedRep) != n {
		return fmt.Errorf("expression/representation row count does not match %d cells", n)
	}
	dims := len(data.Coordinates[0])
	nGenes := len(data.Genes)
	nLatent := len(data.Loadings)

	if err := os.MkdirAll(basePath, 0755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	defer encoder.Close()

	arrays := []struct {
		name string
		rows [][]float64
	}{
		{ArrayCoordinates, data.Coordinates},
		{ArrayExpression, data.Expression},
		{ArraySmoothedRep, data.SmoothedRep},
		{ArrayLoadings, data.Loadings},
	}
	for _, a := range arrays {
		if err := writeArray(filepath.Join(basePath, a.name), a.rows, chunkRows, encoder); err != nil {
			return fmt.Errorf("failed to write %s: %w", a.name, err)
		}
	}

	bounds := Bounds{}
	for i, c := range data.Coordinates {
		if i == 0 || c[0] < bounds.MinX {
			bounds.MinX = c[0]
		}
		if i == 0 || c[0] > bounds.MaxX {
			bounds.MaxX = c[0]
		}
		if i == 0 || c[1] < bounds.MinY {
			bounds.MinY = c[1]
		}
		if i == 0 || c[1] > bounds.MaxY {
			bounds.MaxY = c[1]
		}
	}

	geneIndex := make(map[string]int, nGenes)
	for i, g := range data.Genes {
		geneIndex[g] = i
	}
	metadata := StoreMetadata{
		FormatVersion: "1.0",
		DatasetName:   data.DatasetName,
		NCells:        n,
		NGenes:        nGenes,
		NLatent:       nLatent,
		NDims:         dims,
		Platform:      data.Platform,
		Genes:         data.Genes,
		GeneIndex:     geneIndex,
		Bounds:        bounds,
	}
	buf, err := json.MarshalIndent(&metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(basePath, "metadata.json"), buf, 0644); err != nil {
		return fmt.Errorf("failed to write metadata.json: %w", err)
	}
	return nil
}

func writeArray(arrayPath string, rows [][]float64, chunkRows int, encoder *zstd.Encoder) error {
	nRows := len(rows)
	if nRows == 0 {
		return fmt.Errorf("empty array")
	}
	nCols := len(rows[0])

	meta := map[string]interface{}{
		"zarr_format": 3,
		"node_type":   "array",
		"shape":       []int{nRows, nCols},
		"data_type":   "float32",
		"chunk_grid": map[string]interface{}{
			"name": "regular",
			"configuration": map[string]interface{}{
				"chunk_shape": []int{chunkRows, nCols},
			},
		},
		"chunk_key_encoding": map[string]interface{}{
			"name": "default",
			"configuration": map[string]interface{}{
				"separator": "/",
			},
		},
		"fill_value": 0,
		"codecs": []map[string]interface{}{
			{"name": "bytes", "configuration": map[string]interface{}{"endian": "little"}},
			{"name": "zstd", "configuration": map[string]interface{}{"level": 3}},
		},
	}
	buf, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(arrayPath, "c"), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(arrayPath, "zarr.json"), buf, 0644); err != nil {
		return err
	}

	nChunks := ceilDiv(nRows, chunkRows)
	for chunk := 0; chunk < nChunks; chunk++ {
		rowStart := chunk * chunkRows
		rowLen := min(chunkRows, nRows-rowStart)

		raw := make([]byte, rowLen*nCols*4)
		for i := 0; i < rowLen; i++ {
			row := rows[rowStart+i]
			for j := 0; j < nCols; j++ {
				bits := float32bits(float32(row[j]))
				off := (i*nCols + j) * 4
				raw[off] = byte(bits)
				raw[off+1] = byte(bits >> 8)
				raw[off+2] = byte(bits >> 16)
				raw[off+3] = byte(bits >> 24)
			}
		}

		chunkDir := filepath.Join(arrayPath, "c", strconv.Itoa(chunk))
		if err := os.MkdirAll(chunkDir, 0755); err != nil {
			return err
		}
		compressed := encoder.EncodeAll(raw, nil)
		if err := os.WriteFile(filepath.Join(chunkDir, "0"), compressed, 0644); err != nil {
			return err
		}
	}
	return nil
}
