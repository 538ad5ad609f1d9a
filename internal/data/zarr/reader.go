// Package zarr reads and writes the preprocessed expression store: a Zarr v3
// directory holding per-cell spatial coordinates, the raw expression matrix,
// the spatially smoothed low-rank representation and its gene loadings.
package zarr

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unsafe"

	"github.com/klauspost/compress/zstd"
)

// Array names inside a store directory.
const (
	ArrayCoordinates = "spatial"
	ArrayExpression  = "X"
	ArraySmoothedRep = "X_pca_smoothed"
	ArrayLoadings    = "PCs"
)

// Reader provides access to one dataset's Zarr store.
type Reader struct {
	basePath string
	metadata *StoreMetadata
	decoder  *zstd.Decoder

	mu       sync.Mutex
	coords   [][]float64
	smoothed [][]float64
	loadings [][]float64
}

// StoreMetadata describes the store contents.
type StoreMetadata struct {
	FormatVersion string         `json:"format_version"`
	DatasetName   string         `json:"dataset_name"`
	NCells        int            `json:"n_cells"`
	NGenes        int            `json:"n_genes"`
	NLatent       int            `json:"n_latent"`
	NDims         int            `json:"n_dims"`
	Platform      string         `json:"platform"`
	Genes         []string       `json:"genes"`
	GeneIndex     map[string]int `json:"gene_index"`
	Bounds        Bounds         `json:"bounds"`
}

// Bounds represents coordinate bounds.
type Bounds struct {
	MinX float64 `json:"min_x"`
	MaxX float64 `json:"max_x"`
	MinY float64 `json:"min_y"`
	MaxY float64 `json:"max_y"`
}

// ZarrV3ArrayMeta represents Zarr v3 array metadata (zarr.json).
type ZarrV3ArrayMeta struct {
	Shape     []int  `json:"shape"`
	DataType  string `json:"data_type"`
	ChunkGrid struct {
		Name          string `json:"name"`
		Configuration struct {
			ChunkShape []int `json:"chunk_shape"`
		} `json:"configuration"`
	} `json:"chunk_grid"`
	ChunkKeyEncoding struct {
		Name          string `json:"name"`
		Configuration struct {
			Separator string `json:"separator"`
		} `json:"configuration"`
	} `json:"chunk_key_encoding"`
	FillValue interface{} `json:"fill_value"`
	Codecs    []struct {
		Name          string                 `json:"name"`
		Configuration map[string]interface{} `json:"configuration"`
	} `json:"codecs"`
	ZarrFormat int    `json:"zarr_format"`
	NodeType   string `json:"node_type"`
}

// NewReader opens a dataset store.
func NewReader(basePath string) (*Reader, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	r := &Reader{
		basePath: basePath,
		decoder:  decoder,
	}
	if err := r.loadMetadata(); err != nil {
		return nil, fmt.Errorf("failed to load metadata: %w", err)
	}
	return r, nil
}

// Metadata returns the store metadata.
func (r *Reader) Metadata() *StoreMetadata {
	return r.metadata
}

func (r *Reader) loadMetadata() error {
	data, err := os.ReadFile(filepath.Join(r.basePath, "metadata.json"))
	if err != nil {
		return fmt.Errorf("failed to read metadata.json: %w", err)
	}

	var metadata StoreMetadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return fmt.Errorf("failed to parse metadata.json: %w", err)
	}

	if metadata.GeneIndex == nil {
		metadata.GeneIndex = make(map[string]int)
		for i, gene := range metadata.Genes {
			metadata.GeneIndex[gene] = i
		}
	}

	r.metadata = &metadata
	return nil
}

// Coordinates returns the N x D spatial coordinates, cached after first read.
func (r *Reader) Coordinates() ([][]float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.coords == nil {
		m, err := r.readMatrix(ArrayCoordinates)
		if err != nil {
			return nil, fmt.Errorf("failed to read coordinates: %w", err)
		}
		r.coords = m
	}
	return r.coords, nil
}

// SmoothedRep returns the N x K smoothed low-rank representation, cached
// after first read.
func (r *Reader) SmoothedRep() ([][]float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.smoothed == nil {
		m, err := r.readMatrix(ArraySmoothedRep)
		if err != nil {
			return nil, fmt.Errorf("failed to read smoothed representation: %w", err)
		}
		r.smoothed = m
	}
	return r.smoothed, nil
}

// Loadings returns the K x G latent-to-gene loading matrix, cached after
// first read.
func (r *Reader) Loadings() ([][]float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loadings == nil {
		m, err := r.readMatrix(ArrayLoadings)
		if err != nil {
			return nil, fmt.Errorf("failed to read loadings: %w", err)
		}
		r.loadings = m
	}
	return r.loadings, nil
}

// GeneExpression returns the raw expression column for one gene.
func (r *Reader) GeneExpression(gene string) ([]float64, error) {
	geneIdx, ok := r.metadata.GeneIndex[gene]
	if !ok {
		return nil, fmt.Errorf("gene not found: %s", gene)
	}
	return r.readColumn(ArrayExpression, geneIdx)
}

// GeneStats contains summary statistics for a gene's raw expression.
type GeneStats struct {
	Gene            string  `json:"gene"`
	Index           int     `json:"index"`
	ExpressingCells int     `json:"expressing_cells"`
	TotalCells      int     `json:"total_cells"`
	MeanExpression  float64 `json:"mean_expression"`
	MaxExpression   float64 `json:"max_expression"`
	P80Expression   float64 `json:"p80_expression"`
}

// GetGeneStats returns statistics over a gene's expressing cells.
func (r *Reader) GetGeneStats(gene string) (*GeneStats, error) {
	geneIdx, ok := r.metadata.GeneIndex[gene]
	if !ok {
		return nil, fmt.Errorf("gene not found: %s", gene)
	}

	expression, err := r.GeneExpression(gene)
	if err != nil {
		return nil, err
	}

	var sum, maxExpr float64
	var expressing int
	expressingValues := make([]float64, 0, len(expression))
	for _, v := range expression {
		if v > 0 {
			expressing++
			sum += v
			if v > maxExpr {
				maxExpr = v
			}
			expressingValues = append(expressingValues, v)
		}
	}

	var mean float64
	if expressing > 0 {
		mean = sum / float64(expressing)
	}

	var p80 float64
	if len(expressingValues) > 0 {
		sort.Float64s(expressingValues)
		n := len(expressingValues)
		// idx = ceil(0.80*n) - 1, computed with integers.
		idx := (80*n+99)/100 - 1
		if idx < 0 {
			idx = 0
		} else if idx >= n {
			idx = n - 1
		}
		p80 = expressingValues[idx]
	}

	return &GeneStats{
		Gene:            gene,
		Index:           geneIdx,
		ExpressingCells: expressing,
		TotalCells:      len(expression),
		MeanExpression:  mean,
		MaxExpression:   maxExpr,
		P80Expression:   p80,
	}, nil
}

// readMatrix reads a full 2D float32 array and converts it to float64 rows.
func (r *Reader) readMatrix(name string) ([][]float64, error) {
	arrayPath := filepath.Join(r.basePath, name)
	meta, err := r.loadArrayMeta(arrayPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s metadata: %w", name, err)
	}
	if len(meta.Shape) != 2 {
		return nil, fmt.Errorf("unexpected %s shape: %v", name, meta.Shape)
	}
	if len(meta.ChunkGrid.Configuration.ChunkShape) != 2 {
		return nil, fmt.Errorf("unexpected %s chunk shape: %v", name, meta.ChunkGrid.Configuration.ChunkShape)
	}

	nRows, nCols := meta.Shape[0], meta.Shape[1]
	rowChunk := meta.ChunkGrid.Configuration.ChunkShape[0]
	colChunk := meta.ChunkGrid.Configuration.ChunkShape[1]
	if rowChunk <= 0 || colChunk <= 0 {
		return nil, fmt.Errorf("invalid %s chunk shape: %v", name, meta.ChunkGrid.Configuration.ChunkShape)
	}

	out := make([][]float64, nRows)
	for i := range out {
		out[i] = make([]float64, nCols)
	}

	nRowChunks := ceilDiv(nRows, rowChunk)
	nColChunks := ceilDiv(nCols, colChunk)
	for rChunk := 0; rChunk < nRowChunks; rChunk++ {
		rowStart := rChunk * rowChunk
		rowLen := min(rowChunk, nRows-rowStart)
		for cChunk := 0; cChunk < nColChunks; cChunk++ {
			colStart := cChunk * colChunk
			colLen := min(colChunk, nCols-colStart)

			chunkData, err := r.readChunkAt(arrayPath, meta, []int{rChunk, cChunk})
			if err != nil {
				return nil, fmt.Errorf("failed to load %s chunk %d/%d: %w", name, rChunk, cChunk, err)
			}
			if len(chunkData) < rowLen*colLen*4 {
				return nil, fmt.Errorf("%s chunk %d/%d too short: got %d bytes, expected %d", name, rChunk, cChunk, len(chunkData), rowLen*colLen*4)
			}

			for i := 0; i < rowLen; i++ {
				for j := 0; j < colLen; j++ {
					off := (i*colLen + j) * 4
					bits := uint32(chunkData[off]) |
						uint32(chunkData[off+1])<<8 |
						uint32(chunkData[off+2])<<16 |
						uint32(chunkData[off+3])<<24
					out[rowStart+i][colStart+j] = float64(float32frombits(bits))
				}
			}
		}
	}
	return out, nil
}

// readColumn reads one column of a 2D float32 array.
func (r *Reader) readColumn(name string, col int) ([]float64, error) {
	arrayPath := filepath.Join(r.basePath, name)
	meta, err := r.loadArrayMeta(arrayPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s metadata: %w", name, err)
	}
	if len(meta.Shape) != 2 {
		return nil, fmt.Errorf("unexpected %s shape: %v", name, meta.Shape)
	}
	nRows, nCols := meta.Shape[0], meta.Shape[1]
	if col < 0 || col >= nCols {
		return nil, fmt.Errorf("column out of range: %d (n_cols=%d)", col, nCols)
	}
	if len(meta.ChunkGrid.Configuration.ChunkShape) != 2 {
		return nil, fmt.Errorf("unexpected %s chunk shape: %v", name, meta.ChunkGrid.Configuration.ChunkShape)
	}

	rowChunk := meta.ChunkGrid.Configuration.ChunkShape[0]
	colChunk := meta.ChunkGrid.Configuration.ChunkShape[1]
	if rowChunk <= 0 || colChunk <= 0 {
		return nil, fmt.Errorf("invalid %s chunk shape: %v", name, meta.ChunkGrid.Configuration.ChunkShape)
	}

	colChunkIdx := col / colChunk
	colOffset := col % colChunk
	nRowChunks := ceilDiv(nRows, rowChunk)

	out := make([]float64, nRows)
	for rChunk := 0; rChunk < nRowChunks; rChunk++ {
		rowStart := rChunk * rowChunk
		rowLen := min(rowChunk, nRows-rowStart)
		colStart := colChunkIdx * colChunk
		colLen := min(colChunk, nCols-colStart)

		chunkData, err := r.readChunkAt(arrayPath, meta, []int{rChunk, colChunkIdx})
		if err != nil {
			return nil, fmt.Errorf("failed to load %s chunk %d/%d: %w", name, rChunk, colChunkIdx, err)
		}
		if len(chunkData) < rowLen*colLen*4 {
			return nil, fmt.Errorf("%s chunk %d/%d too short: got %d bytes, expected %d", name, rChunk, colChunkIdx, len(chunkData), rowLen*colLen*4)
		}
		if colOffset >= colLen {
			return nil, fmt.Errorf("column offset out of chunk range: offset=%d colLen=%d", colOffset, colLen)
		}

		for i := 0; i < rowLen; i++ {
			off := (i*colLen + colOffset) * 4
			bits := uint32(chunkData[off]) |
				uint32(chunkData[off+1])<<8 |
				uint32(chunkData[off+2])<<16 |
				uint32(chunkData[off+3])<<24
			out[rowStart+i] = float64(float32frombits(bits))
		}
	}
	return out, nil
}

// loadArrayMeta loads Zarr v3 array metadata.
func (r *Reader) loadArrayMeta(arrayPath string) (*ZarrV3ArrayMeta, error) {
	data, err := os.ReadFile(filepath.Join(arrayPath, "zarr.json"))
	if err != nil {
		return nil, err
	}

	var meta ZarrV3ArrayMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// readChunk reads and decompresses a chunk from Zarr v3 format.
func (r *Reader) readChunk(arrayPath string, chunkKey string) ([]byte, error) {
	// Zarr v3 stores chunks in the c/ directory.
	compressedData, err := os.ReadFile(filepath.Join(arrayPath, "c", chunkKey))
	if err != nil {
		return nil, err
	}

	decompressed, err := r.decoder.DecodeAll(compressedData, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress failed: %w", err)
	}
	return decompressed, nil
}

func (r *Reader) encodeChunkKey(meta *ZarrV3ArrayMeta, chunkIndices []int) string {
	sep := meta.ChunkKeyEncoding.Configuration.Separator
	if sep == "" {
		sep = "/"
	}
	parts := make([]string, len(chunkIndices))
	for i, idx := range chunkIndices {
		parts[i] = strconv.Itoa(idx)
	}
	return strings.Join(parts, sep)
}

func (r *Reader) chunkShapeAt(meta *ZarrV3ArrayMeta, chunkIndices []int) ([]int, error) {
	if len(meta.Shape) == 0 || len(meta.ChunkGrid.Configuration.ChunkShape) == 0 {
		return nil, fmt.Errorf("invalid zarr metadata: missing shape/chunk_shape")
	}
	if len(meta.Shape) != len(meta.ChunkGrid.Configuration.ChunkShape) {
		return nil, fmt.Errorf("invalid zarr metadata: shape dims (%d) != chunk dims (%d)", len(meta.Shape), len(meta.ChunkGrid.Configuration.ChunkShape))
	}
	if len(chunkIndices) != len(meta.Shape) {
		return nil, fmt.Errorf("invalid chunk indices: got %d dims, expected %d", len(chunkIndices), len(meta.Shape))
	}

	actual := make([]int, len(meta.Shape))
	for d := range meta.Shape {
		chunkLen := meta.ChunkGrid.Configuration.ChunkShape[d]
		if chunkLen <= 0 {
			return nil, fmt.Errorf("invalid chunk shape at dim %d: %d", d, chunkLen)
		}
		start := chunkIndices[d] * chunkLen
		if start < 0 || start >= meta.Shape[d] {
			return nil, fmt.Errorf("chunk index out of range at dim %d: start=%d shape=%d", d, start, meta.Shape[d])
		}
		remaining := meta.Shape[d] - start
		if remaining < chunkLen {
			chunkLen = remaining
		}
		actual[d] = chunkLen
	}

	return actual, nil
}

func zarrDTypeSize(dataType string) (int, error) {
	switch dataType {
	case "float32", "int32", "uint32":
		return 4, nil
	case "uint64":
		return 8, nil
	default:
		return 0, fmt.Errorf("unsupported zarr data_type: %s", dataType)
	}
}

func zarrFillValueBytes(meta *ZarrV3ArrayMeta) ([]byte, error) {
	size, err := zarrDTypeSize(meta.DataType)
	if err != nil {
		return nil, err
	}

	// Default fill to 0 if unspecified.
	fill := meta.FillValue
	if fill == nil {
		return make([]byte, size), nil
	}

	switch meta.DataType {
	case "float32":
		var v float32
		switch t := fill.(type) {
		case float64:
			v = float32(t)
		case float32:
			v = t
		case int:
			v = float32(t)
		default:
			return nil, fmt.Errorf("unsupported fill_value type for float32: %T", fill)
		}
		bits := float32bits(v)
		return []byte{byte(bits), byte(bits >> 8), byte(bits >> 16), byte(bits >> 24)}, nil
	case "int32":
		var v int32
		switch t := fill.(type) {
		case float64:
			v = int32(t)
		case int:
			v = int32(t)
		case int32:
			v = t
		default:
			return nil, fmt.Errorf("unsupported fill_value type for int32: %T", fill)
		}
		u := uint32(v)
		return []byte{byte(u), byte(u >> 8), byte(u >> 16), byte(u >> 24)}, nil
	case "uint32":
		var v uint32
		switch t := fill.(type) {
		case float64:
			v = uint32(t)
		case int:
			v = uint32(t)
		case uint32:
			v = t
		default:
			return nil, fmt.Errorf("unsupported fill_value type for uint32: %T", fill)
		}
		return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}, nil
	case "uint64":
		var v uint64
		switch t := fill.(type) {
		case float64:
			v = uint64(t)
		case int:
			v = uint64(t)
		case uint64:
			v = t
		default:
			return nil, fmt.Errorf("unsupported fill_value type for uint64: %T", fill)
		}
		return []byte{
			byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24),
			byte(v >> 32), byte(v >> 40), byte(v >> 48), byte(v >> 56),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported zarr data_type: %s", meta.DataType)
	}
}

func repeatFillBytes(fill []byte, n int) []byte {
	if n <= 0 {
		return nil
	}
	if len(fill) == 0 {
		return make([]byte, n)
	}
	// Fast path: fill is all zeros; make() already zero-initializes.
	allZero := true
	for _, b := range fill {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return make([]byte, len(fill)*n)
	}

	out := make([]byte, len(fill)*n)
	for i := 0; i < n; i++ {
		copy(out[i*len(fill):(i+1)*len(fill)], fill)
	}
	return out
}

func product(ints []int) int {
	p := 1
	for _, v := range ints {
		p *= v
	}
	return p
}

func (r *Reader) readChunkAt(arrayPath string, meta *ZarrV3ArrayMeta, chunkIndices []int) ([]byte, error) {
	key := r.encodeChunkKey(meta, chunkIndices)
	data, err := r.readChunk(arrayPath, key)
	if err == nil {
		return data, nil
	}

	// A chunk absent on disk represents an all-fill-value chunk.
	if os.IsNotExist(err) {
		shape, shapeErr := r.chunkShapeAt(meta, chunkIndices)
		if shapeErr != nil {
			return nil, shapeErr
		}
		elementCount := product(shape)
		fillBytes, fillErr := zarrFillValueBytes(meta)
		if fillErr != nil {
			return nil, fillErr
		}
		return repeatFillBytes(fillBytes, elementCount), nil
	}

	return nil, err
}

// Close releases resources.
func (r *Reader) Close() {
	if r.decoder != nil {
		r.decoder.Close()
	}
}

func float32frombits(b uint32) float32 {
	return *(*float32)(unsafe.Pointer(&b))
}

func float32bits(f float32) uint32 {
	return *(*uint32)(unsafe.Pointer(&f))
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
