// Package render draws spatial scatter maps using fogleman/gg.
package render

import (
	"bytes"
	"image/color"
	"image/png"
	"sync"

	"github.com/fogleman/gg"

	"github.com/spatialpost/server/pkg/colormap"
)

// Config contains renderer configuration.
type Config struct {
	ImageSize       int
	PointSize       float64
	DefaultColormap string
}

// MapRenderer renders cluster and expression scatter maps.
type MapRenderer struct {
	config      Config
	contextPool sync.Pool
	bufferPool  sync.Pool
	colormaps   map[string]colormap.Colormap
}

// NewMapRenderer creates a new map renderer.
func NewMapRenderer(cfg Config) *MapRenderer {
	r := &MapRenderer{
		config: cfg,
		contextPool: sync.Pool{
			New: func() interface{} {
				return gg.NewContext(cfg.ImageSize, cfg.ImageSize)
			},
		},
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 64*1024))
			},
		},
		colormaps: make(map[string]colormap.Colormap),
	}

	r.colormaps["viridis"] = colormap.Viridis
	r.colormaps["plasma"] = colormap.Plasma
	r.colormaps["inferno"] = colormap.Inferno
	r.colormaps["magma"] = colormap.Magma
	r.colormaps["seurat"] = colormap.Seurat
	r.colormaps["categorical"] = colormap.Categorical

	return r
}

// RenderClusterMap draws cells colored by cluster label. Cells with a
// negative label are skipped. A palette entry is picked per label; when
// the palette is shorter than the label range it wraps around.
func (r *MapRenderer) RenderClusterMap(coords [][]float64, labels []int, palette []color.RGBA) ([]byte, error) {
	dc := r.contextPool.Get().(*gg.Context)
	defer r.contextPool.Put(dc)

	dc.SetColor(color.White)
	dc.Clear()

	if len(coords) == 0 {
		return r.encodeContext(dc)
	}

	proj := newProjection(coords, float64(r.config.ImageSize), r.config.PointSize)

	for i, c := range coords {
		label := -1
		if i < len(labels) {
			label = labels[i]
		}
		if label < 0 {
			continue
		}

		if len(palette) > 0 {
			dc.SetColor(palette[label%len(palette)])
		} else {
			dc.SetColor(colormap.Categorical.AtIndex(label))
		}

		px, py := proj.apply(c[0], c[1])
		dc.DrawCircle(px, py, r.config.PointSize)
		dc.Fill()
	}

	return r.encodeContext(dc)
}

// RenderExpressionMap draws cells colored by a per-cell value scaled
// between valMin and valMax.
func (r *MapRenderer) RenderExpressionMap(coords [][]float64, values []float64, valMin, valMax float64, colormapName string) ([]byte, error) {
	dc := r.contextPool.Get().(*gg.Context)
	defer r.contextPool.Put(dc)

	dc.SetColor(color.White)
	dc.Clear()

	if len(coords) == 0 || len(values) == 0 {
		return r.encodeContext(dc)
	}

	cmap, ok := r.colormaps[colormapName]
	if !ok {
		cmap = r.colormaps[r.config.DefaultColormap]
	}

	valRange := valMax - valMin
	if valRange == 0 {
		valRange = 1
	}

	proj := newProjection(coords, float64(r.config.ImageSize), r.config.PointSize)

	for i, c := range coords {
		if i >= len(values) {
			break
		}

		normalized := (values[i] - valMin) / valRange
		dc.SetColor(cmap.At(normalized))

		px, py := proj.apply(c[0], c[1])
		dc.DrawCircle(px, py, r.config.PointSize)
		dc.Fill()
	}

	return r.encodeContext(dc)
}

// Colormaps lists the registered colormap names.
func (r *MapRenderer) Colormaps() []string {
	names := make([]string, 0, len(r.colormaps))
	for name := range r.colormaps {
		names = append(names, name)
	}
	return names
}

func (r *MapRenderer) encodeContext(dc *gg.Context) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, dc.Image()); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

// projection maps data coordinates onto the image with a margin, the
// y axis flipped so larger y draws toward the top.
type projection struct {
	minX, minY   float64
	scale        float64
	margin, size float64
}

func newProjection(coords [][]float64, size, margin float64) projection {
	minX, maxX := coords[0][0], coords[0][0]
	minY, maxY := coords[0][1], coords[0][1]
	for _, c := range coords {
		if c[0] < minX {
			minX = c[0]
		}
		if c[0] > maxX {
			maxX = c[0]
		}
		if c[1] < minY {
			minY = c[1]
		}
		if c[1] > maxY {
			maxY = c[1]
		}
	}

	spanX := maxX - minX
	spanY := maxY - minY
	span := spanX
	if spanY > span {
		span = spanY
	}
	if span == 0 {
		span = 1
	}

	margin *= 2
	return projection{
		minX:   minX,
		minY:   minY,
		scale:  (size - 2*margin) / span,
		margin: margin,
		size:   size,
	}
}

func (p projection) apply(x, y float64) (float64, float64) {
	px := p.margin + (x-p.minX)*p.scale
	py := p.size - p.margin - (y-p.minY)*p.scale
	return px, py
}
