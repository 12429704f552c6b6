// Package render draws false-color ion images using fogleman/gg.
package render

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"sync"

	"github.com/fogleman/gg"
	"github.com/ionmap/server/pkg/colormap"
)

// Config contains renderer configuration.
type Config struct {
	Width           int
	Height          int
	DefaultColormap string
}

// ImageRenderer renders intensity maps as PNG images.
type ImageRenderer struct {
	config      Config
	contextPool sync.Pool
	bufferPool  sync.Pool
	colormaps   map[string]colormap.Colormap
}

// NewImageRenderer creates a new ion-image renderer.
func NewImageRenderer(cfg Config) *ImageRenderer {
	r := &ImageRenderer{
		config: cfg,
		contextPool: sync.Pool{
			New: func() interface{} {
				return gg.NewContext(cfg.Width, cfg.Height)
			},
		},
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
		colormaps: make(map[string]colormap.Colormap),
	}

	r.colormaps["viridis"] = colormap.Viridis
	r.colormaps["plasma"] = colormap.Plasma
	r.colormaps["inferno"] = colormap.Inferno
	r.colormaps["magma"] = colormap.Magma
	r.colormaps["hot"] = colormap.Hot

	return r
}

// RenderIonImage renders an intensity map as a false-color image.
// Intensities are scaled to [0, 1] over [lo, hi] before colormap lookup;
// pixel cells are placed on the dataset's coordinate grid. xs, ys and
// intensities are index-aligned and equal length. pointScale scales each
// pixel cell relative to the grid spacing (1.0 fills the cell).
func (r *ImageRenderer) RenderIonImage(
	xs, ys []int,
	intensities []float64,
	lo, hi float64,
	colormapName string,
	pointScale float64,
) ([]byte, error) {
	dc := r.contextPool.Get().(*gg.Context)
	defer r.contextPool.Put(dc)

	dc.SetColor(color.Black)
	dc.Clear()

	if len(xs) == 0 {
		return r.encodeContext(dc)
	}

	cmap, ok := r.colormaps[colormapName]
	if !ok {
		cmap = r.colormaps[r.config.DefaultColormap]
	}

	span := hi - lo
	if span <= 0 {
		span = 1
	}
	if pointScale <= 0 {
		pointScale = 1
	}

	minX, maxX := xs[0], xs[0]
	minY, maxY := ys[0], ys[0]
	for i := range xs {
		if xs[i] < minX {
			minX = xs[i]
		}
		if xs[i] > maxX {
			maxX = xs[i]
		}
		if ys[i] < minY {
			minY = ys[i]
		}
		if ys[i] > maxY {
			maxY = ys[i]
		}
	}

	cellW := float64(r.config.Width) / float64(maxX-minX+1)
	cellH := float64(r.config.Height) / float64(maxY-minY+1)
	drawW := cellW * pointScale
	drawH := cellH * pointScale

	for i := range xs {
		px := float64(xs[i]-minX) * cellW
		py := float64(ys[i]-minY) * cellH

		t := (intensities[i] - lo) / span
		dc.SetColor(cmap.At(t))

		dc.DrawRectangle(px+(cellW-drawW)/2, py+(cellH-drawH)/2, drawW, drawH)
		dc.Fill()
	}

	return r.encodeContext(dc)
}

func (r *ImageRenderer) encodeContext(dc *gg.Context) ([]byte, error) {
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

// EmptyImage creates a transparent image for error responses.
func (r *ImageRenderer) EmptyImage() ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, r.config.Width, r.config.Height))

	buf := bytes.NewBuffer(nil)
	if err := png.Encode(buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
