// Package service holds the ion-image data reduction and view state.
package service

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/ionmap/server/internal/cache"
	"github.com/ionmap/server/internal/render"
)

// DefaultHalfWidth is the half-width of the m/z selection window.
const DefaultHalfWidth = 0.1

// ErrEmptyFirstSpectrum means the m/z domain could not be established.
var ErrEmptyFirstSpectrum = errors.New("first spectrum is empty, cannot establish m/z range")

// PixelSource provides coordinates and spectra for the pixels of one dataset.
// The imzml reader satisfies it; tests inject in-memory fakes.
type PixelSource interface {
	PixelCount() int
	CoordinateAt(i int) (x, y int, err error)
	SpectrumAt(i int) (mzs, intensities []float64, err error)
}

// IntensityMap is the product of one build: three index-aligned sequences of
// equal length, one entry per pixel, in pixel order.
type IntensityMap struct {
	Xs          []int     `json:"xs"`
	Ys          []int     `json:"ys"`
	Intensities []float64 `json:"intensities"`

	CenterMz     float64 `json:"center_mz"`
	HalfWidth    float64 `json:"half_width"`
	Normalized   bool    `json:"normalized"`
	FailedPixels int     `json:"failed_pixels"`
}

// View is a snapshot of the current view state.
type View struct {
	Mz        float64 `json:"mz"`
	Normalize bool    `json:"normalize"`
	MzMin     float64 `json:"mz_min"`
	MzMax     float64 `json:"mz_max"`
}

// MapStats summarizes an intensity map for colorbar scaling.
type MapStats struct {
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	P80         float64 `json:"p80"` // 80th percentile of nonzero intensities
	NonzeroPxls int     `json:"nonzero_pixels"`
	TotalPixels int     `json:"total_pixels"`
}

// IonImageServiceConfig contains ion-image service configuration.
type IonImageServiceConfig struct {
	DatasetID string
	Source    PixelSource
	Cache     *cache.Manager
	Renderer  *render.ImageRenderer
	HalfWidth float64
}

// IonImageService builds intensity maps from a pixel source and tracks the
// current view (m/z and normalization flag).
type IonImageService struct {
	datasetID string
	source    PixelSource
	cache     *cache.Manager
	renderer  *render.ImageRenderer
	halfWidth float64

	mu        sync.Mutex
	currentMz float64
	normalize bool
	mzMin     float64
	mzMax     float64
}

// NewIonImageService creates the service and establishes the m/z range from
// the dataset's first spectrum. A missing or empty first spectrum is fatal:
// no valid m/z domain exists and the viewer cannot reach a usable state.
func NewIonImageService(cfg IonImageServiceConfig) (*IonImageService, error) {
	halfWidth := cfg.HalfWidth
	if halfWidth <= 0 {
		halfWidth = DefaultHalfWidth
	}

	datasetID := cfg.DatasetID
	if datasetID == "" {
		datasetID = "default"
	}

	mzs, _, err := cfg.Source.SpectrumAt(0)
	if err != nil {
		return nil, fmt.Errorf("failed to read first spectrum: %w", err)
	}
	if len(mzs) == 0 {
		return nil, ErrEmptyFirstSpectrum
	}

	mzMin, mzMax := mzs[0], mzs[0]
	for _, v := range mzs[1:] {
		if v < mzMin {
			mzMin = v
		}
		if v > mzMax {
			mzMax = v
		}
	}

	return &IonImageService{
		datasetID: datasetID,
		source:    cfg.Source,
		cache:     cfg.Cache,
		renderer:  cfg.Renderer,
		halfWidth: halfWidth,
		currentMz: (mzMin + mzMax) / 2,
		mzMin:     mzMin,
		mzMax:     mzMax,
	}, nil
}

// MzRange returns the m/z domain established at construction.
func (s *IonImageService) MzRange() (float64, float64) {
	return s.mzMin, s.mzMax
}

// CurrentView returns a snapshot of the view state.
func (s *IonImageService) CurrentView() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return View{
		Mz:        s.currentMz,
		Normalize: s.normalize,
		MzMin:     s.mzMin,
		MzMax:     s.mzMax,
	}
}

// SetMz updates the current m/z if it falls inside the dataset's range and
// reports whether a rebuild is needed. Out-of-range values are rejected and
// the prior state is kept.
func (s *IonImageService) SetMz(v float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v < s.mzMin || v > s.mzMax {
		log.Printf("[%s] rejected m/z %g outside range [%g, %g]", s.datasetID, v, s.mzMin, s.mzMax)
		return false
	}
	s.currentMz = v
	return true
}

// SetNormalize updates the TIC normalization flag. Always succeeds; a rebuild
// is needed afterwards.
func (s *IonImageService) SetNormalize(flag bool) {
	s.mu.Lock()
	s.normalize = flag
	s.mu.Unlock()
}

// BuildIntensityMap sums per-pixel intensities inside the inclusive window
// [centerMz-halfWidth, centerMz+halfWidth], optionally dividing each sum by
// the pixel's total ion count. A failing pixel contributes a zero intensity
// and a warning; it never aborts the build.
func (s *IonImageService) BuildIntensityMap(centerMz float64, normalize bool) *IntensityMap {
	n := s.source.PixelCount()
	m := &IntensityMap{
		Xs:          make([]int, 0, n),
		Ys:          make([]int, 0, n),
		Intensities: make([]float64, 0, n),
		CenterMz:    centerMz,
		HalfWidth:   s.halfWidth,
		Normalized:  normalize,
	}

	low := centerMz - s.halfWidth
	high := centerMz + s.halfWidth

	for i := 0; i < n; i++ {
		x, y, err := s.source.CoordinateAt(i)
		if err != nil {
			log.Printf("[%s] warning: pixel %d coordinate unavailable: %v", s.datasetID, i, err)
			m.FailedPixels++
			m.Xs = append(m.Xs, 0)
			m.Ys = append(m.Ys, 0)
			m.Intensities = append(m.Intensities, 0)
			continue
		}

		intensity, err := s.pixelIntensity(i, low, high, normalize)
		if err != nil {
			log.Printf("[%s] warning: pixel %d skipped: %v", s.datasetID, i, err)
			m.FailedPixels++
			intensity = 0
		}

		m.Xs = append(m.Xs, x)
		m.Ys = append(m.Ys, y)
		m.Intensities = append(m.Intensities, intensity)
	}

	return m
}

func (s *IonImageService) pixelIntensity(i int, low, high float64, normalize bool) (float64, error) {
	mzs, intensities, err := s.fetchSpectrum(i)
	if err != nil {
		return 0, err
	}

	sum := 0.0
	for j, mz := range mzs {
		if mz >= low && mz <= high {
			sum += intensities[j]
		}
	}

	if normalize {
		tic := 0.0
		for _, v := range intensities {
			tic += v
		}
		if tic <= 0 {
			return 0, nil
		}
		return sum / tic, nil
	}

	return sum, nil
}

// fetchSpectrum consults the spectrum cache before the source. The cache is a
// pure read-through optimization; build output is identical with or without it.
func (s *IonImageService) fetchSpectrum(i int) ([]float64, []float64, error) {
	if s.cache == nil {
		return s.source.SpectrumAt(i)
	}

	key := cache.SpectrumKey(s.datasetID, i)
	if sp, ok := s.cache.GetSpectrum(key); ok {
		return sp.Mzs, sp.Intensities, nil
	}

	mzs, intensities, err := s.source.SpectrumAt(i)
	if err != nil {
		return nil, nil, err
	}
	s.cache.SetSpectrum(key, cache.Spectrum{Mzs: mzs, Intensities: intensities})
	return mzs, intensities, nil
}

// Stats computes summary statistics of a built map.
func (s *IonImageService) Stats(m *IntensityMap) MapStats {
	st := MapStats{TotalPixels: len(m.Intensities)}
	if len(m.Intensities) == 0 {
		return st
	}

	st.Min = m.Intensities[0]
	st.Max = m.Intensities[0]
	nonzero := make([]float64, 0, len(m.Intensities))
	for _, v := range m.Intensities {
		if v < st.Min {
			st.Min = v
		}
		if v > st.Max {
			st.Max = v
		}
		if v > 0 {
			nonzero = append(nonzero, v)
		}
	}
	st.NonzeroPxls = len(nonzero)

	if len(nonzero) > 0 {
		sort.Float64s(nonzero)
		n := len(nonzero)
		// idx = ceil(0.80*n) - 1, computed with integers.
		idx := (80*n+99)/100 - 1
		if idx < 0 {
			idx = 0
		} else if idx >= n {
			idx = n - 1
		}
		st.P80 = nonzero[idx]
	}

	return st
}

// RenderIonImage builds the map for the given parameters and renders it as a
// PNG, caching the encoded bytes.
func (s *IonImageService) RenderIonImage(centerMz float64, normalize bool, colormapName string, pointScale float64) ([]byte, error) {
	cacheKey := cache.IonImageKey(s.datasetID, centerMz, normalize, colormapName, pointScale)
	if s.cache != nil {
		if data, ok := s.cache.GetImage(cacheKey); ok {
			return data, nil
		}
	}

	m := s.BuildIntensityMap(centerMz, normalize)

	// Scale colors over [0, p80] so outliers do not compress the colormap.
	st := s.Stats(m)
	hi := st.P80
	if hi <= 0 {
		hi = st.Max
	}

	data, err := s.renderer.RenderIonImage(m.Xs, m.Ys, m.Intensities, 0, hi, colormapName, pointScale)
	if err != nil {
		return nil, fmt.Errorf("failed to render ion image: %w", err)
	}

	if s.cache != nil {
		s.cache.SetImage(cacheKey, data)
	}
	return data, nil
}

// RenderCurrentView renders the ion image at the current view state.
func (s *IonImageService) RenderCurrentView(colormapName string, pointScale float64) ([]byte, error) {
	v := s.CurrentView()
	return s.RenderIonImage(v.Mz, v.Normalize, colormapName, pointScale)
}

// EmptyImage returns a blank image for failed render requests.
func (s *IonImageService) EmptyImage() ([]byte, error) {
	return s.renderer.EmptyImage()
}
