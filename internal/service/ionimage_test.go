package service

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/ionmap/server/internal/cache"
	"github.com/ionmap/server/internal/render"
)

// fakeSource is an in-memory pixel source.
type fakeSource struct {
	coords      [][2]int
	mzs         [][]float64
	intensities [][]float64
	failAt      map[int]bool
}

func (f *fakeSource) PixelCount() int { return len(f.coords) }

func (f *fakeSource) CoordinateAt(i int) (int, int, error) {
	return f.coords[i][0], f.coords[i][1], nil
}

func (f *fakeSource) SpectrumAt(i int) ([]float64, []float64, error) {
	if f.failAt[i] {
		return nil, nil, errors.New("simulated read failure")
	}
	return f.mzs[i], f.intensities[i], nil
}

// fourPixelSource returns the 2x2 dataset with identical spectra
// m/z=[100,200,300], intensities=[10,20,30].
func fourPixelSource() *fakeSource {
	f := &fakeSource{}
	for _, c := range [][2]int{{0, 0}, {1, 0}, {0, 1}, {1, 1}} {
		f.coords = append(f.coords, c)
		f.mzs = append(f.mzs, []float64{100, 200, 300})
		f.intensities = append(f.intensities, []float64{10, 20, 30})
	}
	return f
}

func newTestService(t *testing.T, src PixelSource) *IonImageService {
	t.Helper()
	svc, err := NewIonImageService(IonImageServiceConfig{
		DatasetID: "test",
		Source:    src,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return svc
}

func TestBuildIntensityMap_LengthInvariant(t *testing.T) {
	svc := newTestService(t, fourPixelSource())

	m := svc.BuildIntensityMap(200, false)
	if len(m.Xs) != 4 || len(m.Ys) != 4 || len(m.Intensities) != 4 {
		t.Fatalf("expected 4 entries in each array, got xs=%d ys=%d intensities=%d",
			len(m.Xs), len(m.Ys), len(m.Intensities))
	}
}

func TestBuildIntensityMap_WindowSum(t *testing.T) {
	svc := newTestService(t, fourPixelSource())

	m := svc.BuildIntensityMap(200, false)
	for i, v := range m.Intensities {
		if v != 20 {
			t.Errorf("pixel %d: expected intensity 20, got %v", i, v)
		}
	}

	// Coordinates preserved in pixel order.
	wantCoords := [][2]int{{0, 0}, {1, 0}, {0, 1}, {1, 1}}
	for i, c := range wantCoords {
		if m.Xs[i] != c[0] || m.Ys[i] != c[1] {
			t.Errorf("pixel %d: expected (%d,%d), got (%d,%d)", i, c[0], c[1], m.Xs[i], m.Ys[i])
		}
	}
}

func TestBuildIntensityMap_EmptyWindow(t *testing.T) {
	svc := newTestService(t, fourPixelSource())

	m := svc.BuildIntensityMap(150, false)
	for i, v := range m.Intensities {
		if v != 0 {
			t.Errorf("pixel %d: expected intensity 0, got %v", i, v)
		}
	}
}

func TestBuildIntensityMap_InclusiveBounds(t *testing.T) {
	center := 200.0
	hw := 0.1

	f := &fakeSource{
		coords:      [][2]int{{0, 0}},
		mzs:         [][]float64{{center - hw, center + hw, 500}},
		intensities: [][]float64{{3, 4, 100}},
	}
	svc := newTestService(t, f)

	m := svc.BuildIntensityMap(center, false)
	if m.Intensities[0] != 7 {
		t.Fatalf("expected both boundary values included (sum 7), got %v", m.Intensities[0])
	}
}

func TestBuildIntensityMap_Normalize(t *testing.T) {
	svc := newTestService(t, fourPixelSource())

	m := svc.BuildIntensityMap(200, true)
	want := 20.0 / 60.0
	for i, v := range m.Intensities {
		if math.Abs(v-want) > 1e-12 {
			t.Errorf("pixel %d: expected %v, got %v", i, want, v)
		}
	}
}

func TestBuildIntensityMap_NormalizeZeroTIC(t *testing.T) {
	f := &fakeSource{
		coords:      [][2]int{{0, 0}},
		mzs:         [][]float64{{100, 200, 300}},
		intensities: [][]float64{{0, 0, 0}},
	}
	svc := newTestService(t, f)

	m := svc.BuildIntensityMap(200, true)
	v := m.Intensities[0]
	if v != 0 {
		t.Fatalf("expected 0 for zero-TIC pixel, got %v", v)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		t.Fatalf("expected finite intensity, got %v", v)
	}
}

func TestBuildIntensityMap_Idempotent(t *testing.T) {
	svc := newTestService(t, fourPixelSource())

	m1 := svc.BuildIntensityMap(200, true)
	m2 := svc.BuildIntensityMap(200, true)

	if len(m1.Intensities) != len(m2.Intensities) {
		t.Fatalf("length mismatch: %d vs %d", len(m1.Intensities), len(m2.Intensities))
	}
	for i := range m1.Intensities {
		if m1.Intensities[i] != m2.Intensities[i] || m1.Xs[i] != m2.Xs[i] || m1.Ys[i] != m2.Ys[i] {
			t.Fatalf("builds differ at pixel %d", i)
		}
	}
}

func TestBuildIntensityMap_FailureIsolation(t *testing.T) {
	f := fourPixelSource()
	f.failAt = map[int]bool{3: true}
	svc := newTestService(t, f)

	m := svc.BuildIntensityMap(200, false)
	if len(m.Intensities) != 4 {
		t.Fatalf("expected full-length result, got %d entries", len(m.Intensities))
	}
	want := []float64{20, 20, 20, 0}
	for i, v := range want {
		if m.Intensities[i] != v {
			t.Errorf("pixel %d: expected %v, got %v", i, v, m.Intensities[i])
		}
	}
	if m.FailedPixels != 1 {
		t.Errorf("expected 1 failed pixel, got %d", m.FailedPixels)
	}
}

func TestBuildIntensityMap_WithSpectrumCache(t *testing.T) {
	cm, err := cache.NewManager(cache.Config{
		ImageCacheSizeMB:  16,
		ImageTTL:          time.Minute,
		SpectrumCacheSize: 16,
	})
	if err != nil {
		t.Fatalf("failed to create cache manager: %v", err)
	}
	defer cm.Close()

	svc, err := NewIonImageService(IonImageServiceConfig{
		DatasetID: "test",
		Source:    fourPixelSource(),
		Cache:     cm,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	m1 := svc.BuildIntensityMap(200, false)
	m2 := svc.BuildIntensityMap(200, false)
	for i := range m1.Intensities {
		if m1.Intensities[i] != m2.Intensities[i] {
			t.Fatalf("cached build differs at pixel %d: %v vs %v", i, m1.Intensities[i], m2.Intensities[i])
		}
	}
}

func TestNewIonImageService_Range(t *testing.T) {
	svc := newTestService(t, fourPixelSource())

	mzMin, mzMax := svc.MzRange()
	if mzMin != 100 || mzMax != 300 {
		t.Fatalf("unexpected m/z range: [%v, %v]", mzMin, mzMax)
	}

	v := svc.CurrentView()
	if v.Mz != 200 {
		t.Fatalf("expected initial m/z at range midpoint 200, got %v", v.Mz)
	}
}

func TestNewIonImageService_EmptyFirstSpectrum(t *testing.T) {
	f := &fakeSource{
		coords:      [][2]int{{0, 0}},
		mzs:         [][]float64{{}},
		intensities: [][]float64{{}},
	}
	if _, err := NewIonImageService(IonImageServiceConfig{DatasetID: "test", Source: f}); !errors.Is(err, ErrEmptyFirstSpectrum) {
		t.Fatalf("expected ErrEmptyFirstSpectrum, got %v", err)
	}
}

func TestNewIonImageService_FirstSpectrumUnreadable(t *testing.T) {
	f := fourPixelSource()
	f.failAt = map[int]bool{0: true}
	if _, err := NewIonImageService(IonImageServiceConfig{DatasetID: "test", Source: f}); err == nil {
		t.Fatal("expected error when first spectrum cannot be read")
	}
}

func TestSetMz(t *testing.T) {
	svc := newTestService(t, fourPixelSource())

	if !svc.SetMz(250) {
		t.Fatal("expected in-range m/z to be accepted")
	}
	if v := svc.CurrentView(); v.Mz != 250 {
		t.Fatalf("expected m/z 250, got %v", v.Mz)
	}

	if svc.SetMz(500) {
		t.Fatal("expected out-of-range m/z to be rejected")
	}
	if v := svc.CurrentView(); v.Mz != 250 {
		t.Fatalf("expected m/z unchanged after rejection, got %v", v.Mz)
	}

	// Bounds themselves are valid.
	if !svc.SetMz(100) || !svc.SetMz(300) {
		t.Fatal("expected range bounds to be accepted")
	}
}

func TestSetNormalize(t *testing.T) {
	svc := newTestService(t, fourPixelSource())

	svc.SetNormalize(true)
	if v := svc.CurrentView(); !v.Normalize {
		t.Fatal("expected normalize flag set")
	}
	svc.SetNormalize(false)
	if v := svc.CurrentView(); v.Normalize {
		t.Fatal("expected normalize flag cleared")
	}
}

func TestStats(t *testing.T) {
	svc := newTestService(t, fourPixelSource())

	m := &IntensityMap{Intensities: []float64{0, 1, 2, 3, 4}}
	st := svc.Stats(m)
	if st.Min != 0 || st.Max != 4 {
		t.Fatalf("unexpected min/max: %v/%v", st.Min, st.Max)
	}
	if st.NonzeroPxls != 4 {
		t.Fatalf("expected 4 nonzero pixels, got %d", st.NonzeroPxls)
	}
	// Nearest-rank 80th percentile of [1 2 3 4] is the 4th value.
	if st.P80 != 4 {
		t.Fatalf("expected p80=4, got %v", st.P80)
	}
}

func TestRenderIonImage(t *testing.T) {
	svc, err := NewIonImageService(IonImageServiceConfig{
		DatasetID: "test",
		Source:    fourPixelSource(),
		Renderer:  render.NewImageRenderer(render.Config{Width: 32, Height: 32, DefaultColormap: "viridis"}),
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	data, err := svc.RenderIonImage(200, false, "viridis", 1.0)
	if err != nil {
		t.Fatalf("RenderIonImage error: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected PNG bytes")
	}
}
