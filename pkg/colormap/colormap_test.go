package colormap

import (
	"image/color"
	"testing"
)

func TestHotColormapEndpoints(t *testing.T) {
	t.Parallel()

	c0, ok := Hot.At(0).(color.RGBA)
	if !ok {
		t.Fatalf("expected color.RGBA at t=0")
	}
	if c0 != (color.RGBA{R: 0, G: 0, B: 0, A: 255}) {
		t.Fatalf("unexpected Hot.At(0): %#v", c0)
	}

	c1, ok := Hot.At(1).(color.RGBA)
	if !ok {
		t.Fatalf("expected color.RGBA at t=1")
	}
	if c1 != (color.RGBA{R: 255, G: 255, B: 255, A: 255}) {
		t.Fatalf("unexpected Hot.At(1): %#v", c1)
	}
}

func TestViridisClamped(t *testing.T) {
	t.Parallel()

	if Viridis.At(-0.5) != Viridis.At(0) {
		t.Fatal("expected values below 0 to clamp to the first control color")
	}
	if Viridis.At(1.5) != Viridis.At(1) {
		t.Fatal("expected values above 1 to clamp to the last control color")
	}
}
