package utils

import (
	"errors"
	"image"
	"math"
	"path/filepath"
	"testing"

	"github.com/lucasb-eyer/go-colorful"

	"github.com/setanarut/stylebuilder/tensor"
)

func gradientTensor(w, h int) *tensor.Tensor {
	t := tensor.New(w, h, 3)
	for y := range h {
		for x := range w {
			t.Set(x, y, 0, float64(x*255/max(1, w-1)))
			t.Set(x, y, 1, float64(y*255/max(1, h-1)))
			t.Set(x, y, 2, 128)
		}
	}
	return t
}

func TestResize(t *testing.T) {
	src := gradientTensor(8, 6)

	same := Resize(src, 8, 6)
	for i := range src.Pix {
		if same.Pix[i] != src.Pix[i] {
			t.Fatalf("same size resize changed sample %d", i)
		}
	}
	same.Pix[0] = -1
	if src.Pix[0] == -1 {
		t.Fatal("same size resize aliases the source")
	}

	big := Resize(src, 16, 12)
	if big.W != 16 || big.H != 12 || big.Bands != 3 {
		t.Fatalf("shape = %s", big)
	}
	for i := range big.Pixels() {
		if v := big.Pix[i*3+2]; math.Abs(v-128) > 1e-9 {
			t.Fatalf("constant band drifted to %v", v)
		}
		if v := big.Pix[i*3]; v < -1e-9 || v > 255+1e-9 {
			t.Fatalf("band 0 out of source range: %v", v)
		}
	}
}

func TestFitWidth(t *testing.T) {
	tests := []struct {
		size  image.Point
		width int
		want  image.Point
	}{
		{image.Pt(200, 100), 50, image.Pt(50, 25)},
		{image.Pt(100, 300), 10, image.Pt(10, 30)},
		{image.Pt(100, 1), 10, image.Pt(10, 1)},
		{image.Pt(100, 100), 0, image.Pt(100, 100)},
	}
	for _, tt := range tests {
		if got := FitWidth(tt.size, tt.width); got != tt.want {
			t.Errorf("FitWidth(%v, %d) = %v, want %v", tt.size, tt.width, got, tt.want)
		}
	}
}

func TestTensorImageRoundTrip(t *testing.T) {
	src := gradientTensor(5, 4)
	path := filepath.Join(t.TempDir(), "img.png")
	if err := SaveTensor(src, path); err != nil {
		t.Fatal(err)
	}
	got, err := ReadTensor(path)
	if err != nil {
		t.Fatal(err)
	}
	if !got.SameShape(src) {
		t.Fatalf("shape = %s, want %s", got, src)
	}
	for i := range src.Pix {
		if got.Pix[i] != src.Pix[i] {
			t.Fatalf("sample %d = %v, want %v", i, got.Pix[i], src.Pix[i])
		}
	}
}

func TestReadImageMissing(t *testing.T) {
	_, err := ReadImage(filepath.Join(t.TempDir(), "none.png"))
	if !errors.Is(err, ErrDecode) {
		t.Errorf("error = %v, want ErrDecode", err)
	}
}

func TestSavePaletteEmpty(t *testing.T) {
	err := SavePalette(nil, 8, filepath.Join(t.TempDir(), "p.png"))
	if !errors.Is(err, ErrEmptyPalette) {
		t.Errorf("error = %v, want ErrEmptyPalette", err)
	}
}

func TestMaskPreviews(t *testing.T) {
	left := tensor.New(4, 2, 1)
	right := tensor.New(4, 2, 1)
	for y := range 2 {
		for x := range 4 {
			if x < 2 {
				left.Set(x, y, 0, 1)
			} else {
				right.Set(x, y, 0, 1)
			}
		}
	}
	masks := []*tensor.Tensor{left, right}

	gray := MaskLayers(masks)
	if gray[0].GrayAt(0, 0).Y != 255 || gray[0].GrayAt(3, 0).Y != 0 {
		t.Errorf("gray layer 0 = %v, %v", gray[0].GrayAt(0, 0), gray[0].GrayAt(3, 0))
	}

	palette := []colorful.Color{{R: 0, G: 0, B: 0}, {R: 1, G: 0, B: 0}}
	if n := len(ColorLayers(masks, palette[:1])); n != 1 {
		t.Errorf("ColorLayers kept %d layers for one color", n)
	}
	img := Composite(masks, palette)
	if c := img.RGBAAt(0, 0); c.R != 0 || c.A != 255 {
		t.Errorf("background pixel = %v", c)
	}
	if c := img.RGBAAt(3, 1); c.R != 255 || c.G != 0 {
		t.Errorf("top layer pixel = %v", c)
	}
}
