package utils

import (
	"image"
	"image/color"

	"github.com/lucasb-eyer/go-colorful"

	"github.com/setanarut/stylebuilder/tensor"
)

// ImageToTensor converts img to an RGB tensor with samples in [0,255].
func ImageToTensor(img image.Image) *tensor.Tensor {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	t := tensor.New(w, h, 3)
	for y := range h {
		for x := range w {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			off := t.Offset(x, y)
			t.Pix[off] = float64(r >> 8)
			t.Pix[off+1] = float64(g >> 8)
			t.Pix[off+2] = float64(b >> 8)
		}
	}
	return t
}

// TensorToImage converts the first three bands of t to an opaque image,
// clamping samples to [0,255]. Single-band tensors become gray.
func TensorToImage(t *tensor.Tensor) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, t.W, t.H))
	for y := range t.H {
		for x := range t.W {
			off := t.Offset(x, y)
			r := clampByte(t.Pix[off])
			g, b := r, r
			if t.Bands >= 3 {
				g = clampByte(t.Pix[off+1])
				b = clampByte(t.Pix[off+2])
			}
			img.SetRGBA(x, y, color.RGBA{r, g, b, 255})
		}
	}
	return img
}

func clampByte(v float64) uint8 {
	return uint8(max(0, min(255, v+0.5)))
}

// LabTensor converts an RGB tensor in [0,255] to CIE L*a*b*.
func LabTensor(rgb *tensor.Tensor) *tensor.Tensor {
	lab := tensor.New(rgb.W, rgb.H, 3)
	for i := range rgb.Pixels() {
		off := i * rgb.Bands
		c := colorful.Color{
			R: rgb.Pix[off] / 255.0,
			G: rgb.Pix[off+1] / 255.0,
			B: rgb.Pix[off+2] / 255.0,
		}
		l, a, b := c.Clamped().Lab()
		lab.Pix[i*3] = l
		lab.Pix[i*3+1] = a
		lab.Pix[i*3+2] = b
	}
	return lab
}
