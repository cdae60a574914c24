package utils

import (
	"image"

	"golang.org/x/image/draw"

	"github.com/setanarut/stylebuilder/tensor"
)

// Resize resamples every band of t to w×h with bilinear filtering.
// Each band is quantized to 16 bits over its own value range while it goes
// through the image resampler. Same-size requests return an exact copy.
func Resize(t *tensor.Tensor, w, h int) *tensor.Tensor {
	if t.W == w && t.H == h {
		return t.Clone()
	}
	out := tensor.New(w, h, t.Bands)
	src := image.NewGray16(image.Rect(0, 0, t.W, t.H))
	dst := image.NewGray16(image.Rect(0, 0, w, h))
	for b := range t.Bands {
		lo, hi := bandRange(t, b)
		span := hi - lo
		for i := range t.Pixels() {
			v := 0.0
			if span > 0 {
				v = (t.Pix[i*t.Bands+b] - lo) / span
			}
			q := uint16(min(65535, max(0, v*65535+0.5)))
			src.Pix[2*i] = uint8(q >> 8)
			src.Pix[2*i+1] = uint8(q)
		}
		draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
		for i := range w * h {
			q := uint16(dst.Pix[2*i])<<8 | uint16(dst.Pix[2*i+1])
			out.Pix[i*t.Bands+b] = lo + span*float64(q)/65535
		}
	}
	return out
}

func bandRange(t *tensor.Tensor, b int) (lo, hi float64) {
	lo, hi = t.Pix[b], t.Pix[b]
	for i := range t.Pixels() {
		v := t.Pix[i*t.Bands+b]
		lo = min(lo, v)
		hi = max(hi, v)
	}
	return lo, hi
}

// ResizeImage scales img to w×h with bilinear filtering.
func ResizeImage(img image.Image, w, h int) *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(out, out.Bounds(), img, img.Bounds(), draw.Over, nil)
	return out
}

// FitWidth returns the extent with the given width and the aspect of size.
func FitWidth(size image.Point, width int) image.Point {
	if size.X <= 0 || width <= 0 {
		return size
	}
	return image.Pt(width, max(1, (size.Y*width+size.X/2)/size.X))
}
