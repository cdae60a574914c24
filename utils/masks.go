package utils

import (
	"image"
	"image/color"

	"github.com/lucasb-eyer/go-colorful"

	"github.com/setanarut/stylebuilder/tensor"
)

func unitByte(v float64) uint8 {
	return uint8(max(0, min(1, v))*255 + 0.5)
}

// MaskLayers renders every mask as a grayscale image, 0 to 255 for weights
// 0 to 1.
func MaskLayers(masks []*tensor.Tensor) []*image.Gray {
	out := make([]*image.Gray, len(masks))
	for i, m := range masks {
		layer := image.NewGray(image.Rect(0, 0, m.W, m.H))
		for p := range m.Pixels() {
			layer.Pix[p] = unitByte(m.Pix[p*m.Bands])
		}
		out[i] = layer
	}
	return out
}

// ColorLayers tints each mask with the matching palette color, using the
// mask weight as alpha. Masks without a palette entry are skipped.
func ColorLayers(masks []*tensor.Tensor, palette []colorful.Color) []*image.NRGBA {
	n := min(len(masks), len(palette))
	out := make([]*image.NRGBA, n)
	for i := range n {
		m := masks[i]
		r, g, b := palette[i].Clamped().RGB255()
		layer := image.NewNRGBA(image.Rect(0, 0, m.W, m.H))
		for y := range m.H {
			for x := range m.W {
				layer.SetNRGBA(x, y, color.NRGBA{R: r, G: g, B: b, A: unitByte(m.At(x, y, 0))})
			}
		}
		out[i] = layer
	}
	return out
}

// Composite blends the masks over the first palette color, bottom to top
// in palette order, giving a flat preview of the segmentation.
func Composite(masks []*tensor.Tensor, palette []colorful.Color) *image.RGBA {
	if len(masks) == 0 {
		return image.NewRGBA(image.Rectangle{})
	}
	w, h := masks[0].W, masks[0].H
	recon := image.NewRGBA(image.Rect(0, 0, w, h))
	n := min(len(masks), len(palette))
	if n == 0 {
		return recon
	}
	for y := range h {
		for x := range w {
			out := palette[0]
			for ch := 1; ch < n; ch++ {
				a := max(0, min(1, masks[ch].At(x, y, 0)))
				if a == 0 {
					continue
				}
				out = colorful.Color{
					R: a*palette[ch].R + (1-a)*out.R,
					G: a*palette[ch].G + (1-a)*out.G,
					B: a*palette[ch].B + (1-a)*out.B,
				}
			}
			r, g, b := out.Clamped().RGB255()
			recon.SetRGBA(x, y, color.RGBA{r, g, b, 255})
		}
	}
	return recon
}

// Palette picks one color per mask from the image the masks were derived
// from, ordered dark to bright.
func Palette(img image.Image, k int, method PaletteMethod) []colorful.Color {
	p := ExtractPalette(img, k, method)
	SortPaletteByBrightness(p)
	return p
}
