package segment

import "github.com/setanarut/stylebuilder/tensor"

// blur applies a 3×3 box filter to every band, passes times. Edge pixels
// average over the neighbors that exist, so per-pixel band sums are kept.
func blur(t *tensor.Tensor, passes int) *tensor.Tensor {
	cur := t
	for range passes {
		next := cur.Zeros()
		for y := range cur.H {
			for x := range cur.W {
				dst := next.Pix[next.Offset(x, y) : next.Offset(x, y)+cur.Bands]
				n := 0.0
				for yy := max(0, y-1); yy <= min(cur.H-1, y+1); yy++ {
					for xx := max(0, x-1); xx <= min(cur.W-1, x+1); xx++ {
						src := cur.Pix[cur.Offset(xx, yy) : cur.Offset(xx, yy)+cur.Bands]
						for b, v := range src {
							dst[b] += v
						}
						n++
					}
				}
				for b := range dst {
					dst[b] /= n
				}
			}
		}
		cur = next
	}
	return cur
}

// normalize rescales the bands of every pixel to sum to one. Pixels with a
// non-positive sum become uniform.
func normalize(t *tensor.Tensor) {
	k := t.Bands
	for p := range t.Pixels() {
		row := t.Pix[p*k : (p+1)*k]
		sum := 0.0
		for i, v := range row {
			row[i] = max(0, v)
			sum += row[i]
		}
		for i := range row {
			if sum > 0 {
				row[i] /= sum
			} else {
				row[i] = 1 / float64(k)
			}
		}
	}
}
