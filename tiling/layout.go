// Package tiling evaluates canvas objectives tile by tile and stitches the
// per-tile gradients back into one canvas gradient.
package tiling

import (
	"fmt"

	"github.com/setanarut/stylebuilder/tensor"
)

// Layout is the tile grid over a canvas. Tiles start at Offset and advance
// by the stride TileSize-Padding, wrapping around the canvas edges.
type Layout struct {
	Width, Height         int
	TileWidth, TileHeight int
	Padding               int
	OffsetX, OffsetY      int
	Cols, Rows            int
}

// NewLayout computes the smallest grid of tileSize tiles overlapping by
// padding that covers a w×h canvas. Offsets are taken modulo the canvas.
func NewLayout(w, h, tileSize, padding, offsetX, offsetY int) (Layout, error) {
	if w <= 0 || h <= 0 || tileSize <= 0 || padding < 0 {
		return Layout{}, fmt.Errorf("%w: canvas %dx%d, tile %d, padding %d", ErrInvalidLayout, w, h, tileSize, padding)
	}
	l := Layout{
		Width:      w,
		Height:     h,
		TileWidth:  min(tileSize, w),
		TileHeight: min(tileSize, h),
		Padding:    padding,
		OffsetX:    mod(offsetX, w),
		OffsetY:    mod(offsetY, h),
	}
	var err error
	if l.Cols, err = count(w, l.TileWidth, padding); err != nil {
		return Layout{}, err
	}
	if l.Rows, err = count(h, l.TileHeight, padding); err != nil {
		return Layout{}, err
	}
	return l, nil
}

func mod(v, n int) int {
	v %= n
	if v < 0 {
		v += n
	}
	return v
}

// count is the least n with stride·(n-1) + tile ≥ dim.
func count(dim, tile, padding int) (int, error) {
	if tile >= dim {
		return 1, nil
	}
	stride := tile - padding
	if stride <= 0 {
		return 0, fmt.Errorf("%w: padding %d leaves no stride for tile %d", ErrInvalidLayout, padding, tile)
	}
	return (dim-tile+stride-1)/stride + 1, nil
}

// IsSingle reports whether one tile covers the canvas without wrapping.
func (l Layout) IsSingle() bool {
	return l.Cols == 1 && l.Rows == 1 && l.OffsetX == 0 && l.OffsetY == 0
}

// Region is one tile of a layout. X and Y may exceed the canvas when the
// tile wraps.
type Region struct {
	Col, Row   int
	X, Y, W, H int
}

// Crop copies the region out of t, which must have the canvas extent.
func (r Region) Crop(t *tensor.Tensor) *tensor.Tensor {
	return t.Crop(r.X, r.Y, r.W, r.H)
}

func start(i, count, dim, tile, padding, offset int) int {
	if offset == 0 && i == count-1 {
		return dim - tile
	}
	return offset + i*(tile-padding)
}

// Regions lists the tiles in row-major order, which is also the order in
// which their gradients are assembled. Without an offset the last row and
// column are pulled back to end at the canvas edge.
func (l Layout) Regions() []Region {
	out := make([]Region, 0, l.Cols*l.Rows)
	for row := range l.Rows {
		y := start(row, l.Rows, l.Height, l.TileHeight, l.Padding, l.OffsetY)
		for col := range l.Cols {
			x := start(col, l.Cols, l.Width, l.TileWidth, l.Padding, l.OffsetX)
			out = append(out, Region{Col: col, Row: row, X: x, Y: y, W: l.TileWidth, H: l.TileHeight})
		}
	}
	return out
}

func (l Layout) String() string {
	return fmt.Sprintf("%dx%d tiles of %dx%d (padding %d, offset %d,%d) over %dx%d",
		l.Cols, l.Rows, l.TileWidth, l.TileHeight, l.Padding, l.OffsetX, l.OffsetY, l.Width, l.Height)
}
