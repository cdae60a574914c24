package utils

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strconv"

	"github.com/lucasb-eyer/go-colorful"

	"github.com/setanarut/stylebuilder/tensor"
)

// ReadImage decodes a PNG or JPEG file.
func ReadImage(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	defer file.Close()
	img, _, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDecode, path, err)
	}
	return img, nil
}

// ReadTensor decodes path into an RGB tensor in [0,255].
func ReadTensor(path string) (*tensor.Tensor, error) {
	img, err := ReadImage(path)
	if err != nil {
		return nil, err
	}
	return ImageToTensor(img), nil
}

func SaveImage(img image.Image, filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEncode, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrEncode, filename, err)
	}
	return nil
}

// SaveTensor writes t as a PNG, clamped to [0,255].
func SaveTensor(t *tensor.Tensor, filename string) error {
	return SaveImage(TensorToImage(t), filename)
}

// SaveGrayImages writes gray_00.png, gray_01.png, ... into dir.
func SaveGrayImages(images []*image.Gray, dir string) error {
	for i, img := range images {
		if err := SaveImage(img, filepath.Join(dir, "gray_0"+strconv.Itoa(i)+".png")); err != nil {
			return err
		}
	}
	return nil
}

// SaveColorImages writes rgba_00.png, rgba_01.png, ... into dir.
func SaveColorImages(images []*image.NRGBA, dir string) error {
	for i, img := range images {
		if err := SaveImage(img, filepath.Join(dir, "rgba_0"+strconv.Itoa(i)+".png")); err != nil {
			return err
		}
	}
	return nil
}

// SavePalette writes the palette as a strip of square swatches.
func SavePalette(palette []colorful.Color, tileSize int, filename string) error {
	if len(palette) == 0 {
		return ErrEmptyPalette
	}
	if tileSize <= 0 {
		tileSize = 64
	}
	img := image.NewRGBA(image.Rect(0, 0, tileSize*len(palette), tileSize))
	for i, c := range palette {
		r, g, b := c.Clamped().RGB255()
		for y := range tileSize {
			for x := i * tileSize; x < (i+1)*tileSize; x++ {
				img.SetRGBA(x, y, color.RGBA{R: r, G: g, B: b, A: 255})
			}
		}
	}
	return SaveImage(img, filename)
}
