// Copyright 2024-2026 Aiku AI

// Package mask computes the watermark rectangle for an image and renders it
// as a single-channel bitmap (black background, white region) suitable as an
// inpainting mask.
package mask

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
)

// MaxPixels bounds the size of a rasterized mask. Larger requests fail
// with ErrAllocation instead of attempting the allocation.
const MaxPixels = 1 << 28

var (
	// ErrMaskTooLarge means the configured region does not fit in the image.
	ErrMaskTooLarge = errors.New("mask region larger than image")
	// ErrInvalidSize means a negative or zero dimension was supplied.
	ErrInvalidSize = errors.New("invalid mask or image size")
	// ErrAllocation means the mask bitmap could not be allocated.
	ErrAllocation = errors.New("mask bitmap allocation failed")
)

// Rect is a region in image pixel coordinates.
type Rect struct {
	X      int
	Y      int
	Width  int
	Height int
}

// Bounds converts r into an image.Rectangle.
func (r Rect) Bounds() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
}

// Region is the static mask configuration. Negative offsets are measured
// from the right/bottom edge of the image.
type Region struct {
	OffsetX int
	OffsetY int
	Width   int
	Height  int
}

// Compute places a maskWidth x maskHeight rectangle in a width x height
// image. A negative offset is relative to the far edge, so the same region
// describes e.g. a bottom-right watermark for any image size. The result is
// clamped to stay inside the image. When the mask is larger than the image
// the offending coordinate is clamped to 0 and ErrMaskTooLarge is returned.
func Compute(width, height, offsetX, offsetY, maskWidth, maskHeight int) (Rect, error) {
	if width <= 0 || height <= 0 || maskWidth <= 0 || maskHeight <= 0 {
		return Rect{}, fmt.Errorf("%w: image %dx%d, mask %dx%d", ErrInvalidSize, width, height, maskWidth, maskHeight)
	}

	x := offsetX
	if offsetX < 0 {
		x = width + offsetX
	}
	y := offsetY
	if offsetY < 0 {
		y = height + offsetY
	}

	rect := Rect{
		X:      clamp(x, 0, width-maskWidth),
		Y:      clamp(y, 0, height-maskHeight),
		Width:  maskWidth,
		Height: maskHeight,
	}

	if maskWidth > width || maskHeight > height {
		return rect, fmt.Errorf("%w: mask %dx%d, image %dx%d", ErrMaskTooLarge, maskWidth, maskHeight, width, height)
	}
	return rect, nil
}

// ComputeRegion is Compute with the offsets and size taken from r.
func ComputeRegion(width, height int, r Region) (Rect, error) {
	return Compute(width, height, r.OffsetX, r.OffsetY, r.Width, r.Height)
}

// clamp bounds v to [lo, hi]. When hi < lo the lower bound wins.
func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

// Rasterize allocates a width x height single-channel bitmap, black
// everywhere except rect, which is white.
func Rasterize(width, height int, rect Rect) (*image.Gray, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: image %dx%d", ErrInvalidSize, width, height)
	}
	if int64(width)*int64(height) > MaxPixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrAllocation, width, height, MaxPixels)
	}

	img := image.NewGray(image.Rect(0, 0, width, height))
	region := rect.Bounds().Intersect(img.Bounds())
	white := color.Gray{Y: 255}
	for y := region.Min.Y; y < region.Max.Y; y++ {
		for x := region.Min.X; x < region.Max.X; x++ {
			img.SetGray(x, y, white)
		}
	}
	return img, nil
}

// Mask is a rendered mask and the file it was written to.
type Mask struct {
	Rect  Rect
	Image *image.Gray
	Path  string
}

// Build computes the region for a width x height image, rasterizes it and
// writes it as PNG to path.
func Build(width, height int, region Region, path string) (*Mask, error) {
	rect, err := ComputeRegion(width, height, region)
	if err != nil {
		return nil, err
	}
	img, err := Rasterize(width, height, rect)
	if err != nil {
		return nil, err
	}
	if err := WritePNG(path, img); err != nil {
		return nil, err
	}
	return &Mask{Rect: rect, Image: img, Path: path}, nil
}

// WritePNG encodes img losslessly to path, replacing any existing file.
func WritePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create mask file: %w", err)
	}
	if err := png.Encode(f, img); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to encode mask: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close mask file: %w", err)
	}
	return nil
}
