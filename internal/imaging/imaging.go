// Package imaging decodes downloaded images and cuts face thumbnails out of them.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif" // register decoder
	"image/jpeg"
	_ "image/png" // register decoder
	"math"

	_ "golang.org/x/image/bmp" // register decoder
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // register decoder

	"github.com/JakeFAU/face-harvester/internal/crawler"
)

// Sentinel errors for images that should be skipped.
var (
	ErrInvalidImage = errors.New("invalid image")
	ErrTooSmall     = errors.New("image below minimum dimension")
)

const thumbnailQuality = 90

// Info describes a decoded image.
type Info struct {
	Width  int
	Height int
	Format string
}

// Decode parses data with every registered codec.
func Decode(data []byte) (image.Image, Info, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, Info{}, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	b := img.Bounds()
	return img, Info{Width: b.Dx(), Height: b.Dy(), Format: format}, nil
}

// Inspect reads only the header to report dimensions.
func Inspect(data []byte) (Info, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return Info{Width: cfg.Width, Height: cfg.Height, Format: format}, nil
}

// CheckDimensions rejects images whose shorter side is under minSide.
func CheckDimensions(info Info, minSide int) error {
	if minSide > 0 && (info.Width < minSide || info.Height < minSide) {
		return fmt.Errorf("%w: %dx%d < %d", ErrTooSmall, info.Width, info.Height, minSide)
	}
	return nil
}

// PaddedRect grows box by padding times its size on every side and clamps it
// to bounds. The result is empty when box lies outside bounds.
func PaddedRect(box crawler.BoundingBox, padding float64, bounds image.Rectangle) image.Rectangle {
	padX := box.Width() * padding
	padY := box.Height() * padding
	r := image.Rect(
		int(math.Floor(box.X1-padX)),
		int(math.Floor(box.Y1-padY)),
		int(math.Ceil(box.X2+padX)),
		int(math.Ceil(box.Y2+padY)),
	)
	return r.Add(bounds.Min).Intersect(bounds)
}

// CropFace cuts the padded face region out of img, scales it so its longer
// side is at most maxSide and returns it JPEG-encoded.
func CropFace(img image.Image, box crawler.BoundingBox, padding float64, maxSide int) ([]byte, error) {
	region := PaddedRect(box, padding, img.Bounds())
	if region.Empty() {
		return nil, fmt.Errorf("%w: face box outside image", ErrInvalidImage)
	}

	w, h := region.Dx(), region.Dy()
	if maxSide > 0 && (w > maxSide || h > maxSide) {
		if w >= h {
			h = max(1, h*maxSide/w)
			w = maxSide
		} else {
			w = max(1, w*maxSide/h)
			h = maxSide
		}
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	if w == region.Dx() && h == region.Dy() {
		draw.Draw(dst, dst.Bounds(), img, region.Min, draw.Src)
	} else {
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, region, draw.Src, nil)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: thumbnailQuality}); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
