package preprocessing

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"os"

	"github.com/google/renameio/v2"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"
)

// DecodeImage decodes any registered format (png, jpeg, gif, bmp, tiff, webp) and
// normalises it to a zero-origin NRGBA buffer
func DecodeImage(r io.Reader) (*image.NRGBA, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return ToNRGBA(img), nil
}

// LoadImage reads and decodes an image file. A missing file yields an error wrapping
// os.ErrNotExist.
func LoadImage(path string) (*image.NRGBA, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, err := DecodeImage(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// SaveImage writes img as PNG. The file is replaced atomically.
func SaveImage(path string, img image.Image) error {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return fmt.Errorf("failed to encode PNG: %w", err)
	}
	if err := renameio.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// ToNRGBA copies img into a fresh NRGBA buffer whose bounds start at (0, 0).
// An NRGBA input is still copied so callers may mutate the result freely.
func ToNRGBA(img image.Image) *image.NRGBA {
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	if src, ok := img.(*image.NRGBA); ok {
		for y := 0; y < b.Dy(); y++ {
			si := src.PixOffset(b.Min.X, b.Min.Y+y)
			copy(dst.Pix[y*dst.Stride:y*dst.Stride+4*b.Dx()], src.Pix[si:si+4*b.Dx()])
		}
		return dst
	}
	draw.Draw(dst, dst.Rect, img, b.Min, draw.Src)
	return dst
}

// FlipHorizontal returns a mirrored copy of img
func FlipHorizontal(img *image.NRGBA) *image.NRGBA {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			si := img.PixOffset(img.Rect.Min.X+x, img.Rect.Min.Y+y)
			di := dst.PixOffset(w-1-x, y)
			copy(dst.Pix[di:di+4], img.Pix[si:si+4])
		}
	}
	return dst
}

// NewMask creates an all-clear mask covering r
func NewMask(r image.Rectangle) *image.NRGBA {
	m := image.NewNRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	for i := 3; i < len(m.Pix); i += 4 {
		m.Pix[i] = 255
	}
	return m
}

// EraseRect marks every pixel of r inside mask as missing
func EraseRect(mask *image.NRGBA, r image.Rectangle) {
	draw.Draw(mask, r.Intersect(mask.Rect), image.NewUniform(color.NRGBA{255, 255, 255, 255}), image.Point{}, draw.Src)
}

// CountErased returns the number of pixels whose red channel is non-zero
func CountErased(mask *image.NRGBA) int {
	n := 0
	for y := mask.Rect.Min.Y; y < mask.Rect.Max.Y; y++ {
		for x := mask.Rect.Min.X; x < mask.Rect.Max.X; x++ {
			if mask.Pix[mask.PixOffset(x, y)] != 0 {
				n++
			}
		}
	}
	return n
}

// LoadImages decodes several files concurrently, preserving order
func LoadImages(paths []string, maxWorkers int) ([]*image.NRGBA, error) {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	results := make([]*image.NRGBA, len(paths))

	var g errgroup.Group
	g.SetLimit(maxWorkers)
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			img, err := LoadImage(path)
			if err != nil {
				return fmt.Errorf("failed to process image %d: %w", i, err)
			}
			results[i] = img
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
