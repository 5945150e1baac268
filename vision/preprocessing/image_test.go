package preprocessing

import (
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"
)

// createTestImage creates a small gradient image with a non-zero origin
func createTestImage() *image.RGBA {
	img := image.NewRGBA(image.Rect(10, 20, 18, 26))
	for y := 20; y < 26; y++ {
		for x := 10; x < 18; x++ {
			img.Set(x, y, color.RGBA{uint8(x * 10), uint8(y * 5), 7, 255})
		}
	}
	return img
}

func TestToNRGBAMovesOriginToZero(t *testing.T) {
	src := createTestImage()
	dst := ToNRGBA(src)

	if dst.Rect.Min != (image.Point{}) {
		t.Errorf("Expected zero origin, got %v", dst.Rect.Min)
	}
	if dst.Rect.Dx() != 8 || dst.Rect.Dy() != 6 {
		t.Errorf("Expected 8x6, got %dx%d", dst.Rect.Dx(), dst.Rect.Dy())
	}
	got := dst.NRGBAAt(0, 0)
	if got.R != 100 || got.G != 100 || got.B != 7 {
		t.Errorf("Expected (100,100,7), got %v", got)
	}

	again := ToNRGBA(dst)
	again.Pix[0] = 1
	if dst.Pix[0] == 1 {
		t.Error("ToNRGBA should copy NRGBA inputs")
	}
}

func TestFlipHorizontal(t *testing.T) {
	img := ToNRGBA(createTestImage())
	flipped := FlipHorizontal(img)
	w := img.Rect.Dx()
	for y := 0; y < img.Rect.Dy(); y++ {
		for x := 0; x < w; x++ {
			if img.NRGBAAt(x, y) != flipped.NRGBAAt(w-1-x, y) {
				t.Fatalf("Pixel (%d,%d) not mirrored", x, y)
			}
		}
	}
}

func TestMaskHelpers(t *testing.T) {
	mask := NewMask(image.Rect(0, 0, 16, 16))
	if n := CountErased(mask); n != 0 {
		t.Errorf("Expected clear mask, got %d erased", n)
	}
	EraseRect(mask, image.Rect(4, 4, 8, 9))
	if n := CountErased(mask); n != 20 {
		t.Errorf("Expected 20 erased pixels, got %d", n)
	}
	EraseRect(mask, image.Rect(14, 14, 30, 30))
	if n := CountErased(mask); n != 24 {
		t.Errorf("Expected erase to clip to the mask, got %d erased", n)
	}
}

func TestSaveAndLoadImage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.png")
	img := ToNRGBA(createTestImage())

	if err := SaveImage(path, img); err != nil {
		t.Fatalf("Failed to save image: %v", err)
	}
	loaded, err := LoadImage(path)
	if err != nil {
		t.Fatalf("Failed to load image: %v", err)
	}
	for y := 0; y < img.Rect.Dy(); y++ {
		for x := 0; x < img.Rect.Dx(); x++ {
			if img.NRGBAAt(x, y) != loaded.NRGBAAt(x, y) {
				t.Fatalf("Pixel (%d,%d) changed across save/load", x, y)
			}
		}
	}

	images, err := LoadImages([]string{path, path}, 2)
	if err != nil {
		t.Fatalf("Failed to load batch: %v", err)
	}
	if len(images) != 2 || images[1] == nil {
		t.Error("Expected two decoded images")
	}
}

func TestLoadImageMissingFile(t *testing.T) {
	_, err := LoadImage(filepath.Join(t.TempDir(), "missing.png"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected os.ErrNotExist, got %v", err)
	}
}
