// Package dataset lists image files for training and validation runs
package dataset

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultExtensions are the file types the image decoders understand
var DefaultExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".bmp", ".tif", ".tiff", ".webp"}

// ImageFolder is an ordered list of image files
type ImageFolder struct {
	paths []string
}

// NewImageFolder collects every image under root, recursing into subdirectories.
// Paths are sorted so runs are reproducible.
func NewImageFolder(root string, extensions []string) (*ImageFolder, error) {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	wanted := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		wanted[strings.ToLower(ext)] = true
	}

	folder := &ImageFolder{}
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && wanted[strings.ToLower(filepath.Ext(path))] {
			folder.paths = append(folder.paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	if len(folder.paths) == 0 {
		return nil, fmt.Errorf("no images found in %s", root)
	}
	sort.Strings(folder.paths)
	return folder, nil
}

// Expand turns a mix of files and directories into a flat list of image paths.
// Files are kept as given; directories are replaced by the images under them.
func Expand(args []string) ([]string, error) {
	var paths []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			paths = append(paths, arg)
			continue
		}
		folder, err := NewImageFolder(arg, nil)
		if err != nil {
			return nil, err
		}
		paths = append(paths, folder.Paths()...)
	}
	return paths, nil
}

// FromPaths wraps an explicit list of image paths, keeping their order
func FromPaths(paths []string) (*ImageFolder, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no images given")
	}
	return &ImageFolder{paths: append([]string(nil), paths...)}, nil
}

// Len returns the number of images
func (f *ImageFolder) Len() int {
	return len(f.paths)
}

// Paths returns the image paths in order
func (f *ImageFolder) Paths() []string {
	return f.paths
}

// Split holds out a fraction of the images for validation. With a non-zero seed the
// order is shuffled first.
func (f *ImageFolder) Split(holdout float64, seed int64) (train, held *ImageFolder) {
	n := len(f.paths)
	heldSize := int(float64(n) * holdout)

	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	if seed != 0 {
		rng := rand.New(rand.NewSource(seed))
		rng.Shuffle(n, func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})
	}

	train, held = &ImageFolder{}, &ImageFolder{}
	for i, idx := range indices {
		if i < heldSize {
			held.paths = append(held.paths, f.paths[idx])
		} else {
			train.paths = append(train.paths, f.paths[idx])
		}
	}
	return train, held
}

func (f *ImageFolder) String() string {
	return fmt.Sprintf("ImageFolder(%d images)", len(f.paths))
}
