package validation

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"

	"github.com/tsawler/go-neuralfill/memory"
	"github.com/tsawler/go-neuralfill/vision/sampling"
)

// fileMagic tags default validation files ("NFVS")
const fileMagic uint32 = 0x5356464e

// ErrGeometryMismatch is returned when a default file does not match the requested geometry
var ErrGeometryMismatch = errors.New("validation: default set geometry mismatch")

// SharedCache holds default sets loaded by LoadDefault
var SharedCache = NewCache(8)

// DefaultFile names the shared set for a radius / colorize combination
func DefaultFile(dir string, geo sampling.Geometry) string {
	colorize := 0
	if geo.Colorize() {
		colorize = 1
	}
	return filepath.Join(dir, fmt.Sprintf("validation_r%d_c%d.nfv", geo.Radius, colorize))
}

// SaveDefault writes set together with the string table its file indices refer to.
// The file is replaced atomically.
func SaveDefault(dir string, set *Set, strings *memory.StringTable) error {
	b := memory.NewByteBuffer()
	b.PutU32(fileMagic)
	strings.Marshal(b)
	set.Marshal(b)

	path := DefaultFile(dir, set.geo)
	if err := renameio.WriteFile(path, b.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write validation set: %w", err)
	}
	SharedCache.Invalidate(path)
	return nil
}

// LoadDefault reads the shared set for geo from dir and remaps its file indices into
// strings. A missing file yields an error wrapping os.ErrNotExist.
func LoadDefault(dir string, geo sampling.Geometry, strings *memory.StringTable) (*Set, error) {
	path := DefaultFile(dir, geo)
	entry, ok := SharedCache.get(path)
	if !ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		b := memory.NewByteBufferFrom(data)
		if magic := b.U32(); magic != fileMagic {
			return nil, fmt.Errorf("%s: not a validation set (magic %#x)", path, magic)
		}
		fileStrings, err := memory.UnmarshalStringTable(b)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		set, err := Unmarshal(b)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		entry = cachedSet{set: set, strings: fileStrings}
		SharedCache.put(path, entry)
	}

	if entry.set.geo != geo {
		return nil, fmt.Errorf("%w: %s holds %v, want %v", ErrGeometryMismatch, path, entry.set.geo, geo)
	}
	return entry.set.Remapped(func(id uint32) uint32 {
		return strings.Index(entry.strings.String(id))
	}), nil
}
