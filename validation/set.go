// Package validation builds, persists and evaluates banks of pre-encoded samples.
package validation

import (
	"fmt"
	"image"
	"slices"

	"github.com/tsawler/go-neuralfill/memory"
	"github.com/tsawler/go-neuralfill/vision/sampling"
)

// Source records which image contributed samples and where its samples start
type Source struct {
	FileIndex uint32
	Offset    int
}

// Set is a flat, append-only buffer of encoded (input, output) pairs
type Set struct {
	geo     sampling.Geometry
	inputs  []float64
	outputs []float64
	sources []Source
}

// NewSet creates an empty set for geo
func NewSet(geo sampling.Geometry) *Set {
	return &Set{geo: geo}
}

// Geometry returns the layout every sample follows
func (s *Set) Geometry() sampling.Geometry { return s.geo }

// Len returns the number of samples
func (s *Set) Len() int {
	if s == nil || s.geo.Inputs == 0 {
		return 0
	}
	return len(s.inputs) / s.geo.Inputs
}

// Sources returns the contributing images in insertion order
func (s *Set) Sources() []Source { return s.sources }

// Sample returns views of sample i
func (s *Set) Sample(i int) ([]float64, []float64) {
	ni, no := s.geo.Inputs, s.geo.Outputs
	return s.inputs[i*ni : (i+1)*ni], s.outputs[i*no : (i+1)*no]
}

// AddImage samples every 2·radius-th pixel of a held-out image and returns the number
// of samples added
func (s *Set) AddImage(enc *sampling.Encoder, img *image.NRGBA, fileIndex uint32) int {
	return s.AddStrided(enc, img, fileIndex, 2*s.geo.Radius)
}

// AddStrided samples pixels whose coordinates are both multiples of stride
func (s *Set) AddStrided(enc *sampling.Encoder, img *image.NRGBA, fileIndex uint32, stride int) int {
	if stride < 1 {
		stride = 1
	}
	in := make([]float64, s.geo.Inputs)
	out := make([]float64, s.geo.Outputs)
	start := s.Len()
	b := img.Rect
	for y := b.Min.Y; y < b.Max.Y; y += stride {
		for x := b.Min.X; x < b.Max.X; x += stride {
			if !enc.EncodeSample(img, x, y, in, out) {
				continue
			}
			s.inputs = append(s.inputs, in...)
			s.outputs = append(s.outputs, out...)
		}
	}
	added := s.Len() - start
	if added > 0 {
		s.sources = append(s.sources, Source{FileIndex: fileIndex, Offset: start})
	}
	return added
}

// Remapped returns a copy whose file indices are translated by remap. Sample storage is
// shared with s but clipped, so appending to either set never touches the other.
func (s *Set) Remapped(remap func(uint32) uint32) *Set {
	c := &Set{
		geo:     s.geo,
		inputs:  slices.Clip(s.inputs),
		outputs: slices.Clip(s.outputs),
		sources: make([]Source, len(s.sources)),
	}
	for i, src := range s.sources {
		c.sources[i] = Source{FileIndex: remap(src.FileIndex), Offset: src.Offset}
	}
	return c
}

// Marshal writes geometry, sources and raw samples
func (s *Set) Marshal(b *memory.ByteBuffer) {
	b.PutU32(uint32(s.geo.Radius))
	b.PutU32(uint32(s.geo.ColorizeRadius))
	b.PutU32(uint32(s.geo.Inputs))
	b.PutU32(uint32(s.geo.Outputs))
	b.PutU32(uint32(len(s.sources)))
	for _, src := range s.sources {
		b.PutU32(src.FileIndex)
		b.PutU32(uint32(src.Offset))
	}
	b.PutDoubles(s.inputs)
	b.PutDoubles(s.outputs)
}

// Unmarshal reads a set written by Marshal
func Unmarshal(b *memory.ByteBuffer) (*Set, error) {
	s := &Set{}
	s.geo.Radius = int(b.U32())
	s.geo.ColorizeRadius = int(b.U32())
	s.geo.Inputs = int(b.U32())
	s.geo.Outputs = int(b.U32())
	n := int(b.U32())
	if err := b.Err(); err != nil {
		return nil, err
	}
	if n*8 > b.Remaining() {
		return nil, fmt.Errorf("validation set: %d sources do not fit in %d bytes", n, b.Remaining())
	}
	s.sources = make([]Source, n)
	for i := range s.sources {
		s.sources[i] = Source{FileIndex: b.U32(), Offset: int(b.U32())}
	}
	s.inputs = b.Doubles()
	s.outputs = b.Doubles()
	if err := b.Err(); err != nil {
		return nil, err
	}

	want, err := sampling.NewGeometry(s.geo.Radius, s.geo.ColorizeRadius)
	if err != nil || want != s.geo {
		return nil, fmt.Errorf("validation set: inconsistent geometry %v", s.geo)
	}
	if len(s.inputs)%s.geo.Inputs != 0 || len(s.inputs)/s.geo.Inputs != len(s.outputs)/s.geo.Outputs {
		return nil, fmt.Errorf("validation set: %d inputs and %d outputs do not pair up", len(s.inputs), len(s.outputs))
	}
	prev := -1
	for i, src := range s.sources {
		if src.Offset <= prev || src.Offset >= s.Len() {
			return nil, fmt.Errorf("validation set: source %d offset %d out of order or past %d samples", i, src.Offset, s.Len())
		}
		prev = src.Offset
	}
	return s, nil
}
