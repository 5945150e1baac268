// Package network hides the two interchangeable neural-network implementations behind
// one train/run/clone/release contract.
//
// Basic is a directly trained fully connected network on gonum matrices. Graph is a
// gorgonia computation graph that only learns from minibatches; its samples are
// buffered and flushed transparently so callers see the same BatchTrain entry point.
package network

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tsawler/go-neuralfill/layers"
	"github.com/tsawler/go-neuralfill/memory"
)

var (
	// ErrUnsupportedFormat is returned for a backend tag this build does not know
	ErrUnsupportedFormat = errors.New("network: unsupported backend format")
	// ErrShapeMismatch is returned when vectors or persisted weights disagree with the ModelSpec
	ErrShapeMismatch = errors.New("network: shape mismatch")
)

// Format is the persisted backend discriminant
type Format uint32

const (
	FormatBasic Format = 0
	FormatGraph Format = 1
)

func (f Format) String() string {
	switch f {
	case FormatBasic:
		return "Basic"
	case FormatGraph:
		return "Graph"
	default:
		return fmt.Sprintf("Format(%d)", uint32(f))
	}
}

// Valid reports whether f names a known backend
func (f Format) Valid() bool {
	return f == FormatBasic || f == FormatGraph
}

// ParseFormat maps a configuration name ("basic" or "graph", any case) to a Format
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(name) {
	case "basic":
		return FormatBasic, nil
	case "graph":
		return FormatGraph, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedFormat, name)
	}
}

// DefaultBatchCapacity is the number of samples the Graph backend buffers before a flush
const DefaultBatchCapacity = 1000

// Options configures backend construction
type Options struct {
	Seed          int64
	BatchCapacity int
}

// Backend is the contract both implementations satisfy.
//
// Run is safe for concurrent use as long as each goroutine passes its own Workspace and
// nothing trains the backend at the same time. Train and Flush mutate weights and must
// only be called by the owner.
type Backend interface {
	Format() Format
	Spec() layers.ModelSpec
	Run(in []float64, ws *Workspace) []float64
	Train(in, out []float64, rate float64) error
	Flush() error
	Clone() (Backend, error)
	Close()
	Marshal(b *memory.ByteBuffer)
}

// NewBackend builds a freshly initialised backend of the requested format
func NewBackend(format Format, spec layers.ModelSpec, opts Options) (Backend, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("network: %w", err)
	}
	switch format {
	case FormatBasic:
		return NewBasic(spec, opts.Seed), nil
	case FormatGraph:
		return NewGraph(spec, opts.Seed, opts.BatchCapacity), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedFormat, uint32(format))
	}
}

// UnmarshalBackend reads a backend dump written by Marshal for the given format
func UnmarshalBackend(format Format, b *memory.ByteBuffer, opts Options) (Backend, error) {
	switch format {
	case FormatBasic:
		return unmarshalBasic(b)
	case FormatGraph:
		return unmarshalGraph(b, opts.BatchCapacity)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedFormat, uint32(format))
	}
}

func marshalSpec(b *memory.ByteBuffer, spec layers.ModelSpec) {
	b.PutU32(uint32(spec.Inputs))
	b.PutU32(uint32(spec.HiddenLayers))
	b.PutU32(uint32(spec.NeuronsPerLayer))
	b.PutU32(uint32(spec.Outputs))
}

func unmarshalSpec(b *memory.ByteBuffer) (layers.ModelSpec, error) {
	spec := layers.ModelSpec{
		Inputs:          int(b.U32()),
		HiddenLayers:    int(b.U32()),
		NeuronsPerLayer: int(b.U32()),
		Outputs:         int(b.U32()),
	}
	if err := b.Err(); err != nil {
		return spec, err
	}
	if err := spec.Validate(); err != nil {
		return spec, fmt.Errorf("%w: %v", ErrShapeMismatch, err)
	}
	return spec, nil
}

// readLayer reads a weight block and checks its length against the expected shape
func readLayer(b *memory.ByteBuffer, want int) ([]float64, error) {
	vs := b.Doubles()
	if err := b.Err(); err != nil {
		return nil, err
	}
	if len(vs) != want {
		return nil, fmt.Errorf("%w: expected %d values, got %d", ErrShapeMismatch, want, len(vs))
	}
	return vs, nil
}
