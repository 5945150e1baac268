// Package checkpoints reads and writes the complete engine state as one little-endian
// binary file.
//
// Layout: magic, geometry, hyperparameters, verbose flag, then the model. Current files
// wrap the model in a versioned block (VersionBase+format tag, backend dump, colorize
// and identity flags, reserved padding). Legacy files hold a bare Basic dump at that
// position instead; readers tell them apart because every backend dump starts with a
// small layer width. String table, training history and an optional validation set
// follow.
package checkpoints

import (
	"errors"
	"fmt"
	"os"

	"github.com/google/renameio/v2"

	"github.com/tsawler/go-neuralfill/memory"
	"github.com/tsawler/go-neuralfill/network"
	"github.com/tsawler/go-neuralfill/training"
	"github.com/tsawler/go-neuralfill/validation"
	"github.com/tsawler/go-neuralfill/vision/sampling"
)

const (
	// Magic opens every checkpoint ("NFNN")
	Magic uint32 = 0x4e4e464e

	// VersionBase offsets the backend tag of a versioned block
	VersionBase uint32 = 0x10000000

	// ReservedBytes pads the versioned block for later fields
	ReservedBytes = 64
)

var (
	// ErrBadMagic is returned for files that are not checkpoints
	ErrBadMagic = errors.New("checkpoints: bad magic")
	// ErrGeometryMismatch is returned when stored radius, vector widths and model disagree
	ErrGeometryMismatch = errors.New("checkpoints: geometry mismatch")
)

// Colorspace tags the channel layout the model was trained on
type Colorspace uint32

const (
	ColorspaceRGB Colorspace = iota
	ColorspaceHSV
)

func (cs Colorspace) String() string {
	switch cs {
	case ColorspaceRGB:
		return "RGB"
	case ColorspaceHSV:
		return "HSV"
	default:
		return "Unknown"
	}
}

// Hyperparameters are the persisted tunables of training and prediction
type Hyperparameters struct {
	LearningRate        float64
	IdentityProbability float64
	MaxIterations       int
	MaxRetries          int
	BatchCapacity       int
	MinPredictions      int
	UseNeighbors        bool
	NeighborFrom        int
	NeighborTo          int
	MaxNeighbors        int
}

// Checkpoint is the complete persisted state. Model, Strings and History are required;
// Validation may be nil.
type Checkpoint struct {
	Geometry     sampling.Geometry
	HiddenLayers int
	Neurons      int
	Colorspace   Colorspace
	Hyper        Hyperparameters
	Verbose      bool
	Identity     bool // Identity samples were mixed into training
	Model        *network.Model
	Strings      *memory.StringTable
	History      *training.History
	Validation   *validation.Set
	Legacy       bool // Read from a file without a versioned block
}

// Marshal writes c in the current format
func (c *Checkpoint) Marshal(b *memory.ByteBuffer) {
	c.marshalHeader(b)
	b.PutU32(VersionBase + uint32(c.Model.Format()))
	c.Model.Marshal(b)
	b.PutBool(c.Geometry.Colorize())
	b.PutBool(c.Identity)
	b.PutBytes(make([]byte, ReservedBytes))
	c.marshalTail(b)
}

func (c *Checkpoint) marshalHeader(b *memory.ByteBuffer) {
	b.PutU32(Magic)
	b.PutU32(uint32(c.Geometry.Radius))
	b.PutU32(uint32(c.Geometry.Inputs))
	b.PutU32(uint32(c.Geometry.Outputs))
	b.PutU32(uint32(c.HiddenLayers))
	b.PutU32(uint32(c.Neurons))
	b.PutU32(uint32(c.Colorspace))

	h := c.Hyper
	b.PutDouble(h.LearningRate)
	b.PutDouble(h.IdentityProbability)
	b.PutU32(uint32(h.MaxIterations))
	b.PutU32(uint32(h.MaxRetries))
	b.PutU32(uint32(h.BatchCapacity))
	b.PutU32(uint32(h.MinPredictions))
	b.PutBool(h.UseNeighbors)
	b.PutU32(uint32(h.NeighborFrom))
	b.PutU32(uint32(h.NeighborTo))
	b.PutU32(uint32(h.MaxNeighbors))

	b.PutBool(c.Verbose)
}

func (c *Checkpoint) marshalTail(b *memory.ByteBuffer) {
	c.Strings.Marshal(b)
	c.History.Marshal(b)
	b.PutBool(c.Validation != nil)
	if c.Validation != nil {
		c.Validation.Marshal(b)
	}
}

// Unmarshal reads a checkpoint in either the current or the legacy format
func Unmarshal(b *memory.ByteBuffer) (*Checkpoint, error) {
	if magic := b.U32(); magic != Magic {
		if err := b.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %#x", ErrBadMagic, magic)
	}

	c := &Checkpoint{}
	radius := int(b.U32())
	ni := int(b.U32())
	no := int(b.U32())
	c.HiddenLayers = int(b.U32())
	c.Neurons = int(b.U32())
	c.Colorspace = Colorspace(b.U32())

	h := &c.Hyper
	h.LearningRate = b.Double()
	h.IdentityProbability = b.Double()
	h.MaxIterations = int(b.U32())
	h.MaxRetries = int(b.U32())
	h.BatchCapacity = int(b.U32())
	h.MinPredictions = int(b.U32())
	h.UseNeighbors = b.Bool()
	h.NeighborFrom = int(b.U32())
	h.NeighborTo = int(b.U32())
	h.MaxNeighbors = int(b.U32())

	c.Verbose = b.Bool()
	if err := b.Err(); err != nil {
		return nil, fmt.Errorf("header: %w", err)
	}

	opts := network.Options{BatchCapacity: h.BatchCapacity}
	colorize := false
	tag := b.PeekU32()
	if tag < VersionBase {
		model, err := network.Unmarshal(network.FormatBasic, b, opts)
		if err != nil {
			return nil, fmt.Errorf("legacy model: %w", err)
		}
		c.Model, c.Legacy, c.Identity = model, true, true
	} else {
		b.U32()
		model, err := network.Unmarshal(network.Format(tag-VersionBase), b, opts)
		if err != nil {
			return nil, fmt.Errorf("model: %w", err)
		}
		c.Model = model
		colorize = b.Bool()
		c.Identity = b.Bool()
		b.Next(ReservedBytes)
	}

	if err := c.checkGeometry(radius, ni, no, colorize); err != nil {
		c.Model.Release()
		return nil, err
	}
	if err := c.unmarshalTail(b); err != nil {
		c.Model.Release()
		return nil, err
	}
	return c, nil
}

// checkGeometry re-derives the radii from the stored widths and compares them with
// the stored radius and the model's own shape, hidden layers included
func (c *Checkpoint) checkGeometry(radius, ni, no int, colorize bool) error {
	d, d2, err := sampling.RadiusFromCounts(ni, no, colorize)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGeometryMismatch, err)
	}
	if d != radius {
		return fmt.Errorf("%w: stored radius %d, widths %d->%d imply %d", ErrGeometryMismatch, radius, ni, no, d)
	}
	if c.Model.Inputs() != ni || c.Model.Outputs() != no {
		return fmt.Errorf("%w: model %d->%d, header %d->%d",
			ErrGeometryMismatch, c.Model.Inputs(), c.Model.Outputs(), ni, no)
	}
	if spec := c.Model.Spec(); spec.HiddenLayers != c.HiddenLayers ||
		(spec.HiddenLayers > 0 && spec.NeuronsPerLayer != c.Neurons) {
		return fmt.Errorf("%w: model has %d hidden layers of %d, header %d of %d", ErrGeometryMismatch,
			spec.HiddenLayers, spec.NeuronsPerLayer, c.HiddenLayers, c.Neurons)
	}
	geo, err := sampling.NewGeometry(d, d2)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGeometryMismatch, err)
	}
	c.Geometry = geo
	return nil
}

func (c *Checkpoint) unmarshalTail(b *memory.ByteBuffer) error {
	strings, err := memory.UnmarshalStringTable(b)
	if err != nil {
		return fmt.Errorf("string table: %w", err)
	}
	history, err := training.UnmarshalHistory(b)
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}
	c.Strings, c.History = strings, history

	if !b.Bool() {
		return b.Err()
	}
	set, err := validation.Unmarshal(b)
	if err != nil {
		return fmt.Errorf("validation set: %w", err)
	}
	if set.Geometry() != c.Geometry {
		return fmt.Errorf("%w: validation set %v, model %v", ErrGeometryMismatch, set.Geometry(), c.Geometry)
	}
	c.Validation = set
	return nil
}

// Save encodes c in memory and then replaces path atomically, so a failed save never
// leaves a partial file behind
func Save(path string, c *Checkpoint) error {
	b := memory.NewByteBuffer()
	c.Marshal(b)
	if err := renameio.WriteFile(path, b.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Load reads a checkpoint file. A missing file yields an error wrapping os.ErrNotExist.
func Load(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint: %w", err)
	}
	c, err := Unmarshal(memory.NewByteBufferFrom(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}
