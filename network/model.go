package network

import (
	"fmt"

	"github.com/tsawler/go-neuralfill/layers"
	"github.com/tsawler/go-neuralfill/memory"
)

// Model is a single-owner handle over a backend. Release frees the backend and
// leaves the handle empty; a released model must not be used again.
type Model struct {
	backend Backend
}

// New builds a freshly initialised model
func New(format Format, spec layers.ModelSpec, opts Options) (*Model, error) {
	b, err := NewBackend(format, spec, opts)
	if err != nil {
		return nil, err
	}
	return &Model{backend: b}, nil
}

// Unmarshal reads a model dump of the given format
func Unmarshal(format Format, buf *memory.ByteBuffer, opts Options) (*Model, error) {
	b, err := UnmarshalBackend(format, buf, opts)
	if err != nil {
		return nil, err
	}
	return &Model{backend: b}, nil
}

// Format returns the backend discriminant
func (m *Model) Format() Format { return m.backend.Format() }

// Spec returns the layer configuration
func (m *Model) Spec() layers.ModelSpec { return m.backend.Spec() }

// Inputs returns the input vector width
func (m *Model) Inputs() int { return m.backend.Spec().Inputs }

// Outputs returns the output vector width
func (m *Model) Outputs() int { return m.backend.Spec().Outputs }

// Released reports whether the backend has been freed
func (m *Model) Released() bool { return m == nil || m.backend == nil }

// CloneIsThreadSafe reports whether Clone may be called from worker goroutines
func (m *Model) CloneIsThreadSafe() bool { return m.backend.Format() == FormatBasic }

// NewWorkspace allocates staging buffers for one worker slot
func (m *Model) NewWorkspace(slot int) *Workspace {
	return NewWorkspace(m.backend.Spec(), slot)
}

// Run executes one forward pass using ws for staging
func (m *Model) Run(in []float64, ws *Workspace) []float64 {
	return m.backend.Run(in, ws)
}

// BatchTrain trains on one sample. Online backends apply it immediately; batched
// backends buffer it and flush on their own once full.
func (m *Model) BatchTrain(in, out []float64, rate float64) error {
	return m.backend.Train(in, out, rate)
}

// Flush applies any buffered samples
func (m *Model) Flush() error {
	return m.backend.Flush()
}

// Clone returns an independent deep copy
func (m *Model) Clone() (*Model, error) {
	b, err := m.backend.Clone()
	if err != nil {
		return nil, fmt.Errorf("clone %s model: %w", m.backend.Format(), err)
	}
	return &Model{backend: b}, nil
}

// Release frees the backend
func (m *Model) Release() {
	if m == nil || m.backend == nil {
		return
	}
	m.backend.Close()
	m.backend = nil
}

// Marshal writes the backend-specific weight dump
func (m *Model) Marshal(buf *memory.ByteBuffer) {
	m.backend.Marshal(buf)
}

// Champion owns the best model found so far. The best model is never trained in
// place: challengers are deep copies, and a promoted challenger replaces the best
// while the previous best is released.
type Champion struct {
	best *Model
}

// NewChampion takes ownership of m
func NewChampion(m *Model) *Champion {
	return &Champion{best: m}
}

// Best returns the current best model. Callers must not train or release it.
func (c *Champion) Best() *Model {
	return c.best
}

// Challenger returns a deep copy of the best model for a training pass
func (c *Champion) Challenger() (*Model, error) {
	return c.best.Clone()
}

// Promote makes m the new best and releases the previous one
func (c *Champion) Promote(m *Model) {
	if m == c.best {
		return
	}
	old := c.best
	c.best = m
	old.Release()
}

// Release frees the best model
func (c *Champion) Release() {
	c.best.Release()
	c.best = nil
}
