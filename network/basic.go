package network

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-neuralfill/layers"
	"github.com/tsawler/go-neuralfill/memory"
)

// Basic is a fully connected sigmoid network trained online, one sample per step.
// weights[l] has shape (out x in) so a forward step is a plain MulVec.
type Basic struct {
	spec    layers.ModelSpec
	weights []*mat.Dense
	biases  []*mat.VecDense

	// training scratch, owned by whoever trains this instance
	train  *Workspace
	deltas []*mat.VecDense
}

// NewBasic creates a randomly initialised network
func NewBasic(spec layers.ModelSpec, seed int64) *Basic {
	rng := rand.New(rand.NewSource(seed))
	widths := spec.Widths()
	b := &Basic{spec: spec}
	for l := 1; l < len(widths); l++ {
		in, out := widths[l-1], widths[l]
		data := make([]float64, in*out)
		layers.InitWeights(rng, data, in, out)
		b.weights = append(b.weights, mat.NewDense(out, in, data))
		b.biases = append(b.biases, mat.NewVecDense(out, nil))
	}
	b.initScratch()
	return b
}

func (b *Basic) initScratch() {
	b.train = NewWorkspace(b.spec, -1)
	b.deltas = make([]*mat.VecDense, len(b.weights))
	for l, w := range b.weights {
		rows, _ := w.Dims()
		b.deltas[l] = mat.NewVecDense(rows, nil)
	}
}

// Format returns FormatBasic
func (b *Basic) Format() Format { return FormatBasic }

// Spec returns the layer configuration
func (b *Basic) Spec() layers.ModelSpec { return b.spec }

// Run executes one forward pass. The returned slice belongs to ws.
func (b *Basic) Run(in []float64, ws *Workspace) []float64 {
	ws.load(in)
	for l, w := range b.weights {
		next := ws.acts[l+1]
		next.MulVec(w, ws.acts[l])
		next.AddVec(next, b.biases[l])
		ws.activate(l + 1)
	}
	return ws.output()
}

// Train performs one online backpropagation step on squared error
func (b *Basic) Train(in, target []float64, rate float64) error {
	if len(in) != b.spec.Inputs || len(target) != b.spec.Outputs {
		return fmt.Errorf("%w: sample %d->%d for %s", ErrShapeMismatch, len(in), len(target), b.spec)
	}
	out := b.Run(in, b.train)

	last := len(b.weights) - 1
	d := b.deltas[last].RawVector().Data
	for i, o := range out {
		d[i] = (o - target[i]) * layers.SigmoidPrime(o)
	}

	for l := last; l >= 0; l-- {
		// propagate before this layer's weights change
		if l > 0 {
			prev := b.deltas[l-1]
			prev.MulVec(b.weights[l].T(), b.deltas[l])
			raw := prev.RawVector().Data
			act := b.train.acts[l].RawVector().Data
			for i := range raw {
				raw[i] *= layers.SigmoidPrime(act[i])
			}
		}
		b.weights[l].RankOne(b.weights[l], -rate, b.deltas[l], b.train.acts[l])
		b.biases[l].AddScaledVec(b.biases[l], -rate, b.deltas[l])
	}
	return nil
}

// Flush is a no-op; Basic trains immediately
func (b *Basic) Flush() error { return nil }

// Clone returns a deep copy. Safe to call from any goroutine.
func (b *Basic) Clone() (Backend, error) {
	c := &Basic{spec: b.spec}
	for l := range b.weights {
		c.weights = append(c.weights, mat.DenseCopyOf(b.weights[l]))
		bias := mat.NewVecDense(b.biases[l].Len(), nil)
		bias.CopyVec(b.biases[l])
		c.biases = append(c.biases, bias)
	}
	c.initScratch()
	return c, nil
}

// Close drops the weight storage
func (b *Basic) Close() {
	b.weights = nil
	b.biases = nil
	b.deltas = nil
	b.train = nil
}

// Marshal writes the ModelSpec followed by each layer's weights (row-major) and biases
func (b *Basic) Marshal(buf *memory.ByteBuffer) {
	marshalSpec(buf, b.spec)
	for l := range b.weights {
		buf.PutDoubles(b.weights[l].RawMatrix().Data)
		buf.PutDoubles(b.biases[l].RawVector().Data)
	}
}

func unmarshalBasic(buf *memory.ByteBuffer) (*Basic, error) {
	spec, err := unmarshalSpec(buf)
	if err != nil {
		return nil, err
	}
	widths := spec.Widths()
	b := &Basic{spec: spec}
	for l := 1; l < len(widths); l++ {
		in, out := widths[l-1], widths[l]
		w, err := readLayer(buf, in*out)
		if err != nil {
			return nil, fmt.Errorf("layer %d weights: %w", l, err)
		}
		bias, err := readLayer(buf, out)
		if err != nil {
			return nil, fmt.Errorf("layer %d biases: %w", l, err)
		}
		b.weights = append(b.weights, mat.NewDense(out, in, w))
		b.biases = append(b.biases, mat.NewVecDense(out, bias))
	}
	b.initScratch()
	return b, nil
}
