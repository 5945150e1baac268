package network

import (
	"fmt"
	"math/rand"
	"sync"

	"gonum.org/v1/gonum/mat"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/tsawler/go-neuralfill/layers"
	"github.com/tsawler/go-neuralfill/memory"
)

// graphCloneMu serialises Graph clones. Building expression graphs is not safe to run
// from several goroutines at once, so every clone goes through this lock.
var graphCloneMu sync.Mutex

// Graph is a gorgonia-backed network that only learns from minibatches.
// Master weights live in plain slices of shape (in x out); a compiled machine per batch
// size borrows them for a solver step and writes the result back.
type Graph struct {
	spec    layers.ModelSpec
	weights [][]float64
	biases  [][]float64
	views   []*mat.Dense

	batch    *batchBuffer
	machines map[int]*graphMachine
}

// graphMachine is one compiled training graph for a fixed batch size
type graphMachine struct {
	g          *gorgonia.ExprGraph
	x, y       *gorgonia.Node
	ws, bs     []*gorgonia.Node
	learnables gorgonia.Nodes
	vm         gorgonia.VM
}

// NewGraph creates a randomly initialised graph network
func NewGraph(spec layers.ModelSpec, seed int64, capacity int) *Graph {
	rng := rand.New(rand.NewSource(seed))
	widths := spec.Widths()
	g := &Graph{spec: spec}
	for l := 1; l < len(widths); l++ {
		in, out := widths[l-1], widths[l]
		w := make([]float64, in*out)
		layers.InitWeights(rng, w, in, out)
		g.weights = append(g.weights, w)
		g.biases = append(g.biases, make([]float64, out))
	}
	g.init(capacity)
	return g
}

func (g *Graph) init(capacity int) {
	widths := g.spec.Widths()
	g.views = g.views[:0]
	for l := 1; l < len(widths); l++ {
		g.views = append(g.views, mat.NewDense(widths[l-1], widths[l], g.weights[l-1]))
	}
	g.batch = newBatchBuffer(capacity, g.spec.Inputs, g.spec.Outputs)
	g.machines = make(map[int]*graphMachine)
}

// Format returns FormatGraph
func (g *Graph) Format() Format { return FormatGraph }

// Spec returns the layer configuration
func (g *Graph) Spec() layers.ModelSpec { return g.spec }

// Run executes a forward pass on the master weights without touching the graph
func (g *Graph) Run(in []float64, ws *Workspace) []float64 {
	ws.load(in)
	for l, w := range g.views {
		next := ws.acts[l+1]
		next.MulVec(w.T(), ws.acts[l])
		raw := next.RawVector().Data
		for i, b := range g.biases[l] {
			raw[i] += b
		}
		ws.activate(l + 1)
	}
	return ws.output()
}

// Train buffers one sample and flushes when the buffer is full
func (g *Graph) Train(in, out []float64, rate float64) error {
	if len(in) != g.spec.Inputs || len(out) != g.spec.Outputs {
		return fmt.Errorf("%w: sample %d->%d for %s", ErrShapeMismatch, len(in), len(out), g.spec)
	}
	if g.batch.add(in, out, rate) {
		return g.Flush()
	}
	return nil
}

// Flush runs one solver step over every buffered sample
func (g *Graph) Flush() error {
	n := g.batch.len()
	if n == 0 {
		return nil
	}
	defer g.batch.reset()

	m, ok := g.machines[n]
	if !ok {
		var err error
		if m, err = g.compile(n); err != nil {
			return fmt.Errorf("compile graph for batch %d: %w", n, err)
		}
		g.machines[n] = m
	}

	xs, ys := g.batch.flat()
	if err := gorgonia.Let(m.x, tensor.New(tensor.WithShape(n, g.spec.Inputs), tensor.WithBacking(xs))); err != nil {
		return fmt.Errorf("bind inputs: %w", err)
	}
	if err := gorgonia.Let(m.y, tensor.New(tensor.WithShape(n, g.spec.Outputs), tensor.WithBacking(ys))); err != nil {
		return fmt.Errorf("bind targets: %w", err)
	}
	for l := range m.ws {
		copy(m.ws[l].Value().Data().([]float64), g.weights[l])
		copy(m.bs[l].Value().Data().([]float64), g.biases[l])
	}

	defer m.vm.Reset()
	if err := m.vm.RunAll(); err != nil {
		return fmt.Errorf("run graph: %w", err)
	}
	solver := gorgonia.NewVanillaSolver(gorgonia.WithLearnRate(g.batch.rate))
	if err := solver.Step(gorgonia.NodesToValueGrads(m.learnables)); err != nil {
		return fmt.Errorf("solver step: %w", err)
	}
	for l := range m.ws {
		copy(g.weights[l], m.ws[l].Value().Data().([]float64))
		copy(g.biases[l], m.bs[l].Value().Data().([]float64))
	}
	return nil
}

// compile builds the squared-error training graph for batch size n
func (g *Graph) compile(n int) (*graphMachine, error) {
	widths := g.spec.Widths()
	m := &graphMachine{g: gorgonia.NewGraph()}
	m.x = gorgonia.NewMatrix(m.g, tensor.Float64, gorgonia.WithShape(n, g.spec.Inputs), gorgonia.WithName("x"))
	m.y = gorgonia.NewMatrix(m.g, tensor.Float64, gorgonia.WithShape(n, g.spec.Outputs), gorgonia.WithName("y"))

	cur := m.x
	for l := 1; l < len(widths); l++ {
		in, out := widths[l-1], widths[l]
		wv := tensor.New(tensor.WithShape(in, out), tensor.WithBacking(append([]float64(nil), g.weights[l-1]...)))
		bv := tensor.New(tensor.WithShape(1, out), tensor.WithBacking(append([]float64(nil), g.biases[l-1]...)))
		w := gorgonia.NewMatrix(m.g, tensor.Float64, gorgonia.WithShape(in, out), gorgonia.WithName(fmt.Sprintf("w%d", l)), gorgonia.WithValue(wv))
		b := gorgonia.NewMatrix(m.g, tensor.Float64, gorgonia.WithShape(1, out), gorgonia.WithName(fmt.Sprintf("b%d", l)), gorgonia.WithValue(bv))
		m.ws = append(m.ws, w)
		m.bs = append(m.bs, b)
		m.learnables = append(m.learnables, w, b)

		xw, err := gorgonia.Mul(cur, w)
		if err != nil {
			return nil, err
		}
		z, err := gorgonia.BroadcastAdd(xw, b, nil, []byte{0})
		if err != nil {
			return nil, err
		}
		if cur, err = gorgonia.Sigmoid(z); err != nil {
			return nil, err
		}
	}

	diff, err := gorgonia.Sub(cur, m.y)
	if err != nil {
		return nil, err
	}
	sq, err := gorgonia.Square(diff)
	if err != nil {
		return nil, err
	}
	sum, err := gorgonia.Sum(sq)
	if err != nil {
		return nil, err
	}
	// half the per-sample squared error, averaged over the batch
	cost, err := gorgonia.Mul(sum, gorgonia.NewConstant(0.5/float64(n)))
	if err != nil {
		return nil, err
	}
	if _, err := gorgonia.Grad(cost, m.learnables...); err != nil {
		return nil, err
	}
	m.vm = gorgonia.NewTapeMachine(m.g, gorgonia.BindDualValues(m.learnables...))
	return m, nil
}

// Clone copies the master weights into a fresh Graph. Compiled machines and pending
// samples are not shared. Clones are serialised behind graphCloneMu.
func (g *Graph) Clone() (Backend, error) {
	graphCloneMu.Lock()
	defer graphCloneMu.Unlock()

	c := &Graph{spec: g.spec}
	for l := range g.weights {
		c.weights = append(c.weights, append([]float64(nil), g.weights[l]...))
		c.biases = append(c.biases, append([]float64(nil), g.biases[l]...))
	}
	c.init(g.batch.capacity)
	return c, nil
}

// Close releases every compiled machine
func (g *Graph) Close() {
	for _, m := range g.machines {
		m.vm.Close()
	}
	g.machines = nil
	g.weights = nil
	g.biases = nil
	g.views = nil
}

// Marshal writes the ModelSpec followed by each layer's weights (in x out, row-major) and biases.
// Buffered samples that were never flushed are not part of the dump.
func (g *Graph) Marshal(buf *memory.ByteBuffer) {
	marshalSpec(buf, g.spec)
	for l := range g.weights {
		buf.PutDoubles(g.weights[l])
		buf.PutDoubles(g.biases[l])
	}
}

func unmarshalGraph(buf *memory.ByteBuffer, capacity int) (*Graph, error) {
	spec, err := unmarshalSpec(buf)
	if err != nil {
		return nil, err
	}
	widths := spec.Widths()
	g := &Graph{spec: spec}
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
		g.weights = append(g.weights, w)
		g.biases = append(g.biases, bias)
	}
	g.init(capacity)
	return g, nil
}
