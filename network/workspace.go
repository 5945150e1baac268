package network

import (
	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-neuralfill/layers"
)

// Workspace holds the per-worker staging vectors a forward pass writes into.
// It is sized once from the ModelSpec and reused for every Run on the same goroutine.
type Workspace struct {
	Slot int
	acts []*mat.VecDense
}

// NewWorkspace allocates activations for every layer of spec
func NewWorkspace(spec layers.ModelSpec, slot int) *Workspace {
	widths := spec.Widths()
	ws := &Workspace{Slot: slot, acts: make([]*mat.VecDense, len(widths))}
	for i, w := range widths {
		ws.acts[i] = mat.NewVecDense(w, nil)
	}
	return ws
}

// load copies in into the input activation
func (ws *Workspace) load(in []float64) {
	copy(ws.acts[0].RawVector().Data, in)
}

// activate applies the sigmoid to layer i in place
func (ws *Workspace) activate(i int) {
	raw := ws.acts[i].RawVector().Data
	for j, v := range raw {
		raw[j] = layers.Sigmoid(v)
	}
}

func (ws *Workspace) output() []float64 {
	return ws.acts[len(ws.acts)-1].RawVector().Data
}

// Workspaces builds one workspace per worker slot
func Workspaces(spec layers.ModelSpec, n int) []*Workspace {
	out := make([]*Workspace, n)
	for i := range out {
		out[i] = NewWorkspace(spec, i)
	}
	return out
}
