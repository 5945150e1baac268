package validation

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/go-neuralfill/async"
	"github.com/tsawler/go-neuralfill/network"
)

// Run returns the mean absolute component error of model over every sample in set.
//
// With threads > 1 samples are sharded by index (i % threads == worker). Worker 0 uses
// model directly and every other worker clones it first, so backends whose clones are
// not thread safe are always evaluated on a single goroutine.
func Run(model *network.Model, set *Set, threads int) (float64, error) {
	n := set.Len()
	if n == 0 {
		return 0, nil
	}
	if model.Inputs() != set.geo.Inputs || model.Outputs() != set.geo.Outputs {
		return 0, fmt.Errorf("%w: model %d->%d, validation set %d->%d",
			network.ErrShapeMismatch, model.Inputs(), model.Outputs(), set.geo.Inputs, set.geo.Outputs)
	}
	if !model.CloneIsThreadSafe() {
		threads = 1
	}
	threads = min(threads, n)
	if threads <= 1 {
		return shardError(model, set, 0, 1) / float64(n*set.geo.Outputs), nil
	}

	sums := make([]float64, threads)
	err := async.Fork(threads, 0, nil, func(w int) error {
		m := model
		if w > 0 {
			c, err := model.Clone()
			if err != nil {
				return err
			}
			defer c.Release()
			m = c
		}
		sums[w] = shardError(m, set, w, threads)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("validation run: %w", err)
	}
	return floats.Sum(sums) / float64(n*set.geo.Outputs), nil
}

// shardError sums |prediction - target| over samples i with i % stride == shard
func shardError(model *network.Model, set *Set, shard, stride int) float64 {
	ws := model.NewWorkspace(shard)
	total := 0.0
	for i := shard; i < set.Len(); i += stride {
		in, out := set.Sample(i)
		total += floats.Distance(model.Run(in, ws), out, 1)
	}
	return total
}
