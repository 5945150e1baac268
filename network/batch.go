package network

// batchBuffer accumulates samples for backends that only learn from minibatches.
// Storage is allocated once at the configured capacity.
type batchBuffer struct {
	capacity int
	inputs   []float64
	outputs  []float64
	ni, no   int
	n        int
	rate     float64
}

func newBatchBuffer(capacity, ni, no int) *batchBuffer {
	if capacity <= 0 {
		capacity = DefaultBatchCapacity
	}
	return &batchBuffer{
		capacity: capacity,
		inputs:   make([]float64, capacity*ni),
		outputs:  make([]float64, capacity*no),
		ni:       ni,
		no:       no,
	}
}

// add copies a sample in and reports whether the buffer is now full.
// The most recent rate wins for the whole batch.
func (bb *batchBuffer) add(in, out []float64, rate float64) bool {
	copy(bb.inputs[bb.n*bb.ni:], in)
	copy(bb.outputs[bb.n*bb.no:], out)
	bb.n++
	bb.rate = rate
	return bb.n >= bb.capacity
}

func (bb *batchBuffer) len() int {
	return bb.n
}

// flat returns row-major views over the filled part of the buffer
func (bb *batchBuffer) flat() ([]float64, []float64) {
	return bb.inputs[:bb.n*bb.ni], bb.outputs[:bb.n*bb.no]
}

func (bb *batchBuffer) reset() {
	bb.n = 0
}
