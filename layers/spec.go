package layers

import (
	"fmt"
	"math"
	"math/rand"
)

// ModelSpec defines a fully connected network as plain configuration.
// Every hidden layer has the same width and all layers use a sigmoid activation,
// so outputs always land in [0, 1] like the encoded pixel channels.
type ModelSpec struct {
	Inputs          int
	HiddenLayers    int
	NeuronsPerLayer int
	Outputs         int
}

// Validate checks that s describes a buildable network
func (s ModelSpec) Validate() error {
	if s.Inputs <= 0 {
		return fmt.Errorf("inputs must be > 0 (got %d)", s.Inputs)
	}
	if s.Outputs <= 0 {
		return fmt.Errorf("outputs must be > 0 (got %d)", s.Outputs)
	}
	if s.HiddenLayers < 0 {
		return fmt.Errorf("hidden layers must be >= 0 (got %d)", s.HiddenLayers)
	}
	if s.HiddenLayers > 0 && s.NeuronsPerLayer <= 0 {
		return fmt.Errorf("neurons per layer must be > 0 (got %d)", s.NeuronsPerLayer)
	}
	return nil
}

// Widths returns the width of every layer from input to output
func (s ModelSpec) Widths() []int {
	widths := make([]int, 0, s.HiddenLayers+2)
	widths = append(widths, s.Inputs)
	for i := 0; i < s.HiddenLayers; i++ {
		widths = append(widths, s.NeuronsPerLayer)
	}
	return append(widths, s.Outputs)
}

// ParameterCount returns the number of weights plus biases
func (s ModelSpec) ParameterCount() int {
	widths := s.Widths()
	total := 0
	for i := 1; i < len(widths); i++ {
		total += widths[i-1]*widths[i] + widths[i]
	}
	return total
}

func (s ModelSpec) String() string {
	return fmt.Sprintf("Dense(%d -> %dx%d -> %d, params=%d)",
		s.Inputs, s.HiddenLayers, s.NeuronsPerLayer, s.Outputs, s.ParameterCount())
}

// Sigmoid is the activation used by every layer
func Sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

// SigmoidPrime returns the derivative given an already activated value
func SigmoidPrime(a float64) float64 {
	return a * (1 - a)
}

// InitWeights fills w with uniform values scaled by fan-in (Xavier style)
func InitWeights(rng *rand.Rand, w []float64, fanIn, fanOut int) {
	limit := math.Sqrt(6.0 / float64(fanIn+fanOut))
	for i := range w {
		w[i] = (rng.Float64()*2 - 1) * limit
	}
}
