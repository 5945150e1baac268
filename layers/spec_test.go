package layers

import (
	"math"
	"math/rand"
	"testing"
)

func TestModelSpecValidate(t *testing.T) {
	tests := []struct {
		name  string
		spec  ModelSpec
		valid bool
	}{
		{"hidden", ModelSpec{Inputs: 87, HiddenLayers: 1, NeuronsPerLayer: 32, Outputs: 60}, true},
		{"no hidden layers", ModelSpec{Inputs: 4, Outputs: 2}, true},
		{"no inputs", ModelSpec{Outputs: 2}, false},
		{"no outputs", ModelSpec{Inputs: 2}, false},
		{"negative hidden", ModelSpec{Inputs: 2, HiddenLayers: -1, Outputs: 2}, false},
		{"empty hidden layer", ModelSpec{Inputs: 2, HiddenLayers: 2, Outputs: 2}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if (err == nil) != tt.valid {
				t.Errorf("Expected valid=%t, got %v", tt.valid, err)
			}
		})
	}
}

func TestModelSpecWidthsAndParameters(t *testing.T) {
	spec := ModelSpec{Inputs: 6, HiddenLayers: 2, NeuronsPerLayer: 4, Outputs: 3}
	widths := spec.Widths()
	want := []int{6, 4, 4, 3}
	if len(widths) != len(want) {
		t.Fatalf("Expected %v, got %v", want, widths)
	}
	for i := range want {
		if widths[i] != want[i] {
			t.Errorf("Expected %v, got %v", want, widths)
		}
	}
	// 6*4+4 + 4*4+4 + 4*3+3
	if got := spec.ParameterCount(); got != 63 {
		t.Errorf("Expected 63 parameters, got %d", got)
	}
}

func TestSigmoid(t *testing.T) {
	if Sigmoid(0) != 0.5 {
		t.Errorf("Expected Sigmoid(0) to be 0.5, got %f", Sigmoid(0))
	}
	if Sigmoid(40) <= 0.999 || Sigmoid(-40) >= 0.001 {
		t.Error("Expected Sigmoid to saturate towards 0 and 1")
	}
	a := Sigmoid(0.3)
	h := 1e-6
	numeric := (Sigmoid(0.3+h) - Sigmoid(0.3-h)) / (2 * h)
	if math.Abs(SigmoidPrime(a)-numeric) > 1e-6 {
		t.Errorf("Expected derivative %f, got %f", numeric, SigmoidPrime(a))
	}
}

func TestInitWeightsBounded(t *testing.T) {
	w := make([]float64, 1000)
	InitWeights(rand.New(rand.NewSource(1)), w, 10, 6)
	limit := math.Sqrt(6.0 / 16)
	nonZero := 0
	for _, v := range w {
		if math.Abs(v) > limit {
			t.Fatalf("weight %f outside [-%f, %f]", v, limit, limit)
		}
		if v != 0 {
			nonZero++
		}
	}
	if nonZero < 990 {
		t.Errorf("Expected nearly all weights to be non-zero, got %d", nonZero)
	}
}
