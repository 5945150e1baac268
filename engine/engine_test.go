package engine

import (
	"errors"
	"image"
	"image/color"
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/tsawler/go-neuralfill/layers"
	"github.com/tsawler/go-neuralfill/network"
	"github.com/tsawler/go-neuralfill/vision/preprocessing"
	"github.com/tsawler/go-neuralfill/vision/sampling"
)

func gradientImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(30 + x*5), G: uint8(200 - y*4), B: uint8(90 + (x+y)*2), A: 255})
		}
	}
	return img
}

func newModel(t *testing.T, geo sampling.Geometry, seed int64) *network.Model {
	t.Helper()
	m, err := network.New(network.FormatBasic, layers.ModelSpec{
		Inputs: geo.Inputs, HiddenLayers: 1, NeuronsPerLayer: 10, Outputs: geo.Outputs,
	}, network.Options{Seed: seed})
	if err != nil {
		t.Fatalf("new model: %v", err)
	}
	t.Cleanup(m.Release)
	return m
}

func newPredictor(t *testing.T, m *network.Model, geo sampling.Geometry, opts Options) *Predictor {
	t.Helper()
	p, err := NewPredictor(m, geo, opts, nil)
	if err != nil {
		t.Fatalf("new predictor: %v", err)
	}
	return p
}

func near(a, b [3]float64, eps float64) bool {
	for i := range a {
		if math.Abs(a[i]-b[i]) > eps {
			return false
		}
	}
	return true
}

func TestAccumulatorWeightedMean(t *testing.T) {
	acc := NewAccumulator()
	acc.AddPrediction(3, 4, [3]float64{0.2, 0.4, 0.6}, 1)
	acc.AddPrediction(3, 4, [3]float64{0.8, 0.1, 0.0}, 3)

	want := [3]float64{(0.2 + 3*0.8) / 4, (0.4 + 3*0.1) / 4, 0.6 / 4}
	if got := acc.AverageAt(3, 4); !near(got, want, 1e-12) {
		t.Errorf("Expected %v, got %v", want, got)
	}
	if got := acc.Count(3, 4); got != 4 {
		t.Errorf("Expected count 4, got %f", got)
	}
	if got := acc.AverageAt(0, 0); got != ([3]float64{}) {
		t.Errorf("Expected zero for an absent pixel, got %v", got)
	}
	if got := acc.Count(0, 0); got != 0 {
		t.Errorf("Expected count 0 for an absent pixel, got %f", got)
	}
}

func TestAccumulatorClampsAverage(t *testing.T) {
	acc := NewAccumulator()
	acc.AddPrediction(0, 0, [3]float64{1.5, -0.5, 0.5}, 1)
	if got := acc.AverageAt(0, 0); got != ([3]float64{1, 0, 0.5}) {
		t.Errorf("Expected clamped average, got %v", got)
	}
}

type contribution struct {
	x, y   int
	c      [3]float64
	weight float64
}

func randomContributions(rng *rand.Rand, n int) []contribution {
	out := make([]contribution, n)
	for i := range out {
		out[i] = contribution{
			x:      rng.Intn(5),
			y:      rng.Intn(5),
			c:      [3]float64{rng.Float64(), rng.Float64(), rng.Float64()},
			weight: 1 + float64(rng.Intn(3)),
		}
	}
	return out
}

func replay(cs []contribution) *Accumulator {
	acc := NewAccumulator()
	for _, c := range cs {
		acc.AddPrediction(c.x, c.y, c.c, c.weight)
	}
	return acc
}

func TestAccumulatorOrderIndependent(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	cs := randomContributions(rng, 400)
	forward := replay(cs)

	shuffled := append([]contribution(nil), cs...)
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	backward := replay(shuffled)

	for y := 0; y < 5; y++ {
		for x := 0; x < 5; x++ {
			if !near(forward.AverageAt(x, y), backward.AverageAt(x, y), 1e-12) {
				t.Errorf("(%d,%d): %v vs %v", x, y, forward.AverageAt(x, y), backward.AverageAt(x, y))
			}
			if forward.Count(x, y) != backward.Count(x, y) {
				t.Errorf("(%d,%d): count %f vs %f", x, y, forward.Count(x, y), backward.Count(x, y))
			}
		}
	}
}

func TestAccumulatorFoldEqualsReplay(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	a := randomContributions(rng, 150)
	b := randomContributions(rng, 220)

	folded := replay(a)
	folded.Fold(replay(b))
	all := replay(append(append([]contribution(nil), a...), b...))

	if folded.Len() != all.Len() {
		t.Fatalf("Expected %d entries, got %d", all.Len(), folded.Len())
	}
	for _, p := range all.Points() {
		if !near(folded.AverageAt(p.X, p.Y), all.AverageAt(p.X, p.Y), 1e-12) {
			t.Errorf("%v: %v vs %v", p, folded.AverageAt(p.X, p.Y), all.AverageAt(p.X, p.Y))
		}
		if folded.Count(p.X, p.Y) != all.Count(p.X, p.Y) {
			t.Errorf("%v: count %f vs %f", p, folded.Count(p.X, p.Y), all.Count(p.X, p.Y))
		}
	}
}

func TestAccumulatorRescaleKeepsMean(t *testing.T) {
	acc := NewAccumulator()
	acc.AddPrediction(1, 1, [3]float64{0.25, 0.5, 0.75}, RescaleThreshold)
	acc.AddPrediction(1, 1, [3]float64{0.25, 0.5, 0.75}, 2)

	if got := acc.Count(1, 1); got >= RescaleThreshold {
		t.Errorf("Expected count below %d after rescale, got %f", RescaleThreshold, got)
	}
	if got := acc.AverageAt(1, 1); !near(got, [3]float64{0.25, 0.5, 0.75}, 1e-12) {
		t.Errorf("Expected mean preserved, got %v", got)
	}
}

func TestAccumulatorConcurrentAdds(t *testing.T) {
	acc := NewAccumulator()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				acc.AddPrediction(i%3, 0, [3]float64{0.5, 0.5, 0.5}, 1)
			}
		}()
	}
	wg.Wait()

	total := acc.Count(0, 0) + acc.Count(1, 0) + acc.Count(2, 0)
	if total != 8000 {
		t.Errorf("Expected 8000 contributions, got %f", total)
	}
	acc.Reset()
	if acc.Len() != 0 {
		t.Errorf("Expected empty accumulator after Reset, got %d", acc.Len())
	}
}

func TestPredictorRejectsMismatchedModel(t *testing.T) {
	geo, _ := sampling.NewGeometry(1, 0)
	other, _ := sampling.NewGeometry(2, 0)
	_, err := NewPredictor(newModel(t, other, 1), geo, DefaultOptions(), nil)
	if !errors.Is(err, network.ErrShapeMismatch) {
		t.Fatalf("Expected ErrShapeMismatch, got %v", err)
	}
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Options)
		ok     bool
	}{
		{"defaults", func(*Options) {}, true},
		{"zero min predictions", func(o *Options) { o.MinPredictions = 0 }, false},
		{"empty window", func(o *Options) { o.NeighborFrom, o.NeighborTo = 5, 2 }, false},
		{"no substitutions", func(o *Options) { o.MaxNeighbors = 0 }, false},
		{"neighbors off ignores window", func(o *Options) { o.UseNeighbors, o.MaxNeighbors = false, 0 }, true},
	}
	for _, tt := range tests {
		o := DefaultOptions()
		tt.modify(&o)
		if err := o.Validate(); (err == nil) != tt.ok {
			t.Errorf("%s: expected ok=%t, got %v", tt.name, tt.ok, err)
		}
	}
}

func TestNeighborWindow(t *testing.T) {
	o := DefaultOptions()
	o.NeighborFrom, o.NeighborTo = 2, 3
	for pass, want := range map[int]bool{1: false, 2: true, 3: true, 4: false} {
		if got := o.substitution(pass).Enabled; got != want {
			t.Errorf("pass %d: expected %t, got %t", pass, want, got)
		}
	}
}

func TestPredictMissingLeavesUnreachablePixel(t *testing.T) {
	geo, _ := sampling.NewGeometry(3, 0)
	opts := DefaultOptions()
	opts.Threads = 1
	opts.UseNeighbors = false
	p := newPredictor(t, newModel(t, geo, 3), geo, opts)

	img := gradientImage(16, 16)
	mask := preprocessing.NewMask(img.Rect)
	sampling.SetErased(mask, 0, 0, true) // no ring from a fitting disc reaches the corner
	sampling.SetErased(mask, 8, 8, true) // fully supported

	res, err := p.PredictMissing(img, mask)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if res.Erased != 2 || res.Residual != 1 {
		t.Fatalf("Expected 2 erased and 1 residual, got %d and %d", res.Erased, res.Residual)
	}
	if res.Passes != 2 || len(res.Trace) != 2 || res.Trace[0] != 1 || res.Trace[1] != 1 {
		t.Errorf("Expected one resolving pass then one idle pass, got passes=%d trace=%v", res.Passes, res.Trace)
	}
	if !sampling.Erased(res.Mask, 0, 0) {
		t.Error("corner pixel should remain erased")
	}
	if sampling.Erased(res.Mask, 8, 8) {
		t.Error("centre pixel should be resolved")
	}
	if !sampling.Erased(mask, 8, 8) {
		t.Error("input mask must not be modified")
	}
	if got, want := res.Image.NRGBAAt(3, 3), img.NRGBAAt(3, 3); got != want {
		t.Errorf("known pixel changed: expected %v, got %v", want, got)
	}
}

func TestPredictMissingFillsBorderStrip(t *testing.T) {
	geo, _ := sampling.NewGeometry(3, 0)
	opts := DefaultOptions()
	opts.Threads = 1
	p := newPredictor(t, newModel(t, geo, 4), geo, opts)

	img := gradientImage(32, 32)
	mask := preprocessing.NewMask(img.Rect)
	preprocessing.EraseRect(mask, image.Rect(0, 0, 32, 3))

	res, err := p.PredictMissing(img, mask)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if res.Erased != 96 {
		t.Fatalf("Expected 96 erased pixels, got %d", res.Erased)
	}
	// only the two top corners lie beyond every ring whose disc fits
	if res.Residual != 2 {
		t.Fatalf("Expected 2 residual pixels, got %d (trace %v)", res.Residual, res.Trace)
	}
	if !sampling.Erased(res.Mask, 0, 0) || !sampling.Erased(res.Mask, 31, 0) {
		t.Error("Expected the top corners to stay erased")
	}
	for _, pt := range []image.Point{{1, 0}, {0, 1}, {30, 0}, {31, 2}, {16, 0}} {
		if sampling.Erased(res.Mask, pt.X, pt.Y) {
			t.Errorf("Expected %v to be resolved", pt)
		}
	}
}

func TestPredictMissingInsufficientSupport(t *testing.T) {
	geo, _ := sampling.NewGeometry(1, 0)
	opts := DefaultOptions()
	opts.UseNeighbors = false
	opts.MinPredictions = len(sampling.Ring(1, 2)) + 1
	p := newPredictor(t, newModel(t, geo, 3), geo, opts)

	img := gradientImage(12, 12)
	mask := preprocessing.NewMask(img.Rect)
	sampling.SetErased(mask, 6, 6, true)

	res, err := p.PredictMissing(img, mask)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if res.Residual != 1 || res.Passes != 1 {
		t.Errorf("Expected the pixel to stay erased after one pass, got residual=%d passes=%d", res.Residual, res.Passes)
	}
}

func TestPredictMissingIsMonotone(t *testing.T) {
	geo, _ := sampling.NewGeometry(2, 0)
	opts := DefaultOptions()
	opts.Threads = 2
	p := newPredictor(t, newModel(t, geo, 5), geo, opts)

	img := gradientImage(30, 30)
	mask := preprocessing.NewMask(img.Rect)
	preprocessing.EraseRect(mask, image.Rect(10, 11, 19, 18))
	preprocessing.EraseRect(mask, image.Rect(0, 25, 3, 30))

	res, err := p.PredictMissing(img, mask)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	prev := res.Erased
	for i, n := range res.Trace {
		if n > prev {
			t.Fatalf("pass %d: erased count grew from %d to %d", i+1, prev, n)
		}
		prev = n
	}
	if res.Residual != preprocessing.CountErased(res.Mask) {
		t.Errorf("Expected residual %d to match mask, got %d", preprocessing.CountErased(res.Mask), res.Residual)
	}
	if sampling.Erased(res.Mask, 14, 14) {
		t.Error("interior of a supported block should resolve")
	}
}

func TestPredictMissingSkipsAheadToNeighborWindow(t *testing.T) {
	geo, _ := sampling.NewGeometry(1, 0)
	opts := DefaultOptions()
	opts.Threads = 1
	opts.NeighborFrom = 5
	opts.MaxNeighbors = 2
	p := newPredictor(t, newModel(t, geo, 9), geo, opts)

	// every input disc touches an erased even column, so only substitution makes progress
	img := gradientImage(12, 12)
	mask := preprocessing.NewMask(img.Rect)
	for x := 0; x < 12; x += 2 {
		preprocessing.EraseRect(mask, image.Rect(x, 0, x+1, 12))
	}

	res, err := p.PredictMissing(img, mask)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if len(res.Trace) < 2 || res.Trace[0] != res.Erased {
		t.Fatalf("Expected an idle first pass, got trace %v for %d erased", res.Trace, res.Erased)
	}
	if res.Trace[1] >= res.Erased {
		t.Errorf("Expected the first neighbor pass to make progress, got trace %v", res.Trace)
	}
	if res.Passes < opts.NeighborFrom {
		t.Errorf("Expected at least %d passes, got %d", opts.NeighborFrom, res.Passes)
	}
}

func TestPredictMissingThreadCountsAgree(t *testing.T) {
	geo, _ := sampling.NewGeometry(2, 0)
	model := newModel(t, geo, 13)

	img := gradientImage(32, 32)
	mask := preprocessing.NewMask(img.Rect)
	preprocessing.EraseRect(mask, image.Rect(11, 12, 21, 20))

	run := func(threads int, combine bool) Result {
		opts := DefaultOptions()
		opts.Threads = threads
		opts.CombineAsYouGo = combine
		res, err := newPredictor(t, model, geo, opts).PredictMissing(img, mask)
		if err != nil {
			t.Fatalf("threads=%d: %v", threads, err)
		}
		return res
	}

	base := run(1, false)
	for _, tc := range []struct {
		threads int
		combine bool
	}{{2, false}, {4, false}, {8, false}, {4, true}} {
		res := run(tc.threads, tc.combine)
		if res.Residual != base.Residual || res.Passes != base.Passes {
			t.Errorf("threads=%d combine=%t: residual/passes %d/%d, expected %d/%d",
				tc.threads, tc.combine, res.Residual, res.Passes, base.Residual, base.Passes)
		}
		for i := range base.Image.Pix {
			d := int(base.Image.Pix[i]) - int(res.Image.Pix[i])
			if d < -1 || d > 1 {
				t.Fatalf("threads=%d combine=%t: byte %d differs: %d vs %d",
					tc.threads, tc.combine, i, base.Image.Pix[i], res.Image.Pix[i])
			}
		}
	}
}

func TestScanWorkerCountsAgree(t *testing.T) {
	geo, _ := sampling.NewGeometry(2, 0)
	model := newModel(t, geo, 17)

	img := gradientImage(24, 24)
	mask := preprocessing.NewMask(img.Rect)
	preprocessing.EraseRect(mask, image.Rect(9, 8, 15, 14))

	scan := func(n int, combine bool) *Accumulator {
		opts := DefaultOptions()
		opts.CombineAsYouGo = combine
		p := newPredictor(t, model, geo, opts)
		workers, err := p.workers(n)
		if err != nil {
			t.Fatalf("workers(%d): %v", n, err)
		}
		defer releaseWorkers(workers)
		if len(workers) != n {
			t.Fatalf("Expected %d workers, got %d", n, len(workers))
		}

		ring := p.encoder.OutputOffsets()
		acc, err := p.scan("test", workers, p.candidates(mask), func(w *worker, c image.Point, acc *Accumulator) {
			if !p.encoder.EncodeMasked(img, mask, c.X, c.Y, w.in, sampling.Substitution{Enabled: true, Max: 4}) {
				return
			}
			pred := w.model.Run(w.in, w.ws)
			for i, off := range ring {
				x, y := c.X+off.X, c.Y+off.Y
				if image.Pt(x, y).In(mask.Rect) && sampling.Erased(mask, x, y) {
					acc.AddPrediction(x, y, [3]float64{pred[3*i], pred[3*i+1], pred[3*i+2]}, 1)
				}
			}
		})
		if err != nil {
			t.Fatalf("scan with %d workers: %v", n, err)
		}
		return acc
	}

	base := scan(1, false)
	if base.Len() == 0 {
		t.Fatal("Expected predictions from a single worker")
	}
	for _, n := range []int{1, 2, 4, 8} {
		for _, combine := range []bool{false, true} {
			acc := scan(n, combine)
			if acc.Len() != base.Len() {
				t.Fatalf("workers=%d combine=%t: expected %d entries, got %d", n, combine, base.Len(), acc.Len())
			}
			for _, pt := range base.Points() {
				if acc.Count(pt.X, pt.Y) != base.Count(pt.X, pt.Y) {
					t.Errorf("workers=%d combine=%t: %v count %f, expected %f",
						n, combine, pt, acc.Count(pt.X, pt.Y), base.Count(pt.X, pt.Y))
				}
				if got, want := acc.AverageAt(pt.X, pt.Y), base.AverageAt(pt.X, pt.Y); !near(got, want, 1e-12) {
					t.Errorf("workers=%d combine=%t: %v average %v, expected %v", n, combine, pt, got, want)
				}
			}
		}
	}
}

func TestPredictMissingRejectsMismatchedMask(t *testing.T) {
	geo, _ := sampling.NewGeometry(1, 0)
	p := newPredictor(t, newModel(t, geo, 1), geo, DefaultOptions())
	_, err := p.PredictMissing(gradientImage(8, 8), preprocessing.NewMask(image.Rect(0, 0, 9, 8)))
	if err == nil {
		t.Fatal("Expected an error for a mismatched mask")
	}
}

func TestColorizePreservesValue(t *testing.T) {
	geo, _ := sampling.NewGeometry(2, 1)
	opts := DefaultOptions()
	opts.Threads = 3
	p := newPredictor(t, newModel(t, geo, 21), geo, opts)

	img := gradientImage(14, 12)
	out, err := p.Colorize(img)
	if err != nil {
		t.Fatalf("colorize: %v", err)
	}
	if out.Rect != img.Rect {
		t.Fatalf("Expected bounds %v, got %v", img.Rect, out.Rect)
	}
	for y := 0; y < 12; y++ {
		for x := 0; x < 14; x++ {
			got, want := out.NRGBAAt(x, y), img.NRGBAAt(x, y)
			gotV := max(got.R, got.G, got.B)
			wantV := max(want.R, want.G, want.B)
			if d := int(gotV) - int(wantV); d < -1 || d > 1 {
				t.Errorf("(%d,%d): expected value %d, got %d", x, y, wantV, gotV)
			}
		}
	}

	if _, err := p.PredictMissing(img, preprocessing.NewMask(img.Rect)); !errors.Is(err, ErrWrongMode) {
		t.Errorf("Expected ErrWrongMode, got %v", err)
	}
}

func TestColorizeNeedsColorizeGeometry(t *testing.T) {
	geo, _ := sampling.NewGeometry(1, 0)
	p := newPredictor(t, newModel(t, geo, 1), geo, DefaultOptions())
	if _, err := p.Colorize(gradientImage(8, 8)); !errors.Is(err, ErrWrongMode) {
		t.Errorf("Expected ErrWrongMode, got %v", err)
	}
}

func TestChromaRoundTrip(t *testing.T) {
	for _, tc := range []struct{ h, s float64 }{{0.1, 0.5}, {0.75, 1}, {0.5, 0.2}, {0.99, 0.8}} {
		h, s := decodeChroma(encodeChroma(tc.h, tc.s))
		if math.Abs(h-tc.h) > 1e-9 || math.Abs(s-tc.s) > 1e-9 {
			t.Errorf("Expected (%f,%f), got (%f,%f)", tc.h, tc.s, h, s)
		}
	}

	// averaging hues on either side of red stays red rather than turning cyan
	a, b := encodeChroma(0.02, 1), encodeChroma(0.98, 1)
	h, _ := decodeChroma([3]float64{(a[0] + b[0]) / 2, (a[1] + b[1]) / 2, 1})
	if h > 0.01 && h < 0.99 {
		t.Errorf("Expected hue near 0, got %f", h)
	}
}
