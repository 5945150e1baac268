// Package engine fills erased image regions with repeated passes of a trained model.
//
// Each pass runs the model on every centre pixel whose output ring touches an erased
// pixel and whose input disc is fully known, scatters the predicted ring into an
// Accumulator, then resolves every erased pixel that gathered enough predictions.
// Passes repeat until one makes no progress.
//
// A centre only needs its input disc inside the image; ring predictions falling outside
// are dropped. A pixel no in-image disc's ring reaches, such as an image corner when
// 2r² > (r+1)², stays erased.
package engine

import (
	"errors"
	"fmt"
	"image"
	"io"
	"log"
	"runtime"
	"time"

	"github.com/tsawler/go-neuralfill/async"
	"github.com/tsawler/go-neuralfill/network"
	"github.com/tsawler/go-neuralfill/vision/preprocessing"
	"github.com/tsawler/go-neuralfill/vision/sampling"
)

// ErrWrongMode is returned when a predictor is asked for an operation its geometry
// does not support
var ErrWrongMode = errors.New("engine: geometry does not support this operation")

// Options configures prediction
type Options struct {
	Threads        int           `yaml:"threads"`
	MinPredictions int           `yaml:"min_predictions"`
	UseNeighbors   bool          `yaml:"use_neighbors"`
	NeighborFrom   int           `yaml:"neighbor_from"` // First pass (1-based) allowing substitution
	NeighborTo     int           `yaml:"neighbor_to"`   // Last pass allowing substitution, 0 for no limit
	MaxNeighbors   int           `yaml:"max_neighbors"`
	CombineAsYouGo bool          `yaml:"combine_as_you_go"`
	PollInterval   time.Duration `yaml:"poll_interval"`
}

// DefaultOptions returns a sensible default configuration
func DefaultOptions() Options {
	return Options{
		Threads:        runtime.NumCPU(),
		MinPredictions: 1,
		UseNeighbors:   true,
		NeighborFrom:   3,
		NeighborTo:     0,
		MaxNeighbors:   4,
		PollInterval:   async.DefaultPollInterval,
	}
}

// Validate checks the options for consistency
func (o Options) Validate() error {
	if o.MinPredictions < 1 {
		return fmt.Errorf("min predictions must be >= 1 (got %d)", o.MinPredictions)
	}
	if o.UseNeighbors {
		if o.NeighborFrom < 1 {
			return fmt.Errorf("neighbor window must start at pass >= 1 (got %d)", o.NeighborFrom)
		}
		if o.NeighborTo != 0 && o.NeighborTo < o.NeighborFrom {
			return fmt.Errorf("neighbor window [%d, %d] is empty", o.NeighborFrom, o.NeighborTo)
		}
		if o.MaxNeighbors < 1 {
			return fmt.Errorf("max neighbors must be >= 1 (got %d)", o.MaxNeighbors)
		}
	}
	return nil
}

// substitution returns the neighbor rule in effect for pass
func (o Options) substitution(pass int) sampling.Substitution {
	on := o.UseNeighbors && pass >= o.NeighborFrom && (o.NeighborTo == 0 || pass <= o.NeighborTo)
	return sampling.Substitution{Enabled: on, Max: o.MaxNeighbors}
}

// Result is the outcome of PredictMissing
type Result struct {
	Image    *image.NRGBA // Filled image
	Mask     *image.NRGBA // Pixels still erased
	Erased   int          // Erased pixels before the first pass
	Residual int          // Erased pixels left unresolved
	Passes   int          // Passes run, counting any skipped ahead
	Trace    []int        // Erased pixels left after each pass
}

// Predictor runs one model over images of matching geometry
type Predictor struct {
	model   *network.Model
	encoder *sampling.Encoder
	opts    Options
	logger  *log.Logger
}

// NewPredictor checks that model matches geo. A nil logger discards output.
func NewPredictor(model *network.Model, geo sampling.Geometry, opts Options, logger *log.Logger) (*Predictor, error) {
	if model.Inputs() != geo.Inputs || model.Outputs() != geo.Outputs {
		return nil, fmt.Errorf("%w: model %d->%d, geometry %v",
			network.ErrShapeMismatch, model.Inputs(), model.Outputs(), geo)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Predictor{model: model, encoder: sampling.NewEncoder(geo), opts: opts, logger: logger}, nil
}

// worker is the private state of one prediction goroutine
type worker struct {
	model *network.Model
	ws    *network.Workspace
	in    []float64
	owned bool
}

// workers returns n workers. Worker 0 shares the predictor's model; the others get
// clones made here, on the calling goroutine.
func (p *Predictor) workers(n int) ([]*worker, error) {
	ws := make([]*worker, 0, n)
	for i := 0; i < n; i++ {
		m, owned := p.model, false
		if i > 0 {
			c, err := p.model.Clone()
			if err != nil {
				releaseWorkers(ws)
				return nil, err
			}
			m, owned = c, true
		}
		ws = append(ws, &worker{
			model: m,
			ws:    m.NewWorkspace(i),
			in:    make([]float64, p.encoder.Geometry().Inputs),
			owned: owned,
		})
	}
	return ws, nil
}

func releaseWorkers(ws []*worker) {
	for _, w := range ws {
		if w.owned {
			w.model.Release()
		}
	}
}

// scan calls visit for every centre, sharded by (x+y) % len(workers), and returns the
// merged accumulator
func (p *Predictor) scan(label string, workers []*worker, centres []image.Point,
	visit func(w *worker, c image.Point, acc *Accumulator)) (*Accumulator, error) {
	n := len(workers)
	if n == 1 {
		acc := NewAccumulator()
		for _, c := range centres {
			visit(workers[0], c, acc)
		}
		return acc, nil
	}

	accs := make([]*Accumulator, n)
	shared := NewAccumulator()
	for i := range accs {
		accs[i] = shared
		if !p.opts.CombineAsYouGo {
			accs[i] = NewAccumulator()
		}
	}

	poll := func(s async.Status) {
		p.logger.Printf("%s: %d/%d workers done (%s)", label, s.Done, s.Workers, s.Elapsed.Round(time.Millisecond))
	}
	err := async.Fork(n, p.opts.PollInterval, poll, func(id int) error {
		w := workers[id]
		for _, c := range centres {
			if (c.X+c.Y)%n == id {
				visit(w, c, accs[id])
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if p.opts.CombineAsYouGo {
		return shared, nil
	}
	for _, acc := range accs[1:] {
		accs[0].Fold(acc)
	}
	return accs[0], nil
}

// PredictMissing fills the pixels erased in mask. Neither argument is modified.
func (p *Predictor) PredictMissing(img, mask *image.NRGBA) (Result, error) {
	geo := p.encoder.Geometry()
	if geo.Colorize() {
		return Result{}, fmt.Errorf("%w: predict missing needs a prediction model, have %v", ErrWrongMode, geo)
	}
	if img.Rect.Size() != mask.Rect.Size() {
		return Result{}, fmt.Errorf("mask %v does not match image %v", mask.Rect.Size(), img.Rect.Size())
	}

	out := preprocessing.ToNRGBA(img)
	work := preprocessing.ToNRGBA(mask)
	res := Result{Image: out, Mask: work, Erased: preprocessing.CountErased(work)}
	res.Residual = res.Erased
	if res.Erased == 0 {
		return res, nil
	}

	threads := min(async.Clamp(p.opts.Threads), res.Erased)
	workers, err := p.workers(threads)
	if err != nil {
		return res, err
	}
	defer releaseWorkers(workers)

	ring := p.encoder.OutputOffsets()
	for pass := 1; res.Residual > 0; pass++ {
		res.Passes = pass
		sub := p.opts.substitution(pass)
		centres := p.candidates(work)

		acc, err := p.scan(fmt.Sprintf("pass %d", pass), workers, centres, func(w *worker, c image.Point, acc *Accumulator) {
			if !p.encoder.EncodeMasked(out, work, c.X, c.Y, w.in, sub) {
				return
			}
			pred := w.model.Run(w.in, w.ws)
			for i, off := range ring {
				x, y := c.X+off.X, c.Y+off.Y
				if image.Pt(x, y).In(work.Rect) && sampling.Erased(work, x, y) {
					acc.AddPrediction(x, y, [3]float64{pred[3*i], pred[3*i+1], pred[3*i+2]}, 1)
				}
			}
		})
		if err != nil {
			return res, fmt.Errorf("pass %d: %w", pass, err)
		}

		resolved := p.resolve(acc, out, work)
		res.Residual -= resolved
		res.Trace = append(res.Trace, res.Residual)
		p.logger.Printf("pass %d: centres=%d resolved=%d erased=%d neighbors=%t",
			pass, len(centres), resolved, res.Residual, sub.Enabled)

		if resolved == 0 {
			if p.opts.UseNeighbors && pass < p.opts.NeighborFrom {
				pass = p.opts.NeighborFrom - 1
				continue
			}
			break
		}
	}
	return res, nil
}

// candidates returns, row-major, every centre whose input disc fits the image and whose
// output ring covers at least one erased pixel
func (p *Predictor) candidates(mask *image.NRGBA) []image.Point {
	b := mask.Rect
	w := b.Dx()
	marked := make([]bool, w*b.Dy())
	ring := p.encoder.OutputOffsets()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if !sampling.Erased(mask, x, y) {
				continue
			}
			for _, off := range ring {
				cx, cy := x-off.X, y-off.Y
				if p.encoder.InputFits(b, cx, cy) {
					marked[(cy-b.Min.Y)*w+cx-b.Min.X] = true
				}
			}
		}
	}
	var centres []image.Point
	for i, m := range marked {
		if m {
			centres = append(centres, image.Pt(b.Min.X+i%w, b.Min.Y+i/w))
		}
	}
	return centres
}

// resolve writes every erased pixel with enough predictions and clears it in mask
func (p *Predictor) resolve(acc *Accumulator, out, mask *image.NRGBA) int {
	resolved := 0
	for _, pt := range acc.Points() {
		if !sampling.Erased(mask, pt.X, pt.Y) || acc.Count(pt.X, pt.Y) < float64(p.opts.MinPredictions) {
			continue
		}
		sampling.SetRGB(out, pt.X, pt.Y, acc.AverageAt(pt.X, pt.Y))
		sampling.SetErased(mask, pt.X, pt.Y, false)
		resolved++
	}
	return resolved
}
