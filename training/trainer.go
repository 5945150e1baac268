// Package training improves a best-so-far model one image at a time.
//
// A run clones the best model, trains the clone on one randomly chosen class of pixels,
// measures it on the reserved validation class, and either promotes it or discards it
// and retries at a lower rate. The run never fails: it stops at the iteration cap or the
// retry cap and always leaves a usable best model behind.
package training

import (
	"image"
	"io"
	"log"
	"math/rand"
	"runtime"
	"time"

	"github.com/tsawler/go-neuralfill/network"
	"github.com/tsawler/go-neuralfill/validation"
	"github.com/tsawler/go-neuralfill/vision/preprocessing"
	"github.com/tsawler/go-neuralfill/vision/sampling"
)

// classStride is the side of the pixel class grid. Pixel (x, y) belongs to class
// (y % 4) * 4 + x % 4.
const classStride = 4

// ValidationClass is reserved for measuring error and never trained on
const ValidationClass = 0

// Config holds the tunables of a training run
type Config struct {
	LearningRate        float64 `yaml:"learning_rate"`
	RateFactor          float64 `yaml:"rate_factor"`
	MaxIterations       int     `yaml:"max_iterations"`
	MaxRetries          int     `yaml:"max_retries"`
	IdentityProbability float64 `yaml:"identity_probability"`
	Threads             int     `yaml:"threads"`
	Seed                int64   `yaml:"seed"`
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() Config {
	return Config{
		LearningRate:        0.1,
		RateFactor:          0.5,
		MaxIterations:       10,
		MaxRetries:          3,
		IdentityProbability: 0.04,
		Threads:             runtime.NumCPU(),
		Seed:                1,
	}
}

// Trainer runs the per-image training state machine against a Champion
type Trainer struct {
	config   Config
	champion *network.Champion
	encoder  *sampling.Encoder
	rng      *rand.Rand
	logger   *log.Logger

	// OnImprove is called after every promotion with the new best model and the run
	// record so far. Errors are logged and do not stop training.
	OnImprove func(best *network.Model, partial Record) error
}

// NewTrainer creates a trainer for models of geometry geo. A nil logger discards output.
func NewTrainer(champion *network.Champion, geo sampling.Geometry, config Config, logger *log.Logger) *Trainer {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Trainer{
		config:   config,
		champion: champion,
		encoder:  sampling.NewEncoder(geo),
		rng:      rand.New(rand.NewSource(config.Seed)),
		logger:   logger,
	}
}

// Champion returns the best-model holder the trainer promotes into
func (t *Trainer) Champion() *network.Champion {
	return t.champion
}

// Train runs one training session over img and returns its record. With flip set the
// image is mirrored horizontally first.
func (t *Trainer) Train(img *image.NRGBA, fileIndex uint32, flip bool) Record {
	if flip {
		img = preprocessing.FlipHorizontal(img)
	}
	rec := Record{
		FileIndex: fileIndex,
		Width:     img.Rect.Dx(),
		Height:    img.Rect.Dy(),
		Flipped:   flip,
		RateStart: t.config.LearningRate,
		Started:   time.Now(),
	}

	held := validation.NewSet(t.encoder.Geometry())
	held.AddStrided(t.encoder, img, fileIndex, classStride)

	bestErr, err := validation.Run(t.champion.Best(), held, t.config.Threads)
	if err != nil {
		t.logger.Printf("training: baseline validation failed: %v", err)
		return t.finish(rec, bestErr, t.config.LearningRate)
	}
	rec.ErrorBefore = bestErr
	if held.Len() == 0 {
		t.logger.Printf("training: %dx%d image too small for radius %d", rec.Width, rec.Height, t.encoder.Geometry().Radius)
		return t.finish(rec, bestErr, t.config.LearningRate)
	}

	schedule := NewRateSchedule(t.config.LearningRate, t.config.RateFactor)
	progress := NewProgressLine("train", t.config.MaxIterations)
	retries := 0
	for rec.Iterations < t.config.MaxIterations {
		rate := schedule.Rate()
		current, err := t.champion.Challenger()
		if err != nil {
			t.logger.Printf("training: %v", err)
			break
		}
		rec.Iterations++

		passErr, err := t.pass(current, img, held, rate)
		if err != nil {
			t.logger.Printf("training: pass %d: %v", rec.Iterations, err)
			current.Release()
			break
		}

		if passErr < bestErr {
			bestErr = passErr
			retries = 0
			t.champion.Promote(current)
			schedule.Improved()
			t.logger.Print(progress.Format(rec.Iterations, passErr, bestErr, rate, rec.Retries, true))
			if t.OnImprove != nil {
				partial := rec
				partial.ErrorAfter = bestErr
				partial.RateEnd = schedule.Rate()
				partial.Finished = time.Now()
				if err := t.OnImprove(t.champion.Best(), partial); err != nil {
					t.logger.Printf("training: checkpoint: %v", err)
				}
			}
			continue
		}

		current.Release()
		rec.Retries++
		retries++
		t.logger.Print(progress.Format(rec.Iterations, passErr, bestErr, rate, rec.Retries, false))
		if retries > t.config.MaxRetries {
			break
		}
		schedule.Rejected()
	}
	return t.finish(rec, bestErr, schedule.Rate())
}

func (t *Trainer) finish(rec Record, bestErr, rate float64) Record {
	rec.ErrorAfter = bestErr
	if rec.Iterations == 0 {
		rec.ErrorBefore = bestErr
	}
	rec.RateEnd = rate
	rec.Finished = time.Now()
	return rec
}

// pass trains current on one non-validation class of img and returns its validation error
func (t *Trainer) pass(current *network.Model, img *image.NRGBA, held *validation.Set, rate float64) (float64, error) {
	class := pickClass(t.rng)
	geo := t.encoder.Geometry()
	in := make([]float64, geo.Inputs)
	out := make([]float64, geo.Outputs)

	var trainErr error
	eachClassPixel(img.Rect, class, func(x, y int) bool {
		if t.encoder.EncodeSample(img, x, y, in, out) {
			if trainErr = current.BatchTrain(in, out, rate); trainErr != nil {
				return false
			}
		}
		if geo.Colorize() || t.rng.Float64() >= t.config.IdentityProbability {
			return true
		}
		rgb := [3]float64{t.rng.Float64(), t.rng.Float64(), t.rng.Float64()}
		t.encoder.EncodeIdentity(rgb, in, out)
		trainErr = current.BatchTrain(in, out, rate)
		return trainErr == nil
	})
	if trainErr != nil {
		return 0, trainErr
	}
	if err := current.Flush(); err != nil {
		return 0, err
	}
	return validation.Run(current, held, t.config.Threads)
}

// classOf returns the class of pixel (x, y)
func classOf(x, y int) int {
	return (y%classStride)*classStride + x%classStride
}

// pickClass draws a training class uniformly from 1..15
func pickClass(rng *rand.Rand) int {
	return 1 + rng.Intn(classStride*classStride-1)
}

// eachClassPixel visits the pixels of bounds in class, row-major, until fn returns false
func eachClassPixel(bounds image.Rectangle, class int, fn func(x, y int) bool) {
	dx, dy := class%classStride, class/classStride
	for y := bounds.Min.Y + dy; y < bounds.Max.Y; y += classStride {
		for x := bounds.Min.X + dx; x < bounds.Max.X; x += classStride {
			if !fn(x, y) {
				return
			}
		}
	}
}
