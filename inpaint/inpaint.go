// Package inpaint is the programmatic surface of the engine: train a model on images,
// fill erased regions, colorize, and save or restore the whole state.
//
// An Inpainter owns one best model, the string table naming every image it has seen,
// the training history and an optional held-out validation set. It is not safe for
// concurrent use; the engine parallelises internally.
package inpaint

import (
	"errors"
	"fmt"
	"image"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/tsawler/go-neuralfill/checkpoints"
	"github.com/tsawler/go-neuralfill/engine"
	"github.com/tsawler/go-neuralfill/layers"
	"github.com/tsawler/go-neuralfill/memory"
	"github.com/tsawler/go-neuralfill/network"
	"github.com/tsawler/go-neuralfill/training"
	"github.com/tsawler/go-neuralfill/validation"
	"github.com/tsawler/go-neuralfill/vision/preprocessing"
	"github.com/tsawler/go-neuralfill/vision/sampling"
)

var (
	// ErrNotTrained is returned when predicting with a model that was neither trained
	// nor loaded
	ErrNotTrained = errors.New("inpaint: model has not been trained")
	// ErrNoValidationSet is returned by Validate when no set is attached and no default
	// set can be found
	ErrNoValidationSet = errors.New("inpaint: no validation set")
)

// Inpainter ties the trainer, the prediction engine and persistence together
type Inpainter struct {
	config     Config
	geo        sampling.Geometry
	champion   *network.Champion
	trainer    *training.Trainer
	strings    *memory.StringTable
	history    *training.History
	validation *validation.Set
	identity   bool
	trained    bool
	logger     *log.Logger
}

// New creates an Inpainter with a freshly initialised model
func New(cfg Config) (*Inpainter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	geo, err := cfg.geometry()
	if err != nil {
		return nil, err
	}
	format, err := network.ParseFormat(cfg.Backend)
	if err != nil {
		return nil, err
	}
	model, err := network.New(format, layers.ModelSpec{
		Inputs:          geo.Inputs,
		HiddenLayers:    cfg.HiddenLayers,
		NeuronsPerLayer: cfg.Neurons,
		Outputs:         geo.Outputs,
	}, network.Options{Seed: cfg.Training.Seed, BatchCapacity: cfg.BatchCapacity})
	if err != nil {
		return nil, fmt.Errorf("failed to create model: %w", err)
	}

	i := newInpainter(cfg, geo, model)
	i.strings = memory.NewStringTable()
	i.history = training.NewHistory()
	i.identity = !geo.Colorize() && cfg.Training.IdentityProbability > 0
	i.logger.Printf("created %s model %s", format, model.Spec())
	return i, nil
}

// Load restores an Inpainter from a checkpoint file. Geometry, layer sizes, backend and
// persisted hyperparameters come from the file; cfg supplies everything else (threads,
// seed, directories). A missing file yields an error wrapping os.ErrNotExist.
func Load(path string, cfg Config) (*Inpainter, error) {
	c, err := checkpoints.Load(path)
	if err != nil {
		return nil, err
	}

	cfg.Radius = c.Geometry.Radius
	cfg.ColorizeRadius = c.Geometry.ColorizeRadius
	cfg.HiddenLayers = c.HiddenLayers
	cfg.Neurons = c.Neurons
	cfg.Backend = strings.ToLower(c.Model.Format().String())
	cfg.Verbose = cfg.Verbose || c.Verbose

	h := c.Hyper
	cfg.Training.LearningRate = h.LearningRate
	cfg.Training.IdentityProbability = h.IdentityProbability
	cfg.Training.MaxIterations = h.MaxIterations
	cfg.Training.MaxRetries = h.MaxRetries
	cfg.BatchCapacity = h.BatchCapacity
	cfg.Prediction.MinPredictions = h.MinPredictions
	cfg.Prediction.UseNeighbors = h.UseNeighbors
	cfg.Prediction.NeighborFrom = h.NeighborFrom
	cfg.Prediction.NeighborTo = h.NeighborTo
	cfg.Prediction.MaxNeighbors = h.MaxNeighbors

	if err := cfg.Validate(); err != nil {
		c.Model.Release()
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	i := newInpainter(cfg, c.Geometry, c.Model)
	i.strings = c.Strings
	i.history = c.History
	i.validation = c.Validation
	i.identity = c.Identity
	i.trained = true
	if c.Legacy {
		i.logger.Printf("%s: legacy checkpoint, will be rewritten in the current format on save", path)
	}
	i.logger.Printf("loaded %s model %s from %s", c.Model.Format(), c.Model.Spec(), path)
	return i, nil
}

func newInpainter(cfg Config, geo sampling.Geometry, model *network.Model) *Inpainter {
	logger := log.New(io.Discard, "", 0)
	if cfg.Verbose {
		logger = log.New(os.Stderr, "neuralfill: ", log.LstdFlags)
	}
	i := &Inpainter{
		config:   cfg,
		geo:      geo,
		champion: network.NewChampion(model),
		logger:   logger,
	}
	i.trainer = training.NewTrainer(i.champion, geo, cfg.Training, logger)
	if cfg.CheckpointPath != "" {
		i.trainer.OnImprove = i.checkpointOnImprove
	}
	return i
}

// checkpointOnImprove persists every promoted model together with the running record
func (i *Inpainter) checkpointOnImprove(best *network.Model, partial training.Record) error {
	return checkpoints.Save(i.config.CheckpointPath, i.checkpoint(best, i.history.With(partial)))
}

// Config returns the effective configuration
func (i *Inpainter) Config() Config { return i.config }

// Geometry returns the sample layout of the model
func (i *Inpainter) Geometry() sampling.Geometry { return i.geo }

// Model returns the current best model. Callers must not train or release it.
func (i *Inpainter) Model() *network.Model { return i.champion.Best() }

// Strings returns the table of image names referenced by history and validation data
func (i *Inpainter) Strings() *memory.StringTable { return i.strings }

// History returns every training record so far
func (i *Inpainter) History() *training.History { return i.history }

// Trained reports whether the model has been trained or loaded
func (i *Inpainter) Trained() bool { return i.trained }

// Train runs one training session over img, recorded under name. It never fails: the
// record reports how far the session got.
func (i *Inpainter) Train(img image.Image, name string, flip bool) training.Record {
	rec := i.trainer.Train(preprocessing.ToNRGBA(img), i.strings.Index(name), flip)
	i.history.Add(rec)
	i.trained = true
	i.logger.Print(rec)

	if i.config.CheckpointPath != "" {
		if err := i.Save(i.config.CheckpointPath); err != nil {
			i.logger.Printf("checkpoint: %v", err)
		}
	}
	return rec
}

// TrainFile loads path and trains on it under its base name
func (i *Inpainter) TrainFile(path string, flip bool) (training.Record, error) {
	img, err := preprocessing.LoadImage(path)
	if err != nil {
		return training.Record{}, err
	}
	return i.Train(img, filepath.Base(path), flip), nil
}

func (i *Inpainter) predictor() (*engine.Predictor, error) {
	if !i.trained {
		return nil, ErrNotTrained
	}
	return engine.NewPredictor(i.champion.Best(), i.geo, i.config.Prediction, i.logger)
}

// PredictMissing fills the pixels of img erased in mask (red channel non-zero)
func (i *Inpainter) PredictMissing(img, mask image.Image) (engine.Result, error) {
	p, err := i.predictor()
	if err != nil {
		return engine.Result{}, err
	}
	res, err := p.PredictMissing(preprocessing.ToNRGBA(img), preprocessing.ToNRGBA(mask))
	if err != nil {
		return res, err
	}
	if res.Residual > 0 {
		i.logger.Printf("%d of %d erased pixels left unresolved after %d passes", res.Residual, res.Erased, res.Passes)
	}
	return res, nil
}

// Colorize predicts colour for img from its brightness alone
func (i *Inpainter) Colorize(img image.Image) (*image.NRGBA, error) {
	p, err := i.predictor()
	if err != nil {
		return nil, err
	}
	return p.Colorize(preprocessing.ToNRGBA(img))
}

// AddValidationImage appends held-out samples of img to the attached validation set and
// returns how many were added
func (i *Inpainter) AddValidationImage(img image.Image, name string) int {
	if i.validation == nil {
		i.validation = validation.NewSet(i.geo)
	}
	enc := sampling.NewEncoder(i.geo)
	return i.validation.AddImage(enc, preprocessing.ToNRGBA(img), i.strings.Index(name))
}

// AddValidationFile loads path and appends it to the validation set
func (i *Inpainter) AddValidationFile(path string) (int, error) {
	img, err := preprocessing.LoadImage(path)
	if err != nil {
		return 0, err
	}
	return i.AddValidationImage(img, filepath.Base(path)), nil
}

// ValidationSet returns the attached set, or nil
func (i *Inpainter) ValidationSet() *validation.Set { return i.validation }

// Validate returns the mean absolute error of the best model over the attached
// validation set, or over the default set in ValidationDir when none is attached
func (i *Inpainter) Validate() (float64, error) {
	set := i.validation
	if set == nil {
		if i.config.ValidationDir == "" {
			return 0, ErrNoValidationSet
		}
		var err error
		set, err = validation.LoadDefault(i.config.ValidationDir, i.geo, i.strings)
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrNoValidationSet, err)
		}
	}
	return validation.Run(i.champion.Best(), set, i.config.Training.Threads)
}

// SaveDefaultValidation writes the attached set as the shared default for this geometry
func (i *Inpainter) SaveDefaultValidation() error {
	if i.validation == nil {
		return ErrNoValidationSet
	}
	if i.config.ValidationDir == "" {
		return errors.New("inpaint: validation_dir is not set")
	}
	return validation.SaveDefault(i.config.ValidationDir, i.validation, i.strings)
}

// Save writes the complete state to path. The file is replaced atomically.
func (i *Inpainter) Save(path string) error {
	return checkpoints.Save(path, i.checkpoint(i.champion.Best(), i.history))
}

func (i *Inpainter) checkpoint(model *network.Model, history *training.History) *checkpoints.Checkpoint {
	cs := checkpoints.ColorspaceRGB
	if i.geo.Colorize() {
		cs = checkpoints.ColorspaceHSV
	}
	t, p := i.config.Training, i.config.Prediction
	return &checkpoints.Checkpoint{
		Geometry:     i.geo,
		HiddenLayers: i.config.HiddenLayers,
		Neurons:      i.config.Neurons,
		Colorspace:   cs,
		Hyper: checkpoints.Hyperparameters{
			LearningRate:        t.LearningRate,
			IdentityProbability: t.IdentityProbability,
			MaxIterations:       t.MaxIterations,
			MaxRetries:          t.MaxRetries,
			BatchCapacity:       i.config.BatchCapacity,
			MinPredictions:      p.MinPredictions,
			UseNeighbors:        p.UseNeighbors,
			NeighborFrom:        p.NeighborFrom,
			NeighborTo:          p.NeighborTo,
			MaxNeighbors:        p.MaxNeighbors,
		},
		Verbose:    i.config.Verbose,
		Identity:   i.identity,
		Model:      model,
		Strings:    i.strings,
		History:    history,
		Validation: i.validation,
	}
}

// Close releases the model
func (i *Inpainter) Close() {
	i.champion.Release()
}
