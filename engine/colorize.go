package engine

import (
	"fmt"
	"image"
	"math"

	"github.com/tsawler/go-neuralfill/async"
	"github.com/tsawler/go-neuralfill/vision/preprocessing"
	"github.com/tsawler/go-neuralfill/vision/sampling"
)

// Colorize predicts hue and saturation for every pixel of img from the value channel
// and rebuilds RGB using each pixel's own value. Pixels that no centre covers keep
// their original colour.
func (p *Predictor) Colorize(img *image.NRGBA) (*image.NRGBA, error) {
	geo := p.encoder.Geometry()
	if !geo.Colorize() {
		return nil, fmt.Errorf("%w: colorize needs a colorisation model, have %v", ErrWrongMode, geo)
	}
	src := preprocessing.ToNRGBA(img)

	var centres []image.Point
	for y := 0; y < src.Rect.Dy(); y++ {
		for x := 0; x < src.Rect.Dx(); x++ {
			if p.encoder.Fits(src.Rect, x, y) {
				centres = append(centres, image.Pt(x, y))
			}
		}
	}
	if len(centres) == 0 {
		return src, nil
	}

	workers, err := p.workers(min(async.Clamp(p.opts.Threads), len(centres)))
	if err != nil {
		return nil, err
	}
	defer releaseWorkers(workers)

	chroma := p.encoder.OutputOffsets()
	acc, err := p.scan("colorize", workers, centres, func(w *worker, c image.Point, acc *Accumulator) {
		if !p.encoder.EncodeValue(src, c.X, c.Y, w.in) {
			return
		}
		pred := w.model.Run(w.in, w.ws)
		for i, off := range chroma {
			acc.AddPrediction(c.X+off.X, c.Y+off.Y, encodeChroma(pred[2*i], pred[2*i+1]), 1)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("colorize: %w", err)
	}

	out := preprocessing.ToNRGBA(src)
	for _, pt := range acc.Points() {
		h, s := decodeChroma(acc.AverageAt(pt.X, pt.Y))
		sampling.SetRGB(out, pt.X, pt.Y, sampling.FromHSV(h, s, sampling.ValueAt(src, pt.X, pt.Y)))
	}
	p.logger.Printf("colorize: centres=%d pixels=%d", len(centres), acc.Len())
	return out, nil
}

// encodeChroma maps hue and saturation onto the unit square so that averaging several
// predictions respects the hue wrap around
func encodeChroma(h, s float64) [3]float64 {
	angle := 2 * math.Pi * h
	return [3]float64{0.5 + 0.5*s*math.Cos(angle), 0.5 + 0.5*s*math.Sin(angle), s}
}

// decodeChroma inverts encodeChroma on an averaged value
func decodeChroma(c [3]float64) (float64, float64) {
	u, v := 2*c[0]-1, 2*c[1]-1
	h := math.Atan2(v, u) / (2 * math.Pi)
	if h < 0 {
		h++
	}
	return h, c[2]
}
