package engine

import (
	"image"
	"sync"
)

const (
	// RescaleThreshold is the count above which an entry is shrunk
	RescaleThreshold = 1 << 26

	// ShrinkFactor scales both sum and count of an entry on rescale, keeping its mean
	ShrinkFactor = 0.5
)

type accEntry struct {
	sum   [3]float64
	count float64
}

// Accumulator is a sparse per-pixel running weighted sum of predicted colours.
// All methods are safe for concurrent use.
type Accumulator struct {
	mu      sync.Mutex
	entries map[image.Point]*accEntry
}

// NewAccumulator creates an empty accumulator
func NewAccumulator() *Accumulator {
	return &Accumulator{entries: make(map[image.Point]*accEntry)}
}

// AddPrediction adds c*weight to the sum at (x, y) and weight to its count
func (a *Accumulator) AddPrediction(x, y int, c [3]float64, weight float64) {
	a.mu.Lock()
	a.add(image.Pt(x, y), [3]float64{c[0] * weight, c[1] * weight, c[2] * weight}, weight)
	a.mu.Unlock()
}

// add merges a weighted sum into p. Callers hold a.mu.
func (a *Accumulator) add(p image.Point, sum [3]float64, count float64) {
	e, ok := a.entries[p]
	if !ok {
		a.entries[p] = &accEntry{sum: sum, count: count}
		return
	}
	e.sum[0] += sum[0]
	e.sum[1] += sum[1]
	e.sum[2] += sum[2]
	e.count += count
	if e.count > RescaleThreshold {
		e.sum[0] *= ShrinkFactor
		e.sum[1] *= ShrinkFactor
		e.sum[2] *= ShrinkFactor
		e.count *= ShrinkFactor
	}
}

// AverageAt returns the mean at (x, y) clamped to [0, 1], or zero if nothing was added
func (a *Accumulator) AverageAt(x, y int) [3]float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[image.Pt(x, y)]
	if !ok || e.count <= 0 {
		return [3]float64{}
	}
	return [3]float64{
		clamp01(e.sum[0] / e.count),
		clamp01(e.sum[1] / e.count),
		clamp01(e.sum[2] / e.count),
	}
}

// Count returns the accumulated weight at (x, y)
func (a *Accumulator) Count(x, y int) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := a.entries[image.Pt(x, y)]; ok {
		return e.count
	}
	return 0
}

// Len returns the number of pixels with at least one contribution
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

// Points returns every pixel with a contribution, in no particular order
func (a *Accumulator) Points() []image.Point {
	a.mu.Lock()
	defer a.mu.Unlock()
	pts := make([]image.Point, 0, len(a.entries))
	for p := range a.entries {
		pts = append(pts, p)
	}
	return pts
}

// Fold adds every entry of other into a. other is read under its own lock first, so
// folding concurrently with writers to other is race free.
func (a *Accumulator) Fold(other *Accumulator) {
	other.mu.Lock()
	snapshot := make(map[image.Point]accEntry, len(other.entries))
	for p, e := range other.entries {
		snapshot[p] = *e
	}
	other.mu.Unlock()

	a.mu.Lock()
	defer a.mu.Unlock()
	for p, e := range snapshot {
		a.add(p, e.sum, e.count)
	}
}

// Reset drops every entry
func (a *Accumulator) Reset() {
	a.mu.Lock()
	clear(a.entries)
	a.mu.Unlock()
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
