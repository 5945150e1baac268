package training

// RateSchedule tracks the learning rate of one training run. It is a plateau style
// schedule driven by validation results rather than by epoch number: the rate is cut
// by Factor after every rejected pass and once after the first accepted pass.
type RateSchedule struct {
	BaseRate float64 // Rate at the start of the run
	Factor   float64 // Multiplicative cut applied on reductions

	current      float64
	improvedOnce bool
}

// NewRateSchedule creates a schedule starting at baseRate
func NewRateSchedule(baseRate, factor float64) *RateSchedule {
	if factor <= 0 || factor >= 1 {
		factor = 0.5 // Default: halve
	}
	return &RateSchedule{
		BaseRate: baseRate,
		Factor:   factor,
		current:  baseRate,
	}
}

// Rate returns the rate for the next training pass
func (s *RateSchedule) Rate() float64 {
	return s.current
}

// Improved records an accepted pass. Only the first improvement of a run cuts the rate.
func (s *RateSchedule) Improved() float64 {
	if !s.improvedOnce {
		s.improvedOnce = true
		s.current *= s.Factor
	}
	return s.current
}

// Rejected records a discarded pass and cuts the rate for the retry
func (s *RateSchedule) Rejected() float64 {
	s.current *= s.Factor
	return s.current
}

// GetName returns the scheduler name for logging
func (s *RateSchedule) GetName() string {
	return "HalveOnPlateau"
}
