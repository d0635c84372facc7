package simple

import "math"

// StepDecay is a learning rate that is multiplied by Ratio every Interval
// epochs.
type StepDecay struct {
	Base     float64
	Ratio    float64
	Interval int
}

// NewStepDecay builds the schedule described by cfg.
func NewStepDecay(cfg Config) StepDecay {
	cfg = cfg.WithDefaults()
	return StepDecay{Base: cfg.LearningRate, Ratio: cfg.DecayRatio, Interval: cfg.DecayEpoch}
}

// At returns Base * Ratio^(epoch / Interval) for a 0-based epoch.
func (s StepDecay) At(epoch int) float64 {
	if s.Interval <= 0 {
		return s.Base
	}
	return s.Base * math.Pow(s.Ratio, float64(epoch/s.Interval))
}
