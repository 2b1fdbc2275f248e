package acquire

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/banshee-data/adaptive.scan/internal/geometry"
)

// Synthetic is a detector whose response is a Gaussian peak over Ti fraction
// and annealing temperature, plus optional white noise. It stands in for the
// real detector in dev mode.
type Synthetic struct {
	Background float64 `json:"background"`
	Amplitude  float64 `json:"amplitude"`
	PeakTi     float64 `json:"peak_ti"`
	WidthTi    float64 `json:"width_ti"`
	PeakTemp   float64 `json:"peak_temperature"`
	WidthTemp  float64 `json:"width_temperature"`
	Noise      float64 `json:"noise"` // standard deviation

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSynthetic returns a detector with a peak at (peakTi, peakTemp). seed
// fixes the noise sequence.
func NewSynthetic(peakTi, peakTemp float64, seed uint64) *Synthetic {
	return &Synthetic{
		Background: 1,
		Amplitude:  100,
		PeakTi:     peakTi,
		WidthTi:    10,
		PeakTemp:   peakTemp,
		WidthTemp:  50,
		rng:        rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Expected is the noiseless response at p.
func (s *Synthetic) Expected(p geometry.Point) float64 {
	z := 0.0
	if s.WidthTi > 0 {
		d := (p.Ti - s.PeakTi) / s.WidthTi
		z += d * d
	}
	if s.WidthTemp > 0 {
		d := (float64(p.Temperature) - s.PeakTemp) / s.WidthTemp
		z += d * d
	}
	return s.Background + s.Amplitude*math.Exp(-z/2)
}

func (s *Synthetic) Acquire(ctx context.Context, p geometry.Point, _ geometry.XY) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	v := s.Expected(p)
	if s.Noise > 0 {
		s.mu.Lock()
		if s.rng == nil {
			s.rng = rand.New(rand.NewPCG(1, 2))
		}
		v += s.rng.NormFloat64() * s.Noise
		s.mu.Unlock()
	}
	return v, nil
}
