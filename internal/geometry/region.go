// Package geometry maps between data coordinates (Ti fraction, annealing
// temperature, annealing time, thickness category) and the x/y actuator
// coordinates of the sample stage.
//
// Forward: data coordinates -> stage coordinates.
// Inverse: stage coordinates -> data coordinates.
package geometry

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Region describes one physically realizable strip of sample cells. All cells
// on a strip share the same annealing temperature, annealing time and
// thickness; the Ti fraction varies monotonically from cell to cell.
type Region struct {
	Temperature   int       `json:"temperature"`    // degrees C
	AnnealingTime int       `json:"annealing_time"` // seconds
	TiFractions   []float64 `json:"ti_fractions"`   // per cell, cell centres, percent

	// ReferenceX and ReferenceY locate the reference point on the left edge
	// of the strip (looking upstream into the beam) on its centre line.
	ReferenceX float64 `json:"reference_x"`
	ReferenceY float64 `json:"reference_y"`

	// StartDistance is the distance along the strip from the reference
	// point to the centre of the first cell, in mm.
	StartDistance float64 `json:"start_distance"`

	// Angle is the tilt of the strip's long axis in radians. The rotation
	// point is the reference point.
	Angle float64 `json:"angle"`

	// Thickness is categorical, not continuous.
	Thickness int `json:"thickness"`
}

// RegionKey is the exact-match part of a region's data coordinates.
type RegionKey struct {
	Temperature   int
	AnnealingTime int
	Thickness     int
}

func (k RegionKey) String() string {
	return fmt.Sprintf("%d°C/%ds/thickness=%d", k.Temperature, k.AnnealingTime, k.Thickness)
}

// Key returns the (temperature, annealing time, thickness) triple.
func (r Region) Key() RegionKey {
	return RegionKey{Temperature: r.Temperature, AnnealingTime: r.AnnealingTime, Thickness: r.Thickness}
}

// TiMin returns the smallest Ti fraction on the strip.
func (r Region) TiMin() float64 {
	if len(r.TiFractions) == 0 {
		return math.NaN()
	}
	return floats.Min(r.TiFractions)
}

// TiMax returns the largest Ti fraction on the strip.
func (r Region) TiMax() float64 {
	if len(r.TiFractions) == 0 {
		return math.NaN()
	}
	return floats.Max(r.TiFractions)
}

// ContainsTi reports whether ti lies in [TiMin, TiMax].
func (r Region) ContainsTi(ti float64) bool {
	return ti >= r.TiMin() && ti <= r.TiMax()
}

// Validate checks that the region can be turned into a transform: at least
// two cells, finite geometry, and strictly monotonic Ti fractions.
func (r Region) Validate() error {
	if len(r.TiFractions) < 2 {
		return fmt.Errorf("%w: region %s has %d ti fractions, need at least 2",
			ErrInvalidRegion, r.Key(), len(r.TiFractions))
	}
	for i, v := range r.TiFractions {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: region %s ti fraction %d is not finite", ErrInvalidRegion, r.Key(), i)
		}
	}
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"reference_x", r.ReferenceX},
		{"reference_y", r.ReferenceY},
		{"start_distance", r.StartDistance},
		{"angle", r.Angle},
	} {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) {
			return fmt.Errorf("%w: region %s %s is not finite", ErrInvalidRegion, r.Key(), f.name)
		}
	}

	increasing := r.TiFractions[1] > r.TiFractions[0]
	for i := 1; i < len(r.TiFractions); i++ {
		step := r.TiFractions[i] - r.TiFractions[i-1]
		if step == 0 || (step > 0) != increasing {
			return fmt.Errorf("%w: region %s ti fractions are not strictly monotonic at cell %d",
				ErrInvalidRegion, r.Key(), i)
		}
	}
	return nil
}

// Clone returns a deep copy of r.
func (r Region) Clone() Region {
	c := r
	c.TiFractions = append([]float64(nil), r.TiFractions...)
	return c
}
