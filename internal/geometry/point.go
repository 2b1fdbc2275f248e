package geometry

import (
	"fmt"
	"math"
)

// Point is a realizable location in data coordinates.
type Point struct {
	Ti            float64 `json:"ti"`
	Temperature   int     `json:"temperature"`
	AnnealingTime int     `json:"annealing_time"`
	Thickness     int     `json:"thickness"`
}

// Key returns the exact-match part of the point.
func (p Point) Key() RegionKey {
	return RegionKey{Temperature: p.Temperature, AnnealingTime: p.AnnealingTime, Thickness: p.Thickness}
}

func (p Point) String() string {
	return fmt.Sprintf("(ti=%.3f, %s)", p.Ti, p.Key())
}

// Request is an arbitrary requested point, as produced by a recommender. None
// of its axes need to correspond to a configured region.
type Request struct {
	Ti            float64 `json:"ti"`
	Temperature   float64 `json:"temperature"`
	AnnealingTime float64 `json:"annealing_time"`
	Thickness     float64 `json:"thickness"`
}

func (r Request) String() string {
	return fmt.Sprintf("(ti=%g, temperature=%g, annealing_time=%g, thickness=%g)",
		r.Ti, r.Temperature, r.AnnealingTime, r.Thickness)
}

// Exact converts the request to a Point without snapping. It fails when one
// of the categorical axes is not integral, since no region can match it.
func (r Request) Exact() (Point, error) {
	for _, axis := range []struct {
		name string
		v    float64
	}{
		{"temperature", r.Temperature},
		{"annealing_time", r.AnnealingTime},
		{"thickness", r.Thickness},
	} {
		if axis.v != math.Trunc(axis.v) || math.IsInf(axis.v, 0) {
			return Point{}, &NoMatchingRegionError{
				Reason: fmt.Sprintf("%s %g is not integral in request %s", axis.name, axis.v, r),
			}
		}
	}
	return Point{
		Ti:            r.Ti,
		Temperature:   int(r.Temperature),
		AnnealingTime: int(r.AnnealingTime),
		Thickness:     int(r.Thickness),
	}, nil
}

// RequestOf widens a Point back to a Request.
func RequestOf(p Point) Request {
	return Request{
		Ti:            p.Ti,
		Temperature:   float64(p.Temperature),
		AnnealingTime: float64(p.AnnealingTime),
		Thickness:     float64(p.Thickness),
	}
}

// XY is a position in stage (actuator) coordinates, in mm.
type XY struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (p XY) String() string {
	return fmt.Sprintf("(x=%.4f, y=%.4f)", p.X, p.Y)
}
