// Package snap maps an arbitrary requested point onto the nearest point that
// some configured region can actually realize.
package snap

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/banshee-data/adaptive.scan/internal/geometry"
)

// DefaultTiMargin keeps snapped Ti values away from the ends of a strip, in
// percent.
const DefaultTiMargin = 1.0

// DefaultThicknessCategories are the thickness values a request is rounded to.
var DefaultThicknessCategories = []int{0, 1}

// ErrNoCandidateRegion is matched by every *NoCandidateRegionError.
var ErrNoCandidateRegion = errors.New("no candidate region")

// NoCandidateRegionError is returned when no region survives the filters for
// either thickness category tried.
type NoCandidateRegionError struct {
	Request   geometry.Request
	Tried     []int // thickness categories, in the order they were tried
	Rejection string
}

func (e *NoCandidateRegionError) Error() string {
	return fmt.Sprintf("%s for %s (thickness tried %v): %s", ErrNoCandidateRegion, e.Request, e.Tried, e.Rejection)
}

func (e *NoCandidateRegionError) Unwrap() error { return ErrNoCandidateRegion }

// Tolerances are the optional filter bounds. A nil field disables its filter.
type Tolerances struct {
	Temperature   *float64 `json:"temperature_tolerance,omitempty"`
	AnnealingTime *float64 `json:"annealing_time_tolerance,omitempty"`
	Ti            *float64 `json:"ti_tolerance,omitempty"`
	TiMargin      float64  `json:"ti_margin"`
}

// Option configures a Snapper.
type Option func(*Snapper)

// WithTemperatureTolerance drops regions more than tol degrees from the
// requested temperature.
func WithTemperatureTolerance(tol float64) Option {
	return func(s *Snapper) { s.tol.Temperature = &tol }
}

// WithAnnealingTimeTolerance drops regions more than tol seconds from the
// requested annealing time.
func WithAnnealingTimeTolerance(tol float64) Option {
	return func(s *Snapper) { s.tol.AnnealingTime = &tol }
}

// WithTiTolerance drops regions whose Ti range does not reach within tol of
// the requested Ti.
func WithTiTolerance(tol float64) Option {
	return func(s *Snapper) { s.tol.Ti = &tol }
}

// WithTiMargin sets how far inside the strip ends a snapped Ti must lie.
func WithTiMargin(margin float64) Option {
	return func(s *Snapper) { s.tol.TiMargin = margin }
}

// WithThicknessCategories sets the thickness categories. Duplicates are
// removed and the list is sorted.
func WithThicknessCategories(categories ...int) Option {
	return func(s *Snapper) {
		seen := make(map[int]bool, len(categories))
		s.categories = s.categories[:0]
		for _, c := range categories {
			if !seen[c] {
				seen[c] = true
				s.categories = append(s.categories, c)
			}
		}
		sort.Ints(s.categories)
	}
}

// Filter is one named predicate of the candidate pipeline.
type Filter struct {
	Name  string
	Keep  func(r geometry.Region, req geometry.Request, thickness int) bool
	Bound float64 // the tolerance the filter applies, zero for exact matches
}

// Snapper holds the region list and the filter pipeline built from its
// options. It is immutable after New and safe for concurrent use.
type Snapper struct {
	regions    []geometry.Region
	tol        Tolerances
	categories []int
	filters    []Filter
}

// New builds a Snapper over regions, which are copied.
func New(regions []geometry.Region, opts ...Option) (*Snapper, error) {
	s := &Snapper{
		tol:        Tolerances{TiMargin: DefaultTiMargin},
		categories: append([]int(nil), DefaultThicknessCategories...),
	}
	for _, opt := range opts {
		opt(s)
	}
	if len(s.categories) == 0 {
		return nil, errors.New("at least one thickness category is required")
	}
	if s.tol.TiMargin < 0 || math.IsNaN(s.tol.TiMargin) {
		return nil, fmt.Errorf("ti margin must be non-negative, got %v", s.tol.TiMargin)
	}
	for _, t := range []struct {
		name string
		v    *float64
	}{
		{"temperature", s.tol.Temperature},
		{"annealing_time", s.tol.AnnealingTime},
		{"ti", s.tol.Ti},
	} {
		if t.v != nil && (*t.v < 0 || math.IsNaN(*t.v)) {
			return nil, fmt.Errorf("%s tolerance must be non-negative, got %v", t.name, *t.v)
		}
	}
	for i, r := range regions {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("region %d: %w", i, err)
		}
		s.regions = append(s.regions, r.Clone())
	}
	s.filters = s.buildFilters()
	return s, nil
}

func (s *Snapper) buildFilters() []Filter {
	filters := []Filter{{
		Name: "thickness",
		Keep: func(r geometry.Region, _ geometry.Request, thickness int) bool {
			return r.Thickness == thickness
		},
	}}
	if tol := s.tol.Temperature; tol != nil {
		bound := *tol
		filters = append(filters, Filter{
			Name:  "temperature",
			Bound: bound,
			Keep: func(r geometry.Region, req geometry.Request, _ int) bool {
				return math.Abs(float64(r.Temperature)-req.Temperature) <= bound
			},
		})
	}
	if tol := s.tol.AnnealingTime; tol != nil {
		bound := *tol
		filters = append(filters, Filter{
			Name:  "annealing_time",
			Bound: bound,
			Keep: func(r geometry.Region, req geometry.Request, _ int) bool {
				return math.Abs(float64(r.AnnealingTime)-req.AnnealingTime) <= bound
			},
		})
	}
	if tol := s.tol.Ti; tol != nil {
		bound := *tol
		filters = append(filters, Filter{
			Name:  "ti",
			Bound: bound,
			Keep: func(r geometry.Region, req geometry.Request, _ int) bool {
				return r.TiMin() <= req.Ti+bound && r.TiMax() >= req.Ti-bound
			},
		})
	}
	return filters
}

// Filters returns the candidate pipeline in the order it is applied.
func (s *Snapper) Filters() []Filter {
	return append([]Filter(nil), s.filters...)
}

// Tolerances returns the configured bounds.
func (s *Snapper) Tolerances() Tolerances {
	t := s.tol
	for _, p := range []**float64{&t.Temperature, &t.AnnealingTime, &t.Ti} {
		if *p != nil {
			v := **p
			*p = &v
		}
	}
	return t
}

// ThicknessCategories returns the sorted category list.
func (s *Snapper) ThicknessCategories() []int {
	return append([]int(nil), s.categories...)
}

// Snap returns the realizable point nearest to req. The thickness is rounded
// to the nearest category; if no region survives the filters, the next
// nearest category is tried once before giving up.
func (s *Snapper) Snap(req geometry.Request) (geometry.Point, error) {
	for _, v := range []float64{req.Ti, req.Temperature, req.AnnealingTime, req.Thickness} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return geometry.Point{}, &NoCandidateRegionError{Request: req, Rejection: "request has a non-finite axis"}
		}
	}

	order := s.thicknessOrder(req.Thickness)
	tried := make([]int, 0, 2)
	var rejection string
	for _, thickness := range order[:min(2, len(order))] {
		tried = append(tried, thickness)
		best, why := s.nearest(req, thickness)
		if best != nil {
			return geometry.Point{
				Ti:            s.clipTi(req.Ti, *best),
				Temperature:   best.Temperature,
				AnnealingTime: best.AnnealingTime,
				Thickness:     best.Thickness,
			}, nil
		}
		rejection = why
	}
	return geometry.Point{}, &NoCandidateRegionError{Request: req, Tried: tried, Rejection: rejection}
}

// thicknessOrder sorts the categories by distance to the rounded request,
// lower category first on ties.
func (s *Snapper) thicknessOrder(thickness float64) []int {
	target := math.Round(thickness)
	lo, hi := float64(s.categories[0]), float64(s.categories[len(s.categories)-1])
	target = math.Min(math.Max(target, lo), hi)

	order := append([]int(nil), s.categories...)
	sort.SliceStable(order, func(i, j int) bool {
		return math.Abs(float64(order[i])-target) < math.Abs(float64(order[j])-target)
	})
	return order
}

// nearest runs the filter pipeline in a single pass and returns the survivor
// closest in (temperature, annealing time). Ties go to the earlier region.
func (s *Snapper) nearest(req geometry.Request, thickness int) (*geometry.Region, string) {
	var (
		best     *geometry.Region
		bestDist = math.Inf(1)
		rejected = make(map[string]int, len(s.filters))
	)
	for i := range s.regions {
		r := &s.regions[i]
		keep := true
		for _, f := range s.filters {
			if !f.Keep(*r, req, thickness) {
				rejected[f.Name]++
				keep = false
				break
			}
		}
		if !keep {
			continue
		}
		d := math.Hypot(float64(r.Temperature)-req.Temperature, float64(r.AnnealingTime)-req.AnnealingTime)
		if d < bestDist {
			best, bestDist = r, d
		}
	}
	if best != nil {
		return best, ""
	}
	if len(s.regions) == 0 {
		return nil, "no regions configured"
	}
	why := fmt.Sprintf("thickness %d:", thickness)
	for _, f := range s.filters {
		if n := rejected[f.Name]; n > 0 {
			why += fmt.Sprintf(" %s rejected %d", f.Name, n)
		}
	}
	return nil, why
}

// clipTi pulls ti inside the region, margin away from each end.
func (s *Snapper) clipTi(ti float64, r geometry.Region) float64 {
	lo, hi := r.TiMin()+s.tol.TiMargin, r.TiMax()-s.tol.TiMargin
	if lo > hi {
		return (r.TiMin() + r.TiMax()) / 2
	}
	return math.Min(math.Max(ti, lo), hi)
}
