package geometry

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/interp"
	"gonum.org/v1/gonum/spatial/r2"
)

// DefaultCellSize is the pitch of the measured cells along a strip, in mm.
const DefaultCellSize = 4.5

// boundSlack absorbs floating point error when a stage position sits exactly
// on the first or last cell centre.
const boundSlack = 1e-9

// Transform is a forward/inverse pair between data and stage coordinates.
// Both StripTransform and RegionSet implement it.
type Transform interface {
	Forward(p Point) (XY, error)
	Inverse(xy XY) (Point, error)
}

// StripTransform is the coordinate mapping for a single Region. It holds no
// mutable state and is safe for concurrent use.
type StripTransform struct {
	region   Region
	cellSize float64
	tiMin    float64
	tiMax    float64
	lastCell float64 // along-strip position of the last cell centre

	toPosition interp.PiecewiseLinear // ti -> cell position
	toTi       interp.PiecewiseLinear // cell position -> ti

	ref   r2.Vec
	rot   r2.Rotation
	unrot r2.Rotation
}

// NewStripTransform binds a transform to region. Cells are cellSize apart
// and indexed backwards from the reference point.
func NewStripTransform(region Region, cellSize float64) (*StripTransform, error) {
	if !(cellSize > 0) || math.IsInf(cellSize, 0) {
		return nil, fmt.Errorf("cell size must be positive and finite, got %v", cellSize)
	}
	if err := region.Validate(); err != nil {
		return nil, err
	}
	region = region.Clone()

	n := len(region.TiFractions)
	positions := make([]float64, n)
	for i := range positions {
		positions[i] = float64(i) * cellSize
	}

	t := &StripTransform{
		region:   region,
		cellSize: cellSize,
		tiMin:    region.TiMin(),
		tiMax:    region.TiMax(),
		lastCell: positions[n-1],
		ref:      r2.Vec{X: region.ReferenceX, Y: region.ReferenceY},
		rot:      r2.NewRotation(region.Angle, r2.Vec{}),
		unrot:    r2.NewRotation(-region.Angle, r2.Vec{}),
	}
	if err := t.toTi.Fit(positions, region.TiFractions); err != nil {
		return nil, fmt.Errorf("fit position->ti for %s: %w", region.Key(), err)
	}

	// interp wants strictly increasing abscissae, so a strip graded the
	// other way is fitted back to front.
	fractions := append([]float64(nil), region.TiFractions...)
	cells := append([]float64(nil), positions...)
	if fractions[0] > fractions[n-1] {
		reverse(fractions)
		reverse(cells)
	}
	if err := t.toPosition.Fit(fractions, cells); err != nil {
		return nil, fmt.Errorf("fit ti->position for %s: %w", region.Key(), err)
	}
	return t, nil
}

func reverse(s []float64) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

// Region returns a copy of the bound region.
func (t *StripTransform) Region() Region { return t.region.Clone() }

// CellSize returns the cell pitch the transform was built with.
func (t *StripTransform) CellSize() float64 { return t.cellSize }

// Forward maps p to stage coordinates. p must carry this region's key and a
// Ti fraction inside [TiMin, TiMax].
func (t *StripTransform) Forward(p Point) (XY, error) {
	key := t.region.Key()
	if p.Key() != key {
		return XY{}, &OutOfRangeError{Key: key, Reason: fmt.Sprintf("requested key %s", p.Key())}
	}
	if math.IsNaN(p.Ti) || p.Ti < t.tiMin || p.Ti > t.tiMax {
		return XY{}, &OutOfRangeError{
			Key:    key,
			Reason: fmt.Sprintf("ti %g outside [%g, %g]", p.Ti, t.tiMin, t.tiMax),
		}
	}

	d := t.toPosition.Predict(p.Ti) - t.region.StartDistance + t.cellSize/2
	v := r2.Sub(t.ref, t.rot.Rotate(r2.Vec{X: d}))
	return XY{X: v.X, Y: v.Y}, nil
}

// local returns the along-strip distance d and the perpendicular offset h of
// a stage position relative to the reference point.
func (t *StripTransform) local(xy XY) (d, h float64) {
	v := t.unrot.Rotate(r2.Sub(t.ref, r2.Vec{X: xy.X, Y: xy.Y}))
	return v.X, v.Y
}

// InBand reports whether xy lies within half a cell of the strip centre line.
func (t *StripTransform) InBand(xy XY) bool {
	_, h := t.local(xy)
	return math.Abs(h) < t.cellSize/2
}

// Inverse maps a stage position back to data coordinates. The position must
// fall between the first and last cell centres and within the centre line
// band of the strip.
func (t *StripTransform) Inverse(xy XY) (Point, error) {
	key := t.region.Key()
	d, h := t.local(xy)
	pos := d + t.region.StartDistance - t.cellSize/2

	if !(pos >= -boundSlack && pos <= t.lastCell+boundSlack) {
		return Point{}, &OutOfRangeError{
			Key:    key,
			Reason: fmt.Sprintf("stage position %s is %.4f mm along the strip, cells span [0, %.4f]", xy, pos, t.lastCell),
		}
	}
	if !(math.Abs(h) < t.cellSize/2) {
		return Point{}, &OutOfRangeError{
			Key:    key,
			Reason: fmt.Sprintf("stage position %s is %.4f mm off the centre line (limit %.4f)", xy, h, t.cellSize/2),
		}
	}

	pos = math.Min(math.Max(pos, 0), t.lastCell)
	return Point{
		Ti:            t.toTi.Predict(pos),
		Temperature:   t.region.Temperature,
		AnnealingTime: t.region.AnnealingTime,
		Thickness:     t.region.Thickness,
	}, nil
}
