package geometry

import (
	"fmt"

	"github.com/banshee-data/adaptive.scan/internal/monitoring"
)

// Overlap records two regions with the same key whose Ti ranges intersect.
// Forward dispatch picks the earlier one; the later one is unreachable for
// the shared part of the range.
type Overlap struct {
	Key    RegionKey
	First  int // index into the region list
	Second int
}

func (o Overlap) String() string {
	return fmt.Sprintf("regions %d and %d share key %s with overlapping ti ranges", o.First, o.Second, o.Key)
}

type strip struct {
	region    Region
	transform *StripTransform
}

// RegionSet dispatches forward and inverse lookups across every configured
// region. It is immutable after construction.
type RegionSet struct {
	cellSize float64
	strips   []strip
	byKey    map[RegionKey][]int
	overlaps []Overlap
}

// NewRegionSet builds the set from an ordered region list. Input order is
// preserved and is the tie-break for both directions.
func NewRegionSet(regions []Region, cellSize float64) (*RegionSet, error) {
	s := &RegionSet{
		cellSize: cellSize,
		strips:   make([]strip, 0, len(regions)),
		byKey:    make(map[RegionKey][]int),
	}
	for i, r := range regions {
		t, err := NewStripTransform(r, cellSize)
		if err != nil {
			return nil, fmt.Errorf("region %d: %w", i, err)
		}
		s.strips = append(s.strips, strip{region: t.Region(), transform: t})

		key := r.Key()
		for _, j := range s.byKey[key] {
			prev := s.strips[j].region
			if r.TiMin() <= prev.TiMax() && prev.TiMin() <= r.TiMax() {
				o := Overlap{Key: key, First: j, Second: i}
				s.overlaps = append(s.overlaps, o)
				monitoring.Logf("[geometry] warning: %s; first match wins", o)
			}
		}
		s.byKey[key] = append(s.byKey[key], i)
	}
	return s, nil
}

// Len returns the number of regions.
func (s *RegionSet) Len() int { return len(s.strips) }

// CellSize returns the cell pitch shared by every region.
func (s *RegionSet) CellSize() float64 { return s.cellSize }

// Regions returns copies of the regions in input order.
func (s *RegionSet) Regions() []Region {
	out := make([]Region, len(s.strips))
	for i, st := range s.strips {
		out[i] = st.region.Clone()
	}
	return out
}

// Overlaps returns the data-validation warnings found at construction.
func (s *RegionSet) Overlaps() []Overlap {
	return append([]Overlap(nil), s.overlaps...)
}

// Lookup returns the region Forward would dispatch p to.
func (s *RegionSet) Lookup(p Point) (Region, *StripTransform, error) {
	candidates, ok := s.byKey[p.Key()]
	if !ok {
		return Region{}, nil, &NoMatchingRegionError{Point: &p, Reason: "no region has this key"}
	}
	for _, i := range candidates {
		st := s.strips[i]
		if st.region.ContainsTi(p.Ti) {
			return st.region, st.transform, nil
		}
	}
	return Region{}, nil, &NoMatchingRegionError{
		Point:  &p,
		Reason: fmt.Sprintf("ti outside all %d candidate ranges", len(candidates)),
	}
}

// Forward maps p through the first region, in input order, whose key matches
// and whose Ti range contains p.Ti.
func (s *RegionSet) Forward(p Point) (XY, error) {
	_, t, err := s.Lookup(p)
	if err != nil {
		return XY{}, err
	}
	return t.Forward(p)
}

// Inverse maps xy through the first region, in input order, whose centre
// line band contains it. Strips are laid out without overlapping bands, so
// the perpendicular position alone selects the strip; the strip's own
// transform then checks the along-strip extent.
func (s *RegionSet) Inverse(xy XY) (Point, error) {
	for _, st := range s.strips {
		if st.transform.InBand(xy) {
			return st.transform.Inverse(xy)
		}
	}
	return Point{}, &NoMatchingRegionError{Position: &xy, Reason: "not within any strip band"}
}
