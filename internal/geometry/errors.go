package geometry

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfRange is matched by every *OutOfRangeError.
	ErrOutOfRange = errors.New("outside region domain")
	// ErrNoMatchingRegion is matched by every *NoMatchingRegionError.
	ErrNoMatchingRegion = errors.New("no matching region")
	// ErrInvalidRegion reports a region record that cannot be transformed.
	ErrInvalidRegion = errors.New("invalid region")
)

// OutOfRangeError is returned when a transform input lies outside the valid
// domain of the region the transform is bound to.
type OutOfRangeError struct {
	Key    RegionKey
	Reason string
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("region %s: %s: %s", e.Key, ErrOutOfRange, e.Reason)
}

func (e *OutOfRangeError) Unwrap() error { return ErrOutOfRange }

// NoMatchingRegionError is returned when region set dispatch finds no region
// for a key (forward) or a stage position (inverse).
type NoMatchingRegionError struct {
	Point    *Point
	Position *XY
	Reason   string
}

func (e *NoMatchingRegionError) Error() string {
	switch {
	case e.Point != nil:
		return fmt.Sprintf("%s for %s: %s", ErrNoMatchingRegion, e.Point, e.Reason)
	case e.Position != nil:
		return fmt.Sprintf("%s for stage position %s: %s", ErrNoMatchingRegion, e.Position, e.Reason)
	default:
		return fmt.Sprintf("%s: %s", ErrNoMatchingRegion, e.Reason)
	}
}

func (e *NoMatchingRegionError) Unwrap() error { return ErrNoMatchingRegion }
