// Package recommend carries recommendations from an external recommender to
// the scan controller and carries measurement events back.
package recommend

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Recommendation is either a mapping from axis name to requested value or
// the termination sentinel.
type Recommendation struct {
	Values    map[string]float64
	terminate bool
}

// New returns a recommendation holding a copy of values.
func New(values map[string]float64) Recommendation {
	return Recommendation{Values: maps.Clone(values)}
}

// Terminate returns the sentinel that ends a scan.
func Terminate() Recommendation {
	return Recommendation{terminate: true}
}

// IsTerminate reports whether r is the termination sentinel.
func (r Recommendation) IsTerminate() bool { return r.terminate }

func (r Recommendation) String() string {
	if r.terminate {
		return "<terminate>"
	}
	parts := make([]string, 0, len(r.Values))
	for _, k := range slices.Sorted(maps.Keys(r.Values)) {
		parts = append(parts, fmt.Sprintf("%s=%g", k, r.Values[k]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
