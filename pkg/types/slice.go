package types

import (
	"fmt"
)

// SliceType discriminates the selection forms accepted per axis.
type SliceType string

const (
	SliceIndex    SliceType = "index"
	SliceRange    SliceType = "range"
	SliceAll      SliceType = "all"
	SliceEllipsis SliceType = "ellipsis"
)

// Slice selects along one outer axis of an array. Coordinates are absolute
// positions in the array's coordinate space; negative values count back from
// the upper bound, like negative indices on a sequence.
type Slice struct {
	Type  SliceType `json:"type"`
	Index int64     `json:"index,omitempty"`
	Start *int64    `json:"start,omitempty"`
	Stop  *int64    `json:"stop,omitempty"`
	Step  int64     `json:"step,omitempty"`
}

// At selects a single coordinate and contracts the axis.
func At(i int64) Slice {
	return Slice{Type: SliceIndex, Index: i}
}

// Range selects [start, stop) with step 1.
func Range(start, stop int64) Slice {
	return Slice{Type: SliceRange, Start: &start, Stop: &stop, Step: 1}
}

// RangeStep selects [start, stop) with the given step. A negative step walks
// the axis backwards.
func RangeStep(start, stop, step int64) Slice {
	return Slice{Type: SliceRange, Start: &start, Stop: &stop, Step: step}
}

// From selects [start, upper).
func From(start int64) Slice {
	return Slice{Type: SliceRange, Start: &start, Step: 1}
}

// To selects [lower, stop).
func To(stop int64) Slice {
	return Slice{Type: SliceRange, Stop: &stop, Step: 1}
}

// All selects the whole axis.
func All() Slice {
	return Slice{Type: SliceAll}
}

// Ellipsis expands to as many All selections as needed to cover the
// remaining axes. At most one per selection.
func Ellipsis() Slice {
	return Slice{Type: SliceEllipsis}
}

// Span is a normalized absolute selection on one axis: the coordinates
// Start, Start+Step, ... while < Stop (step > 0) or > Stop (step < 0).
type Span struct {
	Start int64
	Stop  int64
	Step  int64
}

// Count returns the number of selected coordinates.
func (s Span) Count() int64 {
	if s.Step > 0 {
		if s.Stop <= s.Start {
			return 0
		}
		return (s.Stop - s.Start + s.Step - 1) / s.Step
	}
	if s.Stop >= s.Start {
		return 0
	}
	step := -s.Step
	return (s.Start - s.Stop + step - 1) / step
}

// Coord returns the k-th selected coordinate.
func (s Span) Coord(k int64) int64 {
	return s.Start + k*s.Step
}

// Offset maps an absolute coordinate to its index within the span, or
// (0, false) if the coordinate is not selected.
func (s Span) Offset(pos int64) (int64, bool) {
	d := pos - s.Start
	if d%s.Step != 0 {
		return 0, false
	}
	k := d / s.Step
	if k < 0 || k >= s.Count() {
		return 0, false
	}
	return k, true
}

// Axis is one normalized selection axis. Contracted axes (integer indexing)
// select exactly one coordinate and are dropped from the result shape.
type Axis struct {
	Span     Span
	Contract bool
}

// NormalizeSelection resolves a selection against outer bounds
// [lower, upper) into one Axis per dimension. A missing trailing selection
// and the ellipsis both expand to whole-axis selections.
func NormalizeSelection(sel []Slice, lower, upper []int64) ([]Axis, error) {
	ndim := len(lower)
	if len(upper) != ndim {
		return nil, fmt.Errorf("bounds rank mismatch: %d vs %d", ndim, len(upper))
	}

	expanded, err := expandEllipsis(sel, ndim)
	if err != nil {
		return nil, err
	}

	axes := make([]Axis, ndim)
	for d := 0; d < ndim; d++ {
		ax, err := normalizeAxis(expanded[d], lower[d], upper[d])
		if err != nil {
			return nil, fmt.Errorf("axis %d: %w", d, err)
		}
		axes[d] = ax
	}
	return axes, nil
}

func expandEllipsis(sel []Slice, ndim int) ([]Slice, error) {
	expanded := make([]Slice, 0, ndim)
	seen := false
	explicit := 0
	for _, s := range sel {
		if s.Type != SliceEllipsis {
			explicit++
		}
	}
	if explicit > ndim {
		return nil, fmt.Errorf("selection has %d axes, array has %d", explicit, ndim)
	}
	for _, s := range sel {
		if s.Type == SliceEllipsis {
			if seen {
				return nil, fmt.Errorf("selection has more than one ellipsis")
			}
			seen = true
			for i := 0; i < ndim-explicit; i++ {
				expanded = append(expanded, All())
			}
			continue
		}
		expanded = append(expanded, s)
	}
	for len(expanded) < ndim {
		expanded = append(expanded, All())
	}
	return expanded, nil
}

func normalizeAxis(s Slice, lower, upper int64) (Axis, error) {
	switch s.Type {
	case SliceAll, "":
		return Axis{Span: Span{Start: lower, Stop: upper, Step: 1}}, nil

	case SliceIndex:
		i := s.Index
		if i < 0 {
			i += upper
		}
		if i < lower || i >= upper {
			return Axis{}, fmt.Errorf("index %d out of range [%d, %d)", s.Index, lower, upper)
		}
		return Axis{Span: Span{Start: i, Stop: i + 1, Step: 1}, Contract: true}, nil

	case SliceRange:
		step := s.Step
		if step == 0 {
			step = 1
		}
		var start, stop int64
		if step > 0 {
			start, stop = lower, upper
		} else {
			start, stop = upper-1, lower-1
		}
		if s.Start != nil {
			start = *s.Start
			if start < 0 {
				start += upper
			}
		}
		if s.Stop != nil {
			stop = *s.Stop
			if stop < 0 {
				stop += upper
			}
		}
		if step > 0 {
			if start < lower {
				start = lower
			}
			if stop > upper {
				stop = upper
			}
		} else {
			if start > upper-1 {
				start = upper - 1
			}
			if stop < lower-1 {
				stop = lower - 1
			}
		}
		return Axis{Span: Span{Start: start, Stop: stop, Step: step}}, nil

	default:
		return Axis{}, fmt.Errorf("unknown slice type %q", s.Type)
	}
}
