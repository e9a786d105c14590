package types

import (
	"encoding/json"
	"fmt"
	"math"
)

// Dense is a materialized rectangular array. Unset cells hold NaN, which is
// the "no data" sentinel throughout the engine. Im is non-nil for complex
// arrays and mirrors Re elementwise.
type Dense struct {
	Shape []int64
	Re    []float64
	Im    []float64
}

// NewDense allocates a NaN-filled dense array.
func NewDense(shape []int64, complexKind bool) *Dense {
	n := NumElems(shape)
	d := &Dense{Shape: append([]int64(nil), shape...), Re: make([]float64, n)}
	for i := range d.Re {
		d.Re[i] = math.NaN()
	}
	if complexKind {
		d.Im = make([]float64, n)
		for i := range d.Im {
			d.Im[i] = math.NaN()
		}
	}
	return d
}

func (d *Dense) IsComplex() bool { return d.Im != nil }

// NumElems returns the total cell count.
func (d *Dense) NumElems() int64 { return NumElems(d.Shape) }

// Offset converts a multi-dimensional index (relative to the dense array,
// zero-based) into a flat row-major offset.
func (d *Dense) Offset(idx []int64) (int64, error) {
	if len(idx) != len(d.Shape) {
		return 0, fmt.Errorf("index rank %d does not match shape rank %d", len(idx), len(d.Shape))
	}
	off := int64(0)
	for i, x := range idx {
		if x < 0 || x >= d.Shape[i] {
			return 0, fmt.Errorf("index %d out of range for axis %d (size %d)", x, i, d.Shape[i])
		}
		off = off*d.Shape[i] + x
	}
	return off, nil
}

// At returns the real value at the given index.
func (d *Dense) At(idx ...int64) (float64, error) {
	off, err := d.Offset(idx)
	if err != nil {
		return 0, err
	}
	return d.Re[off], nil
}

// AtComplex returns the complex value at the given index. For real arrays
// the imaginary part is zero.
func (d *Dense) AtComplex(idx ...int64) (complex128, error) {
	off, err := d.Offset(idx)
	if err != nil {
		return 0, err
	}
	if d.Im == nil {
		return complex(d.Re[off], 0), nil
	}
	return complex(d.Re[off], d.Im[off]), nil
}

type denseWire struct {
	Shape []int64 `json:"shape"`
	Re    string  `json:"re"`
	Im    string  `json:"im,omitempty"`
}

func (d Dense) MarshalJSON() ([]byte, error) {
	w := denseWire{Shape: d.Shape, Re: EncodeFloats(d.Re)}
	if d.Im != nil {
		w.Im = EncodeFloats(d.Im)
	}
	return json.Marshal(w)
}

func (d *Dense) UnmarshalJSON(data []byte) error {
	var w denseWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	re, err := DecodeFloats(w.Re)
	if err != nil {
		return fmt.Errorf("decode dense data: %w", err)
	}
	if int64(len(re)) != NumElems(w.Shape) {
		return fmt.Errorf("dense data length %d does not match shape %v", len(re), w.Shape)
	}
	d.Shape = w.Shape
	d.Re = re
	d.Im = nil
	if w.Im != "" {
		im, err := DecodeFloats(w.Im)
		if err != nil {
			return fmt.Errorf("decode dense imaginary data: %w", err)
		}
		if len(im) != len(re) {
			return fmt.Errorf("dense imaginary length %d does not match real length %d", len(im), len(re))
		}
		d.Im = im
	}
	return nil
}
