// Package types holds the value model shared between the local engine, the
// RPC server and the remote client: coordinates, numeric values, array
// entries and dense materializations.
package types

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
)

// ValueKind names the element type of an array. Integer inputs are widened
// to float64 on append, so only two kinds exist on disk.
type ValueKind string

const (
	KindFloat64    ValueKind = "float64"
	KindComplex128 ValueKind = "complex128"
)

// Position is a coordinate tuple in an array's outer dimensions.
type Position []int64

func (p Position) Clone() Position {
	out := make(Position, len(p))
	copy(out, p)
	return out
}

func (p Position) Equal(q Position) bool {
	if len(p) != len(q) {
		return false
	}
	for i := range p {
		if p[i] != q[i] {
			return false
		}
	}
	return true
}

// Value is one numeric datum written at a position: a scalar or a small
// fixed-shape array. Re always holds the data in row-major order; Im is
// non-nil only for complex values.
type Value struct {
	Shape []int64
	Re    []float64
	Im    []float64
}

// Float builds a scalar float value.
func Float(v float64) Value {
	return Value{Re: []float64{v}}
}

// Int builds a scalar value from an integer, widening to float64.
func Int(v int64) Value {
	return Value{Re: []float64{float64(v)}}
}

// Complex builds a scalar complex value.
func Complex(v complex128) Value {
	return Value{Re: []float64{real(v)}, Im: []float64{imag(v)}}
}

// Floats builds an array value with the given shape from row-major data.
func Floats(shape []int64, data []float64) (Value, error) {
	if int64(len(data)) != NumElems(shape) {
		return Value{}, fmt.Errorf("value data length %d does not match shape %v", len(data), shape)
	}
	return Value{Shape: shape, Re: data}, nil
}

// Complexes builds a complex array value from separate real and imaginary
// parts of equal length.
func Complexes(shape []int64, re, im []float64) (Value, error) {
	if len(re) != len(im) {
		return Value{}, fmt.Errorf("real and imaginary lengths differ: %d vs %d", len(re), len(im))
	}
	if int64(len(re)) != NumElems(shape) {
		return Value{}, fmt.Errorf("value data length %d does not match shape %v", len(re), shape)
	}
	return Value{Shape: shape, Re: re, Im: im}, nil
}

func (v Value) IsComplex() bool { return v.Im != nil }

func (v Value) Kind() ValueKind {
	if v.IsComplex() {
		return KindComplex128
	}
	return KindFloat64
}

// NumElems returns the element count of a shape. A nil or empty shape is a
// scalar and counts as one element.
func NumElems(shape []int64) int64 {
	n := int64(1)
	for _, s := range shape {
		n *= s
	}
	return n
}

// SameShape reports whether two shapes are elementwise equal, treating nil
// and empty as the same scalar shape.
func SameShape(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (v Value) Validate() error {
	if len(v.Re) == 0 {
		return fmt.Errorf("value has no data")
	}
	if int64(len(v.Re)) != NumElems(v.Shape) {
		return fmt.Errorf("value data length %d does not match shape %v", len(v.Re), v.Shape)
	}
	if v.Im != nil && len(v.Im) != len(v.Re) {
		return fmt.Errorf("imaginary length %d does not match real length %d", len(v.Im), len(v.Re))
	}
	return nil
}

// valueWire is the JSON form of Value. Float data is carried as base64 of
// little-endian IEEE 754 bytes so that NaN and infinities survive the trip;
// plain JSON numbers cannot represent them.
type valueWire struct {
	Shape []int64 `json:"shape,omitempty"`
	Re    string  `json:"re"`
	Im    string  `json:"im,omitempty"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	w := valueWire{Shape: v.Shape, Re: EncodeFloats(v.Re)}
	if v.Im != nil {
		w.Im = EncodeFloats(v.Im)
	}
	return json.Marshal(w)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var w valueWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	re, err := DecodeFloats(w.Re)
	if err != nil {
		return fmt.Errorf("decode value data: %w", err)
	}
	v.Shape = w.Shape
	v.Re = re
	v.Im = nil
	if w.Im != "" {
		im, err := DecodeFloats(w.Im)
		if err != nil {
			return fmt.Errorf("decode imaginary data: %w", err)
		}
		v.Im = im
	}
	return nil
}

// Entry is one (position, value) pair in an array's write sequence.
type Entry struct {
	Pos   Position `json:"pos"`
	Value Value    `json:"value"`
}

// Script is the materialized content of a deduplicated script blob.
type Script struct {
	ID       int64  `json:"id"`
	Text     string `json:"text"`
	Language string `json:"language"`
}

// EncodeFloats packs float64s as base64 of their little-endian bit patterns.
func EncodeFloats(data []float64) string {
	buf := make([]byte, 8*len(data))
	for i, f := range data {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(f))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// DecodeFloats reverses EncodeFloats.
func DecodeFloats(s string) ([]float64, error) {
	buf, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(buf)%8 != 0 {
		return nil, fmt.Errorf("float data length %d is not a multiple of 8", len(buf))
	}
	out := make([]float64, len(buf)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return out, nil
}
