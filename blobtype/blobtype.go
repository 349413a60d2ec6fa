// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package blobtype implements data types and utilities to describe
// bigplan blobs: ops, logical instances, and register descriptors
// all carry blobtype.Descs.
package blobtype

import (
	"fmt"
	"strings"
)

// A DType is the element type of a blob.
type DType string

const (
	Invalid DType = ""
	Float32 DType = "float32"
	Float16 DType = "float16"
	Float64 DType = "float64"
	Int8    DType = "int8"
	Int32   DType = "int32"
	Int64   DType = "int64"
	Bool    DType = "bool"
	// None is the type of blobs that carry no data, such as ticks.
	None DType = "none"
)

var sizes = map[DType]int64{
	Float32: 4,
	Float16: 2,
	Float64: 8,
	Int8:    1,
	Int32:   4,
	Int64:   8,
	Bool:    1,
	None:    0,
}

// ParseDType parses a data type name. The empty string is taken to
// be Float32.
func ParseDType(s string) (DType, bool) {
	if s == "" {
		return Float32, true
	}
	t := DType(s)
	_, ok := sizes[t]
	return t, ok
}

// Size returns the size in bytes of a single element of type t.
func (t DType) Size() int64 {
	return sizes[t]
}

// A Shape is the list of dimensions of a blob. The empty shape
// describes a scalar.
type Shape []int64

// ElemCount returns the number of elements in the shape.
func (s Shape) ElemCount() int64 {
	n := int64(1)
	for _, d := range s {
		n *= d
	}
	return n
}

// Equal tells whether shapes s and t are identical.
func (s Shape) Equal(t Shape) bool {
	if len(s) != len(t) {
		return false
	}
	for i := range s {
		if s[i] != t[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy of s.
func (s Shape) Clone() Shape {
	if s == nil {
		return nil
	}
	return append(Shape(nil), s...)
}

func (s Shape) String() string {
	dims := make([]string, len(s))
	for i, d := range s {
		dims[i] = fmt.Sprint(d)
	}
	return "(" + strings.Join(dims, ",") + ")"
}

// A Desc describes the shape and data type of a blob.
type Desc struct {
	Shape Shape `json:"shape"`
	DType DType `json:"dtype"`
}

// New returns a new blob descriptor.
func New(dtype DType, dims ...int64) Desc {
	return Desc{Shape: Shape(dims).Clone(), DType: dtype}
}

// ElemCount returns the number of elements in the blob.
func (d Desc) ElemCount() int64 {
	return d.Shape.ElemCount()
}

// ByteSize returns the size of the blob's payload in bytes.
func (d Desc) ByteSize() int64 {
	return d.Shape.ElemCount() * d.DType.Size()
}

// Empty tells whether the blob carries no data.
func (d Desc) Empty() bool {
	return d.ByteSize() == 0
}

// Equal tells whether descriptors d and e are identical.
func (d Desc) Equal(e Desc) bool {
	return d.DType == e.DType && d.Shape.Equal(e.Shape)
}

// Clone returns a deep copy of d.
func (d Desc) Clone() Desc {
	return Desc{Shape: d.Shape.Clone(), DType: d.DType}
}

func (d Desc) String() string {
	return string(d.DType) + d.Shape.String()
}

// SplitRange returns the half-open range [begin, end) of a dimension
// of size dim assigned to rank out of n. Earlier ranks receive the
// remainder when dim is not divisible by n.
func SplitRange(dim int64, rank, n int) (begin, end int64) {
	size, rem := dim/int64(n), dim%int64(n)
	r := int64(rank)
	begin = r * size
	if r < rem {
		begin += r
		return begin, begin + size + 1
	}
	begin += rem
	return begin, begin + size
}

// Split returns the descriptor of part rank of n of d, when split
// on the provided axis. Split returns false if d cannot be split on
// axis.
func (d Desc) Split(axis, rank, n int) (Desc, bool) {
	if n == 1 {
		return d.Clone(), true
	}
	if axis < 0 || axis >= len(d.Shape) || d.Shape[axis] < int64(n) {
		return Desc{}, false
	}
	e := d.Clone()
	begin, end := SplitRange(d.Shape[axis], rank, n)
	e.Shape[axis] = end - begin
	return e, true
}

// Concat returns the descriptor of blobs ds concatenated on the
// provided axis. Concat returns false if the blobs are not
// compatible.
func Concat(axis int, ds ...Desc) (Desc, bool) {
	if len(ds) == 0 {
		return Desc{}, false
	}
	out := ds[0].Clone()
	if axis < 0 || axis >= len(out.Shape) {
		return Desc{}, false
	}
	for _, d := range ds[1:] {
		if d.DType != out.DType || len(d.Shape) != len(out.Shape) {
			return Desc{}, false
		}
		for i := range d.Shape {
			if i != axis && d.Shape[i] != out.Shape[i] {
				return Desc{}, false
			}
		}
		out.Shape[axis] += d.Shape[axis]
	}
	return out, true
}
