// Package shapes defines Shape, the possibly-symbolic shape of a value in a
// computation graph, and the size-equivalence rules used by the allocation
// planner when deciding whether two values can share a buffer.
//
// A Shape is a DType (see github.com/gomlx/gopjrt/dtypes) plus a list of
// dimensions. Unlike a concrete tensor shape, a dimension may be:
//
//   - Known: an integer value, e.g. 128;
//   - Symbolic: a named placeholder, e.g. "batch", whose value is only known
//     at run time;
//   - Unknown: neither value nor name.
//
// Two shapes are considered the same when they have the same rank and every
// dimension pair is either the same known integer or the same non-empty
// symbolic name. Matching symbolic names counts as equal on purpose: it
// enables buffer reuse between values whose concrete sizes are unknown but
// guaranteed identical.
package shapes

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// Dim is one dimension of a Shape: known, symbolic or unknown.
//
// The zero value is an unknown dimension.
type Dim struct {
	value int64
	param string
}

// Known returns a dimension with the given integer value.
func Known(value int64) Dim {
	if value < 0 {
		exceptions.Panicf("shapes.Known(%d): dimension value must be >= 0", value)
	}
	return Dim{value: value}
}

// Symbolic returns a dimension identified by a name ("batch", "seq_len").
func Symbolic(name string) Dim {
	if name == "" {
		exceptions.Panicf("shapes.Symbolic(): name must not be empty")
	}
	return Dim{value: -1, param: name}
}

// UnknownDim returns a dimension with neither a value nor a name.
func UnknownDim() Dim { return Dim{value: -1} }

// IsKnown reports whether the dimension has a concrete integer value.
func (d Dim) IsKnown() bool { return d.param == "" && d.value >= 0 }

// IsSymbolic reports whether the dimension is a named placeholder.
func (d Dim) IsSymbolic() bool { return d.param != "" }

// Value returns the concrete dimension value. Only meaningful if IsKnown.
func (d Dim) Value() int64 { return d.value }

// Param returns the symbolic name, or "" if the dimension is not symbolic.
func (d Dim) Param() string { return d.param }

func (d Dim) String() string {
	switch {
	case d.IsKnown():
		return fmt.Sprintf("%d", d.value)
	case d.IsSymbolic():
		return d.param
	default:
		return "?"
	}
}

// Shape is the dtype and dimensions of a value.
//
// The zero value is invalid (Ok returns false); SameSize treats invalid
// shapes as never size-equivalent to anything.
type Shape struct {
	DType dtypes.DType
	Dims  []Dim
}

// Make returns a Shape with the given known dimensions.
func Make(dtype dtypes.DType, dimensions ...int64) Shape {
	s := Shape{DType: dtype, Dims: make([]Dim, len(dimensions))}
	for i, dim := range dimensions {
		if dim <= 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with an axis with dimension <= 0", s)
		}
		s.Dims[i] = Known(dim)
	}
	return s
}

// Of returns a Shape with the given dimensions, which may be symbolic.
func Of(dtype dtypes.DType, dims ...Dim) Shape {
	return Shape{DType: dtype, Dims: dims}
}

// Ok returns whether this is a valid Shape.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank returns the number of axes.
func (s Shape) Rank() int { return len(s.Dims) }

// NumElements returns the product of the dimensions, and whether every
// dimension is known. ok is false if any dimension is symbolic or unknown.
func (s Shape) NumElements() (n int64, ok bool) {
	n = 1
	for _, d := range s.Dims {
		if !d.IsKnown() {
			return 0, false
		}
		n *= d.Value()
	}
	return n, true
}

// Memory returns the number of bytes needed to store a value of this shape,
// and whether that is statically known.
func (s Shape) Memory() (bytes int64, ok bool) {
	n, ok := s.NumElements()
	if !ok {
		return 0, false
	}
	return n * int64(s.DType.Memory()), true
}

func (s Shape) String() string {
	if !s.Ok() {
		return "(invalid)"
	}
	parts := make([]string, len(s.Dims))
	for i, d := range s.Dims {
		parts[i] = d.String()
	}
	return fmt.Sprintf("(%s)[%s]", s.DType, strings.Join(parts, " "))
}

// SameShape reports whether two shapes are the same under the planner's
// equivalence: same rank, and each dimension pair is either the same known
// integer or the same non-empty symbolic name. Unknown dimensions never
// match, not even against themselves.
func SameShape(a, b Shape) bool {
	if a.Rank() != b.Rank() {
		return false
	}
	for i := range a.Dims {
		d1, d2 := a.Dims[i], b.Dims[i]
		if d1.IsKnown() && d2.IsKnown() && d1.Value() == d2.Value() {
			continue
		}
		if d1.IsSymbolic() && d2.IsSymbolic() && d1.Param() == d2.Param() {
			continue
		}
		return false
	}
	return true
}

// SameSize reports whether two values are guaranteed to occupy buffers of the
// same size: equal element sizes in bytes and SameShape. Invalid shapes are
// conservatively assumed to be of different size.
func SameSize(a, b Shape) bool {
	if !a.Ok() || !b.Ok() {
		return false
	}
	return a.DType.Memory() == b.DType.Memory() && SameShape(a, b)
}

// Kind distinguishes tensors from the opaque container types a value may
// hold. The planner never attempts buffer sharing for non-tensors.
type Kind int

const (
	KindTensor Kind = iota
	KindSequence
	KindMap
	KindOptional
)

func (k Kind) String() string {
	switch k {
	case KindTensor:
		return "Tensor"
	case KindSequence:
		return "Sequence"
	case KindMap:
		return "Map"
	case KindOptional:
		return "Optional"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ValueType is the logical type of a value: its kind and element dtype.
type ValueType struct {
	Kind  Kind
	DType dtypes.DType
}

// TensorOf returns the ValueType of a tensor with the given element type.
func TensorOf(dtype dtypes.DType) ValueType {
	return ValueType{Kind: KindTensor, DType: dtype}
}

// IsTensor reports whether the value is a plain tensor.
func (t ValueType) IsTensor() bool { return t.Kind == KindTensor }

func (t ValueType) String() string {
	if t.Kind == KindTensor {
		return fmt.Sprintf("Tensor[%s]", t.DType)
	}
	return fmt.Sprintf("%s[%s]", t.Kind, t.DType)
}
