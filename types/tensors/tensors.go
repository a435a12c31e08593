// Package tensors converts between Go numeric slices and the raw
// little-endian host buffers the execution frame binds to values.
//
// Float16 follows github.com/x448/float16 (IEEE 754 binary16), the encoding
// used by accelerator-resident models.
package tensors

import (
	"encoding/binary"
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/x448/float16"

	"github.com/tensorun/tensorun/memory"
	"github.com/tensorun/tensorun/types/shapes"
)

// FromFloat32 encodes vals into a buffer of the given shape and location.
// The shape's dtype selects the element encoding.
func FromFloat32(vals []float32, shape shapes.Shape, info memory.Info) *memory.Buffer {
	if n, known := shape.NumElements(); known && int(n) != len(vals) {
		exceptions.Panicf("tensors.FromFloat32: shape %s wants %d elements, got %d", shape, n, len(vals))
	}
	var data []byte
	switch shape.DType {
	case dtypes.Float32:
		data = make([]byte, 4*len(vals))
		for i, v := range vals {
			binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(v))
		}
	case dtypes.Float64:
		data = make([]byte, 8*len(vals))
		for i, v := range vals {
			binary.LittleEndian.PutUint64(data[8*i:], math.Float64bits(float64(v)))
		}
	case dtypes.Float16:
		data = make([]byte, 2*len(vals))
		for i, v := range vals {
			binary.LittleEndian.PutUint16(data[2*i:], float16.Fromfloat32(v).Bits())
		}
	default:
		exceptions.Panicf("tensors.FromFloat32: unsupported dtype %s", shape.DType)
	}
	return &memory.Buffer{Data: data, Shape: shape, Info: info}
}

// ToFloat32 decodes the buffer's elements to float32.
func ToFloat32(buf *memory.Buffer) []float32 {
	switch buf.Shape.DType {
	case dtypes.Float32:
		vals := make([]float32, len(buf.Data)/4)
		for i := range vals {
			vals[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf.Data[4*i:]))
		}
		return vals
	case dtypes.Float64:
		vals := make([]float32, len(buf.Data)/8)
		for i := range vals {
			vals[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(buf.Data[8*i:])))
		}
		return vals
	case dtypes.Float16:
		vals := make([]float32, len(buf.Data)/2)
		for i := range vals {
			vals[i] = float16.Frombits(binary.LittleEndian.Uint16(buf.Data[2*i:])).Float32()
		}
		return vals
	default:
		exceptions.Panicf("tensors.ToFloat32: unsupported dtype %s", buf.Shape.DType)
	}
	return nil
}
