// Package memory defines the memory-info records used to describe where a
// value lives (which device, which kind of memory on that device), the
// allocator contract execution providers must satisfy, and the host-side
// Buffer type that binds bytes to a shape and a location.
package memory

import (
	"fmt"

	"github.com/tensorun/tensorun/types/shapes"
)

// MemType classifies the memory a kernel expects for one of its inputs or
// outputs. Default is the provider's own device memory; CPUInput/CPUOutput
// force host-accessible memory even when the kernel runs on an accelerator.
type MemType int

const (
	TypeCPUInput  MemType = -2
	TypeCPUOutput MemType = -1
	TypeDefault   MemType = 0

	// TypeCPU is an alias: CPU-accessible memory is CPU-output memory.
	TypeCPU = TypeCPUOutput
)

func (t MemType) String() string {
	switch t {
	case TypeCPUInput:
		return "CPUInput"
	case TypeCPUOutput:
		return "CPUOutput"
	case TypeDefault:
		return "Default"
	}
	return fmt.Sprintf("MemType(%d)", int(t))
}

// Info identifies a memory location: the allocator name, device kind and
// ordinal, and the memory type. Two Infos are the same location iff they are
// equal field-by-field.
type Info struct {
	Name     string
	Device   string
	DeviceID int
	MemType  MemType
}

// Equal reports whether the two records describe the same location.
func (i Info) Equal(o Info) bool { return i == o }

func (i Info) String() string {
	return fmt.Sprintf("%s(%s:%d, %s)", i.Name, i.Device, i.DeviceID, i.MemType)
}

// Allocator hands out buffers tagged with its location.
type Allocator interface {
	// Info returns the location of the memory this allocator manages.
	Info() Info

	// Alloc returns a zeroed buffer of the given size in bytes.
	Alloc(nbytes int64) []byte
}

// Buffer is a block of bytes bound to a shape and a location.
type Buffer struct {
	Data  []byte
	Shape shapes.Shape
	Info  Info
}

// hostAllocator backs every location with host memory. Device memory is
// modeled, not implemented: placement decisions are about Info equality, so
// planner and executor behave identically whether the bytes live on an
// accelerator or not.
type hostAllocator struct {
	info Info
}

// NewHostAllocator returns an Allocator for the given location backed by
// host memory.
func NewHostAllocator(info Info) Allocator {
	return &hostAllocator{info: info}
}

func (a *hostAllocator) Info() Info { return a.info }

func (a *hostAllocator) Alloc(nbytes int64) []byte {
	return make([]byte, nbytes)
}
