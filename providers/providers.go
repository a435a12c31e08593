// Package providers defines the execution-provider contract and the registry
// that resolves a node's provider during planning and execution.
//
// An execution provider owns a class of devices (CPU, one accelerator
// family) and yields allocators keyed by device ordinal and memory type.
// Providers register into a Registry, mirroring how backends register into
// the backend directory.
package providers

import (
	"github.com/pkg/errors"

	"github.com/tensorun/tensorun/memory"
)

// CPU is the provider type of the built-in CPU execution provider.
const CPU = "cpu"

// Provider is the API an execution provider must implement.
type Provider interface {
	// Type returns the provider type, e.g. "cpu". Nodes are assigned to
	// providers by this string.
	Type() string

	// Allocator returns the allocator for the given device ordinal and
	// memory type.
	Allocator(deviceID int, memType memory.MemType) memory.Allocator
}

// Registry is a directory of execution providers keyed by provider type.
type Registry struct {
	byType  map[string]Provider
	ordered []Provider
}

// NewRegistry returns an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{byType: make(map[string]Provider)}
}

// Register adds the provider to the registry.
func (r *Registry) Register(p Provider) error {
	if _, found := r.byType[p.Type()]; found {
		return errors.Errorf("execution provider %q registered twice", p.Type())
	}
	r.byType[p.Type()] = p
	r.ordered = append(r.ordered, p)
	return nil
}

// Get resolves a provider type to a Provider, or nil if none is registered.
func (r *Registry) Get(providerType string) Provider {
	return r.byType[providerType]
}

// DefaultCPUInfo returns the default CPU memory info: the location of the
// registered CPU provider's default allocator, or the built-in host location
// if no CPU provider is registered.
func (r *Registry) DefaultCPUInfo() memory.Info {
	if cpu, found := r.byType[CPU]; found {
		return cpu.Allocator(0, memory.TypeDefault).Info()
	}
	return hostInfo(memory.TypeDefault)
}

func hostInfo(memType memory.MemType) memory.Info {
	return memory.Info{Name: "Cpu", Device: "cpu", DeviceID: 0, MemType: memType}
}

// cpuProvider is the built-in host execution provider. All of its memory
// types resolve to host memory; the Info records still distinguish memory
// types so kernels that declare CPU-pinned inputs get a distinct location.
type cpuProvider struct {
	defaultAlloc memory.Allocator
	inputAlloc   memory.Allocator
	outputAlloc  memory.Allocator
}

// NewCPU returns the built-in CPU execution provider.
func NewCPU() Provider {
	return &cpuProvider{
		defaultAlloc: memory.NewHostAllocator(hostInfo(memory.TypeDefault)),
		inputAlloc:   memory.NewHostAllocator(hostInfo(memory.TypeCPUInput)),
		outputAlloc:  memory.NewHostAllocator(hostInfo(memory.TypeCPUOutput)),
	}
}

func (p *cpuProvider) Type() string { return CPU }

func (p *cpuProvider) Allocator(deviceID int, memType memory.MemType) memory.Allocator {
	// The CPU provider has a single device; deviceID is accepted for
	// interface symmetry with accelerator providers.
	switch memType {
	case memory.TypeCPUInput:
		return p.inputAlloc
	case memory.TypeCPUOutput:
		return p.outputAlloc
	default:
		return p.defaultAlloc
	}
}
