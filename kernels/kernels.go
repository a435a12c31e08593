// Package kernels defines kernel descriptors and the registry that binds a
// graph node to the kernel implementing it.
//
// A kernel descriptor (Def) carries the planner-facing metadata: the alias
// table (mandatory buffer sharing, e.g. Reshape), the may-inplace table
// (optional last-use sharing), per-argument memory-type annotations, and the
// device queue the kernel executes on. It also carries the compute function
// the executor invokes.
package kernels

import (
	"github.com/pkg/errors"

	"github.com/tensorun/tensorun/graphs"
	"github.com/tensorun/tensorun/memory"
	"github.com/tensorun/tensorun/types/shapes"
)

// ComputeContext is the view of the execution frame a kernel computes
// against. Inputs are resolved buffers; outputs are allocated (or resolved
// to a shared buffer) on first request, per the allocation plan.
type ComputeContext interface {
	// Node returns the graph node this kernel instance is bound to.
	Node() graphs.Node

	NumInputs() int

	// Input returns the buffer of the i-th explicit input, or nil for an
	// omitted optional input.
	Input(i int) *memory.Buffer

	NumImplicitInputs() int

	// ImplicitInput returns the buffer of the i-th implicit input.
	ImplicitInput(i int) *memory.Buffer

	NumOutputs() int

	// Output returns the buffer for the i-th output with the given concrete
	// shape, allocating it or resolving buffer sharing per the plan.
	Output(i int, shape shapes.Shape) (*memory.Buffer, error)
}

// ComputeFunc is a kernel's compute implementation. It is treated as
// blocking: asynchronous device work is expressed via fences around the
// call, not inside it.
type ComputeFunc func(ctx ComputeContext) error

// Def is an immutable kernel descriptor. Build one with NewDef.
type Def struct {
	opType        string
	provider      string
	sinceVersion  int
	alias         [][2]int
	mayInplace    [][2]int
	inputMemType  map[int]memory.MemType
	outputMemType map[int]memory.MemType
	inputOnCPU    map[int]bool
	execQueueID   int
	compute       ComputeFunc
}

func (d *Def) OpType() string    { return d.opType }
func (d *Def) Provider() string  { return d.provider }
func (d *Def) SinceVersion() int { return d.sinceVersion }

// Alias returns (input, output) position pairs that must share a buffer.
func (d *Def) Alias() [][2]int { return d.alias }

// MayInplace returns (input, output) position pairs that may share a buffer
// when the input is at its last use and sizes match.
func (d *Def) MayInplace() [][2]int { return d.mayInplace }

// InputMemoryType returns the memory type the kernel expects for the input
// at the given position. Defaults to memory.TypeDefault.
func (d *Def) InputMemoryType(pos int) memory.MemType {
	if mt, found := d.inputMemType[pos]; found {
		return mt
	}
	return memory.TypeDefault
}

// OutputMemoryType returns the memory type the kernel produces the output at
// the given position into. Defaults to memory.TypeDefault.
func (d *Def) OutputMemoryType(pos int) memory.MemType {
	if mt, found := d.outputMemType[pos]; found {
		return mt
	}
	return memory.TypeDefault
}

// IsInputOnCPU reports whether the kernel reads the input at the given
// position from host memory regardless of the provider's device.
func (d *Def) IsInputOnCPU(pos int) bool { return d.inputOnCPU[pos] }

// ExecQueueID returns the device queue this kernel executes on. Queue 0 is
// the synchronous default; any other queue requires fences around the
// kernel for values it touches.
func (d *Def) ExecQueueID() int { return d.execQueueID }

// Compute invokes the kernel.
func (d *Def) Compute(ctx ComputeContext) error {
	if d.compute == nil {
		return errors.Errorf("kernel %s (%s) has no compute function bound", d.opType, d.provider)
	}
	return d.compute(ctx)
}

// DefBuilder assembles a Def.
type DefBuilder struct {
	def Def
}

// NewDef starts a kernel descriptor for the given op type.
func NewDef(opType string) *DefBuilder {
	b := &DefBuilder{}
	b.def.opType = opType
	b.def.sinceVersion = 1
	b.def.inputMemType = make(map[int]memory.MemType)
	b.def.outputMemType = make(map[int]memory.MemType)
	b.def.inputOnCPU = make(map[int]bool)
	return b
}

// Provider sets the execution provider this kernel belongs to.
func (b *DefBuilder) Provider(providerType string) *DefBuilder {
	b.def.provider = providerType
	return b
}

// SinceVersion sets the first op-set version this kernel implements.
func (b *DefBuilder) SinceVersion(v int) *DefBuilder {
	b.def.sinceVersion = v
	return b
}

// Alias declares that output outputPos aliases input inputPos.
func (b *DefBuilder) Alias(inputPos, outputPos int) *DefBuilder {
	b.def.alias = append(b.def.alias, [2]int{inputPos, outputPos})
	return b
}

// MayInplace declares that output outputPos may reuse input inputPos.
func (b *DefBuilder) MayInplace(inputPos, outputPos int) *DefBuilder {
	b.def.mayInplace = append(b.def.mayInplace, [2]int{inputPos, outputPos})
	return b
}

// InputMemoryType overrides the memory type of the input at pos.
func (b *DefBuilder) InputMemoryType(pos int, mt memory.MemType) *DefBuilder {
	b.def.inputMemType[pos] = mt
	return b
}

// OutputMemoryType overrides the memory type of the output at pos.
func (b *DefBuilder) OutputMemoryType(pos int, mt memory.MemType) *DefBuilder {
	b.def.outputMemType[pos] = mt
	return b
}

// InputOnCPU declares that the input at pos is read from host memory.
func (b *DefBuilder) InputOnCPU(pos int) *DefBuilder {
	b.def.inputOnCPU[pos] = true
	return b
}

// ExecQueueID sets the device queue the kernel executes on.
func (b *DefBuilder) ExecQueueID(queueID int) *DefBuilder {
	b.def.execQueueID = queueID
	return b
}

// ComputeFn binds the compute implementation.
func (b *DefBuilder) ComputeFn(fn ComputeFunc) *DefBuilder {
	b.def.compute = fn
	return b
}

// Build returns the immutable Def.
func (b *DefBuilder) Build() *Def {
	def := b.def
	return &def
}

type registryKey struct {
	opType   string
	provider string
}

// Registry resolves nodes to kernel descriptors, keyed by op type and
// execution provider.
type Registry struct {
	byKey map[registryKey]*Def
}

// NewRegistry returns an empty kernel registry.
func NewRegistry() *Registry {
	return &Registry{byKey: make(map[registryKey]*Def)}
}

// Register adds the descriptor to the registry.
func (r *Registry) Register(def *Def) error {
	key := registryKey{opType: def.opType, provider: def.provider}
	if _, found := r.byKey[key]; found {
		return errors.Errorf("kernel for op %s on provider %s registered twice", def.opType, def.provider)
	}
	r.byKey[key] = def
	return nil
}

// MustRegister is Register for static kernel tables; it panics on duplicate
// registration.
func (r *Registry) MustRegister(def *Def) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Find returns the kernel descriptor bound to the node. The error for a
// missing kernel names the op type, op version and node so session-load
// failures are attributable.
func (r *Registry) Find(n graphs.Node) (*Def, error) {
	key := registryKey{opType: n.OpType(), provider: n.ExecutionProviderType()}
	def, found := r.byKey[key]
	if !found || def.sinceVersion > n.OpVersion() {
		return nil, errors.Errorf("no suitable kernel definition found for op %s(%d) (node %q, provider %s)",
			n.OpType(), n.OpVersion(), n.Name(), n.ExecutionProviderType())
	}
	return def, nil
}
