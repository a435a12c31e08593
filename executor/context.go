package executor

import (
	"github.com/tensorun/tensorun/graphs"
	"github.com/tensorun/tensorun/kernels"
	"github.com/tensorun/tensorun/memory"
	"github.com/tensorun/tensorun/providers"
	"github.com/tensorun/tensorun/types/shapes"
)

// nodeContext is the per-node kernels.ComputeContext, resolving argument
// positions through the shared execution frame.
type nodeContext struct {
	binding *KernelBinding
	frame   Frame
}

var _ kernels.ComputeContext = (*nodeContext)(nil)

func newNodeContext(binding *KernelBinding, frame Frame) *nodeContext {
	return &nodeContext{binding: binding, frame: frame}
}

func (c *nodeContext) Node() graphs.Node { return c.binding.Node }

func (c *nodeContext) NumInputs() int { return len(c.binding.InputIdxs) }

func (c *nodeContext) Input(i int) *memory.Buffer {
	idx := c.binding.InputIdxs[i]
	if idx < 0 {
		return nil
	}
	return c.frame.Buffer(idx)
}

func (c *nodeContext) NumImplicitInputs() int { return len(c.binding.ImplicitIdxs) }

func (c *nodeContext) ImplicitInput(i int) *memory.Buffer {
	idx := c.binding.ImplicitIdxs[i]
	if idx < 0 {
		return nil
	}
	return c.frame.Buffer(idx)
}

func (c *nodeContext) NumOutputs() int { return len(c.binding.OutputIdxs) }

func (c *nodeContext) Output(i int, shape shapes.Shape) (*memory.Buffer, error) {
	return c.frame.BindOutput(c.binding.OutputIdxs[i], shape)
}

// applyPreFences runs the before-compute fence calls for every fenced value
// the node touches. The provider type reported for an input is overridden to
// CPU when the kernel declares that input position CPU-resident.
func applyPreFences(binding *KernelBinding, frame Frame) {
	queueID := binding.Def.ExecQueueID()
	providerType := binding.Node.ExecutionProviderType()

	inputProvider := func(pos int) string {
		if binding.Def.InputMemoryType(pos) == memory.TypeCPUInput {
			return providers.CPU
		}
		return providerType
	}

	for i, idx := range binding.InputIdxs {
		if idx < 0 {
			continue
		}
		if fence := frame.Fence(idx); fence != nil {
			fence.BeforeUsingAsInput(inputProvider(i), queueID)
		}
	}
	for i, idx := range binding.ImplicitIdxs {
		if idx < 0 {
			continue
		}
		if fence := frame.Fence(idx); fence != nil {
			fence.BeforeUsingAsInput(inputProvider(i), queueID)
		}
	}
	for _, idx := range binding.OutputIdxs {
		if idx < 0 {
			continue
		}
		if fence := frame.Fence(idx); fence != nil {
			fence.BeforeUsingAsOutput(providerType, queueID)
		}
	}
}

// applyPostFences runs the symmetric after-compute fence calls.
func applyPostFences(binding *KernelBinding, frame Frame) {
	queueID := binding.Def.ExecQueueID()

	for _, idx := range binding.InputIdxs {
		if idx < 0 {
			continue
		}
		if fence := frame.Fence(idx); fence != nil {
			fence.AfterUsedAsInput(queueID)
		}
	}
	for _, idx := range binding.ImplicitIdxs {
		if idx < 0 {
			continue
		}
		if fence := frame.Fence(idx); fence != nil {
			fence.AfterUsedAsInput(queueID)
		}
	}
	for _, idx := range binding.OutputIdxs {
		if idx < 0 {
			continue
		}
		if fence := frame.Fence(idx); fence != nil {
			fence.AfterUsedAsOutput(queueID)
		}
	}
}
