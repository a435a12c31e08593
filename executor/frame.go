package executor

import (
	"github.com/pkg/errors"

	"github.com/tensorun/tensorun/memory"
	"github.com/tensorun/tensorun/planner"
	"github.com/tensorun/tensorun/types/shapes"
	"github.com/tensorun/tensorun/values"
)

// Fence is a device synchronization handle inserted around kernels running
// on non-default compute queues.
type Fence interface {
	BeforeUsingAsInput(providerType string, queueID int)
	BeforeUsingAsOutput(providerType string, queueID int)
	AfterUsedAsInput(queueID int)
	AfterUsedAsOutput(queueID int)
}

// FenceFactory creates the fence for a value whose plan requires one.
// A nil factory disables fences entirely (pure-CPU execution).
type FenceFactory func(idx values.ValueIndex) Fence

// Frame binds value indices to concrete buffers for one execution. The
// value-index to buffer-slot table is fixed at frame creation; concurrent
// writes to disjoint slots by disjoint nodes are safe because each buffer
// root has exactly one producing node.
type Frame interface {
	// Buffer returns the buffer bound to the value, or nil if not yet
	// produced.
	Buffer(idx values.ValueIndex) *memory.Buffer

	// BindOutput returns the buffer a node output must be produced into,
	// with the given concrete shape: a fresh allocation, the root of a
	// shared buffer, or a caller-provided fetch slot, per the plan.
	BindOutput(idx values.ValueIndex, shape shapes.Shape) (*memory.Buffer, error)

	// Fence returns the fence of the value, following buffer reuse to the
	// root, or nil.
	Fence(idx values.ValueIndex) Fence

	// Release drops the buffer binding of a value the deallocation schedule
	// declared dead.
	Release(idx values.ValueIndex)

	// CollectOutputs gathers the buffers of the given fetch values.
	CollectOutputs(fetchIdxs []values.ValueIndex) ([]*memory.Buffer, error)
}

type hostFrame struct {
	state           *SessionState
	buffers         []*memory.Buffer
	fences          []Fence
	fetchAllocators map[values.ValueIndex]memory.Allocator
}

// NewFrame creates a Frame for one execution: feeds are bound to their
// PreExisting slots, initializers are materialized as session-static
// buffers, and fences are created for every value the plan flags.
func NewFrame(state *SessionState, feedIdxs []values.ValueIndex, feeds []*memory.Buffer,
	fetchAllocators map[values.ValueIndex]memory.Allocator, fenceFactory FenceFactory) (Frame, error) {
	if len(feedIdxs) != len(feeds) {
		return nil, errors.Errorf("got %d feed indices for %d feeds", len(feedIdxs), len(feeds))
	}
	numValues := state.values.Len()
	f := &hostFrame{
		state:           state,
		buffers:         make([]*memory.Buffer, numValues),
		fences:          make([]Fence, numValues),
		fetchAllocators: fetchAllocators,
	}

	plan := state.plan
	for i, idx := range feedIdxs {
		if feeds[i] == nil {
			return nil, errors.Errorf("feed #%d (value %q) is nil", i, state.values.Name(idx))
		}
		f.buffers[idx] = feeds[i]
	}

	for idx, data := range state.weightData {
		ap := plan.AllocationPlan[idx]
		buf := &memory.Buffer{Data: data, Info: ap.Location}
		if arg := state.viewer.GetNodeArg(state.values.Name(idx)); arg.Exists() && arg.Shape() != nil {
			buf.Shape = *arg.Shape()
		}
		f.buffers[idx] = buf
	}

	if fenceFactory != nil {
		for idx := range plan.AllocationPlan {
			if plan.AllocationPlan[idx].CreateFenceIfAsync {
				f.fences[idx] = fenceFactory(values.ValueIndex(idx))
			}
		}
	}
	return f, nil
}

func (f *hostFrame) Buffer(idx values.ValueIndex) *memory.Buffer {
	return f.buffers[idx]
}

func (f *hostFrame) BindOutput(idx values.ValueIndex, shape shapes.Shape) (*memory.Buffer, error) {
	ap := f.state.plan.AllocationPlan[idx]
	switch ap.AllocKind {
	case planner.AllocKindAllocate:
		nbytes, known := shape.Memory()
		if !known {
			return nil, errors.Errorf("cannot allocate value %q: shape %s is not concrete",
				f.state.values.Name(idx), shape)
		}
		buf := &memory.Buffer{
			Data:  memory.NewHostAllocator(ap.Location).Alloc(nbytes),
			Shape: shape,
			Info:  ap.Location,
		}
		f.buffers[idx] = buf
		return buf, nil

	case planner.AllocKindAllocateStatically:
		buf := f.buffers[idx]
		if buf == nil {
			return nil, errors.Errorf("statically allocated value %q was not materialized",
				f.state.values.Name(idx))
		}
		return buf, nil

	case planner.AllocKindReuse, planner.AllocKindShare:
		root := f.buffers[ap.ReusedBuffer]
		if root == nil {
			return nil, errors.Errorf("value %q reuses buffer of %q which is not produced yet",
				f.state.values.Name(idx), f.state.values.Name(ap.ReusedBuffer))
		}
		// A view over the root's bytes with this value's shape.
		buf := &memory.Buffer{Data: root.Data, Shape: shape, Info: root.Info}
		f.buffers[idx] = buf
		return buf, nil

	case planner.AllocKindAllocateOutput:
		nbytes, known := shape.Memory()
		if !known {
			return nil, errors.Errorf("cannot allocate output %q: shape %s is not concrete",
				f.state.values.Name(idx), shape)
		}
		alloc, hasCustom := f.fetchAllocators[idx]
		if !hasCustom {
			alloc = memory.NewHostAllocator(ap.Location)
		}
		buf := &memory.Buffer{Data: alloc.Alloc(nbytes), Shape: shape, Info: alloc.Info()}
		f.buffers[idx] = buf
		return buf, nil

	default:
		return nil, errors.Errorf("value %q with alloc kind %s cannot be bound as a node output",
			f.state.values.Name(idx), ap.AllocKind)
	}
}

func (f *hostFrame) Fence(idx values.ValueIndex) Fence {
	if fence := f.fences[idx]; fence != nil {
		return fence
	}
	ap := f.state.plan.AllocationPlan[idx]
	if ap.AllocKind == planner.AllocKindReuse || ap.AllocKind == planner.AllocKindShare {
		// A reused buffer shares the root's fence.
		return f.fences[ap.ReusedBuffer]
	}
	return nil
}

func (f *hostFrame) Release(idx values.ValueIndex) {
	switch f.state.plan.AllocationPlan[idx].AllocKind {
	case planner.AllocKindPreExisting, planner.AllocKindAllocateStatically, planner.AllocKindAllocateOutput:
		// Never freed by the plan.
		return
	}
	f.buffers[idx] = nil
}

func (f *hostFrame) CollectOutputs(fetchIdxs []values.ValueIndex) ([]*memory.Buffer, error) {
	outputs := make([]*memory.Buffer, len(fetchIdxs))
	for i, idx := range fetchIdxs {
		buf := f.buffers[idx]
		if buf == nil {
			return nil, errors.Errorf("output #%d (value %q) was not produced", i, f.state.values.Name(idx))
		}
		outputs[i] = buf
	}
	return outputs, nil
}
