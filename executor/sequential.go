package executor

import (
	"sync/atomic"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tensorun/tensorun/memory"
	"github.com/tensorun/tensorun/values"
)

// Sequential executes the plan steps strictly in order and honors the
// per-step deallocation schedule, releasing dead buffers as soon as the
// planner said they may be. It pairs with plans created with dead-buffer
// recycling enabled (parallel execution disabled).
type Sequential struct {
	state        *SessionState
	terminate    *atomic.Bool
	fenceFactory FenceFactory
}

// SequentialOption configures a Sequential executor.
type SequentialOption func(*Sequential)

// WithSequentialTerminateFlag installs a cooperative cancellation flag,
// observed before each step.
func WithSequentialTerminateFlag(flag *atomic.Bool) SequentialOption {
	return func(e *Sequential) { e.terminate = flag }
}

// WithSequentialFenceFactory installs the factory creating fences for
// values the plan flags as async.
func WithSequentialFenceFactory(factory FenceFactory) SequentialOption {
	return func(e *Sequential) { e.fenceFactory = factory }
}

// NewSequential returns a sequential executor over the session state.
func NewSequential(state *SessionState, options ...SequentialOption) *Sequential {
	e := &Sequential{state: state}
	for _, opt := range options {
		opt(e)
	}
	return e
}

// Execute runs the plan steps in order. See Parallel.Execute for the
// parameter contract.
func (e *Sequential) Execute(feedIdxs []values.ValueIndex, feeds []*memory.Buffer,
	fetchIdxs []values.ValueIndex, fetches *[]*memory.Buffer,
	fetchAllocators map[values.ValueIndex]memory.Allocator) error {
	frame, err := NewFrame(e.state, feedIdxs, feeds, fetchAllocators, e.fenceFactory)
	if err != nil {
		return err
	}

	plan := e.state.plan
	for _, step := range plan.Steps {
		if e.terminate != nil && e.terminate.Load() {
			return errors.WithStack(ErrTerminated)
		}

		binding := e.state.GetKernel(step.NodeIndex)
		if binding == nil {
			return errors.Errorf("no kernel bound for node %d", step.NodeIndex)
		}
		ctx := newNodeContext(binding, frame)

		if plan.NodeHasFence[step.NodeIndex] {
			applyPreFences(binding, frame)
		}
		klog.V(2).Infof("computing kernel: %s", binding.Node.Name())
		if err := binding.Def.Compute(ctx); err != nil {
			return errors.WithMessagef(err, "compute failed for node %q", binding.Node.Name())
		}
		if plan.NodeHasFence[step.NodeIndex] {
			applyPostFences(binding, frame)
		}

		// Release the buffers whose last use was this step.
		if step.HasValuesToFree() {
			for j := step.FreeFromIndex; j <= step.FreeToIndex; j++ {
				frame.Release(plan.ToBeFreed[j])
			}
		}
	}

	outputs, err := frame.CollectOutputs(fetchIdxs)
	if err != nil {
		return err
	}
	*fetches = outputs
	return nil
}
