// Package executor drives the execution of a planned graph: the parallel
// dataflow engine that dispatches ready nodes to a worker pool, and a
// sequential engine that follows the plan order and its deallocation
// schedule. Both consume the immutable ExecutionPlan produced by the
// planner and an execution frame binding value indices to buffers.
package executor

import (
	"github.com/pkg/errors"

	"github.com/tensorun/tensorun/graphs"
	"github.com/tensorun/tensorun/kernels"
	"github.com/tensorun/tensorun/planner"
	"github.com/tensorun/tensorun/providers"
	"github.com/tensorun/tensorun/values"
)

// KernelBinding is a node resolved for execution: its kernel descriptor and
// the value indices of its inputs and outputs, so no name lookups happen on
// the hot path. A missing optional argument is index -1.
type KernelBinding struct {
	Node         graphs.Node
	Def          *kernels.Def
	InputIdxs    []values.ValueIndex
	ImplicitIdxs []values.ValueIndex
	OutputIdxs   []values.ValueIndex
}

// SessionState aggregates everything needed to execute a planned graph. It
// is immutable after NewSessionState returns and may be shared by many
// concurrent executions.
type SessionState struct {
	viewer     graphs.Viewer
	values     *values.Registry
	providers  *providers.Registry
	kernels    *kernels.Registry
	plan       *planner.ExecutionPlan
	bindings   []*KernelBinding // indexed by node index
	weightData map[values.ValueIndex][]byte
}

// NewSessionState resolves every node of the graph to its kernel binding.
// weights maps initializer names to their raw little-endian content; it may
// be nil when the graph has no initializers.
func NewSessionState(viewer graphs.Viewer, valueReg *values.Registry,
	providerReg *providers.Registry, kernelReg *kernels.Registry,
	plan *planner.ExecutionPlan, weights map[string][]byte) (*SessionState, error) {
	s := &SessionState{
		viewer:     viewer,
		values:     valueReg,
		providers:  providerReg,
		kernels:    kernelReg,
		plan:       plan,
		bindings:   make([]*KernelBinding, viewer.MaxNodeIndex()),
		weightData: make(map[values.ValueIndex][]byte, len(weights)),
	}
	for name, data := range weights {
		idx, err := valueReg.Index(name)
		if err != nil {
			return nil, errors.WithMessagef(err, "initializer %q", name)
		}
		s.weightData[idx] = data
	}

	argIndices := func(args []*graphs.NodeArg) []values.ValueIndex {
		idxs := make([]values.ValueIndex, len(args))
		for i, arg := range args {
			if !arg.Exists() {
				idxs[i] = -1
				continue
			}
			idxs[i] = valueReg.MustIndex(arg.Name())
		}
		return idxs
	}

	for _, n := range viewer.Nodes() {
		def, err := kernelReg.Find(n)
		if err != nil {
			return nil, err
		}
		s.bindings[n.Index()] = &KernelBinding{
			Node:         n,
			Def:          def,
			InputIdxs:    argIndices(n.InputDefs()),
			ImplicitIdxs: argIndices(n.ImplicitInputDefs()),
			OutputIdxs:   argIndices(n.OutputDefs()),
		}
	}
	return s, nil
}

// GetKernel returns the binding for the node at the given index, or nil.
func (s *SessionState) GetKernel(nodeIndex int) *KernelBinding {
	if nodeIndex < 0 || nodeIndex >= len(s.bindings) {
		return nil
	}
	return s.bindings[nodeIndex]
}

// Viewer returns the graph being executed.
func (s *SessionState) Viewer() graphs.Viewer { return s.viewer }

// Values returns the session's value registry.
func (s *SessionState) Values() *values.Registry { return s.values }

// Plan returns the execution plan.
func (s *SessionState) Plan() *planner.ExecutionPlan { return s.plan }
