// Package planner turns a topologically ordered computation graph into an
// execution plan: the order operator nodes run in, per-value memory
// placement and ownership, buffer-sharing decisions, per-node fence flags,
// and a per-step deallocation schedule.
//
// The plan is the planner's contract with the executor: it is immutable
// once CreatePlan returns, and everything the executor needs to know about
// memory lifetime is in it.
package planner

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/tensorun/tensorun/graphs"
	"github.com/tensorun/tensorun/memory"
	"github.com/tensorun/tensorun/types/shapes"
	"github.com/tensorun/tensorun/values"
)

// AllocKind describes how the buffer of a value is obtained and who owns it.
type AllocKind int

const (
	// AllocKindAllocate is a fresh allocation at first use, released per the
	// deallocation schedule.
	AllocKindAllocate AllocKind = iota

	// AllocKindAllocateStatically marks a weight/initializer that lives for
	// the session lifetime.
	AllocKindAllocateStatically

	// AllocKindPreExisting marks a caller-supplied buffer (graph input or
	// outer-scope capture); never reused, never freed by the plan.
	AllocKindPreExisting

	// AllocKindReuse shares the buffer of another value, by aliasing
	// contract, in-place last-use, or dead-buffer recycling.
	AllocKindReuse

	// AllocKindAllocateOutput is produced into a caller-provided output
	// slot; never reused.
	AllocKindAllocateOutput

	// AllocKindShare is the loop-body pass-through: an Identity inside a
	// Loop body reuses a PreExisting input directly, so the caller-owned
	// buffer flows through the loop state without a copy.
	AllocKindShare
)

func (k AllocKind) String() string {
	switch k {
	case AllocKindAllocate:
		return "Allocate"
	case AllocKindAllocateStatically:
		return "AllocateStatically"
	case AllocKindPreExisting:
		return "PreExisting"
	case AllocKindReuse:
		return "Reuse"
	case AllocKindAllocateOutput:
		return "AllocateOutput"
	case AllocKindShare:
		return "Share"
	}
	return fmt.Sprintf("AllocKind(%d)", int(k))
}

// AllocPlanPerValue is the allocation decision for one value.
type AllocPlanPerValue struct {
	AllocKind AllocKind

	// ReusedBuffer is the root buffer index when AllocKind is Reuse or
	// Share, otherwise the value's own index.
	ReusedBuffer values.ValueIndex

	// Location is where the buffer lives.
	Location memory.Info

	// ValueType is the logical type of the value.
	ValueType shapes.ValueType

	// CreateFenceIfAsync is set when the value is touched by a kernel
	// executing on a non-default device queue, so the executor must insert
	// synchronization fences around uses of the buffer.
	CreateFenceIfAsync bool
}

// NodeExecutionPlan is one step of the execution order, together with the
// range of ToBeFreed entries that may be released once the step completes.
// An empty range is encoded as FreeFromIndex > FreeToIndex.
type NodeExecutionPlan struct {
	NodeIndex     int
	FreeFromIndex int
	FreeToIndex   int
}

// HasValuesToFree reports whether any buffer is released after this step.
func (s NodeExecutionPlan) HasValuesToFree() bool { return s.FreeFromIndex <= s.FreeToIndex }

// ExecutionPlan is the planner's output.
type ExecutionPlan struct {
	// Steps is the node execution order with per-step free ranges.
	Steps []NodeExecutionPlan

	// AllocationPlan has one entry per value, indexed by ValueIndex.
	AllocationPlan []AllocPlanPerValue

	// ToBeFreed is the flat list of value indices the per-step free ranges
	// index into. Each value appears at most once.
	ToBeFreed []values.ValueIndex

	// NodeHasFence is indexed by node index; true when any value the node
	// touches, after buffer-reuse resolution, requires device fences.
	NodeHasFence []bool
}

// Context supplies planner inputs that depend on the surrounding session:
// shape information for node args and whether the executor will run nodes in
// parallel (which disables dead-buffer recycling).
type Context interface {
	// GetShape returns the shape of the arg, or nil if unknown.
	GetShape(arg *graphs.NodeArg) *shapes.Shape

	IsParallelExecutionEnabled() bool
}

type defaultContext struct {
	parallel bool
}

// NewContext returns a Context that reads shapes from the args themselves.
func NewContext(parallelExecution bool) Context {
	return &defaultContext{parallel: parallelExecution}
}

func (c *defaultContext) GetShape(arg *graphs.NodeArg) *shapes.Shape {
	if !arg.Exists() {
		return nil
	}
	return arg.Shape()
}

func (c *defaultContext) IsParallelExecutionEnabled() bool { return c.parallel }

// String renders the plan in two sections, the per-value allocation plan and
// the execution order with its free lists, followed by a short memory
// summary. Intended for debugging and the planprobe tool.
func (p *ExecutionPlan) String(reg *values.Registry, viewer graphs.Viewer) string {
	var sb strings.Builder
	sb.WriteString("Allocation Plan:\n")
	sb.WriteString("(value_idx) name : <allocation plan>\n")

	var staticBytes, freshBytes uint64
	for idx, name := range reg.Names() {
		ap := p.AllocationPlan[idx]
		sb.WriteString(fmt.Sprintf("(%d) %s : %s", idx, name, ap.AllocKind))
		if ap.AllocKind == AllocKindReuse || ap.AllocKind == AllocKindShare {
			sb.WriteString(fmt.Sprintf(" %d", ap.ReusedBuffer))
		}
		sb.WriteString(", " + ap.Location.String())
		if ap.CreateFenceIfAsync {
			sb.WriteString(", use fence when async")
		}
		sb.WriteString("\n")

		if arg := viewer.GetNodeArg(name); arg.Exists() && arg.Shape() != nil {
			if bytes, known := arg.Shape().Memory(); known {
				switch ap.AllocKind {
				case AllocKindAllocateStatically:
					staticBytes += uint64(bytes)
				case AllocKindAllocate:
					freshBytes += uint64(bytes)
				}
			}
		}
	}

	sb.WriteString("\nExecution Plan:\n")
	for i, step := range p.Steps {
		n := viewer.GetNode(step.NodeIndex)
		sb.WriteString(fmt.Sprintf("[%d] %s (%s)\n", i, n.OpType(), n.Name()))
		if step.HasValuesToFree() {
			freed := make([]string, 0, step.FreeToIndex-step.FreeFromIndex+1)
			for j := step.FreeFromIndex; j <= step.FreeToIndex; j++ {
				freedIdx := p.ToBeFreed[j]
				freed = append(freed, fmt.Sprintf("(%d) %s", freedIdx, reg.Name(freedIdx)))
			}
			sb.WriteString("Free values: " + strings.Join(freed, ", ") + "\n")
		}
	}

	sb.WriteString(fmt.Sprintf("\nStatic (weights): %s, fresh allocations: %s\n",
		humanize.Bytes(staticBytes), humanize.Bytes(freshBytes)))
	return sb.String()
}
