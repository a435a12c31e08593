// Package graphs defines the read-only view of a computation graph consumed
// by the allocation planner and the executor, and an in-memory Builder to
// construct such graphs.
//
// The planner and executor only depend on the Viewer, Node and NodeArg
// contracts; a model loader can provide its own implementation. The Builder
// here produces an immutable Graph satisfying those contracts, with nodes in
// a deterministic topological order.
package graphs

import (
	"github.com/tensorun/tensorun/types/shapes"
)

// NodeArg is the definition site of a value: its name, logical type and
// (possibly symbolic, possibly absent) shape.
//
// A NodeArg for which Exists returns false is a hole in a node's positional
// input or output list (an omitted optional argument); it carries no value.
type NodeArg struct {
	name   string
	vtype  shapes.ValueType
	shape  *shapes.Shape
	exists bool
}

// Exists reports whether this argument slot is filled.
func (a *NodeArg) Exists() bool { return a != nil && a.exists }

// Name returns the value name.
func (a *NodeArg) Name() string { return a.name }

// Type returns the logical value type.
func (a *NodeArg) Type() shapes.ValueType { return a.vtype }

// Shape returns the declared shape, or nil if unknown.
func (a *NodeArg) Shape() *shapes.Shape { return a.shape }

// Edge is one dataflow edge leaving a node. A consumer reading two outputs
// of the same producer contributes two edges.
type Edge struct {
	// To is the consuming node.
	To Node
}

// Node is one operator in the graph.
type Node interface {
	// Index is the node's stable index, in [0, MaxNodeIndex).
	Index() int
	Name() string
	OpType() string

	// OpVersion is the op-set version the node was authored against.
	OpVersion() int

	// ExecutionProviderType names the provider this node is assigned to.
	ExecutionProviderType() string

	// InputDefs returns the positional explicit inputs. Slots may be
	// non-existing (omitted optional arguments).
	InputDefs() []*NodeArg

	// ImplicitInputDefs returns values captured from an enclosing scope
	// (e.g. a loop-body subgraph reading outer state).
	ImplicitInputDefs() []*NodeArg

	// OutputDefs returns the positional outputs.
	OutputDefs() []*NodeArg

	// InputEdgesCount returns the number of dataflow edges into this node:
	// one per input (explicit or implicit) produced by another node of the
	// same graph.
	InputEdgesCount() int

	// OutputEdges returns the edges leaving this node, ordered by consumer
	// node index. The order is part of the contract: the executor's
	// chain-inlining decision depends on it.
	OutputEdges() []Edge
}

type node struct {
	index      int
	name       string
	opType     string
	opVersion  int
	provider   string
	inputs     []*NodeArg
	implicit   []*NodeArg
	outputs    []*NodeArg
	inputEdges int
	outEdges   []Edge
}

func (n *node) Index() int                    { return n.index }
func (n *node) Name() string                  { return n.name }
func (n *node) OpType() string                { return n.opType }
func (n *node) OpVersion() int                { return n.opVersion }
func (n *node) ExecutionProviderType() string { return n.provider }
func (n *node) InputDefs() []*NodeArg         { return n.inputs }
func (n *node) ImplicitInputDefs() []*NodeArg { return n.implicit }
func (n *node) OutputDefs() []*NodeArg        { return n.outputs }
func (n *node) InputEdgesCount() int          { return n.inputEdges }
func (n *node) OutputEdges() []Edge           { return n.outEdges }

// Viewer is the read-only view of a graph consumed by planner and executor.
type Viewer interface {
	Name() string

	// TopologicalOrder returns node indices such that every producer
	// appears before all of its consumers.
	TopologicalOrder() []int

	// MaxNodeIndex returns one past the largest node index.
	MaxNodeIndex() int

	// Inputs returns the graph inputs excluding initializers.
	Inputs() []*NodeArg

	// InputsIncludingInitializers returns graph inputs and initializers.
	InputsIncludingInitializers() []*NodeArg

	// Outputs returns the graph outputs.
	Outputs() []*NodeArg

	// AllInitializedTensors returns the initializers (weights) by name.
	AllInitializedTensors() map[string]*NodeArg

	// RootNodes returns the indices of nodes with no incoming dataflow
	// edges.
	RootNodes() []int

	// GetNode returns the node at the given index, or nil.
	GetNode(index int) Node

	// Nodes returns all nodes, ordered by index.
	Nodes() []Node

	// GetNodeArg returns the NodeArg defining the named value, or nil.
	GetNodeArg(name string) *NodeArg
}
