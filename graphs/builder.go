package graphs

import (
	"sort"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/tensorun/tensorun/types/shapes"
	"github.com/tensorun/tensorun/values"
)

// Builder constructs an immutable Graph.
//
// Misuse (two producers for one value, reusing an arg name with a different
// type) is a programming error and panics with a stack trace; data-dependent
// problems (cycles) surface as errors from Build.
type Builder struct {
	name         string
	args         map[string]*NodeArg
	inputs       []*NodeArg
	initializers []*NodeArg
	initData     map[string][]byte
	outputs      []*NodeArg
	nodes        []*node
}

// NewBuilder returns a Builder for a graph with the given name.
func NewBuilder(name string) *Builder {
	return &Builder{
		name:     name,
		args:     make(map[string]*NodeArg),
		initData: make(map[string][]byte),
	}
}

// Value returns the NodeArg for the named value, creating it on first use.
// shape may be nil when unknown.
func (b *Builder) Value(name string, vtype shapes.ValueType, shape *shapes.Shape) *NodeArg {
	if name == "" {
		exceptions.Panicf("graphs.Builder(%q): value name must not be empty", b.name)
	}
	if arg, found := b.args[name]; found {
		if arg.vtype != vtype {
			exceptions.Panicf("graphs.Builder(%q): value %q redefined with type %s (was %s)",
				b.name, name, vtype, arg.vtype)
		}
		return arg
	}
	arg := &NodeArg{name: name, vtype: vtype, shape: shape, exists: true}
	b.args[name] = arg
	return arg
}

// TensorValue is shorthand for Value with a tensor type and known dimensions.
func (b *Builder) TensorValue(name string, dtype dtypes.DType, dims ...int64) *NodeArg {
	s := shapes.Make(dtype, dims...)
	return b.Value(name, shapes.TensorOf(dtype), &s)
}

// MissingArg returns a non-existing argument slot, for omitted optional
// inputs or outputs.
func (b *Builder) MissingArg() *NodeArg {
	return &NodeArg{}
}

// Input marks the arg as a graph input. Inputs are caller-owned at run time.
func (b *Builder) Input(arg *NodeArg) {
	b.inputs = append(b.inputs, arg)
}

// Initializer marks the arg as an initializer (weight) with the given raw
// little-endian content. data may be nil when only planning.
func (b *Builder) Initializer(arg *NodeArg, data []byte) {
	b.initializers = append(b.initializers, arg)
	b.initData[arg.Name()] = data
}

// Output marks the arg as a graph output.
func (b *Builder) Output(arg *NodeArg) {
	b.outputs = append(b.outputs, arg)
}

// AddNode appends a node at op-set version 1. Node indices are assigned in
// call order; Build reorders execution topologically, the indices stay
// stable.
func (b *Builder) AddNode(opType, name, providerType string, inputs, implicitInputs, outputs []*NodeArg) {
	b.AddVersionedNode(opType, 1, name, providerType, inputs, implicitInputs, outputs)
}

// AddVersionedNode appends a node authored against the given op-set version.
func (b *Builder) AddVersionedNode(opType string, opVersion int, name, providerType string, inputs, implicitInputs, outputs []*NodeArg) {
	n := &node{
		index:     len(b.nodes),
		name:      name,
		opType:    opType,
		opVersion: opVersion,
		provider:  providerType,
		inputs:    inputs,
		implicit:  implicitInputs,
		outputs:   outputs,
	}
	b.nodes = append(b.nodes, n)
}

// Build finalizes the graph: checks each value has a single producer,
// computes the dataflow edges and a deterministic topological order, and
// freezes the value registry.
func (b *Builder) Build() (*Graph, error) {
	producer := make(map[string]*node)
	for _, n := range b.nodes {
		for _, out := range n.outputs {
			if !out.Exists() {
				continue
			}
			if prev, found := producer[out.Name()]; found {
				exceptions.Panicf("graphs.Builder(%q): value %q produced by both node %q and node %q",
					b.name, out.Name(), prev.name, n.name)
			}
			producer[out.Name()] = n
		}
	}

	// Dataflow edges: one per consumed def produced within this graph.
	for _, n := range b.nodes {
		for _, in := range append(append([]*NodeArg{}, n.inputs...), n.implicit...) {
			if !in.Exists() {
				continue
			}
			p, found := producer[in.Name()]
			if !found {
				continue // graph input, initializer or outer-scope capture
			}
			p.outEdges = append(p.outEdges, Edge{To: n})
			n.inputEdges++
		}
	}
	for _, n := range b.nodes {
		sort.SliceStable(n.outEdges, func(i, j int) bool {
			return n.outEdges[i].To.Index() < n.outEdges[j].To.Index()
		})
	}

	order, err := b.topologicalOrder()
	if err != nil {
		return nil, err
	}

	g := &Graph{
		name:         b.name,
		nodes:        b.nodes,
		topoOrder:    order,
		inputs:       b.inputs,
		initializers: b.initializers,
		initData:     b.initData,
		outputs:      b.outputs,
		argsByName:   b.args,
		registry:     values.NewRegistry(),
	}
	for _, n := range b.nodes {
		if n.inputEdges == 0 {
			g.roots = append(g.roots, n.index)
		}
	}

	// Value registry: graph inputs and initializers first, then node defs in
	// index order. The ordering is arbitrary but must be stable, the indices
	// become the session's value indices.
	for _, arg := range g.InputsIncludingInitializers() {
		g.registry.Add(arg.Name())
	}
	for _, n := range b.nodes {
		for _, arg := range n.inputs {
			if arg.Exists() {
				g.registry.Add(arg.Name())
			}
		}
		for _, arg := range n.implicit {
			if arg.Exists() {
				g.registry.Add(arg.Name())
			}
		}
		for _, arg := range n.outputs {
			if arg.Exists() {
				g.registry.Add(arg.Name())
			}
		}
	}
	for _, arg := range b.outputs {
		g.registry.Add(arg.Name())
	}
	return g, nil
}

// topologicalOrder returns node indices with producers before consumers.
// Among ready nodes the lowest index goes first, so the order is
// deterministic for a given builder call sequence.
func (b *Builder) topologicalOrder() ([]int, error) {
	n := len(b.nodes)
	remaining := make([]int, n)
	for i, nd := range b.nodes {
		remaining[i] = nd.inputEdges
	}
	order := make([]int, 0, n)
	placed := make([]bool, n)
	for len(order) < n {
		next := -1
		for i := 0; i < n; i++ {
			if !placed[i] && remaining[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			return nil, errors.Errorf("graph %q has a cycle among its nodes", b.name)
		}
		placed[next] = true
		order = append(order, next)
		for _, e := range b.nodes[next].outEdges {
			remaining[e.To.Index()]--
		}
	}
	return order, nil
}

// Graph is an immutable computation graph produced by a Builder.
type Graph struct {
	name         string
	nodes        []*node
	topoOrder    []int
	roots        []int
	inputs       []*NodeArg
	initializers []*NodeArg
	initData     map[string][]byte
	outputs      []*NodeArg
	argsByName   map[string]*NodeArg
	registry     *values.Registry
}

var _ Viewer = (*Graph)(nil)

func (g *Graph) Name() string            { return g.name }
func (g *Graph) TopologicalOrder() []int { return g.topoOrder }
func (g *Graph) MaxNodeIndex() int       { return len(g.nodes) }
func (g *Graph) Inputs() []*NodeArg      { return g.inputs }

func (g *Graph) InputsIncludingInitializers() []*NodeArg {
	all := make([]*NodeArg, 0, len(g.inputs)+len(g.initializers))
	all = append(all, g.inputs...)
	all = append(all, g.initializers...)
	return all
}

func (g *Graph) Outputs() []*NodeArg { return g.outputs }

func (g *Graph) AllInitializedTensors() map[string]*NodeArg {
	m := make(map[string]*NodeArg, len(g.initializers))
	for _, arg := range g.initializers {
		m[arg.Name()] = arg
	}
	return m
}

func (g *Graph) RootNodes() []int { return g.roots }

func (g *Graph) GetNode(index int) Node {
	if index < 0 || index >= len(g.nodes) {
		return nil
	}
	return g.nodes[index]
}

func (g *Graph) Nodes() []Node {
	nodes := make([]Node, len(g.nodes))
	for i, n := range g.nodes {
		nodes[i] = n
	}
	return nodes
}

func (g *Graph) GetNodeArg(name string) *NodeArg { return g.argsByName[name] }

// ValueRegistry returns the frozen name↔index mapping for this graph's
// values.
func (g *Graph) ValueRegistry() *values.Registry { return g.registry }

// InitializerData returns the raw content of the named initializer, or nil.
func (g *Graph) InitializerData(name string) []byte { return g.initData[name] }
