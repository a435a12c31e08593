// planprobe builds one of a few built-in demo graphs, runs the allocation
// planner over it and prints the annotated plan. With --execute it also runs
// the graph on the CPU provider and prints the outputs.
//
// Useful to eyeball how buffer reuse, weight placement and deallocation
// scheduling react to planner settings:
//
//	planprobe --graph=reshape --color
//	planprobe --graph=diamond --parallel --execute
package main

import (
	"fmt"
	"os"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/jessevdk/go-flags"
	"github.com/mitchellh/colorstring"
	"github.com/pkg/profile"

	"github.com/tensorun/tensorun/executor"
	"github.com/tensorun/tensorun/graphs"
	"github.com/tensorun/tensorun/kernels"
	cpukernels "github.com/tensorun/tensorun/kernels/cpu"
	"github.com/tensorun/tensorun/memory"
	"github.com/tensorun/tensorun/planner"
	"github.com/tensorun/tensorun/providers"
	"github.com/tensorun/tensorun/types/shapes"
	"github.com/tensorun/tensorun/types/tensors"
	"github.com/tensorun/tensorun/types/xslices"
	"github.com/tensorun/tensorun/values"
)

var opts struct {
	Graph    string `long:"graph" default:"chain" choice:"chain" choice:"diamond" choice:"reshape" description:"Demo graph to plan"`
	Parallel bool   `long:"parallel" description:"Plan for parallel execution (disables dead-buffer recycling) and execute with the parallel executor"`
	Execute  bool   `long:"execute" description:"Execute the graph on the CPU provider and print the outputs"`
	Color    bool   `long:"color" description:"Colorize the plan dump"`
	Profile  bool   `long:"profile" description:"Write a CPU profile for the run"`
}

func main() {
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}
	if opts.Profile {
		defer profile.Start(profile.ProfilePath(".")).Stop()
	}

	graph := buildDemoGraph(opts.Graph)

	providerReg := providers.NewRegistry()
	must.M(providerReg.Register(providers.NewCPU()))
	kernelReg := kernels.NewRegistry()
	must.M(cpukernels.Register(kernelReg))

	plan := must.M1(planner.CreatePlan(nil, graph, nil, providerReg, kernelReg,
		graph.ValueRegistry(), planner.NewContext(opts.Parallel)))

	if opts.Color {
		colorstring.Printf("[bold][green]== %s graph, parallel=%v ==[reset]\n", opts.Graph, opts.Parallel)
	} else {
		fmt.Printf("== %s graph, parallel=%v ==\n", opts.Graph, opts.Parallel)
	}
	fmt.Println(plan.String(graph.ValueRegistry(), graph))

	if opts.Execute {
		execute(graph, providerReg, kernelReg, plan)
	}
}

// buildDemoGraph returns one of the built-in demo graphs, all single input
// "x" and single output "y".
func buildDemoGraph(name string) *graphs.Graph {
	b := graphs.NewBuilder(name)
	switch name {
	case "chain":
		x := b.TensorValue("x", dtypes.Float32, 8)
		a := b.TensorValue("a", dtypes.Float32, 8)
		c := b.TensorValue("c", dtypes.Float32, 8)
		y := b.TensorValue("y", dtypes.Float32, 8)
		b.Input(x)
		b.AddNode("Relu", "relu0", providers.CPU, []*graphs.NodeArg{x}, nil, []*graphs.NodeArg{a})
		b.AddNode("Neg", "neg0", providers.CPU, []*graphs.NodeArg{a}, nil, []*graphs.NodeArg{c})
		b.AddNode("Relu", "relu1", providers.CPU, []*graphs.NodeArg{c}, nil, []*graphs.NodeArg{y})
		b.Output(y)

	case "diamond":
		x := b.TensorValue("x", dtypes.Float32, 8)
		a := b.TensorValue("a", dtypes.Float32, 8)
		l := b.TensorValue("l", dtypes.Float32, 8)
		r := b.TensorValue("r", dtypes.Float32, 8)
		y := b.TensorValue("y", dtypes.Float32, 8)
		b.Input(x)
		b.AddNode("Relu", "head", providers.CPU, []*graphs.NodeArg{x}, nil, []*graphs.NodeArg{a})
		b.AddNode("Neg", "left", providers.CPU, []*graphs.NodeArg{a}, nil, []*graphs.NodeArg{l})
		b.AddNode("Relu", "right", providers.CPU, []*graphs.NodeArg{a}, nil, []*graphs.NodeArg{r})
		b.AddNode("Add", "join", providers.CPU, []*graphs.NodeArg{l, r}, nil, []*graphs.NodeArg{y})
		b.Output(y)

	case "reshape":
		x := b.TensorValue("x", dtypes.Float32, 2, 4)
		flat := b.TensorValue("flat", dtypes.Float32, 8)
		w := b.TensorValue("w", dtypes.Float16, 8)
		y := b.TensorValue("y", dtypes.Float32, 8)
		b.Input(x)
		wShape := shapes.Make(dtypes.Float16, 8)
		wBuf := tensors.FromFloat32(xslices.Iota[float32](1, 8), wShape, memory.Info{Name: "Cpu", Device: "cpu"})
		b.Initializer(w, wBuf.Data)
		b.AddNode("Reshape", "reshape0", providers.CPU, []*graphs.NodeArg{x}, nil, []*graphs.NodeArg{flat})
		b.AddNode("Add", "add0", providers.CPU, []*graphs.NodeArg{flat, w}, nil, []*graphs.NodeArg{y})
		b.Output(y)
	}
	return must.M1(b.Build())
}

func execute(graph *graphs.Graph, providerReg *providers.Registry, kernelReg *kernels.Registry,
	plan *planner.ExecutionPlan) {
	weights := make(map[string][]byte)
	for name := range graph.AllInitializedTensors() {
		weights[name] = graph.InitializerData(name)
	}
	state := must.M1(executor.NewSessionState(graph, graph.ValueRegistry(), providerReg, kernelReg, plan, weights))

	reg := graph.ValueRegistry()
	xArg := graph.Inputs()[0]
	feed := tensors.FromFloat32(xslices.Iota[float32](-3, 8), *xArg.Shape(), providerReg.DefaultCPUInfo())
	feedIdxs := []values.ValueIndex{reg.MustIndex(xArg.Name())}
	fetchIdxs := xslices.Map(graph.Outputs(), func(arg *graphs.NodeArg) values.ValueIndex {
		return reg.MustIndex(arg.Name())
	})

	var fetches []*memory.Buffer
	if opts.Parallel {
		exec := executor.NewParallel(state)
		defer exec.Close()
		must.M(exec.Execute(feedIdxs, []*memory.Buffer{feed}, fetchIdxs, &fetches, nil))
	} else {
		exec := executor.NewSequential(state)
		must.M(exec.Execute(feedIdxs, []*memory.Buffer{feed}, fetchIdxs, &fetches, nil))
	}

	for i, out := range fetches {
		fmt.Printf("output %s = %v\n", graph.Outputs()[i].Name(), tensors.ToFloat32(out))
	}
}
