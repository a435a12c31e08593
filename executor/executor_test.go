package executor_test

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tensorun/tensorun/executor"
	"github.com/tensorun/tensorun/graphs"
	"github.com/tensorun/tensorun/kernels"
	cpukernels "github.com/tensorun/tensorun/kernels/cpu"
	"github.com/tensorun/tensorun/memory"
	"github.com/tensorun/tensorun/planner"
	"github.com/tensorun/tensorun/providers"
	"github.com/tensorun/tensorun/types/shapes"
	"github.com/tensorun/tensorun/types/tensors"
	"github.com/tensorun/tensorun/values"
)

const accelProviderType = "accel"

type accelProvider struct{}

func (accelProvider) Type() string { return accelProviderType }

func (accelProvider) Allocator(deviceID int, memType memory.MemType) memory.Allocator {
	if memType == memory.TypeCPUInput || memType == memory.TypeCPUOutput {
		return memory.NewHostAllocator(memory.Info{Name: "Cpu", Device: "cpu", DeviceID: 0, MemType: memType})
	}
	return memory.NewHostAllocator(memory.Info{Name: "Accel", Device: "accel", DeviceID: deviceID, MemType: memType})
}

// passThrough returns a compute function that copies input 0 to output 0 and
// records the node name.
func passThrough(mu *sync.Mutex, record *[]string) kernels.ComputeFunc {
	return func(ctx kernels.ComputeContext) error {
		mu.Lock()
		*record = append(*record, ctx.Node().Name())
		mu.Unlock()
		in := ctx.Input(0)
		out, err := ctx.Output(0, in.Shape)
		if err != nil {
			return err
		}
		copy(out.Data, in.Data)
		return nil
	}
}

func newSession(t *testing.T, g *graphs.Graph, provReg *providers.Registry,
	kernelReg *kernels.Registry, parallel bool) (*executor.SessionState, *planner.ExecutionPlan) {
	t.Helper()
	p, err := planner.CreatePlan(nil, g, nil, provReg, kernelReg, g.ValueRegistry(), planner.NewContext(parallel))
	require.NoError(t, err)
	weights := make(map[string][]byte)
	for name := range g.AllInitializedTensors() {
		weights[name] = g.InitializerData(name)
	}
	state, err := executor.NewSessionState(g, g.ValueRegistry(), provReg, kernelReg, p, weights)
	require.NoError(t, err)
	return state, p
}

func cpuOnlyRegistry(t *testing.T) *providers.Registry {
	t.Helper()
	provReg := providers.NewRegistry()
	require.NoError(t, provReg.Register(providers.NewCPU()))
	return provReg
}

func feedFetch(t *testing.T, g *graphs.Graph) (feedIdxs []values.ValueIndex, fetchIdxs []values.ValueIndex) {
	t.Helper()
	reg := g.ValueRegistry()
	for _, arg := range g.Inputs() {
		feedIdxs = append(feedIdxs, reg.MustIndex(arg.Name()))
	}
	for _, arg := range g.Outputs() {
		fetchIdxs = append(fetchIdxs, reg.MustIndex(arg.Name()))
	}
	return
}

func buildDiamond(t *testing.T, opType string) *graphs.Graph {
	t.Helper()
	b := graphs.NewBuilder("diamond")
	x := b.TensorValue("x", dtypes.Float32, 4)
	a := b.TensorValue("a", dtypes.Float32, 4)
	l := b.TensorValue("l", dtypes.Float32, 4)
	r := b.TensorValue("r", dtypes.Float32, 4)
	y := b.TensorValue("y", dtypes.Float32, 4)
	b.Input(x)
	b.AddNode(opType, "head", providers.CPU, []*graphs.NodeArg{x}, nil, []*graphs.NodeArg{a})
	b.AddNode(opType, "left", providers.CPU, []*graphs.NodeArg{a}, nil, []*graphs.NodeArg{l})
	b.AddNode(opType, "right", providers.CPU, []*graphs.NodeArg{a}, nil, []*graphs.NodeArg{r})
	b.AddNode("Join", "join", providers.CPU, []*graphs.NodeArg{l, r}, nil, []*graphs.NodeArg{y})
	b.Output(y)
	g, err := b.Build()
	require.NoError(t, err)
	return g
}

func TestParallel_Diamond(t *testing.T) {
	var mu sync.Mutex
	var record []string

	kernelReg := kernels.NewRegistry()
	require.NoError(t, kernelReg.Register(
		kernels.NewDef("Track").Provider(providers.CPU).ComputeFn(passThrough(&mu, &record)).Build()))
	require.NoError(t, kernelReg.Register(
		kernels.NewDef("Join").Provider(providers.CPU).ComputeFn(passThrough(&mu, &record)).Build()))

	g := buildDiamond(t, "Track")
	state, _ := newSession(t, g, cpuOnlyRegistry(t), kernelReg, true)
	exec := executor.NewParallel(state)
	defer exec.Close()

	feedIdxs, fetchIdxs := feedFetch(t, g)
	feed := tensors.FromFloat32([]float32{1, 2, 3, 4}, shapes.Make(dtypes.Float32, 4), memory.Info{Name: "Cpu", Device: "cpu"})
	var fetches []*memory.Buffer
	require.NoError(t, exec.Execute(feedIdxs, []*memory.Buffer{feed}, fetchIdxs, &fetches, nil))

	require.Len(t, record, 4, "each kernel runs exactly once")
	assert.Equal(t, "head", record[0])
	assert.Equal(t, "join", record[3], "join runs only after both branches")
	assert.ElementsMatch(t, []string{"head", "left", "right", "join"}, record)

	require.Len(t, fetches, 1)
	assert.Equal(t, []float32{1, 2, 3, 4}, tensors.ToFloat32(fetches[0]))
}

func buildChain(t *testing.T) *graphs.Graph {
	t.Helper()
	b := graphs.NewBuilder("chain")
	x := b.TensorValue("x", dtypes.Float32, 4)
	a := b.TensorValue("a", dtypes.Float32, 4)
	c := b.TensorValue("c", dtypes.Float32, 4)
	y := b.TensorValue("y", dtypes.Float32, 4)
	b.Input(x)
	b.AddNode("Relu", "relu0", providers.CPU, []*graphs.NodeArg{x}, nil, []*graphs.NodeArg{a})
	b.AddNode("Neg", "neg0", providers.CPU, []*graphs.NodeArg{a}, nil, []*graphs.NodeArg{c})
	b.AddNode("Relu", "relu1", providers.CPU, []*graphs.NodeArg{c}, nil, []*graphs.NodeArg{y})
	b.Output(y)
	g, err := b.Build()
	require.NoError(t, err)
	return g
}

func TestParallelMatchesSequential(t *testing.T) {
	kernelReg := kernels.NewRegistry()
	require.NoError(t, cpukernels.Register(kernelReg))

	input := []float32{-2, -1, 3, 4}
	want := []float32{0, 0, 0, 0} // relu(neg(relu(x))): negated non-negatives are non-positive, so all zeros
	shape := shapes.Make(dtypes.Float32, 4)
	info := memory.Info{Name: "Cpu", Device: "cpu"}

	// Sequential plan and executor (with dead-buffer recycling and the
	// deallocation schedule applied).
	g := buildChain(t)
	state, _ := newSession(t, g, cpuOnlyRegistry(t), kernelReg, false)
	seq := executor.NewSequential(state)
	feedIdxs, fetchIdxs := feedFetch(t, g)
	var seqOut []*memory.Buffer
	require.NoError(t, seq.Execute(feedIdxs, []*memory.Buffer{tensors.FromFloat32(input, shape, info)},
		fetchIdxs, &seqOut, nil))

	// Parallel plan and executor.
	g2 := buildChain(t)
	state2, _ := newSession(t, g2, cpuOnlyRegistry(t), kernelReg, true)
	par := executor.NewParallel(state2)
	defer par.Close()
	feedIdxs2, fetchIdxs2 := feedFetch(t, g2)
	var parOut []*memory.Buffer
	require.NoError(t, par.Execute(feedIdxs2, []*memory.Buffer{tensors.FromFloat32(input, shape, info)},
		fetchIdxs2, &parOut, nil))

	require.Len(t, seqOut, 1)
	require.Len(t, parOut, 1)
	assert.Equal(t, want, tensors.ToFloat32(seqOut[0]))
	assert.Equal(t, tensors.ToFloat32(seqOut[0]), tensors.ToFloat32(parOut[0]))
}

func TestParallel_KernelError(t *testing.T) {
	var mu sync.Mutex
	var record []string

	kernelReg := kernels.NewRegistry()
	require.NoError(t, kernelReg.Register(
		kernels.NewDef("Boom").Provider(providers.CPU).ComputeFn(func(ctx kernels.ComputeContext) error {
			return errors.New("kaboom")
		}).Build()))
	require.NoError(t, kernelReg.Register(
		kernels.NewDef("Track").Provider(providers.CPU).ComputeFn(passThrough(&mu, &record)).Build()))

	b := graphs.NewBuilder("fails")
	x := b.TensorValue("x", dtypes.Float32, 4)
	a := b.TensorValue("a", dtypes.Float32, 4)
	y := b.TensorValue("y", dtypes.Float32, 4)
	b.Input(x)
	b.AddNode("Boom", "boom0", providers.CPU, []*graphs.NodeArg{x}, nil, []*graphs.NodeArg{a})
	b.AddNode("Track", "downstream", providers.CPU, []*graphs.NodeArg{a}, nil, []*graphs.NodeArg{y})
	b.Output(y)
	g, err := b.Build()
	require.NoError(t, err)

	state, _ := newSession(t, g, cpuOnlyRegistry(t), kernelReg, true)
	exec := executor.NewParallel(state)
	defer exec.Close()

	feedIdxs, fetchIdxs := feedFetch(t, g)
	feed := tensors.FromFloat32([]float32{1, 2, 3, 4}, shapes.Make(dtypes.Float32, 4), memory.Info{Name: "Cpu", Device: "cpu"})
	var fetches []*memory.Buffer
	err = exec.Execute(feedIdxs, []*memory.Buffer{feed}, fetchIdxs, &fetches, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `compute failed for node "boom0"`)
	assert.Contains(t, err.Error(), "kaboom")
	assert.Empty(t, record, "a failing branch never unblocks its successors")
}

func TestParallel_MultipleErrors(t *testing.T) {
	// Both kernels block until both have started, so neither failure can
	// trigger the fail-fast skip of the other root's enqueue.
	var startedMu sync.Mutex
	started := 0
	gate := make(chan struct{})

	kernelReg := kernels.NewRegistry()
	require.NoError(t, kernelReg.Register(
		kernels.NewDef("Boom").Provider(providers.CPU).ComputeFn(func(ctx kernels.ComputeContext) error {
			startedMu.Lock()
			started++
			if started == 2 {
				close(gate)
			}
			startedMu.Unlock()
			<-gate
			return errors.Errorf("kaboom at %s", ctx.Node().Name())
		}).Build()))

	// Two independent roots, both failing: both are enqueued before any
	// error is recorded, so both failures are collected and aggregated.
	b := graphs.NewBuilder("tworoots")
	x := b.TensorValue("x", dtypes.Float32, 4)
	u := b.TensorValue("u", dtypes.Float32, 4)
	v := b.TensorValue("v", dtypes.Float32, 4)
	b.Input(x)
	b.AddNode("Boom", "boomA", providers.CPU, []*graphs.NodeArg{x}, nil, []*graphs.NodeArg{u})
	b.AddNode("Boom", "boomB", providers.CPU, []*graphs.NodeArg{x}, nil, []*graphs.NodeArg{v})
	b.Output(u)
	b.Output(v)
	g, err := b.Build()
	require.NoError(t, err)

	state, _ := newSession(t, g, cpuOnlyRegistry(t), kernelReg, true)
	exec := executor.NewParallel(state)
	defer exec.Close()

	feedIdxs, fetchIdxs := feedFetch(t, g)
	feed := tensors.FromFloat32([]float32{1, 2, 3, 4}, shapes.Make(dtypes.Float32, 4), memory.Info{Name: "Cpu", Device: "cpu"})
	var fetches []*memory.Buffer
	err = exec.Execute(feedIdxs, []*memory.Buffer{feed}, fetchIdxs, &fetches, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "multiple errors were found")
	assert.Contains(t, err.Error(), "boomA")
	assert.Contains(t, err.Error(), "boomB")
}

func TestParallel_Terminate(t *testing.T) {
	var mu sync.Mutex
	var record []string
	kernelReg := kernels.NewRegistry()
	require.NoError(t, kernelReg.Register(
		kernels.NewDef("Track").Provider(providers.CPU).ComputeFn(passThrough(&mu, &record)).Build()))

	b := graphs.NewBuilder("terminated")
	x := b.TensorValue("x", dtypes.Float32, 4)
	y := b.TensorValue("y", dtypes.Float32, 4)
	b.Input(x)
	b.AddNode("Track", "n0", providers.CPU, []*graphs.NodeArg{x}, nil, []*graphs.NodeArg{y})
	b.Output(y)
	g, err := b.Build()
	require.NoError(t, err)

	var terminate atomic.Bool
	terminate.Store(true)

	state, _ := newSession(t, g, cpuOnlyRegistry(t), kernelReg, true)
	exec := executor.NewParallel(state, executor.WithTerminateFlag(&terminate))
	defer exec.Close()

	feedIdxs, fetchIdxs := feedFetch(t, g)
	feed := tensors.FromFloat32([]float32{1, 2, 3, 4}, shapes.Make(dtypes.Float32, 4), memory.Info{Name: "Cpu", Device: "cpu"})
	var fetches []*memory.Buffer
	err = exec.Execute(feedIdxs, []*memory.Buffer{feed}, fetchIdxs, &fetches, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, executor.ErrTerminated))
	assert.Empty(t, record, "in-flight chains abort before invoking kernels")
}

// recordingFence appends every call to a shared event log.
type recordingFence struct {
	name   string
	mu     *sync.Mutex
	events *[]string
}

func (f *recordingFence) log(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	*f.events = append(*f.events, fmt.Sprintf(format, args...))
}

func (f *recordingFence) BeforeUsingAsInput(providerType string, queueID int) {
	f.log("beforeIn(%s,%s,q%d)", f.name, providerType, queueID)
}
func (f *recordingFence) BeforeUsingAsOutput(providerType string, queueID int) {
	f.log("beforeOut(%s,%s,q%d)", f.name, providerType, queueID)
}
func (f *recordingFence) AfterUsedAsInput(queueID int) {
	f.log("afterIn(%s,q%d)", f.name, queueID)
}
func (f *recordingFence) AfterUsedAsOutput(queueID int) {
	f.log("afterOut(%s,q%d)", f.name, queueID)
}

func TestParallel_Fences(t *testing.T) {
	var mu sync.Mutex
	var record []string
	var events []string

	kernelReg := kernels.NewRegistry()
	require.NoError(t, kernelReg.Register(
		kernels.NewDef("AsyncOp").Provider(accelProviderType).ExecQueueID(1).
			ComputeFn(passThrough(&mu, &record)).Build()))
	require.NoError(t, kernelReg.Register(
		kernels.NewDef("Track").Provider(providers.CPU).ComputeFn(passThrough(&mu, &record)).Build()))

	provReg := cpuOnlyRegistry(t)
	require.NoError(t, provReg.Register(accelProvider{}))

	b := graphs.NewBuilder("fenced")
	x := b.TensorValue("x", dtypes.Float32, 4)
	a := b.TensorValue("a", dtypes.Float32, 4)
	y := b.TensorValue("y", dtypes.Float32, 4)
	b.Input(x)
	b.AddNode("AsyncOp", "async", accelProviderType, []*graphs.NodeArg{x}, nil, []*graphs.NodeArg{a})
	b.AddNode("Track", "sink", providers.CPU, []*graphs.NodeArg{a}, nil, []*graphs.NodeArg{y})
	b.Output(y)
	g, err := b.Build()
	require.NoError(t, err)

	state, _ := newSession(t, g, provReg, kernelReg, true)
	reg := g.ValueRegistry()
	factory := func(idx values.ValueIndex) executor.Fence {
		return &recordingFence{name: reg.Name(idx), mu: &mu, events: &events}
	}
	exec := executor.NewParallel(state, executor.WithFenceFactory(factory))
	defer exec.Close()

	feedIdxs, fetchIdxs := feedFetch(t, g)
	feed := tensors.FromFloat32([]float32{1, 2, 3, 4}, shapes.Make(dtypes.Float32, 4), memory.Info{Name: "Cpu", Device: "cpu"})
	var fetches []*memory.Buffer
	require.NoError(t, exec.Execute(feedIdxs, []*memory.Buffer{feed}, fetchIdxs, &fetches, nil))

	// The async node fences x and a on queue 1; the CPU sink fences a on
	// its own queue 0. Post-compute fences of the producer happen before
	// the consumer's pre-compute fences.
	assert.Equal(t, []string{
		"beforeIn(x,accel,q1)",
		"beforeOut(a,accel,q1)",
		"afterIn(x,q1)",
		"afterOut(a,q1)",
		"beforeIn(a,cpu,q0)",
		"afterIn(a,q0)",
	}, events)
}

func TestFrame_BindingAndRelease(t *testing.T) {
	kernelReg := kernels.NewRegistry()
	require.NoError(t, cpukernels.Register(kernelReg))
	g := buildChain(t)
	state, _ := newSession(t, g, cpuOnlyRegistry(t), kernelReg, false)

	reg := g.ValueRegistry()
	xIdx := reg.MustIndex("x")
	aIdx := reg.MustIndex("a")

	feed := tensors.FromFloat32([]float32{1, 2, 3, 4}, shapes.Make(dtypes.Float32, 4), memory.Info{Name: "Cpu", Device: "cpu"})
	frame, err := executor.NewFrame(state, []values.ValueIndex{xIdx}, []*memory.Buffer{feed}, nil, nil)
	require.NoError(t, err)

	assert.Same(t, feed, frame.Buffer(xIdx), "feeds bind to their PreExisting slot")
	assert.Nil(t, frame.Buffer(aIdx))

	buf, err := frame.BindOutput(aIdx, shapes.Make(dtypes.Float32, 4))
	require.NoError(t, err)
	require.NotNil(t, buf)
	assert.Len(t, buf.Data, 16)
	assert.Same(t, buf, frame.Buffer(aIdx))

	frame.Release(aIdx)
	assert.Nil(t, frame.Buffer(aIdx))

	// PreExisting slots survive Release.
	frame.Release(xIdx)
	assert.Same(t, feed, frame.Buffer(xIdx))
}

func TestFrame_MaterializesWeights(t *testing.T) {
	kernelReg := kernels.NewRegistry()
	require.NoError(t, cpukernels.Register(kernelReg))

	b := graphs.NewBuilder("weighted")
	x := b.TensorValue("x", dtypes.Float32, 4)
	w := b.TensorValue("w", dtypes.Float32, 4)
	y := b.TensorValue("y", dtypes.Float32, 4)
	b.Input(x)
	wData := tensors.FromFloat32([]float32{10, 20, 30, 40}, shapes.Make(dtypes.Float32, 4), memory.Info{Name: "Cpu", Device: "cpu"})
	b.Initializer(w, wData.Data)
	b.AddNode("Add", "add0", providers.CPU, []*graphs.NodeArg{x, w}, nil, []*graphs.NodeArg{y})
	b.Output(y)
	g, err := b.Build()
	require.NoError(t, err)

	state, _ := newSession(t, g, cpuOnlyRegistry(t), kernelReg, false)
	seq := executor.NewSequential(state)
	feedIdxs, fetchIdxs := feedFetch(t, g)
	feed := tensors.FromFloat32([]float32{1, 2, 3, 4}, shapes.Make(dtypes.Float32, 4), memory.Info{Name: "Cpu", Device: "cpu"})
	var fetches []*memory.Buffer
	require.NoError(t, seq.Execute(feedIdxs, []*memory.Buffer{feed}, fetchIdxs, &fetches, nil))
	require.Len(t, fetches, 1)
	assert.Equal(t, []float32{11, 22, 33, 44}, tensors.ToFloat32(fetches[0]))
}
