package planner

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tensorun/tensorun/graphs"
	"github.com/tensorun/tensorun/kernels"
	"github.com/tensorun/tensorun/memory"
	"github.com/tensorun/tensorun/providers"
	"github.com/tensorun/tensorun/types/shapes"
	"github.com/tensorun/tensorun/values"
)

// CreatePlan runs the sequential allocation planner over the graph and
// returns the resulting immutable ExecutionPlan.
//
// parentNode is the node owning this graph when it is a subgraph (a Loop or
// If body), or nil for the main graph. outerScopeArgs are the values the
// subgraph captures from its enclosing scope; they are treated like graph
// inputs. valueMap must already contain every value name the graph touches.
func CreatePlan(parentNode graphs.Node, viewer graphs.Viewer, outerScopeArgs []*graphs.NodeArg,
	providerRegistry *providers.Registry, kernelRegistry *kernels.Registry,
	valueMap *values.Registry, context Context) (*ExecutionPlan, error) {
	impl := &plannerImpl{
		context:        context,
		parentNode:     parentNode,
		viewer:         viewer,
		outerScopeArgs: outerScopeArgs,
		providers:      providerRegistry,
		kernels:        kernelRegistry,
		valueMap:       valueMap,
		plan:           &ExecutionPlan{},
	}
	if err := impl.createPlan(); err != nil {
		return nil, err
	}
	return impl.plan, nil
}

// valueInfo is auxiliary per-value state used only during plan generation.
type valueInfo struct {
	// defSite is the unique NodeArg that defines the value.
	defSite *graphs.NodeArg

	// useCount is the static reference count of the value. During the reuse
	// pass counts migrate to buffer roots, so a root's count is the number
	// of outstanding consumers of the underlying buffer across all aliased
	// views.
	useCount int

	// reusedBufferIndex is the value's buffer root; initially itself.
	reusedBufferIndex values.ValueIndex
}

// freeBufferInfo records that a buffer root becomes free once the step at
// deallocPoint completes.
type freeBufferInfo struct {
	value        values.ValueIndex
	deallocPoint int
}

type plannerImpl struct {
	context        Context
	plan           *ExecutionPlan
	parentNode     graphs.Node
	viewer         graphs.Viewer
	outerScopeArgs []*graphs.NodeArg
	providers      *providers.Registry
	kernels        *kernels.Registry
	valueMap       *values.Registry

	valueInfo []valueInfo

	// freelist holds buffers free to be recycled, in ascending deallocation
	// order. findReusableTensor scans it newest-first; the deallocation
	// scheduler walks it front to back.
	freelist []freeBufferInfo
}

func (p *plannerImpl) createPlan() error {
	order := p.viewer.TopologicalOrder()
	numValues := p.valueMap.Len()
	p.initialize(len(order), numValues)

	// Execution order is the graph's default topological order; no
	// re-ordering for peak memory.
	for _, nodeIdx := range order {
		p.plan.Steps = append(p.plan.Steps, NodeExecutionPlan{
			NodeIndex:     nodeIdx,
			FreeFromIndex: 0,
			FreeToIndex:   -1,
		})
	}

	if err := p.computeUseCounts(); err != nil {
		return err
	}
	if err := p.computeReusePlan(); err != nil {
		return err
	}
	// Fences must be computed after reuse: a fence on a root propagates to
	// every view of its buffer.
	if err := p.computeFenceCheck(); err != nil {
		return err
	}
	p.generateDeallocationPlan()

	klog.V(1).Infof("planner: %d steps, %d values, %d to be freed", len(p.plan.Steps), numValues, len(p.plan.ToBeFreed))
	return nil
}

func (p *plannerImpl) initialize(numNodes, numValues int) {
	p.valueInfo = make([]valueInfo, numValues)
	p.plan.Steps = make([]NodeExecutionPlan, 0, numNodes)
	p.plan.AllocationPlan = make([]AllocPlanPerValue, numValues)
	p.plan.NodeHasFence = make([]bool, p.viewer.MaxNodeIndex())
	for i := range p.plan.AllocationPlan {
		p.plan.AllocationPlan[i].ReusedBuffer = values.ValueIndex(i)
	}
}

func (p *plannerImpl) index(name string) values.ValueIndex {
	return p.valueMap.MustIndex(name)
}

func (p *plannerImpl) useCount(n values.ValueIndex) *int {
	p.checkRange(n)
	return &p.valueInfo[n].useCount
}

// buffer returns a pointer to the value's buffer-root index.
func (p *plannerImpl) buffer(n values.ValueIndex) *values.ValueIndex {
	p.checkRange(n)
	return &p.valueInfo[n].reusedBufferIndex
}

func (p *plannerImpl) allocPlan(n values.ValueIndex) *AllocPlanPerValue {
	p.checkRange(n)
	return &p.plan.AllocationPlan[n]
}

func (p *plannerImpl) checkRange(n values.ValueIndex) {
	if n < 0 || int(n) >= len(p.valueInfo) {
		exceptions.Panicf("planner: value index %d out of range [0, %d)", n, len(p.valueInfo))
	}
}

// processDef initializes the state of a value at its definition site.
func (p *plannerImpl) processDef(id values.ValueIndex, defSite *graphs.NodeArg) {
	p.checkRange(id)
	info := &p.valueInfo[id]
	info.useCount = 0
	info.reusedBufferIndex = id // initially, no reuse; the value uses its own buffer
	info.defSite = defSite
}

// reuse records that reusedFor shares the buffer of reused, transferring the
// use count to the buffer root.
func (p *plannerImpl) reuse(reused, reusedFor values.ValueIndex, kind AllocKind) {
	if reused == reusedFor {
		exceptions.Panicf("planner: value %d cannot reuse its own buffer", reused)
	}
	original := *p.buffer(reused)
	*p.buffer(reusedFor) = original
	*p.useCount(original) += *p.useCount(reusedFor)

	ap := p.allocPlan(reusedFor)
	ap.AllocKind = kind
	ap.ReusedBuffer = original
}

// computeUseCounts is the first pass: static reference counts and initial
// device locations for every value.
func (p *plannerImpl) computeUseCounts() error {
	graphInputs := make(map[string]bool)
	for _, arg := range p.viewer.InputsIncludingInitializers() {
		graphInputs[arg.Name()] = true
	}
	located := make(map[string]bool)

	for _, arg := range p.viewer.Inputs() {
		idx := p.index(arg.Name())
		p.processDef(idx, arg)
		// Models the caller's usage post-inference; ensures the buffer is
		// never recycled.
		*p.useCount(idx)++
	}

	for _, arg := range p.outerScopeArgs {
		idx := p.index(arg.Name())
		p.processDef(idx, arg)
		// This graph does not own the buffer.
		*p.useCount(idx)++
	}

	for name, arg := range p.viewer.AllInitializedTensors() {
		idx := p.index(name)
		p.processDef(idx, arg)
		*p.useCount(idx)++
	}

	for _, step := range p.plan.Steps {
		n := p.viewer.GetNode(step.NodeIndex)
		if n == nil {
			return errors.Errorf("cannot find node %d in graph %q", step.NodeIndex, p.viewer.Name())
		}

		kernelDef, err := p.kernels.Find(n)
		if err != nil {
			return err
		}
		provider := p.providers.Get(n.ExecutionProviderType())
		if provider == nil {
			return errors.Errorf("cannot find the execution provider %s (node %q)",
				n.ExecutionProviderType(), n.Name())
		}

		processInput := func(arg *graphs.NodeArg, argIdx int) {
			name := arg.Name()
			*p.useCount(p.index(name))++
			// Graph inputs and outer-scope captures get their location from
			// the first consuming kernel's declared input memory type.
			if (graphInputs[name] || p.isOuterScopeArg(name)) && !located[name] {
				located[name] = true
				idx := p.index(name)
				p.allocPlan(idx).Location = provider.Allocator(0, kernelDef.InputMemoryType(argIdx)).Info()
			}
		}
		for i, arg := range n.InputDefs() {
			if arg.Exists() {
				processInput(arg, i)
			}
		}
		for i, arg := range n.ImplicitInputDefs() {
			if arg.Exists() {
				processInput(arg, i)
			}
		}

		for i, arg := range n.OutputDefs() {
			if !arg.Exists() {
				continue
			}
			idx := p.index(arg.Name())
			p.processDef(idx, arg)
			// The definition itself counts as one use; it is decremented
			// when the defining step is scanned, collecting outputs nobody
			// consumes.
			*p.useCount(idx)++
			p.allocPlan(idx).Location = provider.Allocator(0, kernelDef.OutputMemoryType(i)).Info()
		}

		// A non-default queue means device-async execution: every value the
		// node touches needs a fence when its buffer is async-capable.
		if kernelDef.ExecQueueID() != 0 {
			p.forEachDef(n, func(arg *graphs.NodeArg) {
				p.allocPlan(p.index(arg.Name())).CreateFenceIfAsync = true
			})
		}
	}

	for _, arg := range p.viewer.Outputs() {
		// Models the caller's usage post-inference.
		*p.useCount(p.index(arg.Name()))++
	}
	return nil
}

func (p *plannerImpl) isOuterScopeArg(name string) bool {
	for _, arg := range p.outerScopeArgs {
		if arg != nil && arg.Name() == name {
			return true
		}
	}
	return false
}

// forEachDef calls fn for every existing input, implicit input and output of
// the node.
func (p *plannerImpl) forEachDef(n graphs.Node, fn func(arg *graphs.NodeArg)) {
	for _, arg := range n.InputDefs() {
		if arg.Exists() {
			fn(arg)
		}
	}
	for _, arg := range n.ImplicitInputDefs() {
		if arg.Exists() {
			fn(arg)
		}
	}
	for _, arg := range n.OutputDefs() {
		if arg.Exists() {
			fn(arg)
		}
	}
}

// locationForNodeInput returns the memory info the node would read the input
// at inputIndex from.
func (p *plannerImpl) locationForNodeInput(inputIndex int, n graphs.Node) (memory.Info, error) {
	provider := p.providers.Get(n.ExecutionProviderType())
	if provider == nil {
		return memory.Info{}, errors.Errorf("cannot find the execution provider %s (node %q)",
			n.ExecutionProviderType(), n.Name())
	}
	kernelDef, err := p.kernels.Find(n)
	if err != nil {
		return memory.Info{}, err
	}
	if kernelDef.IsInputOnCPU(inputIndex) {
		// Weights are not output from any node, so placing the weight on the
		// CPU provider is valid for any reader.
		return p.providers.DefaultCPUInfo(), nil
	}
	return provider.Allocator(0, memory.TypeDefault).Info(), nil
}

// generatePlanForWeights assigns each initializer its location: the unique
// location every reader expects, or the default CPU location when readers
// disagree.
func (p *plannerImpl) generatePlanForWeights() error {
	weights := p.viewer.AllInitializedTensors()
	locations := make([][]memory.Info, len(p.plan.AllocationPlan))
	for _, n := range p.viewer.Nodes() {
		for i, arg := range n.InputDefs() {
			if !arg.Exists() {
				continue
			}
			if _, isWeight := weights[arg.Name()]; !isWeight {
				continue
			}
			loc, err := p.locationForNodeInput(i, n)
			if err != nil {
				return err
			}
			wtIdx := p.index(arg.Name())
			locations[wtIdx] = append(locations[wtIdx], loc)
		}
	}
	for i, locs := range locations {
		if len(locs) == 0 {
			continue
		}
		ap := &p.plan.AllocationPlan[i]
		ap.AllocKind = AllocKindAllocateStatically
		ap.Location = locs[0]
		for _, loc := range locs[1:] {
			if !loc.Equal(locs[0]) {
				// Read from multiple devices: the weight must live where
				// every device can reach it.
				ap.Location = p.providers.DefaultCPUInfo()
				break
			}
		}
	}
	return nil
}

// findReusableInput looks for an input of the node whose buffer the output
// at outputArgNum can take over: first the kernel's alias table (mandatory,
// unconditional), then the may-inplace table (legal only at the input's last
// use with matching sizes). Returns on the first alias hit without checking
// for conflicts with the may-inplace table, matching the original behavior.
func (p *plannerImpl) findReusableInput(n graphs.Node, kernelDef *kernels.Def, outputArgNum int) (values.ValueIndex, bool) {
	outputArg := n.OutputDefs()[outputArgNum]
	inputs := n.InputDefs()

	for _, pair := range kernelDef.Alias() {
		if pair[1] != outputArgNum {
			continue
		}
		if pair[0] >= 0 && pair[0] < len(inputs) {
			if inputArg := inputs[pair[0]]; inputArg.Exists() {
				// Must reuse this input to satisfy the aliasing requirement
				// (e.g. Reshape).
				return p.index(inputArg.Name()), true
			}
		}
	}

	for _, pair := range kernelDef.MayInplace() {
		if pair[1] != outputArgNum {
			continue
		}
		if pair[0] < 0 || pair[0] >= len(inputs) {
			continue
		}
		inputArg := inputs[pair[0]]
		if !inputArg.Exists() {
			continue
		}
		inputIdx := p.index(inputArg.Name())
		original := *p.buffer(inputIdx)
		if *p.useCount(original) == 1 && p.sameSize(inputArg, outputArg) {
			// Last use of the buffer and sizes match: safe for in-place
			// update.
			return inputIdx, true
		}
	}
	return 0, false
}

// sameSize reports whether two args are guaranteed to occupy buffers of the
// same size: equal element sizes and the same (possibly symbolic) shape.
// Unknown shapes are conservatively assumed different.
func (p *plannerImpl) sameSize(arg1, arg2 *graphs.NodeArg) bool {
	if !arg1.Exists() || !arg2.Exists() {
		return false
	}
	s1 := p.context.GetShape(arg1)
	s2 := p.context.GetShape(arg2)
	if s1 == nil || s2 == nil {
		return false
	}
	return arg1.Type().DType.Memory() == arg2.Type().DType.Memory() && shapes.SameShape(*s1, *s2)
}

// findReusableTensor scans the freelist, newest first, for a dead buffer on
// the same device with the same size as the output arg, removing and
// returning the first match.
func (p *plannerImpl) findReusableTensor(outputArg *graphs.NodeArg) (values.ValueIndex, bool) {
	if p.context.GetShape(outputArg) == nil {
		return 0, false
	}
	requiredInfo := p.allocPlan(p.index(outputArg.Name())).Location

	for i := len(p.freelist) - 1; i >= 0; i-- {
		reusable := p.freelist[i].value
		defSite := p.valueInfo[reusable].defSite
		if defSite == nil {
			continue
		}
		availableInfo := p.allocPlan(p.index(defSite.Name())).Location
		if !availableInfo.Equal(requiredInfo) {
			continue
		}
		if p.sameSize(defSite, outputArg) {
			p.freelist = append(p.freelist[:i], p.freelist[i+1:]...)
			return reusable, true
		}
	}
	return 0, false
}

func isNonTensor(arg *graphs.NodeArg) bool {
	return !arg.Type().IsTensor()
}

// computeReusePlan is the second pass: per-output allocation kinds, buffer
// sharing, and the freelist of deallocation events.
func (p *plannerImpl) computeReusePlan() error {
	setupPreexisting := func(arg *graphs.NodeArg) {
		idx := p.index(arg.Name())
		ap := p.allocPlan(idx)
		ap.AllocKind = AllocKindPreExisting
		ap.ValueType = arg.Type()
	}

	// Graph inputs are owned by the caller: allocated by it, never reused
	// during inference.
	for _, arg := range p.viewer.Inputs() {
		setupPreexisting(arg)
	}
	// Outer-scope captures are treated the same as graph inputs.
	for _, arg := range p.outerScopeArgs {
		setupPreexisting(arg)
	}

	if err := p.generatePlanForWeights(); err != nil {
		return err
	}

	graphOutputs := make(map[string]bool)
	for _, arg := range p.viewer.Outputs() {
		graphOutputs[arg.Name()] = true
	}

	for programCounter, step := range p.plan.Steps {
		n := p.viewer.GetNode(step.NodeIndex)
		kernelDef, err := p.kernels.Find(n)
		if err != nil {
			return err
		}

		// Outputs are allocated before inputs are released, so a
		// non-aliasing kernel can never overwrite its own input.
		outputArgNum := 0
		for _, outputArg := range n.OutputDefs() {
			if !outputArg.Exists() {
				continue
			}
			current := p.index(outputArg.Name())
			p.allocPlan(current).ValueType = outputArg.Type()

			switch {
			case graphOutputs[outputArg.Name()]:
				// A graph output cannot reuse an intermediate buffer.
				p.allocPlan(current).AllocKind = AllocKindAllocateOutput

				// Historical workaround for converted models: inside a Loop
				// body, an Identity passing a caller-owned value through to
				// a loop-state output shares the buffer instead of copying.
				if p.parentNode != nil && n.OpType() == "Identity" && p.parentNode.OpType() == "Loop" {
					inputArg := n.InputDefs()[0]
					inputIdx := p.index(inputArg.Name())
					if p.allocPlan(inputIdx).AllocKind == AllocKindPreExisting {
						p.reuse(inputIdx, current, AllocKindShare)
					}
				}

			case isNonTensor(outputArg):
				// No sharing optimization for non-tensors.
				p.allocPlan(current).AllocKind = AllocKindAllocate

			default:
				if reused, found := p.findReusableInput(n, kernelDef, outputArgNum); found {
					p.reuse(reused, current, AllocKindReuse)
				} else if !p.context.IsParallelExecutionEnabled() {
					// Dead-buffer recycling is only sound when steps run
					// strictly in plan order.
					if reused, found := p.findReusableTensor(outputArg); found {
						p.reuse(reused, current, AllocKindReuse)
					} else {
						p.allocPlan(current).AllocKind = AllocKindAllocate
					}
				} else {
					p.allocPlan(current).AllocKind = AllocKindAllocate
				}
			}
			outputArgNum++
		}

		release := func(arg *graphs.NodeArg) {
			if !arg.Exists() {
				return
			}
			original := *p.buffer(p.index(arg.Name()))
			*p.useCount(original)--
			if *p.useCount(original) == 0 {
				p.freelist = append(p.freelist, freeBufferInfo{value: original, deallocPoint: programCounter})
			}
		}

		// Inputs of the node that reached their last use become free.
		for _, arg := range n.InputDefs() {
			release(arg)
		}
		for _, arg := range n.ImplicitInputDefs() {
			release(arg)
		}
		// Outputs nobody consumes are freed right after their defining step.
		for _, arg := range n.OutputDefs() {
			release(arg)
		}
	}
	return nil
}

// hasFence reports whether the value behind the arg requires fences,
// following buffer reuse to the root.
func (p *plannerImpl) hasFence(arg *graphs.NodeArg) bool {
	if !arg.Exists() {
		return false
	}
	ap := p.allocPlan(p.index(arg.Name()))
	hasFence := ap.CreateFenceIfAsync
	if ap.AllocKind == AllocKindReuse {
		// Buffer reused: the original buffer's fence is shared.
		hasFence = hasFence || p.allocPlan(ap.ReusedBuffer).CreateFenceIfAsync
	}
	return hasFence
}

// computeFenceCheck is the third pass: a node needs fences when any value it
// touches does, after buffer-reuse resolution.
func (p *plannerImpl) computeFenceCheck() error {
	for _, step := range p.plan.Steps {
		n := p.viewer.GetNode(step.NodeIndex)
		if n == nil {
			return errors.Errorf("cannot find node %d in graph %q", step.NodeIndex, p.viewer.Name())
		}
		hasFence := false
		p.forEachDef(n, func(arg *graphs.NodeArg) {
			hasFence = hasFence || p.hasFence(arg)
		})
		p.plan.NodeHasFence[step.NodeIndex] = hasFence
	}
	return nil
}

// generateDeallocationPlan is the fourth pass: converts the freelist into
// the flat ToBeFreed vector and the per-step free ranges. The freelist is in
// ascending deallocation order, so a single forward walk closes each step's
// range as the deallocation point changes.
func (p *plannerImpl) generateDeallocationPlan() {
	p.plan.ToBeFreed = make([]values.ValueIndex, 0, len(p.freelist))
	hasPrevDeallocPoint := false
	prevDeallocPoint := 0
	current := 0 // current index into the ToBeFreed vector

	for _, fb := range p.freelist {
		p.plan.ToBeFreed = append(p.plan.ToBeFreed, fb.value)
		if !hasPrevDeallocPoint || fb.deallocPoint != prevDeallocPoint {
			if hasPrevDeallocPoint {
				p.plan.Steps[prevDeallocPoint].FreeToIndex = current - 1
			}
			prevDeallocPoint = fb.deallocPoint
			hasPrevDeallocPoint = true
			p.plan.Steps[prevDeallocPoint].FreeFromIndex = current
		}
		current++
	}
	if hasPrevDeallocPoint {
		p.plan.Steps[prevDeallocPoint].FreeToIndex = current - 1
	}
}
