package executor

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tensorun/tensorun/internal/workerspool"
	"github.com/tensorun/tensorun/memory"
	"github.com/tensorun/tensorun/values"
)

// ErrTerminated is the cause of errors reported when execution is aborted
// via the terminate flag. Test with errors.Is.
var ErrTerminated = errors.New("exiting due to terminate flag being set to true")

// defaultPoolSize is the number of workers the executor pool runs, matching
// the size used for inference workloads where linear chains dominate and
// the pool is rarely saturated.
const defaultPoolSize = 32

// Parallel is the dataflow executor: it tracks per-node input readiness via
// edge counts, dispatches ready nodes to a worker pool, inlines linear
// chains on the worker that unblocked them, and applies device fences around
// kernels on asynchronous queues.
//
// A Parallel instance serves one Execute call at a time.
type Parallel struct {
	state        *SessionState
	pool         *workerspool.Pool
	terminate    *atomic.Bool
	fenceFactory FenceFactory
	frame        Frame

	// refMu guards nodeRefs: decrements of successor edge counts and the
	// inline/enqueue decision must be atomic with respect to sibling
	// completions.
	refMu    sync.Mutex
	nodeRefs []int

	// completeMu guards outstanding and errs, paired with completeCond.
	completeMu   sync.Mutex
	completeCond *sync.Cond
	outstanding  int
	errs         []error
}

// ParallelOption configures a Parallel executor.
type ParallelOption func(*Parallel)

// WithPoolSize overrides the worker pool size.
func WithPoolSize(size int) ParallelOption {
	return func(p *Parallel) {
		p.pool = workerspool.New(size)
	}
}

// WithTerminateFlag installs a cooperative cancellation flag, observed at
// the top of each worker-loop iteration. In-flight kernels are not
// interrupted.
func WithTerminateFlag(flag *atomic.Bool) ParallelOption {
	return func(p *Parallel) { p.terminate = flag }
}

// WithFenceFactory installs the factory creating fences for values the plan
// flags as async.
func WithFenceFactory(factory FenceFactory) ParallelOption {
	return func(p *Parallel) { p.fenceFactory = factory }
}

// NewParallel returns a parallel executor over the session state.
func NewParallel(state *SessionState, options ...ParallelOption) *Parallel {
	p := &Parallel{
		state:    state,
		pool:     workerspool.New(defaultPoolSize),
		nodeRefs: make([]int, state.viewer.MaxNodeIndex()),
	}
	p.completeCond = sync.NewCond(&p.completeMu)
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Close shuts the worker pool down.
func (p *Parallel) Close() { p.pool.Close() }

// Execute runs the graph: feeds are bound to the feed value indices, and on
// success fetches is filled with the buffers of the fetch value indices.
// fetchAllocators optionally overrides where individual fetched outputs are
// allocated.
//
// Branch errors do not stop other in-flight branches, but no new work is
// enqueued once an error is recorded; Execute drains outstanding work before
// returning the (possibly aggregated) error.
func (p *Parallel) Execute(feedIdxs []values.ValueIndex, feeds []*memory.Buffer,
	fetchIdxs []values.ValueIndex, fetches *[]*memory.Buffer,
	fetchAllocators map[values.ValueIndex]memory.Allocator) error {
	runID := uuid.NewString()[:8]
	klog.V(1).Infof("[%s] parallel execute: graph %q, %d feeds, %d fetches",
		runID, p.state.viewer.Name(), len(feeds), len(fetchIdxs))

	frame, err := NewFrame(p.state, feedIdxs, feeds, fetchAllocators, p.fenceFactory)
	if err != nil {
		return err
	}
	p.frame = frame
	p.errs = nil
	for _, n := range p.state.viewer.Nodes() {
		p.nodeRefs[n.Index()] = n.InputEdgesCount()
	}

	for _, root := range p.state.viewer.RootNodes() {
		p.enqueueNode(root)
	}

	// Wait for finish.
	p.completeMu.Lock()
	for p.outstanding > 0 {
		p.completeCond.Wait()
	}
	errs := p.errs
	p.completeMu.Unlock()

	if len(errs) > 0 {
		err := errs[0]
		if len(errs) > 1 {
			var sb strings.Builder
			sb.WriteString("multiple errors were found")
			for _, e := range errs {
				sb.WriteString("\n")
				sb.WriteString(e.Error())
			}
			err = errors.New(sb.String())
		}
		klog.Errorf("[%s] parallel execute failed: %v", runID, err)
		return err
	}

	klog.V(2).Infof("[%s] fetching output", runID)
	outputs, err := frame.CollectOutputs(fetchIdxs)
	if err != nil {
		return err
	}
	*fetches = outputs
	klog.V(2).Infof("[%s] done execution", runID)
	return nil
}

// runNodeAsync executes a chain of nodes on a pool worker, continuing with
// the first successor it unblocks instead of re-queuing it. Linear chains
// dominate inference graphs; inlining avoids one queue round-trip per node
// and keeps locality across the chain.
func (p *Parallel) runNodeAsync(startIndex int) error {
	current := startIndex
	plan := p.state.plan
	for {
		if p.terminate != nil && p.terminate.Load() {
			klog.Warningf("aborting node chain at %d: terminate flag set", current)
			return errors.WithStack(ErrTerminated)
		}

		binding := p.state.GetKernel(current)
		if binding == nil {
			return errors.Errorf("no kernel bound for node %d", current)
		}
		ctx := newNodeContext(binding, p.frame)

		// Sync before compute.
		if plan.NodeHasFence[current] {
			applyPreFences(binding, p.frame)
		}

		klog.V(2).Infof("computing kernel: %s", binding.Node.Name())
		if err := binding.Def.Compute(ctx); err != nil {
			return errors.WithMessagef(err, "compute failed for node %q", binding.Node.Name())
		}

		// Sync after compute.
		if plan.NodeHasFence[current] {
			applyPostFences(binding, p.frame)
		}

		// Of all successors that become ready, the first continues on this
		// worker; the rest are enqueued.
		next := -1
		p.refMu.Lock()
		for _, edge := range binding.Node.OutputEdges() {
			idx := edge.To.Index()
			p.nodeRefs[idx]--
			if p.nodeRefs[idx] == 0 {
				if next < 0 {
					next = idx
				} else {
					p.enqueueNode(idx)
				}
			}
		}
		p.refMu.Unlock()

		if next < 0 {
			return nil
		}
		current = next
	}
}

// enqueueNode schedules a node chain on the pool. Once any error is
// recorded no new work is accepted, so the executor drains.
func (p *Parallel) enqueueNode(nodeIndex int) {
	p.completeMu.Lock()
	if len(p.errs) > 0 {
		p.completeMu.Unlock()
		return
	}
	p.outstanding++
	p.completeMu.Unlock()

	p.pool.Schedule(func() {
		err := p.runNodeGuarded(nodeIndex)
		p.finishNodeRun(err)
	})
}

// runNodeGuarded invokes runNodeAsync converting panics into errors, so a
// misbehaving kernel cannot take the process down.
func (p *Parallel) runNodeGuarded(nodeIndex int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			n := p.state.viewer.GetNode(nodeIndex)
			err = errors.Errorf("panic running nodes starting at %s node %q: %v",
				n.OpType(), n.Name(), r)
		}
	}()
	return p.runNodeAsync(nodeIndex)
}

func (p *Parallel) finishNodeRun(err error) {
	p.completeMu.Lock()
	defer p.completeMu.Unlock()
	p.outstanding--
	if err != nil {
		p.errs = append(p.errs, err)
	}
	if p.outstanding == 0 {
		p.completeCond.Broadcast()
	}
}
