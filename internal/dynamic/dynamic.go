// Package dynamic implements C8: the dynamic scheduling extension that
// lets a running task body submit additional TaskNodes into the same
// scheduler and jobserver, the way spec §4.9 describes a task's
// `run_subgraph(nodes) -> [results]` run-context call. It is the one
// piece of this module that feeds new graph.TaskNodes into
// scheduler.Runner after the initial graph.Builder.Build has already
// walked the static graph, reusing the same dag.AcyclicGraph/Walk
// machinery cli/internal/core/scheduler.go's Execute and engine.go's
// AddTask/AddDep use to grow a TaskGraph incrementally, applied here to
// a batch discovered at run time rather than at build time.
package dynamic

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pyr-sh/dag"

	"github.com/dvflow/dvflow/internal/graph"
	"github.com/dvflow/dvflow/internal/model"
	"github.com/dvflow/dvflow/internal/scheduler"
)

// nodeRunner is the subset of *scheduler.Runner a RunContext needs.
// Exercised by *scheduler.Runner itself; narrowed to an interface so
// tests can submit a fake.
type nodeRunner interface {
	RunNode(ctx context.Context, n *graph.TaskNode) (model.TaskDataResult, error)
	Listen(l scheduler.Listener)
}

// RunContext is the run-context handle a task body holds to submit a
// dynamic subgraph. The scheduler does not create one per leaf: a
// driver builds it once with NewRunContext and hands it to the task
// bodies that need it. Inflight names every node the static graph
// builder knows about, whether or not it has started or finished.
type RunContext struct {
	Runner   nodeRunner
	Inflight map[string]bool
}

// NewRunContext builds a RunContext bound to r, with inflight names
// drawn from b's elaborated node table (every node already known to the
// static graph, whether or not it has finished).
func NewRunContext(r *scheduler.Runner, b *graph.Builder) *RunContext {
	inflight := make(map[string]bool, len(b.Nodes()))
	for _, n := range b.Nodes() {
		inflight[n.Name] = true
	}
	return &RunContext{Runner: r, Inflight: inflight}
}

// RunSubgraph submits nodes into the same scheduling queue and
// jobserver pool this RunContext's Runner already owns, suspending the
// caller until every submitted node completes (or the batch times out,
// or one fails, at which point not-yet-started nodes are left
// unscheduled and the error is returned to the caller per spec §4.9's
// "fail-fast in the inner set fails the caller").
//
// A node's Needs may reference either another node in this same batch
// (batch-local) or a name already present in rc.Inflight; any other
// target is a naming error, checked up front so a bad submission never
// partially executes.
func (rc *RunContext) RunSubgraph(ctx context.Context, nodes []*graph.TaskNode, timeout time.Duration) ([]model.TaskDataResult, error) {
	if len(nodes) == 0 {
		return nil, nil
	}

	batch := make(map[string]*graph.TaskNode, len(nodes))
	for _, n := range nodes {
		batch[n.Name] = n
	}
	for _, n := range nodes {
		for _, e := range n.Needs {
			if e.Target == nil {
				continue
			}
			if _, ok := batch[e.Target.Name]; ok {
				continue
			}
			if rc.Inflight[e.Target.Name] {
				continue
			}
			return nil, fmt.Errorf("dynamic: task %q needs %q, which is neither batch-local nor in flight", n.Name, e.Target.Name)
		}
	}

	g := &dag.AcyclicGraph{}
	for _, n := range nodes {
		g.Add(n.Name)
	}
	for _, n := range nodes {
		for _, e := range n.Needs {
			if e.Target == nil {
				continue
			}
			if _, ok := batch[e.Target.Name]; ok {
				g.Connect(dag.BasicEdge(n.Name, e.Target.Name))
			}
		}
	}
	if cycles := dag.StronglyConnected(&g.Graph); hasNonTrivialCycle(cycles) {
		return nil, fmt.Errorf("dynamic: submitted subgraph has a cycle among batch-local dependencies")
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	results := make(map[string]model.TaskDataResult, len(nodes))
	var mu sync.Mutex
	var failure error

	g.Walk(func(v dag.Vertex) error {
		name := dag.VertexName(v)
		n := batch[name]

		mu.Lock()
		if failure != nil {
			mu.Unlock()
			return nil
		}
		mu.Unlock()

		select {
		case <-ctx.Done():
			mu.Lock()
			if failure == nil {
				failure = ctx.Err()
			}
			mu.Unlock()
			return ctx.Err()
		default:
		}

		result, err := rc.Runner.RunNode(ctx, n)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			if failure == nil {
				failure = fmt.Errorf("dynamic: task %q: %w", n.Name, err)
			}
			return err
		}
		results[name] = result
		return nil
	})

	if failure != nil {
		return nil, failure
	}

	out := make([]model.TaskDataResult, len(nodes))
	for i, n := range nodes {
		out[i] = results[n.Name]
	}
	return out, nil
}

func hasNonTrivialCycle(cycles [][]dag.Vertex) bool {
	for _, c := range cycles {
		if len(c) > 1 {
			return true
		}
	}
	return false
}

// MergeOutputs aggregates a batch's TaskDataResult.Output items into a
// single ordered slice, the way a compound task's own result
// aggregates its subtasks' outputs (spec §4.9: "its result includes
// their aggregated outputs").
func MergeOutputs(results []model.TaskDataResult) []model.DataItem {
	var out []model.DataItem
	for _, r := range results {
		out = append(out, r.Output...)
	}
	return out
}

// Errors flattens a slice of per-node errors (unused by RunSubgraph's
// fail-fast path today, kept for callers that want to keep scheduling
// the rest of a batch after a failure and report every error at once).
func Errors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	var merr *multierror.Error
	for _, e := range errs {
		merr = multierror.Append(merr, e)
	}
	return merr.ErrorOrNil()
}
