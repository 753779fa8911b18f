// Package scheduler implements C7: the bounded-parallel task runner
// that walks a graph.Builder's dag.AcyclicGraph and executes each
// TaskNode's leaf body, control-flow construct, or (no-op) compound
// container, exactly the way the teacher's cli/internal/core.scheduler
// walks its TaskGraph with a semaphore-bounded dag.Walk, but replacing
// the semaphore with the jobserver token pool and replacing "run a
// package script" with the seven-step leaf execution sequence of
// spec §4.8.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/pyr-sh/dag"

	"github.com/dvflow/dvflow/internal/cache"
	"github.com/dvflow/dvflow/internal/diag"
	"github.com/dvflow/dvflow/internal/env"
	"github.com/dvflow/dvflow/internal/graph"
	"github.com/dvflow/dvflow/internal/jobserver"
	"github.com/dvflow/dvflow/internal/model"
	"github.com/dvflow/dvflow/internal/procexec"
	"github.com/dvflow/dvflow/internal/value"
)

// EventKind is the lifecycle stage an Event reports.
type EventKind string

const (
	EventStart     EventKind = "start"
	EventComplete  EventKind = "complete"
	EventSkipped   EventKind = "skipped"
	EventCancelled EventKind = "cancelled"
)

// Event is one node lifecycle notification, delivered to Listeners in
// start -> complete|skipped|cancelled order per node (spec §4.8).
type Event struct {
	Node *graph.TaskNode
	Kind EventKind
	Err  error
}

// Listener observes Runner events.
type Listener func(Event)

// Runner executes an elaborated graph.Builder's TaskNodes.
type Runner struct {
	Sink     *diag.Sink
	Registry *model.Registry
	Cache    *cache.Multiplexer
	Jobs     *jobserver.Pool
	Procs    *procexec.Manager
	Env      env.Map
	FailFast bool

	listeners []Listener

	mu         sync.Mutex
	outputs    map[string][]model.DataItem // node name -> its TaskDataResult.Output
	mementos   map[string]*model.Memento
	changed    map[string]bool // node name -> its TaskDataResult.Changed
	nodeFailed map[string]bool
	failed     int32
}

// NewRunner builds a Runner wired against the given collaborators.
func NewRunner(sink *diag.Sink, reg *model.Registry, mux *cache.Multiplexer, jobs *jobserver.Pool, procs *procexec.Manager, envMap env.Map) *Runner {
	return &Runner{
		Sink:       sink,
		Registry:   reg,
		Cache:      mux,
		Jobs:       jobs,
		Procs:      procs,
		Env:        envMap,
		outputs:    map[string][]model.DataItem{},
		mementos:   map[string]*model.Memento{},
		changed:    map[string]bool{},
		nodeFailed: map[string]bool{},
	}
}

// Listen registers l to observe every Event this Runner emits.
func (r *Runner) Listen(l Listener) { r.listeners = append(r.listeners, l) }

func (r *Runner) emit(e Event) {
	for _, l := range r.listeners {
		l(e)
	}
}

// Run walks b's graph to completion, honoring FailFast (spec §4.8: once
// tripped, not-yet-started nodes are reported Skipped rather than run)
// and ctx cancellation (in-flight nodes are reported Cancelled).
func (r *Runner) Run(ctx context.Context, b *graph.Builder) []error {
	var mu sync.Mutex
	var errs []error

	b.Graph.Walk(func(v dag.Vertex) error {
		name := dag.VertexName(v)
		if name == graph.RootNodeName {
			return nil
		}
		n, ok := b.Node(name)
		if !ok {
			return nil
		}
		// Control-flow bodies are invoked explicitly (possibly zero or
		// many times) by their parent's runControl, never directly by
		// this top-level walk.
		if n.Parent != nil && n.Parent.Kind == graph.KindControl {
			return nil
		}

		if atomic.LoadInt32(&r.failed) != 0 {
			r.emit(Event{Node: n, Kind: EventSkipped})
			r.markNodeFailed(n.Name)
			return nil
		}
		// A node is ready only once every `blocking` need has completed
		// successfully (spec §4.8's readiness predicate and §5's
		// topological-safety guarantee); `blocking=false` needs only
		// order this node after their target in the walk and never
		// prevent it from running on their own.
		if r.blockedByFailedNeed(n) {
			r.emit(Event{Node: n, Kind: EventSkipped})
			r.markNodeFailed(n.Name)
			return nil
		}
		select {
		case <-ctx.Done():
			r.emit(Event{Node: n, Kind: EventCancelled, Err: ctx.Err()})
			return ctx.Err()
		default:
		}

		r.emit(Event{Node: n, Kind: EventStart})
		err := r.runNode(ctx, n)
		if err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("task %q: %w", n.Name, err))
			mu.Unlock()
			r.markNodeFailed(n.Name)
			if r.FailFast {
				atomic.StoreInt32(&r.failed, 1)
			}
			r.Sink.Error(diag.KindTaskFailure, fmt.Sprintf("task %q failed: %v", n.Name, err), nil)
			r.emit(Event{Node: n, Kind: EventCancelled, Err: err})
			// Returning nil keeps the walker visiting this node's
			// dependents; blockedByFailedNeed decides which of them skip.
			return nil
		}
		r.emit(Event{Node: n, Kind: EventComplete})
		return nil
	})

	return errs
}

// runNode dispatches on NodeKind (spec §3's three TaskNode flavors).
func (r *Runner) runNode(ctx context.Context, n *graph.TaskNode) error {
	switch n.Kind {
	case graph.KindCompound:
		// Subtasks are independent nodes in the same graph (wired via
		// their own needs edges during elaboration) so Walk already
		// schedules them; the compound node itself does no work.
		return nil
	case graph.KindControl:
		return r.runControl(ctx, n)
	default:
		return r.runLeaf(ctx, n)
	}
}

// runLeaf implements spec §4.8's seven-step leaf execution sequence,
// discarding the computed result for callers that only care whether the
// node succeeded.
func (r *Runner) runLeaf(ctx context.Context, n *graph.TaskNode) error {
	result, err := r.runLeafResult(ctx, n)
	if err != nil {
		return err
	}
	if result.Status != 0 {
		return fmt.Errorf("exited with status %d", result.Status)
	}
	return nil
}

// runLeafResult is runLeaf's body, returning the TaskDataResult it
// computed (cache-reconstructed, up-to-date-skipped, or produced by
// invokeBody) alongside the error. internal/dynamic's RunSubgraph needs
// the result itself, not just success/failure, for each node it
// submits.
func (r *Runner) runLeafResult(ctx context.Context, n *graph.TaskNode) (model.TaskDataResult, error) {
	if n.Rundir != "" {
		if err := os.MkdirAll(n.Rundir, 0o755); err != nil {
			return model.TaskDataResult{}, fmt.Errorf("creating rundir %q: %w", n.Rundir, err)
		}
	}

	prevMemento, _ := readMemento(n.Rundir)
	in := r.buildInput(n, prevMemento)

	// Step 2: iff gate. Iff is an expression source (spec §4.3), not a
	// ${{ }} template string, so it is parsed and evaluated directly.
	if n.Task.Iff != "" {
		expr, err := value.Parse(n.Task.Iff)
		if err != nil {
			return model.TaskDataResult{}, fmt.Errorf("parsing iff: %w", err)
		}
		v, err := expr.Eval(n.Scope)
		if err != nil {
			return model.TaskDataResult{}, fmt.Errorf("evaluating iff: %w", err)
		}
		if !value.Truthy(v) {
			return model.TaskDataResult{}, nil
		}
	}

	// The content hash (from the registered hash provider) is computed
	// whenever a hash provider is registered, independent of whether
	// caching is enabled: it backs both the cache key (step 3) and the
	// cache-disabled up-to-date comparison below.
	var hashRecipe string
	hp, hpOK := r.Registry.HashProviderFor("")
	if hpOK {
		h, err := hp.Hash(ctx, n.Task, in)
		if err != nil {
			r.Sink.Warn(diag.KindCacheCorrupt, fmt.Sprintf("hashing %q: %v", n.Name, err), nil)
		} else {
			hashRecipe = h
		}
	}

	// Step 3: try cache.
	if n.Task.Cache.Enabled && r.Cache != nil && hashRecipe != "" {
		key := cache.Key(n.Name, hashRecipe)
		if entry, hit := r.Cache.Fetch(key, n.Rundir); hit {
			if entry.ArtifactsPath != "" {
				_ = cache.RestoreArtifacts(entry.ArtifactsPath, n.Rundir, entry.Compression)
			}
			out, _ := cache.ExpandOutputTemplate(entry.OutputTemplate, n.Rundir)
			items := outputsFromTemplate(out)
			r.storeOutputs(n, items)
			r.storeChanged(n.Name, false)
			r.recordMemento(n, hashRecipe, items)
			return model.TaskDataResult{Status: 0, CacheHit: true, Output: items}, nil
		}
	} else if !n.Task.Cache.Enabled && hashRecipe != "" {
		// Up-to-date check (spec §4.8): when cache is disabled, compare
		// the current hash against the one persisted from the previous
		// run in this same rundir; skip only if unchanged and no
		// upstream need produced changed=true.
		if prevMemento != nil && prevMemento.Hash == hashRecipe && !r.anyUpstreamChanged(n) {
			r.storeOutputs(n, prevMemento.Output)
			r.storeChanged(n.Name, false)
			return model.TaskDataResult{Status: 0, Changed: false, Output: prevMemento.Output}, nil
		}
	}

	// Step 4: acquire a jobserver token.
	if r.Jobs != nil {
		if err := r.Jobs.Acquire(ctx); err != nil {
			return model.TaskDataResult{}, fmt.Errorf("acquiring jobserver token: %w", err)
		}
		defer r.Jobs.Release()
	}

	// Step 5: invoke the body.
	result, err := r.invokeBody(ctx, n, in)
	if err != nil {
		return model.TaskDataResult{}, err
	}

	// Step 6: validate outputs, persist memento, store cache.
	for _, item := range result.Output {
		if item.Type == "" {
			r.Sink.Error(diag.KindInvalidOutputItem, fmt.Sprintf("task %q produced an output item with no type", n.Name), nil)
			continue
		}
		if item.Type == "FileSet" {
			if _, err := model.DecodeFileSet(item.Attrs); err != nil {
				r.Sink.Error(diag.KindInvalidOutputItem, fmt.Sprintf("task %q: %v", n.Name, err), nil)
			}
		}
	}
	for _, m := range result.Markers {
		r.Sink.Emit(m)
	}
	r.storeOutputs(n, result.Output)
	r.storeChanged(n.Name, result.Changed)

	if hashRecipe != "" {
		r.recordMemento(n, hashRecipe, result.Output)
		if n.Task.Cache.Enabled && r.Cache != nil {
			entry := &cache.Entry{
				Key:            cache.Key(n.Name, hashRecipe),
				OutputTemplate: cache.BuildOutputTemplate(templateFromOutputs(result.Output), n.Rundir),
			}
			// The provider itself archives n.Rundir's contents as part of
			// Store (spec §4.5); the runner only supplies the template.
			r.Cache.Store(entry.Key, entry, n.Rundir)
		}
	}

	return result, nil
}

// recordMemento keeps n's current-run memento in memory (for callers
// within the same process) and persists it to <rundir>/memento.json so
// a later invocation of this same task — in this run or the next
// process's — can read its predecessor's memento back (spec §4.8 step
// 6, §4.8 "Up-to-date check").
func (r *Runner) recordMemento(n *graph.TaskNode, hash string, output []model.DataItem) {
	mem := &model.Memento{Hash: hash, Output: output}
	r.mu.Lock()
	r.mementos[n.Name] = mem
	r.mu.Unlock()
	if n.Rundir == "" {
		return
	}
	if err := writeMemento(n.Rundir, mem); err != nil {
		r.Sink.Warn(diag.KindCacheCorrupt, fmt.Sprintf("writing memento for %q: %v", n.Name, err), nil)
	}
}

func writeMemento(rundir string, m *model.Memento) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(rundir, cache.MementoFileName), data, 0o644)
}

// readMemento reads back the memento persisted by a previous run of the
// same task into rundir, if any. A missing file is not an error: it
// just means this task has never completed in this rundir before.
func readMemento(rundir string) (*model.Memento, error) {
	if rundir == "" {
		return nil, nil
	}
	data, err := os.ReadFile(filepath.Join(rundir, cache.MementoFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var m model.Memento
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// RunNode runs a single node to completion and returns its result,
// dispatching on kind the same way runNode does. Compound and control
// nodes return a zero TaskDataResult since they carry no output of
// their own; internal/dynamic's RunSubgraph calls this per submitted
// node from within a batch, reusing this Runner's registry, cache,
// jobserver pool and listeners.
func (r *Runner) RunNode(ctx context.Context, n *graph.TaskNode) (model.TaskDataResult, error) {
	switch n.Kind {
	case graph.KindCompound:
		return model.TaskDataResult{}, r.runNode(ctx, n)
	case graph.KindControl:
		return model.TaskDataResult{}, r.runNode(ctx, n)
	default:
		return r.runLeafResult(ctx, n)
	}
}

func (r *Runner) invokeBody(ctx context.Context, n *graph.TaskNode, in model.TaskDataInput) (model.TaskDataResult, error) {
	tctx := &taskContext{runner: r, node: n}

	if n.Task.Body != "" {
		body, ok := r.Registry.Body(n.Task.Body)
		if !ok {
			return model.TaskDataResult{}, fmt.Errorf("unregistered task body %q", n.Task.Body)
		}
		return body.Run(ctx, tctx, in)
	}
	if n.Task.Shell != "" {
		return r.runShell(ctx, n, tctx, in)
	}
	// A task with neither a body nor a shell command is a pure
	// synchronization point (e.g. a generate-strategy placeholder);
	// nothing to execute.
	return model.TaskDataResult{Status: 0}, nil
}

func (r *Runner) buildInput(n *graph.TaskNode, prevMemento *model.Memento) model.TaskDataInput {
	var inputs []model.DataItem
	for _, need := range n.Needs {
		r.mu.Lock()
		out := r.outputs[need.Target.Name]
		r.mu.Unlock()
		inputs = append(inputs, out...)
	}
	return model.TaskDataInput{
		Params:  n.Params,
		Inputs:  inputs,
		Memento: prevMemento,
		Rundir:  n.Rundir,
		Srcdir:  n.Srcdir,
		Env:     r.Env,
	}
}

func (r *Runner) storeOutputs(n *graph.TaskNode, items []model.DataItem) {
	r.mu.Lock()
	r.outputs[n.Name] = items
	r.mu.Unlock()
}

func (r *Runner) storeChanged(name string, changed bool) {
	r.mu.Lock()
	r.changed[name] = changed
	r.mu.Unlock()
}

func (r *Runner) markNodeFailed(name string) {
	r.mu.Lock()
	r.nodeFailed[name] = true
	r.mu.Unlock()
}

// blockedByFailedNeed reports whether any of n's `blocking` needs has
// failed, making n unready per spec §4.8 (`blocking=false` needs are
// excluded from this check; they establish ordering only).
func (r *Runner) blockedByFailedNeed(n *graph.TaskNode) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range n.Needs {
		if e.Blocking && e.Target != nil && r.nodeFailed[e.Target.Name] {
			return true
		}
	}
	return false
}

// anyUpstreamChanged reports whether any of n's needs produced
// changed=true, used by the cache-disabled up-to-date comparison
// (spec §4.8 "and no upstream changed=true").
func (r *Runner) anyUpstreamChanged(n *graph.TaskNode) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range n.Needs {
		if e.Target != nil && r.changed[e.Target.Name] {
			return true
		}
	}
	return false
}

func outputsFromTemplate(tmpl map[string]value.Value) []model.DataItem {
	if len(tmpl) == 0 {
		return nil
	}
	typ, _ := tmpl["type"].(string)
	return []model.DataItem{{Type: typ, Attrs: tmpl}}
}

func templateFromOutputs(items []model.DataItem) map[string]value.Value {
	if len(items) == 0 {
		return nil
	}
	out := map[string]value.Value{"type": items[0].Type}
	for k, v := range items[0].Attrs {
		out[k] = v
	}
	return out
}
