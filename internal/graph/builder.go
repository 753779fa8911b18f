package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pyr-sh/dag"

	"github.com/dvflow/dvflow/internal/diag"
	"github.com/dvflow/dvflow/internal/model"
	"github.com/dvflow/dvflow/internal/procexec"
	"github.com/dvflow/dvflow/internal/util"
	"github.com/dvflow/dvflow/internal/value"
)

// RootNodeName is the synthetic root the builder connects ownerless
// nodes to, mirroring the teacher's ROOT_NODE_NAME sentinel.
const RootNodeName = util.RootNodeName

// Resolver looks up a task by fully-qualified or in-scope name across
// the set of packages reachable from a build (spec §4.2 task-name
// resolution, consumed here for cross-package `needs`/`uses`).
type Resolver interface {
	ResolveTask(fromPkg string, ref string) (*model.Task, bool)
}

// Generator is a registered `generate` strategy body: given the
// builder and the declaring task, it calls back into Builder.AddTask
// directly to emit dynamically-computed TaskNodes (spec §4.3). Kept
// separate from model.Registry's TaskBody map to avoid an import
// cycle between model and graph.
type Generator func(b *Builder, t *model.Task, scope *value.Scope) ([]*TaskNode, error)

// BuildOpts configures a single Build call.
type BuildOpts struct {
	RootRundir string
	Overrides  []ParamOverride // applied after default expansion; more specific patterns win, ties in the order given
}

// ParamOverride is one `<pkg.task.>?param=value` CLI/file-sourced
// override (spec §4.3 "Parameter-override application").
type ParamOverride struct {
	TaskPattern string // "", a task FQ name, or a package name; "" matches any task
	Param       string
	Value       value.Value
}

// Builder accumulates TaskNodes into a dag.AcyclicGraph as it expands a
// declarative task description.
type Builder struct {
	Sink       *diag.Sink
	Resolver   Resolver
	Generators map[string]Generator
	Graph      *dag.AcyclicGraph

	// Procs backs the `generate` strategy's `lang: subprocess` embedded
	// scripts (spec §5); nil is only a problem for a task that actually
	// declares that lang.
	Procs *procexec.Manager

	nodes        map[string]*TaskNode
	pendingNeeds []pendingNeed
	opts         BuildOpts
	seq          int
}

type pendingNeed struct {
	from     *TaskNode
	targetFQ string
	blocking bool
}

// NewBuilder creates an empty Builder.
func NewBuilder(sink *diag.Sink, resolver Resolver) *Builder {
	return &Builder{
		Sink:       sink,
		Resolver:   resolver,
		Generators: map[string]Generator{},
		Graph:      &dag.AcyclicGraph{},
		nodes:      map[string]*TaskNode{},
	}
}

// Build resolves taskName (within pkg's scope) and produces its root
// TaskNode plus the transitive closure reachable via `needs`/`subtasks`.
func (b *Builder) Build(pkgName string, taskName string, task *model.Task, opts BuildOpts) (*TaskNode, error) {
	b.opts = opts
	scope := value.NewScope()
	nodes, err := b.buildTask(pkgName, task, nil, scope, task.Name)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("task %q produced no nodes", taskName)
	}
	if err := b.resolvePending(); err != nil {
		return nil, err
	}
	b.wireRoots()
	for _, scc := range dag.StronglyConnected(&b.Graph.Graph) {
		if len(scc) < 2 {
			continue
		}
		names := make([]string, len(scc))
		for i, v := range scc {
			names[i] = dag.VertexName(v)
		}
		b.Sink.Error(diag.KindCircularDependency,
			fmt.Sprintf("circular dependency among: %s", strings.Join(names, ", ")), nil)
	}
	return nodes[0], nil
}

// AddTask registers an already-constructed TaskNode (used by
// Generators) into the graph.
func (b *Builder) AddTask(n *TaskNode) {
	b.nodes[n.Name] = n
	b.Graph.Add(n.Name)
}

func (b *Builder) uniqueName(base string) string {
	if _, exists := b.nodes[base]; !exists {
		return base
	}
	b.seq++
	return fmt.Sprintf("%s~%d", base, b.seq)
}

// buildTask expands one declarative task (applying its matrix strategy
// if present) into one-or-more TaskNodes.
func (b *Builder) buildTask(pkgName string, task *model.Task, parent *TaskNode, scope *value.Scope, namePrefix string) ([]*TaskNode, error) {
	if task.Strategy != nil && len(task.Strategy.Matrix) > 0 {
		return b.buildMatrix(pkgName, task, parent, scope, namePrefix)
	}
	n, err := b.buildOne(pkgName, task, parent, scope, namePrefix, nil)
	if err != nil {
		return nil, err
	}
	return []*TaskNode{n}, nil
}

// buildMatrix implements spec §4.3's matrix strategy: one TaskNode per
// cartesian-product element of the declared dimensions, in
// lexicographic declaration order (property exercised by E3), each
// clone binding `this.k = v_i`.
func (b *Builder) buildMatrix(pkgName string, task *model.Task, parent *TaskNode, scope *value.Scope, namePrefix string) ([]*TaskNode, error) {
	combos := cartesian(task.Strategy.Matrix)
	out := make([]*TaskNode, 0, len(combos))
	for _, combo := range combos {
		childScope := scope.Child()
		bindings := map[string]model.ParamField{}
		nameParts := []string{namePrefix}
		for _, dim := range task.Strategy.Matrix {
			v := combo[dim.Key]
			childScope.This[dim.Key] = v
			bindings[dim.Key] = model.ParamField{Name: dim.Key, Default: v, HasDflt: true}
			nameParts = append(nameParts, fmt.Sprintf("%s_%s", dim.Key, value.Native(v)))
		}
		n, err := b.buildOne(pkgName, task, parent, childScope, strings.Join(nameParts, "."), bindings)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// cartesian returns the cartesian product of dims in declaration
// order, each element a map of dimension key to bound value.
func cartesian(dims []model.MatrixDim) []map[string]value.Value {
	out := []map[string]value.Value{{}}
	for _, dim := range dims {
		var next []map[string]value.Value
		for _, prefix := range out {
			for _, v := range dim.Values {
				clone := make(map[string]value.Value, len(prefix)+1)
				for k, vv := range prefix {
					clone[k] = vv
				}
				clone[dim.Key] = v
				next = append(next, clone)
			}
		}
		out = next
	}
	return out
}

func (b *Builder) buildOne(pkgName string, task *model.Task, parent *TaskNode, scope *value.Scope, name string, matrixBindings map[string]model.ParamField) (*TaskNode, error) {
	name = b.uniqueName(name)
	n := &TaskNode{Name: name, Task: task, Parent: parent, MatrixBindings: matrixBindings, Scope: scope}
	n.Params = b.resolveParams(task, scope, name)
	n.Rundir = b.rundirFor(task, parent, name)
	n.Srcdir = taskSrcdir(task)

	b.nodes[name] = n
	b.Graph.Add(name)

	switch {
	case task.Control != nil:
		// A control-flow task's Subtasks list is its loop/conditional
		// body; build the nodes up front (runControl decides, at run
		// time, which of them actually execute and how many times).
		n.Kind = KindControl
		if err := b.buildSubtasks(pkgName, task, n, scope, name); err != nil {
			return nil, err
		}
	case len(task.Subtasks) > 0:
		n.Kind = KindCompound
		if err := b.buildSubtasks(pkgName, task, n, scope, name); err != nil {
			return nil, err
		}
	case task.Strategy != nil && task.Strategy.Generate != "":
		gen, ok := b.Generators[task.Strategy.Generate]
		if !ok {
			b.Sink.Error(diag.KindUnknownReference, fmt.Sprintf("task %q: unregistered generator %q", task.Name, task.Strategy.Generate), nil)
			n.Kind = KindLeaf
			break
		}
		n.Kind = KindLeaf
		generated, err := gen(b, task, scope)
		if err != nil {
			return nil, fmt.Errorf("generator %q: %w", task.Strategy.Generate, err)
		}
		for _, g := range generated {
			b.pendingNeeds = append(b.pendingNeeds, pendingNeed{from: n, targetFQ: g.Name, blocking: false})
		}
	case task.Strategy != nil && task.Strategy.GenLang != "":
		// An embedded script body (`lang: go` interpreted via yaegi, or
		// `lang: subprocess` run through internal/procexec) describes
		// its tasks as data rather than calling back into Builder
		// directly, so each spec is turned into a TaskNode the same way
		// any other declarative task is.
		n.Kind = KindLeaf
		specs, err := b.runEmbeddedGenerator(task)
		if err != nil {
			return nil, fmt.Errorf("generator %q: %w", task.Name, err)
		}
		for _, spec := range specs {
			g, err := b.buildGeneratedSpec(pkgName, spec)
			if err != nil {
				return nil, err
			}
			b.pendingNeeds = append(b.pendingNeeds, pendingNeed{from: n, targetFQ: g.Name, blocking: false})
		}
	default:
		n.Kind = KindLeaf
	}

	for _, needRef := range task.Needs {
		b.pendingNeeds = append(b.pendingNeeds, pendingNeed{from: n, targetFQ: needRef, blocking: true})
	}
	return n, nil
}

// buildSubtasks elaborates task.Subtasks as children of n, sharing a
// scope seeded with n's resolved parameters under `this`.
func (b *Builder) buildSubtasks(pkgName string, task *model.Task, n *TaskNode, scope *value.Scope, name string) error {
	childScope := scope.Child()
	childScope.This = toValueMap(n.Params)
	for _, subFQ := range task.Subtasks {
		subTask, ok := b.Resolver.ResolveTask(pkgName, subFQ)
		if !ok {
			b.Sink.Error(diag.KindUnknownReference, fmt.Sprintf("task %q: unresolved subtask %q", task.Name, subFQ), nil)
			continue
		}
		subNodes, err := b.buildTask(pkgName, subTask, n, childScope, name+"."+lastSegment(subFQ))
		if err != nil {
			return err
		}
		n.Subtasks = append(n.Subtasks, subNodes...)
	}
	return nil
}

func lastSegment(fq string) string {
	parts := util.SplitName(fq)
	return parts[len(parts)-1]
}

func taskSrcdir(task *model.Task) string { return "" }

func toValueMap(p model.ParamStruct) map[string]value.Value {
	out := make(map[string]value.Value, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// resolveParams evaluates the task's parameter schema against scope and
// then applies the matching overrides, least specific first so that the
// most specific one wins: bare (empty pattern), then a package-name
// prefix, then the task's exact name. Overrides are applied after the
// `${{ }}` defaults have been expanded, so a default never sees an
// overridden value.
func (b *Builder) resolveParams(task *model.Task, scope *value.Scope, nodeName string) model.ParamStruct {
	params := model.ParamStruct{}
	for _, f := range task.Params {
		v := f.Default
		if f.HasDflt {
			if sv, ok := f.Default.(string); ok && strings.Contains(sv, "${{") {
				ev, err := value.Expand(sv, scope, 8)
				if err == nil {
					v = ev
				}
			}
		}
		params[f.Name] = v
	}
	for level := 0; level < 3; level++ {
		for _, ov := range b.opts.Overrides {
			match := -1
			switch {
			case ov.TaskPattern == "":
				match = 0
			case strings.HasPrefix(task.Name, ov.TaskPattern+"."):
				match = 1
			case ov.TaskPattern == task.Name:
				match = 2
			}
			if match == level {
				params[ov.Param] = ov.Value
			}
		}
	}
	return params
}

// rundirFor implements spec §4.3's rundir computation.
func (b *Builder) rundirFor(task *model.Task, parent *TaskNode, name string) string {
	switch task.Rundir {
	case model.RundirInherit:
		if parent != nil {
			return parent.Rundir
		}
		return b.opts.RootRundir
	case model.RundirTop:
		return b.opts.RootRundir
	default:
		return joinRundir(b.opts.RootRundir, name)
	}
}

func joinRundir(root, name string) string {
	if root == "" {
		return name
	}
	return root + "/" + strings.ReplaceAll(name, ".", "/")
}

// resolvePending resolves every deferred `needs` reference, building
// the referenced task's own TaskNode on demand (via Resolver) if it
// has not been reached yet from another path through the graph (spec
// §4.3 "Second pass": "needs edges reference only nodes that have been
// fully elaborated" — elaboration already completed in the loader, so
// here it is the concrete TaskNode, not the declarative Task, that may
// not exist yet).
func (b *Builder) resolvePending() error {
	for i := 0; i < len(b.pendingNeeds); i++ {
		p := b.pendingNeeds[i]
		target, ok := b.nodes[p.targetFQ]
		if !ok {
			task, found := b.Resolver.ResolveTask(util.PackageOf(p.from.Name), p.targetFQ)
			if !found {
				b.Sink.Error(diag.KindUnknownReference,
					fmt.Sprintf("task %q: unresolved needs %q", p.from.Name, p.targetFQ), nil)
				continue
			}
			built, err := b.buildTask(util.PackageOf(task.Name), task, nil, value.NewScope(), task.Name)
			if err != nil {
				return err
			}
			if len(built) == 0 {
				continue
			}
			target = built[0]
		}
		p.from.Needs = append(p.from.Needs, NeedEdge{Target: target, Blocking: p.blocking})
		target.Feeds = append(target.Feeds, p.from)
		b.Graph.Connect(dag.BasicEdge(p.from.Name, target.Name))
		b.checkDataflow(p.from, target)
	}
	return nil
}

// checkDataflow emits spec §4.6's data-flow warning (never an error)
// when no produce pattern satisfies any consume pattern.
func (b *Builder) checkDataflow(consumer, producer *TaskNode) {
	if len(consumer.Task.Consumes) == 0 {
		return
	}
	if !Compatible(consumer.Task.Consumes, producer.Task.Produces) {
		b.Sink.Warn(diag.KindDataflowMismatch,
			fmt.Sprintf("task %q consumes pattern does not match any of %q's produces", consumer.Name, producer.Name), nil)
	}
}

// wireRoots connects any node with no needs/parent to the synthetic
// root vertex, mirroring the teacher's ROOT_NODE_NAME sentinel so the
// whole graph has a single top for Walk to start from.
func (b *Builder) wireRoots() {
	names := make([]string, 0, len(b.nodes))
	for name := range b.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	hasRoot := false
	for _, name := range names {
		n := b.nodes[name]
		if len(n.Needs) == 0 && n.Parent == nil {
			if !hasRoot {
				b.Graph.Add(RootNodeName)
				hasRoot = true
			}
			b.Graph.Connect(dag.BasicEdge(name, RootNodeName))
		}
	}
}

// Node returns the TaskNode registered under name, if any.
func (b *Builder) Node(name string) (*TaskNode, bool) {
	n, ok := b.nodes[name]
	return n, ok
}

// Nodes returns every TaskNode built so far.
func (b *Builder) Nodes() map[string]*TaskNode { return b.nodes }
