package loader

import (
	"fmt"

	"github.com/dvflow/dvflow/internal/diag"
	"github.com/dvflow/dvflow/internal/model"
	"github.com/dvflow/dvflow/internal/value"
)

// elaborate resolves inheritance, overrides, task-name references and
// variable expansion in uses/needs for pkg in place, then marks pkg
// frozen by virtue of being done (model.Package carries no explicit
// frozen flag; the loader simply never mutates it again after this
// call returns). Elaboration order matters: overrides must be applied
// before inheritance is resolved, since a task's `uses` may itself name
// an overridden base (spec §4.2 Override resolution + Open Question 2:
// a top-level `override:` wins over a package's own task definition).
func (l *Loader) elaborate(pkg *model.Package) {
	l.applyOverrides(pkg)
	l.expandKeywords(pkg)
	l.resolveInheritance(pkg)
	l.computeFeeds(pkg)
	l.checkUnused(pkg)
}

// applyOverrides rewrites every reference to an overridden base task
// (tracked via the "override:<target>" sentinel tag the package-file
// decoder stashes in Task.Tags) so that `uses`/`needs` pointing at the
// base now point at the override, and removes the base from the task
// table. Overriding a task that does not exist is an error (spec §7
// OverrideTargetMissing).
func (l *Loader) applyOverrides(pkg *model.Package) {
	redirect := map[string]string{}
	for fq, t := range pkg.Tasks {
		for _, tag := range t.Tags {
			const prefix = "override:"
			if len(tag) > len(prefix) && tag[:len(prefix)] == prefix {
				target := tag[len(prefix):]
				if _, ok := pkg.Tasks[target]; !ok {
					l.Sink.Error(diag.KindOverrideTargetMiss,
						fmt.Sprintf("override target %q (from %q) does not exist", target, fq), loc(pkg.BaseDir))
					continue
				}
				redirect[target] = fq
			}
		}
	}
	if len(redirect) == 0 {
		return
	}
	for target, replacement := range redirect {
		delete(pkg.Tasks, target)
		for _, t := range pkg.Tasks {
			if t.Uses == target {
				t.Uses = replacement
			}
			for i, n := range t.Needs {
				if n == target {
					t.Needs[i] = replacement
				}
			}
		}
	}
}

// expandKeywords expands `${{ }}` references inside `uses` and `needs`
// before any name lookup, per spec §4.2 "Variable expansion in
// keywords": failure messages must name the expanded target, never the
// template source.
func (l *Loader) expandKeywords(pkg *model.Package) {
	scope := l.packageScope(pkg)
	for fq, t := range pkg.Tasks {
		if t.Uses != "" {
			expanded, err := expandRef(t.Uses, scope)
			if err != nil {
				l.Sink.Error(diag.KindUnknownReference,
					fmt.Sprintf("task %q: cannot expand uses %q: %v", fq, t.Uses, err), loc(pkg.BaseDir))
			} else {
				t.Uses = expanded
			}
		}
		for i, n := range t.Needs {
			expanded, err := expandRef(n, scope)
			if err != nil {
				l.Sink.Error(diag.KindUnknownReference,
					fmt.Sprintf("task %q: cannot expand needs %q: %v", fq, n, err), loc(pkg.BaseDir))
				continue
			}
			t.Needs[i] = expanded
		}
	}
}

func expandRef(s string, scope *value.Scope) (string, error) {
	v, err := value.Expand(s, scope, 8)
	if err != nil {
		return s, err
	}
	if sv, ok := v.(string); ok {
		return sv, nil
	}
	return value.Native(v), nil
}

func (l *Loader) packageScope(pkg *model.Package) *value.Scope {
	scope := value.NewScope()
	scope.Package = pkg.Vars
	for alias, impName := range pkg.Imports {
		if imp, ok := l.byName[impName]; ok {
			scope.Imports[alias] = imp.Vars
		}
	}
	return scope
}

// resolveInheritance merges a task's schema/produces with its `uses`
// base, recursively, per spec §4.2: "T's parameter schema = S's schema
// with T's definitions overlaid; T's produces extends S's; T's other
// fields override S's by presence."
func (l *Loader) resolveInheritance(pkg *model.Package) {
	visiting := map[string]bool{}
	var resolve func(t *model.Task) *model.Task
	resolve = func(t *model.Task) *model.Task {
		if t.Uses == "" {
			return t
		}
		if visiting[t.Name] {
			l.Sink.Error(diag.KindCircularDependency,
				fmt.Sprintf("task %q has a circular uses chain through %q", t.Name, t.Uses), loc(pkg.BaseDir))
			return t
		}
		visiting[t.Name] = true
		defer delete(visiting, t.Name)

		base := l.resolveTaskRef(pkg, t.Uses)
		if base == nil {
			l.Sink.Error(diag.KindUnknownReference,
				fmt.Sprintf("task %q: unresolved uses %q", t.Name, t.Uses), loc(pkg.BaseDir))
			return t
		}
		if base.Uses != "" {
			base = resolve(base)
		}
		merged := *t
		merged.Params = base.Params.Merge(t.Params)
		merged.Produces = append(append([]map[string]value.Value{}, base.Produces...), t.Produces...)
		if len(t.Consumes) == 0 {
			merged.Consumes = base.Consumes
		}
		if t.Shell == "" {
			merged.Shell = base.Shell
		}
		if t.Body == "" {
			merged.Body = base.Body
		}
		if t.Control == nil {
			merged.Control = base.Control
		}
		if t.Strategy == nil {
			merged.Strategy = base.Strategy
		}
		if len(t.Subtasks) == 0 {
			merged.Subtasks = base.Subtasks
		}
		if t.Rundir == "" {
			merged.Rundir = base.Rundir
		}
		if !t.Cache.Enabled && len(t.Cache.Hash) == 0 {
			merged.Cache = base.Cache
		}
		*t = merged
		return t
	}
	for _, t := range pkg.Tasks {
		resolve(t)
	}
}

// ResolveTask implements graph.Resolver over this Loader's linked
// package set, so a graph.Builder can resolve `needs`/`subtasks`
// references by name without its own copy of package-lookup logic.
// fromPkg must name a package this Loader has already loaded.
func (l *Loader) ResolveTask(fromPkg, ref string) (*model.Task, bool) {
	pkg, ok := l.byName[fromPkg]
	if !ok {
		return nil, false
	}
	t := l.resolveTaskRef(pkg, ref)
	return t, t != nil
}

// resolveTaskRef implements spec §4.2 task-name resolution for the
// loader's own internal consumers: (a) fully-qualified, or (c)
// unqualified within the current package's scope. Fragment-qualified
// lookup (b) is reserved for the CLI entry path and is intentionally
// not attempted here.
func (l *Loader) resolveTaskRef(pkg *model.Package, ref string) *model.Task {
	if t, ok := pkg.Tasks[ref]; ok {
		return t
	}
	for _, frag := range pkg.Fragment {
		if t, ok := pkg.Tasks[frag+"."+ref]; ok {
			return t
		}
	}
	if t, ok := pkg.Tasks[pkg.Name+"."+ref]; ok {
		return t
	}
	for _, impName := range pkg.Imports {
		if imp, ok := l.byName[impName]; ok {
			if t, ok := imp.Tasks[ref]; ok && t.Visibility != model.VisLocal {
				return t
			}
			if t, ok := imp.Tasks[impName+"."+ref]; ok && t.Visibility != model.VisLocal {
				return t
			}
		}
	}
	return nil
}

// computeFeeds derives each task's reverse-dependency (Feeds) list
// from the forward Needs edges.
func (l *Loader) computeFeeds(pkg *model.Package) {
	for _, t := range pkg.Tasks {
		t.Feeds = nil
	}
	for fq, t := range pkg.Tasks {
		for _, n := range t.Needs {
			target := l.resolveTaskRef(pkg, n)
			if target == nil {
				continue
			}
			target.Feeds = append(target.Feeds, fq)
		}
	}
}

// checkUnused emits a warning for any default-visibility task that no
// other task `needs` and that is not itself a subtask of a compound
// (spec §7 UnusedTask, a warning, never an error).
func (l *Loader) checkUnused(pkg *model.Package) {
	referenced := map[string]bool{}
	for _, t := range pkg.Tasks {
		for _, n := range t.Needs {
			referenced[n] = true
		}
		for _, s := range t.Subtasks {
			referenced[s] = true
		}
	}
	for fq, t := range pkg.Tasks {
		// root/export-visible tasks are entry points by design and are
		// never flagged; only a plain (default-scope) task that nothing
		// needs or aggregates is suspicious.
		if t.Visibility != model.VisDefault {
			continue
		}
		if referenced[fq] {
			continue
		}
		l.Sink.Warn(diag.KindUnusedTask, fmt.Sprintf("task %q is never referenced by needs/subtasks", fq), loc(pkg.BaseDir))
	}
}
