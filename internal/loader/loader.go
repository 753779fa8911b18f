package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dvflow/dvflow/internal/diag"
	"github.com/dvflow/dvflow/internal/model"
	"github.com/dvflow/dvflow/internal/util"
	"github.com/dvflow/dvflow/internal/value"
)

var packageTopKeys = map[string]bool{
	"name": true, "imports": true, "fragments": true, "params": true,
	"vars": true, "tasks": true, "types": true, "tags": true,
	"config": true, "configs": true, "override": true, "fragment": true,
}

var taskKeys = map[string]bool{
	"uses": true, "override": true, "params": true, "with": true,
	"needs": true, "consumes": true, "produces": true, "subtasks": true,
	"strategy": true, "rundir": true, "visibility": true, "scope": true,
	"passthrough": true, "iff": true, "control": true, "cache": true,
	"shell": true, "body": true, "tags": true, "doc": true,
}

// Loader resolves a declarative package-file tree into elaborated
// model.Package instances, reporting markers through Sink and caching
// loaded packages by canonical path so that loading the same path
// twice yields the same instance (spec §3).
type Loader struct {
	Sink       *diag.Sink
	SearchPath []string

	// arena indexes every parsed package by canonical file path (phase
	// one of the two-phase load: spec §9 "Cyclic package references" —
	// parse all, then link, using indices instead of pointers for
	// back-references so declarative import cycles need no mutable
	// cycles in the elaborated model).
	arena    map[string]*model.Package
	arenaOrd []string
	byName   map[string]*model.Package
}

// New creates a Loader that reports diagnostics to sink.
func New(sink *diag.Sink, searchPath ...string) *Loader {
	return &Loader{
		Sink:       sink,
		SearchPath: searchPath,
		arena:      map[string]*model.Package{},
		byName:     map[string]*model.Package{},
	}
}

// Load parses the package file at path (and everything it transitively
// imports/fragments), elaborates it, and returns the resulting
// model.Package. Errors are reported as diag markers; Load returns a
// non-nil error only for unrecoverable I/O/parse failures that leave
// no package to elaborate.
func (l *Loader) Load(path string) (*model.Package, error) {
	canon, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if pkg, ok := l.arena[canon]; ok {
		return pkg, nil
	}
	// Phase one: parse this file and every transitive import/fragment
	// into the arena, without resolving cross-references yet.
	pkg, err := l.parseOne(canon)
	if err != nil {
		return nil, err
	}
	// Phase two: link + elaborate. Idempotent per package since
	// elaborate mutates in place and is only invoked once per Load
	// root; nested Load calls during import-following return the
	// unlinked arena entry which the root's elaborate pass completes.
	l.elaborate(pkg)
	return pkg, nil
}

func (l *Loader) parseOne(canon string) (*model.Package, error) {
	if pkg, ok := l.arena[canon]; ok {
		return pkg, nil
	}
	data, err := os.ReadFile(canon)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", canon, err)
	}
	om, err := parseFile(canon, data)
	if err != nil {
		return nil, err
	}

	l.checkUnknownKeys(om, packageTopKeys, canon, "package")

	name, _ := om.Get("name")
	pkgName, _ := name.(string)
	if pkgName == "" {
		pkgName = strings.TrimSuffix(filepath.Base(canon), filepath.Ext(canon))
	}
	pkg := model.NewPackage(pkgName, filepath.Dir(canon))
	l.arena[canon] = pkg
	l.arenaOrd = append(l.arenaOrd, canon)
	l.byName[pkgName] = pkg

	l.loadVars(om, pkg)
	l.loadTasksAndTypes(om, pkg, "")

	// imports: other package files, resolved against the search path.
	if rawImports, ok := om.Get("imports"); ok {
		for _, imp := range asList(rawImports) {
			importPath, alias := splitImportAlias(asString(imp))
			resolved, err := l.resolvePath(canon, importPath)
			if err != nil {
				l.Sink.Error(diag.KindUnknownReference,
					fmt.Sprintf("cannot resolve import %q in %s: %v", importPath, canon, err), loc(canon))
				continue
			}
			impPkg, err := l.parseOne(resolved)
			if err != nil {
				l.Sink.Error(diag.KindUnknownReference,
					fmt.Sprintf("failed to load import %q: %v", importPath, err), loc(canon))
				continue
			}
			if alias == "" {
				alias = impPkg.Name
			}
			pkg.Imports[alias] = impPkg.Name
			l.byName[impPkg.Name] = impPkg
		}
	}

	// fragments: files contributing to this package's own namespace.
	if rawFrags, ok := om.Get("fragments"); ok {
		seen := map[string]bool{}
		for _, f := range asList(rawFrags) {
			fragPath, fragName := splitImportAlias(asString(f))
			resolved, err := l.resolvePath(canon, fragPath)
			if err != nil {
				l.Sink.Error(diag.KindUnknownReference,
					fmt.Sprintf("cannot resolve fragment %q in %s: %v", fragPath, canon, err), loc(canon))
				continue
			}
			if fragName == "" {
				fragName = strings.TrimSuffix(filepath.Base(resolved), filepath.Ext(resolved))
			}
			if seen[fragName] {
				l.Sink.Error(diag.KindDuplicateFragment,
					fmt.Sprintf("duplicate fragment name %q in package %q", fragName, pkg.Name), loc(canon))
				continue
			}
			seen[fragName] = true
			fdata, err := os.ReadFile(resolved)
			if err != nil {
				l.Sink.Error(diag.KindUnknownReference, fmt.Sprintf("reading fragment %s: %v", resolved, err), loc(canon))
				continue
			}
			fom, err := parseFile(resolved, fdata)
			if err != nil {
				l.Sink.Error(diag.KindSchemaValidation, err.Error(), loc(resolved))
				continue
			}
			l.checkUnknownKeys(fom, packageTopKeys, resolved, "fragment")
			l.loadVars(fom, pkg)
			l.loadTasksAndTypes(fom, pkg, fragName)
			pkg.Fragment = append(pkg.Fragment, fragName)
		}
	}

	if rawTags, ok := om.Get("tags"); ok {
		for _, t := range asList(rawTags) {
			pkg.Tags = append(pkg.Tags, asString(t))
		}
	}

	return pkg, nil
}

func (l *Loader) checkUnknownKeys(om *OrderedMap, allowed map[string]bool, file, kind string) {
	for _, k := range om.Keys {
		if !allowed[k] {
			s := suggest(k, keysOf(allowed))
			msg := fmt.Sprintf("unknown %s field %q in %s", kind, k, file)
			if s != "" {
				msg += fmt.Sprintf(" (did you mean %q?)", s)
			}
			l.Sink.Error(diag.KindSchemaValidation, msg, loc(file))
		}
	}
}

func keysOf(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func loc(file string) *diag.Location { return &diag.Location{File: file} }

func (l *Loader) loadVars(om *OrderedMap, pkg *model.Package) {
	raw, ok := om.Get("vars")
	if !ok {
		raw, ok = om.Get("params")
	}
	if !ok {
		return
	}
	vm, ok := raw.(*OrderedMap)
	if !ok {
		return
	}
	for _, k := range vm.Keys {
		entry := vm.Values[k]
		field, defVal := l.decodeParamField(k, entry)
		pkg.Params = append(pkg.Params, field)
		if field.HasDflt {
			pkg.Vars[k] = defVal
		}
	}
}

// decodeParamField decodes one {type, default, doc} schema entry; a
// bare scalar/list/map entry (not an OrderedMap with a "type" key) is
// treated as a literal default with an inferred type, matching
// original_source's permissive `vars:` shorthand.
func (l *Loader) decodeParamField(name string, entry any) (model.ParamField, value.Value) {
	if om, ok := entry.(*OrderedMap); ok {
		if _, hasType := om.Get("type"); hasType {
			f := model.ParamField{Name: name}
			if t, ok := om.Get("type"); ok {
				f.Type = model.ParamType(asString(t))
			}
			if d, ok := om.Get("default"); ok {
				f.HasDflt = true
				f.Default = toValue(d)
			}
			if doc, ok := om.Get("doc"); ok {
				f.Doc = asString(doc)
			}
			return f, f.Default
		}
	}
	v := toValue(entry)
	return model.ParamField{Name: name, Type: model.ParamType(inferType(v)), Default: v, HasDflt: true}, v
}

func inferType(v value.Value) string {
	switch v.(type) {
	case bool:
		return "bool"
	case int64, int:
		return "int"
	case float64:
		return "float"
	case []value.Value:
		return "list"
	case map[string]value.Value:
		return "map"
	default:
		return "str"
	}
}

func (l *Loader) loadTasksAndTypes(om *OrderedMap, pkg *model.Package, fragName string) {
	if rawTasks, ok := om.Get("tasks"); ok {
		tm, ok := rawTasks.(*OrderedMap)
		if ok {
			for _, k := range tm.Keys {
				l.loadOneTask(tm.Values[k], k, pkg, fragName)
			}
		}
	}
	if rawTypes, ok := om.Get("types"); ok {
		tym, ok := rawTypes.(*OrderedMap)
		if ok {
			for _, k := range tym.Keys {
				l.loadOneType(tym.Values[k], k, pkg, fragName)
			}
		}
	}
}

func (l *Loader) qualify(pkg *model.Package, fragName, local string) string {
	if fragName != "" {
		return util.JoinName(pkg.Name, fragName, local)
	}
	return util.JoinName(pkg.Name, local)
}

func (l *Loader) loadOneTask(raw any, local string, pkg *model.Package, fragName string) {
	om, ok := raw.(*OrderedMap)
	if !ok {
		l.Sink.Error(diag.KindSchemaValidation, fmt.Sprintf("task %q must be a mapping", local), loc(pkg.BaseDir))
		return
	}
	l.checkUnknownKeys(om, taskKeys, pkg.BaseDir, fmt.Sprintf("task %q", local))

	fq := l.qualify(pkg, fragName, local)
	if _, dup := pkg.Tasks[fq]; dup {
		l.Sink.Error(diag.KindDuplicateFragment, fmt.Sprintf("task %q already defined", fq), loc(pkg.BaseDir))
		return
	}

	t := &model.Task{Name: fq, Rundir: model.RundirUnique, Visibility: model.VisDefault, Passthrough: model.PassNone}

	if v, ok := om.Get("uses"); ok {
		t.Uses = asString(v)
	}
	if v, ok := om.Get("override"); ok {
		target := asString(v)
		if !strings.Contains(target, util.NameDelimiter) {
			target = l.qualify(pkg, fragName, target)
		}
		t.Tags = append(t.Tags, "override:"+target)
	}
	if v, ok := om.Get("params"); ok {
		if pm, ok := v.(*OrderedMap); ok {
			for _, k := range pm.Keys {
				f, _ := l.decodeParamField(k, pm.Values[k])
				t.Params = append(t.Params, f)
			}
		}
	}
	if v, ok := om.Get("with"); ok {
		if wm, ok := v.(*OrderedMap); ok {
			for _, k := range wm.Keys {
				f, dv := l.decodeParamField(k, wm.Values[k])
				f.HasDflt = true
				f.Default = dv
				t.Params = append(t.Params, f)
			}
		}
	}
	if v, ok := om.Get("needs"); ok {
		t.Needs = asStringList(v)
	}
	if v, ok := om.Get("consumes"); ok {
		t.Consumes = asPatternList(v)
	}
	if v, ok := om.Get("produces"); ok {
		t.Produces = asPatternList(v)
	}
	if v, ok := om.Get("subtasks"); ok {
		t.Subtasks = asStringList(v)
	}
	if v, ok := om.Get("strategy"); ok {
		t.Strategy = l.decodeStrategy(v)
	}
	if v, ok := om.Get("rundir"); ok {
		t.Rundir = model.RundirPolicy(asString(v))
	}
	if v, ok := om.Get("visibility"); ok {
		t.Visibility = model.Visibility(asString(v))
	} else if v, ok := om.Get("scope"); ok {
		t.Visibility = model.Visibility(asString(v))
	}
	if v, ok := om.Get("passthrough"); ok {
		t.Passthrough = model.Passthrough(asString(v))
	}
	if v, ok := om.Get("iff"); ok {
		t.Iff = asString(v)
	}
	if v, ok := om.Get("control"); ok {
		t.Control = l.decodeControl(v)
	}
	if v, ok := om.Get("cache"); ok {
		t.Cache = l.decodeCache(v)
	}
	if v, ok := om.Get("shell"); ok {
		t.Shell = asString(v)
	}
	if v, ok := om.Get("body"); ok {
		t.Body = asString(v)
	}
	if v, ok := om.Get("tags"); ok {
		for _, tg := range asList(v) {
			t.Tags = append(t.Tags, asString(tg))
		}
	}
	if v, ok := om.Get("doc"); ok {
		t.Doc = asString(v)
	}

	if t.Control != nil && t.Strategy != nil {
		l.Sink.Error(diag.KindSchemaValidation,
			fmt.Sprintf("task %q: control and strategy are mutually exclusive", fq), loc(pkg.BaseDir))
	}

	pkg.Tasks[fq] = t
}

func (l *Loader) loadOneType(raw any, local string, pkg *model.Package, fragName string) {
	om, ok := raw.(*OrderedMap)
	if !ok {
		return
	}
	fq := l.qualify(pkg, fragName, local)
	ty := &model.Type{Name: fq}
	if v, ok := om.Get("doc"); ok {
		ty.Doc = asString(v)
	}
	if v, ok := om.Get("fields"); ok {
		if fm, ok := v.(*OrderedMap); ok {
			for _, k := range fm.Keys {
				f, _ := l.decodeParamField(k, fm.Values[k])
				ty.Fields = append(ty.Fields, f)
			}
		}
	}
	pkg.Types[fq] = ty
}

func (l *Loader) decodeStrategy(raw any) *model.Strategy {
	om, ok := raw.(*OrderedMap)
	if !ok {
		return nil
	}
	s := &model.Strategy{}
	if v, ok := om.Get("matrix"); ok {
		if mm, ok := v.(*OrderedMap); ok {
			for _, k := range mm.Keys {
				vals := asList(mm.Values[k])
				dim := model.MatrixDim{Key: k}
				for _, e := range vals {
					dim.Values = append(dim.Values, toValue(e))
				}
				s.Matrix = append(s.Matrix, dim)
			}
		}
	}
	if v, ok := om.Get("generate"); ok {
		s.Generate = asString(v)
	}
	if v, ok := om.Get("lang"); ok {
		s.GenLang = asString(v)
	}
	if v, ok := om.Get("script"); ok {
		s.GenScript = asString(v)
	}
	return s
}

func (l *Loader) decodeControl(raw any) *model.Control {
	om, ok := raw.(*OrderedMap)
	if !ok {
		return nil
	}
	c := &model.Control{}
	if v, ok := om.Get("kind"); ok {
		c.Kind = model.ControlKind(asString(v))
	}
	if v, ok := om.Get("cond"); ok {
		c.Cond = asString(v)
	}
	if v, ok := om.Get("count"); ok {
		c.Count = asString(v)
	}
	if v, ok := om.Get("until"); ok {
		c.Until = asString(v)
	}
	if v, ok := om.Get("max_iter"); ok {
		c.MaxIter = asString(v)
	}
	if v, ok := om.Get("cases"); ok {
		for _, e := range asList(v) {
			if em, ok := e.(*OrderedMap); ok {
				mc := model.MatchCase{}
				if w, ok := em.Get("when"); ok {
					mc.When = asString(w)
				}
				if _, ok := em.Get("default"); ok {
					mc.Default = true
				}
				c.Cases = append(c.Cases, mc)
			}
		}
	}
	if v, ok := om.Get("state"); ok {
		if sm, ok := v.(*OrderedMap); ok {
			if initRaw, ok := sm.Get("init"); ok {
				if im, ok := initRaw.(*OrderedMap); ok {
					c.Init = map[string]value.Value{}
					for _, k := range im.Keys {
						c.Init[k] = toValue(im.Values[k])
					}
				}
			}
		}
	}
	switch c.Kind {
	case model.ControlIf:
		if c.Cond == "" {
			l.Sink.Error(diag.KindSchemaValidation, "control.if requires cond", nil)
		}
	case model.ControlMatch:
		if len(c.Cases) == 0 {
			l.Sink.Error(diag.KindSchemaValidation, "control.match requires cases", nil)
		}
	case model.ControlRepeat:
		if c.Count == "" {
			l.Sink.Error(diag.KindSchemaValidation, "control.repeat requires count", nil)
		}
	case model.ControlWhile:
		if c.Cond == "" || c.MaxIter == "" {
			l.Sink.Error(diag.KindSchemaValidation, "control.while requires cond and max_iter", nil)
		}
	case model.ControlDoWhile:
		if c.Until == "" || c.MaxIter == "" {
			l.Sink.Error(diag.KindSchemaValidation, "control.do-while requires until and max_iter", nil)
		}
	}
	return c
}

func (l *Loader) decodeCache(raw any) model.CachePolicy {
	switch t := raw.(type) {
	case bool:
		return model.CachePolicy{Enabled: t}
	case *OrderedMap:
		cp := model.CachePolicy{Enabled: true}
		if v, ok := t.Get("enabled"); ok {
			if b, ok := v.(bool); ok {
				cp.Enabled = b
			}
		}
		if v, ok := t.Get("hash"); ok {
			cp.Hash = asStringList(v)
		}
		return cp
	default:
		return model.CachePolicy{}
	}
}

func asList(raw any) []any {
	l, ok := raw.([]any)
	if !ok {
		return nil
	}
	return l
}

func asString(raw any) string {
	s, _ := raw.(string)
	return s
}

func asStringList(raw any) []string {
	items := asList(raw)
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, asString(it))
	}
	return out
}

// asPatternList decodes a `consumes`/`produces` field: a bare map is
// one pattern; a list is OR'd patterns; "all"/"none" are kept as a
// single-key sentinel pattern {"__mode": "all"|"none"}.
func asPatternList(raw any) []map[string]value.Value {
	switch t := raw.(type) {
	case string:
		return []map[string]value.Value{{"__mode": t}}
	case *OrderedMap:
		p := map[string]value.Value{}
		for _, k := range t.Keys {
			p[k] = toValue(t.Values[k])
		}
		return []map[string]value.Value{p}
	case []any:
		out := make([]map[string]value.Value, 0, len(t))
		for _, e := range t {
			out = append(out, asPatternList(e)...)
		}
		return out
	default:
		return nil
	}
}

// resolvePath resolves an import/fragment reference against the
// importing file's directory, then the configured search path.
func (l *Loader) resolvePath(fromFile, ref string) (string, error) {
	if filepath.IsAbs(ref) {
		return ref, nil
	}
	candidate := filepath.Join(filepath.Dir(fromFile), ref)
	if _, err := os.Stat(candidate); err == nil {
		return filepath.Abs(candidate)
	}
	for _, sp := range l.SearchPath {
		candidate = filepath.Join(sp, ref)
		if _, err := os.Stat(candidate); err == nil {
			return filepath.Abs(candidate)
		}
	}
	return "", fmt.Errorf("%q not found relative to %s or search path", ref, fromFile)
}

// splitImportAlias splits "path as alias" / "path#fragname" forms used
// by imports (alias) and fragments (name segment).
func splitImportAlias(s string) (path, alias string) {
	if i := strings.Index(s, " as "); i >= 0 {
		return strings.TrimSpace(s[:i]), strings.TrimSpace(s[i+4:])
	}
	if i := strings.Index(s, "#"); i >= 0 {
		return s[:i], s[i+1:]
	}
	return s, ""
}
