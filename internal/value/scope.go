package value

import (
	"fmt"

	"github.com/dvflow/dvflow/internal/env"
)

// Scope implements the reference lookup order: local task parameters
// -> enclosing compound task parameters (this.*) -> package variables
// -> imported package variables (qualified by package name) ->
// builtin constants (true/false/null). Environment variables are
// reached only through the `env.NAME` prefix, never as a fallback for
// a bare name.
type Scope struct {
	Local   map[string]Value
	This    map[string]Value
	Package map[string]Value
	Imports map[string]map[string]Value
	Env     env.Map
	parent  *Scope
}

// NewScope creates an empty root scope.
func NewScope() *Scope {
	return &Scope{
		Local:   map[string]Value{},
		This:    map[string]Value{},
		Package: map[string]Value{},
		Imports: map[string]map[string]Value{},
	}
}

// Child creates a nested scope (e.g. for a compound task's subtask)
// that falls back to the parent's package/import/env frames but has
// its own local/this frames.
func (s *Scope) Child() *Scope {
	c := NewScope()
	c.parent = s
	if s != nil {
		c.Package = s.Package
		c.Imports = s.Imports
		c.Env = s.Env
	}
	return c
}

// Lookup resolves a dotted reference (e.g. "a.b.c", "env.NAME",
// "imported_pkg.var") against the precedence chain. An unresolved name
// is an error; the caller is expected to attach the expression's
// source location.
func (s *Scope) Lookup(path []string) (Value, error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("empty reference")
	}
	head := path[0]

	switch head {
	case "env":
		if len(path) < 2 {
			return nil, fmt.Errorf("env reference requires a variable name")
		}
		if v, ok := s.Env[path[1]]; ok {
			return v, nil
		}
		return nil, fmt.Errorf("undefined environment variable %q", path[1])
	case "this":
		return resolveIn(s.This, path[1:], "this")
	}

	if v, ok := s.Local[head]; ok {
		return resolveValue(v, path[1:])
	}
	if v, ok := s.This[head]; ok {
		return resolveValue(v, path[1:])
	}
	if v, ok := s.Package[head]; ok {
		return resolveValue(v, path[1:])
	}
	if pkgVars, ok := s.Imports[head]; ok {
		return resolveIn(pkgVars, path[1:], head)
	}
	if v, ok := builtinConstants[head]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("unresolved reference %q", joinPath(path))
}

func resolveIn(frame map[string]Value, rest []string, frameName string) (Value, error) {
	if len(rest) == 0 {
		return nil, fmt.Errorf("reference to %q requires a field", frameName)
	}
	v, ok := frame[rest[0]]
	if !ok {
		return nil, fmt.Errorf("unresolved reference %q.%q", frameName, rest[0])
	}
	return resolveValue(v, rest[1:])
}

// resolveValue walks the remaining dotted/indexed path segments into a
// nested map/list value.
func resolveValue(v Value, rest []string) (Value, error) {
	cur := v
	for _, seg := range rest {
		m, ok := cur.(map[string]Value)
		if !ok {
			return nil, fmt.Errorf("cannot access field %q of non-map value", seg)
		}
		nv, ok := m[seg]
		if !ok {
			return nil, fmt.Errorf("unresolved field %q", seg)
		}
		cur = nv
	}
	return cur, nil
}

func joinPath(path []string) string {
	out := path[0]
	for _, p := range path[1:] {
		out += "." + p
	}
	return out
}
