package value

import (
	"fmt"
	"os/exec"
	"sort"
	"strings"
)

var builtinConstants = map[string]Value{
	"true":  true,
	"false": false,
	"null":  nil,
}

// BuiltinFunc is the signature every builtin function/filter implements.
type BuiltinFunc func(args []Value) (Value, error)

// Builtins is the default set of named functions and pipe filters:
// length, sort, unique, reverse, first, last, split, and shell(cmd).
var Builtins = map[string]BuiltinFunc{
	"length":  builtinLength,
	"sort":    builtinSort,
	"unique":  builtinUnique,
	"reverse": builtinReverse,
	"first":   builtinFirst,
	"last":    builtinLast,
	"split":   builtinSplit,
	"shell":   builtinShell,
}

func asList(v Value) ([]Value, error) {
	switch t := v.(type) {
	case []Value:
		return t, nil
	case string:
		out := make([]Value, len(t))
		for i, r := range []rune(t) {
			out[i] = string(r)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a list, got %s", Kind(v))
	}
}

func builtinLength(args []Value) (Value, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("length() takes exactly one argument")
	}
	switch t := args[0].(type) {
	case string:
		return int64(len(t)), nil
	case []Value:
		return int64(len(t)), nil
	case map[string]Value:
		return int64(len(t)), nil
	default:
		return nil, fmt.Errorf("length() unsupported for %s", Kind(args[0]))
	}
}

func builtinSort(args []Value) (Value, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("sort() takes exactly one argument")
	}
	l, err := asList(args[0])
	if err != nil {
		return nil, err
	}
	out := append([]Value(nil), l...)
	sort.Slice(out, func(i, j int) bool {
		return Native(out[i]) < Native(out[j])
	})
	return out, nil
}

func builtinUnique(args []Value) (Value, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("unique() takes exactly one argument")
	}
	l, err := asList(args[0])
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(l))
	out := make([]Value, 0, len(l))
	for _, v := range l {
		key := Native(v)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	return out, nil
}

func builtinReverse(args []Value) (Value, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("reverse() takes exactly one argument")
	}
	l, err := asList(args[0])
	if err != nil {
		return nil, err
	}
	out := make([]Value, len(l))
	for i, v := range l {
		out[len(l)-1-i] = v
	}
	return out, nil
}

func builtinFirst(args []Value) (Value, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("first() takes exactly one argument")
	}
	l, err := asList(args[0])
	if err != nil {
		return nil, err
	}
	if len(l) == 0 {
		return nil, fmt.Errorf("first() of empty list")
	}
	return l[0], nil
}

func builtinLast(args []Value) (Value, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("last() takes exactly one argument")
	}
	l, err := asList(args[0])
	if err != nil {
		return nil, err
	}
	if len(l) == 0 {
		return nil, fmt.Errorf("last() of empty list")
	}
	return l[len(l)-1], nil
}

func builtinSplit(args []Value) (Value, error) {
	if len(args) < 1 || len(args) > 2 {
		return nil, fmt.Errorf("split() takes one or two arguments")
	}
	s, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("split() first argument must be a string")
	}
	sep := " "
	if len(args) == 2 {
		sepv, ok := args[1].(string)
		if !ok {
			return nil, fmt.Errorf("split() separator must be a string")
		}
		sep = sepv
	}
	var parts []string
	if sep == "" {
		parts = strings.Fields(s)
	} else {
		parts = strings.Split(s, sep)
	}
	out := make([]Value, len(parts))
	for i, p := range parts {
		out[i] = p
	}
	return out, nil
}

// builtinShell runs an external command during expression evaluation
// and returns its trimmed stdout as a string — used by cache hash
// recipes to stamp tool versions into the hash key. This is a
// synchronous, untimed invocation distinct from the task-body
// subprocess plumbing in internal/procexec, which adds timeout/kill
// semantics for long-running task bodies; shell() here is expected to
// be a short, idempotent version probe.
func builtinShell(args []Value) (Value, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("shell() takes exactly one argument")
	}
	cmdline, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("shell() argument must be a string")
	}
	cmd := exec.Command("/bin/sh", "-c", cmdline)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("shell(%q) failed: %w", cmdline, err)
	}
	return strings.TrimRight(string(out), "\n"), nil
}
