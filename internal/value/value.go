// Package value implements the expression layer: parsing and
// evaluating `${{ expr }}` references against nested scopes, with
// typed coercion and native-runtime stringification. No pack example
// repo ships a general-purpose expression-grammar library narrow
// enough for this job (see DESIGN.md) so the parser below is
// hand-written, in the spirit of the teacher's own small,
// dependency-free internal/util helpers.
package value

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Value is a dynamically typed value flowing through expressions:
// nil, bool, int64, float64, string, []Value, or map[string]Value.
type Value = any

// Kind names the dynamic type of v, matching the parameter type names
// (`str, int, float, bool, list, map, path, <type-name>`).
func Kind(v Value) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case int64, int:
		return "int"
	case float64:
		return "float"
	case string:
		return "str"
	case []Value:
		return "list"
	case map[string]Value:
		return "map"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// Truthy implements the boolean coercion used by `cond`, `&&`, `||`
// and `!`.
func Truthy(v Value) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case int64:
		return t != 0
	case float64:
		return t != 0
	case string:
		return t != ""
	case []Value:
		return len(t) > 0
	case map[string]Value:
		return len(t) > 0
	default:
		return true
	}
}

// Native renders v the way the expression language's native str()
// does: booleans render as True/False, never true/false or JSON, and
// nil renders as None. Substitution of a bare nil typically never
// happens since undefined references are errors.
func Native(v Value) string {
	switch t := v.(type) {
	case nil:
		return "None"
	case bool:
		if t {
			return "True"
		}
		return "False"
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case string:
		return t
	case []Value:
		parts := make([]string, len(t))
		for i, e := range t {
			parts[i] = pyRepr(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case map[string]Value:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = fmt.Sprintf("%s: %s", pyRepr(k), pyRepr(t[k]))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	default:
		return fmt.Sprintf("%v", t)
	}
}

// pyRepr renders a nested value the way Python's repr() would inside a
// list/dict literal (quoted strings), distinct from Native's top-level
// str() behavior.
func pyRepr(v Value) string {
	if s, ok := v.(string); ok {
		return "'" + strings.ReplaceAll(s, "'", "\\'") + "'"
	}
	return Native(v)
}

// AsFloat coerces numeric values to float64 for arithmetic; returns an
// error for non-numeric operands.
func AsFloat(v Value) (float64, error) {
	switch t := v.(type) {
	case int64:
		return float64(t), nil
	case int:
		return float64(t), nil
	case float64:
		return t, nil
	default:
		return 0, fmt.Errorf("cannot coerce %s to a number", Kind(v))
	}
}

// isIntValue reports whether v is an int64 or int (floats never
// qualify) and returns it as int64, used to decide whether an
// arithmetic result should stay an int64.
func isIntValue(v Value) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	}
	return 0, false
}
