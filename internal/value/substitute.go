package value

import (
	"fmt"
	"strings"
)

// Expand scans s for `${{ expr }}` placeholders and evaluates each
// against scope. A string consisting of exactly one placeholder (with
// only whitespace around it) preserves the evaluated value's native
// type; any other mix of literal text and placeholders is stringified
// with Native and concatenated.
func Expand(s string, scope *Scope, maxDepth int) (Value, error) {
	if maxDepth <= 0 {
		return nil, fmt.Errorf("expansion exceeded maximum nesting depth")
	}
	parts, err := splitPlaceholders(s)
	if err != nil {
		return nil, err
	}
	if len(parts) == 1 && parts[0].isExpr {
		v, err := evalPart(parts[0], scope)
		if err != nil {
			return nil, err
		}
		return rexpand(v, scope, maxDepth-1)
	}
	var b strings.Builder
	for _, p := range parts {
		if !p.isExpr {
			b.WriteString(p.text)
			continue
		}
		v, err := evalPart(p, scope)
		if err != nil {
			return nil, err
		}
		if maxDepth > 1 {
			if sv, ok := v.(string); ok && strings.Contains(sv, "${{") {
				ev, err := Expand(sv, scope, maxDepth-1)
				if err != nil {
					return nil, err
				}
				b.WriteString(Native(ev))
				continue
			}
		}
		b.WriteString(Native(v))
	}
	return b.String(), nil
}

// rexpand re-expands a whole-string substitution result when it is
// itself a string containing further placeholders, so that nested
// `${{ }}` references resolve without the caller expanding twice.
func rexpand(v Value, scope *Scope, maxDepth int) (Value, error) {
	sv, ok := v.(string)
	if !ok || !strings.Contains(sv, "${{") {
		return v, nil
	}
	if maxDepth <= 0 {
		return nil, fmt.Errorf("expansion exceeded maximum nesting depth")
	}
	return Expand(sv, scope, maxDepth)
}

type part struct {
	text   string
	isExpr bool
}

func evalPart(p part, scope *Scope) (Value, error) {
	expr, err := Parse(p.text)
	if err != nil {
		return nil, err
	}
	return expr.Eval(scope)
}

// splitPlaceholders breaks s into a sequence of literal-text and
// expression parts delimited by "${{" and "}}".
func splitPlaceholders(s string) ([]part, error) {
	var out []part
	i := 0
	for i < len(s) {
		start := strings.Index(s[i:], "${{")
		if start < 0 {
			out = append(out, part{text: s[i:]})
			break
		}
		start += i
		if start > i {
			out = append(out, part{text: s[i:start]})
		}
		end := strings.Index(s[start+3:], "}}")
		if end < 0 {
			return nil, fmt.Errorf("unterminated placeholder in %q", s)
		}
		end += start + 3
		out = append(out, part{text: strings.TrimSpace(s[start+3 : end]), isExpr: true})
		i = end + 2
	}
	if len(out) == 0 {
		out = append(out, part{text: ""})
	}
	return out, nil
}
