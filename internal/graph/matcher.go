package graph

import (
	"strings"

	"github.com/gobwas/glob"

	"github.com/dvflow/dvflow/internal/value"
)

// Pattern is one consumes/produces attribute-map pattern, or the
// sentinel {"__mode": "all"|"none"} forms emitted by the loader for the
// bare `all`/`none` keywords.
type Pattern = map[string]value.Value

// Matches implements spec §4.6's subset-match law: a consume pattern
// matches a produce pattern iff every (k,v) in the consume pattern
// exists in the produce pattern with an equal value.
func Matches(consume, produce Pattern) bool {
	for k, v := range consume {
		pv, ok := produce[k]
		if !ok || !valueEqual(pv, v) {
			return false
		}
	}
	return true
}

func valueEqual(a, b value.Value) bool {
	// Numeric cross-type equality (int64 vs float64) mirrors the
	// expression layer's loose numeric comparison.
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		return af == bf
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return stringMatches(as, bs)
		}
	}
	return a == b
}

// stringMatches compares a consume pattern's string value against a
// produce pattern's: a glob (containing `*`, `?` or `[`) is compiled
// with gobwas/glob and matched against the produced value, so a
// pattern like `files: "*.json"` matches any produced filename, not
// just the literal string; a plain string still requires equality.
func stringMatches(pattern, produced string) bool {
	if !strings.ContainsAny(pattern, "*?[") {
		return pattern == produced
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return pattern == produced
	}
	return g.Match(produced)
}

func asFloat(v value.Value) (float64, bool) {
	f, err := value.AsFloat(v)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Compatible implements spec §4.6/property #4 for a consumer's whole
// `consumes` declaration (OR across patterns) against a producer's
// whole `produces` declaration:
//   - absent or a single {"__mode":"all"} pattern -> always true.
//   - a single {"__mode":"none"} pattern -> true iff produces is empty.
//   - otherwise -> true iff some consume pattern subset-matches some
//     produce pattern.
func Compatible(consumes, produces []Pattern) bool {
	if len(consumes) == 0 {
		return true
	}
	if len(consumes) == 1 {
		if mode, ok := consumes[0]["__mode"]; ok {
			switch mode {
			case "all":
				return true
			case "none":
				return len(produces) == 0
			}
		}
	}
	for _, c := range consumes {
		for _, p := range produces {
			if Matches(c, p) {
				return true
			}
		}
	}
	return false
}
