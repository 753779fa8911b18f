// Package loader implements the C3 loader & elaborator: parsing package
// files (in either nested-mapping or table-equivalent form), resolving
// imports/fragments, applying inheritance and overrides, and reporting
// markers through a diag.Sink rather than returning Go errors for
// anything recoverable (spec §4.2, §7).
package loader

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/dvflow/dvflow/internal/value"
)

// OrderedMap is a key-ordered map decoded from a package file. Field
// order matters for deterministic ParamSchema/ParamStruct ordering
// (property #1), so the YAML path decodes via yaml.Node to preserve
// declaration order instead of Go's unordered map[string]any.
type OrderedMap struct {
	Keys   []string
	Values map[string]any
}

func newOrderedMap() *OrderedMap {
	return &OrderedMap{Values: map[string]any{}}
}

// Set appends k (if new) and stores v.
func (m *OrderedMap) Set(k string, v any) {
	if _, ok := m.Values[k]; !ok {
		m.Keys = append(m.Keys, k)
	}
	m.Values[k] = v
}

// Get returns the value for k and whether it was present.
func (m *OrderedMap) Get(k string) (any, bool) {
	v, ok := m.Values[k]
	return v, ok
}

// Has reports whether a key (including an explicit null) was present
// in the source document — distinct from "absent", per SPEC_FULL's
// three-valued absent/null/present handling.
func (m *OrderedMap) Has(k string) bool {
	_, ok := m.Values[k]
	return ok
}

// parseFile dispatches on file extension: .dv/.yaml/.yml decode via
// yaml.v3 into an order-preserving OrderedMap; .toml decodes via
// BurntSushi/toml into a plain map (TOML field order is not load-bearing
// in the reference corpus's table form, and the BurntSushi decoder does
// not expose declaration order, so the TOML path accepts this
// documented degradation to alphabetical key order rather than forging
// an order that was never expressed in the file).
func parseFile(path string, data []byte) (*OrderedMap, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".dv", ".yaml", ".yml":
		var root yaml.Node
		if err := yaml.Unmarshal(data, &root); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		if len(root.Content) == 0 {
			return newOrderedMap(), nil
		}
		om, err := nodeToOrderedMap(root.Content[0])
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		return om, nil
	case ".toml":
		var raw map[string]any
		if _, err := toml.Decode(string(data), &raw); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		keys := make([]string, 0, len(raw))
		for k := range raw {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		om := &OrderedMap{Keys: keys, Values: map[string]any{}}
		for k, v := range raw {
			om.Values[k] = tomlToGeneric(v)
		}
		return om, nil
	default:
		return nil, fmt.Errorf("unsupported package file extension %q", ext)
	}
}

func tomlToGeneric(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		om := &OrderedMap{Keys: keys, Values: map[string]any{}}
		for k, vv := range t {
			om.Values[k] = tomlToGeneric(vv)
		}
		return om
	case []map[string]any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = tomlToGeneric(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = tomlToGeneric(e)
		}
		return out
	default:
		return v
	}
}

// nodeToOrderedMap converts a yaml.Node mapping node into an
// OrderedMap, recursively converting nested mappings and sequences.
// Scalars are converted to value.Value (bool/int64/float64/string) via
// the node's resolved tag so downstream decoding sees typed values
// rather than strings for everything.
func nodeToOrderedMap(n *yaml.Node) (*OrderedMap, error) {
	if n.Kind == yaml.DocumentNode {
		if len(n.Content) == 0 {
			return newOrderedMap(), nil
		}
		return nodeToOrderedMap(n.Content[0])
	}
	if n.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("expected a mapping at line %d, got %v", n.Line, n.Kind)
	}
	om := newOrderedMap()
	for i := 0; i+1 < len(n.Content); i += 2 {
		keyNode := n.Content[i]
		valNode := n.Content[i+1]
		v, err := nodeToGeneric(valNode)
		if err != nil {
			return nil, err
		}
		om.Set(keyNode.Value, v)
	}
	return om, nil
}

func nodeToGeneric(n *yaml.Node) (any, error) {
	switch n.Kind {
	case yaml.MappingNode:
		return nodeToOrderedMap(n)
	case yaml.SequenceNode:
		out := make([]any, 0, len(n.Content))
		for _, c := range n.Content {
			v, err := nodeToGeneric(c)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case yaml.ScalarNode:
		if n.Tag == "!!null" {
			return rawNull{}, nil
		}
		var v any
		if err := n.Decode(&v); err != nil {
			return nil, err
		}
		return normalizeScalar(v), nil
	case yaml.AliasNode:
		return nodeToGeneric(n.Alias)
	default:
		return nil, fmt.Errorf("unsupported yaml node kind at line %d", n.Line)
	}
}

// rawNull distinguishes an explicit `null`/`~` field from an absent
// field; OrderedMap.Has is true for an explicit null just as for any
// other present value, so a consumer that cares about the distinction
// type-switches on rawNull.
type rawNull struct{}

func normalizeScalar(v any) any {
	switch t := v.(type) {
	case int:
		return int64(t)
	default:
		return v
	}
}

// toValue converts a raw decoded scalar/list/map into a value.Value.
func toValue(raw any) value.Value {
	switch t := raw.(type) {
	case rawNull:
		return nil
	case *OrderedMap:
		m := make(map[string]value.Value, len(t.Keys))
		for _, k := range t.Keys {
			m[k] = toValue(t.Values[k])
		}
		return m
	case []any:
		out := make([]value.Value, len(t))
		for i, e := range t {
			out[i] = toValue(e)
		}
		return out
	default:
		return t
	}
}
