// Package model holds the in-memory representation of packages, tasks,
// types, fragments and parameter schemas produced by the loader and
// consumed by the graph builder and runner.
package model

import (
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/dvflow/dvflow/internal/value"
)

// ParamType names the declared type of a parameter or field.
type ParamType string

const (
	ParamStr   ParamType = "str"
	ParamInt   ParamType = "int"
	ParamFloat ParamType = "float"
	ParamBool  ParamType = "bool"
	ParamList  ParamType = "list"
	ParamMap   ParamType = "map"
	ParamPath  ParamType = "path"
)

// ParamField is one entry in an ordered parameter schema.
type ParamField struct {
	Name    string
	Type    ParamType // one of the Param* constants, or a registered type name
	Default value.Value
	HasDflt bool
	Doc     string
}

// ParamSchema is an ordered parameter/field schema. Order matters: it
// drives deterministic validation-error ordering and ParamStruct field
// ordering.
type ParamSchema []ParamField

// Get returns the field named n and whether it exists.
func (s ParamSchema) Get(n string) (ParamField, bool) {
	for _, f := range s {
		if f.Name == n {
			return f, true
		}
	}
	return ParamField{}, false
}

// Merge returns a new schema equal to base with child's fields overlaid:
// fields present in both keep child's type/default/doc (whichever are
// set) but base's declaration order; fields only in child are appended
// in child's order. Used for `uses`/inheritance schema merging.
func (s ParamSchema) Merge(child ParamSchema) ParamSchema {
	out := make(ParamSchema, 0, len(s)+len(child))
	idx := make(map[string]int, len(s))
	for _, f := range s {
		idx[f.Name] = len(out)
		out = append(out, f)
	}
	for _, cf := range child {
		if i, ok := idx[cf.Name]; ok {
			out[i] = cf
			continue
		}
		idx[cf.Name] = len(out)
		out = append(out, cf)
	}
	return out
}

// Visibility controls where a task may be referenced from.
type Visibility string

const (
	VisRoot    Visibility = "root"
	VisExport  Visibility = "export"
	VisLocal   Visibility = "local"
	VisDefault Visibility = "default"
)

// Passthrough controls how a compound task's unnamed outputs propagate.
type Passthrough string

const (
	PassNone   Passthrough = "none"
	PassAll    Passthrough = "all"
	PassUnused Passthrough = "unused"
)

// RundirPolicy selects how a TaskNode's rundir is computed.
type RundirPolicy string

const (
	RundirUnique  RundirPolicy = "unique"
	RundirInherit RundirPolicy = "inherit"
	RundirTop     RundirPolicy = "top"
)

// ControlKind names a control-flow construct.
type ControlKind string

const (
	ControlIf      ControlKind = "if"
	ControlMatch   ControlKind = "match"
	ControlRepeat  ControlKind = "repeat"
	ControlWhile   ControlKind = "while"
	ControlDoWhile ControlKind = "do-while"
)

// MatchCase is one arm of a `match` control block.
type MatchCase struct {
	When    string // expression source, empty for a default arm
	Default bool
}

// Control is the declarative control-flow block of a task.
type Control struct {
	Kind ControlKind

	Cond    string // if, while: expression source
	Cases   []MatchCase
	Count   string // repeat: expression source, evaluates to an int
	Until   string // repeat, do-while: expression source
	MaxIter string // while, do-while: expression source
	Init    map[string]value.Value
}

// Strategy is a task's matrix or generate fan-out declaration. At most
// one of Matrix/Generate is set.
type Strategy struct {
	// Matrix maps a dimension name to its list of values; cartesian
	// product expansion iterates dimensions in declaration order.
	Matrix    []MatrixDim
	Generate  string // name of a registered TaskBody used as a generator
	GenLang   string // "" (registered body), "go" (yaegi), "subprocess"
	GenScript string // embedded script text for lang=go/subprocess
}

// MatrixDim is one dimension of a matrix strategy, kept as a slice
// (not a map) so declaration order is preserved for E3's naming law.
type MatrixDim struct {
	Key    string
	Values []value.Value
}

// CachePolicy controls whether/how a task's result is cached.
type CachePolicy struct {
	Enabled bool
	Hash    []string // extra env var names folded into the hash recipe
}

// Task is a declarative node in a package's task table.
type Task struct {
	Name        string // fully-qualified dotted name
	Uses        string // base task reference, expanded
	Params      ParamSchema
	Needs       []string // task references, expanded
	Feeds       []string // reverse of Needs, computed by the elaborator
	Consumes    []map[string]value.Value
	Produces    []map[string]value.Value
	Subtasks    []string // names of subtasks, for compound tasks
	Strategy    *Strategy
	Rundir      RundirPolicy
	Visibility  Visibility
	Passthrough Passthrough
	Iff         string // expression source, empty means always-true
	Control     *Control
	Cache       CachePolicy
	Shell       string // shell command text, expanded at run time
	Body        string // registered TaskBody name, if not a shell task
	Tags        []string

	Doc string
}

// Type is a task-like, non-executable schema describing an output
// record shape (e.g. the built-in FileSet record).
type Type struct {
	Name   string
	Fields ParamSchema
	Doc    string
}

// Package is a named namespace of tasks and types.
type Package struct {
	Name     string // fully-qualified dotted name
	BaseDir  string
	Params   ParamSchema // package-level variables
	Vars     map[string]value.Value
	Imports  map[string]string // local alias -> imported package's Name
	Fragment []string          // fragment name segments contributed to this package
	Tasks    map[string]*Task
	Types    map[string]*Type
	Tags     []string
}

// NewPackage creates an empty package.
func NewPackage(name, baseDir string) *Package {
	return &Package{
		Name:    name,
		BaseDir: baseDir,
		Vars:    map[string]value.Value{},
		Imports: map[string]string{},
		Tasks:   map[string]*Task{},
		Types:   map[string]*Type{},
	}
}

// FileSetData is the canonical shape of the built-in std.FileSet output
// record, restored from original_source/std/fileset.py; the matcher and
// cache output-template logic need to know this shape even though no
// task implementation of std.FileSet ships in this module.
type FileSetData struct {
	Type     string   `mapstructure:"type"`
	Filetype string   `mapstructure:"filetype"`
	Basedir  string   `mapstructure:"basedir"`
	Files    []string `mapstructure:"files"`
}

// DecodeFileSet decodes a raw output-item attribute map into the
// built-in std.FileSet shape, used at the boundary where a task's
// untyped DataItem.Attrs needs validating against that record (spec
// §4.8 step 6's output-item type check, for the one built-in type that
// carries a known shape).
func DecodeFileSet(attrs map[string]value.Value) (FileSetData, error) {
	var out FileSetData
	if err := mapstructure.Decode(attrs, &out); err != nil {
		return FileSetData{}, fmt.Errorf("decoding FileSet attrs: %w", err)
	}
	return out, nil
}
