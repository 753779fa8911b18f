// Package graph implements the C4 graph builder: turning an elaborated
// model.Package plus a target task name into a concrete TaskNode graph,
// expanding compound tasks, matrix/generate strategies, and wiring
// needs/feeds edges, backed by the teacher's own dag.AcyclicGraph
// dependency (pyr-sh/dag), the same way cli/internal/core's scheduler
// builds its TaskGraph.
package graph

import (
	"github.com/dvflow/dvflow/internal/model"
	"github.com/dvflow/dvflow/internal/value"
)

// NodeKind distinguishes the three TaskNode flavors from spec §3.
type NodeKind int

const (
	KindLeaf NodeKind = iota
	KindCompound
	KindControl
)

// NeedEdge is one `needs` edge from a TaskNode to a predecessor, with
// the blocking bit spec §5 uses to decide scheduler readiness.
type NeedEdge struct {
	Target   *TaskNode
	Blocking bool
}

// TaskNode is a concrete, elaborated instance of a declarative Task in
// the execution graph (spec §3).
type TaskNode struct {
	Name   string
	Task   *model.Task
	Kind   NodeKind
	Params model.ParamStruct

	// Scope is the expression scope this node was elaborated in,
	// retained so the runner can re-evaluate `iff` and control-flow
	// conditions at execution time without re-walking the loader.
	Scope *value.Scope

	Needs []NeedEdge
	Feeds []*TaskNode

	Rundir string
	Srcdir string

	Parent   *TaskNode
	Subtasks []*TaskNode

	// MatrixBindings holds this clone's `this.k = v` bindings when the
	// node was produced by a matrix strategy expansion.
	MatrixBindings map[string]model.ParamField
}

// AllDescendants returns the flattened subtree rooted at n (n itself
// plus every compound's recursively-flattened subtasks), depth-first.
func (n *TaskNode) AllDescendants() []*TaskNode {
	out := []*TaskNode{n}
	for _, s := range n.Subtasks {
		out = append(out, s.AllDescendants()...)
	}
	return out
}
