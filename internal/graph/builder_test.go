package graph

import (
	"testing"

	"github.com/dvflow/dvflow/internal/diag"
	"github.com/dvflow/dvflow/internal/model"
)

type mapResolver map[string]*model.Task

func (r mapResolver) ResolveTask(fromPkg, ref string) (*model.Task, bool) {
	t, ok := r[ref]
	return t, ok
}

func TestBuildLinearNeeds(t *testing.T) {
	a := &model.Task{Name: "p.a"}
	b := &model.Task{Name: "p.b", Needs: []string{"p.a"}}
	r := mapResolver{"p.a": a, "p.b": b}
	sink := diag.NewSink()
	builder := NewBuilder(sink, r)
	root, err := builder.Build("p", "p.b", b, BuildOpts{RootRundir: "/run"})
	if err != nil {
		t.Fatal(err)
	}
	if len(root.Needs) != 1 || root.Needs[0].Target.Name != "p.a" {
		t.Fatalf("expected b to need a, got %+v", root.Needs)
	}
	if sink.HasErrors() {
		t.Fatalf("unexpected errors: %v", sink.Markers())
	}
}

func TestBuildMatrixExpansion(t *testing.T) {
	task := &model.Task{
		Name: "p.m",
		Strategy: &model.Strategy{
			Matrix: []model.MatrixDim{
				{Key: "topic", Values: []any{"x", "y"}},
				{Key: "kind", Values: []any{"a", "b"}},
			},
		},
	}
	r := mapResolver{}
	sink := diag.NewSink()
	builder := NewBuilder(sink, r)
	_, err := builder.Build("p", "p.m", task, BuildOpts{RootRundir: "/run"})
	if err != nil {
		t.Fatal(err)
	}
	if len(builder.Nodes()) != 4 {
		t.Fatalf("expected 4 matrix clones, got %d", len(builder.Nodes()))
	}
}

func TestBuildCompoundWithSubtasks(t *testing.T) {
	sub := &model.Task{Name: "p.msg"}
	compound := &model.Task{Name: "p.c", Subtasks: []string{"p.msg"}}
	r := mapResolver{"p.msg": sub}
	sink := diag.NewSink()
	builder := NewBuilder(sink, r)
	root, err := builder.Build("p", "p.c", compound, BuildOpts{RootRundir: "/run"})
	if err != nil {
		t.Fatal(err)
	}
	if root.Kind != KindCompound || len(root.Subtasks) != 1 {
		t.Fatalf("expected one subtask, got %+v", root)
	}
}

func TestBuildDetectsCycle(t *testing.T) {
	a := &model.Task{Name: "p.a", Needs: []string{"p.b"}}
	b := &model.Task{Name: "p.b", Needs: []string{"p.a"}}
	r := mapResolver{"p.a": a, "p.b": b}
	sink := diag.NewSink()
	builder := NewBuilder(sink, r)
	_, err := builder.Build("p", "p.a", a, BuildOpts{RootRundir: "/run"})
	if err != nil {
		t.Fatal(err)
	}
	if !sink.HasErrors() {
		t.Fatal("expected a CircularDependency error marker")
	}
}
