package dynamic

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dvflow/dvflow/internal/diag"
	"github.com/dvflow/dvflow/internal/env"
	"github.com/dvflow/dvflow/internal/graph"
	"github.com/dvflow/dvflow/internal/model"
	"github.com/dvflow/dvflow/internal/procexec"
	"github.com/dvflow/dvflow/internal/scheduler"
)

type emptyResolver struct{}

func (emptyResolver) ResolveTask(fromPkg, ref string) (*model.Task, bool) { return nil, false }

func buildStandaloneNode(t *testing.T, name, shell, rundir string) *graph.TaskNode {
	t.Helper()
	sink := diag.NewSink()
	b := graph.NewBuilder(sink, emptyResolver{})
	task := &model.Task{Name: name, Shell: shell}
	_, err := b.Build("p", name, task, graph.BuildOpts{RootRundir: rundir})
	require.NoError(t, err)
	n, ok := b.Node(name)
	require.True(t, ok)
	return n
}

func TestRunSubgraphRunsBatchLocalNodesInOrder(t *testing.T) {
	dir := t.TempDir()
	producer := buildStandaloneNode(t, "p.one", "echo first", filepath.Join(dir, "one"))
	consumer := buildStandaloneNode(t, "p.two", "echo second", filepath.Join(dir, "two"))
	consumer.Needs = []graph.NeedEdge{{Target: producer, Blocking: true}}

	reg := model.NewRegistry()
	sink := diag.NewSink()
	r := scheduler.NewRunner(sink, reg, nil, nil, procexec.NewManager(nil), env.Map{})
	rc := &RunContext{Runner: r, Inflight: map[string]bool{}}

	results, err := rc.RunSubgraph(context.Background(), []*graph.TaskNode{producer, consumer}, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, results, 2)

	data, err := os.ReadFile(filepath.Join(dir, "one", "p", "one", "one.log"))
	require.NoError(t, err)
	require.Contains(t, string(data), "first")

	data, err = os.ReadFile(filepath.Join(dir, "two", "p", "two", "two.log"))
	require.NoError(t, err)
	require.Contains(t, string(data), "second")
}

func TestRunSubgraphRejectsUnknownNeed(t *testing.T) {
	dir := t.TempDir()
	orphan := buildStandaloneNode(t, "p.orphan", "echo orphan", dir)
	ghost := &graph.TaskNode{Name: "p.ghost"}
	orphan.Needs = []graph.NeedEdge{{Target: ghost, Blocking: true}}

	reg := model.NewRegistry()
	sink := diag.NewSink()
	r := scheduler.NewRunner(sink, reg, nil, nil, procexec.NewManager(nil), env.Map{})
	rc := &RunContext{Runner: r, Inflight: map[string]bool{}}

	_, err := rc.RunSubgraph(context.Background(), []*graph.TaskNode{orphan}, 0)
	require.Error(t, err)
}

func TestNewRunContextSeedsInflightFromBuilder(t *testing.T) {
	dir := t.TempDir()
	sink := diag.NewSink()
	b := graph.NewBuilder(sink, emptyResolver{})
	task := &model.Task{Name: "p.seed", Shell: "echo seed"}
	_, err := b.Build("p", "p.seed", task, graph.BuildOpts{RootRundir: dir})
	require.NoError(t, err)

	reg := model.NewRegistry()
	r := scheduler.NewRunner(sink, reg, nil, nil, procexec.NewManager(nil), env.Map{})
	rc := NewRunContext(r, b)
	require.True(t, rc.Inflight["p.seed"])
}

func TestRunSubgraphHonorsInflightNames(t *testing.T) {
	dir := t.TempDir()
	node := buildStandaloneNode(t, "p.solo", "echo solo", dir)
	inflightTarget := &graph.TaskNode{Name: "p.already-running"}
	node.Needs = []graph.NeedEdge{{Target: inflightTarget, Blocking: true}}

	reg := model.NewRegistry()
	sink := diag.NewSink()
	r := scheduler.NewRunner(sink, reg, nil, nil, procexec.NewManager(nil), env.Map{})
	rc := &RunContext{Runner: r, Inflight: map[string]bool{"p.already-running": true}}

	results, err := rc.RunSubgraph(context.Background(), []*graph.TaskNode{node}, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
}
