package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dvflow/dvflow/internal/cache"
	"github.com/dvflow/dvflow/internal/diag"
	"github.com/dvflow/dvflow/internal/env"
	"github.com/dvflow/dvflow/internal/graph"
	"github.com/dvflow/dvflow/internal/model"
	"github.com/dvflow/dvflow/internal/procexec"
)

type mapResolver map[string]*model.Task

func (r mapResolver) ResolveTask(fromPkg, ref string) (*model.Task, bool) {
	t, ok := r[ref]
	return t, ok
}

func buildGraph(t *testing.T, rootName string, resolver mapResolver, root *model.Task, rundir string) (*graph.Builder, *graph.TaskNode, *diag.Sink) {
	t.Helper()
	sink := diag.NewSink()
	b := graph.NewBuilder(sink, resolver)
	node, err := b.Build("p", rootName, root, graph.BuildOpts{RootRundir: rundir})
	require.NoError(t, err)
	require.False(t, sink.HasErrors())
	return b, node, sink
}

func TestRunnerExecutesShellLeaf(t *testing.T) {
	dir := t.TempDir()
	task := &model.Task{Name: "p.echo", Shell: "echo hi"}
	b, _, sink := buildGraph(t, "p.echo", mapResolver{}, task, dir)

	reg := model.NewRegistry()
	r := NewRunner(sink, reg, nil, nil, procexec.NewManager(nil), env.Map{})

	var events []EventKind
	r.Listen(func(e Event) { events = append(events, e.Kind) })

	errs := r.Run(context.Background(), b)
	require.Empty(t, errs)
	require.Contains(t, events, EventStart)
	require.Contains(t, events, EventComplete)

	data, err := os.ReadFile(filepath.Join(dir, "p", "echo", "echo.log"))
	require.NoError(t, err)
	require.Contains(t, string(data), "hi")
}

func TestRunnerIffSkipsBody(t *testing.T) {
	dir := t.TempDir()
	task := &model.Task{Name: "p.skipped", Shell: "echo should-not-run", Iff: "false"}
	b, _, sink := buildGraph(t, "p.skipped", mapResolver{}, task, dir)

	reg := model.NewRegistry()
	r := NewRunner(sink, reg, nil, nil, procexec.NewManager(nil), env.Map{})

	// false resolves via builtins to Go's `false` through the
	// expression scope; a task whose Iff evaluates falsy never
	// produces a log file.
	errs := r.Run(context.Background(), b)
	require.Empty(t, errs)
	_, err := os.Stat(filepath.Join(dir, "p", "skipped", "skipped.log"))
	require.Error(t, err)
}

func TestRunnerNativeBodyFlowsOutputs(t *testing.T) {
	dir := t.TempDir()
	producer := &model.Task{Name: "p.produce", Body: "mkitem"}
	consumer := &model.Task{Name: "p.consume", Body: "mkitem", Needs: []string{"p.produce"}}
	resolver := mapResolver{"p.produce": producer}
	b, _, sink := buildGraph(t, "p.consume", resolver, consumer, dir)

	reg := model.NewRegistry()
	reg.RegisterBody("mkitem", &recordingBody{})
	r := NewRunner(sink, reg, nil, nil, procexec.NewManager(nil), env.Map{})

	errs := r.Run(context.Background(), b)
	require.Empty(t, errs)

	consumeNode, ok := b.Node("p.consume")
	require.True(t, ok)
	in := r.buildInput(consumeNode, nil)
	require.Len(t, in.Inputs, 1)
	require.Equal(t, "widget", in.Inputs[0].Type)
}

func TestRunnerControlIfGatesSubtasks(t *testing.T) {
	dir := t.TempDir()
	sub := &model.Task{Name: "p.body", Shell: "echo ran"}
	ctrlTask := &model.Task{
		Name:     "p.gate",
		Subtasks: []string{"p.body"},
		Control:  &model.Control{Kind: model.ControlIf, Cond: "false"},
	}
	resolver := mapResolver{"p.body": sub}
	b, root, sink := buildGraph(t, "p.gate", resolver, ctrlTask, dir)
	require.Equal(t, graph.KindControl, root.Kind)

	reg := model.NewRegistry()
	r := NewRunner(sink, reg, nil, nil, procexec.NewManager(nil), env.Map{})
	errs := r.Run(context.Background(), b)
	require.Empty(t, errs)

	_, err := os.Stat(filepath.Join(dir, "p", "gate", "body", "body.log"))
	require.Error(t, err, "subtask should not run when the if condition is false")
}

func TestControlRepeatStopsOnUntil(t *testing.T) {
	dir := t.TempDir()
	counter := filepath.Join(dir, "counter")
	sub := &model.Task{Name: "p.body", Shell: fmt.Sprintf("echo x >> %s", counter)}
	ctrlTask := &model.Task{
		Name:     "p.loop",
		Subtasks: []string{"p.body"},
		Control:  &model.Control{Kind: model.ControlRepeat, Count: "5", Until: "_iter >= 2"},
	}
	resolver := mapResolver{"p.body": sub}
	b, root, sink := buildGraph(t, "p.loop", resolver, ctrlTask, dir)
	require.Equal(t, graph.KindControl, root.Kind)

	reg := model.NewRegistry()
	r := NewRunner(sink, reg, nil, nil, procexec.NewManager(nil), env.Map{})
	errs := r.Run(context.Background(), b)
	require.Empty(t, errs)

	data, err := os.ReadFile(counter)
	require.NoError(t, err)
	lines := strings.Count(string(data), "x")
	require.Equal(t, 3, lines, "repeat count=5 until=_iter>=2 must stop after the iteration where _iter reaches 2")
}

func TestBlockingNeedFailureSkipsDependent(t *testing.T) {
	dir := t.TempDir()
	ranPath := filepath.Join(dir, "ran")
	producer := &model.Task{Name: "p.fail", Shell: "exit 1"}
	consumer := &model.Task{Name: "p.after", Shell: fmt.Sprintf("echo ran >> %s", ranPath), Needs: []string{"p.fail"}}
	resolver := mapResolver{"p.fail": producer}
	b, _, sink := buildGraph(t, "p.after", resolver, consumer, dir)

	reg := model.NewRegistry()
	r := NewRunner(sink, reg, nil, nil, procexec.NewManager(nil), env.Map{})
	errs := r.Run(context.Background(), b)
	require.NotEmpty(t, errs)

	_, err := os.Stat(ranPath)
	require.Error(t, err, "a task must not run once a blocking need has failed")
}

func TestNonBlockingNeedFailureDoesNotSkipDependent(t *testing.T) {
	dir := t.TempDir()
	ranPath := filepath.Join(dir, "ran")
	producer := &model.Task{Name: "p.fail2", Shell: "exit 1"}
	consumer := &model.Task{Name: "p.after2", Shell: fmt.Sprintf("echo ran >> %s", ranPath), Needs: []string{"p.fail2"}}
	resolver := mapResolver{"p.fail2": producer}
	b, _, sink := buildGraph(t, "p.after2", resolver, consumer, dir)
	cn, ok := b.Node("p.after2")
	require.True(t, ok)
	cn.Needs[0].Blocking = false

	reg := model.NewRegistry()
	r := NewRunner(sink, reg, nil, nil, procexec.NewManager(nil), env.Map{})
	r.Run(context.Background(), b)

	_, err := os.Stat(ranPath)
	require.NoError(t, err, "a non-blocking need's failure must not prevent its dependent from running")
}

func TestUpToDateCheckSkipsWhenMementoUnchanged(t *testing.T) {
	dir := t.TempDir()
	ranPath := filepath.Join(dir, "ran")
	task := &model.Task{Name: "p.memo", Shell: fmt.Sprintf("echo run >> %s", ranPath)}

	reg := model.NewRegistry()
	reg.RegisterHashProvider(&cache.DefaultHashProvider{})

	b, _, sink := buildGraph(t, "p.memo", mapResolver{}, task, dir)
	r := NewRunner(sink, reg, nil, nil, procexec.NewManager(nil), env.Map{})
	errs := r.Run(context.Background(), b)
	require.Empty(t, errs)

	data, err := os.ReadFile(ranPath)
	require.NoError(t, err)
	require.Equal(t, 1, strings.Count(string(data), "run"))
	_, err = os.Stat(filepath.Join(dir, "p", "memo", cache.MementoFileName))
	require.NoError(t, err, "memento must be persisted to disk, not just held in memory")

	// A second, independent Runner over a fresh graph but the same
	// rundir: params/inputs are unchanged, so with caching disabled the
	// up-to-date check must still skip the body.
	b2, _, sink2 := buildGraph(t, "p.memo", mapResolver{}, task, dir)
	r2 := NewRunner(sink2, reg, nil, nil, procexec.NewManager(nil), env.Map{})
	errs = r2.Run(context.Background(), b2)
	require.Empty(t, errs)

	data, err = os.ReadFile(ranPath)
	require.NoError(t, err)
	require.Equal(t, 1, strings.Count(string(data), "run"),
		"up-to-date task must not re-run when cache is disabled but its persisted memento is unchanged")
}

type recordingBody struct{}

func (b *recordingBody) MkParams(raw map[string]interface{}) (model.ParamStruct, error) {
	return model.ParamStruct{}, nil
}

func (b *recordingBody) Run(ctx context.Context, tctx model.TaskContext, in model.TaskDataInput) (model.TaskDataResult, error) {
	item := tctx.MkDataItem("widget", map[string]interface{}{"n": 1})
	return model.TaskDataResult{Status: 0, Output: []model.DataItem{item}}, nil
}
