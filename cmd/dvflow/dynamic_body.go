package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dvflow/dvflow/internal/dynamic"
	"github.com/dvflow/dvflow/internal/graph"
	"github.com/dvflow/dvflow/internal/model"
	"github.com/dvflow/dvflow/internal/value"
)

// dynamicFanoutBody is the one production TaskBody that exercises C8's
// run_subgraph extension (spec §4.9): it takes a `commands` list
// parameter and, instead of running them itself, submits one shell
// leaf TaskNode per command into RC's batch, suspending until every
// one completes and folding their outputs together. Registered under
// the name "dynamic_fanout" so a package can opt into it via `body:
// dynamic_fanout` the same way any other native body is referenced.
//
// RC is nil at registration time and assigned by main() once both the
// *scheduler.Runner and *graph.Builder it wraps exist, since
// internal/model cannot import internal/dynamic (it would cycle
// through internal/scheduler).
type dynamicFanoutBody struct {
	RC *dynamic.RunContext
}

func (b *dynamicFanoutBody) MkParams(raw map[string]value.Value) (model.ParamStruct, error) {
	return model.ParamStruct(raw), nil
}

func (b *dynamicFanoutBody) Run(ctx context.Context, tctx model.TaskContext, in model.TaskDataInput) (model.TaskDataResult, error) {
	if b.RC == nil {
		return model.TaskDataResult{}, fmt.Errorf("dynamic_fanout: run context not wired")
	}

	raw, _ := in.Params["commands"].([]value.Value)
	if len(raw) == 0 {
		return model.TaskDataResult{Status: 0}, nil
	}

	nodes := make([]*graph.TaskNode, 0, len(raw))
	for i, c := range raw {
		cmd, ok := c.(string)
		if !ok {
			return model.TaskDataResult{}, fmt.Errorf("dynamic_fanout: commands[%d] is not a string", i)
		}
		name := tctx.MkName(fmt.Sprintf("fanout-%d", i))
		nodes = append(nodes, &graph.TaskNode{
			Name:   name,
			Kind:   graph.KindLeaf,
			Task:   &model.Task{Name: name, Shell: cmd},
			Rundir: tctx.Rundir() + "/" + name,
			Srcdir: tctx.Srcdir(),
			Scope:  value.NewScope(),
		})
	}

	results, err := b.RC.RunSubgraph(ctx, nodes, 5*time.Minute)
	if err != nil {
		return model.TaskDataResult{}, fmt.Errorf("dynamic_fanout: %w", err)
	}
	return model.TaskDataResult{Status: 0, Changed: true, Output: dynamic.MergeOutputs(results)}, nil
}
