package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/dvflow/dvflow/internal/diag"
	"github.com/dvflow/dvflow/internal/env"
	"github.com/dvflow/dvflow/internal/graph"
	"github.com/dvflow/dvflow/internal/model"
	"github.com/dvflow/dvflow/internal/value"
)

// taskContext implements model.TaskContext for one leaf body
// invocation (spec §6 "Task-run context").
type taskContext struct {
	runner *Runner
	node   *graph.TaskNode
	seq    int32
}

func (c *taskContext) Rundir() string { return c.node.Rundir }
func (c *taskContext) Srcdir() string { return c.node.Srcdir }
func (c *taskContext) Env() env.Map   { return c.runner.Env }

func (c *taskContext) MkDataItem(typ string, attrs map[string]value.Value) model.DataItem {
	return model.DataItem{Type: typ, Attrs: attrs}
}

// MkName returns a name unique within this node's run: hint itself on
// the first call, and hint~N on every later call, where N counts the
// calls made on this context (spec §6 "MkName").
func (c *taskContext) MkName(hint string) string {
	n := atomic.AddInt32(&c.seq, 1)
	if n == 1 {
		return hint
	}
	return fmt.Sprintf("%s~%d", hint, n)
}

func (c *taskContext) Info(msg string)  { c.runner.Sink.Info(diag.KindTaskFailure, c.annotate(msg), nil) }
func (c *taskContext) Warn(msg string)  { c.runner.Sink.Warn(diag.KindTaskFailure, c.annotate(msg), nil) }
func (c *taskContext) Error(msg string) { c.runner.Sink.Error(diag.KindTaskFailure, c.annotate(msg), nil) }

func (c *taskContext) annotate(msg string) string {
	return fmt.Sprintf("%s: %s", c.node.Name, msg)
}

func (c *taskContext) Exec(ctx context.Context, argv []string, cwd, logfile string) (int, error) {
	if c.runner.Procs == nil {
		return -1, fmt.Errorf("no process manager configured")
	}
	code, err := c.runner.Procs.Exec(ctx, procexecOptions(argv, cwd, logfile))
	return code, err
}
