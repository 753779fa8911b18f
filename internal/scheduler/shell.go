package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/dvflow/dvflow/internal/graph"
	"github.com/dvflow/dvflow/internal/model"
	"github.com/dvflow/dvflow/internal/procexec"
	"github.com/dvflow/dvflow/internal/value"
)

// runShell executes a shell-bodied task (spec §4.8 step 5): the
// command text is expanded against the node's scope, run through
// "sh -c", and its combined stdout/stderr captured to
// "<rundir>/<task>.log".
func (r *Runner) runShell(ctx context.Context, n *graph.TaskNode, tctx *taskContext, in model.TaskDataInput) (model.TaskDataResult, error) {
	scope := n.Scope.Child()
	scope.Local = toLocalMap(in.Params)

	expanded, err := value.Expand(n.Task.Shell, scope, 8)
	if err != nil {
		return model.TaskDataResult{}, fmt.Errorf("expanding shell command: %w", err)
	}
	cmdline, ok := expanded.(string)
	if !ok {
		cmdline = value.Native(expanded)
	}

	logfile := filepath.Join(n.Rundir, lastSegmentOf(n.Name)+".log")
	code, err := tctx.Exec(ctx, []string{"sh", "-c", cmdline}, n.Rundir, logfile)
	if err != nil {
		if _, ok := err.(*procexec.ChildExit); !ok {
			return model.TaskDataResult{}, err
		}
	}
	return model.TaskDataResult{Status: code, Changed: code == 0}, nil
}

func toLocalMap(p model.ParamStruct) map[string]value.Value {
	out := make(map[string]value.Value, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func lastSegmentOf(name string) string {
	idx := strings.LastIndex(name, ".")
	if idx < 0 {
		return name
	}
	return name[idx+1:]
}

func procexecOptions(argv []string, cwd, logfile string) procexec.Options {
	return procexec.Options{Argv: argv, Cwd: cwd, Logfile: logfile}
}
