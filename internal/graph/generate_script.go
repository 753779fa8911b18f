package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/dvflow/dvflow/internal/model"
	"github.com/dvflow/dvflow/internal/procexec"
	"github.com/dvflow/dvflow/internal/value"
)

// generatedTaskSpec is one task a `generate` strategy's embedded script
// body emits, the common wire shape produced by both the `lang: go`
// and `lang: subprocess` paths below.
type generatedTaskSpec struct {
	Name   string                 `json:"name"`
	Shell  string                 `json:"shell"`
	Needs  []string               `json:"needs"`
	Params map[string]value.Value `json:"params"`
}

// runEmbeddedGenerator dispatches a `generate` strategy's embedded
// script body by GenLang, returning the task specs it produced. Unlike
// a registered Generator func (which calls back into Builder.AddTask
// directly), an embedded script only describes tasks data; buildOne
// turns each spec into a concrete TaskNode the same way it builds any
// other leaf.
func (b *Builder) runEmbeddedGenerator(task *model.Task) ([]generatedTaskSpec, error) {
	switch task.Strategy.GenLang {
	case "go":
		return runGoGenerator(task.Strategy.GenScript)
	case "subprocess":
		if b.Procs == nil {
			return nil, fmt.Errorf("task %q: generate lang=subprocess requires a procexec.Manager", task.Name)
		}
		return runSubprocessGenerator(b.Procs, task)
	default:
		return nil, fmt.Errorf("task %q: unsupported generate lang %q", task.Name, task.Strategy.GenLang)
	}
}

// runGoGenerator interprets src with traefik/yaegi rather than
// compiling it, the same sandboxed-interpreter approach the pack's
// yaegi_executor.go uses to run untrusted Go without `go build`: src
// must define `func Generate() []map[string]interface{}`.
func runGoGenerator(src string) ([]generatedTaskSpec, error) {
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("loading yaegi stdlib: %w", err)
	}
	wrapped := src
	if !strings.Contains(src, "package main") {
		wrapped = "package main\n\n" + src
	}
	if _, err := i.Eval(wrapped); err != nil {
		return nil, fmt.Errorf("evaluating generator script: %w", err)
	}
	fn, err := i.Eval("main.Generate")
	if err != nil {
		return nil, fmt.Errorf("generator script: %w", err)
	}
	generate, ok := fn.Interface().(func() []map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("generator script: Generate must be func() []map[string]interface{}")
	}
	return specsFromRaw(generate())
}

// runSubprocessGenerator runs task.Strategy.GenScript as a shell
// command through procs, writing the task's declared parameter schema
// as JSON on stdin and parsing a JSON array of generatedTaskSpec back
// from stdout: the JSON-over-stdin/stdout contract for out-of-process
// generators, the same shape internal/procexec already gives shell task
// bodies, reused here instead of inventing a second wire format.
func runSubprocessGenerator(procs *procexec.Manager, task *model.Task) ([]generatedTaskSpec, error) {
	stdin, err := json.Marshal(task.Params)
	if err != nil {
		return nil, fmt.Errorf("marshaling generator stdin: %w", err)
	}
	code, out, err := procs.ExecCapture(context.Background(), procexec.Options{
		Argv: []string{"sh", "-c", task.Strategy.GenScript},
	}, stdin)
	if err != nil {
		return nil, fmt.Errorf("running generator script: %w", err)
	}
	if code != 0 {
		return nil, fmt.Errorf("generator script exited with status %d", code)
	}
	var raw []map[string]interface{}
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("parsing generator output: %w", err)
	}
	return specsFromRaw(raw)
}

// buildGeneratedSpec turns one generatedTaskSpec into a standalone leaf
// TaskNode, registered into b the same way buildOne registers any other
// node. Its own Needs are resolved later by resolvePending, exactly
// like a declarative task's.
func (b *Builder) buildGeneratedSpec(pkgName string, spec generatedTaskSpec) (*TaskNode, error) {
	t := &model.Task{Name: spec.Name, Shell: spec.Shell, Needs: spec.Needs}
	for k, v := range spec.Params {
		t.Params = append(t.Params, model.ParamField{Name: k, Default: v, HasDflt: true})
	}
	return b.buildOne(pkgName, t, nil, value.NewScope(), spec.Name, nil)
}

func specsFromRaw(raw []map[string]interface{}) ([]generatedTaskSpec, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("re-marshaling generator output: %w", err)
	}
	var specs []generatedTaskSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("decoding generator output: %w", err)
	}
	return specs, nil
}
