// Command dvflow is the thin driver that wires the pipeline core
// together: load a package file, elaborate its target task into a
// graph, join the jobserver (or become its owner), attach a cache
// multiplexer, and run the scheduler to completion.
//
// The command-line surface itself is explicitly out of scope (spec
// §1's "explicitly out of scope" list): this entrypoint accepts a bare
// `<package-file> <task-ref>` positional pair and nothing else, the
// same way the teacher's cli/cmd/turbo/main.go is a few lines handing
// off to cli/internal/cmd immediately. A real CLI (flag parsing, output
// modes, prune/login/daemon subcommands) belongs to a consumer outside
// this module, the way spec §6 describes external collaborators.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/dvflow/dvflow/internal/cache"
	"github.com/dvflow/dvflow/internal/config"
	"github.com/dvflow/dvflow/internal/diag"
	"github.com/dvflow/dvflow/internal/dynamic"
	"github.com/dvflow/dvflow/internal/env"
	"github.com/dvflow/dvflow/internal/graph"
	"github.com/dvflow/dvflow/internal/jobserver"
	"github.com/dvflow/dvflow/internal/loader"
	"github.com/dvflow/dvflow/internal/model"
	"github.com/dvflow/dvflow/internal/procexec"
	"github.com/dvflow/dvflow/internal/scheduler"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: dvflow <package-file> <task-ref>")
		return 2
	}
	pkgFile, taskRef := args[0], args[1]

	envMap := env.FromOS()
	cfg, err := config.Load(envMap)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dvflow: loading config:", err)
		return 1
	}

	logger := newLogger(cfg.LogLevel)
	sink := diag.NewSink()
	sink.Listen(diag.NewTextFormatter(os.Stderr).Listener())

	ld := loader.New(sink, ".")
	pkg, err := ld.Load(pkgFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dvflow: loading package:", err)
		return 1
	}
	if sink.HasErrors() {
		return 1
	}

	task, ok := pkg.Tasks[taskRef]
	if !ok {
		task, ok = ld.ResolveTask(pkg.Name, taskRef)
	}
	if !ok {
		fmt.Fprintln(os.Stderr, "dvflow: unknown task", taskRef)
		return 1
	}

	rootRundir, err := os.MkdirTemp("", "dvflow-run-")
	if err != nil {
		fmt.Fprintln(os.Stderr, "dvflow: creating run directory:", err)
		return 1
	}

	procs := procexec.NewManager(logger)

	b := graph.NewBuilder(sink, ld)
	b.Procs = procs
	if _, err := b.Build(pkg.Name, task.Name, task, graph.BuildOpts{RootRundir: rootRundir}); err != nil {
		fmt.Fprintln(os.Stderr, "dvflow: building graph:", err)
		return 1
	}
	if sink.HasErrors() {
		return 1
	}

	mux, err := newCache(sink, cfg.CacheDir, cfg.LockTimeout)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dvflow: opening cache:", err)
		return 1
	}

	jobs, err := jobserver.Discover(envMap, cfg.Nproc)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dvflow: starting jobserver:", err)
		return 1
	}
	defer jobs.Close()

	reg := model.NewRegistry()
	reg.RegisterHashProvider(&cache.DefaultHashProvider{})

	fanout := &dynamicFanoutBody{}
	reg.RegisterBody("dynamic_fanout", fanout)

	r := scheduler.NewRunner(sink, reg, mux, jobs, procs, envMap)
	r.FailFast = cfg.FailFast
	fanout.RC = dynamic.NewRunContext(r, b)
	r.Listen(func(e scheduler.Event) {
		logger.Debug("task event", "task", e.Node.Name, "kind", string(e.Kind))
	})

	errs := r.Run(context.Background(), b)
	for _, e := range errs {
		fmt.Fprintln(os.Stderr, "dvflow:", e)
	}
	if len(errs) > 0 || sink.HasErrors() {
		return 1
	}
	return 0
}

func newLogger(level string) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   "dvflow",
		Level:  hclog.LevelFromString(level),
		Color:  hclog.AutoColor,
		Output: os.Stderr,
	})
}

func newCache(sink *diag.Sink, dir string, lockTimeout time.Duration) (*cache.Multiplexer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	provider, err := cache.NewDirProvider(dir, "local", false, cache.CompressGzip)
	if err != nil {
		return nil, err
	}
	provider.Locks.Timeout = lockTimeout
	return cache.NewMultiplexer(sink, provider), nil
}
