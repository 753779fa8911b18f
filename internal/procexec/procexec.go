// Package procexec implements the child-process plumbing shared by
// shell task bodies and exec_parallel (the `shell(cmd)` expression
// builtin runs its command directly, not through here), modeled on the teacher's
// cli/internal/process.Manager/Child (SIGINT-then-timeout-kill,
// ChildExit error type, stdout/stderr captured to a log file).
package procexec

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"
)

// ChildExit mirrors the teacher's process.ChildExit: returned when a
// child process exits with a non-zero exit code.
type ChildExit struct {
	ExitCode int
	Command  string
}

func (e *ChildExit) Error() string {
	return fmt.Sprintf("command %s exited (%d)", e.Command, e.ExitCode)
}

// Manager runs child processes and logs through Logger. It keeps no
// list of spawned children and has no Close; each Exec call handles
// its own child's SIGINT-then-kill on cancellation or timeout.
type Manager struct {
	Logger hclog.Logger
}

// NewManager creates a Manager that logs through logger (nil is
// accepted and treated as a no-op logger).
func NewManager(logger hclog.Logger) *Manager {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Manager{Logger: logger}
}

// Options configures one Exec call (spec §6 task-run context `exec`,
// §5 "subprocess invocation supports a per-command timeout").
type Options struct {
	Argv    []string
	Cwd     string
	Logfile string
	Env     []string
	Timeout time.Duration // 0 means no timeout
}

// Exec runs argv to completion, writing combined stdout/stderr to
// Logfile (spec §4.8 step 5: "Shell bodies write stdout/stderr to
// <rundir>/<task>.log"), and returns its exit code. A non-zero exit is
// reported as a *ChildExit, consistent with the teacher's Manager.Exec
// contract; ctx cancellation sends SIGINT, escalating to SIGKILL after
// a 10s grace period exactly like process.Manager.Close.
func (m *Manager) Exec(ctx context.Context, opts Options) (int, error) {
	if len(opts.Argv) == 0 {
		return -1, fmt.Errorf("procexec: empty argv")
	}
	cmd := exec.Command(opts.Argv[0], opts.Argv[1:]...)
	cmd.Dir = opts.Cwd
	if len(opts.Env) > 0 {
		cmd.Env = opts.Env
	}

	var logf *os.File
	var err error
	if opts.Logfile != "" {
		logf, err = os.Create(opts.Logfile)
		if err != nil {
			return -1, fmt.Errorf("procexec: creating logfile: %w", err)
		}
		defer logf.Close()
		cmd.Stdout = logf
		cmd.Stderr = logf
	} else {
		var buf bytes.Buffer
		cmd.Stdout = &buf
		cmd.Stderr = &buf
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	if err := cmd.Start(); err != nil {
		return -1, err
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return exitCodeOf(cmd, err, opts.Argv[0])
	case <-runCtx.Done():
		_ = cmd.Process.Signal(os.Interrupt)
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			_ = cmd.Process.Signal(syscall.SIGKILL)
			<-done
		}
		return -1, runCtx.Err()
	}
}

// ExecCapture runs argv to completion like Exec, but returns its
// combined stdout/stderr instead of writing to a Logfile, for callers
// that need to read a subprocess's output directly (spec §5's
// JSON-over-stdin/stdout generator contract). Stdin, if non-nil, is
// written to the child's standard input before Wait.
func (m *Manager) ExecCapture(ctx context.Context, opts Options, stdin []byte) (int, []byte, error) {
	if len(opts.Argv) == 0 {
		return -1, nil, fmt.Errorf("procexec: empty argv")
	}
	cmd := exec.Command(opts.Argv[0], opts.Argv[1:]...)
	cmd.Dir = opts.Cwd
	if len(opts.Env) > 0 {
		cmd.Env = opts.Env
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	if err := cmd.Start(); err != nil {
		return -1, nil, err
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		code, err := exitCodeOf(cmd, err, opts.Argv[0])
		return code, out.Bytes(), err
	case <-runCtx.Done():
		_ = cmd.Process.Signal(os.Interrupt)
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			_ = cmd.Process.Signal(syscall.SIGKILL)
			<-done
		}
		return -1, out.Bytes(), runCtx.Err()
	}
}

func exitCodeOf(cmd *exec.Cmd, err error, command string) (int, error) {
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		code := exitErr.ExitCode()
		return code, &ChildExit{ExitCode: code, Command: command}
	}
	return -1, err
}

// ExecCmd is one command in an ExecParallel batch (spec §6
// `exec_parallel([ExecCmd{cmd, logfile?}, ...])`).
type ExecCmd struct {
	Argv    []string
	Cwd     string
	Logfile string
}

// Result is one ExecParallel outcome.
type Result struct {
	ExitCode int
	Err      error
}

// ExecParallel runs every command concurrently, each acquiring its own
// jobserver token via acquire/release before/after running (Open
// Question 3, resolved in DESIGN.md: the caller's own in-flight token
// is not lent to these children; each acquires independently from the
// shared pool). Workers are drawn from an errgroup.Group draining a
// bounded queue, the same worker-pool shape as the teacher's
// taskhash.GetPackageFileHashes fan-out.
func (m *Manager) ExecParallel(ctx context.Context, cmds []ExecCmd, acquire func(context.Context) error, release func() error) []Result {
	results := make([]Result, len(cmds))

	type indexed struct {
		i int
		c ExecCmd
	}
	queue := make(chan indexed, len(cmds))
	for i, c := range cmds {
		queue <- indexed{i, c}
	}
	close(queue)

	workers := len(cmds)
	if workers > 16 {
		workers = 16
	}

	g := &errgroup.Group{}
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for it := range queue {
				if acquire != nil {
					if err := acquire(ctx); err != nil {
						results[it.i] = Result{ExitCode: -1, Err: err}
						continue
					}
				}
				code, err := m.Exec(ctx, Options{Argv: it.c.Argv, Cwd: it.c.Cwd, Logfile: it.c.Logfile})
				if acquire != nil {
					release()
				}
				results[it.i] = Result{ExitCode: code, Err: err}
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}
