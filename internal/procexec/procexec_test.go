package procexec

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExecWritesLogAndExitCode(t *testing.T) {
	m := NewManager(nil)
	dir := t.TempDir()
	logfile := filepath.Join(dir, "task.log")

	code, err := m.Exec(context.Background(), Options{
		Argv:    []string{"sh", "-c", "echo hello; exit 0"},
		Cwd:     dir,
		Logfile: logfile,
	})
	require.NoError(t, err)
	require.Equal(t, 0, code)

	data, err := os.ReadFile(logfile)
	require.NoError(t, err)
	require.Contains(t, string(data), "hello")
}

func TestExecNonZeroExitIsChildExit(t *testing.T) {
	m := NewManager(nil)
	_, err := m.Exec(context.Background(), Options{Argv: []string{"sh", "-c", "exit 3"}})
	require.Error(t, err)
	ce, ok := err.(*ChildExit)
	require.True(t, ok)
	require.Equal(t, 3, ce.ExitCode)
}

func TestExecTimeoutKills(t *testing.T) {
	m := NewManager(nil)
	_, err := m.Exec(context.Background(), Options{
		Argv:    []string{"sh", "-c", "sleep 5"},
		Timeout: 100 * time.Millisecond,
	})
	require.Error(t, err)
}

func TestExecParallelReportsEachExitCode(t *testing.T) {
	m := NewManager(nil)
	cmds := []ExecCmd{
		{Argv: []string{"sh", "-c", "exit 0"}},
		{Argv: []string{"sh", "-c", "exit 1"}},
	}
	results := m.ExecParallel(context.Background(), cmds, nil, nil)
	require.Len(t, results, 2)
	require.Equal(t, 0, results[0].ExitCode)
	require.Equal(t, 1, results[1].ExitCode)
}
