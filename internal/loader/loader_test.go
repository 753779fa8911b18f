package loader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dvflow/dvflow/internal/diag"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoadSimplePackage(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "p.yaml", `
name: p
tasks:
  t:
    uses: std.Message
    with:
      msg: "hi"
`)
	sink := diag.NewSink()
	l := New(sink)
	pkg, err := l.Load(filepath.Join(dir, "p.yaml"))
	require.NoError(t, err)
	require.Equal(t, "p", pkg.Name)
	require.Contains(t, pkg.Tasks, "p.t")
	require.Equal(t, "std.Message", pkg.Tasks["p.t"].Uses)
	require.False(t, sink.HasErrors())
}

func TestUnknownFieldSuggestsCorrection(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "p.yaml", `
name: p
tasks:
  t:
    shel: "echo hi"
`)
	sink := diag.NewSink()
	l := New(sink)
	_, err := l.Load(filepath.Join(dir, "p.yaml"))
	require.NoError(t, err)
	require.True(t, sink.HasErrors())
	found := false
	for _, m := range sink.Markers() {
		if m.Kind == diag.KindSchemaValidation {
			require.Contains(t, m.Msg, "shell")
			found = true
		}
	}
	require.True(t, found)
}

func TestInheritanceMergesSchemaAndProduces(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "p.yaml", `
name: p
tasks:
  base:
    params:
      x:
        type: int
        default: 1
    produces:
      - kind: a
  child:
    uses: base
    params:
      y:
        type: str
        default: hi
    produces:
      - kind: b
`)
	sink := diag.NewSink()
	l := New(sink)
	pkg, err := l.Load(filepath.Join(dir, "p.yaml"))
	require.NoError(t, err)
	child := pkg.Tasks["p.child"]
	require.NotNil(t, child)
	_, hasX := child.Params.Get("x")
	require.True(t, hasX)
	_, hasY := child.Params.Get("y")
	require.True(t, hasY)
	require.Len(t, child.Produces, 2)
}

func TestOverrideRedirectsReferences(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "p.yaml", `
name: p
tasks:
  base:
    shell: "echo base"
  consumer:
    needs: [base]
  patched:
    override: base
    shell: "echo patched"
`)
	sink := diag.NewSink()
	l := New(sink)
	pkg, err := l.Load(filepath.Join(dir, "p.yaml"))
	require.NoError(t, err)
	require.NotContains(t, pkg.Tasks, "p.base")
	require.Contains(t, pkg.Tasks["p.consumer"].Needs, "p.patched")
}

func TestOverrideMissingTargetIsError(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "p.yaml", `
name: p
tasks:
  patched:
    override: nope
    shell: "echo patched"
`)
	sink := diag.NewSink()
	l := New(sink)
	_, err := l.Load(filepath.Join(dir, "p.yaml"))
	require.NoError(t, err)
	require.True(t, sink.HasErrors())
}
