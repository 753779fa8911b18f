package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dvflow/dvflow/internal/diag"
	"github.com/dvflow/dvflow/internal/value"
	"github.com/stretchr/testify/require"
)

func TestDirProviderStoreFetchRoundTrip(t *testing.T) {
	root := t.TempDir()
	p, err := NewDirProvider(root, "local", false, CompressNone)
	require.NoError(t, err)

	srcDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "out.txt"), []byte("hello"), 0o644))

	key := Key("p.task", "deadbeef")
	entry := &Entry{
		Key:            key,
		OutputTemplate: map[string]value.Value{"type": "std.FileSet", "files": []value.Value{"out.txt"}},
	}
	require.NoError(t, p.Store(key, entry, srcDir))

	ok, err := p.Has(key)
	require.NoError(t, err)
	require.True(t, ok)

	fetched, err := p.Fetch(key)
	require.NoError(t, err)
	require.Equal(t, "std.FileSet", fetched.OutputTemplate["type"])

	destDir := t.TempDir()
	require.NoError(t, RestoreArtifacts(fetched.ArtifactsPath, destDir, fetched.Compression))
	data, err := os.ReadFile(filepath.Join(destDir, "out.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
}

func TestMultiplexerFirstHitWins(t *testing.T) {
	rootA := t.TempDir()
	rootB := t.TempDir()
	a, err := NewDirProvider(rootA, "a", true, CompressNone)
	require.NoError(t, err)
	b, err := NewDirProvider(rootB, "b", false, CompressNone)
	require.NoError(t, err)

	srcDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "f"), []byte("x"), 0o644))
	key := Key("p.t", "h1")
	require.NoError(t, b.Store(key, &Entry{Key: key, OutputTemplate: map[string]value.Value{"type": "T"}}, srcDir))

	mux := NewMultiplexer(diag.NewSink(), a, b)
	entry, ok := mux.Fetch(key, srcDir)
	require.True(t, ok)
	require.Equal(t, "T", entry.OutputTemplate["type"])
}

func TestOutputTemplateRoundTrip(t *testing.T) {
	tmpl := BuildOutputTemplate(map[string]value.Value{"path": "/run/a/b/out.txt"}, "/run/a/b")
	require.Equal(t, "${{ rundir }}/out.txt", tmpl["path"])
	expanded, err := ExpandOutputTemplate(tmpl, "/run2/x")
	require.NoError(t, err)
	require.Equal(t, "/run2/x/out.txt", expanded["path"])
}

func TestValidKey(t *testing.T) {
	require.True(t, ValidKey("p.t:abcd"))
	require.False(t, ValidKey("noop"))
	require.False(t, ValidKey("p.t:"))
}
