package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dvflow/dvflow/internal/value"
)

// DirProvider is the default local-directory cache provider, laid out
// exactly per spec §6:
//
//	<cache-root>/<task-name>/<hash>/
//	  output.json metadata.json artifacts/|artifacts.tar.gz .lock
type DirProvider struct {
	Root        string
	ProviderName string
	ReadOnly    bool
	Compression Compression
	Locks       *LockManager
}

// configMarker is the `.cache_config.yaml` root marker (spec §6).
type configMarker struct {
	Type    string    `yaml:"type"`
	Version int       `yaml:"version"`
	Shared  bool      `yaml:"shared"`
	Created time.Time `yaml:"created"`
}

// NewDirProvider creates (and, if absent, initializes) a local
// directory cache rooted at root, writing the `.cache_config.yaml`
// marker when none exists and the provider is writable.
func NewDirProvider(root string, name string, readOnly bool, compression Compression) (*DirProvider, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	markerPath := filepath.Join(root, ".cache_config.yaml")
	if data, err := os.ReadFile(markerPath); err == nil {
		var marker configMarker
		if yerr := yaml.Unmarshal(data, &marker); yerr != nil || marker.Version != 1 {
			// a malformed/older marker is tolerated: no error or
			// warning is reported and the directory is still used.
		}
	} else if !readOnly {
		marker := configMarker{Type: "directory", Version: 1, Shared: false, Created: time.Now()}
		data, merr := yaml.Marshal(marker)
		if merr == nil {
			_ = os.WriteFile(markerPath, data, 0o644)
		}
	}
	return &DirProvider{
		Root:         root,
		ProviderName: name,
		ReadOnly:     readOnly,
		Compression:  compression,
		Locks:        NewLockManager(300 * time.Second),
	}, nil
}

func (p *DirProvider) Name() string    { return p.ProviderName }
func (p *DirProvider) Writable() bool  { return !p.ReadOnly }

func (p *DirProvider) entryDir(key string) string {
	parts := strings.SplitN(key, ":", 2)
	taskName, hash := parts[0], ""
	if len(parts) == 2 {
		hash = parts[1]
	}
	return filepath.Join(p.Root, taskName, hash)
}

func (p *DirProvider) Has(key string) (bool, error) {
	if !ValidKey(key) {
		return false, fmt.Errorf("malformed cache key %q", key)
	}
	dir := p.entryDir(key)
	if _, err := os.Stat(filepath.Join(dir, "output.json")); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (p *DirProvider) Fetch(key string) (*Entry, error) {
	dir := p.entryDir(key)
	unlock, err := p.Locks.RLock(dir)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var out map[string]value.Value
	if err := readJSON(filepath.Join(dir, "output.json"), &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	var meta Metadata
	_ = readJSON(filepath.Join(dir, "metadata.json"), &meta)

	entry := &Entry{
		Key:            key,
		OutputTemplate: out,
		Compression:    meta.Compression,
		CreatedAt:      meta.CreatedAt,
		ArtifactsPath:  meta.ArtifactsPath,
	}
	if entry.ArtifactsPath == "" {
		if _, err := os.Stat(filepath.Join(dir, "artifacts.tar.gz")); err == nil {
			entry.ArtifactsPath = filepath.Join(dir, "artifacts.tar.gz")
			entry.Compression = CompressGzip
		} else {
			entry.ArtifactsPath = filepath.Join(dir, "artifacts")
			entry.Compression = CompressNone
		}
	}
	return entry, nil
}

func (p *DirProvider) Store(key string, entry *Entry, srcDir string) error {
	if p.ReadOnly {
		return fmt.Errorf("cache provider %s is read-only", p.ProviderName)
	}
	dir := p.entryDir(key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	unlock, err := p.Locks.Lock(dir)
	if err != nil {
		return err
	}
	defer unlock()

	compression := p.Compression
	artifactsPath, err := StoreArtifacts(srcDir, dir, compression)
	if err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(dir, "output.json"), entry.OutputTemplate); err != nil {
		return err
	}
	meta := Metadata{
		CreatedAt:     time.Now(),
		Compression:   compression,
		ArtifactsPath: artifactsPath,
	}
	if host, herr := os.Hostname(); herr == nil {
		meta.Host = host
	}
	if u := os.Getenv("USER"); u != "" {
		meta.User = u
	}
	return writeJSON(filepath.Join(dir, "metadata.json"), meta)
}
