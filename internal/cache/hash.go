package cache

import (
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/karrick/godirwalk"

	"github.com/dvflow/dvflow/internal/model"
	"github.com/dvflow/dvflow/internal/value"
)

// DefaultHashProvider computes the default hash recipe: MD5 over the
// sorted paths and contents of every regular file under the task's
// srcdir and rundir (walked with karrick/godirwalk, the teacher's own
// directory-walk dependency; `.log` files and the memento are skipped),
// followed by the task name, its sorted tags, its sorted parameter
// values and the env vars named in `cache.hash`. It walks whole
// directories, not declared input globs, and hashes no separate
// filetype tag or `defines` list beyond what appears among the
// parameters. MD5 is a deliberate spec choice (not a stronger hash)
// and is kept as-is.
type DefaultHashProvider struct {
	// Filetypes this provider declares support for; empty means "any".
	Filetypes []string
}

func (p *DefaultHashProvider) Name() string { return "default" }

func (p *DefaultHashProvider) Supports(filetype string) bool {
	if len(p.Filetypes) == 0 {
		return true
	}
	for _, f := range p.Filetypes {
		if f == filetype {
			return true
		}
	}
	return false
}

func (p *DefaultHashProvider) Hash(ctx context.Context, t *model.Task, in model.TaskDataInput) (string, error) {
	h := md5.New()

	paths, err := collectInputPaths(in.Srcdir, in.Rundir)
	if err != nil {
		return "", err
	}
	sort.Strings(paths)
	for _, p := range paths {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}
		io.WriteString(h, p)
		f, err := os.Open(p)
		if err != nil {
			continue
		}
		_, _ = io.Copy(h, f)
		f.Close()
	}

	io.WriteString(h, t.Name)
	for _, tag := range sortedTags(t) {
		io.WriteString(h, tag)
	}
	for _, name := range sortedParamNames(in.Params) {
		fmt.Fprintf(h, "%s=%v;", name, value.Native(in.Params[name]))
	}
	for _, name := range t.Cache.Hash {
		if v, ok := in.Env[name]; ok {
			fmt.Fprintf(h, "env.%s=%s;", name, v)
		}
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

func sortedTags(t *model.Task) []string {
	tags := append([]string{}, t.Tags...)
	sort.Strings(tags)
	return tags
}

func sortedParamNames(p model.ParamStruct) []string {
	names := make([]string, 0, len(p))
	for k := range p {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// MementoFileName is the scheduler's persisted up-to-date record
// (internal/scheduler writes/reads it beside a task's rundir). Excluded
// here the same way ".log" files are: it is dvflow's own bookkeeping,
// never a task input, and hashing it would make the memento compare
// unequal to itself on every run.
const MementoFileName = "memento.json"

// collectInputPaths walks srcdir (and rundir, if distinct and already
// populated from a prior run) collecting regular file paths.
func collectInputPaths(dirs ...string) ([]string, error) {
	var out []string
	seen := map[string]bool{}
	for _, dir := range dirs {
		if dir == "" || seen[dir] {
			continue
		}
		seen[dir] = true
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		err := godirwalk.Walk(dir, &godirwalk.Options{
			Callback: func(osPathname string, de *godirwalk.Dirent) error {
				if de.IsDir() {
					return nil
				}
				if strings.HasSuffix(osPathname, ".log") {
					return nil
				}
				if filepath.Base(osPathname) == MementoFileName {
					return nil
				}
				out = append(out, osPathname)
				return nil
			},
			Unsorted: true,
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
