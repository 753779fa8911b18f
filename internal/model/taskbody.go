package model

import (
	"context"

	"github.com/dvflow/dvflow/internal/diag"
	"github.com/dvflow/dvflow/internal/env"
	"github.com/dvflow/dvflow/internal/value"
)

// ParamStruct is a task's resolved, typed parameter record, generated
// at load time from its ParamSchema (spec §9's "explicit named record
// per task type" design note, replacing the source runtime's
// reflection-based parameter discovery).
type ParamStruct map[string]value.Value

// DataItem is one flowed output record; every item must carry a
// non-empty Type field (spec §3 invariant).
type DataItem struct {
	Type  string
	Attrs map[string]value.Value
}

// TaskDataInput is the input bundle a leaf body receives when invoked
// (spec §4.8 step 1).
type TaskDataInput struct {
	Params  ParamStruct
	Inputs  []DataItem
	Memento *Memento
	Rundir  string
	Srcdir  string
	Env     env.Map
}

// TaskDataResult is what a leaf body produces (spec §4.8 step 6).
type TaskDataResult struct {
	Status   int
	Changed  bool
	Output   []DataItem
	Markers  []diag.Marker
	Memento  *Memento
	CacheHit bool
}

// Memento is the small persistent record used to detect that a
// previous run's inputs/parameters are unchanged (spec glossary).
// Persisted to <rundir>/memento.json by the scheduler so the next
// invocation of the same process can read it back, not just a value
// shared in memory during a single Run.
type Memento struct {
	Hash   string
	Output []DataItem
}

// TaskContext is the API exposed to a native task body (spec §6
// "Task-run context"). Implementations live in internal/scheduler;
// model only defines the contract so internal/graph and
// internal/loader can refer to TaskBody without importing scheduler.
type TaskContext interface {
	Rundir() string
	Srcdir() string
	Env() env.Map
	MkDataItem(typ string, attrs map[string]value.Value) DataItem
	MkName(hint string) string
	Info(msg string)
	Warn(msg string)
	Error(msg string)
	Exec(ctx context.Context, argv []string, cwd, logfile string) (int, error)
}

// TaskBody is implemented by every executable task kind: native
// routines, the `generate` strategy, and (wrapped) shell tasks.
type TaskBody interface {
	MkParams(raw map[string]value.Value) (ParamStruct, error)
	Run(ctx context.Context, tctx TaskContext, in TaskDataInput) (TaskDataResult, error)
}

// HashProvider computes a task's cache-key content hash (spec §4.5).
type HashProvider interface {
	Name() string
	Supports(filetype string) bool
	Hash(ctx context.Context, t *Task, in TaskDataInput) (string, error)
}

// Registry holds hash providers and TaskBody implementations by name
// (cache providers live in cache.Multiplexer), constructed by the driver and threaded
// through the loader, builder and runner explicitly (spec §9:
// "model as an explicit Registry value ... never as process-wide
// state").
type Registry struct {
	bodies    map[string]TaskBody
	hashProvs []HashProvider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{bodies: map[string]TaskBody{}}
}

// RegisterBody registers a named TaskBody implementation, looked up by
// a task's `body:` field.
func (r *Registry) RegisterBody(name string, b TaskBody) { r.bodies[name] = b }

// Body looks up a registered TaskBody by name.
func (r *Registry) Body(name string) (TaskBody, bool) {
	b, ok := r.bodies[name]
	return b, ok
}

// RegisterHashProvider appends a hash provider; a provider registered
// later is tried first by HashProviderFor's reverse scan. The only
// provider in this module is cache.DefaultHashProvider; there is no
// SV-aware provider that follows `include directives.
func (r *Registry) RegisterHashProvider(p HashProvider) {
	r.hashProvs = append(r.hashProvs, p)
}

// HashProviderFor returns the highest-priority provider declaring
// support for filetype, scanning providers most-recently-registered
// first.
func (r *Registry) HashProviderFor(filetype string) (HashProvider, bool) {
	for i := len(r.hashProvs) - 1; i >= 0; i-- {
		if r.hashProvs[i].Supports(filetype) {
			return r.hashProvs[i], true
		}
	}
	return nil, false
}
