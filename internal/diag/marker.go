// Package diag implements structured diagnostics: markers with source
// locations, a thread-safe sink for collecting them, and an error-kind
// taxonomy. It is modeled on the way the teacher threads a single
// hclog.Logger through every layer instead of throwing language
// exceptions across component boundaries.
package diag

import "fmt"

// Severity is the level of a marker.
type Severity string

const (
	// Info is an informational marker.
	Info Severity = "info"
	// Warn is a warning marker; warnings never fail a run.
	Warn Severity = "warn"
	// Error is an error marker; any error marker present blocks a run
	// from starting.
	Error Severity = "error"
)

// Kind is the taxonomy of diagnostic kinds.
type Kind string

const (
	KindSchemaValidation    Kind = "SchemaValidation"
	KindUnknownReference    Kind = "UnknownReference"
	KindCircularDependency  Kind = "CircularDependency"
	KindOverrideTargetMiss  Kind = "OverrideTargetMissing"
	KindDuplicateFragment   Kind = "DuplicateFragmentName"
	KindDataflowMismatch    Kind = "DataflowMismatch"
	KindUnusedTask          Kind = "UnusedTask"
	KindCacheCorrupt        Kind = "CacheCorrupt"
	KindCacheStoreFailed    Kind = "CacheStoreFailed"
	KindLockTimeout         Kind = "LockTimeout"
	KindTaskFailure         Kind = "TaskFailure"
	KindUncaughtBodyExc     Kind = "UncaughtBodyException"
	KindInvalidOutputItem   Kind = "InvalidOutputItem"
	KindJobServerBroken     Kind = "JobServerBroken"
)

// severityOf gives the default severity for each taxonomy kind.
var severityOf = map[Kind]Severity{
	KindSchemaValidation:   Error,
	KindUnknownReference:   Error,
	KindCircularDependency: Error,
	KindOverrideTargetMiss: Error,
	KindDuplicateFragment:  Error,
	KindDataflowMismatch:   Warn,
	KindUnusedTask:         Warn,
	KindCacheCorrupt:       Warn,
	KindCacheStoreFailed:   Warn,
	KindLockTimeout:        Error,
	KindTaskFailure:        Error,
	KindUncaughtBodyExc:    Error,
	KindInvalidOutputItem:  Error,
	KindJobServerBroken:    Error,
}

// Location is a source location a marker can be anchored to.
type Location struct {
	File   string
	Line   int
	Column int
}

func (l *Location) String() string {
	if l == nil {
		return ""
	}
	return fmt.Sprintf("%s:%d:%d", l.File, l.Line, l.Column)
}

// Marker is a single structured diagnostic record.
type Marker struct {
	Severity Severity
	Msg      string
	Loc      *Location
	Kind     Kind
}

func (m Marker) String() string {
	if m.Loc != nil {
		return fmt.Sprintf("[%s] %s (%s): %s", m.Severity, m.Kind, m.Loc.String(), m.Msg)
	}
	return fmt.Sprintf("[%s] %s: %s", m.Severity, m.Kind, m.Msg)
}

// New builds a marker of the given kind, defaulting its severity from
// the taxonomy table and allowing an optional location.
func New(kind Kind, msg string, loc *Location) Marker {
	sev, ok := severityOf[kind]
	if !ok {
		sev = Error
	}
	return Marker{Severity: sev, Msg: msg, Loc: loc, Kind: kind}
}
