package util

import "strings"

// NameDelimiter separates a package from a task, and a task from its
// subtasks, in a fully-qualified task name: pkg.[frag.]task[.subtask...]
const NameDelimiter = "."

// RootNodeName is the sentinel vertex added to the task graph so that
// tasks with no dependencies still have something to hang off of,
// mirroring the teacher's ROOT_NODE_NAME.
const RootNodeName = "___ROOT___"

// JoinName builds a fully-qualified name from its dotted segments.
func JoinName(parts ...string) string {
	return strings.Join(parts, NameDelimiter)
}

// SplitName splits a fully-qualified name into its dotted segments.
func SplitName(name string) []string {
	return strings.Split(name, NameDelimiter)
}

// PackageOf returns the package-name portion (first segment) of a
// fully-qualified task name.
func PackageOf(name string) string {
	parts := SplitName(name)
	if len(parts) == 0 {
		return ""
	}
	return parts[0]
}
