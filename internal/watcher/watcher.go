// Package watcher provides the OS-level directory notification primitive used
// by the monitor. It wraps fsnotify and translates its events into the small
// vocabulary the monitor understands.
package watcher

import "time"

// Op classifies the kind of notification delivered by the primitive.
type Op uint32

const (
	// OpCreate indicates an entry appeared in a watched directory.
	OpCreate Op = iota + 1
	// OpModify indicates an entry was written or had its attributes changed.
	OpModify
	// OpDelete indicates an entry was removed or renamed away.
	OpDelete
	// OpOverflow indicates the kernel queue overflowed and events were lost.
	OpOverflow
)

func (o Op) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	case OpOverflow:
		return "overflow"
	default:
		return "unknown"
	}
}

// Event is a single notification. Path is the absolute path of the affected
// entry and Dir the watched directory it was reported against. Both are empty
// for OpOverflow.
type Event struct {
	Path string
	Dir  string
	Op   Op
	Time time.Time
}
