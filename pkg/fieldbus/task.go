package fieldbus

import (
	"context"
	"fmt"
	"time"
)

// Priority is the scheduling class of a read task.
type Priority int

const (
	// PriorityOnce tasks are executed exactly once after registration.
	PriorityOnce Priority = iota
	// PriorityLow tasks are executed one at a time in round-robin.
	PriorityLow
	// PriorityHigh tasks are executed in every planning pass.
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityOnce:
		return "ONCE"
	case PriorityLow:
		return "LOW"
	case PriorityHigh:
		return "HIGH"
	}
	return fmt.Sprintf("Priority(%d)", int(p))
}

// ParsePriority maps a configuration string to a Priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "once", "ONCE":
		return PriorityOnce, nil
	case "low", "LOW":
		return PriorityLow, nil
	case "high", "HIGH", "":
		return PriorityHigh, nil
	}
	return PriorityHigh, fmt.Errorf("unknown priority %q", s)
}

type TaskKind int

const (
	KindRead TaskKind = iota
	KindWrite
	KindWait
)

func (k TaskKind) String() string {
	switch k {
	case KindRead:
		return "read"
	case KindWrite:
		return "write"
	case KindWait:
		return "wait"
	}
	return fmt.Sprintf("TaskKind(%d)", int(k))
}

// Task is one atomic field-bus operation owned by a single device.
//
// Execute returns the number of sub-operations that completed. A write task
// with nothing to write returns 0 and a nil error.
type Task interface {
	Owner() string
	Kind() TaskKind
	// Priority is only meaningful for read tasks. Write tasks report PriorityHigh.
	Priority() Priority
	EstimatedDuration() time.Duration
	Elements() []Element
	Execute(ctx context.Context, transport Transport) (int, error)
	String() string
}

// WaitTask pads an execution queue up to a multiple of the cycle time.
type WaitTask struct {
	Duration time.Duration
}

func (w WaitTask) String() string {
	return fmt.Sprintf("Wait[%s]", w.Duration)
}

// queueEntry is either a Task or a WaitTask.
type queueEntry struct {
	task Task
	wait *WaitTask
}

func (e queueEntry) String() string {
	if e.wait != nil {
		return e.wait.String()
	}
	return e.task.String()
}

// pendingWriter is implemented by write tasks that know whether they have
// anything to send.
type pendingWriter interface {
	Pending() bool
}

func hasPendingWrite(t Task) bool {
	if p, ok := t.(pendingWriter); ok {
		return p.Pending()
	}
	return true
}
