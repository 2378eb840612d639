package fieldbus

import (
	"errors"
	"fmt"
)

var (
	ErrQueueClosed     = errors.New("execution queue closed")
	ErrUnknownOwner    = errors.New("unknown task owner")
	ErrInvalidProtocol = errors.New("invalid protocol")
)

// Protocol is the full declared set of one device's tasks.
type Protocol struct {
	owner      string
	readTasks  []Task
	writeTasks []Task
}

func NewProtocol(owner string, tasks ...Task) (*Protocol, error) {
	p := &Protocol{owner: owner}
	if err := p.AddTasks(tasks...); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Protocol) Owner() string {
	return p.owner
}

func (p *Protocol) AddTasks(tasks ...Task) error {
	for _, t := range tasks {
		if t == nil {
			return fmt.Errorf("%w: nil task for %s", ErrInvalidProtocol, p.owner)
		}
		if t.Owner() != p.owner {
			return fmt.Errorf("%w: task %s belongs to %s, not %s", ErrInvalidProtocol, t, t.Owner(), p.owner)
		}
		switch t.Kind() {
		case KindRead:
			p.readTasks = append(p.readTasks, t)
		case KindWrite:
			p.writeTasks = append(p.writeTasks, t)
		default:
			return fmt.Errorf("%w: task %s has kind %s", ErrInvalidProtocol, t, t.Kind())
		}
	}
	return nil
}

func (p *Protocol) ReadTasks() []Task {
	return p.readTasks
}

func (p *Protocol) WriteTasks() []Task {
	return p.writeTasks
}
