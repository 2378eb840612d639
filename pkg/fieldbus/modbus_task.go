package fieldbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/duke-git/lancet/v2/slice"
	"github.com/simonvetter/modbus"
)

const maxRegistersPerRequest = 125

// registerTask is the part shared by read and write tasks: one unit id and a
// sorted set of register elements.
type registerTask struct {
	owner    string
	unitId   uint8
	elements []*RegisterElement
	estimate time.Duration

	mu       sync.Mutex
	measured time.Duration
}

func validateElements(owner string, elements []*RegisterElement) error {
	if len(elements) == 0 {
		return fmt.Errorf("%w: task of %s has no elements", ErrInvalidProtocol, owner)
	}
	for i := 1; i < len(elements); i++ {
		prev := elements[i-1]
		if elements[i].Address() < prev.Address()+prev.Words() {
			return fmt.Errorf("%w: element %s overlaps or is out of order after %s", ErrInvalidProtocol, elements[i], prev)
		}
	}
	last := elements[len(elements)-1]
	if span := int(last.Address()) + int(last.Words()) - int(elements[0].Address()); span > maxRegistersPerRequest {
		return fmt.Errorf("%w: task of %s spans %d registers", ErrInvalidProtocol, owner, span)
	}
	return nil
}

func (t *registerTask) Owner() string {
	return t.owner
}

// EstimatedDuration is the declared estimate until the task has been executed
// successfully, and the last measured duration afterwards.
func (t *registerTask) EstimatedDuration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.measured > 0 {
		return t.measured
	}
	return t.estimate
}

func (t *registerTask) Elements() []Element {
	return slice.Map(t.elements, func(_ int, e *RegisterElement) Element { return e })
}

func (t *registerTask) measure(start time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.measured = time.Since(start)
}

func (t *registerTask) start() uint16 {
	return t.elements[0].Address()
}

func (t *registerTask) length() uint16 {
	last := t.elements[len(t.elements)-1]
	return last.Address() + last.Words() - t.start()
}

// RegisterReadTask reads holding (FC3) or input (FC4) registers covering all
// of its elements in one request.
type RegisterReadTask struct {
	registerTask
	regType  modbus.RegType
	priority Priority
}

func NewRegisterReadTask(owner string, unitId uint8, regType modbus.RegType, priority Priority, estimate time.Duration, elements ...*RegisterElement) (*RegisterReadTask, error) {
	if err := validateElements(owner, elements); err != nil {
		return nil, err
	}
	return &RegisterReadTask{
		registerTask: registerTask{owner: owner, unitId: unitId, elements: elements, estimate: estimate},
		regType:      regType,
		priority:     priority,
	}, nil
}

func (t *RegisterReadTask) Kind() TaskKind {
	return KindRead
}

func (t *RegisterReadTask) Priority() Priority {
	return t.priority
}

func (t *RegisterReadTask) Execute(ctx context.Context, transport Transport) (int, error) {
	start := time.Now()
	regs, err := transport.ReadRegisters(ctx, t.unitId, t.start(), t.length(), t.regType)
	if err != nil {
		return 0, err
	}
	if len(regs) != int(t.length()) {
		return 0, fmt.Errorf("%s: expected %d registers, got %d", t, t.length(), len(regs))
	}
	base := t.start()
	for _, e := range t.elements {
		offset := e.Address() - base
		e.setRegisters(regs[offset : offset+e.Words()])
	}
	t.measure(start)
	return 1, nil
}

func (t *RegisterReadTask) String() string {
	fc := 3
	if t.regType == modbus.INPUT_REGISTER {
		fc = 4
	}
	return fmt.Sprintf("Read[%s unit=%d FC%d %d/%d %s]", t.owner, t.unitId, fc, t.start(), t.length(), t.priority)
}

// RegisterWriteTask writes the pending values of its elements with FC16, one
// request per contiguous run of pending elements.
type RegisterWriteTask struct {
	registerTask
}

func NewRegisterWriteTask(owner string, unitId uint8, estimate time.Duration, elements ...*RegisterElement) (*RegisterWriteTask, error) {
	if err := validateElements(owner, elements); err != nil {
		return nil, err
	}
	return &RegisterWriteTask{
		registerTask: registerTask{owner: owner, unitId: unitId, elements: elements, estimate: estimate},
	}, nil
}

func (t *RegisterWriteTask) Kind() TaskKind {
	return KindWrite
}

func (t *RegisterWriteTask) Priority() Priority {
	return PriorityHigh
}

type registerRun struct {
	address uint16
	values  []uint16
	written []pendingValue
}

type pendingValue struct {
	element *RegisterElement
	value   *float64
}

// Pending reports whether any element has a value to write.
func (t *RegisterWriteTask) Pending() bool {
	for _, e := range t.elements {
		if e.hasNextWrite() {
			return true
		}
	}
	return false
}

// pendingRuns groups the pending values of adjacent elements into runs. The
// values stay pending until their run is written.
func (t *RegisterWriteTask) pendingRuns() []registerRun {
	var runs []registerRun
	var next uint16
	for _, e := range t.elements {
		words, value, ok := e.peekNextWrite()
		if !ok {
			continue
		}
		pending := pendingValue{element: e, value: value}
		if len(runs) > 0 && e.Address() == next {
			last := &runs[len(runs)-1]
			last.values = append(last.values, words...)
			last.written = append(last.written, pending)
		} else {
			runs = append(runs, registerRun{address: e.Address(), values: words, written: []pendingValue{pending}})
		}
		next = e.Address() + e.Words()
	}
	return runs
}

// Execute returns the number of runs written. It returns 0 when no element
// had a pending value. Values of runs that failed stay pending for the next
// pass.
func (t *RegisterWriteTask) Execute(ctx context.Context, transport Transport) (int, error) {
	runs := t.pendingRuns()
	if len(runs) == 0 {
		return 0, nil
	}
	start := time.Now()
	for i, run := range runs {
		if err := transport.WriteRegisters(ctx, t.unitId, run.address, run.values); err != nil {
			return i, err
		}
		for _, p := range run.written {
			p.element.clearNextWrite(p.value)
		}
	}
	t.measure(start)
	return len(runs), nil
}

func (t *RegisterWriteTask) String() string {
	return fmt.Sprintf("Write[%s unit=%d FC16 %d/%d]", t.owner, t.unitId, t.start(), t.length())
}
