package device

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/berfenger/fieldbridge/internal/config"
	"github.com/berfenger/fieldbridge/internal/core/domain"
	"github.com/berfenger/fieldbridge/pkg/fieldbus"

	"github.com/duke-git/lancet/v2/slice"
	"github.com/simonvetter/modbus"
)

var (
	ErrUnknownElement = errors.New("unknown element")
	ErrNotWritable    = errors.New("element is not writable")
	ErrOutOfRange     = errors.New("value out of range")
)

// Element is a named device value. Its value comes from a read task and, when
// a write task covers an element of the same name, it accepts set-points.
type Element struct {
	Name string
	Unit string
	Min  float64
	Max  float64

	read  *fieldbus.RegisterElement
	write *fieldbus.RegisterElement
}

func (e *Element) Writable() bool {
	return e.write != nil
}

// Readable reports whether a read task fills the element.
func (e *Element) Readable() bool {
	return e.read != nil
}

func (e *Element) Value() (float64, bool) {
	if e.read == nil {
		return 0, false
	}
	return e.read.Value()
}

func (e *Element) inRange(value float64) bool {
	if e.Max <= e.Min {
		return true
	}
	return value >= e.Min && value <= e.Max
}

func (e *Element) Info() domain.ElementInfo {
	info := domain.ElementInfo{
		Name:     e.Name,
		Unit:     e.Unit,
		Writable: e.Writable(),
		Min:      e.Min,
		Max:      e.Max,
	}
	if v, ok := e.Value(); ok {
		info.Value = &v
	}
	return info
}

// Device is a generic field-bus device built from configuration.
type Device struct {
	id       string
	name     string
	unitId   uint8
	elements map[string]*Element
	order    []string
	protocol *fieldbus.Protocol

	mu        sync.Mutex
	setPoints map[string]float64
	listener  func(elem *Element, value *float64)
}

func New(cfg config.DeviceConfig) (*Device, error) {
	d := &Device{
		id:        cfg.Id,
		name:      cfg.Name,
		unitId:    cfg.UnitId,
		elements:  make(map[string]*Element),
		setPoints: make(map[string]float64),
	}
	protocol, err := fieldbus.NewProtocol(cfg.Id)
	if err != nil {
		return nil, err
	}
	for i, taskCfg := range cfg.Tasks {
		task, err := d.buildTask(taskCfg)
		if err != nil {
			return nil, fmt.Errorf("device %s: tasks[%d]: %w", cfg.Id, i, err)
		}
		if err := protocol.AddTasks(task); err != nil {
			return nil, fmt.Errorf("device %s: tasks[%d]: %w", cfg.Id, i, err)
		}
	}
	d.protocol = protocol
	return d, nil
}

func (d *Device) buildTask(cfg config.DeviceTaskConfig) (fieldbus.Task, error) {
	write := strings.EqualFold(cfg.Kind, "write")
	if !write && cfg.Kind != "" && !strings.EqualFold(cfg.Kind, "read") {
		return nil, fmt.Errorf("unknown task kind %q", cfg.Kind)
	}

	registers := make([]*fieldbus.RegisterElement, 0, len(cfg.Elements))
	for _, elemCfg := range cfg.Elements {
		reg, err := d.bindElement(elemCfg, write)
		if err != nil {
			return nil, err
		}
		registers = append(registers, reg)
	}

	estimate := time.Duration(cfg.EstimatedMillis) * time.Millisecond
	if write {
		return fieldbus.NewRegisterWriteTask(d.id, d.unitId, estimate, registers...)
	}

	priority, err := fieldbus.ParsePriority(cfg.Priority)
	if err != nil {
		return nil, err
	}
	regType, err := parseFunction(cfg.Function)
	if err != nil {
		return nil, err
	}
	return fieldbus.NewRegisterReadTask(d.id, d.unitId, regType, priority, estimate, registers...)
}

func (d *Device) bindElement(cfg config.ElementConfig, write bool) (*fieldbus.RegisterElement, error) {
	typ, err := fieldbus.ParseElementType(cfg.Type)
	if err != nil {
		return nil, err
	}
	reg := fieldbus.NewRegisterElement(cfg.Name, cfg.Address, typ, cfg.ScaleFactor)

	elem, ok := d.elements[cfg.Name]
	if !ok {
		elem = &Element{Name: cfg.Name}
		d.elements[cfg.Name] = elem
		d.order = append(d.order, cfg.Name)
	}
	if cfg.Unit != "" {
		elem.Unit = cfg.Unit
	}

	if write {
		if elem.write != nil {
			return nil, fmt.Errorf("element %s written by two tasks", cfg.Name)
		}
		elem.write = reg
		elem.Min, elem.Max = cfg.Min, cfg.Max
		return reg, nil
	}

	if elem.read != nil {
		return nil, fmt.Errorf("element %s read by two tasks", cfg.Name)
	}
	elem.read = reg
	reg.OnUpdate(func(_ *fieldbus.RegisterElement, value *float64) {
		d.notify(elem, value)
	})
	return reg, nil
}

func parseFunction(fn string) (modbus.RegType, error) {
	switch strings.ToLower(fn) {
	case "", "holding":
		return modbus.HOLDING_REGISTER, nil
	case "input":
		return modbus.INPUT_REGISTER, nil
	}
	return modbus.HOLDING_REGISTER, fmt.Errorf("unknown register function %q", fn)
}

func (d *Device) Id() string {
	return d.id
}

func (d *Device) Name() string {
	return d.name
}

func (d *Device) Protocol() *fieldbus.Protocol {
	return d.protocol
}

func (d *Device) Element(name string) (*Element, bool) {
	elem, ok := d.elements[name]
	return elem, ok
}

// Elements returns the elements in configuration order.
func (d *Device) Elements() []*Element {
	return slice.Map(d.order, func(_ int, name string) *Element { return d.elements[name] })
}

func (d *Device) Info() domain.GetDeviceInfoResponse {
	return domain.GetDeviceInfoResponse{
		Id:       d.id,
		Name:     d.name,
		Elements: slice.Map(d.Elements(), func(_ int, e *Element) domain.ElementInfo { return e.Info() }),
	}
}

// OnElementUpdate registers the listener of value changes of read elements.
// It is called from the scheduler drain loop.
func (d *Device) OnElementUpdate(fn func(elem *Element, value *float64)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listener = fn
}

func (d *Device) notify(elem *Element, value *float64) {
	d.mu.Lock()
	listener := d.listener
	d.mu.Unlock()
	if listener != nil {
		listener(elem, value)
	}
}

// SetPoint stores a commanded value for a writable element. It is handed to
// the write task by the next LatchSetPoints.
func (d *Device) SetPoint(name string, value float64) (bool, error) {
	elem, ok := d.elements[name]
	if !ok {
		return false, fmt.Errorf("%w: %s/%s", ErrUnknownElement, d.id, name)
	}
	if !elem.Writable() {
		return false, fmt.Errorf("%w: %s/%s", ErrNotWritable, d.id, name)
	}
	if !elem.inRange(value) {
		return false, fmt.Errorf("%w: %s/%s=%v not in [%v, %v]", ErrOutOfRange, d.id, name, value, elem.Min, elem.Max)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	previous, pending := d.setPoints[name]
	d.setPoints[name] = value
	return !pending || previous != value, nil
}

// LatchSetPoints moves the commanded set-points into their write elements
// and returns how many were latched.
func (d *Device) LatchSetPoints() int {
	d.mu.Lock()
	pending := d.setPoints
	d.setPoints = make(map[string]float64)
	d.mu.Unlock()

	for name, value := range pending {
		d.elements[name].write.SetNextWriteValue(value)
	}
	return len(pending)
}
