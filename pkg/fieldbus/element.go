package fieldbus

import (
	"fmt"
	"math"
	"sync"
)

// Element is a value slot filled by a read task or consumed by a write task.
type Element interface {
	Name() string
	// Invalidate marks the current value as unknown.
	Invalidate()
}

type ElementType int

const (
	Uint16 ElementType = iota
	Int16
	Uint32
	Int32
	Float32
)

func ParseElementType(s string) (ElementType, error) {
	switch s {
	case "uint16", "":
		return Uint16, nil
	case "int16":
		return Int16, nil
	case "uint32":
		return Uint32, nil
	case "int32":
		return Int32, nil
	case "float32":
		return Float32, nil
	}
	return Uint16, fmt.Errorf("unknown element type %q", s)
}

// Words is the number of 16 bit registers the type occupies.
func (t ElementType) Words() uint16 {
	switch t {
	case Uint32, Int32, Float32:
		return 2
	}
	return 1
}

// UpdateListener is notified whenever an element value changes. A nil value
// means the element was invalidated.
type UpdateListener func(e *RegisterElement, value *float64)

// RegisterElement maps one or two Modbus registers to a scaled float value.
// Multi-word values are big-endian with the high word first.
type RegisterElement struct {
	name        string
	address     uint16
	typ         ElementType
	scaleFactor int

	mu        sync.Mutex
	value     *float64
	nextWrite *float64
	listener  UpdateListener
}

func NewRegisterElement(name string, address uint16, typ ElementType, scaleFactor int) *RegisterElement {
	return &RegisterElement{
		name:        name,
		address:     address,
		typ:         typ,
		scaleFactor: scaleFactor,
	}
}

func (e *RegisterElement) Name() string {
	return e.name
}

func (e *RegisterElement) Address() uint16 {
	return e.address
}

func (e *RegisterElement) Type() ElementType {
	return e.typ
}

func (e *RegisterElement) Words() uint16 {
	return e.typ.Words()
}

func (e *RegisterElement) OnUpdate(listener UpdateListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listener = listener
}

// Value returns the last decoded value and whether it is valid.
func (e *RegisterElement) Value() (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.value == nil {
		return 0, false
	}
	return *e.value, true
}

func (e *RegisterElement) Invalidate() {
	e.mu.Lock()
	if e.value == nil {
		e.mu.Unlock()
		return
	}
	e.value = nil
	listener := e.listener
	e.mu.Unlock()
	if listener != nil {
		listener(e, nil)
	}
}

// SetNextWriteValue queues a value for the next execution of a write task
// that covers this element.
func (e *RegisterElement) SetNextWriteValue(value float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextWrite = &value
}

func (e *RegisterElement) NextWriteValue() (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.nextWrite == nil {
		return 0, false
	}
	return *e.nextWrite, true
}

// peekNextWrite returns the encoded pending write value without clearing it.
// The returned pointer identifies the value for clearNextWrite.
func (e *RegisterElement) peekNextWrite() ([]uint16, *float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.nextWrite == nil {
		return nil, nil, false
	}
	return e.encode(*e.nextWrite), e.nextWrite, true
}

// clearNextWrite drops the pending value once it is written, unless a newer
// value was set meanwhile.
func (e *RegisterElement) clearNextWrite(written *float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.nextWrite == written {
		e.nextWrite = nil
	}
}

func (e *RegisterElement) hasNextWrite() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nextWrite != nil
}

// setRegisters decodes words into the element value.
func (e *RegisterElement) setRegisters(words []uint16) {
	v := e.decode(words)
	e.mu.Lock()
	if e.value != nil && *e.value == v {
		e.mu.Unlock()
		return
	}
	e.value = &v
	listener := e.listener
	e.mu.Unlock()
	if listener != nil {
		listener(e, &v)
	}
}

func (e *RegisterElement) decode(words []uint16) float64 {
	var raw float64
	switch e.typ {
	case Uint16:
		raw = float64(words[0])
	case Int16:
		raw = float64(int16(words[0]))
	case Uint32:
		raw = float64(uint32(words[0])<<16 | uint32(words[1]))
	case Int32:
		raw = float64(int32(uint32(words[0])<<16 | uint32(words[1])))
	case Float32:
		raw = float64(math.Float32frombits(uint32(words[0])<<16 | uint32(words[1])))
	}
	return applySF(raw, e.scaleFactor)
}

func (e *RegisterElement) encode(value float64) []uint16 {
	raw := applySFInv(value, e.scaleFactor)
	switch e.typ {
	case Uint16:
		return []uint16{uint16(math.Round(raw))}
	case Int16:
		return []uint16{uint16(int16(math.Round(raw)))}
	case Uint32:
		u := uint32(math.Round(raw))
		return []uint16{uint16(u >> 16), uint16(u)}
	case Int32:
		u := uint32(int32(math.Round(raw)))
		return []uint16{uint16(u >> 16), uint16(u)}
	case Float32:
		u := math.Float32bits(float32(raw))
		return []uint16{uint16(u >> 16), uint16(u)}
	}
	return nil
}

func (e *RegisterElement) String() string {
	return fmt.Sprintf("%s@%d", e.name, e.address)
}

func applySF(number float64, sf int) float64 {
	if sf == 0 {
		return number
	}
	return number * math.Pow(10, float64(sf))
}

func applySFInv(number float64, sf int) float64 {
	if sf == 0 {
		return number
	}
	return number / math.Pow(10, float64(sf))
}
