package fieldbus

import (
	"context"
	"sync"
	"time"

	"github.com/simonvetter/modbus"
)

type TestCall struct {
	Fn       string
	UnitId   uint8
	Address  uint16
	Quantity uint16
}

// TestTransport is an in-memory register bank. It backs the simulator bridge
// and tests.
type TestTransport struct {
	mu       sync.Mutex
	holding  map[uint8]map[uint16]uint16
	input    map[uint8]map[uint16]uint16
	failures map[uint8]error
	latency  time.Duration
	calls    []TestCall
}

func NewTestTransport() *TestTransport {
	return &TestTransport{
		holding:  make(map[uint8]map[uint16]uint16),
		input:    make(map[uint8]map[uint16]uint16),
		failures: make(map[uint8]error),
	}
}

// SetLatency delays every call by d.
func (t *TestTransport) SetLatency(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.latency = d
}

// Fail makes every call addressed to unitId return err until Recover.
func (t *TestTransport) Fail(unitId uint8, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures[unitId] = err
}

func (t *TestTransport) Recover(unitId uint8) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.failures, unitId)
}

func (t *TestTransport) SetRegisters(unitId uint8, regType modbus.RegType, address uint16, values ...uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	bank := t.bank(unitId, regType)
	for i, v := range values {
		bank[address+uint16(i)] = v
	}
}

func (t *TestTransport) Registers(unitId uint8, regType modbus.RegType, address, quantity uint16) []uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	bank := t.bank(unitId, regType)
	values := make([]uint16, quantity)
	for i := range values {
		values[i] = bank[address+uint16(i)]
	}
	return values
}

func (t *TestTransport) Calls() []TestCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]TestCall(nil), t.calls...)
}

func (t *TestTransport) ReadRegisters(ctx context.Context, unitId uint8, address, quantity uint16, regType modbus.RegType) ([]uint16, error) {
	if err := t.call(ctx, TestCall{Fn: "ReadRegisters", UnitId: unitId, Address: address, Quantity: quantity}); err != nil {
		return nil, err
	}
	return t.Registers(unitId, regType, address, quantity), nil
}

func (t *TestTransport) WriteRegisters(ctx context.Context, unitId uint8, address uint16, values []uint16) error {
	if err := t.call(ctx, TestCall{Fn: "WriteRegisters", UnitId: unitId, Address: address, Quantity: uint16(len(values))}); err != nil {
		return err
	}
	t.SetRegisters(unitId, modbus.HOLDING_REGISTER, address, values...)
	return nil
}

func (t *TestTransport) call(ctx context.Context, c TestCall) error {
	t.mu.Lock()
	t.calls = append(t.calls, c)
	latency := t.latency
	failure := t.failures[c.UnitId]
	t.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return failure
}

func (t *TestTransport) bank(unitId uint8, regType modbus.RegType) map[uint16]uint16 {
	banks := t.holding
	if regType == modbus.INPUT_REGISTER {
		banks = t.input
	}
	bank, ok := banks[unitId]
	if !ok {
		bank = make(map[uint16]uint16)
		banks[unitId] = bank
	}
	return bank
}
