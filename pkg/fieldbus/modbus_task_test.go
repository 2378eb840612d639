package fieldbus

import (
	"context"
	"testing"
	"time"

	"github.com/simonvetter/modbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterElementCodec(t *testing.T) {

	assert := assert.New(t)

	cases := []struct {
		typ   ElementType
		sf    int
		words []uint16
		value float64
	}{
		{Uint16, 0, []uint16{1234}, 1234},
		{Int16, -1, []uint16{0xFF9C}, -10},
		{Uint32, 0, []uint16{0x0001, 0x0000}, 65536},
		{Int32, 2, []uint16{0xFFFF, 0xFFFE}, -200},
		{Float32, 0, []uint16{0x3FC0, 0x0000}, 1.5},
	}

	for _, c := range cases {
		e := NewRegisterElement("x", 0, c.typ, c.sf)
		assert.InDelta(c.value, e.decode(c.words), 1e-9, "decode %v", c.typ)
		assert.Equal(c.words, e.encode(c.value), "encode %v", c.typ)
	}
}

func TestRegisterElementNotifiesChanges(t *testing.T) {

	assert := assert.New(t)

	e := NewRegisterElement("soc", 10, Uint16, 0)
	var updates []*float64
	e.OnUpdate(func(_ *RegisterElement, value *float64) { updates = append(updates, value) })

	e.Invalidate()
	assert.Empty(updates, "invalidating an unknown value is silent")

	e.setRegisters([]uint16{50})
	e.setRegisters([]uint16{50})
	e.setRegisters([]uint16{51})
	e.Invalidate()

	require.Len(t, updates, 3)
	assert.Equal(50.0, *updates[0])
	assert.Equal(51.0, *updates[1])
	assert.Nil(updates[2])
}

func TestReadTaskDecodesElements(t *testing.T) {

	assert := assert.New(t)

	transport := NewTestTransport()
	transport.SetRegisters(3, modbus.INPUT_REGISTER, 200, 0x0000, 0x1000, 7, 0xFFFF)

	energy := NewRegisterElement("energy", 200, Uint32, 0)
	soc := NewRegisterElement("soc", 202, Uint16, 0)
	power := NewRegisterElement("power", 203, Int16, 1)
	task, err := NewRegisterReadTask("ess0", 3, modbus.INPUT_REGISTER, PriorityLow, 30*time.Millisecond, energy, soc, power)
	require.NoError(t, err)

	assert.Equal(30*time.Millisecond, task.EstimatedDuration())
	executed, err := task.Execute(context.Background(), transport)
	assert.NoError(err)
	assert.Equal(1, executed)

	v, _ := energy.Value()
	assert.Equal(4096.0, v)
	v, _ = soc.Value()
	assert.Equal(7.0, v)
	v, _ = power.Value()
	assert.Equal(-10.0, v)

	assert.Equal([]TestCall{{Fn: "ReadRegisters", UnitId: 3, Address: 200, Quantity: 4}}, transport.Calls())
	assert.Equal("Read[ess0 unit=3 FC4 200/4 LOW]", task.String())
	assert.Len(task.Elements(), 3)
}

func TestReadTaskFailure(t *testing.T) {

	transport := NewTestTransport()
	transport.Fail(1, modbus.ErrIllegalDataAddress)
	task, err := NewRegisterReadTask("ess0", 1, modbus.HOLDING_REGISTER, PriorityHigh, time.Millisecond,
		NewRegisterElement("soc", 0, Uint16, 0))
	require.NoError(t, err)

	executed, err := task.Execute(context.Background(), transport)
	assert.ErrorIs(t, err, modbus.ErrIllegalDataAddress)
	assert.Equal(t, 0, executed)
	assert.Equal(t, time.Millisecond, task.EstimatedDuration(), "failed runs are not measured")
}

func TestWriteTaskWritesContiguousRuns(t *testing.T) {

	assert := assert.New(t)

	transport := NewTestTransport()
	a := NewRegisterElement("a", 10, Uint16, 0)
	b := NewRegisterElement("b", 11, Uint32, 0)
	c := NewRegisterElement("c", 13, Uint16, 0)
	d := NewRegisterElement("d", 20, Int16, 0)
	task, err := NewRegisterWriteTask("ess0", 2, 10*time.Millisecond, a, b, c, d)
	require.NoError(t, err)

	executed, err := task.Execute(context.Background(), transport)
	assert.NoError(err)
	assert.Equal(0, executed, "nothing pending")
	assert.Empty(transport.Calls())

	a.SetNextWriteValue(1)
	b.SetNextWriteValue(70000)
	d.SetNextWriteValue(-1)

	executed, err = task.Execute(context.Background(), transport)
	assert.NoError(err)
	assert.Equal(2, executed)
	assert.Equal([]TestCall{
		{Fn: "WriteRegisters", UnitId: 2, Address: 10, Quantity: 3},
		{Fn: "WriteRegisters", UnitId: 2, Address: 20, Quantity: 1},
	}, transport.Calls())
	assert.Equal([]uint16{1, 0x0001, 0x1170}, transport.Registers(2, modbus.HOLDING_REGISTER, 10, 3))
	assert.Equal([]uint16{0xFFFF}, transport.Registers(2, modbus.HOLDING_REGISTER, 20, 1))

	_, pending := a.NextWriteValue()
	assert.False(pending, "pending values are consumed")
	assert.Equal(KindWrite, task.Kind())
	assert.Equal(PriorityHigh, task.Priority())
}

func TestFailedWriteKeepsPendingValue(t *testing.T) {

	assert := assert.New(t)

	transport := NewTestTransport()
	setpoint := NewRegisterElement("setpoint", 30, Int16, 0)
	task, err := NewRegisterWriteTask("ess0", 1, 10*time.Millisecond, setpoint)
	require.NoError(t, err)
	assert.False(task.Pending())

	setpoint.SetNextWriteValue(42)
	assert.True(task.Pending())

	transport.Fail(1, modbus.ErrRequestTimedOut)
	executed, err := task.Execute(context.Background(), transport)
	assert.ErrorIs(err, modbus.ErrRequestTimedOut)
	assert.Equal(0, executed)
	value, pending := setpoint.NextWriteValue()
	assert.True(pending, "a failed write keeps the value")
	assert.Equal(42.0, value)

	transport.Recover(1)
	executed, err = task.Execute(context.Background(), transport)
	assert.NoError(err)
	assert.Equal(1, executed)
	assert.Equal([]uint16{42}, transport.Registers(1, modbus.HOLDING_REGISTER, 30, 1))
	assert.False(task.Pending())
}

func TestWriteKeepsValueSetDuringExecution(t *testing.T) {

	assert := assert.New(t)

	setpoint := NewRegisterElement("setpoint", 30, Int16, 0)
	setpoint.SetNextWriteValue(1)
	task, err := NewRegisterWriteTask("ess0", 1, 10*time.Millisecond, setpoint)
	require.NoError(t, err)

	runs := task.pendingRuns()
	require.Len(t, runs, 1)
	setpoint.SetNextWriteValue(2)
	for _, p := range runs[0].written {
		p.element.clearNextWrite(p.value)
	}

	value, pending := setpoint.NextWriteValue()
	assert.True(pending)
	assert.Equal(2.0, value)
}

func TestRegisterTaskValidation(t *testing.T) {

	_, err := NewRegisterReadTask("ess0", 1, modbus.HOLDING_REGISTER, PriorityHigh, 0)
	assert.ErrorIs(t, err, ErrInvalidProtocol)

	_, err = NewRegisterReadTask("ess0", 1, modbus.HOLDING_REGISTER, PriorityHigh, 0,
		NewRegisterElement("a", 10, Uint32, 0), NewRegisterElement("b", 11, Uint16, 0))
	assert.ErrorIs(t, err, ErrInvalidProtocol, "overlapping elements")

	_, err = NewRegisterWriteTask("ess0", 1, 0,
		NewRegisterElement("a", 0, Uint16, 0), NewRegisterElement("b", 200, Uint16, 0))
	assert.ErrorIs(t, err, ErrInvalidProtocol, "too many registers")
}
