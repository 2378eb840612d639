package fieldbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/simonvetter/modbus"
	"go.uber.org/zap"
)

// Transport performs the wire-level request/response for a task.
type Transport interface {
	ReadRegisters(ctx context.Context, unitId uint8, address, quantity uint16, regType modbus.RegType) ([]uint16, error)
	WriteRegisters(ctx context.Context, unitId uint8, address uint16, values []uint16) error
}

type TransportConfig struct {
	// URL is tcp://host:port or rtu:///dev/ttyUSB0
	URL      string
	Timeout  time.Duration
	Speed    uint
	DataBits uint
	StopBits uint
	Parity   string
}

type ModbusInstrument struct {
	RecordTime func(fnName string, unitId uint8, duration time.Duration, err error)
}

// ModbusTransport shares one Modbus connection between all devices of a bridge.
type ModbusTransport struct {
	mu         sync.Mutex
	client     *modbus.ModbusClient
	open       bool
	instrument []ModbusInstrument
	logger     *zap.Logger
}

func NewModbusTransport(cfg TransportConfig, logger *zap.Logger, instrumentation *ModbusInstrument) (*ModbusTransport, error) {
	parity, err := parseParity(cfg.Parity)
	if err != nil {
		return nil, err
	}
	client, err := modbus.NewClient(&modbus.ClientConfiguration{
		URL:      cfg.URL,
		Timeout:  cfg.Timeout,
		Speed:    cfg.Speed,
		DataBits: cfg.DataBits,
		StopBits: cfg.StopBits,
		Parity:   parity,
	})
	if err != nil {
		return nil, err
	}

	inst := []ModbusInstrument{*debugLoggerInstrumentation(logger)}
	if instrumentation != nil {
		inst = append(inst, *instrumentation)
	}

	return &ModbusTransport{
		client:     client,
		instrument: inst,
		logger:     logger,
	}, nil
}

func (t *ModbusTransport) Open() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.openLocked()
}

func (t *ModbusTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.open {
		return nil
	}
	t.open = false
	return t.client.Close()
}

func (t *ModbusTransport) ReadRegisters(ctx context.Context, unitId uint8, address, quantity uint16, regType modbus.RegType) ([]uint16, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.prepare(unitId); err != nil {
		return nil, err
	}
	var err error
	defer RecordTimer("ReadRegisters", unitId, t.instrument, &err)()
	regs, err := t.client.ReadRegisters(address, quantity, regType)
	if err != nil {
		t.checkConnection(err)
		return nil, err
	}
	return regs, nil
}

func (t *ModbusTransport) WriteRegisters(ctx context.Context, unitId uint8, address uint16, values []uint16) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.prepare(unitId); err != nil {
		return err
	}
	var err error
	defer RecordTimer("WriteRegisters", unitId, t.instrument, &err)()
	err = t.client.WriteRegisters(address, values)
	if err != nil {
		t.checkConnection(err)
	}
	return err
}

func (t *ModbusTransport) prepare(unitId uint8) error {
	if err := t.openLocked(); err != nil {
		return err
	}
	return t.client.SetUnitId(unitId)
}

func (t *ModbusTransport) openLocked() error {
	if t.open {
		return nil
	}
	if err := t.client.Open(); err != nil {
		return fmt.Errorf("modbus connection failed: %w", err)
	}
	t.open = true
	return nil
}

// checkConnection closes the link after errors that are not attributable to
// a single device, so the next request reconnects.
func (t *ModbusTransport) checkConnection(err error) {
	if isDeviceError(err) {
		return
	}
	t.logger.Warn("modbus: closing connection after error", zap.Error(err))
	t.open = false
	_ = t.client.Close()
}

func isDeviceError(err error) bool {
	deviceErrors := []error{
		modbus.ErrRequestTimedOut,
		modbus.ErrIllegalFunction,
		modbus.ErrIllegalDataAddress,
		modbus.ErrIllegalDataValue,
		modbus.ErrServerDeviceFailure,
		modbus.ErrServerDeviceBusy,
		modbus.ErrGWTargetFailedToRespond,
	}
	for _, e := range deviceErrors {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}

func parseParity(p string) (uint, error) {
	switch strings.ToLower(p) {
	case "", "none":
		return modbus.PARITY_NONE, nil
	case "even":
		return modbus.PARITY_EVEN, nil
	case "odd":
		return modbus.PARITY_ODD, nil
	}
	return 0, fmt.Errorf("invalid parity %q", p)
}

func RecordTimer(name string, unitId uint8, instrument []ModbusInstrument, err *error) func() {
	if instrument == nil {
		return func() {}
	}

	start := time.Now()
	return func() {
		duration := time.Since(start)
		for i := range instrument {
			instrument[i].RecordTime(name, unitId, duration, *err)
		}
	}
}

func debugLoggerInstrumentation(logger *zap.Logger) *ModbusInstrument {
	return &ModbusInstrument{
		RecordTime: func(fnName string, unitId uint8, duration time.Duration, err error) {
			logger.Debug("modbus call",
				zap.String("fn", fnName),
				zap.Uint8("unit_id", unitId),
				zap.Int64("millis", duration.Milliseconds()),
				zap.Error(err))
		},
	}
}
