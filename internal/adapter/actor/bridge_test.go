package actor

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/berfenger/fieldbridge/internal/core/device"
	"github.com/berfenger/fieldbridge/internal/core/domain"
	"github.com/berfenger/fieldbridge/internal/metrics"
	"github.com/berfenger/fieldbridge/internal/util"
	"github.com/berfenger/fieldbridge/internal/util/actorutil"
	"github.com/berfenger/fieldbridge/pkg/fieldbus"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/simonvetter/modbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type taskRecorder struct {
	mu    sync.Mutex
	count int
}

func (r *taskRecorder) RecordTask(time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count++
}

func (r *taskRecorder) recorded() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

type eventCollector struct {
	mu     sync.Mutex
	events []any
}

func (c *eventCollector) collect(ev any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *eventCollector) has(fn func(ev any) bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ev := range c.events {
		if fn(ev) {
			return true
		}
	}
	return false
}

func TestBridgeActorCycle(t *testing.T) {

	assert := assert.New(t)

	cfg := util.LoadTestConfig()
	logger := zap.Must(zap.NewDevelopment())
	as := actorutil.NewActorSystemWithZapLogger(logger)
	context := as.Root

	es := &eventstream.EventStream{}
	collector := &eventCollector{}
	es.Subscribe(collector.collect)

	transport := fieldbus.NewTestTransport()
	transport.SetRegisters(1, modbus.INPUT_REGISTER, 100, 42, 0, 1500)
	recorder := &taskRecorder{}

	props := actor.PropsFromProducer(func() actor.Actor {
		return NewTestBridgeActor(&cfg, transport, es, recorder, metrics.NewBridgeMetrics(), logger)
	})
	pid := context.Spawn(props)

	dev, err := device.New(cfg.Devices[0])
	require.NoError(t, err)

	res, err := context.RequestFuture(pid, domain.AddProtocolRequest{Owner: dev.Id(), Protocol: dev.Protocol()}, 2*time.Second).Result()
	require.NoError(t, err)
	assert.False(res.(domain.AddProtocolResponse).HasResponseError())

	res, err = context.RequestFuture(pid, domain.CyclePrepareRequest{CycleTime: 200 * time.Millisecond}, 2*time.Second).Result()
	require.NoError(t, err)
	plan := res.(domain.CyclePrepareResponse).Plan
	require.NotNil(t, plan)
	assert.Equal(10*time.Millisecond, plan.EstimatedDuration)
	assert.False(plan.CycleTimeTooShort)

	assert.Eventually(func() bool {
		v, ok := mustElement(dev, "soc").Value()
		return ok && v == 42
	}, 2*time.Second, 20*time.Millisecond)
	power, _ := mustElement(dev, "power").Value()
	assert.Equal(1500.0, power)
	assert.GreaterOrEqual(recorder.recorded(), 1)

	res, err = context.RequestFuture(pid, domain.CycleWriteBarrierRequest{}, 2*time.Second).Result()
	require.NoError(t, err)
	assert.Greater(res.(domain.CycleWriteBarrierResponse).MeasuredGap, time.Duration(0))

	res, err = context.RequestFuture(pid, domain.GetBridgeStatusRequest{}, 2*time.Second).Result()
	require.NoError(t, err)
	status := res.(domain.GetBridgeStatusResponse).Status
	assert.Equal([]string{"ess0"}, status.Owners)
	assert.Equal(1, status.ReadTasks)
	assert.Equal(1, status.WriteTasks)

	assert.True(collector.has(func(ev any) bool {
		e, ok := ev.(domain.BridgeStateUpdateEvent)
		return ok && e.Value
	}), "bridge online event")
	assert.True(collector.has(func(ev any) bool {
		e, ok := ev.(domain.FloatSensorUpdateEvent)
		return ok && e.Id == domain.SENSOR_ID_BRIDGE_EXECUTION_DURATION
	}), "execution duration event")

	context.Stop(pid)
	as.Shutdown()
}

func TestBridgeActorDeviceFailure(t *testing.T) {

	assert := assert.New(t)

	cfg := util.LoadTestConfig()
	logger := zap.Must(zap.NewDevelopment())
	as := actorutil.NewActorSystemWithZapLogger(logger)
	context := as.Root

	es := &eventstream.EventStream{}
	collector := &eventCollector{}
	es.Subscribe(collector.collect)

	transport := fieldbus.NewTestTransport()
	transport.Fail(1, errors.New("no response"))

	props := actor.PropsFromProducer(func() actor.Actor {
		return NewTestBridgeActor(&cfg, transport, es, nil, metrics.NewBridgeMetrics(), logger)
	})
	pid := context.Spawn(props)

	dev, err := device.New(cfg.Devices[0])
	require.NoError(t, err)
	_, err = context.RequestFuture(pid, domain.AddProtocolRequest{Owner: dev.Id(), Protocol: dev.Protocol()}, 2*time.Second).Result()
	require.NoError(t, err)

	_, err = context.RequestFuture(pid, domain.CyclePrepareRequest{CycleTime: 200 * time.Millisecond}, 2*time.Second).Result()
	require.NoError(t, err)

	assert.Eventually(func() bool {
		return collector.has(func(ev any) bool {
			e, ok := ev.(domain.BinarySensorUpdateEvent)
			return ok && e.Id == domain.CommunicationFailedSensorId("ess0") && e.Value
		})
	}, 2*time.Second, 20*time.Millisecond)

	res, err := context.RequestFuture(pid, domain.GetBridgeStatusRequest{}, 2*time.Second).Result()
	require.NoError(t, err)
	assert.Equal([]string{"ess0"}, res.(domain.GetBridgeStatusResponse).Status.FailedOwners)

	res, err = context.RequestFuture(pid, domain.RemoveProtocolRequest{Owner: "ess0"}, 2*time.Second).Result()
	require.NoError(t, err)
	assert.False(res.(domain.RemoveProtocolResponse).HasResponseError())

	res, err = context.RequestFuture(pid, domain.RemoveProtocolRequest{Owner: "ess0"}, 2*time.Second).Result()
	require.NoError(t, err)
	assert.ErrorIs(res.(domain.RemoveProtocolResponse).GetResponseError(), fieldbus.ErrUnknownOwner)

	context.Stop(pid)
	as.Shutdown()
}

func mustElement(dev *device.Device, name string) *device.Element {
	elem, ok := dev.Element(name)
	if !ok {
		panic("unknown element " + name)
	}
	return elem
}
