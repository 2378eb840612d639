package actor

import (
	"testing"
	"time"

	"github.com/berfenger/fieldbridge/internal/core/domain"
	"github.com/berfenger/fieldbridge/internal/util"
	"github.com/berfenger/fieldbridge/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDeviceActor(t *testing.T) {

	assert := assert.New(t)

	cfg := util.LoadTestConfig()
	logger := zap.Must(zap.NewDevelopment())
	as := actorutil.NewActorSystemWithZapLogger(logger)
	context := as.Root

	es := &eventstream.EventStream{}
	echoed := make(chan domain.InputNumberSensorUpdateEvent, 1)
	es.Subscribe(func(evt interface{}) {
		if ev, ok := evt.(domain.InputNumberSensorUpdateEvent); ok {
			echoed <- ev
		}
	})

	log := &messageLog{}
	bridge := context.Spawn(fakeBridge(log, 0))

	pid := context.Spawn(actor.PropsFromProducer(func() actor.Actor {
		return NewDeviceActor(cfg.Devices[0], bridge, es, logger)
	}))

	assert.Eventually(func() bool {
		res, err := context.RequestFuture(pid, domain.ActorHealthRequest{}, time.Second).Result()
		return err == nil && res.(domain.ActorHealthResponse).Healthy
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(1, log.count("add:ess0"))

	res, err := context.RequestFuture(pid, domain.SetElementValueRequest{Element: "soc", Value: 1}, time.Second).Result()
	require.NoError(t, err)
	assert.True(res.(domain.SetElementValueResponse).HasResponseError())

	res, err = context.RequestFuture(pid, domain.SetElementValueRequest{Element: "setpoint", Value: 750}, time.Second).Result()
	require.NoError(t, err)
	setResp := res.(domain.SetElementValueResponse)
	assert.False(setResp.HasResponseError())
	assert.True(setResp.Changed)

	select {
	case ev := <-echoed:
		assert.Equal("ess0_setpoint", ev.SensorId())
		assert.Equal(750.0, ev.Value)
	case <-time.After(time.Second):
		assert.Fail("set-point not echoed")
	}

	res, err = context.RequestFuture(pid, domain.CycleExecuteRequest{Cycle: 1}, time.Second).Result()
	require.NoError(t, err)
	assert.Equal(1, res.(domain.CycleExecuteResponse).Latched)

	res, err = context.RequestFuture(pid, domain.CycleExecuteRequest{Cycle: 2}, time.Second).Result()
	require.NoError(t, err)
	assert.Equal(0, res.(domain.CycleExecuteResponse).Latched)

	res, err = context.RequestFuture(pid, domain.GetDeviceInfoRequest{}, time.Second).Result()
	require.NoError(t, err)
	info := res.(domain.GetDeviceInfoResponse)
	assert.Equal("Battery", info.Name)
	assert.Len(info.Elements, 3)

	// a restarted bridge is online again
	es.Publish(domain.BridgeStateUpdateEvent{
		SensorUpdateEventMixIn: domain.SensorUpdateEventMixIn{Id: domain.SENSOR_ID_BRIDGE_STATE},
		Value:                  true,
	})
	assert.Eventually(func() bool {
		return log.count("add:ess0") == 2
	}, time.Second, 10*time.Millisecond)

	context.Stop(pid)
	assert.Eventually(func() bool {
		return log.count("remove:ess0") == 1
	}, time.Second, 10*time.Millisecond)

	as.Shutdown()
}
