package actor

import (
	"testing"
	"time"

	adactor "github.com/berfenger/fieldbridge/internal/adapter/actor"
	"github.com/berfenger/fieldbridge/internal/core/domain"
	"github.com/berfenger/fieldbridge/internal/core/port"
	"github.com/berfenger/fieldbridge/internal/metrics"
	"github.com/berfenger/fieldbridge/internal/util"
	"github.com/berfenger/fieldbridge/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMasterActor(t *testing.T) {

	assert := assert.New(t)

	cfg := util.LoadTestConfig()
	logCfg := zap.NewDevelopmentConfig()
	logCfg.Level = zap.NewAtomicLevelAt(cfg.LogLevel)
	logger := zap.Must(logCfg.Build())

	as := actorutil.NewActorSystemWithZapLogger(logger)
	context := as.Root

	bridgeMetrics := metrics.NewBridgeMetrics()

	props := actor.PropsFromProducer(func() actor.Actor {
		return NewMasterOfPuppetsActor(cfg, func(es *eventstream.EventStream, recorder port.ExecutionRecorder) *adactor.BridgeActor {
			return adactor.NewBridgeActor(&cfg, es, recorder, bridgeMetrics, logger)
		}, func(es *eventstream.EventStream) *adactor.MQTTActor {
			return adactor.NewTestMQTTActor(&cfg, es, logger)
		}, logger, bridgeMetrics)
	})
	pid, err := context.SpawnNamed(props, domain.ACTOR_ID_MASTER)
	require.NoError(t, err)

	time.Sleep(1 * time.Second)

	res, err := context.RequestFuture(pid, domain.ActorHealthRequest{}, 5*time.Second).Result()
	require.NoError(t, err)
	healthResp, ok := res.(domain.ActorHealthResponse)
	assert.True(ok)
	assert.True(healthResp.Healthy, "healthy is true")

	res, err = context.RequestFuture(pid, domain.GetStatusRequest{}, 5*time.Second).Result()
	require.NoError(t, err)
	status := res.(domain.GetStatusResponse)
	assert.Equal([]string{"ess0"}, status.Bridge.Owners)
	assert.Greater(status.Cycles, uint64(0))
	assert.Greater(status.Stats.CycleTime.Count, int64(0))
	if assert.Len(status.Devices, 1) {
		assert.Equal("Battery", status.Devices[0].Name)
	}

	res, err = context.RequestFuture(pid, domain.SetElementValueRequest{
		DeviceRequestMixIn: domain.DeviceRequestMixIn{Device: "ess0"},
		Element:            "setpoint",
		Value:              -1200,
	}, 2*time.Second).Result()
	require.NoError(t, err)
	setResp := res.(domain.SetElementValueResponse)
	assert.False(setResp.HasResponseError())
	assert.True(setResp.Changed)

	res, err = context.RequestFuture(pid, domain.SetElementValueRequest{
		DeviceRequestMixIn: domain.DeviceRequestMixIn{Device: "nope"},
		Element:            "setpoint",
		Value:              1,
	}, 2*time.Second).Result()
	require.NoError(t, err)
	assert.ErrorIs(res.(domain.SetElementValueResponse).GetResponseError(), ErrUnknownDevice)

	context.Stop(pid)

	as.Shutdown()
}
