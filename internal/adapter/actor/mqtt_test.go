package actor

import (
	"testing"
	"time"

	"github.com/berfenger/fieldbridge/internal/core/domain"
	"github.com/berfenger/fieldbridge/internal/core/events"
	"github.com/berfenger/fieldbridge/internal/mqtt"
	"github.com/berfenger/fieldbridge/internal/util"
	"github.com/berfenger/fieldbridge/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestMQTTActor(t *testing.T) {

	cfg := util.LoadTestConfig()

	logger := zap.Must(zap.NewDevelopment())

	as := actorutil.NewActorSystemWithZapLogger(logger)

	context := as.Root

	es := eventstream.EventStream{}

	props := actor.PropsFromProducer(func() actor.Actor { return NewTestMQTTActor(&cfg, &es, logger) })
	pid := context.Spawn(props)

	msg := domain.ActorHealthRequest{}
	result, err := context.RequestFuture(pid, msg, 2*time.Second).Result()
	if err != nil {
		t.Error(err)
		return
	}
	resp, ok := result.(domain.ActorHealthResponse)
	assert.True(t, ok)
	assert.True(t, resp.Healthy)

	es.Publish(domain.FloatSensorUpdateEvent{
		SensorUpdateEventMixIn: domain.SensorUpdateEventMixIn{
			Id: domain.SENSOR_ID_BRIDGE_EXECUTION_DURATION,
		},
		Value: 245,
	})
	es.Publish(events.CommunicationFailedUpdateEvent("ess0", true))

	result, err = context.RequestFuture(pid, domain.PublishDiscoveryRequest{}, 2*time.Second).Result()
	assert.NoError(t, err)
	_, ok = result.(domain.PublishDiscoveryResponse)
	assert.True(t, ok)

	context.Stop(pid)

	time.Sleep(100 * time.Millisecond)

	as.Shutdown()
}

func TestEventToMQTTMessage(t *testing.T) {

	assert := assert.New(t)

	cfg := util.LoadTestConfig()
	act := NewTestMQTTActor(&cfg, nil, zap.NewNop())
	act.client = mqtt.CreateMQTTClient(&cfg, mqtt.OptsFromConfig(&cfg), nil, nil)

	value := 55.5
	msg := act.event2MQTTMessage(events.ElementUpdateEvent("ess0", domain.ElementInfo{Name: "soc"}, &value))
	if assert.NotNil(msg) {
		assert.Equal("fieldbridge/sensor/ess0_soc/state", msg.topic)
		assert.Equal("55.5", msg.message)
		assert.False(msg.retain)
	}

	msg = act.event2MQTTMessage(events.ElementUpdateEvent("ess0", domain.ElementInfo{Name: "setpoint", Writable: true}, &value))
	if assert.NotNil(msg) {
		assert.Equal("fieldbridge/number/ess0_setpoint/state", msg.topic)
		assert.True(msg.retain)
	}

	msg = act.event2MQTTMessage(events.ElementUpdateEvent("ess0", domain.ElementInfo{Name: "soc"}, nil))
	if assert.NotNil(msg) {
		assert.Equal("fieldbridge/sensor/ess0_soc/state", msg.topic)
		assert.Equal(mqtt.MQTT_PAYLOAD_NONE, msg.message)
	}

	msg = act.event2MQTTMessage(events.CommunicationFailedUpdateEvent("ess0", true))
	if assert.NotNil(msg) {
		assert.Equal("fieldbridge/binary_sensor/ess0_communication_failed/state", msg.topic)
		assert.Equal(mqtt.MQTT_PAYLOAD_ON, msg.message)
	}

	msg = act.event2MQTTMessage(bridgeStateEvent(false))
	if assert.NotNil(msg) {
		assert.Equal("fieldbridge/bridge/state", msg.topic)
		assert.Equal(mqtt.MQTT_PAYLOAD_OFFLINE, msg.message)
	}

	assert.Nil(act.event2MQTTMessage("unknown"))
}
