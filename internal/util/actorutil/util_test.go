package actorutil

import (
	"testing"

	"github.com/berfenger/fieldbridge/internal/core/domain"
	"github.com/berfenger/fieldbridge/internal/mqtt"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsedMQTTCommandToRequest(t *testing.T) {

	assert := assert.New(t)

	deviceIds := []string{"ess", "ess_meter"}

	req, err := ParsedMQTTCommandToRequest(mqtt.ParsedMQTTCommand{
		DeviceId: "ess_meter_limit",
		Command:  mqtt.COMMAND_NUMBER,
		Payload:  "-250.5",
	}, deviceIds)
	require.NoError(t, err)
	set, ok := req.(domain.SetElementValueRequest)
	require.True(t, ok)
	assert.Equal("ess_meter", set.DeviceId(), "longest device id wins")
	assert.Equal("limit", set.Element)
	assert.Equal(-250.5, set.Value)

	req, err = ParsedMQTTCommandToRequest(mqtt.ParsedMQTTCommand{
		DeviceId: "ess_setpoint",
		Command:  mqtt.COMMAND_NUMBER,
		Payload:  "100",
	}, deviceIds)
	require.NoError(t, err)
	assert.Equal("ess", req.DeviceId())

	_, err = ParsedMQTTCommandToRequest(mqtt.ParsedMQTTCommand{DeviceId: "pv_limit", Command: mqtt.COMMAND_NUMBER, Payload: "1"}, deviceIds)
	assert.Error(err)

	_, err = ParsedMQTTCommandToRequest(mqtt.ParsedMQTTCommand{DeviceId: "ess_setpoint", Command: mqtt.COMMAND_NUMBER, Payload: "on"}, deviceIds)
	assert.Error(err)

	_, err = ParsedMQTTCommandToRequest(mqtt.ParsedMQTTCommand{DeviceId: "ess_setpoint", Command: "switch", Payload: "1"}, deviceIds)
	assert.Error(err)
}

func TestStashDrop(t *testing.T) {

	assert := assert.New(t)

	type tick struct{}
	stash := &Stash{stash: []stashElem{{msg: tick{}}, {msg: "status"}, {msg: tick{}}}}

	dropped := stash.Drop(func(msg any) bool {
		_, ok := msg.(tick)
		return ok
	})
	assert.Equal(2, dropped)
	assert.Equal(1, stash.Len())
	assert.Equal("status", stash.stash[0].msg)

	assert.Equal(0, stash.Drop(func(any) bool { return false }))
}

func TestDeviceActorName(t *testing.T) {
	assert.Equal(t, "device_ess0", DeviceActorName("ess0"))
}
