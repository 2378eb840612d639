package actor

import (
	"testing"
	"time"

	"github.com/berfenger/fieldbridge/internal/core/domain"
	"github.com/berfenger/fieldbridge/internal/util"
	"github.com/berfenger/fieldbridge/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestHADiscoveryActor(t *testing.T) {

	assert := assert.New(t)

	cfg := util.LoadTestConfig()
	logger := zap.Must(zap.NewDevelopment())
	as := actorutil.NewActorSystemWithZapLogger(logger)
	context := as.Root

	published := make(chan domain.PublishDiscoveryRequest, 1)
	mqtt := context.Spawn(actor.PropsFromFunc(func(ctx actor.Context) {
		switch msg := ctx.Message().(type) {
		case domain.ActorHealthRequest:
			ctx.Respond(domain.ActorHealthResponse{Id: domain.ACTOR_ID_MQTT, Healthy: true})
		case domain.PublishDiscoveryRequest:
			published <- msg
		}
	}))
	devices := []*actor.PID{context.Spawn(fakeDevice(&messageLog{}, "ess0"))}

	context.Spawn(actor.PropsFromProducer(func() actor.Actor {
		return NewHADiscoveryActor(&cfg, mqtt, devices, logger)
	}))

	select {
	case req := <-published:
		// bridge sensors, the communication flag and soc
		assert.Len(req.Sensors, 7)
		if assert.Len(req.InputNumbers, 1) {
			number := req.InputNumbers[0]
			assert.Equal("ess0_setpoint", number.Id)
			assert.Equal(-5000.0, number.Min)
			assert.Equal("W", number.UnitOfMeasurement)
		}
		ids := []string{}
		for _, s := range req.Sensors {
			ids = append(ids, s.Id)
		}
		assert.Contains(ids, "ess0_communication_failed")
		assert.Contains(ids, "ess0_soc")
	case <-time.After(3 * time.Second):
		assert.Fail("discovery not published")
	}

	as.Shutdown()
}
