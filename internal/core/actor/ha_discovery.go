package actor

import (
	"errors"
	"fmt"
	"time"

	"github.com/berfenger/fieldbridge/internal/config"
	"github.com/berfenger/fieldbridge/internal/core/domain"
	"github.com/berfenger/fieldbridge/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"go.uber.org/zap"
)

type HADiscoveryActor struct {
	config       *config.Config
	behavior     actor.Behavior
	stash        *actorutil.Stash
	mqttActor    *actor.PID
	deviceActors []*actor.PID
	devices      []domain.GetDeviceInfoResponse
	infoRecv     int

	logger *zap.Logger
}

func NewHADiscoveryActor(config *config.Config, mqttActor *actor.PID, deviceActors []*actor.PID, logger *zap.Logger) *HADiscoveryActor {
	act := &HADiscoveryActor{
		config:       config,
		mqttActor:    mqttActor,
		deviceActors: deviceActors,
		behavior:     actor.NewBehavior(),
		stash:        &actorutil.Stash{},
		logger:       actorutil.ActorLogger(domain.ACTOR_ID_HA_DISCOVERY, logger),
	}
	act.behavior.Become(act.StartingReceive)
	return act
}

func (state *HADiscoveryActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *HADiscoveryActor) StartingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("hadiscovery@starting started")

		// MQTT Actor Request
		actorutil.PipeToSelfWithRecover(ctx, ctx.RequestFuture(state.mqttActor, domain.ActorHealthRequest{}, 2*time.Second), func(err error) any {
			return domain.ActorHealthResponse{
				Id:      domain.ACTOR_ID_MQTT,
				Healthy: false,
			}
		})
		state.behavior.Become(state.WaitingHealthyReceive)
	case *actor.Restarting:
	default:
		state.logger.Debug("hadiscovery@starting: stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *HADiscoveryActor) WaitingHealthyReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthResponse:
		state.logger.Debug("hadiscovery@healthcheck ActorHealthResponse", zap.String("sender", msg.Id), zap.Bool("healthy", msg.Healthy))
		if !msg.Healthy {
			panic(errors.New("MQTT Actor is not healthy"))
		}

		// Ask every device for its elements
		state.devices = nil
		state.infoRecv = 0
		for _, pid := range state.deviceActors {
			actorutil.PipeToSelfWithRecover(ctx, ctx.RequestFuture(pid, domain.GetDeviceInfoRequest{}, 2*time.Second), func(err error) any {
				return domain.GetDeviceInfoResponse{
					ActorResponseMixIn: actorutil.ErrorResponse(err),
				}
			})
		}
		state.behavior.Become(state.WaitingInfoReceive)
		if len(state.deviceActors) == 0 {
			state.publish(ctx)
		}
		state.stash.UnstashAll(ctx)
	default:
		state.logger.Debug("hadiscovery@healthcheck: stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *HADiscoveryActor) Done(ctx actor.Context) {

}

func (state *HADiscoveryActor) WaitingInfoReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.GetDeviceInfoResponse:
		if msg.HasResponseError() {
			panic(msg.GetResponseError())
		}
		state.logger.Debug("hadiscovery@info: GetDeviceInfoResponse", zap.String("device", msg.Id))
		state.devices = append(state.devices, msg)
		state.infoRecv++
		if state.infoRecv == len(state.deviceActors) {
			state.publish(ctx)
		}
	default:
		state.logger.Debug("hadiscovery@info: default recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (state *HADiscoveryActor) publish(ctx actor.Context) {
	var sensors []domain.GenericSensor
	var inputNumbers []domain.GenericInputNumber

	bridgeDevice := domain.BridgeDevice(state.config.MQTT.BaseTopic)
	sensors = append(sensors, domain.BridgeSensors(bridgeDevice)...)

	for _, info := range state.devices {
		fieldDevice := domain.FieldDevice(bridgeDevice, info)
		sensors = append(sensors, domain.DeviceSensors(fieldDevice, info)...)
		inputNumbers = append(inputNumbers, domain.DeviceInputNumbers(fieldDevice, info)...)
	}

	state.logger.Info("hadiscovery: publishing",
		zap.Int("sensors", len(sensors)),
		zap.Int("input_numbers", len(inputNumbers)))
	ctx.Send(state.mqttActor, domain.PublishDiscoveryRequest{
		Sensors:      sensors,
		InputNumbers: inputNumbers,
	})
	state.behavior.Become(state.Done)
}
