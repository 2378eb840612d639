package actor

import (
	"errors"
	"fmt"
	"log"
	"time"

	adactor "github.com/berfenger/fieldbridge/internal/adapter/actor"
	"github.com/berfenger/fieldbridge/internal/config"
	"github.com/berfenger/fieldbridge/internal/core/domain"
	"github.com/berfenger/fieldbridge/internal/core/port"
	"github.com/berfenger/fieldbridge/internal/core/service"
	. "github.com/berfenger/fieldbridge/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"go.uber.org/zap"
)

var ErrUnknownDevice = errors.New("unknown device")

type MQTTActorProvider func(*eventstream.EventStream) *adactor.MQTTActor

type BridgeActorProvider func(*eventstream.EventStream, port.ExecutionRecorder) *adactor.BridgeActor

type MasterOfPuppetsActor struct {
	config   config.Config
	behavior actor.Behavior
	stash    *Stash

	currentHealthCheck  healthCheckResult
	currentStatus       statusResult
	eventStream         *eventstream.EventStream
	stats               *service.CycleStats
	bridgeActor         *actor.PID
	mqttActor           *actor.PID
	cycleActor          *actor.PID
	deviceActors        map[string]*actor.PID
	deviceIds           []string
	bridgeActorProvider BridgeActorProvider
	mqttActorProvider   MQTTActorProvider
	cycleRecorders      []port.CycleRecorder
	logger              *zap.Logger
}

type healthCheckResult struct {
	healthy        map[string]bool
	checksReceived int
	checksExpected int
	respondTo      *actor.PID
}

type statusResult struct {
	response  domain.GetStatusResponse
	received  int
	expected  int
	respondTo *actor.PID
}

func NewMasterOfPuppetsActor(config config.Config, bridgeActorProvider BridgeActorProvider, mqttActorProvider MQTTActorProvider,
	logger *zap.Logger, cycleRecorders ...port.CycleRecorder) *MasterOfPuppetsActor {
	act := &MasterOfPuppetsActor{
		config:              config,
		behavior:            actor.NewBehavior(),
		stash:               &Stash{},
		logger:              ActorLogger(domain.ACTOR_ID_MASTER, logger),
		eventStream:         &eventstream.EventStream{},
		stats:               service.NewCycleStats(),
		deviceActors:        make(map[string]*actor.PID),
		bridgeActorProvider: bridgeActorProvider,
		mqttActorProvider:   mqttActorProvider,
		cycleRecorders:      cycleRecorders,
	}
	act.behavior.Become(act.StartingReceive)
	return act
}

func (state *MasterOfPuppetsActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *MasterOfPuppetsActor) StartingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("master@starting started")

		// start Bridge child
		bridgeActorPID, err := state.startBridgeActor(ctx)
		if err != nil {
			panic(err)
		}
		state.bridgeActor = bridgeActorPID

		// start MQTT child
		mqttActorPID, err := state.startMQTTActor(ctx)
		if err != nil {
			panic(err)
		}
		state.mqttActor = mqttActorPID

		// start one child per device
		for _, deviceCfg := range state.config.Devices {
			devicePID, err := state.startDeviceActor(ctx, deviceCfg)
			if err != nil {
				panic(err)
			}
			state.deviceActors[deviceCfg.Id] = devicePID
			state.deviceIds = append(state.deviceIds, deviceCfg.Id)
		}

		// start Cycle child
		cycleActorPID, err := state.startCycleActor(ctx)
		if err != nil {
			panic(err)
		}
		state.cycleActor = cycleActorPID

		// start HA Discovery
		if state.config.MQTT.HADiscoveryEnable {
			_, err := state.startHADiscoveryActor(ctx)
			if err != nil {
				panic(err)
			}
		}

		state.behavior.Become(state.DefaultReceive)
		state.stash.UnstashAll(ctx)
	default:
		state.logger.Debug("master@starting stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *MasterOfPuppetsActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthRequest:
		state.logger.Debug("master@default ActorHealthRequest")
		state.currentHealthCheck.reset()
		state.currentHealthCheck.respondTo = ctx.Sender()

		for id, pid := range state.children() {
			state.currentHealthCheck.checksExpected++
			state.currentHealthCheck.healthy[id] = false
			PipeToSelfWithRecover(ctx, ctx.RequestFuture(pid, domain.ActorHealthRequest{}, 500*time.Millisecond), func(err error) any {
				return domain.ActorHealthResponse{
					Id:      id,
					Healthy: false,
				}
			})
		}

		ctx.SetReceiveTimeout(1 * time.Second)

		state.behavior.BecomeStacked(state.HealthCheckReceive)
	case domain.GetStatusRequest:
		state.logger.Debug("master@default GetStatusRequest")
		state.currentStatus = statusResult{
			respondTo: ForRequest(msg).ReplyTo(ctx),
			expected:  2 + len(state.deviceIds),
		}

		PipeToSelfWithRecover(ctx, ctx.RequestFuture(state.bridgeActor, domain.GetBridgeStatusRequest{}, 500*time.Millisecond), func(err error) any {
			return domain.GetBridgeStatusResponse{ActorResponseMixIn: ErrorResponse(err)}
		})
		PipeToSelfWithRecover(ctx, ctx.RequestFuture(state.cycleActor, domain.GetCycleStatsRequest{}, 500*time.Millisecond), func(err error) any {
			return domain.GetCycleStatsResponse{ActorResponseMixIn: ErrorResponse(err)}
		})
		for _, id := range state.deviceIds {
			deviceId := id
			PipeToSelfWithRecover(ctx, ctx.RequestFuture(state.deviceActors[id], domain.GetDeviceInfoRequest{}, 500*time.Millisecond), func(err error) any {
				return domain.GetDeviceInfoResponse{ActorResponseMixIn: ErrorResponse(err), Id: deviceId}
			})
		}

		ctx.SetReceiveTimeout(1 * time.Second)

		state.behavior.BecomeStacked(state.StatusReceive)
	case adactor.ParsedCommand:
		// redirect parsedCommand to device actor
		state.logger.Debug("master@default parsedCommand", zap.Any("command", msg.Command))
		if msg.Command == nil {
			return
		}
		req, err := ParsedMQTTCommandToRequest(*msg.Command, state.deviceIds)
		if err != nil {
			state.logger.Warn("master@default unroutable command", zap.String("entity", msg.Command.DeviceId), zap.Error(err))
			return
		}
		ctx.Send(state.deviceActors[req.DeviceId()], req)
	case domain.SetElementValueRequest:
		if !state.forwardToDevice(ctx, msg) {
			ForRequest(msg).Respond(ctx, domain.SetElementValueResponse{ActorResponseMixIn: ErrorResponse(ErrUnknownDevice)})
		}
	case domain.GetDeviceInfoRequest:
		if !state.forwardToDevice(ctx, msg) {
			ForRequest(msg).Respond(ctx, domain.GetDeviceInfoResponse{ActorResponseMixIn: ErrorResponse(ErrUnknownDevice), Id: msg.DeviceId()})
		}
	case *actor.Terminated:
		// if the bridge fails for good, terminate
		if msg.Who.Id == fmt.Sprintf("%s/%s", domain.ACTOR_ID_MASTER, domain.ACTOR_ID_BRIDGE) {
			state.logger.Error("master@default bridge error")
			panic(errors.New("bridge terminated"))
		}
	default:
		state.logger.Debug("master@default stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *MasterOfPuppetsActor) HealthCheckReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.ReceiveTimeout:
		// if some actor does not respond to healthCheck, assume not healthy
		state.currentHealthCheck.respond(ctx)
		ctx.CancelReceiveTimeout()
		state.behavior.UnbecomeStacked()
		state.stash.UnstashAll(ctx)
	case domain.ActorHealthResponse:
		state.logger.Debug("master@healthcheck ActorHealthResponse", zap.String("sender", msg.Id), zap.Bool("healthy", msg.Healthy))
		state.currentHealthCheck.checksReceived++
		if msg.Healthy {
			state.currentHealthCheck.healthy[msg.Id] = true
		}
		if state.currentHealthCheck.allReceived() {

			state.currentHealthCheck.respond(ctx)

			ctx.CancelReceiveTimeout()
			state.behavior.UnbecomeStacked()
			state.stash.UnstashAll(ctx)
		} else {
			ctx.SetReceiveTimeout(1 * time.Second)
		}
	default:
		state.logger.Debug("master@healthcheck stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *MasterOfPuppetsActor) StatusReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.ReceiveTimeout:
		state.finishStatus(ctx)
	case domain.GetBridgeStatusResponse:
		if !msg.HasResponseError() {
			state.currentStatus.response.Bridge = msg.Status
		}
		state.statusReceived(ctx)
	case domain.GetCycleStatsResponse:
		if !msg.HasResponseError() {
			state.currentStatus.response.Cycles = msg.Cycles
			state.currentStatus.response.Stats = msg.Stats
		}
		state.statusReceived(ctx)
	case domain.GetDeviceInfoResponse:
		if msg.HasResponseError() {
			state.logger.Warn("master@status device did not respond", zap.String("device", msg.Id), zap.Error(msg.GetResponseError()))
		} else {
			state.currentStatus.response.Devices = append(state.currentStatus.response.Devices, msg)
		}
		state.statusReceived(ctx)
	default:
		state.logger.Debug("master@status stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *MasterOfPuppetsActor) statusReceived(ctx actor.Context) {
	state.currentStatus.received++
	if state.currentStatus.received >= state.currentStatus.expected {
		state.finishStatus(ctx)
	}
}

func (state *MasterOfPuppetsActor) finishStatus(ctx actor.Context) {
	if state.currentStatus.respondTo != nil {
		ctx.Send(state.currentStatus.respondTo, state.currentStatus.response)
	}
	state.currentStatus = statusResult{}
	ctx.CancelReceiveTimeout()
	state.behavior.UnbecomeStacked()
	state.stash.UnstashAll(ctx)
}

func (state *MasterOfPuppetsActor) forwardToDevice(ctx actor.Context, req domain.DeviceRequest) bool {
	pid, ok := state.deviceActors[req.DeviceId()]
	if !ok {
		state.logger.Warn("master@default unknown device", zap.String("device", req.DeviceId()))
		return false
	}
	ctx.Forward(pid)
	return true
}

// children lists the actors that take part in the health check.
func (state *MasterOfPuppetsActor) children() map[string]*actor.PID {
	children := map[string]*actor.PID{
		domain.ACTOR_ID_BRIDGE: state.bridgeActor,
		domain.ACTOR_ID_MQTT:   state.mqttActor,
		domain.ACTOR_ID_CYCLE:  state.cycleActor,
	}
	for id, pid := range state.deviceActors {
		children[DeviceActorName(id)] = pid
	}
	return children
}

func (state *MasterOfPuppetsActor) startBridgeActor(ctx actor.Context) (*actor.PID, error) {

	supervisor := actor.NewExponentialBackoffStrategy(10*time.Second, 1*time.Second)

	bridgeProps := actor.PropsFromProducer(func() actor.Actor {
		return state.bridgeActorProvider(state.eventStream, state.stats)
	}, actor.WithSupervisor(supervisor))
	bridgeActorPID, err := ctx.SpawnNamed(bridgeProps, domain.ACTOR_ID_BRIDGE)
	if err != nil {
		return nil, err
	}

	return bridgeActorPID, nil
}

func (state *MasterOfPuppetsActor) startDeviceActor(ctx actor.Context, deviceCfg config.DeviceConfig) (*actor.PID, error) {

	decider := func(reason interface{}) actor.Directive {
		log.Printf("handling failure for child. reason: %v", reason)
		return actor.RestartDirective
	}
	supervisor := actor.NewOneForOneStrategy(1, 10*time.Second, decider)

	deviceProps := actor.PropsFromProducer(func() actor.Actor {
		return NewDeviceActor(deviceCfg, state.bridgeActor, state.eventStream, state.logger)
	}, actor.WithSupervisor(supervisor))
	devicePID, err := ctx.SpawnNamed(deviceProps, DeviceActorName(deviceCfg.Id))
	if err != nil {
		return nil, err
	}

	return devicePID, nil
}

func (state *MasterOfPuppetsActor) startCycleActor(ctx actor.Context) (*actor.PID, error) {

	decider := func(reason interface{}) actor.Directive {
		log.Printf("handling failure for child. reason: %v", reason)
		return actor.RestartDirective
	}
	supervisor := actor.NewAllForOneStrategy(1, 10*time.Second, decider)

	deviceActors := make([]*actor.PID, 0, len(state.deviceIds))
	for _, id := range state.deviceIds {
		deviceActors = append(deviceActors, state.deviceActors[id])
	}

	cycleProps := actor.PropsFromProducer(func() actor.Actor {
		return NewCycleActor(&state.config, state.bridgeActor, deviceActors, state.eventStream, state.stats, state.logger, state.cycleRecorders...)
	}, actor.WithSupervisor(supervisor))
	cycleActorPID, err := ctx.SpawnNamed(cycleProps, domain.ACTOR_ID_CYCLE)
	if err != nil {
		return nil, err
	}

	return cycleActorPID, nil
}

func (state *MasterOfPuppetsActor) startHADiscoveryActor(ctx actor.Context) (*actor.PID, error) {

	decider := func(reason interface{}) actor.Directive {
		log.Printf("handling failure for child. reason: %v", reason)
		return actor.RestartDirective
	}
	supervisor := actor.NewOneForOneStrategy(1, 10*time.Second, decider)

	deviceActors := make([]*actor.PID, 0, len(state.deviceIds))
	for _, id := range state.deviceIds {
		deviceActors = append(deviceActors, state.deviceActors[id])
	}

	haDiscProps := actor.PropsFromProducer(func() actor.Actor {
		return NewHADiscoveryActor(&state.config, state.mqttActor, deviceActors, state.logger)
	}, actor.WithSupervisor(supervisor))
	haDiscPID, err := ctx.SpawnNamed(haDiscProps, domain.ACTOR_ID_HA_DISCOVERY)
	if err != nil {
		return nil, err
	}

	return haDiscPID, nil
}

func (state *MasterOfPuppetsActor) startMQTTActor(ctx actor.Context) (*actor.PID, error) {

	supervisor := actor.NewExponentialBackoffStrategy(10*time.Second, 1*time.Second)

	mqttProps := actor.PropsFromProducer(func() actor.Actor {
		return state.mqttActorProvider(state.eventStream)
	}, actor.WithSupervisor(supervisor))
	mqttActorPID, err := ctx.SpawnNamed(mqttProps, domain.ACTOR_ID_MQTT)
	if err != nil {
		return nil, err
	}

	return mqttActorPID, nil
}

func (state *healthCheckResult) reset() {
	state.healthy = make(map[string]bool)
	state.checksReceived = 0
	state.checksExpected = 0
	state.respondTo = nil
}

func (state *healthCheckResult) allReceived() bool {
	return state.checksReceived >= state.checksExpected
}

func (state *healthCheckResult) allHealthy() bool {
	for _, healthy := range state.healthy {
		if !healthy {
			return false
		}
	}
	return true
}

func (state *healthCheckResult) respond(ctx actor.Context) {
	resp := domain.ActorHealthResponse{
		Id:      domain.ACTOR_ID_MASTER,
		Healthy: state.allHealthy(),
	}
	if state.respondTo != nil {
		ctx.Send(state.respondTo, resp)
	}
}
