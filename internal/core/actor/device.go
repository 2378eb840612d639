package actor

import (
	"fmt"
	"time"

	"github.com/berfenger/fieldbridge/internal/config"
	"github.com/berfenger/fieldbridge/internal/core/device"
	"github.com/berfenger/fieldbridge/internal/core/domain"
	"github.com/berfenger/fieldbridge/internal/core/events"
	. "github.com/berfenger/fieldbridge/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"go.uber.org/zap"
)

// DeviceActor owns one configured device. It registers the device protocol
// with the bridge and applies commanded set-points on every cycle.
type DeviceActor struct {
	config       config.DeviceConfig
	behavior     actor.Behavior
	stash        *Stash
	device       *device.Device
	bridgeActor  *actor.PID
	eventStream  *eventstream.EventStream
	subscription *eventstream.Subscription
	registered   bool

	logger *zap.Logger
}

type registerProtocol struct {
}

func NewDeviceActor(config config.DeviceConfig, bridgeActor *actor.PID, eventStream *eventstream.EventStream, logger *zap.Logger) *DeviceActor {
	act := &DeviceActor{
		config:      config,
		bridgeActor: bridgeActor,
		eventStream: eventStream,
		behavior:    actor.NewBehavior(),
		stash:       &Stash{},
		logger:      ActorLogger(DeviceActorName(config.Id), logger),
	}
	act.behavior.Become(act.StartingReceive)
	return act
}

func (state *DeviceActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *DeviceActor) StartingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("device@starting started")

		dev, err := device.New(state.config)
		if err != nil {
			panic(err)
		}
		state.device = dev

		deviceId := dev.Id()
		eventStream := state.eventStream
		dev.OnElementUpdate(func(elem *device.Element, value *float64) {
			eventStream.Publish(events.ElementUpdateEvent(deviceId, elem.Info(), value))
		})

		// the bridge forgets protocols when it restarts
		self := ctx.Self()
		system := ctx.ActorSystem()
		state.subscription = eventStream.Subscribe(func(evt interface{}) {
			if ev, ok := evt.(domain.BridgeStateUpdateEvent); ok && ev.Value {
				system.Root.Send(self, registerProtocol{})
			}
		})

		eventStream.Publish(events.CommunicationFailedUpdateEvent(deviceId, false))
		state.register(ctx)

		state.behavior.Become(state.DefaultReceive)
		state.stash.UnstashAll(ctx)
	default:
		state.logger.Debug("device@starting stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *DeviceActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthRequest:
		state.logger.Debug("device@default ActorHealthRequest")
		healthState := "registered"
		if !state.registered {
			healthState = "unregistered"
		}
		ctx.Respond(domain.ActorHealthResponse{
			Id:      DeviceActorName(state.device.Id()),
			Healthy: state.registered,
			State:   healthState,
		})
	case registerProtocol:
		state.register(ctx)
	case domain.AddProtocolResponse:
		if msg.HasResponseError() {
			state.logger.Error("device@default could not register protocol", zap.Error(msg.GetResponseError()))
			state.registered = false
			return
		}
		state.logger.Debug("device@default protocol registered")
		state.registered = true
	case domain.CycleExecuteRequest:
		latched := state.device.LatchSetPoints()
		if latched > 0 {
			state.logger.Debug("device@default set-points latched", zap.Uint64("cycle", msg.Cycle), zap.Int("count", latched))
		}
		ForRequest(msg).Respond(ctx, domain.CycleExecuteResponse{
			Id:      state.device.Id(),
			Latched: latched,
		})
	case domain.SetElementValueRequest:
		state.logger.Debug("device@default SetElementValueRequest", zap.String("element", msg.Element), zap.Float64("value", msg.Value))
		changed, err := state.device.SetPoint(msg.Element, msg.Value)
		if err != nil {
			state.logger.Warn("device@default set-point rejected", zap.Error(err))
		} else if elem, _ := state.device.Element(msg.Element); !elem.Readable() {
			// echo the commanded value when no read task reports it
			value := msg.Value
			state.eventStream.Publish(events.ElementUpdateEvent(state.device.Id(), elem.Info(), &value))
		}
		ForRequest(msg).Respond(ctx, domain.SetElementValueResponse{
			ActorResponseMixIn: ErrorResponse(err),
			Changed:            changed,
		})
	case domain.GetDeviceInfoRequest:
		ForRequest(msg).Respond(ctx, state.device.Info())
	case *actor.Stopping:
		state.logger.Debug("device@default stopping")
		if state.subscription != nil {
			state.eventStream.Unsubscribe(state.subscription)
			state.subscription = nil
		}
		ctx.Send(state.bridgeActor, domain.RemoveProtocolRequest{Owner: state.device.Id()})
	default:
		state.logger.Debug("device@default default recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (state *DeviceActor) register(ctx actor.Context) {
	PipeToSelfWithRecover(ctx, ctx.RequestFuture(state.bridgeActor, domain.AddProtocolRequest{
		Owner:    state.device.Id(),
		Protocol: state.device.Protocol(),
	}, 5*time.Second), func(err error) any {
		return domain.AddProtocolResponse{
			ActorResponseMixIn: ErrorResponse(err),
		}
	})
}
