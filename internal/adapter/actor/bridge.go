package actor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/berfenger/fieldbridge/internal/config"
	"github.com/berfenger/fieldbridge/internal/core/domain"
	"github.com/berfenger/fieldbridge/internal/core/events"
	"github.com/berfenger/fieldbridge/internal/core/port"
	"github.com/berfenger/fieldbridge/internal/metrics"
	"github.com/berfenger/fieldbridge/internal/util/actorutil"
	"github.com/berfenger/fieldbridge/pkg/fieldbus"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/reugn/go-quartz/job"
	"github.com/reugn/go-quartz/quartz"
	"go.uber.org/zap"
)

const (
	BRIDGE_SIMULATOR_URL = "simulator://"
	// the transport is opened in the background and must succeed within this time
	bridgeOpenTimeout  = 10 * time.Second
	bridgeCloseTimeout = 2 * time.Second
)

type TransportProvider func() (fieldbus.Transport, error)

// BridgeActor owns the shared transport and the scheduler that multiplexes
// the device tasks onto it.
type BridgeActor struct {
	config            *config.Config
	behavior          actor.Behavior
	stash             *actorutil.Stash
	eventStream       *eventstream.EventStream
	metrics           *metrics.BridgeMetrics
	recorder          port.ExecutionRecorder
	transportProvider TransportProvider
	transport         fieldbus.Transport
	bus               port.FieldBus
	cancel            context.CancelFunc
	jobs              quartz.Scheduler
	logger            *zap.Logger
}

type transportOpened struct {
	err error
}

type busStopped struct {
	err error
}

func NewBridgeActor(config *config.Config, eventStream *eventstream.EventStream, recorder port.ExecutionRecorder,
	metrics *metrics.BridgeMetrics, logger *zap.Logger) *BridgeActor {
	act := newBridgeActor(config, eventStream, recorder, metrics, logger)
	act.transportProvider = act.createTransport
	return act
}

// NewTestBridgeActor runs the bridge over a given transport.
func NewTestBridgeActor(config *config.Config, transport fieldbus.Transport, eventStream *eventstream.EventStream,
	recorder port.ExecutionRecorder, metrics *metrics.BridgeMetrics, logger *zap.Logger) *BridgeActor {
	act := newBridgeActor(config, eventStream, recorder, metrics, logger)
	act.transportProvider = func() (fieldbus.Transport, error) { return transport, nil }
	return act
}

func newBridgeActor(config *config.Config, eventStream *eventstream.EventStream, recorder port.ExecutionRecorder,
	metrics *metrics.BridgeMetrics, logger *zap.Logger) *BridgeActor {
	act := &BridgeActor{
		config:      config,
		behavior:    actor.NewBehavior(),
		stash:       &actorutil.Stash{},
		eventStream: eventStream,
		metrics:     metrics,
		recorder:    recorder,
		logger:      actorutil.ActorLogger(domain.ACTOR_ID_BRIDGE, logger),
	}
	act.behavior.Become(act.StartingReceive)
	return act
}

func (state *BridgeActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *BridgeActor) StartingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("bridge@starting started", zap.String("url", state.config.Bridge.Url))

		transport, err := state.transportProvider()
		if err != nil {
			panic(err)
		}
		state.transport = transport
		state.bus = state.createScheduler()

		opener, ok := transport.(interface{ Open() error })
		if !ok {
			ctx.Send(ctx.Self(), transportOpened{})
			return
		}
		actorutil.NewBackgroundTask(ctx, func() (*transportOpened, error) {
			return &transportOpened{}, opener.Open()
		}).Recover(func(err error) transportOpened {
			return transportOpened{err: err}
		}).WithTimeout(bridgeOpenTimeout).PipeTo(ctx.Self())
	case transportOpened:
		if msg.err != nil {
			// let the supervisor retry
			state.logger.Error("bridge@starting could not open transport", zap.Error(msg.err))
			panic(msg.err)
		}
		state.logger.Info("bridge@starting transport open", zap.String("url", state.config.Bridge.Url))
		state.startBus(ctx)
		state.startStatusJob()
		state.eventStream.Publish(bridgeStateEvent(true))
		state.behavior.Become(state.DefaultReceive)
		state.stash.UnstashAll(ctx)
	case *actor.Restarting:
		state.stop(ctx)
	case *actor.Stopping:
		state.stop(ctx)
	default:
		state.logger.Debug("bridge@starting stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *BridgeActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthRequest:
		state.logger.Debug("bridge@default ActorHealthRequest")
		ctx.Respond(domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_BRIDGE,
			Healthy: true,
			State:   fmt.Sprintf("queue=%d", state.bus.Status().QueueLength),
		})
	case domain.CyclePrepareRequest:
		plan := state.bus.Prepare(msg.CycleTime)
		if plan == nil {
			state.logger.Debug("bridge@default previous queue still draining")
		}
		actorutil.ForRequest(msg).Respond(ctx, domain.CyclePrepareResponse{Plan: plan})
	case domain.CycleWriteBarrierRequest:
		state.bus.OnWriteBarrier()
		actorutil.ForRequest(msg).Respond(ctx, domain.CycleWriteBarrierResponse{MeasuredGap: state.bus.MeasuredGap()})
	case domain.AddProtocolRequest:
		state.logger.Debug("bridge@default AddProtocolRequest", zap.String("owner", msg.Owner))
		err := state.bus.AddProtocol(msg.Owner, msg.Protocol)
		actorutil.ForRequest(msg).Respond(ctx, domain.AddProtocolResponse{ActorResponseMixIn: actorutil.ErrorResponse(err)})
	case domain.RemoveProtocolRequest:
		state.logger.Debug("bridge@default RemoveProtocolRequest", zap.String("owner", msg.Owner))
		err := state.bus.RemoveProtocol(msg.Owner)
		actorutil.ForRequest(msg).Respond(ctx, domain.RemoveProtocolResponse{ActorResponseMixIn: actorutil.ErrorResponse(err)})
	case domain.GetBridgeStatusRequest:
		actorutil.ForRequest(msg).Respond(ctx, domain.GetBridgeStatusResponse{Status: state.bus.Status()})
	case busStopped:
		if errors.Is(msg.err, context.Canceled) {
			return
		}
		state.logger.Error("bridge@default execution loop stopped", zap.Error(msg.err))
		panic(msg.err)
	case *actor.Restarting:
		state.stop(ctx)
	case *actor.Stopping:
		state.stop(ctx)
	default:
		state.logger.Debug("bridge@default default recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (state *BridgeActor) createTransport() (fieldbus.Transport, error) {
	bridge := state.config.Bridge
	if strings.HasPrefix(bridge.Url, BRIDGE_SIMULATOR_URL) {
		state.logger.Warn("bridge: using simulated field-bus")
		return fieldbus.NewTestTransport(), nil
	}
	return fieldbus.NewModbusTransport(fieldbus.TransportConfig{
		URL:      bridge.Url,
		Timeout:  time.Duration(bridge.TimeoutMillis) * time.Millisecond,
		Speed:    bridge.Speed,
		DataBits: bridge.DataBits,
		StopBits: bridge.StopBits,
		Parity:   bridge.Parity,
	}, state.logger, state.metrics.ModbusInstrument())
}

func (state *BridgeActor) createScheduler() *fieldbus.Scheduler {
	idleCheck, err := fieldbus.ParseIdleCheck(state.config.Scheduler.IdleCheck)
	if err != nil {
		panic(err)
	}

	health := fieldbus.NewDeviceHealth()
	health.OnChange(func(owner string, failed bool) {
		failedDevices := len(health.FailedOwners())
		if failed {
			state.logger.Warn("bridge: device communication failed", zap.String("device", owner))
		} else {
			state.logger.Info("bridge: device communication restored", zap.String("device", owner))
		}
		state.metrics.SetFailedDevices(failedDevices)
		state.eventStream.Publish(events.CommunicationFailedUpdateEvent(owner, failed))
		state.eventStream.Publish(events.FailedDevicesUpdateEvent(failedDevices))
	})

	return fieldbus.NewScheduler(state.transport, health, fieldbus.Options{
		TaskDurationBuffer: time.Duration(state.config.Scheduler.TaskDurationBufferMillis) * time.Millisecond,
		IdleCheck:          idleCheck,
		Logger:             state.logger,
		OnPlan: func(plan *fieldbus.Plan) {
			state.metrics.ObservePlan(plan)
			for _, ev := range events.PlanToUpdateEvents(plan) {
				state.eventStream.Publish(ev)
			}
		},
		OnExecuted: func(task fieldbus.Task, duration time.Duration, err error) {
			state.metrics.ObserveTask(task, duration, err)
			if state.recorder != nil {
				state.recorder.RecordTask(duration)
			}
		},
	})
}

// startBus runs the drain loop until the actor stops.
func (state *BridgeActor) startBus(ctx actor.Context) {
	runCtx, cancel := context.WithCancel(context.Background())
	state.cancel = cancel

	bus := state.bus
	self := ctx.Self()
	system := ctx.ActorSystem()
	go func() {
		err := bus.Run(runCtx)
		system.Root.Send(self, busStopped{err: err})
	}()
}

// startStatusJob logs the scheduler status periodically when enabled.
func (state *BridgeActor) startStatusJob() {
	interval := time.Duration(state.config.Scheduler.DebugLogIntervalMillis) * time.Millisecond
	if interval <= 0 {
		return
	}

	bus := state.bus
	logger := state.logger
	statusJob := job.NewFunctionJob(func(_ context.Context) (fieldbus.Status, error) {
		status := bus.Status()
		logger.Debug("bridge status",
			zap.Int("queue_length", status.QueueLength),
			zap.Strings("owners", status.Owners),
			zap.Int("read_tasks", status.ReadTasks),
			zap.Int("write_tasks", status.WriteTasks),
			zap.Int("pending_once", status.PendingOnce),
			zap.Duration("measured_gap", status.MeasuredGap),
			zap.Strings("failed_owners", status.FailedOwners),
			zap.Uint64("executed_tasks", status.ExecutedTasks),
			zap.Uint64("failed_tasks", status.FailedTasks))
		return status, nil
	})

	jobs := quartz.NewStdScheduler()
	jobs.Start(context.Background())
	err := jobs.ScheduleJob(quartz.NewJobDetail(statusJob, quartz.NewJobKey("bridge_status")), quartz.NewSimpleTrigger(interval))
	if err != nil {
		state.logger.Warn("bridge: could not schedule status job", zap.Error(err))
		jobs.Stop()
		return
	}
	state.jobs = jobs
}

func (state *BridgeActor) stop(ctx actor.Context) {
	state.logger.Debug("bridge: stop")
	if state.jobs != nil {
		state.jobs.Stop()
		state.jobs = nil
	}
	if state.cancel != nil {
		state.cancel()
		state.cancel = nil
		state.eventStream.Publish(bridgeStateEvent(false))
	}
	if closer, ok := state.transport.(io.Closer); ok {
		actorutil.NewBackgroundTaskErr(ctx, closer.Close).OnError(func(err error) {
			state.logger.Warn("bridge: could not close transport", zap.Error(err))
		}).WithTimeout(bridgeCloseTimeout).Run()
	}
}

func bridgeStateEvent(online bool) domain.BridgeStateUpdateEvent {
	return domain.BridgeStateUpdateEvent{
		SensorUpdateEventMixIn: domain.SensorUpdateEventMixIn{Id: domain.SENSOR_ID_BRIDGE_STATE},
		Value:                  online,
	}
}
