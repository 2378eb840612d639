package actor

import (
	"fmt"
	"time"

	"github.com/berfenger/fieldbridge/internal/config"
	"github.com/berfenger/fieldbridge/internal/core/domain"
	"github.com/berfenger/fieldbridge/internal/core/events"
	"github.com/berfenger/fieldbridge/internal/core/port"
	"github.com/berfenger/fieldbridge/internal/core/service"
	. "github.com/berfenger/fieldbridge/internal/util/actorutil"
	"github.com/berfenger/fieldbridge/pkg/fieldbus"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/asynkron/protoactor-go/scheduler"
	"go.uber.org/zap"
)

const minCycleRequestTimeout = 500 * time.Millisecond

// CycleActor drives the global cycle: it asks the bridge to plan the
// execution window, lets every device latch its set-points and signals the
// write barrier.
type CycleActor struct {
	behavior  actor.Behavior
	stash     *Stash
	scheduler *scheduler.TimerScheduler
	cancel    scheduler.CancelFunc

	cycleTime    time.Duration
	bridgeActor  *actor.PID
	deviceActors []*actor.PID
	eventStream  *eventstream.EventStream
	stats        *service.CycleStats
	recorders    []port.CycleRecorder

	cycle     uint64
	lastStart time.Time
	pending   int
	overruns  uint64

	logger *zap.Logger
}

type cycleTick struct {
}

func NewCycleActor(config *config.Config, bridgeActor *actor.PID, deviceActors []*actor.PID, eventStream *eventstream.EventStream,
	stats *service.CycleStats, logger *zap.Logger, recorders ...port.CycleRecorder) *CycleActor {
	cycleTime := time.Duration(config.Cycle.CycleTimeMillis) * time.Millisecond
	if cycleTime <= 0 {
		cycleTime = fieldbus.DefaultCycleTime
	}
	act := &CycleActor{
		cycleTime:    cycleTime,
		bridgeActor:  bridgeActor,
		deviceActors: deviceActors,
		eventStream:  eventStream,
		stats:        stats,
		recorders:    append([]port.CycleRecorder{stats}, recorders...),
		behavior:     actor.NewBehavior(),
		stash:        &Stash{},
		logger:       ActorLogger(domain.ACTOR_ID_CYCLE, logger),
	}
	act.behavior.Become(act.DefaultReceive)
	return act
}

func (state *CycleActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *CycleActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("cycle@default started", zap.Duration("cycle_time", state.cycleTime))
		state.scheduler = scheduler.NewTimerScheduler(ctx)
		state.cancel = state.scheduler.RequestRepeatedly(state.cycleTime, state.cycleTime, ctx.Self(), cycleTick{})
	case cycleTick:
		state.startCycle(ctx)
	case *actor.Stopping:
		state.stop()
	default:
		if state.respondStatus(ctx) {
			return
		}
		state.logger.Debug("cycle@default default recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

// respondStatus answers health and stats requests. They are served in every
// state so that a cycle that keeps overrunning still reports.
func (state *CycleActor) respondStatus(ctx actor.Context) bool {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthRequest:
		state.logger.Debug("cycle ActorHealthRequest")
		ctx.Respond(domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_CYCLE,
			Healthy: true,
			State:   fmt.Sprintf("cycle=%d overruns=%d", state.cycle, state.overruns),
		})
	case domain.GetCycleStatsRequest:
		ForRequest(msg).Respond(ctx, domain.GetCycleStatsResponse{
			Cycles: state.stats.Cycles(),
			Stats:  state.stats.Snapshot(),
		})
	default:
		return false
	}
	return true
}

// PrepareReceive waits for the bridge to plan the next execution window.
func (state *CycleActor) PrepareReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.CyclePrepareResponse:
		if msg.HasResponseError() {
			state.logger.Warn("cycle@prepare bridge not ready", zap.Uint64("cycle", state.cycle), zap.Error(msg.GetResponseError()))
			state.endCycle(ctx)
			return
		}
		if msg.Plan != nil && msg.Plan.CycleTimeTooShort {
			state.logger.Debug("cycle@prepare cycle time too short",
				zap.Duration("estimated", msg.Plan.EstimatedDuration),
				zap.Int("required_cycles", msg.Plan.RequiredCycles))
		}
		state.executeDevices(ctx)
	case *actor.Stopping:
		state.stop()
	default:
		if state.respondStatus(ctx) {
			return
		}
		state.logger.Debug("cycle@prepare stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

// ExecuteReceive collects the controller results of every device.
func (state *CycleActor) ExecuteReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.CycleExecuteResponse:
		if msg.HasResponseError() {
			state.logger.Warn("cycle@execute device did not respond", zap.String("device", msg.Id), zap.Error(msg.GetResponseError()))
		}
		state.pending--
		if state.pending <= 0 {
			state.writeBarrier(ctx)
		}
	case *actor.Stopping:
		state.stop()
	default:
		if state.respondStatus(ctx) {
			return
		}
		state.logger.Debug("cycle@execute stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

// WriteBarrierReceive waits for the bridge to record the write barrier.
func (state *CycleActor) WriteBarrierReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.CycleWriteBarrierResponse:
		if msg.HasResponseError() {
			state.logger.Warn("cycle@barrier bridge did not respond", zap.Error(msg.GetResponseError()))
		} else {
			state.logger.Debug("cycle@barrier done", zap.Uint64("cycle", state.cycle), zap.Duration("measured_gap", msg.MeasuredGap))
		}
		state.endCycle(ctx)
	case *actor.Stopping:
		state.stop()
	default:
		if state.respondStatus(ctx) {
			return
		}
		state.logger.Debug("cycle@barrier stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *CycleActor) startCycle(ctx actor.Context) {
	now := time.Now()
	if !state.lastStart.IsZero() {
		cycleTime := now.Sub(state.lastStart)
		for _, r := range state.recorders {
			r.RecordCycle(cycleTime)
		}
		state.eventStream.Publish(events.CycleTimeUpdateEvent(cycleTime))
	}
	state.lastStart = now
	state.cycle++

	PipeToSelfWithRecover(ctx, ctx.RequestFuture(state.bridgeActor, domain.CyclePrepareRequest{CycleTime: state.cycleTime}, state.requestTimeout()), func(err error) any {
		return domain.CyclePrepareResponse{
			ActorResponseMixIn: ErrorResponse(err),
		}
	})
	state.behavior.BecomeStacked(state.PrepareReceive)
}

func (state *CycleActor) executeDevices(ctx actor.Context) {
	state.pending = len(state.deviceActors)
	if state.pending == 0 {
		state.writeBarrier(ctx)
		return
	}
	for _, pid := range state.deviceActors {
		id := pid.Id
		PipeToSelfWithRecover(ctx, ctx.RequestFuture(pid, domain.CycleExecuteRequest{Cycle: state.cycle}, state.requestTimeout()), func(err error) any {
			return domain.CycleExecuteResponse{
				ActorResponseMixIn: ErrorResponse(err),
				Id:                 id,
			}
		})
	}
	state.behavior.UnbecomeStacked()
	state.behavior.BecomeStacked(state.ExecuteReceive)
}

func (state *CycleActor) writeBarrier(ctx actor.Context) {
	PipeToSelfWithRecover(ctx, ctx.RequestFuture(state.bridgeActor, domain.CycleWriteBarrierRequest{}, state.requestTimeout()), func(err error) any {
		return domain.CycleWriteBarrierResponse{
			ActorResponseMixIn: ErrorResponse(err),
		}
	})
	state.behavior.UnbecomeStacked()
	state.behavior.BecomeStacked(state.WriteBarrierReceive)
}

// endCycle returns to the idle state. Ticks received meanwhile collapse into
// a single immediate cycle, queued behind the other stashed messages.
func (state *CycleActor) endCycle(ctx actor.Context) {
	state.behavior.UnbecomeStacked()
	missed := state.stash.Drop(func(msg any) bool {
		_, ok := msg.(cycleTick)
		return ok
	})
	state.stash.UnstashAll(ctx)
	if missed > 0 {
		state.overruns += uint64(missed)
		state.logger.Warn("cycle@default cycle overrun", zap.Uint64("cycle", state.cycle), zap.Int("missed_ticks", missed))
		ctx.Send(ctx.Self(), cycleTick{})
	}
}

func (state *CycleActor) requestTimeout() time.Duration {
	if state.cycleTime < minCycleRequestTimeout {
		return minCycleRequestTimeout
	}
	return state.cycleTime
}

func (state *CycleActor) stop() {
	if state.cancel != nil {
		state.cancel()
		state.cancel = nil
	}
}
