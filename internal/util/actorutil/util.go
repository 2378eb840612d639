package actorutil

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/berfenger/fieldbridge/internal/core/domain"
	"github.com/berfenger/fieldbridge/internal/mqtt"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/lmittmann/tint"
	"go.uber.org/zap"
)

func PipeToSelfWithRecover(ctx actor.Context, future *actor.Future, mapFn func(error) any) {
	ctx.ReenterAfter(future, func(msg any, err error) {
		if err != nil {
			ctx.Send(ctx.Self(), mapFn(err))
			return
		}
		ctx.Send(ctx.Self(), msg)
	})
}

func NewActorSystemWithZapLogger(logger *zap.Logger) *actor.ActorSystem {
	stdOutLogger := zap.NewStdLog(logger)

	var slogLevel slog.Level = slog.LevelInfo

	switch logger.Level() {
	case zap.DebugLevel:
		slogLevel = slog.LevelDebug
	case zap.InfoLevel:
		slogLevel = slog.LevelInfo
	case zap.WarnLevel:
		slogLevel = slog.LevelWarn
	case zap.ErrorLevel, zap.PanicLevel, zap.FatalLevel:
		slogLevel = slog.LevelError
	}

	return actor.NewActorSystem(actor.WithLoggerFactory(func(system *actor.ActorSystem) *slog.Logger {
		return slog.New(tint.NewHandler(stdOutLogger.Writer(), &tint.Options{
			Level:      slogLevel,
			TimeFormat: time.DateTime,
			NoColor:    true,
		}))
	}))
}

func ActorLogger(actorName string, logger *zap.Logger) *zap.Logger {
	return logger.With(zap.String("actor", actorName))
}

// DeviceActorName is the child name of a device actor under master.
func DeviceActorName(deviceId string) string {
	return fmt.Sprintf("%s_%s", domain.ACTOR_ID_DEVICE, deviceId)
}

// ParsedMQTTCommandToRequest maps a number command to a set-point request.
// Number entity ids are <device>_<element>, so every known device id is
// tried as a prefix.
func ParsedMQTTCommandToRequest(cmd mqtt.ParsedMQTTCommand, deviceIds []string) (domain.DeviceRequest, error) {
	if cmd.Command != mqtt.COMMAND_NUMBER {
		return nil, fmt.Errorf("unsupported command %q", cmd.Command)
	}
	value, err := strconv.ParseFloat(cmd.Payload, 64)
	if err != nil {
		return nil, err
	}
	var best string
	for _, id := range deviceIds {
		if strings.HasPrefix(cmd.DeviceId, id+"_") && len(id) > len(best) {
			best = id
		}
	}
	if best == "" {
		return nil, fmt.Errorf("no device for entity %q", cmd.DeviceId)
	}
	return domain.SetElementValueRequest{
		DeviceRequestMixIn: domain.DeviceRequestMixIn{Device: best},
		Element:            strings.TrimPrefix(cmd.DeviceId, best+"_"),
		Value:              value,
	}, nil
}
