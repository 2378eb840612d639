package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	adactor "github.com/berfenger/fieldbridge/internal/adapter/actor"
	"github.com/berfenger/fieldbridge/internal/config"
	"github.com/berfenger/fieldbridge/internal/core/actor"
	"github.com/berfenger/fieldbridge/internal/core/port"
	"github.com/berfenger/fieldbridge/internal/metrics"
	"github.com/berfenger/fieldbridge/internal/server"
	"github.com/berfenger/fieldbridge/internal/util/actorutil"
	"github.com/berfenger/fieldbridge/pkg/fieldbus"

	pactor "github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

func gracefulShutdown(apiServer *http.Server, done chan bool) {
	// Create context that listens for the interrupt signal from the OS.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Listen for the interrupt signal.
	<-ctx.Done()

	log.Println("shutting down gracefully, press Ctrl+C again to force")

	// The server has 5 seconds to finish the request it is currently handling
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown with error: %v", err)
	}

	log.Println("Server exiting")

	// Notify the main goroutine that the shutdown is complete
	done <- true
}

func main() {

	// load and print config
	cfg, err := initConfig()
	if err != nil {
		slog.Error("config errors", "error", err)
		return
	}
	safePrintConfig(*cfg)

	logger := newLogger(cfg)
	defer logger.Sync()

	// init actor system
	as := actorutil.NewActorSystemWithZapLogger(logger)
	ctx := as.Root

	bridgeMetrics := metrics.NewBridgeMetrics()

	props := pactor.PropsFromProducer(func() pactor.Actor {
		return actor.NewMasterOfPuppetsActor(*cfg, bridgeActorProvider(cfg, bridgeMetrics, logger), mqttActorProvider(cfg, logger), logger, bridgeMetrics)
	})
	pid, err := ctx.SpawnNamed(props, "master")
	if err != nil {
		return
	}

	server := server.NewServer(*cfg, ctx, pid, bridgeMetrics.Registry())
	// Create a done channel to signal when the shutdown is complete
	done := make(chan bool, 1)

	// Run graceful shutdown in a separate goroutine
	go gracefulShutdown(server, done)

	err = server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		panic(fmt.Sprintf("http server error: %s", err))
	}

	// Wait for the graceful shutdown to complete
	<-done
	log.Println("Graceful shutdown complete.")

	ctx.Stop(pid)
	as.Shutdown()
}

// newLogger writes JSON to stderr and, when a log file is configured, to a
// rotated file as well.
func newLogger(cfg *config.Config) *zap.Logger {
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(cfg.LogLevel)

	logger := zap.Must(zapCfg.Build())
	if cfg.LogFile.Filename == "" {
		return logger
	}

	fileWriter := zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.LogFile.Filename,
		MaxSize:    cfg.LogFile.MaxSize,
		MaxBackups: cfg.LogFile.MaxBackups,
		MaxAge:     cfg.LogFile.MaxAge,
	})
	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(zapCfg.EncoderConfig), fileWriter, zapCfg.Level)

	return logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, fileCore)
	}))
}

func initConfig() (*config.Config, error) {

	// alias PORT => FIELDBRIDGE_PORT
	if port := os.Getenv("PORT"); port != "" {
		os.Setenv("FIELDBRIDGE_PORT", port)
	}

	setConfigDefaults()

	viper.SetEnvPrefix("fieldbridge")
	viper.AutomaticEnv()

	// if defined, try to load config from yaml file
	if cfgFile := os.Getenv("CONFIG_FILE"); cfgFile != "" {
		if _, err := os.Stat(cfgFile); err == nil {
			slog.Info("Using config", "file", cfgFile)
			viper.SetConfigFile(cfgFile)

			err = viper.ReadInConfig()
			if err != nil {
				slog.Error("Error reading config file", "error", err)
			}
		}
	}

	var cfg config.Config

	err := viper.Unmarshal(&cfg)
	if err != nil {
		return nil, err
	}

	// parse log level
	switch viper.GetString("log_level") {
	case "trace":
		cfg.LogLevel = zap.DebugLevel
	case "debug":
		cfg.LogLevel = zap.DebugLevel
	case "info":
		cfg.LogLevel = zap.InfoLevel
	case "error":
		cfg.LogLevel = zap.ErrorLevel
	case "warn":
		cfg.LogLevel = zap.WarnLevel
	case "fatal":
		cfg.LogLevel = zap.FatalLevel
	default:
		cfg.LogLevel = zap.InfoLevel
	}

	// check and fix base topic
	baseTopic, err := config.CheckMQTTTopic(cfg.MQTT.BaseTopic)
	if err != nil {
		return nil, errors.New("invalid base topic. can only contain letters, numbers and underscores")
	}
	cfg.MQTT.BaseTopic = baseTopic

	// check and fix homeassistant discovery topic
	hadBaseTopic, err := config.CheckMQTTTopic(cfg.MQTT.HADiscoveryTopic)
	if err != nil {
		return nil, errors.New("invalid homeassistant discovery topic. can only contain letters, numbers and underscores")
	}
	cfg.MQTT.HADiscoveryTopic = hadBaseTopic

	// check bounds
	if len(cfg.Devices) == 0 {
		return nil, errors.New("config param devices should list at least one device")
	}
	if err := config.CheckDevices(cfg.Devices); err != nil {
		return nil, err
	}
	if _, err := fieldbus.ParseIdleCheck(cfg.Scheduler.IdleCheck); err != nil {
		return nil, fmt.Errorf("config param scheduler.idle_check: %w", err)
	}
	if cfg.Cycle.CycleTimeMillis < 10 {
		return nil, errors.New("config param cycle.cycle_time_millis should be >= 10")
	}
	if cfg.Bridge.TimeoutMillis == 0 {
		return nil, errors.New("config param bridge.timeout_millis should be > 0")
	}

	return &cfg, nil
}

func bridgeActorProvider(cfg *config.Config, bridgeMetrics *metrics.BridgeMetrics, logger *zap.Logger) actor.BridgeActorProvider {
	return func(es *eventstream.EventStream, recorder port.ExecutionRecorder) *adactor.BridgeActor {
		return adactor.NewBridgeActor(cfg, es, recorder, bridgeMetrics, logger)
	}
}

func mqttActorProvider(cfg *config.Config, logger *zap.Logger) actor.MQTTActorProvider {
	return func(es *eventstream.EventStream) *adactor.MQTTActor {
		return adactor.NewMQTTActor(cfg, es, logger)
	}
}

func setConfigDefaults() {
	viper.SetDefault("log_level", "warn")
	viper.SetDefault("bridge.url", adactor.BRIDGE_SIMULATOR_URL)
	viper.SetDefault("bridge.timeout_millis", 1000)
	viper.SetDefault("bridge.speed", 9600)
	viper.SetDefault("bridge.data_bits", 8)
	viper.SetDefault("bridge.stop_bits", 1)
	viper.SetDefault("bridge.parity", "none")
	viper.SetDefault("cycle.cycle_time_millis", 1000)
	viper.SetDefault("scheduler.task_duration_buffer_millis", 50)
	viper.SetDefault("scheduler.idle_check", "both")
	viper.SetDefault("scheduler.debug_log_interval_millis", 0)
	viper.SetDefault("mqtt.ha_discovery_enable", false)
	viper.SetDefault("mqtt.base_topic", "fieldbridge")
	viper.SetDefault("mqtt.ha_discovery_topic", "homeassistant")
	viper.SetDefault("log_file.max_size", 10)
	viper.SetDefault("log_file.max_backups", 3)
	viper.SetDefault("log_file.max_age", 28)
	viper.SetDefault("port", 8080)
}

func safePrintConfig(cfg config.Config) {
	cfg.MQTT.Username = "*redacted*"
	cfg.MQTT.Password = "*redacted*"
	slog.Info("Using", "config", cfg)
}
