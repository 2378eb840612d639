package util

import (
	"github.com/berfenger/fieldbridge/internal/config"

	"go.uber.org/zap"
)

// LoadTestConfig describes a simulated bridge with a single battery device.
func LoadTestConfig() config.Config {
	return config.Config{
		LogLevel: zap.DebugLevel,
		Bridge: config.BridgeConfig{
			Url:           "simulator://",
			TimeoutMillis: 1000,
		},
		Cycle: config.CycleConfig{
			CycleTimeMillis: 200,
		},
		Scheduler: config.SchedulerConfig{
			TaskDurationBufferMillis: 10,
			IdleCheck:                "both",
		},
		Devices: []config.DeviceConfig{
			{
				Id:     "ess0",
				Name:   "Battery",
				UnitId: 1,
				Tasks: []config.DeviceTaskConfig{
					{
						Kind:            "read",
						Function:        "input",
						Priority:        "high",
						EstimatedMillis: 5,
						Elements: []config.ElementConfig{
							{Name: "soc", Address: 100, Type: "uint16", Unit: "%"},
							{Name: "power", Address: 101, Type: "int32", Unit: "W"},
						},
					},
					{
						Kind:            "write",
						EstimatedMillis: 5,
						Elements: []config.ElementConfig{
							{Name: "setpoint", Address: 200, Type: "int16", Unit: "W", Min: -5000, Max: 5000},
						},
					},
				},
			},
		},
		MQTT: config.MQTTConfig{
			Host:             "localhost",
			Port:             1883,
			BaseTopic:        "fieldbridge",
			HADiscoveryTopic: "homeassistant",
		},
		Port: 8080,
	}
}
