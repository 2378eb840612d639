package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap/zapcore"
)

type Config struct {
	LogLevel  zapcore.Level
	LogFile   LogFileConfig   `mapstructure:"log_file"`
	Bridge    BridgeConfig    `mapstructure:"bridge"`
	Cycle     CycleConfig     `mapstructure:"cycle"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Devices   []DeviceConfig  `mapstructure:"devices"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	Port      uint            `mapstructure:"port"`
	HttpLog   bool            `mapstructure:"http_log"`
}

// LogFileConfig enables a rotated log file next to the console output.
type LogFileConfig struct {
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

// BridgeConfig describes the shared field-bus link. Url is tcp://host:port,
// rtu:///dev/ttyUSB0 or simulator://.
type BridgeConfig struct {
	Url           string `mapstructure:"url"`
	TimeoutMillis uint32 `mapstructure:"timeout_millis"`
	Speed         uint   `mapstructure:"speed"`
	DataBits      uint   `mapstructure:"data_bits"`
	StopBits      uint   `mapstructure:"stop_bits"`
	Parity        string `mapstructure:"parity"`
}

type CycleConfig struct {
	CycleTimeMillis uint32 `mapstructure:"cycle_time_millis"`
}

type SchedulerConfig struct {
	TaskDurationBufferMillis uint32 `mapstructure:"task_duration_buffer_millis"`
	// IdleCheck is "both" (default) or "any". With "both" a fleet that only
	// reads, or only writes, counts as idle: the Wait is skipped and deferred
	// reads run right after the writes instead of at the end of the window.
	IdleCheck                string `mapstructure:"idle_check"`
	DebugLogIntervalMillis   uint32 `mapstructure:"debug_log_interval_millis"`
}

type DeviceConfig struct {
	Id     string             `mapstructure:"id"`
	Name   string             `mapstructure:"name"`
	UnitId uint8              `mapstructure:"unit_id"`
	Tasks  []DeviceTaskConfig `mapstructure:"tasks"`
}

type DeviceTaskConfig struct {
	// Kind is read or write.
	Kind string `mapstructure:"kind"`
	// Function is holding or input, reads only.
	Function        string          `mapstructure:"function"`
	Priority        string          `mapstructure:"priority"`
	EstimatedMillis uint32          `mapstructure:"estimated_millis"`
	Elements        []ElementConfig `mapstructure:"elements"`
}

// ElementConfig describes one register value. Elements of write tasks are
// exposed as set-points bounded by Min and Max when Max > Min.
type ElementConfig struct {
	Name        string  `mapstructure:"name"`
	Address     uint16  `mapstructure:"address"`
	Type        string  `mapstructure:"type"`
	ScaleFactor int     `mapstructure:"scale_factor"`
	Unit        string  `mapstructure:"unit"`
	Min         float64 `mapstructure:"min"`
	Max         float64 `mapstructure:"max"`
}

type MQTTConfig struct {
	Host              string
	Port              int
	Username          string
	Password          string
	BaseTopic         string `mapstructure:"base_topic"`
	HADiscoveryEnable bool   `mapstructure:"ha_discovery_enable"`
	HADiscoveryTopic  string `mapstructure:"ha_discovery_topic"`
}

func CheckMQTTTopic(baseTopic string) (string, error) {
	// check and fix base topic
	lowerBaseTopic := strings.ToLower(baseTopic)
	baseTopicRegexp := regexp.MustCompile("^[a-z0-9_]+$")
	matches := baseTopicRegexp.FindAllStringSubmatch(lowerBaseTopic, 1)
	if len(matches) <= 0 {
		return "", errors.New("invalid topic. can only contain letters, numbers and underscores")
	}
	return lowerBaseTopic, nil
}

// CheckDevices validates device ids, which end up in MQTT topics, and
// rejects duplicates.
func CheckDevices(devices []DeviceConfig) error {
	seen := make(map[string]bool)
	for i, dev := range devices {
		id, err := CheckMQTTTopic(dev.Id)
		if err != nil {
			return fmt.Errorf("devices[%d]: invalid id %q", i, dev.Id)
		}
		if seen[id] {
			return fmt.Errorf("devices[%d]: duplicated id %q", i, dev.Id)
		}
		seen[id] = true
		devices[i].Id = id
		if len(dev.Tasks) == 0 {
			return fmt.Errorf("device %s: no tasks", id)
		}
		for j, task := range dev.Tasks {
			for _, elem := range task.Elements {
				if _, err := CheckMQTTTopic(elem.Name); err != nil {
					return fmt.Errorf("device %s: tasks[%d]: invalid element name %q", id, j, elem.Name)
				}
			}
		}
	}
	return nil
}
