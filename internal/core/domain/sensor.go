package domain

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"

	"github.com/carlmjohnson/versioninfo"
)

const (
	SENSOR_ID_BRIDGE_STATE                = "bridge"
	SENSOR_ID_BRIDGE_EXECUTION_DURATION   = "bridge_execution_duration"
	SENSOR_ID_BRIDGE_CYCLE_TIME_TOO_SHORT = "bridge_cycle_time_too_short"
	SENSOR_ID_BRIDGE_CYCLE_TIME           = "bridge_cycle_time"
	SENSOR_ID_BRIDGE_FAILED_DEVICES       = "bridge_failed_devices"
	SENSOR_SUFFIX_COMMUNICATION_FAILED    = "communication_failed"
	STATE_CLASS_MEASUREMENT               = "measurement"
	DEVICE_CLASS_DURATION                 = "duration"
	DEVICE_CLASS_PROBLEM                  = "problem"
	DEVICE_CLASS_CONNECTIVITY             = "connectivity"
	ENTITY_CLASS_DIAGNOSTIC               = "diagnostic"
	ENTITY_CLASS_CONFIG                   = "config"
	SENSOR_TYPE_SENSOR                    = "sensor"
	SENSOR_TYPE_BINARY                    = "binary_sensor"
	INPUT_NUMBER_MODE_BOX                 = "box"
)

// ElementSensorId is the entity id of a device element.
func ElementSensorId(deviceId, element string) string {
	return fmt.Sprintf("%s_%s", deviceId, element)
}

func CommunicationFailedSensorId(deviceId string) string {
	return fmt.Sprintf("%s_%s", deviceId, SENSOR_SUFFIX_COMMUNICATION_FAILED)
}

func BridgeDevice(baseTopic string) Device {
	return Device{
		Id:           fmt.Sprintf("fieldbridge_%s", md5HashShort(baseTopic)),
		Manufacturer: "ACasal",
		Model:        "Fieldbridge",
		Version:      versioninfo.Short(),
		Name:         fmt.Sprintf("Fieldbridge %s", md5HashShort(baseTopic)),
	}
}

func FieldDevice(bridge Device, info GetDeviceInfoResponse) Device {
	name := info.Name
	if name == "" {
		name = info.Id
	}
	return Device{
		Id:        fmt.Sprintf("fieldbridge_%s_%s", md5HashShort(bridge.Id), info.Id),
		Name:      name,
		Model:     "Field-bus device",
		ViaDevice: bridge.Id,
	}
}

func IdDevice(device Device) Device {
	return Device{
		Id:   device.Id,
		Name: device.Name,
	}
}

func BridgeSensors(bridgeDevice Device) []GenericSensor {

	var sensors []GenericSensor

	// Bridge connection state
	sensors = append(sensors, GenericSensor{
		Device:         bridgeDevice,
		Id:             SENSOR_ID_BRIDGE_STATE,
		SensorType:     SENSOR_TYPE_BINARY,
		Name:           "Connection state",
		DeviceClass:    DEVICE_CLASS_CONNECTIVITY,
		EntityCategory: ENTITY_CLASS_DIAGNOSTIC,
		UniqueId:       uniqueId(bridgeDevice.Id, SENSOR_ID_BRIDGE_STATE),
	})

	// Estimated duration of the planned tasks
	sensors = append(sensors, GenericSensor{
		Device:            IdDevice(bridgeDevice),
		Id:                SENSOR_ID_BRIDGE_EXECUTION_DURATION,
		SensorType:        SENSOR_TYPE_SENSOR,
		Name:              "Execution duration",
		StateClass:        STATE_CLASS_MEASUREMENT,
		DeviceClass:       DEVICE_CLASS_DURATION,
		UnitOfMeasurement: "ms",
		EntityCategory:    ENTITY_CLASS_DIAGNOSTIC,
		UniqueId:          uniqueId(bridgeDevice.Id, SENSOR_ID_BRIDGE_EXECUTION_DURATION),
		Icon:              "mdi:timer-sand",
	})

	sensors = append(sensors, GenericSensor{
		Device:         IdDevice(bridgeDevice),
		Id:             SENSOR_ID_BRIDGE_CYCLE_TIME_TOO_SHORT,
		SensorType:     SENSOR_TYPE_BINARY,
		Name:           "Cycle time too short",
		DeviceClass:    DEVICE_CLASS_PROBLEM,
		EntityCategory: ENTITY_CLASS_DIAGNOSTIC,
		UniqueId:       uniqueId(bridgeDevice.Id, SENSOR_ID_BRIDGE_CYCLE_TIME_TOO_SHORT),
	})

	// Measured cycle time
	sensors = append(sensors, GenericSensor{
		Device:            IdDevice(bridgeDevice),
		Id:                SENSOR_ID_BRIDGE_CYCLE_TIME,
		SensorType:        SENSOR_TYPE_SENSOR,
		Name:              "Cycle time",
		StateClass:        STATE_CLASS_MEASUREMENT,
		DeviceClass:       DEVICE_CLASS_DURATION,
		UnitOfMeasurement: "ms",
		EntityCategory:    ENTITY_CLASS_DIAGNOSTIC,
		UniqueId:          uniqueId(bridgeDevice.Id, SENSOR_ID_BRIDGE_CYCLE_TIME),
		EnabledByDefault:  optionalBool(false),
	})

	sensors = append(sensors, GenericSensor{
		Device:         IdDevice(bridgeDevice),
		Id:             SENSOR_ID_BRIDGE_FAILED_DEVICES,
		SensorType:     SENSOR_TYPE_SENSOR,
		Name:           "Failed devices",
		StateClass:     STATE_CLASS_MEASUREMENT,
		EntityCategory: ENTITY_CLASS_DIAGNOSTIC,
		UniqueId:       uniqueId(bridgeDevice.Id, SENSOR_ID_BRIDGE_FAILED_DEVICES),
		Icon:           "mdi:lan-disconnect",
	})

	return sensors
}

// DeviceSensors lists the communication flag and every read-only element of
// a device. Writable elements are exposed as input numbers.
func DeviceSensors(device Device, info GetDeviceInfoResponse) []GenericSensor {

	var sensors []GenericSensor

	failedId := CommunicationFailedSensorId(info.Id)
	sensors = append(sensors, GenericSensor{
		Device:         device,
		Id:             failedId,
		SensorType:     SENSOR_TYPE_BINARY,
		Name:           "Communication failed",
		DeviceClass:    DEVICE_CLASS_PROBLEM,
		EntityCategory: ENTITY_CLASS_DIAGNOSTIC,
		UniqueId:       uniqueId(device.Id, failedId),
	})

	for _, elem := range info.Elements {
		if elem.Writable {
			continue
		}
		id := ElementSensorId(info.Id, elem.Name)
		sensors = append(sensors, GenericSensor{
			Device:            IdDevice(device),
			Id:                id,
			SensorType:        SENSOR_TYPE_SENSOR,
			Name:              elem.Name,
			StateClass:        STATE_CLASS_MEASUREMENT,
			UnitOfMeasurement: elem.Unit,
			UniqueId:          uniqueId(device.Id, id),
		})
	}

	return sensors
}

func DeviceInputNumbers(device Device, info GetDeviceInfoResponse) []GenericInputNumber {

	var inputNumbers []GenericInputNumber

	for _, elem := range info.Elements {
		if !elem.Writable {
			continue
		}
		id := ElementSensorId(info.Id, elem.Name)
		inputNumbers = append(inputNumbers, GenericInputNumber{
			Device:            IdDevice(device),
			Id:                id,
			Name:              elem.Name,
			UniqueId:          uniqueId(device.Id, id),
			UnitOfMeasurement: elem.Unit,
			Icon:              "mdi:tune-vertical",
			Min:               elem.Min,
			Max:               elem.Max,
			Step:              1,
			Mode:              INPUT_NUMBER_MODE_BOX,
		})
	}

	return inputNumbers
}

func uniqueId(baseId, id string) string {
	return fmt.Sprintf("uid_%s_%s", baseId, id)
}

func md5Hash(text string) string {
	hash := md5.Sum([]byte(text))
	return hex.EncodeToString(hash[:])
}

func md5HashShort(text string) string {
	hash := md5Hash(text)
	return hash[0:8]
}

func optionalBool(value bool) *bool {
	return &value
}
