package events

import (
	"time"

	. "github.com/berfenger/fieldbridge/internal/core/domain"
	"github.com/berfenger/fieldbridge/pkg/fieldbus"
)

// PlanToUpdateEvents publishes the observability outputs of a planning pass.
func PlanToUpdateEvents(plan *fieldbus.Plan) []any {
	var events []any

	// Estimated duration of the selected tasks
	events = append(events, FloatSensorUpdateEvent{
		SensorUpdateEventMixIn: SensorUpdateEventMixIn{
			Id: SENSOR_ID_BRIDGE_EXECUTION_DURATION,
		},
		Value: millis(plan.EstimatedDuration),
	})
	events = append(events, BinarySensorUpdateEvent{
		SensorUpdateEventMixIn: SensorUpdateEventMixIn{
			Id: SENSOR_ID_BRIDGE_CYCLE_TIME_TOO_SHORT,
		},
		Value: plan.CycleTimeTooShort,
	})

	return events
}

func CycleTimeUpdateEvent(cycleTime time.Duration) any {
	return FloatSensorUpdateEvent{
		SensorUpdateEventMixIn: SensorUpdateEventMixIn{
			Id: SENSOR_ID_BRIDGE_CYCLE_TIME,
		},
		Value:    millis(cycleTime),
		Decimals: 1,
	}
}

func FailedDevicesUpdateEvent(failed int) any {
	return FloatSensorUpdateEvent{
		SensorUpdateEventMixIn: SensorUpdateEventMixIn{
			Id: SENSOR_ID_BRIDGE_FAILED_DEVICES,
		},
		Value: float64(failed),
	}
}

func CommunicationFailedUpdateEvent(deviceId string, failed bool) any {
	return BinarySensorUpdateEvent{
		SensorUpdateEventMixIn: SensorUpdateEventMixIn{
			Id: CommunicationFailedSensorId(deviceId),
		},
		Value: failed,
	}
}

// ElementUpdateEvent maps a new element value. A nil value means the element
// was invalidated.
func ElementUpdateEvent(deviceId string, elem ElementInfo, value *float64) any {
	id := ElementSensorId(deviceId, elem.Name)
	if value == nil {
		return UnknownSensorUpdateEvent{
			SensorUpdateEventMixIn: SensorUpdateEventMixIn{Id: id},
			InputNumber:            elem.Writable,
		}
	}
	if elem.Writable {
		return InputNumberSensorUpdateEvent{
			SensorUpdateEventMixIn: SensorUpdateEventMixIn{Id: id},
			Value:                  *value,
			Decimals:               decimals(*value),
		}
	}
	return FloatSensorUpdateEvent{
		SensorUpdateEventMixIn: SensorUpdateEventMixIn{Id: id},
		Value:                  *value,
		Decimals:               decimals(*value),
	}
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// decimals keeps scaled register values readable: 12.3 -> 1, 7 -> 0.
func decimals(v float64) uint {
	for d := uint(0); d < 4; d++ {
		scaled := v
		for i := uint(0); i < d; i++ {
			scaled *= 10
		}
		if scaled == float64(int64(scaled)) {
			return d
		}
	}
	return 4
}
