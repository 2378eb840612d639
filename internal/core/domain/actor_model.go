package domain

import (
	"time"

	"github.com/berfenger/fieldbridge/pkg/fieldbus"
)

const (
	ACTOR_ID_MASTER       = "master"
	ACTOR_ID_BRIDGE       = "bridge"
	ACTOR_ID_CYCLE        = "cycle"
	ACTOR_ID_DEVICE       = "device"
	ACTOR_ID_MQTT         = "mqtt"
	ACTOR_ID_HA_DISCOVERY = "hadiscovery"
)

// Bridge requests

type CyclePrepareRequest struct {
	ActorRequestMixIn
	CycleTime time.Duration
}

type CyclePrepareResponse struct {
	ActorResponseMixIn
	// Plan is nil when the previous queue is still draining.
	Plan *fieldbus.Plan
}

type CycleWriteBarrierRequest struct {
	ActorRequestMixIn
}

type CycleWriteBarrierResponse struct {
	ActorResponseMixIn
	MeasuredGap time.Duration
}

type AddProtocolRequest struct {
	ActorRequestMixIn
	Owner    string
	Protocol *fieldbus.Protocol
}

type AddProtocolResponse struct {
	ActorResponseMixIn
}

type RemoveProtocolRequest struct {
	ActorRequestMixIn
	Owner string
}

type RemoveProtocolResponse struct {
	ActorResponseMixIn
}

type GetBridgeStatusRequest struct {
	ActorRequestMixIn
}

type GetBridgeStatusResponse struct {
	ActorResponseMixIn
	Status fieldbus.Status
}

// Cycle requests

// CycleExecuteRequest runs the controller stage of a device: commanded
// set-points are latched into write elements.
type CycleExecuteRequest struct {
	ActorRequestMixIn
	Cycle uint64
}

type CycleExecuteResponse struct {
	ActorResponseMixIn
	Id      string
	Latched int
}

type GetCycleStatsRequest struct {
	ActorRequestMixIn
}

type GetCycleStatsResponse struct {
	ActorResponseMixIn
	Cycles uint64
	Stats  CycleStats
}

type CycleStats struct {
	CycleTime DurationStats `json:"cycle_time"`
	Execution DurationStats `json:"task_execution"`
}

type DurationStats struct {
	Count int64         `json:"count"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Avg   time.Duration `json:"avg"`
	P50   time.Duration `json:"p50"`
	P90   time.Duration `json:"p90"`
	P99   time.Duration `json:"p99"`
}

// Bridge status as served by master

type GetStatusRequest struct {
	ActorRequestMixIn
}

type GetStatusResponse struct {
	ActorResponseMixIn
	Bridge  fieldbus.Status         `json:"bridge"`
	Cycles  uint64                  `json:"cycles"`
	Stats   CycleStats              `json:"stats"`
	Devices []GetDeviceInfoResponse `json:"devices"`
}

// MQTT requests

type PublishMessageRequest struct {
	ActorRequestMixIn
	Topic   string
	Payload string
	Retain  bool
}

type PublishMessageResponse struct {
	ActorResponseMixIn
}

type PublishSensorUpdateRequest struct {
	ActorRequestMixIn
	Retain bool
	Event  SensorUpdateEvent
}

type PublishSensorUpdateResponse struct {
	ActorResponseMixIn
}

type PublishDiscoveryRequest struct {
	ActorRequestMixIn
	Sensors      []GenericSensor
	InputNumbers []GenericInputNumber
}

type PublishDiscoveryResponse struct {
	ActorResponseMixIn
}

type ActorHealthRequest struct {
	ActorRequestMixIn
}

type ActorHealthResponse struct {
	ActorResponseMixIn
	Id      string
	Healthy bool
	State   string
}
