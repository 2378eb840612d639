package domain

import "fmt"

// DeviceRequest is a request routed by master to one device actor.

type DeviceRequest interface {
	ActorRequest
	DeviceId() string
	DeviceCommand() string
}

type DeviceRequestMixIn struct {
	ActorRequestMixIn
	Device string
}

func (r DeviceRequestMixIn) DeviceId() string {
	return r.Device
}

func (r DeviceRequestMixIn) DeviceCommand() string {
	return fmt.Sprintf("%T", r)
}

// Device commands

// SetElementValueRequest latches a set-point for a writable element. The
// value is written on the next cycle.
type SetElementValueRequest struct {
	DeviceRequestMixIn
	Element string
	Value   float64
}

type SetElementValueResponse struct {
	ActorResponseMixIn
	Changed bool
}

type GetDeviceInfoRequest struct {
	DeviceRequestMixIn
}

type GetDeviceInfoResponse struct {
	ActorResponseMixIn
	Id       string        `json:"id"`
	Name     string        `json:"name"`
	Elements []ElementInfo `json:"elements"`
}

type ElementInfo struct {
	Name     string   `json:"name"`
	Unit     string   `json:"unit,omitempty"`
	Writable bool     `json:"writable"`
	Min      float64  `json:"min,omitempty"`
	Max      float64  `json:"max,omitempty"`
	Value    *float64 `json:"value"`
}

// ensure interface compliance
var (
	_ DeviceRequest = (*SetElementValueRequest)(nil)
	_ DeviceRequest = (*GetDeviceInfoRequest)(nil)
)
