package port

import (
	"context"
	"time"

	"github.com/berfenger/fieldbridge/pkg/fieldbus"
)

// FieldBus is the shared-transport scheduler the bridge actor drives.
type FieldBus interface {
	AddProtocol(owner string, protocol *fieldbus.Protocol) error
	RemoveProtocol(owner string) error
	Prepare(cycleTime time.Duration) *fieldbus.Plan
	OnWriteBarrier()
	MeasuredGap() time.Duration
	Run(ctx context.Context) error
	Status() fieldbus.Status
	Health() *fieldbus.DeviceHealth
}

var _ FieldBus = (*fieldbus.Scheduler)(nil)

// ExecutionRecorder collects the duration of every executed task.
type ExecutionRecorder interface {
	RecordTask(duration time.Duration)
}

// CycleRecorder collects the measured time between two cycle starts.
type CycleRecorder interface {
	RecordCycle(cycleTime time.Duration)
}
