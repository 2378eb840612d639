package fieldbus

import (
	"slices"

	"github.com/duke-git/lancet/v2/maputil"
	cmap "github.com/orcaman/concurrent-map"
)

// DeviceHealth holds the "communication failed" flag of every owner.
// It is shared between the planner and the drain loop.
type DeviceHealth struct {
	failed   cmap.ConcurrentMap
	onChange func(owner string, failed bool)
}

func NewDeviceHealth() *DeviceHealth {
	return &DeviceHealth{failed: cmap.New()}
}

// OnChange registers a callback that fires whenever an owner's flag flips.
// It must be set before the health is shared.
func (h *DeviceHealth) OnChange(fn func(owner string, failed bool)) {
	h.onChange = fn
}

func (h *DeviceHealth) MarkFailed(owner string) {
	h.set(owner, true)
}

func (h *DeviceHealth) MarkHealthy(owner string) {
	h.set(owner, false)
}

func (h *DeviceHealth) set(owner string, failed bool) {
	previous := false
	h.failed.Upsert(owner, failed, func(exist bool, valueInMap interface{}, newValue interface{}) interface{} {
		if exist {
			previous = valueInMap.(bool)
		}
		return newValue
	})
	if previous != failed && h.onChange != nil {
		h.onChange(owner, failed)
	}
}

func (h *DeviceHealth) CommunicationFailed(owner string) bool {
	v, ok := h.failed.Get(owner)
	return ok && v.(bool)
}

// Forget drops the state of an owner that is no longer registered.
func (h *DeviceHealth) Forget(owner string) {
	h.failed.Remove(owner)
}

// Filter keeps only the first task of every failed owner. Tasks of healthy
// owners are passed through unchanged.
func (h *DeviceHealth) Filter(tasksByOwner map[string][]Task) map[string][]Task {
	return throttle(tasksByOwner, h.Snapshot())
}

func throttle(tasksByOwner map[string][]Task, failed map[string]bool) map[string][]Task {
	result := make(map[string][]Task, len(tasksByOwner))
	for owner, tasks := range tasksByOwner {
		if len(tasks) == 0 {
			continue
		}
		if failed[owner] {
			result[owner] = tasks[:1]
		} else {
			result[owner] = tasks
		}
	}
	return result
}

func (h *DeviceHealth) Snapshot() map[string]bool {
	result := make(map[string]bool)
	for owner, v := range h.failed.Items() {
		result[owner] = v.(bool)
	}
	return result
}

// FailedOwners lists the owners currently flagged, sorted.
func (h *DeviceHealth) FailedOwners() []string {
	failed := maputil.Filter(h.Snapshot(), func(_ string, failed bool) bool { return failed })
	owners := maputil.Keys(failed)
	slices.Sort(owners)
	return owners
}

// flatten returns the tasks of every owner in owner name order.
func flatten(tasksByOwner map[string][]Task) []Task {
	owners := maputil.Keys(tasksByOwner)
	slices.Sort(owners)
	var result []Task
	for _, owner := range owners {
		result = append(result, tasksByOwner[owner]...)
	}
	return result
}
