package fieldbus

import (
	"slices"
	"sync"
	"time"

	"github.com/duke-git/lancet/v2/slice"
)

// Registry indexes the tasks of one kind by owner.
//
// ONCE tasks are handed out at most once per registration. Every other
// priority is served from a rotation queue that is refilled, interleaving
// owners, whenever it runs dry.
type Registry struct {
	mu       sync.Mutex
	owners   []string
	tasks    map[string][]Task
	once     []Task
	rotation map[Priority][]Task
}

func NewRegistry() *Registry {
	return &Registry{
		tasks:    make(map[string][]Task),
		rotation: make(map[Priority][]Task),
	}
}

// Add registers the tasks of owner, replacing any previous registration.
func (r *Registry) Add(owner string, tasks []Task) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[owner]; ok {
		r.removeLocked(owner)
	}
	r.owners = append(r.owners, owner)
	r.tasks[owner] = append([]Task(nil), tasks...)
	r.once = append(r.once, slice.Filter(tasks, func(_ int, t Task) bool {
		return t.Priority() == PriorityOnce
	})...)
}

func (r *Registry) Remove(owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(owner)
}

func (r *Registry) removeLocked(owner string) {
	if _, ok := r.tasks[owner]; !ok {
		return
	}
	delete(r.tasks, owner)
	r.owners = slice.Filter(r.owners, func(_ int, o string) bool { return o != owner })
	notOwned := func(_ int, t Task) bool { return t.Owner() != owner }
	r.once = slice.Filter(r.once, notOwned)
	for p, queue := range r.rotation {
		r.rotation[p] = slice.Filter(queue, notOwned)
	}
}

func (r *Registry) AllTasksOf(owner string) []Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Task(nil), r.tasks[owner]...)
}

// AllTasksByOwner returns every task of the given priority grouped by owner.
// Owners without such tasks are omitted.
func (r *Registry) AllTasksByOwner(priority Priority) map[string][]Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make(map[string][]Task)
	for _, owner := range r.owners {
		tasks := slice.Filter(r.tasks[owner], func(_ int, t Task) bool {
			return t.Priority() == priority
		})
		if len(tasks) > 0 {
			result[owner] = tasks
		}
	}
	return result
}

// OneTask returns a single task of the given priority, or false if there is none.
func (r *Registry) OneTask(priority Priority) (Task, bool) {
	return r.OneTaskWhere(priority, nil)
}

// OneTaskWhere is OneTask restricted to tasks accepted by eligible. Tasks that
// are passed over keep their place in the queue.
func (r *Registry) OneTaskWhere(priority Priority, eligible func(Task) bool) (Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if priority == PriorityOnce {
		t, rest, ok := pick(r.once, eligible)
		if ok {
			r.once = rest
		}
		return t, ok
	}

	if t, rest, ok := pick(r.rotation[priority], eligible); ok {
		r.rotation[priority] = rest
		return t, true
	}
	// current round exhausted for this filter, start a new one
	t, rest, ok := pick(r.interleaved(priority), eligible)
	if ok {
		r.rotation[priority] = rest
	}
	return t, ok
}

// requeueOnce puts a ONCE task back at the end of the queue if its owner is
// still registered and a re-registration has not queued it already.
func (r *Registry) requeueOnce(t Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[t.Owner()]; ok && !slices.Contains(r.once, t) {
		r.once = append(r.once, t)
	}
}

func pick(queue []Task, eligible func(Task) bool) (Task, []Task, bool) {
	for i, t := range queue {
		if eligible == nil || eligible(t) {
			rest := append(append([]Task(nil), queue[:i]...), queue[i+1:]...)
			return t, rest, true
		}
	}
	return nil, queue, false
}

// interleaved takes the first task of every owner, then the second, and so on.
func (r *Registry) interleaved(priority Priority) []Task {
	perOwner := make([][]Task, 0, len(r.owners))
	longest := 0
	for _, owner := range r.owners {
		tasks := slice.Filter(r.tasks[owner], func(_ int, t Task) bool {
			return t.Priority() == priority
		})
		perOwner = append(perOwner, tasks)
		longest = max(longest, len(tasks))
	}
	var result []Task
	for i := 0; i < longest; i++ {
		for _, tasks := range perOwner {
			if i < len(tasks) {
				result = append(result, tasks[i])
			}
		}
	}
	return result
}

func (r *Registry) HasTasks() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tasks := range r.tasks {
		if len(tasks) > 0 {
			return true
		}
	}
	return false
}

func (r *Registry) HasOwner(owner string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tasks[owner]
	return ok
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slice.ReduceBy(r.owners, 0, func(_ int, owner string, agg int) int {
		return agg + len(r.tasks[owner])
	})
}

func (r *Registry) Owners() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.owners...)
}

// PendingOnce is the number of ONCE tasks not yet handed out.
func (r *Registry) PendingOnce() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.once)
}

func sumDurations(tasks []Task) time.Duration {
	return slice.ReduceBy(tasks, time.Duration(0), func(_ int, t Task, agg time.Duration) time.Duration {
		return agg + t.EstimatedDuration()
	})
}
