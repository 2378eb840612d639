package fieldbus

import (
	"fmt"
	"testing"
	"time"

	"pgregory.net/rapid"
)

type fleet struct {
	scheduler *Scheduler
	writes    map[string][]Task
	highs     map[string][]Task
	failed    map[string]bool
}

func drawFleet(t *rapid.T) fleet {
	f := fleet{
		scheduler: NewScheduler(NewTestTransport(), nil, Options{
			TaskDurationBuffer: time.Duration(rapid.IntRange(1, 200).Draw(t, "buffer")) * time.Millisecond,
		}),
		writes: map[string][]Task{},
		highs:  map[string][]Task{},
		failed: map[string]bool{},
	}
	duration := rapid.IntRange(0, 300)

	devices := rapid.IntRange(0, 6).Draw(t, "devices")
	for d := 0; d < devices; d++ {
		owner := fmt.Sprintf("dev%d", d)
		var tasks []Task
		for i := rapid.IntRange(0, 4).Draw(t, owner+"/writes"); i > 0; i-- {
			task := writeTask(owner, i, time.Duration(duration.Draw(t, "w"))*time.Millisecond)
			tasks = append(tasks, task)
			f.writes[owner] = append(f.writes[owner], task)
		}
		for i := rapid.IntRange(0, 5).Draw(t, owner+"/reads"); i > 0; i-- {
			p := rapid.SampledFrom([]Priority{PriorityOnce, PriorityLow, PriorityHigh}).Draw(t, "priority")
			task := readTask(owner, i, p, time.Duration(duration.Draw(t, "r"))*time.Millisecond)
			tasks = append(tasks, task)
			if p == PriorityHigh {
				f.highs[owner] = append(f.highs[owner], task)
			}
		}
		if err := f.scheduler.AddProtocol(owner, mustProtocolRapid(t, owner, tasks...)); err != nil {
			t.Fatal(err)
		}
		if rapid.Bool().Draw(t, owner+"/failed") {
			f.scheduler.Health().MarkFailed(owner)
			f.failed[owner] = true
		}
	}
	return f
}

func mustProtocolRapid(t *rapid.T, owner string, tasks ...Task) *Protocol {
	p, err := NewProtocol(owner, tasks...)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func countByTask(plan *Plan) map[Task]int {
	counts := map[Task]int{}
	for _, e := range plan.entries {
		if e.task != nil {
			counts[e.task]++
		}
	}
	return counts
}

func TestBudgetInvariant(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		f := drawFleet(t)
		cycle := time.Duration(rapid.IntRange(1, 2000).Draw(t, "cycle")) * time.Millisecond

		plan := f.scheduler.Prepare(cycle)
		if plan == nil {
			t.Fatal("empty queue must be planned")
		}

		budget := plan.EstimatedDuration + f.scheduler.opts.TaskDurationBuffer
		want := (budget + cycle - 1) / cycle
		if plan.BudgetedDuration != budget || plan.RequiredCycles != int(want) {
			t.Fatalf("budget %v cycles %d, want %v and %d", plan.BudgetedDuration, plan.RequiredCycles, budget, want)
		}
		if plan.Wait != time.Duration(plan.RequiredCycles)*cycle-budget || plan.Wait < 0 {
			t.Fatalf("wait %v for %d cycles of %v and budget %v", plan.Wait, plan.RequiredCycles, cycle, budget)
		}
		if plan.Wait >= cycle {
			t.Fatalf("wait %v covers a whole cycle of %v", plan.Wait, cycle)
		}
		if plan.CycleTimeTooShort != (plan.RequiredCycles > 1) {
			t.Fatalf("too short flag %v for %d cycles", plan.CycleTimeTooShort, plan.RequiredCycles)
		}
		if sumDurations(plan.ReadTasks)+sumDurations(plan.WriteTasks) != plan.EstimatedDuration {
			t.Fatalf("estimated duration %v does not match selected tasks", plan.EstimatedDuration)
		}
	})
}

func TestWritesAndHighReadsAreComplete(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		f := drawFleet(t)
		plan := f.scheduler.Prepare(time.Second)
		counts := countByTask(plan)

		for owner, tasks := range f.writes {
			for i, task := range tasks {
				want := 1
				if f.failed[owner] && i > 0 {
					want = 0
				}
				if counts[task] != want {
					t.Fatalf("%s queued %d times, want %d", task, counts[task], want)
				}
			}
		}
		for owner, tasks := range f.highs {
			if f.failed[owner] {
				continue
			}
			for _, task := range tasks {
				if counts[task] != 1 {
					t.Fatalf("%s queued %d times", task, counts[task])
				}
			}
		}
	})
}

func TestFailedOwnerContributesAtMostOneTask(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		f := drawFleet(t)
		plan := f.scheduler.Prepare(time.Second)

		perOwner := map[string]int{}
		for task := range countByTask(plan) {
			perOwner[task.Owner()]++
		}
		for owner := range f.failed {
			if perOwner[owner] > 1 {
				t.Fatalf("failed owner %s contributes %d tasks", owner, perOwner[owner])
			}
		}
	})
}

func TestQueueOrderWritesFirst(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		f := drawFleet(t)
		plan := f.scheduler.Prepare(time.Second)

		waits := 0
		seenRead := false
		for _, e := range plan.entries {
			switch {
			case e.wait != nil:
				waits++
			case e.task.Kind() == KindWrite && (seenRead || waits > 0):
				t.Fatalf("write %s queued after reads or wait: %v", e.task, plan.Sequence)
			case e.task.Kind() == KindRead:
				seenRead = true
			}
		}
		if waits != 1 {
			t.Fatalf("%d wait entries in %v", waits, plan.Sequence)
		}
	})
}
