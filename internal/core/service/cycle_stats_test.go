package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCycleStatsEmpty(t *testing.T) {

	assert := assert.New(t)

	stats := NewCycleStats()
	snapshot := stats.Snapshot()
	assert.Equal(int64(0), snapshot.CycleTime.Count)
	assert.Equal(time.Duration(0), snapshot.CycleTime.Max)
	assert.Equal(uint64(0), stats.Cycles())
}

func TestCycleStatsPercentiles(t *testing.T) {

	assert := assert.New(t)

	stats := NewCycleStats()
	for i := 1; i <= 100; i++ {
		stats.RecordCycle(time.Duration(i) * time.Millisecond)
	}
	stats.RecordTask(5 * time.Millisecond)

	snapshot := stats.Snapshot()
	assert.Equal(uint64(100), stats.Cycles())
	assert.Equal(int64(100), snapshot.CycleTime.Count)
	assert.Equal(time.Millisecond, snapshot.CycleTime.Min)
	assert.InDelta(float64(100*time.Millisecond), float64(snapshot.CycleTime.Max), float64(100*time.Microsecond))
	assert.InDelta(float64(50*time.Millisecond), float64(snapshot.CycleTime.P50), float64(100*time.Microsecond))
	assert.InDelta(float64(99*time.Millisecond), float64(snapshot.CycleTime.P99), float64(100*time.Microsecond))
	assert.InDelta(float64(50500*time.Microsecond), float64(snapshot.CycleTime.Avg), float64(100*time.Microsecond))

	assert.Equal(int64(1), snapshot.Execution.Count)

	stats.Reset()
	assert.Equal(int64(0), stats.Snapshot().Execution.Count)
}

func TestCycleStatsClampsOutOfRange(t *testing.T) {

	assert := assert.New(t)

	stats := NewCycleStats()
	stats.RecordTask(0)
	stats.RecordTask(2 * time.Hour)

	snapshot := stats.Snapshot()
	assert.Equal(int64(2), snapshot.Execution.Count)
	assert.Equal(time.Microsecond, snapshot.Execution.Min)
	assert.GreaterOrEqual(snapshot.Execution.Max, 59*time.Second)
}
