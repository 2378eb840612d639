package service

import (
	"sync"
	"time"

	"github.com/berfenger/fieldbridge/internal/core/domain"

	"github.com/HdrHistogram/hdrhistogram-go"
)

const (
	// histograms store microseconds up to one minute
	statsMinValue    = 1
	statsMaxValue    = int64(time.Minute / time.Microsecond)
	statsSigFigures  = 3
	statsMicrosecond = int64(time.Microsecond)
)

// CycleStats keeps the latency distribution of bridge cycles and task executions.
type CycleStats struct {
	mu        sync.Mutex
	cycles    uint64
	cycleTime *hdrhistogram.Histogram
	execution *hdrhistogram.Histogram
}

func NewCycleStats() *CycleStats {
	return &CycleStats{
		cycleTime: hdrhistogram.New(statsMinValue, statsMaxValue, statsSigFigures),
		execution: hdrhistogram.New(statsMinValue, statsMaxValue, statsSigFigures),
	}
}

// RecordCycle stores the measured time between two cycle starts.
func (s *CycleStats) RecordCycle(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycles++
	record(s.cycleTime, d)
}

func (s *CycleStats) RecordTask(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record(s.execution, d)
}

func (s *CycleStats) Cycles() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cycles
}

func (s *CycleStats) Snapshot() domain.CycleStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.CycleStats{
		CycleTime: durationStats(s.cycleTime),
		Execution: durationStats(s.execution),
	}
}

func (s *CycleStats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycles = 0
	s.cycleTime.Reset()
	s.execution.Reset()
}

func record(h *hdrhistogram.Histogram, d time.Duration) {
	v := int64(d) / statsMicrosecond
	if v < statsMinValue {
		v = statsMinValue
	} else if v > statsMaxValue {
		v = statsMaxValue
	}
	// values are clamped to the trackable range
	_ = h.RecordValue(v)
}

func durationStats(h *hdrhistogram.Histogram) domain.DurationStats {
	if h.TotalCount() == 0 {
		return domain.DurationStats{}
	}
	return domain.DurationStats{
		Count: h.TotalCount(),
		Min:   micros(h.Min()),
		Max:   micros(h.Max()),
		Avg:   time.Duration(h.Mean() * float64(time.Microsecond)),
		P50:   micros(h.ValueAtQuantile(50)),
		P90:   micros(h.ValueAtQuantile(90)),
		P99:   micros(h.ValueAtQuantile(99)),
	}
}

func micros(v int64) time.Duration {
	return time.Duration(v) * time.Microsecond
}
