package metrics

import (
	"time"

	"github.com/berfenger/fieldbridge/pkg/fieldbus"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "fieldbridge"

// BridgeMetrics exposes the scheduler outputs as Prometheus collectors.
type BridgeMetrics struct {
	registry *prometheus.Registry

	estimatedDuration prometheus.Gauge
	cycleTimeTooShort prometheus.Gauge
	requiredCycles    prometheus.Gauge
	failedDevices     prometheus.Gauge
	cycleTime         prometheus.Histogram
	taskDuration      *prometheus.HistogramVec
	taskResults       *prometheus.CounterVec
	modbusCalls       *prometheus.HistogramVec
}

func NewBridgeMetrics() *BridgeMetrics {
	m := &BridgeMetrics{
		registry: prometheus.NewRegistry(),
		estimatedDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "plan_estimated_duration_seconds",
			Help:      "Estimated duration of the tasks selected by the last planning pass.",
		}),
		cycleTimeTooShort: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "plan_cycle_time_too_short",
			Help:      "1 when the selected tasks do not fit in one cycle.",
		}),
		requiredCycles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "plan_required_cycles",
			Help:      "Cycles spanned by the last execution window.",
		}),
		failedDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "failed_devices",
			Help:      "Devices flagged as communication failed.",
		}),
		cycleTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_time_seconds",
			Help:      "Measured time between two cycle starts.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Execution time of field-bus tasks.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"owner", "kind"}),
		taskResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Executed field-bus tasks by result.",
		}, []string{"owner", "kind", "result"}),
		modbusCalls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "modbus_call_duration_seconds",
			Help:      "Duration of Modbus requests on the shared link.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"fn", "result"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.estimatedDuration,
		m.cycleTimeTooShort,
		m.requiredCycles,
		m.failedDevices,
		m.cycleTime,
		m.taskDuration,
		m.taskResults,
		m.modbusCalls,
	)
	return m
}

func (m *BridgeMetrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *BridgeMetrics) ObservePlan(plan *fieldbus.Plan) {
	m.estimatedDuration.Set(plan.EstimatedDuration.Seconds())
	m.requiredCycles.Set(float64(plan.RequiredCycles))
	if plan.CycleTimeTooShort {
		m.cycleTimeTooShort.Set(1)
	} else {
		m.cycleTimeTooShort.Set(0)
	}
}

func (m *BridgeMetrics) ObserveTask(task fieldbus.Task, duration time.Duration, err error) {
	kind := task.Kind().String()
	m.taskDuration.WithLabelValues(task.Owner(), kind).Observe(duration.Seconds())
	m.taskResults.WithLabelValues(task.Owner(), kind, result(err)).Inc()
}

func (m *BridgeMetrics) RecordCycle(cycleTime time.Duration) {
	m.cycleTime.Observe(cycleTime.Seconds())
}

func (m *BridgeMetrics) SetFailedDevices(failed int) {
	m.failedDevices.Set(float64(failed))
}

// ModbusInstrument records every request of the Modbus transport.
func (m *BridgeMetrics) ModbusInstrument() *fieldbus.ModbusInstrument {
	return &fieldbus.ModbusInstrument{
		RecordTime: func(fnName string, _ uint8, duration time.Duration, err error) {
			m.modbusCalls.WithLabelValues(fnName, result(err)).Observe(duration.Seconds())
		},
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
