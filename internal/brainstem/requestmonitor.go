package brainstem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// RequestMonitorSummary is returned by Stop: min/max/avg for CPU/memory/
// GPU plus sample count, duration, and deduplicated violations.
type RequestMonitorSummary struct {
	TraceID          string    `json:"trace_id"`
	SamplesCollected int       `json:"samples_collected"`
	DurationSeconds  float64   `json:"duration_seconds"`
	CPUMin, CPUMax, CPUAvg float64 `json:"cpu_min,omitempty"`
	MemMin, MemMax, MemAvg float64 `json:"mem_min,omitempty"`
	GPUMin, GPUMax, GPUAvg float64 `json:"gpu_min,omitempty"`
	Violations       []string  `json:"violations"`
}

const (
	cpuAlertThreshold     = 85.0
	memAlertThreshold     = 90.0
	cpuCriticalThreshold  = 95.0
	memCriticalThreshold  = 95.0
)

// RequestMonitor is a per-request background sampler. start() launches a
// goroutine that snapshots sensors every interval and tags each snapshot
// with the trace id; stop() cancels the sampler and computes a summary.
//
// Double-start or stop-before-start fail loudly (panic), matching the
// "must fail loudly" requirement in spec §4.4 for a language without
// exceptions-as-control-flow.
type RequestMonitor struct {
	traceID    string
	interval   time.Duration
	includeGPU bool
	sensors    *SensorLayer
	eventLog   *EventLogger

	mu       sync.Mutex
	started  bool
	stopped  bool
	cancel   context.CancelFunc
	done     chan struct{}
	startAt  time.Time

	samplesMu  sync.Mutex
	cpuSamples []float64
	memSamples []float64
	gpuSamples []float64
	violations map[string]struct{}
}

// NewRequestMonitor constructs a monitor for traceID sampling every
// interval (default 30s matches roughly half the sensor TTL).
func NewRequestMonitor(traceID string, interval time.Duration, includeGPU bool, sensors *SensorLayer, eventLog *EventLogger) *RequestMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &RequestMonitor{
		traceID:    traceID,
		interval:   interval,
		includeGPU: includeGPU,
		sensors:    sensors,
		eventLog:   eventLog,
		violations: make(map[string]struct{}),
	}
}

// Start launches the background sampler. Calling Start twice panics.
func (m *RequestMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		panic("brainstem: RequestMonitor.Start called twice")
	}
	m.started = true
	m.startAt = time.Now()
	sampleCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.loop(sampleCtx)
}

func (m *RequestMonitor) loop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample(ctx)
		}
	}
}

func (m *RequestMonitor) sample(ctx context.Context) {
	if m.sensors == nil {
		return
	}
	snap := m.sensors.PollSystemMetrics(SensorCacheKeySnapshot)

	m.samplesMu.Lock()
	if cpu, ok := snap["perf_system_cpu_load"]; ok {
		m.cpuSamples = append(m.cpuSamples, cpu)
		m.checkThreshold("cpu", cpu)
	}
	if mem, ok := snap["perf_system_mem_used"]; ok {
		m.memSamples = append(m.memSamples, mem)
		m.checkThreshold("memory", mem)
	}
	if m.includeGPU {
		if gpu, ok := snap["perf_system_gpu_load"]; ok {
			m.gpuSamples = append(m.gpuSamples, gpu)
		}
	}
	m.samplesMu.Unlock()

	if m.eventLog != nil {
		m.eventLog.Log(ctx, Event{
			Level:     "info",
			EventName: "system_metrics_snapshot",
			TraceID:   m.traceID,
			Fields:    map[string]any{"snapshot": snap},
		})
	}
}

// checkThreshold must be called with samplesMu held. Uses strict
// comparisons per spec's resolved discrepancy (SPEC_FULL.md).
func (m *RequestMonitor) checkThreshold(metric string, value float64) {
	switch metric {
	case "cpu":
		if value > cpuCriticalThreshold {
			m.violations[fmt.Sprintf("critical: cpu usage %.1f%% exceeds %.0f%%", value, cpuCriticalThreshold)] = struct{}{}
		} else if value > cpuAlertThreshold {
			m.violations[fmt.Sprintf("alert: cpu usage %.1f%% exceeds %.0f%%", value, cpuAlertThreshold)] = struct{}{}
		}
	case "memory":
		if value > memCriticalThreshold {
			m.violations[fmt.Sprintf("critical: memory usage %.1f%% exceeds %.0f%%", value, memCriticalThreshold)] = struct{}{}
		} else if value > memAlertThreshold {
			m.violations[fmt.Sprintf("alert: memory usage %.1f%% exceeds %.0f%%", value, memAlertThreshold)] = struct{}{}
		}
	}
}

// Stop cancels the sampler and returns a summary. Calling Stop before
// Start panics. Stop awaits at most one more iteration of the sampler
// loop, per the cooperative-cancellation design note.
func (m *RequestMonitor) Stop() RequestMonitorSummary {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		panic("brainstem: RequestMonitor.Stop called before Start")
	}
	if m.stopped {
		m.mu.Unlock()
		panic("brainstem: RequestMonitor.Stop called twice")
	}
	m.stopped = true
	cancel := m.cancel
	done := m.done
	startAt := m.startAt
	m.mu.Unlock()

	cancel()
	<-done

	return m.summarize(startAt)
}

func (m *RequestMonitor) summarize(startAt time.Time) RequestMonitorSummary {
	m.samplesMu.Lock()
	defer m.samplesMu.Unlock()

	summary := RequestMonitorSummary{
		TraceID:          m.traceID,
		SamplesCollected: len(m.cpuSamples),
		DurationSeconds:  time.Since(startAt).Seconds(),
	}
	summary.CPUMin, summary.CPUMax, summary.CPUAvg = minMaxAvg(m.cpuSamples)
	summary.MemMin, summary.MemMax, summary.MemAvg = minMaxAvg(m.memSamples)
	summary.GPUMin, summary.GPUMax, summary.GPUAvg = minMaxAvg(m.gpuSamples)

	violations := make([]string, 0, len(m.violations))
	for v := range m.violations {
		violations = append(violations, v)
	}
	sort.Strings(violations)
	summary.Violations = violations

	return summary
}

func minMaxAvg(samples []float64) (min, max, avg float64) {
	if len(samples) == 0 {
		return 0, 0, 0
	}
	min, max = samples[0], samples[0]
	var sum float64
	for _, s := range samples {
		if s < min {
			min = s
		}
		if s > max {
			max = s
		}
		sum += s
	}
	return min, max, sum / float64(len(samples))
}
