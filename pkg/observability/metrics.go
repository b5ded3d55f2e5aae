package observability

import (
	"sync"
	"time"
)

// metricsClient is the default in-memory metrics implementation. It keeps
// last-written values so operators and tests can inspect them; a push-based
// backend can replace it behind the same interface.
type metricsClient struct {
	mu        sync.Mutex
	enabled   bool
	counters  map[string]float64
	gauges    map[string]float64
	latencies map[string]time.Duration
}

// MetricsOptions contains configuration options for creating a metrics client
type MetricsOptions struct {
	Enabled bool
}

// NewMetricsClient creates a new metrics client with default options
func NewMetricsClient() MetricsClient {
	return NewMetricsClientWithOptions(MetricsOptions{Enabled: true})
}

// NewMetricsClientWithOptions creates a new metrics client with specific options
func NewMetricsClientWithOptions(options MetricsOptions) MetricsClient {
	return &metricsClient{
		enabled:   options.Enabled,
		counters:  make(map[string]float64),
		gauges:    make(map[string]float64),
		latencies: make(map[string]time.Duration),
	}
}

// RecordCounter adds value to the named counter
func (m *metricsClient) RecordCounter(name string, value float64, labels map[string]string) {
	if !m.enabled {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name] += value
}

// RecordGauge sets the named gauge
func (m *metricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	if !m.enabled {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[name] = value
}

// RecordLatency records the most recent latency for an operation
func (m *metricsClient) RecordLatency(operation string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies[operation] = duration
}

// RecordOperation records a component operation with its outcome
func (m *metricsClient) RecordOperation(component string, operation string, success bool, durationSeconds float64, labels map[string]string) {
	if !m.enabled {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.RecordCounter(component+"."+operation+"."+outcome, 1, labels)
	m.RecordLatency(component+"."+operation, time.Duration(durationSeconds*float64(time.Second)))
}

// Close releases metrics resources
func (m *metricsClient) Close() error {
	return nil
}

// CounterValue returns the current value of a counter. Intended for tests
// and the in-process stats surface.
func (m *metricsClient) CounterValue(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

// noopMetricsClient discards all metrics
type noopMetricsClient struct{}

// NewNoopMetricsClient creates a metrics client that discards everything
func NewNoopMetricsClient() MetricsClient {
	return &noopMetricsClient{}
}

func (n *noopMetricsClient) RecordCounter(name string, value float64, labels map[string]string) {}
func (n *noopMetricsClient) RecordGauge(name string, value float64, labels map[string]string)   {}
func (n *noopMetricsClient) RecordLatency(operation string, duration time.Duration)             {}
func (n *noopMetricsClient) RecordOperation(component string, operation string, success bool, durationSeconds float64, labels map[string]string) {
}
func (n *noopMetricsClient) Close() error { return nil }
