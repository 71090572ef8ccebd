// Package metrics collects in-process counters, gauges, error rates and
// component health for the invoice pipeline. The API server exposes the
// collected values as JSON on /metrics and /health.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Components whose health is tracked. They are registered at construction
// so /health reports them before the first cycle or query runs.
const (
	ComponentDatabase = "database"
	ComponentMailbox  = "mailbox"
)

// ErrorRateMetric captures the error rate of one operation
type ErrorRateMetric struct {
	Total     int64   `json:"total"`
	Errors    int64   `json:"errors"`
	ErrorRate float64 `json:"error_rate"`
}

// Metrics is the main metrics collector
type Metrics struct {
	mu         sync.RWMutex
	counters   map[string]*int64
	gauges     map[string]*int64
	errorRates map[string]*struct {
		total  int64
		errors int64
	}
	healthChecks map[string]*int64
	startTime    time.Time
}

// NewMetrics creates a collector with the pipeline's health components
// registered as healthy. A component stays healthy until a check fails.
func NewMetrics() *Metrics {
	m := &Metrics{
		counters: make(map[string]*int64),
		gauges:   make(map[string]*int64),
		errorRates: make(map[string]*struct {
			total  int64
			errors int64
		}),
		healthChecks: make(map[string]*int64),
		startTime:    time.Now(),
	}
	for _, component := range []string{ComponentDatabase, ComponentMailbox} {
		healthy := int64(1)
		m.healthChecks[component] = &healthy
	}
	return m
}

// IncrementCounter increments a counter by 1
func (m *Metrics) IncrementCounter(name string) {
	m.IncrementCounterBy(name, 1)
}

// IncrementCounterBy increments a counter by the specified value
func (m *Metrics) IncrementCounterBy(name string, value int64) {
	m.mu.RLock()
	counter, exists := m.counters[name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		// Check again to avoid race conditions
		if counter, exists = m.counters[name]; !exists {
			var c int64
			counter = &c
			m.counters[name] = counter
		}
		m.mu.Unlock()
	}

	atomic.AddInt64(counter, value)
}

// SetGauge sets a gauge to a specific value
func (m *Metrics) SetGauge(name string, value int64) {
	m.mu.RLock()
	gauge, exists := m.gauges[name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		if gauge, exists = m.gauges[name]; !exists {
			var g int64
			gauge = &g
			m.gauges[name] = gauge
		}
		m.mu.Unlock()
	}

	atomic.StoreInt64(gauge, value)
}

// RecordSuccess records a successful operation for error rate tracking
func (m *Metrics) RecordSuccess(operation string) {
	m.recordErrorRate(operation, false)
}

// RecordError records a failed operation for error rate tracking
func (m *Metrics) RecordError(operation string) {
	m.recordErrorRate(operation, true)
}

func (m *Metrics) recordErrorRate(operation string, isError bool) {
	m.mu.RLock()
	rate, exists := m.errorRates[operation]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		if rate, exists = m.errorRates[operation]; !exists {
			rate = &struct {
				total  int64
				errors int64
			}{}
			m.errorRates[operation] = rate
		}
		m.mu.Unlock()
	}

	atomic.AddInt64(&rate.total, 1)
	if isError {
		atomic.AddInt64(&rate.errors, 1)
	}
}

// SetHealth marks a component healthy or unhealthy
func (m *Metrics) SetHealth(component string, healthy bool) {
	m.mu.RLock()
	health, exists := m.healthChecks[component]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		if health, exists = m.healthChecks[component]; !exists {
			var h int64
			health = &h
			m.healthChecks[component] = health
		}
		m.mu.Unlock()
	}

	value := int64(0)
	if healthy {
		value = 1
	}
	atomic.StoreInt64(health, value)
}

// GetCounters returns a snapshot of all counters
func (m *Metrics) GetCounters() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]int64, len(m.counters))
	for name, counter := range m.counters {
		result[name] = atomic.LoadInt64(counter)
	}
	return result
}

// GetGauges returns a snapshot of all gauges
func (m *Metrics) GetGauges() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]int64, len(m.gauges))
	for name, gauge := range m.gauges {
		result[name] = atomic.LoadInt64(gauge)
	}
	return result
}

// GetErrorRates returns a snapshot of all error rates
func (m *Metrics) GetErrorRates() map[string]ErrorRateMetric {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]ErrorRateMetric, len(m.errorRates))
	for operation, rate := range m.errorRates {
		total := atomic.LoadInt64(&rate.total)
		errs := atomic.LoadInt64(&rate.errors)

		var errorRate float64
		if total > 0 {
			errorRate = float64(errs) / float64(total)
		}

		result[operation] = ErrorRateMetric{
			Total:     total,
			Errors:    errs,
			ErrorRate: errorRate,
		}
	}
	return result
}

// GetHealthChecks returns the health status of all components
func (m *Metrics) GetHealthChecks() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]bool, len(m.healthChecks))
	for component, health := range m.healthChecks {
		result[component] = atomic.LoadInt64(health) == 1
	}
	return result
}

// GetUptimeSeconds returns how long the collector has been running
func (m *Metrics) GetUptimeSeconds() int64 {
	return int64(time.Since(m.startTime).Seconds())
}

// GetAllMetrics returns everything the collector tracks
func (m *Metrics) GetAllMetrics() map[string]interface{} {
	return map[string]interface{}{
		"counters":       m.GetCounters(),
		"gauges":         m.GetGauges(),
		"error_rates":    m.GetErrorRates(),
		"health_checks":  m.GetHealthChecks(),
		"uptime_seconds": m.GetUptimeSeconds(),
	}
}
