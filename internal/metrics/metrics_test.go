package metrics

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegistersPipelineComponents(t *testing.T) {
	m := NewMetrics()

	health := m.GetHealthChecks()
	require.Len(t, health, 2)
	require.True(t, health[ComponentDatabase])
	require.True(t, health[ComponentMailbox])
}

func TestSetHealthFlipsComponent(t *testing.T) {
	m := NewMetrics()

	m.SetHealth(ComponentMailbox, false)

	health := m.GetHealthChecks()
	require.False(t, health[ComponentMailbox])
	require.True(t, health[ComponentDatabase])

	m.SetHealth(ComponentMailbox, true)
	require.True(t, m.GetHealthChecks()[ComponentMailbox])
}

func TestCounters(t *testing.T) {
	m := NewMetrics()

	m.IncrementCounter("invoices_validated")
	m.IncrementCounter("invoices_validated")
	m.IncrementCounterBy("ingestion_failures", 3)

	counters := m.GetCounters()
	require.EqualValues(t, 2, counters["invoices_validated"])
	require.EqualValues(t, 3, counters["ingestion_failures"])
}

func TestErrorRates(t *testing.T) {
	m := NewMetrics()

	m.RecordSuccess("validation")
	m.RecordSuccess("validation")
	m.RecordError("validation")
	m.RecordError("validation")

	rate := m.GetErrorRates()["validation"]
	require.EqualValues(t, 4, rate.Total)
	require.EqualValues(t, 2, rate.Errors)
	require.InDelta(t, 0.5, rate.ErrorRate, 0.001)
}

func TestGetAllMetrics(t *testing.T) {
	m := NewMetrics()
	m.SetGauge("goroutines", 12)

	all := m.GetAllMetrics()
	require.Contains(t, all, "counters")
	require.Contains(t, all, "gauges")
	require.Contains(t, all, "error_rates")
	require.Contains(t, all, "health_checks")
	require.Contains(t, all, "uptime_seconds")
	require.EqualValues(t, 12, all["gauges"].(map[string]int64)["goroutines"])
}
