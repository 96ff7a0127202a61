package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, mf := range families {
		byName[mf.GetName()] = mf
	}
	return byName
}

func TestBillingMetricsRecordsSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newBillingMetrics(reg, Config{ServiceName: "carebilling", Environment: "test"})

	m.IncTriggerRun(TriggerBookingCreated)
	m.IncTriggerRun(TriggerBookingCreated)
	m.IncTriggerError(TriggerPaymentRecorded)
	m.ObserveTriggerDuration(TriggerBookingCreated, 25*time.Millisecond)
	m.ObserveLockWait(LockClassInvoiceCreate, 2*time.Millisecond)
	m.IncLockConflict(LockClassTokenQueue)
	m.IncInvoiceIssued()
	m.IncInvoiceBalanced()
	m.IncTokenAssigned()
	m.IncRebalanceRun()

	families := gather(t, reg)

	runs, ok := families["carebilling_trigger_runs_total"]
	require.True(t, ok)
	require.Len(t, runs.GetMetric(), 1)
	assert.Equal(t, float64(2), runs.GetMetric()[0].GetCounter().GetValue())

	var trigger, service string
	for _, label := range runs.GetMetric()[0].GetLabel() {
		switch label.GetName() {
		case "trigger":
			trigger = label.GetValue()
		case "service":
			service = label.GetValue()
		}
	}
	assert.Equal(t, TriggerBookingCreated, trigger)
	assert.Equal(t, "carebilling", service)

	duration, ok := families["carebilling_trigger_duration_seconds"]
	require.True(t, ok)
	assert.Equal(t, uint64(1), duration.GetMetric()[0].GetHistogram().GetSampleCount())

	issued, ok := families["carebilling_invoices_issued_total"]
	require.True(t, ok)
	assert.Equal(t, float64(1), issued.GetMetric()[0].GetCounter().GetValue())

	conflicts, ok := families["carebilling_lock_conflicts_total"]
	require.True(t, ok)
	assert.Equal(t, float64(1), conflicts.GetMetric()[0].GetCounter().GetValue())
}

func TestBillingMetricsNilReceiverIsSafe(t *testing.T) {
	var m *BillingMetrics
	m.IncTriggerRun(TriggerBookingUpdated)
	m.IncInvoiceIssued()
	m.ObserveLockWait(LockClassInvoice, time.Millisecond)
	m.IncRebalanceError()
}

func TestBillingMetricsDefaultsLabels(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newBillingMetrics(reg, Config{})
	m.IncTokenAssigned()

	families := gather(t, reg)
	tokens, ok := families["carebilling_tokens_assigned_total"]
	require.True(t, ok)

	labels := map[string]string{}
	for _, label := range tokens.GetMetric()[0].GetLabel() {
		labels[label.GetName()] = label.GetValue()
	}
	assert.Equal(t, "carebilling", labels["service"])
	assert.Equal(t, "unknown", labels["env"])
}
