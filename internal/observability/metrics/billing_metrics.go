package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	LockClassInvoiceCreate = "invoice_create"
	LockClassInvoice       = "invoice"
	LockClassTokenQueue    = "token_queue"
)

const (
	TriggerBookingCreated  = "booking_created"
	TriggerBookingUpdated  = "booking_updated"
	TriggerPaymentRecorded = "payment_recorded"
)

// BillingMetrics captures reconciliation engine health signals.
type BillingMetrics struct {
	triggerRuns      *prometheus.CounterVec
	triggerErrors    *prometheus.CounterVec
	triggerDuration  *prometheus.HistogramVec
	lockWait         *prometheus.HistogramVec
	lockConflicts    *prometheus.CounterVec
	invoicesIssued   prometheus.Counter
	invoicesBalanced prometheus.Counter
	tokensAssigned   prometheus.Counter
	rebalanceRuns    prometheus.Counter
	rebalanceErrors  prometheus.Counter
}

// Config carries the constant labels stamped on every series.
type Config struct {
	ServiceName string
	Environment string
}

var (
	billingMetricsOnce sync.Once
	billingMetrics     *BillingMetrics
)

// Billing returns the singleton billing metrics registry.
func Billing() *BillingMetrics {
	return BillingWithConfig(Config{})
}

// BillingWithConfig returns the singleton billing metrics registry using config labels.
func BillingWithConfig(cfg Config) *BillingMetrics {
	billingMetricsOnce.Do(func() {
		billingMetrics = newBillingMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return billingMetrics
}

// ResetBillingMetricsForTest clears the singleton so tests can swap registries.
func ResetBillingMetricsForTest() {
	billingMetricsOnce = sync.Once{}
	billingMetrics = nil
}

func newBillingMetrics(reg prometheus.Registerer, cfg Config) *BillingMetrics {
	service := strings.TrimSpace(cfg.ServiceName)
	if service == "" {
		service = "carebilling"
	}
	env := strings.TrimSpace(cfg.Environment)
	if env == "" {
		env = "unknown"
	}
	constLabels := prometheus.Labels{"service": service, "env": env}

	m := &BillingMetrics{
		triggerRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "carebilling_trigger_runs_total",
			Help:        "Billing trigger handler invocations.",
			ConstLabels: constLabels,
		}, []string{"trigger"}),
		triggerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "carebilling_trigger_errors_total",
			Help:        "Billing trigger handler failures.",
			ConstLabels: constLabels,
		}, []string{"trigger"}),
		triggerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "carebilling_trigger_duration_seconds",
			Help:        "Billing trigger handler duration.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		}, []string{"trigger"}),
		lockWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "carebilling_lock_wait_seconds",
			Help:        "Time spent waiting on named locks.",
			Buckets:     []float64{.001, .005, .01, .05, .1, .5, 1, 3, 5},
			ConstLabels: constLabels,
		}, []string{"class"}),
		lockConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "carebilling_lock_conflicts_total",
			Help:        "Named lock acquisitions that timed out.",
			ConstLabels: constLabels,
		}, []string{"class"}),
		invoicesIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "carebilling_invoices_issued_total",
			Help:        "Invoices issued by the booking path.",
			ConstLabels: constLabels,
		}),
		invoicesBalanced: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "carebilling_invoices_balanced_total",
			Help:        "Invoices balanced by the payment path.",
			ConstLabels: constLabels,
		}),
		tokensAssigned: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "carebilling_tokens_assigned_total",
			Help:        "Tokens allocated to bookings.",
			ConstLabels: constLabels,
		}),
		rebalanceRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "carebilling_account_rebalance_runs_total",
			Help:        "Account rebalance task executions.",
			ConstLabels: constLabels,
		}),
		rebalanceErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "carebilling_account_rebalance_errors_total",
			Help:        "Account rebalance task failures.",
			ConstLabels: constLabels,
		}),
	}

	collectors := []prometheus.Collector{
		m.triggerRuns, m.triggerErrors, m.triggerDuration,
		m.lockWait, m.lockConflicts,
		m.invoicesIssued, m.invoicesBalanced, m.tokensAssigned,
		m.rebalanceRuns, m.rebalanceErrors,
	}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
		}
	}
	return m
}

func (m *BillingMetrics) IncTriggerRun(trigger string) {
	if m == nil {
		return
	}
	m.triggerRuns.WithLabelValues(trigger).Inc()
}

func (m *BillingMetrics) IncTriggerError(trigger string) {
	if m == nil {
		return
	}
	m.triggerErrors.WithLabelValues(trigger).Inc()
}

func (m *BillingMetrics) ObserveTriggerDuration(trigger string, d time.Duration) {
	if m == nil {
		return
	}
	m.triggerDuration.WithLabelValues(trigger).Observe(d.Seconds())
}

func (m *BillingMetrics) ObserveLockWait(class string, d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.WithLabelValues(class).Observe(d.Seconds())
}

func (m *BillingMetrics) IncLockConflict(class string) {
	if m == nil {
		return
	}
	m.lockConflicts.WithLabelValues(class).Inc()
}

func (m *BillingMetrics) IncInvoiceIssued() {
	if m == nil {
		return
	}
	m.invoicesIssued.Inc()
}

func (m *BillingMetrics) IncInvoiceBalanced() {
	if m == nil {
		return
	}
	m.invoicesBalanced.Inc()
}

func (m *BillingMetrics) IncTokenAssigned() {
	if m == nil {
		return
	}
	m.tokensAssigned.Inc()
}

func (m *BillingMetrics) IncRebalanceRun() {
	if m == nil {
		return
	}
	m.rebalanceRuns.Inc()
}

func (m *BillingMetrics) IncRebalanceError() {
	if m == nil {
		return
	}
	m.rebalanceErrors.Inc()
}
