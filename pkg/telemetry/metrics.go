package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus observability primitives for the billing core.
type Metrics struct {
	paymentsApplied    *prometheus.CounterVec
	paymentAmount      *prometheus.HistogramVec
	refundsRecorded    *prometheus.CounterVec
	invoicesCreated    *prometheus.CounterVec
	dispatcherActions  *prometheus.CounterVec
	outboxDispatch     *prometheus.CounterVec
	outboxBacklogGauge prometheus.Gauge
}

// NewMetrics registers and returns Prometheus metrics for telemetry.
func NewMetrics() *Metrics {
	paymentsApplied := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billingcore_payments_applied_total",
		Help: "Counts payment applications by outcome (applied, duplicate, conflict, invalid).",
	}, []string{"outcome"})

	paymentAmount := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "billingcore_payment_amount",
		Help:    "Applied payment amounts in currency units.",
		Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000},
	}, []string{"method"})

	refundsRecorded := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billingcore_refunds_total",
		Help: "Counts refunds and post-payment adjustments by type.",
	}, []string{"type"})

	invoicesCreated := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billingcore_invoices_created_total",
		Help: "Counts invoice creations by kind and origin.",
	}, []string{"kind", "origin"})

	dispatcherActions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billingcore_dispatcher_actions_total",
		Help: "Counts reactive dispatcher decisions by action.",
	}, []string{"action"})

	outboxDispatch := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billingcore_outbox_dispatch_total",
		Help: "Counts outbox dispatch batches by status.",
	}, []string{"status"})

	outboxBacklog := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "billingcore_outbox_backlog",
		Help: "Events of the last outbox dispatch batch (at most 100) left unpublished.",
	})

	prometheus.MustRegister(
		paymentsApplied,
		paymentAmount,
		refundsRecorded,
		invoicesCreated,
		dispatcherActions,
		outboxDispatch,
		outboxBacklog,
	)

	return &Metrics{
		paymentsApplied:    paymentsApplied,
		paymentAmount:      paymentAmount,
		refundsRecorded:    refundsRecorded,
		invoicesCreated:    invoicesCreated,
		dispatcherActions:  dispatcherActions,
		outboxDispatch:     outboxDispatch,
		outboxBacklogGauge: outboxBacklog,
	}
}

func (m *Metrics) PaymentApplied(outcome string) {
	if m == nil {
		return
	}
	m.paymentsApplied.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObservePaymentAmount(method string, amount float64) {
	if m == nil {
		return
	}
	m.paymentAmount.WithLabelValues(method).Observe(amount)
}

func (m *Metrics) RefundRecorded(kind string) {
	if m == nil {
		return
	}
	m.refundsRecorded.WithLabelValues(kind).Inc()
}

func (m *Metrics) InvoiceCreated(kind, origin string) {
	if m == nil {
		return
	}
	m.invoicesCreated.WithLabelValues(kind, origin).Inc()
}

func (m *Metrics) DispatcherAction(action string) {
	if m == nil {
		return
	}
	m.dispatcherActions.WithLabelValues(action).Inc()
}

func (m *Metrics) OutboxDispatched(status string, backlog int) {
	if m == nil {
		return
	}
	m.outboxDispatch.WithLabelValues(status).Inc()
	m.outboxBacklogGauge.Set(float64(backlog))
}
