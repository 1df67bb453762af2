package audit

import (
	"context"

	"github.com/beanstalker/fulfillment/pkg/commerce"
	"github.com/beanstalker/fulfillment/pkg/fulfillment"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "beanstalker"

	bindOutcomeBound    = "bound"
	bindOutcomeFallback = "anonymous_fallback"
	bindOutcomeError    = "error"
)

// Metrics holds the fulfillment collectors on a private registry.
type Metrics struct {
	registry            *prometheus.Registry
	webhookOutcomes     *prometheus.CounterVec
	creditedCents       *prometheus.CounterVec
	membershipsGranted  prometheus.Counter
	mappingRegistration *prometheus.CounterVec
	operationErrors     *prometheus.CounterVec
	bindOutcomes        *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		webhookOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "fulfillment",
			Name:      "webhook_events_total",
			Help:      "Processed purchase webhook events by event type and outcome.",
		}, []string{"event_type", "outcome"}),
		creditedCents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "fulfillment",
			Name:      "credited_cents_total",
			Help:      "Balance credited by fulfilled purchases, in cents.",
		}, []string{"product_id"}),
		membershipsGranted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "fulfillment",
			Name:      "memberships_activated_total",
			Help:      "Purchases that activated a membership.",
		}),
		mappingRegistration: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "identity",
			Name:      "mapping_registrations_total",
			Help:      "Anonymous identity mapping registrations by status.",
		}, []string{"status"}),
		operationErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "fulfillment",
			Name:      "operation_errors_total",
			Help:      "Service operations that ended in an error.",
		}, []string{"operation"}),
		bindOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "identity",
			Name:      "bind_outcomes_total",
			Help:      "Commerce identity bind attempts by outcome.",
		}, []string{"outcome"}),
	}
}

// Registry exposes the private registry for the /metrics handler.
func (metrics *Metrics) Registry() *prometheus.Registry {
	return metrics.registry
}

// LogOperation implements fulfillment.OperationLogger.
func (metrics *Metrics) LogOperation(_ context.Context, entry fulfillment.OperationLog) {
	if entry.Status == fulfillment.OperationStatusError {
		metrics.operationErrors.WithLabelValues(entry.Operation).Inc()
	}
	switch entry.Operation {
	case fulfillment.OperationFulfill:
		if entry.Outcome == "" {
			return
		}
		metrics.webhookOutcomes.WithLabelValues(entry.EventType.String(), entry.Outcome.String()).Inc()
		if entry.Outcome != fulfillment.OutcomeApplied {
			return
		}
		if entry.Amount > 0 {
			metrics.creditedCents.WithLabelValues(entry.ProductID.String()).Add(float64(entry.Amount.Int64()))
		}
		if entry.MembershipActivated {
			metrics.membershipsGranted.Inc()
		}
	case fulfillment.OperationRegisterMapping:
		status := entry.Status
		if entry.Status == fulfillment.OperationStatusOK && entry.MappingStatus != "" {
			status = string(entry.MappingStatus)
		}
		metrics.mappingRegistration.WithLabelValues(status).Inc()
	}
}

// ObserveBind implements commerce.BindObserver.
func (metrics *Metrics) ObserveBind(_ context.Context, _ string, result commerce.BindResult, err error) {
	switch {
	case err != nil:
		metrics.bindOutcomes.WithLabelValues(bindOutcomeError).Inc()
	case result.WasAnonymousFallback:
		metrics.bindOutcomes.WithLabelValues(bindOutcomeFallback).Inc()
	default:
		metrics.bindOutcomes.WithLabelValues(bindOutcomeBound).Inc()
	}
}
